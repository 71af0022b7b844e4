package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/marektomas-cz/script-executor/pkg/contracts"
)

// Tenant data access. Statements run against the catalog's database with
// the caller's tenant id forced into every WHERE clause; scripts cannot
// name another tenant's rows no matter what SQL they send.

const maxRows = 1000

var (
	identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	whereRe = regexp.MustCompile(`(?is)\bwhere\b`)
	tailRe  = regexp.MustCompile(`(?is)\b(group\s+by|order\s+by|limit|offset)\b`)

	// System catalogs and escape hatches scripts must never reach.
	blockedFragments = []string{
		"pg_catalog", "information_schema", "sqlite_master", "sqlite_",
		"pragma", "attach", "vacuum",
	}
)

func checkIdent(name string) *contracts.Error {
	if !identRe.MatchString(name) {
		return contracts.Validation("invalid identifier %q", name)
	}
	lower := strings.ToLower(name)
	if strings.HasPrefix(lower, "pg_") || strings.HasPrefix(lower, "sqlite_") || lower == "information_schema" {
		return contracts.Forbidden("identifier %q is not accessible", name)
	}
	return nil
}

func checkRawSQL(query string) *contracts.Error {
	if strings.ContainsAny(query, ";") {
		return contracts.Validation("multiple statements are not allowed")
	}
	lower := strings.ToLower(query)
	if strings.Contains(lower, "--") || strings.Contains(lower, "/*") {
		return contracts.Validation("comments are not allowed")
	}
	for _, frag := range blockedFragments {
		if strings.Contains(lower, frag) {
			return contracts.Forbidden("query references restricted object %q", frag)
		}
	}
	return nil
}

// scopeToTenant rewrites a SELECT so its WHERE clause starts with a
// tenant_id bind. The tenant parameter therefore always precedes the
// caller's own binds.
func scopeToTenant(query string) string {
	body, tail := query, ""
	if loc := tailRe.FindStringIndex(query); loc != nil {
		body, tail = query[:loc[0]], query[loc[0]:]
	}
	if loc := whereRe.FindStringIndex(body); loc != nil {
		body = body[:loc[1]] + " tenant_id = ? AND (" + strings.TrimSpace(body[loc[1]:]) + ")"
	} else {
		body = strings.TrimRight(body, " \t\n") + " WHERE tenant_id = ?"
	}
	if tail == "" {
		return body
	}
	return body + " " + tail
}

func (b *Broker) rebind(query string) string {
	if b.catalog.Dialect() != "postgres" {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (b *Broker) dbQuery(ctx context.Context, c *call) (any, *contracts.Error) {
	query := strings.TrimSpace(c.params["sql"].(string))
	if !strings.HasPrefix(strings.ToLower(query), "select") {
		return nil, contracts.Validation("database.query accepts SELECT statements only")
	}
	if cerr := checkRawSQL(query); cerr != nil {
		return nil, cerr
	}

	args := append([]any{c.tenant.ID}, anySlice(c.params["params"])...)
	return b.runSelect(ctx, scopeToTenant(query), args)
}

func (b *Broker) dbSelect(ctx context.Context, c *call) (any, *contracts.Error) {
	table := c.params["table"].(string)
	if cerr := checkIdent(table); cerr != nil {
		return nil, cerr
	}

	cols := "*"
	if raw, ok := c.params["columns"].([]any); ok && len(raw) > 0 {
		names := make([]string, len(raw))
		for i, v := range raw {
			name := v.(string)
			if cerr := checkIdent(name); cerr != nil {
				return nil, cerr
			}
			names[i] = name
		}
		cols = strings.Join(names, ", ")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s WHERE tenant_id = ?", cols, table)
	args := []any{c.tenant.ID}

	if where, ok := c.params["where"].(string); ok && where != "" {
		if cerr := checkRawSQL(where); cerr != nil {
			return nil, cerr
		}
		sb.WriteString(" AND (" + where + ")")
		args = append(args, anySlice(c.params["params"])...)
	}
	if orderBy, ok := c.params["order_by"].(string); ok && orderBy != "" {
		col, dir, _ := strings.Cut(orderBy, " ")
		if cerr := checkIdent(col); cerr != nil {
			return nil, cerr
		}
		switch strings.ToUpper(strings.TrimSpace(dir)) {
		case "", "ASC":
			sb.WriteString(" ORDER BY " + col)
		case "DESC":
			sb.WriteString(" ORDER BY " + col + " DESC")
		default:
			return nil, contracts.Validation("invalid order_by direction")
		}
	}

	limit := maxRows
	if v, ok := intFrom(c.params["limit"]); ok && v < limit {
		limit = v
	}
	fmt.Fprintf(&sb, " LIMIT %d", limit)

	return b.runSelect(ctx, sb.String(), args)
}

func (b *Broker) dbInsert(ctx context.Context, c *call) (any, *contracts.Error) {
	table := c.params["table"].(string)
	if cerr := checkIdent(table); cerr != nil {
		return nil, cerr
	}
	values := c.params["values"].(map[string]any)
	if _, ok := values["tenant_id"]; ok {
		return nil, contracts.Validation("tenant_id is assigned by the platform")
	}

	cols := make([]string, 0, len(values))
	for col := range values {
		if cerr := checkIdent(col); cerr != nil {
			return nil, cerr
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	args := make([]any, 0, len(cols)+1)
	for _, col := range cols {
		args = append(args, bindValue(values[col]))
	}
	cols = append(cols, "tenant_id")
	args = append(args, c.tenant.ID)

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), placeholders(len(cols)))
	return b.runExec(ctx, query, args)
}

func (b *Broker) dbUpdate(ctx context.Context, c *call) (any, *contracts.Error) {
	table := c.params["table"].(string)
	if cerr := checkIdent(table); cerr != nil {
		return nil, cerr
	}
	values := c.params["values"].(map[string]any)
	if _, ok := values["tenant_id"]; ok {
		return nil, contracts.Validation("tenant_id is assigned by the platform")
	}
	where := c.params["where"].(string)
	if cerr := checkRawSQL(where); cerr != nil {
		return nil, cerr
	}

	cols := make([]string, 0, len(values))
	for col := range values {
		if cerr := checkIdent(col); cerr != nil {
			return nil, cerr
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, col := range cols {
		sets[i] = col + " = ?"
		args = append(args, bindValue(values[col]))
	}
	args = append(args, c.tenant.ID)
	args = append(args, anySlice(c.params["params"])...)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE tenant_id = ? AND (%s)",
		table, strings.Join(sets, ", "), where)
	return b.runExec(ctx, query, args)
}

func (b *Broker) dbDelete(ctx context.Context, c *call) (any, *contracts.Error) {
	table := c.params["table"].(string)
	if cerr := checkIdent(table); cerr != nil {
		return nil, cerr
	}
	where := c.params["where"].(string)
	if cerr := checkRawSQL(where); cerr != nil {
		return nil, cerr
	}

	args := append([]any{c.tenant.ID}, anySlice(c.params["params"])...)
	query := fmt.Sprintf("DELETE FROM %s WHERE tenant_id = ? AND (%s)", table, where)
	return b.runExec(ctx, query, args)
}

func (b *Broker) runSelect(ctx context.Context, query string, args []any) (any, *contracts.Error) {
	rows, err := b.catalog.DB().QueryContext(ctx, b.rebind(query), args...)
	if err != nil {
		return nil, contracts.Validation("query failed: %v", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, contracts.Internal(err)
	}

	out := make([]map[string]any, 0)
	for rows.Next() && len(out) < maxRows {
		ptrs := make([]any, len(cols))
		vals := make([]any, len(cols))
		for i := range ptrs {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, contracts.Internal(err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if raw, ok := vals[i].([]byte); ok {
				row[col] = string(raw)
				continue
			}
			row[col] = vals[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, contracts.Internal(err)
	}
	return map[string]any{"rows": out, "count": len(out)}, nil
}

func (b *Broker) runExec(ctx context.Context, query string, args []any) (any, *contracts.Error) {
	res, err := b.catalog.DB().ExecContext(ctx, b.rebind(query), args...)
	if err != nil {
		return nil, contracts.Validation("statement failed: %v", err)
	}
	affected, _ := res.RowsAffected()
	return map[string]any{"rows_affected": affected}, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func anySlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func intFrom(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	}
	return 0, false
}

// bindValue flattens JSON composites so drivers see scalar binds.
func bindValue(v any) any {
	switch v.(type) {
	case map[string]any, []any:
		raw, _ := json.Marshal(v)
		return string(raw)
	default:
		return v
	}
}
