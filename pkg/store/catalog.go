// Package store is the relational catalog: tenants, users, scripts, and
// immutable script versions. Postgres backs deployments; lite mode swaps in
// an embedded sqlite file with the same contract. Execution records live in
// pkg/execlog, secrets in pkg/secrets; this package owns everything else.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marektomas-cz/script-executor/pkg/contracts"
)

var (
	ErrNotFound             = errors.New("store: not found")
	ErrCapabilityNotGranted = errors.New("store: script requests a capability its tenant does not grant")
	ErrBadApprovalState     = errors.New("store: approval transition not allowed")
)

// Catalog provides the tenant/script/version operations.
type Catalog struct {
	db      *sql.DB
	dialect string
	clock   func() time.Time
}

// New builds a Catalog for the given dialect ("postgres" or "sqlite").
func New(db *sql.DB, dialect string) (*Catalog, error) {
	if dialect != "postgres" && dialect != "sqlite" {
		return nil, fmt.Errorf("store: unknown dialect %q", dialect)
	}
	return &Catalog{db: db, dialect: dialect, clock: time.Now}, nil
}

// WithClock replaces the time source for tests.
func (c *Catalog) WithClock(clock func() time.Time) *Catalog {
	c.clock = clock
	return c
}

// DB exposes the handle for components sharing the connection pool.
func (c *Catalog) DB() *sql.DB { return c.db }

// Dialect reports which SQL dialect the catalog speaks.
func (c *Catalog) Dialect() string { return c.dialect }

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS tenants (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	rate_limit INTEGER NOT NULL DEFAULT 60,
	api_quota INTEGER NOT NULL DEFAULT 10000,
	grants JSONB,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL REFERENCES tenants(id),
	email TEXT NOT NULL,
	roles JSONB,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS scripts (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL REFERENCES tenants(id),
	name TEXT NOT NULL,
	description TEXT,
	source TEXT NOT NULL,
	language TEXT NOT NULL DEFAULT 'javascript',
	active BOOLEAN NOT NULL DEFAULT TRUE,
	config JSONB,
	tags JSONB,
	created_by TEXT,
	updated_by TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	deleted_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_scripts_tenant ON scripts(tenant_id);
CREATE TABLE IF NOT EXISTS script_versions (
	id TEXT PRIMARY KEY,
	script_id TEXT NOT NULL REFERENCES scripts(id),
	version INTEGER NOT NULL,
	source TEXT NOT NULL,
	checksum TEXT NOT NULL,
	approval_status TEXT NOT NULL DEFAULT 'draft',
	created_by TEXT,
	created_at TIMESTAMP NOT NULL,
	UNIQUE (script_id, version)
);
CREATE INDEX IF NOT EXISTS idx_script_versions_script ON script_versions(script_id, version);
`

// The sqlite variant drops JSONB for TEXT and uses DATETIME so the driver
// round-trips time values; everything else is shared.
var schemaSQLite = strings.NewReplacer("JSONB", "TEXT", "TIMESTAMP", "DATETIME").Replace(schemaPostgres)

// Init creates the tables if absent.
func (c *Catalog) Init(ctx context.Context) error {
	schema := schemaPostgres
	if c.dialect == "sqlite" {
		schema = schemaSQLite
	}
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

func (c *Catalog) rebind(query string) string {
	if c.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Checksum is the content hash recorded on every script version.
func Checksum(source string) string {
	sum := sha256.Sum256([]byte(source))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// --- tenants ---

func (c *Catalog) CreateTenant(ctx context.Context, t *contracts.Tenant) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := c.clock().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	grants, _ := json.Marshal(t.Grants)

	query := c.rebind(`INSERT INTO tenants (id, name, rate_limit, api_quota, grants, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := c.db.ExecContext(ctx, query, t.ID, t.Name, t.RateLimit, t.APIQuota, grants, t.Active, now, now); err != nil {
		return fmt.Errorf("store: create tenant: %w", err)
	}
	return nil
}

func (c *Catalog) GetTenant(ctx context.Context, id string) (*contracts.Tenant, error) {
	query := c.rebind(`SELECT id, name, rate_limit, api_quota, grants, active, created_at, updated_at
		FROM tenants WHERE id = ?`)
	row := c.db.QueryRowContext(ctx, query, id)

	var t contracts.Tenant
	var grants sql.NullString
	err := row.Scan(&t.ID, &t.Name, &t.RateLimit, &t.APIQuota, &grants, &t.Active, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get tenant: %w", err)
	}
	if grants.Valid && grants.String != "" {
		_ = json.Unmarshal([]byte(grants.String), &t.Grants)
	}
	return &t, nil
}

func (c *Catalog) UpdateTenant(ctx context.Context, t *contracts.Tenant) error {
	now := c.clock().UTC()
	grants, _ := json.Marshal(t.Grants)
	query := c.rebind(`UPDATE tenants SET name = ?, rate_limit = ?, api_quota = ?, grants = ?, active = ?, updated_at = ?
		WHERE id = ?`)
	res, err := c.db.ExecContext(ctx, query, t.Name, t.RateLimit, t.APIQuota, grants, t.Active, now, t.ID)
	if err != nil {
		return fmt.Errorf("store: update tenant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- users ---

func (c *Catalog) CreateUser(ctx context.Context, u *contracts.User) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	u.CreatedAt = c.clock().UTC()
	roles, _ := json.Marshal(u.Roles)
	query := c.rebind(`INSERT INTO users (id, tenant_id, email, roles, active, created_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := c.db.ExecContext(ctx, query, u.ID, u.TenantID, u.Email, roles, u.Active, u.CreatedAt); err != nil {
		return fmt.Errorf("store: create user: %w", err)
	}
	return nil
}

func (c *Catalog) GetUser(ctx context.Context, id string) (*contracts.User, error) {
	query := c.rebind(`SELECT id, tenant_id, email, roles, active, created_at FROM users WHERE id = ?`)
	var u contracts.User
	var roles sql.NullString
	err := c.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.TenantID, &u.Email, &roles, &u.Active, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	if roles.Valid && roles.String != "" {
		_ = json.Unmarshal([]byte(roles.String), &u.Roles)
	}
	return &u, nil
}

// --- scripts ---

// CreateScript inserts the script and freezes version 1 from its source.
// The script's requested capabilities must be a subset of the tenant's
// grants; the invariant is checked here and again at admission.
func (c *Catalog) CreateScript(ctx context.Context, script *contracts.Script) (*contracts.ScriptVersion, error) {
	tenant, err := c.GetTenant(ctx, script.TenantID)
	if err != nil {
		return nil, err
	}
	if err := checkCapabilities(script.Config.Capabilities, tenant); err != nil {
		return nil, err
	}

	if script.ID == "" {
		script.ID = uuid.New().String()
	}
	if script.Language == "" {
		script.Language = "javascript"
	}
	now := c.clock().UTC()
	script.CreatedAt, script.UpdatedAt = now, now

	cfg, _ := json.Marshal(script.Config)
	tags, _ := json.Marshal(script.Tags)

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insert := c.rebind(`INSERT INTO scripts (id, tenant_id, name, description, source, language, active, config, tags, created_by, updated_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, insert,
		script.ID, script.TenantID, script.Name, script.Description, script.Source, script.Language,
		script.Active, cfg, tags, script.CreatedBy, script.CreatedBy, now, now); err != nil {
		return nil, fmt.Errorf("store: create script: %w", err)
	}

	version := &contracts.ScriptVersion{
		ID:             uuid.New().String(),
		ScriptID:       script.ID,
		Version:        1,
		Source:         script.Source,
		Checksum:       Checksum(script.Source),
		ApprovalStatus: contracts.ApprovalDraft,
		CreatedBy:      script.CreatedBy,
		CreatedAt:      now,
	}
	if err := c.insertVersion(ctx, tx, version); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	return version, nil
}

// GetScript returns the script unless soft-deleted.
func (c *Catalog) GetScript(ctx context.Context, id string) (*contracts.Script, error) {
	query := c.rebind(`SELECT id, tenant_id, name, description, source, language, active, config, tags, created_by, updated_by, created_at, updated_at
		FROM scripts WHERE id = ? AND deleted_at IS NULL`)
	row := c.db.QueryRowContext(ctx, query, id)

	var s contracts.Script
	var description sql.NullString
	var cfg, tags sql.NullString
	err := row.Scan(&s.ID, &s.TenantID, &s.Name, &description, &s.Source, &s.Language, &s.Active,
		&cfg, &tags, &s.CreatedBy, &s.UpdatedBy, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get script: %w", err)
	}
	s.Description = description.String
	if cfg.Valid && cfg.String != "" {
		_ = json.Unmarshal([]byte(cfg.String), &s.Config)
	}
	if tags.Valid && tags.String != "" {
		_ = json.Unmarshal([]byte(tags.String), &s.Tags)
	}
	return &s, nil
}

// UpdateScriptSource records an edit: the working copy changes and a new
// immutable version is frozen. The version number is MAX(version)+1 inside
// the same transaction, so concurrent edits cannot collide.
func (c *Catalog) UpdateScriptSource(ctx context.Context, scriptID, source, updatedBy string) (*contracts.ScriptVersion, error) {
	now := c.clock().UTC()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	update := c.rebind(`UPDATE scripts SET source = ?, updated_by = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`)
	res, err := tx.ExecContext(ctx, update, source, updatedBy, now, scriptID)
	if err != nil {
		return nil, fmt.Errorf("store: update script: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}

	var maxVersion sql.NullInt64
	next := c.rebind(`SELECT MAX(version) FROM script_versions WHERE script_id = ?`)
	if err := tx.QueryRowContext(ctx, next, scriptID).Scan(&maxVersion); err != nil {
		return nil, fmt.Errorf("store: next version: %w", err)
	}

	version := &contracts.ScriptVersion{
		ID:             uuid.New().String(),
		ScriptID:       scriptID,
		Version:        int(maxVersion.Int64) + 1,
		Source:         source,
		Checksum:       Checksum(source),
		ApprovalStatus: contracts.ApprovalDraft,
		CreatedBy:      updatedBy,
		CreatedAt:      now,
	}
	if err := c.insertVersion(ctx, tx, version); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	return version, nil
}

// SoftDeleteScript hides the script from reads. Execution logs keep their
// weak reference and outlive it.
func (c *Catalog) SoftDeleteScript(ctx context.Context, scriptID, deletedBy string) error {
	now := c.clock().UTC()
	query := c.rebind(`UPDATE scripts SET deleted_at = ?, active = FALSE, updated_by = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`)
	res, err := c.db.ExecContext(ctx, query, now, deletedBy, now, scriptID)
	if err != nil {
		return fmt.Errorf("store: delete script: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListScriptsByTenant returns the tenant's live scripts, newest first.
func (c *Catalog) ListScriptsByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*contracts.Script, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := c.rebind(`SELECT id, tenant_id, name, description, source, language, active, config, tags, created_by, updated_by, created_at, updated_at
		FROM scripts WHERE tenant_id = ? AND deleted_at IS NULL ORDER BY created_at DESC LIMIT ? OFFSET ?`)
	rows, err := c.db.QueryContext(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list scripts: %w", err)
	}
	defer rows.Close()

	var out []*contracts.Script
	for rows.Next() {
		var s contracts.Script
		var description, cfg, tags sql.NullString
		if err := rows.Scan(&s.ID, &s.TenantID, &s.Name, &description, &s.Source, &s.Language, &s.Active,
			&cfg, &tags, &s.CreatedBy, &s.UpdatedBy, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: list scan: %w", err)
		}
		s.Description = description.String
		if cfg.Valid && cfg.String != "" {
			_ = json.Unmarshal([]byte(cfg.String), &s.Config)
		}
		if tags.Valid && tags.String != "" {
			_ = json.Unmarshal([]byte(tags.String), &s.Tags)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

func checkCapabilities(requested []string, tenant *contracts.Tenant) error {
	for _, cap := range requested {
		if !tenant.HasGrant(cap) {
			return fmt.Errorf("%w: %s", ErrCapabilityNotGranted, cap)
		}
	}
	return nil
}
