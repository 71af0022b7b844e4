// Package execlog persists the audit trail of execution attempts. The row
// lifecycle is append-mostly: one insert at pending, one update to running,
// one terminal update. Status changes are compare-and-swap guarded so a
// terminal state can never be overwritten, whichever of dispatcher,
// watchdog, or kill-switch gets there first.
package execlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marektomas-cz/script-executor/pkg/contracts"
)

var (
	ErrNotFound        = errors.New("execlog: not found")
	ErrAlreadyTerminal = errors.New("execlog: record already terminal")
	ErrBadTransition   = errors.New("execlog: illegal status transition")
)

// Store reads and writes execution log rows.
type Store struct {
	db      *sql.DB
	dialect string
	clock   func() time.Time
}

// New builds a Store for the given dialect ("postgres" or "sqlite").
func New(db *sql.DB, dialect string) (*Store, error) {
	if dialect != "postgres" && dialect != "sqlite" {
		return nil, fmt.Errorf("execlog: unknown dialect %q", dialect)
	}
	return &Store{db: db, dialect: dialect, clock: time.Now}, nil
}

// WithClock replaces the time source for tests.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS script_execution_logs (
	id TEXT PRIMARY KEY,
	script_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	invoker_id TEXT,
	trigger_kind TEXT NOT NULL,
	context JSONB,
	status TEXT NOT NULL,
	started_at TIMESTAMP,
	ended_at TIMESTAMP,
	execution_time_ms BIGINT NOT NULL DEFAULT 0,
	peak_memory_bytes BIGINT NOT NULL DEFAULT 0,
	cpu_time_ms BIGINT NOT NULL DEFAULT 0,
	output TEXT,
	output_ref TEXT,
	error_message TEXT,
	security_flags JSONB,
	callback_count INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_exec_logs_tenant_time ON script_execution_logs(tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_exec_logs_script_time ON script_execution_logs(script_id, created_at);
CREATE INDEX IF NOT EXISTS idx_exec_logs_status ON script_execution_logs(status);
`

var schemaSQLite = strings.NewReplacer("JSONB", "TEXT", "TIMESTAMP", "DATETIME").Replace(schemaPostgres)

// Init creates the table if absent.
func (s *Store) Init(ctx context.Context) error {
	schema := schemaPostgres
	if s.dialect == "sqlite" {
		schema = schemaSQLite
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("execlog: init schema: %w", err)
	}
	return nil
}

func (s *Store) rebind(query string) string {
	if s.dialect != "postgres" {
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

// Insert writes the pending row for a freshly admitted execution.
func (s *Store) Insert(ctx context.Context, log *contracts.ExecutionLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	log.Status = contracts.StatusPending
	now := s.clock().UTC()
	log.CreatedAt, log.UpdatedAt = now, now

	contextJSON, _ := json.Marshal(log.Context)
	flagsJSON, _ := json.Marshal(log.SecurityFlags)

	query := s.rebind(`INSERT INTO script_execution_logs
		(id, script_id, tenant_id, invoker_id, trigger_kind, context, status, security_flags, callback_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query,
		log.ID, log.ScriptID, log.TenantID, log.InvokerID, string(log.Trigger),
		contextJSON, string(contracts.StatusPending), flagsJSON, now, now); err != nil {
		return fmt.Errorf("execlog: insert: %w", err)
	}
	return nil
}

// MarkRunning transitions pending → running. The guard makes it a CAS: a
// row terminated in the meantime stays terminated.
func (s *Store) MarkRunning(ctx context.Context, id string, startedAt time.Time) error {
	now := s.clock().UTC()
	query := s.rebind(`UPDATE script_execution_logs SET status = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`)
	res, err := s.db.ExecContext(ctx, query,
		string(contracts.StatusRunning), startedAt.UTC(), now, id, string(contracts.StatusPending))
	if err != nil {
		return fmt.Errorf("execlog: mark running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionFailure(ctx, id)
	}
	return nil
}

// Outcome carries everything a terminal update records.
type Outcome struct {
	Output       string
	OutputRef    string
	ErrorMessage string
	Usage        contracts.ResourceUsage
	Flags        []contracts.SecurityFlag
}

// Complete writes the one terminal update. The CAS guard admits only
// pending or running rows; on a lost race it returns ErrAlreadyTerminal and
// writes nothing. Ended-at is stamped here; execution time is the
// caller-reported wall time, zeroed for rows that never started.
func (s *Store) Complete(ctx context.Context, id string, terminal contracts.Status, outcome Outcome) error {
	if !terminal.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrBadTransition, terminal)
	}
	for _, flag := range outcome.Flags {
		if err := s.AppendSecurityFlag(ctx, id, flag); err != nil {
			return err
		}
	}

	now := s.clock().UTC()
	query := s.rebind(`UPDATE script_execution_logs SET
		status = ?, ended_at = ?, updated_at = ?,
		execution_time_ms = CASE WHEN started_at IS NULL THEN 0 ELSE ? END,
		peak_memory_bytes = ?, cpu_time_ms = ?,
		output = ?, output_ref = ?, error_message = ?
		WHERE id = ? AND status IN (?, ?)`)

	// Wall time favours the sandbox's own measurement when present.
	wallMS := outcome.Usage.WallMS

	res, err := s.db.ExecContext(ctx, query,
		string(terminal), now, now, wallMS,
		outcome.Usage.MemoryBytes, outcome.Usage.CPUMS,
		outcome.Output, outcome.OutputRef, outcome.ErrorMessage,
		id, string(contracts.StatusPending), string(contracts.StatusRunning))
	if err != nil {
		return fmt.Errorf("execlog: complete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionFailure(ctx, id)
	}
	return nil
}

// transitionFailure distinguishes a missing row from a lost CAS race.
func (s *Store) transitionFailure(ctx context.Context, id string) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return ErrAlreadyTerminal
	}
	return fmt.Errorf("%w: row %s in status %s", ErrBadTransition, id, current.Status)
}

// AppendSecurityFlag grows the flag array. Flags are append-only; nothing
// ever removes one.
func (s *Store) AppendSecurityFlag(ctx context.Context, id string, flag contracts.SecurityFlag) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("execlog: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw sql.NullString
	sel := s.rebind(`SELECT security_flags FROM script_execution_logs WHERE id = ?`)
	if s.dialect == "postgres" {
		sel += " FOR UPDATE"
	}
	err = tx.QueryRowContext(ctx, sel, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("execlog: read flags: %w", err)
	}

	var flags []contracts.SecurityFlag
	if raw.Valid && raw.String != "" {
		_ = json.Unmarshal([]byte(raw.String), &flags)
	}
	flags = append(flags, flag)
	encoded, _ := json.Marshal(flags)

	update := s.rebind(`UPDATE script_execution_logs SET security_flags = ?, updated_at = ? WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, update, encoded, s.clock().UTC(), id); err != nil {
		return fmt.Errorf("execlog: write flags: %w", err)
	}
	return tx.Commit()
}

// AppendOutput adds a chunk to the output buffer. Used by the log
// capability; the terminal update later overwrites the buffer with the
// sandbox's final output plus whatever was appended.
func (s *Store) AppendOutput(ctx context.Context, id, chunk string) error {
	query := s.rebind(`UPDATE script_execution_logs SET output = COALESCE(output, '') || ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, chunk, s.clock().UTC(), id)
	if err != nil {
		return fmt.Errorf("execlog: append output: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrCallbacks bumps the per-execution callback counter and returns the
// new value. The broker compares it against the configured ceiling.
func (s *Store) IncrCallbacks(ctx context.Context, id string) (int, error) {
	update := s.rebind(`UPDATE script_execution_logs SET callback_count = callback_count + 1, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, update, s.clock().UTC(), id)
	if err != nil {
		return 0, fmt.Errorf("execlog: incr callbacks: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}

	var count int
	sel := s.rebind(`SELECT callback_count FROM script_execution_logs WHERE id = ?`)
	if err := s.db.QueryRowContext(ctx, sel, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("execlog: read callbacks: %w", err)
	}
	return count, nil
}

const selectColumns = `id, script_id, tenant_id, invoker_id, trigger_kind, context, status,
	started_at, ended_at, execution_time_ms, peak_memory_bytes, cpu_time_ms,
	output, output_ref, error_message, security_flags, callback_count, created_at, updated_at`

// Get returns one execution record.
func (s *Store) Get(ctx context.Context, id string) (*contracts.ExecutionLog, error) {
	query := s.rebind(`SELECT ` + selectColumns + ` FROM script_execution_logs WHERE id = ?`)
	log, err := scanLog(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return log, err
}

// ListByTenant pages through a tenant's executions, newest first.
func (s *Store) ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*contracts.ExecutionLog, error) {
	return s.list(ctx, `tenant_id`, tenantID, limit, offset)
}

// ListByScript pages through one script's executions, newest first.
func (s *Store) ListByScript(ctx context.Context, scriptID string, limit, offset int) ([]*contracts.ExecutionLog, error) {
	return s.list(ctx, `script_id`, scriptID, limit, offset)
}

func (s *Store) list(ctx context.Context, column, value string, limit, offset int) ([]*contracts.ExecutionLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := s.rebind(`SELECT ` + selectColumns + ` FROM script_execution_logs
		WHERE ` + column + ` = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`)
	rows, err := s.db.QueryContext(ctx, query, value, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("execlog: list: %w", err)
	}
	defer rows.Close()

	var out []*contracts.ExecutionLog
	for rows.Next() {
		log, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, log)
	}
	return out, rows.Err()
}

// CountRunning reports the rows currently in running state.
func (s *Store) CountRunning(ctx context.Context) (int, error) {
	var n int
	query := s.rebind(`SELECT COUNT(*) FROM script_execution_logs WHERE status = ?`)
	if err := s.db.QueryRowContext(ctx, query, string(contracts.StatusRunning)).Scan(&n); err != nil {
		return 0, fmt.Errorf("execlog: count running: %w", err)
	}
	return n, nil
}

// CountForTenantSince counts executions created at or after the cut-off.
// Admission uses it to reconcile quota counters after a cache loss.
func (s *Store) CountForTenantSince(ctx context.Context, tenantID string, since time.Time) (int, error) {
	var n int
	query := s.rebind(`SELECT COUNT(*) FROM script_execution_logs WHERE tenant_id = ? AND created_at >= ?`)
	if err := s.db.QueryRowContext(ctx, query, tenantID, since.UTC()).Scan(&n); err != nil {
		return 0, fmt.Errorf("execlog: count tenant: %w", err)
	}
	return n, nil
}

// RunningOlderThan lists running executions started before the cut-off.
// The kill-switch evaluator treats them as long-running.
func (s *Store) RunningOlderThan(ctx context.Context, cutoff time.Time) ([]*contracts.ExecutionLog, error) {
	query := s.rebind(`SELECT ` + selectColumns + ` FROM script_execution_logs
		WHERE status = ? AND started_at IS NOT NULL AND started_at < ?`)
	rows, err := s.db.QueryContext(ctx, query, string(contracts.StatusRunning), cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("execlog: running older than: %w", err)
	}
	defer rows.Close()

	var out []*contracts.ExecutionLog
	for rows.Next() {
		log, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, log)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLog(row rowScanner) (*contracts.ExecutionLog, error) {
	var log contracts.ExecutionLog
	var invoker, contextRaw, output, outputRef, errMsg, flagsRaw sql.NullString
	var trigger, status string
	var startedAt, endedAt sql.NullTime

	err := row.Scan(&log.ID, &log.ScriptID, &log.TenantID, &invoker, &trigger, &contextRaw, &status,
		&startedAt, &endedAt, &log.ExecutionTimeMS, &log.PeakMemoryBytes, &log.CPUTimeMS,
		&output, &outputRef, &errMsg, &flagsRaw, &log.CallbackCount, &log.CreatedAt, &log.UpdatedAt)
	if err != nil {
		return nil, err
	}

	log.InvokerID = invoker.String
	log.Trigger = contracts.Trigger(trigger)
	log.Status = contracts.Status(status)
	log.Output = output.String
	log.OutputRef = outputRef.String
	log.ErrorMessage = errMsg.String
	if startedAt.Valid {
		t := startedAt.Time
		log.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		log.EndedAt = &t
	}
	if contextRaw.Valid && contextRaw.String != "" {
		_ = json.Unmarshal([]byte(contextRaw.String), &log.Context)
	}
	if flagsRaw.Valid && flagsRaw.String != "" {
		_ = json.Unmarshal([]byte(flagsRaw.String), &log.SecurityFlags)
	}
	return &log, nil
}
