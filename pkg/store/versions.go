package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/marektomas-cz/script-executor/pkg/contracts"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (c *Catalog) insertVersion(ctx context.Context, tx execer, v *contracts.ScriptVersion) error {
	query := c.rebind(`INSERT INTO script_versions (id, script_id, version, source, checksum, approval_status, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, query,
		v.ID, v.ScriptID, v.Version, v.Source, v.Checksum, string(v.ApprovalStatus), v.CreatedBy, v.CreatedAt); err != nil {
		return fmt.Errorf("store: insert version: %w", err)
	}
	return nil
}

// GetVersion returns one numbered version of a script.
func (c *Catalog) GetVersion(ctx context.Context, scriptID string, version int) (*contracts.ScriptVersion, error) {
	query := c.rebind(`SELECT id, script_id, version, source, checksum, approval_status, created_by, created_at
		FROM script_versions WHERE script_id = ? AND version = ?`)
	return c.scanVersion(c.db.QueryRowContext(ctx, query, scriptID, version))
}

// LatestApproved returns the newest approved version, the only kind
// eligible for execution.
func (c *Catalog) LatestApproved(ctx context.Context, scriptID string) (*contracts.ScriptVersion, error) {
	query := c.rebind(`SELECT id, script_id, version, source, checksum, approval_status, created_by, created_at
		FROM script_versions WHERE script_id = ? AND approval_status = 'approved' ORDER BY version DESC LIMIT 1`)
	return c.scanVersion(c.db.QueryRowContext(ctx, query, scriptID))
}

// ListVersions returns every version of a script, newest first.
func (c *Catalog) ListVersions(ctx context.Context, scriptID string) ([]*contracts.ScriptVersion, error) {
	query := c.rebind(`SELECT id, script_id, version, source, checksum, approval_status, created_by, created_at
		FROM script_versions WHERE script_id = ? ORDER BY version DESC`)
	rows, err := c.db.QueryContext(ctx, query, scriptID)
	if err != nil {
		return nil, fmt.Errorf("store: list versions: %w", err)
	}
	defer rows.Close()

	var out []*contracts.ScriptVersion
	for rows.Next() {
		var v contracts.ScriptVersion
		var status string
		if err := rows.Scan(&v.ID, &v.ScriptID, &v.Version, &v.Source, &v.Checksum, &status, &v.CreatedBy, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: version scan: %w", err)
		}
		v.ApprovalStatus = contracts.ApprovalStatus(status)
		out = append(out, &v)
	}
	return out, rows.Err()
}

// SubmitVersion moves a draft into review.
func (c *Catalog) SubmitVersion(ctx context.Context, scriptID string, version int) error {
	return c.transitionVersion(ctx, scriptID, version, contracts.ApprovalDraft, contracts.ApprovalPending)
}

// ApproveVersion marks a pending version executable.
func (c *Catalog) ApproveVersion(ctx context.Context, scriptID string, version int) error {
	return c.transitionVersion(ctx, scriptID, version, contracts.ApprovalPending, contracts.ApprovalApproved)
}

// RejectVersion closes review without approval.
func (c *Catalog) RejectVersion(ctx context.Context, scriptID string, version int) error {
	return c.transitionVersion(ctx, scriptID, version, contracts.ApprovalPending, contracts.ApprovalRejected)
}

// transitionVersion is a guarded state change: the row must currently be in
// the from state. Approval history is immutable otherwise.
func (c *Catalog) transitionVersion(ctx context.Context, scriptID string, version int, from, to contracts.ApprovalStatus) error {
	query := c.rebind(`UPDATE script_versions SET approval_status = ? WHERE script_id = ? AND version = ? AND approval_status = ?`)
	res, err := c.db.ExecContext(ctx, query, string(to), scriptID, version, string(from))
	if err != nil {
		return fmt.Errorf("store: version transition: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Either the version is missing or it is not in the from state.
		if _, err := c.GetVersion(ctx, scriptID, version); err != nil {
			return err
		}
		return ErrBadApprovalState
	}
	return nil
}

// Rollback freezes a new draft version whose source equals an earlier one.
// History stays append-only: nothing is rewritten.
func (c *Catalog) Rollback(ctx context.Context, scriptID string, toVersion int, actor string) (*contracts.ScriptVersion, error) {
	old, err := c.GetVersion(ctx, scriptID, toVersion)
	if err != nil {
		return nil, err
	}
	return c.UpdateScriptSource(ctx, scriptID, old.Source, actor)
}

func (c *Catalog) scanVersion(row *sql.Row) (*contracts.ScriptVersion, error) {
	var v contracts.ScriptVersion
	var status string
	err := row.Scan(&v.ID, &v.ScriptID, &v.Version, &v.Source, &v.Checksum, &status, &v.CreatedBy, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get version: %w", err)
	}
	v.ApprovalStatus = contracts.ApprovalStatus(status)
	return &v, nil
}

// OpenLite opens (and creates) the embedded sqlite database used when no
// postgres DSN is configured.
func OpenLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open lite db: %w", err)
	}
	// sqlite allows one writer; serialise access through the pool.
	db.SetMaxOpenConns(1)
	return db, nil
}
