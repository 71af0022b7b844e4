// Package secrets stores per-tenant named values encrypted at rest with
// AES-256-GCM. Plaintext exists only in memory: it never reaches a row, a
// log line, or an audit record. Every access appends to a bounded history
// kept alongside the ciphertext.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/marektomas-cz/script-executor/pkg/audit"
)

var (
	ErrBadKeyFormat = errors.New("secrets: key must be dotted lowercase alphanumerics, max 255 chars")
	ErrNotFound     = errors.New("secrets: not found")
)

var keyPattern = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)*$`)

const (
	maxKeyLen      = 255
	maxHistory     = 100
	plaintextTTL   = 5 * time.Minute
)

// Metadata is the public view of a stored secret. It never carries the
// value.
type Metadata struct {
	Key           string     `json:"key"`
	Type          string     `json:"type"`
	RotationCount int        `json:"rotation_count"`
	Active        bool       `json:"active"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// AccessEntry is one record in a secret's bounded access history.
type AccessEntry struct {
	Action string    `json:"action"` // put | get | rotate | deactivate
	Actor  string    `json:"actor,omitempty"`
	At     time.Time `json:"at"`
}

// Store persists encrypted secrets in the relational store. Safe for
// concurrent use.
type Store struct {
	db      *sql.DB
	dialect string // "postgres" or "sqlite"
	encKey  []byte
	auditor audit.Logger
	clock   func() time.Time

	mu    sync.Mutex
	cache map[string]cachedValue
}

type cachedValue struct {
	plaintext string
	expiresAt time.Time
}

// New builds a Store. encKey must be exactly 32 bytes (AES-256); derive it
// from the master key, never pass the master key itself.
func New(db *sql.DB, dialect string, encKey []byte, auditor audit.Logger) (*Store, error) {
	if len(encKey) != 32 {
		return nil, errors.New("secrets: encryption key must be 32 bytes")
	}
	if dialect != "postgres" && dialect != "sqlite" {
		return nil, fmt.Errorf("secrets: unknown dialect %q", dialect)
	}
	if auditor == nil {
		auditor = audit.Nop{}
	}
	return &Store{
		db:      db,
		dialect: dialect,
		encKey:  encKey,
		auditor: auditor,
		clock:   time.Now,
		cache:   make(map[string]cachedValue),
	}, nil
}

// WithClock replaces the time source for tests.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS client_secrets (
	id BIGSERIAL PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	secret_key TEXT NOT NULL,
	ciphertext TEXT NOT NULL,
	secret_type TEXT NOT NULL DEFAULT 'generic',
	rotation_count INTEGER NOT NULL DEFAULT 0,
	access_history JSONB,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	expires_at TIMESTAMP,
	last_used_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE (tenant_id, secret_key)
);
CREATE INDEX IF NOT EXISTS idx_client_secrets_tenant ON client_secrets(tenant_id);
`

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS client_secrets (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id TEXT NOT NULL,
	secret_key TEXT NOT NULL,
	ciphertext TEXT NOT NULL,
	secret_type TEXT NOT NULL DEFAULT 'generic',
	rotation_count INTEGER NOT NULL DEFAULT 0,
	access_history TEXT,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	expires_at DATETIME,
	last_used_at DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE (tenant_id, secret_key)
);
`

// Init creates the table if it does not exist.
func (s *Store) Init(ctx context.Context) error {
	schema := schemaPostgres
	if s.dialect == "sqlite" {
		schema = schemaSQLite
	}
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("secrets: init schema: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres. Queries in this
// package are written with ? so both dialects share one text.
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

// PutOptions carries the optional attributes of a stored secret.
type PutOptions struct {
	Type      string
	ExpiresAt *time.Time
	Actor     string
}

// Put encrypts and upserts a secret.
func (s *Store) Put(ctx context.Context, tenantID, key, plaintext string, opts PutOptions) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if opts.Type == "" {
		opts.Type = "generic"
	}

	ciphertext, err := s.encrypt(plaintext)
	if err != nil {
		return err
	}

	now := s.clock().UTC()
	history, err := s.appendHistory(ctx, tenantID, key, AccessEntry{Action: "put", Actor: opts.Actor, At: now})
	if err != nil {
		return err
	}

	query := s.rebind(`
		INSERT INTO client_secrets (tenant_id, secret_key, ciphertext, secret_type, access_history, active, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, TRUE, ?, ?, ?)
		ON CONFLICT (tenant_id, secret_key) DO UPDATE SET
			ciphertext = EXCLUDED.ciphertext,
			secret_type = EXCLUDED.secret_type,
			access_history = EXCLUDED.access_history,
			active = TRUE,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at`)
	if _, err := s.db.ExecContext(ctx, query,
		tenantID, key, ciphertext, opts.Type, history, opts.ExpiresAt, now, now); err != nil {
		return fmt.Errorf("secrets: put %s: %w", key, err)
	}

	s.evict(tenantID, key)
	_ = s.auditor.Record(ctx, tenantID, opts.Actor, audit.EventSecret, "put", key,
		map[string]any{"type": opts.Type})
	return nil
}

// Get returns the decrypted value. ok is false when the secret is missing,
// inactive, or expired; that is not an error.
func (s *Store) Get(ctx context.Context, tenantID, key string) (string, bool, error) {
	if err := validateKey(key); err != nil {
		return "", false, err
	}

	if v, ok := s.cached(tenantID, key); ok {
		return v, true, nil
	}

	var ciphertext string
	var active bool
	var expiresAt sql.NullTime
	query := s.rebind(`SELECT ciphertext, active, expires_at FROM client_secrets WHERE tenant_id = ? AND secret_key = ?`)
	err := s.db.QueryRowContext(ctx, query, tenantID, key).Scan(&ciphertext, &active, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("secrets: get %s: %w", key, err)
	}

	now := s.clock().UTC()
	if !active || (expiresAt.Valid && !now.Before(expiresAt.Time)) {
		return "", false, nil
	}

	plaintext, err := s.decrypt(ciphertext)
	if err != nil {
		return "", false, fmt.Errorf("secrets: decrypt %s: %w", key, err)
	}

	history, err := s.appendHistory(ctx, tenantID, key, AccessEntry{Action: "get", At: now})
	if err == nil {
		touch := s.rebind(`UPDATE client_secrets SET last_used_at = ?, access_history = ? WHERE tenant_id = ? AND secret_key = ?`)
		_, _ = s.db.ExecContext(ctx, touch, now, history, tenantID, key)
	}

	s.mu.Lock()
	s.cache[cacheKey(tenantID, key)] = cachedValue{plaintext: plaintext, expiresAt: now.Add(plaintextTTL)}
	s.mu.Unlock()

	return plaintext, true, nil
}

// Rotate replaces the value. An empty newValue generates one appropriate to
// the secret's type. Rotation history is append-only: the count only grows.
func (s *Store) Rotate(ctx context.Context, tenantID, key, newValue, actor string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	var secretType string
	query := s.rebind(`SELECT secret_type FROM client_secrets WHERE tenant_id = ? AND secret_key = ?`)
	err := s.db.QueryRowContext(ctx, query, tenantID, key).Scan(&secretType)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("secrets: rotate %s: %w", key, err)
	}

	if newValue == "" {
		newValue, err = Generate(secretType)
		if err != nil {
			return err
		}
	}

	ciphertext, err := s.encrypt(newValue)
	if err != nil {
		return err
	}

	now := s.clock().UTC()
	history, err := s.appendHistory(ctx, tenantID, key, AccessEntry{Action: "rotate", Actor: actor, At: now})
	if err != nil {
		return err
	}

	update := s.rebind(`
		UPDATE client_secrets
		SET ciphertext = ?, rotation_count = rotation_count + 1, access_history = ?, active = TRUE, updated_at = ?
		WHERE tenant_id = ? AND secret_key = ?`)
	if _, err := s.db.ExecContext(ctx, update, ciphertext, history, now, tenantID, key); err != nil {
		return fmt.Errorf("secrets: rotate %s: %w", key, err)
	}

	s.evict(tenantID, key)
	_ = s.auditor.Record(ctx, tenantID, actor, audit.EventSecret, "rotate", key, nil)
	return nil
}

// List returns metadata for every secret of the tenant. No plaintext, no
// ciphertext.
func (s *Store) List(ctx context.Context, tenantID string) ([]Metadata, error) {
	query := s.rebind(`
		SELECT secret_key, secret_type, rotation_count, active, expires_at, last_used_at, created_at, updated_at
		FROM client_secrets WHERE tenant_id = ? ORDER BY secret_key`)
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("secrets: list: %w", err)
	}
	defer rows.Close()

	var out []Metadata
	for rows.Next() {
		var m Metadata
		var expiresAt, lastUsedAt sql.NullTime
		if err := rows.Scan(&m.Key, &m.Type, &m.RotationCount, &m.Active, &expiresAt, &lastUsedAt, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("secrets: list scan: %w", err)
		}
		if expiresAt.Valid {
			m.ExpiresAt = &expiresAt.Time
		}
		if lastUsedAt.Valid {
			m.LastUsedAt = &lastUsedAt.Time
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Cleanup deactivates expired secrets and reports how many.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	now := s.clock().UTC()
	query := s.rebind(`UPDATE client_secrets SET active = FALSE, updated_at = ? WHERE active = TRUE AND expires_at IS NOT NULL AND expires_at <= ?`)
	res, err := s.db.ExecContext(ctx, query, now, now)
	if err != nil {
		return 0, fmt.Errorf("secrets: cleanup: %w", err)
	}
	n, _ := res.RowsAffected()

	s.mu.Lock()
	s.cache = make(map[string]cachedValue)
	s.mu.Unlock()

	return int(n), nil
}

// Deactivate soft-removes a secret. The row and its history stay.
func (s *Store) Deactivate(ctx context.Context, tenantID, key, actor string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	now := s.clock().UTC()
	query := s.rebind(`UPDATE client_secrets SET active = FALSE, updated_at = ? WHERE tenant_id = ? AND secret_key = ?`)
	res, err := s.db.ExecContext(ctx, query, now, tenantID, key)
	if err != nil {
		return fmt.Errorf("secrets: deactivate %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.evict(tenantID, key)
	_ = s.auditor.Record(ctx, tenantID, actor, audit.EventSecret, "deactivate", key, nil)
	return nil
}

// appendHistory loads the current access history, appends one entry, and
// returns the bounded JSON for the caller's write.
func (s *Store) appendHistory(ctx context.Context, tenantID, key string, entry AccessEntry) ([]byte, error) {
	var raw sql.NullString
	query := s.rebind(`SELECT access_history FROM client_secrets WHERE tenant_id = ? AND secret_key = ?`)
	err := s.db.QueryRowContext(ctx, query, tenantID, key).Scan(&raw)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("secrets: history %s: %w", key, err)
	}

	var history []AccessEntry
	if raw.Valid && raw.String != "" {
		_ = json.Unmarshal([]byte(raw.String), &history)
	}
	history = append(history, entry)
	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}
	return json.Marshal(history)
}

func (s *Store) encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return "", fmt.Errorf("secrets: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("secrets: gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secrets: nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *Store) decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (s *Store) cached(tenantID, key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[cacheKey(tenantID, key)]
	if !ok || !s.clock().Before(entry.expiresAt) {
		delete(s.cache, cacheKey(tenantID, key))
		return "", false
	}
	return entry.plaintext, true
}

func (s *Store) evict(tenantID, key string) {
	s.mu.Lock()
	delete(s.cache, cacheKey(tenantID, key))
	s.mu.Unlock()
}

func cacheKey(tenantID, key string) string { return tenantID + "/" + key }

func validateKey(key string) error {
	if key == "" || len(key) > maxKeyLen || !keyPattern.MatchString(key) {
		return ErrBadKeyFormat
	}
	return nil
}
