// Package token mints and verifies the capability tokens that authenticate
// sandbox callbacks. A token binds one execution to a one-time nonce held
// in the KV; revocation is deletion of the nonce, so a revoked token fails
// verification everywhere within one cache round-trip.
package token

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/marektomas-cz/script-executor/pkg/audit"
	"github.com/marektomas-cz/script-executor/pkg/cache"
)

var (
	ErrMalformed = errors.New("token: malformed")
	ErrBadMAC    = errors.New("token: signature mismatch")
	ErrExpired   = errors.New("token: expired")
	ErrRevoked   = errors.New("token: revoked or unknown")
	ErrMismatch  = errors.New("token: execution id mismatch")
)

// revocationGrace keeps the nonce alive slightly past the execution
// deadline so a final callback racing termination gets a clean revoked
// error instead of a confusing expiry.
const revocationGrace = 30 * time.Second

// Claims is the signed payload. Field order is irrelevant: the MAC covers
// the JCS canonical form.
type Claims struct {
	ExecutionID string `json:"execution_id"`
	TenantID    string `json:"tenant_id"`
	Nonce       string `json:"nonce"`
	ExpiresAt   int64  `json:"expires_at"` // unix seconds
}

// Broker mints, verifies, and revokes capability tokens.
type Broker struct {
	key     []byte
	kv      cache.KV
	auditor audit.Logger
	clock   func() time.Time
}

// New builds a Broker. key must be the HKDF-derived token subkey, never
// the master key itself.
func New(key []byte, kv cache.KV, auditor audit.Logger) (*Broker, error) {
	if len(key) < 32 {
		return nil, errors.New("token: signing key must be at least 32 bytes")
	}
	if auditor == nil {
		auditor = audit.Nop{}
	}
	return &Broker{key: key, kv: kv, auditor: auditor, clock: time.Now}, nil
}

// WithClock replaces the time source for tests.
func (b *Broker) WithClock(clock func() time.Time) *Broker {
	b.clock = clock
	return b
}

func nonceKey(executionID string) string { return "token:nonce:" + executionID }

// Mint issues the token for one execution. The nonce is written to the KV
// before the token string exists, so any callback arriving after dispatch
// finds it.
func (b *Broker) Mint(ctx context.Context, executionID, tenantID string, ttl time.Duration) (string, error) {
	claims := Claims{
		ExecutionID: executionID,
		TenantID:    tenantID,
		Nonce:       uuid.New().String(),
		ExpiresAt:   b.clock().Add(ttl).Unix(),
	}

	ok, err := b.kv.SetNX(ctx, nonceKey(executionID), claims.Nonce, ttl+revocationGrace)
	if err != nil {
		return "", fmt.Errorf("token: store nonce: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("token: execution %s already has a token", executionID)
	}

	encoded, mac, err := b.sign(claims)
	if err != nil {
		return "", err
	}

	_ = b.auditor.Record(ctx, tenantID, "", audit.EventToken, "mint", executionID,
		map[string]any{"expires_at": claims.ExpiresAt})

	return base64.RawURLEncoding.EncodeToString(encoded) + "." + base64.RawURLEncoding.EncodeToString(mac), nil
}

// Verify checks signature, binding, expiry, and custody. The MAC compare is
// constant-time; everything after it can short-circuit freely.
func (b *Broker) Verify(ctx context.Context, token, executionID string) (*Claims, error) {
	claimsPart, macPart, found := strings.Cut(token, ".")
	if !found {
		return nil, ErrMalformed
	}
	encoded, err := base64.RawURLEncoding.DecodeString(claimsPart)
	if err != nil {
		return nil, ErrMalformed
	}
	presented, err := base64.RawURLEncoding.DecodeString(macPart)
	if err != nil {
		return nil, ErrMalformed
	}

	var claims Claims
	if err := json.Unmarshal(encoded, &claims); err != nil {
		return nil, ErrMalformed
	}

	_, expected, err := b.sign(claims)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(presented, expected) {
		return nil, ErrBadMAC
	}

	if claims.ExecutionID != executionID {
		return nil, ErrMismatch
	}
	if b.clock().Unix() > claims.ExpiresAt {
		return nil, ErrExpired
	}

	nonce, err := b.kv.Get(ctx, nonceKey(executionID))
	if errors.Is(err, cache.ErrNotFound) {
		return nil, ErrRevoked
	}
	if err != nil {
		return nil, fmt.Errorf("token: read nonce: %w", err)
	}
	if nonce != claims.Nonce {
		return nil, ErrRevoked
	}

	return &claims, nil
}

// Revoke invalidates the execution's token. Idempotent.
func (b *Broker) Revoke(ctx context.Context, executionID string) error {
	if err := b.kv.Del(ctx, nonceKey(executionID)); err != nil {
		return fmt.Errorf("token: revoke: %w", err)
	}
	_ = b.auditor.Record(ctx, "", "", audit.EventToken, "revoke", executionID, nil)
	return nil
}

// sign returns the canonical claims encoding and its MAC. Canonicalisation
// (RFC 8785) makes the MAC independent of map ordering and whitespace.
func (b *Broker) sign(claims Claims) ([]byte, []byte, error) {
	raw, err := json.Marshal(claims)
	if err != nil {
		return nil, nil, fmt.Errorf("token: marshal claims: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("token: canonicalise claims: %w", err)
	}
	mac := hmac.New(sha256.New, b.key)
	mac.Write(canonical)
	return canonical, mac.Sum(nil), nil
}
