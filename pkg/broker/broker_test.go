package broker

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/marektomas-cz/script-executor/pkg/cache"
	"github.com/marektomas-cz/script-executor/pkg/config"
	"github.com/marektomas-cz/script-executor/pkg/contracts"
	"github.com/marektomas-cz/script-executor/pkg/events"
	"github.com/marektomas-cz/script-executor/pkg/execlog"
	"github.com/marektomas-cz/script-executor/pkg/policy"
	"github.com/marektomas-cz/script-executor/pkg/sandbox"
	"github.com/marektomas-cz/script-executor/pkg/secrets"
	"github.com/marektomas-cz/script-executor/pkg/store"
	"github.com/marektomas-cz/script-executor/pkg/token"
	"github.com/marektomas-cz/script-executor/pkg/watchdog"
)

type fixture struct {
	b       *Broker
	catalog *store.Catalog
	logs    *execlog.Store
	tokens  *token.Broker
	dog     *watchdog.Watchdog
	vault   *secrets.Store
	engine  *policy.Engine
	sink    *events.Registry
	cfg     *config.Config

	execID string
	token  string
}

// allGrants covers every capability the dispatch table checks.
var allGrants = []string{
	"database.access", "database.write", "http.access",
	"events.dispatch", "secrets.read",
}

func newFixture(t *testing.T, caps ...string) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := store.OpenLite(filepath.Join(t.TempDir(), "broker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	catalog, err := store.New(db, "sqlite")
	require.NoError(t, err)
	require.NoError(t, catalog.Init(ctx))

	logs, err := execlog.New(db, "sqlite")
	require.NoError(t, err)
	require.NoError(t, logs.Init(ctx))

	vault, err := secrets.New(db, "sqlite", []byte("0123456789abcdef0123456789abcdef"), nil)
	require.NoError(t, err)
	require.NoError(t, vault.Init(ctx))

	kv := cache.NewMemory()
	tokens, err := token.New([]byte("0123456789abcdef0123456789abcdef"), kv, nil)
	require.NoError(t, err)

	engine, err := policy.New()
	require.NoError(t, err)

	cfg := config.Default()
	worker := sandbox.NewFake()
	dog := watchdog.New(worker, logs, tokens, nil, time.Second, 10*time.Minute, nil, nil, nil)
	sink := events.NewRegistry()

	if len(caps) == 0 {
		caps = allGrants
	}
	require.NoError(t, catalog.CreateTenant(ctx, &contracts.Tenant{
		ID: "tenant-1", Name: "acme", RateLimit: 100, APIQuota: 1000,
		Grants: allGrants, Active: true,
	}))
	script := &contracts.Script{
		ID:        "script-1",
		TenantID:  "tenant-1",
		Name:      "totals",
		Source:    "return 1;",
		Language:  "javascript",
		Active:    true,
		Config:    contracts.ScriptConfig{Capabilities: caps},
		CreatedBy: "user-1",
		UpdatedBy: "user-1",
	}
	_, err = catalog.CreateScript(ctx, script)
	require.NoError(t, err)

	b, err := New(Deps{
		Catalog: catalog,
		Logs:    logs,
		Tokens:  tokens,
		Dog:     dog,
		Secrets: vault,
		Policy:  engine,
		Sink:    sink,
		Config:  cfg,
	})
	require.NoError(t, err)

	f := &fixture{
		b: b, catalog: catalog, logs: logs, tokens: tokens, dog: dog,
		vault: vault, engine: engine, sink: sink, cfg: cfg,
	}
	f.startExecution(t)
	return f
}

// startExecution inserts a running log row, mints its token, and registers
// it with the watchdog, mirroring what the dispatcher does.
func (f *fixture) startExecution(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	row := &contracts.ExecutionLog{
		ScriptID:  "script-1",
		TenantID:  "tenant-1",
		InvokerID: "user-1",
		Trigger:   contracts.TriggerManual,
	}
	require.NoError(t, f.logs.Insert(ctx, row))
	require.NoError(t, f.logs.MarkRunning(ctx, row.ID, time.Now()))

	tok, err := f.tokens.Mint(ctx, row.ID, "tenant-1", time.Minute)
	require.NoError(t, err)

	_, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	f.dog.Register(watchdog.Registration{
		ExecutionID:   row.ID,
		TenantID:      "tenant-1",
		Trigger:       contracts.TriggerManual,
		Deadline:      time.Now().Add(time.Minute),
		CallbackLimit: f.cfg.Callback.MaxPerExecution,
		Cancel:        cancel,
		Release:       func() {},
	})

	f.execID, f.token = row.ID, tok
}

func (f *fixture) call(namespace, method string, params map[string]any) *CallbackResponse {
	return f.b.Handle(context.Background(), &CallbackRequest{
		ExecutionID: f.execID,
		Token:       f.token,
		Namespace:   namespace,
		Method:      method,
		Params:      params,
	})
}

func requireKind(t *testing.T, resp *CallbackResponse, kind contracts.Kind) {
	t.Helper()
	require.NotNil(t, resp.Error, "expected %s error, got ok result %v", kind, resp.Result)
	assert.False(t, resp.OK)
	assert.Equal(t, kind, resp.Error.Kind, "message: %s", resp.Error.Message)
}

func TestShapeCheck(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name string
		req  CallbackRequest
	}{
		{"missing execution_id", CallbackRequest{Token: "t", Namespace: "utils", Method: "now"}},
		{"missing token", CallbackRequest{ExecutionID: "e", Namespace: "utils", Method: "now"}},
		{"missing namespace", CallbackRequest{ExecutionID: "e", Token: "t", Method: "now"}},
		{"missing method", CallbackRequest{ExecutionID: "e", Token: "t", Namespace: "utils"}},
		{"malformed namespace", CallbackRequest{ExecutionID: "e", Token: "t", Namespace: "UTILS!", Method: "now"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.b.Handle(context.Background(), &tc.req)
			requireKind(t, resp, contracts.KindValidation)
		})
	}
}

func TestUnknownExecutionRefused(t *testing.T) {
	f := newFixture(t)
	resp := f.b.Handle(context.Background(), &CallbackRequest{
		ExecutionID: "nope", Token: f.token, Namespace: "utils", Method: "now",
	})
	requireKind(t, resp, contracts.KindForbidden)
}

func TestFinishedExecutionRefused(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.logs.Complete(context.Background(), f.execID,
		contracts.StatusSuccess, execlog.Outcome{Output: "null"}))

	resp := f.call("utils", "now", nil)
	requireKind(t, resp, contracts.KindForbidden)
	assert.Contains(t, resp.Error.Message, "not running")
}

func TestBadTokenRefused(t *testing.T) {
	f := newFixture(t)
	f.token = "not-a-token"
	resp := f.call("utils", "now", nil)
	requireKind(t, resp, contracts.KindForbidden)
	assert.Contains(t, resp.Error.Message, "token")
}

func TestUnknownMethodFlagged(t *testing.T) {
	f := newFixture(t)
	resp := f.call("filesystem", "read", map[string]any{"path": "/etc/passwd"})
	requireKind(t, resp, contracts.KindForbidden)

	row, err := f.logs.Get(context.Background(), f.execID)
	require.NoError(t, err)
	require.Len(t, row.SecurityFlags, 1)
	assert.Equal(t, "callback", row.SecurityFlags[0].Type)
	assert.Equal(t, "unknown_method:filesystem.read", row.SecurityFlags[0].Message)
}

func TestCapabilityGate(t *testing.T) {
	f := newFixture(t, "database.access") // no http.access, no database.write

	resp := f.call("http", "get", map[string]any{"url": "https://example.com/"})
	requireKind(t, resp, contracts.KindForbidden)
	assert.Contains(t, resp.Error.Message, "http.access")

	resp = f.call("database", "insert", map[string]any{
		"table": "orders", "values": map[string]any{"name": "x"},
	})
	requireKind(t, resp, contracts.KindForbidden)
	assert.Contains(t, resp.Error.Message, "database.write")
}

func TestSchemaRejectsBadParams(t *testing.T) {
	f := newFixture(t)

	resp := f.call("database", "select", map[string]any{"where": "id = ?"})
	requireKind(t, resp, contracts.KindValidation)

	resp = f.call("utils", "hash", map[string]any{"value": "x", "algorithm": "md5"})
	requireKind(t, resp, contracts.KindValidation)
}

func TestCallbackBudgetTerminatesExecution(t *testing.T) {
	f := newFixture(t)
	f.cfg.Callback.MaxPerExecution = 3

	for i := 0; i < 3; i++ {
		resp := f.call("utils", "uuid", nil)
		require.True(t, resp.OK, "call %d: %v", i, resp.Error)
	}
	resp := f.call("utils", "uuid", nil)
	requireKind(t, resp, contracts.KindExcessiveCalls)

	row, err := f.logs.Get(context.Background(), f.execID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusKilled, row.Status)

	// The execution is gone; further calls bounce off the liveness check.
	resp = f.call("utils", "uuid", nil)
	requireKind(t, resp, contracts.KindForbidden)
}

func TestRateLimiter(t *testing.T) {
	f := newFixture(t)
	f.b.limiter.SetLimit(1)
	f.b.limiter.SetBurst(2)

	require.True(t, f.call("utils", "uuid", nil).OK)
	require.True(t, f.call("utils", "uuid", nil).OK)
	resp := f.call("utils", "uuid", nil)
	requireKind(t, resp, contracts.KindRateLimited)
	assert.Equal(t, 1, resp.Error.RetryAfterSec)
}

func TestEventDispatch(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.SetEventPolicy("tenant-1", `resource.event.startsWith("order.")`))

	var got events.Event
	f.sink.Subscribe("order.*", func(_ context.Context, e events.Event) { got = e })

	resp := f.call("events", "dispatch", map[string]any{
		"name":    "order.created",
		"payload": map[string]any{"id": 7},
	})
	require.True(t, resp.OK, "%v", resp.Error)
	assert.Equal(t, map[string]any{"delivered": true}, resp.Result)
	assert.Equal(t, "order.created", got.Name)
	assert.Equal(t, "tenant-1", got.TenantID)
	assert.Equal(t, f.execID, got.ExecutionID)
	assert.JSONEq(t, `{"id": 7}`, string(got.Payload))
}

func TestEventOutsideAllowlistDenied(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.SetEventPolicy("tenant-1", `resource.event.startsWith("order.")`))

	resp := f.call("events", "dispatch", map[string]any{"name": "billing.paid"})
	requireKind(t, resp, contracts.KindForbidden)
}

func TestSystemEventReservedAndFlagged(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.SetEventPolicy("tenant-1", "true"))

	resp := f.call("events", "dispatch", map[string]any{"name": "system.shutdown"})
	requireKind(t, resp, contracts.KindForbidden)
	assert.Contains(t, resp.Error.Message, "reserved")

	row, err := f.logs.Get(context.Background(), f.execID)
	require.NoError(t, err)
	require.Len(t, row.SecurityFlags, 1)
	assert.Equal(t, "event", row.SecurityFlags[0].Type)
}

func TestOversizedEventPayloadRejected(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.SetEventPolicy("tenant-1", "true"))

	big := make([]byte, maxEventPayload)
	for i := range big {
		big[i] = 'a'
	}
	resp := f.call("events", "dispatch", map[string]any{
		"name": "order.created", "payload": string(big),
	})
	requireKind(t, resp, contracts.KindValidation)
}

func TestLogAppendsToExecutionOutput(t *testing.T) {
	f := newFixture(t)

	require.True(t, f.call("log", "info", map[string]any{"message": "step one done"}).OK)
	require.True(t, f.call("log", "error", map[string]any{"message": "step two failed"}).OK)

	row, err := f.logs.Get(context.Background(), f.execID)
	require.NoError(t, err)
	assert.Contains(t, row.Output, "[info] step one done\n")
	assert.Contains(t, row.Output, "[error] step two failed\n")
}

func TestLogTruncatesLongMessages(t *testing.T) {
	f := newFixture(t)

	long := make([]byte, maxLogLine+100)
	for i := range long {
		long[i] = 'x'
	}
	require.True(t, f.call("log", "info", map[string]any{"message": string(long)}).OK)

	row, err := f.logs.Get(context.Background(), f.execID)
	require.NoError(t, err)
	// prefix "[info] " plus the capped message plus newline
	assert.Len(t, row.Output, len("[info] ")+maxLogLine+1)
}

func TestLogTruncationKeepsValidUTF8(t *testing.T) {
	f := newFixture(t)

	// A two-byte rune straddles the cap, so a byte-exact cut would leave a
	// dangling continuation byte.
	msg := strings.Repeat("a", maxLogLine-1) + "é"
	require.True(t, f.call("log", "info", map[string]any{"message": msg}).OK)

	row, err := f.logs.Get(context.Background(), f.execID)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(row.Output))
	assert.Len(t, row.Output, len("[info] ")+maxLogLine-1+1)
}

func TestUtils(t *testing.T) {
	f := newFixture(t)
	f.b.WithClock(func() time.Time { return time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC) })

	resp := f.call("utils", "now", nil)
	require.True(t, resp.OK)
	assert.Equal(t, "2026-08-25T10:00:00Z", resp.Result)

	resp = f.call("utils", "uuid", nil)
	require.True(t, resp.OK)
	assert.Len(t, resp.Result, 36)

	resp = f.call("utils", "hash", map[string]any{"value": "abc"})
	require.True(t, resp.OK)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", resp.Result)

	resp = f.call("utils", "base64_encode", map[string]any{"value": "hello"})
	require.True(t, resp.OK)
	assert.Equal(t, "aGVsbG8=", resp.Result)

	resp = f.call("utils", "base64_decode", map[string]any{"value": "aGVsbG8="})
	require.True(t, resp.OK)
	assert.Equal(t, "hello", resp.Result)

	resp = f.call("utils", "base64_decode", map[string]any{"value": "%%%"})
	requireKind(t, resp, contracts.KindValidation)

	resp = f.call("utils", "json_parse", map[string]any{"value": `{"a": [1, 2]}`})
	require.True(t, resp.OK)
	assert.Equal(t, map[string]any{"a": []any{float64(1), float64(2)}}, resp.Result)

	resp = f.call("utils", "json_parse", map[string]any{"value": "{"})
	requireKind(t, resp, contracts.KindValidation)

	resp = f.call("utils", "json_stringify", map[string]any{"value": map[string]any{"a": 1}})
	require.True(t, resp.OK)
	assert.JSONEq(t, `{"a": 1}`, resp.Result.(string))
}

func TestUtilsBudgetIsPerExecution(t *testing.T) {
	f := newFixture(t)
	f.cfg.Callback.MaxPerExecution = 5000

	for i := 0; i < utilsBudget; i++ {
		resp := f.call("utils", "uuid", nil)
		require.True(t, resp.OK, "call %d: %v", i, resp.Error)
	}
	resp := f.call("utils", "uuid", nil)
	requireKind(t, resp, contracts.KindExcessiveCalls)

	// Only the utils allowance is spent; the execution itself survives.
	row, err := f.logs.Get(context.Background(), f.execID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusRunning, row.Status)
}

func TestSecretInterpolation(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.vault.Put(context.Background(), "tenant-1", "API_KEY", "s3cr3t", secrets.PutOptions{}))

	var gotAuth string
	f.b.WithResolver(publicResolver).WithHTTPTransport(roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		gotAuth = req.Header.Get("Authorization")
		return textResponse(200, "ok"), nil
	}))

	resp := f.call("http", "get", map[string]any{
		"url":     "https://api.example.com/v1/ping",
		"headers": map[string]any{"Authorization": "Bearer {{secrets.API_KEY}}"},
	})
	require.True(t, resp.OK, "%v", resp.Error)
	assert.Equal(t, "Bearer s3cr3t", gotAuth)
}

func TestUnknownSecretRejected(t *testing.T) {
	f := newFixture(t)
	resp := f.call("log", "info", map[string]any{"message": "key is {{secrets.MISSING}}"})
	requireKind(t, resp, contracts.KindValidation)
	assert.Contains(t, resp.Error.Message, "MISSING")
}

func TestSecretsWithoutCapabilityFlagged(t *testing.T) {
	f := newFixture(t, "http.access") // no secrets.read
	resp := f.call("log", "info", map[string]any{"message": "{{secrets.API_KEY}}"})
	requireKind(t, resp, contracts.KindForbidden)

	row, err := f.logs.Get(context.Background(), f.execID)
	require.NoError(t, err)
	require.Len(t, row.SecurityFlags, 1)
	assert.Equal(t, "secrets", row.SecurityFlags[0].Type)
	assert.Equal(t, "undeclared_secret_access", row.SecurityFlags[0].Message)
}
