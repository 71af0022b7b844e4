// Package broker serves capability callbacks issued by running sandbox
// executions. Every call is authenticated against the execution's minted
// token, counted against the per-execution budget, and dispatched through
// a schema-validated allowlist of namespace.method handlers. Anything the
// table does not name is refused and flagged.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"

	"github.com/marektomas-cz/script-executor/pkg/audit"
	"github.com/marektomas-cz/script-executor/pkg/config"
	"github.com/marektomas-cz/script-executor/pkg/contracts"
	"github.com/marektomas-cz/script-executor/pkg/events"
	"github.com/marektomas-cz/script-executor/pkg/execlog"
	"github.com/marektomas-cz/script-executor/pkg/metrics"
	"github.com/marektomas-cz/script-executor/pkg/policy"
	"github.com/marektomas-cz/script-executor/pkg/secrets"
	"github.com/marektomas-cz/script-executor/pkg/store"
	"github.com/marektomas-cz/script-executor/pkg/token"
	"github.com/marektomas-cz/script-executor/pkg/watchdog"
)

const (
	// utilsBudget caps utils.* calls per execution, separately from the
	// overall callback budget. Pure helpers are cheap but not free.
	utilsBudget = 1000

	// maxEventPayload bounds events.dispatch payloads.
	maxEventPayload = 64 << 10

	// maxLogLine truncates log.* messages before they reach the execution
	// record.
	maxLogLine = 4 << 10
)

var methodRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// CallbackRequest is one sandbox-originated capability call.
type CallbackRequest struct {
	ExecutionID string         `json:"execution_id"`
	Token       string         `json:"token"`
	Namespace   string         `json:"namespace"`
	Method      string         `json:"method"`
	Params      map[string]any `json:"params"`
}

// CallbackResponse is the broker's answer. Exactly one of Result and Error
// is meaningful; OK disambiguates.
type CallbackResponse struct {
	OK     bool             `json:"ok"`
	Result any              `json:"result,omitempty"`
	Error  *contracts.Error `json:"error,omitempty"`
}

// call carries the authenticated context a handler runs in.
type call struct {
	req    *CallbackRequest
	log    *contracts.ExecutionLog
	tenant *contracts.Tenant
	script *contracts.Script
	params map[string]any
}

type handler struct {
	capability string // required script capability; empty means unconditional
	writes     bool   // database mutations additionally need database.write
	schema     *jsonschema.Schema
	fn         func(ctx context.Context, c *call) (any, *contracts.Error)
}

// Deps wires the broker's collaborators.
type Deps struct {
	Catalog *store.Catalog
	Logs    *execlog.Store
	Tokens  *token.Broker
	Dog     *watchdog.Watchdog
	Secrets *secrets.Store
	Policy  *policy.Engine
	Sink    events.Sink
	Config  *config.Config
	Metrics *metrics.Metrics
	Auditor audit.Logger
	Logger  *slog.Logger
}

// Broker authenticates, authorizes, and dispatches capability callbacks.
type Broker struct {
	catalog *store.Catalog
	logs    *execlog.Store
	tokens  *token.Broker
	dog     *watchdog.Watchdog
	secrets *secrets.Store
	policy  *policy.Engine
	sink    events.Sink
	cfg     *config.Config

	limiter  *rate.Limiter
	client   *http.Client
	lookupIP func(ctx context.Context, host string) ([]net.IP, error)

	metrics *metrics.Metrics
	auditor audit.Logger
	logger  *slog.Logger
	clock   func() time.Time

	handlers map[string]*handler

	// utils.* budgets by execution id; entries are dropped when the
	// execution stops being observable as running.
	utilCalls sync.Map
}

// New builds a Broker. The dispatch table and its parameter schemas are
// compiled eagerly so a malformed schema fails startup, not a callback.
func New(d Deps) (*Broker, error) {
	if d.Auditor == nil {
		d.Auditor = audit.Nop{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	perSec := d.Config.Callback.RatePerSec
	if perSec <= 0 {
		perSec = 1000
	}
	b := &Broker{
		catalog: d.Catalog,
		logs:    d.Logs,
		tokens:  d.Tokens,
		dog:     d.Dog,
		secrets: d.Secrets,
		policy:  d.Policy,
		sink:    d.Sink,
		cfg:     d.Config,
		limiter: rate.NewLimiter(rate.Limit(perSec), perSec*2),
		metrics: d.Metrics,
		auditor: d.Auditor,
		logger:  d.Logger.With("component", "broker"),
		clock:   time.Now,
		lookupIP: func(ctx context.Context, host string) ([]net.IP, error) {
			addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			ips := make([]net.IP, len(addrs))
			for i, a := range addrs {
				ips[i] = a.IP
			}
			return ips, nil
		},
	}
	b.client = &http.Client{
		CheckRedirect: b.checkRedirect,
	}
	if err := b.buildTable(); err != nil {
		return nil, err
	}
	return b, nil
}

// WithClock replaces the time source. Test hook.
func (b *Broker) WithClock(clock func() time.Time) *Broker {
	b.clock = clock
	return b
}

// WithResolver replaces the DNS lookup used by the outbound HTTP guard.
// Test hook.
func (b *Broker) WithResolver(lookup func(ctx context.Context, host string) ([]net.IP, error)) *Broker {
	b.lookupIP = lookup
	return b
}

// WithHTTPTransport replaces the outbound transport. Test hook; the
// redirect policy is preserved.
func (b *Broker) WithHTTPTransport(rt http.RoundTripper) *Broker {
	b.client.Transport = rt
	return b
}

func (b *Broker) buildTable() error {
	specs := []struct {
		name       string
		capability string
		writes     bool
		schema     string
		fn         func(ctx context.Context, c *call) (any, *contracts.Error)
	}{
		{"database.query", "database.access", false, schemaQuery, b.dbQuery},
		{"database.select", "database.access", false, schemaSelect, b.dbSelect},
		{"database.insert", "database.access", true, schemaInsert, b.dbInsert},
		{"database.update", "database.access", true, schemaUpdate, b.dbUpdate},
		{"database.delete", "database.access", true, schemaDelete, b.dbDelete},
		{"http.get", "http.access", false, schemaHTTPBare, b.httpMethod(http.MethodGet)},
		{"http.post", "http.access", false, schemaHTTPBody, b.httpMethod(http.MethodPost)},
		{"http.put", "http.access", false, schemaHTTPBody, b.httpMethod(http.MethodPut)},
		{"http.patch", "http.access", false, schemaHTTPBody, b.httpMethod(http.MethodPatch)},
		{"http.delete", "http.access", false, schemaHTTPBare, b.httpMethod(http.MethodDelete)},
		{"events.dispatch", "events.dispatch", false, schemaEvent, b.eventDispatch},
		{"log.debug", "", false, schemaLog, b.logMethod(slog.LevelDebug)},
		{"log.info", "", false, schemaLog, b.logMethod(slog.LevelInfo)},
		{"log.warn", "", false, schemaLog, b.logMethod(slog.LevelWarn)},
		{"log.error", "", false, schemaLog, b.logMethod(slog.LevelError)},
		{"utils.now", "", false, schemaEmpty, b.utilNow},
		{"utils.uuid", "", false, schemaEmpty, b.utilUUID},
		{"utils.hash", "", false, schemaHash, b.utilHash},
		{"utils.base64_encode", "", false, schemaValue, b.utilB64Encode},
		{"utils.base64_decode", "", false, schemaValue, b.utilB64Decode},
		{"utils.json_parse", "", false, schemaValue, b.utilJSONParse},
		{"utils.json_stringify", "", false, schemaAnyValue, b.utilJSONStringify},
	}

	b.handlers = make(map[string]*handler, len(specs))
	for _, s := range specs {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://script-executor.internal/callbacks/%s.schema.json", s.name)
		if err := c.AddResource(url, strings.NewReader(s.schema)); err != nil {
			return fmt.Errorf("broker: schema %s: %w", s.name, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return fmt.Errorf("broker: compile %s: %w", s.name, err)
		}
		b.handlers[s.name] = &handler{
			capability: s.capability,
			writes:     s.writes,
			schema:     compiled,
			fn:         s.fn,
		}
	}
	return nil
}

// Handle runs the callback pipeline: shape, rate, liveness, token, budget,
// allowlist, capability, schema, handler. Denials come back as classified
// errors in the response; Handle itself never fails.
func (b *Broker) Handle(ctx context.Context, req *CallbackRequest) *CallbackResponse {
	if cerr := shapeCheck(req); cerr != nil {
		return b.finish(ctx, req, nil, cerr, nil)
	}

	if !b.limiter.Allow() {
		return b.finish(ctx, req, nil, contracts.RateLimited(1), nil)
	}

	exec, err := b.logs.Get(ctx, req.ExecutionID)
	if err != nil {
		if errors.Is(err, execlog.ErrNotFound) {
			return b.finish(ctx, req, nil, contracts.Forbidden("unknown execution"), nil)
		}
		return b.finish(ctx, req, nil, nil, contracts.Internal(err))
	}
	if exec.Status != contracts.StatusRunning {
		b.utilCalls.Delete(req.ExecutionID)
		return b.finish(ctx, req, exec, contracts.Forbidden("execution is not running"), nil)
	}

	if _, err := b.tokens.Verify(ctx, req.Token, req.ExecutionID); err != nil {
		return b.finish(ctx, req, exec, contracts.Forbidden("invalid callback token"), nil)
	}

	count, err := b.logs.IncrCallbacks(ctx, req.ExecutionID)
	if err != nil {
		return b.finish(ctx, req, exec, nil, contracts.Internal(err))
	}
	if entry, ok := b.dog.Get(req.ExecutionID); ok {
		entry.AddCallback()
	}
	if max := b.cfg.Callback.MaxPerExecution; max > 0 && count > max {
		b.utilCalls.Delete(req.ExecutionID)
		b.dog.Terminate(ctx, req.ExecutionID, contracts.KindExcessiveCalls,
			fmt.Sprintf("callback budget exhausted (%d)", max))
		return b.finish(ctx, req, exec,
			contracts.E(contracts.KindExcessiveCalls, "callback budget exhausted (%d)", max), nil)
	}

	key := req.Namespace + "." + req.Method
	h, ok := b.handlers[key]
	if !ok {
		b.flag(ctx, exec.ID, "callback", "unknown_method:"+key)
		return b.finish(ctx, req, exec, contracts.Forbidden("unknown callback %s", key), nil)
	}

	tenant, err := b.catalog.GetTenant(ctx, exec.TenantID)
	if err != nil {
		return b.finish(ctx, req, exec, nil, contracts.Internal(err))
	}
	script, err := b.catalog.GetScript(ctx, exec.ScriptID)
	if err != nil {
		return b.finish(ctx, req, exec, nil, contracts.Internal(err))
	}

	if h.capability != "" {
		if !script.Config.HasCapability(h.capability) || !tenant.HasGrant(h.capability) {
			b.flag(ctx, exec.ID, "capability", "denied:"+h.capability)
			return b.finish(ctx, req, exec, contracts.Forbidden("capability %s not granted", h.capability), nil)
		}
	}
	if h.writes {
		if !script.Config.HasCapability("database.write") || !tenant.HasGrant("database.write") {
			b.flag(ctx, exec.ID, "capability", "denied:database.write")
			return b.finish(ctx, req, exec, contracts.Forbidden("capability database.write not granted"), nil)
		}
	}

	params := req.Params
	if params == nil {
		params = map[string]any{}
	}
	params, cerr := b.resolveSecrets(ctx, exec, script, params)
	if cerr != nil {
		return b.finish(ctx, req, exec, cerr, nil)
	}

	if err := h.schema.Validate(normalize(params)); err != nil {
		return b.finish(ctx, req, exec, contracts.Validation("invalid params for %s: %v", key, err), nil)
	}

	c := &call{req: req, log: exec, tenant: tenant, script: script, params: params}
	result, cerr := h.fn(ctx, c)
	return b.finish(ctx, req, exec, cerr, nil, result)
}

func shapeCheck(req *CallbackRequest) *contracts.Error {
	switch {
	case req.ExecutionID == "":
		return contracts.Validation("missing execution_id")
	case req.Token == "":
		return contracts.Validation("missing token")
	case req.Namespace == "":
		return contracts.Validation("missing namespace")
	case req.Method == "":
		return contracts.Validation("missing method")
	case !methodRe.MatchString(req.Namespace) || !methodRe.MatchString(req.Method):
		return contracts.Validation("malformed namespace or method")
	}
	return nil
}

// finish records the outcome metric and audit entry and shapes the
// response. infraErr is a store or transport failure; cerr is a policy
// decision. Both close the callback, but infra failures are logged loudly.
func (b *Broker) finish(ctx context.Context, req *CallbackRequest, exec *contracts.ExecutionLog, cerr, infraErr *contracts.Error, result ...any) *CallbackResponse {
	outcome := "ok"
	respErr := cerr
	if infraErr != nil {
		respErr = infraErr
		b.logger.Error("callback failed",
			"execution_id", req.ExecutionID,
			"callback", req.Namespace+"."+req.Method,
			"error", infraErr.Unwrap())
	}
	if respErr != nil {
		outcome = string(respErr.Kind)
	}
	if b.metrics != nil {
		b.metrics.CallbacksTotal.WithLabelValues(req.Namespace, req.Method, outcome).Inc()
	}

	tenantID, actorID := "", ""
	if exec != nil {
		tenantID, actorID = exec.TenantID, exec.InvokerID
	}
	_ = b.auditor.Record(ctx, tenantID, actorID, audit.EventCallback,
		req.Namespace+"."+req.Method, req.ExecutionID,
		map[string]any{"outcome": outcome})

	if respErr != nil {
		return &CallbackResponse{Error: respErr}
	}
	resp := &CallbackResponse{OK: true}
	if len(result) > 0 {
		resp.Result = result[0]
	}
	return resp
}

func (b *Broker) flag(ctx context.Context, executionID, kind, message string) {
	if b.metrics != nil {
		b.metrics.SecurityViolations.WithLabelValues(kind).Inc()
	}
	if err := b.logs.AppendSecurityFlag(ctx, executionID, contracts.SecurityFlag{Type: kind, Message: message}); err != nil {
		b.logger.Warn("append security flag", "execution_id", executionID, "error", err)
	}
}

// utilTick consumes one utils.* budget unit, returning false once the
// per-execution allowance is spent.
func (b *Broker) utilTick(executionID string) bool {
	v, _ := b.utilCalls.LoadOrStore(executionID, new(atomic.Int64))
	return v.(*atomic.Int64).Add(1) <= utilsBudget
}

var secretRe = regexp.MustCompile(`\{\{secrets\.([A-Za-z0-9_.-]+)\}\}`)

// resolveSecrets interpolates {{secrets.NAME}} placeholders in string
// params. Interpolation needs the secrets.read capability; resolved values
// never appear in flags, logs, or error messages.
func (b *Broker) resolveSecrets(ctx context.Context, exec *contracts.ExecutionLog, script *contracts.Script, params map[string]any) (map[string]any, *contracts.Error) {
	if !paramsReferenceSecrets(params) {
		return params, nil
	}
	if !script.Config.HasCapability("secrets.read") {
		b.flag(ctx, exec.ID, "secrets", "undeclared_secret_access")
		return nil, contracts.Forbidden("capability secrets.read not granted")
	}

	var cerr *contracts.Error
	out := walkStrings(params, func(s string) string {
		if cerr != nil {
			return s
		}
		return secretRe.ReplaceAllStringFunc(s, func(m string) string {
			name := secretRe.FindStringSubmatch(m)[1]
			value, ok, err := b.secrets.Get(ctx, exec.TenantID, name)
			if err != nil {
				cerr = contracts.Internal(err)
				return m
			}
			if !ok {
				cerr = contracts.Validation("unknown secret %q", name)
				return m
			}
			return value
		})
	})
	if cerr != nil {
		return nil, cerr
	}
	return out.(map[string]any), nil
}

func paramsReferenceSecrets(v any) bool {
	found := false
	walkStrings(v, func(s string) string {
		if secretRe.MatchString(s) {
			found = true
		}
		return s
	})
	return found
}

// walkStrings rebuilds v applying f to every string leaf. Maps and slices
// are copied; other values pass through untouched.
func walkStrings(v any, f func(string) string) any {
	switch t := v.(type) {
	case string:
		return f(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = walkStrings(e, f)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = walkStrings(e, f)
		}
		return out
	default:
		return v
	}
}

// normalize round-trips params through JSON so schema validation sees the
// same value shapes an HTTP decode produces.
func normalize(params map[string]any) any {
	raw, err := json.Marshal(params)
	if err != nil {
		return params
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return params
	}
	return v
}
