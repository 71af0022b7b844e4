// Package policy answers authorization questions with CEL expressions.
// Two surfaces: who may execute a script, and which event names a tenant's
// scripts may emit. Every error path denies.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/marektomas-cz/script-executor/pkg/contracts"
)

var ErrInvalidExpression = errors.New("policy: invalid expression")

// systemEventPrefix is reserved for broker-emitted events. Tenant scripts
// can never dispatch into it, regardless of any allowlist expression.
const systemEventPrefix = "system."

// defaultExecutePolicy grants execution to same-tenant principals that are
// either privileged or the script's creator.
const defaultExecutePolicy = `principal.tenant_id == resource.tenant_id &&
	(principal.roles.exists(r, r in ["admin", "developer", "operator"]) ||
	 principal.user_id == resource.created_by)`

// Engine compiles policy expressions once and evaluates them per request.
type Engine struct {
	env     *cel.Env
	execute cel.Program

	mu     sync.RWMutex
	events map[string]cel.Program // tenant id -> compiled allowlist
}

// New builds the engine and compiles the default execute policy.
func New() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("principal", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("action", cel.StringType),
		cel.Variable("resource", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create environment: %w", err)
	}

	e := &Engine{env: env, events: make(map[string]cel.Program)}
	e.execute, err = e.compile(defaultExecutePolicy)
	if err != nil {
		return nil, fmt.Errorf("policy: compile execute policy: %w", err)
	}
	return e, nil
}

func (e *Engine) compile(expr string) (cel.Program, error) {
	ast, iss := e.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, iss.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}
	return prg, nil
}

// AllowExecute reports whether principal may run the script. The reason is
// only meaningful on denial.
func (e *Engine) AllowExecute(ctx context.Context, principal contracts.Principal, script *contracts.Script) (bool, string) {
	input := map[string]any{
		"principal": map[string]any{
			"user_id":   principal.UserID,
			"tenant_id": principal.TenantID,
			"roles":     principal.Roles,
		},
		"action": "scripts.execute",
		"resource": map[string]any{
			"id":         script.ID,
			"tenant_id":  script.TenantID,
			"created_by": script.CreatedBy,
		},
		"context": map[string]any{},
	}
	allowed, err := evaluate(ctx, e.execute, input)
	if err != nil {
		return false, "policy evaluation failed"
	}
	if !allowed {
		return false, "principal may not execute this script"
	}
	return true, ""
}

// SetEventPolicy installs a tenant's event allowlist expression. The
// expression must compile and evaluate to bool; a compile failure leaves any
// previously installed policy in place. An empty expression removes the
// tenant's policy.
func (e *Engine) SetEventPolicy(tenantID, expr string) error {
	if strings.TrimSpace(expr) == "" {
		e.mu.Lock()
		delete(e.events, tenantID)
		e.mu.Unlock()
		return nil
	}
	prg, err := e.compile(expr)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.events[tenantID] = prg
	e.mu.Unlock()
	return nil
}

// AllowEvent reports whether the tenant's scripts may dispatch eventName.
// The system namespace is always refused; tenants without an installed
// allowlist may emit nothing.
func (e *Engine) AllowEvent(ctx context.Context, tenantID, eventName string) (bool, string) {
	if strings.HasPrefix(eventName, systemEventPrefix) {
		return false, "event namespace is reserved"
	}

	e.mu.RLock()
	prg, ok := e.events[tenantID]
	e.mu.RUnlock()
	if !ok {
		return false, "tenant has no event allowlist"
	}

	input := map[string]any{
		"principal": map[string]any{},
		"action":    "events.dispatch",
		"resource": map[string]any{
			"tenant_id": tenantID,
			"event":     eventName,
		},
		"context": map[string]any{},
	}
	allowed, err := evaluate(ctx, prg, input)
	if err != nil {
		return false, "policy evaluation failed"
	}
	if !allowed {
		return false, "event not in tenant allowlist"
	}
	return true, ""
}

// evaluate runs a compiled program and insists on a boolean outcome.
func evaluate(_ context.Context, prg cel.Program, input map[string]any) (bool, error) {
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("policy: evaluate: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy: expression returned %T, want bool", out.Value())
	}
	return allowed, nil
}
