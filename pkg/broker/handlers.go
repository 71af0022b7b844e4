package broker

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/marektomas-cz/script-executor/pkg/contracts"
	"github.com/marektomas-cz/script-executor/pkg/events"
)

func (b *Broker) eventDispatch(ctx context.Context, c *call) (any, *contracts.Error) {
	name := c.params["name"].(string)

	allowed, reason := b.policy.AllowEvent(ctx, c.tenant.ID, name)
	if !allowed {
		if strings.HasPrefix(name, "system.") {
			b.flag(ctx, c.log.ID, "event", "reserved_namespace")
		}
		return nil, contracts.Forbidden("%s", reason)
	}

	var payload json.RawMessage
	if raw, ok := c.params["payload"]; ok && raw != nil {
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, contracts.Validation("payload is not serialisable: %v", err)
		}
		if len(data) > maxEventPayload {
			return nil, contracts.Validation("event payload exceeds %d bytes", maxEventPayload)
		}
		payload = data
	}

	e := events.Event{
		Name:        name,
		TenantID:    c.tenant.ID,
		ExecutionID: c.log.ID,
		Payload:     payload,
		At:          b.clock().UTC(),
	}
	delivered := true
	if err := b.sink.Dispatch(ctx, e); err != nil {
		// Delivery is best-effort: a sink outage never fails the script.
		delivered = false
		b.logger.Warn("event delivery failed", "event", name, "execution_id", c.log.ID, "error", err)
	}
	return map[string]any{"delivered": delivered}, nil
}

func (b *Broker) logMethod(level slog.Level) func(ctx context.Context, c *call) (any, *contracts.Error) {
	return func(ctx context.Context, c *call) (any, *contracts.Error) {
		message := c.params["message"].(string)
		if len(message) > maxLogLine {
			// Cut on a rune boundary so the stored line stays valid UTF-8.
			cut := maxLogLine
			for cut > 0 && !utf8.RuneStart(message[cut]) {
				cut--
			}
			message = message[:cut]
		}
		line := fmt.Sprintf("[%s] %s\n", strings.ToLower(level.String()), message)
		if err := b.logs.AppendOutput(ctx, c.log.ID, line); err != nil {
			return nil, contracts.Internal(err)
		}
		b.logger.Log(ctx, level, "script log",
			"execution_id", c.log.ID,
			"tenant_id", c.tenant.ID,
			"message", message)
		return nil, nil
	}
}

// utils.* helpers are pure but budgeted: a script looping on utils.uuid
// burns its own allowance, not the shared callback budget alone.

func (b *Broker) budgeted(c *call) *contracts.Error {
	if !b.utilTick(c.log.ID) {
		return contracts.E(contracts.KindExcessiveCalls, "utility call budget exhausted (%d)", utilsBudget)
	}
	return nil
}

func (b *Broker) utilNow(_ context.Context, c *call) (any, *contracts.Error) {
	if cerr := b.budgeted(c); cerr != nil {
		return nil, cerr
	}
	return b.clock().UTC().Format(time.RFC3339Nano), nil
}

func (b *Broker) utilUUID(_ context.Context, c *call) (any, *contracts.Error) {
	if cerr := b.budgeted(c); cerr != nil {
		return nil, cerr
	}
	return uuid.NewString(), nil
}

func (b *Broker) utilHash(_ context.Context, c *call) (any, *contracts.Error) {
	if cerr := b.budgeted(c); cerr != nil {
		return nil, cerr
	}
	value := c.params["value"].(string)
	algorithm, _ := c.params["algorithm"].(string)
	switch algorithm {
	case "", "sha256":
		sum := sha256.Sum256([]byte(value))
		return hex.EncodeToString(sum[:]), nil
	case "sha512":
		sum := sha512.Sum512([]byte(value))
		return hex.EncodeToString(sum[:]), nil
	default:
		return nil, contracts.Validation("unsupported algorithm %q", algorithm)
	}
}

func (b *Broker) utilB64Encode(_ context.Context, c *call) (any, *contracts.Error) {
	if cerr := b.budgeted(c); cerr != nil {
		return nil, cerr
	}
	return base64.StdEncoding.EncodeToString([]byte(c.params["value"].(string))), nil
}

func (b *Broker) utilB64Decode(_ context.Context, c *call) (any, *contracts.Error) {
	if cerr := b.budgeted(c); cerr != nil {
		return nil, cerr
	}
	data, err := base64.StdEncoding.DecodeString(c.params["value"].(string))
	if err != nil {
		return nil, contracts.Validation("invalid base64: %v", err)
	}
	return string(data), nil
}

func (b *Broker) utilJSONParse(_ context.Context, c *call) (any, *contracts.Error) {
	if cerr := b.budgeted(c); cerr != nil {
		return nil, cerr
	}
	var v any
	if err := json.Unmarshal([]byte(c.params["value"].(string)), &v); err != nil {
		return nil, contracts.Validation("invalid JSON: %v", err)
	}
	return v, nil
}

func (b *Broker) utilJSONStringify(_ context.Context, c *call) (any, *contracts.Error) {
	if cerr := b.budgeted(c); cerr != nil {
		return nil, cerr
	}
	data, err := json.Marshal(c.params["value"])
	if err != nil {
		return nil, contracts.Validation("value is not serialisable: %v", err)
	}
	return string(data), nil
}
