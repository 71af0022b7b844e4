package dispatch

import (
	"encoding/json"
	"sort"
)

// reservedContextKeys can never be handed to tenant code: they shadow the
// sandbox API surface or open prototype-pollution routes.
var reservedContextKeys = map[string]struct{}{
	"api":         {},
	"this":        {},
	"global":      {},
	"globalThis":  {},
	"process":     {},
	"window":      {},
	"document":    {},
	"require":     {},
	"module":      {},
	"exports":     {},
	"constructor": {},
	"prototype":   {},
	"__proto__":   {},
}

// filterContext strips reserved keys and values that do not survive JSON
// encoding. Dropped keys come back sorted so security flags are stable.
func filterContext(in map[string]any) (out map[string]any, dropped []string) {
	if len(in) == 0 {
		return nil, nil
	}
	out = make(map[string]any, len(in))
	for k, v := range in {
		if _, reserved := reservedContextKeys[k]; reserved {
			dropped = append(dropped, k)
			continue
		}
		if _, err := json.Marshal(v); err != nil {
			dropped = append(dropped, k)
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		out = nil
	}
	sort.Strings(dropped)
	return out, dropped
}
