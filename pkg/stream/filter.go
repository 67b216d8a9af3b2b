package stream

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/settld-labs/settld-proxy/pkg/contracts"
)

// Filter selects which candidate events a subscriber receives. A filtered
// event still advances the watermark.
type Filter struct {
	EventType         string
	Runtime           string
	Capability        string
	ToolID            string
	ToolSideEffecting *bool
}

// ParseFilter reads filter parameters from the query string.
func ParseFilter(q url.Values) (Filter, error) {
	f := Filter{
		EventType:  q.Get("eventType"),
		Runtime:    q.Get("runtime"),
		Capability: q.Get("capability"),
		ToolID:     q.Get("toolId"),
	}
	if raw := q.Get("toolSideEffecting"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return Filter{}, fmt.Errorf("toolSideEffecting must be a boolean, got %q", raw)
		}
		f.ToolSideEffecting = &v
	}
	return f, nil
}

// MatchesEvent applies the filter to a session event. Payload-level fields
// (toolId, runtime) are read from the event's payload bag.
func (f Filter) MatchesEvent(ev contracts.ChainedEvent) bool {
	if f.EventType != "" && ev.Type != f.EventType {
		return false
	}
	if f.ToolID == "" && f.Runtime == "" && f.Capability == "" && f.ToolSideEffecting == nil {
		return true
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return false
	}
	if f.ToolID != "" && stringField(payload, "toolId") != f.ToolID {
		return false
	}
	if f.Runtime != "" && stringField(payload, "runtime") != f.Runtime {
		return false
	}
	if f.Capability != "" && !containsString(payload["capabilities"], f.Capability) {
		return false
	}
	if f.ToolSideEffecting != nil {
		v, ok := payload["toolSideEffecting"].(bool)
		if !ok || v != *f.ToolSideEffecting {
			return false
		}
	}
	return true
}

// MatchesCard applies the filter to an agent card.
func (f Filter) MatchesCard(card contracts.AgentCard) bool {
	if f.Runtime != "" && card.Runtime != f.Runtime {
		return false
	}
	if f.Capability != "" {
		found := false
		for _, c := range card.Capabilities {
			if c == f.Capability {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ToolID != "" || f.ToolSideEffecting != nil {
		found := false
		for _, t := range card.Tools {
			if f.ToolID != "" && t.ToolID != f.ToolID {
				continue
			}
			if f.ToolSideEffecting != nil && t.SideEffecting != *f.ToolSideEffecting {
				continue
			}
			found = true
			break
		}
		if !found {
			return false
		}
	}
	return true
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func containsString(v interface{}, want string) bool {
	arr, ok := v.([]interface{})
	if !ok {
		return false
	}
	for _, item := range arr {
		if s, ok := item.(string); ok && s == want {
			return true
		}
	}
	return false
}
