package policy

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Rule actions.
const (
	ActionDeny            = "deny"
	ActionRequireApproval = "require_approval"
	ActionDryRun          = "dry_run"
	ActionRateLimit       = "rate_limit"
)

// Priority bands. Rules load into a named layer and must carry a priority
// inside that layer's band.
const (
	LayerHard     = "hard"
	LayerTemplate = "template"
	LayerUser     = "user"
	LayerCompat   = "compat"
)

// Match selects mutation requests by tool name, optional parameter equality
// and optional operating mode. Tool supports an exact name, a prefix with a
// trailing '*', or the bare wildcard "*".
type Match struct {
	Tool   string            `yaml:"tool" json:"tool"`
	Params map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
	Mode   string            `yaml:"mode,omitempty" json:"mode,omitempty"`
}

// Rule is one configured condition-action pair. Rules never change at
// runtime; a reload replaces the whole set.
type Rule struct {
	ID       string `yaml:"id" json:"id"`
	Layer    string `yaml:"layer,omitempty" json:"layer,omitempty"`
	Priority int    `yaml:"priority" json:"priority"`
	Match    Match  `yaml:"match" json:"match"`
	Action   string `yaml:"action" json:"action"`
	Reason   string `yaml:"reason,omitempty" json:"reason,omitempty"`

	// Rate-limit fields, meaningful only when Action == rate_limit.
	WindowSec int  `yaml:"window_sec,omitempty" json:"window_sec,omitempty"`
	Max       int  `yaml:"max,omitempty" json:"max,omitempty"`
	PerTool   bool `yaml:"per_tool,omitempty" json:"per_tool,omitempty"`
}

// Set is the full loaded policy: enforcement flag, blocked tools and rules
// sorted by ascending priority.
type Set struct {
	Enforce      bool     `yaml:"enforce" json:"enforce"`
	BlockedTools []string `yaml:"blocked_tools,omitempty" json:"blocked_tools,omitempty"`
	Rules        []Rule   `yaml:"rules,omitempty" json:"rules,omitempty"`
}

func (r Rule) Window() time.Duration {
	if r.WindowSec <= 0 {
		return time.Minute
	}
	return time.Second * time.Duration(r.WindowSec)
}

// MatchString renders the matcher for status views and logs.
func (m Match) String() string {
	parts := []string{"tool=" + m.Tool}
	if m.Mode != "" {
		parts = append(parts, "mode="+m.Mode)
	}
	for _, k := range sortedKeys(m.Params) {
		parts = append(parts, k+"="+m.Params[k])
	}
	return strings.Join(parts, " ")
}

// Matches reports whether the rule applies to one request. Params carries the
// request's top-level scalar parameters in string form (see FlattenParams).
func (m Match) Matches(tool string, params map[string]string, mode string) bool {
	if !toolMatches(m.Tool, tool) {
		return false
	}
	if m.Mode != "" && !strings.EqualFold(m.Mode, mode) {
		return false
	}
	for k, want := range m.Params {
		got, ok := params[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}

func toolMatches(pattern, tool string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(tool, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == tool
}

// IsBlocked reports whether the tool appears on the explicit blocked list.
// The blocked list runs before any rule, at an effective priority of -1.
func (s Set) IsBlocked(tool string) bool {
	for _, b := range s.BlockedTools {
		if strings.EqualFold(strings.TrimSpace(b), tool) {
			return true
		}
	}
	return false
}

// FlattenParams extracts the top-level scalar parameters of a request into
// string form for matcher comparison. Nested objects and arrays are skipped;
// matchers only predicate on flat keys.
func FlattenParams(raw json.RawMessage) map[string]string {
	out := map[string]string{}
	if len(raw) == 0 {
		return out
	}
	var v map[string]json.RawMessage
	if err := json.Unmarshal(raw, &v); err != nil {
		return out
	}
	for k, rv := range v {
		var s string
		if err := json.Unmarshal(rv, &s); err == nil {
			out[k] = s
			continue
		}
		trimmed := strings.TrimSpace(string(rv))
		switch {
		case trimmed == "true", trimmed == "false", trimmed == "null":
			out[k] = trimmed
		case len(trimmed) > 0 && trimmed[0] != '{' && trimmed[0] != '[':
			out[k] = trimmed
		}
	}
	return out
}

// Validate checks rule identifiers, actions and priority bands, then sorts
// the rules in ascending priority order. It mutates the receiver.
func (s *Set) Validate() error {
	seen := map[string]struct{}{}
	for i := range s.Rules {
		r := &s.Rules[i]
		r.ID = strings.TrimSpace(r.ID)
		if r.ID == "" {
			return fmt.Errorf("rule %d: id required", i)
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("rule %q: duplicate id", r.ID)
		}
		seen[r.ID] = struct{}{}
		if strings.TrimSpace(r.Match.Tool) == "" {
			return fmt.Errorf("rule %q: match.tool required", r.ID)
		}
		switch r.Action {
		case ActionDeny, ActionRequireApproval, ActionDryRun:
		case ActionRateLimit:
			if r.Max <= 0 {
				return fmt.Errorf("rule %q: rate_limit requires max > 0", r.ID)
			}
			if r.WindowSec <= 0 {
				return fmt.Errorf("rule %q: rate_limit requires window_sec > 0", r.ID)
			}
		default:
			return fmt.Errorf("rule %q: unknown action %q", r.ID, r.Action)
		}
		if r.Layer == "" {
			r.Layer = layerForPriority(r.Priority)
		}
		if err := validateBand(r.Layer, r.Priority); err != nil {
			return fmt.Errorf("rule %q: %w", r.ID, err)
		}
	}
	sort.SliceStable(s.Rules, func(i, j int) bool {
		return s.Rules[i].Priority < s.Rules[j].Priority
	})
	return nil
}

func layerForPriority(p int) string {
	switch {
	case p >= 0 && p <= 10:
		return LayerHard
	case p >= 100 && p <= 199:
		return LayerTemplate
	case p >= 200 && p < 300:
		return LayerUser
	case p >= 300:
		return LayerCompat
	default:
		return ""
	}
}

func validateBand(layer string, p int) error {
	switch layer {
	case LayerHard:
		if p < 0 || p > 10 {
			return fmt.Errorf("hard rules use priority 0-10, got %d", p)
		}
	case LayerTemplate:
		if p < 100 || p > 199 {
			return fmt.Errorf("template rules use priority 100-199, got %d", p)
		}
	case LayerUser:
		if p < 200 {
			return fmt.Errorf("user rules use priority >= 200, got %d", p)
		}
	case LayerCompat:
		if p < 300 {
			return fmt.Errorf("compat rules use priority >= 300, got %d", p)
		}
	default:
		return fmt.Errorf("priority %d falls outside every layer band", p)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
