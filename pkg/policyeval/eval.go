package policyeval

import (
	"context"
	"fmt"

	"github.com/aramirez087/ReplyGuy-sub000/pkg/counters"
	"github.com/aramirez087/ReplyGuy-sub000/pkg/models"
	"github.com/aramirez087/ReplyGuy-sub000/pkg/policy"
)

// Evaluator outcomes. Allow means no rule objected; the gateway still runs
// its duplicate checks before issuing a ticket.
const (
	Allow           = "allow"
	Deny            = "deny"
	RouteToApproval = "route_to_approval"
	DryRun          = "dry_run"
)

// BlockedRuleID is reported when the explicit blocked list fires. The list
// runs before any prioritized rule.
const BlockedRuleID = "blocked_tool"

type Outcome struct {
	Kind   string
	Reason string
	RuleID string
}

// Evaluate walks the rule set in ascending priority order and returns the
// first terminal match. Rate-limit rules are transparent checks: a satisfied
// limit does not allow, it only fails to block. Counter read errors
// propagate; they are never downgraded to Allow.
func Evaluate(ctx context.Context, req models.MutationRequest, set policy.Set, ctrs counters.Store) (Outcome, error) {
	if !set.Enforce {
		return Outcome{Kind: Allow}, nil
	}
	if set.IsBlocked(req.Tool) {
		return Outcome{
			Kind:   Deny,
			Reason: fmt.Sprintf("tool %q is on the blocked list", req.Tool),
			RuleID: BlockedRuleID,
		}, nil
	}
	params := policy.FlattenParams(req.Params)
	for _, rule := range set.Rules {
		if !rule.Match.Matches(req.Tool, params, req.Mode) {
			continue
		}
		switch rule.Action {
		case policy.ActionDeny:
			return Outcome{Kind: Deny, Reason: reasonOr(rule, "denied by policy"), RuleID: rule.ID}, nil
		case policy.ActionRequireApproval:
			return Outcome{Kind: RouteToApproval, Reason: reasonOr(rule, "requires human approval"), RuleID: rule.ID}, nil
		case policy.ActionDryRun:
			return Outcome{Kind: DryRun, RuleID: rule.ID}, nil
		case policy.ActionRateLimit:
			// The global counter always applies; a per-tool rule adds the
			// tool counter on top. Either scope at its max blocks.
			scopes := []string{counters.ScopeGlobal}
			if rule.PerTool {
				scopes = append(scopes, counters.ToolScope(req.Tool))
			}
			for _, scope := range scopes {
				count, err := ctrs.Value(ctx, scope, rule.Window())
				if err != nil {
					return Outcome{}, fmt.Errorf("rate counter %q: %w", scope, err)
				}
				if count >= rule.Max {
					return Outcome{
						Kind:   Deny,
						Reason: fmt.Sprintf("rate limit reached: %d/%d in %s", count, rule.Max, rule.Window()),
						RuleID: rule.ID,
					}, nil
				}
			}
			// Within limit: keep scanning lower-priority rules.
		}
	}
	return Outcome{Kind: Allow}, nil
}

func reasonOr(rule policy.Rule, fallback string) string {
	if rule.Reason != "" {
		return rule.Reason
	}
	return fallback
}
