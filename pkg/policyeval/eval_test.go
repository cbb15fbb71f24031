package policyeval

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aramirez087/ReplyGuy-sub000/pkg/counters"
	"github.com/aramirez087/ReplyGuy-sub000/pkg/models"
	"github.com/aramirez087/ReplyGuy-sub000/pkg/policy"
)

func req(tool, mode string, params string) models.MutationRequest {
	var raw json.RawMessage
	if params != "" {
		raw = json.RawMessage(params)
	}
	return models.MutationRequest{Tool: tool, Params: raw, Mode: mode}
}

func mustSet(t *testing.T, set policy.Set) policy.Set {
	t.Helper()
	if err := set.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	return set
}

func TestEnforcementDisabledAlwaysAllows(t *testing.T) {
	set := mustSet(t, policy.Set{
		Enforce:      false,
		BlockedTools: []string{"post_tweet"},
		Rules: []policy.Rule{
			{ID: "deny-all", Priority: 0, Match: policy.Match{Tool: "*"}, Action: policy.ActionDeny},
		},
	})
	out, err := Evaluate(context.Background(), req("post_tweet", models.ModeAutopilot, ""), set, counters.NewMemory())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.Kind != Allow {
		t.Fatalf("kind = %s, want allow", out.Kind)
	}
}

func TestBlockedListRunsBeforeRules(t *testing.T) {
	set := mustSet(t, policy.Set{
		Enforce:      true,
		BlockedTools: []string{"delete_account"},
		Rules: []policy.Rule{
			{ID: "approve-deletes", Priority: 1, Match: policy.Match{Tool: "delete_*"}, Action: policy.ActionRequireApproval},
		},
	})
	out, err := Evaluate(context.Background(), req("delete_account", models.ModeSupervised, `{"id":"1"}`), set, counters.NewMemory())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.Kind != Deny || out.RuleID != BlockedRuleID {
		t.Fatalf("got %+v, want deny by %s", out, BlockedRuleID)
	}
}

func TestFirstMatchingRuleWinsByPriority(t *testing.T) {
	set := mustSet(t, policy.Set{
		Enforce: true,
		Rules: []policy.Rule{
			{ID: "late-approval", Priority: 150, Match: policy.Match{Tool: "post_tweet"}, Action: policy.ActionRequireApproval},
			{ID: "early-deny", Priority: 5, Match: policy.Match{Tool: "post_tweet"}, Action: policy.ActionDeny, Reason: "hard stop"},
		},
	})
	out, err := Evaluate(context.Background(), req("post_tweet", models.ModeAutopilot, ""), set, counters.NewMemory())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.Kind != Deny || out.RuleID != "early-deny" {
		t.Fatalf("got %+v, want the priority-5 deny", out)
	}
}

func TestDryRunOutcome(t *testing.T) {
	set := mustSet(t, policy.Set{
		Enforce: true,
		Rules: []policy.Rule{
			{ID: "simulate-deletes", Priority: 105, Match: policy.Match{Tool: "delete_tweet"}, Action: policy.ActionDryRun},
		},
	})
	out, err := Evaluate(context.Background(), req("delete_tweet", models.ModeAutopilot, `{"id":"123"}`), set, counters.NewMemory())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.Kind != DryRun || out.RuleID != "simulate-deletes" {
		t.Fatalf("got %+v, want dry run", out)
	}
}

func TestParamPredicateSelectsRule(t *testing.T) {
	set := mustSet(t, policy.Set{
		Enforce: true,
		Rules: []policy.Rule{
			{ID: "protect-admin", Priority: 200, Match: policy.Match{Tool: "follow_user", Params: map[string]string{"target": "admin"}}, Action: policy.ActionDeny},
		},
	})
	out, _ := Evaluate(context.Background(), req("follow_user", models.ModeAutopilot, `{"target":"admin"}`), set, counters.NewMemory())
	if out.Kind != Deny {
		t.Fatalf("matching params must deny, got %+v", out)
	}
	out, _ = Evaluate(context.Background(), req("follow_user", models.ModeAutopilot, `{"target":"friend"}`), set, counters.NewMemory())
	if out.Kind != Allow {
		t.Fatalf("non-matching params must allow, got %+v", out)
	}
}

func TestEmptyRuleSetAllows(t *testing.T) {
	set := policy.Set{Enforce: true}
	out, err := Evaluate(context.Background(), req("anything_at_all", models.ModeAutopilot, ""), set, counters.NewMemory())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.Kind != Allow {
		t.Fatalf("empty set must allow, got %+v", out)
	}
}

func TestRateLimitDeniesAtMax(t *testing.T) {
	ctx := context.Background()
	set := mustSet(t, policy.Set{
		Enforce: true,
		Rules: []policy.Rule{
			{ID: "post-cap", Priority: 110, Match: policy.Match{Tool: "post_tweet"}, Action: policy.ActionRateLimit, WindowSec: 3600, Max: 2, PerTool: true},
		},
	})
	ctrs := counters.NewMemory()
	for i := 0; i < 2; i++ {
		out, err := Evaluate(ctx, req("post_tweet", models.ModeAutopilot, ""), set, ctrs)
		if err != nil || out.Kind != Allow {
			t.Fatalf("attempt %d: got %+v err %v, want allow", i, out, err)
		}
		if err := ctrs.RecordSuccess(ctx, counters.ScopeGlobal, counters.ToolScope("post_tweet")); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	out, err := Evaluate(ctx, req("post_tweet", models.ModeAutopilot, ""), set, ctrs)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.Kind != Deny || out.RuleID != "post-cap" {
		t.Fatalf("third attempt = %+v, want rate-limit deny", out)
	}
}

func TestRateLimitPerToolRuleStillHonorsGlobalCounter(t *testing.T) {
	ctx := context.Background()
	set := mustSet(t, policy.Set{
		Enforce: true,
		Rules: []policy.Rule{
			{ID: "post-cap", Priority: 110, Match: policy.Match{Tool: "post_tweet"}, Action: policy.ActionRateLimit, WindowSec: 3600, Max: 2, PerTool: true},
		},
	})
	ctrs := counters.NewMemory()
	// Saturate the global counter with successes on a different tool; the
	// post_tweet counter stays at zero.
	for i := 0; i < 5; i++ {
		if err := ctrs.RecordSuccess(ctx, counters.ScopeGlobal, counters.ToolScope("reply_tweet")); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	out, err := Evaluate(ctx, req("post_tweet", models.ModeAutopilot, ""), set, ctrs)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.Kind != Deny || out.RuleID != "post-cap" {
		t.Fatalf("global counter at max must deny per-tool rules too, got %+v", out)
	}
}

func TestRateLimitWithoutRecordedSuccessStaysOpen(t *testing.T) {
	ctx := context.Background()
	set := mustSet(t, policy.Set{
		Enforce: true,
		Rules: []policy.Rule{
			{ID: "post-cap", Priority: 110, Match: policy.Match{Tool: "post_tweet"}, Action: policy.ActionRateLimit, WindowSec: 60, Max: 1, PerTool: true},
		},
	})
	ctrs := counters.NewMemory()
	for i := 0; i < 5; i++ {
		out, err := Evaluate(ctx, req("post_tweet", models.ModeAutopilot, ""), set, ctrs)
		if err != nil || out.Kind != Allow {
			t.Fatalf("evaluation %d without successes = %+v err %v, want allow", i, out, err)
		}
	}
}

func TestRateLimitPassThroughReachesLaterRules(t *testing.T) {
	ctx := context.Background()
	set := mustSet(t, policy.Set{
		Enforce: true,
		Rules: []policy.Rule{
			{ID: "post-cap", Priority: 110, Match: policy.Match{Tool: "post_*"}, Action: policy.ActionRateLimit, WindowSec: 60, Max: 10},
			{ID: "deny-replies", Priority: 210, Match: policy.Match{Tool: "post_reply"}, Action: policy.ActionDeny},
		},
	})
	out, err := Evaluate(ctx, req("post_reply", models.ModeAutopilot, ""), set, counters.NewMemory())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.Kind != Deny || out.RuleID != "deny-replies" {
		t.Fatalf("satisfied rate limit must not stop scanning, got %+v", out)
	}
}

type failingCounters struct{}

func (failingCounters) Value(ctx context.Context, scope string, window time.Duration) (int, error) {
	return 0, errors.New("store down")
}

func (failingCounters) RecordSuccess(ctx context.Context, scopes ...string) error {
	return errors.New("store down")
}

func TestCounterErrorPropagates(t *testing.T) {
	set := mustSet(t, policy.Set{
		Enforce: true,
		Rules: []policy.Rule{
			{ID: "post-cap", Priority: 110, Match: policy.Match{Tool: "post_tweet"}, Action: policy.ActionRateLimit, WindowSec: 60, Max: 1},
		},
	})
	_, err := Evaluate(context.Background(), req("post_tweet", models.ModeAutopilot, ""), set, failingCounters{})
	if err == nil {
		t.Fatal("counter failure must propagate, never silently allow")
	}
}
