// Package gateway decides whether a proposed platform mutation may proceed.
// It composes the policy evaluator, the fast and durable duplicate checks,
// the approval queue and the success-only rate counters, and is the only
// writer of audit state.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aramirez087/ReplyGuy-sub000/pkg/approvals"
	"github.com/aramirez087/ReplyGuy-sub000/pkg/audit"
	"github.com/aramirez087/ReplyGuy-sub000/pkg/counters"
	"github.com/aramirez087/ReplyGuy-sub000/pkg/dedupe"
	"github.com/aramirez087/ReplyGuy-sub000/pkg/eventbus"
	"github.com/aramirez087/ReplyGuy-sub000/pkg/metrics"
	"github.com/aramirez087/ReplyGuy-sub000/pkg/models"
	"github.com/aramirez087/ReplyGuy-sub000/pkg/policy"
	"github.com/aramirez087/ReplyGuy-sub000/pkg/policyeval"
	"github.com/aramirez087/ReplyGuy-sub000/pkg/stream"
)

// ErrInvalidRequest marks caller mistakes (missing tool, malformed params)
// so the HTTP layer can answer 400 instead of 503.
var ErrInvalidRequest = errors.New("invalid mutation request")

// AuditTrail is the durable side of the gateway. *audit.Log implements it.
type AuditTrail interface {
	InsertPendingUnlessDuplicate(ctx context.Context, correlationID, tool, paramsHash string, window time.Duration) (string, *models.AuditRecord, error)
	CompleteSuccess(ctx context.Context, auditID, resultSummary string) (*audit.Completion, error)
	CompleteFailure(ctx context.Context, auditID, errorMessage string) (*audit.Completion, error)
	RecordDecision(ctx context.Context, d models.DecisionSummary) error
	RecentDecisions(ctx context.Context, tool string, limit int) ([]models.DecisionSummary, error)
	SweepStale(ctx context.Context, olderThan time.Duration) (int64, error)
	PendingStats(ctx context.Context) (int, float64, error)
}

const (
	defaultDurableWindow = 5 * time.Minute
	defaultStaleAfter    = 3 * time.Minute

	// counterRetention bounds how long spent rate buckets stay around. Far
	// larger than any sane rule window; pruned opportunistically by the sweep.
	counterRetention = 24 * time.Hour
)

type Gateway struct {
	Policy    *policy.Source
	Counters  counters.Store
	Audit     AuditTrail
	Dedupe    *dedupe.Window
	Approvals approvals.Queue

	// Optional collaborators.
	Hub     *stream.Hub
	Events  eventbus.Publisher
	Metrics *metrics.Registry

	// DurableWindow bounds how far back a recorded success blocks an
	// identical retry. StaleAfter bounds how long an unreported ticket keeps
	// its pending record.
	DurableWindow time.Duration
	StaleAfter    time.Duration

	Logf func(format string, args ...any)
}

func New(src *policy.Source, ctrs counters.Store, auditLog AuditTrail, window *dedupe.Window, queue approvals.Queue) *Gateway {
	return &Gateway{
		Policy:        src,
		Counters:      ctrs,
		Audit:         auditLog,
		Dedupe:        window,
		Approvals:     queue,
		DurableWindow: defaultDurableWindow,
		StaleAfter:    defaultStaleAfter,
		Logf:          log.Printf,
	}
}

func (g *Gateway) logf(format string, args ...any) {
	if g.Logf != nil {
		g.Logf(format, args...)
	}
}

func (g *Gateway) durableWindow() time.Duration {
	if g.DurableWindow <= 0 {
		return defaultDurableWindow
	}
	return g.DurableWindow
}

// Evaluate is the single entry point callers must pass before mutating
// anything. A returned error means the gateway could not determine a
// decision; it is never a policy deny and the caller must not act on it.
func (g *Gateway) Evaluate(ctx context.Context, req models.MutationRequest) (models.Decision, error) {
	req.Tool = strings.TrimSpace(req.Tool)
	if req.Tool == "" {
		return models.Decision{}, fmt.Errorf("%w: tool required", ErrInvalidRequest)
	}
	if req.Mode == "" {
		req.Mode = models.ModeAutopilot
	}
	hash, err := models.HashRequest(req)
	if err != nil {
		return models.Decision{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	set := g.Policy.Current()
	out, err := policyeval.Evaluate(ctx, req, set, g.Counters)
	if err != nil {
		return models.Decision{}, err
	}

	switch out.Kind {
	case policyeval.Deny:
		return g.finish(ctx, req, models.Decision{
			Kind:   models.KindDenied,
			Reason: out.Reason,
			RuleID: out.RuleID,
		}), nil
	case policyeval.RouteToApproval:
		queueID, err := g.Approvals.Enqueue(ctx, req.Tool, req.Params, out.Reason)
		if err != nil {
			return models.Decision{}, fmt.Errorf("approval queue: %w", err)
		}
		return g.finish(ctx, req, models.Decision{
			Kind:    models.KindApproval,
			Reason:  out.Reason,
			RuleID:  out.RuleID,
			QueueID: queueID,
		}), nil
	case policyeval.DryRun:
		return g.finish(ctx, req, models.Decision{
			Kind:   models.KindDryRun,
			RuleID: out.RuleID,
		}), nil
	}

	correlationID := uuid.NewString()
	if prior, dup := g.Dedupe.CheckAndRemember(ctx, hash, correlationID); dup {
		g.countDedupe("fast")
		return g.finish(ctx, req, models.Decision{
			Kind:         models.KindDuplicate,
			Reason:       "identical mutation seen moments ago",
			PriorOutcome: prior,
		}), nil
	}

	auditID, prior, err := g.Audit.InsertPendingUnlessDuplicate(ctx, correlationID, req.Tool, hash, g.durableWindow())
	if errors.Is(err, audit.ErrDuplicateInProgress) {
		g.countDedupe("durable")
		return g.finish(ctx, req, models.Decision{
			Kind:   models.KindDuplicate,
			Reason: "identical mutation already in flight",
		}), nil
	}
	if err != nil {
		g.Dedupe.Forget(ctx, hash)
		return models.Decision{}, err
	}
	if prior != nil {
		g.countDedupe("durable")
		g.Dedupe.RememberOutcome(ctx, hash, prior.ResultSummary)
		return g.finish(ctx, req, models.Decision{
			Kind:         models.KindDuplicate,
			Reason:       "identical mutation already succeeded in the dedupe window",
			PriorOutcome: prior.ResultSummary,
		}), nil
	}

	return g.finish(ctx, req, models.Decision{
		Kind: models.KindProceed,
		Ticket: &models.Ticket{
			ID:            auditID,
			CorrelationID: correlationID,
			Tool:          req.Tool,
		},
	}), nil
}

// CompleteSuccess finalizes a proceed ticket after the caller performed the
// mutation. Only here do rate counters move.
func (g *Gateway) CompleteSuccess(ctx context.Context, ticketID, resultSummary string) error {
	comp, err := g.Audit.CompleteSuccess(ctx, ticketID, resultSummary)
	if err != nil {
		return err
	}
	if comp == nil {
		return nil
	}
	if err := g.Counters.RecordSuccess(ctx, counters.ScopeGlobal, counters.ToolScope(comp.Tool)); err != nil {
		g.logf("rate counter increment for %s failed: %v", comp.Tool, err)
	}
	g.Dedupe.RememberOutcome(ctx, comp.ParamsHash, resultSummary)
	return nil
}

// CompleteFailure finalizes a proceed ticket whose mutation failed. The hash
// is released so an immediate retry is not treated as a duplicate.
func (g *Gateway) CompleteFailure(ctx context.Context, ticketID, errorMessage string) error {
	comp, err := g.Audit.CompleteFailure(ctx, ticketID, errorMessage)
	if err != nil {
		return err
	}
	if comp == nil {
		return nil
	}
	g.Dedupe.Forget(ctx, comp.ParamsHash)
	return nil
}

// Status assembles the operator snapshot: effective rules, recent decisions,
// live counter values and pending audit stats.
func (g *Gateway) Status(ctx context.Context, tool string) (models.PolicySnapshot, error) {
	set := g.Policy.Current()
	snap := models.PolicySnapshot{
		GeneratedAt:  time.Now().UTC(),
		Enforce:      set.Enforce,
		BlockedTools: set.BlockedTools,
		Rules:        make([]models.RuleView, 0, len(set.Rules)),
	}
	for _, r := range set.Rules {
		snap.Rules = append(snap.Rules, models.RuleView{
			ID:       r.ID,
			Priority: r.Priority,
			Match:    r.Match.String(),
			Action:   r.Action,
		})
	}

	recent, err := g.Audit.RecentDecisions(ctx, tool, 50)
	if err != nil {
		return models.PolicySnapshot{}, err
	}
	snap.RecentDecisions = recent

	seen := map[string]struct{}{}
	for _, r := range set.Rules {
		if r.Action != policy.ActionRateLimit {
			continue
		}
		// Same scope pair the evaluator consults: global always, plus the
		// tool counter for per-tool rules when a tool filter was given.
		scopes := []string{counters.ScopeGlobal}
		if r.PerTool && tool != "" {
			scopes = append(scopes, counters.ToolScope(tool))
		}
		for _, scope := range scopes {
			key := fmt.Sprintf("%s/%d", scope, r.WindowSec)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			count, err := g.Counters.Value(ctx, scope, r.Window())
			if err != nil {
				return models.PolicySnapshot{}, fmt.Errorf("rate counter %q: %w", scope, err)
			}
			snap.Counters = append(snap.Counters, models.CounterValue{
				Scope:     scope,
				WindowSec: int(r.Window().Seconds()),
				Count:     count,
			})
		}
	}

	pending, oldest, err := g.Audit.PendingStats(ctx)
	if err != nil {
		return models.PolicySnapshot{}, err
	}
	snap.PendingCount = pending
	snap.OldestPendingS = oldest
	return snap, nil
}

// ReloadPolicy re-reads the policy file and swaps the rule set atomically.
// In-flight evaluations keep the set they started with.
func (g *Gateway) ReloadPolicy(path string) error {
	set, err := policy.Load(path)
	if err != nil {
		return err
	}
	g.Policy.Swap(set)
	if g.Hub != nil {
		g.Hub.Publish(stream.NewEvent(stream.TypeReload, map[string]any{
			"rules":   len(set.Rules),
			"enforce": set.Enforce,
		}))
	}
	g.logf("policy reloaded from %s: %d rules, enforce=%v", path, len(set.Rules), set.Enforce)
	return nil
}

// SweepOnce ages pending records older than StaleAfter into stale so
// abandoned tickets stop blocking same-hash retries.
func (g *Gateway) SweepOnce(ctx context.Context) (int64, error) {
	olderThan := g.StaleAfter
	if olderThan <= 0 {
		olderThan = defaultStaleAfter
	}
	n, err := g.Audit.SweepStale(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	if pruner, ok := g.Counters.(interface {
		Prune(ctx context.Context, olderThan time.Duration) error
	}); ok {
		if err := pruner.Prune(ctx, counterRetention); err != nil {
			g.logf("rate counter prune failed: %v", err)
		}
	}
	if n > 0 {
		g.logf("marked %d abandoned pending records stale", n)
		if g.Metrics != nil {
			g.Metrics.AddSwept(n)
		}
		if g.Hub != nil {
			g.Hub.Publish(stream.NewEvent(stream.TypeSweep, map[string]any{"swept": n}))
		}
	}
	return n, nil
}

// SweepLoop runs SweepOnce on a fixed interval until ctx is cancelled.
func (g *Gateway) SweepLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := g.SweepOnce(ctx); err != nil {
				g.logf("stale sweep failed: %v", err)
			}
		}
	}
}

// finish records, publishes and counts a decision, best-effort: observers
// never change or fail the decision itself.
func (g *Gateway) finish(ctx context.Context, req models.MutationRequest, d models.Decision) models.Decision {
	summary := models.DecisionSummary{
		Kind:      d.Kind,
		Tool:      req.Tool,
		Reason:    d.Reason,
		RuleID:    d.RuleID,
		Mode:      req.Mode,
		CreatedAt: time.Now().UTC(),
	}
	if err := g.Audit.RecordDecision(ctx, summary); err != nil {
		g.logf("decision log write failed: %v", err)
	}
	if g.Metrics != nil {
		g.Metrics.IncDecision(d.Kind, d.Reason, d.RuleID)
	}
	if g.Hub != nil {
		g.Hub.Publish(stream.NewDecisionEvent(summary))
	}
	if g.Events != nil {
		if err := g.Events.PublishDecision(ctx, summary); err != nil {
			g.logf("decision event publish failed: %v", err)
		}
	}
	return d
}

func (g *Gateway) countDedupe(path string) {
	if g.Metrics != nil {
		g.Metrics.IncDedupeHit(path)
	}
}
