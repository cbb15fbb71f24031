package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/aramirez087/ReplyGuy-sub000/pkg/models"
)

// RecordDecision appends one row to the decision log. Every decision lands
// here, including denials and dry runs that never touch audit_records.
func (l *Log) RecordDecision(ctx context.Context, d models.DecisionSummary) error {
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := l.DB.Exec(ctx, `
		INSERT INTO decisions (kind, tool, reason, rule_id, mode, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, d.Kind, d.Tool, d.Reason, d.RuleID, d.Mode, createdAt)
	if err != nil {
		return fmt.Errorf("record decision: %w", err)
	}
	return nil
}

// RecentDecisions returns the newest decision log rows, optionally filtered
// by tool. Used by the status endpoint and the operator CLI.
func (l *Log) RecentDecisions(ctx context.Context, tool string, limit int) ([]models.DecisionSummary, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `
		SELECT kind, tool, COALESCE(reason, ''), COALESCE(rule_id, ''), COALESCE(mode, ''), created_at
		FROM decisions
	`
	args := []any{}
	if tool != "" {
		query += ` WHERE tool = $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, tool, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}
	rows, err := l.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent decisions: %w", err)
	}
	defer rows.Close()
	out := []models.DecisionSummary{}
	for rows.Next() {
		var d models.DecisionSummary
		if err := rows.Scan(&d.Kind, &d.Tool, &d.Reason, &d.RuleID, &d.Mode, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("recent decisions: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent decisions: %w", err)
	}
	return out, nil
}
