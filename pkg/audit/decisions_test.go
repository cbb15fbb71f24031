package audit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/aramirez087/ReplyGuy-sub000/pkg/models"
)

type fakeDecisionDB struct {
	fakeAuditDB
	queryRows *fakeDecisionRows
	queryErr  error
	queryArgs []any
}

func (f *fakeDecisionDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	_ = ctx
	f.querySQL = append(f.querySQL, sql)
	f.queryArgs = append([]any(nil), args...)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.queryRows, nil
}

type fakeDecisionRows struct {
	rows [][]any
	idx  int
	err  error
}

func (r *fakeDecisionRows) Close()                                       {}
func (r *fakeDecisionRows) Err() error                                   { return r.err }
func (r *fakeDecisionRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT 1") }
func (r *fakeDecisionRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeDecisionRows) RawValues() [][]byte                          { return nil }
func (r *fakeDecisionRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeDecisionRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeDecisionRows) Scan(dest ...any) error {
	if r.idx == 0 || r.idx > len(r.rows) {
		return errors.New("no current row")
	}
	current := r.rows[r.idx-1]
	if len(dest) != len(current) {
		return errors.New("scan arity mismatch")
	}
	for i := range dest {
		if err := assignAuditScan(dest[i], current[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *fakeDecisionRows) Values() ([]any, error) {
	return append([]any(nil), r.rows[r.idx-1]...), nil
}

func TestRecordDecisionInsertsRow(t *testing.T) {
	db := &fakeDecisionDB{}
	l := NewLog(db)
	err := l.RecordDecision(context.Background(), models.DecisionSummary{
		Kind: models.KindDenied, Tool: "post_tweet", Reason: "rate limit", RuleID: "post-cap", Mode: models.ModeAutopilot,
	})
	if err != nil {
		t.Fatalf("record decision: %v", err)
	}
	if len(db.execSQL) != 1 || !strings.Contains(db.execSQL[0], "INSERT INTO decisions") {
		t.Fatalf("unexpected sql: %v", db.execSQL)
	}
	if got := db.execArgs[0][0]; got != models.KindDenied {
		t.Fatalf("kind arg = %v", got)
	}
}

func TestRecentDecisionsScansRows(t *testing.T) {
	now := time.Now().UTC()
	db := &fakeDecisionDB{queryRows: &fakeDecisionRows{rows: [][]any{
		{"denied", "post_tweet", "rate limit", "post-cap", "autopilot", now},
		{"proceed", "reply_tweet", "", "", "supervised", now.Add(-time.Minute)},
	}}}
	l := NewLog(db)
	out, err := l.RecentDecisions(context.Background(), "", 50)
	if err != nil {
		t.Fatalf("recent decisions: %v", err)
	}
	if len(out) != 2 || out[0].Kind != "denied" || out[1].Tool != "reply_tweet" {
		t.Fatalf("rows = %+v", out)
	}
}

func TestRecentDecisionsToolFilterAndLimitClamp(t *testing.T) {
	db := &fakeDecisionDB{queryRows: &fakeDecisionRows{}}
	l := NewLog(db)
	if _, err := l.RecentDecisions(context.Background(), "post_tweet", -7); err != nil {
		t.Fatalf("recent decisions: %v", err)
	}
	if !strings.Contains(db.querySQL[0], "WHERE tool = $1") {
		t.Fatalf("tool filter missing: %s", db.querySQL[0])
	}
	if len(db.queryArgs) != 2 || db.queryArgs[1] != 50 {
		t.Fatalf("limit not clamped: %v", db.queryArgs)
	}
}

func TestRecentDecisionsQueryErrorPropagates(t *testing.T) {
	db := &fakeDecisionDB{queryErr: errors.New("connection refused")}
	l := NewLog(db)
	if _, err := l.RecentDecisions(context.Background(), "", 10); err == nil {
		t.Fatal("expected error")
	}
}
