package store

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"

	"github.com/shlokDS16/Privacy-guard/pkg/models"
)

type fakeRow struct {
	dest []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *int:
			*d = r.dest[i].(int)
		case *interface{}:
			*d = r.dest[i]
		}
	}
	return nil
}

type fakeQuerier struct {
	lastSQL  string
	lastArgs []any
	row      fakeRow
}

func (f *fakeQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.lastSQL = sql
	f.lastArgs = args
	return f.row
}

func TestEvaluatorCountParameterizesFilters(t *testing.T) {
	q := &fakeQuerier{row: fakeRow{dest: []any{42}}}
	ev := NewPostgresEvaluator(q)
	pq := models.ParsedQuery{
		AggFn:  models.AggCount,
		AggCol: "*",
		Filters: []models.Filter{
			{Column: "age", Operator: models.OpEq, Literal: int64(50)},
		},
	}
	n, err := ev.Count(context.Background(), pq)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 42 {
		t.Fatalf("expected 42, got %d", n)
	}
	if q.lastSQL != "SELECT COUNT(*) FROM patient_records WHERE age = $1" {
		t.Fatalf("unexpected sql: %s", q.lastSQL)
	}
	if len(q.lastArgs) != 1 || q.lastArgs[0] != int64(50) {
		t.Fatalf("expected literal to be passed as a bound argument, got %v", q.lastArgs)
	}
}

func TestEvaluatorDistinctCountRejectsUnknownColumn(t *testing.T) {
	q := &fakeQuerier{row: fakeRow{dest: []any{0}}}
	ev := NewPostgresEvaluator(q)
	_, err := ev.DistinctCount(context.Background(), models.ParsedQuery{}, "ssn")
	if !errors.Is(err, ErrUnknownColumn) {
		t.Fatalf("expected ErrUnknownColumn, got %v", err)
	}
}

func TestEvaluatorAggregateCountStar(t *testing.T) {
	q := &fakeQuerier{row: fakeRow{dest: []any{303}}}
	ev := NewPostgresEvaluator(q)
	pq := models.ParsedQuery{AggFn: models.AggCount, AggCol: "*"}
	val, err := ev.Aggregate(context.Background(), pq)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != 303 {
		t.Fatalf("expected 303, got %v", val)
	}
	if q.lastSQL != "SELECT COUNT(*) FROM patient_records" {
		t.Fatalf("unexpected sql: %s", q.lastSQL)
	}
}

func TestEvaluatorAggregateAvgWithFilters(t *testing.T) {
	q := &fakeQuerier{row: fakeRow{dest: []any{220.5}}}
	ev := NewPostgresEvaluator(q)
	pq := models.ParsedQuery{
		AggFn:  models.AggAvg,
		AggCol: "chol",
		Filters: []models.Filter{
			{Column: "age_band", Operator: models.OpEq, Literal: "50-59"},
		},
	}
	val, err := ev.Aggregate(context.Background(), pq)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != 220.5 {
		t.Fatalf("expected 220.5, got %v", val)
	}
	if q.lastSQL != "SELECT AVG(chol) FROM patient_records WHERE age_band = $1" {
		t.Fatalf("unexpected sql: %s", q.lastSQL)
	}
}

func TestEvaluatorSurfacesStoreUnavailable(t *testing.T) {
	q := &fakeQuerier{row: fakeRow{err: errors.New("connection refused")}}
	ev := NewPostgresEvaluator(q)
	_, err := ev.Count(context.Background(), models.ParsedQuery{})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestEvaluatorAggregateUnknownColumn(t *testing.T) {
	q := &fakeQuerier{row: fakeRow{dest: []any{0}}}
	ev := NewPostgresEvaluator(q)
	_, err := ev.Aggregate(context.Background(), models.ParsedQuery{AggFn: models.AggAvg, AggCol: "ssn"})
	if !errors.Is(err, ErrUnknownColumn) {
		t.Fatalf("expected ErrUnknownColumn, got %v", err)
	}
}
