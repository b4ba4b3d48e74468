package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/shlokDS16/Privacy-guard/pkg/models"
)

// ErrUnavailable is the sentinel for transport-level failures talking to
// the backing store. The risk engine converts it into a DB_NOT_READY
// factor rather than surfacing it as a hard error.
var ErrUnavailable = errors.New("store unavailable")

// ErrUnknownColumn is raised when a column passed all the way from the
// parser's allowlist still doesn't exist in the schema the evaluator
// was built against. It is treated identically to a parser rejection.
var ErrUnknownColumn = errors.New("unknown column")

// querier is the subset of a pgx connection/pool the evaluator needs.
// Tests satisfy it with a fake so no real database is required.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Evaluator answers count / distinct-count / aggregate questions about
// a ParsedQuery against the patient_records table (C2). Every method
// parameterizes filter literals; no value from the parser is ever
// interpolated into the SQL text.
type Evaluator interface {
	Count(ctx context.Context, pq models.ParsedQuery) (int, error)
	DistinctCount(ctx context.Context, pq models.ParsedQuery, column string) (int, error)
	Aggregate(ctx context.Context, pq models.ParsedQuery) (interface{}, error)
}

// PostgresEvaluator implements Evaluator against a pgx pool or connection.
type PostgresEvaluator struct {
	DB querier
}

func NewPostgresEvaluator(db querier) *PostgresEvaluator {
	return &PostgresEvaluator{DB: db}
}

func (e *PostgresEvaluator) Count(ctx context.Context, pq models.ParsedQuery) (int, error) {
	where, args, err := buildWhere(pq.Filters)
	if err != nil {
		return 0, err
	}
	sql := fmt.Sprintf("SELECT COUNT(*) FROM %s%s", models.AllowedTable, where)
	var n int
	if err := e.DB.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

func (e *PostgresEvaluator) DistinctCount(ctx context.Context, pq models.ParsedQuery, column string) (int, error) {
	if !models.IsAllowedColumn(column) {
		return 0, fmt.Errorf("%w: %q", ErrUnknownColumn, column)
	}
	where, args, err := buildWhere(pq.Filters)
	if err != nil {
		return 0, err
	}
	sql := fmt.Sprintf("SELECT COUNT(DISTINCT %s) FROM %s%s", column, models.AllowedTable, where)
	var n int
	if err := e.DB.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

func (e *PostgresEvaluator) Aggregate(ctx context.Context, pq models.ParsedQuery) (interface{}, error) {
	var aggExpr string
	if pq.AggFn == models.AggCount && pq.AggCol == "*" {
		aggExpr = "COUNT(*)"
	} else {
		if !models.IsAllowedColumn(pq.AggCol) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownColumn, pq.AggCol)
		}
		aggExpr = fmt.Sprintf("%s(%s)", strings.ToUpper(pq.AggFn), pq.AggCol)
	}
	where, args, err := buildWhere(pq.Filters)
	if err != nil {
		return nil, err
	}
	sql := fmt.Sprintf("SELECT %s FROM %s%s", aggExpr, models.AllowedTable, where)

	var val interface{}
	if err := e.DB.QueryRow(ctx, sql, args...).Scan(&val); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return val, nil
}

// buildWhere renders filters into a parameterized "WHERE ... " clause
// (or "" when there are none) plus the positional argument list.
// It is the only place a filter's literal ever touches SQL text, and it
// never places a literal there, only placeholders.
func buildWhere(filters []models.Filter) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}
	var clauses []string
	var args []any
	for i, f := range filters {
		if !models.IsAllowedColumn(f.Column) {
			return "", nil, fmt.Errorf("%w: %q", ErrUnknownColumn, f.Column)
		}
		clauses = append(clauses, fmt.Sprintf("%s %s $%d", f.Column, f.Operator, i+1))
		args = append(args, f.Literal)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}
