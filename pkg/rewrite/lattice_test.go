package rewrite

import (
	"context"
	"testing"

	"github.com/shlokDS16/Privacy-guard/pkg/models"
	"github.com/shlokDS16/Privacy-guard/pkg/riskengine"
)

// fakeLatticeEvaluator rewards generalizing age and cp with a small
// bump in cohort size and rewards dropping sex with a much larger one,
// so tests can assert the search finds the lowest-IL safe candidate
// rather than just any safe one.
type fakeLatticeEvaluator struct{}

func (fakeLatticeEvaluator) Count(ctx context.Context, pq models.ParsedQuery) (int, error) {
	count := 2
	hasSex, hasAgeBand, hasCPGroup := false, false, false
	for _, f := range pq.Filters {
		switch f.Column {
		case "sex":
			hasSex = true
		case "age_band":
			hasAgeBand = true
		case "cp_group":
			hasCPGroup = true
		}
	}
	if hasAgeBand {
		count += 2
	}
	if hasCPGroup {
		count += 2
	}
	if !hasSex {
		count += 20
	}
	return count, nil
}

func (fakeLatticeEvaluator) DistinctCount(ctx context.Context, pq models.ParsedQuery, column string) (int, error) {
	return 5, nil
}

func (fakeLatticeEvaluator) Aggregate(ctx context.Context, pq models.ParsedQuery) (interface{}, error) {
	return nil, nil
}

func TestSearchPicksLowestILSafeCandidate(t *testing.T) {
	engine := riskengine.New(fakeLatticeEvaluator{})
	policy := models.Policy{KMin: 5, LMin: 2, EnableDropPredicate: true}

	best, err := Search(context.Background(), "SELECT AVG(chol) FROM patient_records WHERE age = 63 AND sex = 1 AND cp = 4", policy, engine)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !best.Safe {
		t.Fatalf("expected a safe candidate, got %+v", best)
	}
	want := "SELECT AVG(chol) FROM patient_records WHERE age = 63 AND cp = 4"
	if best.SQL != want {
		t.Fatalf("got %q want %q", best.SQL, want)
	}
	if best.InfoLoss != 0.3 {
		t.Fatalf("expected IL 0.3, got %v", best.InfoLoss)
	}
}

func TestSearchReturnsUnsafeMinimumWhenNothingSatisfiesPolicy(t *testing.T) {
	engine := riskengine.New(fakeLatticeEvaluator{})
	policy := models.Policy{KMin: 1000, LMin: 2, EnableDropPredicate: false}

	best, err := Search(context.Background(), "SELECT AVG(chol) FROM patient_records WHERE age = 63 AND sex = 1 AND cp = 4", policy, engine)
	if err == nil {
		t.Fatal("expected ErrInfeasible")
	}
	if best.Safe {
		t.Fatalf("did not expect a safe candidate, got %+v", best)
	}
	if best.InfoLoss != 0 {
		t.Fatalf("expected the raw candidate (IL 0) to be the minimum, got %v", best.InfoLoss)
	}
}

func TestSearchLabelsDropRuleDistinctlyFromHeuristic(t *testing.T) {
	engine := riskengine.New(fakeLatticeEvaluator{})
	policy := models.Policy{KMin: 20, LMin: 2, EnableDropPredicate: true}

	best, err := Search(context.Background(), "SELECT AVG(chol) FROM patient_records WHERE sex = 1", policy, engine)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(best.AppliedRules) != 1 || best.AppliedRules[0] != RuleDropSexLattice {
		t.Fatalf("expected applied_rules to contain only %q, got %v", RuleDropSexLattice, best.AppliedRules)
	}
	for _, r := range best.AppliedRules {
		if r == RuleDropSex {
			t.Fatalf("lattice search must never emit the heuristic's bare %q label", RuleDropSex)
		}
	}
}

func TestSearchWithDropDisabledNeverDropsSex(t *testing.T) {
	engine := riskengine.New(fakeLatticeEvaluator{})
	policy := models.Policy{KMin: 5, LMin: 2, EnableDropPredicate: false}

	best, err := Search(context.Background(), "SELECT AVG(chol) FROM patient_records WHERE age = 63 AND sex = 1 AND cp = 4", policy, engine)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, r := range best.AppliedRules {
		if r == RuleDropSexLattice {
			t.Fatalf("did not expect %s when drop predicate is disabled, got %v", RuleDropSexLattice, best.AppliedRules)
		}
	}
}
