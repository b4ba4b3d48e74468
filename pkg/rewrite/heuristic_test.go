package rewrite

import (
	"reflect"
	"testing"

	"github.com/shlokDS16/Privacy-guard/pkg/models"
)

func TestHeuristicAgeAndCPGeneralizationInSourceOrder(t *testing.T) {
	sql := "SELECT AVG(chol) FROM patient_records WHERE age = 63 AND sex = 1 AND cp = 4"
	analysis := models.Analysis{Decision: models.DecisionRewrite}

	got, rules := Heuristic(sql, analysis, false)

	want := "SELECT AVG(chol) FROM patient_records WHERE age_band = '60-69' AND sex = 1 AND cp_group = 'HighRiskSymptoms'"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if !reflect.DeepEqual(rules, []string{RuleAgeToBand, RuleCPToGroup}) {
		t.Fatalf("unexpected applied rules: %v", rules)
	}
}

func TestHeuristicRawCholThenAgeBand(t *testing.T) {
	sql := "SELECT chol FROM patient_records WHERE age = 50"
	analysis := models.Analysis{Decision: models.DecisionAllow}

	got, rules := Heuristic(sql, analysis, false)

	want := "SELECT AVG(chol) FROM patient_records WHERE age_band = '50-59'"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if !reflect.DeepEqual(rules, []string{RuleRawCholToAvg, RuleAgeToBand}) {
		t.Fatalf("unexpected applied rules: %v", rules)
	}
}

func TestHeuristicR1SkippedWhenAvgAlreadyPresent(t *testing.T) {
	sql := "SELECT AVG(chol) FROM patient_records"
	_, rules := Heuristic(sql, models.Analysis{}, false)
	for _, r := range rules {
		if r == RuleRawCholToAvg {
			t.Fatalf("did not expect R1, got %v", rules)
		}
	}
}

func TestHeuristicDropsSexWhenEnabledAndStillRisky(t *testing.T) {
	sql := "SELECT AVG(chol) FROM patient_records WHERE sex = 1"
	analysis := models.Analysis{
		Decision: models.DecisionRewrite,
		Factors:  []models.Factor{{Code: models.FactorSmallGroup}},
	}
	got, rules := Heuristic(sql, analysis, true)
	want := "SELECT AVG(chol) FROM patient_records"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if !reflect.DeepEqual(rules, []string{RuleDropSex}) {
		t.Fatalf("unexpected applied rules: %v", rules)
	}
}

func TestHeuristicDropsSexAmongMultiplePredicates(t *testing.T) {
	sql := "SELECT AVG(chol) FROM patient_records WHERE age_band = '50-59' AND sex = 0 AND cp_group = 'LowRiskSymptoms'"
	analysis := models.Analysis{Decision: models.DecisionRewrite}
	got, rules := Heuristic(sql, analysis, true)
	want := "SELECT AVG(chol) FROM patient_records WHERE age_band = '50-59' AND cp_group = 'LowRiskSymptoms'"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if !reflect.DeepEqual(rules, []string{RuleDropSex}) {
		t.Fatalf("unexpected applied rules: %v", rules)
	}
}

func TestHeuristicDoesNotDropSexWhenDisabled(t *testing.T) {
	sql := "SELECT AVG(chol) FROM patient_records WHERE sex = 1"
	analysis := models.Analysis{Decision: models.DecisionRewrite}
	got, rules := Heuristic(sql, analysis, false)
	if got != sql {
		t.Fatalf("expected sql unchanged, got %q", got)
	}
	if len(rules) != 0 {
		t.Fatalf("expected no rules applied, got %v", rules)
	}
}

func TestHeuristicDoesNotDropSexWhenNotRisky(t *testing.T) {
	sql := "SELECT AVG(chol) FROM patient_records WHERE sex = 1"
	analysis := models.Analysis{Decision: models.DecisionAllow}
	got, _ := Heuristic(sql, analysis, true)
	if got != sql {
		t.Fatalf("expected sql unchanged, got %q", got)
	}
}

func TestAgeBandFormatsDecade(t *testing.T) {
	if got := ageBand(63); got != "60-69" {
		t.Fatalf("got %q", got)
	}
	if got := ageBand(0); got != "0-9" {
		t.Fatalf("got %q", got)
	}
}
