// Package riskengine estimates cohort size and sensitive-value
// diversity for a parsed query and turns that, plus a couple of
// textual heuristics, into an ALLOW / REWRITE / BLOCK decision (C3).
package riskengine

import (
	"context"
	"errors"
	"regexp"

	"github.com/shlokDS16/Privacy-guard/pkg/models"
	"github.com/shlokDS16/Privacy-guard/pkg/store"
)

// smallGroupFloor is the secondary threshold: below k_min the factor is
// HIGH severity, between k_min and this floor it's only MEDIUM.
const smallGroupFloor = 10

const (
	scoreSmallGroupHigh   = 45
	scoreSmallGroupMedium = 20
	scoreLowDiversity     = 20
	scoreExactAgeSlice    = 10
)

var exactAgeRe = regexp.MustCompile(`(?i)\bage\s*=\s*-?\d+\b`)

// Engine evaluates privacy risk against a store.Evaluator.
type Engine struct {
	Evaluator store.Evaluator
}

func New(ev store.Evaluator) *Engine {
	return &Engine{Evaluator: ev}
}

// Analyze computes k_est and l_est via the evaluator and applies the
// small-group, low-diversity and exact-age-slice scoring rules. rawSQL
// is the original query text. The exact-age-slice heuristic inspects
// it directly, so callers must pass the text that produced parsed, not
// a re-serialization of it.
func (e *Engine) Analyze(ctx context.Context, rawSQL string, parsed models.ParsedQuery, policy models.Policy) models.Analysis {
	// Every column reaching here already cleared the parser's allowlist,
	// so ErrUnknownColumn is not expected in practice; if it does occur it
	// is handled like a parser rejection (BLOCK). Any other store error is
	// surfaced as a DB_NOT_READY analysis.
	kEst, err := e.Evaluator.Count(ctx, parsed)
	if errors.Is(err, store.ErrUnknownColumn) {
		return BlockedAnalysis(err.Error())
	}
	if err != nil {
		return dbNotReady(err)
	}
	lEst, err := e.Evaluator.DistinctCount(ctx, parsed, models.SensitiveBucketColumn)
	if errors.Is(err, store.ErrUnknownColumn) {
		return BlockedAnalysis(err.Error())
	}
	if err != nil {
		return dbNotReady(err)
	}

	factors := []models.Factor{}
	score := 0

	switch {
	case kEst < policy.KMin:
		factors = append(factors, models.Factor{
			Code: models.FactorSmallGroup, Severity: models.SeverityHigh,
			Evidence: map[string]interface{}{"k_est": kEst, "k_min": policy.KMin},
		})
		score += scoreSmallGroupHigh
	case kEst < smallGroupFloor:
		factors = append(factors, models.Factor{
			Code: models.FactorSmallGroup, Severity: models.SeverityMedium,
			Evidence: map[string]interface{}{"k_est": kEst, "k_min": policy.KMin},
		})
		score += scoreSmallGroupMedium
	}

	if lEst < policy.LMin {
		factors = append(factors, models.Factor{
			Code: models.FactorLowDiversity, Severity: models.SeverityMedium,
			Evidence: map[string]interface{}{"l_est": lEst, "l_min": policy.LMin},
		})
		score += scoreLowDiversity
	}

	if exactAgeRe.MatchString(rawSQL) {
		factors = append(factors, models.Factor{
			Code: models.FactorExactAgeSlice, Severity: models.SeverityLow,
		})
		score += scoreExactAgeSlice
	}

	score = clampScore(score)

	decision := models.DecisionAllow
	if kEst < policy.KMin || lEst < policy.LMin || score >= 35 {
		decision = models.DecisionRewrite
	}

	return models.Analysis{
		KEst:      kEst,
		LEst:      lEst,
		RiskScore: score,
		RiskLevel: riskLevel(score),
		Decision:  decision,
		Factors:   factors,
	}
}

func dbNotReady(err error) models.Analysis {
	return models.Analysis{
		KEst:      0,
		LEst:      0,
		RiskScore: 80,
		RiskLevel: models.RiskHigh,
		Decision:  models.DecisionRewrite,
		Factors: []models.Factor{{
			Code:     models.FactorDBNotReady,
			Severity: models.SeverityHigh,
			Evidence: map[string]interface{}{"reason": unwrapMessage(err)},
		}},
	}
}

func unwrapMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func riskLevel(score int) string {
	switch {
	case score >= 70:
		return models.RiskHigh
	case score >= 35:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// BlockedAnalysis builds the Analysis returned when the parser rejected
// the query before the risk engine ever ran.
func BlockedAnalysis(reason string) models.Analysis {
	return models.Analysis{
		KEst:      0,
		LEst:      0,
		RiskScore: 95,
		RiskLevel: models.RiskHigh,
		Decision:  models.DecisionBlock,
		Factors: []models.Factor{{
			Code:     models.FactorSQLNotAllowed,
			Severity: models.SeverityHigh,
			Evidence: map[string]interface{}{"reason": reason},
		}},
	}
}

// HasFactor reports whether an Analysis carries a factor with the given code.
func HasFactor(a models.Analysis, code string) bool {
	for _, f := range a.Factors {
		if f.Code == code {
			return true
		}
	}
	return false
}
