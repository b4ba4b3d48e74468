// Package rewrite turns a risky query into a less identifying one: a
// single-pass heuristic for the orchestrator's fast path (C4), and a
// lattice search over combinations of the same rules for when the
// caller wants the minimal-information-loss safe rewrite.
package rewrite

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shlokDS16/Privacy-guard/pkg/models"
)

// Rule identifiers, returned verbatim in applied_rules.
const (
	RuleRawCholToAvg = "R1"
	RuleAgeToBand    = "R2"
	RuleCPToGroup    = "R3'"
	RuleDropSex      = "R4"

	// RuleDropSexLattice is the drop rule's identifier inside the
	// lattice search's applied_rules, distinct from the heuristic's
	// plain "R4".
	RuleDropSexLattice = "R4_DROP_sex"
)

var cpGroup = map[int]string{
	0: "LowRiskSymptoms",
	1: "LowRiskSymptoms",
	2: "MediumRiskSymptoms",
	3: "MediumRiskSymptoms",
	4: "HighRiskSymptoms",
}

var (
	rawCholRe  = regexp.MustCompile(`(?i)select\s+chol\s+from\s+`)
	avgPresent = regexp.MustCompile(`(?i)avg\(`)
	ageEqRe    = regexp.MustCompile(`(?i)\bage\s*=\s*(\d+)\b`)
	cpEqRe     = regexp.MustCompile(`(?i)\bcp\s*=\s*(\d+)\b`)
	sexEqRe    = regexp.MustCompile(`(?i)\bsex\s*=\s*[01]\b`)
	whereRe    = regexp.MustCompile(`(?is)\bwhere\b\s+(.*)$`)
	andSplitRe = regexp.MustCompile(`(?i)\s+and\s+`)
)

// ageBand buckets an age into a decade band, e.g. 63 -> "60-69".
func ageBand(age int) string {
	start := (age / 10) * 10
	return fmt.Sprintf("%d-%d", start, start+9)
}

// Heuristic applies R1, R2, R3' unconditionally when their precondition
// matches, and R4 only when enableDropPredicate is true and the supplied
// analysis still signals risk (decision REWRITE, or a SMALL_GROUP /
// LOW_DIVERSITY factor). It returns the rewritten SQL and the rule
// identifiers applied, in application order.
func Heuristic(sql string, analysis models.Analysis, enableDropPredicate bool) (string, []string) {
	s := strings.TrimSpace(sql)
	var applied []string

	if newSQL, ok := applyRawCholToAvg(s); ok {
		s = newSQL
		applied = append(applied, RuleRawCholToAvg)
	}
	if newSQL, ok := applyAgeToBand(s); ok {
		s = newSQL
		applied = append(applied, RuleAgeToBand)
	}
	if newSQL, ok := applyCPToGroup(s); ok {
		s = newSQL
		applied = append(applied, RuleCPToGroup)
	}
	if enableDropPredicate && stillRisky(analysis) {
		if newSQL, ok := applyDropSex(s); ok {
			s = newSQL
			applied = append(applied, RuleDropSex)
		}
	}
	return s, applied
}

func stillRisky(a models.Analysis) bool {
	if a.Decision == models.DecisionRewrite {
		return true
	}
	for _, f := range a.Factors {
		if f.Code == models.FactorSmallGroup || f.Code == models.FactorLowDiversity {
			return true
		}
	}
	return false
}

func applyRawCholToAvg(sql string) (string, bool) {
	if !rawCholRe.MatchString(sql) || avgPresent.MatchString(sql) {
		return sql, false
	}
	return rawCholRe.ReplaceAllString(sql, "SELECT AVG(chol) FROM "), true
}

func applyAgeToBand(sql string) (string, bool) {
	m := ageEqRe.FindStringSubmatch(sql)
	if m == nil {
		return sql, false
	}
	age, err := strconv.Atoi(m[1])
	if err != nil {
		return sql, false
	}
	replacement := fmt.Sprintf("age_band = '%s'", ageBand(age))
	return ageEqRe.ReplaceAllString(sql, replacement), true
}

func applyCPToGroup(sql string) (string, bool) {
	m := cpEqRe.FindStringSubmatch(sql)
	if m == nil {
		return sql, false
	}
	v, err := strconv.Atoi(m[1])
	if err != nil {
		return sql, false
	}
	group, ok := cpGroup[v]
	if !ok {
		group = "MediumRiskSymptoms"
	}
	replacement := fmt.Sprintf("cp_group = '%s'", group)
	return cpEqRe.ReplaceAllString(sql, replacement), true
}

func applyDropSex(sql string) (string, bool) {
	if !sexEqRe.MatchString(sql) {
		return sql, false
	}
	dropped := dropPredicate(sql, "sex")
	if dropped == sql {
		return sql, false
	}
	return dropped, true
}

// dropPredicate removes the single AND-joined predicate on field from
// sql's WHERE clause, assuming the fixed "WHERE <cond> AND <cond> ..."
// shape the restricted grammar produces. If it was the only predicate,
// the whole WHERE clause is removed.
func dropPredicate(sql, field string) string {
	s := strings.TrimSpace(sql)
	m := whereRe.FindStringSubmatchIndex(s)
	if m == nil {
		return s
	}
	whereStart, whereClauseStart := m[0], m[2]
	prefix := strings.TrimSpace(s[:whereStart])
	whereClause := s[whereClauseStart:m[1]]

	fieldEqRe := regexp.MustCompile(`(?i)^` + regexp.QuoteMeta(field) + `\s*=\s*\S+$`)
	parts := andSplitRe.Split(whereClause, -1)
	var kept []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || fieldEqRe.MatchString(p) {
			continue
		}
		kept = append(kept, p)
	}
	if len(kept) == 0 {
		return prefix
	}
	return prefix + " WHERE " + strings.Join(kept, " AND ")
}
