package rewrite

import (
	"context"
	"errors"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/shlokDS16/Privacy-guard/pkg/models"
	"github.com/shlokDS16/Privacy-guard/pkg/riskengine"
	"github.com/shlokDS16/Privacy-guard/pkg/sqlparser"
)

// ErrInfeasible means the lattice search produced no candidate that
// both reparses under the restricted grammar and satisfies policy; the
// caller receives the minimum-IL candidate regardless.
var ErrInfeasible = errors.New("rewrite: no safe candidate found")

// Candidate is one point in the lattice the search considered.
type Candidate struct {
	SQL          string
	AppliedRules []string
	Analysis     models.Analysis
	InfoLoss     float64
	Safe         bool
}

const maxParallelAnalyses = 8

// Search builds the candidate lattice from sql (the raw query, each
// single generalization/drop rule, every pair of them, and the
// R4+R2+R3' triple when R4 is in play), re-analyzes each one against
// the store through engine, and returns the minimal-information-loss
// safe candidate, or, if none is safe, the minimum-IL candidate of
// whatever was produced, wrapped in ErrInfeasible so the caller can
// decide whether to execute it or block.
func Search(ctx context.Context, sql string, policy models.Policy, engine *riskengine.Engine) (Candidate, error) {
	variants := buildVariants(sql, policy.EnableDropPredicate)

	candidates := make([]Candidate, len(variants))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelAnalyses)
	for i, v := range variants {
		i, v := i, v
		g.Go(func() error {
			candidates[i] = analyzeVariant(gctx, engine, v, policy)
			return nil
		})
	}
	_ = g.Wait() // analyzeVariant never returns an error; infeasible variants become unsafe candidates

	best := rank(candidates)
	if !best.Safe {
		return best, ErrInfeasible
	}
	return best, nil
}

// variant is a not-yet-analyzed candidate: the text produced by a rule
// subset, plus the rule names that produced it.
type variant struct {
	sql   string
	rules []string
}

func buildVariants(sql string, enableDropPredicate bool) []variant {
	raw := strings.TrimSpace(sql)

	type rule struct {
		name  string
		apply func(string) (string, bool)
	}
	rules := []rule{
		{RuleAgeToBand, applyAgeToBand},
		{RuleCPToGroup, applyCPToGroup},
	}
	if enableDropPredicate {
		rules = append(rules, rule{RuleDropSexLattice, applyDropSex})
	}

	seen := map[string]bool{raw: true}
	variants := []variant{{sql: raw}}

	add := func(names []string, text string) {
		if seen[text] {
			return
		}
		seen[text] = true
		variants = append(variants, variant{sql: text, rules: append([]string(nil), names...)})
	}

	// Single-rule and pairwise combinations, applied in the fixed order
	// R2, R3', R4 regardless of enumeration order.
	for i := range rules {
		s1, ok1 := rules[i].apply(raw)
		if !ok1 {
			continue
		}
		add([]string{rules[i].name}, s1)
		for j := i + 1; j < len(rules); j++ {
			s2, ok2 := rules[j].apply(s1)
			if !ok2 {
				continue
			}
			add([]string{rules[i].name, rules[j].name}, s2)
		}
	}

	// The R4+R2+R3' triple, called out explicitly alongside the pairs.
	if enableDropPredicate {
		s, names := raw, []string{}
		if s2, ok := applyAgeToBand(s); ok {
			s, names = s2, append(names, RuleAgeToBand)
		}
		if s2, ok := applyCPToGroup(s); ok {
			s, names = s2, append(names, RuleCPToGroup)
		}
		if s2, ok := applyDropSex(s); ok {
			s, names = s2, append(names, RuleDropSexLattice)
		}
		if len(names) == 3 {
			add(names, s)
		}
	}

	return variants
}

func analyzeVariant(ctx context.Context, engine *riskengine.Engine, v variant, policy models.Policy) Candidate {
	parsed, err := sqlparser.Parse(v.sql)
	if err != nil {
		return Candidate{SQL: v.sql, AppliedRules: v.rules, InfoLoss: infoLoss(v.rules), Safe: false}
	}
	analysis := engine.Analyze(ctx, v.sql, parsed, policy)
	safe := analysis.Decision == models.DecisionAllow &&
		analysis.KEst >= policy.KMin &&
		analysis.LEst >= policy.LMin
	return Candidate{
		SQL:          v.sql,
		AppliedRules: v.rules,
		Analysis:     analysis,
		InfoLoss:     infoLoss(v.rules),
		Safe:         safe,
	}
}

func infoLoss(rules []string) float64 {
	var il float64
	for _, r := range rules {
		switch r {
		case RuleAgeToBand:
			il += 0.6
		case RuleCPToGroup:
			il += 0.4
		case RuleDropSexLattice:
			il += 0.3
		}
	}
	return il
}

// rank orders candidates by (safe first, then ascending IL), breaking
// ties by original insertion order via a stable sort, and returns the
// winner. candidates is not mutated in place; rank sorts a copy.
func rank(candidates []Candidate) Candidate {
	ranked := append([]Candidate(nil), candidates...)
	sort.SliceStable(ranked, func(a, b int) bool {
		if ranked[a].Safe != ranked[b].Safe {
			return ranked[a].Safe
		}
		return ranked[a].InfoLoss < ranked[b].InfoLoss
	})
	return ranked[0]
}
