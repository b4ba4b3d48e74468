// Package gateway wires the restricted SQL parser, risk engine, rewrite
// engine, query evaluator and receipt engine into the three operations
// an external caller actually needs: analyze, execute, verify (C6).
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shlokDS16/Privacy-guard/pkg/models"
	"github.com/shlokDS16/Privacy-guard/pkg/receipt"
	"github.com/shlokDS16/Privacy-guard/pkg/rewrite"
	"github.com/shlokDS16/Privacy-guard/pkg/riskengine"
	"github.com/shlokDS16/Privacy-guard/pkg/sqlparser"
	"github.com/shlokDS16/Privacy-guard/pkg/store"
)

// ErrRewriteRequired is returned by Execute when the risk engine demands
// a rewrite and the caller did not opt in to one.
var ErrRewriteRequired = errors.New("gateway: rewrite required by policy")

// analysisCacheTTL bounds how long a risk analysis for a given
// (sql, policy) pair is reused before the store is asked again.
const analysisCacheTTL = 30 * time.Second

// Orchestrator composes C1–C5 behind the three public operations. It
// holds no state of its own beyond its collaborators, apart from the
// optional analysis cache. The one piece of shared mutable state that
// matters for correctness, the receipt hash-chain head, lives in the
// receipt.Chain it was built with; Cache is a nil-safe read-through
// optimization and never affects what a caller sees.
type Orchestrator struct {
	Risk    *riskengine.Engine
	Eval    store.Evaluator
	Receipt *receipt.Engine
	Cache   store.Cache
}

func New(risk *riskengine.Engine, eval store.Evaluator, rcpt *receipt.Engine, cache store.Cache) *Orchestrator {
	return &Orchestrator{Risk: risk, Eval: eval, Receipt: rcpt, Cache: cache}
}

// AnalyzeResult is what Analyze hands back to a caller: the risk
// assessment plus, if a rewrite would help, the exact SQL it would
// produce so a caller can preview it before opting in.
type AnalyzeResult struct {
	Analysis             models.Analysis
	SuggestedRewriteSQL  *string
	AppliedRules         []string
}

// Analyze parses and risk-scores sql without ever touching the store's
// write path or issuing a receipt.
func (o *Orchestrator) Analyze(ctx context.Context, sql string, policy models.Policy) AnalyzeResult {
	policy = models.NormalizePolicy(policy)
	parsed, err := sqlparser.Parse(sql)
	if err != nil {
		return AnalyzeResult{Analysis: riskengine.BlockedAnalysis(reasonOf(err))}
	}

	analysis := o.riskAnalysis(ctx, sql, parsed, policy)
	result := AnalyzeResult{Analysis: analysis}
	if analysis.Decision == models.DecisionRewrite {
		rewritten, rules := rewrite.Heuristic(sql, analysis, policy.EnableDropPredicate)
		if rewritten != sql {
			result.SuggestedRewriteSQL = &rewritten
			result.AppliedRules = rules
		}
	}
	return result
}

// ExecuteResult is the outcome of Execute: either a blocked request
// (Receipt is nil) or a completed one (Receipt is set).
type ExecuteResult struct {
	Status   string
	Reason   string
	FinalSQL *string
	Result   *models.ResultSummary
	Receipt  *models.Receipt
	Analysis models.Analysis
}

const (
	StatusOK      = "ok"
	StatusBlocked = "blocked"
)

// Execute runs the full parse → analyze → rewrite → parse → execute →
// re-analyze → receipt sequence. Each step only ever sees the output of
// the step before it; no step is allowed to peek ahead.
func (o *Orchestrator) Execute(ctx context.Context, sql string, acceptRewrite bool, policy models.Policy) (ExecuteResult, error) {
	policy = models.NormalizePolicy(policy)

	parsed, err := sqlparser.Parse(sql)
	if err != nil {
		reason := reasonOf(err)
		return ExecuteResult{Status: StatusBlocked, Reason: reason, Analysis: riskengine.BlockedAnalysis(reason)}, nil
	}

	analysis := o.riskAnalysis(ctx, sql, parsed, policy)

	switch analysis.Decision {
	case models.DecisionBlock:
		return ExecuteResult{Status: StatusBlocked, Reason: "query rejected", Analysis: analysis}, nil
	case models.DecisionRewrite:
		if !acceptRewrite {
			return ExecuteResult{Status: StatusBlocked, Reason: "Rewrite required by policy", Analysis: analysis}, nil
		}
	}

	finalSQL := sql
	var appliedRules []string
	if analysis.Decision == models.DecisionRewrite {
		finalSQL, appliedRules = rewrite.Heuristic(sql, analysis, policy.EnableDropPredicate)
	}

	finalParsed, err := sqlparser.Parse(finalSQL)
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("gateway: rewritten sql failed to re-parse: %w", err)
	}

	if _, err := o.Eval.Aggregate(ctx, finalParsed); err != nil {
		return ExecuteResult{}, fmt.Errorf("gateway: execute: %w", err)
	}
	metric := fmt.Sprintf("%s(%s)", finalParsed.AggFn, finalParsed.AggCol)
	resultSummary := &models.ResultSummary{Rows: 1, Aggregates: []interface{}{metric}}

	postAnalysis := o.riskAnalysis(ctx, finalSQL, finalParsed, policy)

	decision := postAnalysis.Decision
	var rewrittenSQL *string
	if finalSQL != sql {
		decision = models.DecisionRewriteAndExecute
		rewrittenSQL = &finalSQL
	}

	r, err := o.Receipt.Issue(receipt.IssueInput{
		RawSQL:        sql,
		RewrittenSQL:  rewrittenSQL,
		Decision:      decision,
		Analysis:      postAnalysis,
		AppliedRules:  appliedRules,
		ResultSummary: resultSummary,
		Policy:        policy,
	})
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("gateway: issue receipt: %w", err)
	}

	return ExecuteResult{
		Status:   StatusOK,
		FinalSQL: &finalSQL,
		Result:   resultSummary,
		Receipt:  &r,
		Analysis: postAnalysis,
	}, nil
}

// Verify delegates straight to the receipt engine.
func (o *Orchestrator) Verify(r models.Receipt) receipt.VerifyResult {
	return o.Receipt.Verify(r)
}

// riskAnalysis is the one place analyze and execute both ask the risk
// engine for k_est/l_est/decision, so a cache hit here benefits both
// operations. A miss or a nil Cache falls straight through to the
// engine; cache errors are never surfaced, a cold cache behaves exactly
// like no cache at all.
func (o *Orchestrator) riskAnalysis(ctx context.Context, sql string, parsed models.ParsedQuery, policy models.Policy) models.Analysis {
	if o.Cache == nil {
		return o.Risk.Analyze(ctx, sql, parsed, policy)
	}

	key := analysisCacheKey(sql, policy)
	if raw, err := o.Cache.Get(ctx, key); err == nil {
		var cached models.Analysis
		if json.Unmarshal([]byte(raw), &cached) == nil {
			return cached
		}
	}

	analysis := o.Risk.Analyze(ctx, sql, parsed, policy)
	if raw, err := json.Marshal(analysis); err == nil {
		_ = o.Cache.Set(ctx, key, string(raw), analysisCacheTTL)
	}
	return analysis
}

func analysisCacheKey(sql string, policy models.Policy) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d|%t",
		strings.TrimSpace(sql), policy.KMin, policy.LMin, policy.EnableDropPredicate)))
	return "gateway:analysis:" + hex.EncodeToString(sum[:])
}

func reasonOf(err error) string {
	var nae *sqlparser.NotAllowedError
	if errors.As(err, &nae) {
		return nae.Reason
	}
	return err.Error()
}
