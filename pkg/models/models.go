// Package models holds the request-scoped data types shared by every
// component of the privacy gateway: the parsed query, the risk
// assessment, the policy a request is evaluated against, and the
// receipt a successful execution produces.
package models

// Aggregate functions the restricted grammar accepts.
const (
	AggAvg   = "AVG"
	AggSum   = "SUM"
	AggCount = "COUNT"
	AggMin   = "MIN"
	AggMax   = "MAX"
)

// AllowedAggregates is the fixed aggregate-function allowlist.
var AllowedAggregates = map[string]struct{}{
	AggAvg: {}, AggSum: {}, AggCount: {}, AggMin: {}, AggMax: {},
}

// AllowedTable is the only table the grammar may reference.
const AllowedTable = "patient_records"

// Quasi-identifier columns: combined, these can re-identify a row.
var QuasiIdentifierColumns = map[string]struct{}{
	"age": {}, "sex": {}, "cp": {},
}

// SensitiveColumns hold clinical values the policy protects.
var SensitiveColumns = map[string]struct{}{
	"trestbps": {}, "chol": {}, "fbs": {}, "thalach": {}, "target": {},
}

// DerivedColumns are generalization targets produced by the rewrite engine.
var DerivedColumns = map[string]struct{}{
	"age_band": {}, "cp_group": {}, "chol_level": {},
}

// SensitiveBucketColumn is the designated l-diversity column.
const SensitiveBucketColumn = "chol_level"

// AllowedColumns is the union of every column the parser and evaluator
// may reference, in either the aggregate position or a filter predicate.
var AllowedColumns = unionColumns(QuasiIdentifierColumns, SensitiveColumns, DerivedColumns)

func unionColumns(sets ...map[string]struct{}) map[string]struct{} {
	out := map[string]struct{}{}
	for _, s := range sets {
		for k := range s {
			out[k] = struct{}{}
		}
	}
	return out
}

// IsAllowedColumn reports whether col is in the fixed schema allowlist.
func IsAllowedColumn(col string) bool {
	_, ok := AllowedColumns[col]
	return ok
}

// Operator is one of the six comparison operators the grammar accepts.
type Operator string

const (
	OpEq Operator = "="
	OpNe Operator = "!="
	OpLt Operator = "<"
	OpLe Operator = "<="
	OpGt Operator = ">"
	OpGe Operator = ">="
)

// Filter is one WHERE predicate: column <op> literal.
type Filter struct {
	Column   string      `json:"column"`
	Operator Operator    `json:"operator"`
	Literal  interface{} `json:"literal"`
}

// ParsedQuery is the product of the restricted SQL parser (C1).
type ParsedQuery struct {
	AggFn   string   `json:"agg_fn"`
	AggCol  string   `json:"agg_col"`
	Filters []Filter `json:"filters"`
}

// Severity levels for risk factors.
const (
	SeverityLow    = "LOW"
	SeverityMedium = "MEDIUM"
	SeverityHigh   = "HIGH"
)

// Factor codes emitted by the risk engine.
const (
	FactorSmallGroup     = "SMALL_GROUP"
	FactorLowDiversity   = "LOW_DIVERSITY"
	FactorExactAgeSlice  = "EXACT_AGE_SLICE"
	FactorSQLNotAllowed  = "SQL_NOT_ALLOWED"
	FactorDBNotReady     = "DB_NOT_READY"
)

// Factor is one risk signal contributing to the decision.
type Factor struct {
	Code     string                 `json:"code"`
	Severity string                 `json:"severity"`
	Evidence map[string]interface{} `json:"evidence,omitempty"`
}

// Risk levels.
const (
	RiskLow    = "LOW"
	RiskMedium = "MEDIUM"
	RiskHigh   = "HIGH"
)

// Decisions.
const (
	DecisionAllow             = "ALLOW"
	DecisionRewrite           = "REWRITE"
	DecisionBlock             = "BLOCK"
	DecisionRewriteAndExecute = "REWRITE_AND_EXECUTE"
)

// Analysis is the product of the risk engine (C3).
type Analysis struct {
	KEst      int      `json:"k_est"`
	LEst      int      `json:"l_est"`
	RiskScore int      `json:"risk_score"`
	RiskLevel string   `json:"risk_level"`
	Decision  string   `json:"decision"`
	Factors   []Factor `json:"factors"`
}

// DPConfig reserves a differential-privacy slot for a future noise
// mechanism; no mechanism is implemented yet.
type DPConfig struct {
	Enabled bool `json:"enabled"`
}

// Policy is process-wide configuration, read-only within a single request.
type Policy struct {
	KMin                int      `json:"k_min"`
	LMin                int      `json:"l_min"`
	EnableDropPredicate bool     `json:"enable_drop_predicate"`
	DP                  DPConfig `json:"dp"`
}

const (
	kMinFloor, kMinCeil = 2, 50
	lMinFloor, lMinCeil = 1, 10
)

// DefaultPolicy returns the documented defaults: k_min=5, l_min=2,
// enable_drop_predicate=true.
func DefaultPolicy() Policy {
	return Policy{KMin: 5, LMin: 2, EnableDropPredicate: true}
}

// NormalizePolicy clamps a caller-supplied policy into the bounds the
// data model declares invariant (k_min in [2,50], l_min in [1,10]),
// regardless of how the caller's external policy store produced it.
func NormalizePolicy(p Policy) Policy {
	p.KMin = clamp(p.KMin, kMinFloor, kMinCeil)
	p.LMin = clamp(p.LMin, lMinFloor, lMinCeil)
	return p
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ResultSummary captures what an executed query produced.
type ResultSummary struct {
	Rows       int           `json:"rows"`
	Aggregates []interface{} `json:"aggregates"`
}

// Query is the raw and (possibly) rewritten SQL text for a receipt.
type Query struct {
	RawSQL       string  `json:"raw_sql"`
	RewrittenSQL *string `json:"rewritten_sql"`
}

// RiskAssessment is the receipt's embedded view of an Analysis.
type RiskAssessment struct {
	RiskScore int      `json:"risk_score"`
	RiskLevel string   `json:"risk_level"`
	KEst      int      `json:"k_est"`
	LEst      int      `json:"l_est"`
	Factors   []Factor `json:"factors"`
}

// RewriteInfo records which rules the rewrite engine applied.
type RewriteInfo struct {
	Decision     string   `json:"decision"`
	AppliedRules []string `json:"applied_rules"`
}

// Execution records what ran, if anything.
type Execution struct {
	ResultSummary *ResultSummary `json:"result_summary"`
}

// Signature is the Ed25519 signature block of a receipt.
type Signature struct {
	Algo        string `json:"algo"`
	PublicKeyID string `json:"public_key_id"`
	Sig         string `json:"sig,omitempty"`
}

// ReceiptPolicy is the policy snapshot embedded in a receipt.
type ReceiptPolicy struct {
	KMin int      `json:"k_min"`
	LMin int      `json:"l_min"`
	DP   DPConfig `json:"dp"`
}

// Receipt is the canonical, hash-chained, signed record of one executed
// query.
type Receipt struct {
	ReceiptVersion   string         `json:"receipt_version"`
	TimestampUTC     string         `json:"timestamp_utc"`
	PrevReceiptHash  *string        `json:"prev_receipt_hash"`
	Query            Query          `json:"query"`
	Policy           ReceiptPolicy  `json:"policy"`
	RiskAssessment   RiskAssessment `json:"risk_assessment"`
	Rewrite          RewriteInfo    `json:"rewrite"`
	Execution        Execution      `json:"execution"`
	Signature        Signature      `json:"signature"`
	ReceiptHash      string         `json:"receipt_hash,omitempty"`
}
