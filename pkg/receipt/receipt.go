// Package receipt canonically serializes, hash-chains, signs and
// verifies the record of one executed query (C5).
package receipt

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shlokDS16/Privacy-guard/pkg/models"
)

// ErrVerification is returned by Issue when the receipt it just built
// cannot be canonicalized or hashed; that is a programmer error (an
// unsupported value reached the envelope), never a caller mistake.
var ErrVerification = errors.New("receipt: could not hash envelope")

const defaultSigningSeed = "demo-only-change-me"
const publicKeyID = "demo_key_01"

// Signer holds the Ed25519 keypair derived from PG_SIGNING_SEED.
type Signer struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	keyID string
}

// NewSignerFromEnv derives the signing key from SHA-256(PG_SIGNING_SEED),
// falling back to the documented demo seed when the variable is unset.
// This mirrors the source system's key derivation for receipt
// compatibility; it is not meant to be a production key-management
// scheme. A real deployment should accept a 32-byte key directly.
func NewSignerFromEnv() *Signer {
	seed := os.Getenv("PG_SIGNING_SEED")
	if strings.TrimSpace(seed) == "" {
		seed = defaultSigningSeed
	}
	return NewSignerFromSeed(seed)
}

func NewSignerFromSeed(seed string) *Signer {
	digest := sha256.Sum256([]byte(seed))
	priv := ed25519.NewKeyFromSeed(digest[:])
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey), keyID: publicKeyID}
}

// Chain owns the process-scoped hash-chain head. It is an explicit,
// constructible object rather than package state so tests can run a
// fresh chain per case and concurrent issuers serialize on its mutex.
type Chain struct {
	mu       sync.Mutex
	prevHash *string
}

func NewChain() *Chain {
	return &Chain{}
}

// Head returns the hash of the most recently issued receipt, or nil
// if none has been issued yet on this chain.
func (c *Chain) Head() *string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prevHash
}

// Engine issues and verifies receipts against one Signer and one Chain.
type Engine struct {
	Signer *Signer
	Chain  *Chain
}

func New(signer *Signer, chain *Chain) *Engine {
	return &Engine{Signer: signer, Chain: chain}
}

// IssueInput bundles everything one receipt needs to describe the
// query that executed and the posture it executed under.
type IssueInput struct {
	RawSQL        string
	RewrittenSQL  *string
	Decision      string
	Analysis      models.Analysis
	AppliedRules  []string
	ResultSummary *models.ResultSummary
	Policy        models.Policy
}

// Issue builds, hashes, signs and chains a new receipt. The hash-chain
// head only advances after a successful issue; a caller that never
// calls Issue (e.g. because the request was cancelled) leaves the
// chain untouched.
func (e *Engine) Issue(in IssueInput) (models.Receipt, error) {
	e.Chain.mu.Lock()
	defer e.Chain.mu.Unlock()

	r := models.Receipt{
		ReceiptVersion:  "1.0",
		TimestampUTC:    time.Now().UTC().Format("2006-01-02T15:04:05.000000Z"),
		PrevReceiptHash: e.Chain.prevHash,
		Query: models.Query{
			RawSQL:       in.RawSQL,
			RewrittenSQL: in.RewrittenSQL,
		},
		Policy: models.ReceiptPolicy{
			KMin: in.Policy.KMin,
			LMin: in.Policy.LMin,
			DP:   in.Policy.DP,
		},
		RiskAssessment: models.RiskAssessment{
			RiskScore: in.Analysis.RiskScore,
			RiskLevel: in.Analysis.RiskLevel,
			KEst:      in.Analysis.KEst,
			LEst:      in.Analysis.LEst,
			Factors:   in.Analysis.Factors,
		},
		Rewrite: models.RewriteInfo{
			Decision:     in.Decision,
			AppliedRules: appliedRulesOrEmpty(in.AppliedRules),
		},
		Execution: models.Execution{
			ResultSummary: in.ResultSummary,
		},
		Signature: models.Signature{
			Algo:        "ed25519",
			PublicKeyID: e.Signer.keyID,
		},
	}

	digest, err := hashEnvelope(r)
	if err != nil {
		return models.Receipt{}, fmt.Errorf("%w: %v", ErrVerification, err)
	}
	sig := ed25519.Sign(e.Signer.priv, digest)

	r.ReceiptHash = "sha256:" + hex.EncodeToString(digest)
	r.Signature.Sig = "base64:" + base64.StdEncoding.EncodeToString(sig)

	e.Chain.prevHash = &r.ReceiptHash
	return r, nil
}

func appliedRulesOrEmpty(rules []string) []string {
	if rules == nil {
		return []string{}
	}
	return rules
}

// hashEnvelope canonicalizes r with receipt_hash and signature.sig
// cleared, then returns the raw 32-byte SHA-256 digest.
func hashEnvelope(r models.Receipt) ([]byte, error) {
	r.ReceiptHash = ""
	r.Signature.Sig = ""
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	canon, err := models.CanonicalizeJSONAllowFloat(raw)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(canon)
	return digest[:], nil
}

// VerifyResult is the outcome of checking a receipt's hash and
// signature. Verify never returns a Go error; every failure mode is
// reported through this struct, matching the contract callers rely on.
type VerifyResult struct {
	Valid      bool
	Reason     string
	Recomputed string
}

// Verify recomputes a receipt's hash and checks its Ed25519 signature.
// A malformed receipt (missing hash, malformed base64, …) is reported
// as invalid rather than propagated as an error.
func (e *Engine) Verify(r models.Receipt) (result VerifyResult) {
	defer func() {
		if rec := recover(); rec != nil {
			result = VerifyResult{Valid: false, Reason: fmt.Sprintf("Verification error: %v", rec)}
		}
	}()

	sigStr := r.Signature.Sig
	if !strings.HasPrefix(sigStr, "base64:") {
		return VerifyResult{Valid: false, Reason: "Missing signature"}
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sigStr, "base64:"))
	if err != nil {
		return VerifyResult{Valid: false, Reason: "Verification error: malformed signature"}
	}

	claimed := r.ReceiptHash
	if !strings.HasPrefix(claimed, "sha256:") {
		return VerifyResult{Valid: false, Reason: "Missing receipt_hash"}
	}

	digest, err := hashEnvelope(r)
	if err != nil {
		return VerifyResult{Valid: false, Reason: "Verification error: " + err.Error()}
	}
	recomputed := "sha256:" + hex.EncodeToString(digest)
	if recomputed != claimed {
		return VerifyResult{Valid: false, Reason: "Hash mismatch", Recomputed: recomputed}
	}

	if !ed25519.Verify(e.Signer.pub, digest, sig) {
		return VerifyResult{Valid: false, Reason: "Verification error: signature mismatch"}
	}
	return VerifyResult{Valid: true, Reason: "OK"}
}
