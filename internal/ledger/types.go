// Package ledger is the self-calibrating savings ledger: online Welford
// baselines per workload bucket, three-tier baseline estimation, confidence
// scoring, and append-only savings rows. Storage is behind small interfaces;
// the core never performs I/O on the response path.
package ledger

import (
	"context"
)

// SavingsType grades how a row's baseline was obtained.
type SavingsType string

const (
	// SavingsVerified means baseline and optimized runs were both measured
	// in the same evaluation.
	SavingsVerified SavingsType = "verified"
	// SavingsShadowVerified means the baseline was measured by a shadow run
	// that was never shown to the caller.
	SavingsShadowVerified SavingsType = "shadow_verified"
	// SavingsEstimated means the baseline came from the estimator.
	SavingsEstimated SavingsType = "estimated"
)

// Baseline sources recorded on rows and estimates.
const (
	SourceSample   = "sample"
	SourceNearest  = "nearest"
	SourceFallback = "fallback"
	SourceMeasured = "measured"
)

// BaselineSample is the Welford state for one workload bucket: n, mean and
// M2 for tokens and cost. No raw history is retained.
type BaselineSample struct {
	WorkloadKey   string  `json:"workload_key"`
	N             int64   `json:"n"`
	TokensMean    float64 `json:"tokens_mean"`
	TokensM2      float64 `json:"tokens_m2"`
	CostMean      float64 `json:"cost_mean"`
	CostM2        float64 `json:"cost_m2"`
	UpdatedUnixMs int64   `json:"updated_at_unix_ms"`
}

// TokensVariance is the sample variance of observed token counts.
func (s BaselineSample) TokensVariance() float64 {
	if s.N < 2 {
		return 0
	}
	return s.TokensM2 / float64(s.N-1)
}

// CostVariance is the sample variance of observed costs.
func (s BaselineSample) CostVariance() float64 {
	if s.N < 2 {
		return 0
	}
	return s.CostM2 / float64(s.N-1)
}

// Fold advances the Welford state by one observation. Exact incremental
// mean/variance, O(1) per sample.
func Fold(s BaselineSample, workloadKey string, tokens, costUSD float64, atUnixMs int64) BaselineSample {
	out := s
	out.WorkloadKey = workloadKey
	out.N = s.N + 1
	n := float64(out.N)

	dTok := tokens - s.TokensMean
	out.TokensMean = s.TokensMean + dTok/n
	out.TokensM2 = s.TokensM2 + dTok*(tokens-out.TokensMean)

	dCost := costUSD - s.CostMean
	out.CostMean = s.CostMean + dCost/n
	out.CostM2 = s.CostM2 + dCost*(costUSD-out.CostMean)

	out.UpdatedUnixMs = atUnixMs
	return out
}

// BaselineEstimate is one resolved baseline for a workload bucket.
type BaselineEstimate struct {
	WorkloadKey string  `json:"workload_key"`
	Tokens      float64 `json:"tokens"`
	CostUSD     float64 `json:"cost_usd"`
	Source      string  `json:"source"`
	N           int64   `json:"n"`
	Confidence  float64 `json:"confidence"`
}

// Row is one append-only savings record.
type Row struct {
	ID               string      `json:"id"`
	RunID            string      `json:"run_id,omitempty"`
	ConversationID   string      `json:"conversation_id,omitempty"`
	WorkloadKey      string      `json:"workload_key"`
	SavingsType      SavingsType `json:"savings_type"`
	BaselineTokens   int64       `json:"baseline_tokens"`
	OptimizedTokens  int64       `json:"optimized_tokens"`
	BaselineCostUSD  float64     `json:"baseline_cost_usd"`
	OptimizedCostUSD float64     `json:"optimized_cost_usd"`
	TokensSaved      int64       `json:"tokens_saved"`
	CostSavedUSD     float64     `json:"cost_saved_usd"`
	PctSaved         float64     `json:"pct_saved"`
	Confidence       float64     `json:"confidence"`
	BaselineSource   string      `json:"baseline_source"`
	CreatedUnixMs    int64       `json:"created_at_unix_ms"`
}

// SampleStore persists Welford baseline state per workload key. UpsertSample
// folds one observation atomically per key; two concurrent folds for the
// same bucket must both land.
type SampleStore interface {
	GetSample(ctx context.Context, workloadKey string) (BaselineSample, bool, error)
	// NearestSample returns the closest bucket sharing path, provider and
	// model with the given key but a different size class, holding at least
	// minN observations.
	NearestSample(ctx context.Context, workloadKey string, minN int64) (BaselineSample, bool, error)
	UpsertSample(ctx context.Context, workloadKey string, tokens, costUSD float64, atUnixMs int64) error
}

// RowStore persists savings rows. Append-only: no update operation exists.
type RowStore interface {
	AppendRow(ctx context.Context, row Row) error
	ListRows(ctx context.Context, workloadKey string, limit int) ([]Row, error)
}
