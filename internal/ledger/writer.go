package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrQualityFailed is returned when a verified write is attempted for a run
// that failed the quality guard. Savings are only comparable between
// quality-equivalent outputs, so such runs never become verified rows.
var ErrQualityFailed = errors.New("ledger: quality guard failed, verified row refused")

// WriterOptions configures a Writer. Now defaults to time.Now.
type WriterOptions struct {
	Rows    RowStore
	Sampler *Sampler
	Logger  *slog.Logger
	Now     func() time.Time
}

// Writer appends savings rows and feeds measured baselines back into the
// sampler so future estimates sharpen over time.
type Writer struct {
	rows    RowStore
	sampler *Sampler
	logger  *slog.Logger
	now     func() time.Time
}

// NewWriter builds a Writer over the given row store and sampler.
func NewWriter(opts WriterOptions) *Writer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Writer{rows: opts.Rows, sampler: opts.Sampler, logger: logger, now: now}
}

// VerifiedWrite is one measured baseline/optimized pair.
type VerifiedWrite struct {
	RunID            string
	ConversationID   string
	WorkloadKey      string
	BaselineTokens   int64
	OptimizedTokens  int64
	BaselineCostUSD  float64
	OptimizedCostUSD float64
	QualityPass      bool
}

// EstimatedWrite is one optimized measurement without a measured baseline.
type EstimatedWrite struct {
	RunID            string
	ConversationID   string
	WorkloadKey      string
	OptimizedTokens  int64
	OptimizedCostUSD float64
}

// WriteVerifiedSavings records a measured pair with confidence 1.0.
func (w *Writer) WriteVerifiedSavings(ctx context.Context, in VerifiedWrite) (Row, error) {
	return w.writeMeasured(ctx, SavingsVerified, in)
}

// WriteShadowVerifiedSavings records a measured pair whose baseline ran in
// shadow, with confidence 1.0.
func (w *Writer) WriteShadowVerifiedSavings(ctx context.Context, in VerifiedWrite) (Row, error) {
	return w.writeMeasured(ctx, SavingsShadowVerified, in)
}

func (w *Writer) writeMeasured(ctx context.Context, savingsType SavingsType, in VerifiedWrite) (Row, error) {
	if w == nil || w.rows == nil {
		return Row{}, errors.New("ledger: no row store configured")
	}
	key := strings.TrimSpace(in.WorkloadKey)
	if key == "" {
		return Row{}, errors.New("ledger: workload key is required")
	}
	if !in.QualityPass {
		return Row{}, ErrQualityFailed
	}
	row := w.buildRow(savingsType, in.RunID, in.ConversationID, key,
		in.BaselineTokens, in.OptimizedTokens, in.BaselineCostUSD, in.OptimizedCostUSD,
		1.0, SourceMeasured)
	if err := w.rows.AppendRow(ctx, row); err != nil {
		return Row{}, fmt.Errorf("append %s row: %w", savingsType, err)
	}
	// Self-calibration: the measured baseline sharpens later estimates for
	// this bucket. Best effort; the row already landed.
	if w.sampler != nil {
		if err := w.sampler.AddSample(ctx, key, in.BaselineTokens, in.BaselineCostUSD); err != nil {
			w.logger.Warn("baseline feedback failed", "workload_key", key, "error", err)
		}
	}
	return row, nil
}

// WriteEstimatedSavings records one optimized run against the estimator's
// baseline for its bucket.
func (w *Writer) WriteEstimatedSavings(ctx context.Context, in EstimatedWrite) (Row, error) {
	if w == nil || w.rows == nil {
		return Row{}, errors.New("ledger: no row store configured")
	}
	if w.sampler == nil {
		return Row{}, errors.New("ledger: no sampler configured")
	}
	key := strings.TrimSpace(in.WorkloadKey)
	if key == "" {
		return Row{}, errors.New("ledger: workload key is required")
	}
	est, err := w.sampler.EstimateBaseline(ctx, key)
	if err != nil {
		return Row{}, fmt.Errorf("estimate baseline: %w", err)
	}
	row := w.buildRow(SavingsEstimated, in.RunID, in.ConversationID, key,
		int64(math.Round(est.Tokens)), in.OptimizedTokens, est.CostUSD, in.OptimizedCostUSD,
		est.Confidence, est.Source)
	if err := w.rows.AppendRow(ctx, row); err != nil {
		return Row{}, fmt.Errorf("append estimated row: %w", err)
	}
	return row, nil
}

func (w *Writer) buildRow(savingsType SavingsType, runID, conversationID, key string,
	baselineTokens, optimizedTokens int64, baselineCost, optimizedCost, confidence float64, source string) Row {
	row := Row{
		ID:               uuid.NewString(),
		RunID:            runID,
		ConversationID:   conversationID,
		WorkloadKey:      key,
		SavingsType:      savingsType,
		BaselineTokens:   baselineTokens,
		OptimizedTokens:  optimizedTokens,
		BaselineCostUSD:  baselineCost,
		OptimizedCostUSD: optimizedCost,
		TokensSaved:      baselineTokens - optimizedTokens,
		CostSavedUSD:     baselineCost - optimizedCost,
		Confidence:       confidence,
		BaselineSource:   source,
		CreatedUnixMs:    w.now().UnixMilli(),
	}
	if baselineTokens > 0 {
		row.PctSaved = float64(baselineTokens-optimizedTokens) / float64(baselineTokens)
	}
	return row
}
