package ledger

import (
	"context"
	"errors"
	"math"
	"testing"
)

func newTestWriter(store *MemStore) *Writer {
	sampler := newTestSampler(store, nil)
	return NewWriter(WriterOptions{Rows: store, Sampler: sampler, Now: fixedNow})
}

func TestWriteVerifiedSavings_AppendsRowAndFeedsSample(t *testing.T) {
	t.Parallel()

	store := NewMemStore()
	writer := newTestWriter(store)
	key := "code|openai|gpt-4.1|m"

	row, err := writer.WriteVerifiedSavings(context.Background(), VerifiedWrite{
		RunID:            "run_1",
		ConversationID:   "conv_1",
		WorkloadKey:      key,
		BaselineTokens:   1000,
		OptimizedTokens:  400,
		BaselineCostUSD:  0.01,
		OptimizedCostUSD: 0.004,
		QualityPass:      true,
	})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if row.ID == "" {
		t.Fatalf("expected generated row id, got %+v", row)
	}
	if row.SavingsType != SavingsVerified || row.BaselineSource != SourceMeasured {
		t.Fatalf("expected measured verified row, got %+v", row)
	}
	if row.TokensSaved != 600 || math.Abs(row.PctSaved-0.6) > 1e-9 {
		t.Fatalf("expected 600 tokens / 60%% saved, got %+v", row)
	}
	if row.Confidence != 1.0 {
		t.Fatalf("expected confidence forced to 1.0, got %+v", row)
	}

	sample, ok, err := store.GetSample(context.Background(), key)
	if err != nil || !ok {
		t.Fatalf("expected baseline feedback sample, got ok=%v err=%v", ok, err)
	}
	if sample.N != 1 || math.Abs(sample.TokensMean-1000) > 1e-9 {
		t.Fatalf("expected fed-back baseline measurement, got %+v", sample)
	}

	rows, err := store.ListRows(context.Background(), key, 0)
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected one stored row, got %d err=%v", len(rows), err)
	}
}

func TestWriteVerifiedSavings_RefusesFailedQuality(t *testing.T) {
	t.Parallel()

	store := NewMemStore()
	writer := newTestWriter(store)

	_, err := writer.WriteVerifiedSavings(context.Background(), VerifiedWrite{
		WorkloadKey:     "code|openai|gpt-4.1|m",
		BaselineTokens:  1000,
		OptimizedTokens: 400,
		QualityPass:     false,
	})
	if !errors.Is(err, ErrQualityFailed) {
		t.Fatalf("expected ErrQualityFailed, got %v", err)
	}

	rows, err := store.ListRows(context.Background(), "", 0)
	if err != nil || len(rows) != 0 {
		t.Fatalf("expected no rows after refusal, got %d err=%v", len(rows), err)
	}
	if _, ok, _ := store.GetSample(context.Background(), "code|openai|gpt-4.1|m"); ok {
		t.Fatalf("expected no baseline feedback after refusal")
	}
}

func TestWriteShadowVerifiedSavings_RecordsShadowType(t *testing.T) {
	t.Parallel()

	store := NewMemStore()
	writer := newTestWriter(store)

	row, err := writer.WriteShadowVerifiedSavings(context.Background(), VerifiedWrite{
		WorkloadKey:      "talk|anthropic|claude-sonnet-4|s",
		BaselineTokens:   800,
		OptimizedTokens:  500,
		BaselineCostUSD:  0.008,
		OptimizedCostUSD: 0.005,
		QualityPass:      true,
	})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if row.SavingsType != SavingsShadowVerified || row.Confidence != 1.0 {
		t.Fatalf("expected shadow-verified row, got %+v", row)
	}
}

func TestWriteEstimatedSavings_UsesEstimatorBaseline(t *testing.T) {
	t.Parallel()

	store := NewMemStore()
	writer := newTestWriter(store)
	key := "code|openai|gpt-4.1|m"
	for i := 0; i < 10; i++ {
		if err := writer.sampler.AddSample(context.Background(), key, 2000, 0.02); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}

	row, err := writer.WriteEstimatedSavings(context.Background(), EstimatedWrite{
		RunID:            "run_2",
		WorkloadKey:      key,
		OptimizedTokens:  500,
		OptimizedCostUSD: 0.005,
	})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if row.SavingsType != SavingsEstimated || row.BaselineSource != SourceSample {
		t.Fatalf("expected estimated row from direct bucket, got %+v", row)
	}
	if row.BaselineTokens != 2000 || math.Abs(row.PctSaved-0.75) > 1e-9 {
		t.Fatalf("expected bucket-mean baseline, got %+v", row)
	}
	if row.Confidence <= 0.7 || row.Confidence > 0.9 {
		t.Fatalf("expected blended confidence for a deep stable bucket, got %+v", row)
	}
}

func TestWriteEstimatedSavings_FallbackHasZeroConfidence(t *testing.T) {
	t.Parallel()

	store := NewMemStore()
	writer := newTestWriter(store)

	row, err := writer.WriteEstimatedSavings(context.Background(), EstimatedWrite{
		WorkloadKey:      "code|openai|gpt-4.1|m",
		OptimizedTokens:  500,
		OptimizedCostUSD: 0.005,
	})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if row.BaselineSource != SourceFallback || row.Confidence != 0 {
		t.Fatalf("expected zero-confidence fallback row, got %+v", row)
	}
	if row.BaselineTokens != 2600 {
		t.Fatalf("expected standard-tier code heuristic 2600, got %+v", row)
	}
	if math.Abs(row.BaselineCostUSD-2600*4e-6) > 1e-12 {
		t.Fatalf("expected standard-tier pricing, got %+v", row)
	}
}
