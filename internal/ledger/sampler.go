package ledger

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/spectyra/spectyra-core/internal/convo"
)

// minDirectSamples is the bucket depth at which its own mean is trusted over
// the nearest-bucket and heuristic tiers.
const minDirectSamples = 10

const msPerDay = 24 * 60 * 60 * 1000

// Model tiers for the cold-bucket heuristic.
const (
	tierLight    = "light"
	tierStandard = "standard"
	tierPremium  = "premium"
)

// SamplerOptions configures a Sampler. Now defaults to time.Now.
type SamplerOptions struct {
	Store  SampleStore
	Logger *slog.Logger
	Now    func() time.Time
}

// Sampler owns baseline sampling, estimation and confidence scoring for
// workload buckets.
type Sampler struct {
	store  SampleStore
	logger *slog.Logger
	now    func() time.Time
}

// NewSampler builds a Sampler over the given store.
func NewSampler(opts SamplerOptions) *Sampler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Sampler{store: opts.Store, logger: logger, now: now}
}

// AddSample folds one measured baseline observation into the bucket's
// Welford state.
func (s *Sampler) AddSample(ctx context.Context, workloadKey string, tokens int64, costUSD float64) error {
	if s == nil || s.store == nil {
		return errors.New("sampler: no sample store configured")
	}
	key := strings.TrimSpace(workloadKey)
	if key == "" {
		return errors.New("sampler: workload key is required")
	}
	if tokens < 0 {
		return errors.New("sampler: negative token count")
	}
	return s.store.UpsertSample(ctx, key, float64(tokens), costUSD, s.now().UnixMilli())
}

// EstimateBaseline resolves a baseline for the bucket through three tiers:
// the bucket's own mean when deep enough, else the nearest same-path
// same-provider same-model bucket, else a static per-path heuristic scaled
// by a coarse model tier.
func (s *Sampler) EstimateBaseline(ctx context.Context, workloadKey string) (BaselineEstimate, error) {
	if s == nil || s.store == nil {
		return BaselineEstimate{}, errors.New("sampler: no sample store configured")
	}
	key := strings.TrimSpace(workloadKey)
	if key == "" {
		return BaselineEstimate{}, errors.New("sampler: workload key is required")
	}

	direct, ok, err := s.store.GetSample(ctx, key)
	if err != nil {
		return BaselineEstimate{}, err
	}
	if ok && direct.N >= minDirectSamples {
		return BaselineEstimate{
			WorkloadKey: key,
			Tokens:      direct.TokensMean,
			CostUSD:     direct.CostMean,
			Source:      SourceSample,
			N:           direct.N,
			Confidence:  confidenceFromSample(direct, s.now()),
		}, nil
	}

	nearest, ok, err := s.store.NearestSample(ctx, key, minDirectSamples)
	if err != nil {
		return BaselineEstimate{}, err
	}
	if ok {
		return BaselineEstimate{
			WorkloadKey: key,
			Tokens:      nearest.TokensMean,
			CostUSD:     nearest.CostMean,
			Source:      SourceNearest,
			N:           nearest.N,
			Confidence:  confidenceFromSample(nearest, s.now()),
		}, nil
	}

	tokens, costUSD := fallbackBaseline(key)
	return BaselineEstimate{
		WorkloadKey: key,
		Tokens:      tokens,
		CostUSD:     costUSD,
		Source:      SourceFallback,
	}, nil
}

// ComputeConfidence scores how much a savings row's baseline can be trusted.
// Verified and shadow-verified rows are measured, so always 1.0; estimated
// rows blend sample depth, token stability and recency.
func (s *Sampler) ComputeConfidence(ctx context.Context, workloadKey string, savingsType SavingsType) (float64, error) {
	if s == nil || s.store == nil {
		return 0, errors.New("sampler: no sample store configured")
	}
	switch savingsType {
	case SavingsVerified, SavingsShadowVerified:
		return 1.0, nil
	}
	sample, ok, err := s.store.GetSample(ctx, strings.TrimSpace(workloadKey))
	if err != nil {
		return 0, err
	}
	if !ok {
		sample = BaselineSample{}
	}
	return confidenceFromSample(sample, s.now()), nil
}

// confidenceFromSample is the estimated-row confidence blend:
// 0.15 + 0.55*sampleConf + 0.20*stabilityConf + 0.10*recencyConf, clamped to
// [0,1]. stabilityConf may go negative before the final clamp when token
// counts are wildly dispersed.
func confidenceFromSample(s BaselineSample, now time.Time) float64 {
	sampleConf := 1 - math.Exp(-float64(s.N)/10)

	stabilityConf := 0.0
	if s.N >= 2 && s.TokensMean > 0 {
		cv := math.Sqrt(s.TokensVariance()) / s.TokensMean
		stabilityConf = 1 - clampFloat(cv, 0, 2)
	}

	recencyConf := 0.0
	if s.UpdatedUnixMs > 0 {
		days := float64(now.UnixMilli()-s.UpdatedUnixMs) / msPerDay
		if days < 0 {
			days = 0
		}
		recencyConf = 1 - math.Min(1, days/30)
	}

	conf := 0.15 + 0.55*sampleConf + 0.20*stabilityConf + 0.10*recencyConf
	if math.IsNaN(conf) || math.IsInf(conf, 0) {
		return 0
	}
	return clampFloat(conf, 0, 1)
}

// fallbackBaseline is the cold-bucket heuristic: a per-path token base
// scaled by a coarse model tier, priced at the tier's per-token rate.
func fallbackBaseline(workloadKey string) (tokens, costUSD float64) {
	path, _, model, _, _ := convo.SplitWorkloadKey(workloadKey)
	tokens = 1200
	if path == convo.PathCode {
		tokens = 2600
	}
	tier := modelTier(model)
	switch tier {
	case tierPremium:
		tokens *= 1.25
	case tierLight:
		tokens *= 0.7
	}
	return tokens, tokens * tierRate(tier)
}

func modelTier(model string) string {
	model = strings.ToLower(model)
	for _, marker := range []string{"opus", "gpt-5", "o1"} {
		if strings.Contains(model, marker) {
			return tierPremium
		}
	}
	for _, marker := range []string{"mini", "haiku", "flash"} {
		if strings.Contains(model, marker) {
			return tierLight
		}
	}
	return tierStandard
}

func tierRate(tier string) float64 {
	switch tier {
	case tierPremium:
		return 12e-6
	case tierLight:
		return 1e-6
	default:
		return 4e-6
	}
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
