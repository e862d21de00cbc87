package semantic

import (
	"context"
	"log/slog"
	"sort"
)

// AnalyzerOptions configures the spectral analyzer.
type AnalyzerOptions struct {
	SimilarityFloor float64
	Thresholds      Thresholds
	Logger          *slog.Logger
}

// Analyzer builds the per-turn unit graph and scores conversation
// stability.
type Analyzer struct {
	classifier NLIClassifier
	simFloor   float64
	thresholds Thresholds
	logger     *slog.Logger
}

func NewAnalyzer(classifier NLIClassifier, opts AnalyzerOptions) *Analyzer {
	floor := opts.SimilarityFloor
	if floor <= 0 || floor >= 1 {
		floor = defaultSimilarityFloor
	}
	thresholds := opts.Thresholds
	if thresholds.TLow <= 0 && thresholds.THigh <= 0 {
		thresholds = DefaultThresholds()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{classifier: classifier, simFloor: floor, thresholds: thresholds, logger: logger}
}

// Analyze computes the spectral summary for the current unit snapshot and
// returns the state with per-unit stability scores recomputed. Identical
// inputs always produce identical outputs; an empty snapshot scores 0.5 and
// recommends expansion because there is nothing to reuse yet.
func (a *Analyzer) Analyze(ctx context.Context, state ConversationState, loop LoopSignals) (SpectralSummary, ConversationState, error) {
	if a == nil {
		a = NewAnalyzer(nil, AnalyzerOptions{})
	}
	n := len(state.Units)
	if n == 0 {
		rec, rule := decide(decisionInput{NNodes: 0, Stability: neutralStability, Loop: loop, Thresholds: a.thresholds})
		return SpectralSummary{
			StabilityIndex: neutralStability,
			Recommendation: rec,
			DecisionRule:   rule,
		}, state, nil
	}

	pairs := candidatePairs(state.Units, a.simFloor)
	edges := classifyEdges(ctx, a.classifier, state.Units, pairs)

	reinforce, conflict := energySplit(edges)
	energyRatio := 0.0
	if reinforce+conflict > 0 {
		energyRatio = conflict / (reinforce + conflict)
	}
	lambda2 := Lambda2(n, edges)
	stability := StabilityIndex(lambda2, energyRatio)

	rec, rule := decide(decisionInput{
		NNodes:      n,
		Stability:   stability,
		EnergyRatio: energyRatio,
		Loop:        loop,
		Thresholds:  a.thresholds,
	})

	out := state
	out.Units = append([]SemanticUnit(nil), state.Units...)
	summary := SpectralSummary{
		NNodes:              n,
		NEdges:              len(edges),
		Lambda2:             lambda2,
		ContradictionEnergy: conflict,
		EnergyRatio:         energyRatio,
		StabilityIndex:      stability,
		Recommendation:      rec,
		DecisionRule:        rule,
	}

	reinforceDeg := make([]float64, n)
	conflictDeg := make([]float64, n)
	for _, e := range edges {
		if e.conflicting {
			conflictDeg[e.i] += e.weight
			conflictDeg[e.j] += e.weight
		} else {
			reinforceDeg[e.i] += e.weight
			reinforceDeg[e.j] += e.weight
		}
	}
	for i := range out.Units {
		switch {
		case conflictDeg[i] > 0:
			summary.UnstableUnits = append(summary.UnstableUnits, i)
		case reinforceDeg[i] > 0:
			summary.StableUnits = append(summary.StableUnits, i)
		}
		// Isolated units keep their prior score; connected ones are rescored
		// from degree with light smoothing.
		if conflictDeg[i] == 0 && reinforceDeg[i] == 0 {
			continue
		}
		fresh := clamp01(neutralStability + 0.4*(reinforceDeg[i]/(1+reinforceDeg[i])) - 0.6*(conflictDeg[i]/(1+conflictDeg[i])))
		out.Units[i].StabilityScore = clamp01(0.2*out.Units[i].StabilityScore + 0.8*fresh)
	}
	sort.Ints(summary.StableUnits)
	sort.Ints(summary.UnstableUnits)

	a.logger.Debug("spectral analysis",
		"conversation_id", state.ConversationID,
		"n_nodes", n,
		"n_edges", len(edges),
		"lambda2", lambda2,
		"contradiction_energy", conflict,
		"stability_index", stability,
		"recommendation", string(rec),
		"rule", rule,
	)
	return summary, out, nil
}
