package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spectyra/spectyra-core/internal/config"
	"github.com/spectyra/spectyra-core/internal/ledger"
	"github.com/spectyra/spectyra-core/internal/ledgerstore"
	"github.com/spectyra/spectyra-core/internal/optimizer"
	"github.com/spectyra/spectyra-core/internal/scenario"
	"github.com/spectyra/spectyra-core/internal/semantic"
)

// turnComparison is one user turn run through both arms.
type turnComparison struct {
	Turn                 int      `json:"turn"`
	Recommendation       string   `json:"recommendation"`
	StabilityIndex       float64  `json:"stability_index"`
	BaselineTokens       int64    `json:"baseline_tokens"`
	OptimizedTokens      int64    `json:"optimized_tokens"`
	PctSaved             float64  `json:"pct_saved"`
	BaselineQualityPass  bool     `json:"baseline_quality_pass"`
	OptimizedQualityPass bool     `json:"optimized_quality_pass"`
	BaselineFailures     []string `json:"baseline_failures,omitempty"`
	OptimizedFailures    []string `json:"optimized_failures,omitempty"`
	LedgerRowID          string   `json:"ledger_row_id,omitempty"`
}

type scenarioResult struct {
	ScenarioID string           `json:"scenario_id"`
	Provider   string           `json:"provider"`
	Model      string           `json:"model"`
	Turns      []turnComparison `json:"turns,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// runRecorder is the run-history sink; ledgerstore.Store satisfies it.
type runRecorder interface {
	RecordRun(ctx context.Context, run ledgerstore.Run) error
}

// suiteDeps are the suite runner's collaborators. Ledger and Runs may be nil
// (nothing persisted); NewProvider is called once per distinct provider.
type suiteDeps struct {
	Config      *config.Config
	Logger      *slog.Logger
	Embedder    semantic.Embedder
	Classifier  semantic.NLIClassifier
	NewProvider func(name string) (optimizer.ChatProvider, error)
	Ledger      *ledger.Writer
	Runs        runRecorder
	// Shadow records savings pairs as shadow-verified: the baseline leg ran
	// only for comparison, it never served a user.
	Shadow   bool
	Now      func() time.Time
	Progress io.Writer
}

// runSuite runs every scenario through both arms. A scenario that fails to
// run is recorded with its error and does not stop the suite; only context
// cancellation does.
func runSuite(ctx context.Context, suite []*scenario.Scenario, deps suiteDeps) ([]scenarioResult, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Progress == nil {
		deps.Progress = io.Discard
	}

	providers := make(map[string]optimizer.ChatProvider)
	results := make([]scenarioResult, 0, len(suite))
	for i, sc := range suite {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		fmt.Fprintf(deps.Progress, "[spectyra-eval] (%d/%d) %s (%s/%s)\n", i+1, len(suite), sc.ID, sc.Provider, sc.Model)

		prov, ok := providers[sc.Provider]
		if !ok {
			p, err := deps.NewProvider(sc.Provider)
			if err != nil {
				results = append(results, scenarioResult{ScenarioID: sc.ID, Provider: sc.Provider, Model: sc.Model, Error: err.Error()})
				continue
			}
			providers[sc.Provider] = p
			prov = p
		}
		results = append(results, runScenarioPair(ctx, prov, sc, deps))
	}
	return results, nil
}

// runScenarioPair runs one scenario's user turns through the optimized arm
// and the verbatim baseline arm, scoring both with the same checks.
func runScenarioPair(ctx context.Context, prov optimizer.ChatProvider, sc *scenario.Scenario, deps suiteDeps) scenarioResult {
	out := scenarioResult{ScenarioID: sc.ID, Provider: sc.Provider, Model: sc.Model}
	opt := optimizer.New(deps.Config, optimizer.Options{
		Provider:   prov,
		Embedder:   deps.Embedder,
		Classifier: deps.Classifier,
		Logger:     deps.Logger,
	})

	var state semantic.ConversationState
	for i, step := range sc.Steps() {
		optimized, err := opt.RunTurn(ctx, optimizer.TurnRequest{
			ConversationID: sc.ID,
			Path:           sc.Path,
			Mode:           optimizer.ModeOptimized,
			Provider:       sc.Provider,
			Model:          sc.Model,
			History:        step.History,
			UserMessage:    step.UserMessage,
			NewMessages:    step.NewMessages,
			State:          state,
			Level:          sc.Level,
			Checks:         sc.Compiled,
		})
		if err != nil {
			out.Error = fmt.Sprintf("turn %d optimized: %v", i+1, err)
			return out
		}
		state = optimized.State

		baseline, err := opt.RunTurn(ctx, optimizer.TurnRequest{
			ConversationID: sc.ID,
			Path:           sc.Path,
			Mode:           optimizer.ModeBaseline,
			Provider:       sc.Provider,
			Model:          sc.Model,
			History:        step.History,
			UserMessage:    step.UserMessage,
			Checks:         sc.Compiled,
		})
		if err != nil {
			out.Error = fmt.Sprintf("turn %d baseline: %v", i+1, err)
			return out
		}

		cmp := compareTurn(i+1, baseline, optimized)
		recordTurn(ctx, deps, sc, baseline, optimized, &cmp)
		out.Turns = append(out.Turns, cmp)
	}
	return out
}

func compareTurn(turn int, baseline, optimized optimizer.TurnResult) turnComparison {
	baseTokens := baseline.Usage.PromptTokens + baseline.Usage.OutputTokens
	optTokens := optimized.Usage.PromptTokens + optimized.Usage.OutputTokens
	cmp := turnComparison{
		Turn:                 turn,
		Recommendation:       string(optimized.Summary.Recommendation),
		StabilityIndex:       optimized.Summary.StabilityIndex,
		BaselineTokens:       baseTokens,
		OptimizedTokens:      optTokens,
		BaselineQualityPass:  baseline.Quality.Pass,
		OptimizedQualityPass: optimized.Quality.Pass,
		BaselineFailures:     baseline.Quality.Failures,
		OptimizedFailures:    optimized.Quality.Failures,
	}
	if baseTokens > 0 {
		cmp.PctSaved = float64(baseTokens-optTokens) / float64(baseTokens)
	}
	return cmp
}

// recordTurn persists both legs to the run history and, when both passed
// their checks, the measured savings pair. A pair with a failing leg never
// becomes a row: savings only compare quality-equivalent outputs.
func recordTurn(ctx context.Context, deps suiteDeps, sc *scenario.Scenario, baseline, optimized optimizer.TurnResult, cmp *turnComparison) {
	now := deps.Now().UnixMilli()

	if deps.Runs != nil {
		for _, leg := range []optimizer.TurnResult{baseline, optimized} {
			err := deps.Runs.RecordRun(ctx, ledgerstore.Run{
				RunID:         leg.RunID,
				ScenarioID:    sc.ID,
				Mode:          string(leg.Mode),
				Provider:      sc.Provider,
				Model:         sc.Model,
				QualityPass:   leg.Quality.Pass,
				PromptTokens:  leg.Usage.PromptTokens,
				OutputTokens:  leg.Usage.OutputTokens,
				CostUSD:       ledger.EstimateCostUSD(sc.Model, leg.Usage.PromptTokens+leg.Usage.OutputTokens),
				CreatedUnixMs: now,
			})
			if err != nil {
				deps.Logger.Warn("run record failed", "scenario", sc.ID, "run_id", leg.RunID, "error", err)
			}
		}
	}

	if deps.Ledger == nil {
		return
	}
	write := ledger.VerifiedWrite{
		RunID:            optimized.RunID,
		ConversationID:   sc.ID,
		WorkloadKey:      optimized.WorkloadKey,
		BaselineTokens:   cmp.BaselineTokens,
		OptimizedTokens:  cmp.OptimizedTokens,
		BaselineCostUSD:  ledger.EstimateCostUSD(sc.Model, cmp.BaselineTokens),
		OptimizedCostUSD: ledger.EstimateCostUSD(sc.Model, cmp.OptimizedTokens),
		QualityPass:      baseline.Quality.Pass && optimized.Quality.Pass,
	}
	var row ledger.Row
	var err error
	if deps.Shadow {
		row, err = deps.Ledger.WriteShadowVerifiedSavings(ctx, write)
	} else {
		row, err = deps.Ledger.WriteVerifiedSavings(ctx, write)
	}
	if err != nil {
		if errors.Is(err, ledger.ErrQualityFailed) {
			deps.Logger.Warn("savings pair skipped",
				"scenario", sc.ID,
				"turn", cmp.Turn,
				"baseline_pass", baseline.Quality.Pass,
				"optimized_pass", optimized.Quality.Pass,
			)
		} else {
			deps.Logger.Warn("savings write failed", "scenario", sc.ID, "turn", cmp.Turn, "error", err)
		}
		return
	}
	cmp.LedgerRowID = row.ID
}
