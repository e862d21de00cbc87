package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spectyra/spectyra-core/internal/ledger"
	"github.com/spectyra/spectyra-core/internal/optimizer"
	"github.com/spectyra/spectyra-core/internal/replay"
	"github.com/spectyra/spectyra-core/internal/scenario"
	"github.com/spectyra/spectyra-core/internal/semantic"
)

// turnReport is one optimizer invocation in the printed report. The measured
// fields are only set on live runs.
type turnReport struct {
	Turn           int     `json:"turn"`
	Recommendation string  `json:"recommendation"`
	StabilityIndex float64 `json:"stability_index"`
	CompiledChars  int     `json:"compiled_chars"`
	PromptTokens   int     `json:"prompt_tokens_estimate"`
	BaselineTokens int     `json:"baseline_tokens_estimate"`
	PctSaved       float64 `json:"pct_saved"`

	QualityPass  *bool  `json:"quality_pass,omitempty"`
	PromptUsage  int64  `json:"measured_prompt_tokens,omitempty"`
	OutputUsage  int64  `json:"measured_output_tokens,omitempty"`
	ResponseText string `json:"response_text,omitempty"`

	RunID string `json:"run_id"`
}

type scenarioReport struct {
	ScenarioID          string       `json:"scenario_id"`
	File                string       `json:"file,omitempty"`
	Provider            string       `json:"provider"`
	Model               string       `json:"model"`
	Live                bool         `json:"live"`
	Turns               []turnReport `json:"turns,omitempty"`
	TotalPromptTokens   int          `json:"total_prompt_tokens_estimate"`
	TotalBaselineTokens int          `json:"total_baseline_tokens_estimate"`
	TotalPctSaved       float64      `json:"total_pct_saved"`
}

type executeOptions struct {
	// Live calls the provider and scores quality; otherwise every turn is a
	// dry run that stops after prompt assembly.
	Live bool
	// Level overrides the scenario's optimization level when set.
	Level   *int
	Archive *replay.Writer
	// Ledger receives one estimated-savings row per live turn that passes
	// its quality checks.
	Ledger *ledger.Writer
	Logger *slog.Logger
	Now    func() time.Time
}

// executeScenario drives the optimizer over the scenario's scripted user
// turns, threading the unit snapshot from turn to turn.
func executeScenario(ctx context.Context, opt *optimizer.Optimizer, sc *scenario.Scenario, opts executeOptions) (scenarioReport, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	level := sc.Level
	if opts.Level != nil {
		level = opts.Level
	}

	report := scenarioReport{
		ScenarioID: sc.ID,
		File:       sc.File,
		Provider:   sc.Provider,
		Model:      sc.Model,
		Live:       opts.Live,
	}

	var state semantic.ConversationState
	for i, step := range sc.Steps() {
		res, err := opt.RunTurn(ctx, optimizer.TurnRequest{
			ConversationID: sc.ID,
			Path:           sc.Path,
			Mode:           optimizer.ModeOptimized,
			DryRun:         !opts.Live,
			Provider:       sc.Provider,
			Model:          sc.Model,
			History:        step.History,
			UserMessage:    step.UserMessage,
			NewMessages:    step.NewMessages,
			State:          state,
			Level:          level,
			Checks:         sc.Compiled,
		})
		if err != nil {
			return report, fmt.Errorf("turn %d: %w", i+1, err)
		}
		state = res.State

		row := turnReport{
			Turn:           i + 1,
			Recommendation: string(res.Summary.Recommendation),
			StabilityIndex: res.Summary.StabilityIndex,
			CompiledChars:  res.Compiled.Chars(),
			PromptTokens:   res.EstimatedPromptTokens,
			BaselineTokens: res.BaselinePromptTokens,
			RunID:          res.RunID,
		}
		if res.BaselinePromptTokens > 0 {
			row.PctSaved = float64(res.BaselinePromptTokens-res.EstimatedPromptTokens) / float64(res.BaselinePromptTokens)
		}
		if opts.Live {
			pass := res.Quality.Pass
			row.QualityPass = &pass
			row.PromptUsage = res.Usage.PromptTokens
			row.OutputUsage = res.Usage.OutputTokens
			row.ResponseText = res.ResponseText
		}
		report.Turns = append(report.Turns, row)

		if opts.Archive != nil {
			snap := replay.Snapshot{
				ScenarioID:   sc.ID,
				TurnIndex:    i,
				RecordedAtMs: now().UnixMilli(),
				UserMessage:  step.UserMessage,
				Checks:       sc.Checks,
				Result:       res,
			}
			if err := opts.Archive.Append(snap); err != nil {
				return report, fmt.Errorf("archive turn %d: %w", i+1, err)
			}
		}
		if opts.Live && opts.Ledger != nil {
			writeEstimatedRow(ctx, opts.Ledger, logger, sc, res)
		}
	}

	report.TotalPromptTokens, report.TotalBaselineTokens, report.TotalPctSaved = totals(report.Turns)
	return report, nil
}

// writeEstimatedRow records one live turn against the estimator's baseline
// for its bucket. Turns that fail their quality checks are skipped: savings
// are only comparable between quality-equivalent outputs.
func writeEstimatedRow(ctx context.Context, w *ledger.Writer, logger *slog.Logger, sc *scenario.Scenario, res optimizer.TurnResult) {
	if !res.Quality.Pass {
		logger.Warn("estimated savings skipped",
			"scenario", sc.ID,
			"run_id", res.RunID,
			"failed_checks", res.Quality.Reason,
		)
		return
	}
	optTokens := res.Usage.PromptTokens + res.Usage.OutputTokens
	row, err := w.WriteEstimatedSavings(ctx, ledger.EstimatedWrite{
		RunID:            res.RunID,
		ConversationID:   sc.ID,
		WorkloadKey:      res.WorkloadKey,
		OptimizedTokens:  optTokens,
		OptimizedCostUSD: ledger.EstimateCostUSD(sc.Model, optTokens),
	})
	if err != nil {
		logger.Warn("estimated savings write failed", "scenario", sc.ID, "run_id", res.RunID, "error", err)
		return
	}
	logger.Info("estimated savings recorded",
		"workload_key", row.WorkloadKey,
		"tokens_saved", row.TokensSaved,
		"confidence", row.Confidence,
	)
}

func totals(turns []turnReport) (prompt, baseline int, pctSaved float64) {
	for _, t := range turns {
		prompt += t.PromptTokens
		baseline += t.BaselineTokens
	}
	if baseline > 0 {
		pctSaved = float64(baseline-prompt) / float64(baseline)
	}
	return prompt, baseline, pctSaved
}

func printTable(w io.Writer, report scenarioReport) {
	mode := "dry-run"
	if report.Live {
		mode = "live"
	}
	fmt.Fprintf(w, "scenario %s  %s/%s  (%s)\n", report.ScenarioID, report.Provider, report.Model, mode)
	fmt.Fprintf(w, "%-5s %-12s %9s %7s %8s %9s %7s", "turn", "recommend", "stability", "state", "est_tok", "base_tok", "saved")
	if report.Live {
		fmt.Fprintf(w, " %7s %11s", "quality", "in/out")
	}
	fmt.Fprintln(w)

	for _, t := range report.Turns {
		fmt.Fprintf(w, "%-5d %-12s %9.3f %7d %8d %9d %6.1f%%",
			t.Turn, t.Recommendation, t.StabilityIndex, t.CompiledChars, t.PromptTokens, t.BaselineTokens, t.PctSaved*100)
		if report.Live {
			quality := "fail"
			if t.QualityPass != nil && *t.QualityPass {
				quality = "pass"
			}
			fmt.Fprintf(w, " %7s %5d/%-5d", quality, t.PromptUsage, t.OutputUsage)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "total: %d estimated vs %d baseline tokens (%.1f%% saved)\n",
		report.TotalPromptTokens, report.TotalBaselineTokens, report.TotalPctSaved*100)
}

// printJSONL emits one JSON line per turn followed by a summary line with the
// turns stripped.
func printJSONL(w io.Writer, report scenarioReport) error {
	enc := json.NewEncoder(w)
	for _, t := range report.Turns {
		if err := enc.Encode(t); err != nil {
			return err
		}
	}
	summary := report
	summary.Turns = nil
	return enc.Encode(summary)
}
