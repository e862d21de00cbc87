package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spectyra/spectyra-core/internal/monitor"
)

type evalReport struct {
	GeneratedAtMs int64            `json:"generated_at_unix_ms"`
	SuiteDir      string           `json:"suite_dir"`
	Shadow        bool             `json:"shadow"`
	Scenarios     []scenarioResult `json:"scenarios"`
	Metrics       suiteMetrics     `json:"metrics"`
	Gate          gateReport       `json:"gate"`
	Process       monitor.Stats    `json:"process"`
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return os.WriteFile(path, b, 0o600)
}

func writeMarkdown(path string, report evalReport) error {
	return os.WriteFile(path, []byte(renderMarkdown(report)), 0o600)
}

func renderMarkdown(report evalReport) string {
	rowType := "verified"
	if report.Shadow {
		rowType = "shadow_verified"
	}

	var b strings.Builder
	b.WriteString("# Spectyra Eval Report\n\n")
	b.WriteString(fmt.Sprintf("- Generated at: %s\n", time.UnixMilli(report.GeneratedAtMs).UTC().Format(time.RFC3339)))
	b.WriteString(fmt.Sprintf("- Suite: `%s`\n", report.SuiteDir))
	b.WriteString(fmt.Sprintf("- Scenarios: %d\n", len(report.Scenarios)))
	b.WriteString(fmt.Sprintf("- Savings rows: `%s`\n", rowType))

	if report.Gate.Enabled {
		b.WriteString("\n## Gate Status\n\n")
		b.WriteString(fmt.Sprintf("- Status: `%s`\n", report.Gate.Status))
		b.WriteString(fmt.Sprintf("- Thresholds: pass_rate>=%.2f median_saved>=%.2f clarify_stop<=%.2f\n",
			report.Gate.Thresholds.MinPassRate,
			report.Gate.Thresholds.MinMedianPctSaved,
			report.Gate.Thresholds.MaxClarifyStopRate,
		))
		if len(report.Gate.FailReasons) > 0 {
			b.WriteString("- Fail reasons: " + strings.Join(report.Gate.FailReasons, "; ") + "\n")
		}
	}

	b.WriteString("\n## Suite Metrics\n\n")
	b.WriteString(fmt.Sprintf("- Turns: %d\n", report.Metrics.Turns))
	b.WriteString(fmt.Sprintf("- Optimized pass rate: %.3f (baseline %.3f)\n", report.Metrics.PassRate, report.Metrics.BaselinePassRate))
	b.WriteString(fmt.Sprintf("- Median pct saved: %.1f%%\n", report.Metrics.MedianPctSaved*100))
	b.WriteString(fmt.Sprintf("- Mean pct saved: %.1f%%\n", report.Metrics.MeanPctSaved*100))
	b.WriteString(fmt.Sprintf("- Clarify/stop rate: %.3f\n", report.Metrics.ClarifyStopRate))
	b.WriteString(fmt.Sprintf("- Tokens: %d baseline vs %d optimized\n", report.Metrics.TotalBaselineTokens, report.Metrics.TotalOptimizedTokens))

	b.WriteString("\n## Scenario Results\n\n")
	b.WriteString("| Scenario | Turn | Recommend | Saved | Baseline | Optimized |\n")
	b.WriteString("|---|---:|---|---:|---|---|\n")
	for _, sc := range report.Scenarios {
		if sc.Error != "" {
			b.WriteString(fmt.Sprintf("| `%s` | - | error: %s | | | |\n", sc.ScenarioID, sc.Error))
			continue
		}
		for _, turn := range sc.Turns {
			b.WriteString(fmt.Sprintf("| `%s` | %d | %s | %.1f%% | %s | %s |\n",
				sc.ScenarioID,
				turn.Turn,
				turn.Recommendation,
				turn.PctSaved*100,
				verdict(turn.BaselineQualityPass),
				verdict(turn.OptimizedQualityPass),
			))
		}
	}

	if report.Process.Samples > 0 {
		b.WriteString("\n## Process\n\n")
		b.WriteString(fmt.Sprintf("- Samples: %d over %d ms\n", report.Process.Samples, report.Process.DurationMs))
		b.WriteString(fmt.Sprintf("- CPU max: %.1f%% (avg %.1f%%)\n", report.Process.CPUPercentMax, report.Process.CPUPercentAvg))
		b.WriteString(fmt.Sprintf("- RSS max: %d MiB\n", report.Process.RSSBytesMax/(1<<20)))
	}

	return b.String()
}

func verdict(ok bool) string {
	if ok {
		return "pass"
	}
	return "fail"
}
