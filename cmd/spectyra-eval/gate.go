package main

import (
	"fmt"
	"sort"

	"github.com/spectyra/spectyra-core/internal/semantic"
)

// gateThresholds are the suite-level acceptance cut points.
type gateThresholds struct {
	MinPassRate        float64 `json:"min_pass_rate"`
	MinMedianPctSaved  float64 `json:"min_median_pct_saved"`
	MaxClarifyStopRate float64 `json:"max_clarify_stop_rate"`
}

// suiteMetrics aggregates every scenario turn. Pass rates cover the quality
// checks; the clarify/stop rate counts optimized turns whose recommendation
// interrupted the conversation instead of answering.
type suiteMetrics struct {
	Turns                int     `json:"turns"`
	OptimizedPassed      int     `json:"optimized_passed"`
	BaselinePassed       int     `json:"baseline_passed"`
	ClarifyStopTurns     int     `json:"clarify_stop_turns"`
	ScenarioErrors       int     `json:"scenario_errors"`
	PassRate             float64 `json:"pass_rate"`
	BaselinePassRate     float64 `json:"baseline_pass_rate"`
	ClarifyStopRate      float64 `json:"clarify_stop_rate"`
	MedianPctSaved       float64 `json:"median_pct_saved"`
	MeanPctSaved         float64 `json:"mean_pct_saved"`
	TotalBaselineTokens  int64   `json:"total_baseline_tokens"`
	TotalOptimizedTokens int64   `json:"total_optimized_tokens"`
}

type gateReport struct {
	Enabled     bool           `json:"enabled"`
	Thresholds  gateThresholds `json:"thresholds"`
	Status      string         `json:"status"` // pass | reject | skipped
	FailReasons []string       `json:"fail_reasons,omitempty"`
}

func aggregateSuiteMetrics(scenarios []scenarioResult) suiteMetrics {
	metrics := suiteMetrics{}
	var pctValues []float64
	for _, sc := range scenarios {
		if sc.Error != "" {
			metrics.ScenarioErrors++
		}
		for _, turn := range sc.Turns {
			metrics.Turns++
			if turn.OptimizedQualityPass {
				metrics.OptimizedPassed++
			}
			if turn.BaselineQualityPass {
				metrics.BaselinePassed++
			}
			switch turn.Recommendation {
			case string(semantic.RecommendAskClarify), string(semantic.RecommendStopEarly):
				metrics.ClarifyStopTurns++
			}
			metrics.TotalBaselineTokens += turn.BaselineTokens
			metrics.TotalOptimizedTokens += turn.OptimizedTokens
			metrics.MeanPctSaved += turn.PctSaved
			pctValues = append(pctValues, turn.PctSaved)
		}
	}
	if metrics.Turns > 0 {
		den := float64(metrics.Turns)
		metrics.PassRate = float64(metrics.OptimizedPassed) / den
		metrics.BaselinePassRate = float64(metrics.BaselinePassed) / den
		metrics.ClarifyStopRate = float64(metrics.ClarifyStopTurns) / den
		metrics.MeanPctSaved = metrics.MeanPctSaved / den
	}
	metrics.MedianPctSaved = median(pctValues)
	return metrics
}

func evaluateGate(metrics suiteMetrics, thresholds gateThresholds, enabled bool) gateReport {
	report := gateReport{Enabled: enabled, Thresholds: thresholds, Status: "pass"}
	if !enabled {
		report.Status = "skipped"
		return report
	}

	reasons := make([]string, 0, 4)
	if metrics.Turns == 0 {
		reasons = append(reasons, "no_turns_evaluated")
	}
	if metrics.ScenarioErrors > 0 {
		reasons = append(reasons, fmt.Sprintf("%d scenarios failed to run", metrics.ScenarioErrors))
	}
	if metrics.PassRate < thresholds.MinPassRate {
		reasons = append(reasons, fmt.Sprintf("pass_rate %.3f < threshold %.3f", metrics.PassRate, thresholds.MinPassRate))
	}
	if metrics.MedianPctSaved < thresholds.MinMedianPctSaved {
		reasons = append(reasons, fmt.Sprintf("median_pct_saved %.3f < threshold %.3f", metrics.MedianPctSaved, thresholds.MinMedianPctSaved))
	}
	if metrics.ClarifyStopRate > thresholds.MaxClarifyStopRate {
		reasons = append(reasons, fmt.Sprintf("clarify_stop_rate %.3f > threshold %.3f", metrics.ClarifyStopRate, thresholds.MaxClarifyStopRate))
	}

	if len(reasons) > 0 {
		report.Status = "reject"
		report.FailReasons = reasons
	}
	return report
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
