package main

import (
	"strings"
	"testing"
)

func TestMedian(t *testing.T) {
	t.Parallel()

	if got := median(nil); got != 0 {
		t.Fatalf("expected 0 for empty input, got %v", got)
	}
	if got := median([]float64{0.4}); got != 0.4 {
		t.Fatalf("expected 0.4, got %v", got)
	}
	if got := median([]float64{0.9, 0.1, 0.5}); got != 0.5 {
		t.Fatalf("expected 0.5, got %v", got)
	}
	if got := median([]float64{0.4, 0.1, 0.3, 0.2}); got != 0.25 {
		t.Fatalf("expected 0.25, got %v", got)
	}
}

func TestAggregateSuiteMetrics(t *testing.T) {
	t.Parallel()

	scenarios := []scenarioResult{
		{
			ScenarioID: "a",
			Turns: []turnComparison{
				{Recommendation: "REUSE", BaselineTokens: 1000, OptimizedTokens: 400, PctSaved: 0.6, BaselineQualityPass: true, OptimizedQualityPass: true},
				{Recommendation: "EXPAND", BaselineTokens: 500, OptimizedTokens: 400, PctSaved: 0.2, BaselineQualityPass: true, OptimizedQualityPass: false},
			},
		},
		{
			ScenarioID: "b",
			Turns: []turnComparison{
				{Recommendation: "ASK_CLARIFY", BaselineTokens: 800, OptimizedTokens: 480, PctSaved: 0.4, BaselineQualityPass: false, OptimizedQualityPass: true},
			},
		},
		{ScenarioID: "c", Error: "provider: unsupported provider \"acme\""},
	}

	m := aggregateSuiteMetrics(scenarios)
	if m.Turns != 3 {
		t.Fatalf("expected 3 turns, got %+v", m)
	}
	if m.OptimizedPassed != 2 || m.BaselinePassed != 2 {
		t.Fatalf("unexpected pass counts: %+v", m)
	}
	if m.ClarifyStopTurns != 1 {
		t.Fatalf("expected 1 clarify/stop turn, got %+v", m)
	}
	if m.ScenarioErrors != 1 {
		t.Fatalf("expected 1 scenario error, got %+v", m)
	}
	if m.TotalBaselineTokens != 2300 || m.TotalOptimizedTokens != 1280 {
		t.Fatalf("unexpected token totals: %+v", m)
	}
	if m.MedianPctSaved != 0.4 {
		t.Fatalf("expected median 0.4, got %+v", m)
	}
	if diff := m.MeanPctSaved - 0.4; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected mean 0.4, got %+v", m)
	}
	if diff := m.PassRate - 2.0/3.0; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("unexpected pass rate: %+v", m)
	}
}

func TestEvaluateGate(t *testing.T) {
	t.Parallel()

	thresholds := gateThresholds{MinPassRate: 0.9, MinMedianPctSaved: 0.2, MaxClarifyStopRate: 0.3}
	healthy := suiteMetrics{Turns: 10, PassRate: 0.95, MedianPctSaved: 0.4, ClarifyStopRate: 0.1}

	cases := []struct {
		name       string
		metrics    suiteMetrics
		enabled    bool
		wantStatus string
		wantReason string
	}{
		{name: "passes", metrics: healthy, enabled: true, wantStatus: "pass"},
		{name: "disabled gate is skipped", metrics: suiteMetrics{}, enabled: false, wantStatus: "skipped"},
		{
			name:       "empty suite rejected",
			metrics:    suiteMetrics{},
			enabled:    true,
			wantStatus: "reject",
			wantReason: "no_turns_evaluated",
		},
		{
			name:       "low pass rate rejected",
			metrics:    suiteMetrics{Turns: 10, PassRate: 0.8, MedianPctSaved: 0.4, ClarifyStopRate: 0.1},
			enabled:    true,
			wantStatus: "reject",
			wantReason: "pass_rate 0.800 < threshold 0.900",
		},
		{
			name:       "thin savings rejected",
			metrics:    suiteMetrics{Turns: 10, PassRate: 0.95, MedianPctSaved: 0.05, ClarifyStopRate: 0.1},
			enabled:    true,
			wantStatus: "reject",
			wantReason: "median_pct_saved 0.050 < threshold 0.200",
		},
		{
			name:       "noisy clarify rate rejected",
			metrics:    suiteMetrics{Turns: 10, PassRate: 0.95, MedianPctSaved: 0.4, ClarifyStopRate: 0.5},
			enabled:    true,
			wantStatus: "reject",
			wantReason: "clarify_stop_rate 0.500 > threshold 0.300",
		},
		{
			name:       "scenario errors rejected",
			metrics:    suiteMetrics{Turns: 10, PassRate: 0.95, MedianPctSaved: 0.4, ClarifyStopRate: 0.1, ScenarioErrors: 2},
			enabled:    true,
			wantStatus: "reject",
			wantReason: "2 scenarios failed to run",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			report := evaluateGate(tc.metrics, thresholds, tc.enabled)
			if report.Status != tc.wantStatus {
				t.Fatalf("expected status %s, got %+v", tc.wantStatus, report)
			}
			if tc.wantStatus == "pass" || tc.wantStatus == "skipped" {
				if len(report.FailReasons) != 0 {
					t.Fatalf("expected no fail reasons, got %+v", report.FailReasons)
				}
				return
			}
			found := false
			for _, reason := range report.FailReasons {
				if reason == tc.wantReason {
					found = true
					break
				}
			}
			if !found {
				t.Fatalf("expected reason %q, got %+v", tc.wantReason, report.FailReasons)
			}
		})
	}
}

func TestRenderMarkdown(t *testing.T) {
	t.Parallel()

	report := evalReport{
		GeneratedAtMs: 1_700_000_000_000,
		SuiteDir:      "scenarios",
		Shadow:        true,
		Scenarios: []scenarioResult{
			{
				ScenarioID: "billing-faq",
				Provider:   "openai",
				Model:      "gpt-4.1-mini",
				Turns: []turnComparison{
					{Turn: 1, Recommendation: "REUSE", PctSaved: 0.5, BaselineQualityPass: true, OptimizedQualityPass: true},
				},
			},
			{ScenarioID: "broken", Error: "no api key"},
		},
		Metrics: suiteMetrics{Turns: 1, PassRate: 1, MedianPctSaved: 0.5},
		Gate: gateReport{
			Enabled:     true,
			Thresholds:  gateThresholds{MinPassRate: 0.9, MinMedianPctSaved: 0.2, MaxClarifyStopRate: 0.3},
			Status:      "reject",
			FailReasons: []string{"1 scenarios failed to run"},
		},
	}

	out := renderMarkdown(report)
	for _, want := range []string{
		"# Spectyra Eval Report",
		"- Savings rows: `shadow_verified`",
		"- Status: `reject`",
		"- Fail reasons: 1 scenarios failed to run",
		"| `billing-faq` | 1 | REUSE | 50.0% | pass | pass |",
		"| `broken` | - | error: no api key |",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("markdown missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "## Process") {
		t.Fatalf("process section should be omitted without samples:\n%s", out)
	}
}
