package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/spectyra/spectyra-core/internal/config"
	"github.com/spectyra/spectyra-core/internal/convo"
	"github.com/spectyra/spectyra-core/internal/ledger"
	"github.com/spectyra/spectyra-core/internal/ledgerstore"
	"github.com/spectyra/spectyra-core/internal/optimizer"
	"github.com/spectyra/spectyra-core/internal/quality"
	"github.com/spectyra/spectyra-core/internal/scenario"
)

// pairProvider answers both arms with the same text but distinct usage:
// optimized prompts open with the system preamble, baseline prompts do not.
type pairProvider struct {
	reply string
	calls int
}

func (p *pairProvider) Chat(_ context.Context, req optimizer.ChatRequest) (optimizer.ChatResult, error) {
	p.calls++
	usage := &optimizer.ChatUsage{PromptTokens: 400, OutputTokens: 100}
	if len(req.Messages) > 0 && req.Messages[0].Role == convo.RoleSystem {
		usage = &optimizer.ChatUsage{PromptTokens: 150, OutputTokens: 100}
	}
	return optimizer.ChatResult{Text: p.reply, Usage: usage}, nil
}

type stubRecorder struct {
	runs []ledgerstore.Run
}

func (r *stubRecorder) RecordRun(_ context.Context, run ledgerstore.Run) error {
	r.runs = append(r.runs, run)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testScenario(t *testing.T, checks []quality.Check) *scenario.Scenario {
	t.Helper()
	compiled, err := quality.Compile(checks)
	if err != nil {
		t.Fatalf("compile checks: %v", err)
	}
	return &scenario.Scenario{
		ID:       "billing-faq",
		Path:     convo.PathTalk,
		Provider: "openai",
		Model:    "gpt-4.1-mini",
		Checks:   checks,
		Compiled: compiled,
		Turns: []convo.Message{
			{Role: convo.RoleUser, Content: "What does the pro plan cost per seat?"},
			{Role: convo.RoleAssistant, Content: "The pro plan is $49 per seat per month."},
			{Role: convo.RoleUser, Content: "Does that price include priority support?"},
		},
	}
}

func newTestLedger(t *testing.T) (*ledger.MemStore, *ledger.Writer) {
	t.Helper()
	store := ledger.NewMemStore()
	sampler := ledger.NewSampler(ledger.SamplerOptions{Store: store, Logger: quietLogger()})
	writer := ledger.NewWriter(ledger.WriterOptions{Rows: store, Sampler: sampler, Logger: quietLogger()})
	return store, writer
}

func TestRunScenarioPair_RecordsBothLegs(t *testing.T) {
	t.Parallel()

	sc := testScenario(t, []quality.Check{{Name: "mentions_price", Pattern: `\$49`}})
	prov := &pairProvider{reply: "Yes, the $49 pro plan includes priority support."}
	store, writer := newTestLedger(t)
	recorder := &stubRecorder{}

	result := runScenarioPair(context.Background(), prov, sc, suiteDeps{
		Config: &config.Config{},
		Logger: quietLogger(),
		Ledger: writer,
		Runs:   recorder,
		Shadow: true,
	})
	if result.Error != "" {
		t.Fatalf("unexpected scenario error: %s", result.Error)
	}
	if len(result.Turns) != 2 {
		t.Fatalf("expected 2 turns, got %+v", result.Turns)
	}
	if prov.calls != 4 {
		t.Fatalf("expected 4 provider calls (2 turns x 2 arms), got %d", prov.calls)
	}

	for _, turn := range result.Turns {
		if turn.BaselineTokens != 500 || turn.OptimizedTokens != 250 {
			t.Fatalf("unexpected token accounting: %+v", turn)
		}
		if turn.PctSaved != 0.5 {
			t.Fatalf("expected 50%% saved, got %+v", turn)
		}
		if !turn.BaselineQualityPass || !turn.OptimizedQualityPass {
			t.Fatalf("expected both arms to pass quality: %+v", turn)
		}
		if turn.LedgerRowID == "" {
			t.Fatalf("expected a ledger row id: %+v", turn)
		}
	}

	if len(recorder.runs) != 4 {
		t.Fatalf("expected 4 run records, got %+v", recorder.runs)
	}
	modes := map[string]int{}
	for _, run := range recorder.runs {
		modes[run.Mode]++
		if run.ScenarioID != sc.ID {
			t.Fatalf("run should carry the scenario id: %+v", run)
		}
		if run.PromptTokens+run.OutputTokens != 500 && run.PromptTokens+run.OutputTokens != 250 {
			t.Fatalf("unexpected run usage: %+v", run)
		}
	}
	if modes["baseline"] != 2 || modes["optimized"] != 2 {
		t.Fatalf("expected 2 runs per mode, got %+v", modes)
	}

	rows, err := store.ListRows(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("ListRows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 savings rows, got %+v", rows)
	}
	for _, row := range rows {
		if row.SavingsType != ledger.SavingsShadowVerified {
			t.Fatalf("expected shadow-verified row, got %+v", row)
		}
		if row.BaselineTokens != 500 || row.OptimizedTokens != 250 || row.TokensSaved != 250 {
			t.Fatalf("unexpected row accounting: %+v", row)
		}
		if row.Confidence != 1.0 {
			t.Fatalf("measured rows carry confidence 1.0: %+v", row)
		}
	}
}

func TestRunScenarioPair_VerifiedRows(t *testing.T) {
	t.Parallel()

	sc := testScenario(t, nil)
	prov := &pairProvider{reply: "The $49 pro plan includes priority support."}
	store, writer := newTestLedger(t)

	result := runScenarioPair(context.Background(), prov, sc, suiteDeps{
		Config: &config.Config{},
		Logger: quietLogger(),
		Ledger: writer,
		Shadow: false,
	})
	if result.Error != "" {
		t.Fatalf("unexpected scenario error: %s", result.Error)
	}

	rows, err := store.ListRows(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("ListRows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %+v", rows)
	}
	for _, row := range rows {
		if row.SavingsType != ledger.SavingsVerified {
			t.Fatalf("expected verified row, got %+v", row)
		}
	}
}

func TestRunScenarioPair_QualityFailureSkipsSavings(t *testing.T) {
	t.Parallel()

	sc := testScenario(t, []quality.Check{{Name: "mentions_price", Pattern: `\$49`}})
	prov := &pairProvider{reply: "Plans vary by region."}
	store, writer := newTestLedger(t)
	recorder := &stubRecorder{}

	result := runScenarioPair(context.Background(), prov, sc, suiteDeps{
		Config: &config.Config{},
		Logger: quietLogger(),
		Ledger: writer,
		Runs:   recorder,
		Shadow: true,
	})
	if result.Error != "" {
		t.Fatalf("unexpected scenario error: %s", result.Error)
	}

	for _, turn := range result.Turns {
		if turn.BaselineQualityPass || turn.OptimizedQualityPass {
			t.Fatalf("expected failing quality on both arms: %+v", turn)
		}
		if turn.LedgerRowID != "" {
			t.Fatalf("failed pairs must not produce rows: %+v", turn)
		}
	}
	// Run history still records the failed legs; only savings rows are gated
	// on quality.
	if len(recorder.runs) != 4 {
		t.Fatalf("expected 4 run records, got %d", len(recorder.runs))
	}
	rows, err := store.ListRows(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("ListRows: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no savings rows, got %+v", rows)
	}
}

func TestRunSuite_ProviderErrorRecorded(t *testing.T) {
	t.Parallel()

	sc := testScenario(t, nil)
	var progress bytes.Buffer

	results, err := runSuite(context.Background(), []*scenario.Scenario{sc}, suiteDeps{
		Config: &config.Config{},
		Logger: quietLogger(),
		NewProvider: func(name string) (optimizer.ChatProvider, error) {
			return nil, errors.New("missing OPENAI_API_KEY")
		},
		Progress: &progress,
	})
	if err != nil {
		t.Fatalf("runSuite: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %+v", results)
	}
	if results[0].Error != "missing OPENAI_API_KEY" {
		t.Fatalf("expected provider error on the scenario, got %+v", results[0])
	}
	if len(results[0].Turns) != 0 {
		t.Fatalf("a scenario without a provider must not run turns: %+v", results[0])
	}
	if !strings.Contains(progress.String(), "[spectyra-eval] (1/1) billing-faq") {
		t.Fatalf("missing progress line:\n%s", progress.String())
	}
}

func TestRunSuite_CanceledContextStops(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := runSuite(ctx, []*scenario.Scenario{testScenario(t, nil)}, suiteDeps{
		Config: &config.Config{},
		Logger: quietLogger(),
		NewProvider: func(string) (optimizer.ChatProvider, error) {
			return &pairProvider{reply: "ok"}, nil
		},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results after cancellation, got %+v", results)
	}
}

func TestCompareTurn(t *testing.T) {
	t.Parallel()

	baseline := optimizer.TurnResult{
		Usage:   optimizer.ChatUsage{PromptTokens: 900, OutputTokens: 100},
		Quality: quality.Result{Pass: true},
	}
	optimized := optimizer.TurnResult{
		Usage:   optimizer.ChatUsage{PromptTokens: 300, OutputTokens: 100},
		Quality: quality.Result{Pass: false, Failures: []string{"mentions_price"}},
	}

	cmp := compareTurn(3, baseline, optimized)
	if cmp.Turn != 3 {
		t.Fatalf("unexpected turn: %+v", cmp)
	}
	if cmp.BaselineTokens != 1000 || cmp.OptimizedTokens != 400 {
		t.Fatalf("unexpected tokens: %+v", cmp)
	}
	if cmp.PctSaved != 0.6 {
		t.Fatalf("expected 0.6 saved, got %+v", cmp)
	}
	if !cmp.BaselineQualityPass || cmp.OptimizedQualityPass {
		t.Fatalf("unexpected quality flags: %+v", cmp)
	}
	if len(cmp.OptimizedFailures) != 1 || cmp.OptimizedFailures[0] != "mentions_price" {
		t.Fatalf("expected failure names to carry over: %+v", cmp)
	}

	zero := compareTurn(1, optimizer.TurnResult{}, optimizer.TurnResult{})
	if zero.PctSaved != 0 {
		t.Fatalf("expected zero pct for zero baseline, got %+v", zero)
	}
}
