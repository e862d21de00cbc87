package semantic

import (
	"context"
	"strings"
	"testing"

	"github.com/spectyra/spectyra-core/internal/convo"
)

type stubEmbedder struct {
	vectors map[string][]float32
	calls   int
}

func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	s.calls++
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if vec, ok := s.vectors[text]; ok {
			out[i] = vec
			continue
		}
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

type stubClassifier struct {
	calls int
}

// Pairs where either side mentions "dark mode is off" against "dark mode is
// on" contradict; everything else entails.
func (s *stubClassifier) ClassifyBatch(_ context.Context, pairs []NLIPair) ([]NLIResult, error) {
	s.calls++
	out := make([]NLIResult, len(pairs))
	for i, pair := range pairs {
		a := strings.Contains(pair.Premise, "off") || strings.Contains(pair.Hypothesis, "off")
		b := strings.Contains(pair.Premise, "on") || strings.Contains(pair.Hypothesis, "on")
		if a && b {
			out[i] = NLIResult{Label: NLIContradiction, Confidence: 0.9}
			continue
		}
		out[i] = NLIResult{Label: NLIEntailment, Confidence: 0.9}
	}
	return out, nil
}

func TestAnalyze_EmptyConversation(t *testing.T) {
	t.Parallel()

	analyzer := NewAnalyzer(&stubClassifier{}, AnalyzerOptions{})
	summary, state, err := analyzer.Analyze(context.Background(), ConversationState{ConversationID: "c1", Path: convo.PathTalk}, LoopSignals{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.NNodes != 0 || summary.StabilityIndex != 0.5 || summary.Recommendation != RecommendExpand {
		t.Fatalf("expected fresh-conversation defaults, got %+v", summary)
	}
	if len(state.Units) != 0 {
		t.Fatalf("expected state unchanged, got %+v", state)
	}
}

func TestAnalyze_ReinforcedUnitsRecommendReuse(t *testing.T) {
	t.Parallel()

	units := []SemanticUnit{
		{ID: "u1", Kind: UnitKindFact, Text: "the api is versioned", Embedding: []float32{1, 0, 0}, StabilityScore: 0.7},
		{ID: "u2", Kind: UnitKindFact, Text: "the api keeps versions", Embedding: []float32{0.99, 0.1, 0}, StabilityScore: 0.7},
		{ID: "u3", Kind: UnitKindFact, Text: "versioning stays enabled", Embedding: []float32{0.98, 0.15, 0}, StabilityScore: 0.7},
	}
	analyzer := NewAnalyzer(&stubClassifier{}, AnalyzerOptions{})
	summary, state, err := analyzer.Analyze(context.Background(), ConversationState{ConversationID: "c1", Units: units}, LoopSignals{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Recommendation != RecommendReuse {
		t.Fatalf("expected REUSE for tightly reinforced units, got %+v", summary)
	}
	if len(summary.StableUnits) != 3 || len(summary.UnstableUnits) != 0 {
		t.Fatalf("expected all units stable, got %+v", summary)
	}
	for i := range state.Units {
		if state.Units[i].ID != units[i].ID {
			t.Fatalf("analyzer must not reassign unit ids")
		}
	}
}

func TestAnalyze_ContradictionMarksUnstable(t *testing.T) {
	t.Parallel()

	units := []SemanticUnit{
		{ID: "u1", Text: "dark mode is on", Embedding: []float32{1, 0, 0}, StabilityScore: 0.7},
		{ID: "u2", Text: "dark mode is off", Embedding: []float32{0.97, 0.2, 0}, StabilityScore: 0.7},
	}
	analyzer := NewAnalyzer(&stubClassifier{}, AnalyzerOptions{})
	summary, state, err := analyzer.Analyze(context.Background(), ConversationState{ConversationID: "c1", Units: units}, LoopSignals{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.ContradictionEnergy <= 0 || summary.EnergyRatio != 1 {
		t.Fatalf("expected pure contradiction energy, got %+v", summary)
	}
	if len(summary.UnstableUnits) != 2 {
		t.Fatalf("expected both units unstable, got %+v", summary)
	}
	if summary.Recommendation != RecommendAskClarify {
		t.Fatalf("expected ASK_CLARIFY when contradiction dominates, got %+v", summary)
	}
	if state.Units[0].StabilityScore >= 0.7 {
		t.Fatalf("expected conflicted unit score lowered, got %+v", state.Units[0])
	}
}

func TestAnalyze_DeterministicForSameInput(t *testing.T) {
	t.Parallel()

	units := []SemanticUnit{
		{ID: "u1", Text: "alpha", Embedding: []float32{1, 0, 0}},
		{ID: "u2", Text: "beta", Embedding: []float32{0.9, 0.3, 0}},
	}
	analyzer := NewAnalyzer(&stubClassifier{}, AnalyzerOptions{})
	first, _, err := analyzer.Analyze(context.Background(), ConversationState{Units: units}, LoopSignals{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, _, err := analyzer.Analyze(context.Background(), ConversationState{Units: units}, LoopSignals{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.StabilityIndex != second.StabilityIndex || first.Recommendation != second.Recommendation {
		t.Fatalf("expected deterministic analysis, got %+v vs %+v", first, second)
	}
}

func TestUnitize_BatchesOneEmbedCallAndClassifies(t *testing.T) {
	t.Parallel()

	embedder := &stubEmbedder{vectors: map[string][]float32{
		"Never log credentials.":                       {1, 0, 0},
		"The deploy failed because the token expired.": {0, 1, 0},
		"```go\nfunc main() {}\n```":                   {0, 0, 1},
	}}
	unitizer := NewUnitizer(embedder, UnitizerOptions{})
	messages := []convo.Message{
		{Role: convo.RoleUser, Content: "Never log credentials.\n\nThe deploy failed because the token expired.\n\n```go\nfunc main() {}\n```"},
		{Role: convo.RoleTool, Content: "ERROR in x.ts:1"},
	}
	state, err := unitizer.Unitize(context.Background(), ConversationState{ConversationID: "c1"}, messages)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if embedder.calls != 1 {
		t.Fatalf("expected a single batched embed call, got %d", embedder.calls)
	}
	if state.LastTurn != 1 {
		t.Fatalf("expected turn advance, got %+v", state.LastTurn)
	}
	kinds := map[UnitKind]int{}
	for _, unit := range state.Units {
		kinds[unit.Kind]++
		if unit.CreatedAtTurn != 1 {
			t.Fatalf("expected createdAtTurn=1, got %+v", unit)
		}
	}
	if kinds[UnitKindConstraint] != 1 || kinds[UnitKindExplanation] != 1 || kinds[UnitKindCode] != 1 {
		t.Fatalf("unexpected kind split: %+v", kinds)
	}
}

func TestUnitize_NearDuplicateReusesExistingUnit(t *testing.T) {
	t.Parallel()

	embedder := &stubEmbedder{vectors: map[string][]float32{
		"The retry limit is three.":   {0, 1, 0},
		"Retry limit stays at three.": {0, 0.999, 0.01},
	}}
	unitizer := NewUnitizer(embedder, UnitizerOptions{SimilarityReuseThreshold: 0.9})
	base, err := unitizer.Unitize(context.Background(), ConversationState{ConversationID: "c1"},
		[]convo.Message{{Role: convo.RoleUser, Content: "The retry limit is three."}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(base.Units) != 1 {
		t.Fatalf("expected one unit, got %+v", base.Units)
	}
	next, err := unitizer.Unitize(context.Background(), base,
		[]convo.Message{{Role: convo.RoleAssistant, Content: "Retry limit stays at three."}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(next.Units) != 1 {
		t.Fatalf("expected near-duplicate suppressed, got %+v", next.Units)
	}
	if next.Units[0].ID != base.Units[0].ID {
		t.Fatalf("expected existing unit preserved, got %+v", next.Units[0])
	}
}

func TestUnitize_EmbedderFailureDegradesToZeroVectors(t *testing.T) {
	t.Parallel()

	unitizer := NewUnitizer(failingEmbedder{}, UnitizerOptions{})
	state, err := unitizer.Unitize(context.Background(), ConversationState{ConversationID: "c1"},
		[]convo.Message{{Role: convo.RoleUser, Content: "Always use tabs."}})
	if err != nil {
		t.Fatalf("expected degraded success, got %v", err)
	}
	if len(state.Units) != 1 || len(state.Units[0].Embedding) != 0 {
		t.Fatalf("expected unit with zero-value embedding, got %+v", state.Units)
	}
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return nil, context.DeadlineExceeded
}
