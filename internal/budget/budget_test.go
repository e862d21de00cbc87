package budget

import (
	"testing"

	"github.com/spectyra/spectyra-core/internal/convo"
	"github.com/spectyra/spectyra-core/internal/semantic"
)

func stableSummary(index float64) semantic.SpectralSummary {
	return semantic.SpectralSummary{NNodes: 5, NEdges: 4, StabilityIndex: index}
}

func TestDerive_LevelsShrinkMonotonically(t *testing.T) {
	t.Parallel()

	prev := Derive(DeriveInput{Summary: stableSummary(0.95), Level: 0, Path: convo.PathTalk})
	for level := 1; level <= 4; level++ {
		row := Derive(DeriveInput{Summary: stableSummary(0.95), Level: level, Path: convo.PathTalk})
		if row.MaxStateChars >= prev.MaxStateChars {
			t.Fatalf("level %d max_state_chars %d not below level %d (%d)", level, row.MaxStateChars, level-1, prev.MaxStateChars)
		}
		if row.KeepLastTurns > prev.KeepLastTurns {
			t.Fatalf("level %d keep_last_turns %d grew past level %d (%d)", level, row.KeepLastTurns, level-1, prev.KeepLastTurns)
		}
		if row.CompressionAggressiveness < prev.CompressionAggressiveness {
			t.Fatalf("level %d aggressiveness %d fell below level %d (%d)", level, row.CompressionAggressiveness, level-1, prev.CompressionAggressiveness)
		}
		prev = row
	}
}

func TestDerive_LowStabilityWidensToLevelZero(t *testing.T) {
	t.Parallel()

	row := Derive(DeriveInput{Summary: stableSummary(0.2), Level: 4, Path: convo.PathCode})
	widest := Derive(DeriveInput{Summary: stableSummary(0.95), Level: 0, Path: convo.PathCode})
	if row != widest {
		t.Fatalf("expected level-0 row under low stability, got %+v", row)
	}
	if !row.RetainToolLogs {
		t.Fatalf("expected tool logs retained at the widest row, got %+v", row)
	}
}

func TestDerive_MiddleBandCapsEffectiveLevel(t *testing.T) {
	t.Parallel()

	capped := Derive(DeriveInput{Summary: stableSummary(0.5), Level: 4, Path: convo.PathTalk})
	levelTwo := Derive(DeriveInput{Summary: stableSummary(0.95), Level: 2, Path: convo.PathTalk})
	if capped != levelTwo {
		t.Fatalf("expected level-2 row in the middle band, got %+v", capped)
	}
}

func TestDerive_HighBandHonorsRequestedLevel(t *testing.T) {
	t.Parallel()

	row := Derive(DeriveInput{Summary: stableSummary(0.9), Level: 4, Path: convo.PathTalk})
	if row.MaxStateChars != 2200 {
		t.Fatalf("expected the level-4 row, got %+v", row)
	}
	if row.RetainToolLogs {
		t.Fatalf("expected tool logs released at level 4, got %+v", row)
	}
}

func TestDerive_FailingLoopPinsToolLogsForCode(t *testing.T) {
	t.Parallel()

	code := Derive(DeriveInput{Summary: stableSummary(0.9), Level: 4, Path: convo.PathCode, RecentFailingCount: 3})
	if !code.RetainToolLogs {
		t.Fatalf("expected tool logs pinned for a failing code loop, got %+v", code)
	}
	talk := Derive(DeriveInput{Summary: stableSummary(0.9), Level: 4, Path: convo.PathTalk, RecentFailingCount: 3})
	if talk.RetainToolLogs {
		t.Fatalf("expected talk path unaffected by failing count, got %+v", talk)
	}
	calm := Derive(DeriveInput{Summary: stableSummary(0.9), Level: 4, Path: convo.PathCode, RecentFailingCount: 2})
	if calm.RetainToolLogs {
		t.Fatalf("expected count at the threshold to leave tool logs released, got %+v", calm)
	}
}

func TestDerive_OutOfRangeLevelClamped(t *testing.T) {
	t.Parallel()

	low := Derive(DeriveInput{Summary: stableSummary(0.9), Level: -3, Path: convo.PathTalk})
	if low.MaxStateChars != 6000 {
		t.Fatalf("expected negative level clamped to 0, got %+v", low)
	}
	high := Derive(DeriveInput{Summary: stableSummary(0.9), Level: 99, Path: convo.PathTalk})
	if high.MaxStateChars != 2200 {
		t.Fatalf("expected oversized level clamped to 4, got %+v", high)
	}
}

func TestDerive_ZeroThresholdsFallBackToDefaults(t *testing.T) {
	t.Parallel()

	row := Derive(DeriveInput{Summary: stableSummary(0.5), Level: 4, Path: convo.PathTalk})
	if row.MaxStateChars != 4000 {
		t.Fatalf("expected default band to cap level at 2, got %+v", row)
	}
}
