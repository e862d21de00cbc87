package scc

import (
	"strings"
	"testing"

	"github.com/spectyra/spectyra-core/internal/convo"
)

func TestNormalizePath_Cases(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{`a\b//c.ts.`, "a/b/c.ts"},
		{"apps//web///src/main.ts,", "apps/web/src/main.ts"},
		{"  src/app.ts:  ", "src/app.ts"},
		{"`internal/scc/compile.go`", "internal/scc/compile.go"},
	}
	for _, tc := range cases {
		if got := NormalizePath(tc.in); got != tc.want {
			t.Fatalf("NormalizePath(%q): expected %q, got %q", tc.in, tc.want, got)
		}
	}
}

func TestNormalizeBullet_CollapsesMarkersAndWhitespace(t *testing.T) {
	t.Parallel()

	if got := NormalizeBullet("-  - Do   not\tuse X."); got != "Do not use X." {
		t.Fatalf("expected collapsed bullet, got %q", got)
	}
	if got := NormalizeBullet("* keep it"); got != "keep it" {
		t.Fatalf("expected marker stripped, got %q", got)
	}
}

func TestDedupeOrdered_KeepsFirstSpelling(t *testing.T) {
	t.Parallel()

	got := DedupeOrdered([]string{"Do not use X.", "do not  use x.", "", "Target is ES2019."})
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %+v", got)
	}
	if got[0] != "Do not use X." || got[1] != "Target is ES2019." {
		t.Fatalf("unexpected order or spelling: %+v", got)
	}
}

func TestExtractConstraints_DedupAndProtectedSurvival(t *testing.T) {
	t.Parallel()

	messages := []convo.Message{{
		Role: convo.RoleUser,
		Content: strings.Join([]string{
			"- Do not use X.",
			"- Do not use X.",
			"- Target is ES2019; no optional chaining.",
		}, "\n"),
	}}
	global, _ := ExtractConstraints(messages)
	if len(global) > 3 {
		t.Fatalf("expected deduped list of at most 3, got %+v", global)
	}
	if !containsString(global, "Target is ES2019.") {
		t.Fatalf("expected ES2019 constraint to survive, got %+v", global)
	}
	if !containsString(global, "No optional chaining.") {
		t.Fatalf("expected optional-chaining constraint to survive, got %+v", global)
	}
	if !containsString(global, "Do not use X.") {
		t.Fatalf("expected deduped prohibition, got %+v", global)
	}
}

func TestExtractConstraints_FiltersConfigAndPersona(t *testing.T) {
	t.Parallel()

	messages := []convo.Message{{
		Role: convo.RoleUser,
		Content: strings.Join([]string{
			`"strict": true,`,
			`target = "es2015"`,
			"You are a helpful assistant.",
			"Please answer in French.",
			"Never commit secrets.",
		}, "\n"),
	}}
	global, _ := ExtractConstraints(messages)
	for _, c := range global {
		if strings.Contains(c, "helpful assistant") || strings.Contains(c, "answer in") || strings.Contains(c, `"strict"`) {
			t.Fatalf("expected filtered line, got %+v", global)
		}
	}
	if !containsString(global, "Never commit secrets.") {
		t.Fatalf("expected imperative kept, got %+v", global)
	}
}

func TestExtractConstraints_HeaderSectionAndCap(t *testing.T) {
	t.Parallel()

	var lines []string
	lines = append(lines, "Constraints:")
	for i := 0; i < 30; i++ {
		lines = append(lines, "- keep invariant number "+strings.Repeat("x", i+1))
	}
	messages := []convo.Message{{Role: convo.RoleUser, Content: strings.Join(lines, "\n")}}
	global, _ := ExtractConstraints(messages)
	if len(global) != 20 {
		t.Fatalf("expected cap of 20 after dedup, got %d", len(global))
	}
}

func TestExtractFailingSignals_DedupByFileLineCode(t *testing.T) {
	t.Parallel()

	block := "ERROR in apps/web/src/main.ts:10\nTS2322: Type 'string' is not assignable to type 'number'."
	messages := []convo.Message{{
		Role:     convo.RoleTool,
		ToolName: "run_build",
		Content:  block + "\n\n" + block,
	}}
	signals := ExtractFailingSignals(messages)
	if len(signals) != 1 {
		t.Fatalf("expected exactly one deduped signal, got %+v", signals)
	}
	sig := signals[0]
	if sig.File != "apps/web/src/main.ts" || sig.Line != 10 || sig.Code != "TS2322" {
		t.Fatalf("unexpected signal fields: %+v", sig)
	}
}

func TestExtractFailingSignals_TscAndBareDiagnostics(t *testing.T) {
	t.Parallel()

	messages := []convo.Message{{
		Role: convo.RoleTool,
		Content: strings.Join([]string{
			"apps/web/src/app.component.ts(42,7): error TS2551: Property 'titel' does not exist.",
			"TS9999: standalone diagnostic.",
		}, "\n"),
	}}
	signals := ExtractFailingSignals(messages)
	if len(signals) != 2 {
		t.Fatalf("expected 2 signals, got %+v", signals)
	}
	if signals[0].File != "apps/web/src/app.component.ts" || signals[0].Line != 42 || signals[0].Code != "TS2551" {
		t.Fatalf("unexpected tsc signal: %+v", signals[0])
	}
	if signals[1].Code != "TS9999" || signals[1].File != "" {
		t.Fatalf("unexpected bare signal: %+v", signals[1])
	}
}

func TestLatestToolFailure_PicksMostRecentVerbatim(t *testing.T) {
	t.Parallel()

	failure := "Command failed with exit code 1\nERROR in src/a.ts:3\nTS1005: ';' expected."
	messages := []convo.Message{
		{Role: convo.RoleTool, Content: "ERROR in src/old.ts:1\nTS0001: old failure."},
		{Role: convo.RoleAssistant, Content: "Fixing."},
		{Role: convo.RoleTool, Content: "All 14 tests passed."},
		{Role: convo.RoleTool, Content: failure},
	}
	if got := LatestToolFailure(messages); got != failure {
		t.Fatalf("expected verbatim latest failure, got %q", got)
	}
}

func TestRecentFailingCount_WindowedOverToolMessages(t *testing.T) {
	t.Parallel()

	var messages []convo.Message
	for i := 0; i < 20; i++ {
		content := "Build OK."
		if i%2 == 0 {
			content = "ERROR in src/x.ts:1\nTS1000: boom."
		}
		messages = append(messages, convo.Message{Role: convo.RoleTool, Content: content})
	}
	// Last 12 tool messages alternate: indexes 8..19, of which 8,10,...,18 fail.
	if got := RecentFailingCount(messages, 12); got != 6 {
		t.Fatalf("expected 6 failing in window, got %d", got)
	}
}

func TestRepeatedCodes_FlagsCrossMessageRepeats(t *testing.T) {
	t.Parallel()

	messages := []convo.Message{
		{Role: convo.RoleTool, Content: "TS2322: first occurrence."},
		{Role: convo.RoleAssistant, Content: "trying a fix"},
		{Role: convo.RoleTool, Content: "TS2322: second occurrence."},
		{Role: convo.RoleTool, Content: "TS1005: only once."},
	}
	codes := RepeatedCodes(parseFailingSignals(messages))
	if len(codes) != 1 || codes[0] != "TS2322" {
		t.Fatalf("expected [TS2322], got %+v", codes)
	}
}

func containsString(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}
