package scc

import (
	"strings"
	"testing"

	"github.com/spectyra/spectyra-core/internal/convo"
)

func defaultTestBudgets() Budgets {
	return Budgets{
		KeepLastTurns:     4,
		MaxRefpackEntries: 4,
		MinRefpackSavings: 40,
		MaxStateChars:     4000,
		RetainToolLogs:    true,
	}
}

func TestCollectFileRefs_ExcludesDiffArtifacts(t *testing.T) {
	t.Parallel()

	messages := []convo.Message{
		{Role: convo.RoleUser, Content: "Here is the diff:\n--- a/tsconfig.js\n+++ b/tsconfig.js\n@@ -1 +1 @@"},
		{Role: convo.RoleTool, ToolName: "read_file", Content: "// apps/web/src/app.component.ts\nexport class AppComponent {}"},
	}
	touched, confirmed := CollectFileRefs(messages)
	for _, ref := range append(append([]FileRef(nil), touched...), confirmed...) {
		if ref.Path == "a/tsconfig.js" || ref.Path == "b/tsconfig.js" {
			t.Fatalf("diff artifact leaked into refs: %+v", ref)
		}
	}
	var found bool
	for _, ref := range confirmed {
		if ref.Path == "apps/web/src/app.component.ts" && ref.Trust == TrustToolRead {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected confirmed tool-read path, got %+v", confirmed)
	}
}

func TestCollectFileRefs_UserBlockTrust(t *testing.T) {
	t.Parallel()

	messages := []convo.Message{{
		Role:    convo.RoleUser,
		Content: "My component:\n```ts\nimport { api } from 'libs/shared/src/api.ts';\n```\nAlso see docs/readme.md somewhere.",
	}}
	touched, confirmed := CollectFileRefs(messages)
	if len(confirmed) != 1 || confirmed[0].Path != "libs/shared/src/api.ts" || confirmed[0].Trust != TrustUserBlock {
		t.Fatalf("expected single user-block confirmation, got %+v", confirmed)
	}
	var mentioned bool
	for _, ref := range touched {
		if ref.Path == "docs/readme.md" && ref.Trust == TrustMentioned {
			mentioned = true
		}
	}
	if !mentioned {
		t.Fatalf("expected prose path at mentioned trust, got %+v", touched)
	}
}

func TestFocusFiles_RankingAndClamp(t *testing.T) {
	t.Parallel()

	signals := []FailingSignal{
		{File: "src/broken.ts", Line: 1, Code: "TS1"},
		{File: "src/broken2.ts", Line: 2, Code: "TS2"},
	}
	var confirmed []FileRef
	confirmed = append(confirmed, FileRef{Path: "src/user.ts", Trust: TrustUserBlock})
	for i := 0; i < 10; i++ {
		confirmed = append(confirmed, FileRef{Path: "src/read" + strings.Repeat("x", i) + ".ts", Trust: TrustToolRead})
	}
	focus := FocusFiles(signals, confirmed)
	if len(focus) != 7 {
		t.Fatalf("expected clamp at 7, got %d: %+v", len(focus), focus)
	}
	if focus[0] != "src/broken.ts" || focus[1] != "src/broken2.ts" {
		t.Fatalf("expected failing files ranked first, got %+v", focus)
	}
	if focus[2] != "src/user.ts" {
		t.Fatalf("expected user-block file before tool reads, got %+v", focus)
	}
}

func TestCompileCodeState_DedupesIdenticalErrorBlocks(t *testing.T) {
	t.Parallel()

	block := "ERROR in apps/web/src/main.ts:10\nTS2322: Type 'string' is not assignable to type 'number'."
	messages := []convo.Message{
		{Role: convo.RoleUser, Content: "- Do not add dependencies."},
		{Role: convo.RoleTool, ToolName: "run_build", Content: block + "\n\n" + block},
	}
	state := CompileCodeState(Extract(messages), defaultTestBudgets())
	if !strings.HasPrefix(state.Text, MarkerCode) {
		t.Fatalf("expected code marker prefix, got %q", state.Text)
	}
	if got := strings.Count(state.Text, "apps/web/src/main.ts:10 TS2322"); got != 1 {
		t.Fatalf("expected exactly one deduped failing entry, got %d in:\n%s", got, state.Text)
	}
}

func TestCompileCodeState_SectionOrder(t *testing.T) {
	t.Parallel()

	messages := []convo.Message{
		{Role: convo.RoleUser, Content: "- Never use any.\nMy file:\n```ts\n// src/app.ts\n```"},
		{Role: convo.RoleTool, ToolName: "run_build", Content: "ERROR in src/app.ts:3\nTS2322: bad type."},
	}
	state := CompileCodeState(Extract(messages), defaultTestBudgets())
	idxConstraints := strings.Index(state.Text, "## Constraints")
	idxFailing := strings.Index(state.Text, "## Failing signals")
	idxFailure := strings.Index(state.Text, "## Latest tool failure")
	idxFocus := strings.Index(state.Text, "## Focus files")
	if idxConstraints < 0 || idxFailing < 0 || idxFailure < 0 || idxFocus < 0 {
		t.Fatalf("missing sections in:\n%s", state.Text)
	}
	if !(idxConstraints < idxFailing && idxFailing < idxFailure && idxFailure < idxFocus) {
		t.Fatalf("sections out of order in:\n%s", state.Text)
	}
}

func TestCompileState_Deterministic(t *testing.T) {
	t.Parallel()

	messages := []convo.Message{
		{Role: convo.RoleUser, Content: "Constraints:\n- Target is ES2019.\n- Never use eval."},
		{Role: convo.RoleTool, ToolName: "run_tests", Content: "FAIL src/a_test.ts\nTS1005: ';' expected."},
	}
	signals := Extract(messages)
	budgets := defaultTestBudgets()
	first := CompileCodeState(signals, budgets)
	second := CompileCodeState(signals, budgets)
	if first.Text != second.Text {
		t.Fatalf("expected deterministic output, got divergence:\n%s\n---\n%s", first.Text, second.Text)
	}
}

func TestCompileState_EnforcesMaxStateChars(t *testing.T) {
	t.Parallel()

	var failing []string
	for i := 0; i < 200; i++ {
		failing = append(failing, "ERROR in src/file"+strings.Repeat("y", i%13)+".ts:"+string(rune('1'+i%9)))
	}
	messages := []convo.Message{
		{Role: convo.RoleUser, Content: "- Do not use optional chaining."},
		{Role: convo.RoleTool, ToolName: "run_build", Content: strings.Join(failing, "\n")},
	}
	budgets := defaultTestBudgets()
	budgets.MaxStateChars = 600
	budgets.RetainToolLogs = false
	state := CompileCodeState(Extract(messages), budgets)
	if state.Chars() > 600 {
		t.Fatalf("expected compiled state within %d chars, got %d", 600, state.Chars())
	}
	if !strings.Contains(state.Text, "No optional chaining.") {
		t.Fatalf("protected constraint lost under truncation:\n%s", state.Text)
	}
}

func TestCompileTalkState_ConstraintsOnly(t *testing.T) {
	t.Parallel()

	messages := []convo.Message{
		{Role: convo.RoleUser, Content: "- Always answer in formal tone.\n- Never mention internal ids."},
		{Role: convo.RoleTool, ToolName: "run_build", Content: "ERROR in src/x.ts:1\nTS1: nope."},
	}
	state := CompileTalkState(Extract(messages), defaultTestBudgets())
	if !strings.HasPrefix(state.Text, MarkerTalk) {
		t.Fatalf("expected talk marker, got %q", state.Text)
	}
	if strings.Contains(state.Text, "## Failing signals") {
		t.Fatalf("talk state must not carry code sections:\n%s", state.Text)
	}
}

func TestBuildRefpack_ReplacesRepeatedLongLines(t *testing.T) {
	t.Parallel()

	long := "- " + strings.Repeat("the same very long failing explanation ", 3)
	sections := []section{
		{name: sectionFailing, body: long + "\n- short"},
		{name: sectionFailure, body: long},
	}
	budgets := defaultTestBudgets()
	out := buildRefpack(sections, budgets)
	if out[len(out)-1].name != sectionReferences {
		t.Fatalf("expected trailing references section, got %+v", out[len(out)-1].name)
	}
	if !strings.Contains(out[0].body, "[R1]") || !strings.Contains(out[1].body, "[R1]") {
		t.Fatalf("expected occurrences replaced by tag: %+v", out)
	}
	if !strings.Contains(out[len(out)-1].body, strings.TrimSpace(long)) {
		t.Fatalf("expected definition preserved in references: %q", out[len(out)-1].body)
	}
}
