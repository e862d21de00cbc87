// Package scc is the structured context compiler: deterministic, rule-based
// extraction of constraints, failing build/test signals and touched files
// from a raw transcript, compiled into one bounded synthetic state message
// per conversation path. Every operation is a pure function of its input;
// identical input and budgets always produce identical output.
package scc

import (
	"github.com/spectyra/spectyra-core/internal/convo"
)

// FileTrust grades how a file path entered the transcript.
type FileTrust string

const (
	// TrustMentioned covers any plausible path token in any message. Debug
	// value only; never promoted into the compiled state on its own.
	TrustMentioned FileTrust = "mentioned"
	// TrustToolRead means the path came out of a tool read action.
	TrustToolRead FileTrust = "tool_read"
	// TrustUserBlock means the path appeared inside a user-supplied code block.
	TrustUserBlock FileTrust = "user_block"
)

// FileRef is one provenance-graded path observation.
type FileRef struct {
	Path  string    `json:"path"`
	Trust FileTrust `json:"trust"`
}

// FailingSignal is one parsed build/test/runtime diagnostic.
type FailingSignal struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Raw     string `json:"raw"`

	// MessageIndex is the transcript position of the tool message the
	// signal was parsed from; used by the loop detectors.
	MessageIndex int `json:"message_index"`
}

// ExtractedSignals is the full extraction result for one transcript.
type ExtractedSignals struct {
	GlobalConstraints  []string            `json:"global_constraints,omitempty"`
	FileConstraints    map[string][]string `json:"file_constraints,omitempty"`
	FailingSignals     []FailingSignal     `json:"failing_signals,omitempty"`
	TouchedFiles       []FileRef           `json:"touched_files,omitempty"`
	ConfirmedFiles     []FileRef           `json:"confirmed_files,omitempty"`
	FocusFiles         []string            `json:"focus_files,omitempty"`
	LatestToolFailure  string              `json:"latest_tool_failure,omitempty"`
	RepeatedCodes      []string            `json:"repeated_codes,omitempty"`
	RecentFailingCount int                 `json:"recent_failing_count"`
}

// LoopDetected reports whether either stuck-loop heuristic fired.
func (s ExtractedSignals) LoopDetected() bool {
	return len(s.RepeatedCodes) > 0 || s.RecentFailingCount >= recentFailingLoopThreshold
}

// Budgets are the per-turn compression knobs consumed by the compile stage.
// Derived fresh each turn; immutable during one compilation pass.
type Budgets struct {
	KeepLastTurns             int  `json:"keep_last_turns"`
	MaxRefpackEntries         int  `json:"max_refpack_entries"`
	MinRefpackSavings         int  `json:"min_refpack_savings"`
	CompressionAggressiveness int  `json:"compression_aggressiveness"`
	PhrasebookAggressiveness  int  `json:"phrasebook_aggressiveness"`
	CodemapDetailLevel        int  `json:"codemap_detail_level"`
	StateCompressionLevel     int  `json:"state_compression_level"`
	MaxStateChars             int  `json:"max_state_chars"`
	RetainToolLogs            bool `json:"retain_tool_logs"`
}

// CompiledState is the single synthetic message produced per turn.
type CompiledState struct {
	Marker          string         `json:"marker"`
	Text            string         `json:"text"`
	SectionChars    map[string]int `json:"section_chars,omitempty"`
	DroppedSections []string       `json:"dropped_sections,omitempty"`
}

// Chars is the rune length of the compiled text.
func (c CompiledState) Chars() int {
	return len([]rune(c.Text))
}

// Extract runs every extractor over the transcript and assembles the
// combined signal set. Unrecognized content never fails extraction; absent
// patterns simply yield empty sections.
func Extract(messages []convo.Message) ExtractedSignals {
	global, perFile := ExtractConstraints(messages)
	occurrences := parseFailingSignals(messages)
	touched, confirmed := CollectFileRefs(messages)
	out := ExtractedSignals{
		GlobalConstraints:  global,
		FileConstraints:    perFile,
		FailingSignals:     dedupeSignals(occurrences),
		TouchedFiles:       touched,
		ConfirmedFiles:     confirmed,
		LatestToolFailure:  LatestToolFailure(messages),
		RepeatedCodes:      RepeatedCodes(occurrences),
		RecentFailingCount: RecentFailingCount(messages, recentFailingWindow),
	}
	out.FocusFiles = FocusFiles(out.FailingSignals, confirmed)
	return out
}
