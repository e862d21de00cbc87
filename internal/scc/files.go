package scc

import (
	"regexp"
	"strings"

	"github.com/spectyra/spectyra-core/internal/convo"
)

// Focus lists carry at most 7 entries; fewer than 3 only when the
// transcript itself names fewer files.
const focusFilesMax = 7

var (
	pathTokenRe  = regexp.MustCompile(`[\w@.-]+(?:[/\\][\w@.-]+)+`)
	extensionRe  = regexp.MustCompile(`\.[A-Za-z0-9]{1,8}$`)
	fencedCodeRe = regexp.MustCompile("(?s)```[^\n]*\n(.*?)```")
)

// readToolNames are the tool actions whose output confirms a file was
// actually opened, as opposed to merely mentioned.
var readToolNames = map[string]struct{}{
	"read":      {},
	"read_file": {},
	"open_file": {},
	"view":      {},
	"cat":       {},
}

// pathTokens returns normalized plausible path tokens found in a line.
// Unified-diff header artifacts (`a/...`, `b/...`) are rejected here so they
// can never surface as files at any trust level.
func pathTokens(text string) []string {
	var out []string
	for _, raw := range pathTokenRe.FindAllString(text, -1) {
		cleaned := NormalizePath(raw)
		if !plausiblePath(cleaned) {
			continue
		}
		out = append(out, cleaned)
	}
	return out
}

func plausiblePath(path string) bool {
	if path == "" || strings.Contains(path, "://") {
		return false
	}
	segments := strings.Split(path, "/")
	if len(segments) < 2 {
		return false
	}
	first := segments[0]
	if first == "a" || first == "b" {
		return false
	}
	// Version-ish tokens ("foo/1.2.3") and bare dirs are too weak even for
	// the mentioned tier; require a file-looking last segment.
	last := segments[len(segments)-1]
	if !extensionRe.MatchString(last) {
		return false
	}
	for _, seg := range segments {
		if seg == "" {
			return false
		}
	}
	return true
}

// CollectFileRefs walks the transcript and grades every path observation:
// mentioned (any plausible token, low trust), tool_read (output of a read
// action) and user_block (inside a user-supplied fenced code block). The
// second return carries only the provenance-confirmed tiers.
func CollectFileRefs(messages []convo.Message) (touched []FileRef, confirmed []FileRef) {
	seenTouched := map[string]struct{}{}
	seenConfirmed := map[string]struct{}{}
	addTouched := func(path string, trust FileTrust) {
		if _, ok := seenTouched[path]; ok {
			return
		}
		seenTouched[path] = struct{}{}
		touched = append(touched, FileRef{Path: path, Trust: trust})
	}
	addConfirmed := func(path string, trust FileTrust) {
		addTouched(path, trust)
		if _, ok := seenConfirmed[path]; ok {
			return
		}
		seenConfirmed[path] = struct{}{}
		confirmed = append(confirmed, FileRef{Path: path, Trust: trust})
	}

	for _, msg := range messages {
		switch msg.Role {
		case convo.RoleTool:
			_, isRead := readToolNames[strings.ToLower(strings.TrimSpace(msg.ToolName))]
			for _, path := range pathTokens(msg.Content) {
				if isRead {
					addConfirmed(path, TrustToolRead)
				} else {
					addTouched(path, TrustMentioned)
				}
			}
		case convo.RoleUser:
			blocks := fencedCodeRe.FindAllStringSubmatch(msg.Content, -1)
			inBlock := map[string]struct{}{}
			for _, block := range blocks {
				for _, path := range pathTokens(block[1]) {
					inBlock[path] = struct{}{}
					addConfirmed(path, TrustUserBlock)
				}
			}
			outside := fencedCodeRe.ReplaceAllString(msg.Content, "")
			for _, path := range pathTokens(outside) {
				if _, ok := inBlock[path]; ok {
					continue
				}
				addTouched(path, TrustMentioned)
			}
		default:
			for _, path := range pathTokens(msg.Content) {
				addTouched(path, TrustMentioned)
			}
		}
	}
	return touched, confirmed
}

// FocusFiles ranks the files the next turn should stay on: files carrying
// failing signals first, then user-block files, then tool-read files.
// Deduped, clamped to the 3..7 window (fewer only when fewer exist).
func FocusFiles(signals []FailingSignal, confirmed []FileRef) []string {
	var ranked []string
	for _, sig := range signals {
		if sig.File != "" {
			ranked = append(ranked, sig.File)
		}
	}
	for _, trust := range []FileTrust{TrustUserBlock, TrustToolRead} {
		for _, ref := range confirmed {
			if ref.Trust == trust {
				ranked = append(ranked, ref.Path)
			}
		}
	}
	ranked = DedupeOrdered(ranked)
	if len(ranked) > focusFilesMax {
		ranked = ranked[:focusFilesMax]
	}
	return ranked
}
