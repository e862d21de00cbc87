package scc

import (
	"regexp"
	"strings"

	"github.com/spectyra/spectyra-core/internal/convo"
)

const maxGlobalConstraints = 20

var (
	constraintsHeaderRe = regexp.MustCompile(`(?i)^\s*(?:hard\s+)?(?:constraints?|requirements?|rules?)\s*:`)
	imperativeRe        = regexp.MustCompile(`(?i)\b(?:must(?:\s+not)?|never|always|do\s+not|don't|should\s+not|shall(?:\s+not)?|required|forbidden|disallowed|prohibited|only\s+use|use\s+only|avoid|ensure|keep|stick\s+to)\b`)
	preferenceRe        = regexp.MustCompile(`(?i)\b(?:target\s+(?:is|=)|instead\s+of|no\s+[a-z][a-z-]+(?:\s+[a-z-]+)?$|without\s+using)\b`)

	// Config-shaped lines (JSON fragments, key:value assignments) are data,
	// not instructions.
	jsonShapedRe   = regexp.MustCompile(`^\s*[\[{"]`)
	assignShapedRe = regexp.MustCompile(`^\s*"?[\w.$-]+"?\s*[:=]\s*(?:["'\[{]|-?\d|true\b|false\b|null\b)`)

	// Meta-instructions about response form and persona preambles carry no
	// durable constraint.
	metaInstructionRe = regexp.MustCompile(`(?i)^(?:please\s+)?(?:answer|respond|reply|explain|write|summari[sz]e)\s+(?:in|with|using|briefly|concisely)\b`)
	personaRe         = regexp.MustCompile(`(?i)^(?:you\s+are\b|act\s+as\b|as\s+an?\s+(?:ai|assistant|expert)\b|pretend\b)`)

	esTargetRe         = regexp.MustCompile(`(?i)\b(?:target\s+(?:is\s+|=\s*)?|compile[sd]?\s+(?:to|for)\s+|downlevel\s+to\s+)?es(\d{4}|next)\b`)
	optionalChainingRe = regexp.MustCompile(`(?i)\b(?:no|without|avoid|don't\s+use|do\s+not\s+use|never\s+use)\b.*\boptional\s+chaining\b|\boptional\s+chaining\b.*\b(?:not\s+(?:allowed|supported|available)|forbidden|unsupported)\b`)
)

// ExtractConstraints scans user and system messages for durable instruction
// lines. A line qualifies when it matches an imperative/prohibitive pattern
// or sits under a "Constraints:" header; JSON/config-shaped lines, response
// meta-instructions and persona preambles are filtered out. Language-target
// and optional-chaining constraints are canonicalized so differently phrased
// repeats collapse to one guaranteed-surviving entry. The global list is
// capped at 20 after dedup; lines naming a file additionally land in the
// per-file map.
func ExtractConstraints(messages []convo.Message) (global []string, perFile map[string][]string) {
	perFile = map[string][]string{}
	var protected []string
	for _, msg := range messages {
		if msg.Role != convo.RoleUser && msg.Role != convo.RoleSystem {
			continue
		}
		inHeader := false
		for _, line := range strings.Split(msg.Content, "\n") {
			cleaned := NormalizeBullet(line)
			if cleaned == "" {
				inHeader = false
				continue
			}
			if constraintsHeaderRe.MatchString(line) {
				inHeader = true
				rest := CollapseWhitespace(constraintsHeaderRe.ReplaceAllString(line, ""))
				if rest != "" {
					cleaned = rest
				} else {
					continue
				}
			}
			if !inHeader && !imperativeRe.MatchString(cleaned) && !preferenceRe.MatchString(cleaned) &&
				!esTargetRe.MatchString(cleaned) && !optionalChainingRe.MatchString(cleaned) {
				continue
			}
			if jsonShapedRe.MatchString(line) || assignShapedRe.MatchString(line) {
				continue
			}
			if metaInstructionRe.MatchString(cleaned) || personaRe.MatchString(cleaned) {
				continue
			}
			if canon := canonicalConstraints(cleaned); len(canon) > 0 {
				protected = append(protected, canon...)
				continue
			}
			global = append(global, cleaned)
			for _, path := range pathTokens(cleaned) {
				perFile[path] = append(perFile[path], cleaned)
			}
		}
	}

	protected = DedupeOrdered(protected)
	global = DedupeOrdered(global)
	if len(global)+len(protected) > maxGlobalConstraints {
		keep := maxGlobalConstraints - len(protected)
		if keep < 0 {
			keep = 0
		}
		if keep < len(global) {
			global = global[:keep]
		}
	}
	global = append(protected, global...)
	for path, lines := range perFile {
		perFile[path] = DedupeOrdered(lines)
	}
	if len(perFile) == 0 {
		perFile = nil
	}
	return global, perFile
}

// LooksConstraint reports whether a single normalized line reads as a
// durable instruction. Shared with the unitizer's fragment classifier.
func LooksConstraint(line string) bool {
	line = CollapseWhitespace(line)
	if line == "" {
		return false
	}
	return imperativeRe.MatchString(line) || preferenceRe.MatchString(line) ||
		esTargetRe.MatchString(line) || optionalChainingRe.MatchString(line)
}

// canonicalConstraints maps language-target and optional-chaining phrasings
// onto fixed spellings. These constraints break builds when lost, so they
// bypass the cap and cross-phrasing dedup cannot drop them. One line can
// carry both.
func canonicalConstraints(line string) []string {
	var out []string
	if m := esTargetRe.FindStringSubmatch(line); m != nil {
		out = append(out, "Target is ES"+strings.ToUpper(m[1])+".")
	}
	if optionalChainingRe.MatchString(line) {
		out = append(out, "No optional chaining.")
	}
	return out
}
