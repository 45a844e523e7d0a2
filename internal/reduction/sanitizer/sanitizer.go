// Package sanitizer is the Reduction Sanitizer (C6): a pure, deterministic,
// versioned text cleanup applied to every candidate utterance before it is
// handed to the semantic authority. This is an evidence transform only —
// never semantic (I-BOUNDARY-1): it strips formatting and degenerate
// repetition, it never classifies or interprets the remaining text.
//
// Grounded in shape on internal/escalation/camouflage.go's "single
// authoritative implementation" convention: one pure function, no side
// channel, callable from any number of goroutines without coordination.
package sanitizer

import (
	"regexp"
	"strings"
)

// Version is bumped whenever the rule set below changes; callers persist
// it alongside the sanitized envelope so replayed provenance can be
// attributed to the rules that produced it.
const Version = "sanitizer-v1"

// Flag names a non-identity transform that fired during sanitization.
type Flag string

const (
	FlagStrippedCodeFence    Flag = "stripped_code_fence"
	FlagStrippedThinkBlock   Flag = "stripped_think_block"
	FlagTruncatedDegenerate  Flag = "truncated_degenerate"
	FlagMultipleMarkers      Flag = "multiple_markers"
	FlagStrippedMarkers      Flag = "stripped_markers"
	FlagCollapsedWhitespace  Flag = "collapsed_whitespace"
)

// Result is the output of Sanitize: the cleaned text, every flag that
// fired (in the order the corresponding step ran), the verbatim marker
// tags extracted before removal, and the rule-set version.
type Result struct {
	SanitizedText string
	Flags         []Flag
	Markers       []string
	Version       string
}

var (
	fencedCodeRe = regexp.MustCompile("(?s)```.*?```")
	thinkBlockRe = regexp.MustCompile(`(?is)<think>.*?</think>`)
	markerRe     = regexp.MustCompile(`\[GOAL:\s*([^\]]*)\]`)
	whitespaceRe = regexp.MustCompile(`[ \t\f\v]+`)
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
)

// Sanitize applies the fixed, ordered rule set to text. Pure: identical
// input always yields an identical Result.
func Sanitize(text string) Result {
	var flags []Flag
	out := text

	if fencedCodeRe.MatchString(out) {
		out = fencedCodeRe.ReplaceAllString(out, " ")
		flags = append(flags, FlagStrippedCodeFence)
	}

	if thinkBlockRe.MatchString(out) {
		out = thinkBlockRe.ReplaceAllString(out, " ")
		flags = append(flags, FlagStrippedThinkBlock)
	}

	out, truncated := truncateDegenerate(out)
	if truncated {
		flags = append(flags, FlagTruncatedDegenerate)
	}

	markers := extractMarkers(out)
	if len(markers) > 1 {
		flags = append(flags, FlagMultipleMarkers)
	}
	if len(markers) > 0 {
		out = markerRe.ReplaceAllString(out, " ")
		flags = append(flags, FlagStrippedMarkers)
	}

	collapsed := collapseWhitespace(out)
	if collapsed != out {
		flags = append(flags, FlagCollapsedWhitespace)
	}
	out = collapsed

	return Result{
		SanitizedText: out,
		Flags:         flags,
		Markers:       markers,
		Version:       Version,
	}
}

func extractMarkers(text string) []string {
	matches := markerRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, strings.TrimSpace(m[1]))
	}
	return out
}

func collapseWhitespace(text string) string {
	out := whitespaceRe.ReplaceAllString(text, " ")
	out = blankLinesRe.ReplaceAllString(out, "\n\n")
	lines := strings.Split(out, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// truncateDegenerate drops runs of 4+ consecutive identical whitespace-
// delimited tokens and trigrams that repeat 3 or more times in
// succession — the two degeneration patterns spec 4.6 names.
func truncateDegenerate(text string) (string, bool) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, false
	}

	out := make([]string, 0, len(tokens))
	truncated := false

	// Pass 1: collapse 4+ consecutive identical tokens to a single copy.
	i := 0
	for i < len(tokens) {
		j := i + 1
		for j < len(tokens) && tokens[j] == tokens[i] {
			j++
		}
		run := j - i
		if run >= 4 {
			out = append(out, tokens[i])
			truncated = true
		} else {
			out = append(out, tokens[i:j]...)
		}
		i = j
	}
	tokens = out

	// Pass 2: collapse a trigram repeating 3+ times in succession to one copy.
	out = out[:0]
	i = 0
	for i < len(tokens) {
		if i+3 <= len(tokens) {
			a, b, c := tokens[i], tokens[i+1], tokens[i+2]
			repeat := 1
			j := i + 3
			for j+3 <= len(tokens) && tokens[j] == a && tokens[j+1] == b && tokens[j+2] == c {
				repeat++
				j += 3
			}
			if repeat >= 3 {
				out = append(out, a, b, c)
				truncated = true
				i = j
				continue
			}
		}
		out = append(out, tokens[i])
		i++
	}

	if !truncated {
		return text, false
	}
	return strings.Join(out, " "), truncated
}
