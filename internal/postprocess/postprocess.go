// Package postprocess strips model artifacts from a refined pitch before it
// replaces the transcript.
package postprocess

import (
	"regexp"
	"strings"
)

// Clean returns text with reasoning blocks, prompt echoes and wrapping quotes
// removed, trimmed. An all-artifact completion cleans to "".
func Clean(text string) string {
	text = removeThinkingBlocks(text)
	text = removePromptEchoes(text)
	text = removeQuoteWrapping(text)
	return strings.TrimSpace(text)
}

// RE2 has no backreferences, so every tag pair is spelled out.
var thinkingBlockRe = regexp.MustCompile(
	`(?is)<thinking>.*?</thinking>|<think>.*?</think>|<reasoning>.*?</reasoning>|<reflection>.*?</reflection>`,
)

// An opening tag with no close means the model hit the token limit mid-thought.
var truncatedThinkingRe = regexp.MustCompile(
	`(?is)(?:<thinking>|<think>|<reasoning>|<reflection>).*$`,
)

func removeThinkingBlocks(text string) string {
	text = thinkingBlockRe.ReplaceAllString(text, "")
	text = truncatedThinkingRe.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// echoPatterns are anchored at the start and require a colon, so a pitch that
// merely begins with "Here is" survives.
var echoPatterns = []*regexp.Regexp{
	// Labels copied from the prompt itself.
	regexp.MustCompile(`(?i)^(?:modified|refined|rewritten|improved) (?:text|pitch|version)\s*:`),
	// "Here is / Here's [the|your] [modified|refined|...] pitch:"
	regexp.MustCompile(`(?i)^here(?:'s| is)(?: the| your| a)? (?:modified |refined |rewritten |improved |revised )?(?:text|pitch|version)\s*:`),
	// "Sure / Certainly / Of course[,] here is ...:"
	regexp.MustCompile(`(?i)^(?:certainly|sure|of course)[,.!]? here(?:'s| is)(?: the| your| a)? (?:modified |refined |rewritten |improved |revised )?(?:text|pitch|version)\s*:`),
}

func removePromptEchoes(text string) string {
	for _, re := range echoPatterns {
		if loc := re.FindStringIndex(text); loc != nil && loc[0] == 0 {
			text = strings.TrimSpace(text[loc[1]:])
		}
	}
	return text
}

// quotePairs lists the outer quote pairs stripped when they wrap the whole text.
var quotePairs = [][2]rune{
	{'"', '"'},
	{'\'', '\''},
	{'«', '»'},
	{'“', '”'},
	{'‘', '’'},
}

func removeQuoteWrapping(text string) string {
	runes := []rune(text)
	n := len(runes)
	if n < 2 {
		return text
	}
	for _, p := range quotePairs {
		if runes[0] == p[0] && runes[n-1] == p[1] {
			inner := runes[1 : n-1]
			// "a" and "b" is two quotes, not one wrapped string.
			if containsRune(inner, p[1]) {
				return text
			}
			return strings.TrimSpace(string(inner))
		}
	}
	return text
}

func containsRune(rs []rune, r rune) bool {
	for _, c := range rs {
		if c == r {
			return true
		}
	}
	return false
}
