package tokens

import "unicode/utf8"

// Character-based token estimation. Deliberately coarse: budgets here guard
// against runaway prompt growth, they are not reconciled with provider
// reported counts.

// TruncationMarker is appended to any section cut to fit its budget.
const TruncationMarker = "\n... [truncated due to token budget] ..."

// Estimate returns the token estimate for prompt-section text, two
// characters per token.
func Estimate(text string) int {
	return utf8.RuneCountInString(text) / 2
}

// EstimateMessage estimates conversation text with a density-aware rule:
// mostly-ASCII text runs about four characters per token, CJK-heavy text
// about two. Non-empty text always counts at least one token.
func EstimateMessage(text string) int {
	chars := utf8.RuneCountInString(text)
	if chars == 0 {
		return 0
	}
	nonASCII := 0
	for _, r := range text {
		if r > 127 {
			nonASCII++
		}
	}
	var estimate int
	if float64(nonASCII)/float64(chars) > 0.2 {
		estimate = chars / 2
	} else {
		estimate = chars / 4
	}
	if estimate < 1 {
		return 1
	}
	return estimate
}

// Truncate shortens text to the character length implied by maxTokens and
// appends a visible marker. Text already within budget is returned unchanged.
func Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return TruncationMarker
	}
	if Estimate(text) <= maxTokens {
		return text
	}
	runes := []rune(text)
	limit := maxTokens * 2
	if limit > len(runes) {
		limit = len(runes)
	}
	return string(runes[:limit]) + TruncationMarker
}
