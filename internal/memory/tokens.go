package memory

import "strings"

// EstimateTokens approximates the token cost of a text. CJK characters
// tokenize denser than whitespace-separated words, so they are weighted
// separately.
func EstimateTokens(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	cjk := 0
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FFF {
			cjk++
		}
	}
	words := len(strings.Fields(text))
	estimate := int(float64(cjk)*1.5 + float64(words)*0.75)
	if estimate < 1 {
		return 1
	}
	return estimate
}

func estimateMessageTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(m.Content)
	}
	return total
}
