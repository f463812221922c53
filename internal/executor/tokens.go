package executor

import "math"

// EstimateTokens applies the estimation formula from spec.md §4.4:
// ceil(cjk_chars/1.5 + other_chars/4).
func EstimateTokens(text string) int {
	var cjk, other int
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	return int(math.Ceil(float64(cjk)/1.5 + float64(other)/4))
}

// isCJK reports whether r falls in a CJK script block (Han, Hiragana,
// Katakana, Hangul) for the purposes of the token estimator.
func isCJK(r rune) bool {
	switch {
	case r >= 0x4E00 && r <= 0x9FFF: // CJK Unified Ideographs
		return true
	case r >= 0x3400 && r <= 0x4DBF: // CJK Extension A
		return true
	case r >= 0x3040 && r <= 0x309F: // Hiragana
		return true
	case r >= 0x30A0 && r <= 0x30FF: // Katakana
		return true
	case r >= 0xAC00 && r <= 0xD7A3: // Hangul Syllables
		return true
	default:
		return false
	}
}
