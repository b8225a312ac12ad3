package decode

import (
	"unicode/utf8"
)

// suspectRunes are characters that almost only appear when UTF-8 Chinese
// text was decoded as GBK.
var suspectRunes = map[rune]bool{
	'姝': true,
	'｜': true,
	'涓': true,
	'绛': true,
	'鑾': true,
	'鍙': true,
	'峯': true,
}

// Quality scores how plausible s is as human-readable output, in [0, 1].
// Replacement and control characters count against the text, printable
// ASCII and CJK count for it. Known misdecoding characters are valid CJK
// and still count for it, less a smaller penalty.
func Quality(s string) float64 {
	if s == "" {
		return 1
	}

	var total, good, bad, suspect float64
	for _, r := range s {
		total++
		switch {
		case r == utf8.RuneError:
			bad++
		case r == '\t' || r == '\n' || r == '\r':
			good++
		case isControl(r):
			bad++
		case r < 0x7f:
			good++
		case suspectRunes[r]:
			good++
			suspect++
		case isCJK(r):
			good++
		case r >= 0xe000 && r <= 0xf8ff:
			// Private use area: GBK user-defined ranges.
			bad++
		default:
			good += 0.5
		}
	}

	score := (good - 2*bad - 0.5*suspect) / total
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func isControl(r rune) bool {
	return (r >= 0x00 && r <= 0x08) ||
		(r >= 0x0e && r <= 0x1f) ||
		(r >= 0x7f && r <= 0x9f)
}

func isCJK(r rune) bool {
	switch {
	case r >= 0x4e00 && r <= 0x9fff: // unified ideographs
		return true
	case r >= 0x3400 && r <= 0x4dbf: // extension A
		return true
	case r >= 0x3000 && r <= 0x303f: // CJK punctuation
		return true
	case r >= 0xff00 && r <= 0xffef: // full-width forms
		return true
	case r >= 0x3040 && r <= 0x30ff: // kana
		return true
	case r >= 0xac00 && r <= 0xd7af: // hangul
		return true
	}
	return false
}
