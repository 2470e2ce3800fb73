package replace

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Apply rewrites text with every rule in rs. It never fails: keys are
// matched as literal text, and empty input is returned unchanged.
//
// Link keys match anywhere, since URLs can sit mid-word. Word and sentence
// keys match only between non-word characters, so "cat" never touches
// "category".
func Apply(text string, rs RuleSet) string {
	if text == "" {
		return text
	}
	for _, r := range rs.Links {
		if r.From == "" {
			continue
		}
		text = strings.ReplaceAll(text, r.From, r.To)
	}
	for _, r := range rs.Words {
		text = replaceBounded(text, r.From, r.To)
	}
	for _, r := range rs.Sentences {
		text = replaceBounded(text, r.From, r.To)
	}
	return text
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// replaceBounded replaces each non-overlapping occurrence of from whose
// neighbours are not word characters. A key that itself starts (or ends)
// with a non-word character needs no boundary on that side.
func replaceBounded(text, from, to string) string {
	if from == "" || !strings.Contains(text, from) {
		return text
	}

	first, _ := utf8.DecodeRuneInString(from)
	last, _ := utf8.DecodeLastRuneInString(from)
	needLeft := isWordRune(first)
	needRight := isWordRune(last)

	var b strings.Builder
	b.Grow(len(text))
	rest := text
	consumed := 0
	for {
		idx := strings.Index(rest, from)
		if idx < 0 {
			b.WriteString(rest)
			break
		}
		start := consumed + idx
		end := start + len(from)

		ok := true
		if needLeft && start > 0 {
			prev, _ := utf8.DecodeLastRuneInString(text[:start])
			ok = !isWordRune(prev)
		}
		if ok && needRight && end < len(text) {
			next, _ := utf8.DecodeRuneInString(text[end:])
			ok = !isWordRune(next)
		}

		if ok {
			b.WriteString(rest[:idx])
			b.WriteString(to)
			rest = rest[idx+len(from):]
			consumed = end
			continue
		}

		// Not a boundary match: keep one rune and search again from there.
		_, size := utf8.DecodeRuneInString(rest[idx:])
		b.WriteString(rest[:idx+size])
		rest = rest[idx+size:]
		consumed = start + size
	}
	return b.String()
}
