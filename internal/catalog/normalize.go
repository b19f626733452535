package catalog

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// NormalizeTerm canonicalizes a source term for catalog lookup: Unicode
// NFKD decomposition with combining marks stripped, lower-cased, outer
// whitespace trimmed, and internal runs of whitespace collapsed to a
// single space.
//
// Mark stripping matters for transliterated Sanskrit: clinicians type
// "Jvara", "Jvarā", or "jvara " interchangeably and all three must hit
// the same TermEntry.
func NormalizeTerm(s string) string {
	decomposed := norm.NFKD.String(s)

	var b strings.Builder
	b.Grow(len(decomposed))
	lastSpace := false
	for _, r := range decomposed {
		switch {
		case unicode.IsMark(r):
			continue
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		default:
			b.WriteRune(unicode.ToLower(r))
			lastSpace = false
		}
	}
	return strings.TrimSpace(b.String())
}
