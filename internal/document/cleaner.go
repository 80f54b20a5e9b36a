package document

import (
	"regexp"
	"strings"
	"unicode"
)

// Cleaner normalizes extracted text before chunking.
type Cleaner struct {
	multipleSpacesRegex   *regexp.Regexp
	multipleNewlinesRegex *regexp.Regexp
	tabsRegex             *regexp.Regexp
}

// NewCleaner creates a new text cleaner
func NewCleaner() *Cleaner {
	return &Cleaner{
		multipleSpacesRegex:   regexp.MustCompile(`[ \t]+`),
		multipleNewlinesRegex: regexp.MustCompile(`\n{3,}`),
		tabsRegex:             regexp.MustCompile(`\t+`),
	}
}

// CleanText normalizes whitespace and strips invisible characters while
// keeping paragraph boundaries (blank lines) intact.
func (c *Cleaner) CleanText(text string) string {
	text = c.removeInvisibleCharacters(text)
	text = c.normalizeWhitespace(text)

	// Keep at most one blank line between paragraphs.
	text = c.multipleNewlinesRegex.ReplaceAllString(text, "\n\n")

	return strings.TrimSpace(text)
}

// normalizeWhitespace collapses runs of spaces and tabs and removes stray
// spaces around newlines.
func (c *Cleaner) normalizeWhitespace(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	text = c.tabsRegex.ReplaceAllString(text, " ")
	text = c.multipleSpacesRegex.ReplaceAllString(text, " ")

	text = strings.ReplaceAll(text, " \n", "\n")
	text = strings.ReplaceAll(text, "\n ", "\n")

	return text
}

// removeInvisibleCharacters removes zero-width and other non-printable
// unicode characters.
func (c *Cleaner) removeInvisibleCharacters(text string) string {
	var builder strings.Builder
	builder.Grow(len(text))

	for _, r := range text {
		switch r {
		case '\u200B', // zero-width space
			'\u200C', // zero-width non-joiner
			'\u200D', // zero-width joiner
			'\uFEFF': // zero-width no-break space (BOM)
			continue
		}

		if unicode.IsPrint(r) || r == '\n' || r == '\r' || r == '\t' {
			builder.WriteRune(r)
		}
	}

	return builder.String()
}

// IsContentMostlyWhitespace reports whether less than 10% of text is
// non-whitespace. Such content is not worth indexing.
func (c *Cleaner) IsContentMostlyWhitespace(text string) bool {
	if len(text) == 0 {
		return true
	}

	nonWhitespaceCount := 0
	for _, r := range text {
		if !unicode.IsSpace(r) {
			nonWhitespaceCount++
		}
	}

	ratio := float64(nonWhitespaceCount) / float64(len(text))
	return ratio < 0.1
}

// CountWords counts whitespace-separated tokens.
func CountWords(text string) int {
	return len(strings.Fields(text))
}
