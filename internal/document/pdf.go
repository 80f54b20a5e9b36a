package document

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf16"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
)

// parsePDF extracts text by scanning each page's content stream for
// text-showing operators. Image-only pages yield no text; OCR is out of
// scope. Text drawn through embedded CMaps may decode imperfectly.
func (p *Parser) parsePDF(path string) (*Extraction, error) {
	pdfCtx, err := api.ReadContextFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pdf: %w", err)
	}

	var pages []string
	for pageNr := 1; pageNr <= pdfCtx.PageCount; pageNr++ {
		r, err := pdfcpu.ExtractPageContent(pdfCtx, pageNr)
		if err != nil || r == nil {
			// Pages without an extractable content stream are skipped.
			continue
		}
		raw, err := io.ReadAll(r)
		if err != nil {
			continue
		}
		if text := strings.TrimSpace(extractContentText(raw)); text != "" {
			pages = append(pages, text)
		}
	}

	return &Extraction{
		Text:      strings.Join(pages, "\n\n"),
		PageCount: pdfCtx.PageCount,
	}, nil
}

// extractContentText scans a decoded content stream and concatenates the
// string operands of the text-showing operators (Tj, TJ, ', "). Positioning
// operators become newlines to approximate the page layout.
func extractContentText(stream []byte) string {
	var out strings.Builder
	var pending []string
	last := byte('\n')

	flush := func() {
		for _, s := range pending {
			if s == "" {
				continue
			}
			out.WriteString(s)
			last = s[len(s)-1]
		}
		pending = pending[:0]
	}
	newline := func() {
		if last != '\n' {
			out.WriteByte('\n')
			last = '\n'
		}
	}

	i := 0
	for i < len(stream) {
		c := stream[i]
		switch {
		case c == '(':
			s, next := readLiteralString(stream, i+1)
			pending = append(pending, s)
			i = next
		case c == '<' && i+1 < len(stream) && stream[i+1] == '<':
			i += 2
		case c == '<':
			s, next := readHexString(stream, i+1)
			pending = append(pending, s)
			i = next
		case c == '>' && i+1 < len(stream) && stream[i+1] == '>':
			i += 2
		case c == '%':
			for i < len(stream) && stream[i] != '\n' {
				i++
			}
		case c == '[' || c == ']' || c == '{' || c == '}' || c == ')' || c == '>':
			i++
		case isPDFSpace(c):
			i++
		case c == '/':
			i++
			for i < len(stream) && !isPDFSpace(stream[i]) && !isPDFDelim(stream[i]) {
				i++
			}
		case c >= '0' && c <= '9' || c == '+' || c == '-' || c == '.':
			i++
			for i < len(stream) && (stream[i] >= '0' && stream[i] <= '9' || stream[i] == '.') {
				i++
			}
		default:
			start := i
			for i < len(stream) && !isPDFSpace(stream[i]) && !isPDFDelim(stream[i]) {
				i++
			}
			switch op := string(stream[start:i]); op {
			case "Tj", "TJ":
				flush()
			case "'", "\"":
				newline()
				flush()
			case "Td", "TD", "T*", "Tm", "BT", "ET":
				newline()
				pending = pending[:0]
			case "BI":
				// Inline image; skip to its EI terminator.
				if idx := bytes.Index(stream[i:], []byte("EI")); idx >= 0 {
					i += idx + 2
				} else {
					i = len(stream)
				}
			default:
				// Strings were operands of a non-text operator.
				pending = pending[:0]
			}
		}
	}

	return out.String()
}

// readLiteralString decodes a PDF literal string starting just past its
// opening parenthesis and returns the text plus the index after the
// closing parenthesis.
func readLiteralString(data []byte, i int) (string, int) {
	var buf []byte
	depth := 1

	for i < len(data) {
		c := data[i]
		switch c {
		case '\\':
			i++
			if i >= len(data) {
				return decodePDFString(buf), i
			}
			switch e := data[i]; e {
			case 'n':
				buf = append(buf, '\n')
			case 'r':
				buf = append(buf, '\r')
			case 't':
				buf = append(buf, '\t')
			case 'b':
				buf = append(buf, '\b')
			case 'f':
				buf = append(buf, '\f')
			case '(', ')', '\\':
				buf = append(buf, e)
			case '\n':
				// Escaped newline continues the string.
			case '\r':
				if i+1 < len(data) && data[i+1] == '\n' {
					i++
				}
			default:
				if e >= '0' && e <= '7' {
					v := int(e - '0')
					for k := 0; k < 2 && i+1 < len(data) && data[i+1] >= '0' && data[i+1] <= '7'; k++ {
						i++
						v = v*8 + int(data[i]-'0')
					}
					buf = append(buf, byte(v))
				} else {
					buf = append(buf, e)
				}
			}
			i++
		case '(':
			depth++
			buf = append(buf, c)
			i++
		case ')':
			depth--
			if depth == 0 {
				return decodePDFString(buf), i + 1
			}
			buf = append(buf, c)
			i++
		default:
			buf = append(buf, c)
			i++
		}
	}

	return decodePDFString(buf), i
}

// readHexString decodes a PDF hex string starting just past its opening
// angle bracket.
func readHexString(data []byte, i int) (string, int) {
	var digits []byte
	for i < len(data) && data[i] != '>' {
		c := data[i]
		if c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F' {
			digits = append(digits, c)
		}
		i++
	}
	if i < len(data) {
		i++ // consume '>'
	}
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}

	buf := make([]byte, 0, len(digits)/2)
	for k := 0; k+1 < len(digits); k += 2 {
		buf = append(buf, hexVal(digits[k])<<4|hexVal(digits[k+1]))
	}
	return decodePDFString(buf), i
}

func hexVal(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

// decodePDFString interprets raw string bytes: UTF-16BE when the BOM is
// present, Latin-1 otherwise.
func decodePDFString(b []byte) string {
	if len(b) >= 2 && b[0] == 0xFE && b[1] == 0xFF {
		u16 := make([]uint16, 0, (len(b)-2)/2)
		for i := 2; i+1 < len(b); i += 2 {
			u16 = append(u16, uint16(b[i])<<8|uint16(b[i+1]))
		}
		return string(utf16.Decode(u16))
	}

	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		sb.WriteRune(rune(c))
	}
	return sb.String()
}

func isPDFSpace(c byte) bool {
	switch c {
	case 0, '\t', '\n', '\f', '\r', ' ':
		return true
	}
	return false
}

func isPDFDelim(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}
