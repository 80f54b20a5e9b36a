package document

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Extraction is the result of parsing one file.
type Extraction struct {
	// Text is the extracted content, converted to UTF-8.
	Text string

	// PageCount is set for paginated formats, 1 for plain text.
	PageCount int

	// Encoding names the detected source encoding of text files.
	Encoding string
}

// Parser extracts text from uploaded files. Plain text goes through
// encoding detection; PDFs go through content-stream extraction.
type Parser struct{}

func NewParser() *Parser {
	return &Parser{}
}

// Parse dispatches on the file extension and extracts the file's text.
func (p *Parser) Parse(path string) (*Extraction, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".txt":
		return p.parseText(path)
	case ".pdf":
		return p.parsePDF(path)
	default:
		return nil, fmt.Errorf("unsupported file extension: %s", ext)
	}
}

func (p *Parser) parseText(path string) (*Extraction, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	content, enc := detectAndConvert(raw)
	return &Extraction{
		Text:      content,
		PageCount: 1,
		Encoding:  enc,
	}, nil
}

// detectAndConvert detects the encoding of raw bytes and converts them to
// UTF-8. It never fails; undecodable input falls back to a lossy UTF-8
// interpretation.
func detectAndConvert(data []byte) (string, string) {
	// UTF-8 BOM
	if len(data) >= 3 && data[0] == 0xEF && data[1] == 0xBB && data[2] == 0xBF {
		return string(data[3:]), "UTF-8-BOM"
	}

	// UTF-16 BOM
	if len(data) >= 2 {
		if data[0] == 0xFF && data[1] == 0xFE {
			if content, err := decodeWithEncoding(data, unicode.UTF16(unicode.LittleEndian, unicode.UseBOM)); err == nil {
				return content, "UTF-16LE"
			}
		}
		if data[0] == 0xFE && data[1] == 0xFF {
			if content, err := decodeWithEncoding(data, unicode.UTF16(unicode.BigEndian, unicode.UseBOM)); err == nil {
				return content, "UTF-16BE"
			}
		}
	}

	// UTF-8 is by far the most common case.
	if isValidUTF8(data) {
		return string(data), "UTF-8"
	}

	// Windows-1251: Cyrillic, common in Russian and Eastern European files.
	if content, err := decodeWithEncoding(data, charmap.Windows1251); err == nil {
		if looksLikeCyrillic(content) {
			return content, "Windows-1251"
		}
	}

	// Windows-1252: Western European / ANSI.
	if content, err := decodeWithEncoding(data, charmap.Windows1252); err == nil {
		return content, "Windows-1252"
	}

	// ISO-8859-1: Latin-1.
	if content, err := decodeWithEncoding(data, charmap.ISO8859_1); err == nil {
		return content, "ISO-8859-1"
	}

	return string(data), "UTF-8-fallback"
}

func decodeWithEncoding(data []byte, enc encoding.Encoding) (string, error) {
	decoder := enc.NewDecoder()
	reader := transform.NewReader(bytes.NewReader(data), decoder)
	decoded, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

// isValidUTF8 checks whether the data decodes as UTF-8, tolerating up to 5%
// invalid sequences.
func isValidUTF8(data []byte) bool {
	invalidCount := 0
	for i := 0; i < len(data); {
		r, size := decodeRune(data[i:])
		if r == 0xFFFD && size == 1 {
			invalidCount++
			if invalidCount > len(data)/20 {
				return false
			}
		}
		i += size
	}
	return true
}

// decodeRune decodes the first UTF-8 character from data
func decodeRune(data []byte) (rune, int) {
	if len(data) == 0 {
		return 0xFFFD, 0
	}

	b := data[0]

	// ASCII
	if b < 0x80 {
		return rune(b), 1
	}

	// 2-byte sequence
	if b&0xE0 == 0xC0 && len(data) >= 2 && isContinuation(data[1]) {
		r := rune(b&0x1F)<<6 | rune(data[1]&0x3F)
		if r >= 0x80 {
			return r, 2
		}
	}

	// 3-byte sequence
	if b&0xF0 == 0xE0 && len(data) >= 3 && isContinuation(data[1]) && isContinuation(data[2]) {
		r := rune(b&0x0F)<<12 | rune(data[1]&0x3F)<<6 | rune(data[2]&0x3F)
		if r >= 0x800 {
			return r, 3
		}
	}

	// 4-byte sequence
	if b&0xF8 == 0xF0 && len(data) >= 4 && isContinuation(data[1]) && isContinuation(data[2]) && isContinuation(data[3]) {
		r := rune(b&0x07)<<18 | rune(data[1]&0x3F)<<12 | rune(data[2]&0x3F)<<6 | rune(data[3]&0x3F)
		if r >= 0x10000 && r <= 0x10FFFF {
			return r, 4
		}
	}

	return 0xFFFD, 1
}

func isContinuation(b byte) bool {
	return b&0xC0 == 0x80
}

// looksLikeCyrillic reports whether a meaningful share of the letters are
// Cyrillic, which indicates a successful Windows-1251 decode.
func looksLikeCyrillic(text string) bool {
	cyrillicCount := 0
	totalLetters := 0

	for _, r := range text {
		if (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= 0x0400 && r <= 0x04FF) {
			totalLetters++
			if r >= 0x0400 && r <= 0x04FF {
				cyrillicCount++
			}
		}
	}

	return totalLetters > 10 && cyrillicCount > totalLetters/3
}
