package document

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTempFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseTextPlainUTF8(t *testing.T) {
	p := NewParser()
	path := writeTempFile(t, "plain.txt", []byte("hello world\nsecond line"))

	got, err := p.Parse(path)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if got.Text != "hello world\nsecond line" {
		t.Errorf("Text = %q", got.Text)
	}
	if got.Encoding != "UTF-8" {
		t.Errorf("Encoding = %q, want UTF-8", got.Encoding)
	}
	if got.PageCount != 1 {
		t.Errorf("PageCount = %d, want 1", got.PageCount)
	}
}

func TestParseTextUTF8BOM(t *testing.T) {
	p := NewParser()
	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte("with bom")...)
	path := writeTempFile(t, "bom.txt", data)

	got, err := p.Parse(path)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if got.Text != "with bom" {
		t.Errorf("Text = %q, want %q", got.Text, "with bom")
	}
	if got.Encoding != "UTF-8-BOM" {
		t.Errorf("Encoding = %q, want UTF-8-BOM", got.Encoding)
	}
}

func TestParseTextUTF16LE(t *testing.T) {
	p := NewParser()
	data := []byte{0xFF, 0xFE}
	for _, r := range "hi there" {
		data = append(data, byte(r), 0x00)
	}
	path := writeTempFile(t, "utf16.txt", data)

	got, err := p.Parse(path)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if got.Text != "hi there" {
		t.Errorf("Text = %q, want %q", got.Text, "hi there")
	}
	if got.Encoding != "UTF-16LE" {
		t.Errorf("Encoding = %q, want UTF-16LE", got.Encoding)
	}
}

func TestParseTextWindows1251(t *testing.T) {
	p := NewParser()

	// "привет привет привет" in Windows-1251.
	word := []byte{0xEF, 0xF0, 0xE8, 0xE2, 0xE5, 0xF2}
	var data []byte
	for i := 0; i < 3; i++ {
		if i > 0 {
			data = append(data, ' ')
		}
		data = append(data, word...)
	}
	path := writeTempFile(t, "cyrillic.txt", data)

	got, err := p.Parse(path)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if got.Encoding != "Windows-1251" {
		t.Errorf("Encoding = %q, want Windows-1251", got.Encoding)
	}
	if !strings.Contains(got.Text, "привет") {
		t.Errorf("Text = %q, want Cyrillic content", got.Text)
	}
}

func TestParseUnsupportedExtension(t *testing.T) {
	p := NewParser()
	path := writeTempFile(t, "data.docx", []byte("irrelevant"))

	if _, err := p.Parse(path); err == nil {
		t.Error("Parse() = nil error, want unsupported extension failure")
	}
}

func TestIsValidUTF8(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{"ascii", []byte("plain ascii"), true},
		{"multibyte", []byte("héllo wörld — ok"), true},
		{"cp1251 bytes", []byte{0xEF, 0xF0, 0xE8, 0xE2, 0xE5, 0xF2, 0xEF, 0xF0, 0xE8, 0xE2}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isValidUTF8(tt.data); got != tt.want {
				t.Errorf("isValidUTF8() = %v, want %v", got, tt.want)
			}
		})
	}
}
