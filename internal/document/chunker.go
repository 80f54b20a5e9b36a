package document

import (
	"strings"
	"unicode"
)

const (
	// DefaultChunkSize is the target size for each chunk in characters
	DefaultChunkSize = 1000

	// DefaultChunkOverlap is the number of characters carried from the end
	// of one chunk into the next
	DefaultChunkOverlap = 200
)

// Chunker splits extracted text into bounded overlapping passages for
// embedding. Splitting prefers paragraph boundaries, then sentences, then
// words; only pathologically long words are cut mid-character.
type Chunker struct {
	ChunkSize int
	Overlap   int
}

// NewChunker creates a chunker. Out-of-range settings fall back to the
// defaults so a chunker is always usable.
func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 5
	}
	return &Chunker{ChunkSize: size, Overlap: overlap}
}

// fragment is an indivisible unit of text plus the separator that joins it
// to preceding content within the same chunk.
type fragment struct {
	text string
	sep  string
}

// Chunk splits text into passages of at most ChunkSize characters. Each
// passage after the first begins with the last min(Overlap, len(prev))
// characters of its predecessor, so any Overlap-wide window crossing a
// passage boundary is fully contained in at least one passage. Whitespace-only
// input yields nil.
func (c *Chunker) Chunk(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= c.ChunkSize {
		return []string{text}
	}

	frags := c.split(text)
	if len(frags) == 0 {
		return nil
	}

	var chunks []string
	var cur strings.Builder
	fresh := false // cur holds content beyond the carried overlap

	flush := func() {
		chunk := strings.TrimRight(cur.String(), " \t\n")
		cur.Reset()
		fresh = false
		if chunk == "" {
			return
		}
		chunks = append(chunks, chunk)

		carry := chunk
		if len(carry) > c.Overlap {
			carry = carry[len(carry)-c.Overlap:]
		}
		cur.WriteString(carry)
	}

	for _, f := range frags {
		sep := f.sep
		if cur.Len() == 0 {
			sep = ""
		}
		if cur.Len() > 0 && cur.Len()+len(sep)+len(f.text) > c.ChunkSize {
			flush()
			sep = f.sep
			if cur.Len() == 0 {
				sep = ""
			}
		}
		cur.WriteString(sep)
		cur.WriteString(f.text)
		fresh = true
	}

	if fresh {
		if chunk := strings.TrimRight(cur.String(), " \t\n"); chunk != "" {
			chunks = append(chunks, chunk)
		}
	}

	return chunks
}

// split breaks text into fragments no longer than the space left in a chunk
// that already carries an overlap prefix. Paragraphs stay whole when they
// fit; oversized ones fall back to sentences, then words, then hard cuts.
func (c *Chunker) split(text string) []fragment {
	// Reserve room for the overlap prefix and a paragraph separator.
	budget := c.ChunkSize - c.Overlap - 2
	if budget < 1 {
		budget = 1
	}

	var frags []fragment
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		sep := "\n\n"
		if len(para) <= budget {
			frags = append(frags, fragment{para, sep})
			continue
		}

		for _, sent := range splitSentences(para) {
			if len(sent) <= budget {
				frags = append(frags, fragment{sent, sep})
				sep = " "
				continue
			}

			for _, word := range strings.Fields(sent) {
				for len(word) > budget {
					frags = append(frags, fragment{word[:budget], sep})
					word = word[budget:]
					sep = ""
				}
				if word != "" {
					frags = append(frags, fragment{word, sep})
				}
				sep = " "
			}
		}
	}
	return frags
}

// splitSentences splits on sentence-ending punctuation followed by
// whitespace. Text without terminal punctuation comes back as one sentence.
func splitSentences(text string) []string {
	var out []string
	start := 0

	for i := 0; i < len(text); i++ {
		ch := text[i]
		if ch != '.' && ch != '!' && ch != '?' {
			continue
		}
		if i+1 < len(text) && !unicode.IsSpace(rune(text[i+1])) {
			continue
		}
		if s := strings.TrimSpace(text[start : i+1]); s != "" {
			out = append(out, s)
		}
		start = i + 1
	}

	if rest := strings.TrimSpace(text[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}
