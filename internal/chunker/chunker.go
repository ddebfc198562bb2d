// Package chunker splits document text into bounded pieces for the analysis capability.
//
// Offsets are byte offsets into the source string. A chunk never ends inside a UTF-8 sequence unless
// the input itself is not valid UTF-8.
package chunker

import (
	"fmt"
	"iter"
	"strings"
	"unicode/utf8"

	"github.com/IliaW/content-proof/internal/model"
)

const (
	// DefaultChunkSize matches the size the analysis prompt was tuned for.
	DefaultChunkSize = 2000

	// MinChunkSize is the smallest size that can always hold one rune.
	MinChunkSize = utf8.UTFMax
)

// Chunk is a contiguous slice of the source. Sep is the boundary character consumed right after Text,
// empty for hard splits and for the final chunk.
type Chunk struct {
	Index  int
	Offset int
	Text   string
	Sep    string
}

// End is the source offset just past Text.
func (c Chunk) End() int {
	return c.Offset + len(c.Text)
}

type Chunker struct {
	maxSize int
}

// New returns a Chunker producing chunks of at most maxSize bytes.
func New(maxSize int) *Chunker {
	if maxSize < MinChunkSize {
		maxSize = MinChunkSize
	}
	return &Chunker{maxSize: maxSize}
}

func (c *Chunker) MaxSize() int {
	return c.maxSize
}

// Chunks returns a lazy sequence over text. Each range over the sequence starts again from offset 0.
// Splits prefer a paragraph break, then a sentence end, and fall back to a hard cut at maxSize.
func (c *Chunker) Chunks(text string) iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		pos, idx := 0, 0
		for pos < len(text) {
			end, sep := c.cut(text, pos)
			chunk := Chunk{
				Index:  idx,
				Offset: pos,
				Text:   text[pos:end],
				Sep:    text[end : end+sep],
			}
			if !yield(chunk) {
				return
			}
			pos = end + sep
			idx++
		}
	}
}

// Split collects Chunks into a slice.
func (c *Chunker) Split(text string) []Chunk {
	chunks := make([]Chunk, 0, len(text)/c.maxSize+1)
	for chunk := range c.Chunks(text) {
		chunks = append(chunks, chunk)
	}
	return chunks
}

// cut returns the end of the chunk starting at pos and the width of the boundary consumed after it.
func (c *Chunker) cut(text string, pos int) (int, int) {
	if len(text)-pos <= c.maxSize {
		return len(text), 0
	}
	// The boundary character sits at index b with pos < b <= limit, so the chunk text[pos:b]
	// is never longer than maxSize.
	limit := pos + c.maxSize

	if b := strings.LastIndexByte(text[pos+1:limit+1], '\n'); b >= 0 {
		return pos + 1 + b, 1
	}

	for b := limit; b > pos; b-- {
		if isSpace(text[b]) && isSentenceEnd(text[b-1]) {
			return b, 1
		}
	}

	end := limit
	for end > pos && !utf8.RuneStart(text[end]) {
		end--
	}
	if end == pos {
		// invalid UTF-8, cut at the byte limit
		end = limit
	}
	return end, 0
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func isSentenceEnd(b byte) bool {
	return b == '.' || b == '!' || b == '?'
}

// Join concatenates chunks with their consumed boundaries.
func Join(chunks []Chunk) string {
	var sb strings.Builder
	for _, chunk := range chunks {
		sb.WriteString(chunk.Text)
		sb.WriteString(chunk.Sep)
	}
	return sb.String()
}

// Verify checks that chunks are an exact, ordered, non-overlapping cover of text no larger than maxSize.
func (c *Chunker) Verify(text string, chunks []Chunk) error {
	pos := 0
	for i, chunk := range chunks {
		if chunk.Offset != pos {
			return fmt.Errorf("%w: chunk %d starts at %d, expected %d", model.ErrDataIntegrity, i, chunk.Offset, pos)
		}
		if len(chunk.Text) == 0 || len(chunk.Text) > c.maxSize {
			return fmt.Errorf("%w: chunk %d has size %d (max %d)", model.ErrDataIntegrity, i, len(chunk.Text), c.maxSize)
		}
		if len(chunk.Sep) > 1 {
			return fmt.Errorf("%w: chunk %d consumed %d boundary bytes", model.ErrDataIntegrity, i, len(chunk.Sep))
		}
		next := chunk.End() + len(chunk.Sep)
		if next > len(text) || text[chunk.Offset:next] != chunk.Text+chunk.Sep {
			return fmt.Errorf("%w: chunk %d does not match source at offset %d", model.ErrDataIntegrity, i, chunk.Offset)
		}
		pos = next
	}
	if pos != len(text) {
		return fmt.Errorf("%w: chunks cover %d of %d bytes", model.ErrDataIntegrity, pos, len(text))
	}
	return nil
}
