// Package chunk splits document text into token-bounded chunks for
// embedding. Splitting prefers paragraph boundaries, then sentence
// boundaries, and falls back to hard token cuts for pathological
// inputs. The same input always produces the same chunks.
package chunk

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	apperrors "github.com/juhokoskela/rag-service/internal/errors"
)

// Defaults match the embedding model's sweet spot.
const (
	DefaultTargetTokens  = 800
	DefaultOverlapTokens = 100
	DefaultMinTokens     = 100

	// encodingName is the tokenizer shared by the OpenAI embedding models.
	encodingName = "cl100k_base"
)

// Piece is one chunk of a document, in document order.
type Piece struct {
	Ordinal    int
	Content    string
	TokenCount int
}

// Chunker splits text into token-bounded pieces.
type Chunker struct {
	enc     *tiktoken.Tiktoken
	target  int
	overlap int
	minimum int
}

var (
	paragraphSplit = regexp.MustCompile(`\n\s*\n`)
	sentenceEnd    = regexp.MustCompile(`([.!?])\s+`)
	crlf           = strings.NewReplacer("\r\n", "\n", "\r", "\n")
	excessBlank    = regexp.MustCompile(`\n{3,}`)
)

// NewChunker creates a chunker. Non-positive parameters select the
// defaults. If the tokenizer cannot be loaded, token counts fall back
// to a bytes/4 estimate.
func NewChunker(targetTokens, overlapTokens, minTokens int) *Chunker {
	if targetTokens <= 0 {
		targetTokens = DefaultTargetTokens
	}
	if overlapTokens < 0 || overlapTokens >= targetTokens {
		overlapTokens = DefaultOverlapTokens
	}
	if minTokens <= 0 {
		minTokens = DefaultMinTokens
	}

	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		slog.Warn("tokenizer unavailable, using byte estimate", "encoding", encodingName, "error", err)
		enc = nil
	}

	return &Chunker{
		enc:     enc,
		target:  targetTokens,
		overlap: overlapTokens,
		minimum: minTokens,
	}
}

// Split chunks text. Returns ERR_401_INVALID_INPUT when the cleaned
// text is empty.
func (c *Chunker) Split(text string) ([]Piece, error) {
	cleaned := cleanText(text)
	if cleaned == "" {
		return nil, apperrors.InvalidInput("document text is empty")
	}

	// Short documents stay whole
	if c.countTokens(cleaned) <= c.target {
		return []Piece{{Ordinal: 0, Content: cleaned, TokenCount: c.countTokens(cleaned)}}, nil
	}

	segments := c.segment(cleaned)
	pieces := c.pack(segments)
	pieces = c.mergeSmall(pieces)

	for i := range pieces {
		pieces[i].Ordinal = i
	}
	return pieces, nil
}

// CountTokens reports the token count of text.
func (c *Chunker) CountTokens(text string) int {
	return c.countTokens(text)
}

func (c *Chunker) countTokens(text string) int {
	if c.enc == nil {
		return len(text) / 4
	}
	return len(c.enc.Encode(text, nil, nil))
}

// cleanText normalizes line endings, strips trailing whitespace per
// line, and collapses runs of blank lines.
func cleanText(text string) string {
	text = crlf.Replace(text)
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	text = strings.Join(lines, "\n")
	text = excessBlank.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// segment breaks text into units no larger than the target: paragraphs
// first, oversized paragraphs into sentences, oversized sentences into
// hard token cuts.
func (c *Chunker) segment(text string) []string {
	var segments []string
	for _, para := range paragraphSplit.Split(text, -1) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if c.countTokens(para) <= c.target {
			segments = append(segments, para)
			continue
		}
		for _, sent := range splitSentences(para) {
			if c.countTokens(sent) <= c.target {
				segments = append(segments, sent)
				continue
			}
			segments = append(segments, c.hardCut(sent)...)
		}
	}
	return segments
}

// splitSentences splits on sentence-ending punctuation, keeping the
// punctuation with the sentence.
func splitSentences(text string) []string {
	marked := sentenceEnd.ReplaceAllString(text, "$1\x00")
	parts := strings.Split(marked, "\x00")
	sentences := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			sentences = append(sentences, p)
		}
	}
	return sentences
}

// hardCut slices text into target-sized token windows with overlap.
// Used only when a single sentence exceeds the target.
func (c *Chunker) hardCut(text string) []string {
	if c.enc == nil {
		return c.hardCutBytes(text)
	}

	tokens := c.enc.Encode(text, nil, nil)
	var cuts []string
	step := c.target - c.overlap
	for start := 0; start < len(tokens); start += step {
		end := start + c.target
		if end > len(tokens) {
			end = len(tokens)
		}
		cuts = append(cuts, c.enc.Decode(tokens[start:end]))
		if end == len(tokens) {
			break
		}
	}
	return cuts
}

// hardCutBytes approximates hardCut when no tokenizer is available,
// treating 4 bytes as one token.
func (c *Chunker) hardCutBytes(text string) []string {
	targetBytes := c.target * 4
	stepBytes := (c.target - c.overlap) * 4
	var cuts []string
	for start := 0; start < len(text); start += stepBytes {
		end := start + targetBytes
		if end > len(text) {
			end = len(text)
		}
		cuts = append(cuts, text[start:end])
		if end == len(text) {
			break
		}
	}
	return cuts
}

// pack greedily combines segments into chunks of at most target
// tokens, carrying overlap text between consecutive chunks.
func (c *Chunker) pack(segments []string) []Piece {
	var pieces []Piece
	var cur []string
	curTokens := 0

	flush := func() {
		if len(cur) == 0 {
			return
		}
		content := strings.Join(cur, "\n\n")
		pieces = append(pieces, Piece{Content: content, TokenCount: c.countTokens(content)})

		// Seed the next chunk with the tail of this one
		tail := c.overlapTail(content)
		cur = cur[:0]
		curTokens = 0
		if tail != "" {
			cur = append(cur, tail)
			curTokens = c.countTokens(tail)
		}
	}

	for _, seg := range segments {
		segTokens := c.countTokens(seg)
		if curTokens > 0 && curTokens+segTokens > c.target {
			flush()
		}
		cur = append(cur, seg)
		curTokens += segTokens
	}
	if len(cur) > 0 {
		// Drop a chunk that is nothing but carried overlap
		content := strings.Join(cur, "\n\n")
		if len(pieces) == 0 || content != c.overlapTail(pieces[len(pieces)-1].Content) {
			pieces = append(pieces, Piece{Content: content, TokenCount: c.countTokens(content)})
		}
	}
	return pieces
}

// overlapTail returns roughly the last overlap tokens of content.
func (c *Chunker) overlapTail(content string) string {
	if c.overlap == 0 {
		return ""
	}
	if c.enc == nil {
		bytes := c.overlap * 4
		if len(content) <= bytes {
			return content
		}
		return strings.TrimSpace(content[len(content)-bytes:])
	}

	tokens := c.enc.Encode(content, nil, nil)
	if len(tokens) <= c.overlap {
		return content
	}
	return strings.TrimSpace(c.enc.Decode(tokens[len(tokens)-c.overlap:]))
}

// mergeSmall folds a trailing chunk below the minimum into its
// predecessor. The merged chunk may exceed the target; that beats
// embedding a fragment with no context.
func (c *Chunker) mergeSmall(pieces []Piece) []Piece {
	if len(pieces) < 2 {
		return pieces
	}
	last := pieces[len(pieces)-1]
	if last.TokenCount >= c.minimum {
		return pieces
	}

	prev := &pieces[len(pieces)-2]
	prev.Content = prev.Content + "\n\n" + last.Content
	prev.TokenCount = c.countTokens(prev.Content)
	return pieces[:len(pieces)-1]
}
