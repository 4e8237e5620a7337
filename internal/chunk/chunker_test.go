package chunk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/juhokoskela/rag-service/internal/errors"
)

func TestChunker_EmptyInputRejected(t *testing.T) {
	c := NewChunker(0, 0, 0)

	for _, input := range []string{"", "   ", "\n\n\t\n"} {
		_, err := c.Split(input)
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetCode(err))
	}
}

func TestChunker_ShortDocumentStaysWhole(t *testing.T) {
	// Given a document well under the target
	c := NewChunker(800, 100, 100)
	text := "A short note about Go. It fits in one chunk."

	// When splitting
	pieces, err := c.Split(text)

	// Then one chunk holds the whole document
	require.NoError(t, err)
	require.Len(t, pieces, 1)
	assert.Equal(t, 0, pieces[0].Ordinal)
	assert.Equal(t, text, pieces[0].Content)
	assert.Greater(t, pieces[0].TokenCount, 0)
}

func TestChunker_SplitsOnParagraphs(t *testing.T) {
	// Given paragraphs that cannot all fit one chunk
	c := NewChunker(50, 10, 5)
	para := strings.Repeat("the quick brown fox jumps over the lazy dog ", 6)
	text := strings.TrimSpace(para) + "\n\n" + strings.TrimSpace(para) + "\n\n" + strings.TrimSpace(para)

	// When splitting
	pieces, err := c.Split(text)

	// Then multiple chunks come out in order, each within bounds
	require.NoError(t, err)
	require.Greater(t, len(pieces), 1)
	for i, p := range pieces {
		assert.Equal(t, i, p.Ordinal)
		assert.NotEmpty(t, p.Content)
	}
}

func TestChunker_OversizedSentenceHardCut(t *testing.T) {
	// Given one sentence far beyond the target with no punctuation
	c := NewChunker(40, 8, 5)
	text := strings.TrimSpace(strings.Repeat("word ", 400))

	pieces, err := c.Split(text)

	require.NoError(t, err)
	assert.Greater(t, len(pieces), 2)
	for _, p := range pieces {
		assert.NotEmpty(t, p.Content)
	}
}

func TestChunker_ConsecutiveChunksOverlap(t *testing.T) {
	// Given a long run of distinct sentences
	c := NewChunker(60, 20, 5)
	var sb strings.Builder
	for i := 0; i < 40; i++ {
		sb.WriteString("Sentence number ")
		sb.WriteString(strings.Repeat("x", i%7+1))
		sb.WriteString(" carries some distinct payload here. ")
	}

	pieces, err := c.Split(sb.String())

	// Then the start of each chunk repeats the tail of its predecessor
	require.NoError(t, err)
	require.Greater(t, len(pieces), 1)
	for i := 1; i < len(pieces); i++ {
		head := pieces[i].Content
		if len(head) > 40 {
			head = head[:40]
		}
		assert.Contains(t, pieces[i-1].Content, strings.TrimSpace(head),
			"chunk %d should start with overlap from chunk %d", i, i-1)
	}
}

func TestChunker_TrailingFragmentMerged(t *testing.T) {
	// Given input whose natural split leaves a tiny final chunk
	c := NewChunker(50, 0, 30)
	big := strings.TrimSpace(strings.Repeat("alpha beta gamma delta epsilon ", 8))
	tiny := "Short tail."
	text := big + "\n\n" + tiny

	pieces, err := c.Split(text)

	// Then no chunk below the minimum survives at the end
	require.NoError(t, err)
	last := pieces[len(pieces)-1]
	assert.Contains(t, last.Content, "Short tail.")
	if len(pieces) > 1 {
		assert.GreaterOrEqual(t, last.TokenCount, 30)
	}
}

func TestChunker_Deterministic(t *testing.T) {
	c := NewChunker(60, 15, 10)
	text := strings.Repeat("Deterministic splitting matters for cache reuse. ", 30)

	first, err := c.Split(text)
	require.NoError(t, err)
	second, err := c.Split(text)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestChunker_NormalizesLineEndings(t *testing.T) {
	c := NewChunker(800, 100, 100)

	pieces, err := c.Split("line one\r\nline two\r\n\r\n\r\n\r\nline three")

	require.NoError(t, err)
	require.Len(t, pieces, 1)
	assert.NotContains(t, pieces[0].Content, "\r")
	assert.NotContains(t, pieces[0].Content, "\n\n\n")
}

func TestChunker_CountTokens(t *testing.T) {
	c := NewChunker(0, 0, 0)

	n := c.CountTokens("hello world")

	assert.Greater(t, n, 0)
	assert.Less(t, n, 10)
}
