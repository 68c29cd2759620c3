package chunker

import (
	"strings"
	"testing"
)

// wordTokenizer is a fake Tokenizer for tests: one token per whitespace-
// separated word, IDs are just the word index, and Decode joins them back
// with spaces. This keeps chunker tests independent of a real model.
type wordTokenizer struct{}

func (wordTokenizer) TokenCount(text string) int {
	return len(strings.Fields(text))
}

func (wordTokenizer) EncodeIDs(text string) []uint32 {
	words := strings.Fields(text)
	ids := make([]uint32, len(words))
	for i := range words {
		ids[i] = uint32(i)
	}
	return ids
}

func (t wordTokenizer) Decode(ids []uint32) string {
	// Reconstructs by index count only — good enough to assert slice sizes
	// since the fake encoder's IDs are positional, not content-bearing.
	words := make([]string, len(ids))
	for i := range ids {
		words[i] = "w"
	}
	return strings.Join(words, " ")
}

func TestSplitSmallTextIsOneChunk(t *testing.T) {
	chunks := Split("one two three", 10, wordTokenizer{})
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d: %v", len(chunks), chunks)
	}
}

func TestSplitRespectsMaxTokens(t *testing.T) {
	text := "A.\n\nB.\n\nC."
	chunks := Split(text, 1, wordTokenizer{})
	if len(chunks) < 3 {
		t.Fatalf("expected at least 3 chunks, got %d: %v", len(chunks), chunks)
	}
	for _, c := range chunks {
		if n := (wordTokenizer{}).TokenCount(c); n > 1 {
			t.Errorf("chunk %q has %d tokens, want <= 1", c, n)
		}
	}
}

func TestSplitParagraphBoundary(t *testing.T) {
	text := strings.Repeat("word ", 5) + "\n\n" + strings.Repeat("other ", 5)
	chunks := Split(text, 6, wordTokenizer{})
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks split at the paragraph boundary, got %d: %v", len(chunks), chunks)
	}
}

func TestSplitHardSplitsOversizedSentence(t *testing.T) {
	text := strings.Repeat("w ", 20) // one "sentence", no periods, 20 tokens
	chunks := Split(text, 5, wordTokenizer{})
	if len(chunks) < 4 {
		t.Fatalf("expected the oversized sentence to be hard-split into >= 4 pieces, got %d", len(chunks))
	}
}

func TestSplitStripsImageMarkdown(t *testing.T) {
	text := "see this ![alt](data:image/png;base64,AAAA) and continue"
	chunks := Split(text, 100, wordTokenizer{})
	for _, c := range chunks {
		if strings.Contains(c, "data:image") {
			t.Errorf("expected image markdown stripped, got %q", c)
		}
	}
}

func TestSplitEmptyInput(t *testing.T) {
	if chunks := Split("   \n\n  ", 10, wordTokenizer{}); chunks != nil {
		t.Fatalf("expected nil for blank input, got %v", chunks)
	}
}
