package tokenizer

import "github.com/daulet/tokenizers"

// Counter adapts a raw *tokenizers.Tokenizer to the chunker.Tokenizer
// interface: token counting and ID-level encode/decode without the
// prompt-prefixing or truncation the Pool applies to client requests. The
// chunker uses this to measure and hard-split ingestion text against the
// same vocabulary the backend's model was loaded with.
type Counter struct {
	tk *tokenizers.Tokenizer
}

// NewCounter wraps loaded's tokenizer for chunker use.
func NewCounter(tk *tokenizers.Tokenizer) *Counter {
	return &Counter{tk: tk}
}

// TokenCount returns the number of tokens text encodes to, specials
// included, matching what the backend will actually see.
func (c *Counter) TokenCount(text string) int {
	enc := c.tk.EncodeWithOptions(text, true)
	return len(enc.IDs)
}

// EncodeIDs returns the raw token IDs for text, specials included.
func (c *Counter) EncodeIDs(text string) []uint32 {
	enc := c.tk.EncodeWithOptions(text, true)
	return enc.IDs
}

// Decode turns a slice of token IDs back into text, skipping special
// tokens so hard-split fragments read as plain prose.
func (c *Counter) Decode(ids []uint32) string {
	return c.tk.Decode(ids, true)
}
