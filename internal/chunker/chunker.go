// Package chunker splits parsed document text into token-bounded chunks
// suitable for embedding. It replaces the teacher's byte-window splitter
// (which measured chunk size in bytes against a fixed BGE-small budget)
// with the paragraph→sentence→hard-split algorithm against a live token
// count, since the embedding backend's maximum sequence length is measured
// in tokens, not bytes, and varies per loaded model.
package chunker

import (
	"regexp"
	"strings"
)

// Tokenizer is the narrow surface the chunker needs from a loaded model's
// tokenizer: a token count, the raw token IDs for a hard split, and the
// ability to decode a slice of IDs back to text. internal/tokenizer
// provides an implementation; tests supply a fake.
type Tokenizer interface {
	TokenCount(text string) int
	EncodeIDs(text string) []uint32
	Decode(ids []uint32) string
}

// imageMarkdown matches embedded image-data markdown links such as
// "![alt](data:image/png;base64,...)", stripped before chunking since they
// carry no text content and can dwarf the surrounding prose in length.
var imageMarkdown = regexp.MustCompile(`!\[[^\]]*\]\(data:image/[^)]*\)`)

// Split divides text into chunks whose tokenized length is at most
// maxTokens each, per spec §4.6's paragraph→sentence→hard-split algorithm.
func Split(text string, maxTokens int, tok Tokenizer) []string {
	if maxTokens <= 0 {
		return nil
	}
	text = imageMarkdown.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	paragraphs := splitParagraphs(text)

	var out []string
	var current string

	flush := func() {
		if strings.TrimSpace(current) != "" {
			out = append(out, strings.TrimSpace(current))
		}
		current = ""
	}

	for _, para := range paragraphs {
		candidate := para
		if current != "" {
			candidate = current + "\n\n" + para
		}

		if tok.TokenCount(candidate) < maxTokens {
			current = candidate
			continue
		}

		// The candidate would push the running chunk over budget: flush
		// what we had (without this paragraph), then deal with the
		// paragraph on its own.
		flush()

		if tok.TokenCount(para) < maxTokens {
			current = para
			continue
		}

		for _, piece := range hardSplit(para, maxTokens, tok) {
			out = append(out, piece)
		}
	}

	flush()
	return out
}

// splitParagraphs splits on the blank-line (two-linebreak) delimiter.
func splitParagraphs(text string) []string {
	raw := regexp.MustCompile(`\n\s*\n`).Split(text, -1)
	paras := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			paras = append(paras, p)
		}
	}
	return paras
}

// hardSplit sentence-splits para on '.'; any sentence still at or over
// maxTokens falls through to enforceTokenLimit's ID-slicing.
func hardSplit(para string, maxTokens int, tok Tokenizer) []string {
	sentences := splitSentences(para)

	var out []string
	var current string

	flush := func() {
		if strings.TrimSpace(current) != "" {
			out = append(out, strings.TrimSpace(current))
		}
		current = ""
	}

	for _, sent := range sentences {
		if tok.TokenCount(sent) >= maxTokens {
			flush()
			out = append(out, enforceTokenLimit(sent, maxTokens, tok)...)
			continue
		}

		candidate := sent
		if current != "" {
			candidate = current + " " + sent
		}
		if tok.TokenCount(candidate) < maxTokens {
			current = candidate
			continue
		}
		flush()
		current = sent
	}
	flush()
	return out
}

// splitSentences splits on '.' per spec §4.6, keeping the delimiter.
func splitSentences(text string) []string {
	parts := strings.Split(text, ".")
	sentences := make([]string, 0, len(parts))
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if i < len(parts)-1 {
			p += "."
		}
		sentences = append(sentences, p)
	}
	return sentences
}

// enforceTokenLimit tokenizes text and emits decoded slices of at most
// maxTokens token IDs each — the last slice may be shorter. This is the
// final fallback for a single sentence (or unsplittable fragment) that
// still exceeds the budget on its own.
func enforceTokenLimit(text string, maxTokens int, tok Tokenizer) []string {
	ids := tok.EncodeIDs(text)
	if len(ids) == 0 {
		return nil
	}

	var out []string
	for start := 0; start < len(ids); start += maxTokens {
		end := start + maxTokens
		if end > len(ids) {
			end = len(ids)
		}
		decoded := tok.Decode(ids[start:end])
		if strings.TrimSpace(decoded) != "" {
			out = append(out, decoded)
		}
	}
	return out
}
