// Package tokenizer runs a bounded worker pool that converts raw text into
// EncodedInput, generalizing the teacher's inline per-call tokenizer use
// (internal/embed/embedder.go in the teacher repo) into the parallel,
// ordering-agnostic pool described in spec §4.2.
package tokenizer

import (
	"context"
	"runtime"
	"sync"

	"github.com/daulet/tokenizers"

	"github.com/fenwick-ai/emberd/internal/apperr"
	"github.com/fenwick-ai/emberd/internal/model"
)

// Direction is the side truncation removes tokens from.
type Direction int

const (
	Right Direction = iota
	Left
)

// EncodedInput is the per-item output of tokenization (spec §3).
type EncodedInput struct {
	InputIDs      []int64
	AttentionMask []int64
	PromptTokens  int // count after prompt prefixing + truncation
	Chars         int // original char count
}

type request struct {
	text          string
	truncate      bool
	direction     Direction
	promptName    string
	resultCh      chan result
}

type result struct {
	enc EncodedInput
	err error
}

// Pool is the shared, immutable-tokenizer worker pool. Workers hold a
// reference to the same *tokenizers.Tokenizer — safe for concurrent use
// since encoding does not mutate the tokenizer's vocabulary/merges.
type Pool struct {
	loaded  *model.Loaded
	queue   chan request
	workers int
	wg      sync.WaitGroup
	quit    chan struct{}
}

// New starts a Pool of size workers (0 => runtime.NumCPU) reading from a
// bounded queue of depth queueDepth.
func New(loaded *model.Loaded, workers, queueDepth int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if queueDepth <= 0 {
		queueDepth = workers * 4
	}
	p := &Pool{
		loaded:  loaded,
		queue:   make(chan request, queueDepth),
		workers: workers,
		quit:    make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Close stops all workers and waits for in-flight tokenizations to finish.
func (p *Pool) Close() {
	close(p.quit)
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case req := <-p.queue:
			enc, err := p.encode(req.text, req.truncate, req.direction, req.promptName)
			req.resultCh <- result{enc: enc, err: err}
		}
	}
}

// Tokenize submits text for tokenization and blocks until the result is
// ready or ctx is cancelled. See spec §4.2 for the contract.
func (p *Pool) Tokenize(ctx context.Context, text string, truncate bool, direction Direction, promptName string) (EncodedInput, error) {
	if text == "" {
		return EncodedInput{}, apperr.New(apperr.EmptyInput, "input text is empty")
	}

	resultCh := make(chan result, 1)
	req := request{text: text, truncate: truncate, direction: direction, promptName: promptName, resultCh: resultCh}

	select {
	case p.queue <- req:
	case <-ctx.Done():
		return EncodedInput{}, ctx.Err()
	}

	select {
	case res := <-resultCh:
		return res.enc, res.err
	case <-ctx.Done():
		return EncodedInput{}, ctx.Err()
	}
}

func (p *Pool) encode(text string, truncate bool, direction Direction, promptName string) (EncodedInput, error) {
	prefix, ok := p.loaded.Prompts.Lookup(promptName)
	if !ok {
		return EncodedInput{}, apperr.New(apperr.InvalidPrompt, "prompt_name not recognized: "+promptName)
	}

	full := prefix + text
	enc := p.loaded.Tokenizer.EncodeWithOptions(full, true, tokenizers.WithReturnAttentionMask())

	ids := make([]int64, len(enc.IDs))
	mask := make([]int64, len(enc.IDs))
	for i, v := range enc.IDs {
		ids[i] = int64(v)
		if i < len(enc.AttentionMask) {
			mask[i] = int64(enc.AttentionMask[i])
		} else {
			mask[i] = 1
		}
	}

	if p.loaded.Qwen2PostProcess {
		ids, mask = appendQwen2EOS(p.loaded.Tokenizer, ids, mask)
	}

	maxLen := p.loaded.MaxInputLength
	if len(ids) > maxLen {
		if !truncate {
			return EncodedInput{}, apperr.New(apperr.TooLong, "input exceeds max_input_length and truncation is disabled")
		}
		ids, mask = truncateTo(ids, mask, maxLen, direction)
	}

	return EncodedInput{
		InputIDs:      ids,
		AttentionMask: mask,
		PromptTokens:  len(ids),
		Chars:         len([]rune(text)),
	}, nil
}

// truncateTo preserves the first maxLen tokens (Right direction — i.e.
// truncation removes tokens from the right/end) or the last maxLen tokens
// (Left direction — truncation removes tokens from the left/start), per
// the testable property in spec §8.3.
func truncateTo(ids, mask []int64, maxLen int, direction Direction) ([]int64, []int64) {
	if direction == Left {
		start := len(ids) - maxLen
		return append([]int64(nil), ids[start:]...), append([]int64(nil), mask[start:]...)
	}
	return append([]int64(nil), ids[:maxLen]...), append([]int64(nil), mask[:maxLen]...)
}

// appendQwen2EOS composes the qwen2 family's single-sequence post-processor
// on top of whatever the tokenizer.json's own post-processor already
// produced: it looks up the end-of-sequence special token and appends it
// if it isn't already the last id (tokenizer.json-driven post-processors
// for checkpoints that already special-case this are left untouched).
func appendQwen2EOS(tk *tokenizers.Tokenizer, ids, mask []int64) ([]int64, []int64) {
	eosID, ok := tk.TokenToID(model.Qwen2EOSToken)
	if !ok {
		return ids, mask
	}
	if len(ids) > 0 && ids[len(ids)-1] == int64(eosID) {
		return ids, mask
	}
	return append(ids, int64(eosID)), append(mask, 1)
}
