// Package infer is the Infer facade (spec §4.5): it is the only entry point
// the rest of the core uses to turn text into vectors, and owns admission
// control across the tokenizer pool and batch queue beneath it.
package infer

import (
	"context"
	"time"

	"github.com/fenwick-ai/emberd/internal/backend"
	"github.com/fenwick-ai/emberd/internal/batch"
	"github.com/fenwick-ai/emberd/internal/model"
	"github.com/fenwick-ai/emberd/internal/tokenizer"
)

// Options configures a single embed call.
type Options struct {
	Truncate   bool
	Direction  tokenizer.Direction
	PromptName string
	Normalize  bool
	Dimensions int
	Pool       model.PoolingMode
}

// Metadata reports the per-request timing breakdown spec §4.5 requires in
// response headers.
type Metadata struct {
	PromptTokens        int
	TokenizationDuration time.Duration
	QueueDuration        time.Duration
	InferenceDuration    time.Duration
}

// PooledResult is the embed_pooled return value.
type PooledResult struct {
	Vector   []float32
	Metadata Metadata
}

// AllResult is the embed_all return value.
type AllResult struct {
	Matrix   [][]float32
	Metadata Metadata
}

// Facade wires the tokenizer pool, batch queue and backend together behind
// a counting semaphore that bounds max_concurrent_requests (spec's
// admission-control permit).
type Facade struct {
	tokPool        *tokenizer.Pool
	queue          *batch.Queue
	be             *backend.Backend
	sem            chan struct{}
	positionOffset int
}

// New builds a Facade. maxConcurrentRequests sizes the admission semaphore.
// positionOffset is the model's leading-position-id reservation (spec
// §4.1(c)) and is applied to the embed_all path's position ids the same way
// batch.Config.PositionOffset is applied to the batched embed_pooled path.
func New(tokPool *tokenizer.Pool, queue *batch.Queue, be *backend.Backend, maxConcurrentRequests, positionOffset int) *Facade {
	if maxConcurrentRequests <= 0 {
		maxConcurrentRequests = 1
	}
	return &Facade{
		tokPool:        tokPool,
		queue:          queue,
		be:             be,
		sem:            make(chan struct{}, maxConcurrentRequests),
		positionOffset: positionOffset,
	}
}

// TryAcquirePermit attempts to reserve a permit without blocking. Callers
// on the single-request handler path use this and surface Overloaded
// immediately on failure (spec §4.5).
func (f *Facade) TryAcquirePermit() bool {
	select {
	case f.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// AcquirePermit waits for a permit, honoring ctx cancellation. The batched
// handler path uses this so each item in a client batch waits its turn
// rather than failing the whole batch on momentary saturation.
func (f *Facade) AcquirePermit(ctx context.Context) error {
	select {
	case f.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReleasePermit returns a permit held by TryAcquirePermit/AcquirePermit.
func (f *Facade) ReleasePermit() {
	select {
	case <-f.sem:
	default:
	}
}

// EmbedPooled tokenizes input, dispatches it through the batch queue, and
// returns a pooled (and optionally normalized/truncated-dimension) vector.
// Callers must hold a permit (see TryAcquirePermit/AcquirePermit) for the
// duration of the call; EmbedPooled does not acquire one itself.
func (f *Facade) EmbedPooled(ctx context.Context, input string, opts Options) (PooledResult, error) {
	t0 := time.Now()
	enc, err := f.tokPool.Tokenize(ctx, input, opts.Truncate, opts.Direction, opts.PromptName)
	tokenizationElapsed := time.Since(t0)
	if err != nil {
		return PooledResult{}, err
	}

	resp, err := f.dispatch(ctx, enc, opts)
	if err != nil {
		return PooledResult{}, err
	}
	if resp.Err != nil {
		return PooledResult{}, resp.Err
	}

	return PooledResult{
		Vector: resp.Pooled,
		Metadata: Metadata{
			PromptTokens:         enc.PromptTokens,
			TokenizationDuration: tokenizationElapsed,
			QueueDuration:        time.Duration(resp.QueueElapsedNanos),
			InferenceDuration:    time.Duration(resp.InferenceElapsedNanos),
		},
	}, nil
}

// EmbedAll tokenizes input and returns the full per-token hidden-state
// matrix, bypassing the batch queue's pooling path since embed_all is
// rarely latency sensitive enough to justify batching against other
// traffic; it still runs through the shared backend.
func (f *Facade) EmbedAll(ctx context.Context, input string, opts Options) (AllResult, error) {
	t0 := time.Now()
	enc, err := f.tokPool.Tokenize(ctx, input, opts.Truncate, opts.Direction, opts.PromptName)
	tokenizationElapsed := time.Since(t0)
	if err != nil {
		return AllResult{}, err
	}

	pb := singleEntryBatch(enc, f.positionOffset)
	t1 := time.Now()
	matrix, err := f.be.EmbedAll(pb)
	inferenceElapsed := time.Since(t1)
	if err != nil {
		return AllResult{}, err
	}

	return AllResult{
		Matrix: matrix[0],
		Metadata: Metadata{
			PromptTokens:         enc.PromptTokens,
			TokenizationDuration: tokenizationElapsed,
			InferenceDuration:    inferenceElapsed,
		},
	}, nil
}

// dispatch enqueues enc onto the batch queue and awaits its Response.
func (f *Facade) dispatch(ctx context.Context, enc tokenizer.EncodedInput, opts Options) (batch.Response, error) {
	respCh := make(chan batch.Response, 1)
	entry := &batch.Entry{
		Encoded:    enc,
		Pool:       opts.Pool,
		Normalize:  opts.Normalize,
		Dimensions: opts.Dimensions,
		ResponseCh: respCh,
	}
	if err := f.queue.Enqueue(entry); err != nil {
		return batch.Response{}, err
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		close(respCh) // signals the batcher to drop this entry if still pending
		return batch.Response{}, ctx.Err()
	}
}

func singleEntryBatch(enc tokenizer.EncodedInput, positionOffset int) batch.PaddedBatch {
	lMax := len(enc.InputIDs)
	mask := make([]int64, lMax)
	copy(mask, enc.AttentionMask)
	ids := make([]int64, lMax)
	copy(ids, enc.InputIDs)
	types := make([]int64, lMax)
	pos := make([]int64, lMax)
	for i := range pos {
		pos[i] = int64(i + positionOffset)
	}
	return batch.PaddedBatch{
		InputIDs:      [][]int64{ids},
		AttentionMask: [][]int64{mask},
		TokenTypeIDs:  [][]int64{types},
		PositionIDs:   [][]int64{pos},
		LMax:          lMax,
	}
}
