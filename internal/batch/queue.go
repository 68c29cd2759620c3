// Package batch implements the token-budgeted, request-capped FIFO batch
// queue described in spec §4.3: a single batcher goroutine coalesces
// individual tokenized requests into padded batches under two caps.
package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fenwick-ai/emberd/internal/apperr"
	"github.com/fenwick-ai/emberd/internal/model"
	"github.com/fenwick-ai/emberd/internal/tokenizer"
)

// Entry is a single tokenized request waiting to be batched (spec's
// BatchEntry). ResponseCh receives exactly one Response and is then never
// written to again.
type Entry struct {
	Encoded    tokenizer.EncodedInput
	Pool       model.PoolingMode
	Normalize  bool
	Dimensions int // 0 = full dimensionality
	ResponseCh chan Response
	EnqueuedAt time.Time // set by Enqueue, read by the backend to report queue time
	seq        uint64    // monotonic insertion counter, breaks enqueue ties
}

// Response carries either a completed embedding or an error back to the
// caller that enqueued the Entry.
type Response struct {
	Pooled  []float32
	All     [][]float32
	Tokens  int
	QueueElapsedNanos int64
	InferenceElapsedNanos int64
	Err     error
}

// PaddedBatch is the backend's input shape: all entries right-padded with
// zeros to the batch's longest sequence.
type PaddedBatch struct {
	InputIDs      [][]int64
	AttentionMask [][]int64
	TokenTypeIDs  [][]int64
	PositionIDs   [][]int64
	Entries       []*Entry
	LMax          int
}

// Consumer is implemented by the inference backend: it receives dispatched
// batches and is the single point of contention for the accelerator.
type Consumer interface {
	Consume(ctx context.Context, batch PaddedBatch)
}

// Config bounds a single dispatched batch.
type Config struct {
	MaxBatchTokens   int
	MaxBatchRequests int // 0 = unbounded
	PositionOffset   int
	// HasTokenType reports whether the backend's session was opened with
	// the full 4-input signature (token_type_ids/position_ids included).
	// When false, padEntries skips building those tensors entirely rather
	// than populating ones the backend will never read.
	HasTokenType bool
}

// Queue is the FIFO batcher. Callers Enqueue an Entry; a single background
// goroutine greedily coalesces entries into PaddedBatch values and hands
// them to the Consumer.
type Queue struct {
	cfg      Config
	consumer Consumer

	mu      sync.Mutex
	pending []*Entry
	notify  chan struct{}
	seq     uint64

	closed atomic.Bool
	done   chan struct{}
}

// New starts the queue's batcher goroutine.
func New(cfg Config, consumer Consumer) *Queue {
	q := &Queue{
		cfg:      cfg,
		consumer: consumer,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go q.run()
	return q
}

// Close stops the batcher goroutine. In-flight entries are dropped.
func (q *Queue) Close() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.done)
	}
}

// Enqueue adds entry to the tail of the FIFO. It never blocks the caller
// beyond acquiring the internal mutex. The queue has no capacity limit of
// its own: Enqueue fails with Overloaded only after Close, and the
// semaphore-based admission control in the Infer facade is what bounds how
// many entries can be pending.
func (q *Queue) Enqueue(entry *Entry) error {
	if q.closed.Load() {
		return apperr.New(apperr.Overloaded, "queue is closed")
	}
	entry.EnqueuedAt = time.Now()
	q.mu.Lock()
	entry.seq = q.seq
	q.seq++
	q.pending = append(q.pending, entry)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *Queue) run() {
	for {
		entry := q.waitForFirst()
		if entry == nil {
			return // closed
		}
		batch := q.buildBatch(entry)
		if len(batch.Entries) == 0 {
			continue
		}
		q.consumer.Consume(context.Background(), batch)
	}
}

// waitForFirst blocks until at least one entry is pending or the queue is
// closed.
func (q *Queue) waitForFirst() *Entry {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			e := q.pending[0]
			q.mu.Unlock()
			return e
		}
		q.mu.Unlock()

		select {
		case <-q.done:
			return nil
		case <-q.notify:
		}
	}
}

// buildBatch implements the greedy coalescing algorithm from spec §4.3
// steps 1–4: pop the head, then keep peeking/popping while the
// would-be token budget and request cap both hold.
func (q *Queue) buildBatch(first *Entry) PaddedBatch {
	q.mu.Lock()
	entries := []*Entry{}
	lMax := 0

	for len(q.pending) > 0 {
		candidate := q.pending[0]

		// Dropped cancellations (closed response channel) are skipped at
		// dequeue time per spec §4.3's cancellation note.
		if isClosed(candidate.ResponseCh) {
			q.pending = q.pending[1:]
			continue
		}

		candLen := len(candidate.Encoded.InputIDs)
		newLMax := lMax
		if candLen > newLMax {
			newLMax = candLen
		}
		newCount := len(entries) + 1
		newTokens := newLMax * newCount

		if len(entries) > 0 {
			if newTokens > q.cfg.MaxBatchTokens {
				break
			}
			if q.cfg.MaxBatchRequests > 0 && newCount > q.cfg.MaxBatchRequests {
				break
			}
		}

		entries = append(entries, candidate)
		lMax = newLMax
		q.pending = q.pending[1:]
	}
	q.mu.Unlock()

	return padEntries(entries, lMax, q.cfg)
}

func isClosed(ch chan Response) bool {
	select {
	case _, ok := <-ch:
		return !ok
	default:
		return false
	}
}

func padEntries(entries []*Entry, lMax int, cfg Config) PaddedBatch {
	b := PaddedBatch{
		InputIDs:      make([][]int64, len(entries)),
		AttentionMask: make([][]int64, len(entries)),
		Entries:       entries,
		LMax:          lMax,
	}
	if cfg.HasTokenType {
		b.TokenTypeIDs = make([][]int64, len(entries))
		b.PositionIDs = make([][]int64, len(entries))
	}
	for i, e := range entries {
		ids := make([]int64, lMax)
		mask := make([]int64, lMax)
		copy(ids, e.Encoded.InputIDs)
		copy(mask, e.Encoded.AttentionMask)
		b.InputIDs[i] = ids
		b.AttentionMask[i] = mask

		if cfg.HasTokenType {
			types := make([]int64, lMax)
			pos := make([]int64, lMax)
			for j := 0; j < lMax; j++ {
				pos[j] = int64(j + cfg.PositionOffset)
			}
			b.TokenTypeIDs[i] = types
			b.PositionIDs[i] = pos
		}
	}
	return b
}
