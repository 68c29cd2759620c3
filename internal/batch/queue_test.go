package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fenwick-ai/emberd/internal/tokenizer"
)

// recordingConsumer captures every PaddedBatch it receives for assertions.
type recordingConsumer struct {
	mu      sync.Mutex
	batches []PaddedBatch
	seen    chan struct{}
}

func newRecordingConsumer() *recordingConsumer {
	return &recordingConsumer{seen: make(chan struct{}, 16)}
}

func (r *recordingConsumer) Consume(ctx context.Context, b PaddedBatch) {
	r.mu.Lock()
	r.batches = append(r.batches, b)
	r.mu.Unlock()
	r.seen <- struct{}{}
	for _, e := range b.Entries {
		e.ResponseCh <- Response{Pooled: []float32{1}}
	}
}

func makeEntry(nTokens int) *Entry {
	ids := make([]int64, nTokens)
	mask := make([]int64, nTokens)
	for i := range mask {
		mask[i] = 1
	}
	return &Entry{
		Encoded:    tokenizer.EncodedInput{InputIDs: ids, AttentionMask: mask},
		ResponseCh: make(chan Response, 1),
	}
}

func TestEnqueueDispatchesSingleEntry(t *testing.T) {
	c := newRecordingConsumer()
	q := New(Config{MaxBatchTokens: 16, MaxBatchRequests: 4}, c)
	defer q.Close()

	e := makeEntry(3)
	if err := q.Enqueue(e); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case <-c.seen:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for batch dispatch")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.batches) != 1 || len(c.batches[0].Entries) != 1 {
		t.Fatalf("expected one batch of one entry, got %+v", c.batches)
	}
}

func TestBuildBatchRespectsTokenBudget(t *testing.T) {
	c := newRecordingConsumer()
	// Two 4-token entries batched together would need lMax(4) * count(2) = 8
	// tokens, which exceeds a MaxBatchTokens of 6 — so they must dispatch
	// as two separate batches.
	q := New(Config{MaxBatchTokens: 6, MaxBatchRequests: 10}, c)
	defer q.Close()

	e1, e2 := makeEntry(4), makeEntry(4)
	if err := q.Enqueue(e1); err != nil {
		t.Fatal(err)
	}
	<-c.seen
	if err := q.Enqueue(e2); err != nil {
		t.Fatal(err)
	}
	<-c.seen

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.batches) != 2 {
		t.Fatalf("expected 2 separate batches, got %d", len(c.batches))
	}
}

func TestBuildBatchAlwaysAdmitsFirstEntryEvenOverBudget(t *testing.T) {
	c := newRecordingConsumer()
	// A single entry whose own token count already exceeds MaxBatchTokens
	// must still be admitted and dispatched alone.
	q := New(Config{MaxBatchTokens: 2, MaxBatchRequests: 10}, c)
	defer q.Close()

	e := makeEntry(10)
	if err := q.Enqueue(e); err != nil {
		t.Fatal(err)
	}

	select {
	case <-c.seen:
	case <-time.After(time.Second):
		t.Fatal("oversized first entry was never dispatched")
	}
}

func TestBuildBatchRespectsRequestCap(t *testing.T) {
	c := newRecordingConsumer()
	q := New(Config{MaxBatchTokens: 1000, MaxBatchRequests: 1}, c)
	defer q.Close()

	e1, e2 := makeEntry(2), makeEntry(2)
	if err := q.Enqueue(e1); err != nil {
		t.Fatal(err)
	}
	<-c.seen
	if err := q.Enqueue(e2); err != nil {
		t.Fatal(err)
	}
	<-c.seen

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.batches {
		if len(b.Entries) > 1 {
			t.Fatalf("MaxBatchRequests=1 violated: batch has %d entries", len(b.Entries))
		}
	}
}

func TestEnqueueAfterCloseFails(t *testing.T) {
	c := newRecordingConsumer()
	q := New(Config{MaxBatchTokens: 16, MaxBatchRequests: 4}, c)
	q.Close()

	err := q.Enqueue(makeEntry(1))
	if err == nil {
		t.Fatal("expected Overloaded error after Close, got nil")
	}
}

func TestCancelledEntryDroppedAtDequeue(t *testing.T) {
	c := newRecordingConsumer()
	q := New(Config{MaxBatchTokens: 16, MaxBatchRequests: 4}, c)
	defer q.Close()

	cancelled := makeEntry(2)
	close(cancelled.ResponseCh) // simulate caller giving up before dispatch

	live := makeEntry(2)
	if err := q.Enqueue(cancelled); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(live); err != nil {
		t.Fatal(err)
	}

	select {
	case <-c.seen:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.batches {
		for _, e := range b.Entries {
			if e == cancelled {
				t.Fatal("cancelled entry should have been dropped at dequeue")
			}
		}
	}
}
