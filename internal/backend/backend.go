// Package backend runs ONNX Runtime forward passes for padded batches and
// reduces the resulting hidden states to pooled (or full) embeddings. It
// generalizes the teacher's internal/embed/embedder.go tensor-building and
// CLS-pool code into the pooling variants and dynamic batch shapes spec §4.4
// requires, and is the single mutable consumer the batch queue feeds.
package backend

import (
	"context"
	"fmt"
	"math"
	"os"
	"runtime"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/fenwick-ai/emberd/internal/apperr"
	"github.com/fenwick-ai/emberd/internal/batch"
	"github.com/fenwick-ai/emberd/internal/model"
)

// Options configures Run/Embed behavior requested alongside a batch.
type Options struct {
	Pool       model.PoolingMode
	Normalize  bool
	Dimensions int // 0 = full dimensionality
}

// Backend wraps a single ONNX session. It is not safe for concurrent
// invocation of Consume — the batch queue is the only caller and serializes
// access by construction (spec §5's "single mutable consumer").
type Backend struct {
	session      *ort.DynamicAdvancedSession
	dim          int
	fourInput    bool // session accepts token_type_ids/position_ids as graph inputs
	maxBatchSize int  // hard cap advertised by the backend, 0 = none
}

// New opens an ONNX session for modelPath. ortLibPath may be empty to use
// the system-default shared library. numThreads <= 0 picks min(4, NumCPU),
// mirroring the teacher's thread-selection rationale: more threads rarely
// help on small machines and cause contention when intra-op and inter-op
// both spawn threads.
func New(modelPath, ortLibPath string, numThreads, dim int) (*Backend, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, apperr.Wrap(apperr.ConfigInvalid, "model weights not found at "+modelPath, err)
	}

	if ortLibPath != "" {
		ort.SetSharedLibraryPath(ortLibPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, apperr.Wrap(apperr.ConfigInvalid, "initializing onnxruntime", err)
	}

	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
		if numThreads > 4 {
			numThreads = 4
		}
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, apperr.Wrap(apperr.ConfigInvalid, "session options", err)
	}
	defer opts.Destroy()
	if err := opts.SetIntraOpNumThreads(numThreads); err != nil {
		return nil, apperr.Wrap(apperr.ConfigInvalid, "set intra threads", err)
	}
	if err := opts.SetInterOpNumThreads(1); err != nil {
		return nil, apperr.Wrap(apperr.ConfigInvalid, "set inter threads", err)
	}

	inputNames := []string{"input_ids", "attention_mask", "token_type_ids", "position_ids"}
	outputNames := []string{"last_hidden_state"}
	fourInput := true
	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, opts)
	if err != nil {
		// Some architectures (e.g. those without segment embeddings) don't
		// accept token_type_ids/position_ids as graph inputs; retry with
		// the minimal input set the teacher's BGE export uses.
		fourInput = false
		session, err = ort.NewDynamicAdvancedSession(modelPath, inputNames[:2], outputNames, opts)
		if err != nil {
			return nil, apperr.Wrap(apperr.ConfigInvalid, "creating onnx session", err)
		}
	}

	return &Backend{session: session, dim: dim, fourInput: fourInput}, nil
}

// HasTokenType reports whether this backend's session was opened with the
// full 4-input signature (token_type_ids and position_ids included). Callers
// wire this into batch.Config.HasTokenType so the queue only builds the
// extra tensors the session actually accepts.
func (b *Backend) HasTokenType() bool { return b.fourInput }

// Close releases the ONNX session.
func (b *Backend) Close() {
	if b.session != nil {
		b.session.Destroy()
	}
}

// MaxBatchSize returns the hard cap this backend advertises, 0 meaning
// none. Used at startup to clamp the configured max_batch_requests per
// spec §4.4's "Max-batch discovery".
func (b *Backend) MaxBatchSize() int { return b.maxBatchSize }

// Health performs a tiny forward pass as a liveness probe.
func (b *Backend) Health(ctx context.Context) error {
	tiny := batch.PaddedBatch{
		InputIDs:      [][]int64{{0}},
		AttentionMask: [][]int64{{1}},
		TokenTypeIDs:  [][]int64{{0}},
		PositionIDs:   [][]int64{{0}},
		LMax:          1,
	}
	_, err := b.forward(tiny)
	return err
}

// Consume implements batch.Consumer: it runs the forward pass for batch and
// delivers a Response to every entry's ResponseCh, indexed by the entry's
// position inside the padded batch (spec's request/response correlation
// design note).
func (b *Backend) Consume(ctx context.Context, pb batch.PaddedBatch) {
	consumeStart := time.Now()
	hidden, seqLen, err := b.forward(pb)
	inferenceElapsed := time.Since(consumeStart)
	if err != nil {
		deliverErr(pb.Entries, apperr.Wrap(apperr.InferenceFailure, "forward pass failed", err))
		return
	}

	for i, entry := range pb.Entries {
		pool := entry.Pool
		if pool == model.PoolingUnknown {
			pool = model.PoolingMean
		}
		vec := poolRow(hidden, i, seqLen, b.dim, pb.AttentionMask[i], pool)
		if entry.Dimensions > 0 && entry.Dimensions < len(vec) {
			vec = vec[:entry.Dimensions]
		}
		if entry.Normalize {
			l2Normalize(vec)
		}
		var queueElapsed time.Duration
		if !entry.EnqueuedAt.IsZero() {
			queueElapsed = consumeStart.Sub(entry.EnqueuedAt)
		}
		safeSend(entry.ResponseCh, batch.Response{
			Pooled:                vec,
			Tokens:                countNonZero(pb.AttentionMask[i]),
			QueueElapsedNanos:     queueElapsed.Nanoseconds(),
			InferenceElapsedNanos: inferenceElapsed.Nanoseconds(),
		})
	}
}

// Embed runs a forward pass and pools it immediately, for callers that
// bypass the queue's async Consume path and want a direct call. The
// ingestion driver does not use it: it embeds through the Infer facade and
// the batch queue. normalize and dimensions follow spec §4.4.
func (b *Backend) Embed(pb batch.PaddedBatch, opts Options) ([][]float32, []int, error) {
	hidden, seqLen, err := b.forward(pb)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.InferenceFailure, "forward pass failed", err)
	}

	out := make([][]float32, len(pb.InputIDs))
	tokens := make([]int, len(pb.InputIDs))
	for i := range pb.InputIDs {
		vec := poolRow(hidden, i, seqLen, b.dim, pb.AttentionMask[i], opts.Pool)
		if opts.Dimensions > 0 && opts.Dimensions < len(vec) {
			vec = vec[:opts.Dimensions]
		}
		if opts.Normalize {
			l2Normalize(vec)
		}
		out[i] = vec
		tokens[i] = countNonZero(pb.AttentionMask[i])
	}
	return out, tokens, nil
}

// EmbedAll runs a forward pass and returns the full [L,D] matrix per entry
// without pooling (spec's embed_all / "All" embedding output variant).
func (b *Backend) EmbedAll(pb batch.PaddedBatch) ([][][]float32, error) {
	hidden, seqLen, err := b.forward(pb)
	if err != nil {
		return nil, apperr.Wrap(apperr.InferenceFailure, "forward pass failed", err)
	}
	out := make([][][]float32, len(pb.InputIDs))
	for i := range pb.InputIDs {
		mat := make([][]float32, seqLen)
		base := i * seqLen * b.dim
		for t := 0; t < seqLen; t++ {
			row := make([]float32, b.dim)
			copy(row, hidden[base+t*b.dim:base+(t+1)*b.dim])
			mat[t] = row
		}
		out[i] = mat
	}
	return out, nil
}

// flatBatch is the ONNX-value-free result of flattening a PaddedBatch's
// [B][L] rows into the [B*L] sequences ort.NewTensor expects. Separated from
// forward so the flattening logic (in particular, which tensors get built
// for a 2-input vs 4-input session) is unit-testable without an ONNX
// session.
type flatBatch struct {
	batchSize int
	lMax      int
	ids       []int64
	mask      []int64
	types     []int64 // nil when !fourInput
	positions []int64 // nil when !fourInput
}

// flattenBatch builds the flat [B*L] sequences forward needs. types/
// positions are only populated when fourInput is true, matching the input
// signature the session was actually opened with (see Backend.fourInput).
func flattenBatch(pb batch.PaddedBatch, fourInput bool) (flatBatch, error) {
	batchSize := len(pb.InputIDs)
	if batchSize == 0 {
		return flatBatch{}, fmt.Errorf("empty batch")
	}
	lMax := pb.LMax

	fb := flatBatch{
		batchSize: batchSize,
		lMax:      lMax,
		ids:       make([]int64, 0, batchSize*lMax),
		mask:      make([]int64, 0, batchSize*lMax),
	}
	if fourInput {
		fb.types = make([]int64, 0, batchSize*lMax)
		fb.positions = make([]int64, 0, batchSize*lMax)
	}
	for i := 0; i < batchSize; i++ {
		fb.ids = append(fb.ids, pb.InputIDs[i]...)
		fb.mask = append(fb.mask, pb.AttentionMask[i]...)
		if fourInput {
			fb.types = append(fb.types, pb.TokenTypeIDs[i]...)
			fb.positions = append(fb.positions, pb.PositionIDs[i]...)
		}
	}
	return fb, nil
}

// forward builds ONNX tensors from pb and runs the session, returning the
// flattened [B*L*D] hidden state and the sequence length L the output
// tensor actually reports (may exceed pb.LMax only if the model pads
// internally, which none of the architectures this backend targets do).
func (b *Backend) forward(pb batch.PaddedBatch) ([]float32, int, error) {
	fb, err := flattenBatch(pb, b.fourInput)
	if err != nil {
		return nil, 0, err
	}
	shape := ort.NewShape(int64(fb.batchSize), int64(fb.lMax))

	inputIDs, err := ort.NewTensor(shape, fb.ids)
	if err != nil {
		return nil, 0, fmt.Errorf("input_ids tensor: %w", err)
	}
	defer inputIDs.Destroy()
	attnMask, err := ort.NewTensor(shape, fb.mask)
	if err != nil {
		return nil, 0, fmt.Errorf("attention_mask tensor: %w", err)
	}
	defer attnMask.Destroy()

	inputs := []ort.Value{inputIDs, attnMask}
	if b.fourInput {
		typeIDs, err := ort.NewTensor(shape, fb.types)
		if err != nil {
			return nil, 0, fmt.Errorf("token_type_ids tensor: %w", err)
		}
		defer typeIDs.Destroy()
		posIDs, err := ort.NewTensor(shape, fb.positions)
		if err != nil {
			return nil, 0, fmt.Errorf("position_ids tensor: %w", err)
		}
		defer posIDs.Destroy()
		inputs = append(inputs, typeIDs, posIDs)
	}

	outputs := []ort.Value{nil}
	if err := b.session.Run(inputs, outputs); err != nil {
		return nil, 0, fmt.Errorf("ort run: %w", err)
	}
	defer func() {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
	}()

	hiddenTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, 0, fmt.Errorf("unexpected output type (want *Tensor[float32])")
	}
	seqLen := int(hiddenTensor.GetShape()[1])
	dim := int(hiddenTensor.GetShape()[2])
	if b.dim == 0 {
		b.dim = dim
	}

	data := hiddenTensor.GetData()
	out := make([]float32, len(data))
	copy(out, data)
	return out, seqLen, nil
}

// poolRow reduces row i of the [B,L,D] hidden state to a single [D] vector
// per the pooling variant (spec §4.4's "Computation" section).
func poolRow(hidden []float32, i, seqLen, dim int, mask []int64, pool model.PoolingMode) []float32 {
	base := i * seqLen * dim
	switch pool {
	case model.PoolingCLS:
		vec := make([]float32, dim)
		copy(vec, hidden[base:base+dim])
		return vec
	case model.PoolingLastToken:
		last := lastNonPaddingIndex(mask)
		vec := make([]float32, dim)
		copy(vec, hidden[base+last*dim:base+(last+1)*dim])
		return vec
	case model.PoolingMean:
		fallthrough
	default:
		vec := make([]float32, dim)
		var total float64
		for t := 0; t < seqLen && t < len(mask); t++ {
			if mask[t] == 0 {
				continue
			}
			total++
			off := base + t*dim
			for d := 0; d < dim; d++ {
				vec[d] += hidden[off+d]
			}
		}
		denom := float32(total)
		if denom < 1e-10 {
			denom = 1e-10
		}
		for d := range vec {
			vec[d] /= denom
		}
		return vec
	}
}

func lastNonPaddingIndex(mask []int64) int {
	last := 0
	for i, m := range mask {
		if m != 0 {
			last = i
		}
	}
	return last
}

func countNonZero(mask []int64) int {
	n := 0
	for _, m := range mask {
		if m != 0 {
			n++
		}
	}
	return n
}

// l2Normalize normalizes v in-place to unit length (epsilon 1e-10 guards
// against division by zero for an all-zero vector).
func l2Normalize(v []float32) {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm < 1e-10 {
		return
	}
	inv := float32(1.0 / norm)
	for i := range v {
		v[i] *= inv
	}
}

func deliverErr(entries []*batch.Entry, err error) {
	for _, e := range entries {
		safeSend(e.ResponseCh, batch.Response{Err: err})
	}
}

// safeSend delivers resp to ch, tolerating the race where the caller
// closed ch to signal cancellation between dispatch and completion.
func safeSend(ch chan batch.Response, resp batch.Response) {
	defer func() { _ = recover() }()
	ch <- resp
}
