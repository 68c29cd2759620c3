// Package httpapi provides thin HTTP handlers over the Infer facade. It
// deliberately stops at request decoding/response encoding and status-code
// mapping — routing, CORS, and auth middleware are an outer-surface concern
// left to the caller, grounded on the teacher-adjacent corpus's handlers.go
// (bbiangul-go-reason/cmd/server/handlers.go), which keeps its HTTP
// handlers equally thin over a service-layer call.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/fenwick-ai/emberd/internal/apperr"
	"github.com/fenwick-ai/emberd/internal/infer"
	"github.com/fenwick-ai/emberd/internal/model"
	"github.com/fenwick-ai/emberd/internal/tokenizer"
)

// embedRequest mirrors the client-facing request body for both single and
// batch embed calls (spec §3's Request(embed) data model).
type embedRequest struct {
	Inputs              json.RawMessage `json:"inputs"`
	Truncate            *bool           `json:"truncate,omitempty"`
	TruncationDirection string          `json:"truncation_direction,omitempty"`
	PromptName          string          `json:"prompt_name,omitempty"`
	Normalize           *bool           `json:"normalize,omitempty"`
	Dimensions          int             `json:"dimensions,omitempty"`
}

// Handler exposes embed_pooled/embed_all as HTTP endpoints.
type Handler struct {
	facade             *infer.Facade
	autoTruncate       bool
	maxClientBatchSize int
}

// New builds a Handler. autoTruncate is the server default for requests
// that omit "truncate"; maxClientBatchSize bounds a batch request's length.
func New(facade *infer.Facade, autoTruncate bool, maxClientBatchSize int) *Handler {
	return &Handler{facade: facade, autoTruncate: autoTruncate, maxClientBatchSize: maxClientBatchSize}
}

// EmbedPooled handles a single-or-batch pooled-embedding request.
func (h *Handler) EmbedPooled(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req embedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.EmptyInput, "malformed request body"))
		return
	}

	inputs, err := decodeInputs(req.Inputs)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(inputs) == 0 {
		writeError(w, apperr.New(apperr.EmptyInput, "inputs must be non-empty"))
		return
	}
	if len(inputs) > h.maxClientBatchSize {
		writeError(w, apperr.New(apperr.BatchTooLarge, "batch exceeds max_client_batch_size"))
		return
	}

	opts := h.resolveOptions(req)

	if len(inputs) == 1 {
		h.embedSingle(w, r, inputs[0], opts, start)
		return
	}
	h.embedBatch(w, r, inputs, opts, start)
}

func (h *Handler) embedSingle(w http.ResponseWriter, r *http.Request, input string, opts infer.Options, start time.Time) {
	if !h.facade.TryAcquirePermit() {
		writeError(w, apperr.New(apperr.Overloaded, "no admission permit available"))
		return
	}
	defer h.facade.ReleasePermit()

	result, err := h.facade.EmbedPooled(r.Context(), input, opts)
	if err != nil {
		writeError(w, err)
		return
	}

	writeVectorResponse(w, [][]float32{result.Vector}, result.Metadata, len([]rune(input)), time.Since(start))
}

func (h *Handler) embedBatch(w http.ResponseWriter, r *http.Request, inputs []string, opts infer.Options, start time.Time) {
	vectors := make([][]float32, len(inputs))
	var agg infer.Metadata
	var totalChars int

	for i, input := range inputs {
		if err := h.facade.AcquirePermit(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		result, err := h.facade.EmbedPooled(r.Context(), input, opts)
		h.facade.ReleasePermit()
		if err != nil {
			writeError(w, err)
			return
		}
		vectors[i] = result.Vector
		agg.PromptTokens += result.Metadata.PromptTokens
		agg.TokenizationDuration += result.Metadata.TokenizationDuration
		agg.QueueDuration += result.Metadata.QueueDuration
		agg.InferenceDuration += result.Metadata.InferenceDuration
		totalChars += len([]rune(input))
	}

	writeVectorResponse(w, vectors, agg, totalChars, time.Since(start))
}

// EmbedAll handles an embed_all request for a single text input.
func (h *Handler) EmbedAll(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req embedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.EmptyInput, "malformed request body"))
		return
	}
	inputs, err := decodeInputs(req.Inputs)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(inputs) != 1 {
		writeError(w, apperr.New(apperr.EmptyInput, "embed_all accepts exactly one input"))
		return
	}

	opts := h.resolveOptions(req)

	if !h.facade.TryAcquirePermit() {
		writeError(w, apperr.New(apperr.Overloaded, "no admission permit available"))
		return
	}
	defer h.facade.ReleasePermit()

	result, err := h.facade.EmbedAll(r.Context(), inputs[0], opts)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("x-compute-type", "embed_all")
	w.Header().Set("x-compute-characters", strconv.Itoa(len([]rune(inputs[0]))))
	w.Header().Set("x-compute-tokens", strconv.Itoa(result.Metadata.PromptTokens))
	w.Header().Set("x-tokenization-time", result.Metadata.TokenizationDuration.String())
	w.Header().Set("x-inference-time", result.Metadata.InferenceDuration.String())
	w.Header().Set("x-total-time", time.Since(start).String())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result.Matrix)
}

func (h *Handler) resolveOptions(req embedRequest) infer.Options {
	truncate := h.autoTruncate
	if req.Truncate != nil {
		truncate = *req.Truncate
	}
	normalize := true
	if req.Normalize != nil {
		normalize = *req.Normalize
	}
	direction := tokenizer.Right
	if req.TruncationDirection == "Left" {
		direction = tokenizer.Left
	}
	return infer.Options{
		Truncate:   truncate,
		Direction:  direction,
		PromptName: req.PromptName,
		Normalize:  normalize,
		Dimensions: req.Dimensions,
		Pool:       model.PoolingMean,
	}
}

// decodeInputs accepts either a single JSON string or an array of strings
// for the "inputs" field (spec's Request(embed) "one of Single, Batch").
func decodeInputs(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, apperr.New(apperr.EmptyInput, "inputs is required")
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil, apperr.New(apperr.EmptyInput, "input text is empty")
		}
		return []string{single}, nil
	}

	var batch []string
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, apperr.New(apperr.EmptyInput, "inputs must be a string or array of strings")
	}
	return batch, nil
}

func writeVectorResponse(w http.ResponseWriter, vectors [][]float32, md infer.Metadata, chars int, total time.Duration) {
	w.Header().Set("x-compute-type", "embed_pooled")
	w.Header().Set("x-compute-characters", strconv.Itoa(chars))
	w.Header().Set("x-compute-tokens", strconv.Itoa(md.PromptTokens))
	w.Header().Set("x-tokenization-time", md.TokenizationDuration.String())
	w.Header().Set("x-queue-time", md.QueueDuration.String())
	w.Header().Set("x-inference-time", md.InferenceDuration.String())
	w.Header().Set("x-compute-time", (md.TokenizationDuration + md.QueueDuration + md.InferenceDuration).String())
	w.Header().Set("x-total-time", total.String())
	w.Header().Set("Content-Type", "application/json")

	if len(vectors) == 1 {
		json.NewEncoder(w).Encode(vectors[0])
		return
	}
	json.NewEncoder(w).Encode(vectors)
}

// writeError maps an apperr.Kind to the status codes spec §7 names.
func writeError(w http.ResponseWriter, err error) {
	kind, _ := apperr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apperr.EmptyInput, apperr.InvalidPrompt:
		status = http.StatusBadRequest
	case apperr.BatchTooLarge:
		status = http.StatusRequestEntityTooLarge
	case apperr.TokenizerFailure, apperr.TooLong:
		status = http.StatusUnprocessableEntity
	case apperr.InferenceFailure:
		status = http.StatusFailedDependency
	case apperr.Overloaded:
		status = http.StatusTooManyRequests
	}

	var appErr *apperr.Error
	message := err.Error()
	if errors.As(err, &appErr) {
		message = appErr.Message
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
