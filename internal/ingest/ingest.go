// Package ingest is the ingestion driver (C7): it reconciles object-store
// contents with the file catalog and embeds pending files. It generalizes
// the teacher's internal/index directory walk and per-file embed loop
// (IndexDirWithProgress/AddFileCtx) from a local filesystem onto an object
// store + external parser + relational catalog.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"

	"github.com/fenwick-ai/emberd/internal/apperr"
	"github.com/fenwick-ai/emberd/internal/chunker"
	"github.com/fenwick-ai/emberd/internal/infer"
	"github.com/fenwick-ai/emberd/internal/model"
	"github.com/fenwick-ai/emberd/internal/objectstore"
	"github.com/fenwick-ai/emberd/internal/store"
)

const (
	defaultApplicant  = "default_applicant"
	presignTTL        = 600 * time.Second
	baseBackoff       = 400 * time.Millisecond
	maxFetchAttempts  = 3
	jitterUpperMillis = 100
)

// parserResponse mirrors the parser protocol's response envelope (spec §6)
// — only text_content is consumed by the core.
type parserResponse struct {
	Document struct {
		Filename    string `json:"filename"`
		TextContent string `json:"text_content"`
	} `json:"document"`
	Status         string   `json:"status"`
	Errors         []string `json:"errors"`
	ProcessingTime float64  `json:"processing_time"`
	Timings        any      `json:"timings"`
}

type parserRequest struct {
	HTTPSources []httpSource `json:"http_sources"`
}

type httpSource struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// Driver runs the two ingestion operations the scheduler dispatches.
type Driver struct {
	bucket    string
	prefix    string
	parserURL string
	maxTokens int

	objects objectstore.ObjectStore
	db      *store.Store
	facade  *infer.Facade
	counter chunker.Tokenizer

	httpClient *http.Client
}

// Config bundles Driver's construction parameters.
type Config struct {
	Bucket    string
	Prefix    string
	ParserURL string
	MaxTokens int
}

// New builds a Driver over the shared dependencies the scheduler closes
// jobs over (spec §4.8's "shared dependencies" note).
func New(cfg Config, objects objectstore.ObjectStore, db *store.Store, facade *infer.Facade, counter chunker.Tokenizer) *Driver {
	return &Driver{
		bucket:     cfg.Bucket,
		prefix:     cfg.Prefix,
		parserURL:  cfg.ParserURL,
		maxTokens:  cfg.MaxTokens,
		objects:    objects,
		db:         db,
		facade:     facade,
		counter:    counter,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// SyncObjects reconciles the catalog with the object store's current
// listing: inserts rows for new objects, deletes rows for vanished ones.
func (d *Driver) SyncObjects(ctx context.Context) error {
	objects, err := d.objects.ListObjectsV2(ctx, d.bucket, d.prefix)
	if err != nil {
		return err
	}
	storeKeys := make(map[string]bool, len(objects))
	for _, o := range objects {
		storeKeys[o.Key] = true
	}

	files, err := d.db.GetAllFiles(ctx)
	if err != nil {
		return err
	}
	catalogKeys := make(map[string]store.File, len(files))
	for _, f := range files {
		catalogKeys[f.Filename] = f
	}

	var firstErr error
	for key := range storeKeys {
		if _, exists := catalogKeys[key]; exists {
			continue
		}
		fileType := strings.TrimPrefix(filepath.Ext(key), ".")
		// create_file is idempotent by filename (ON CONFLICT DO UPDATE in
		// the store layer), so a racing concurrent reconciliation tick
		// never surfaces as an error here.
		if _, err := d.db.CreateFile(ctx, defaultApplicant, key, fileType); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for filename, f := range catalogKeys {
		if storeKeys[filename] {
			continue
		}
		if _, err := d.db.DeleteFile(ctx, f.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// ProcessUnprocessed embeds every file with processed=false. A failure on
// one file does not abort the tick for the others (spec §4.7).
func (d *Driver) ProcessUnprocessed(ctx context.Context) error {
	files, err := d.db.GetUnprocessedFiles(ctx)
	if err != nil {
		return err
	}

	var firstErr error
	for _, f := range files {
		if err := d.processFile(ctx, f); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
	}
	return firstErr
}

func (d *Driver) processFile(ctx context.Context, f store.File) error {
	presigned, err := d.objects.GetObjectPresigned(ctx, d.bucket, f.Filename, presignTTL)
	if err != nil {
		return err
	}

	text, err := d.fetchParsedText(ctx, presigned, f.Filename)
	if err != nil {
		return err
	}

	// chunker.Split pre-strips embedded image-data markdown itself.
	chunks := chunker.Split(text, d.maxTokens, d.counter)
	if len(chunks) == 0 {
		return nil
	}

	return d.db.WithTx(ctx, func(tx pgx.Tx) error {
		for i, chunkText := range chunks {
			if err := d.facade.AcquirePermit(ctx); err != nil {
				return err
			}
			result, err := d.facade.EmbedPooled(ctx, chunkText, infer.Options{
				Pool:      model.PoolingMean,
				Normalize: true,
				Truncate:  true,
			})
			d.facade.ReleasePermit()
			if err != nil {
				return fmt.Errorf("embedding chunk %d of %s: %w", i, f.Filename, err)
			}

			if _, err := d.db.CreateChunk(ctx, tx, f.ID, i, chunkText, result.Vector, result.Metadata.PromptTokens); err != nil {
				return err
			}
		}
		return d.db.UpdateFileTx(ctx, tx, f.ID, true)
	})
}

// fetchParsedText POSTs to the parser endpoint with bounded retry +
// exponential backoff + jitter, per spec §6/§4.7's exact formula:
// base_backoff × 2^(attempt-1) + jitter(0..100ms), base_backoff = 400ms,
// up to 3 attempts, retrying on connection failure or non-2xx status.
func (d *Driver) fetchParsedText(ctx context.Context, presignedURL, filename string) (string, error) {
	body, err := json.Marshal(parserRequest{HTTPSources: []httpSource{{URL: presignedURL, Filename: filename}}})
	if err != nil {
		return "", apperr.Wrap(apperr.ParserUnavailable, "encoding parser request", err)
	}

	var parsed parserResponse
	attempt := 0
	operation := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.parserURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(apperr.Wrap(apperr.ParserUnavailable, "building parser request", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.httpClient.Do(req)
		if err != nil {
			return err // connection failure: retryable
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(resp.Body)
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("parser returned status %d", resp.StatusCode)
		}
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return backoff.Permanent(apperr.Wrap(apperr.ParserUnavailable, "decoding parser response", err))
		}
		return nil
	}

	policy := backoff.WithMaxRetries(&jitteredBackoff{attempt: &attempt}, uint64(maxFetchAttempts-1))
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return "", apperr.Wrap(apperr.ParserUnavailable, "parser fetch exhausted retries", err)
	}
	return parsed.Document.TextContent, nil
}

// jitteredBackoff implements backoff.BackOff with the exact formula spec
// §4.7 names, since cenkalti/backoff's built-in ExponentialBackOff uses a
// randomization factor rather than a fixed additive jitter window.
type jitteredBackoff struct {
	attempt *int
}

func (j *jitteredBackoff) NextBackOff() time.Duration {
	n := *j.attempt
	if n < 1 {
		n = 1
	}
	exp := baseBackoff * time.Duration(1<<uint(n-1))
	jitter := time.Duration(rand.Intn(jitterUpperMillis)) * time.Millisecond
	return exp + jitter
}

func (j *jitteredBackoff) Reset() {}
