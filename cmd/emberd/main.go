package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fenwick-ai/emberd/internal/backend"
	"github.com/fenwick-ai/emberd/internal/batch"
	"github.com/fenwick-ai/emberd/internal/config"
	"github.com/fenwick-ai/emberd/internal/httpapi"
	"github.com/fenwick-ai/emberd/internal/infer"
	"github.com/fenwick-ai/emberd/internal/ingest"
	"github.com/fenwick-ai/emberd/internal/model"
	"github.com/fenwick-ai/emberd/internal/objectstore"
	"github.com/fenwick-ai/emberd/internal/scheduler"
	"github.com/fenwick-ai/emberd/internal/store"
	"github.com/fenwick-ai/emberd/internal/tokenizer"
	"github.com/fenwick-ai/emberd/internal/tui"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	root := &cobra.Command{
		Use:   "emberd",
		Short: "Self-hosted text-embedding inference and ingestion service",
	}

	var modelDir, ortLib string
	var numThreads int
	root.PersistentFlags().StringVar(&modelDir, "model-dir", "./model", "local directory holding the model artifacts")
	root.PersistentFlags().StringVar(&ortLib, "ort-lib", "", "path to onnxruntime shared library (empty = system default)")
	root.PersistentFlags().IntVar(&numThreads, "threads", 0, "ONNX intra-op thread count (0 = auto)")

	var addr string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the embedding HTTP server and the ingestion scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(modelDir, ortLib, numThreads, addr)
		},
	}
	serveCmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	root.AddCommand(serveCmd)

	jobsCmd := &cobra.Command{Use: "jobs", Short: "Manage the ingestion scheduler's job registry"}
	root.AddCommand(jobsCmd)

	jobsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			s := scheduler.New(cfg.RegistryPath, jobTypeRegistry(nil, nil), logger)
			if err := s.Start(); err != nil {
				return err
			}
			defer s.Stop()
			for _, j := range s.ListJobs() {
				fmt.Printf("%-36s  %-24s  %s\n", j.ID, j.JobType, j.Cron)
			}
			return nil
		},
	})

	jobsCmd.AddCommand(&cobra.Command{
		Use:   "add <job_type> <cron>",
		Short: "Schedule a job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			s := scheduler.New(cfg.RegistryPath, jobTypeRegistry(nil, nil), logger)
			if err := s.Start(); err != nil {
				return err
			}
			defer s.Stop()
			job, err := s.AddJob(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("scheduled %s\n", job.ID)
			return nil
		},
	})

	jobsCmd.AddCommand(&cobra.Command{
		Use:   "rm <job_id>",
		Short: "Remove a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id: %w", err)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			s := scheduler.New(cfg.RegistryPath, jobTypeRegistry(nil, nil), logger)
			if err := s.Start(); err != nil {
				return err
			}
			defer s.Stop()
			return s.RemoveJob(id)
		},
	})

	jobsCmd.AddCommand(&cobra.Command{
		Use:   "tui",
		Short: "Launch the interactive job-status dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobsTUI()
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runServe wires the full core together: model load, tokenizer pool, batch
// queue, ONNX backend, infer facade, object store, database, ingestion
// driver, scheduler, and HTTP handlers.
func runServe(modelDir, ortLib string, numThreads int, addr string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	loaded, err := model.Load(model.Options{
		ModelDir:        modelDir,
		PoolingOverride: cfg.PoolingOverride,
		DtypeOverride:   cfg.DtypeOverride,
		DefaultPrompt:   cfg.DefaultPrompt,
	})
	if err != nil {
		return fmt.Errorf("loading model: %w", err)
	}
	defer loaded.Close()

	tokPool := tokenizer.New(loaded, cfg.TokenizationWorkers, 0)
	defer tokPool.Close()

	be, err := backend.New(loaded.ModelPath, ortLib, numThreads, 0)
	if err != nil {
		return fmt.Errorf("opening inference backend: %w", err)
	}
	defer be.Close()

	maxBatchRequests := cfg.MaxBatchRequests
	if s := be.MaxBatchSize(); s > 0 && (maxBatchRequests <= 0 || s < maxBatchRequests) {
		maxBatchRequests = s
	}

	queue := batch.New(batch.Config{
		MaxBatchTokens:   cfg.MaxBatchTokens,
		MaxBatchRequests: maxBatchRequests,
		PositionOffset:   loaded.PositionOffset,
		HasTokenType:     be.HasTokenType(),
	}, be)
	defer queue.Close()

	facade := infer.New(tokPool, queue, be, cfg.MaxConcurrentRequests, loaded.PositionOffset)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	objects, err := objectstore.New(ctx, cfg.Region, cfg.AccessKeyID, cfg.AccessKey)
	if err != nil {
		return fmt.Errorf("connecting to object store: %w", err)
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	counter := tokenizer.NewCounter(loaded.Tokenizer)
	driver := ingest.New(ingest.Config{
		Bucket:    cfg.UploadBucket,
		ParserURL: cfg.ParserURL,
		MaxTokens: cfg.MaxTokens,
	}, objects, db, facade, counter)

	sched := scheduler.New(cfg.RegistryPath, jobTypeRegistry(driver, logger()), logger())
	if err := sched.Start(); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer sched.Stop()

	handler := httpapi.New(facade, cfg.AutoTruncate, cfg.MaxClientBatchSize)
	mux := http.NewServeMux()
	mux.HandleFunc("/embed", handler.EmbedPooled)
	mux.HandleFunc("/embed_all", handler.EmbedAll)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := be.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("serving", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// jobTypeRegistry maps job_type strings to task builders closing over the
// ingestion driver, per spec §4.8's "runtime's job-function registry".
// driver/l may be nil for CLI subcommands (jobs list/add/rm) that only
// need the registry file's job_type validity, not a live driver.
func jobTypeRegistry(driver *ingest.Driver, l *slog.Logger) map[string]scheduler.TaskFunc {
	funcs := map[string]scheduler.TaskFunc{
		"sync_s3_files": func(ctx context.Context) error {
			if driver == nil {
				return nil
			}
			return driver.SyncObjects(ctx)
		},
		"process_new_files": func(ctx context.Context) error {
			if driver == nil {
				return nil
			}
			return driver.ProcessUnprocessed(ctx)
		},
	}
	return funcs
}

func logger() *slog.Logger { return slog.Default() }

func runJobsTUI() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	s := scheduler.New(cfg.RegistryPath, jobTypeRegistry(nil, nil), logger())
	if err := s.Start(); err != nil {
		return err
	}
	defer s.Stop()

	refresh := func() ([]tui.JobStatus, error) {
		var out []tui.JobStatus
		for _, j := range s.ListJobs() {
			out = append(out, tui.JobStatus{ID: j.ID.String(), JobType: j.JobType, Cron: j.Cron})
		}
		return out, nil
	}

	p := tea.NewProgram(tui.New(refresh), tea.WithAltScreen())
	_, err = p.Run()
	return err
}
