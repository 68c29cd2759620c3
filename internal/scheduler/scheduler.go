// Package scheduler is the persistent cron registry (C8): it maps job IDs
// to a job_type + cron expression, survives process restarts via a JSON
// file rewritten atomically on every mutation, and dispatches ready jobs
// through robfig/cron/v3. The atomic-rewrite persistence pattern is
// grounded on the teacher's internal/index.Flush (meta.json written via a
// full marshal + os.WriteFile), generalized to a temp-file-then-rename
// swap so a crash mid-write can't corrupt the registry.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/fenwick-ai/emberd/internal/apperr"
)

// Job is a single registry entry (spec §3's Job record).
type Job struct {
	ID      uuid.UUID `json:"id"`
	JobType string    `json:"job_type"`
	Cron    string    `json:"cron"`
}

// TaskFunc is a parameter-less asynchronous task closing over shared
// dependencies, keyed by job_type in the runtime's job-function registry.
type TaskFunc func(ctx context.Context) error

// Scheduler owns the persistent job list and the underlying cron runner.
type Scheduler struct {
	registryPath string
	taskFuncs    map[string]TaskFunc
	logger       *slog.Logger

	mu      sync.Mutex
	jobs    map[uuid.UUID]Job
	entries map[uuid.UUID]cron.EntryID
	running map[string]bool // job_type -> an invocation is currently in flight

	cron *cron.Cron
}

// New constructs a Scheduler backed by registryPath, with taskFuncs mapping
// job_type strings to the builders the scheduler fires on each tick.
func New(registryPath string, taskFuncs map[string]TaskFunc, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		registryPath: registryPath,
		taskFuncs:    taskFuncs,
		logger:       logger,
		jobs:         make(map[uuid.UUID]Job),
		entries:      make(map[uuid.UUID]cron.EntryID),
		running:      make(map[string]bool),
		cron:         cron.New(cron.WithSeconds()),
	}
}

// Start loads the persisted registry (dropping unparseable entries
// silently, per spec §6) and starts the cron runner.
func (s *Scheduler) Start() error {
	if err := s.load(); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron runner, waiting for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// AddJob registers a new job, schedules it, and persists the registry.
func (s *Scheduler) AddJob(jobType, cronExpr string) (Job, error) {
	if _, ok := s.taskFuncs[jobType]; !ok {
		return Job{}, apperr.New(apperr.ConfigInvalid, "unknown job_type: "+jobType)
	}

	job := Job{ID: uuid.New(), JobType: jobType, Cron: cronExpr}

	s.mu.Lock()
	entryID, err := s.cron.AddFunc(cronExpr, s.dispatcher(job))
	if err != nil {
		s.mu.Unlock()
		return Job{}, apperr.Wrap(apperr.ConfigInvalid, "parsing cron expression", err)
	}
	s.jobs[job.ID] = job
	s.entries[job.ID] = entryID
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		return Job{}, err
	}
	return job, nil
}

// RemoveJob unschedules and forgets jobID, regardless of the job's current
// state (spec §4.8's "removal allowed in any state").
func (s *Scheduler) RemoveJob(jobID uuid.UUID) error {
	s.mu.Lock()
	entryID, ok := s.entries[jobID]
	if ok {
		s.cron.Remove(entryID)
		delete(s.entries, jobID)
		delete(s.jobs, jobID)
	}
	s.mu.Unlock()

	if !ok {
		return apperr.New(apperr.ConfigInvalid, "job not found")
	}
	return s.persist()
}

// ListJobs returns every registered job.
func (s *Scheduler) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}

// dispatcher builds the cron.FuncJob for job: it enforces the
// single-in-flight-per-job-type rule and logs failures without
// unscheduling the job.
func (s *Scheduler) dispatcher(job Job) func() {
	return func() {
		s.mu.Lock()
		if s.running[job.JobType] {
			s.mu.Unlock()
			s.logger.Warn("skipping job, previous invocation still running",
				slog.String("job_type", job.JobType), slog.String("job_id", job.ID.String()))
			return
		}
		s.running[job.JobType] = true
		s.mu.Unlock()

		defer func() {
			s.mu.Lock()
			s.running[job.JobType] = false
			s.mu.Unlock()
		}()

		task := s.taskFuncs[job.JobType]
		if err := task(context.Background()); err != nil {
			s.logger.Error("job run failed",
				slog.String("job_type", job.JobType), slog.String("job_id", job.ID.String()), slog.Any("error", err))
		}
	}
}

// load reads the registry file, rebuilding jobs and cron entries.
// Unparseable entries are dropped silently; a missing file is not an
// error (first run).
func (s *Scheduler) load() error {
	data, err := os.ReadFile(s.registryPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperr.Wrap(apperr.ConfigInvalid, "reading job registry", err)
	}

	var raw []Job
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil // corrupt registry: start empty rather than fail process start
	}

	for _, job := range raw {
		if _, ok := s.taskFuncs[job.JobType]; !ok {
			continue
		}
		entryID, err := s.cron.AddFunc(job.Cron, s.dispatcher(job))
		if err != nil {
			continue
		}
		s.jobs[job.ID] = job
		s.entries[job.ID] = entryID
	}
	return nil
}

// persist atomically rewrites the registry file: write to a temp file in
// the same directory, then rename over the target, so a crash mid-write
// never leaves a truncated registry on disk. The lock is held for the whole
// write so concurrent mutations cannot land an older snapshot last.
func (s *Scheduler) persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}

	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job registry: %w", err)
	}

	dir := filepath.Dir(s.registryPath)
	tmp, err := os.CreateTemp(dir, ".scheduler-registry-*.tmp")
	if err != nil {
		return apperr.Wrap(apperr.StorageUnavailable, "creating registry temp file", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return apperr.Wrap(apperr.StorageUnavailable, "writing registry temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return apperr.Wrap(apperr.StorageUnavailable, "closing registry temp file", err)
	}
	if err := os.Rename(tmpPath, s.registryPath); err != nil {
		os.Remove(tmpPath)
		return apperr.Wrap(apperr.StorageUnavailable, "renaming registry file", err)
	}
	return nil
}
