package scheduler

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestAddJobPersistsAndListsAfterRestart(t *testing.T) {
	dir := t.TempDir()
	registryPath := filepath.Join(dir, "jobs.json")

	taskFuncs := map[string]TaskFunc{
		"noop": func(ctx context.Context) error { return nil },
	}

	s1 := New(registryPath, taskFuncs, nil)
	if err := s1.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	job, err := s1.AddJob("noop", "0 */5 * * * *")
	if err != nil {
		t.Fatalf("add_job: %v", err)
	}
	s1.Stop()

	s2 := New(registryPath, taskFuncs, nil)
	if err := s2.Start(); err != nil {
		t.Fatalf("restart start: %v", err)
	}
	defer s2.Stop()

	jobs := s2.ListJobs()
	if len(jobs) != 1 || jobs[0].ID != job.ID {
		t.Fatalf("expected restarted registry to contain %v, got %v", job, jobs)
	}
}

func TestAddJobRejectsUnknownJobType(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "jobs.json"), map[string]TaskFunc{}, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	if _, err := s.AddJob("does_not_exist", "0 */5 * * * *"); err == nil {
		t.Fatal("expected an error for an unregistered job_type")
	}
}

func TestRemoveJobUnschedules(t *testing.T) {
	taskFuncs := map[string]TaskFunc{"noop": func(ctx context.Context) error { return nil }}
	s := New(filepath.Join(t.TempDir(), "jobs.json"), taskFuncs, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	job, err := s.AddJob("noop", "0 */5 * * * *")
	if err != nil {
		t.Fatalf("add_job: %v", err)
	}
	if err := s.RemoveJob(job.ID); err != nil {
		t.Fatalf("remove_job: %v", err)
	}
	if len(s.ListJobs()) != 0 {
		t.Fatalf("expected no jobs after removal, got %v", s.ListJobs())
	}
}

func TestDispatcherSkipsOverlappingInvocations(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var invocations int32

	taskFuncs := map[string]TaskFunc{
		"slow": func(ctx context.Context) error {
			atomic.AddInt32(&invocations, 1)
			started <- struct{}{}
			<-release
			return nil
		},
	}
	s := New(filepath.Join(t.TempDir(), "jobs.json"), taskFuncs, nil)
	job := Job{JobType: "slow"}
	dispatch := s.dispatcher(job)

	go dispatch()
	<-started     // first invocation is now blocked inside release
	go dispatch()

	select {
	case <-started:
		t.Fatal("expected the second overlapping invocation to be skipped, not started")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if got := atomic.LoadInt32(&invocations); got != 1 {
		t.Fatalf("expected exactly 1 invocation to run, got %d", got)
	}
}
