// Package schedule runs the periodic maintenance jobs: embedding sweeps,
// summary sweeps, ledger pruning and semaphore reaping.
package schedule

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler wraps a cron runner with named jobs so any job can also be
// triggered by hand.
type Scheduler struct {
	cron *cron.Cron

	mu   sync.Mutex
	jobs map[string]func()
}

func New() *Scheduler {
	return &Scheduler{
		cron: cron.New(),
		jobs: make(map[string]func()),
	}
}

// Every registers a named job to run at a fixed interval. The job body is
// wrapped so a panic in one sweep never kills the runner.
func (s *Scheduler) Every(name string, interval time.Duration, fn func()) error {
	if interval <= 0 {
		return fmt.Errorf("schedule %s: non-positive interval", name)
	}

	wrapped := func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[schedule] job %s panicked: %v", name, r)
			}
		}()
		fn()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("schedule %s: already registered", name)
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), wrapped); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.jobs[name] = wrapped
	return nil
}

// Run triggers one named job immediately, outside its cadence.
func (s *Scheduler) Run(name string) error {
	s.mu.Lock()
	fn, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("schedule: unknown job %s", name)
	}
	fn()
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	log.Printf("[schedule] started with %d jobs", len(s.jobs))
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
