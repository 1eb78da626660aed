package schedule

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestEveryValidation(t *testing.T) {
	s := New()
	if err := s.Every("job", 0, func() {}); err == nil {
		t.Fatal("expected error for non-positive interval")
	}
	if err := s.Every("job", time.Minute, func() {}); err != nil {
		t.Fatalf("Every error: %v", err)
	}
	if err := s.Every("job", time.Minute, func() {}); err == nil {
		t.Fatal("expected error for duplicate job name")
	}
}

func TestRunTriggersJobManually(t *testing.T) {
	s := New()
	var calls int32
	if err := s.Every("counter", time.Hour, func() {
		atomic.AddInt32(&calls, 1)
	}); err != nil {
		t.Fatalf("Every error: %v", err)
	}

	if err := s.Run("counter"); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if err := s.Run("counter"); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("calls=%d, want 2", got)
	}

	if err := s.Run("missing"); err == nil {
		t.Fatal("expected error for unknown job")
	}
}

func TestRunSurvivesPanickingJob(t *testing.T) {
	s := New()
	if err := s.Every("boom", time.Hour, func() {
		panic("job exploded")
	}); err != nil {
		t.Fatalf("Every error: %v", err)
	}
	// The recover wrapper turns the panic into a log line.
	if err := s.Run("boom"); err != nil {
		t.Fatalf("Run error: %v", err)
	}
}

func TestScheduledExecution(t *testing.T) {
	s := New()
	done := make(chan struct{})
	var fired int32
	if err := s.Every("tick", time.Second, func() {
		if atomic.CompareAndSwapInt32(&fired, 0, 1) {
			close(done)
		}
	}); err != nil {
		t.Fatalf("Every error: %v", err)
	}

	s.Start()
	defer s.Stop()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled job never fired")
	}
}
