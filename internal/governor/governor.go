// Package governor bounds concurrent work per channel and enforces
// per-user sliding-window budgets over the persistent rate ledger.
package governor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/driftwoodlabs/wren/internal/config"
)

// ErrBusy is returned when no permit frees up within the configured wait.
var ErrBusy = errors.New("governor: channel busy")

// Governor hands out per-channel concurrency permits. Each channel gets
// its own weighted semaphore, created on first use and reaped after a
// quiet period.
type Governor struct {
	concurrency int64
	wait        time.Duration
	idle        time.Duration

	mu       sync.Mutex
	channels map[string]*channelState
}

type channelState struct {
	sem      *semaphore.Weighted
	lastUsed time.Time
}

func New(cfg *config.Config) *Governor {
	return &Governor{
		concurrency: int64(cfg.Governor.ChannelConcurrency),
		wait:        time.Duration(cfg.Governor.PermitWaitSec) * time.Second,
		idle:        time.Duration(cfg.Governor.PermitIdleSec) * time.Second,
		channels:    make(map[string]*channelState),
	}
}

// Permit is one unit of in-flight work for a channel. Release is
// idempotent.
type Permit struct {
	sem      *semaphore.Weighted
	released sync.Once
}

func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.released.Do(func() {
		p.sem.Release(1)
	})
}

// Acquire blocks until a permit for the channel frees up or the wait
// budget runs out, in which case it returns ErrBusy. The caller must
// Release the permit when the work finishes.
func (g *Governor) Acquire(ctx context.Context, channelID string) (*Permit, error) {
	state := g.stateFor(channelID)

	waitCtx := ctx
	if g.wait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, g.wait)
		defer cancel()
	}

	if err := state.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrBusy
	}
	return &Permit{sem: state.sem}, nil
}

// TryAcquire grabs a permit without waiting.
func (g *Governor) TryAcquire(channelID string) (*Permit, bool) {
	state := g.stateFor(channelID)
	if !state.sem.TryAcquire(1) {
		return nil, false
	}
	return &Permit{sem: state.sem}, true
}

func (g *Governor) stateFor(channelID string) *channelState {
	g.mu.Lock()
	defer g.mu.Unlock()
	state, ok := g.channels[channelID]
	if !ok {
		state = &channelState{sem: semaphore.NewWeighted(g.concurrency)}
		g.channels[channelID] = state
	}
	state.lastUsed = time.Now()
	return state
}

// SweepIdle drops semaphores for channels quiet past the idle window.
// A channel is only dropped when all its permits are free, so in-flight
// work never loses its semaphore. Returns the number reaped.
func (g *Governor) SweepIdle() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := time.Now().Add(-g.idle)
	reaped := 0
	for id, state := range g.channels {
		if state.lastUsed.After(cutoff) {
			continue
		}
		if !state.sem.TryAcquire(g.concurrency) {
			continue
		}
		state.sem.Release(g.concurrency)
		delete(g.channels, id)
		reaped++
	}
	if reaped > 0 {
		log.Printf("[governor] reaped %d idle channel semaphores", reaped)
	}
	return reaped
}

// ChannelCount reports how many channels currently hold a semaphore.
func (g *Governor) ChannelCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.channels)
}
