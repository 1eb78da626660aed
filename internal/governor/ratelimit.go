package governor

import (
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/driftwoodlabs/wren/internal/config"
)

const limiterStripes = 64

// rateLedger is the persistence seam for the sliding-window limiter; the
// sqlite store implements it.
type rateLedger interface {
	RecordRateEvent(userID, feature string, amount int) error
	RateWindow(userID, feature string, since time.Time) (int, time.Time, error)
	PruneRateEvents(before time.Time) (int, error)
}

// Decision is the limiter's verdict for one spend attempt.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter enforces per-user, per-feature spend caps over a sliding
// window. State lives in the rate ledger, so limits survive restarts.
// The window read and the spend append form one critical section,
// serialized per (user, feature) through striped locks; without that,
// concurrent calls could all observe the same spend and overshoot the
// cap together.
type Limiter struct {
	ledger   rateLedger
	features map[string]config.FeatureLimit
	isAdmin  func(userID string) bool
	now      func() time.Time
	locks    [limiterStripes]sync.Mutex
}

func NewLimiter(ledger rateLedger, cfg *config.Config) *Limiter {
	return &Limiter{
		ledger:   ledger,
		features: cfg.Governor.Features,
		isAdmin:  cfg.IsAdmin,
		now:      time.Now,
	}
}

// Check decides whether the user may spend amount on the feature, and
// records the spend when allowed. Unknown features and admins pass
// unrecorded. A denied decision carries the wait until the oldest event
// ages out of the window.
func (l *Limiter) Check(userID, feature string, amount int) (Decision, error) {
	limit, ok := l.features[feature]
	if !ok || limit.Cap <= 0 || limit.WindowSec <= 0 {
		return Decision{Allowed: true}, nil
	}
	if l.isAdmin != nil && l.isAdmin(userID) {
		return Decision{Allowed: true}, nil
	}
	if amount <= 0 {
		amount = 1
	}

	lock := &l.locks[limiterStripe(userID, feature)]
	lock.Lock()
	defer lock.Unlock()

	now := l.now().UTC()
	window := time.Duration(limit.WindowSec) * time.Second
	spent, oldest, err := l.ledger.RateWindow(userID, feature, now.Add(-window))
	if err != nil {
		return Decision{}, fmt.Errorf("rate check: %w", err)
	}

	if spent+amount > limit.Cap {
		retry := window
		if !oldest.IsZero() {
			retry = oldest.Add(window).Sub(now)
			if retry < 0 {
				retry = 0
			}
		}
		remaining := limit.Cap - spent
		if remaining < 0 {
			remaining = 0
		}
		return Decision{Remaining: remaining, RetryAfter: retry}, nil
	}

	if err := l.ledger.RecordRateEvent(userID, feature, amount); err != nil {
		return Decision{}, fmt.Errorf("rate check: %w", err)
	}
	return Decision{Allowed: true, Remaining: limit.Cap - spent - amount}, nil
}

func limiterStripe(userID, feature string) int {
	h := fnv.New32a()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(feature))
	return int(h.Sum32() % limiterStripes)
}

// PruneLedger removes events older than the longest configured window;
// the scheduler runs this periodically.
func (l *Limiter) PruneLedger() (int, error) {
	longest := 0
	for _, limit := range l.features {
		if limit.WindowSec > longest {
			longest = limit.WindowSec
		}
	}
	if longest == 0 {
		return 0, nil
	}
	n, err := l.ledger.PruneRateEvents(l.now().UTC().Add(-time.Duration(longest) * time.Second))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("[governor] pruned %d expired rate events", n)
	}
	return n, nil
}
