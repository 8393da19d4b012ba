package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/thegreatlucas/therichcouple-sub000/storage"
)

// State is where a stored ticket sits in its lifecycle.
type State int

const (
	StateOffered State = iota
	StateRedeemed
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateOffered:
		return "offered"
	case StateRedeemed:
		return "redeemed"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StateOf classifies t at now. A redeemed ticket stays redeemed after its
// expiry passes.
func StateOf(t *storage.Ticket, now time.Time) State {
	switch {
	case t.Used:
		return StateRedeemed
	case !t.ExpiresAt.After(now):
		return StateExpired
	default:
		return StateOffered
	}
}

// Sweeper periodically deletes used and expired tickets. Redemption never
// depends on it; expiry is enforced when a ticket is read.
type Sweeper struct {
	p        *Protocol
	interval time.Duration
}

// Sweeper returns a Sweeper running every interval against p's store.
func (p *Protocol) Sweeper(interval time.Duration) *Sweeper {
	return &Sweeper{p: p, interval: interval}
}

// Sweep runs one purge pass.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	n, err := s.p.store.PurgeExpired(ctx, s.p.now())
	if err != nil {
		return 0, fmt.Errorf("%w: purging tickets: %v", ErrStorage, err)
	}
	if n > 0 {
		s.p.logger.Info("purged transfer tickets", "count", n)
	}
	return n, nil
}

// Run sweeps until ctx is done. Failed passes are logged and retried on the
// next tick. A non-positive interval disables sweeping; Run then only waits
// for ctx.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		s.p.logger.Warn("ticket sweeper disabled", "interval", s.interval)
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.p.logger.Error("ticket sweep failed", "error", err)
			}
		}
	}
}
