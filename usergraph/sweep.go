package usergraph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/clue/log"
	"goa.design/pulse/pool"

	"github.com/facetcal/facet/usergraph/store"
)

// HoldSweep periodically expires holds whose TTL has passed. The ticker is
// distributed: when several nodes run the sweep only one receives each tick,
// with automatic failover if that node crashes.
type HoldSweep struct {
	svc      *Service
	node     *pool.Node
	interval time.Duration

	mu     sync.Mutex
	ticker *pool.Ticker
	cancel context.CancelFunc
	done   chan struct{}
}

// DefaultHoldSweepInterval is how often the hold sweep runs.
const DefaultHoldSweepInterval = 5 * time.Minute

// NewHoldSweep creates the sweep. Call Start to begin ticking.
func NewHoldSweep(svc *Service, node *pool.Node, interval time.Duration) (*HoldSweep, error) {
	if svc == nil {
		return nil, fmt.Errorf("user graph service is required")
	}
	if node == nil {
		return nil, fmt.Errorf("pool node is required")
	}
	if interval <= 0 {
		interval = DefaultHoldSweepInterval
	}
	return &HoldSweep{svc: svc, node: node, interval: interval}, nil
}

// Start creates the distributed ticker and runs the sweep loop until Stop.
func (hs *HoldSweep) Start(ctx context.Context) error {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.ticker != nil {
		return nil
	}
	ticker, err := hs.node.NewTicker(ctx, "facet:hold-expiry", hs.interval)
	if err != nil {
		return fmt.Errorf("create hold-expiry ticker: %w", err)
	}
	// The loop gets its own context so it survives cancellation of the
	// startup context and only stops when Stop is called.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	hs.ticker, hs.cancel, hs.done = ticker, cancel, done
	go hs.run(loopCtx, ticker, done)
	return nil
}

// Stop halts the ticker and waits for an in-flight sweep to finish.
func (hs *HoldSweep) Stop() {
	hs.mu.Lock()
	ticker, cancel, done := hs.ticker, hs.cancel, hs.done
	hs.ticker, hs.cancel, hs.done = nil, nil, nil
	hs.mu.Unlock()
	if ticker == nil {
		return
	}
	cancel()
	ticker.Stop()
	<-done
}

func (hs *HoldSweep) run(ctx context.Context, ticker *pool.Ticker, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := hs.svc.ExpireDueHolds(ctx)
			if err != nil {
				log.Errorf(ctx, err, "hold-expiry sweep")
				continue
			}
			if expired > 0 {
				log.Printf(ctx, "hold-expiry sweep expired %d hold(s)", expired)
			}
		}
	}
}

// ExpireDueHolds transitions every overdue held row to expired, enqueuing
// deletes for any tentative provider events they placed. Each transition runs
// through the owning user's mailbox. Single-hold failures are logged and the
// sweep continues.
func (s *Service) ExpireDueHolds(ctx context.Context) (int, error) {
	holds, err := s.ExpiredHolds(ctx)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, h := range holds {
		_, err := s.UpdateHoldStatus(ctx, h.UserID, h.SessionID, h.ID, store.HoldExpired, "")
		if err != nil {
			log.Errorf(ctx, err, "expire hold %s", h.ID)
			continue
		}
		expired++
	}
	return expired, nil
}
