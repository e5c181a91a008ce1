package account

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/clue/log"
	"goa.design/pulse/pool"
)

type (
	// RenewalSweep periodically renews watch channels and Graph
	// subscriptions before they expire. The ticker is distributed: when
	// several nodes run the sweep only one receives each tick, with
	// automatic failover if that node crashes.
	RenewalSweep struct {
		svc      *Service
		node     *pool.Node
		interval time.Duration

		mu     sync.Mutex
		ticker *pool.Ticker
		cancel context.CancelFunc
		done   chan struct{}
	}
)

// DefaultSweepInterval is how often the renewal sweep runs.
const DefaultSweepInterval = 30 * time.Minute

// NewRenewalSweep creates the sweep. Call Start to begin ticking.
func NewRenewalSweep(svc *Service, node *pool.Node, interval time.Duration) (*RenewalSweep, error) {
	if svc == nil {
		return nil, fmt.Errorf("account service is required")
	}
	if node == nil {
		return nil, fmt.Errorf("pool node is required")
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &RenewalSweep{svc: svc, node: node, interval: interval}, nil
}

// Start creates the distributed ticker and runs the sweep loop until Stop.
func (rs *RenewalSweep) Start(ctx context.Context) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.ticker != nil {
		return nil
	}
	ticker, err := rs.node.NewTicker(ctx, "facet:channel-renewal", rs.interval)
	if err != nil {
		return fmt.Errorf("create renewal ticker: %w", err)
	}
	// The loop gets its own context so it survives cancellation of the
	// startup context and only stops when Stop is called.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	rs.ticker, rs.cancel, rs.done = ticker, cancel, done
	go rs.run(loopCtx, ticker, done)
	return nil
}

// Stop halts the ticker and waits for an in-flight sweep to finish.
func (rs *RenewalSweep) Stop() {
	rs.mu.Lock()
	ticker, cancel, done := rs.ticker, rs.cancel, rs.done
	rs.ticker, rs.cancel, rs.done = nil, nil, nil
	rs.mu.Unlock()
	if ticker == nil {
		return
	}
	cancel()
	ticker.Stop()
	<-done
}

func (rs *RenewalSweep) run(ctx context.Context, ticker *pool.Ticker, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewed, err := rs.svc.RenewDue(ctx)
			if err != nil {
				log.Errorf(ctx, err, "renewal sweep")
				continue
			}
			if renewed > 0 {
				log.Printf(ctx, "renewal sweep renewed %d channel(s)/subscription(s)", renewed)
			}
		}
	}
}
