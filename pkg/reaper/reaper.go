// Package reaper sweeps the worker registry for hosts that have gone
// silent past their heartbeat window and marks them offline.
package reaper

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ushadow-io/fleetd/pkg/log"
	"github.com/ushadow-io/fleetd/pkg/metrics"
	"github.com/ushadow-io/fleetd/pkg/storage"
	"github.com/ushadow-io/fleetd/pkg/types"
)

// Reaper periodically marks workers offline once they exceed StaleAfter
// without a heartbeat. The leader itself is never reaped.
type Reaper struct {
	store      storage.Store
	staleAfter time.Duration
	interval   time.Duration
	logger     zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
}

// New constructs a Reaper. interval controls how often it sweeps;
// staleAfter is how long a worker may go without a heartbeat before
// being marked offline.
func New(store storage.Store, interval, staleAfter time.Duration) *Reaper {
	return &Reaper{
		store:      store,
		staleAfter: staleAfter,
		interval:   interval,
		logger:     log.WithComponent("reaper"),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the sweep loop in a background goroutine.
func (r *Reaper) Start() {
	go r.run()
}

// Stop halts the sweep loop.
func (r *Reaper) Stop() {
	close(r.stopCh)
}

func (r *Reaper) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.interval).Dur("stale_after", r.staleAfter).Msg("reaper started")

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopCh:
			r.logger.Info().Msg("reaper stopped")
			return
		}
	}
}

// sweep marks every online, non-leader worker whose last heartbeat is
// older than staleAfter as offline. Mirrors check_stale_unodes, which
// explicitly excludes role=leader from the sweep.
func (r *Reaper) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReaperCycleDuration)

	threshold := time.Now().UTC().Add(-r.staleAfter)

	workers, err := r.store.Nodes().List(storage.NodeFilter{Status: types.StatusOnline})
	if err != nil {
		r.logger.Error().Err(err).Msg("list workers for stale sweep")
		return
	}

	reaped := 0
	for _, w := range workers {
		if w.Role == types.RoleLeader {
			continue
		}
		if w.LastSeen.After(threshold) {
			continue
		}
		if err := r.store.Nodes().UpdateWorker(w.Hostname, func(mut *types.Worker) {
			mut.Status = types.StatusOffline
		}); err != nil {
			r.logger.Error().Err(err).Str("hostname", w.Hostname).Msg("mark worker offline")
			continue
		}
		reaped++
	}

	if reaped > 0 {
		metrics.StaleWorkersReapedTotal.Add(float64(reaped))
		r.logger.Info().Int("count", reaped).Msg("marked stale workers offline")
	}
}
