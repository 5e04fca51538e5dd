package router

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentfabric/types"
)

// Start launches the periodic stale-entry sweep. It is a no-op if the sweep
// is already running.
func (r *Router) Start(ctx context.Context) {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()
	if r.stop != nil {
		return
	}
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.sweepLoop(ctx, r.stop, r.done)

	r.logger.Info("router started",
		zap.Duration("ttl", r.config.TableTTL),
		zap.Duration("cleanup_interval", r.config.CleanupInterval))
}

// Stop halts the sweep and waits for it to exit.
func (r *Router) Stop() {
	r.sweepMu.Lock()
	stop, done := r.stop, r.done
	r.stop, r.done = nil, nil
	r.sweepMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	r.logger.Info("router stopped")
}

func (r *Router) sweepLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			r.CleanupStale(r.config.Now())
		}
	}
}

// CleanupStale unregisters every agent whose last update or last sighting
// is older than the table TTL as of now. It returns the removed ids.
func (r *Router) CleanupStale(now time.Time) []string {
	// snapshot under the read lock, then remove one by one
	r.mu.RLock()
	var stale []string
	for id, e := range r.entries {
		if e.stale(now, r.config.TableTTL) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	removed := stale[:0]
	for _, id := range stale {
		if r.removeIfStale(id, now) {
			removed = append(removed, id)
			r.logger.Info("stale agent removed", zap.String("agent_id", id))
			r.events.Emit(types.Event{Type: types.EventAgentStaleRemoved, AgentID: id})
		}
	}
	if len(removed) > 0 {
		r.metrics.recordStale(len(removed))
	}
	return removed
}

// removeIfStale re-checks staleness under the write lock so an update that
// raced the snapshot keeps the agent alive.
func (r *Router) removeIfStale(id string, now time.Time) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || !e.stale(now, r.config.TableTTL) {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, id)
	r.graph.removeNode(id)
	count := len(r.entries)
	r.mu.Unlock()

	r.setAgentGauge(count)
	return true
}
