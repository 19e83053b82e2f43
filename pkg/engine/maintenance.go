package engine

import (
	"log/slog"
	"time"

	"github.com/bramblemesh/bramble/pkg/models"
)

// maintenanceLoop periodically evicts expired dedup entries, relay
// stamps, announcement cooldowns, offline peers, stale direct neighbors
// and aged-out log messages. The dedup capacity cap is enforced at insert
// time by the cache itself; this pass handles age-based expiry.
func (e *Engine) maintenanceLoop() {
	ticker := time.NewTicker(e.cfg.Maintenance)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.runMaintenance(time.Now())
		}
	}
}

func (e *Engine) runMaintenance(now time.Time) {
	e.mu.Lock()
	e.dedup.DeleteExpired()
	e.relayStamps.DeleteExpired()
	e.annCooldown.DeleteExpired()
	e.peers.DeleteExpired()
	e.msgLog.DeleteExpired()

	cutoff := now.Add(-models.OnlineWindow)
	for hash, seen := range e.directNeighbors {
		if !seen.After(cutoff) {
			delete(e.directNeighbors, hash)
		}
	}

	dedupLen := e.dedup.Len()
	peerLen := e.peers.Len()
	logLen := e.msgLog.Len()
	queueLen := len(e.relayQueue)
	e.mu.Unlock()

	slog.Debug("cache maintenance",
		"dedup", dedupLen,
		"peers", peerLen,
		"messages", logLen,
		"relay_queue", queueLen)
}
