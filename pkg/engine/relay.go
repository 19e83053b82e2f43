package engine

import (
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/bramblemesh/bramble/pkg/codec"
	"github.com/bramblemesh/bramble/pkg/models"
)

// scheduleRelay enqueues a TTL-decremented copy of f for retransmission,
// subject to three gates:
//
//   - a copy whose post-decrement TTL would be ≤ 0 is never enqueued;
//   - per-message spacing: the same message id is not re-enqueued within
//     the relay spacing window (the stamp is taken at enqueue, not at
//     transmit);
//   - a copy whose outgoing TTL would not exceed the highest outgoing TTL
//     already enqueued for this message id is redundant and dropped.
func (e *Engine) scheduleRelay(f *codec.Frame) {
	if f.TTL == 0 {
		return
	}
	outTTL := int(f.TTL) - 1
	if outTTL <= 0 {
		return
	}
	key := f.DedupKey()
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if it := e.relayStamps.Get(key, ttlcache.WithDisableTouchOnHit[string, time.Time]()); it != nil &&
		now.Sub(it.Value()) < e.cfg.RelaySpacing {
		return
	}
	var entry *dedupEntry
	if it := e.dedup.Get(key, ttlcache.WithDisableTouchOnHit[string, *dedupEntry]()); it != nil {
		entry = it.Value()
	}
	if entry != nil && entry.relayedTTL >= outTTL {
		return
	}

	relayCopy := *f
	relayCopy.TTL = uint8(outTTL)
	data, err := codec.Encode(&relayCopy)
	if err != nil {
		slog.Warn("encode relay copy failed", "key", key, "error", err)
		return
	}

	e.relayStamps.Set(key, now, ttlcache.DefaultTTL)
	if entry != nil {
		entry.relayedTTL = outTTL
	}
	if it := e.peers.Get(f.SenderHash, ttlcache.WithDisableTouchOnHit[uint16, *models.Peer]()); it != nil {
		it.Value().RelayCount++
	}
	e.relayQueue = append(e.relayQueue, data)
	e.stats.Relayed++
	slog.Debug("relay enqueued", "key", key, "out_ttl", outTTL, "queue", len(e.relayQueue))
}

// relayLoop is the cooperative relay processor: on every tick, if the
// queue is non-empty and no advertisement is in flight, it takes one
// frame, waits a random inter-packet delay and pushes it through the
// advertising mutex. A refusal re-queues the frame at the front.
func (e *Engine) relayLoop() {
	ticker := time.NewTicker(e.cfg.RelayTick)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if e.advertiserBusy() {
				continue
			}
			e.mu.Lock()
			if len(e.relayQueue) == 0 {
				e.mu.Unlock()
				continue
			}
			data := e.relayQueue[0]
			e.relayQueue = e.relayQueue[1:]
			e.mu.Unlock()

			if !e.sleep(randDuration(e.cfg.RelayDelayMin, e.cfg.RelayDelayMax)) {
				return
			}
			if !e.broadcast(data) {
				e.mu.Lock()
				e.relayQueue = append([][]byte{data}, e.relayQueue...)
				e.mu.Unlock()
			}
		}
	}
}

func (e *Engine) advertiserBusy() bool {
	e.advMu.Lock()
	defer e.advMu.Unlock()
	return e.advBusy
}

func (e *Engine) setAdvertising(on bool) {
	e.advMu.Lock()
	e.advertising = on
	e.advMu.Unlock()
}

// broadcast pushes one encoded frame through the single-slot advertiser:
// stop any stale advertisement and let the peripheral quiesce, wait a
// random pre-jitter to de-synchronize from neighbors, advertise for the
// broadcast window, stop. Returns false without transmitting when the
// slot is already taken.
func (e *Engine) broadcast(data []byte) bool {
	e.advMu.Lock()
	if e.advBusy {
		e.advMu.Unlock()
		e.mu.Lock()
		e.stats.BusyRefusals++
		e.mu.Unlock()
		return false
	}
	e.advBusy = true
	wasAdvertising := e.advertising
	e.advMu.Unlock()

	defer func() {
		e.advMu.Lock()
		e.advBusy = false
		e.advMu.Unlock()
	}()

	if wasAdvertising {
		if err := e.rdo.StopAdvertising(); err != nil {
			e.emitError("stop stale advertisement failed", err)
		}
		e.setAdvertising(false)
		if !e.sleep(e.cfg.QuiesceDelay) {
			return false
		}
	}

	if !e.sleep(randDuration(0, e.cfg.PreJitterMax)) {
		return false
	}

	if err := e.rdo.StartAdvertising(codec.ManufacturerID, data); err != nil {
		e.emitError("start advertising failed", err)
		return false
	}
	e.setAdvertising(true)
	e.mu.Lock()
	e.stats.Broadcasts++
	e.mu.Unlock()

	e.sleep(e.cfg.BroadcastWindow)

	if err := e.rdo.StopAdvertising(); err != nil {
		e.emitError("stop advertising failed", err)
	}
	e.setAdvertising(false)
	return true
}
