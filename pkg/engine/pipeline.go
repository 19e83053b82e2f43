package engine

import (
	"encoding/hex"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/bramblemesh/bramble/pkg/codec"
	"github.com/bramblemesh/bramble/pkg/models"
	"github.com/bramblemesh/bramble/pkg/radio"
	"github.com/bramblemesh/bramble/pkg/store"
)

// randDuration picks a uniform duration in [min, max).
func randDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + rand.N(max-min)
}

// resultLoop drains the radio's scan results for the engine's lifetime.
func (e *Engine) resultLoop() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case res, ok := <-e.rdo.Results():
			if !ok {
				return
			}
			e.handleScanResult(res)
		}
	}
}

// scanLoop keeps a scan window open, restarting with a random delay
// whenever the radio reports the window closed. The random delay
// de-synchronizes restart storms between neighbors.
func (e *Engine) scanLoop() {
	e.startScan()
	for {
		select {
		case <-e.ctx.Done():
			return
		case scanning, ok := <-e.rdo.Scanning():
			if !ok {
				return
			}
			if scanning {
				continue
			}
			if !e.sleep(randDuration(e.cfg.ScanRestartMin, e.cfg.ScanRestartMax)) {
				return
			}
			e.startScan()
		}
	}
}

// startScan retries until the radio accepts a scan or the engine stops.
// A radio that refuses (missing permissions, adapter off) leaves the
// engine non-operational but alive.
func (e *Engine) startScan() {
	for {
		err := e.rdo.StartScan(e.ctx, e.cfg.ScanWindow, radio.ScanModeLowLatency)
		if err == nil {
			return
		}
		e.emitError("scan start failed", err)
		e.StatusEvents.Publish("non-operational: scanning unavailable")
		if !e.sleep(e.cfg.ScanWindow) {
			return
		}
	}
}

// handleScanResult filters by manufacturer id and feeds matching payloads
// into the frame pipeline.
func (e *Engine) handleScanResult(res radio.ScanResult) {
	data, ok := res.ManufacturerData[codec.ManufacturerID]
	if !ok {
		return
	}
	e.handleFrame(data, res.RSSI)
}

// handleFrame is the inbound pipeline: decode → diagnostic → dedup →
// self-drop → classify. Relay decisions belong to the per-type handlers.
func (e *Engine) handleFrame(data []byte, rssi int) {
	now := time.Now()
	frame, decErr := codec.Decode(data)

	diag := models.PacketDiagnostic{
		Hex:        hex.EncodeToString(data),
		TTL:        frame.TTL,
		MsgIDHash:  frame.MsgIDHash,
		SenderHash: frame.SenderHash,
		RSSI:       rssi,
		ReceivedAt: now,
	}
	if frame.Type.Valid() {
		diag.TypeName = frame.Type.String()
	}
	if decErr != nil {
		diag.DecodeError = decErr.Error()
	}
	// Malformed text decodes lossily and continues; anything else drops
	// the frame after the diagnostic.
	fatal := decErr != nil && !errors.Is(decErr, codec.ErrMalformedUTF8)

	e.mu.Lock()
	e.stats.Received++
	if fatal {
		e.stats.DecodeErrors++
		e.mu.Unlock()
		e.Diagnostics.Publish(diag)
		return
	}

	key := frame.DedupKey()
	var entry *dedupEntry
	if it := e.dedup.Get(key, ttlcache.WithDisableTouchOnHit[string, *dedupEntry]()); it != nil {
		entry = it.Value()
	}
	// A cached TTL >= the incoming TTL means this copy is stale; only a
	// strictly fresher copy is considered further.
	isDup := entry != nil && entry.bestTTL >= frame.TTL
	fromSelf := frame.SenderHash == e.id.NodeHash
	diag.IsDuplicate, diag.IsFromSelf = isDup, fromSelf

	if entry == nil {
		entry = &dedupEntry{firstSeen: now, bestTTL: frame.TTL, relayedTTL: -1}
		e.dedup.Set(key, entry, ttlcache.DefaultTTL)
	} else if frame.TTL > entry.bestTTL {
		entry.bestTTL = frame.TTL
	}
	if isDup {
		e.stats.Duplicates++
	}
	if fromSelf {
		e.stats.FromSelf++
	}
	e.mu.Unlock()

	e.Diagnostics.Publish(diag)
	if isDup || fromSelf {
		slog.Debug("frame dropped", "key", key, "duplicate", isDup, "from_self", fromSelf)
		return
	}

	switch frame.Type {
	case codec.TypeAnnounce:
		e.handleAnnounce(frame, now)
	case codec.TypeMessage, codec.TypeSOS:
		e.handleBroadcast(frame, entry, now)
	case codec.TypeFriendRequest, codec.TypeDirect, codec.TypeAck:
		e.handleDirected(frame, entry, now)
	}
}

// handleAnnounce processes a peer beacon: direct-neighbor tracking,
// per-sender cooldown, peer table update, friend code discovery, and the
// hop-restricted relay rule.
func (e *Engine) handleAnnounce(f *codec.Frame, now time.Time) {
	hop := f.HopCount()
	nick, code := codec.ParseNickCode(f.Text)

	e.mu.Lock()
	if hop == 0 {
		// Heard directly: the sender is a direct neighbor.
		e.directNeighbors[f.SenderHash] = now
	}
	if it := e.annCooldown.Get(f.SenderHash, ttlcache.WithDisableTouchOnHit[uint16, time.Time]()); it != nil &&
		now.Sub(it.Value()) < e.cfg.AnnounceCooldown {
		e.stats.CooldownDrops++
		e.mu.Unlock()
		return
	}
	e.annCooldown.Set(f.SenderHash, now, ttlcache.DefaultTTL)
	peer := e.touchPeer(f.SenderHash, nick, code, now)
	e.mu.Unlock()

	e.PeerEvents.Publish(models.PeerSeen{Peer: peer, Direct: hop == 0, HeardAt: now, HopCount: hop})
	if code != "" {
		e.FriendCodes.Publish(models.FriendCodeDiscovery{SenderHash: f.SenderHash, FriendCode: code})
	}

	// Direct neighbors rebroadcast themselves, so hop-0 announcements are
	// never relayed; relayed copies travel at most 2 hops further.
	if f.TTL > 0 && hop > 0 && hop < 3 {
		e.scheduleRelay(f)
	}
}

// handleBroadcast processes message and sos frames: peer update, local
// delivery (at most once per message id), message log, and controlled
// flood.
func (e *Engine) handleBroadcast(f *codec.Frame, entry *dedupEntry, now time.Time) {
	hop := f.HopCount()

	e.mu.Lock()
	peer := e.touchPeer(f.SenderHash, "", "", now)
	first := !entry.emitted
	var msg models.MeshMessage
	if first {
		entry.emitted = true
		msg = models.MessageFromFrame(f, peer.Nickname)
		e.msgLog.Set(msg.ID, msg, ttlcache.DefaultTTL)
		e.stats.Delivered++
	}
	e.mu.Unlock()

	e.PeerEvents.Publish(models.PeerSeen{Peer: peer, Direct: hop == 0, HeardAt: now, HopCount: hop})
	if first {
		e.Messages.Publish(msg)
		e.appendHistory(msg, store.DirectionReceived)
	}

	if f.TTL > 0 {
		e.scheduleRelay(f)
	}
}

// handleDirected processes direct, friend-request and ack frames. The
// frame is delivered locally only when the target hash matches this node;
// it is relayed regardless, exactly like a broadcast.
func (e *Engine) handleDirected(f *codec.Frame, entry *dedupEntry, now time.Time) {
	hop := f.HopCount()
	match := f.TargetHash == e.id.NodeHash

	e.mu.Lock()
	peer := e.touchPeer(f.SenderHash, "", "", now)
	first := match && !entry.emitted
	if first {
		entry.emitted = true
		e.stats.Delivered++
	}
	e.mu.Unlock()

	e.PeerEvents.Publish(models.PeerSeen{Peer: peer, Direct: hop == 0, HeardAt: now, HopCount: hop})

	if first {
		switch f.Type {
		case codec.TypeFriendRequest:
			nick, code := codec.ParseNickCode(f.Text)
			e.mu.Lock()
			if _, pending := e.pendingFriends[code]; pending {
				// Mutual add: they asked us while we were asking them.
				delete(e.pendingFriends, code)
				slog.Info("mutual friend request, retries cancelled", "code", code)
			}
			e.mu.Unlock()
			e.FriendRequests.Publish(models.FriendRequest{Nickname: nick, FriendCode: code})
		default:
			msg := models.MessageFromFrame(f, peer.Nickname)
			e.Directed.Publish(msg)
			e.appendHistory(msg, store.DirectionReceived)
		}
	}

	if f.TTL > 0 {
		e.scheduleRelay(f)
	}
}

// touchPeer upserts a peer sighting. Caller holds e.mu; the returned copy
// is safe to publish after unlock.
func (e *Engine) touchPeer(hash uint16, nick, code string, now time.Time) models.Peer {
	var p *models.Peer
	if it := e.peers.Get(hash, ttlcache.WithDisableTouchOnHit[uint16, *models.Peer]()); it != nil {
		p = it.Value()
	} else {
		p = &models.Peer{Hash: hash}
	}
	if nick != "" {
		p.Nickname = nick
	}
	if code != "" {
		p.FriendCode = code
	}
	p.LastSeen = now
	p.RecvCount++
	e.peers.Set(hash, p, ttlcache.DefaultTTL)
	return *p
}

// appendHistory persists a delivered or sent message when a history store
// is wired.
func (e *Engine) appendHistory(msg models.MeshMessage, direction string) {
	if e.hist == nil {
		return
	}
	rec := &store.ChatRecord{
		ID:         msg.ID,
		Type:       uint8(msg.Type),
		Direction:  direction,
		SenderHash: msg.SenderHash,
		Nickname:   msg.Nickname,
		Content:    msg.Content,
		Lat:        msg.Lat,
		Lon:        msg.Lon,
		HopCount:   msg.HopCount,
		SentAt:     msg.Timestamp,
	}
	if err := e.hist.Append(rec); err != nil {
		slog.Warn("append chat history failed", "id", msg.ID, "error", err)
	}
}
