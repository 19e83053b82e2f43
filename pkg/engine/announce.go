package engine

import (
	"log/slog"
	"time"

	"github.com/bramblemesh/bramble/pkg/codec"
)

// announceLoop beacons the node's presence at a randomized interval so
// neighboring announcers drift apart instead of colliding.
func (e *Engine) announceLoop() {
	for {
		if !e.sleep(randDuration(e.cfg.AnnounceMin, e.cfg.AnnounceMax)) {
			return
		}
		e.sendAnnounce()
	}
}

// sendAnnounce broadcasts "<nickname>|<friendCode>". The nickname is
// trimmed so the friend code always survives the broadcast text budget.
// A busy advertiser simply skips this beacon; the next one is seconds
// away.
func (e *Engine) sendAnnounce() {
	maxNick := codec.MaxBroadcastText - len("|") - 4
	text := codec.FormatNickCode(trimNickname(e.id.Nickname(), maxNick), e.id.FriendCode)

	f := &codec.Frame{
		Type:       codec.TypeAnnounce,
		TTL:        codec.DefaultTTL,
		MsgIDHash:  e.newMsgID(),
		SenderHash: e.id.NodeHash,
		Timestamp:  uint32(time.Now().Unix()),
		Lat:        codec.NoCoordinate(),
		Lon:        codec.NoCoordinate(),
		Text:       text,
	}
	data, err := codec.Encode(f)
	if err != nil {
		e.emitError("encode announcement failed", err)
		return
	}
	if !e.broadcast(data) {
		slog.Debug("announcement skipped, advertiser busy")
	}
}
