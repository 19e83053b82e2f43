package engine

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/bramblemesh/bramble/pkg/codec"
	"github.com/bramblemesh/bramble/pkg/models"
	"github.com/bramblemesh/bramble/pkg/store"
)

// newMsgID derives a fresh 16-bit message id from a generated UUID.
func (e *Engine) newMsgID() uint16 {
	return codec.Hash16(uuid.NewString())
}

// SendMessage originates a broadcast chat message, annotated with the best
// available location fix.
func (e *Engine) SendMessage(ctx context.Context, text string) (models.MeshMessage, error) {
	return e.sendBroadcast(ctx, codec.TypeMessage, text)
}

// SendSOS originates an SOS beacon, annotated with the best available
// location fix.
func (e *Engine) SendSOS(ctx context.Context, text string) (models.MeshMessage, error) {
	return e.sendBroadcast(ctx, codec.TypeSOS, text)
}

func (e *Engine) sendBroadcast(ctx context.Context, typ codec.MessageType, text string) (models.MeshMessage, error) {
	f := &codec.Frame{
		Type:       typ,
		TTL:        codec.DefaultTTL,
		MsgIDHash:  e.newMsgID(),
		SenderHash: e.id.NodeHash,
		Timestamp:  uint32(time.Now().Unix()),
		Lat:        codec.NoCoordinate(),
		Lon:        codec.NoCoordinate(),
		Text:       text,
	}
	if fix := e.loc.Locate(ctx); fix != nil {
		f.Lat, f.Lon = float32(fix.Lat), float32(fix.Lon)
	}
	return e.transmit(f, store.DirectionSent)
}

// SendDirect originates a directed message to the node owning the given
// friend code. Addressing is best-effort: the frame floods the mesh and
// is delivered by whichever node matches the target hash.
func (e *Engine) SendDirect(ctx context.Context, friendCode, text string) (models.MeshMessage, error) {
	target, err := codec.ParseFriendCode(friendCode)
	if err != nil {
		return models.MeshMessage{}, err
	}
	f := &codec.Frame{
		Type:       codec.TypeDirect,
		TTL:        codec.DefaultTTL,
		MsgIDHash:  e.newMsgID(),
		SenderHash: e.id.NodeHash,
		TargetHash: target,
		Timestamp:  uint32(time.Now().Unix()),
		Lat:        codec.NoCoordinate(),
		Lon:        codec.NoCoordinate(),
		Text:       text,
	}
	return e.transmit(f, store.DirectionSent)
}

// RequestFriend transmits a friend request to the given code immediately
// and schedules the remaining retries; the retry ticker drains them unless
// a mutual add cancels the target first.
func (e *Engine) RequestFriend(friendCode string) error {
	target, err := codec.ParseFriendCode(friendCode)
	if err != nil {
		return err
	}
	if err := e.sendFriendRequest(target); err != nil {
		return err
	}

	if e.cfg.FriendRetries > 1 {
		e.mu.Lock()
		e.pendingFriends[codec.FriendCode(target)] = e.cfg.FriendRetries - 1
		e.mu.Unlock()
	}
	return nil
}

// sendFriendRequest transmits one friend-request frame carrying
// "<nickname>|<ownFriendCode>". The nickname is trimmed so the code part
// always survives the directed text budget.
func (e *Engine) sendFriendRequest(target uint16) error {
	maxNick := codec.MaxPayload - codec.MinFrameSize - len("|") - 4
	text := codec.FormatNickCode(trimNickname(e.id.Nickname(), maxNick), e.id.FriendCode)
	f := &codec.Frame{
		Type:       codec.TypeFriendRequest,
		TTL:        codec.DefaultTTL,
		MsgIDHash:  e.newMsgID(),
		SenderHash: e.id.NodeHash,
		TargetHash: target,
		Timestamp:  uint32(time.Now().Unix()),
		Lat:        codec.NoCoordinate(),
		Lon:        codec.NoCoordinate(),
		Text:       text,
	}
	_, err := e.transmit(f, "")
	return err
}

// friendRetryLoop pops one pending friend request per tick, retransmits
// it and decrements its budget, removing it when exhausted.
func (e *Engine) friendRetryLoop() {
	ticker := time.NewTicker(e.cfg.FriendRetryTick)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			var code string
			found := false
			e.mu.Lock()
			for c, left := range e.pendingFriends {
				code, found = c, true
				if left <= 1 {
					delete(e.pendingFriends, c)
				} else {
					e.pendingFriends[c] = left - 1
				}
				break
			}
			e.mu.Unlock()
			if !found {
				continue
			}
			if target, err := codec.ParseFriendCode(code); err == nil {
				if err := e.sendFriendRequest(target); err != nil {
					e.emitError("friend request retry failed", err)
				}
			}
		}
	}
}

// transmit encodes a locally originated frame and pushes it toward the
// advertiser. If the advertising slot is busy the frame joins the relay
// queue and goes out on a later tick. Returns the classified message for
// the caller's own display.
func (e *Engine) transmit(f *codec.Frame, historyDirection string) (models.MeshMessage, error) {
	data, err := codec.Encode(f)
	if err != nil {
		return models.MeshMessage{}, err
	}
	msg := models.MessageFromFrame(f, e.id.Nickname())

	go func() {
		if !e.broadcast(data) {
			e.mu.Lock()
			e.relayQueue = append(e.relayQueue, data)
			e.mu.Unlock()
		}
	}()

	if historyDirection != "" {
		e.appendHistory(msg, historyDirection)
	}
	return msg, nil
}

// trimNickname cuts a nickname to at most max bytes on a rune boundary.
func trimNickname(nick string, max int) string {
	if max < 0 {
		max = 0
	}
	if len(nick) <= max {
		return nick
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(nick[cut]) {
		cut--
	}
	return strings.TrimSpace(nick[:cut])
}
