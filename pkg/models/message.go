package models

import (
	"time"

	"github.com/bramblemesh/bramble/pkg/codec"
)

// MeshMessage is a classified frame ready for local delivery: what the
// surrounding application sees on the message streams.
type MeshMessage struct {
	ID               string            `json:"id"`
	Type             codec.MessageType `json:"-"`
	TypeName         string            `json:"type"`
	SenderHash       uint16            `json:"sender_hash"`
	Nickname         string            `json:"nickname,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
	Content          string            `json:"content"`
	HopCount         int               `json:"hop_count"`
	WasRelayed       bool              `json:"was_relayed"`
	Lat              *float64          `json:"lat,omitempty"`
	Lon              *float64          `json:"lon,omitempty"`
	TargetFriendCode string            `json:"target_friend_code,omitempty"`
}

// MessageFromFrame classifies a decoded frame for delivery. Coordinates are
// carried only when the frame has a usable pair.
func MessageFromFrame(f *codec.Frame, nickname string) MeshMessage {
	m := MeshMessage{
		ID:         f.DedupKey(),
		Type:       f.Type,
		TypeName:   f.Type.String(),
		SenderHash: f.SenderHash,
		Nickname:   nickname,
		Timestamp:  time.Unix(int64(f.Timestamp), 0).UTC(),
		Content:    f.Text,
		HopCount:   f.HopCount(),
		WasRelayed: f.HopCount() > 0,
	}
	if f.HasLocation() {
		lat, lon := float64(f.Lat), float64(f.Lon)
		m.Lat, m.Lon = &lat, &lon
	}
	if f.Type.Directed() {
		m.TargetFriendCode = codec.FriendCode(f.TargetHash)
	}
	return m
}
