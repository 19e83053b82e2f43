package models

import (
	"time"

	"github.com/bramblemesh/bramble/pkg/codec"
)

// OnlineWindow is how recently a peer must have been heard to count as
// online. Peers silent for longer are pruned by cache maintenance.
const OnlineWindow = 60 * time.Second

// Peer is one remote node observed on the mesh, keyed by its 16-bit node
// hash. FriendCode is filled in once an announcement carrying it arrives.
type Peer struct {
	Hash       uint16    `json:"hash"`
	Nickname   string    `json:"nickname"`
	FriendCode string    `json:"friend_code,omitempty"`
	LastSeen   time.Time `json:"last_seen"`
	RecvCount  int       `json:"recv_count"`
	RelayCount int       `json:"relay_count"`
}

// Online reports whether the peer has been heard within the liveness
// window.
func (p *Peer) Online(now time.Time) bool {
	return now.Sub(p.LastSeen) < OnlineWindow
}

// Code returns the peer's friend code, deriving it from the node hash when
// no announcement has supplied one yet.
func (p *Peer) Code() string {
	if p.FriendCode != "" {
		return p.FriendCode
	}
	return codec.FriendCode(p.Hash)
}
