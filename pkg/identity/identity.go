// Package identity manages the node's stable mesh identity: the persisted
// 8-hex-character NodeId, the 16-bit NodeHash derived from it, and the
// human-shareable friend code.
package identity

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/bramblemesh/bramble/pkg/codec"
	"github.com/bramblemesh/bramble/pkg/store"
)

// Persistence keys consumed by the mesh core.
const (
	KeyPeerID   = "mesh_peer_id"
	KeyNickname = "mesh_nickname"
)

// Identity is the node's own mesh identity. NodeID and the derived hash
// are immutable for the life of the database; the nickname may change.
type Identity struct {
	NodeID     string
	NodeHash   uint16
	FriendCode string

	kv store.KVStore

	mu       sync.RWMutex
	nickname string
}

// LoadOrCreate reads the persisted identity, generating and persisting a
// fresh one on first run.
func LoadOrCreate(kv store.KVStore) (*Identity, error) {
	nodeID, err := kv.GetString(KeyPeerID)
	if err != nil {
		return nil, fmt.Errorf("load node id: %w", err)
	}
	if nodeID == "" {
		nodeID = newNodeID()
		if err := kv.SetString(KeyPeerID, nodeID); err != nil {
			return nil, fmt.Errorf("persist node id: %w", err)
		}
		slog.Info("generated new node identity", "node_id", nodeID)
	}

	nickname, err := kv.GetString(KeyNickname)
	if err != nil {
		return nil, fmt.Errorf("load nickname: %w", err)
	}
	if nickname == "" {
		nickname = "node-" + nodeID[:4]
		if err := kv.SetString(KeyNickname, nickname); err != nil {
			return nil, fmt.Errorf("persist nickname: %w", err)
		}
	}

	hash := codec.Hash16(nodeID)
	return &Identity{
		NodeID:     nodeID,
		NodeHash:   hash,
		FriendCode: codec.FriendCode(hash),
		kv:         kv,
		nickname:   nickname,
	}, nil
}

// NewStatic builds an identity from a fixed node id without touching any
// store. Useful for bench tools; nickname changes are not persisted.
func NewStatic(nodeID, nickname string) *Identity {
	hash := codec.Hash16(nodeID)
	return &Identity{
		NodeID:     nodeID,
		NodeHash:   hash,
		FriendCode: codec.FriendCode(hash),
		nickname:   nickname,
	}
}

// newNodeID derives a random 8-hex-character node id from a UUID.
func newNodeID() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToLower(raw[:8])
}

// Nickname returns the current display nickname.
func (id *Identity) Nickname() string {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.nickname
}

// SetNickname updates and persists the display nickname.
func (id *Identity) SetNickname(nickname string) error {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return fmt.Errorf("nickname must not be empty")
	}
	if id.kv != nil {
		if err := id.kv.SetString(KeyNickname, nickname); err != nil {
			return err
		}
	}
	id.mu.Lock()
	id.nickname = nickname
	id.mu.Unlock()
	return nil
}

// AnnounceText returns "<nickname>|<friendCode>" with the full nickname.
// The engine's announcer builds its own beacon text, trimming the nickname
// so the whole string fits the broadcast text limit.
func (id *Identity) AnnounceText() string {
	return codec.FormatNickCode(id.Nickname(), id.FriendCode)
}
