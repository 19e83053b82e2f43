package identity

import (
	"path/filepath"
	"testing"

	"github.com/bramblemesh/bramble/pkg/codec"
	"github.com/bramblemesh/bramble/pkg/store"
)

func openKV(t *testing.T) store.KVStore {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "node.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s.KV
}

func TestLoadOrCreateIsStable(t *testing.T) {
	kv := openKV(t)

	first, err := LoadOrCreate(kv)
	if err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}
	if len(first.NodeID) != 8 {
		t.Errorf("NodeID = %q, want 8 hex chars", first.NodeID)
	}
	if first.NodeHash != codec.Hash16(first.NodeID) {
		t.Errorf("NodeHash = %#x, want Hash16(%q)", first.NodeHash, first.NodeID)
	}

	// The friend code is exactly the hex rendering of the node hash.
	parsed, err := codec.ParseFriendCode(first.FriendCode)
	if err != nil {
		t.Fatalf("ParseFriendCode(%q) error = %v", first.FriendCode, err)
	}
	if parsed != first.NodeHash {
		t.Errorf("ParseFriendCode(FriendCode) = %#x, want %#x", parsed, first.NodeHash)
	}

	second, err := LoadOrCreate(kv)
	if err != nil {
		t.Fatalf("LoadOrCreate() second error = %v", err)
	}
	if second.NodeID != first.NodeID {
		t.Errorf("NodeID changed across loads: %q vs %q", second.NodeID, first.NodeID)
	}
	if second.Nickname() != first.Nickname() {
		t.Errorf("Nickname changed across loads: %q vs %q", second.Nickname(), first.Nickname())
	}
}

func TestSetNickname(t *testing.T) {
	kv := openKV(t)

	id, err := LoadOrCreate(kv)
	if err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}

	if err := id.SetNickname("alice"); err != nil {
		t.Fatalf("SetNickname() error = %v", err)
	}
	if id.Nickname() != "alice" {
		t.Errorf("Nickname() = %q, want alice", id.Nickname())
	}
	if err := id.SetNickname("  "); err == nil {
		t.Error("SetNickname(blank) should fail")
	}

	want := "alice|" + id.FriendCode
	if id.AnnounceText() != want {
		t.Errorf("AnnounceText() = %q, want %q", id.AnnounceText(), want)
	}

	reloaded, err := LoadOrCreate(kv)
	if err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}
	if reloaded.Nickname() != "alice" {
		t.Errorf("Nickname not persisted: %q", reloaded.Nickname())
	}
}
