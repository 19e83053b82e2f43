// Package friends keeps the node's persistent friend list. The mesh engine
// holds no reference to this package, and this package holds none to the
// engine.
package friends

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bramblemesh/bramble/pkg/codec"
	"github.com/bramblemesh/bramble/pkg/identity"
	"github.com/bramblemesh/bramble/pkg/store"
)

var ErrOwnCode = errors.New("cannot add own friend code")

// Directory is the narrow two-method view of the friends module, which
// Service satisfies.
type Directory interface {
	MyFriendCode() string
	IsFriend(code string) bool
}

// Service manages the friend list on top of the persistent store.
type Service struct {
	id    *identity.Identity
	store store.FriendStore
}

// NewService creates the friend list service.
func NewService(id *identity.Identity, fs store.FriendStore) *Service {
	return &Service{id: id, store: fs}
}

// MyFriendCode returns this node's own friend code.
func (s *Service) MyFriendCode() string {
	return s.id.FriendCode
}

// IsFriend reports whether the code belongs to a saved friend. Store
// failures read as "not a friend" and are logged, never propagated into
// the frame pipeline.
func (s *Service) IsFriend(code string) bool {
	ok, err := s.store.IsFriend(code)
	if err != nil {
		slog.Warn("friend lookup failed", "code", code, "error", err)
		return false
	}
	return ok
}

// Add validates and saves a friend.
func (s *Service) Add(code, nickname string) error {
	parsed, err := codec.ParseFriendCode(code)
	if err != nil {
		return err
	}
	if parsed == s.id.NodeHash {
		return ErrOwnCode
	}
	return s.store.Add(strings.ToUpper(strings.TrimSpace(code)), nickname)
}

// Remove deletes a friend by code.
func (s *Service) Remove(code string) error {
	if _, err := codec.ParseFriendCode(code); err != nil {
		return err
	}
	return s.store.Remove(code)
}

// Rename updates a friend's display nickname.
func (s *Service) Rename(code, nickname string) error {
	if _, err := codec.ParseFriendCode(code); err != nil {
		return err
	}
	if strings.TrimSpace(nickname) == "" {
		return fmt.Errorf("nickname must not be empty")
	}
	return s.store.Rename(code, nickname)
}

// List returns all saved friends.
func (s *Service) List() ([]*store.Friend, error) {
	return s.store.List()
}
