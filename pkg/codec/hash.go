package codec

import (
	"fmt"
	"strconv"
	"strings"
)

// Hash16 computes the 16-bit mesh hash of a string by iterating its code
// points: h = ((h<<5) - h + c) & 0xFFFF. The same function produces node
// hashes, message id hashes and directed target hashes, so it must match
// on every device in the mesh.
func Hash16(s string) uint16 {
	var h uint32
	for _, c := range s {
		h = (h<<5 - h + uint32(c)) & 0xFFFF
	}
	return uint16(h)
}

// FriendCode renders a node hash as the human-shareable 4-uppercase-hex
// friend code. ParseFriendCode(FriendCode(h)) == h for all h.
func FriendCode(hash uint16) string {
	return fmt.Sprintf("%04X", hash)
}

// ParseFriendCode parses a 4-hex-character friend code back into a node
// hash. Case is ignored.
func ParseFriendCode(code string) (uint16, error) {
	code = strings.TrimSpace(code)
	if len(code) != 4 {
		return 0, fmt.Errorf("%w: %q", ErrBadFriendCode, code)
	}
	v, err := strconv.ParseUint(code, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadFriendCode, code)
	}
	return uint16(v), nil
}

// DedupKey builds the uniform string key used for duplicate suppression
// from a frame's message id hash.
func DedupKey(msgIDHash uint16) string {
	return fmt.Sprintf("h:%04x", msgIDHash)
}

// FormatNickCode builds the "<nickname>|<friendCode>" content carried by
// announce and friend-request frames.
func FormatNickCode(nickname, friendCode string) string {
	return nickname + "|" + friendCode
}

// ParseNickCode splits "<nickname>|<friendCode>" content. The friend code
// part may be absent in the legacy announce form, in which case code is
// empty.
func ParseNickCode(text string) (nickname, code string) {
	nickname, code, found := strings.Cut(text, "|")
	if !found {
		return text, ""
	}
	return nickname, strings.ToUpper(strings.TrimSpace(code))
}
