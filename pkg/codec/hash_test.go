package codec

import "testing"

func TestHash16(t *testing.T) {
	tests := []struct {
		in   string
		want uint16
	}{
		{"", 0},
		{"A", 65},
		{"AB", 2081},
		{"abc", 30818},
	}
	for _, tt := range tests {
		if got := Hash16(tt.in); got != tt.want {
			t.Errorf("Hash16(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}

	// Determinism across calls.
	if Hash16("a1b2c3d4") != Hash16("a1b2c3d4") {
		t.Error("Hash16 not deterministic")
	}
}

func TestFriendCodeRoundTrip(t *testing.T) {
	for _, h := range []uint16{0, 1, 0x1234, 0xABCD, 0xFFFF} {
		code := FriendCode(h)
		if len(code) != 4 {
			t.Errorf("FriendCode(%#x) = %q, want 4 chars", h, code)
		}
		got, err := ParseFriendCode(code)
		if err != nil {
			t.Fatalf("ParseFriendCode(%q) error = %v", code, err)
		}
		if got != h {
			t.Errorf("round trip %#x -> %q -> %#x", h, code, got)
		}
	}

	// Lower case accepted.
	if got, err := ParseFriendCode("abcd"); err != nil || got != 0xABCD {
		t.Errorf("ParseFriendCode(abcd) = %#x, %v", got, err)
	}

	for _, bad := range []string{"", "12", "12345", "zzzz"} {
		if _, err := ParseFriendCode(bad); err == nil {
			t.Errorf("ParseFriendCode(%q) should fail", bad)
		}
	}
}

func TestParseNickCode(t *testing.T) {
	tests := []struct {
		text     string
		wantNick string
		wantCode string
	}{
		{"alice|1A2B", "alice", "1A2B"},
		{"alice|1a2b", "alice", "1A2B"},
		{"bob", "bob", ""},
		{"|F00D", "", "F00D"},
	}
	for _, tt := range tests {
		nick, code := ParseNickCode(tt.text)
		if nick != tt.wantNick || code != tt.wantCode {
			t.Errorf("ParseNickCode(%q) = (%q, %q), want (%q, %q)",
				tt.text, nick, code, tt.wantNick, tt.wantCode)
		}
	}
}
