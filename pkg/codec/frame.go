package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

const (
	// ManufacturerID is the BLE manufacturer-specific-data company id all
	// mesh frames are advertised under. Non-matching advertisements are
	// ignored by the scan pipeline.
	ManufacturerID uint16 = 0x8888

	// MaxPayload is the usable application share of a legacy 31-byte
	// advertising PDU. Encoded frames never exceed it.
	MaxPayload = 27

	// HeaderSize is the common prefix shared by both frame families:
	// type:u8 ttl:u8 msgIdHash:u16 senderHash:u16.
	HeaderSize = 6

	// BroadcastBodySize is the fixed broadcast payload header:
	// timestamp:u32 latitude:f32 longitude:f32.
	BroadcastBodySize = 12

	// DirectedBodySize is the fixed directed payload header:
	// targetHash:u16 timestamp:u32.
	DirectedBodySize = 6

	// MinFrameSize is the shortest decodable frame (a directed frame with
	// no text).
	MinFrameSize = HeaderSize + DirectedBodySize

	// MaxBroadcastText and MaxDirectedText bound the UTF-8 text bytes per
	// family. Over-long text is truncated silently on encode.
	MaxBroadcastText = 9
	MaxDirectedText  = 17

	// DefaultTTL is the hop budget assigned to locally originated frames.
	DefaultTTL uint8 = 5
)

// MessageType is the on-wire frame type code.
type MessageType uint8

const (
	TypeAnnounce      MessageType = 0x01
	TypeFriendRequest MessageType = 0x02
	TypeMessage       MessageType = 0x04
	TypeDirect        MessageType = 0x08
	TypeSOS           MessageType = 0x10
	TypeAck           MessageType = 0x20
)

var (
	ErrTooShort      = errors.New("frame too short")
	ErrUnknownType   = errors.New("unknown frame type")
	ErrMalformedUTF8 = errors.New("malformed utf-8 text")
	ErrBadFriendCode = errors.New("invalid friend code")
)

// TypeName returns a human-readable name for a frame type code.
func TypeName(t MessageType) string {
	switch t {
	case TypeAnnounce:
		return "announce"
	case TypeFriendRequest:
		return "friend_request"
	case TypeMessage:
		return "message"
	case TypeDirect:
		return "direct"
	case TypeSOS:
		return "sos"
	case TypeAck:
		return "ack"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(t))
	}
}

func (t MessageType) String() string { return TypeName(t) }

// Valid reports whether t is a defined wire code.
func (t MessageType) Valid() bool {
	switch t {
	case TypeAnnounce, TypeFriendRequest, TypeMessage, TypeDirect, TypeSOS, TypeAck:
		return true
	}
	return false
}

// Directed reports whether frames of this type carry the directed body
// (targetHash + timestamp) rather than the broadcast body.
func (t MessageType) Directed() bool {
	switch t {
	case TypeFriendRequest, TypeDirect, TypeAck:
		return true
	}
	return false
}

// Frame is one decoded manufacturer-data payload. Lat/Lon are NaN when the
// sender attached no coordinates; TargetHash is meaningful only for the
// directed family.
type Frame struct {
	Type       MessageType
	TTL        uint8
	MsgIDHash  uint16
	SenderHash uint16
	TargetHash uint16
	Timestamp  uint32
	Lat        float32
	Lon        float32
	Text       string
}

// NoCoordinate is the on-wire encoding of an absent latitude or longitude.
func NoCoordinate() float32 { return float32(math.NaN()) }

// HasLocation reports whether the frame carries a usable coordinate pair.
func (f *Frame) HasLocation() bool {
	return !math.IsNaN(float64(f.Lat)) && !math.IsNaN(float64(f.Lon))
}

// HopCount derives the hops already traversed from the remaining TTL,
// assuming the default origination budget.
func (f *Frame) HopCount() int {
	hops := int(DefaultTTL) - int(f.TTL)
	if hops < 0 {
		hops = 0
	}
	return hops
}

// DedupKey returns the duplicate-suppression key for this frame.
func (f *Frame) DedupKey() string { return DedupKey(f.MsgIDHash) }

// Encode packs the frame into a manufacturer-data payload. Text is
// truncated to the family limit and the result is clamped to MaxPayload;
// both truncations are lossy and silent. Encoding is deterministic for a
// given frame.
func Encode(f *Frame) ([]byte, error) {
	if !f.Type.Valid() {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, uint8(f.Type))
	}

	buf := make([]byte, 0, MaxPayload)
	buf = append(buf, byte(f.Type), f.TTL)
	buf = binary.BigEndian.AppendUint16(buf, f.MsgIDHash)
	buf = binary.BigEndian.AppendUint16(buf, f.SenderHash)

	var maxText int
	if f.Type.Directed() {
		buf = binary.BigEndian.AppendUint16(buf, f.TargetHash)
		buf = binary.BigEndian.AppendUint32(buf, f.Timestamp)
		maxText = MaxDirectedText
	} else {
		buf = binary.BigEndian.AppendUint32(buf, f.Timestamp)
		buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(f.Lat))
		buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(f.Lon))
		maxText = MaxBroadcastText
	}

	text := []byte(f.Text)
	if len(text) > maxText {
		text = text[:maxText]
	}
	if len(buf)+len(text) > MaxPayload {
		text = text[:MaxPayload-len(buf)]
	}
	buf = append(buf, text...)

	return buf, nil
}

// Decode parses a manufacturer-data payload into a frame. It is
// best-effort: on error the returned frame still carries whatever fields
// were recovered (at minimum the common header when 6 bytes were present),
// so diagnostics can display partially decoded packets. Malformed UTF-8
// text is repaired with replacement runes and reported via
// ErrMalformedUTF8 while the frame remains usable.
func Decode(data []byte) (*Frame, error) {
	f := &Frame{Lat: NoCoordinate(), Lon: NoCoordinate()}

	if len(data) < HeaderSize {
		return f, fmt.Errorf("%w: %d bytes", ErrTooShort, len(data))
	}

	f.Type = MessageType(data[0])
	f.TTL = data[1]
	f.MsgIDHash = binary.BigEndian.Uint16(data[2:4])
	f.SenderHash = binary.BigEndian.Uint16(data[4:6])

	if !f.Type.Valid() {
		return f, fmt.Errorf("%w: 0x%02x", ErrUnknownType, data[0])
	}

	body := data[HeaderSize:]
	if f.Type.Directed() {
		if len(body) < DirectedBodySize {
			return f, fmt.Errorf("%w: directed body %d bytes", ErrTooShort, len(body))
		}
		f.TargetHash = binary.BigEndian.Uint16(body[0:2])
		f.Timestamp = binary.BigEndian.Uint32(body[2:6])
		return decodeText(f, body[DirectedBodySize:])
	}

	if len(body) < BroadcastBodySize {
		return f, fmt.Errorf("%w: broadcast body %d bytes", ErrTooShort, len(body))
	}
	f.Timestamp = binary.BigEndian.Uint32(body[0:4])
	f.Lat = math.Float32frombits(binary.BigEndian.Uint32(body[4:8]))
	f.Lon = math.Float32frombits(binary.BigEndian.Uint32(body[8:12]))
	return decodeText(f, body[BroadcastBodySize:])
}

func decodeText(f *Frame, raw []byte) (*Frame, error) {
	if utf8.Valid(raw) {
		f.Text = string(raw)
		return f, nil
	}
	f.Text = strings.ToValidUTF8(string(raw), "�")
	return f, ErrMalformedUTF8
}
