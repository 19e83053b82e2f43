package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bramblemesh/bramble/pkg/codec"
	"github.com/bramblemesh/bramble/pkg/identity"
	"github.com/bramblemesh/bramble/pkg/models"
	"github.com/bramblemesh/bramble/pkg/radio"
)

// fakeRadio is a scriptable Radio: tests inject scan results and observe
// advertised payloads.
type fakeRadio struct {
	mu          sync.Mutex
	results     chan radio.ScanResult
	scanning    chan bool
	adverts     chan []byte
	scanOn      bool
	advertising bool
	scanErr     error
}

func newFakeRadio() *fakeRadio {
	return &fakeRadio{
		results:  make(chan radio.ScanResult, 64),
		scanning: make(chan bool, 16),
		adverts:  make(chan []byte, 64),
	}
}

func (r *fakeRadio) StartScan(ctx context.Context, window time.Duration, mode radio.ScanMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scanErr != nil {
		return r.scanErr
	}
	r.scanOn = true
	select {
	case r.scanning <- true:
	default:
	}
	return nil
}

func (r *fakeRadio) StopScan() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanOn = false
	select {
	case r.scanning <- false:
	default:
	}
	return nil
}

func (r *fakeRadio) Results() <-chan radio.ScanResult { return r.results }
func (r *fakeRadio) Scanning() <-chan bool            { return r.scanning }

func (r *fakeRadio) StartAdvertising(manufacturerID uint16, data []byte) error {
	r.mu.Lock()
	r.advertising = true
	r.mu.Unlock()
	r.adverts <- append([]byte(nil), data...)
	return nil
}

func (r *fakeRadio) StopAdvertising() error {
	r.mu.Lock()
	r.advertising = false
	r.mu.Unlock()
	return nil
}

func (r *fakeRadio) Close() error { return nil }

// inject delivers a raw payload to the engine as a scan result.
func (r *fakeRadio) inject(data []byte) {
	r.results <- radio.ScanResult{
		ManufacturerData: map[uint16][]byte{codec.ManufacturerID: data},
		RSSI:             -50,
		Address:          "aa:bb:cc:dd:ee:ff",
	}
}

func fastConfig() Config {
	return Config{
		ScanWindow:       50 * time.Millisecond,
		ScanRestartMin:   time.Millisecond,
		ScanRestartMax:   2 * time.Millisecond,
		RelayTick:        5 * time.Millisecond,
		RelaySpacing:     50 * time.Millisecond,
		RelayDelayMin:    time.Millisecond,
		RelayDelayMax:    2 * time.Millisecond,
		PreJitterMax:     time.Millisecond,
		QuiesceDelay:     time.Millisecond,
		BroadcastWindow:  5 * time.Millisecond,
		AnnounceMin:      time.Hour,
		AnnounceMax:      2 * time.Hour,
		AnnounceCooldown: 3 * time.Second,
		Maintenance:      time.Hour,
		FriendRetryTick:  25 * time.Millisecond,
		FriendRetries:    5,
	}
}

// testEngine starts an engine named "bob" on a fake radio. Announcer and
// maintenance run at hour scale so scripted frames are the only traffic.
func testEngine(t *testing.T) (*Engine, *fakeRadio) {
	t.Helper()
	r := newFakeRadio()
	e := New(Options{
		Config:   fastConfig(),
		Identity: identity.NewStatic("bbbbbbbb", "bob"),
		Radio:    r,
	})
	e.Start(context.Background())
	t.Cleanup(e.Stop)
	return e, r
}

func encodeFrame(t *testing.T, f *codec.Frame) []byte {
	t.Helper()
	data, err := codec.Encode(f)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return data
}

func broadcastFrame(t *testing.T, typ codec.MessageType, ttl uint8, msgID, sender uint16, text string) []byte {
	t.Helper()
	return encodeFrame(t, &codec.Frame{
		Type: typ, TTL: ttl, MsgIDHash: msgID, SenderHash: sender,
		Timestamp: 1700000000, Lat: codec.NoCoordinate(), Lon: codec.NoCoordinate(),
		Text: text,
	})
}

func directedFrame(t *testing.T, typ codec.MessageType, ttl uint8, msgID, sender, target uint16, text string) []byte {
	t.Helper()
	return encodeFrame(t, &codec.Frame{
		Type: typ, TTL: ttl, MsgIDHash: msgID, SenderHash: sender, TargetHash: target,
		Timestamp: 1700000000, Text: text,
	})
}

func waitAdvert(t *testing.T, r *fakeRadio, timeout time.Duration) (*codec.Frame, bool) {
	t.Helper()
	select {
	case data := <-r.adverts:
		f, err := codec.Decode(data)
		if err != nil {
			t.Fatalf("advertised payload does not decode: %v", err)
		}
		return f, true
	case <-time.After(timeout):
		return nil, false
	}
}

func waitEvent[T any](t *testing.T, ch chan T, timeout time.Duration) (T, bool) {
	t.Helper()
	select {
	case v := <-ch:
		return v, true
	case <-time.After(timeout):
		var zero T
		return zero, false
	}
}

func TestBroadcastDeliveryAndRelay(t *testing.T) {
	e, r := testEngine(t)
	msgs := e.Messages.Subscribe()
	defer e.Messages.Unsubscribe(msgs)

	r.inject(broadcastFrame(t, codec.TypeMessage, 5, 0x0001, 0x1234, "hi"))

	msg, ok := waitEvent(t, msgs, time.Second)
	if !ok {
		t.Fatal("no message delivered")
	}
	if msg.Content != "hi" || msg.SenderHash != 0x1234 {
		t.Errorf("delivered %+v", msg)
	}
	if msg.HopCount != 0 || msg.WasRelayed {
		t.Errorf("hop accounting: hop=%d relayed=%v, want 0/false", msg.HopCount, msg.WasRelayed)
	}

	adv, ok := waitAdvert(t, r, time.Second)
	if !ok {
		t.Fatal("no relay transmitted")
	}
	if adv.TTL != 4 {
		t.Errorf("relay TTL = %d, want 4", adv.TTL)
	}
	if adv.Type != codec.TypeMessage || adv.MsgIDHash != 0x0001 {
		t.Errorf("relay frame %+v", adv)
	}
}

func TestDuplicateSuppression(t *testing.T) {
	e, r := testEngine(t)
	msgs := e.Messages.Subscribe()
	defer e.Messages.Unsubscribe(msgs)

	frame := broadcastFrame(t, codec.TypeMessage, 5, 0x0002, 0x1234, "dup")
	r.inject(frame)
	r.inject(frame)

	if _, ok := waitEvent(t, msgs, time.Second); !ok {
		t.Fatal("first copy not delivered")
	}
	if _, ok := waitEvent(t, msgs, 100*time.Millisecond); ok {
		t.Fatal("duplicate copy delivered")
	}

	// First copy relays once; the duplicate must not add a second relay.
	if _, ok := waitAdvert(t, r, time.Second); !ok {
		t.Fatal("no relay for first copy")
	}
	if _, ok := waitAdvert(t, r, 100*time.Millisecond); ok {
		t.Fatal("duplicate relayed")
	}

	stats := e.Snapshot()
	if stats.Duplicates != 1 {
		t.Errorf("Duplicates = %d, want 1", stats.Duplicates)
	}
}

func TestFresherCopyEmitsOnce(t *testing.T) {
	e, r := testEngine(t)
	msgs := e.Messages.Subscribe()
	defer e.Messages.Unsubscribe(msgs)

	r.inject(broadcastFrame(t, codec.TypeMessage, 3, 0x0003, 0x1234, "x"))
	if _, ok := waitEvent(t, msgs, time.Second); !ok {
		t.Fatal("first copy not delivered")
	}

	// A strictly higher TTL passes dedup, but emission already happened
	// and the 50 ms relay spacing suppresses a second relay.
	r.inject(broadcastFrame(t, codec.TypeMessage, 4, 0x0003, 0x1234, "x"))
	if _, ok := waitEvent(t, msgs, 100*time.Millisecond); ok {
		t.Fatal("fresher copy re-emitted")
	}

	adv, ok := waitAdvert(t, r, time.Second)
	if !ok {
		t.Fatal("no relay at all")
	}
	if adv.TTL != 2 {
		t.Errorf("relay TTL = %d, want 2 (from the TTL=3 copy)", adv.TTL)
	}
	if _, ok := waitAdvert(t, r, 100*time.Millisecond); ok {
		t.Fatal("second relay within spacing window")
	}

	if d := e.Snapshot().Duplicates; d != 0 {
		t.Errorf("fresher copy counted as duplicate: %d", d)
	}
}

func TestOwnFramesDropped(t *testing.T) {
	e, r := testEngine(t)
	msgs := e.Messages.Subscribe()
	defer e.Messages.Unsubscribe(msgs)
	diags := e.Diagnostics.Subscribe()
	defer e.Diagnostics.Unsubscribe(diags)

	own := e.id.NodeHash
	r.inject(broadcastFrame(t, codec.TypeMessage, 5, 0x0004, own, "echo"))

	diag, ok := waitEvent(t, diags, time.Second)
	if !ok {
		t.Fatal("no diagnostic for own frame")
	}
	if !diag.IsFromSelf {
		t.Error("diagnostic IsFromSelf = false")
	}
	if _, ok := waitEvent(t, msgs, 100*time.Millisecond); ok {
		t.Fatal("own frame delivered upward")
	}
	if _, ok := waitAdvert(t, r, 100*time.Millisecond); ok {
		t.Fatal("own frame relayed")
	}
}

func TestAnnounceHopZeroNotRelayed(t *testing.T) {
	e, r := testEngine(t)
	peers := e.PeerEvents.Subscribe()
	defer e.PeerEvents.Unsubscribe(peers)
	codes := e.FriendCodes.Subscribe()
	defer e.FriendCodes.Unsubscribe(codes)

	// Hop 0 (TTL 5): peer update + discovery, no relay.
	r.inject(broadcastFrame(t, codec.TypeAnnounce, 5, 0x0010, 0x1111, "ali|1A2B"))

	seen, ok := waitEvent(t, peers, time.Second)
	if !ok {
		t.Fatal("no peer event")
	}
	if !seen.Direct || seen.Peer.Nickname != "ali" || seen.Peer.FriendCode != "1A2B" {
		t.Errorf("peer event %+v", seen)
	}
	disc, ok := waitEvent(t, codes, time.Second)
	if !ok {
		t.Fatal("no friend code discovery")
	}
	if disc.FriendCode != "1A2B" || disc.SenderHash != 0x1111 {
		t.Errorf("discovery %+v", disc)
	}
	if _, ok := waitAdvert(t, r, 150*time.Millisecond); ok {
		t.Fatal("hop-0 announcement relayed")
	}

	// Hop 1 (TTL 4) from another sender: relayed with TTL 3.
	r.inject(broadcastFrame(t, codec.TypeAnnounce, 4, 0x0011, 0x2222, "zoe|2B3C"))
	adv, ok := waitAdvert(t, r, time.Second)
	if !ok {
		t.Fatal("hop-1 announcement not relayed")
	}
	if adv.Type != codec.TypeAnnounce || adv.TTL != 3 {
		t.Errorf("relay %+v", adv)
	}

	// Hop 3 (TTL 2) from a third sender: beyond the announce hop limit.
	r.inject(broadcastFrame(t, codec.TypeAnnounce, 2, 0x0012, 0x3333, "kim|3C4D"))
	if _, ok := waitAdvert(t, r, 150*time.Millisecond); ok {
		t.Fatal("hop-3 announcement relayed")
	}
}

func TestAnnounceCooldown(t *testing.T) {
	e, r := testEngine(t)
	peers := e.PeerEvents.Subscribe()
	defer e.PeerEvents.Unsubscribe(peers)

	r.inject(broadcastFrame(t, codec.TypeAnnounce, 5, 0x0020, 0x1111, "ali|1A2B"))
	r.inject(broadcastFrame(t, codec.TypeAnnounce, 5, 0x0021, 0x1111, "ali|1A2B"))

	if _, ok := waitEvent(t, peers, time.Second); !ok {
		t.Fatal("first announcement not processed")
	}
	if _, ok := waitEvent(t, peers, 100*time.Millisecond); ok {
		t.Fatal("second announcement inside cooldown updated the peer table")
	}
	if got := e.Snapshot().CooldownDrops; got != 1 {
		t.Errorf("CooldownDrops = %d, want 1", got)
	}
}

func TestDirectedTargeting(t *testing.T) {
	e, r := testEngine(t)
	directed := e.Directed.Subscribe()
	defer e.Directed.Unsubscribe(directed)

	own := e.id.NodeHash

	// Addressed to us: delivered and relayed.
	r.inject(directedFrame(t, codec.TypeDirect, 5, 0x0030, 0x1234, own, "hello"))
	msg, ok := waitEvent(t, directed, time.Second)
	if !ok {
		t.Fatal("directed message not delivered")
	}
	if msg.Content != "hello" || msg.SenderHash != 0x1234 {
		t.Errorf("directed %+v", msg)
	}
	adv, ok := waitAdvert(t, r, time.Second)
	if !ok {
		t.Fatal("directed frame addressed to us not relayed")
	}
	if adv.TTL != 4 {
		t.Errorf("relay TTL = %d, want 4", adv.TTL)
	}

	// Addressed elsewhere: not delivered, still relayed.
	r.inject(directedFrame(t, codec.TypeDirect, 5, 0x0031, 0x1234, own+1, "not for us"))
	if _, ok := waitEvent(t, directed, 100*time.Millisecond); ok {
		t.Fatal("foreign directed frame delivered locally")
	}
	if _, ok := waitAdvert(t, r, time.Second); !ok {
		t.Fatal("foreign directed frame not relayed")
	}
}

func TestTTLOneNotRelayed(t *testing.T) {
	e, r := testEngine(t)
	msgs := e.Messages.Subscribe()
	defer e.Messages.Unsubscribe(msgs)

	r.inject(broadcastFrame(t, codec.TypeMessage, 1, 0x0040, 0x1234, "edge"))

	if _, ok := waitEvent(t, msgs, time.Second); !ok {
		t.Fatal("TTL=1 frame not delivered")
	}
	// Post-decrement TTL would be 0; never enqueued.
	if _, ok := waitAdvert(t, r, 150*time.Millisecond); ok {
		t.Fatal("TTL=1 frame relayed")
	}
}

func TestFriendRequestMutualAddCancelsRetries(t *testing.T) {
	r := newFakeRadio()
	cfg := fastConfig()
	// Slow ticker so the cancel is observable before the retries drain on
	// their own.
	cfg.FriendRetryTick = 30 * time.Second
	e := New(Options{Config: cfg, Identity: identity.NewStatic("bbbbbbbb", "bob"), Radio: r})
	e.Start(context.Background())
	t.Cleanup(e.Stop)

	reqs := e.FriendRequests.Subscribe()
	defer e.FriendRequests.Unsubscribe(reqs)

	peerID := "aaaaaaaa"
	peerHash := codec.Hash16(peerID)
	peerCode := codec.FriendCode(peerHash)

	if err := e.RequestFriend(peerCode); err != nil {
		t.Fatalf("RequestFriend() error = %v", err)
	}

	adv, ok := waitAdvert(t, r, time.Second)
	if !ok {
		t.Fatal("no immediate friend request transmitted")
	}
	if adv.Type != codec.TypeFriendRequest || adv.TargetHash != peerHash {
		t.Errorf("friend request frame %+v", adv)
	}
	if pending := e.PendingFriendRequests(); pending[peerCode] == 0 {
		t.Errorf("pending retries = %v, want an entry for %s", pending, peerCode)
	}

	// The peer asks us back: mutual add cancels the outbound retries.
	r.inject(directedFrame(t, codec.TypeFriendRequest, 5, 0x0050, peerHash, e.id.NodeHash,
		"ann|"+peerCode))

	req, ok := waitEvent(t, reqs, time.Second)
	if !ok {
		t.Fatal("no friend request event")
	}
	if req.Nickname != "ann" || req.FriendCode != peerCode {
		t.Errorf("friend request event %+v", req)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(e.PendingFriendRequests()) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("pending retries not cancelled: %v", e.PendingFriendRequests())
}

func TestFriendRequestRetriesDrain(t *testing.T) {
	e, r := testEngine(t)

	if err := e.RequestFriend("1A2B"); err != nil {
		t.Fatalf("RequestFriend() error = %v", err)
	}

	// 1 immediate + 4 retries at the retry tick.
	sent := 0
	deadline := time.Now().Add(2 * time.Second)
	for sent < 5 && time.Now().Before(deadline) {
		if adv, ok := waitAdvert(t, r, 500*time.Millisecond); ok {
			if adv.Type != codec.TypeFriendRequest {
				t.Fatalf("unexpected frame type %v", adv.Type)
			}
			sent++
		}
	}
	if sent != 5 {
		t.Fatalf("transmitted %d friend requests, want 5", sent)
	}
	if _, ok := waitAdvert(t, r, 200*time.Millisecond); ok {
		t.Fatal("friend request transmitted beyond retry budget")
	}
	if pending := e.PendingFriendRequests(); len(pending) != 0 {
		t.Errorf("pending not drained: %v", pending)
	}
}

func TestDecodeErrorDiagnostic(t *testing.T) {
	e, r := testEngine(t)
	diags := e.Diagnostics.Subscribe()
	defer e.Diagnostics.Unsubscribe(diags)
	msgs := e.Messages.Subscribe()
	defer e.Messages.Unsubscribe(msgs)

	r.inject([]byte{0x04, 0x05})

	diag, ok := waitEvent(t, diags, time.Second)
	if !ok {
		t.Fatal("no diagnostic for undecodable payload")
	}
	if diag.DecodeError == "" {
		t.Error("diagnostic missing decode error")
	}
	if _, ok := waitEvent(t, msgs, 100*time.Millisecond); ok {
		t.Fatal("undecodable frame delivered")
	}
	if _, ok := waitAdvert(t, r, 100*time.Millisecond); ok {
		t.Fatal("undecodable frame relayed")
	}
}

func TestDedupCapacityBounded(t *testing.T) {
	r := newFakeRadio()
	cfg := fastConfig()
	cfg.DedupCapacity = 10
	e := New(Options{Config: cfg, Identity: identity.NewStatic("bbbbbbbb", "bob"), Radio: r})
	e.Start(context.Background())
	t.Cleanup(e.Stop)

	for i := 0; i < 25; i++ {
		r.inject(broadcastFrame(t, codec.TypeMessage, 1, uint16(0x1000+i), 0x1234, "x"))
	}
	// Wait until every frame has passed the pipeline.
	deadline := time.Now().Add(2 * time.Second)
	for e.Snapshot().Received < 25 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d of 25 frames processed", e.Snapshot().Received)
		}
		time.Sleep(5 * time.Millisecond)
	}

	e.mu.Lock()
	size := e.dedup.Len()
	e.mu.Unlock()
	if size > 10 {
		t.Errorf("dedup cache size = %d, exceeds cap 10", size)
	}
}

func TestMaintenancePrunesDirectNeighbors(t *testing.T) {
	e, _ := testEngine(t)

	now := time.Now()
	e.mu.Lock()
	e.directNeighbors[0x1111] = now.Add(-2 * models.OnlineWindow)
	e.directNeighbors[0x2222] = now
	e.mu.Unlock()

	e.runMaintenance(now)

	got := e.DirectNeighbors()
	if len(got) != 1 || got[0] != 0x2222 {
		t.Errorf("DirectNeighbors() = %v, want [0x2222]", got)
	}
}

func TestSendMessageTransmits(t *testing.T) {
	e, r := testEngine(t)

	msg, err := e.SendMessage(context.Background(), "out")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if msg.Content != "out" || msg.SenderHash != e.id.NodeHash {
		t.Errorf("returned message %+v", msg)
	}

	adv, ok := waitAdvert(t, r, time.Second)
	if !ok {
		t.Fatal("nothing advertised")
	}
	if adv.Type != codec.TypeMessage || adv.SenderHash != e.id.NodeHash || adv.TTL != codec.DefaultTTL {
		t.Errorf("advertised frame %+v", adv)
	}
	if adv.Text != "out" {
		t.Errorf("advertised text %q", adv.Text)
	}
}
