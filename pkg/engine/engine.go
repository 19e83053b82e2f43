// Package engine implements the opportunistic mesh protocol core: the
// scan→classify→dedup→dispatch→relay pipeline, the anti-collision
// advertiser, the announcer, directed-message targeting and the
// friend-request retry queue. Engine state lives behind one mutex and the
// advertiser's busy flag behind a second; the radio is driven through
// suspension points that hold neither.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/bramblemesh/bramble/pkg/identity"
	"github.com/bramblemesh/bramble/pkg/location"
	"github.com/bramblemesh/bramble/pkg/models"
	"github.com/bramblemesh/bramble/pkg/radio"
	"github.com/bramblemesh/bramble/pkg/store"
)

// Config carries the engine's timing and capacity knobs. Zero values are
// replaced by the defaults from DefaultConfig.
type Config struct {
	ScanWindow       time.Duration `mapstructure:"scan_window"`
	ScanRestartMin   time.Duration `mapstructure:"scan_restart_min"`
	ScanRestartMax   time.Duration `mapstructure:"scan_restart_max"`
	RelayTick        time.Duration `mapstructure:"relay_tick"`
	RelaySpacing     time.Duration `mapstructure:"relay_spacing"`
	RelayDelayMin    time.Duration `mapstructure:"relay_delay_min"`
	RelayDelayMax    time.Duration `mapstructure:"relay_delay_max"`
	PreJitterMax     time.Duration `mapstructure:"pre_jitter_max"`
	QuiesceDelay     time.Duration `mapstructure:"quiesce_delay"`
	BroadcastWindow  time.Duration `mapstructure:"broadcast_window"`
	AnnounceMin      time.Duration `mapstructure:"announce_min"`
	AnnounceMax      time.Duration `mapstructure:"announce_max"`
	AnnounceCooldown time.Duration `mapstructure:"announce_cooldown"`
	Maintenance      time.Duration `mapstructure:"maintenance_interval"`
	FriendRetryTick  time.Duration `mapstructure:"friend_retry_tick"`
	FriendRetries    int           `mapstructure:"friend_retries"`

	DedupTTL      time.Duration `mapstructure:"dedup_ttl"`
	DedupCapacity uint64        `mapstructure:"dedup_capacity"`
	RelayStampTTL time.Duration `mapstructure:"relay_stamp_ttl"`
	CooldownTTL   time.Duration `mapstructure:"cooldown_ttl"`
	MessageLogTTL time.Duration `mapstructure:"message_log_ttl"`
}

// DefaultConfig returns the protocol's nominal timing.
func DefaultConfig() Config {
	return Config{
		ScanWindow:       10 * time.Second,
		ScanRestartMin:   500 * time.Millisecond,
		ScanRestartMax:   1000 * time.Millisecond,
		RelayTick:        100 * time.Millisecond,
		RelaySpacing:     50 * time.Millisecond,
		RelayDelayMin:    50 * time.Millisecond,
		RelayDelayMax:    200 * time.Millisecond,
		PreJitterMax:     200 * time.Millisecond,
		QuiesceDelay:     150 * time.Millisecond,
		BroadcastWindow:  1500 * time.Millisecond,
		AnnounceMin:      4000 * time.Millisecond,
		AnnounceMax:      7000 * time.Millisecond,
		AnnounceCooldown: 3 * time.Second,
		Maintenance:      60 * time.Second,
		FriendRetryTick:  3 * time.Second,
		FriendRetries:    5,
		DedupTTL:         5 * time.Minute,
		DedupCapacity:    1000,
		RelayStampTTL:    5 * time.Minute,
		CooldownTTL:      2 * time.Minute,
		MessageLogTTL:    5 * time.Minute,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.ScanWindow <= 0 {
		c.ScanWindow = def.ScanWindow
	}
	if c.ScanRestartMin <= 0 {
		c.ScanRestartMin = def.ScanRestartMin
	}
	if c.ScanRestartMax <= c.ScanRestartMin {
		c.ScanRestartMax = c.ScanRestartMin + def.ScanRestartMax - def.ScanRestartMin
	}
	if c.RelayTick <= 0 {
		c.RelayTick = def.RelayTick
	}
	if c.RelaySpacing <= 0 {
		c.RelaySpacing = def.RelaySpacing
	}
	if c.RelayDelayMin <= 0 {
		c.RelayDelayMin = def.RelayDelayMin
	}
	if c.RelayDelayMax <= c.RelayDelayMin {
		c.RelayDelayMax = c.RelayDelayMin + def.RelayDelayMax - def.RelayDelayMin
	}
	if c.PreJitterMax <= 0 {
		c.PreJitterMax = def.PreJitterMax
	}
	if c.QuiesceDelay <= 0 {
		c.QuiesceDelay = def.QuiesceDelay
	}
	if c.BroadcastWindow <= 0 {
		c.BroadcastWindow = def.BroadcastWindow
	}
	if c.AnnounceMin <= 0 {
		c.AnnounceMin = def.AnnounceMin
	}
	if c.AnnounceMax <= c.AnnounceMin {
		c.AnnounceMax = c.AnnounceMin + def.AnnounceMax - def.AnnounceMin
	}
	if c.AnnounceCooldown <= 0 {
		c.AnnounceCooldown = def.AnnounceCooldown
	}
	if c.Maintenance <= 0 {
		c.Maintenance = def.Maintenance
	}
	if c.FriendRetryTick <= 0 {
		c.FriendRetryTick = def.FriendRetryTick
	}
	if c.FriendRetries <= 0 {
		c.FriendRetries = def.FriendRetries
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = def.DedupTTL
	}
	if c.DedupCapacity == 0 {
		c.DedupCapacity = def.DedupCapacity
	}
	if c.RelayStampTTL <= 0 {
		c.RelayStampTTL = def.RelayStampTTL
	}
	if c.CooldownTTL <= 0 {
		c.CooldownTTL = def.CooldownTTL
	}
	if c.MessageLogTTL <= 0 {
		c.MessageLogTTL = def.MessageLogTTL
	}
}

// dedupEntry tracks everything known about one message id: the freshest
// TTL seen, whether local delivery already happened, and the highest
// outgoing TTL already enqueued for relay.
type dedupEntry struct {
	firstSeen  time.Time
	bestTTL    uint8
	emitted    bool
	relayedTTL int
}

// Stats are engine counters, snapshot under the engine lock.
type Stats struct {
	Received      uint64 `json:"received"`
	DecodeErrors  uint64 `json:"decode_errors"`
	Duplicates    uint64 `json:"duplicates"`
	FromSelf      uint64 `json:"from_self"`
	Delivered     uint64 `json:"delivered"`
	Relayed       uint64 `json:"relayed"`
	CooldownDrops uint64 `json:"cooldown_drops"`
	Broadcasts    uint64 `json:"broadcasts"`
	BusyRefusals  uint64 `json:"busy_refusals"`
}

// Options wires an Engine's collaborators. Radio and Identity are
// required; Location and History are optional.
type Options struct {
	Config   Config
	Identity *identity.Identity
	Radio    radio.Radio
	Location *location.Resolver
	History  store.HistoryStore
}

// Engine is the mesh protocol core. Create with New, run with Start.
type Engine struct {
	cfg  Config
	id   *identity.Identity
	rdo  radio.Radio
	loc  *location.Resolver
	hist store.HistoryStore

	mu              sync.Mutex
	dedup           *ttlcache.Cache[string, *dedupEntry]
	relayStamps     *ttlcache.Cache[string, time.Time]
	annCooldown     *ttlcache.Cache[uint16, time.Time]
	peers           *ttlcache.Cache[uint16, *models.Peer]
	msgLog          *ttlcache.Cache[string, models.MeshMessage]
	directNeighbors map[uint16]time.Time
	pendingFriends  map[string]int
	relayQueue      [][]byte
	stats           Stats

	advMu       sync.Mutex
	advBusy     bool
	advertising bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Streams (§ observability): single producer, many subscribers.
	Messages       *Notifier[models.MeshMessage]
	Directed       *Notifier[models.MeshMessage]
	PeerEvents     *Notifier[models.PeerSeen]
	FriendCodes    *Notifier[models.FriendCodeDiscovery]
	FriendRequests *Notifier[models.FriendRequest]
	Diagnostics    *Notifier[models.PacketDiagnostic]
	Errors         *Notifier[string]
	StatusEvents   *Notifier[string]
}

// New assembles an engine. It does not touch the radio until Start.
func New(opts Options) *Engine {
	cfg := opts.Config
	cfg.applyDefaults()

	e := &Engine{
		cfg:  cfg,
		id:   opts.Identity,
		rdo:  opts.Radio,
		loc:  opts.Location,
		hist: opts.History,

		dedup: ttlcache.New[string, *dedupEntry](
			ttlcache.WithTTL[string, *dedupEntry](cfg.DedupTTL),
			ttlcache.WithCapacity[string, *dedupEntry](cfg.DedupCapacity),
		),
		relayStamps: ttlcache.New[string, time.Time](
			ttlcache.WithTTL[string, time.Time](cfg.RelayStampTTL),
		),
		annCooldown: ttlcache.New[uint16, time.Time](
			ttlcache.WithTTL[uint16, time.Time](cfg.CooldownTTL),
		),
		peers: ttlcache.New[uint16, *models.Peer](
			ttlcache.WithTTL[uint16, *models.Peer](models.OnlineWindow),
		),
		msgLog: ttlcache.New[string, models.MeshMessage](
			ttlcache.WithTTL[string, models.MeshMessage](cfg.MessageLogTTL),
		),
		directNeighbors: make(map[uint16]time.Time),
		pendingFriends:  make(map[string]int),

		Messages:       NewNotifier[models.MeshMessage](),
		Directed:       NewNotifier[models.MeshMessage](),
		PeerEvents:     NewNotifier[models.PeerSeen](),
		FriendCodes:    NewNotifier[models.FriendCodeDiscovery](),
		FriendRequests: NewNotifier[models.FriendRequest](),
		Diagnostics:    NewNotifier[models.PacketDiagnostic](),
		Errors:         NewNotifier[string](),
		StatusEvents:   NewNotifier[string](),
	}
	return e
}

// Start brings the engine up: scan loop, relay processor, announcer,
// friend-request retries and cache maintenance. It returns immediately;
// the engine runs until Stop or context cancellation.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)

	loops := []func(){
		e.resultLoop,
		e.scanLoop,
		e.relayLoop,
		e.announceLoop,
		e.friendRetryLoop,
		e.maintenanceLoop,
	}
	for _, loop := range loops {
		e.wg.Add(1)
		go func(run func()) {
			defer e.wg.Done()
			run()
		}(loop)
	}

	slog.Info("mesh engine started",
		"node_id", e.id.NodeID,
		"node_hash", fmt.Sprintf("%#04x", e.id.NodeHash),
		"friend_code", e.id.FriendCode)
	e.StatusEvents.Publish("engine started")
}

// Stop cancels every engine task and waits for them to drain.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	if err := e.rdo.StopAdvertising(); err != nil {
		slog.Debug("stop advertising on shutdown", "error", err)
	}
	if err := e.rdo.StopScan(); err != nil {
		slog.Debug("stop scan on shutdown", "error", err)
	}
	e.StatusEvents.Publish("engine stopped")
	slog.Info("mesh engine stopped")
}

// sleep waits for d or engine shutdown, whichever comes first. Reports
// false on shutdown. Works before Start so sends can be attempted while
// the engine is still being wired.
func (e *Engine) sleep(d time.Duration) bool {
	var done <-chan struct{}
	if e.ctx != nil {
		done = e.ctx.Done()
	}
	if d <= 0 {
		select {
		case <-done:
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return false
	case <-t.C:
		return true
	}
}

// emitError surfaces an engine failure on the error stream and the log.
func (e *Engine) emitError(msg string, err error) {
	slog.Error(msg, "error", err)
	e.Errors.Publish(fmt.Sprintf("%s: %v", msg, err))
}

// Snapshot returns a copy of the engine counters.
func (e *Engine) Snapshot() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// PeersSnapshot lists currently known (online) peers.
func (e *Engine) PeersSnapshot() []models.Peer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := []models.Peer{}
	e.peers.Range(func(item *ttlcache.Item[uint16, *models.Peer]) bool {
		out = append(out, *item.Value())
		return true
	})
	return out
}

// MessageLog lists the bounded in-memory message log, oldest first.
func (e *Engine) MessageLog() []models.MeshMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := []models.MeshMessage{}
	e.msgLog.Range(func(item *ttlcache.Item[string, models.MeshMessage]) bool {
		out = append(out, item.Value())
		return true
	})
	sortMessages(out)
	return out
}

// DirectNeighbors lists node hashes heard at hop 0 within the liveness
// window.
func (e *Engine) DirectNeighbors() []uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]uint16, 0, len(e.directNeighbors))
	cutoff := time.Now().Add(-models.OnlineWindow)
	for hash, seen := range e.directNeighbors {
		if seen.After(cutoff) {
			out = append(out, hash)
		}
	}
	return out
}

// PendingFriendRequests returns the outbound friend-request retry queue as
// target code → retries remaining.
func (e *Engine) PendingFriendRequests() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int, len(e.pendingFriends))
	for code, n := range e.pendingFriends {
		out[code] = n
	}
	return out
}

func sortMessages(msgs []models.MeshMessage) {
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}
