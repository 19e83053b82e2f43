package radio

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

const (
	// DefaultAirTopic is the topic root of the virtual air. Every bench
	// node publishes its advertisement under <root>/<address> and hears
	// everyone else's.
	DefaultAirTopic = "bramble/air"

	// advRepeatInterval approximates the BLE advertising interval: while
	// an advertisement is up it is re-published on this cadence so nodes
	// whose scan window opens later still hear it.
	advRepeatInterval = 250 * time.Millisecond

	connectTimeout = 10 * time.Second
)

// Bench is a Radio carried over an MQTT topic instead of a BLE peripheral.
// Payloads are the exact manufacturer-data bytes prefixed with the 2-byte
// company id, so the engine cannot tell bench from hardware.
type Bench struct {
	client    paho.Client
	topicRoot string
	address   string

	results  chan ScanResult
	scanning chan bool

	mu        sync.Mutex
	scanOpen  bool
	scanTimer *time.Timer
	advStop   chan struct{}
}

// NewBench connects to the broker and joins the virtual air.
func NewBench(brokerURL, topicRoot, address string) (*Bench, error) {
	if topicRoot == "" {
		topicRoot = DefaultAirTopic
	}
	b := &Bench{
		topicRoot: topicRoot,
		address:   address,
		results:   make(chan ScanResult, 64),
		scanning:  make(chan bool, 4),
	}

	opts := paho.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID("bramble-" + address).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true).
		SetOnConnectHandler(func(c paho.Client) {
			topic := topicRoot + "/#"
			if token := c.Subscribe(topic, 0, b.onAir); token.Wait() && token.Error() != nil {
				slog.Error("bench radio subscribe failed", "topic", topic, "error", token.Error())
			}
		})

	b.client = paho.NewClient(opts)
	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect bench broker: %w", token.Error())
	}

	slog.Info("bench radio on air", "broker", brokerURL, "topic", topicRoot, "address", address)
	return b, nil
}

// onAir receives another node's advertisement from the virtual air.
func (b *Bench) onAir(_ paho.Client, msg paho.Message) {
	suffix := strings.TrimPrefix(msg.Topic(), b.topicRoot+"/")
	if suffix == b.address {
		// A real scanner never hears its own peripheral.
		return
	}
	payload := msg.Payload()
	if len(payload) < 2 {
		return
	}

	b.mu.Lock()
	open := b.scanOpen
	b.mu.Unlock()
	if !open {
		return
	}

	mfrID := binary.BigEndian.Uint16(payload[:2])
	res := ScanResult{
		ManufacturerData: map[uint16][]byte{mfrID: append([]byte(nil), payload[2:]...)},
		RSSI:             -45 - rand.IntN(30),
		Address:          suffix,
	}
	select {
	case b.results <- res:
	default:
		// Scanner saturated; a lossy air drops the advertisement.
	}
}

func (b *Bench) StartScan(ctx context.Context, window time.Duration, mode ScanMode) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.scanOpen {
		return nil
	}
	b.scanOpen = true
	b.scanTimer = time.AfterFunc(window, func() { b.StopScan() })
	b.notifyScanning(true)
	return nil
}

func (b *Bench) StopScan() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.scanOpen {
		return nil
	}
	b.scanOpen = false
	if b.scanTimer != nil {
		b.scanTimer.Stop()
		b.scanTimer = nil
	}
	b.notifyScanning(false)
	return nil
}

// notifyScanning pushes a state transition without blocking. Callers hold
// b.mu.
func (b *Bench) notifyScanning(state bool) {
	select {
	case b.scanning <- state:
	default:
	}
}

func (b *Bench) Results() <-chan ScanResult { return b.results }
func (b *Bench) Scanning() <-chan bool      { return b.scanning }

func (b *Bench) StartAdvertising(manufacturerID uint16, data []byte) error {
	payload := make([]byte, 2+len(data))
	binary.BigEndian.PutUint16(payload[:2], manufacturerID)
	copy(payload[2:], data)

	b.mu.Lock()
	if b.advStop != nil {
		close(b.advStop)
	}
	stop := make(chan struct{})
	b.advStop = stop
	b.mu.Unlock()

	topic := b.topicRoot + "/" + b.address
	if token := b.client.Publish(topic, 0, false, payload); token.Wait() && token.Error() != nil {
		return fmt.Errorf("publish advertisement: %w", token.Error())
	}

	go func() {
		ticker := time.NewTicker(advRepeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				b.client.Publish(topic, 0, false, payload)
			}
		}
	}()
	return nil
}

func (b *Bench) StopAdvertising() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.advStop != nil {
		close(b.advStop)
		b.advStop = nil
	}
	return nil
}

// Close leaves the air and releases the MQTT session.
func (b *Bench) Close() error {
	b.StopAdvertising()
	b.StopScan()
	b.client.Disconnect(250)
	return nil
}
