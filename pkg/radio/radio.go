// Package radio defines the BLE radio collaborator contract the mesh
// engine drives, plus an MQTT-backed bench implementation that forms a
// virtual air between co-located development nodes.
package radio

import (
	"context"
	"time"
)

// ScanMode selects the scan duty cycle. The engine runs low-latency scans
// so relays propagate quickly.
type ScanMode int

const (
	ScanModeLowPower ScanMode = iota
	ScanModeBalanced
	ScanModeLowLatency
)

// ScanResult is one observed advertisement: manufacturer-specific data
// keyed by company id, the received signal strength and the advertiser's
// address.
type ScanResult struct {
	ManufacturerData map[uint16][]byte
	RSSI             int
	Address          string
}

// Radio is the scan/advertise contract the engine consumes. The peripheral
// advertiser is a single-slot resource: callers serialize StartAdvertising
// and StopAdvertising (the engine's advertising mutex does this).
//
// Results delivers scan results while a scan window is open. Scanning
// reports window transitions; the engine restarts scanning whenever it
// observes false.
type Radio interface {
	StartScan(ctx context.Context, window time.Duration, mode ScanMode) error
	StopScan() error
	Results() <-chan ScanResult
	Scanning() <-chan bool

	StartAdvertising(manufacturerID uint16, data []byte) error
	StopAdvertising() error

	Close() error
}
