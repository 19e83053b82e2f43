package radio

import (
	"fmt"
	"log/slog"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
)

// Broker is an embedded MQTT broker hosting the bench air, for running a
// node (or a cluster of dev nodes) without any external infrastructure.
type Broker struct {
	server *mqtt.Server
	addr   string
}

// NewBroker creates an embedded broker listening on addr. The air is open:
// bench nodes carry no credentials, matching a radio medium.
func NewBroker(addr string) (*Broker, error) {
	server := mqtt.New(&mqtt.Options{InlineClient: false})
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, fmt.Errorf("add broker auth hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "bench-air", Address: addr})
	if err := server.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("add broker listener: %w", err)
	}

	return &Broker{server: server, addr: addr}, nil
}

// Serve runs the broker until Close.
func (b *Broker) Serve() error {
	slog.Info("embedded bench broker listening", "addr", b.addr)
	return b.server.Serve()
}

// Close shuts the broker down.
func (b *Broker) Close() error {
	return b.server.Close()
}
