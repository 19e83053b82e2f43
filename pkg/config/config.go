// Package config loads the node configuration from file, environment and
// defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/bramblemesh/bramble/pkg/engine"
)

// Configuration is the full node configuration tree.
type Configuration struct {
	ListenAddr string `mapstructure:"listen_addr"`
	Database   string `mapstructure:"database"`
	Nickname   string `mapstructure:"nickname"`

	Radio    RadioSettings    `mapstructure:"radio"`
	Mesh     engine.Config    `mapstructure:"mesh"`
	Location LocationSettings `mapstructure:"location"`
}

// RadioSettings selects and parameterizes the radio backing the node. The
// bench radio rides an MQTT topic; with an empty BrokerURL the node hosts
// an embedded broker on BrokerListen and every local node can join it.
type RadioSettings struct {
	BrokerURL    string `mapstructure:"broker_url"`
	BrokerListen string `mapstructure:"broker_listen"`
	AirTopic     string `mapstructure:"air_topic"`
}

// LocationSettings pins an optional static position used to annotate
// outbound messages.
type LocationSettings struct {
	Enabled bool    `mapstructure:"enabled"`
	Lat     float64 `mapstructure:"lat"`
	Lon     float64 `mapstructure:"lon"`
}

// Load reads bramble.yaml from the given directory (or the defaults when
// absent), with BRAMBLE_* environment overrides.
func Load(dir string) (Configuration, error) {
	v := viper.New()
	v.SetConfigName("bramble")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.SetEnvPrefix("BRAMBLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", "127.0.0.1:8884")
	v.SetDefault("database", filepath.Join(dir, "bramble.db"))
	v.SetDefault("nickname", "")
	v.SetDefault("radio.broker_url", "")
	v.SetDefault("radio.broker_listen", "127.0.0.1:1888")
	v.SetDefault("radio.air_topic", "bramble/air")
	v.SetDefault("location.enabled", false)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Configuration{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Configuration
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return Configuration{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// DefaultDir is the node's data directory, created on demand.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".bramble")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}
