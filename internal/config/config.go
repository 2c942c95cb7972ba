// Package config loads rendez's ambient configuration: defaults
// overlaid by an optional YAML file, overlaid by RENDEZ_-prefixed
// environment variables. The UDP listen port itself is never part of
// this layering — it stays a required positional CLI argument.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/mitchellh/mapstructure"
)

const envPrefix = "RENDEZ_"

// Config is the full ambient configuration surface.
type Config struct {
	Listen       ListenConfig       `koanf:"listen"`
	Fingerprints FingerprintsConfig `koanf:"fingerprints"`
	Tick         TickConfig         `koanf:"tick"`
	Log          LogConfig          `koanf:"log"`
	Metrics      MetricsConfig      `koanf:"metrics"`
}

// ListenConfig holds the default port a config file may suggest;
// per §6 the actual bound port always comes from the CLI positional
// argument, so this field is informational only.
type ListenConfig struct {
	Port uint16 `koanf:"port"`
}

// FingerprintsConfig points at the allow-list file.
type FingerprintsConfig struct {
	Path string `koanf:"path"`
}

// TickConfig carries the housekeeping cadences.
type TickConfig struct {
	RateHz          int           `koanf:"rate_hz"`
	MaxSilence      time.Duration `koanf:"max_silence"`
	MaxPingPongRate time.Duration `koanf:"max_ping_pong_rate"`
}

// LogConfig selects slog output shape and verbosity.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// MetricsConfig controls the optional Prometheus HTTP endpoint.
// An empty Addr disables the metrics server.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// Interval returns the tick period implied by RateHz.
func (t TickConfig) Interval() time.Duration {
	if t.RateHz <= 0 {
		return time.Second / 20
	}
	return time.Second / time.Duration(t.RateHz)
}

// DefaultConfig returns the baseline configuration, matching the
// protocol's original hard-coded constants (20 Hz tick, 30s silence
// timeout, 5s ping cadence).
func DefaultConfig() Config {
	return Config{
		Listen:       ListenConfig{Port: 9999},
		Fingerprints: FingerprintsConfig{Path: "./hashes.txt"},
		Tick: TickConfig{
			RateHz:          20,
			MaxSilence:      30 * time.Second,
			MaxPingPongRate: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Addr: "",
		},
	}
}

// Load builds a Config from defaults, an optional YAML file at path
// (skipped entirely if path is empty or does not exist), and
// RENDEZ_-prefixed environment variables, in that overlay order.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaultsMap(), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return Config{}, fmt.Errorf("config: load env: %w", err)
	}

	var cfg Config
	unmarshalConf := koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           &cfg,
			WeaklyTypedInput: true,
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	}
	if err := k.UnmarshalWithConf("", &cfg, unmarshalConf); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// envKeyMapper turns RENDEZ_TICK_MAX_SILENCE into tick.max_silence,
// matching the koanf dot-delimited key path used throughout this struct.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	return strings.Replace(strings.ToLower(s), "_", ".", 1)
}

// defaultsMap mirrors DefaultConfig() as a flat key path map, the shape
// confmap.Provider needs to seed koanf before the file/env overlays.
func defaultsMap() map[string]interface{} {
	def := DefaultConfig()
	return map[string]interface{}{
		"listen.port":             def.Listen.Port,
		"fingerprints.path":       def.Fingerprints.Path,
		"tick.rate_hz":            def.Tick.RateHz,
		"tick.max_silence":        def.Tick.MaxSilence,
		"tick.max_ping_pong_rate": def.Tick.MaxPingPongRate,
		"log.level":               def.Log.Level,
		"log.format":              def.Log.Format,
		"metrics.addr":            def.Metrics.Addr,
	}
}
