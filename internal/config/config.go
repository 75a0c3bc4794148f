package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/msgwire/internal/protocol/session"
)

type Network string

const (
	NetworkTCP       Network = "tcp"
	NetworkWebSocket Network = "websocket"
)

// Config is the msgwirectl runtime configuration.
type Config struct {
	Network Network
	// Address is host:port to listen on (serve) or dial (send).
	Address string
	// Path is the WebSocket endpoint path.
	Path string
	// OriginPatterns lists the extra browser origins (host patterns such as
	// "*.example.com") allowed to open the WebSocket endpoint. Same-host
	// and non-browser clients are always accepted.
	OriginPatterns []string
	// MetricsAddr enables the /health and /metrics listener when set.
	MetricsAddr string
	Session     session.Config
}

func Default() Config {
	sess := session.DefaultConfig()
	sess.Name = "msgwirectl"
	return Config{
		Network: NetworkTCP,
		Address: "127.0.0.1:7400",
		Path:    "/ws",
		Session: sess,
	}
}

// config.toml key mapping to runtime settings.
type fileConfig struct {
	Network          string      `toml:"network"`
	Address          string      `toml:"address"`
	Path             string      `toml:"path"`
	OriginPatterns   []string    `toml:"origin_patterns"`
	MetricsAddr      string      `toml:"metrics_addr"`
	Name             string      `toml:"name"`
	MaxQueue         int         `toml:"max_queue"`
	MaxRestarts      int         `toml:"max_restarts"`
	MaxTypeNameBytes uint32      `toml:"max_type_name_bytes"`
	MaxPayloadBytes  uint32      `toml:"max_payload_bytes"`
	Backoff          backoffFile `toml:"backoff"`
}

type backoffFile struct {
	Initial    string  `toml:"initial"`
	Multiplier float64 `toml:"multiplier"`
	Max        string  `toml:"max"`
	Jitter     bool    `toml:"jitter"`
}

// LoadFile overlays the keys defined in path onto Default.
func LoadFile(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return overlay(raw, meta)
}

// Parse is LoadFile for in-memory TOML.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return overlay(raw, meta)
}

func overlay(raw fileConfig, meta toml.MetaData) (Config, error) {
	cfg := Default()

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	if meta.IsDefined("network") {
		cfg.Network = Network(strings.ToLower(strings.TrimSpace(raw.Network)))
	}
	if meta.IsDefined("address") {
		cfg.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("path") {
		cfg.Path = strings.TrimSpace(raw.Path)
	}
	if meta.IsDefined("origin_patterns") {
		cfg.OriginPatterns = trimAll(raw.OriginPatterns)
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("name") {
		cfg.Session.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("max_queue") {
		cfg.Session.MaxQueue = raw.MaxQueue
	}
	if meta.IsDefined("max_restarts") {
		cfg.Session.MaxRestarts = raw.MaxRestarts
	}
	if meta.IsDefined("max_type_name_bytes") {
		cfg.Session.Limits.MaxTypeNameBytes = raw.MaxTypeNameBytes
	}
	if meta.IsDefined("max_payload_bytes") {
		cfg.Session.Limits.MaxPayloadBytes = raw.MaxPayloadBytes
	}

	if meta.IsDefined("backoff", "initial") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Backoff.Initial))
		if err != nil {
			return Config{}, fmt.Errorf("parse backoff.initial: %w", err)
		}
		cfg.Session.Backoff.InitialDelay = d
	}
	if meta.IsDefined("backoff", "multiplier") {
		cfg.Session.Backoff.Multiplier = raw.Backoff.Multiplier
	}
	if meta.IsDefined("backoff", "max") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Backoff.Max))
		if err != nil {
			return Config{}, fmt.Errorf("parse backoff.max: %w", err)
		}
		cfg.Session.Backoff.MaxDelay = d
	}
	if meta.IsDefined("backoff", "jitter") {
		cfg.Session.Backoff.Jitter = raw.Backoff.Jitter
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Network {
	case NetworkTCP, NetworkWebSocket:
	default:
		return fmt.Errorf("config network must be %q or %q, got %q", NetworkTCP, NetworkWebSocket, c.Network)
	}
	if strings.TrimSpace(c.Address) == "" {
		return fmt.Errorf("config missing address")
	}
	if c.Network == NetworkWebSocket && !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("config websocket path must start with /: %q", c.Path)
	}
	for _, pattern := range c.OriginPatterns {
		if _, err := filepath.Match(pattern, ""); err != nil || pattern == "" {
			return fmt.Errorf("config origin pattern %q is invalid", pattern)
		}
	}
	if c.Session.MaxQueue < 0 {
		return fmt.Errorf("config max_queue must be >= 0")
	}
	if c.Session.MaxRestarts < 0 {
		return fmt.Errorf("config max_restarts must be >= 0")
	}
	if c.Session.Backoff.InitialDelay < 0 || c.Session.Backoff.MaxDelay < 0 {
		return fmt.Errorf("config backoff delays must be >= 0")
	}
	return nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, strings.TrimSpace(v))
	}
	return out
}

// URL is the WebSocket URL clients dial.
func (c Config) URL() string {
	return "ws://" + c.Address + c.Path
}
