package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/msgwire/internal/protocol/session"
	"github.com/danmuck/msgwire/internal/testutil/testlog"
)

func TestParseEmptyKeepsDefaults(t *testing.T) {
	testlog.Start(t)
	cfg, err := Parse("")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	def := Default()
	if cfg.Network != def.Network || cfg.Address != def.Address || cfg.Path != def.Path {
		t.Fatalf("defaults changed: got=%+v want=%+v", cfg, def)
	}
	if cfg.Session != def.Session {
		t.Fatalf("session defaults changed: got=%+v want=%+v", cfg.Session, def.Session)
	}
}

func TestLoadFileOverrides(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
network = "websocket"
address = "0.0.0.0:9000"
path = "/chat"
metrics_addr = "127.0.0.1:9090"
name = "edge"
max_queue = 64
max_restarts = 0
max_payload_bytes = 4096

[backoff]
initial = "10ms"
max = "1s"
jitter = false
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Network != NetworkWebSocket {
		t.Fatalf("network got=%q want=%q", cfg.Network, NetworkWebSocket)
	}
	if cfg.URL() != "ws://0.0.0.0:9000/chat" {
		t.Fatalf("url got=%q", cfg.URL())
	}
	if cfg.MetricsAddr != "127.0.0.1:9090" {
		t.Fatalf("metrics addr got=%q", cfg.MetricsAddr)
	}
	if cfg.Session.Name != "edge" || cfg.Session.MaxQueue != 64 {
		t.Fatalf("session got=%+v", cfg.Session)
	}
	if cfg.Session.MaxRestarts != 0 {
		t.Fatalf("explicit zero max_restarts not applied: %d", cfg.Session.MaxRestarts)
	}
	if cfg.Session.Limits.MaxPayloadBytes != 4096 {
		t.Fatalf("payload limit got=%d want=4096", cfg.Session.Limits.MaxPayloadBytes)
	}
	if cfg.Session.Limits.MaxTypeNameBytes != session.DefaultConfig().Limits.MaxTypeNameBytes {
		t.Fatalf("undefined limit was overwritten: %d", cfg.Session.Limits.MaxTypeNameBytes)
	}

	want := session.BackoffConfig{
		InitialDelay: 10 * time.Millisecond,
		Multiplier:   session.DefaultConfig().Backoff.Multiplier,
		MaxDelay:     time.Second,
		Jitter:       false,
	}
	if cfg.Session.Backoff != want {
		t.Fatalf("backoff got=%+v want=%+v", cfg.Session.Backoff, want)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"network":  `network = "udp"`,
		"address":  `address = " "`,
		"path":     "network = \"websocket\"\npath = \"ws\"",
		"queue":    `max_queue = -1`,
		"duration": "[backoff]\ninitial = \"soon\"",
		"unknown":  `adress = "typo:1"`,
		"origin":   `origin_patterns = ["[bad"]`,
	}
	for name, data := range cases {
		if _, err := Parse(data); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestExampleConfigLoads(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join("..", "..", "cmd", "msgwirectl", "ex.config.toml")
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load example: %v", err)
	}
	if !strings.HasPrefix(cfg.Address, "127.0.0.1:") {
		t.Fatalf("example address got=%q", cfg.Address)
	}
}

func TestParseOriginPatterns(t *testing.T) {
	testlog.Start(t)
	cfg, err := Parse(`origin_patterns = [" app.example.com ", "*.example.org"]`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []string{"app.example.com", "*.example.org"}
	if len(cfg.OriginPatterns) != len(want) {
		t.Fatalf("origin patterns got=%q want=%q", cfg.OriginPatterns, want)
	}
	for i := range want {
		if cfg.OriginPatterns[i] != want[i] {
			t.Fatalf("origin patterns got=%q want=%q", cfg.OriginPatterns, want)
		}
	}
	if len(Default().OriginPatterns) != 0 {
		t.Fatalf("default must only accept same-host origins")
	}
}
