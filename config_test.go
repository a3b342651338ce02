package websocket

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

func TestDefaultConfigYAML(t *testing.T) {
	cfg, err := ParseConfig([]byte(DefaultConfigYAML))
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}

	expected := DefaultConfig()
	if cfg.PingMode != expected.PingMode ||
		cfg.PingTimeout != expected.PingTimeout ||
		cfg.CloseTimeout != expected.CloseTimeout ||
		cfg.NegotiationTimeout != expected.NegotiationTimeout ||
		cfg.NegotiationQueueCapacity != expected.NegotiationQueueCapacity ||
		cfg.NegotiationParallelism != expected.NegotiationParallelism ||
		cfg.MaxMessageSize != expected.MaxMessageSize ||
		cfg.CompressionLevel != expected.CompressionLevel {
		t.Errorf("ParseConfig(DefaultConfigYAML) = %+v, ERROR expected %+v", cfg, expected)
	}
	if cfg.Logger == nil || cfg.BufferPool == nil {
		t.Errorf("ParseConfig() left Logger or BufferPool unset")
	}
}

func TestParseConfig(t *testing.T) {
	data := `
ping_mode: latency_control
ping_timeout: 30s
negotiation_queue_capacity: 16
subprotocols: [chat, superchat]
compression: true
`
	cfg, err := ParseConfig([]byte(data))
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}

	if cfg.PingMode != PingModeLatencyControl {
		t.Errorf("PingMode = %s, ERROR expected %s", cfg.PingMode, PingModeLatencyControl)
	}
	if cfg.PingTimeout != 30*time.Second {
		t.Errorf("PingTimeout = %s, ERROR expected 30s", cfg.PingTimeout)
	}
	if cfg.CloseTimeout != defaultCloseTimeout {
		t.Errorf("CloseTimeout = %s, ERROR expected the default %s", cfg.CloseTimeout, defaultCloseTimeout)
	}
	if cfg.NegotiationQueueCapacity != 16 {
		t.Errorf("NegotiationQueueCapacity = %d, ERROR expected 16", cfg.NegotiationQueueCapacity)
	}
	if strings.Join(cfg.Subprotocols, ",") != "chat,superchat" {
		t.Errorf("Subprotocols = %q", cfg.Subprotocols)
	}

	exts := cfg.extensions()
	if len(exts) != 1 || exts[0].Name() != deflateExtensionName {
		t.Errorf("extensions() = %v, ERROR expected permessage-deflate", exts)
	}
}

func TestParseConfigInvalid(t *testing.T) {
	data := `
ping_timeout: -1s
close_timeout: -1s
max_message_size: -1
compression_level: 12
`
	_, err := ParseConfig([]byte(data))
	if err == nil {
		t.Fatalf("ParseConfig() error = nil, ERROR expected validation errors")
	}
	if errs := multierr.Errors(err); len(errs) != 4 {
		t.Errorf("ParseConfig() errors = %d (%v), ERROR expected 4", len(errs), err)
	}

	if _, err := ParseConfig([]byte("ping_mode: sometimes")); err == nil {
		t.Errorf("ParseConfig() with unknown ping mode error = nil")
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ws.yaml")
	if err := os.WriteFile(path, []byte("max_message_size: 1024\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.MaxMessageSize != 1024 {
		t.Errorf("MaxMessageSize = %d, ERROR expected 1024", cfg.MaxMessageSize)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Errorf("LoadConfig() of a missing file error = nil")
	}
}

func TestPingModeMarshalYAML(t *testing.T) {
	out, err := yaml.Marshal(struct {
		Mode PingMode `yaml:"mode"`
	}{PingModeLatencyControl})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(out) != "mode: latency_control\n" {
		t.Errorf("Marshal() = %q", out)
	}
}

func TestWithDefaults(t *testing.T) {
	cfg := Config{SendBufferSize: 10}.withDefaults()

	if cfg.SendBufferSize != minBufferSize || cfg.ReceiveBufferSize != minBufferSize {
		t.Errorf("buffer sizes = %d, %d, ERROR expected %d", cfg.SendBufferSize, cfg.ReceiveBufferSize, minBufferSize)
	}
	if cfg.NegotiationParallelism <= 0 || cfg.NegotiationQueueCapacity != defaultQueueCapacity {
		t.Errorf("negotiation = %d, %d", cfg.NegotiationParallelism, cfg.NegotiationQueueCapacity)
	}
	if cfg.PingTimeout != 0 {
		t.Errorf("PingTimeout = %s, ERROR expected probing to stay off", cfg.PingTimeout)
	}

	if cfg := (Config{MaxMessageSize: -1}).withDefaults(); cfg.MaxMessageSize != defaultMaxMessageSize {
		t.Errorf("MaxMessageSize = %d, ERROR expected %d", cfg.MaxMessageSize, defaultMaxMessageSize)
	}
}
