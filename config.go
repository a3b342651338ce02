package websocket

import (
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/klauspost/compress/flate"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const DefaultConfigYAML = `# wsengine configuration

# Liveness probing: bandwidth_saving or latency_control.
ping_mode: bandwidth_saving
# Idle time after which a connection is closed with 1001 Going Away. 0 disables probing.
ping_timeout: 10s
# How long to wait for the peer's Close frame after sending ours.
close_timeout: 15s

# Opening handshake admission control.
negotiation_timeout: 5s
negotiation_queue_capacity: 256
# 0 means twice the number of CPUs.
negotiation_parallelism: 0

send_buffer_size: 4096
receive_buffer_size: 4096
max_message_size: 33554432

# Accepted Sec-WebSocket-Protocol values, first client match wins.
subprotocols: []

# Register permessage-deflate.
compression: false
compression_level: 1
`

const (
	// min size to be able to store control messages data
	minBufferSize = 4096

	defaultPingTimeout        = 10 * time.Second
	defaultCloseTimeout       = 15 * time.Second
	defaultNegotiationTimeout = 5 * time.Second
	defaultQueueCapacity      = 256
	defaultMaxMessageSize     = 32 << 20
)

type Config struct {
	PingMode    PingMode      `yaml:"ping_mode"`
	PingTimeout time.Duration `yaml:"ping_timeout"`

	CloseTimeout time.Duration `yaml:"close_timeout"`

	NegotiationTimeout       time.Duration `yaml:"negotiation_timeout"`
	NegotiationQueueCapacity int           `yaml:"negotiation_queue_capacity"`
	NegotiationParallelism   int           `yaml:"negotiation_parallelism"`

	SendBufferSize    int   `yaml:"send_buffer_size"`
	ReceiveBufferSize int   `yaml:"receive_buffer_size"`
	MaxMessageSize    int64 `yaml:"max_message_size"`

	Subprotocols []string `yaml:"subprotocols"`

	Compression      bool `yaml:"compression"`
	CompressionLevel int  `yaml:"compression_level"`

	Logger     *zap.Logger `yaml:"-"`
	BufferPool BufferPool  `yaml:"-"`
	Metrics    *Metrics    `yaml:"-"`

	// Extensions are negotiated in the order the client offers them.
	Extensions []Extension `yaml:"-"`
	// ConnExtensions wrap accepted sockets before the handshake, e.g. TLS.
	ConnExtensions []ConnExtension `yaml:"-"`

	CheckOrigin func(r *http.Request) bool `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		PingMode:                 PingModeBandwidthSaving,
		PingTimeout:              defaultPingTimeout,
		CloseTimeout:             defaultCloseTimeout,
		NegotiationTimeout:       defaultNegotiationTimeout,
		NegotiationQueueCapacity: defaultQueueCapacity,
		NegotiationParallelism:   2 * runtime.NumCPU(),
		SendBufferSize:           minBufferSize,
		ReceiveBufferSize:        minBufferSize,
		MaxMessageSize:           defaultMaxMessageSize,
		CompressionLevel:         flate.BestSpeed,
	}
}

// ParseConfig reads YAML on top of DefaultConfig.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: [%w]", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg.withDefaults(), nil
}

func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %q: [%w]", path, err)
	}
	return ParseConfig(data)
}

func (c Config) Validate() error {
	var err error
	if c.PingTimeout < 0 {
		err = multierr.Append(err, fmt.Errorf("ping_timeout must not be negative, actual %s", c.PingTimeout))
	}
	if c.CloseTimeout < 0 {
		err = multierr.Append(err, fmt.Errorf("close_timeout must not be negative, actual %s", c.CloseTimeout))
	}
	if c.NegotiationTimeout < 0 {
		err = multierr.Append(err, fmt.Errorf("negotiation_timeout must not be negative, actual %s", c.NegotiationTimeout))
	}
	if c.NegotiationQueueCapacity < 0 {
		err = multierr.Append(err, fmt.Errorf("negotiation_queue_capacity must not be negative, actual %d", c.NegotiationQueueCapacity))
	}
	if c.NegotiationParallelism < 0 {
		err = multierr.Append(err, fmt.Errorf("negotiation_parallelism must not be negative, actual %d", c.NegotiationParallelism))
	}
	if c.MaxMessageSize < 0 {
		err = multierr.Append(err, fmt.Errorf("max_message_size must not be negative, actual %d", c.MaxMessageSize))
	}
	if c.SendBufferSize < 0 || c.ReceiveBufferSize < 0 {
		err = multierr.Append(err, fmt.Errorf("buffer sizes must not be negative"))
	}
	if c.CompressionLevel < flate.HuffmanOnly || c.CompressionLevel > flate.BestCompression {
		err = multierr.Append(err, fmt.Errorf("compression_level must be between %d and %d, actual %d",
			flate.HuffmanOnly, flate.BestCompression, c.CompressionLevel))
	}
	return err
}

// withDefaults fills zero values so that a partially filled Config is usable.
func (c Config) withDefaults() Config {
	if c.CloseTimeout == 0 {
		c.CloseTimeout = defaultCloseTimeout
	}
	if c.NegotiationTimeout == 0 {
		c.NegotiationTimeout = defaultNegotiationTimeout
	}
	if c.NegotiationQueueCapacity == 0 {
		c.NegotiationQueueCapacity = defaultQueueCapacity
	}
	if c.NegotiationParallelism == 0 {
		c.NegotiationParallelism = 2 * runtime.NumCPU()
	}
	if c.SendBufferSize < minBufferSize {
		c.SendBufferSize = minBufferSize
	}
	if c.ReceiveBufferSize < minBufferSize {
		c.ReceiveBufferSize = minBufferSize
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.Logger == nil {
		c.Logger = newLogger()
	}
	if c.BufferPool == nil {
		c.BufferPool = defaultBufferPool
	}
	return c
}

// extensions lists the registered extensions, permessage-deflate first
// when compression is switched on.
func (c Config) extensions() []Extension {
	exts := make([]Extension, 0, len(c.Extensions)+1)
	if c.Compression {
		exts = append(exts, &PerMessageDeflate{Level: c.CompressionLevel})
	}
	return append(exts, c.Extensions...)
}

func (c Config) pingStrategy() PingStrategy {
	return PingStrategy{Mode: c.PingMode, Timeout: c.PingTimeout}
}
