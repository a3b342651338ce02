package websocket

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/wmdanor/wsengine/frame"
)

type PingMode uint8

const (
	// PingModeBandwidthSaving pings only connections that went quiet.
	PingModeBandwidthSaving PingMode = iota
	// PingModeLatencyControl pings on every tick with a timestamp and
	// keeps a latency estimate from the echoed pongs.
	PingModeLatencyControl
)

const minPingInterval = 500 * time.Millisecond

func (m PingMode) String() string {
	switch m {
	case PingModeBandwidthSaving:
		return "bandwidth_saving"
	case PingModeLatencyControl:
		return "latency_control"
	default:
		return fmt.Sprintf("PingMode(%d)", uint8(m))
	}
}

func ParsePingMode(s string) (PingMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "bandwidth_saving", "bandwidth-saving":
		return PingModeBandwidthSaving, nil
	case "latency_control", "latency-control":
		return PingModeLatencyControl, nil
	default:
		return 0, fmt.Errorf("unknown ping mode %q", s)
	}
}

func (m *PingMode) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}

	parsed, err := ParsePingMode(s)
	if err != nil {
		return err
	}
	*m = parsed

	return nil
}

func (m PingMode) MarshalYAML() (any, error) {
	return m.String(), nil
}

// PingStrategy selects the liveness policy of a connection. A zero
// Timeout disables probing.
type PingStrategy struct {
	Mode    PingMode
	Timeout time.Duration
}

// Interval is how often the strategy wakes up.
func (s PingStrategy) Interval() time.Duration {
	switch s.Mode {
	case PingModeLatencyControl:
		return max(minPingInterval, s.Timeout/2)
	default:
		return max(minPingInterval, s.Timeout/3)
	}
}

type pinger struct {
	c *Conn
	s PingStrategy
	l *zap.Logger
}

func newPinger(c *Conn, s PingStrategy) *pinger {
	return &pinger{
		c: c,
		s: s,
		l: c.l.With(zap.Stringer("pingMode", s.Mode)),
	}
}

// run probes the connection until it stops being connected. Failures
// close the connection with CloseProtocolError and are only logged.
func (p *pinger) run() {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: ping loop panicked: %v", ErrProtocol, r)
			p.l.Error("ping loop failed", zap.Error(err))
			_ = p.c.fatal(CloseProtocolError, err)
		}
	}()

	ticker := time.NewTicker(p.s.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-p.c.done:
			return
		case now := <-ticker.C:
			if !p.c.IsConnected() {
				return
			}

			stop, err := p.tick(now)
			if err != nil && p.c.State() == StateClosed {
				return
			}
			if err != nil {
				p.l.Error("ping loop failed", zap.Error(err))
				_ = p.c.fatal(CloseProtocolError, err)
				return
			}
			if stop {
				return
			}
		}
	}
}

func (p *pinger) tick(now time.Time) (bool, error) {
	idle := now.Sub(p.c.lastActive())

	if idle > p.s.Timeout {
		p.l.Debug("connection idle for too long, closing", zap.Duration("idle", idle))
		if err := p.c.close(context.Background(), CloseGoingAway, "idle timeout"); err != nil {
			p.l.Debug("failed to close idle connection", zap.Error(err))
		}
		return true, nil
	}

	var payload []byte
	switch p.s.Mode {
	case PingModeBandwidthSaving:
		if idle < p.s.Timeout/2 {
			return false, nil
		}
	case PingModeLatencyControl:
		payload = binary.BigEndian.AppendUint64(nil, uint64(now.UnixNano()))
	}

	if p.c.sentConnClose.Load() {
		return true, nil
	}
	if err := p.c.writeControl(context.Background(), frame.OpcodePing, payload); err != nil {
		return false, fmt.Errorf("failed to write ping: [%w]", err)
	}

	return false, nil
}

// notifyPong feeds a received Pong to the latency estimate.
func (p *pinger) notifyPong(payload []byte) {
	if p == nil || p.s.Mode != PingModeLatencyControl || len(payload) != 8 {
		return
	}

	sent := time.Unix(0, int64(binary.BigEndian.Uint64(payload)))
	rtt := time.Since(sent)
	if rtt < 0 {
		return
	}

	p.c.latency.Store(int64(rtt / 2))
	p.c.metrics.latency(rtt / 2)
}
