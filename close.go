package websocket

import (
	"context"
	"encoding/binary"
	"fmt"
	"slices"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/wmdanor/wsengine/frame"
)

type CloseCode uint16

// Close codes defined in RFC 6455, section 11.7.
const (
	CloseNormalClosure           CloseCode = 1000
	CloseGoingAway               CloseCode = 1001
	CloseProtocolError           CloseCode = 1002
	CloseUnsupportedData         CloseCode = 1003
	CloseNoStatusReceived        CloseCode = 1005
	CloseAbnormalClosure         CloseCode = 1006
	CloseInvalidFramePayloadData CloseCode = 1007
	ClosePolicyViolation         CloseCode = 1008
	CloseMessageTooBig           CloseCode = 1009
	CloseMandatoryExtension      CloseCode = 1010
	CloseInternalServerErr       CloseCode = 1011
	CloseServiceRestart          CloseCode = 1012
	CloseTryAgainLater           CloseCode = 1013
	CloseTLSHandshake            CloseCode = 1015
)

// maxCloseReason keeps the close payload within the 125 byte control limit.
const maxCloseReason = 123

var (
	// codes that may appear on the wire
	validCloseCodes []CloseCode = []CloseCode{
		CloseNormalClosure,
		CloseGoingAway,
		CloseProtocolError,
		CloseUnsupportedData,
		CloseInvalidFramePayloadData,
		ClosePolicyViolation,
		CloseMessageTooBig,
		CloseMandatoryExtension,
		CloseInternalServerErr,
		CloseServiceRestart,
		CloseTryAgainLater,
	}
)

var closeReasons = map[CloseCode]string{
	CloseGoingAway:               "going away",
	CloseProtocolError:           "protocol error",
	CloseUnsupportedData:         "unsupported data",
	CloseInvalidFramePayloadData: "invalid payload data",
	ClosePolicyViolation:         "policy violation",
	CloseMessageTooBig:           "message too big",
	CloseMandatoryExtension:      "mandatory extension",
	CloseInternalServerErr:       "internal error",
}

// Reason is the short text sent with a Close frame the connection fails
// with. Codes without a fixed text have none.
func (c CloseCode) Reason() string {
	return closeReasons[c]
}

func (c CloseCode) U() uint16 {
	return uint16(c)
}

func NewCloseCode(code uint16) (c CloseCode, ok bool) {
	c = CloseCode(code)
	ok = c.IsValid()
	return
}

func (c CloseCode) IsValid() bool {
	return slices.Contains(validCloseCodes, c) || (c >= 3000 && c <= 4999)
}

// CloseMessageData builds a Close frame payload. CloseNoStatusReceived
// yields an empty payload, as that code must not be sent.
func CloseMessageData(code CloseCode, message string) []byte {
	if code == CloseNoStatusReceived {
		return nil
	}

	message = truncateReason(message)
	b := make([]byte, 2+len(message))
	binary.BigEndian.PutUint16(b, code.U())
	copy(b[2:], message)

	return b
}

// parseCloseMessageData validates a received Close payload. On failure
// it returns the code the connection must be failed with.
func parseCloseMessageData(b []byte) (CloseCode, string, CloseCode, error) {
	switch {
	case len(b) == 0:
		return CloseNoStatusReceived, "", 0, nil
	case len(b) == 1:
		return 0, "", CloseProtocolError,
			fmt.Errorf("%w: close frame must either have 0 or 2+ payload length, but received 1", ErrProtocol)
	}

	code, ok := NewCloseCode(binary.BigEndian.Uint16(b))
	if !ok {
		return 0, "", CloseProtocolError, fmt.Errorf("%w: received invalid close code: %d", ErrProtocol, code)
	}
	if !utf8.Valid(b[2:]) {
		return 0, "", CloseInvalidFramePayloadData,
			fmt.Errorf("%w: close frame reason in data must be valid UTF-8 encoded string", ErrProtocol)
	}

	return code, string(b[2:]), 0, nil
}

func truncateReason(s string) string {
	if len(s) <= maxCloseReason {
		return s
	}
	s = s[:maxCloseReason]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// Close starts the closing handshake with CloseNormalClosure and waits for
// it to complete.
func (c *Conn) Close() error {
	return c.CloseContext(context.Background(), CloseNormalClosure, "")
}

// CloseContext sends a Close frame and moves the connection to Closing.
// If no reader is active it reads and discards frames until the peer's
// Close arrives or CloseTimeout passes. Otherwise the active reader
// receives the reply and the connection is force closed after
// CloseTimeout. Only the first call sends a frame.
func (c *Conn) CloseContext(ctx context.Context, code CloseCode, reason string) error {
	return c.close(ctx, code, reason)
}

// WriteClose sends a Close frame without waiting for the reply.
func (c *Conn) WriteClose(code CloseCode, reason string) error {
	if !c.sentConnClose.CompareAndSwap(false, true) {
		c.l.Debug("already wrote close message, skipping")
		return nil
	}
	c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))

	c.l.Debug("writing close message", zap.Uint16("code", code.U()), zap.String("reason", reason))
	return c.writeControl(context.Background(), frame.OpcodeClose, CloseMessageData(code, reason))
}

func (c *Conn) close(ctx context.Context, code CloseCode, reason string) error {
	if c.State() == StateClosed {
		return nil
	}

	if c.sentConnClose.CompareAndSwap(false, true) {
		c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
		c.state.CompareAndSwap(int32(StateConnecting), int32(StateClosing))

		c.l.Debug("writing close message", zap.Uint16("code", code.U()), zap.String("reason", reason))
		wctx, cancel := context.WithTimeout(ctx, c.cfg.CloseTimeout)
		err := c.writeControl(wctx, frame.OpcodeClose, CloseMessageData(code, reason))
		cancel()
		if err != nil {
			c.terminate(CloseAbnormalClosure, err)
			return fmt.Errorf("failed to write close message: [%w]", err)
		}
	} else if c.State() == StateClosing {
		// a previous call is already completing the handshake
		return nil
	}

	if c.recvConnClose.Load() {
		c.terminate(code, nil)
		return nil
	}

	if c.readMu.TryLock() {
		defer c.readMu.Unlock()
		return c.drainUntilClose(ctx, code)
	}

	c.mu.Lock()
	if c.closeTimer == nil {
		c.closeTimer = time.AfterFunc(c.cfg.CloseTimeout, func() {
			c.terminate(code, fmt.Errorf("%w: peer did not answer close within %s", ErrClosed, c.cfg.CloseTimeout))
		})
	}
	c.mu.Unlock()

	return nil
}

// drainUntilClose discards inbound frames until the peer's Close frame.
// The caller must hold readMu.
func (c *Conn) drainUntilClose(ctx context.Context, code CloseCode) error {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.CloseTimeout))
	defer c.terminate(code, nil)

	for {
		if err := c.discardFrame(); err != nil {
			return c.drainResult(err)
		}
		if _, err := c.awaitHeader(ctx); err != nil {
			return c.drainResult(err)
		}
	}
}

func (c *Conn) drainResult(err error) error {
	if IsCancelled(err) {
		return err
	}
	c.l.Debug("close handshake finished", zap.Error(err))
	return nil
}
