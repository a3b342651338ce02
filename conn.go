package websocket

import (
	"bufio"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/bytebufferpool"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wmdanor/wsengine/frame"
)

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// aLongTimeAgo is a deadline in the past used to interrupt blocked I/O.
var aLongTimeAgo = time.Unix(1, 0)

type Conn struct {
	l *zap.Logger

	conn net.Conn
	r    *bufio.Reader

	isServer    bool
	subprotocol string
	extensions  []ExtensionContext
	allowedRSV  byte

	cfg     Config
	pool    BufferPool
	metrics *Metrics

	state atomic.Int32

	// readMu guards header and curReader.
	readMu sync.Mutex
	// header of the inbound data frame being consumed, nil while awaiting the next one
	header    *frame.Header
	curReader *messageReader

	// writeMu keeps whole frames contiguous on the wire.
	writeMu sync.Mutex
	// writerSlot admits one message writer at a time.
	writerSlot chan struct{}

	sentConnClose atomic.Bool
	recvConnClose atomic.Bool
	// set once a context interrupted blocked I/O
	interrupted atomic.Bool

	lastActivity atomic.Int64
	latency      atomic.Int64
	ping         *pinger

	handleClose func(code CloseCode, appData string) error
	handlePing  func(appData []byte) error
	handlePong  func(appData []byte) error

	mu         sync.Mutex
	err        error
	closeCode  CloseCode
	closeTimer *time.Timer
	closeOnce  sync.Once
	done       chan struct{}
}

// newConn wraps an established socket. reader may hold bytes already
// buffered during the handshake.
func newConn(netConn net.Conn, reader *bufio.Reader, isServer bool, cfg Config) *Conn {
	cfg = cfg.withDefaults()

	var src io.Reader = netConn
	if reader != nil {
		src = reader
	}

	conn := &Conn{
		conn:       netConn,
		r:          bufio.NewReaderSize(src, cfg.ReceiveBufferSize),
		isServer:   isServer,
		cfg:        cfg,
		pool:       cfg.BufferPool,
		metrics:    cfg.Metrics,
		writerSlot: make(chan struct{}, 1),
		done:       make(chan struct{}),
		l:          cfg.Logger.With(zap.Stringer("remote", remoteAddr(netConn)), zap.Bool("server", isServer)),
	}
	conn.state.Store(int32(StateConnecting))

	conn.SetCloseHandler(nil)
	conn.SetPingHandler(nil)
	conn.SetPongHandler(nil)

	return conn
}

func (c *Conn) setExtensions(exts []ExtensionContext) {
	c.extensions = exts

	var allowed ExtensionFlags
	for _, ext := range exts {
		allowed = allowed.union(ext.ReservedBits())
	}
	c.allowedRSV = allowed.bits()
}

// open moves the connection to Open and starts its liveness strategy.
func (c *Conn) open() {
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		return
	}
	c.touch()
	c.metrics.connOpened()
	c.l.Debug("websocket connection opened", zap.String("subprotocol", c.subprotocol), zap.Int("extensions", len(c.extensions)))

	if s := c.cfg.pingStrategy(); s.Timeout > 0 {
		c.ping = newPinger(c, s)
		go c.ping.run()
	}
}

func (c *Conn) State() State {
	return State(c.state.Load())
}

// IsConnected reports whether messages can still be exchanged.
func (c *Conn) IsConnected() bool {
	return c.State() == StateOpen
}

// Done is closed once the connection reaches StateClosed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection closed, nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) Subprotocol() string {
	return c.subprotocol
}

// Latency is the one-way estimate of the latency-control ping strategy.
// It stays zero with the bandwidth-saving strategy.
func (c *Conn) Latency() time.Duration {
	return time.Duration(c.latency.Load())
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Conn) lastActive() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Conn) closedErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return ErrClosed
}

// guard interrupts the blocking socket operation that follows when ctx
// ends. The returned func disarms it and reports whether ctx fired.
func (c *Conn) guard(ctx context.Context, setDeadline func(time.Time) error) func() bool {
	if ctx.Done() == nil {
		return func() bool { return false }
	}
	stop := context.AfterFunc(ctx, func() {
		c.interrupted.Store(true)
		_ = setDeadline(aLongTimeAgo)
	})
	return func() bool {
		return !stop()
	}
}

// cancelled ends the connection after an in-flight operation was
// abandoned, since the frame it was working on can't be resumed.
func (c *Conn) cancelled(ctx context.Context) error {
	err := cancelledError(ctx)
	c.l.Debug("operation cancelled, closing connection", zap.Error(err))
	c.terminate(CloseGoingAway, err)
	return err
}

// awaitHeader reads frames until a data frame header arrives and makes it
// the current header. Control frames met on the way are handled inline.
// The caller must hold readMu.
func (c *Conn) awaitHeader(ctx context.Context) (*frame.Header, error) {
	if c.State() == StateClosed {
		return nil, c.closedErr()
	}
	if err := ctx.Err(); err != nil {
		return nil, cancelledError(ctx)
	}

	done := c.guard(ctx, c.conn.SetReadDeadline)
	h, err := c.nextDataHeader(ctx)
	if done() {
		return nil, c.cancelled(ctx)
	}

	return h, err
}

func (c *Conn) nextDataHeader(ctx context.Context) (*frame.Header, error) {
	for {
		c.l.Debug("reading frame header")

		fixed, err := c.r.Peek(frame.MinHeaderLength)
		if err != nil {
			return nil, c.readFailure("failed to read first 2 essential bytes of the frame", err)
		}

		raw, err := c.r.Peek(frame.HeaderLength(fixed[0], fixed[1]))
		if err != nil {
			return nil, c.readFailure("failed to read frame header", err)
		}

		h, err := frame.ParseHeader(raw)
		if err != nil {
			return nil, c.fatal(CloseProtocolError, fmt.Errorf("failed to parse frame header: [%w]", err))
		}
		_, _ = c.r.Discard(h.HeaderLength)

		c.touch()
		c.metrics.frameRead(h.Flags.Opcode)
		c.l.Debug("read frame header", zap.Stringer("opcode", h.Flags.Opcode),
			zap.Bool("fin", h.Flags.FIN), zap.Int64("length", h.ContentLength))

		if err := c.checkHeader(h); err != nil {
			return nil, err
		}

		if h.Flags.Opcode.IsControl() {
			if err := c.handleControl(ctx, h); err != nil {
				return nil, err
			}
			continue
		}

		c.header = h
		return h, nil
	}
}

func (c *Conn) checkHeader(h *frame.Header) error {
	if c.isServer && !h.Flags.Mask {
		return c.fatal(CloseProtocolError, fmt.Errorf("%w: client frames must be masked", ErrProtocol))
	}
	if !c.isServer && h.Flags.Mask {
		return c.fatal(CloseProtocolError, fmt.Errorf("%w: received masked frame on the client", ErrProtocol))
	}

	op := h.Flags.Opcode
	if rsv := h.Flags.RSV(); rsv != 0 {
		firstDataFrame := op == frame.OpcodeText || op == frame.OpcodeBinary
		if !firstDataFrame || rsv&^c.allowedRSV != 0 {
			return c.fatal(CloseProtocolError,
				fmt.Errorf("%w: RSV bits %08b not claimed by a negotiated extension", ErrProtocol, rsv))
		}
	}

	if op.IsControl() && (h.ContentLength > frame.MaxControlPayload || !h.Flags.FIN) {
		return c.fatal(CloseProtocolError,
			fmt.Errorf("%w: all control frames must have a payload length of 125 bytes or less and must not be fragmented", ErrProtocol))
	}

	if op.IsData() && c.cfg.MaxMessageSize > 0 && h.ContentLength > c.cfg.MaxMessageSize {
		return c.fatal(CloseMessageTooBig,
			fmt.Errorf("%w: frame of %d bytes exceeds %d", ErrMessageTooLarge, h.ContentLength, c.cfg.MaxMessageSize))
	}

	return nil
}

func (c *Conn) handleControl(ctx context.Context, h *frame.Header) error {
	return withBuffer(c.pool, func(b *bytebufferpool.ByteBuffer) error {
		n := int(h.ContentLength)
		if cap(b.B) < n {
			b.B = make([]byte, n)
		}
		payload := b.B[:n]

		if _, err := io.ReadFull(c.r, payload); err != nil {
			return c.readFailure("failed to read control frame data", err)
		}
		h.Consume(payload)

		switch h.Flags.Opcode {
		case frame.OpcodeClose:
			return c.receivedClose(ctx, payload)
		case frame.OpcodePing:
			c.l.Debug("received frame is ping, handling specially")
			if err := c.handlePing(payload); err != nil {
				return fmt.Errorf("failed to handle ping frame: [%w]", err)
			}
		case frame.OpcodePong:
			c.l.Debug("received frame is pong, handling specially")
			c.ping.notifyPong(payload)
			if err := c.handlePong(payload); err != nil {
				return fmt.Errorf("failed to handle pong frame: [%w]", err)
			}
		}

		return nil
	})
}

func (c *Conn) receivedClose(ctx context.Context, payload []byte) error {
	c.l.Debug("received frame is close, handling specially")
	c.recvConnClose.Store(true)
	c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))

	code, reason, failCode, err := parseCloseMessageData(payload)
	if err != nil {
		return c.fatal(failCode, err)
	}

	closeErr := &CloseError{Code: code, Reason: reason}
	err = fmt.Errorf("%w: [%w]", ErrClosed, closeErr)

	herr := c.handleClose(code, reason)
	// the handler may have replied already
	if c.sentConnClose.CompareAndSwap(false, true) {
		herr = multierr.Append(herr, c.writeControl(ctx, frame.OpcodeClose, CloseMessageData(code, "")))
	}
	c.terminate(code, err)

	if herr != nil {
		c.l.Debug("failed to handle close frame", zap.Error(herr))
	}

	return err
}

// readInternal reads payload bytes of the current header into p and
// unmasks them. The caller must hold readMu.
func (c *Conn) readInternal(ctx context.Context, p []byte) (int, error) {
	h := c.header
	if h == nil || h.Exhausted() {
		c.header = nil
		return 0, nil
	}
	if int64(len(p)) > h.RemainingBytes {
		p = p[:h.RemainingBytes]
	}
	if len(p) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, cancelledError(ctx)
	}

	done := c.guard(ctx, c.conn.SetReadDeadline)
	n, err := c.r.Read(p)
	if n > 0 {
		h.Consume(p[:n])
		c.touch()
	}
	if h.Exhausted() {
		c.header = nil
	}

	if done() {
		return n, c.cancelled(ctx)
	}
	if err != nil {
		return n, c.readFailure("failed to read frame payload", err)
	}

	return n, nil
}

// discardFrame skips what is left of the current frame.
func (c *Conn) discardFrame() error {
	h := c.header
	c.header = nil
	if h == nil {
		return nil
	}

	for h.RemainingBytes > 0 {
		n, err := c.r.Discard(int(min(h.RemainingBytes, int64(c.cfg.ReceiveBufferSize))))
		h.RemainingBytes -= int64(n)
		if err != nil {
			return c.readFailure("failed to discard frame payload", err)
		}
	}

	return nil
}

// writeInternal sends one data frame. Once headerSent is true the frame
// continues the message and carries the Continuation opcode.
func (c *Conn) writeInternal(ctx context.Context, payload []byte, fin, headerSent bool, mt MessageType, flags ExtensionFlags) error {
	if c.sentConnClose.Load() {
		return fmt.Errorf("%w: close frame already sent", ErrClosed)
	}

	f := frame.Flags{
		FIN:    fin,
		Opcode: frame.Opcode(mt),
		RSV1:   flags.RSV1,
		RSV2:   flags.RSV2,
		RSV3:   flags.RSV3,
	}
	if headerSent {
		f = frame.Flags{FIN: fin, Opcode: frame.OpcodeContinuation}
	}

	if err := c.writeFrame(ctx, f, payload); err != nil {
		return err
	}
	c.touch()

	return nil
}

// writeControl sends a Close, Ping or Pong frame. It does not count as
// activity for the liveness strategy.
func (c *Conn) writeControl(ctx context.Context, op frame.Opcode, payload []byte) error {
	if len(payload) > frame.MaxControlPayload {
		return fmt.Errorf("control frame data must not exceed %d bytes, received: %d", frame.MaxControlPayload, len(payload))
	}
	if op != frame.OpcodeClose && c.sentConnClose.Load() {
		return fmt.Errorf("%w: close frame already sent", ErrClosed)
	}

	return c.writeFrame(ctx, frame.Flags{FIN: true, Opcode: op}, payload)
}

func (c *Conn) writeFrame(ctx context.Context, f frame.Flags, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.State() == StateClosed {
		return c.closedErr()
	}
	if err := ctx.Err(); err != nil {
		return cancelledError(ctx)
	}

	var key [4]byte
	if !c.isServer {
		f.Mask = true
		_, _ = rand.Read(key[:])
	}

	return withBuffer(c.pool, func(b *bytebufferpool.ByteBuffer) error {
		var err error
		b.B, err = frame.AppendHeader(b.B, int64(len(payload)), f, key)
		if err != nil {
			return fmt.Errorf("failed to encode frame header: [%w]", err)
		}
		start := len(b.B)
		b.B = append(b.B, payload...)
		if f.Mask {
			frame.Mask(b.B[start:], key, 0)
		}

		done := c.guard(ctx, c.conn.SetWriteDeadline)
		_, err = c.conn.Write(b.B)
		if done() {
			return c.cancelled(ctx)
		}
		if err != nil {
			err = transportError("failed to write frame", err)
			c.l.Debug("frame write failed, closing connection", zap.Error(err))
			c.terminate(CloseAbnormalClosure, err)
			return err
		}

		c.metrics.frameWritten(f.Opcode)
		return nil
	})
}

// readFailure classifies a failed socket read and ends the connection.
func (c *Conn) readFailure(op string, err error) error {
	if c.interrupted.Load() {
		// the guard turns this into a cancellation
		return err
	}

	switch {
	case c.State() == StateClosed:
		return c.closedErr()
	case errors.Is(err, io.EOF) && c.header == nil:
		err = fmt.Errorf("%w: [%w]", ErrClosed, io.ErrUnexpectedEOF)
	default:
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		err = transportError(op, err)
	}

	c.l.Debug("frame read failed, closing connection", zap.Error(err))
	c.terminate(CloseAbnormalClosure, err)
	return err
}

// fatal fails the connection: the peer is told why and the socket is closed
// without waiting for its reply.
func (c *Conn) fatal(code CloseCode, err error) error {
	c.l.Debug("connection fatal error, closing connection", zap.Error(err), zap.Uint16("code", code.U()))

	if c.sentConnClose.CompareAndSwap(false, true) {
		c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
		werr := c.writeControl(context.Background(), frame.OpcodeClose, CloseMessageData(code, code.Reason()))
		if werr != nil {
			c.l.Debug("failed to send close frame", zap.Error(werr))
		}
	}
	c.terminate(code, err)

	return err
}

// terminate moves to Closed and releases the socket. Only the first call
// has an effect.
func (c *Conn) terminate(code CloseCode, cause error) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))

		if cause == nil {
			cause = ErrClosed
		} else if !errors.Is(cause, ErrClosed) {
			cause = fmt.Errorf("%w: [%w]", ErrClosed, cause)
		}

		c.mu.Lock()
		c.err = cause
		c.closeCode = code
		if c.closeTimer != nil {
			c.closeTimer.Stop()
		}
		c.mu.Unlock()

		if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.l.Debug("failed to close socket", zap.Error(err))
		}
		close(c.done)

		c.metrics.connClosed(code)
		c.l.Debug("websocket connection closed", zap.Uint16("code", code.U()), zap.NamedError("cause", cause))
	})
}

func remoteAddr(c net.Conn) fmt.Stringer {
	if addr := c.RemoteAddr(); addr != nil {
		return addr
	}
	return unknownAddr{}
}

type unknownAddr struct{}

func (unknownAddr) String() string { return "unknown" }
