package websocket

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/wmdanor/wsengine/frame"
)

var (
	errWriterClosed = errors.New("websocket: message writer already closed")

	utf8BOM = []byte{0xEF, 0xBB, 0xBF}
)

func (c *Conn) WriteMessage(messageType MessageType, data []byte) error {
	return c.WriteMessageContext(context.Background(), messageType, data)
}

// WriteMessageContext sends data as one message. Without negotiated
// extensions the message goes out as a single FIN frame.
func (c *Conn) WriteMessageContext(ctx context.Context, messageType MessageType, data []byte) error {
	if messageType != TextMessage && messageType != BinaryMessage {
		return fmt.Errorf("message type must be text or binary")
	}

	if len(c.extensions) == 0 {
		if err := c.acquireWriter(ctx); err != nil {
			return err
		}
		defer c.releaseWriter()

		if messageType == TextMessage {
			data = bytes.TrimPrefix(data, utf8BOM)
		}
		return c.writeInternal(ctx, data, true, false, messageType, ExtensionFlags{})
	}

	w, err := c.NextWriterContext(ctx, messageType)
	if err != nil {
		return err
	}

	if _, err = w.WriteContext(ctx, data); err != nil {
		return fmt.Errorf("failed to write data: [%w]", err)
	}

	return w.CloseContext(ctx)
}

// WriteControl sends a Ping or Pong frame, or a Close frame when
// messageType is CloseMessage.
func (c *Conn) WriteControl(messageType MessageType, data []byte) error {
	return c.WriteControlContext(context.Background(), messageType, data)
}

func (c *Conn) WriteControlContext(ctx context.Context, messageType MessageType, data []byte) error {
	op := frame.Opcode(messageType)
	if !op.IsControl() {
		return fmt.Errorf("message type must be close, ping or pong")
	}

	if op == frame.OpcodeClose {
		if !c.sentConnClose.CompareAndSwap(false, true) {
			c.l.Debug("already wrote close message, skipping")
			return nil
		}
		c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
	}

	c.l.Debug("writing control frame", zap.Stringer("messageType", messageType))
	if err := c.writeControl(ctx, op, data); err != nil {
		return fmt.Errorf("failed to write control frame: [%w]", err)
	}

	return nil
}

func (c *Conn) NextWriter(messageType MessageType) (MessageWriter, error) {
	return c.NextWriterContext(context.Background(), messageType)
}

// NextWriterContext waits until no other message writer is open and
// returns a writer for a new message. The writer must be closed to
// let the next one start.
func (c *Conn) NextWriterContext(ctx context.Context, messageType MessageType) (MessageWriter, error) {
	if messageType != TextMessage && messageType != BinaryMessage {
		return nil, fmt.Errorf("message type must be text or binary")
	}
	if c.sentConnClose.Load() || c.recvConnClose.Load() {
		return nil, fmt.Errorf("%w: connection close was initiated", ErrClosed)
	}

	if err := c.acquireWriter(ctx); err != nil {
		return nil, err
	}

	l := c.l.With(zap.Stringer("messageType", messageType))
	l.Debug("creating new writer")

	var w MessageWriter = &messageWriter{
		c:  c,
		mt: messageType,
		l:  l,
	}
	for i := len(c.extensions) - 1; i >= 0; i-- {
		w = c.extensions[i].WrapWriter(w)
	}
	if messageType == TextMessage {
		w = &bomStripper{MessageWriter: w}
	}

	return w, nil
}

func (c *Conn) acquireWriter(ctx context.Context) error {
	select {
	case c.writerSlot <- struct{}{}:
		return nil
	default:
	}

	select {
	case c.writerSlot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return cancelledError(ctx)
	case <-c.done:
		return c.closedErr()
	}
}

func (c *Conn) releaseWriter() {
	<-c.writerSlot
}

type messageWriter struct {
	c *Conn

	mt    MessageType
	flags ExtensionFlags

	headerSent bool
	closed     bool

	l *zap.Logger
}

func (w *messageWriter) MessageType() MessageType { return w.mt }

func (w *messageWriter) Flags() *ExtensionFlags { return &w.flags }

func (w *messageWriter) Write(p []byte) (int, error) {
	return w.WriteContext(context.Background(), p)
}

// WriteContext sends p as non-final frames of at most SendBufferSize bytes.
func (w *messageWriter) WriteContext(ctx context.Context, p []byte) (int, error) {
	if w.closed {
		return 0, errWriterClosed
	}

	w.l.Debug("message writer: write", zap.Int("data.len", len(p)))

	written := 0
	for len(p) > 0 {
		chunk := p[:min(len(p), w.c.cfg.SendBufferSize)]
		if err := w.c.writeInternal(ctx, chunk, false, w.headerSent, w.mt, w.flags); err != nil {
			return written, fmt.Errorf("failed to write frame: [%w]", err)
		}
		w.headerSent = true
		written += len(chunk)
		p = p[len(chunk):]
	}

	return written, nil
}

func (w *messageWriter) Close() error {
	return w.CloseContext(context.Background())
}

// CloseContext sends the FIN frame, empty when all payload was already
// sent. Only the first call writes.
func (w *messageWriter) CloseContext(ctx context.Context) error {
	if w.closed {
		return nil
	}
	w.closed = true
	defer w.c.releaseWriter()

	w.l.Debug("message writer: close", zap.Bool("headerSent", w.headerSent))
	return w.c.writeInternal(ctx, nil, true, w.headerSent, w.mt, w.flags)
}

// bomStripper drops a UTF-8 byte order mark from the start of a text
// message before any extension sees the payload. Leading bytes that may
// still turn out to be a split mark are held until they can be decided.
type bomStripper struct {
	MessageWriter
	started bool
	head    []byte
}

func (w *bomStripper) Write(p []byte) (int, error) {
	return w.WriteContext(context.Background(), p)
}

func (w *bomStripper) WriteContext(ctx context.Context, p []byte) (int, error) {
	if w.started || len(p) == 0 {
		return w.MessageWriter.WriteContext(ctx, p)
	}

	held := len(w.head)
	data := append(w.head, p...)
	if len(data) < len(utf8BOM) && bytes.HasPrefix(utf8BOM, data) {
		w.head = data
		return len(p), nil
	}
	w.started = true
	w.head = nil

	trimmed := bytes.TrimPrefix(data, utf8BOM)
	n, err := w.MessageWriter.WriteContext(ctx, trimmed)
	if err != nil {
		return max(0, n+len(data)-len(trimmed)-held), err
	}
	return len(p), nil
}

func (w *bomStripper) Close() error {
	return w.CloseContext(context.Background())
}

func (w *bomStripper) CloseContext(ctx context.Context) error {
	if !w.started && len(w.head) > 0 {
		w.started = true
		head := w.head
		w.head = nil
		if _, err := w.MessageWriter.WriteContext(ctx, head); err != nil {
			return err
		}
	}
	return w.MessageWriter.CloseContext(ctx)
}
