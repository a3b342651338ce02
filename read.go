package websocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"

	"github.com/wmdanor/wsengine/frame"
)

var errReaderSuperseded = errors.New("websocket: message reader was superseded by a newer one")

// NextMessage reads a whole message. Text messages are validated as UTF-8
// and messages longer than MaxMessageSize fail the connection with
// CloseMessageTooBig.
func (c *Conn) NextMessage() (MessageType, []byte, error) {
	return c.NextMessageContext(context.Background())
}

func (c *Conn) NextMessageContext(ctx context.Context) (MessageType, []byte, error) {
	r, err := c.NextReaderContext(ctx)
	if err != nil {
		return MessageType(0), nil, fmt.Errorf("failed to get next reader: [%w]", err)
	}

	var data []byte
	err = withBuffer(c.pool, func(buf *bytebufferpool.ByteBuffer) error {
		limit := c.cfg.MaxMessageSize
		if _, err := buf.ReadFrom(io.LimitReader(readerWithContext{r, ctx}, limit+1)); err != nil {
			return fmt.Errorf("failed to read data from reader: [%w]", err)
		}
		if int64(buf.Len()) > limit {
			return c.fatal(CloseMessageTooBig, fmt.Errorf("%w: message exceeds %d bytes", ErrMessageTooLarge, limit))
		}
		if r.MessageType() == TextMessage && !utf8.Valid(buf.B) {
			return c.fatal(CloseInvalidFramePayloadData, fmt.Errorf("%w: received invalid UTF-8 data", ErrProtocol))
		}

		data = append([]byte(nil), buf.B...)
		return nil
	})
	if err != nil {
		return MessageType(0), nil, err
	}

	return r.MessageType(), data, nil
}

func (c *Conn) NextReader() (MessageReader, error) {
	return c.NextReaderContext(context.Background())
}

// NextReaderContext waits for the next data message. Whatever is left of
// the previous message is discarded first. Control frames arriving in
// between are handled by the connection. Once the connection is closed
// the returned error matches ErrClosed.
func (c *Conn) NextReaderContext(ctx context.Context) (MessageReader, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if prev := c.curReader; prev != nil {
		if err := prev.discard(ctx); err != nil {
			return nil, fmt.Errorf("failed to discard remaining current message: [%w]", err)
		}
	}

	h, err := c.awaitHeader(ctx)
	if err != nil {
		return nil, err
	}

	op := h.Flags.Opcode
	if op != frame.OpcodeText && op != frame.OpcodeBinary {
		return nil, c.fatal(CloseProtocolError,
			fmt.Errorf("%w: first frame of a message must be text or binary, received %s", ErrProtocol, op))
	}

	r := &messageReader{
		c:  c,
		mt: MessageType(op),
		flags: ExtensionFlags{
			RSV1: h.Flags.RSV1,
			RSV2: h.Flags.RSV2,
			RSV3: h.Flags.RSV3,
		},
		final: h.Flags.FIN,
		size:  h.ContentLength,
		l:     c.l.With(zap.Stringer("messageType", MessageType(op))),
	}
	c.curReader = r

	r.l.Debug("created new reader", zap.Bool("fin", r.final), zap.Int64("length", h.ContentLength))

	if len(c.extensions) == 0 {
		return r, nil
	}

	var mr MessageReader = r
	for i := len(c.extensions) - 1; i >= 0; i-- {
		mr = c.extensions[i].WrapReader(mr)
	}

	return &extensionReader{MessageReader: mr, c: c}, nil
}

type messageReader struct {
	c *Conn

	mt    MessageType
	flags ExtensionFlags

	// final is set once the FIN frame of the message was seen
	final bool
	eof   bool
	// size declared by the frame headers so far
	size int64

	l *zap.Logger
}

func (r *messageReader) MessageType() MessageType { return r.mt }

func (r *messageReader) Flags() ExtensionFlags { return r.flags }

func (r *messageReader) Read(p []byte) (int, error) {
	return r.ReadContext(context.Background(), p)
}

// ReadContext reads payload across continuation frames. It returns io.EOF
// at the end of the message.
func (r *messageReader) ReadContext(ctx context.Context, p []byte) (int, error) {
	c := r.c
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if r.eof {
		return 0, io.EOF
	}
	if c.curReader != r {
		return 0, errReaderSuperseded
	}

	for {
		if h := c.header; h == nil || h.Exhausted() {
			if r.final {
				r.finish()
				return 0, io.EOF
			}
			if err := r.nextFrame(ctx); err != nil {
				return 0, err
			}
			continue
		}

		if len(p) == 0 {
			return 0, nil
		}

		n, err := c.readInternal(ctx, p)
		if n > 0 || err != nil {
			return n, err
		}
	}
}

// nextFrame waits for the continuation frame. The caller must hold readMu.
func (r *messageReader) nextFrame(ctx context.Context) error {
	c := r.c
	r.l.Debug("reading next frame")

	h, err := c.awaitHeader(ctx)
	if err != nil {
		return err
	}
	if h.Flags.Opcode != frame.OpcodeContinuation {
		return c.fatal(CloseProtocolError,
			fmt.Errorf("%w: succeeding frames must be continuation frames, received opcode: %s", ErrProtocol, h.Flags.Opcode))
	}

	r.size += h.ContentLength
	if c.cfg.MaxMessageSize > 0 && r.size > c.cfg.MaxMessageSize {
		return c.fatal(CloseMessageTooBig,
			fmt.Errorf("%w: message exceeds %d bytes", ErrMessageTooLarge, c.cfg.MaxMessageSize))
	}

	r.final = h.Flags.FIN
	r.l.Debug("got next frame", zap.Bool("fin", r.final), zap.Int64("length", h.ContentLength))

	return nil
}

// discard skips the rest of the message. The caller must hold readMu.
func (r *messageReader) discard(ctx context.Context) error {
	c := r.c
	for !r.eof {
		if err := c.discardFrame(); err != nil {
			return err
		}
		if r.final {
			r.finish()
			break
		}
		if err := r.nextFrame(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *messageReader) finish() {
	r.eof = true
	if r.c.curReader == r {
		r.c.curReader = nil
	}
	r.c.header = nil
}

// extensionReader fails the connection with CloseProtocolError when an
// extension can't decode the payload it was given.
type extensionReader struct {
	MessageReader
	c *Conn
}

func (r *extensionReader) Read(p []byte) (int, error) {
	return r.ReadContext(context.Background(), p)
}

func (r *extensionReader) ReadContext(ctx context.Context, p []byte) (int, error) {
	n, err := r.MessageReader.ReadContext(ctx, p)
	if err != nil && errors.Is(err, ErrExtension) && !errors.Is(err, ErrProtocol) {
		return n, r.c.fatal(CloseProtocolError, fmt.Errorf("%w: [%w]", ErrProtocol, err))
	}
	return n, err
}

// readerWithContext adapts a MessageReader to io.Reader for a given ctx.
type readerWithContext struct {
	r   MessageReader
	ctx context.Context
}

func (r readerWithContext) Read(p []byte) (int, error) {
	return r.r.ReadContext(r.ctx, p)
}
