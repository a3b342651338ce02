package websocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/flate"
)

const (
	deflateExtensionName = "permessage-deflate"
	deflateResponse      = "permessage-deflate; server_no_context_takeover; client_no_context_takeover"
	deflateOffer         = "permessage-deflate; server_no_context_takeover; client_no_context_takeover"

	// completes a sync-flushed message and adds a final empty stored block
	deflateTail = "\x00\x00\xff\xff\x01\x00\x00\xff\xff"

	maxWindowBits = 15
)

var (
	flateReaderPool sync.Pool
	// indexed by level - flate.HuffmanOnly
	flateWriterPools [flate.BestCompression - flate.HuffmanOnly + 1]sync.Pool
)

// PerMessageDeflate implements RFC 7692 without context takeover in
// either direction. It works as both an Extension and a ClientExtension.
type PerMessageDeflate struct {
	// Level is a klauspost/compress/flate level. Zero means no compression
	// but still a valid deflate stream.
	Level int
}

func (e *PerMessageDeflate) Name() string {
	return deflateExtensionName
}

func (e *PerMessageDeflate) TryNegotiate(offer ExtensionOffer) (ExtensionContext, string, bool) {
	if offer.Name != deflateExtensionName {
		return nil, "", false
	}

	for _, p := range offer.Params {
		switch p.Key {
		case "server_no_context_takeover", "client_no_context_takeover":
		case "client_max_window_bits":
			// the decompressor accepts any window size
			if p.Value != "" {
				if _, ok := parseWindowBits(p.Value); !ok {
					return nil, "", false
				}
			}
		case "server_max_window_bits":
			// the compressor always uses a 32K window
			if bits, ok := parseWindowBits(p.Value); !ok || bits < maxWindowBits {
				return nil, "", false
			}
		default:
			return nil, "", false
		}
	}

	return e.context(), deflateResponse, true
}

func (e *PerMessageDeflate) Offer() string {
	return deflateOffer
}

func (e *PerMessageDeflate) Accept(response ExtensionOffer) (ExtensionContext, error) {
	if response.Name != deflateExtensionName {
		return nil, fmt.Errorf("%w: unexpected extension %q", ErrExtension, response.Name)
	}

	if _, ok := response.Param("server_no_context_takeover"); !ok {
		return nil, fmt.Errorf("%w: server must not use context takeover", ErrExtension)
	}
	for _, p := range response.Params {
		switch p.Key {
		case "server_no_context_takeover", "client_no_context_takeover":
		case "server_max_window_bits":
			if _, ok := parseWindowBits(p.Value); !ok {
				return nil, fmt.Errorf("%w: invalid server_max_window_bits %q", ErrExtension, p.Value)
			}
		case "client_max_window_bits":
			if bits, ok := parseWindowBits(p.Value); !ok || bits != maxWindowBits {
				return nil, fmt.Errorf("%w: unsupported client_max_window_bits %q", ErrExtension, p.Value)
			}
		default:
			return nil, fmt.Errorf("%w: unknown permessage-deflate parameter %q", ErrExtension, p.Key)
		}
	}

	return e.context(), nil
}

func (e *PerMessageDeflate) context() *deflateContext {
	level := min(max(e.Level, flate.HuffmanOnly), flate.BestCompression)
	return &deflateContext{level: level}
}

func parseWindowBits(s string) (int, bool) {
	bits, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || bits < 8 || bits > maxWindowBits {
		return 0, false
	}
	return bits, true
}

type deflateContext struct {
	level int
}

func (d *deflateContext) ReservedBits() ExtensionFlags {
	return ExtensionFlags{RSV1: true}
}

func (d *deflateContext) WrapReader(r MessageReader) MessageReader {
	if !r.Flags().RSV1 {
		return r
	}

	src := &contextReader{r: r, ctx: context.Background()}

	fr, _ := flateReaderPool.Get().(io.ReadCloser)
	tail := io.MultiReader(src, strings.NewReader(deflateTail))
	if fr == nil {
		fr = flate.NewReader(tail)
	} else {
		_ = fr.(flate.Resetter).Reset(tail, nil)
	}

	return &deflateReader{MessageReader: r, src: src, fr: fr}
}

func (d *deflateContext) WrapWriter(w MessageWriter) MessageWriter {
	w.Flags().RSV1 = true

	dst := &contextWriter{w: w, ctx: context.Background()}

	pool := &flateWriterPools[d.level-flate.HuffmanOnly]
	fw, _ := pool.Get().(*flate.Writer)
	if fw == nil {
		fw = must(flate.NewWriter(dst, d.level))
	} else {
		fw.Reset(dst)
	}

	return &deflateWriter{MessageWriter: w, dst: dst, fw: fw, pool: pool}
}

type deflateReader struct {
	MessageReader

	src *contextReader
	fr  io.ReadCloser
	eof bool
}

func (r *deflateReader) Read(p []byte) (int, error) {
	return r.ReadContext(context.Background(), p)
}

func (r *deflateReader) ReadContext(ctx context.Context, p []byte) (int, error) {
	if r.eof {
		return 0, io.EOF
	}

	r.src.ctx = ctx
	n, err := r.fr.Read(p)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, io.EOF):
		r.finish()
		// skip what follows the final block, e.g. a trailing 0x00
		if _, derr := io.Copy(io.Discard, r.src); derr != nil {
			return n, derr
		}
		return n, io.EOF
	case r.src.err != nil:
		r.finish()
		return n, r.src.err
	default:
		r.finish()
		return n, fmt.Errorf("%w: failed to decompress message: [%w]", ErrExtension, err)
	}
}

func (r *deflateReader) finish() {
	r.eof = true
	if r.fr != nil {
		flateReaderPool.Put(r.fr)
		r.fr = nil
	}
}

type deflateWriter struct {
	MessageWriter

	dst    *contextWriter
	fw     *flate.Writer
	pool   *sync.Pool
	closed bool
}

func (w *deflateWriter) Write(p []byte) (int, error) {
	return w.WriteContext(context.Background(), p)
}

func (w *deflateWriter) WriteContext(ctx context.Context, p []byte) (int, error) {
	if w.closed {
		return 0, errWriterClosed
	}

	w.dst.ctx = ctx
	return w.fw.Write(p)
}

func (w *deflateWriter) Close() error {
	return w.CloseContext(context.Background())
}

// CloseContext ends the deflate stream with a final block followed by a
// single 0x00 byte, then closes the wrapped writer.
func (w *deflateWriter) CloseContext(ctx context.Context) error {
	if w.closed {
		return nil
	}
	w.closed = true

	w.dst.ctx = ctx
	err := w.fw.Close()
	w.pool.Put(w.fw)
	w.fw = nil
	if err != nil {
		_ = w.MessageWriter.CloseContext(ctx)
		return fmt.Errorf("failed to finish compressed message: [%w]", err)
	}

	if _, err := w.MessageWriter.WriteContext(ctx, []byte{0x00}); err != nil {
		_ = w.MessageWriter.CloseContext(ctx)
		return err
	}

	return w.MessageWriter.CloseContext(ctx)
}

// contextReader lets flate read from a MessageReader with the context of
// the current call. The first error from the source is kept.
type contextReader struct {
	r   MessageReader
	ctx context.Context
	err error
}

func (r *contextReader) Read(p []byte) (int, error) {
	n, err := r.r.ReadContext(r.ctx, p)
	if err != nil && !errors.Is(err, io.EOF) && r.err == nil {
		r.err = err
	}
	return n, err
}

type contextWriter struct {
	w   MessageWriter
	ctx context.Context
}

func (w *contextWriter) Write(p []byte) (int, error) {
	return w.w.WriteContext(w.ctx, p)
}
