package websocket

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"

	"github.com/wmdanor/wsengine/internal"
)

const (
	headerHost         = "Host"
	headerUpgrade      = "Upgrade"
	headerConn         = "Connection"
	headerSecWsVersion = "Sec-WebSocket-Version"
	headerSecWsProto   = "Sec-WebSocket-Protocol"
	headerSecWsExt     = "Sec-WebSocket-Extensions"
	headerSecWsKey     = "Sec-WebSocket-Key"
	headerSecWsAccept  = "Sec-WebSocket-Accept"
	headerOrigin       = "Origin"
	headerSetCookie    = "Set-Cookie"

	headerUpgradeExpected      = "websocket"
	headerConnExpected         = "Upgrade"
	headerSecWsVersionExpected = "13"

	wsGuid = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
)

func newSecWsKey() string {
	nonce := [16]byte{}

	_, _ = rand.Read(nonce[:])

	return base64.StdEncoding.EncodeToString(nonce[:])
}

type secWebsocketAccept string

func newSecWebsocketAccept(secWebSocketKey string) secWebsocketAccept {
	concat := secWebSocketKey + wsGuid

	hasher := sha1.New()
	hasher.Write([]byte(concat))

	bytes := hasher.Sum(nil)
	b64 := base64.StdEncoding.EncodeToString(bytes)

	return secWebsocketAccept(b64)
}

func (a secWebsocketAccept) String() string {
	return string(a)
}

// ComputeAcceptKey returns the Sec-WebSocket-Accept value for key.
func ComputeAcceptKey(key string) string {
	return newSecWebsocketAccept(key).String()
}

// Handshake is the outcome of negotiating one opening handshake. It
// should not be changed once the response was written.
type Handshake struct {
	Request *http.Request

	IsWebSocketRequest  bool
	IsVersionSupported  bool
	HasSubprotocolMatch bool

	StatusCode int
	Header     http.Header
	Cookies    []*http.Cookie

	Subprotocol string
	// Extensions in the order they were negotiated.
	Extensions []ExtensionContext

	// Err describes why the handshake is not valid.
	Err error
}

// IsValid reports whether the connection may be upgraded.
func (h *Handshake) IsValid() bool {
	return h.IsWebSocketRequest && h.IsVersionSupported && h.HasSubprotocolMatch &&
		h.StatusCode == http.StatusSwitchingProtocols
}

type NegotiatorOptions struct {
	// Subprotocols accepted by the server. The first protocol offered by
	// the client that is in this list is selected.
	Subprotocols []string
	Extensions   []Extension

	// CheckOrigin rejects the request with 403 when it returns false.
	CheckOrigin func(r *http.Request) bool

	// StatusText describes a status code in the response line. Defaults to
	// http.StatusText.
	StatusText func(code int) string

	Logger  *zap.Logger
	Metrics *Metrics
}

type Negotiator struct {
	opts NegotiatorOptions
}

func NewNegotiator(opts NegotiatorOptions) *Negotiator {
	if opts.StatusText == nil {
		opts.StatusText = http.StatusText
	}
	if opts.Logger == nil {
		opts.Logger = newLogger()
	}
	return &Negotiator{opts: opts}
}

func newConfigNegotiator(cfg Config) *Negotiator {
	return NewNegotiator(NegotiatorOptions{
		Subprotocols: cfg.Subprotocols,
		Extensions:   cfg.extensions(),
		CheckOrigin:  cfg.CheckOrigin,
		Logger:       cfg.Logger,
		Metrics:      cfg.Metrics,
	})
}

// Negotiate validates an opening handshake request and prepares the
// response. It never fails: an invalid request yields a Handshake with
// a non-101 status and Err set.
func (n *Negotiator) Negotiate(req *http.Request) *Handshake {
	hs := n.negotiate(req)

	result := "ok"
	if !hs.IsValid() {
		result = strconv.Itoa(hs.StatusCode)
		n.opts.Logger.Debug("rejected opening handshake", zap.Int("status", hs.StatusCode), zap.Error(hs.Err))
	}
	n.opts.Metrics.negotiated(result)

	return hs
}

func (n *Negotiator) negotiate(req *http.Request) *Handshake {
	hs := &Handshake{
		Request:    req,
		StatusCode: http.StatusBadRequest,
		Header:     make(http.Header),
	}
	fail := func(status int, format string, args ...any) *Handshake {
		hs.StatusCode = status
		hs.Err = fmt.Errorf("%w: %s", ErrHandshakeFailure, fmt.Sprintf(format, args...))
		return hs
	}

	if req.Method != http.MethodGet {
		return fail(http.StatusMethodNotAllowed, "method must be GET, actual %q", req.Method)
	}

	if !internal.HeaderHasToken(req.Header, headerUpgrade, headerUpgradeExpected) {
		return fail(http.StatusBadRequest, "%q header must be %q, actual %q",
			headerUpgrade, headerUpgradeExpected, req.Header.Get(headerUpgrade))
	}
	if !internal.HeaderHasToken(req.Header, headerConn, headerConnExpected) {
		return fail(http.StatusBadRequest, "%q header must contain %q, actual %q",
			headerConn, headerConnExpected, req.Header.Get(headerConn))
	}
	hs.IsWebSocketRequest = true

	if actual, ok := internal.HeaderEquals(req.Header, headerSecWsVersion, headerSecWsVersionExpected); !ok {
		hs.Header.Set(headerSecWsVersion, headerSecWsVersionExpected)
		return fail(http.StatusUpgradeRequired, "%q header must be %q, received: %q",
			headerSecWsVersion, headerSecWsVersionExpected, actual)
	}
	hs.IsVersionSupported = true

	secWsKey := req.Header.Get(headerSecWsKey)
	if len(secWsKey) == 0 {
		return fail(http.StatusBadRequest, "missing %q header", headerSecWsKey)
	}
	decoded, err := base64.StdEncoding.DecodeString(secWsKey)
	if err != nil {
		return fail(http.StatusBadRequest, "failed to base64 decode %q header: %v", headerSecWsKey, err)
	}
	if len(decoded) != 16 {
		return fail(http.StatusBadRequest, "decoded value of %q must be 16 bytes, received %d bytes",
			headerSecWsKey, len(decoded))
	}

	if n.opts.CheckOrigin != nil && !n.opts.CheckOrigin(req) {
		return fail(http.StatusForbidden, "origin %q not allowed", req.Header.Get(headerOrigin))
	}

	subprotocol, ok := selectSubprotocol(internal.HeaderTokens(req.Header, headerSecWsProto), n.opts.Subprotocols)
	if !ok {
		return fail(http.StatusBadRequest, "none of the offered subprotocols %q is supported",
			req.Header.Values(headerSecWsProto))
	}
	hs.HasSubprotocolMatch = true
	hs.Subprotocol = subprotocol

	var responses []string
	hs.Extensions, responses = negotiateExtensions(n.opts.Extensions, ParseExtensions(req.Header))

	hs.StatusCode = http.StatusSwitchingProtocols
	hs.Header.Set(headerUpgrade, headerUpgradeExpected)
	hs.Header.Set(headerConn, headerConnExpected)
	hs.Header.Set(headerSecWsAccept, newSecWebsocketAccept(secWsKey).String())
	if subprotocol != "" {
		hs.Header.Set(headerSecWsProto, subprotocol)
	}
	if len(responses) > 0 {
		hs.Header.Set(headerSecWsExt, strings.Join(responses, ", "))
	}

	return hs
}

// selectSubprotocol returns the first offer the server supports. When
// either side has no protocols there is nothing to agree on and the
// connection goes on without one.
func selectSubprotocol(offered, supported []string) (string, bool) {
	if len(offered) == 0 || len(supported) == 0 {
		return "", true
	}
	for _, p := range offered {
		if slices.Contains(supported, p) {
			return p, true
		}
	}
	return "", false
}

// WriteResponse writes the HTTP response of hs to w in one write.
func (n *Negotiator) WriteResponse(w io.Writer, hs *Handshake) error {
	return withBuffer(defaultBufferPool, func(b *bytebufferpool.ByteBuffer) error {
		status := hs.StatusCode
		fmt.Fprintf(b, "HTTP/1.1 %d %s\r\n", status, n.opts.StatusText(status))

		header := hs.Header.Clone()
		if header == nil {
			header = make(http.Header)
		}
		for _, cookie := range hs.Cookies {
			if v := cookie.String(); v != "" {
				header.Add(headerSetCookie, v)
			}
		}

		var body string
		if status != http.StatusSwitchingProtocols {
			body = n.opts.StatusText(status) + "\n"
			header.Set("Content-Type", "text/plain; charset=utf-8")
			header.Set("Content-Length", strconv.Itoa(len(body)))
			header.Set(headerConn, "close")
		}

		if err := header.Write(b); err != nil {
			return fmt.Errorf("failed to encode response headers: [%w]", err)
		}
		b.B = append(b.B, "\r\n"...)
		b.B = append(b.B, body...)

		if _, err := w.Write(b.B); err != nil {
			return fmt.Errorf("%w: failed to write response: [%w]", ErrHandshakeFailure, err)
		}
		return nil
	})
}
