package websocket

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wmdanor/wsengine/internal"
)

type Dialer struct {
	Config Config

	// Extensions are offered in order.
	Extensions []ClientExtension

	TLSClientConfig *tls.Config
	NetDialer       *net.Dialer
}

var DefaultDialer = &Dialer{Config: DefaultConfig()}

func Dial(urlStr string, headers http.Header) (*Conn, error) {
	return DefaultDialer.Dial(urlStr, headers)
}

func (d *Dialer) Dial(urlStr string, headers http.Header) (*Conn, error) {
	return d.DialContext(context.Background(), urlStr, headers)
}

// DialContext opens a client connection to a ws:// or wss:// URL. The
// opening handshake is bounded by ctx and by NegotiationTimeout.
func (d *Dialer) DialContext(ctx context.Context, urlStr string, headers http.Header) (*Conn, error) {
	cfg := d.Config.withDefaults()
	l := cfg.Logger.With(zap.String("url", urlStr))

	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse url: [%w]", ErrHandshakeFailure, err)
	}

	var defaultPort string
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
		defaultPort = "80"
	case "wss":
		u.Scheme = "https"
		defaultPort = "443"
	default:
		return nil, fmt.Errorf("%w: url schema must be ws or wss, actual %q", ErrHandshakeFailure, u.Scheme)
	}

	dialAddr := u.Host
	if u.Port() == "" {
		dialAddr = net.JoinHostPort(u.Hostname(), defaultPort)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.NegotiationTimeout)
	defer cancel()

	l.Debug("dialing websocket server", zap.String("addr", dialAddr))

	netDialer := d.NetDialer
	if netDialer == nil {
		netDialer = &net.Dialer{}
	}
	netConn, err := netDialer.DialContext(ctx, "tcp", dialAddr)
	if err != nil {
		return nil, transportError(fmt.Sprintf("failed to dial remote address %q", dialAddr), err)
	}
	defer func() {
		if netConn != nil {
			_ = netConn.Close()
		}
	}()

	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}

	if u.Scheme == "https" {
		tlsCfg := d.TLSClientConfig.Clone()
		if tlsCfg == nil {
			tlsCfg = &tls.Config{}
		}
		if tlsCfg.ServerName == "" {
			tlsCfg.ServerName = u.Hostname()
		}
		tlsConn := tls.Client(netConn, tlsCfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return nil, transportError("tls handshake failed", err)
		}
		netConn = tlsConn
	}

	req := http.Request{
		Method:     http.MethodGet,
		URL:        u,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Host:       u.Host,
		Header:     make(http.Header),
	}

	for hk, hv := range headers {
		req.Header[hk] = hv
	}

	req.Header[headerUpgrade] = []string{headerUpgradeExpected}
	req.Header[headerConn] = []string{headerConnExpected}
	req.Header[headerSecWsVersion] = []string{headerSecWsVersionExpected}

	if len(cfg.Subprotocols) > 0 {
		req.Header[headerSecWsProto] = []string{strings.Join(cfg.Subprotocols, ", ")}
	}

	if len(d.Extensions) > 0 {
		offers := make([]string, 0, len(d.Extensions))
		for _, ext := range d.Extensions {
			offers = append(offers, ext.Offer())
		}
		req.Header[headerSecWsExt] = []string{strings.Join(offers, ", ")}
	}

	secWsKey := newSecWsKey()
	expectedSecWsAccept := newSecWebsocketAccept(secWsKey).String()

	req.Header[headerSecWsKey] = []string{secWsKey}

	err = req.Write(netConn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to write request: [%w]", ErrHandshakeFailure, err)
	}

	bufReader := bufio.NewReaderSize(netConn, cfg.ReceiveBufferSize)

	res, err := http.ReadResponse(bufReader, &req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: [%w]", ErrHandshakeFailure, err)
	}
	res.Body = io.NopCloser(bytes.NewReader([]byte{}))

	if res.StatusCode != http.StatusSwitchingProtocols {
		return nil, fmt.Errorf(`%w: status code must be %d , actual %d`,
			ErrHandshakeFailure, http.StatusSwitchingProtocols, res.StatusCode)
	}

	if !internal.HeaderHasToken(res.Header, headerUpgrade, headerUpgradeExpected) {
		return nil, fmt.Errorf(`%w: %q header must be %q , actual %q`,
			ErrHandshakeFailure, headerUpgrade, headerUpgradeExpected, res.Header.Get(headerUpgrade))
	}

	if !internal.HeaderHasToken(res.Header, headerConn, headerConnExpected) {
		return nil, fmt.Errorf(`%w: %q header must be %q , actual %q`,
			ErrHandshakeFailure, headerConn, headerConnExpected, res.Header.Get(headerConn))
	}

	secWsAccept := res.Header.Get(headerSecWsAccept)
	if len(secWsAccept) == 0 {
		return nil, fmt.Errorf("%w: missing %q header", ErrHandshakeFailure, headerSecWsAccept)
	} else if secWsAccept != expectedSecWsAccept {
		return nil, fmt.Errorf("%w: %q header does not equal expected value", ErrHandshakeFailure, headerSecWsAccept)
	}

	subprotocol := res.Header.Get(headerSecWsProto)
	if subprotocol != "" && !slices.Contains(cfg.Subprotocols, subprotocol) {
		return nil, fmt.Errorf("%w: server selected subprotocol %q that was not offered", ErrHandshakeFailure, subprotocol)
	}

	exts, err := d.acceptExtensions(ParseExtensions(res.Header))
	if err != nil {
		return nil, fmt.Errorf("%w: [%w]", ErrHandshakeFailure, err)
	}

	_ = netConn.SetDeadline(time.Time{})

	c := newConn(netConn, bufReader, false, cfg)
	c.subprotocol = subprotocol
	c.setExtensions(exts)
	c.open()

	netConn = nil

	l.Debug("websocket connection established", zap.String("subprotocol", subprotocol))

	return c, nil
}

// acceptExtensions matches every extension the server accepted with one
// that was offered.
func (d *Dialer) acceptExtensions(responses []ExtensionOffer) ([]ExtensionContext, error) {
	var (
		contexts []ExtensionContext
		used     = make(map[string]bool, len(responses))
	)
	for _, resp := range responses {
		if used[resp.Name] {
			return nil, fmt.Errorf("%w: extension %q accepted twice", ErrExtension, resp.Name)
		}

		i := slices.IndexFunc(d.Extensions, func(ext ClientExtension) bool {
			return ext.Name() == resp.Name
		})
		if i < 0 {
			return nil, fmt.Errorf("%w: server accepted extension %q that was not offered", ErrExtension, resp.Name)
		}

		ctx, err := d.Extensions[i].Accept(resp)
		if err != nil {
			return nil, err
		}
		used[resp.Name] = true
		contexts = append(contexts, ctx)
	}
	return contexts, nil
}
