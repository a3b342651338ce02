package websocket

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
)

// ConnExtension wraps an accepted socket before the opening handshake
// is read from it.
type ConnExtension interface {
	WrapConn(ctx context.Context, c net.Conn) (net.Conn, error)
}

// TLSExtension terminates TLS on accepted sockets.
type TLSExtension struct {
	Config *tls.Config
}

func (e *TLSExtension) WrapConn(ctx context.Context, c net.Conn) (net.Conn, error) {
	tc := tls.Server(c, e.Config)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, transportError("tls handshake failed", err)
	}
	return tc, nil
}

// wrapConn applies the extensions in order. The socket is closed when
// one of them fails.
func wrapConn(ctx context.Context, c net.Conn, exts []ConnExtension) (net.Conn, error) {
	for _, ext := range exts {
		wrapped, err := ext.WrapConn(ctx, c)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("failed to apply connection extension %T: [%w]", ext, err)
		}
		c = wrapped
	}
	return c, nil
}
