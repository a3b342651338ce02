package websocket

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// Upgrader performs the server side of the opening handshake inside an
// http.Handler.
type Upgrader struct {
	cfg        Config
	negotiator *Negotiator
}

func NewUpgrader(cfg Config) *Upgrader {
	cfg = cfg.withDefaults()
	return &Upgrader{
		cfg:        cfg,
		negotiator: newConfigNegotiator(cfg),
	}
}

var defaultUpgrader = NewUpgrader(DefaultConfig())

// On a server call this in your http handler
// to upgrade connection to Websocket connection
func UpgradeConnection(w http.ResponseWriter, req *http.Request) (*Conn, error) {
	return defaultUpgrader.Upgrade(w, req, nil)
}

// Upgrade negotiates the handshake and takes over the underlying socket.
// On failure the error response was already written to w. Headers in
// responseHeader are added to the 101 response.
func (u *Upgrader) Upgrade(w http.ResponseWriter, req *http.Request, responseHeader http.Header) (*Conn, error) {
	l := u.cfg.Logger.With(zap.String("remote", req.RemoteAddr))
	l.Debug("opening new websocket connection")

	hs := u.negotiator.Negotiate(req)
	if !hs.IsValid() {
		l.Debug("failed to open websocket connection", zap.Error(hs.Err))
		for k, vs := range hs.Header {
			w.Header()[k] = vs
		}
		http.Error(w, http.StatusText(hs.StatusCode), hs.StatusCode)
		return nil, hs.Err
	}

	for k, vs := range responseHeader {
		if _, reserved := hs.Header[http.CanonicalHeaderKey(k)]; reserved {
			continue
		}
		for _, v := range vs {
			hs.Header.Add(k, v)
		}
	}

	netConn, rw, err := http.NewResponseController(w).Hijack()
	if err != nil {
		l.Debug("failed to open websocket connection: couldn't hijack TCP connection", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return nil, fmt.Errorf("%w: failed to hijack net.Conn: [%w]", ErrHandshakeFailure, err)
	}

	if err := u.negotiator.WriteResponse(netConn, hs); err != nil {
		_ = netConn.Close()
		return nil, err
	}

	conn := newConn(netConn, rw.Reader, true, u.cfg)
	conn.subprotocol = hs.Subprotocol
	conn.setExtensions(hs.Extensions)
	conn.open()

	l.Debug("new websocket connection opened")

	return conn, nil
}
