package websocket

import (
	"fmt"

	"go.uber.org/zap"
)

// SetCloseHandler replaces the handler run when the peer's Close frame
// arrives. The default one echoes the received code. Handlers run on the
// reading goroutine; appData is only valid during the call.
func (c *Conn) SetCloseHandler(h func(code CloseCode, appData string) error) {
	if h == nil {
		c.handleClose = func(code CloseCode, appData string) error {
			c.l.Debug("received close message", zap.Uint16("code", code.U()), zap.String("data", appData))
			err := c.WriteClose(code, "")
			if err != nil {
				return fmt.Errorf("failed to write close message: [%w]", err)
			}

			return nil
		}
	} else {
		c.handleClose = h
	}
}

func (c *Conn) SetPingHandler(h func(appData []byte) error) {
	if h == nil {
		c.handlePing = func(appData []byte) error {
			c.l.Debug("received ping message", zap.ByteString("data", appData))
			err := c.WriteControl(PongMessage, appData)
			if err != nil {
				return fmt.Errorf("failed to write pong message: [%w]", err)
			}

			return nil
		}
	} else {
		c.handlePing = h
	}
}

// SetPongHandler replaces the pong handler. The liveness strategy sees
// every Pong regardless of the handler.
func (c *Conn) SetPongHandler(h func(appData []byte) error) {
	if h == nil {
		c.handlePong = func(appData []byte) error {
			c.l.Debug("received pong message", zap.ByteString("data", appData))
			return nil
		}
	} else {
		c.handlePong = h
	}
}
