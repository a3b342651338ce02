package websocket

import (
	"context"
	"errors"
	"fmt"

	"github.com/wmdanor/wsengine/frame"
)

var (
	// ErrProtocol marks frames that violate RFC 6455. The connection is
	// closed with CloseProtocolError (or a more specific code) when it is returned.
	ErrProtocol = frame.ErrProtocol

	ErrHandshakeFailure = errors.New("handshake failure")
	ErrTransport        = errors.New("websocket: transport error")
	ErrCancelled        = errors.New("websocket: operation cancelled")
	ErrExtension        = errors.New("websocket: extension error")
	ErrMessageTooLarge  = errors.New("websocket: message too large")
	ErrQueueFull        = errors.New("websocket: negotiation queue is full")

	// ErrClosed is returned once no further message can be obtained from
	// the connection. It is distinct from io.EOF, which only ends one message.
	ErrClosed = errors.New("websocket: connection closed")
)

// CloseError carries the status received in the peer's Close frame.
type CloseError struct {
	Code   CloseCode
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("websocket: close %d", e.Code)
	}
	return fmt.Sprintf("websocket: close %d: %s", e.Code, e.Reason)
}

// IsCancelled reports whether err comes from a cancelled or expired context
// rather than from a failure of the connection.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

func cancelledError(ctx context.Context) error {
	return fmt.Errorf("%w: [%w]", ErrCancelled, context.Cause(ctx))
}

func transportError(op string, err error) error {
	return fmt.Errorf("%w: %s: [%w]", ErrTransport, op, err)
}
