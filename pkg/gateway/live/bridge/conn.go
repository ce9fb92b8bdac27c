package bridge

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/live-relay/pkg/gateway/live/protocol"
)

var errWriteBusy = errors.New("client writer busy")

// clientConn serializes data writes to the client socket. The write slot is
// a one-element channel so teardown can give up on it after a timeout while
// a forwarder is blocked on a slow client.
type clientConn struct {
	ws           *websocket.Conn
	slot         chan struct{}
	writeTimeout time.Duration
}

func newClientConn(ws *websocket.Conn, writeTimeout time.Duration) *clientConn {
	return &clientConn{ws: ws, slot: make(chan struct{}, 1), writeTimeout: writeTimeout}
}

func (c *clientConn) write(messageType int, data []byte) error {
	c.slot <- struct{}{}
	defer func() { <-c.slot }()

	var deadline time.Time
	if c.writeTimeout > 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, data)
}

func (c *clientConn) writeJSON(v any) error {
	raw, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, raw)
}

// writeFinal writes one relay frame, waiting at most timeout for the write
// slot and for the write itself.
func (c *clientConn) writeFinal(v any, timeout time.Duration) error {
	raw, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c.slot <- struct{}{}:
	case <-timer.C:
		return errWriteBusy
	}
	defer func() { <-c.slot }()

	if err := c.ws.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

func (c *clientConn) ping(timeout time.Duration) error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

// close sends a close frame and then closes the socket, which unblocks any
// pending read or write on it.
func (c *clientConn) close(code int, reason string, timeout time.Duration) {
	msg := websocket.FormatCloseMessage(code, protocol.CloseReason(reason))
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(timeout))
	_ = c.ws.Close()
}
