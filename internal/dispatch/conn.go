// SPDX-License-Identifier: MIT

package dispatch

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout   = 10 * time.Second
	maxMessageSize = 1 << 20
	sendBuffer     = 32
)

// conn wraps one worker WebSocket. Writes are serialized through a buffered
// send channel so the dispatcher never blocks on a slow worker socket; the
// read loop runs in serveConn.
type conn struct {
	ws        *websocket.Conn
	encoderID string // set after HELLO
	paths     PathMap

	sendCh  chan Frame
	closeCh chan struct{}
	once    sync.Once
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:      ws,
		sendCh:  make(chan Frame, sendBuffer),
		closeCh: make(chan struct{}),
	}
}

// send enqueues a frame; returns an error if the connection is closing or the
// send buffer is saturated.
func (c *conn) send(f Frame) error {
	select {
	case <-c.closeCh:
		return fmt.Errorf("conn %s: closed", c.encoderID)
	case c.sendCh <- f:
		return nil
	default:
		return fmt.Errorf("conn %s: send buffer full", c.encoderID)
	}
}

// writeLoop drains sendCh onto the socket with per-write deadlines.
func (c *conn) writeLoop() {
	for {
		select {
		case <-c.closeCh:
			return
		case f := <-c.sendCh:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(f); err != nil {
				c.close()
				return
			}
		}
	}
}

// readFrame blocks until the next frame or a read error. The caller owns the
// read deadline (heartbeat policy).
func (c *conn) readFrame() (*Frame, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	return &f, nil
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.closeCh)
		_ = c.ws.Close()
	})
}
