package dispatcher

import (
	"context"
	"io"
	"time"

	"github.com/coder/websocket"
)

// Channel is one live connection for one user. A user can hold several
// channels at once (browser tab, mobile); each tracks its own room
// membership and receives its own copy of every fan-out.
type Channel struct {
	// ID uniquely identifies this connection, not the user.
	ID string
	// UserID is the authenticated principal behind the connection.
	UserID string

	conn *websocket.Conn
	send chan []byte
	// done is closed by the bridge on unregister. send itself is never
	// closed: fan-out may still hold a reference to a departed channel, and
	// sending on a closed channel would panic the whole process.
	done   chan struct{}
	bridge *Bridge
}

// readPump pumps frames from the connection into the bridge until the
// connection drops, then unregisters the channel.
func (c *Channel) readPump() {
	defer func() {
		c.bridge.unregister <- c
		c.conn.Close(websocket.StatusNormalClosure, "client disconnected")
	}()

	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				c.bridge.logger.Info("channel closed by client", "userID", c.UserID, "clientID", c.ID)
			} else if err != io.EOF {
				c.bridge.logger.Error("channel read error", "userID", c.UserID, "clientID", c.ID, "error", err)
			}
			return
		}

		c.bridge.handleFrame(c, data)
	}
}

// writePump pumps queued events out to the connection.
func (c *Channel) writePump() {
	defer func() {
		c.conn.Close(websocket.StatusNormalClosure, "server-side cleanup")
	}()

	for {
		select {
		case <-c.done:
			// The bridge unregistered the channel.
			return
		case data := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.bridge.logger.Error("channel write error", "userID", c.UserID, "clientID", c.ID, "error", err)
				return
			}
		}
	}
}

// enqueue hands an encoded event to the write pump without blocking the
// caller. A slow consumer or an already-departed channel loses events
// rather than stalling fan-out.
func (c *Channel) enqueue(data []byte) {
	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.bridge.logger.Warn("channel send buffer full, dropping event", "userID", c.UserID, "clientID", c.ID)
	}
}
