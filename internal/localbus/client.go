package localbus

import (
	"log"
	"time"

	"github.com/gorilla/websocket"
)

// Client is one local subscriber connection, adapted from the teacher's
// websocket.Client: UserID/DeviceID become the subscribed shadow.Key.
type Client struct {
	ID   string
	Key  string // shadow.Key.String(); "" subscribes to every key
	Conn *websocket.Conn
	Bus  *Bus
	Send chan []byte
}

func NewClient(id, key string, conn *websocket.Conn, bus *Bus) *Client {
	return &Client{ID: id, Key: key, Conn: conn, Bus: bus, Send: make(chan []byte, 256)}
}

func (c *Client) ReadPump() {
	defer func() {
		c.Bus.Unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadDeadline(time.Now().Add(c.Bus.pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Bus.pongWait))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("localbus: read error: %v", err)
			}
			break
		}
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.Bus.pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Bus.writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Bus.writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
