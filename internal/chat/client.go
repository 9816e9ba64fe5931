package chat

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 16 * 1024           // Maximum inbound frame; attachments travel as metadata only.
)

// Client is a middleman between the websocket connection and the gateway.
type Client struct {
	gateway *Gateway
	conn    *websocket.Conn
	session *Conn
	limiter *rate.Limiter
	logger  *zap.Logger
}

// ReadPump pumps events from the websocket connection to the gateway. When it
// returns the session is disconnected and its presence cleaned up.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.gateway.Disconnect(c.session)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Info("websocket closed", zap.String("conn", c.session.ID), zap.Error(err))
			}
			return
		}

		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			c.session.Reply(Ack{Type: EventAck, Error: "malformed event", Code: Code(ErrInvalidArgument)})
			continue
		}
		if !c.limiter.Allow() {
			if in.Ack != "" {
				c.session.Reply(Ack{Type: EventAck, Ref: in.Ack, Error: ErrRateLimited.Error(), Code: Code(ErrRateLimited)})
			}
			continue
		}

		if ack := c.gateway.Dispatch(ctx, c.session, in); ack != nil {
			c.session.Reply(ack)
		}
	}
}

// WritePump pumps frames from the session to the websocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	out := c.session.Outbound()
	for {
		select {
		case frame, ok := <-out:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The gateway closed the session.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
