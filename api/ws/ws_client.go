package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/zlnvch/drawcast/models"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1024 * 64

	// Rate limiting: 30 messages per second with a burst of 60
	messagesPerSecond = 30
	burstLimit        = 60

	sendBufferSize = 256
)

// MessageHandler receives everything a client reads. HandleWsClose runs once
// on the read goroutine after the connection is gone.
type MessageHandler interface {
	HandleWsMessage(client *Client, messageType int, messageBytes []byte)
	HandleWsClose(client *Client)
}

func NewClient(hub *Hub, conn *websocket.Conn, user models.User, socketId string, handler MessageHandler, logger *slog.Logger) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		user:     user,
		socketId: socketId,
		handler:  handler,
		sessions: make(map[string]struct{}),
		presence: make(map[string]struct{}),
		Send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
		limiter:  rate.NewLimiter(rate.Limit(messagesPerSecond), burstLimit),
		logger:   logger.With("socketId", socketId, "userId", user.Id),
	}
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	user     models.User
	socketId string
	handler  MessageHandler

	// sessions is owned by the hub goroutine.
	sessions map[string]struct{}
	// presence is owned by the read goroutine.
	presence map[string]struct{}

	Send      chan []byte // Buffered channel of outbound messages.
	done      chan struct{}
	closeOnce sync.Once
	limiter   *rate.Limiter
	logger    *slog.Logger
}

func (c *Client) SocketId() string {
	return c.socketId
}

func (c *Client) User() models.User {
	return c.user
}

// trySend queues a message without blocking. A client that cannot keep up
// loses the message.
func (c *Client) trySend(message []byte) bool {
	if c.isClosed() {
		return false
	}

	select {
	case c.Send <- message:
		return true
	default:
		c.logger.Warn("send buffer full, dropping message")
		return false
	}
}

// Close asks the write pump to send a close frame and stop. Safe to call
// more than once and from any goroutine.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) ReadPump() {
	defer func() {
		c.Close()
		c.handler.HandleWsClose(c)
		c.hub.close(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		messageType, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Info("ws close error", "error", err)
			}
			break
		}

		if !c.limiter.Allow() {
			c.logger.Warn("closing connection: message rate limit exceeded")
			break
		}

		c.handler.HandleWsMessage(c, messageType, messageBytes)
	}
}

func (c *Client) WritePump(shutdown <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.Close()
	}()
	for {
		select {
		case message := <-c.Send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Info("ws send error", "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-shutdown:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "Websocket service shutting down"),
			)
			return
		}
	}
}
