package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/powerslides/protocol"
)

const (
	pongWait   = time.Minute
	pingPeriod = (pongWait * 9) / 10
	writeWait  = 10 * time.Second

	defaultSendBufferSize = 64
	defaultMaxMessageSize = 64 * 1024
)

var (
	ErrSlowConsumer   = errors.New("send buffer full")
	ErrServerShutdown = errors.New("server shutting down")
)

// Client is a middleman between the websocket connection and the registry.
type Client struct {
	id   string
	conn *websocket.Conn

	// Buffered channel of outbound messages. It is never closed; done
	// signals the end of the connection instead.
	send chan []byte

	maxMessageSize int64
	logger         hclog.Logger

	done      chan struct{}
	closeOnce sync.Once
	closeCode int
	closeErr  error
}

func NewClient(conn *websocket.Conn, id string, sendBufferSize int, maxMessageSize int64, logger hclog.Logger) *Client {
	if sendBufferSize <= 0 {
		sendBufferSize = defaultSendBufferSize
	}
	if maxMessageSize <= 0 {
		maxMessageSize = defaultMaxMessageSize
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Client{
		id:             id,
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		maxMessageSize: maxMessageSize,
		logger:         logger.With("conn", id),
		done:           make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }

// Send queues msg for the write loop without blocking. A client whose
// buffer is full is closed.
func (c *Client) Send(msg []byte) error {
	select {
	case <-c.done:
		return protocol.ErrSocketUnready
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		c.Close(ErrSlowConsumer)
		return protocol.ErrSocketUnready
	}
}

// Close ends the connection with a policy violation close frame. A nil
// reason closes normally.
func (c *Client) Close(reason error) {
	code := websocket.CloseNormalClosure
	if reason != nil {
		code = websocket.ClosePolicyViolation
		if errors.Is(reason, ErrServerShutdown) {
			code = websocket.CloseGoingAway
		}
	}
	c.shutdown(code, reason)
}

func (c *Client) shutdown(code int, reason error) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeErr = reason
		close(c.done)
	})
}

// Done is closed once the connection is closing.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// ReadLoop pumps messages from the websocket connection into the session.
//
// The application runs ReadLoop in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) ReadLoop(session *Session) {
	var readErr error
	defer func() {
		c.shutdown(-1, readErr)
		session.Handle(Disconnected{Err: readErr})
		c.conn.Close()
	}()
	c.conn.SetReadLimit(c.maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		msgType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("connection closed unexpectedly", "error", err)
			}
			readErr = err
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = session.Handle(Received{Data: raw})
		if session.State() == StateClosed {
			// wait for the write loop to send the close frame and the peer to answer
			<-c.done
			_ = c.conn.SetReadDeadline(time.Now().Add(writeWait))
		}
	}
}

// WriteLoop pumps messages from the send buffer to the websocket connection.
//
// A goroutine running WriteLoop is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("could not write to connection, exiting write loop", "error", err)
				c.shutdown(-1, err)
				c.conn.Close()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("could not send ping message, exiting write loop", "error", err)
				c.shutdown(-1, err)
				c.conn.Close()
				return
			}

		case <-c.done:
			if c.closeCode > 0 {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(c.closeCode, ""), time.Now().Add(writeWait))
				c.logger.Debug("closing connection", "reason", c.closeErr)
			}
			return
		}
	}
}
