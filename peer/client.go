// Package peer keeps a peer connected to the relay. It owns the socket,
// re-sends the join message after every (re)connect and reconnects with
// exponential backoff until told to disconnect. Presenter and remote both
// build on it.
package peer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/powerslides/protocol"
)

const (
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 10 * time.Second
	defaultDialTimeout = 10 * time.Second
)

var ErrNoURL = errors.New("no websocket url configured")

type Options struct {
	URL         string
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	DialTimeout time.Duration

	Dialer    Dialer
	Scheduler Scheduler
	Logger    hclog.Logger

	// OnOpen runs after the join message was sent on a new connection.
	OnOpen func()
	// OnMessage runs for every well-formed inbound message, on the read goroutine.
	OnMessage func(protocol.Message)
	// OnClose runs when an open connection is lost unexpectedly.
	OnClose func(err error)
}

// Client is a reconnecting relay connection. At most one socket is live at
// a time and at most one reconnect is pending.
type Client struct {
	opts   Options
	logger hclog.Logger

	mu         sync.Mutex
	join       *protocol.JoinMessage
	active     bool
	generation uint64
	conn       Conn
	attempt    int
	timer      Timer
	cancelDial context.CancelFunc

	writeMu sync.Mutex
}

func NewClient(opts Options) *Client {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultMaxDelay
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	if opts.Scheduler == nil {
		opts.Scheduler = clockScheduler{}
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	return &Client{
		opts:   opts,
		logger: opts.Logger.Named("peer"),
	}
}

// Connect starts a session that joins with join. A connection from an
// earlier session is replaced. Connect does not wait for the connection.
func (c *Client) Connect(join *protocol.JoinMessage) error {
	if c.opts.URL == "" {
		return ErrNoURL
	}
	c.mu.Lock()
	c.join = join
	c.active = true
	conn := c.resetLocked()
	gen := c.generation
	c.mu.Unlock()

	if conn != nil {
		c.closeConn(conn)
	}
	go c.dial(gen)
	return nil
}

// Disconnect cancels any pending reconnect and closes the socket. Nothing
// reconnects until the next Connect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.active = false
	conn := c.resetLocked()
	c.mu.Unlock()

	if conn != nil {
		c.closeConn(conn)
	}
}

// Rejoin re-sends the join message on the open connection.
func (c *Client) Rejoin() error {
	c.mu.Lock()
	join := c.join
	c.mu.Unlock()
	if join == nil {
		return protocol.ErrSocketUnready
	}
	return c.Send(join)
}

// Send writes msg if the socket is open and returns
// protocol.ErrSocketUnready otherwise.
func (c *Client) Send(msg protocol.Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return protocol.ErrSocketUnready
	}
	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := c.write(conn, raw); err != nil {
		return errors.Join(protocol.ErrSocketUnready, err)
	}
	return nil
}

// Ready reports whether the socket is open.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Attempt returns the number of consecutive failed connection attempts.
func (c *Client) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// resetLocked starts a new generation: the pending reconnect and any dial in
// flight are cancelled and the current socket is handed back for closing.
func (c *Client) resetLocked() Conn {
	c.generation++
	c.attempt = 0
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	conn := c.conn
	c.conn = nil
	return conn
}

func (c *Client) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
	defer cancel()

	c.mu.Lock()
	if gen != c.generation || !c.active {
		c.mu.Unlock()
		return
	}
	c.cancelDial = cancel
	c.mu.Unlock()

	conn, err := c.opts.Dialer.Dial(ctx, c.opts.URL)

	c.mu.Lock()
	if gen != c.generation || !c.active {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	c.cancelDial = nil
	if err != nil {
		delay := c.scheduleLocked(gen)
		c.mu.Unlock()
		c.logger.Debug("could not connect", "url", c.opts.URL, "retry_in", delay, "error", err)
		return
	}
	join := c.join
	c.mu.Unlock()

	// the join goes out before the socket is visible to Send
	if join != nil {
		raw, err := protocol.Encode(join)
		if err == nil {
			err = c.write(conn, raw)
		}
		if err != nil {
			_ = conn.Close()
			c.mu.Lock()
			var delay time.Duration
			if gen == c.generation && c.active {
				delay = c.scheduleLocked(gen)
			}
			c.mu.Unlock()
			c.logger.Debug("could not send join", "retry_in", delay, "error", err)
			return
		}
	}

	c.mu.Lock()
	if gen != c.generation || !c.active {
		c.mu.Unlock()
		c.closeConn(conn)
		return
	}
	c.conn = conn
	c.attempt = 0
	c.mu.Unlock()

	c.logger.Debug("connected", "url", c.opts.URL)
	go c.readLoop(gen, conn)
	if c.opts.OnOpen != nil {
		c.opts.OnOpen()
	}
}

func (c *Client) readLoop(gen uint64, conn Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.lost(gen, conn, err)
			return
		}
		if !c.current(gen, conn) {
			continue
		}
		msg, err := protocol.Decode(raw)
		if err != nil {
			c.logger.Debug("dropping malformed message", "error", err)
			continue
		}
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(msg)
		}
	}
}

func (c *Client) current(gen uint64, conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.generation && c.conn == conn
}

// lost handles the end of a socket. Sockets of an old generation are
// ignored.
func (c *Client) lost(gen uint64, conn Conn, err error) {
	_ = conn.Close()
	c.mu.Lock()
	if gen != c.generation || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	var delay time.Duration
	if c.active {
		delay = c.scheduleLocked(gen)
	}
	c.mu.Unlock()

	c.logger.Info("connection lost", "retry_in", delay, "error", err)
	if c.opts.OnClose != nil {
		c.opts.OnClose(err)
	}
}

// scheduleLocked arms the reconnect timer unless one is pending already.
func (c *Client) scheduleLocked(gen uint64) time.Duration {
	if c.timer != nil {
		return 0
	}
	delay := Backoff(c.attempt, c.opts.BaseDelay, c.opts.MaxDelay)
	c.attempt++
	c.timer = c.opts.Scheduler.AfterFunc(delay, func() {
		c.mu.Lock()
		if gen != c.generation || !c.active {
			c.mu.Unlock()
			return
		}
		c.timer = nil
		c.mu.Unlock()
		c.dial(gen)
	})
	return delay
}

func (c *Client) write(conn Conn, raw []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *Client) closeConn(conn Conn) {
	c.writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	_ = conn.Close()
}
