package peer

import (
	"context"
	"errors"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/powerslides/config"
	"github.com/tcriess/powerslides/pairing"
	"github.com/tcriess/powerslides/protocol"
	"github.com/tcriess/powerslides/relay"
)

var errDial = errors.New("connection refused")

type fakeConn struct {
	incoming  chan []byte
	written   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 16),
		written:  make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-c.incoming:
		return websocket.TextMessage, msg, nil
	case <-c.closed:
		return 0, nil, errors.New("closed")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("closed")
	default:
	}
	if messageType == websocket.TextMessage {
		c.written <- data
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type fakeDialer struct {
	sync.Mutex
	failures int
	dials    int
	conns    chan *fakeConn
}

func newFakeDialer(failures int) *fakeDialer {
	return &fakeDialer{failures: failures, conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.Lock()
	defer d.Unlock()
	d.dials++
	if d.failures > 0 {
		d.failures--
		return nil, errDial
	}
	conn := newFakeConn()
	d.conns <- conn
	return conn, nil
}

type fakeTask struct {
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

type fakeScheduler struct {
	sync.Mutex
	tasks []*fakeTask
}

type fakeTimer struct {
	s    *fakeScheduler
	task *fakeTask
}

func (t fakeTimer) Stop() bool {
	t.s.Lock()
	defer t.s.Unlock()
	wasPending := !t.task.stopped && !t.task.fired
	t.task.stopped = true
	return wasPending
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.Lock()
	defer s.Unlock()
	task := &fakeTask{delay: d, f: f}
	s.tasks = append(s.tasks, task)
	return fakeTimer{s: s, task: task}
}

func (s *fakeScheduler) pending() []*fakeTask {
	s.Lock()
	defer s.Unlock()
	var res []*fakeTask
	for _, t := range s.tasks {
		if !t.stopped && !t.fired {
			res = append(res, t)
		}
	}
	return res
}

// fire runs the single pending task and returns its delay.
func (s *fakeScheduler) fire(t *testing.T) time.Duration {
	t.Helper()
	pending := s.pending()
	require.Len(t, pending, 1)
	task := pending[0]
	s.Lock()
	task.fired = true
	s.Unlock()
	task.f()
	return task.delay
}

func (s *fakeScheduler) waitPending(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.pending()) == 1 }, 2*time.Second, time.Millisecond)
}

func testJoin() *protocol.JoinMessage {
	return protocol.NewJoin(pairing.Credential{SlideID: "ROOM", Password: "ROOM"}, false)
}

func receive(t *testing.T, ch chan []byte) []byte {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	return nil
}

func TestBackoff(t *testing.T) {
	delays := make([]time.Duration, 0)
	for attempt := 0; attempt < 6; attempt++ {
		delays = append(delays, Backoff(attempt, time.Second, 10*time.Second))
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second,
	}, delays)
	assert.Equal(t, 10*time.Second, Backoff(1000, time.Second, 10*time.Second))
	assert.Equal(t, 10*time.Second, Backoff(0, 0, 10*time.Second))
}

func TestClientBackoffSequence(t *testing.T) {
	dialer := newFakeDialer(5)
	scheduler := &fakeScheduler{}
	opened := make(chan struct{}, 1)
	c := NewClient(Options{
		URL:       "ws://relay/ws",
		Dialer:    dialer,
		Scheduler: scheduler,
		OnOpen:    func() { opened <- struct{}{} },
	})
	require.NoError(t, c.Connect(testJoin()))

	scheduler.waitPending(t)
	var delays []time.Duration
	for i := 0; i < 5; i++ {
		delays = append(delays, scheduler.fire(t))
		if i < 4 {
			require.Len(t, scheduler.pending(), 1)
		}
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second,
	}, delays)

	// the sixth dial succeeds
	conn := <-dialer.conns
	<-opened
	assert.True(t, c.Ready())
	assert.Equal(t, 0, c.Attempt())
	assert.Empty(t, scheduler.pending())
	assert.JSONEq(t, `{"type":"join","slideId":"ROOM","password":"ROOM"}`, string(receive(t, conn.written)))
}

func TestClientRejoinsAfterDrop(t *testing.T) {
	dialer := newFakeDialer(0)
	scheduler := &fakeScheduler{}
	closed := make(chan error, 1)
	messages := make(chan protocol.Message, 4)
	c := NewClient(Options{
		URL:       "ws://relay/ws",
		Dialer:    dialer,
		Scheduler: scheduler,
		OnClose:   func(err error) { closed <- err },
		OnMessage: func(msg protocol.Message) { messages <- msg },
	})
	require.NoError(t, c.Connect(testJoin()))
	first := <-dialer.conns
	receive(t, first.written)

	first.incoming <- []byte(`{"type":"state","payload":{"current":3}}`)
	msg := <-messages
	assert.Equal(t, 3, *msg.(*protocol.StateMessage).Payload.Current)

	first.Close()
	<-closed
	assert.False(t, c.Ready())
	scheduler.waitPending(t)
	assert.Equal(t, time.Second, scheduler.fire(t))

	second := <-dialer.conns
	assert.JSONEq(t, `{"type":"join","slideId":"ROOM","password":"ROOM"}`, string(receive(t, second.written)))
	assert.True(t, c.Ready())

	require.NoError(t, c.Send(protocol.NewCommand(protocol.Command{Type: protocol.CommandNext, At: 1})))
	assert.JSONEq(t, `{"type":"command","payload":{"type":"next","at":1}}`, string(receive(t, second.written)))
}

func TestClientDisconnectCancelsReconnect(t *testing.T) {
	dialer := newFakeDialer(1)
	scheduler := &fakeScheduler{}
	c := NewClient(Options{URL: "ws://relay/ws", Dialer: dialer, Scheduler: scheduler})
	require.NoError(t, c.Connect(testJoin()))
	scheduler.waitPending(t)
	stale := scheduler.pending()[0]

	c.Disconnect()
	assert.Empty(t, scheduler.pending())
	// a timer that fires anyway does nothing
	stale.f()
	dialer.Lock()
	assert.Equal(t, 1, dialer.dials)
	dialer.Unlock()
	assert.False(t, c.Ready())

	err := c.Send(protocol.NewCommand(protocol.Command{Type: protocol.CommandNext}))
	assert.True(t, errors.Is(err, protocol.ErrSocketUnready))
}

func TestClientDisconnectClosesSocket(t *testing.T) {
	dialer := newFakeDialer(0)
	scheduler := &fakeScheduler{}
	closed := make(chan error, 1)
	c := NewClient(Options{
		URL:       "ws://relay/ws",
		Dialer:    dialer,
		Scheduler: scheduler,
		OnClose:   func(err error) { closed <- err },
	})
	require.NoError(t, c.Connect(testJoin()))
	conn := <-dialer.conns
	receive(t, conn.written)

	c.Disconnect()
	<-conn.closed
	assert.False(t, c.Ready())
	assert.Empty(t, scheduler.pending())
	select {
	case <-closed:
		t.Fatal("explicit disconnect reported as connection loss")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClientJoinIsFirstFrame(t *testing.T) {
	state := protocol.NewState(protocol.StateSnapshot{Current: protocol.Int(1)})
	for i := 0; i < 200; i++ {
		dialer := newFakeDialer(0)
		c := NewClient(Options{URL: "ws://relay/ws", Dialer: dialer, Scheduler: &fakeScheduler{}})

		sent := make(chan struct{})
		stop := make(chan struct{})
		go func() {
			for {
				select {
				case <-stop:
					return
				default:
				}
				if c.Ready() && c.Send(state) == nil {
					close(sent)
					return
				}
				runtime.Gosched()
			}
		}()

		require.NoError(t, c.Connect(testJoin()))
		conn := <-dialer.conns
		require.JSONEq(t, `{"type":"join","slideId":"ROOM","password":"ROOM"}`, string(receive(t, conn.written)))
		select {
		case <-sent:
		case <-time.After(2 * time.Second):
			t.Fatal("state never sent")
		}
		close(stop)
		c.Disconnect()
	}
}

func TestClientRequiresURL(t *testing.T) {
	c := NewClient(Options{})
	assert.True(t, errors.Is(c.Connect(testJoin()), ErrNoURL))
}

func TestClientAgainstRelay(t *testing.T) {
	s := relay.NewServer(config.RelayConfig{}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	cred := pairing.Credential{SlideID: "ROOM", Password: "ROOM"}

	var presenter *Client
	presenter = NewClient(Options{
		URL:       url,
		BaseDelay: 10 * time.Millisecond,
		MaxDelay:  50 * time.Millisecond,
		OnOpen: func() {
			_ = presenter.Send(protocol.NewState(protocol.StateSnapshot{Current: protocol.Int(1), Total: protocol.Int(10)}))
		},
	})
	require.NoError(t, presenter.Connect(protocol.NewJoin(cred, true)))
	defer presenter.Disconnect()

	var mu sync.Mutex
	states := 0
	controller := NewClient(Options{
		URL:       url,
		BaseDelay: 10 * time.Millisecond,
		MaxDelay:  50 * time.Millisecond,
		OnMessage: func(msg protocol.Message) {
			if _, ok := msg.(*protocol.StateMessage); ok {
				mu.Lock()
				states++
				mu.Unlock()
			}
		},
	})
	require.NoError(t, controller.Connect(protocol.NewJoin(cred, false)))
	defer controller.Disconnect()

	received := func(n int) func() bool {
		return func() bool {
			mu.Lock()
			defer mu.Unlock()
			return states >= n
		}
	}
	require.Eventually(t, received(1), 5*time.Second, 5*time.Millisecond)

	// drop every connection; both peers come back and the state is delivered again
	s.Registry().Shutdown(relay.ErrServerShutdown)
	mu.Lock()
	seen := states
	mu.Unlock()
	require.Eventually(t, received(seen+1), 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return presenter.Ready() && controller.Ready() }, 5*time.Second, 5*time.Millisecond)
}
