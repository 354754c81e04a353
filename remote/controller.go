// Package remote is the controller side: it pairs with a presenter, keeps
// the latest presentation state and issues navigation commands.
package remote

import (
	"errors"
	"sync"
	"time"

	"github.com/folkengine/goname"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/hashstructure/v2"
	"github.com/tcriess/powerslides/pairing"
	"github.com/tcriess/powerslides/peer"
	"github.com/tcriess/powerslides/protocol"
)

const defaultLoadingTimeout = 3 * time.Second

// ErrBusy is returned while the controller waits for the state following an
// earlier command or refresh.
var ErrBusy = errors.New("waiting for state")

// Transport is the relay connection. *peer.Client implements it.
type Transport interface {
	Connect(join *protocol.JoinMessage) error
	Disconnect()
	Rejoin() error
	Send(msg protocol.Message) error
	Ready() bool
}

type Options struct {
	// Transport overrides the relay connection built from Peer. The owner
	// must then call HandleMessage itself.
	Transport Transport
	Peer      peer.Options

	// From names this controller in the commands it sends.
	From           string
	LoadingTimeout time.Duration
	Codec          *pairing.Codec
	Scheduler      peer.Scheduler
	Logger         hclog.Logger
	Now            func() time.Time

	// OnState runs when the received state differs from the previous one.
	OnState func(protocol.StateSnapshot)
	// OnLoading runs when the loading flag changes.
	OnLoading func(bool)
}

// Controller remote-controls one presentation.
type Controller struct {
	transport Transport
	codec     *pairing.Codec
	scheduler peer.Scheduler
	logger    hclog.Logger
	now       func() time.Time
	from      string
	timeout   time.Duration
	onState   func(protocol.StateSnapshot)
	onLoading func(bool)

	mu          sync.Mutex
	paired      bool
	state       *protocol.StateSnapshot
	fingerprint uint64
	loading     bool
	wait        peer.Timer
	waitGen     uint64
}

func NewController(opts Options) *Controller {
	if opts.LoadingTimeout <= 0 {
		opts.LoadingTimeout = defaultLoadingTimeout
	}
	if opts.From == "" {
		opts.From = goname.New(goname.FantasyMap).FirstLast() + " (remote)"
	}
	if opts.Scheduler == nil {
		opts.Scheduler = peer.ClockScheduler()
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Codec == nil {
		opts.Codec = &pairing.Codec{Now: opts.Now}
	}
	c := &Controller{
		codec:     opts.Codec,
		scheduler: opts.Scheduler,
		logger:    opts.Logger.Named("remote"),
		now:       opts.Now,
		from:      opts.From,
		timeout:   opts.LoadingTimeout,
		onState:   opts.OnState,
		onLoading: opts.OnLoading,
	}
	c.transport = opts.Transport
	if c.transport == nil {
		peerOpts := opts.Peer
		if peerOpts.Logger == nil {
			peerOpts.Logger = c.logger
		}
		peerOpts.OnMessage = c.HandleMessage
		c.transport = peer.NewClient(peerOpts)
	}
	return c
}

// From returns the name sent with every command.
func (c *Controller) From() string {
	return c.from
}

// Pair parses a pairing code and connects with the resulting credential.
// Codec errors are returned unchanged so callers can show
// pairing.Remediation.
func (c *Controller) Pair(code string) (pairing.Credential, error) {
	cred, err := c.codec.Parse(code)
	if err != nil {
		return pairing.Credential{}, err
	}
	return cred, c.Connect(cred)
}

// Connect joins the room for cred without create rights and waits for its
// state.
func (c *Controller) Connect(cred pairing.Credential) error {
	if !cred.Valid() {
		return pairing.ErrInvalidCode
	}
	c.mu.Lock()
	c.paired = true
	c.state = nil
	c.fingerprint = 0
	c.mu.Unlock()

	c.startLoading("connect")
	if err := c.transport.Connect(protocol.NewJoin(cred, false)); err != nil {
		c.Disconnect()
		return err
	}
	return nil
}

// Disconnect forgets the pairing and closes the connection.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	c.paired = false
	c.state = nil
	c.fingerprint = 0
	changed := c.stopLoadingLocked()
	c.mu.Unlock()

	c.transport.Disconnect()
	c.loadingChanged(changed, false)
}

// Refresh re-sends the join message; the relay answers with the room's
// last state.
func (c *Controller) Refresh() error {
	c.startLoading("refresh")
	return c.transport.Rejoin()
}

// SendCommand issues a command to the presenter. It fails with
// protocol.ErrSocketUnready when not connected and with ErrBusy while a
// previous command is waiting for its state.
func (c *Controller) SendCommand(typ protocol.CommandType) error {
	if !c.transport.Ready() {
		c.logger.Debug("command skipped: socket not ready", "command", typ)
		return protocol.ErrSocketUnready
	}
	reason := "command:" + string(typ)
	c.mu.Lock()
	if c.loading {
		c.mu.Unlock()
		c.logger.Debug("command skipped: loading in progress", "command", typ)
		return ErrBusy
	}
	changed := c.startLoadingLocked(reason)
	c.mu.Unlock()
	c.logger.Trace("waiting for state", "reason", reason)
	c.loadingChanged(changed, true)

	cmd := protocol.Command{
		ID:   uuid.NewString(),
		Type: typ,
		At:   c.now().UnixMilli(),
		From: c.from,
	}
	if err := c.transport.Send(protocol.NewCommand(cmd)); err != nil {
		c.stopLoading()
		return err
	}
	c.logger.Debug("command sent", "command", typ, "id", cmd.ID)
	return nil
}

func (c *Controller) Next() error {
	return c.SendCommand(protocol.CommandNext)
}

func (c *Controller) Previous() error {
	return c.SendCommand(protocol.CommandPrevious)
}

func (c *Controller) StartPresentation() error {
	return c.SendCommand(protocol.CommandStartPresentation)
}

// State returns the latest received state.
func (c *Controller) State() (protocol.StateSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		return protocol.StateSnapshot{}, false
	}
	return *c.state, true
}

// Loading reports whether the controller waits for a state.
func (c *Controller) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// PresentationDuration returns the time since the presentation started.
func (c *Controller) PresentationDuration() (time.Duration, bool) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == nil {
		return 0, false
	}
	started, ok := state.StartedAt()
	if !ok {
		return 0, false
	}
	return c.now().Sub(started), true
}

// HandleMessage is the transport's message callback. Only states are
// relevant to a controller.
func (c *Controller) HandleMessage(msg protocol.Message) {
	stateMsg, ok := msg.(*protocol.StateMessage)
	if !ok || stateMsg.Payload == nil {
		return
	}
	c.setState(*stateMsg.Payload)
}

func (c *Controller) setState(state protocol.StateSnapshot) {
	fingerprint, err := hashstructure.Hash(state, hashstructure.FormatV2, nil)
	if err != nil {
		c.logger.Warn("could not hash state", "error", err)
	}

	c.mu.Lock()
	if !c.paired {
		c.mu.Unlock()
		return
	}
	changed := c.state == nil || err != nil || fingerprint != c.fingerprint
	c.state = &state
	c.fingerprint = fingerprint
	loadingChanged := c.stopLoadingLocked()
	c.mu.Unlock()

	c.logger.Trace("state received", "changed", changed)
	c.loadingChanged(loadingChanged, false)
	if changed && c.onState != nil {
		c.onState(state)
	}
}

func (c *Controller) startLoading(reason string) {
	c.mu.Lock()
	changed := c.startLoadingLocked(reason)
	c.mu.Unlock()

	c.logger.Trace("waiting for state", "reason", reason)
	c.loadingChanged(changed, true)
}

// startLoadingLocked sets the loading flag and (re)arms the timeout. It
// reports whether the flag changed.
func (c *Controller) startLoadingLocked(reason string) bool {
	changed := !c.loading
	c.loading = true
	if c.wait != nil {
		c.wait.Stop()
	}
	c.waitGen++
	gen := c.waitGen
	c.wait = c.scheduler.AfterFunc(c.timeout, func() {
		c.mu.Lock()
		if gen != c.waitGen || !c.loading {
			c.mu.Unlock()
			return
		}
		c.loading = false
		c.wait = nil
		c.mu.Unlock()
		c.logger.Debug("loading timeout waiting for state", "reason", reason)
		c.loadingChanged(true, false)
	})
	return changed
}

func (c *Controller) stopLoading() {
	c.mu.Lock()
	changed := c.stopLoadingLocked()
	c.mu.Unlock()
	c.loadingChanged(changed, false)
}

func (c *Controller) stopLoadingLocked() bool {
	if c.wait != nil {
		c.wait.Stop()
		c.wait = nil
	}
	c.waitGen++
	changed := c.loading
	c.loading = false
	return changed
}

func (c *Controller) loadingChanged(changed, loading bool) {
	if changed && c.onLoading != nil {
		c.onLoading(loading)
	}
}
