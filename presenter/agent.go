// Package presenter is the publishing side: it owns the presenter session,
// publishes the presentation state on a cadence and after every command,
// and acts on the commands remotes send.
package presenter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"
	"github.com/robfig/cron/v3"
	"github.com/tcriess/powerslides/filter"
	"github.com/tcriess/powerslides/pairing"
	"github.com/tcriess/powerslides/peer"
	"github.com/tcriess/powerslides/persistence"
	"github.com/tcriess/powerslides/protocol"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultDedupSize    = 512
	publishTimeout      = 5 * time.Second
)

var (
	ErrNoSession = errors.New("no active session")
	ErrDuplicate = errors.New("duplicate command")
	ErrStale     = errors.New("command predates the session")
	ErrFiltered  = errors.New("command rejected by filter")
)

// Transport is the relay connection. *peer.Client implements it.
type Transport interface {
	Connect(join *protocol.JoinMessage) error
	Disconnect()
	Send(msg protocol.Message) error
	Ready() bool
}

type Options struct {
	// Transport overrides the relay connection built from Peer. The owner
	// must then call Opened and HandleMessage itself.
	Transport Transport
	Peer      peer.Options

	PollInterval time.Duration
	DedupSize    int
	Filter       *filter.Filter
	Store        persistence.Persister
	Logger       hclog.Logger
	Now          func() time.Time
}

// Agent publishes one presentation to the relay.
type Agent struct {
	source    Source
	transport Transport
	filter    *filter.Filter
	store     persistence.Persister
	logger    hclog.Logger
	now       func() time.Time
	poll      time.Duration

	// seen holds the dedup keys of handled commands
	seen *lru.Cache

	mu                    sync.Mutex
	session               *persistence.Session
	presentationStartedAt *int64
	lastState             *protocol.StateSnapshot
	cron                  *cron.Cron

	publishMu sync.Mutex
}

func NewAgent(source Source, opts Options) (*Agent, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.DedupSize <= 0 {
		opts.DedupSize = defaultDedupSize
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	seen, err := lru.New(opts.DedupSize)
	if err != nil {
		return nil, err
	}
	a := &Agent{
		source: source,
		filter: opts.Filter,
		store:  opts.Store,
		logger: opts.Logger.Named("presenter"),
		now:    opts.Now,
		poll:   opts.PollInterval,
		seen:   seen,
	}
	a.transport = opts.Transport
	if a.transport == nil {
		peerOpts := opts.Peer
		if peerOpts.Logger == nil {
			peerOpts.Logger = a.logger
		}
		peerOpts.OnOpen = a.Opened
		peerOpts.OnMessage = a.HandleMessage
		a.transport = peer.NewClient(peerOpts)
	}
	return a, nil
}

// StartSession replaces any running session with one for code, connects to
// the relay as the room's creator and starts publishing.
func (a *Agent) StartSession(code pairing.Session) error {
	a.StopSession()
	session := persistence.Session{
		SlideID:     code.Credential.SlideID,
		Password:    code.Credential.Password,
		PairingCode: code.Code,
		StartedAt:   a.now().UnixMilli(),
	}
	return a.start(session)
}

// RestoreSession resumes the session kept in the store, if any. The session
// start time is reset so commands queued while the agent was down are
// ignored.
func (a *Agent) RestoreSession() (bool, error) {
	if a.store == nil {
		return false, nil
	}
	stored, err := a.store.GetSession()
	if errors.Is(err, persistence.ErrNoSession) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if stored.PairingCode == "" {
		return false, a.store.DeleteSession()
	}
	a.StopSession()
	session := *stored
	session.StartedAt = a.now().UnixMilli()
	session.PresentationStartedAt = nil
	a.logger.Info("restoring session", "code", session.PairingCode)
	return true, a.start(session)
}

func (a *Agent) start(session persistence.Session) error {
	c := cron.New(cron.WithLogger(cronLogger{a.logger}), cron.WithChain(cron.SkipIfStillRunning(cronLogger{a.logger})))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", a.poll), a.tick); err != nil {
		return err
	}

	a.mu.Lock()
	a.session = &session
	a.presentationStartedAt = nil
	a.lastState = nil
	a.cron = c
	a.mu.Unlock()
	a.seen.Purge()

	a.persist()
	c.Start()
	a.logger.Info("session started", "code", session.PairingCode)
	return a.transport.Connect(protocol.NewJoin(pairing.Credential{SlideID: session.SlideID, Password: session.Password}, true))
}

// StopSession disconnects, stops publishing and forgets the session.
func (a *Agent) StopSession() {
	a.mu.Lock()
	c := a.cron
	hadSession := a.session != nil
	a.cron = nil
	a.session = nil
	a.presentationStartedAt = nil
	a.lastState = nil
	a.mu.Unlock()
	a.seen.Purge()

	if c != nil {
		<-c.Stop().Done()
	}
	a.transport.Disconnect()
	if hadSession && a.store != nil {
		if err := a.store.DeleteSession(); err != nil {
			a.logger.Error("could not delete session", "error", err)
		}
	}
}

// Session returns the running session.
func (a *Agent) Session() (persistence.Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return persistence.Session{}, false
	}
	s := *a.session
	s.PresentationStartedAt = a.presentationStartedAt
	return s, true
}

// LastState returns the last published snapshot.
func (a *Agent) LastState() *protocol.StateSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastState
}

// Opened publishes right after the relay connection (re)opened.
func (a *Agent) Opened() {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := a.PublishState(ctx); err != nil {
		a.logger.Debug("initial publish failed", "error", err)
	}
}

func (a *Agent) tick() {
	if !a.transport.Ready() {
		a.logger.Trace("publish skipped: socket not ready")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := a.PublishState(ctx); err != nil {
		a.logger.Debug("periodic publish failed", "error", err)
	}
}

// PublishState reads the source and publishes a full snapshot. Reads that
// fail keep the value of the last published snapshot.
func (a *Agent) PublishState(ctx context.Context) error {
	a.publishMu.Lock()
	defer a.publishMu.Unlock()

	a.mu.Lock()
	if a.session == nil {
		a.mu.Unlock()
		return ErrNoSession
	}
	prev := a.lastState
	started := a.presentationStartedAt
	a.mu.Unlock()

	var (
		current, total *int
		note, title    *string
		g              errgroup.Group
	)
	g.Go(func() error {
		var err error
		current, total, err = a.source.Counts(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		note, err = a.source.SpeakerNote(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		title, err = a.source.Title(ctx)
		return err
	})
	if err := g.Wait(); err != nil {
		a.logger.Warn("partial state read", "error", err)
	}

	snapshot := protocol.StateSnapshot{
		Current:               current,
		Total:                 total,
		SpeakerNote:           note,
		Title:                 title,
		UpdatedAt:             a.now().UnixMilli(),
		PresentationStartedAt: started,
	}.Merge(prev)
	if err := a.transport.Send(protocol.NewState(snapshot)); err != nil {
		return err
	}

	a.mu.Lock()
	if a.session != nil {
		a.lastState = &snapshot
	}
	a.mu.Unlock()
	a.logger.Trace("state sent", "updated_at", snapshot.UpdatedAt)
	return nil
}

// HandleMessage is the transport's message callback. Only commands are
// acted upon; the relay's echo of our own state is ignored.
func (a *Agent) HandleMessage(msg protocol.Message) {
	cmdMsg, ok := msg.(*protocol.CommandMessage)
	if !ok || cmdMsg.Payload == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	err := a.HandleCommand(ctx, *cmdMsg.Payload)
	switch {
	case err == nil:
	case errors.Is(err, ErrDuplicate), errors.Is(err, ErrStale):
		a.logger.Debug("command ignored", "command", cmdMsg.Payload.Type, "reason", err)
	default:
		a.logger.Warn("command failed", "command", cmdMsg.Payload.Type, "error", err)
	}
}

// HandleCommand acts on a command once. Commands are de-duplicated by
// their dedup key and ignored if issued before the session started.
func (a *Agent) HandleCommand(ctx context.Context, cmd protocol.Command) error {
	a.mu.Lock()
	if a.session == nil {
		a.mu.Unlock()
		return ErrNoSession
	}
	key := cmd.DedupKey()
	if a.seen.Contains(key) {
		a.mu.Unlock()
		return ErrDuplicate
	}
	if cmd.IssuedAt().Before(a.session.Started()) {
		a.mu.Unlock()
		return ErrStale
	}
	a.seen.Add(key, struct{}{})
	last := a.lastState
	a.mu.Unlock()

	ok, err := a.filter.Allow(filter.NewEnv(cmd, last, a.now()))
	if err != nil {
		a.logger.Warn("command filter failed", "filter", a.filter.String(), "error", err)
	}
	if !ok {
		return ErrFiltered
	}

	a.logger.Info("command received", "command", cmd.Type, "from", cmd.From)
	if cmd.Type == protocol.CommandStartPresentation {
		return a.StartPresentation(ctx)
	}
	if err := a.source.Execute(ctx, cmd.Type); err != nil {
		return fmt.Errorf("could not execute %s: %w", cmd.Type, err)
	}
	return a.PublishState(ctx)
}

// StartPresentation marks the presentation as started and publishes. The
// start time is set only once per session.
func (a *Agent) StartPresentation(ctx context.Context) error {
	a.mu.Lock()
	if a.session == nil {
		a.mu.Unlock()
		return ErrNoSession
	}
	if a.presentationStartedAt != nil {
		a.mu.Unlock()
		return nil
	}
	started := a.now().UnixMilli()
	a.presentationStartedAt = &started
	a.mu.Unlock()

	a.logger.Info("presentation started")
	a.persist()
	return a.PublishState(ctx)
}

func (a *Agent) persist() {
	if a.store == nil {
		return
	}
	session, ok := a.Session()
	if !ok {
		return
	}
	if err := a.store.StoreSession(session); err != nil {
		a.logger.Error("could not store session", "error", err)
	}
}
