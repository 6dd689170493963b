package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nantokaworks/streamlive/internal/backendapi"
	"github.com/nantokaworks/streamlive/internal/domain"
	"github.com/nantokaworks/streamlive/internal/msgbus"
	"github.com/nantokaworks/streamlive/internal/registry"
	"github.com/nantokaworks/streamlive/internal/shared/logger"
	"github.com/nantokaworks/streamlive/internal/tiergate"
	"github.com/nantokaworks/streamlive/internal/videocall"
	"go.uber.org/zap"
)

var (
	ErrBusy         = errors.New("another transition is in flight")
	ErrInvalidState = errors.New("operation not valid in current state")
	ErrTierDenied   = errors.New("tier requirement not met")
	ErrNotHost      = errors.New("operation requires host role")
)

// transitionTimeout bounds every lifecycle transition; a transition that does
// not resolve in time fails rather than staying pending.
var transitionTimeout = 30 * time.Second

// Backend is the slice of the backend API the orchestrator drives.
type Backend interface {
	CreateSession(ctx context.Context, params backendapi.CreateSessionParams) (*domain.Session, error)
	GetSession(ctx context.Context, id string) (*backendapi.SessionDetail, error)
	JoinSession(ctx context.Context, id string) error
	LeaveSession(ctx context.Context, id string) error
	AbortSession(ctx context.Context, id string) error
	EndSession(ctx context.Context, id string) error
	Invite(ctx context.Context, id, username string) error
	Promote(ctx context.Context, id, participantID string) error
	Remove(ctx context.Context, id, participantID string) error
	SendMessage(ctx context.Context, id, clientMsgID, text string) (*domain.Message, error)
}

// FeedStarter is the message-feed consumer lifecycle the orchestrator owns
// while the session is live.
type FeedStarter interface {
	Start()
	Stop()
}

// Events are the orchestrator's output callbacks toward the UI layer.
// Nil callbacks are skipped.
type Events struct {
	OnStateChanged        func(domain.SessionState)
	OnMessage             func(domain.Message)
	OnParticipantsChanged func([]domain.Participant)
	OnError               func(domain.ErrorKind, error)
}

// Identity describes the local user driving the session.
type Identity struct {
	UserID   string
	Username string
	Tier     domain.TierLevel
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Backend  Backend
	Provider videocall.Provider
	Identity Identity
	Events   Events

	// WindowSize caps the overlay message view.
	WindowSize int
	// PersistMessages enables sqlite-backed chat history.
	PersistMessages bool
	// ParticipantPollInterval drives the live registry refresh.
	ParticipantPollInterval time.Duration
	// NewFeed builds a feed consumer for a session's bus; nil disables the
	// authoritative feed (tests).
	NewFeed func(sessionID string, bus *msgbus.Bus) FeedStarter
}

// Orchestrator owns the session lifecycle. It is the only component that
// issues lifecycle-changing commands, and it serializes them: a transition
// requested while another is in flight is rejected with ErrBusy, not queued.
type Orchestrator struct {
	cfg      Config
	clientID string

	mu         sync.Mutex
	state      domain.SessionState
	inFlight   bool
	isHost     bool
	session    *domain.Session
	call       videocall.CallHandle
	failReason string

	bus      *msgbus.Bus
	busStop  func()
	reg      *registry.Registry
	feed     FeedStarter
	liveStop context.CancelFunc
}

// New creates an orchestrator in the Idle state. All session and auth data
// arrives through Config; there is no process-wide store.
func New(cfg Config) *Orchestrator {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 50
	}
	if cfg.ParticipantPollInterval <= 0 {
		cfg.ParticipantPollInterval = 5 * time.Second
	}
	return &Orchestrator{
		cfg:      cfg,
		clientID: uuid.NewString(),
		state:    domain.StateIdle,
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() domain.SessionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Session returns the current session record, nil before Creating/Joining.
func (o *Orchestrator) Session() *domain.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return nil
	}
	s := *o.session
	return &s
}

// Bus returns the session's message bus, nil before Live.
func (o *Orchestrator) Bus() *msgbus.Bus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.bus
}

// Registry returns the participant registry, nil before Live.
func (o *Orchestrator) Registry() *registry.Registry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reg
}

// FailReason returns the recorded failure reason, empty unless Failed or a
// best-effort teardown step did not confirm.
func (o *Orchestrator) FailReason() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.failReason
}

// StartHostParams configures a "go live" attempt.
type StartHostParams struct {
	Title    string
	Mode     domain.SessionMode
	Channel  string
	MaxSeats int
	// ChannelTier gates hosting on this channel; empty means ungated.
	ChannelTier domain.TierLevel
}

// StartHost drives Idle → Initializing → (AwaitingTierClearance) → Creating →
// Live. The backend create and the provider create+join run concurrently;
// the session is Live only once both succeed. If either fails, the other's
// partial effect is rolled back and the machine moves to Failed.
func (o *Orchestrator) StartHost(ctx context.Context, params StartHostParams) error {
	if err := o.begin(domain.StateIdle); err != nil {
		return err
	}
	defer o.finish()

	o.setState(domain.StateInitializing)

	if params.ChannelTier != "" {
		o.setState(domain.StateAwaitingTierClearance)
		result, err := tiergate.Check(o.cfg.Identity.Tier, params.ChannelTier, tiergate.CanonicalPolicy)
		if err != nil {
			return o.fail(domain.ErrKindValidationFailure, err)
		}
		if !result.Allowed {
			return o.fail(domain.ErrKindTierDenied, fmt.Errorf("%w: %s", ErrTierDenied, result.Reason))
		}
	}

	o.setState(domain.StateCreating)

	tctx, cancel := context.WithTimeout(ctx, transitionTimeout)
	defer cancel()

	// Fan out: backend session record and call-provider join in parallel to
	// keep go-live latency down; fan in before declaring Live.
	type createResult struct {
		session *domain.Session
		err     error
	}
	type joinResult struct {
		handle videocall.CallHandle
		err    error
	}

	createCh := make(chan createResult, 1)
	joinCh := make(chan joinResult, 1)

	go func() {
		s, err := o.cfg.Backend.CreateSession(tctx, backendapi.CreateSessionParams{
			Title:     params.Title,
			Mode:      params.Mode,
			ChannelID: params.Channel,
			MaxSeats:  params.MaxSeats,
		})
		createCh <- createResult{session: s, err: err}
	}()
	go func() {
		h, err := o.cfg.Provider.CreateOrJoinCall(tctx, params.Channel)
		joinCh <- joinResult{handle: h, err: err}
	}()

	created := <-createCh
	joined := <-joinCh

	if created.err != nil || joined.err != nil {
		// Roll back whichever side succeeded so no orphaned media or
		// half-created record survives.
		if joined.err == nil && joined.handle != nil {
			if err := o.cfg.Provider.Leave(joined.handle); err != nil {
				logger.Error("Rollback leave failed", zap.Error(err))
			}
		}
		if created.err == nil && created.session != nil {
			abortCtx, abortCancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := o.cfg.Backend.AbortSession(abortCtx, created.session.ID); err != nil {
				logger.Error("Rollback abort failed", zap.Error(err))
			}
			abortCancel()
		}

		if created.err != nil {
			return o.fail(domain.ErrKindBackendFailure, fmt.Errorf("create session: %w", created.err))
		}
		return o.fail(domain.ErrKindProviderFailure, fmt.Errorf("join call: %w", joined.err))
	}

	if err := o.cfg.Provider.EnableCamera(joined.handle); err != nil {
		logger.Warn("Failed to enable camera", zap.Error(err))
	}
	if err := o.cfg.Provider.EnableMicrophone(joined.handle); err != nil {
		logger.Warn("Failed to enable microphone", zap.Error(err))
	}

	o.goLive(created.session, joined.handle, true)
	return nil
}

// JoinAsViewer drives Idle → AwaitingTierClearance → Joining → Live. The tier
// gate is evaluated here, at the single entry point, before any network call
// is issued — no other code path can bypass it.
func (o *Orchestrator) JoinAsViewer(ctx context.Context, sess domain.Session) error {
	if err := o.begin(domain.StateIdle); err != nil {
		return err
	}
	defer o.finish()

	o.setState(domain.StateAwaitingTierClearance)

	result, err := tiergate.Check(o.cfg.Identity.Tier, sess.TierRequirement, tiergate.CanonicalPolicy)
	if err != nil {
		return o.fail(domain.ErrKindValidationFailure, err)
	}
	if !result.Allowed {
		return o.fail(domain.ErrKindTierDenied, fmt.Errorf("%w: %s", ErrTierDenied, result.Reason))
	}

	o.setState(domain.StateJoining)

	tctx, cancel := context.WithTimeout(ctx, transitionTimeout)
	defer cancel()

	joinErrCh := make(chan error, 1)
	type callResult struct {
		handle videocall.CallHandle
		err    error
	}
	callCh := make(chan callResult, 1)

	go func() {
		joinErrCh <- o.cfg.Backend.JoinSession(tctx, sess.ID)
	}()
	go func() {
		h, err := o.cfg.Provider.CreateOrJoinCall(tctx, sess.ChannelID)
		callCh <- callResult{handle: h, err: err}
	}()

	joinErr := <-joinErrCh
	call := <-callCh

	if joinErr != nil || call.err != nil {
		// The adapter tolerates leave-before-fully-joined, so a successful
		// provider join is simply left again.
		if call.err == nil && call.handle != nil {
			if err := o.cfg.Provider.Leave(call.handle); err != nil {
				logger.Error("Rollback leave failed", zap.Error(err))
			}
		}
		if joinErr == nil {
			leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := o.cfg.Backend.LeaveSession(leaveCtx, sess.ID); err != nil {
				logger.Error("Rollback backend leave failed", zap.Error(err))
			}
			leaveCancel()
		}

		if joinErr != nil {
			return o.fail(domain.ErrKindBackendFailure, fmt.Errorf("join session: %w", joinErr))
		}
		return o.fail(domain.ErrKindProviderFailure, fmt.Errorf("join call: %w", call.err))
	}

	s := sess
	o.goLive(&s, call.handle, false)
	return nil
}

// EndSession tears the session down. Ordering matters: media is disabled
// before leaving so there is no hot mic/camera window. Every step is
// best-effort; the terminal state is reached regardless of partial failure,
// with a failure reason recorded when the backend end did not confirm.
func (o *Orchestrator) EndSession(ctx context.Context) error {
	o.mu.Lock()
	if o.state != domain.StateLive && o.state != domain.StateJoining && o.state != domain.StateCreating {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidState, o.state)
	}
	if o.inFlight {
		o.mu.Unlock()
		o.emitError(domain.ErrKindBusy, ErrBusy)
		return &domain.KindError{Kind: domain.ErrKindBusy, Err: ErrBusy}
	}
	o.inFlight = true
	call := o.call
	sess := o.session
	isHost := o.isHost
	o.mu.Unlock()
	defer o.finish()

	o.setState(domain.StateEnding)
	o.stopLiveLoops()

	if call != nil {
		if err := o.cfg.Provider.DisableCamera(call); err != nil {
			logger.Warn("Failed to disable camera during teardown", zap.Error(err))
		}
		if err := o.cfg.Provider.DisableMicrophone(call); err != nil {
			logger.Warn("Failed to disable microphone during teardown", zap.Error(err))
		}
		if err := o.cfg.Provider.Leave(call); err != nil {
			logger.Warn("Failed to leave call during teardown", zap.Error(err))
		}
	}

	var endErr error
	if sess != nil {
		tctx, cancel := context.WithTimeout(ctx, transitionTimeout)
		if isHost {
			endErr = o.cfg.Backend.EndSession(tctx, sess.ID)
		} else {
			endErr = o.cfg.Backend.LeaveSession(tctx, sess.ID)
		}
		cancel()
		if endErr != nil {
			logger.Error("Backend end did not confirm", zap.Error(endErr))
			o.mu.Lock()
			o.failReason = fmt.Sprintf("backend end unconfirmed: %v", endErr)
			o.mu.Unlock()
			o.emitError(domain.ErrKindBackendFailure, endErr)
		}
	}

	o.mu.Lock()
	o.call = nil
	o.mu.Unlock()

	o.setState(domain.StateEnded)
	return endErr
}

// SendChat inserts the message optimistically and confirms it in place with
// the backend's authoritative copy.
func (o *Orchestrator) SendChat(ctx context.Context, text string) error {
	o.mu.Lock()
	if o.state != domain.StateLive || o.bus == nil || o.session == nil {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidState, o.state)
	}
	bus := o.bus
	sessionID := o.session.ID
	o.mu.Unlock()

	msg, err := msgbus.NewLocalChat(o.cfg.Identity.UserID, o.cfg.Identity.Username, text)
	if err != nil {
		return fmt.Errorf("session.SendChat: %w", err)
	}
	bus.AddLocal(msg)

	confirmed, err := o.cfg.Backend.SendMessage(ctx, sessionID, msg.ID, text)
	if err != nil {
		// The optimistic copy stays visible; the next authoritative fetch
		// either confirms or supersedes it.
		logger.Warn("Chat send unconfirmed", zap.String("message_id", msg.ID), zap.Error(err))
		return fmt.Errorf("session.SendChat: %w", err)
	}
	bus.Confirm(*confirmed)
	return nil
}

// Promote asks the backend to seat a viewer as guest. Host only, Live only.
// The registry updates only after the refreshed session detail confirms.
func (o *Orchestrator) Promote(ctx context.Context, participantID string) error {
	reg, sessionID, err := o.hostOp()
	if err != nil {
		return err
	}
	if err := reg.ValidatePromote(participantID); err != nil {
		o.emitError(domain.ErrKindValidationFailure, err)
		return fmt.Errorf("session.Promote: %w", err)
	}
	if err := o.cfg.Backend.Promote(ctx, sessionID, participantID); err != nil {
		o.emitError(domain.ErrKindBackendFailure, err)
		return fmt.Errorf("session.Promote: %w", err)
	}
	o.refreshParticipants(ctx)
	return nil
}

// Invite sends a backend invite. The registry is untouched until the
// invitee's join shows up in a session-detail refresh.
func (o *Orchestrator) Invite(ctx context.Context, username string) error {
	reg, sessionID, err := o.hostOp()
	if err != nil {
		return err
	}
	if err := reg.ValidateInvite(username); err != nil {
		o.emitError(domain.ErrKindValidationFailure, err)
		return fmt.Errorf("session.Invite: %w", err)
	}
	if err := o.cfg.Backend.Invite(ctx, sessionID, username); err != nil {
		o.emitError(domain.ErrKindBackendFailure, err)
		return fmt.Errorf("session.Invite: %w", err)
	}
	return nil
}

// Remove removes a participant. Never optimistic: removal is destructive and
// must not flicker back if the request fails.
func (o *Orchestrator) Remove(ctx context.Context, participantID string) error {
	reg, sessionID, err := o.hostOp()
	if err != nil {
		return err
	}
	if err := reg.ValidateRemove(participantID); err != nil {
		o.emitError(domain.ErrKindValidationFailure, err)
		return fmt.Errorf("session.Remove: %w", err)
	}
	if err := o.cfg.Backend.Remove(ctx, sessionID, participantID); err != nil {
		o.emitError(domain.ErrKindBackendFailure, err)
		return fmt.Errorf("session.Remove: %w", err)
	}
	o.refreshParticipants(ctx)
	return nil
}

// Reset returns a terminal orchestrator to Idle for an explicit user retry.
func (o *Orchestrator) Reset() error {
	o.mu.Lock()

	if !o.state.Terminal() {
		state := o.state
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidState, state)
	}
	o.state = domain.StateIdle
	o.session = nil
	o.call = nil
	o.failReason = ""
	o.bus = nil
	o.reg = nil
	o.mu.Unlock()

	if o.cfg.Events.OnStateChanged != nil {
		o.cfg.Events.OnStateChanged(domain.StateIdle)
	}
	return nil
}

// begin acquires the single transition slot from the required state.
func (o *Orchestrator) begin(required domain.SessionState) error {
	o.mu.Lock()

	if o.inFlight {
		o.mu.Unlock()
		o.emitError(domain.ErrKindBusy, ErrBusy)
		return &domain.KindError{Kind: domain.ErrKindBusy, Err: ErrBusy}
	}
	if o.state != required {
		state := o.state
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidState, state)
	}
	o.inFlight = true
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) finish() {
	o.mu.Lock()
	o.inFlight = false
	o.mu.Unlock()
}

func (o *Orchestrator) hostOp() (*registry.Registry, string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != domain.StateLive || o.reg == nil || o.session == nil {
		return nil, "", fmt.Errorf("%w: %s", ErrInvalidState, o.state)
	}
	if !o.isHost {
		return nil, "", ErrNotHost
	}
	return o.reg, o.session.ID, nil
}

// goLive finalizes a successful Creating/Joining transition: bus, registry,
// feed, participant poll, then the Live state.
func (o *Orchestrator) goLive(sess *domain.Session, call videocall.CallHandle, isHost bool) {
	bus := msgbus.New(sess.ID, o.cfg.WindowSize, o.cfg.PersistMessages)
	reg := registry.New(sess.MaxSeats, o.cfg.Events.OnParticipantsChanged)

	var feedConsumer FeedStarter
	if o.cfg.NewFeed != nil {
		feedConsumer = o.cfg.NewFeed(sess.ID, bus)
	}

	liveCtx, liveCancel := context.WithCancel(context.Background())

	var busStop func()
	if o.cfg.Events.OnMessage != nil {
		ch, cancel := bus.Subscribe()
		busStop = cancel
		go func() {
			for msg := range ch {
				o.cfg.Events.OnMessage(msg)
			}
		}()
	}

	now := time.Now()
	sess.State = domain.StateLive
	if sess.StartedAt == nil {
		sess.StartedAt = &now
	}

	o.mu.Lock()
	o.session = sess
	o.call = call
	o.isHost = isHost
	o.bus = bus
	o.busStop = busStop
	o.reg = reg
	o.feed = feedConsumer
	o.liveStop = liveCancel
	o.mu.Unlock()

	if feedConsumer != nil {
		feedConsumer.Start()
	}
	go o.participantPollLoop(liveCtx)

	o.setState(domain.StateLive)

	logger.Info("Session live",
		zap.String("session_id", sess.ID),
		zap.Bool("host", isHost),
		zap.String("mode", string(sess.Mode)))
}

func (o *Orchestrator) stopLiveLoops() {
	o.mu.Lock()
	feedConsumer := o.feed
	liveCancel := o.liveStop
	busStop := o.busStop
	o.feed = nil
	o.liveStop = nil
	o.busStop = nil
	o.mu.Unlock()

	if feedConsumer != nil {
		feedConsumer.Stop()
	}
	if liveCancel != nil {
		liveCancel()
	}
	if busStop != nil {
		busStop()
	}
}

// participantPollLoop refreshes the read-through registry while Live.
func (o *Orchestrator) participantPollLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.ParticipantPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.refreshParticipants(ctx)
		}
	}
}

func (o *Orchestrator) refreshParticipants(ctx context.Context) {
	o.mu.Lock()
	sess := o.session
	reg := o.reg
	o.mu.Unlock()

	if sess == nil || reg == nil {
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	detail, err := o.cfg.Backend.GetSession(reqCtx, sess.ID)
	if err != nil {
		logger.Debug("Participant refresh failed, will retry", zap.Error(err))
		return
	}
	reg.ApplySnapshot(detail.Participants)
}

// fail records the reason and moves to the terminal Failed state.
func (o *Orchestrator) fail(kind domain.ErrorKind, err error) error {
	o.mu.Lock()
	o.failReason = err.Error()
	o.mu.Unlock()

	o.stopLiveLoops()
	o.setState(domain.StateFailed)
	o.emitError(kind, err)

	return &domain.KindError{Kind: kind, Err: err}
}

func (o *Orchestrator) setState(s domain.SessionState) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()

	if o.cfg.Events.OnStateChanged != nil {
		o.cfg.Events.OnStateChanged(s)
	}
}

func (o *Orchestrator) emitError(kind domain.ErrorKind, err error) {
	if o.cfg.Events.OnError != nil {
		o.cfg.Events.OnError(kind, err)
	}
}
