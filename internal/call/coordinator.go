// Package call contains the per-call state machine and the manager that owns
// one coordinator per live call. A coordinator turns local intent into engine
// calls and channel writes, and remote channel updates into engine calls and
// state transitions; it is the single writer of its own state.
package call

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/talkwire/callcore/internal/config"
	apperrors "github.com/talkwire/callcore/internal/errors"
	"github.com/talkwire/callcore/internal/media"
	"github.com/talkwire/callcore/internal/model"
	"github.com/talkwire/callcore/internal/signaling"
)

// State is the coordinator-local lifecycle phase. It is distinct from the
// stored call status: Negotiating and Active are local refinements the shared
// record does not distinguish until connectivity is confirmed.
type State string

const (
	StateIdle        State = "idle"
	StateOutgoing    State = "outgoing"
	StateIncoming    State = "incoming"
	StateNegotiating State = "negotiating"
	StateActive      State = "active"
	StateTerminated  State = "terminated"
)

// ConnectionQuality is a coarse media-path health indicator for presenters.
type ConnectionQuality string

const (
	QualityNone       ConnectionQuality = "none"
	QualityConnecting ConnectionQuality = "connecting"
	QualityGood       ConnectionQuality = "good"
	QualityDegraded   ConnectionQuality = "degraded"
)

// StateSnapshot is one observable frame of coordinator state. Elapsed is
// recomputed from the shared connectedAt anchor on every frame, never from a
// locally incremented counter, so both participants' displays converge.
type StateSnapshot struct {
	CallID  string
	State   State
	Status  model.CallStatus
	Elapsed time.Duration
	Quality ConnectionQuality
}

// EngineFactory builds a media engine for one call. Called at most once per
// coordinator, after the permission check passes.
type EngineFactory func(kind model.MediaKind) (media.Engine, error)

// PermissionChecker gates capture-device access. A denial surfaces before
// any engine or channel interaction and never produces a ringing record.
type PermissionChecker interface {
	Check(kind model.MediaKind) error
}

// AllowAll is the PermissionChecker for headless deployments with no
// capture devices to gate.
type AllowAll struct{}

func (AllowAll) Check(kind model.MediaKind) error { return nil }

type role int

const (
	roleCaller role = iota
	roleRecipient
)

// Config carries the per-call timing knobs.
type Config struct {
	RingTimeout    time.Duration
	ConnectTimeout time.Duration
	TickInterval   time.Duration
	Now            func() time.Time
}

// NewConfig maps the service-level timeout settings onto the per-call knobs.
func NewConfig(cfg *config.Config) Config {
	return Config{
		RingTimeout:    cfg.RingTimeout(),
		ConnectTimeout: cfg.ConnectTimeout(),
	}
}

func (cfg Config) withDefaults() Config {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 35 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 20 * time.Second
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}

// Coordinator drives one call on one client. All fields below the events
// queue are owned by the run loop goroutine.
type Coordinator struct {
	callID  string
	selfID  string
	peerID  string
	kind    model.MediaKind
	role    role
	channel signaling.Channel
	engines EngineFactory
	perms   PermissionChecker
	cfg     Config
	logger  zerolog.Logger

	events chan event
	done   chan struct{}

	// sub crosses goroutines: the subscribe goroutine deposits the cancel,
	// the loop releases it on teardown. Everything below is loop-owned.
	sub subscription
	state         State
	termStatus    model.CallStatus
	storedStatus  model.CallStatus
	engine        media.Engine
	engineState   media.ConnectionState
	tracker       *candidateTracker
	gen           int
	offer         string
	answerApplied bool
	connectedAt   *time.Time
	quality       ConnectionQuality
	engineClosed  bool
	observers     []chan StateSnapshot
	initiateReply chan initiateResult
	ringTimer     *time.Timer
	connectTimer  *time.Timer
	ticker        *time.Ticker
	onDone        func(callID string)
}

func newCoordinator(
	callID, selfID, peerID string,
	kind model.MediaKind,
	r role,
	channel signaling.Channel,
	engines EngineFactory,
	perms PermissionChecker,
	cfg Config,
	logger zerolog.Logger,
) *Coordinator {
	if perms == nil {
		perms = AllowAll{}
	}
	c := &Coordinator{
		callID:       callID,
		selfID:       selfID,
		peerID:       peerID,
		kind:         kind,
		role:         r,
		channel:      channel,
		engines:      engines,
		perms:        perms,
		cfg:          cfg.withDefaults(),
		logger:       logger.With().Str("component", "coordinator").Str("callId", callID).Logger(),
		events:       make(chan event, 64),
		done:         make(chan struct{}),
		state:        StateIdle,
		storedStatus: model.CallStatusRinging,
		tracker:      newCandidateTracker(),
		quality:      QualityNone,
	}
	return c
}

// ID returns the call identifier this coordinator drives.
func (c *Coordinator) ID() string { return c.callID }

// Done closes when the coordinator reaches a terminal state and has released
// its resources.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

func (c *Coordinator) post(ev event) error {
	select {
	case <-c.done:
		return apperrors.CallTerminated()
	case c.events <- ev:
		return nil
	}
}

func (c *Coordinator) postAsync(gen int, apply func(*Coordinator)) {
	select {
	case <-c.done:
	case c.events <- evAsync{gen: gen, apply: apply}:
	}
}

// goAsync runs fn off the loop and applies its result back on the loop,
// tagged with the current generation so results that complete after a
// termination or supersession are discarded rather than applied.
func (c *Coordinator) goAsync(fn func() func(*Coordinator)) {
	gen := c.gen
	go func() {
		apply := fn()
		if apply == nil {
			return
		}
		c.postAsync(gen, apply)
	}()
}

func (c *Coordinator) await(ctx context.Context, reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return apperrors.CallTerminated()
	}
}

// Initiate starts an outgoing call: permission check, offer production,
// record creation, subscription. Returns once the record write is confirmed
// or has definitively failed.
func (c *Coordinator) Initiate(ctx context.Context) (string, error) {
	reply := make(chan initiateResult, 1)
	if err := c.post(evInitiate{reply: reply}); err != nil {
		return "", err
	}
	select {
	case res := <-reply:
		return res.callID, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.done:
		return "", apperrors.CallTerminated()
	}
}

// Accept answers an incoming call. Returns once the answer write is
// confirmed or has definitively failed.
func (c *Coordinator) Accept(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := c.post(evAccept{reply: reply}); err != nil {
		return err
	}
	return c.await(ctx, reply)
}

// Decline rejects an incoming call and releases local resources without
// waiting for the status write to land.
func (c *Coordinator) Decline(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := c.post(evDecline{reply: reply}); err != nil {
		return err
	}
	return c.await(ctx, reply)
}

// End hangs up. Legal from every non-terminal state and idempotent once
// terminated. Local teardown never waits on the terminal status write.
func (c *Coordinator) End(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := c.post(evEnd{reply: reply}); err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeCallTerminated) {
			return nil
		}
		return err
	}
	return c.await(ctx, reply)
}

func (c *Coordinator) SetMuted(ctx context.Context, muted bool) error {
	reply := make(chan error, 1)
	if err := c.post(evSetMuted{muted: muted, reply: reply}); err != nil {
		return err
	}
	return c.await(ctx, reply)
}

func (c *Coordinator) SetVideoEnabled(ctx context.Context, enabled bool) error {
	reply := make(chan error, 1)
	if err := c.post(evSetVideoEnabled{enabled: enabled, reply: reply}); err != nil {
		return err
	}
	return c.await(ctx, reply)
}

func (c *Coordinator) SwitchCamera(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := c.post(evSwitchCamera{reply: reply}); err != nil {
		return err
	}
	return c.await(ctx, reply)
}

// Observe returns a stream of state frames: one per transition plus one per
// clock tick while active. The channel closes when the call terminates. Slow
// observers lose intermediate frames rather than stalling the loop.
func (c *Coordinator) Observe() <-chan StateSnapshot {
	ch := make(chan StateSnapshot, 16)
	if err := c.post(evObserve{ch: ch}); err != nil {
		close(ch)
		return ch
	}
	return ch
}

func (c *Coordinator) start() {
	go c.run()
}

func (c *Coordinator) run() {
	for {
		var ringC, connectC <-chan time.Time
		var tickC <-chan time.Time
		if c.ringTimer != nil {
			ringC = c.ringTimer.C
		}
		if c.connectTimer != nil {
			connectC = c.connectTimer.C
		}
		if c.ticker != nil {
			tickC = c.ticker.C
		}

		select {
		case <-c.done:
			return
		case ev := <-c.events:
			c.handle(ev)
		case <-ringC:
			c.handleRingTimeout()
		case <-connectC:
			c.handleConnectTimeout()
		case <-tickC:
			c.broadcast()
		}
	}
}

func (c *Coordinator) handle(ev event) {
	switch ev := ev.(type) {
	case evInitiate:
		c.handleInitiate(ev)
	case evAccept:
		c.handleAccept(ev)
	case evDecline:
		c.handleDecline(ev)
	case evEnd:
		c.handleEnd(ev)
	case evSetMuted:
		ev.reply <- c.withEngine(func(e media.Engine) error { return e.SetMuted(ev.muted) })
	case evSetVideoEnabled:
		ev.reply <- c.withEngine(func(e media.Engine) error { return e.SetVideoEnabled(ev.enabled) })
	case evSwitchCamera:
		ev.reply <- c.withEngine(func(e media.Engine) error { return e.SwitchCamera() })
	case evObserve:
		c.observers = append(c.observers, ev.ch)
		c.sendFrame(ev.ch)
	case evSnapshot:
		c.handleSnapshot(ev.snap)
	case evLocalCandidate:
		c.handleLocalCandidate(ev.candidate)
	case evEngineState:
		c.handleEngineState(ev.state)
	case evAsync:
		if ev.gen != c.gen {
			return
		}
		ev.apply(c)
	}
}

func (c *Coordinator) withEngine(fn func(media.Engine) error) error {
	if c.state == StateTerminated {
		return apperrors.CallTerminated()
	}
	if c.engine == nil {
		return apperrors.InvalidInput("call", "media engine not started")
	}
	return fn(c.engine)
}

func (c *Coordinator) handleInitiate(ev evInitiate) {
	if c.state != StateIdle || c.role != roleCaller {
		ev.reply <- initiateResult{err: apperrors.WriteConflict("call already started")}
		return
	}
	if err := c.perms.Check(c.kind); err != nil {
		ev.reply <- initiateResult{err: apperrors.PermissionDenied(deviceFor(c.kind)).WithCause(err)}
		c.finish(model.CallStatusFailed)
		return
	}
	if err := c.startEngine(); err != nil {
		ev.reply <- initiateResult{err: err}
		c.finish(model.CallStatusFailed)
		return
	}

	c.state = StateOutgoing
	c.initiateReply = ev.reply
	c.ringTimer = time.NewTimer(c.cfg.RingTimeout)
	c.broadcast()

	engine := c.engine
	c.goAsync(func() func(*Coordinator) {
		offer, err := engine.CreateOffer(context.Background())
		return func(c *Coordinator) { c.offerReady(offer, err) }
	})
}

func (c *Coordinator) offerReady(offer string, err error) {
	if err != nil {
		c.replyInitiate("", err)
		c.terminate(model.CallStatusFailed, true)
		return
	}
	c.offer = offer

	channel, callID := c.channel, c.callID
	params := model.CreateCallParams{
		ID:          callID,
		CallerID:    c.selfID,
		RecipientID: c.peerID,
		MediaKind:   c.kind,
		Offer:       offer,
	}
	c.goAsync(func() func(*Coordinator) {
		id, err := channel.Create(context.Background(), params)
		return func(c *Coordinator) { c.createDone(id, err) }
	})
}

func (c *Coordinator) createDone(id string, err error) {
	if err != nil {
		// AlreadyExists means a record-level race lost: the existing call
		// should be joined or observed, never retried as a new create.
		c.replyInitiate("", err)
		c.finish(model.CallStatusFailed)
		return
	}
	// The stored record is the authority on the call ID. Adopt it before
	// subscribing so every later operation targets the record that exists.
	if id != "" && id != c.callID {
		c.callID = id
		c.logger = c.logger.With().Str("recordId", id).Logger()
	}
	c.replyInitiate(c.callID, nil)
	c.subscribe()
}

func (c *Coordinator) replyInitiate(callID string, err error) {
	if c.initiateReply == nil {
		return
	}
	c.initiateReply <- initiateResult{callID: callID, err: err}
	c.initiateReply = nil
}

func (c *Coordinator) subscribe() {
	channel, callID := c.channel, c.callID
	c.goAsync(func() func(*Coordinator) {
		cancel, err := channel.Subscribe(context.Background(), callID, func(snap model.Snapshot) {
			_ = c.post(evSnapshot{snap: snap})
		})
		if err == nil {
			// Deposited outside the loop: a call that terminated while the
			// subscribe was in flight still releases the registration.
			c.sub.set(cancel)
			return nil
		}
		return func(c *Coordinator) {
			c.logger.Error().Err(err).Msg("Subscription failed")
			c.terminate(model.CallStatusFailed, true)
		}
	})
}

// subscription hands the channel-subscription cancel between the subscribe
// goroutine and the loop without ordering assumptions: whichever of set and
// release runs second performs the cancel.
type subscription struct {
	mu       sync.Mutex
	cancel   signaling.CancelFunc
	released bool
}

func (s *subscription) set(cancel signaling.CancelFunc) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		cancel()
		return
	}
	s.cancel = cancel
	s.mu.Unlock()
}

func (s *subscription) release() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.released = true
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// attachIncoming seeds a recipient-side coordinator from the ringing record
// and attaches its subscription. Runs on the loop via post from the manager.
func (c *Coordinator) attachIncoming(call model.Call) {
	if c.state != StateIdle {
		return
	}
	if call.Offer != nil {
		c.offer = *call.Offer
	}
	c.state = StateIncoming
	c.ringTimer = time.NewTimer(c.cfg.RingTimeout)
	c.subscribe()
	c.broadcast()
}

func (c *Coordinator) handleAccept(ev evAccept) {
	if c.state != StateIncoming {
		ev.reply <- apperrors.WriteConflict("call is not awaiting an answer")
		return
	}
	if err := c.perms.Check(c.kind); err != nil {
		ev.reply <- apperrors.PermissionDenied(deviceFor(c.kind)).WithCause(err)
		return
	}
	if c.offer == "" {
		ev.reply <- apperrors.InvalidInput("call", "record carries no offer")
		return
	}
	if err := c.startEngine(); err != nil {
		ev.reply <- err
		c.terminate(model.CallStatusFailed, true)
		return
	}

	c.stopRingTimer()
	c.state = StateNegotiating
	c.connectTimer = time.NewTimer(c.cfg.ConnectTimeout)
	c.broadcast()
	c.maybeActivate()

	engine, offer := c.engine, c.offer
	c.goAsync(func() func(*Coordinator) {
		answer, err := engine.CreateAnswer(context.Background(), offer)
		return func(c *Coordinator) { c.answerReady(ev.reply, answer, err) }
	})
}

func (c *Coordinator) answerReady(reply chan error, answer string, err error) {
	if err != nil {
		reply <- err
		c.terminate(model.CallStatusFailed, true)
		return
	}
	c.applyBuffered()

	channel, callID := c.channel, c.callID
	c.goAsync(func() func(*Coordinator) {
		werr := channel.SetAnswer(context.Background(), callID, answer)
		return func(c *Coordinator) { c.answerWritten(reply, werr) }
	})
}

func (c *Coordinator) answerWritten(reply chan error, err error) {
	switch {
	case err == nil:
		reply <- nil
	case apperrors.HasCode(err, apperrors.ErrCodeWriteConflict):
		// Lost the conditional write: the record moved under us (declined or
		// timed out elsewhere). The terminal snapshot will preempt shortly;
		// the connect timer bounds the wait if it never arrives.
		reply <- err
	default:
		reply <- err
		c.terminate(model.CallStatusFailed, false)
	}
}

func (c *Coordinator) handleDecline(ev evDecline) {
	if c.state != StateIncoming {
		ev.reply <- apperrors.WriteConflict("call is not ringing")
		return
	}
	ev.reply <- nil
	c.terminate(model.CallStatusDeclined, true)
}

func (c *Coordinator) handleEnd(ev evEnd) {
	if c.state == StateTerminated {
		ev.reply <- nil
		return
	}
	if c.state == StateIdle {
		ev.reply <- nil
		c.finish(model.CallStatusEnded)
		return
	}
	ev.reply <- nil
	c.terminate(model.CallStatusEnded, true)
}

func (c *Coordinator) handleRingTimeout() {
	c.ringTimer = nil
	if c.state != StateOutgoing && c.state != StateIncoming {
		return
	}
	// The caller reaches missed through this local timeout even when the
	// channel never delivers another revision.
	c.replyInitiate("", apperrors.RingTimeout())
	c.terminate(model.CallStatusMissed, true)
}

func (c *Coordinator) handleConnectTimeout() {
	c.connectTimer = nil
	if c.state != StateNegotiating {
		return
	}
	c.terminate(model.CallStatusFailed, true)
}

func (c *Coordinator) handleSnapshot(snap model.Snapshot) {
	if c.state == StateTerminated {
		return
	}
	c.storedStatus = snap.Call.Status

	// A terminal status pre-empts any in-flight negotiation step.
	if snap.Call.Status.IsTerminal() {
		c.replyInitiate("", apperrors.CallTerminated())
		c.terminate(snap.Call.Status, false)
		return
	}

	if c.connectedAt == nil && snap.Call.ConnectedAt != nil {
		at := *snap.Call.ConnectedAt
		c.connectedAt = &at
		c.broadcast()
	}

	if c.role == roleCaller && !c.answerApplied && snap.Call.Answer != nil && c.state == StateOutgoing {
		c.answerApplied = true
		c.stopRingTimer()
		c.state = StateNegotiating
		c.connectTimer = time.NewTimer(c.cfg.ConnectTimeout)
		c.broadcast()
		c.maybeActivate()

		engine, answer := c.engine, *snap.Call.Answer
		c.goAsync(func() func(*Coordinator) {
			err := engine.AcceptAnswer(context.Background(), answer)
			return func(c *Coordinator) {
				if err != nil {
					c.terminate(model.CallStatusFailed, true)
					return
				}
				c.applyBuffered()
			}
		})
	}

	for _, stored := range snap.Candidates {
		if stored.Contributor != c.peerID {
			continue
		}
		candidate := media.Candidate{
			Candidate:     stored.Candidate,
			SDPMid:        stored.SDPMid,
			SDPMLineIndex: stored.SDPMLineIndex,
		}
		if c.tracker.Accept(candidate) {
			c.feedEngine(candidate)
		}
	}
}

// applyBuffered marks the remote description installed and drains candidates
// that arrived ahead of it.
func (c *Coordinator) applyBuffered() {
	for _, candidate := range c.tracker.MarkReady() {
		c.feedEngine(candidate)
	}
}

func (c *Coordinator) feedEngine(candidate media.Candidate) {
	if c.engine == nil {
		return
	}
	if err := c.engine.AddRemoteCandidate(candidate); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to apply remote candidate")
	}
}

func (c *Coordinator) handleLocalCandidate(candidate media.Candidate) {
	if c.state == StateTerminated || c.callID == "" {
		return
	}
	channel := c.channel
	params := model.AppendCandidateParams{
		CallID:        c.callID,
		Contributor:   c.selfID,
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	}
	c.goAsync(func() func(*Coordinator) {
		if err := channel.AppendCandidate(context.Background(), params); err != nil {
			return func(c *Coordinator) {
				c.logger.Warn().Err(err).Msg("Failed to publish local candidate")
			}
		}
		return nil
	})
}

func (c *Coordinator) handleEngineState(state media.ConnectionState) {
	if c.state == StateTerminated {
		return
	}
	c.engineState = state
	switch state {
	case media.StateConnecting:
		c.quality = QualityConnecting
		c.broadcast()
	case media.StateConnected:
		c.quality = QualityGood
		if c.state == StateNegotiating {
			c.enterActive()
		} else {
			// Not negotiating yet; maybeActivate picks this up once the
			// remote description step catches up.
			c.broadcast()
		}
	case media.StateDisconnected:
		c.quality = QualityDegraded
		c.broadcast()
	case media.StateFailed:
		c.terminate(model.CallStatusFailed, true)
	}
}

// maybeActivate covers the engine reporting connected before the coordinator
// reached Negotiating; the stored transition is replayed here.
func (c *Coordinator) maybeActivate() {
	if c.state == StateNegotiating && c.engineState == media.StateConnected {
		c.enterActive()
	}
}

func (c *Coordinator) enterActive() {
	c.stopConnectTimer()
	c.state = StateActive
	c.ticker = time.NewTicker(c.cfg.TickInterval)
	c.broadcast()

	if c.connectedAt != nil {
		return
	}

	// Both sides race to record the shared clock origin; the conditional
	// write picks exactly one winner. The winner also flips the stored
	// status, the loser reads the anchor off the next snapshot.
	channel, callID, at := c.channel, c.callID, c.cfg.Now()
	c.goAsync(func() func(*Coordinator) {
		won, err := channel.ClaimConnectedAt(context.Background(), callID, at)
		return func(c *Coordinator) {
			if err != nil {
				c.logger.Warn().Err(err).Msg("Failed to claim connected timestamp")
				return
			}
			if !won {
				return
			}
			c.connectedAt = &at
			c.broadcast()
			c.goAsync(func() func(*Coordinator) {
				if err := channel.UpdateStatus(context.Background(), callID, model.CallStatusRinging, model.CallStatusActive); err != nil {
					return func(c *Coordinator) {
						c.logger.Warn().Err(err).Msg("Failed to mark call active")
					}
				}
				return nil
			})
		}
	})
}

func deviceFor(kind model.MediaKind) string {
	if kind == model.MediaKindVideo {
		return "camera"
	}
	return "microphone"
}

func (c *Coordinator) startEngine() error {
	engine, err := c.engines(c.kind)
	if err != nil {
		return apperrors.NegotiationFailed(err)
	}
	c.engine = engine
	engine.OnLocalCandidate(func(candidate media.Candidate) {
		_ = c.post(evLocalCandidate{candidate: candidate})
	})
	engine.OnStateChange(func(state media.ConnectionState) {
		_ = c.post(evEngineState{state: state})
	})
	return nil
}

func (c *Coordinator) stopRingTimer() {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
}

func (c *Coordinator) stopConnectTimer() {
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}
}

// terminate moves to Terminated(status). The remote write is best-effort and
// detached; engine close, unsubscribe and observer shutdown happen
// unconditionally and never wait on the network.
func (c *Coordinator) terminate(status model.CallStatus, writeRemote bool) {
	if c.state == StateTerminated {
		return
	}

	if writeRemote && c.callID != "" && c.storedStatus.CanTransitionTo(status) {
		channel, callID, from := c.channel, c.callID, c.storedStatus
		logger := c.logger
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			err := channel.UpdateStatus(ctx, callID, from, status)
			// The local view can lag the record by one revision: this side
			// hangs up believing the call is still ringing while the other
			// already flipped it active. One reconciliation retry covers it.
			if apperrors.HasCode(err, apperrors.ErrCodeWriteConflict) &&
				from == model.CallStatusRinging && model.CallStatusActive.CanTransitionTo(status) {
				err = channel.UpdateStatus(ctx, callID, model.CallStatusActive, status)
			}
			if err != nil {
				logger.Warn().Err(err).Str("status", string(status)).Msg("Terminal status write did not land")
			}
		}()
	}

	c.finish(status)
}

// finish is the unconditional local teardown path.
func (c *Coordinator) finish(status model.CallStatus) {
	if c.state == StateTerminated {
		return
	}
	c.gen++
	c.stopRingTimer()
	c.stopConnectTimer()
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
	if c.engine != nil && !c.engineClosed {
		c.engineClosed = true
		if err := c.engine.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("Engine close failed")
		}
	}
	c.sub.release()

	c.state = StateTerminated
	c.termStatus = status
	c.quality = QualityNone
	c.broadcast()
	for _, ch := range c.observers {
		close(ch)
	}
	c.observers = nil

	close(c.done)
	if c.onDone != nil {
		go c.onDone(c.callID)
	}
}

func (c *Coordinator) frame() StateSnapshot {
	snap := StateSnapshot{
		CallID:  c.callID,
		State:   c.state,
		Quality: c.quality,
	}
	switch c.state {
	case StateTerminated:
		snap.Status = c.termStatus
	default:
		snap.Status = c.storedStatus
	}
	if c.connectedAt != nil {
		elapsed := c.cfg.Now().Sub(*c.connectedAt)
		if elapsed > 0 {
			snap.Elapsed = elapsed
		}
	}
	return snap
}

func (c *Coordinator) broadcast() {
	frame := c.frame()
	for _, ch := range c.observers {
		select {
		case ch <- frame:
		default:
		}
	}
}

func (c *Coordinator) sendFrame(ch chan StateSnapshot) {
	select {
	case ch <- c.frame():
	default:
	}
}
