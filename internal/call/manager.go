package call

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apperrors "github.com/talkwire/callcore/internal/errors"
	"github.com/talkwire/callcore/internal/model"
	"github.com/talkwire/callcore/internal/signaling"
)

// Manager owns one coordinator per live call for one local identity. It
// watches the channel for calls addressed to self, enforces the
// one-call-at-a-time policy, and routes per-call intents to the right
// coordinator.
//
// A second incoming call while any call is live is automatically declined:
// there are no call-waiting semantics, and leaving the record ringing until
// the caller times out into missed would misreport a busy callee.
type Manager struct {
	selfID  string
	channel signaling.Channel
	engines EngineFactory
	perms   PermissionChecker
	cfg     Config
	logger  zerolog.Logger

	mu          sync.Mutex
	calls       map[string]*Coordinator
	onIncoming  []func(*Coordinator)
	started     bool
	unwatchRing signaling.CancelFunc
}

func NewManager(
	selfID string,
	channel signaling.Channel,
	engines EngineFactory,
	perms PermissionChecker,
	cfg Config,
	logger zerolog.Logger,
) *Manager {
	if perms == nil {
		perms = AllowAll{}
	}
	return &Manager{
		selfID:  selfID,
		channel: channel,
		engines: engines,
		perms:   perms,
		cfg:     cfg.withDefaults(),
		logger:  logger.With().Str("component", "call_manager").Str("userId", selfID).Logger(),
		calls:   make(map[string]*Coordinator),
	}
}

// OnIncoming registers a handler fired once per detected incoming call, with
// its coordinator already ringing. Register before Start.
func (m *Manager) OnIncoming(fn func(*Coordinator)) {
	m.mu.Lock()
	m.onIncoming = append(m.onIncoming, fn)
	m.mu.Unlock()
}

// Start attaches the incoming-call watch. Detection works through the
// channel subscription alone; wake notifications only shorten the latency
// when the client was not connected.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	cancel, err := m.channel.SubscribeIncoming(ctx, m.selfID, m.handleIncoming)
	if err != nil {
		m.mu.Lock()
		m.started = false
		m.mu.Unlock()
		return err
	}
	m.mu.Lock()
	m.unwatchRing = cancel
	m.mu.Unlock()
	return nil
}

// Stop detaches the watch and ends every live call.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	unwatch := m.unwatchRing
	m.unwatchRing = nil
	m.mu.Unlock()
	if unwatch != nil {
		unwatch()
	}

	m.mu.Lock()
	live := make([]*Coordinator, 0, len(m.calls))
	for _, c := range m.calls {
		live = append(live, c)
	}
	m.mu.Unlock()

	for _, c := range live {
		if err := c.End(ctx); err != nil {
			m.logger.Warn().Err(err).Str("callId", c.ID()).Msg("Failed to end call on shutdown")
		}
	}
}

// Initiate starts an outgoing call to recipientID and returns its id once
// the ringing record is confirmed written.
func (m *Manager) Initiate(ctx context.Context, recipientID string, kind model.MediaKind) (string, error) {
	if !model.ValidMediaKind(kind) {
		return "", apperrors.InvalidInput("mediaKind", "must be audio or video")
	}
	if recipientID == "" || recipientID == m.selfID {
		return "", apperrors.InvalidInput("recipientId", "must name another user")
	}

	callID := uuid.NewString()
	c := newCoordinator(callID, m.selfID, recipientID, kind, roleCaller, m.channel, m.engines, m.perms, m.cfg, m.logger)
	c.onDone = m.remove

	m.mu.Lock()
	if m.liveLocked() != nil {
		m.mu.Unlock()
		return "", apperrors.Busy()
	}
	m.calls[callID] = c
	m.mu.Unlock()

	c.start()
	id, err := c.Initiate(ctx)
	if err != nil {
		return "", err
	}
	if id != callID {
		// The channel assigned the record a different ID; rekey so lookups
		// by the returned ID resolve.
		m.mu.Lock()
		delete(m.calls, callID)
		m.calls[id] = c
		m.mu.Unlock()
	}
	return id, nil
}

// Get returns the coordinator for callID.
func (m *Manager) Get(callID string) (*Coordinator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return nil, apperrors.NotFound("Call")
	}
	return c, nil
}

func (m *Manager) Accept(ctx context.Context, callID string) error {
	c, err := m.Get(callID)
	if err != nil {
		return err
	}
	return c.Accept(ctx)
}

func (m *Manager) Decline(ctx context.Context, callID string) error {
	c, err := m.Get(callID)
	if err != nil {
		return err
	}
	return c.Decline(ctx)
}

func (m *Manager) End(ctx context.Context, callID string) error {
	c, err := m.Get(callID)
	if err != nil {
		return err
	}
	return c.End(ctx)
}

func (m *Manager) Observe(callID string) (<-chan StateSnapshot, error) {
	c, err := m.Get(callID)
	if err != nil {
		return nil, err
	}
	return c.Observe(), nil
}

func (m *Manager) handleIncoming(call model.Call) {
	if call.RecipientID != m.selfID || call.Status != model.CallStatusRinging {
		return
	}

	m.mu.Lock()
	if _, known := m.calls[call.ID]; known {
		m.mu.Unlock()
		return
	}
	if live := m.liveLocked(); live != nil {
		m.mu.Unlock()
		m.logger.Info().
			Str("callId", call.ID).
			Str("busyWith", live.ID()).
			Msg("Auto-declining incoming call while another is live")
		go func() {
			if err := m.channel.UpdateStatus(context.Background(), call.ID, model.CallStatusRinging, model.CallStatusDeclined); err != nil {
				m.logger.Warn().Err(err).Str("callId", call.ID).Msg("Auto-decline write failed")
			}
		}()
		return
	}

	c := newCoordinator(call.ID, m.selfID, call.CallerID, call.MediaKind, roleRecipient, m.channel, m.engines, m.perms, m.cfg, m.logger)
	c.onDone = m.remove
	m.calls[call.ID] = c
	handlers := make([]func(*Coordinator), len(m.onIncoming))
	copy(handlers, m.onIncoming)
	m.mu.Unlock()

	c.start()
	callCopy := call
	select {
	case c.events <- evAsync{gen: 0, apply: func(c *Coordinator) { c.attachIncoming(callCopy) }}:
	case <-c.done:
	}

	for _, fn := range handlers {
		fn(c)
	}
}

func (m *Manager) liveLocked() *Coordinator {
	for _, c := range m.calls {
		select {
		case <-c.Done():
		default:
			return c
		}
	}
	return nil
}

func (m *Manager) remove(callID string) {
	m.mu.Lock()
	delete(m.calls, callID)
	// A coordinator that adopted a channel-assigned ID before the map was
	// rekeyed may still sit under its provisional key.
	for id, c := range m.calls {
		if c.ID() == callID {
			delete(m.calls, id)
		}
	}
	m.mu.Unlock()
}
