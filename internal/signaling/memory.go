package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"

	apperrors "github.com/talkwire/callcore/internal/errors"
	"github.com/talkwire/callcore/internal/model"
)

// Memory is an in-process Channel with the same conditional-write semantics
// as the store-backed one. It backs single-process deployments and the
// coordinator tests, where its Redeliver helper simulates the at-least-once
// delivery of the real transport.
type Memory struct {
	mu       sync.Mutex
	calls    map[string]*memoryRecord
	callSubs map[string]map[int]UpdateFunc
	ringSubs map[string]map[int]IncomingFunc
	subSeq   int
	notifier Notifier
	now      func() time.Time
}

type memoryRecord struct {
	call       model.Call
	candidates []model.Candidate
	seq        int
}

func NewMemory() *Memory {
	return &Memory{
		calls:    make(map[string]*memoryRecord),
		callSubs: make(map[string]map[int]UpdateFunc),
		ringSubs: make(map[string]map[int]IncomingFunc),
		now:      time.Now,
	}
}

var _ Channel = (*Memory)(nil)

// SetNotifier attaches the wake dispatch hook. Must be called before use.
func (m *Memory) SetNotifier(n Notifier) { m.notifier = n }

// SetNow overrides the record timestamp clock, for tests.
func (m *Memory) SetNow(now func() time.Time) { m.now = now }

func (m *Memory) Create(ctx context.Context, params model.CreateCallParams) (string, error) {
	m.mu.Lock()
	if _, ok := m.calls[params.ID]; ok {
		m.mu.Unlock()
		return "", apperrors.AlreadyExists("Call").WithDetails(map[string]string{"callId": params.ID})
	}
	for _, rec := range m.calls {
		if rec.call.Status.IsTerminal() {
			continue
		}
		if rec.call.HasParticipant(params.CallerID) && rec.call.HasParticipant(params.RecipientID) {
			id := rec.call.ID
			m.mu.Unlock()
			return "", apperrors.AlreadyExists("Call").WithDetails(map[string]string{"callId": id})
		}
	}
	call := model.Call{
		ID:          params.ID,
		CallerID:    params.CallerID,
		RecipientID: params.RecipientID,
		MediaKind:   params.MediaKind,
		Status:      model.CallStatusRinging,
		Offer:       lo.ToPtr(params.Offer),
		StartedAt:   m.now(),
	}
	m.calls[params.ID] = &memoryRecord{call: call}
	ringFns := make([]IncomingFunc, 0, len(m.ringSubs[params.RecipientID]))
	for _, fn := range m.ringSubs[params.RecipientID] {
		ringFns = append(ringFns, fn)
	}
	m.mu.Unlock()

	for _, fn := range ringFns {
		fn(call)
	}
	if m.notifier != nil {
		m.notifier.CallCreated(ctx, call)
	}
	m.publish(params.ID)
	return params.ID, nil
}

func (m *Memory) Subscribe(ctx context.Context, callID string, fn UpdateFunc) (CancelFunc, error) {
	m.mu.Lock()
	if m.callSubs[callID] == nil {
		m.callSubs[callID] = make(map[int]UpdateFunc)
	}
	id := m.subSeq
	m.subSeq++
	m.callSubs[callID][id] = fn
	snap := m.snapshotLocked(callID)
	m.mu.Unlock()

	if snap != nil {
		fn(*snap)
	}
	cancel := func() {
		m.mu.Lock()
		if subs, ok := m.callSubs[callID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(m.callSubs, callID)
			}
		}
		m.mu.Unlock()
	}
	return cancel, nil
}

func (m *Memory) SubscribeIncoming(ctx context.Context, userID string, fn IncomingFunc) (CancelFunc, error) {
	m.mu.Lock()
	if m.ringSubs[userID] == nil {
		m.ringSubs[userID] = make(map[int]IncomingFunc)
	}
	id := m.subSeq
	m.subSeq++
	m.ringSubs[userID][id] = fn
	var ringing []model.Call
	for _, rec := range m.calls {
		if rec.call.RecipientID == userID && rec.call.Status == model.CallStatusRinging {
			ringing = append(ringing, rec.call)
		}
	}
	m.mu.Unlock()

	for _, call := range ringing {
		fn(call)
	}
	cancel := func() {
		m.mu.Lock()
		if subs, ok := m.ringSubs[userID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(m.ringSubs, userID)
			}
		}
		m.mu.Unlock()
	}
	return cancel, nil
}

func (m *Memory) AppendCandidate(ctx context.Context, params model.AppendCandidateParams) error {
	m.mu.Lock()
	rec, ok := m.calls[params.CallID]
	if !ok {
		m.mu.Unlock()
		return apperrors.NotFound("Call")
	}
	rec.seq++
	rec.candidates = append(rec.candidates, model.Candidate{
		ID:            fmt.Sprintf("%s-%d", params.CallID, rec.seq),
		CallID:        params.CallID,
		Contributor:   params.Contributor,
		Candidate:     params.Candidate,
		SDPMid:        params.SDPMid,
		SDPMLineIndex: params.SDPMLineIndex,
		CreatedAt:     m.now(),
	})
	m.mu.Unlock()

	m.publish(params.CallID)
	return nil
}

func (m *Memory) SetAnswer(ctx context.Context, callID, answer string) error {
	m.mu.Lock()
	rec, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return apperrors.NotFound("Call")
	}
	if rec.call.Answer != nil || rec.call.Status != model.CallStatusRinging {
		m.mu.Unlock()
		return apperrors.WriteConflict("answer already set or call not ringing")
	}
	rec.call.Answer = lo.ToPtr(answer)
	m.mu.Unlock()

	m.publish(callID)
	return nil
}

func (m *Memory) UpdateStatus(ctx context.Context, callID string, from, to model.CallStatus) error {
	m.mu.Lock()
	rec, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return apperrors.NotFound("Call")
	}
	if rec.call.Status != from || !from.CanTransitionTo(to) {
		m.mu.Unlock()
		return apperrors.WriteConflict("stored status is no longer " + string(from))
	}
	rec.call.Status = to
	if to.IsTerminal() && rec.call.EndedAt == nil {
		rec.call.EndedAt = lo.ToPtr(m.now())
	}
	m.mu.Unlock()

	m.publish(callID)
	return nil
}

func (m *Memory) ClaimConnectedAt(ctx context.Context, callID string, at time.Time) (bool, error) {
	m.mu.Lock()
	rec, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return false, apperrors.NotFound("Call")
	}
	if rec.call.ConnectedAt != nil {
		m.mu.Unlock()
		return false, nil
	}
	rec.call.ConnectedAt = lo.ToPtr(at)
	m.mu.Unlock()

	m.publish(callID)
	return true, nil
}

// Redeliver pushes the current snapshot to subscribers again, simulating
// duplicate delivery by the transport.
func (m *Memory) Redeliver(callID string) {
	m.publish(callID)
}

// Call returns a copy of the stored record, for assertions.
func (m *Memory) Call(callID string) (model.Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.calls[callID]
	if !ok {
		return model.Call{}, false
	}
	return rec.call, true
}

func (m *Memory) publish(callID string) {
	m.mu.Lock()
	snap := m.snapshotLocked(callID)
	fns := make([]UpdateFunc, 0, len(m.callSubs[callID]))
	for _, fn := range m.callSubs[callID] {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	if snap == nil {
		return
	}
	for _, fn := range fns {
		fn(*snap)
	}
}

func (m *Memory) snapshotLocked(callID string) *model.Snapshot {
	rec, ok := m.calls[callID]
	if !ok {
		return nil
	}
	snap := model.Snapshot{
		Call:       rec.call,
		Candidates: append([]model.Candidate(nil), rec.candidates...),
	}
	return &snap
}
