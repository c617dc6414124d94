package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/talkwire/callcore/internal/config"
	"github.com/talkwire/callcore/internal/database"
	apperrors "github.com/talkwire/callcore/internal/errors"
	"github.com/talkwire/callcore/internal/model"
	redisclient "github.com/talkwire/callcore/internal/redis"
	"github.com/talkwire/callcore/internal/repository"
)

// Store is the Channel implementation backed by Postgres and the Redis
// broker. Conditional writes land in the database; every successful mutation
// republishes the full record snapshot so all subscribers converge on the
// same view.
type Store struct {
	db         *database.DB
	calls      repository.CallRepository
	candidates repository.CandidateRepository
	broker     *Broker
	notifier   Notifier
}

func NewStore(
	db *database.DB,
	calls repository.CallRepository,
	candidates repository.CandidateRepository,
	broker *Broker,
	notifier Notifier,
) *Store {
	return &Store{
		db:         db,
		calls:      calls,
		candidates: candidates,
		broker:     broker,
		notifier:   notifier,
	}
}

var _ Channel = (*Store)(nil)

// withRetry retries transient failures a bounded number of times at the
// write boundary only. Conditional-write conflicts are never retried: a
// losing writer must re-read state and reconcile, not hammer the store.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < config.WriteRetryAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if apperrors.IsAppError(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return apperrors.ChannelUnavailable(ctx.Err())
		case <-time.After(config.WriteRetryBackoff):
		}
	}
	return apperrors.ChannelUnavailable(err)
}

func (s *Store) Create(ctx context.Context, params model.CreateCallParams) (string, error) {
	var created *model.Call
	err := withRetry(ctx, func() error {
		return s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
			txCalls := s.calls.WithTx(tx)
			ongoing, err := txCalls.FindOngoingBetween(ctx, params.CallerID, params.RecipientID)
			if err != nil {
				return err
			}
			if ongoing != nil {
				return apperrors.AlreadyExists("Call").WithDetails(map[string]string{"callId": ongoing.ID})
			}
			created, err = txCalls.Create(ctx, params)
			return err
		})
	})
	if err != nil {
		return "", err
	}

	s.publishSnapshot(ctx, created.ID)

	if s.notifier != nil {
		go s.notifier.CallCreated(context.WithoutCancel(ctx), *created)
	}

	return created.ID, nil
}

// Subscribe attaches one broker subscription per registration. Both sides
// of a call may subscribe to the same record through a shared store; each
// gets its own fan-out and releases only its own on cancel.
func (s *Store) Subscribe(ctx context.Context, callID string, fn UpdateFunc) (CancelFunc, error) {
	sub := s.broker.Subscribe(redisclient.CallChannel(callID))

	go s.pump(sub, func(event Event) {
		if event.Type != EventSnapshot {
			return
		}
		var snap model.Snapshot
		if err := json.Unmarshal(event.Data, &snap); err != nil {
			log.Error().Err(err).Str("callId", callID).Msg("failed to unmarshal snapshot")
			return
		}
		fn(snap)
	})

	var once sync.Once
	cancel := func() {
		once.Do(func() { s.broker.Unsubscribe(sub) })
	}

	// Deliver current state so a late subscriber never misses a revision
	// published before it attached.
	snap, err := s.loadSnapshot(ctx, callID)
	if err != nil {
		cancel()
		return nil, err
	}
	if snap != nil {
		fn(*snap)
	}
	return cancel, nil
}

func (s *Store) SubscribeIncoming(ctx context.Context, userID string, fn IncomingFunc) (CancelFunc, error) {
	sub := s.broker.Subscribe(redisclient.RingChannel(userID))

	go s.pump(sub, func(event Event) {
		if event.Type != EventIncomingCall {
			return
		}
		var call model.Call
		if err := json.Unmarshal(event.Data, &call); err != nil {
			log.Error().Err(err).Str("userId", userID).Msg("failed to unmarshal incoming call")
			return
		}
		fn(call)
	})

	var once sync.Once
	cancel := func() {
		once.Do(func() { s.broker.Unsubscribe(sub) })
	}

	// Calls already ringing at subscribe time are delivered immediately:
	// detection must never depend on the wake notification having arrived.
	ringing, err := s.calls.FindRingingByRecipient(ctx, userID)
	if err != nil {
		cancel()
		return nil, err
	}
	for _, call := range ringing {
		fn(call)
	}
	return cancel, nil
}

func (s *Store) pump(sub *Subscriber, handle func(Event)) {
	for {
		select {
		case <-sub.Done:
			return
		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			handle(event)
		}
	}
}

func (s *Store) AppendCandidate(ctx context.Context, params model.AppendCandidateParams) error {
	err := withRetry(ctx, func() error {
		_, err := s.candidates.Append(ctx, params)
		return err
	})
	if err != nil {
		return err
	}
	s.publishSnapshot(ctx, params.CallID)
	return nil
}

func (s *Store) SetAnswer(ctx context.Context, callID, answer string) error {
	var ok bool
	err := withRetry(ctx, func() error {
		var err error
		ok, err = s.calls.SetAnswer(ctx, callID, answer)
		return err
	})
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.WriteConflict("answer already set or call not ringing")
	}
	s.publishSnapshot(ctx, callID)
	return nil
}

func (s *Store) UpdateStatus(ctx context.Context, callID string, from, to model.CallStatus) error {
	var ok bool
	err := withRetry(ctx, func() error {
		var err error
		ok, err = s.calls.UpdateStatus(ctx, callID, from, to)
		return err
	})
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.WriteConflict("stored status is no longer " + string(from))
	}
	s.publishSnapshot(ctx, callID)
	return nil
}

func (s *Store) ClaimConnectedAt(ctx context.Context, callID string, at time.Time) (bool, error) {
	var won bool
	err := withRetry(ctx, func() error {
		var err error
		won, err = s.calls.SetConnectedAt(ctx, callID, at)
		return err
	})
	if err != nil {
		return false, err
	}
	if won {
		s.publishSnapshot(ctx, callID)
	}
	return won, nil
}

func (s *Store) loadSnapshot(ctx context.Context, callID string) (*model.Snapshot, error) {
	call, err := s.calls.FindByID(ctx, callID)
	if err != nil {
		return nil, apperrors.ChannelUnavailable(err)
	}
	if call == nil {
		return nil, nil
	}
	candidates, err := s.candidates.FindByCallID(ctx, callID)
	if err != nil {
		return nil, apperrors.ChannelUnavailable(err)
	}
	return &model.Snapshot{Call: *call, Candidates: candidates}, nil
}

// PublishSnapshot loads the current record and fans it out to subscribers.
// Exposed for the HTTP layer, which writes through the same store.
func (s *Store) PublishSnapshot(ctx context.Context, callID string) {
	s.publishSnapshot(ctx, callID)
}

func (s *Store) publishSnapshot(ctx context.Context, callID string) {
	snap, err := s.loadSnapshot(ctx, callID)
	if err != nil || snap == nil {
		log.Warn().Err(err).Str("callId", callID).Msg("failed to load snapshot for publish")
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		log.Error().Err(err).Str("callId", callID).Msg("failed to marshal snapshot")
		return
	}
	if err := s.broker.Publish(ctx, redisclient.CallChannel(callID), Event{Type: EventSnapshot, Data: data}); err != nil {
		log.Warn().Err(err).Str("callId", callID).Msg("failed to publish snapshot")
	}
}
