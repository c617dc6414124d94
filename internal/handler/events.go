package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/talkwire/callcore/internal/errors"
	"github.com/talkwire/callcore/internal/httputil"
	"github.com/talkwire/callcore/internal/middleware"
	"github.com/talkwire/callcore/internal/model"
	redisclient "github.com/talkwire/callcore/internal/redis"
	"github.com/talkwire/callcore/internal/repository"
	"github.com/talkwire/callcore/internal/signaling"
)

// EventsHandler serves the two SSE streams: per-call snapshots and the
// per-user incoming-call ring feed. Initial state is sent from the database
// before live events, so a subscriber never misses revisions published
// before it attached.
type EventsHandler struct {
	broker     *signaling.Broker
	calls      repository.CallRepository
	candidates repository.CandidateRepository
}

func NewEventsHandler(
	broker *signaling.Broker,
	calls repository.CallRepository,
	candidates repository.CandidateRepository,
) *EventsHandler {
	return &EventsHandler{
		broker:     broker,
		calls:      calls,
		candidates: candidates,
	}
}

// GET /v1/calls/{callID}/events
func (h *EventsHandler) CallEvents(w http.ResponseWriter, r *http.Request) {
	account := middleware.GetAccount(r.Context())
	callID := chi.URLParam(r, "callID")

	call, err := h.calls.FindByID(r.Context(), callID)
	if err != nil {
		log.Error().Err(err).Str("callId", callID).Msg("failed to load call")
		httputil.WriteError(w, apperrors.Database(err))
		return
	}
	if call == nil || account == nil || !call.HasParticipant(account.ID) {
		httputil.WriteError(w, apperrors.NotFound("Call"))
		return
	}

	flusher, ok := h.startStream(w)
	if !ok {
		return
	}

	sub := h.broker.Subscribe(redisclient.CallChannel(callID))
	defer h.broker.Unsubscribe(sub)

	log.Info().
		Str("callId", callID).
		Str("accountId", account.ID).
		Msg("call event stream established")

	// Current snapshot first. Consumers treat every event as a full
	// snapshot, so the duplicate a reconnect produces is harmless.
	candidates, err := h.candidates.FindByCallID(r.Context(), callID)
	if err != nil {
		log.Error().Err(err).Str("callId", callID).Msg("failed to load candidates")
		return
	}
	if err := h.sendJSON(w, flusher, signaling.EventSnapshot, model.Snapshot{Call: *call, Candidates: candidates}); err != nil {
		return
	}

	h.stream(w, r, flusher, sub)
}

// GET /v1/ring
func (h *EventsHandler) Ring(w http.ResponseWriter, r *http.Request) {
	account := middleware.GetAccount(r.Context())
	if account == nil {
		httputil.WriteError(w, apperrors.Unauthorized("Unauthorized"))
		return
	}

	flusher, ok := h.startStream(w)
	if !ok {
		return
	}

	sub := h.broker.Subscribe(redisclient.RingChannel(account.ID))
	defer h.broker.Unsubscribe(sub)

	log.Info().
		Str("accountId", account.ID).
		Msg("ring stream established")

	// Calls already ringing are delivered up front: detection must not
	// depend on the wake notification having been received.
	ringing, err := h.calls.FindRingingByRecipient(r.Context(), account.ID)
	if err != nil {
		log.Error().Err(err).Str("accountId", account.ID).Msg("failed to load ringing calls")
		return
	}
	for _, call := range ringing {
		if err := h.sendJSON(w, flusher, signaling.EventIncomingCall, call); err != nil {
			return
		}
	}

	h.stream(w, r, flusher, sub)
}

func (h *EventsHandler) startStream(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, apperrors.Internal("Streaming not supported"))
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return flusher, true
}

func (h *EventsHandler) stream(w http.ResponseWriter, r *http.Request, flusher http.Flusher, sub *signaling.Subscriber) {
	ctx := r.Context()
	heartbeat := time.NewTicker(signaling.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-sub.Done:
			return

		case event := <-sub.Events:
			if err := h.sendRaw(w, flusher, event); err != nil {
				log.Debug().Err(err).Msg("event stream write failed")
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) sendJSON(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return h.sendRaw(w, flusher, signaling.Event{Type: eventType, Data: raw})
}

func (h *EventsHandler) sendRaw(w http.ResponseWriter, flusher http.Flusher, event signaling.Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
