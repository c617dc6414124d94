package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/talkwire/callcore/internal/audit"
	apperrors "github.com/talkwire/callcore/internal/errors"
	"github.com/talkwire/callcore/internal/httputil"
	"github.com/talkwire/callcore/internal/middleware"
	"github.com/talkwire/callcore/internal/model"
	"github.com/talkwire/callcore/internal/repository"
	"github.com/talkwire/callcore/internal/signaling"

	"github.com/google/uuid"
)

// CallHandler exposes the signaling channel over REST. Every write funnels
// through the store so each landed mutation republishes a snapshot to
// subscribers.
type CallHandler struct {
	store      signaling.Channel
	calls      repository.CallRepository
	candidates repository.CandidateRepository
	accounts   repository.AccountRepository
}

func NewCallHandler(
	store signaling.Channel,
	calls repository.CallRepository,
	candidates repository.CandidateRepository,
	accounts repository.AccountRepository,
) *CallHandler {
	return &CallHandler{
		store:      store,
		calls:      calls,
		candidates: candidates,
		accounts:   accounts,
	}
}

func (h *CallHandler) Routes(events *EventsHandler) chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/{callID}", h.Get)
	r.Post("/{callID}/answer", h.SetAnswer)
	r.Post("/{callID}/status", h.UpdateStatus)
	r.Post("/{callID}/candidates", h.AppendCandidate)
	r.Post("/{callID}/connected", h.ClaimConnected)
	r.Get("/{callID}/events", events.CallEvents)
	return r
}

// POST /v1/calls
func (h *CallHandler) Create(w http.ResponseWriter, r *http.Request) {
	account := middleware.GetAccount(r.Context())

	var req struct {
		ID          string `json:"id"`
		RecipientID string `json:"recipientId"`
		MediaKind   string `json:"mediaKind"`
		Offer       string `json:"offer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}
	if req.RecipientID == "" {
		httputil.WriteError(w, apperrors.MissingRequired("recipientId"))
		return
	}
	if req.RecipientID == account.ID {
		httputil.WriteError(w, apperrors.InvalidInput("recipientId", "cannot call yourself"))
		return
	}
	if !model.ValidMediaKind(model.MediaKind(req.MediaKind)) {
		httputil.WriteError(w, apperrors.InvalidInput("mediaKind", "must be audio or video"))
		return
	}
	if req.Offer == "" {
		httputil.WriteError(w, apperrors.MissingRequired("offer"))
		return
	}

	ctx := r.Context()
	recipient, err := h.accounts.FindByID(ctx, req.RecipientID)
	if err != nil {
		log.Error().Err(err).Msg("failed to look up recipient")
		httputil.WriteError(w, apperrors.Database(err))
		return
	}
	if recipient == nil {
		httputil.WriteError(w, apperrors.NotFound("Recipient"))
		return
	}

	// Clients driving a coordinator mint the record ID themselves so the
	// record they subscribe to is the record that gets stored. Absent an
	// ID, the server mints one.
	recordID := req.ID
	if recordID == "" {
		recordID = uuid.NewString()
	} else if _, err := uuid.Parse(recordID); err != nil {
		httputil.WriteError(w, apperrors.InvalidInput("id", "must be a UUID"))
		return
	}

	callID, err := h.store.Create(ctx, model.CreateCallParams{
		ID:          recordID,
		CallerID:    account.ID,
		RecipientID: req.RecipientID,
		MediaKind:   model.MediaKind(req.MediaKind),
		Offer:       req.Offer,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	call, err := h.calls.FindByID(ctx, callID)
	if err != nil || call == nil {
		log.Error().Err(err).Str("callId", callID).Msg("failed to read back created call")
		httputil.WriteError(w, apperrors.Database(err))
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventCallCreate,
		AccountID: account.ID,
		CallID:    call.ID,
		Details:   map[string]interface{}{"mediaKind": string(call.MediaKind)},
	})
	writeJSON(w, http.StatusCreated, map[string]any{"call": call})
}

// GET /v1/calls/{callID}
func (h *CallHandler) Get(w http.ResponseWriter, r *http.Request) {
	call, ok := h.authorizeParticipant(w, r)
	if !ok {
		return
	}

	candidates, err := h.candidates.FindByCallID(r.Context(), call.ID)
	if err != nil {
		log.Error().Err(err).Str("callId", call.ID).Msg("failed to load candidates")
		httputil.WriteError(w, apperrors.Database(err))
		return
	}

	writeJSON(w, http.StatusOK, model.Snapshot{Call: *call, Candidates: candidates})
}

// POST /v1/calls/{callID}/answer
func (h *CallHandler) SetAnswer(w http.ResponseWriter, r *http.Request) {
	account := middleware.GetAccount(r.Context())
	call, ok := h.authorizeParticipant(w, r)
	if !ok {
		return
	}
	if call.RecipientID != account.ID {
		httputil.WriteError(w, apperrors.Forbidden("Only the recipient answers a call"))
		return
	}

	var req struct {
		Answer string `json:"answer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Answer == "" {
		httputil.WriteError(w, apperrors.MissingRequired("answer"))
		return
	}

	if err := h.store.SetAnswer(r.Context(), call.ID, req.Answer); err != nil {
		httputil.WriteError(w, err)
		return
	}
	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventCallAnswer,
		AccountID: account.ID,
		CallID:    call.ID,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// POST /v1/calls/{callID}/status
func (h *CallHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	account := middleware.GetAccount(r.Context())
	call, ok := h.authorizeParticipant(w, r)
	if !ok {
		return
	}

	var req struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, apperrors.InvalidInput("body", "malformed JSON"))
		return
	}
	if !model.ValidCallStatus(model.CallStatus(req.From)) || !model.ValidCallStatus(model.CallStatus(req.To)) {
		httputil.WriteError(w, apperrors.InvalidInput("status", "unknown status value"))
		return
	}

	err := h.store.UpdateStatus(r.Context(), call.ID, model.CallStatus(req.From), model.CallStatus(req.To))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventCallTransition,
		AccountID: account.ID,
		CallID:    call.ID,
		Details:   map[string]interface{}{"from": req.From, "to": req.To},
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// POST /v1/calls/{callID}/candidates
func (h *CallHandler) AppendCandidate(w http.ResponseWriter, r *http.Request) {
	account := middleware.GetAccount(r.Context())
	call, ok := h.authorizeParticipant(w, r)
	if !ok {
		return
	}
	if call.Status.IsTerminal() {
		httputil.WriteError(w, apperrors.CallTerminated())
		return
	}

	var req struct {
		Candidate     string `json:"candidate"`
		SDPMid        string `json:"sdpMid"`
		SDPMLineIndex int    `json:"sdpMLineIndex"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Candidate == "" {
		httputil.WriteError(w, apperrors.MissingRequired("candidate"))
		return
	}

	err := h.store.AppendCandidate(r.Context(), model.AppendCandidateParams{
		CallID:        call.ID,
		Contributor:   account.ID,
		Candidate:     req.Candidate,
		SDPMid:        req.SDPMid,
		SDPMLineIndex: req.SDPMLineIndex,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// POST /v1/calls/{callID}/connected
func (h *CallHandler) ClaimConnected(w http.ResponseWriter, r *http.Request) {
	call, ok := h.authorizeParticipant(w, r)
	if !ok {
		return
	}

	var req struct {
		At time.Time `json:"at"`
	}
	// Body is optional; an absent or zero timestamp means "now" by the
	// server clock, which is also the less skew-prone choice.
	_ = json.NewDecoder(r.Body).Decode(&req)
	at := req.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	won, err := h.store.ClaimConnectedAt(r.Context(), call.ID, at)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"won": won})
}

// authorizeParticipant loads the call and verifies the authenticated account
// is one of its two parties. Outsiders get 404, not 403: the existence of a
// call between two users is itself private.
func (h *CallHandler) authorizeParticipant(w http.ResponseWriter, r *http.Request) (*model.Call, bool) {
	account := middleware.GetAccount(r.Context())
	callID := chi.URLParam(r, "callID")

	call, err := h.calls.FindByID(r.Context(), callID)
	if err != nil {
		log.Error().Err(err).Str("callId", callID).Msg("failed to load call")
		httputil.WriteError(w, apperrors.Database(err))
		return nil, false
	}
	if call == nil || account == nil || !call.HasParticipant(account.ID) {
		httputil.WriteError(w, apperrors.NotFound("Call"))
		return nil, false
	}
	return call, true
}
