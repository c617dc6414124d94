package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/talkwire/callcore/internal/errors"
	"github.com/talkwire/callcore/internal/httputil"
	"github.com/talkwire/callcore/internal/model"
)

// memoryServer serves the signald REST and SSE surface off a Memory channel,
// so the HTTP channel can be driven end to end without a database or redis.
type memoryServer struct {
	mem    *Memory
	tokens map[string]string // bearer token -> account id
}

func newMemoryServer() *memoryServer {
	return &memoryServer{
		mem: NewMemory(),
		tokens: map[string]string{
			"alice-token": "alice",
			"bob-token":   "bob",
			"carol-token": "carol",
		},
	}
}

func (s *memoryServer) account(r *http.Request) string {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return s.tokens[token]
}

func (s *memoryServer) router() http.Handler {
	r := chi.NewRouter()
	r.Post("/v1/calls", s.createCall)
	r.Post("/v1/calls/{callID}/candidates", s.appendCandidate)
	r.Post("/v1/calls/{callID}/answer", s.setAnswer)
	r.Post("/v1/calls/{callID}/status", s.updateStatus)
	r.Post("/v1/calls/{callID}/connected", s.claimConnected)
	r.Get("/v1/calls/{callID}/events", s.callEvents)
	r.Get("/v1/ring", s.ring)
	return r
}

func (s *memoryServer) createCall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID          string `json:"id"`
		RecipientID string `json:"recipientId"`
		MediaKind   string `json:"mediaKind"`
		Offer       string `json:"offer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, apperrors.InvalidInput("body", "must be valid JSON"))
		return
	}
	id, err := s.mem.Create(r.Context(), model.CreateCallParams{
		ID:          req.ID,
		CallerID:    s.account(r),
		RecipientID: req.RecipientID,
		MediaKind:   model.MediaKind(req.MediaKind),
		Offer:       req.Offer,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	call, _ := s.mem.Call(id)
	httputil.WriteJSON(w, http.StatusCreated, map[string]any{"call": call})
}

func (s *memoryServer) appendCandidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Candidate     string `json:"candidate"`
		SDPMid        string `json:"sdpMid"`
		SDPMLineIndex int    `json:"sdpMLineIndex"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, apperrors.InvalidInput("body", "must be valid JSON"))
		return
	}
	err := s.mem.AppendCandidate(r.Context(), model.AppendCandidateParams{
		CallID:        chi.URLParam(r, "callID"),
		Contributor:   s.account(r),
		Candidate:     req.Candidate,
		SDPMid:        req.SDPMid,
		SDPMLineIndex: req.SDPMLineIndex,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}

func (s *memoryServer) setAnswer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Answer string `json:"answer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, apperrors.InvalidInput("body", "must be valid JSON"))
		return
	}
	if err := s.mem.SetAnswer(r.Context(), chi.URLParam(r, "callID"), req.Answer); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *memoryServer) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From model.CallStatus `json:"from"`
		To   model.CallStatus `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, apperrors.InvalidInput("body", "must be valid JSON"))
		return
	}
	if err := s.mem.UpdateStatus(r.Context(), chi.URLParam(r, "callID"), req.From, req.To); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *memoryServer) claimConnected(w http.ResponseWriter, r *http.Request) {
	var req struct {
		At time.Time `json:"at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, apperrors.InvalidInput("body", "must be valid JSON"))
		return
	}
	won, err := s.mem.ClaimConnectedAt(r.Context(), chi.URLParam(r, "callID"), req.At)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"won": won})
}

func (s *memoryServer) callEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, apperrors.Internal("Streaming unsupported"))
		return
	}

	snaps := make(chan model.Snapshot, 16)
	cancel, err := s.mem.Subscribe(r.Context(), chi.URLParam(r, "callID"), func(snap model.Snapshot) {
		select {
		case snaps <- snap:
		default:
		}
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case snap := <-snaps:
			data, _ := json.Marshal(snap)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", EventSnapshot, data)
			flusher.Flush()
		}
	}
}

func (s *memoryServer) ring(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, apperrors.Internal("Streaming unsupported"))
		return
	}

	calls := make(chan model.Call, 16)
	cancel, err := s.mem.SubscribeIncoming(r.Context(), s.account(r), func(call model.Call) {
		select {
		case calls <- call:
		default:
		}
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case call := <-calls:
			data, _ := json.Marshal(call)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", EventIncomingCall, data)
			flusher.Flush()
		}
	}
}

func TestHTTPChannelRoundTrip(t *testing.T) {
	ctx := context.Background()
	srv := newMemoryServer()
	ts := httptest.NewServer(srv.router())
	defer ts.Close()

	caller := NewHTTPChannel(ts.URL, "alice-token", zerolog.Nop())
	defer caller.Close()
	recipient := NewHTTPChannel(ts.URL, "bob-token", zerolog.Nop())
	defer recipient.Close()

	incoming := make(chan model.Call, 4)
	_, err := recipient.SubscribeIncoming(ctx, "bob", func(call model.Call) {
		incoming <- call
	})
	require.NoError(t, err)

	const recordID = "7f1c9f4e-0000-4000-8000-20f1b8f3a001"
	id, err := caller.Create(ctx, model.CreateCallParams{
		ID:          recordID,
		CallerID:    "alice",
		RecipientID: "bob",
		MediaKind:   model.MediaKindAudio,
		Offer:       "v=0 offer",
	})
	require.NoError(t, err)
	// The record the server stored is the one every later operation targets.
	assert.Equal(t, recordID, id)

	select {
	case call := <-incoming:
		assert.Equal(t, recordID, call.ID)
		assert.Equal(t, "alice", call.CallerID)
		assert.Equal(t, model.CallStatusRinging, call.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("recipient never saw the ringing call")
	}

	snaps := make(chan model.Snapshot, 16)
	_, err = caller.Subscribe(ctx, id, func(snap model.Snapshot) {
		snaps <- snap
	})
	require.NoError(t, err)

	waitSnap := func(match func(model.Snapshot) bool, what string) model.Snapshot {
		t.Helper()
		deadline := time.After(5 * time.Second)
		for {
			select {
			case snap := <-snaps:
				if match(snap) {
					return snap
				}
			case <-deadline:
				t.Fatalf("never observed %s", what)
				return model.Snapshot{}
			}
		}
	}

	waitSnap(func(s model.Snapshot) bool {
		return s.Call.Status == model.CallStatusRinging
	}, "initial ringing snapshot")

	require.NoError(t, recipient.SetAnswer(ctx, id, "v=0 answer"))
	waitSnap(func(s model.Snapshot) bool {
		return s.Call.Answer != nil && *s.Call.Answer == "v=0 answer"
	}, "answer snapshot")

	require.NoError(t, recipient.AppendCandidate(ctx, model.AppendCandidateParams{
		CallID:    id,
		Candidate: "candidate:1 1 udp 2122260223 10.0.0.1 50000 typ host",
		SDPMid:    "0",
	}))
	waitSnap(func(s model.Snapshot) bool {
		return len(s.Candidates) == 1
	}, "candidate snapshot")

	anchor := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	won, err := caller.ClaimConnectedAt(ctx, id, anchor)
	require.NoError(t, err)
	assert.True(t, won)
	won, err = recipient.ClaimConnectedAt(ctx, id, anchor.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, won)

	require.NoError(t, caller.UpdateStatus(ctx, id, model.CallStatusRinging, model.CallStatusActive))
	waitSnap(func(s model.Snapshot) bool {
		return s.Call.Status == model.CallStatusActive
	}, "active snapshot")
}

func TestHTTPChannelErrorMapping(t *testing.T) {
	ctx := context.Background()
	srv := newMemoryServer()
	ts := httptest.NewServer(srv.router())
	defer ts.Close()

	caller := NewHTTPChannel(ts.URL, "alice-token", zerolog.Nop())
	defer caller.Close()
	recipient := NewHTTPChannel(ts.URL, "bob-token", zerolog.Nop())
	defer recipient.Close()

	const recordID = "7f1c9f4e-0000-4000-8000-20f1b8f3a002"
	_, err := caller.Create(ctx, model.CreateCallParams{
		ID:          recordID,
		CallerID:    "alice",
		RecipientID: "bob",
		MediaKind:   model.MediaKindAudio,
		Offer:       "v=0 offer",
	})
	require.NoError(t, err)

	t.Run("duplicate record id maps to already exists", func(t *testing.T) {
		carol := NewHTTPChannel(ts.URL, "carol-token", zerolog.Nop())
		defer carol.Close()
		_, err := carol.Create(ctx, model.CreateCallParams{
			ID:          recordID,
			CallerID:    "carol",
			RecipientID: "dave",
			MediaKind:   model.MediaKindAudio,
			Offer:       "v=0 offer",
		})
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAlreadyExists))
	})

	t.Run("lost answer write maps to write conflict", func(t *testing.T) {
		require.NoError(t, recipient.SetAnswer(ctx, recordID, "v=0 answer"))
		err := recipient.SetAnswer(ctx, recordID, "v=0 other")
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeWriteConflict))
	})

	t.Run("unknown call maps to not found", func(t *testing.T) {
		err := caller.UpdateStatus(ctx, "7f1c9f4e-0000-4000-8000-20f1b8f3a003",
			model.CallStatusRinging, model.CallStatusEnded)
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
	})
}
