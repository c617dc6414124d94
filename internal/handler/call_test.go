package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jmoiron/sqlx"

	"github.com/talkwire/callcore/internal/middleware"
	"github.com/talkwire/callcore/internal/model"
	"github.com/talkwire/callcore/internal/repository"
	"github.com/talkwire/callcore/internal/signaling"
)

type mockCallRepo struct {
	mock.Mock
}

func (m *mockCallRepo) Create(ctx context.Context, params model.CreateCallParams) (*model.Call, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Call), args.Error(1)
}

func (m *mockCallRepo) FindByID(ctx context.Context, id string) (*model.Call, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Call), args.Error(1)
}

func (m *mockCallRepo) FindOngoingBetween(ctx context.Context, userA, userB string) (*model.Call, error) {
	args := m.Called(ctx, userA, userB)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Call), args.Error(1)
}

func (m *mockCallRepo) FindRingingByRecipient(ctx context.Context, recipientID string) ([]model.Call, error) {
	args := m.Called(ctx, recipientID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Call), args.Error(1)
}

func (m *mockCallRepo) UpdateStatus(ctx context.Context, id string, from, to model.CallStatus) (bool, error) {
	args := m.Called(ctx, id, from, to)
	return args.Bool(0), args.Error(1)
}

func (m *mockCallRepo) SetAnswer(ctx context.Context, id, answer string) (bool, error) {
	args := m.Called(ctx, id, answer)
	return args.Bool(0), args.Error(1)
}

func (m *mockCallRepo) SetConnectedAt(ctx context.Context, id string, at time.Time) (bool, error) {
	args := m.Called(ctx, id, at)
	return args.Bool(0), args.Error(1)
}

func (m *mockCallRepo) MarkStaleRingingMissed(ctx context.Context, olderThan time.Time) (int64, error) {
	args := m.Called(ctx, olderThan)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockCallRepo) DeleteTerminatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockCallRepo) WithTx(tx *sqlx.Tx) repository.CallRepository { return m }

type mockCandidateRepo struct {
	mock.Mock
}

func (m *mockCandidateRepo) Append(ctx context.Context, params model.AppendCandidateParams) (*model.Candidate, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Candidate), args.Error(1)
}

func (m *mockCandidateRepo) FindByCallID(ctx context.Context, callID string) ([]model.Candidate, error) {
	args := m.Called(ctx, callID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Candidate), args.Error(1)
}

func (m *mockCandidateRepo) WithTx(tx *sqlx.Tx) repository.CandidateRepository { return m }

type mockAccountRepo struct {
	mock.Mock
}

func (m *mockAccountRepo) FindByID(ctx context.Context, id string) (*model.Account, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Account), args.Error(1)
}

func (m *mockAccountRepo) FindByTokenHash(ctx context.Context, tokenHash string) (*model.Account, error) {
	args := m.Called(ctx, tokenHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Account), args.Error(1)
}

func (m *mockAccountRepo) Create(ctx context.Context, displayName, tokenHash string) (*model.Account, error) {
	args := m.Called(ctx, displayName, tokenHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Account), args.Error(1)
}

func authedRequest(method, target string, body any, account *model.Account) *http.Request {
	var req *http.Request
	if body != nil {
		raw, _ := json.Marshal(body)
		req = httptest.NewRequest(method, target, bytes.NewReader(raw))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	ctx := context.WithValue(req.Context(), middleware.AccountContextKey, account)
	return req.WithContext(ctx)
}

func routeWith(callID string, req *http.Request) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("callID", callID)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func ringingCall(id string) *model.Call {
	offer := "v=0 offer"
	return &model.Call{
		ID:          id,
		CallerID:    "alice",
		RecipientID: "bob",
		MediaKind:   model.MediaKindAudio,
		Status:      model.CallStatusRinging,
		Offer:       &offer,
		StartedAt:   time.Now(),
	}
}

func alice() *model.Account { return &model.Account{ID: "alice", DisplayName: "Alice"} }
func bob() *model.Account   { return &model.Account{ID: "bob", DisplayName: "Bob"} }

func TestCreateCall(t *testing.T) {
	t.Run("creates ringing record", func(t *testing.T) {
		mem := signaling.NewMemory()
		calls := new(mockCallRepo)
		accounts := new(mockAccountRepo)
		accounts.On("FindByID", mock.Anything, "bob").Return(bob(), nil)
		calls.On("FindByID", mock.Anything, mock.Anything).Return(ringingCall("any"), nil)

		h := NewCallHandler(mem, calls, new(mockCandidateRepo), accounts)
		req := authedRequest(http.MethodPost, "/v1/calls", map[string]string{
			"recipientId": "bob",
			"mediaKind":   "audio",
			"offer":       "v=0 offer",
		}, alice())
		rec := httptest.NewRecorder()
		h.Create(rec, req)

		require.Equal(t, http.StatusCreated, rec.Code)
		var out struct {
			Call model.Call `json:"call"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		assert.Equal(t, model.CallStatusRinging, out.Call.Status)
	})

	t.Run("stores the record under the client-supplied id", func(t *testing.T) {
		const clientID = "7f1c9f4e-0000-4000-8000-20f1b8f3a010"
		mem := signaling.NewMemory()
		accounts := new(mockAccountRepo)
		accounts.On("FindByID", mock.Anything, "bob").Return(bob(), nil)
		calls := new(mockCallRepo)
		calls.On("FindByID", mock.Anything, clientID).Return(ringingCall(clientID), nil)

		h := NewCallHandler(mem, calls, new(mockCandidateRepo), accounts)
		req := authedRequest(http.MethodPost, "/v1/calls", map[string]string{
			"id":          clientID,
			"recipientId": "bob",
			"mediaKind":   "audio",
			"offer":       "v=0 offer",
		}, alice())
		rec := httptest.NewRecorder()
		h.Create(rec, req)

		require.Equal(t, http.StatusCreated, rec.Code)
		var out struct {
			Call model.Call `json:"call"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		// Later operations target the ID the client generated; the stored
		// record must live under it.
		assert.Equal(t, clientID, out.Call.ID)
		_, ok := mem.Call(clientID)
		assert.True(t, ok)
	})

	t.Run("rejects a malformed client id", func(t *testing.T) {
		accounts := new(mockAccountRepo)
		accounts.On("FindByID", mock.Anything, "bob").Return(bob(), nil)

		h := NewCallHandler(signaling.NewMemory(), new(mockCallRepo), new(mockCandidateRepo), accounts)
		req := authedRequest(http.MethodPost, "/v1/calls", map[string]string{
			"id":          "not-a-uuid",
			"recipientId": "bob",
			"mediaKind":   "audio",
			"offer":       "v=0 offer",
		}, alice())
		rec := httptest.NewRecorder()
		h.Create(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects unknown recipient", func(t *testing.T) {
		accounts := new(mockAccountRepo)
		accounts.On("FindByID", mock.Anything, "ghost").Return(nil, nil)

		h := NewCallHandler(signaling.NewMemory(), new(mockCallRepo), new(mockCandidateRepo), accounts)
		req := authedRequest(http.MethodPost, "/v1/calls", map[string]string{
			"recipientId": "ghost",
			"mediaKind":   "audio",
			"offer":       "v=0 offer",
		}, alice())
		rec := httptest.NewRecorder()
		h.Create(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("rejects self call and bad media kind", func(t *testing.T) {
		h := NewCallHandler(signaling.NewMemory(), new(mockCallRepo), new(mockCandidateRepo), new(mockAccountRepo))

		req := authedRequest(http.MethodPost, "/v1/calls", map[string]string{
			"recipientId": "alice", "mediaKind": "audio", "offer": "x",
		}, alice())
		rec := httptest.NewRecorder()
		h.Create(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		req = authedRequest(http.MethodPost, "/v1/calls", map[string]string{
			"recipientId": "bob", "mediaKind": "hologram", "offer": "x",
		}, alice())
		rec = httptest.NewRecorder()
		h.Create(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("second concurrent call conflicts", func(t *testing.T) {
		mem := signaling.NewMemory()
		_, err := mem.Create(context.Background(), model.CreateCallParams{
			ID: "existing", CallerID: "alice", RecipientID: "bob",
			MediaKind: model.MediaKindAudio, Offer: "v=0",
		})
		require.NoError(t, err)

		accounts := new(mockAccountRepo)
		accounts.On("FindByID", mock.Anything, "bob").Return(bob(), nil)

		h := NewCallHandler(mem, new(mockCallRepo), new(mockCandidateRepo), accounts)
		req := authedRequest(http.MethodPost, "/v1/calls", map[string]string{
			"recipientId": "bob", "mediaKind": "audio", "offer": "v=0",
		}, alice())
		rec := httptest.NewRecorder()
		h.Create(rec, req)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestGetCall(t *testing.T) {
	t.Run("returns snapshot to participant", func(t *testing.T) {
		calls := new(mockCallRepo)
		calls.On("FindByID", mock.Anything, "call-1").Return(ringingCall("call-1"), nil)
		candidates := new(mockCandidateRepo)
		candidates.On("FindByCallID", mock.Anything, "call-1").Return([]model.Candidate{{ID: "c-1", CallID: "call-1"}}, nil)

		h := NewCallHandler(signaling.NewMemory(), calls, candidates, new(mockAccountRepo))
		req := routeWith("call-1", authedRequest(http.MethodGet, "/v1/calls/call-1", nil, bob()))
		rec := httptest.NewRecorder()
		h.Get(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var snap model.Snapshot
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
		assert.Equal(t, "call-1", snap.Call.ID)
		assert.Len(t, snap.Candidates, 1)
	})

	t.Run("hides call from outsiders", func(t *testing.T) {
		calls := new(mockCallRepo)
		calls.On("FindByID", mock.Anything, "call-1").Return(ringingCall("call-1"), nil)

		h := NewCallHandler(signaling.NewMemory(), calls, new(mockCandidateRepo), new(mockAccountRepo))
		req := routeWith("call-1", authedRequest(http.MethodGet, "/v1/calls/call-1", nil, &model.Account{ID: "mallory"}))
		rec := httptest.NewRecorder()
		h.Get(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestSetAnswerEndpoint(t *testing.T) {
	newMemWithCall := func(t *testing.T) *signaling.Memory {
		t.Helper()
		mem := signaling.NewMemory()
		_, err := mem.Create(context.Background(), model.CreateCallParams{
			ID: "call-1", CallerID: "alice", RecipientID: "bob",
			MediaKind: model.MediaKindAudio, Offer: "v=0",
		})
		require.NoError(t, err)
		return mem
	}

	t.Run("recipient writes answer once", func(t *testing.T) {
		mem := newMemWithCall(t)
		calls := new(mockCallRepo)
		calls.On("FindByID", mock.Anything, "call-1").Return(ringingCall("call-1"), nil)

		h := NewCallHandler(mem, calls, new(mockCandidateRepo), new(mockAccountRepo))
		req := routeWith("call-1", authedRequest(http.MethodPost, "/v1/calls/call-1/answer", map[string]string{"answer": "v=0 answer"}, bob()))
		rec := httptest.NewRecorder()
		h.SetAnswer(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		// Second write loses the conditional write and surfaces as conflict.
		req = routeWith("call-1", authedRequest(http.MethodPost, "/v1/calls/call-1/answer", map[string]string{"answer": "v=0 other"}, bob()))
		rec = httptest.NewRecorder()
		h.SetAnswer(rec, req)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("caller cannot answer", func(t *testing.T) {
		mem := newMemWithCall(t)
		calls := new(mockCallRepo)
		calls.On("FindByID", mock.Anything, "call-1").Return(ringingCall("call-1"), nil)

		h := NewCallHandler(mem, calls, new(mockCandidateRepo), new(mockAccountRepo))
		req := routeWith("call-1", authedRequest(http.MethodPost, "/v1/calls/call-1/answer", map[string]string{"answer": "v=0 answer"}, alice()))
		rec := httptest.NewRecorder()
		h.SetAnswer(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestUpdateStatusEndpoint(t *testing.T) {
	mem := signaling.NewMemory()
	_, err := mem.Create(context.Background(), model.CreateCallParams{
		ID: "call-1", CallerID: "alice", RecipientID: "bob",
		MediaKind: model.MediaKindAudio, Offer: "v=0",
	})
	require.NoError(t, err)

	calls := new(mockCallRepo)
	calls.On("FindByID", mock.Anything, "call-1").Return(ringingCall("call-1"), nil)
	h := NewCallHandler(mem, calls, new(mockCandidateRepo), new(mockAccountRepo))

	req := routeWith("call-1", authedRequest(http.MethodPost, "/v1/calls/call-1/status", map[string]string{"from": "ringing", "to": "declined"}, bob()))
	rec := httptest.NewRecorder()
	h.UpdateStatus(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// The record is terminal now; any further transition is a lost CAS.
	req = routeWith("call-1", authedRequest(http.MethodPost, "/v1/calls/call-1/status", map[string]string{"from": "ringing", "to": "active"}, alice()))
	rec = httptest.NewRecorder()
	h.UpdateStatus(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestClaimConnectedEndpoint(t *testing.T) {
	mem := signaling.NewMemory()
	_, err := mem.Create(context.Background(), model.CreateCallParams{
		ID: "call-1", CallerID: "alice", RecipientID: "bob",
		MediaKind: model.MediaKindAudio, Offer: "v=0",
	})
	require.NoError(t, err)

	calls := new(mockCallRepo)
	calls.On("FindByID", mock.Anything, "call-1").Return(ringingCall("call-1"), nil)
	h := NewCallHandler(mem, calls, new(mockCandidateRepo), new(mockAccountRepo))

	claim := func(account *model.Account) bool {
		req := routeWith("call-1", authedRequest(http.MethodPost, "/v1/calls/call-1/connected", map[string]any{"at": time.Now().UTC()}, account))
		rec := httptest.NewRecorder()
		h.ClaimConnected(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		var out struct {
			Won bool `json:"won"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		return out.Won
	}

	first := claim(alice())
	second := claim(bob())
	assert.True(t, first)
	assert.False(t, second, "only the first claim wins")
}
