package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/donovanhide/eventsource"
	"github.com/rs/zerolog"

	apperrors "github.com/talkwire/callcore/internal/errors"
	"github.com/talkwire/callcore/internal/model"
)

// HTTPChannel is the client-side Channel: REST writes plus SSE streams
// against a signald server. It is what embedders outside the server
// process use; in-process code talks to the Store directly.
type HTTPChannel struct {
	baseURL string
	token   string
	client  *http.Client
	logger  zerolog.Logger

	mu      sync.Mutex
	streams map[*eventsource.Stream]struct{}
}

func NewHTTPChannel(baseURL, token string, logger zerolog.Logger) *HTTPChannel {
	return &HTTPChannel{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  logger.With().Str("component", "http_channel").Logger(),
		streams: make(map[*eventsource.Stream]struct{}),
	}
}

var _ Channel = (*HTTPChannel)(nil)

// Create posts the ringing record. The caller identity comes from the bearer
// token, not the body; the record ID travels so the server stores the record
// under the same ID every later operation will target.
func (h *HTTPChannel) Create(ctx context.Context, params model.CreateCallParams) (string, error) {
	body := map[string]string{
		"id":          params.ID,
		"recipientId": params.RecipientID,
		"mediaKind":   string(params.MediaKind),
		"offer":       params.Offer,
	}
	var out struct {
		Call model.Call `json:"call"`
	}
	if err := h.do(ctx, http.MethodPost, "/v1/calls", body, &out); err != nil {
		return "", err
	}
	return out.Call.ID, nil
}

func (h *HTTPChannel) AppendCandidate(ctx context.Context, params model.AppendCandidateParams) error {
	path := fmt.Sprintf("/v1/calls/%s/candidates", params.CallID)
	body := map[string]any{
		"candidate":     params.Candidate,
		"sdpMid":        params.SDPMid,
		"sdpMLineIndex": params.SDPMLineIndex,
	}
	return h.do(ctx, http.MethodPost, path, body, nil)
}

func (h *HTTPChannel) SetAnswer(ctx context.Context, callID, answer string) error {
	path := fmt.Sprintf("/v1/calls/%s/answer", callID)
	body := map[string]string{"answer": answer}
	return h.do(ctx, http.MethodPost, path, body, nil)
}

func (h *HTTPChannel) UpdateStatus(ctx context.Context, callID string, from, to model.CallStatus) error {
	path := fmt.Sprintf("/v1/calls/%s/status", callID)
	body := map[string]model.CallStatus{"from": from, "to": to}
	return h.do(ctx, http.MethodPost, path, body, nil)
}

func (h *HTTPChannel) ClaimConnectedAt(ctx context.Context, callID string, at time.Time) (bool, error) {
	path := fmt.Sprintf("/v1/calls/%s/connected", callID)
	body := map[string]time.Time{"at": at}
	var out struct {
		Won bool `json:"won"`
	}
	if err := h.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return false, err
	}
	return out.Won, nil
}

func (h *HTTPChannel) Subscribe(ctx context.Context, callID string, fn UpdateFunc) (CancelFunc, error) {
	path := fmt.Sprintf("/v1/calls/%s/events", callID)
	stream, err := h.subscribe(path)
	if err != nil {
		return nil, err
	}

	go func() {
		for ev := range stream.Events {
			if ev.Event() != EventSnapshot {
				continue
			}
			var snap model.Snapshot
			if err := json.Unmarshal([]byte(ev.Data()), &snap); err != nil {
				h.logger.Warn().Err(err).Str("call_id", callID).Msg("Dropping malformed snapshot event")
				continue
			}
			fn(snap)
		}
	}()
	return h.track(stream), nil
}

func (h *HTTPChannel) SubscribeIncoming(ctx context.Context, userID string, fn IncomingFunc) (CancelFunc, error) {
	stream, err := h.subscribe("/v1/ring")
	if err != nil {
		return nil, err
	}

	go func() {
		for ev := range stream.Events {
			if ev.Event() != EventIncomingCall {
				continue
			}
			var call model.Call
			if err := json.Unmarshal([]byte(ev.Data()), &call); err != nil {
				h.logger.Warn().Err(err).Msg("Dropping malformed incoming call event")
				continue
			}
			fn(call)
		}
	}()
	return h.track(stream), nil
}

// track registers stream for teardown on Close and returns the cancel that
// detaches just this stream.
func (h *HTTPChannel) track(stream *eventsource.Stream) CancelFunc {
	h.mu.Lock()
	h.streams[stream] = struct{}{}
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		_, ok := h.streams[stream]
		delete(h.streams, stream)
		h.mu.Unlock()
		if ok {
			stream.Close()
		}
	}
}

// Close tears down every open stream.
func (h *HTTPChannel) Close() {
	h.mu.Lock()
	streams := make([]*eventsource.Stream, 0, len(h.streams))
	for s := range h.streams {
		streams = append(streams, s)
	}
	h.streams = make(map[*eventsource.Stream]struct{})
	h.mu.Unlock()
	for _, s := range streams {
		s.Close()
	}
}

func (h *HTTPChannel) subscribe(path string) (*eventsource.Stream, error) {
	req, err := http.NewRequest(http.MethodGet, h.baseURL+path, http.NoBody)
	if err != nil {
		return nil, apperrors.ChannelUnavailable(err)
	}
	req.Header.Set("Authorization", "Bearer "+h.token)
	stream, err := eventsource.SubscribeWithRequest("", req)
	if err != nil {
		return nil, apperrors.ChannelUnavailable(err)
	}
	return stream, nil
}

func (h *HTTPChannel) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to encode request body", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reader)
	if err != nil {
		return apperrors.ChannelUnavailable(err)
	}
	req.Header.Set("Authorization", "Bearer "+h.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := h.client.Do(req)
	if err != nil {
		return apperrors.ChannelUnavailable(err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 400 {
		return h.decodeError(res)
	}
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return apperrors.ChannelUnavailable(err)
		}
	}
	return nil
}

func (h *HTTPChannel) decodeError(res *http.Response) error {
	var payload struct {
		Error   string              `json:"error"`
		Code    apperrors.ErrorCode `json:"code"`
		Details json.RawMessage     `json:"details"`
	}
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 1<<16))
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Code != "" {
		appErr := &apperrors.AppError{Code: payload.Code, Message: payload.Error}
		if len(payload.Details) > 0 {
			var details any
			if json.Unmarshal(payload.Details, &details) == nil {
				appErr.Details = details
			}
		}
		return appErr
	}
	if res.StatusCode >= 500 {
		return apperrors.ChannelUnavailable(fmt.Errorf("server returned %d", res.StatusCode))
	}
	return apperrors.New(apperrors.ErrCodeInternal, fmt.Sprintf("Unexpected response status %d", res.StatusCode))
}
