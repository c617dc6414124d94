// Package notify dispatches the best-effort wake signal for incoming calls.
// Delivery is fire-and-forget: call setup never waits on it and works
// identically when it is lost, because incoming-call detection runs through
// the channel subscription.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/talkwire/callcore/internal/model"
	redisclient "github.com/talkwire/callcore/internal/redis"
	"github.com/talkwire/callcore/internal/repository"
	"github.com/talkwire/callcore/internal/signaling"
)

const gatewayTimeout = 5 * time.Second

// WakePayload is what the recipient's device receives out of band.
type WakePayload struct {
	Type              string          `json:"type"`
	CallID            string          `json:"callId"`
	CallerDisplayName string          `json:"callerDisplayName"`
	MediaKind         model.MediaKind `json:"mediaKind"`
}

// Dispatcher fans the wake signal out on two paths: the recipient's ring
// topic for clients already connected, and an optional push gateway webhook
// for clients that are not.
type Dispatcher struct {
	broker     *signaling.Broker
	accounts   repository.AccountRepository
	gatewayURL string
	client     *http.Client
	logger     zerolog.Logger
}

func NewDispatcher(
	broker *signaling.Broker,
	accounts repository.AccountRepository,
	gatewayURL string,
	logger zerolog.Logger,
) *Dispatcher {
	return &Dispatcher{
		broker:     broker,
		accounts:   accounts,
		gatewayURL: gatewayURL,
		client:     &http.Client{Timeout: gatewayTimeout},
		logger:     logger.With().Str("component", "notify").Logger(),
	}
}

var _ signaling.Notifier = (*Dispatcher)(nil)

// CallCreated dispatches the wake signal for a freshly ringing call. Every
// failure path logs and returns; nothing here may fail call creation.
func (d *Dispatcher) CallCreated(ctx context.Context, call model.Call) {
	payload := WakePayload{
		Type:      signaling.EventIncomingCall,
		CallID:    call.ID,
		MediaKind: call.MediaKind,
	}

	caller, err := d.accounts.FindByID(ctx, call.CallerID)
	switch {
	case err != nil:
		d.logger.Warn().Err(err).Str("callId", call.ID).Msg("Failed to resolve caller display name")
		payload.CallerDisplayName = call.CallerID
	case caller == nil:
		payload.CallerDisplayName = call.CallerID
	default:
		payload.CallerDisplayName = caller.DisplayName
	}

	d.publishRing(ctx, call, payload)
	if d.gatewayURL != "" {
		d.postGateway(ctx, call, payload)
	}
}

func (d *Dispatcher) publishRing(ctx context.Context, call model.Call, payload WakePayload) {
	data, err := json.Marshal(call)
	if err != nil {
		d.logger.Error().Err(err).Str("callId", call.ID).Msg("Failed to marshal ring event")
		return
	}
	event := signaling.Event{Type: signaling.EventIncomingCall, Data: data}
	if err := d.broker.Publish(ctx, redisclient.RingChannel(call.RecipientID), event); err != nil {
		d.logger.Warn().Err(err).Str("callId", call.ID).Msg("Failed to publish ring event")
	}
}

func (d *Dispatcher) postGateway(ctx context.Context, call model.Call, payload WakePayload) {
	body, err := json.Marshal(struct {
		UserID string      `json:"userId"`
		Notice WakePayload `json:"notice"`
	}{UserID: call.RecipientID, Notice: payload})
	if err != nil {
		d.logger.Error().Err(err).Str("callId", call.ID).Msg("Failed to marshal wake payload")
		return
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.gatewayURL, bytes.NewReader(body))
	if err != nil {
		d.logger.Error().Err(err).Str("callId", call.ID).Msg("Failed to build gateway request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		d.logger.Warn().Err(err).Str("callId", call.ID).Dur("elapsed", elapsed).Msg("Push gateway unreachable")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.logger.Warn().
			Str("callId", call.ID).
			Int("status", resp.StatusCode).
			Dur("elapsed", elapsed).
			Msg("Push gateway rejected wake signal")
		return
	}

	d.logger.Debug().Str("callId", call.ID).Dur("elapsed", elapsed).Msg("Wake signal delivered")
}
