package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
)

func TestCallStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from    CallStatus
		to      CallStatus
		allowed bool
	}{
		{CallStatusRinging, CallStatusActive, true},
		{CallStatusRinging, CallStatusEnded, true},
		{CallStatusRinging, CallStatusDeclined, true},
		{CallStatusRinging, CallStatusMissed, true},
		{CallStatusRinging, CallStatusFailed, true},
		{CallStatusRinging, CallStatusRinging, false},
		{CallStatusActive, CallStatusEnded, true},
		{CallStatusActive, CallStatusFailed, true},
		{CallStatusActive, CallStatusRinging, false},
		{CallStatusActive, CallStatusDeclined, false},
		{CallStatusActive, CallStatusMissed, false},
		{CallStatusEnded, CallStatusActive, false},
		{CallStatusDeclined, CallStatusRinging, false},
		{CallStatusMissed, CallStatusActive, false},
		{CallStatusFailed, CallStatusEnded, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestCallStatus_IsTerminal(t *testing.T) {
	assert.False(t, CallStatusRinging.IsTerminal())
	assert.False(t, CallStatusActive.IsTerminal())
	assert.True(t, CallStatusEnded.IsTerminal())
	assert.True(t, CallStatusDeclined.IsTerminal())
	assert.True(t, CallStatusMissed.IsTerminal())
	assert.True(t, CallStatusFailed.IsTerminal())
}

func TestValidators(t *testing.T) {
	assert.True(t, ValidCallStatus(CallStatusRinging))
	assert.False(t, ValidCallStatus(CallStatus("connected")))
	assert.True(t, ValidMediaKind(MediaKindAudio))
	assert.True(t, ValidMediaKind(MediaKindVideo))
	assert.False(t, ValidMediaKind(MediaKind("screen")))
}

func TestCall_Participants(t *testing.T) {
	call := &Call{ID: "call-1", CallerID: "alice", RecipientID: "bob"}

	assert.True(t, call.HasParticipant("alice"))
	assert.True(t, call.HasParticipant("bob"))
	assert.False(t, call.HasParticipant("mallory"))

	assert.Equal(t, "bob", call.OtherParty("alice"))
	assert.Equal(t, "alice", call.OtherParty("bob"))
	assert.Equal(t, "", call.OtherParty("mallory"))
}

func TestCall_JSONShape(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	call := Call{
		ID:          "call-1",
		CallerID:    "alice",
		RecipientID: "bob",
		MediaKind:   MediaKindVideo,
		Status:      CallStatusActive,
		Offer:       lo.ToPtr("v=0 offer"),
		Answer:      lo.ToPtr("v=0 answer"),
		StartedAt:   now,
		ConnectedAt: lo.ToPtr(now.Add(3 * time.Second)),
	}

	data, err := json.Marshal(call)
	assert.NoError(t, err)

	var decoded map[string]any
	assert.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "alice", decoded["callerId"])
	assert.Equal(t, "bob", decoded["recipientId"])
	assert.Equal(t, "video", decoded["mediaKind"])
	assert.Equal(t, "active", decoded["status"])
	assert.Contains(t, decoded, "connectedAt")
	assert.NotContains(t, decoded, "endedAt")
}
