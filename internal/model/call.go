package model

import (
	"time"
)

// Call is the single shared record for one session attempt. Caller,
// recipient, and media kind are immutable after creation; offer and answer
// are written at most once; status moves only along the transition graph
// in enums.go.
type Call struct {
	ID          string     `db:"id" json:"id"`
	CallerID    string     `db:"caller_id" json:"callerId"`
	RecipientID string     `db:"recipient_id" json:"recipientId"`
	MediaKind   MediaKind  `db:"media_kind" json:"mediaKind"`
	Status      CallStatus `db:"status" json:"status"`
	Offer       *string    `db:"offer" json:"offer,omitempty"`
	Answer      *string    `db:"answer" json:"answer,omitempty"`
	StartedAt   time.Time  `db:"started_at" json:"startedAt"`
	ConnectedAt *time.Time `db:"connected_at" json:"connectedAt,omitempty"`
	EndedAt     *time.Time `db:"ended_at" json:"endedAt,omitempty"`
}

// HasParticipant reports whether userID is one of the two parties.
func (c *Call) HasParticipant(userID string) bool {
	return c.CallerID == userID || c.RecipientID == userID
}

// OtherParty returns the participant opposite userID, or "" when userID
// is not a participant.
func (c *Call) OtherParty(userID string) string {
	switch userID {
	case c.CallerID:
		return c.RecipientID
	case c.RecipientID:
		return c.CallerID
	}
	return ""
}

// Candidate is one connectivity descriptor contributed by a participant.
// The collection is append-only; the same descriptor may be stored or
// delivered more than once and consumers must deduplicate by content.
type Candidate struct {
	ID            string    `db:"id" json:"id"`
	CallID        string    `db:"call_id" json:"callId"`
	Contributor   string    `db:"contributor" json:"contributor"`
	Candidate     string    `db:"candidate" json:"candidate"`
	SDPMid        string    `db:"sdp_mid" json:"sdpMid"`
	SDPMLineIndex int       `db:"sdp_mline_index" json:"sdpMLineIndex"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
}

// Snapshot is the full view of a call record pushed to subscribers.
// Subscribers always receive the whole record, never a delta.
type Snapshot struct {
	Call       Call        `json:"call"`
	Candidates []Candidate `json:"candidates"`
}

type CreateCallParams struct {
	ID          string
	CallerID    string
	RecipientID string
	MediaKind   MediaKind
	Offer       string
}

type AppendCandidateParams struct {
	CallID        string
	Contributor   string
	Candidate     string
	SDPMid        string
	SDPMLineIndex int
}
