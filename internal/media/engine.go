// Package media defines the contract between call coordination and the
// media stack. Coordination owns signaling and lifecycle; the engine owns
// capture, encoding and transport. Descriptors and connectivity candidates
// are opaque strings on this boundary.
package media

import "context"

// ConnectionState mirrors the transport-level connection lifecycle.
type ConnectionState string

const (
	StateNew          ConnectionState = "new"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

// Candidate is one connectivity descriptor exchanged through signaling.
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
}

// Engine is the media stack as the coordinator sees it.
//
// Callbacks must be registered before the negotiation methods are invoked.
// AddRemoteCandidate may only be called after CreateAnswer or AcceptAnswer
// has installed the remote description; the coordinator buffers candidates
// that arrive earlier. Close is idempotent.
type Engine interface {
	// CreateOffer produces the local session descriptor for an outgoing call.
	CreateOffer(ctx context.Context) (string, error)
	// CreateAnswer installs the remote offer and produces the local answer.
	CreateAnswer(ctx context.Context, remoteOffer string) (string, error)
	// AcceptAnswer installs the remote answer on the offering side.
	AcceptAnswer(ctx context.Context, remoteAnswer string) error
	// AddRemoteCandidate feeds one remote connectivity descriptor.
	AddRemoteCandidate(candidate Candidate) error

	// OnLocalCandidate registers the sink for locally gathered candidates.
	OnLocalCandidate(fn func(Candidate))
	// OnStateChange registers the sink for connection state transitions.
	OnStateChange(fn func(ConnectionState))

	// SetMuted pauses or resumes outgoing audio.
	SetMuted(muted bool) error
	// SetVideoEnabled pauses or resumes outgoing video.
	SetVideoEnabled(enabled bool) error
	// SwitchCamera flips to the next capture device, where one exists.
	SwitchCamera() error

	Close() error
}
