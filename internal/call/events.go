package call

import (
	"github.com/talkwire/callcore/internal/media"
	"github.com/talkwire/callcore/internal/model"
)

// Events feeding the coordinator loop. All three sources (user intent,
// channel subscription, engine callbacks) are funneled through one queue so
// coordinator state only ever mutates on the loop goroutine.
type event interface{}

type evInitiate struct {
	reply chan initiateResult
}

type initiateResult struct {
	callID string
	err    error
}

type evAccept struct {
	reply chan error
}

type evDecline struct {
	reply chan error
}

type evEnd struct {
	reply chan error
}

type evSetMuted struct {
	muted bool
	reply chan error
}

type evSetVideoEnabled struct {
	enabled bool
	reply   chan error
}

type evSwitchCamera struct {
	reply chan error
}

type evObserve struct {
	ch chan StateSnapshot
}

type evSnapshot struct {
	snap model.Snapshot
}

type evLocalCandidate struct {
	candidate media.Candidate
}

type evEngineState struct {
	state media.ConnectionState
}

// evAsync carries the completion of an asynchronous step back onto the loop
// goroutine. Results from a superseded generation are discarded: a completed
// offer or answer arriving after local termination must not reopen the call.
type evAsync struct {
	gen   int
	apply func(*Coordinator)
}
