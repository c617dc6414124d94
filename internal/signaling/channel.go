// Package signaling provides the shared call-record channel the two sides of
// a call communicate through. The channel is the only medium between them:
// subscribers receive full record snapshots (never deltas), delivery is
// at-least-once, and every mutable-field write is conditional so concurrent
// writers from both participants stay safe without a lock service.
package signaling

import (
	"context"
	"time"

	"github.com/talkwire/callcore/internal/model"
)

// UpdateFunc receives every visible revision of a call record. The same
// snapshot may be delivered more than once and revisions of distinct fields
// may arrive in any relative order; consumers must tolerate both.
type UpdateFunc func(model.Snapshot)

// IncomingFunc receives ringing calls addressed to a subscribed user.
type IncomingFunc func(model.Call)

// CancelFunc releases one subscription. Idempotent; it never touches other
// subscribers of the same record or user.
type CancelFunc func()

// Channel is the minimal surface the call coordinator needs from the store.
type Channel interface {
	// Create writes a new call record with status ringing. Fails with
	// AlreadyExists when an ongoing call between the two parties loses the
	// record-level race; the caller should join the existing call instead
	// of retrying.
	Create(ctx context.Context, params model.CreateCallParams) (string, error)

	// Subscribe registers fn for every visible revision of the record,
	// starting with its current state. The returned cancel releases only
	// this registration; other subscribers of the same record keep theirs.
	Subscribe(ctx context.Context, callID string, fn UpdateFunc) (CancelFunc, error)

	// SubscribeIncoming registers fn for ringing calls addressed to userID,
	// including any already ringing at subscribe time.
	SubscribeIncoming(ctx context.Context, userID string, fn IncomingFunc) (CancelFunc, error)

	// AppendCandidate adds one connectivity descriptor. Append semantics:
	// concurrent appends by both sides both survive.
	AppendCandidate(ctx context.Context, params model.AppendCandidateParams) error

	// SetAnswer writes the answer descriptor at most once; a second write
	// fails with WriteConflict.
	SetAnswer(ctx context.Context, callID, answer string) error

	// UpdateStatus is a conditional write: it fails with WriteConflict when
	// the stored status is not exactly from.
	UpdateStatus(ctx context.Context, callID string, from, to model.CallStatus) error

	// ClaimConnectedAt records the shared clock origin. The first writer
	// wins and gets true; later writers get false and the already-stored
	// anchor arrives via the next snapshot.
	ClaimConnectedAt(ctx context.Context, callID string, at time.Time) (bool, error)
}

// Notifier dispatches the best-effort out-of-band wake signal after a call
// record is created. Implementations must never fail the create path.
type Notifier interface {
	CallCreated(ctx context.Context, call model.Call)
}
