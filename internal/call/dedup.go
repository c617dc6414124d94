package call

import "github.com/talkwire/callcore/internal/media"

// candidateKey identifies a connectivity descriptor by content. Contributor
// identity is deliberately excluded: the same descriptor re-delivered by the
// channel must collapse onto one key.
type candidateKey struct {
	candidate     string
	sdpMid        string
	sdpMLineIndex int
}

func keyOf(c media.Candidate) candidateKey {
	return candidateKey{
		candidate:     c.Candidate,
		sdpMid:        c.SDPMid,
		sdpMLineIndex: c.SDPMLineIndex,
	}
}

// candidateTracker deduplicates remote candidates for the lifetime of one
// call and buffers those that arrive before the remote description is
// installed. The channel guarantees neither ordering nor exactly-once
// delivery, so both behaviors are required for correctness.
type candidateTracker struct {
	seen    map[candidateKey]struct{}
	pending []media.Candidate
	ready   bool
}

func newCandidateTracker() *candidateTracker {
	return &candidateTracker{seen: make(map[candidateKey]struct{})}
}

// Accept records the candidate and reports whether it should be applied to
// the engine now. Duplicates are a silent no-op; candidates arriving before
// MarkReady are buffered instead of applied.
func (t *candidateTracker) Accept(c media.Candidate) (apply bool) {
	key := keyOf(c)
	if _, dup := t.seen[key]; dup {
		return false
	}
	t.seen[key] = struct{}{}
	if !t.ready {
		t.pending = append(t.pending, c)
		return false
	}
	return true
}

// MarkReady flips the tracker into pass-through mode and drains everything
// buffered while the remote description was still missing.
func (t *candidateTracker) MarkReady() []media.Candidate {
	t.ready = true
	drained := t.pending
	t.pending = nil
	return drained
}
