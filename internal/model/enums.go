package model

// CallStatus is the lifecycle state of a call record.
// Keep values stable because they are part of the public API.
type CallStatus string

const (
	CallStatusRinging  CallStatus = "ringing"
	CallStatusActive   CallStatus = "active"
	CallStatusEnded    CallStatus = "ended"
	CallStatusDeclined CallStatus = "declined"
	CallStatusMissed   CallStatus = "missed"
	CallStatusFailed   CallStatus = "failed"
)

// IsTerminal reports whether no further transitions are legal from s.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusEnded, CallStatusDeclined, CallStatusMissed, CallStatusFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is a legal successor of s.
// The store enforces this with a conditional write; this is the shared
// definition of the transition graph both sides agree on.
func (s CallStatus) CanTransitionTo(next CallStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case CallStatusRinging:
		switch next {
		case CallStatusActive, CallStatusEnded, CallStatusDeclined, CallStatusMissed, CallStatusFailed:
			return true
		}
	case CallStatusActive:
		switch next {
		case CallStatusEnded, CallStatusFailed:
			return true
		}
	}
	return false
}

// ValidCallStatus reports whether s is a known status value.
func ValidCallStatus(s CallStatus) bool {
	switch s {
	case CallStatusRinging, CallStatusActive, CallStatusEnded,
		CallStatusDeclined, CallStatusMissed, CallStatusFailed:
		return true
	}
	return false
}

// MediaKind selects the media composition of a call.
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

func ValidMediaKind(k MediaKind) bool {
	return k == MediaKindAudio || k == MediaKindVideo
}
