package media

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	apperrors "github.com/talkwire/callcore/internal/errors"
)

// PionEngine is an Engine over a pion PeerConnection. It negotiates
// trickle style: local candidates surface through OnLocalCandidate as they
// are gathered rather than being bundled into the descriptor.
//
// Capture is the embedder's concern: tracks added to the connection before
// negotiation are what the remote side receives. Without tracks the engine
// still negotiates recvonly transceivers, which is enough for headless and
// test deployments.
type PionEngine struct {
	pc     *webrtc.PeerConnection
	logger zerolog.Logger

	mu          sync.Mutex
	onCandidate func(Candidate)
	onState     func(ConnectionState)
	paused      map[webrtc.RTPCodecType]webrtc.TrackLocal
	closed      bool
}

// PionConfig carries the subset of transport configuration embedders tune.
type PionConfig struct {
	ICEServers []webrtc.ICEServer
	WithVideo  bool
}

func NewPionEngine(cfg PionConfig, logger zerolog.Logger) (*PionEngine, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, apperrors.NegotiationFailed(err)
	}

	e := &PionEngine{
		pc:     pc,
		logger: logger.With().Str("component", "media_engine").Logger(),
		paused: make(map[webrtc.RTPCodecType]webrtc.TrackLocal),
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	}); err != nil {
		pc.Close()
		return nil, apperrors.NegotiationFailed(err)
	}
	if cfg.WithVideo {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		}); err != nil {
			pc.Close()
			return nil, apperrors.NegotiationFailed(err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		e.mu.Lock()
		fn := e.onCandidate
		e.mu.Unlock()
		if fn == nil {
			return
		}
		candidate := Candidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			candidate.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			candidate.SDPMLineIndex = int(*init.SDPMLineIndex)
		}
		fn(candidate)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.mu.Lock()
		fn := e.onState
		e.mu.Unlock()
		if fn == nil {
			return
		}
		mapped, ok := mapPeerState(state)
		if !ok {
			return
		}
		fn(mapped)
	})

	return e, nil
}

var _ Engine = (*PionEngine)(nil)

func mapPeerState(state webrtc.PeerConnectionState) (ConnectionState, bool) {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return StateNew, true
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return StateConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return StateFailed, true
	case webrtc.PeerConnectionStateClosed:
		return StateClosed, true
	default:
		return "", false
	}
}

func (e *PionEngine) OnLocalCandidate(fn func(Candidate)) {
	e.mu.Lock()
	e.onCandidate = fn
	e.mu.Unlock()
}

func (e *PionEngine) OnStateChange(fn func(ConnectionState)) {
	e.mu.Lock()
	e.onState = fn
	e.mu.Unlock()
}

func (e *PionEngine) CreateOffer(ctx context.Context) (string, error) {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return "", apperrors.NegotiationFailed(err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return "", apperrors.NegotiationFailed(err)
	}
	return offer.SDP, nil
}

func (e *PionEngine) CreateAnswer(ctx context.Context, remoteOffer string) (string, error) {
	if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  remoteOffer,
	}); err != nil {
		return "", apperrors.NegotiationFailed(err)
	}
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return "", apperrors.NegotiationFailed(err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return "", apperrors.NegotiationFailed(err)
	}
	return answer.SDP, nil
}

func (e *PionEngine) AcceptAnswer(ctx context.Context, remoteAnswer string) error {
	if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  remoteAnswer,
	}); err != nil {
		return apperrors.NegotiationFailed(err)
	}
	return nil
}

func (e *PionEngine) AddRemoteCandidate(candidate Candidate) error {
	mid := candidate.SDPMid
	index := uint16(candidate.SDPMLineIndex)
	err := e.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	})
	if err != nil {
		return apperrors.NegotiationFailed(err)
	}
	return nil
}

// SetMuted pauses the audio sender by swapping its track out. The
// transceiver stays alive, so unmuting restores the held track without
// renegotiation.
func (e *PionEngine) SetMuted(muted bool) error {
	return e.setSending(webrtc.RTPCodecTypeAudio, !muted)
}

func (e *PionEngine) SetVideoEnabled(enabled bool) error {
	return e.setSending(webrtc.RTPCodecTypeVideo, enabled)
}

func (e *PionEngine) setSending(kind webrtc.RTPCodecType, sending bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, transceiver := range e.pc.GetTransceivers() {
		if transceiver.Kind() != kind {
			continue
		}
		sender := transceiver.Sender()
		if sender == nil {
			continue
		}
		if sending {
			track, ok := e.paused[kind]
			if !ok {
				continue
			}
			if err := sender.ReplaceTrack(track); err != nil {
				return apperrors.NegotiationFailed(err)
			}
			delete(e.paused, kind)
		} else {
			track := sender.Track()
			if track == nil {
				continue
			}
			if err := sender.ReplaceTrack(nil); err != nil {
				return apperrors.NegotiationFailed(err)
			}
			e.paused[kind] = track
		}
	}
	return nil
}

// SwitchCamera is device selection, which lives with whatever feeds the
// outgoing video track. The transport has nothing to flip.
func (e *PionEngine) SwitchCamera() error { return nil }

func (e *PionEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if err := e.pc.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to close peer connection")
		return err
	}
	return nil
}
