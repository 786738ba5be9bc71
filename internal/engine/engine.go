// Package engine abstracts the native WebRTC media engine behind a
// capability interface. The call core drives negotiation through these
// types; the pion adapter (pion.go) is the production implementation, and
// the tests substitute a scripted fake.
package engine

import (
	"fmt"
	"strings"
)

// SDPType is the type of a session description.
type SDPType string

const (
	SDPTypeOffer    SDPType = "offer"
	SDPTypeAnswer   SDPType = "answer"
	SDPTypeRollback SDPType = "rollback"
)

// SessionDescription is an uncompressed SDP blob plus its type.
type SessionDescription struct {
	Type SDPType
	SDP  string
}

// SignalingState mirrors the engine's offer/answer negotiation state.
type SignalingState int

const (
	SignalingStable SignalingState = iota
	SignalingHaveLocalOffer
	SignalingHaveRemoteOffer
	SignalingHaveLocalPranswer
	SignalingHaveRemotePranswer
	SignalingClosed
)

// String returns the state name.
func (s SignalingState) String() string {
	switch s {
	case SignalingStable:
		return "Stable"
	case SignalingHaveLocalOffer:
		return "HaveLocalOffer"
	case SignalingHaveRemoteOffer:
		return "HaveRemoteOffer"
	case SignalingHaveLocalPranswer:
		return "HaveLocalPranswer"
	case SignalingHaveRemotePranswer:
		return "HaveRemotePranswer"
	case SignalingClosed:
		return "Closed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// ICEConnectionState mirrors the engine's transport connectivity state.
type ICEConnectionState int

const (
	ICENew ICEConnectionState = iota
	ICEChecking
	ICEConnected
	ICECompleted
	ICEDisconnected
	ICEFailed
	ICEClosed
)

// String returns the state name.
func (s ICEConnectionState) String() string {
	switch s {
	case ICENew:
		return "New"
	case ICEChecking:
		return "Checking"
	case ICEConnected:
		return "Connected"
	case ICECompleted:
		return "Completed"
	case ICEDisconnected:
		return "Disconnected"
	case ICEFailed:
		return "Failed"
	case ICEClosed:
		return "Closed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// ICECandidate is one gathered or received candidate.
type ICECandidate struct {
	SDP           string
	SDPMid        string
	SDPMLineIndex int
}

// IsRelay reports whether the candidate is a TURN relay candidate. The call
// core only ever exchanges relay candidates.
func (c ICECandidate) IsRelay() bool {
	return strings.Contains(c.SDP, " typ relay")
}

// Config configures one peer connection. Only relay transport is ever used,
// so TURN credentials are mandatory.
type Config struct {
	TurnUsername string
	TurnPassword string
	TurnServers  []string

	// ContinualGathering keeps the engine gathering candidates for the
	// lifetime of the connection instead of stopping after one pass.
	ContinualGathering bool
}

// Callbacks receive engine events. The engine invokes them from its own
// threads; the call core re-dispatches onto its serialized loop before
// touching shared state.
type Callbacks struct {
	// OnICECandidate fires for each gathered local candidate.
	OnICECandidate func(c ICECandidate)
	// OnICECandidatesRemoved fires when the engine withdraws candidates.
	OnICECandidatesRemoved func(cs []ICECandidate)
	// OnICEGatheringComplete fires when a gather-once pass finishes.
	OnICEGatheringComplete func()
	// OnICEConnectionChange fires on transport connectivity transitions.
	OnICEConnectionChange func(s ICEConnectionState)
	// OnNegotiationNeeded fires when a local change requires a new
	// offer/answer exchange.
	OnNegotiationNeeded func()
}

// DataChannel is the in-call control channel to one peer.
type DataChannel interface {
	Send(data []byte) error
	OnOpen(fn func())
	OnMessage(fn func(data []byte))
	OnClose(fn func())
	Close() error
}

// TrackKind distinguishes the local media tracks a connection carries.
type TrackKind int

const (
	TrackAudio TrackKind = iota
	TrackVideo
	TrackScreen
)

// Track is one local media track. Enabling and disabling maps to
// mute/camera-off without renegotiation.
type Track interface {
	Kind() TrackKind
	SetEnabled(enabled bool)
	Enabled() bool
}

// PeerConnection is one engine-level connection to one peer.
type PeerConnection interface {
	// CreateOffer builds an offer, optionally requesting an ICE restart.
	// The description is not applied until SetLocalDescription.
	CreateOffer(iceRestart bool) (SessionDescription, error)

	// CreateAnswer builds an answer to the current remote offer.
	CreateAnswer() (SessionDescription, error)

	SetLocalDescription(sd SessionDescription) error
	SetRemoteDescription(sd SessionDescription) error

	SignalingState() SignalingState

	AddICECandidate(c ICECandidate) error

	// CreateDataChannel opens a channel negotiated out-of-band under a
	// pre-agreed id, so both sides create it without in-band signaling.
	CreateDataChannel(label string, negotiated bool, id uint16) (DataChannel, error)

	// AddTrack attaches a local track of the given kind. The boolean
	// reports whether a new sender was attached, as opposed to an existing
	// disabled track being re-enabled; only a new sender forces
	// renegotiation.
	AddTrack(kind TrackKind, enabled bool) (Track, bool, error)

	// AudioLevel samples the current outgoing audio level from engine
	// statistics, in [0,1]. ok is false when the engine does not surface
	// levels.
	AudioLevel() (level float64, ok bool)

	Close() error
}

// Engine creates peer connections.
type Engine interface {
	NewPeerConnection(cfg Config, cb Callbacks) (PeerConnection, error)
}
