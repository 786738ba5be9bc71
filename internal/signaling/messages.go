// Package signaling defines the call signaling protocol carried over the
// encrypted transport: a closed set of message kinds, each with a JSON
// payload, tagged with the call identifier it belongs to.
//
// Session descriptions are large and highly compressible, so every payload
// embedding one carries it raw-deflate compressed (see compress.go).
package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/sebas/meshcall/internal/identity"
)

// Kind tags a signaling message. The wire value is a small integer; both
// sides must agree on the numbering, so the values are frozen.
type Kind int

const (
	KindStartCall Kind = iota
	KindAnswerCall
	KindRejectCall
	KindHangUp
	KindRinging
	KindBusy
	KindReconnectCall
	KindNewParticipantOffer
	KindNewParticipantAnswer
	KindKick
	KindNewIceCandidate
	KindRemoveIceCandidates
	KindAnsweredOrRejectedOnOtherDevice
)

// String returns the kind name for log attributes.
func (k Kind) String() string {
	switch k {
	case KindStartCall:
		return "StartCall"
	case KindAnswerCall:
		return "AnswerCall"
	case KindRejectCall:
		return "RejectCall"
	case KindHangUp:
		return "HangUp"
	case KindRinging:
		return "Ringing"
	case KindBusy:
		return "Busy"
	case KindReconnectCall:
		return "ReconnectCall"
	case KindNewParticipantOffer:
		return "NewParticipantOffer"
	case KindNewParticipantAnswer:
		return "NewParticipantAnswer"
	case KindKick:
		return "Kick"
	case KindNewIceCandidate:
		return "NewIceCandidate"
	case KindRemoveIceCandidates:
		return "RemoveIceCandidates"
	case KindAnsweredOrRejectedOnOtherDevice:
		return "AnsweredOrRejectedOnOtherDevice"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// GatheringPolicy selects how a peer gathers and exchanges ICE candidates.
type GatheringPolicy int

const (
	// GatherOnce batches all candidates into a single SDP exchange. Used
	// toward peers that never advertised continuous gathering.
	GatherOnce GatheringPolicy = 1
	// GatherContinually trickles each candidate in its own signaling
	// message as it is discovered.
	GatherContinually GatheringPolicy = 2
)

// String returns the policy name.
func (p GatheringPolicy) String() string {
	switch p {
	case GatherOnce:
		return "GatherOnce"
	case GatherContinually:
		return "GatherContinually"
	default:
		return fmt.Sprintf("Unknown(%d)", int(p))
	}
}

// Envelope is the wire frame for one signaling message.
type Envelope struct {
	Kind    Kind            `json:"type"`
	CallID  uuid.UUID       `json:"call_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Delivery is an inbound envelope plus the transport-provided metadata about
// who sent it. The transport authenticates the sender; the call core trusts
// these fields.
type Delivery struct {
	Envelope
	OwnedIdentity  identity.Identity
	SenderIdentity identity.Identity
	SenderDevice   identity.DeviceUID
}

// Message is one of the payload structs below.
type Message interface {
	Kind() Kind
}

// SessionDescription is an SDP blob plus its type ("offer", "answer",
// "rollback"), with the SDP body deflate-compressed on the wire.
type SessionDescription struct {
	Type       string `json:"type"`
	Compressed []byte `json:"body"`
}

// NewSessionDescription compresses body into a wire SessionDescription.
func NewSessionDescription(sdType, body string) (SessionDescription, error) {
	compressed, err := Deflate([]byte(body))
	if err != nil {
		return SessionDescription{}, fmt.Errorf("compress session description: %w", err)
	}
	return SessionDescription{Type: sdType, Compressed: compressed}, nil
}

// Body inflates the compressed SDP body.
func (sd SessionDescription) Body() (string, error) {
	raw, err := Inflate(sd.Compressed)
	if err != nil {
		return "", fmt.Errorf("inflate session description: %w", err)
	}
	return string(raw), nil
}

// TurnCredentials carries the relay credentials a caller hands to each
// callee. Callers keep the recipient pair for themselves and forward the
// other pair.
type TurnCredentials struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	Servers  []string `json:"servers,omitempty"`
}

// StartCall invites a callee into a new call.
type StartCall struct {
	SessionDescription SessionDescription `json:"sd"`
	TurnCredentials    TurnCredentials    `json:"turn"`
	ParticipantCount   int                `json:"participant_count"`
	GroupID            []byte             `json:"group_id,omitempty"`
	GatheringPolicy    GatheringPolicy    `json:"gathering_policy"`
}

func (StartCall) Kind() Kind { return KindStartCall }

// AnswerCall carries the callee's answer description back to the caller.
type AnswerCall struct {
	SessionDescription SessionDescription `json:"sd"`
}

func (AnswerCall) Kind() Kind { return KindAnswerCall }

// RejectCall tells the caller the callee declined.
type RejectCall struct{}

func (RejectCall) Kind() Kind { return KindRejectCall }

// HangUp tells the peer we left the call.
type HangUp struct{}

func (HangUp) Kind() Kind { return KindHangUp }

// Ringing acknowledges a StartCall before the callee decides.
type Ringing struct{}

func (Ringing) Kind() Kind { return KindRinging }

// Busy tells the caller the callee is already in a call.
type Busy struct{}

func (Busy) Kind() Kind { return KindBusy }

// ReconnectCall restarts negotiation after connectivity loss. The counters
// implement the restart ordering protocol: an offer carries the sender's
// incremented reconnect counter plus the highest counter it has seen from
// us, so both sides can discard stale or duplicate restarts.
type ReconnectCall struct {
	SessionDescription SessionDescription `json:"sd"`
	ReconnectCounter   int64              `json:"reconnect_counter"`
	CounterToOverride  int64              `json:"counter_to_override"`
}

func (ReconnectCall) Kind() Kind { return KindReconnectCall }

// NewParticipantOffer is a direct offer between two non-caller participants
// of a multi-party call.
type NewParticipantOffer struct {
	SessionDescription SessionDescription `json:"sd"`
	GatheringPolicy    GatheringPolicy    `json:"gathering_policy"`
}

func (NewParticipantOffer) Kind() Kind { return KindNewParticipantOffer }

// NewParticipantAnswer answers a NewParticipantOffer.
type NewParticipantAnswer struct {
	SessionDescription SessionDescription `json:"sd"`
}

func (NewParticipantAnswer) Kind() Kind { return KindNewParticipantAnswer }

// Kick removes a participant from the call. Only honored from the caller.
type Kick struct{}

func (Kick) Kind() Kind { return KindKick }

// IceCandidate is one trickled ICE candidate.
type IceCandidate struct {
	SDP           string `json:"sdp"`
	SDPMLineIndex int    `json:"sdp_m_line_index"`
	SDPMid        string `json:"sdp_mid,omitempty"`
}

// NewIceCandidate trickles one candidate to the peer.
type NewIceCandidate struct {
	IceCandidate
}

func (NewIceCandidate) Kind() Kind { return KindNewIceCandidate }

// RemoveIceCandidates withdraws previously trickled candidates.
type RemoveIceCandidates struct {
	Candidates []IceCandidate `json:"candidates"`
}

func (RemoveIceCandidates) Kind() Kind { return KindRemoveIceCandidates }

// AnsweredOrRejectedOnOtherDevice tells sibling devices of the same owned
// identity to stop ringing because another device handled the call.
type AnsweredOrRejectedOnOtherDevice struct {
	Answered bool `json:"answered"`
}

func (AnsweredOrRejectedOnOtherDevice) Kind() Kind { return KindAnsweredOrRejectedOnOtherDevice }

// Seal wraps a message into an envelope for callID.
func Seal(callID uuid.UUID, msg Message) (*Envelope, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msg.Kind(), err)
	}
	return &Envelope{Kind: msg.Kind(), CallID: callID, Payload: payload}, nil
}

// Open decodes the envelope payload into its concrete message type. An
// unknown kind or a malformed payload yields an error; callers drop the
// message without touching call state.
func Open(env *Envelope) (Message, error) {
	var msg Message
	switch env.Kind {
	case KindStartCall:
		msg = &StartCall{}
	case KindAnswerCall:
		msg = &AnswerCall{}
	case KindRejectCall:
		msg = &RejectCall{}
	case KindHangUp:
		msg = &HangUp{}
	case KindRinging:
		msg = &Ringing{}
	case KindBusy:
		msg = &Busy{}
	case KindReconnectCall:
		msg = &ReconnectCall{}
	case KindNewParticipantOffer:
		msg = &NewParticipantOffer{}
	case KindNewParticipantAnswer:
		msg = &NewParticipantAnswer{}
	case KindKick:
		msg = &Kick{}
	case KindNewIceCandidate:
		msg = &NewIceCandidate{}
	case KindRemoveIceCandidates:
		msg = &RemoveIceCandidates{}
	case KindAnsweredOrRejectedOnOtherDevice:
		msg = &AnsweredOrRejectedOnOtherDevice{}
	default:
		return nil, fmt.Errorf("unknown signaling message kind %d", int(env.Kind))
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, msg); err != nil {
			return nil, fmt.Errorf("unmarshal %s payload: %w", env.Kind, err)
		}
	}
	return msg, nil
}
