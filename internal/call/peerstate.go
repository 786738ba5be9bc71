package call

import "fmt"

// Role tags a participant record. The role changes only which peer state
// transitions are reachable, not the shape of the record.
type Role int

const (
	// RoleCaller marks the participant that started the call.
	RoleCaller Role = iota
	// RoleRecipient marks a called participant.
	RoleRecipient
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleCaller:
		return "Caller"
	case RoleRecipient:
		return "Recipient"
	default:
		return fmt.Sprintf("Unknown(%d)", int(r))
	}
}

// PeerState is the negotiation state of one participant's connection.
type PeerState int

const (
	// PeerInitial is the state before anything was sent to the peer.
	PeerInitial PeerState = iota
	// PeerStartCallMessageSent: the invite left, no acknowledgement yet.
	// Reachable only toward participants we invited.
	PeerStartCallMessageSent
	// PeerRinging: the peer acknowledged and is ringing.
	PeerRinging
	// PeerBusy: the peer reported an active call of its own.
	PeerBusy
	// PeerCallRejected: the peer declined.
	PeerCallRejected
	// PeerConnectingToPeer: offer/answer exchanged, transport connecting.
	PeerConnectingToPeer
	// PeerConnected: transport is up.
	PeerConnected
	// PeerReconnecting: transport dropped, restart negotiation running.
	PeerReconnecting
	// PeerHangedUp: the peer left the call.
	PeerHangedUp
	// PeerKicked: the caller removed the peer.
	PeerKicked
	// PeerFailed: negotiation or transport failed for good.
	PeerFailed
)

// String returns the state name.
func (s PeerState) String() string {
	switch s {
	case PeerInitial:
		return "Initial"
	case PeerStartCallMessageSent:
		return "StartCallMessageSent"
	case PeerRinging:
		return "Ringing"
	case PeerBusy:
		return "Busy"
	case PeerCallRejected:
		return "CallRejected"
	case PeerConnectingToPeer:
		return "ConnectingToPeer"
	case PeerConnected:
		return "Connected"
	case PeerReconnecting:
		return "Reconnecting"
	case PeerHangedUp:
		return "HangedUp"
	case PeerKicked:
		return "Kicked"
	case PeerFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// IsTerminal reports whether the participant is done and due for removal
// from the roster after the grace delay. A busy peer is not done: it can
// still pick up, so it keeps ringing on our side until it answers, rejects
// or the call is hung up.
func (s PeerState) IsTerminal() bool {
	switch s {
	case PeerCallRejected, PeerHangedUp, PeerKicked, PeerFailed:
		return true
	default:
		return false
	}
}

// terminalPeerStates are reachable from every non-terminal state.
var terminalPeerStates = []PeerState{PeerHangedUp, PeerKicked, PeerFailed}

var validPeerTransitions = map[PeerState][]PeerState{
	PeerInitial:              {PeerStartCallMessageSent, PeerConnectingToPeer},
	PeerStartCallMessageSent: {PeerRinging, PeerBusy, PeerCallRejected, PeerConnectingToPeer},
	PeerRinging:              {PeerBusy, PeerCallRejected, PeerConnectingToPeer},
	PeerBusy:                 {PeerRinging, PeerCallRejected, PeerConnectingToPeer},
	PeerCallRejected:         {},
	PeerConnectingToPeer:     {PeerConnected},
	PeerConnected:            {PeerReconnecting},
	PeerReconnecting:         {PeerConnected},
	PeerHangedUp:             {},
	PeerKicked:               {},
	PeerFailed:               {},
}

// CanTransitionTo checks the peer transition table. The hang-up, kick and
// failure states are reachable from every non-terminal state.
func (s PeerState) CanTransitionTo(next PeerState) bool {
	if !s.IsTerminal() && s != next {
		for _, t := range terminalPeerStates {
			if next == t {
				return true
			}
		}
	}
	for _, allowed := range validPeerTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
