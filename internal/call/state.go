// Package call implements the multi-party call orchestration core: the call
// and peer state machines, the per-peer negotiation state, and the
// orchestrator that serializes every mutation of the active call.
package call

import "fmt"

// State is the aggregate lifecycle state of the single active call. It is
// derived from peer states plus explicit driver events (permission grants,
// credential fetch results); observers read it, nothing outside the
// orchestrator writes it.
type State int

const (
	// StateInitial is the state before the call has been driven anywhere.
	StateInitial State = iota
	// StateWaitingForAudioPermission suspends the flow until the host
	// reports the microphone permission grant.
	StateWaitingForAudioPermission
	// StateGettingTurnCredentials covers the asynchronous credential fetch.
	StateGettingTurnCredentials
	// StateInitializingCall covers peer connection creation and the first
	// offer exchange.
	StateInitializingCall
	// StateRinging means at least one callee acknowledged and is ringing.
	StateRinging
	// StateBusy means every callee reported an active call of its own.
	StateBusy
	// StateConnecting means negotiation answered, transport connecting.
	StateConnecting
	// StateCallInProgress means at least one peer is connected.
	StateCallInProgress
	// StateCallEnded is the normal terminal state.
	StateCallEnded
	// StateFailed is the abnormal terminal state. It is absorbing: no
	// transition out of it is ever permitted.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateWaitingForAudioPermission:
		return "WaitingForAudioPermission"
	case StateGettingTurnCredentials:
		return "GettingTurnCredentials"
	case StateInitializingCall:
		return "InitializingCall"
	case StateRinging:
		return "Ringing"
	case StateBusy:
		return "Busy"
	case StateConnecting:
		return "Connecting"
	case StateCallInProgress:
		return "CallInProgress"
	case StateCallEnded:
		return "CallEnded"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// IsTerminal reports whether the call is over.
func (s State) IsTerminal() bool {
	return s == StateCallEnded || s == StateFailed
}

var validStateTransitions = map[State][]State{
	StateInitial:                   {StateWaitingForAudioPermission, StateGettingTurnCredentials, StateInitializingCall, StateCallEnded, StateFailed},
	StateWaitingForAudioPermission: {StateGettingTurnCredentials, StateInitializingCall, StateCallEnded, StateFailed},
	StateGettingTurnCredentials:    {StateInitializingCall, StateCallEnded, StateFailed},
	StateInitializingCall:          {StateRinging, StateBusy, StateConnecting, StateCallInProgress, StateCallEnded, StateFailed},
	StateRinging:                   {StateBusy, StateConnecting, StateCallInProgress, StateCallEnded, StateFailed},
	StateBusy:                      {StateRinging, StateConnecting, StateCallInProgress, StateCallEnded, StateFailed},
	StateConnecting:                {StateRinging, StateCallInProgress, StateCallEnded, StateFailed},
	StateCallInProgress:            {StateConnecting, StateCallEnded, StateFailed},
	StateCallEnded:                 {},
	StateFailed:                    {},
}

// CanTransitionTo checks the transition table.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range validStateTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// FailureReason explains why a call or a participant failed. Exactly one
// reason is retained per call, first write wins.
type FailureReason int

const (
	// FailureNone means no failure has been recorded.
	FailureNone FailureReason = iota
	// FailureContactNotFound: a callee could not be resolved in the
	// contact directory.
	FailureContactNotFound
	// FailureServerUnreachable: the credential server could not be
	// reached, or relay gathering produced no candidate.
	FailureServerUnreachable
	// FailurePeerConnectionCreation: the media engine refused to build or
	// negotiate a connection.
	FailurePeerConnectionCreation
	// FailureInternal: a serialization or bookkeeping error.
	FailureInternal
	// FailurePermissionDenied: the credential server denied the caller
	// permission to start calls.
	FailurePermissionDenied
	// FailureAuthentication: the credential server rejected the session.
	FailureAuthentication
	// FailureIceConnection: transport connectivity was lost for good.
	FailureIceConnection
	// FailureCallInitiationNotSupported: the server does not support
	// calls for this identity.
	FailureCallInitiationNotSupported
	// FailureKicked: the caller removed us from the call.
	FailureKicked
)

// String returns the reason name.
func (r FailureReason) String() string {
	switch r {
	case FailureNone:
		return "None"
	case FailureContactNotFound:
		return "ContactNotFound"
	case FailureServerUnreachable:
		return "ServerUnreachable"
	case FailurePeerConnectionCreation:
		return "PeerConnectionCreationError"
	case FailureInternal:
		return "InternalError"
	case FailurePermissionDenied:
		return "PermissionDenied"
	case FailureAuthentication:
		return "AuthenticationError"
	case FailureIceConnection:
		return "IceConnectionError"
	case FailureCallInitiationNotSupported:
		return "CallInitiationNotSupported"
	case FailureKicked:
		return "Kicked"
	default:
		return fmt.Sprintf("Unknown(%d)", int(r))
	}
}
