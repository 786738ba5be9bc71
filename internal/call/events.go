package call

import (
	"time"

	"github.com/google/uuid"

	"github.com/sebas/meshcall/internal/identity"
)

// ParticipantInfo is an immutable snapshot of one roster member, published
// to observers whenever the roster or a per-peer flag changes.
type ParticipantInfo struct {
	Identity    identity.Identity
	DisplayName string
	Role        Role
	State       PeerState
	Muted       bool
	VideoOn     bool
	ScreenOn    bool
}

// CallSnapshot is a point-in-time view of a call. Observers receive a fresh
// snapshot on every state or roster change; the slices are never mutated
// after publication.
type CallSnapshot struct {
	CallID        uuid.UUID
	OwnedIdentity identity.Identity
	Role          Role
	State         State
	Failure       FailureReason
	GroupID       []byte
	StartedAt     time.Time
	Participants  []ParticipantInfo
}

// IncomingCall describes a queued incoming call awaiting a user decision.
type IncomingCall struct {
	CallID           uuid.UUID
	OwnedIdentity    identity.Identity
	CallerIdentity   identity.Identity
	CallerDisplay    string
	ParticipantCount int
	GroupID          []byte
}

// Observer receives call lifecycle notifications. All methods are invoked
// from the orchestrator's execution loop and must not call back into the
// orchestrator synchronously.
type Observer interface {
	CallUpdated(snapshot CallSnapshot)
	IncomingCallRinging(incoming IncomingCall)
	IncomingCallWithdrawn(callID uuid.UUID)
	AudioLevelUpdated(callID uuid.UUID, peer identity.Identity, level float64)
}

// NopObserver satisfies Observer and ignores every notification. Embed it
// when only a subset of callbacks is interesting.
type NopObserver struct{}

func (NopObserver) CallUpdated(CallSnapshot)                               {}
func (NopObserver) IncomingCallRinging(IncomingCall)                       {}
func (NopObserver) IncomingCallWithdrawn(uuid.UUID)                        {}
func (NopObserver) AudioLevelUpdated(uuid.UUID, identity.Identity, float64) {}
