package signaling

import (
	"context"

	"github.com/sebas/meshcall/internal/identity"
)

// Handler consumes inbound deliveries. Implementations must not block: the
// call core re-dispatches onto its own serialized loop.
type Handler func(d *Delivery)

// Transport is the encrypted point-to-point delivery channel between
// devices. The implementation owns encryption, retries, and device fanout;
// the call core only sees authenticated deliveries.
type Transport interface {
	// Send delivers env from the owned identity to every listed recipient
	// (all their devices). Recipients without an established channel are
	// skipped by the implementation.
	Send(ctx context.Context, owned identity.Identity, recipients []identity.Identity, env *Envelope) error

	// SendToOwnedDevices delivers env to the owned identity's other devices.
	SendToOwnedDevices(ctx context.Context, owned identity.Identity, env *Envelope) error

	// SetHandler registers the inbound delivery handler. Must be called
	// before any delivery arrives.
	SetHandler(h Handler)

	// Close tears the transport down.
	Close() error
}
