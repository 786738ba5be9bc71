// Package identity defines the opaque identity type used to key every
// participant-level map in the call core, and the contact directory
// interface the orchestrator resolves callees through.
package identity

import (
	"bytes"
	"encoding/hex"
	"errors"
)

// ErrContactNotFound is returned by Directory lookups for unknown contacts.
var ErrContactNotFound = errors.New("contact not found")

// Identity is an opaque identity: the raw bytes of a party's long-term
// public identity, stored in a string so it can key maps directly.
type Identity string

// FromBytes builds an Identity from raw identity bytes.
func FromBytes(b []byte) Identity {
	return Identity(b)
}

// Bytes returns the raw identity bytes.
func (id Identity) Bytes() []byte {
	return []byte(id)
}

// IsZero reports whether the identity is empty.
func (id Identity) IsZero() bool {
	return len(id) == 0
}

// ShortString returns a hex prefix suitable for log attributes.
func (id Identity) ShortString() string {
	h := hex.EncodeToString([]byte(id))
	if len(h) > 16 {
		return h[:16]
	}
	return h
}

// ShouldOffer reports whether local is the designated offer-sender toward
// remote. Between any two parties the one with the lexicographically larger
// identity bytes sends the offer; both sides compute the same answer
// independently, so the two never race to offer.
func ShouldOffer(local, remote Identity) bool {
	return bytes.Compare([]byte(local), []byte(remote)) > 0
}

// DeviceUID identifies one device of an identity. A contact reachable on
// several devices has one signaling endpoint per device.
type DeviceUID string

// Contact is a directory record for a remote party under one owned identity.
type Contact struct {
	OwnedIdentity Identity
	Identity      Identity
	DisplayName   string

	// OneToOne is true when a direct discussion with this contact exists,
	// which decides the discussion type recorded in the call log.
	OneToOne bool

	// HasChannel is true when an established encrypted channel to at least
	// one of the contact's devices exists.
	HasChannel bool
}

// Directory resolves contact records. The concrete implementation lives with
// the host application; the call core only reads from it.
type Directory interface {
	// Lookup returns the contact record for contact under owned, or
	// ErrContactNotFound.
	Lookup(owned, contact Identity) (*Contact, error)

	// HasOtherOwnedDevices reports whether the owned identity has sibling
	// devices sharing an encrypted channel with itself, which is what makes
	// answered-elsewhere broadcasts worth sending.
	HasOtherOwnedDevices(owned Identity) bool
}
