package call

import (
	"time"

	"github.com/sebas/meshcall/internal/identity"
)

// removalGrace delays dropping a participant announced as gone, so a
// roster update racing a reconnect does not flap the UI.
const removalGrace = 3 * time.Second

// participant is one roster entry: the remote identity, its display data
// and the link carrying its media.
type participant struct {
	contact identity.Contact
	// role of the remote participant within the call, not ours.
	role Role
	link *peerLink

	// removalTimer is armed when a roster update no longer lists this
	// participant; a re-announcement before it fires cancels removal.
	removalTimer *time.Timer
}

// roster holds the participants of one call. Iteration order is insertion
// order; lookups go through the identity index. Both views always describe
// the same set.
type roster struct {
	ordered []*participant
	byID    map[identity.Identity]*participant
}

func newRoster() *roster {
	return &roster{byID: make(map[identity.Identity]*participant)}
}

func (r *roster) add(p *participant) bool {
	id := p.contact.Identity
	if _, exists := r.byID[id]; exists {
		return false
	}
	r.ordered = append(r.ordered, p)
	r.byID[id] = p
	return true
}

func (r *roster) get(id identity.Identity) (*participant, bool) {
	p, ok := r.byID[id]
	return p, ok
}

func (r *roster) remove(id identity.Identity) (*participant, bool) {
	p, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	delete(r.byID, id)
	for i, q := range r.ordered {
		if q == p {
			r.ordered = append(r.ordered[:i], r.ordered[i+1:]...)
			break
		}
	}
	return p, true
}

func (r *roster) len() int {
	return len(r.ordered)
}

func (r *roster) each(fn func(p *participant)) {
	for _, p := range r.ordered {
		fn(p)
	}
}

// connectedCount reports how many participants currently have media up.
func (r *roster) connectedCount() int {
	n := 0
	for _, p := range r.ordered {
		if p.link != nil && p.link.state == PeerConnected {
			n++
		}
	}
	return n
}

// allTerminal reports whether every participant reached a terminal state.
// An empty roster counts as terminal.
func (r *roster) allTerminal() bool {
	for _, p := range r.ordered {
		if p.link == nil || !p.link.state.IsTerminal() {
			return false
		}
	}
	return true
}
