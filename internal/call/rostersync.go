package call

import (
	"encoding/json"
	"fmt"

	"github.com/sebas/meshcall/internal/calllog"
	"github.com/sebas/meshcall/internal/identity"
	"github.com/sebas/meshcall/internal/signaling"
)

// Data channel plumbing and roster synchronization. The caller owns the
// authoritative roster and broadcasts it after every membership change;
// recipients reconcile their local view against each broadcast.

func (o *Orchestrator) dataChannelOpened(peer identity.Identity) {
	if o.active == nil {
		return
	}
	p, ok := o.active.roster.get(peer)
	if !ok || p.link == nil {
		return
	}
	o.log.Debug("[Orchestrator] data channel open", "peer", peer.ShortString())

	o.sendDataBestEffort(p, DCMuted, dcMuted{Muted: o.active.muted})
	o.sendDataBestEffort(p, DCVideoSupported, dcVideoSupported{Supported: o.opts.VideoSupported})
	if o.active.videoSharing {
		o.sendDataBestEffort(p, DCVideoSharing, dcVideoSharing{Sharing: true})
	}
	if o.active.screenSharing {
		o.sendDataBestEffort(p, DCScreenSharing, dcScreenSharing{Sharing: true})
	}
	if o.active.role == RoleCaller {
		o.sendRosterTo(p)
	}
}

func (o *Orchestrator) sendDataBestEffort(p *participant, kind DCKind, payload any) {
	if err := p.link.sendData(kind, payload); err != nil {
		o.log.Debug("[Orchestrator] data channel send failed",
			"peer", p.contact.Identity.ShortString(), "kind", kind, "error", err)
	}
}

func (o *Orchestrator) dataChannelMessage(peer identity.Identity, data []byte) {
	if o.active == nil {
		return
	}
	env, err := decodeDC(data)
	if err != nil {
		o.log.Warn("[Orchestrator] dropping malformed data channel message", "error", err)
		return
	}
	o.handleDataEnvelope(peer, env)
}

func (o *Orchestrator) handleDataEnvelope(from identity.Identity, env dcEnvelope) {
	p, known := o.active.roster.get(from)
	if !known {
		o.log.Debug("[Orchestrator] data channel message from unknown peer",
			"peer", from.ShortString())
		return
	}

	switch env.Kind {
	case DCMuted:
		var m dcMuted
		if json.Unmarshal(env.Payload, &m) == nil && p.link != nil {
			p.link.remoteMuted = m.Muted
			o.publish()
		}
	case DCVideoSupported:
		var m dcVideoSupported
		if json.Unmarshal(env.Payload, &m) == nil && p.link != nil {
			p.link.remoteVideoSupported = m.Supported
		}
	case DCVideoSharing:
		var m dcVideoSharing
		if json.Unmarshal(env.Payload, &m) == nil && p.link != nil {
			p.link.remoteVideoSharing = m.Sharing
			o.publish()
		}
	case DCScreenSharing:
		var m dcScreenSharing
		if json.Unmarshal(env.Payload, &m) == nil && p.link != nil {
			p.link.remoteScreenSharing = m.Sharing
			o.publish()
		}
	case DCHangedUp:
		o.peerHangedUp(p)
	case DCUpdateParticipants:
		if o.active.role != RoleRecipient || from != o.active.callerIdentity {
			return
		}
		var m dcUpdateParticipants
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			o.log.Warn("[Orchestrator] malformed roster update", "error", err)
			return
		}
		o.reconcileRoster(m.Participants)
	case DCRelay:
		o.handleRelay(from, env.Payload)
	case DCRelayed:
		o.handleRelayed(from, env.Payload)
	default:
		o.log.Debug("[Orchestrator] unhandled data channel message", "kind", env.Kind)
	}
}

// handleRelay forwards a wrapped signaling message between two participants
// that have no direct channel. Only the caller relays. A target missing
// from the roster is dropped on purpose; delivery is best effort and the
// sender retries through its own reconnect logic if it mattered.
func (o *Orchestrator) handleRelay(from identity.Identity, payload []byte) {
	if o.active.role != RoleCaller {
		return
	}
	var m dcRelay
	if err := json.Unmarshal(payload, &m); err != nil {
		o.log.Warn("[Orchestrator] malformed relay request", "error", err)
		return
	}
	target := identity.FromBytes(m.To)
	tp, ok := o.active.roster.get(target)
	if !ok || tp.link == nil {
		o.log.Warn("[Orchestrator] dropping relay for absent participant",
			"target", target.ShortString())
		return
	}
	o.sendDataBestEffort(tp, DCRelayed, dcRelayed{From: from.Bytes(), Inner: m.Inner})
}

// handleRelayed unwraps a signaling envelope relayed through the caller and
// feeds it into the normal routing path under its original sender.
func (o *Orchestrator) handleRelayed(from identity.Identity, payload []byte) {
	if o.active.role != RoleRecipient || from != o.active.callerIdentity {
		return
	}
	var m dcRelayed
	if err := json.Unmarshal(payload, &m); err != nil {
		o.log.Warn("[Orchestrator] malformed relayed message", "error", err)
		return
	}
	var env signaling.Envelope
	if err := json.Unmarshal(m.Inner, &env); err != nil {
		o.log.Warn("[Orchestrator] malformed relayed envelope", "error", err)
		return
	}
	if env.CallID != o.active.id {
		return
	}
	msg, err := signaling.Open(&env)
	if err != nil {
		o.log.Warn("[Orchestrator] dropping malformed relayed payload", "error", err)
		return
	}
	// Relay must not nest.
	if _, isStart := msg.(*signaling.StartCall); isStart {
		return
	}
	o.handleActiveMessage(identity.FromBytes(m.From), msg)
}

// reconcileRoster aligns the local roster with a caller broadcast: unknown
// members are admitted (consuming a buffered offer if one raced ahead),
// members no longer listed are scheduled for removal after the grace delay.
func (o *Orchestrator) reconcileRoster(entries []dcParticipant) {
	seen := make(map[identity.Identity]struct{}, len(entries))
	for _, entry := range entries {
		id := identity.FromBytes(entry.Identity)
		if id == o.active.owned {
			continue
		}
		seen[id] = struct{}{}

		if p, ok := o.active.roster.get(id); ok {
			// Re-announced before the grace delay fired.
			stopTimer(&p.removalTimer)
			continue
		}
		o.admitParticipant(id, entry.Name)
	}

	var leavers []*participant
	o.active.roster.each(func(p *participant) {
		if p.role == RoleCaller {
			return
		}
		if _, listed := seen[p.contact.Identity]; !listed {
			leavers = append(leavers, p)
		}
	})
	for _, p := range leavers {
		o.log.Info("[Orchestrator] participant no longer in roster",
			"peer", p.contact.Identity.ShortString())
		if p.link != nil {
			p.link.setState(PeerHangedUp)
			p.link.close()
		}
		o.scheduleRemoval(p)
	}
	o.publish()
}

func (o *Orchestrator) admitParticipant(id identity.Identity, name string) {
	contact, err := o.directory.Lookup(o.active.owned, id)
	if err != nil {
		// Not a contact of ours. Signaling to them runs through the
		// caller-mediated relay.
		contact = &identity.Contact{
			OwnedIdentity: o.active.owned,
			Identity:      id,
			DisplayName:   name,
		}
	}
	p := &participant{contact: *contact, role: RoleRecipient}
	o.active.roster.add(p)
	o.log.Info("[Orchestrator] participant admitted",
		"peer", id.ShortString(), "offerer", identity.ShouldOffer(o.active.owned, id))

	if identity.ShouldOffer(o.active.owned, id) {
		o.attachOfferingLink(p)
		return
	}
	if buffered, ok := o.active.bufferedOffers[id]; ok {
		delete(o.active.bufferedOffers, id)
		o.attachAnsweringLink(p, buffered.desc, buffered.gathering)
	}
}

// broadcastRoster sends the full membership to every connected participant.
// Caller only.
func (o *Orchestrator) broadcastRoster() {
	if o.active == nil || o.active.role != RoleCaller {
		return
	}
	o.active.roster.each(func(p *participant) {
		if p.link != nil && p.link.channelOpen {
			o.sendRosterTo(p)
		}
	})
}

func (o *Orchestrator) sendRosterTo(p *participant) {
	entries := []dcParticipant{{Identity: o.active.owned.Bytes(), Caller: true}}
	o.active.roster.each(func(q *participant) {
		if q.link != nil && q.link.state.IsTerminal() {
			return
		}
		entries = append(entries, dcParticipant{
			Identity: q.contact.Identity.Bytes(),
			Name:     q.contact.DisplayName,
		})
	})
	o.sendDataBestEffort(p, DCUpdateParticipants, dcUpdateParticipants{Participants: entries})
}

// AddParticipants invites more contacts into the active call. Caller only.
func (o *Orchestrator) AddParticipants(contacts []identity.Identity) error {
	var err error
	o.exec.run(func() { err = o.addParticipants(contacts) })
	return err
}

func (o *Orchestrator) addParticipants(contacts []identity.Identity) error {
	if o.active == nil {
		return ErrNoActiveCall
	}
	if o.active.role != RoleCaller {
		return ErrNotCaller
	}
	added := 0
	for _, c := range contacts {
		if _, exists := o.active.roster.get(c); exists {
			continue
		}
		contact, err := o.directory.Lookup(o.active.owned, c)
		if err != nil {
			return fmt.Errorf("resolving participant %s: %w", c.ShortString(), err)
		}
		p := &participant{contact: *contact, role: RoleRecipient}
		o.active.roster.add(p)
		o.startCallerLink(p)
		added++
	}
	if added > 0 {
		o.broadcastRoster()
		o.publish()
	}
	return nil
}

// KickParticipant removes a participant immediately, with an explicit kick
// signal. Caller only.
func (o *Orchestrator) KickParticipant(peer identity.Identity) error {
	var err error
	o.exec.run(func() { err = o.kickParticipant(peer) })
	return err
}

func (o *Orchestrator) kickParticipant(peer identity.Identity) error {
	if o.active == nil {
		return ErrNoActiveCall
	}
	if o.active.role != RoleCaller {
		return ErrNotCaller
	}
	p, ok := o.active.roster.get(peer)
	if !ok {
		return ErrNoSuchParticipant
	}
	o.log.Info("[Orchestrator] kicking participant", "peer", peer.ShortString())
	o.sendSignal(o.active.id, o.active.owned, peer, signaling.Kick{}, nil)
	if p.link != nil {
		p.link.setState(PeerKicked)
	}
	o.removeParticipant(peer)
	return nil
}

// Peer events reported by links.

func (o *Orchestrator) peerConnected(peer identity.Identity) {
	if o.active == nil {
		return
	}
	p, ok := o.active.roster.get(peer)
	if !ok {
		return
	}
	stopTimer(&p.removalTimer)
	o.log.Info("[Orchestrator] peer connected", "peer", peer.ShortString())

	if !o.active.wasConnected {
		o.active.wasConnected = true
		o.active.startedAt = timeNow()
		o.scheduleAudioPoll()
	}
	o.updateAggregateState()
	o.publish()
	if o.active.role == RoleCaller {
		o.broadcastRoster()
	}
}

func (o *Orchestrator) peerReconnecting(peer identity.Identity) {
	if o.active == nil {
		return
	}
	o.log.Info("[Orchestrator] peer reconnecting", "peer", peer.ShortString())
	o.updateAggregateState()
	o.publish()
}

func (o *Orchestrator) connectTimedOut(peer identity.Identity) {
	if o.active == nil {
		return
	}
	o.log.Warn("[Orchestrator] peer connect timed out", "peer", peer.ShortString())
	o.peerFailedInternal(peer, FailureIceConnection)
}

// relayCandidatesExhausted means the TURN allocation produced nothing
// usable: the cached credentials are stale, so they are dropped before the
// call fails.
func (o *Orchestrator) relayCandidatesExhausted(peer identity.Identity) {
	if o.active == nil {
		return
	}
	o.log.Warn("[Orchestrator] no relay candidates gathered", "peer", peer.ShortString())
	o.creds.Invalidate(o.active.owned)
	o.failCall(FailureServerUnreachable)
}

// peerFailedInternal absorbs a single participant failure; it escalates to
// call failure only when no other participant remains.
func (o *Orchestrator) peerFailedInternal(peer identity.Identity, reason FailureReason) {
	if o.active == nil {
		return
	}
	p, ok := o.active.roster.get(peer)
	if !ok {
		return
	}
	if o.active.roster.len() == 1 {
		o.failCall(reason)
		return
	}
	hadMedia := p.link != nil &&
		(p.link.state == PeerConnected || p.link.state == PeerReconnecting)
	if p.link != nil {
		p.link.setState(PeerFailed)
		p.link.close()
	}
	o.scheduleRemoval(p)
	if o.active.role == RoleCaller && hadMedia {
		o.broadcastRoster()
	}
	o.updateAggregateState()
	o.maybeFinishCall()
	o.publish()
}

func (o *Orchestrator) peerHangedUp(p *participant) {
	if p.link != nil {
		p.link.setState(PeerHangedUp)
		p.link.close()
	}
	o.scheduleRemoval(p)
	if o.active.role == RoleCaller {
		o.broadcastRoster()
	}
	o.updateAggregateState()
	o.maybeFinishCall()
	o.publish()
}

// scheduleRemoval arms the grace delay before a terminal participant leaves
// the roster, so the UI gets a final flash of its state.
func (o *Orchestrator) scheduleRemoval(p *participant) {
	if p.removalTimer != nil {
		return
	}
	peer := p.contact.Identity
	p.removalTimer = o.exec.after(removalGrace, func() {
		o.removeParticipant(peer)
	})
}

func (o *Orchestrator) removeParticipant(peer identity.Identity) {
	if o.active == nil {
		return
	}
	p, ok := o.active.roster.remove(peer)
	if !ok {
		return
	}
	stopTimer(&p.removalTimer)
	if p.link != nil {
		p.link.close()
	}
	o.log.Info("[Orchestrator] participant removed", "peer", peer.ShortString())
	if o.active.role == RoleCaller {
		o.broadcastRoster()
	}
	o.maybeFinishCall()
	if o.active != nil {
		o.publish()
	}
}

// maybeFinishCall ends the call once every participant reached a terminal
// state. The log status reflects how far the call got.
func (o *Orchestrator) maybeFinishCall() {
	if o.active == nil || !o.active.roster.allTerminal() {
		return
	}
	o.endActiveCall(o.terminalStatus())
}

// terminalStatus picks the log status for a call ending without failure,
// from how far the call got before it was over.
func (o *Orchestrator) terminalStatus() calllog.Status {
	if o.active.wasConnected {
		return calllog.StatusSuccessful
	}
	rejected, busy := 0, 0
	o.active.roster.each(func(p *participant) {
		if p.link == nil {
			return
		}
		switch p.link.state {
		case PeerCallRejected:
			rejected++
		case PeerBusy:
			busy++
		}
	})
	switch {
	case rejected > 0:
		return calllog.StatusRejected
	case busy > 0:
		return calllog.StatusBusy
	}
	return calllog.StatusFailed
}
