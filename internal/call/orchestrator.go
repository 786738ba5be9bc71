package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/meshcall/internal/calllog"
	"github.com/sebas/meshcall/internal/engine"
	"github.com/sebas/meshcall/internal/identity"
	"github.com/sebas/meshcall/internal/signaling"
	"github.com/sebas/meshcall/internal/store"
)

const (
	// audioLevelInterval paces the per-peer audio level poll.
	audioLevelInterval = time.Second
	// strayTTL bounds candidates and answered-elsewhere notices buffered
	// for calls that never materialize.
	strayTTL = 50 * time.Second
	// answeredElsewhereTTL bounds the side table consulted when a start
	// message arrives after the elsewhere notice.
	answeredElsewhereTTL = time.Minute
)

// ringingTimeout bounds how long an unanswered incoming call rings. A
// variable so tests can shorten it.
var ringingTimeout = 50 * time.Second

// timeNow is a seam for tests that assert call timestamps.
var timeNow = time.Now

var (
	ErrAlreadyInCall     = errors.New("already in a call")
	ErrNoActiveCall      = errors.New("no active call")
	ErrCallNotFound      = errors.New("no such queued call")
	ErrNotCaller         = errors.New("operation restricted to the caller")
	ErrNoSuchParticipant = errors.New("no such participant")
)

// Options tunes orchestrator behavior.
type Options struct {
	// LowBandwidth caps the Opus bitrate at 16 kbps instead of 32.
	LowBandwidth bool
	// VideoSupported is announced to peers once the data channel opens.
	VideoSupported bool
}

// strayKey addresses buffers for messages whose call is not active yet.
type strayKey struct {
	call uuid.UUID
	id   identity.Identity
}

// bufferedOffer parks a participant offer that raced ahead of the roster
// update announcing its sender. It is consumed exactly once.
type bufferedOffer struct {
	desc      engine.SessionDescription
	gathering signaling.GatheringPolicy
}

// incomingCall is one queued, not yet accepted inbound call.
type incomingCall struct {
	id               uuid.UUID
	owned            identity.Identity
	caller           *identity.Contact
	callerDevice     identity.DeviceUID
	groupID          []byte
	turn             signaling.TurnCredentials
	participantCount int
	gathering        signaling.GatheringPolicy
	offer            engine.SessionDescription

	ringingTimer *time.Timer
}

// activeCall holds everything about the single call in progress.
type activeCall struct {
	id      uuid.UUID
	owned   identity.Identity
	role    Role
	state   State
	failure FailureReason
	groupID []byte

	roster    *roster
	creds     *Credentials
	gathering signaling.GatheringPolicy

	// callerIdentity is set when the local role is Recipient.
	callerIdentity identity.Identity

	muted         bool
	videoSharing  bool
	screenSharing bool

	wasConnected bool
	startedAt    time.Time

	// pendingAnswer carries an accepted queued call through the audio
	// permission wait.
	pendingAnswer  *incomingCall
	bufferedOffers map[identity.Identity]bufferedOffer

	audioTimer *time.Timer
}

// Orchestrator owns the active call lifecycle, the participant roster and
// the FIFO queue of not yet accepted incoming calls. Every mutation runs on
// one serialized execution loop; public operations, transport deliveries
// and engine callbacks all enqueue closures instead of touching state.
type Orchestrator struct {
	exec   *executor
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	directory identity.Directory
	transport signaling.Transport
	eng       engine.Engine
	creds     *credentialsCache
	records   calllog.Repository
	observer  Observer
	opts      Options

	active *activeCall
	queue  []*incomingCall

	strayCandidates   *store.TTLStore[strayKey, []engine.ICECandidate]
	answeredElsewhere *store.TTLStore[strayKey, bool]
}

// New wires an orchestrator to its collaborators and registers it as the
// transport's message handler.
func New(directory identity.Directory, transport signaling.Transport, eng engine.Engine, creds CredentialsService, records calllog.Repository, observer Observer, opts Options) *Orchestrator {
	if observer == nil {
		observer = NopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		exec:              newExecutor(),
		log:               slog.Default(),
		ctx:               ctx,
		cancel:            cancel,
		directory:         directory,
		transport:         transport,
		eng:               eng,
		creds:             newCredentialsCache(creds),
		records:           records,
		observer:          observer,
		opts:              opts,
		strayCandidates:   store.New[strayKey, []engine.ICECandidate](time.Minute),
		answeredElsewhere: store.New[strayKey, bool](time.Minute),
	}
	transport.SetHandler(o.handleDelivery)
	return o
}

// Close tears down the active call and every queued incoming call, then
// stops the execution loop.
func (o *Orchestrator) Close() {
	o.exec.run(func() {
		if o.active != nil {
			o.hangUpActive()
		}
		for _, inc := range o.queue {
			stopTimer(&inc.ringingTimer)
		}
		o.queue = nil
	})
	o.cancel()
	o.creds.Close()
	o.strayCandidates.Close()
	o.answeredElsewhere.Close()
	o.exec.close()
}

// peerLinkDelegate plumbing. The execute and schedule hooks are how engine
// callbacks and link timers reach the serialized loop.

func (o *Orchestrator) execute(fn func())                               { o.exec.post(fn) }
func (o *Orchestrator) schedule(d time.Duration, fn func()) *time.Timer { return o.exec.after(d, fn) }

// StartOutgoingCall creates a call to the given contacts. It fails with
// ErrAlreadyInCall when a call is active. With waitForAudioPermission the
// flow suspends until GrantAudioPermission is invoked.
func (o *Orchestrator) StartOutgoingCall(owned identity.Identity, contacts []identity.Identity, groupID []byte, waitForAudioPermission bool) (uuid.UUID, error) {
	var (
		callID uuid.UUID
		err    error
	)
	o.exec.run(func() {
		callID, err = o.startOutgoingCall(owned, contacts, groupID, waitForAudioPermission)
	})
	return callID, err
}

func (o *Orchestrator) startOutgoingCall(owned identity.Identity, contacts []identity.Identity, groupID []byte, waitForAudioPermission bool) (uuid.UUID, error) {
	if o.active != nil {
		return uuid.Nil, ErrAlreadyInCall
	}
	if len(contacts) == 0 {
		return uuid.Nil, fmt.Errorf("%w: empty contact list", ErrNoSuchParticipant)
	}

	call := &activeCall{
		id:             uuid.New(),
		owned:          owned,
		role:           RoleCaller,
		state:          StateInitial,
		groupID:        groupID,
		roster:         newRoster(),
		gathering:      signaling.GatherContinually,
		bufferedOffers: make(map[identity.Identity]bufferedOffer),
	}
	o.active = call
	for _, c := range contacts {
		contact, err := o.directory.Lookup(owned, c)
		if err != nil {
			o.failCall(FailureContactNotFound)
			return uuid.Nil, fmt.Errorf("resolving callee %s: %w", c.ShortString(), err)
		}
		call.roster.add(&participant{contact: *contact, role: RoleRecipient})
	}
	o.log.Info("[Orchestrator] starting outgoing call",
		"call_id", call.id, "participants", call.roster.len())

	if waitForAudioPermission {
		o.setCallState(StateWaitingForAudioPermission)
		o.publish()
		return call.id, nil
	}
	o.proceedOutgoingCall()
	return call.id, nil
}

// GrantAudioPermission resumes a call suspended on the microphone
// permission.
func (o *Orchestrator) GrantAudioPermission() {
	o.exec.run(func() {
		if o.active == nil || o.active.state != StateWaitingForAudioPermission {
			return
		}
		if o.active.role == RoleCaller {
			o.proceedOutgoingCall()
			return
		}
		o.proceedAnswer()
	})
}

// DenyAudioPermission fails a call suspended on the microphone permission.
func (o *Orchestrator) DenyAudioPermission() {
	o.exec.run(func() {
		if o.active == nil || o.active.state != StateWaitingForAudioPermission {
			return
		}
		o.failCall(FailurePermissionDenied)
	})
}

func (o *Orchestrator) proceedOutgoingCall() {
	o.setCallState(StateGettingTurnCredentials)
	o.publish()

	callID := o.active.id
	owned := o.active.owned
	go func() {
		creds, err := o.creds.Get(o.ctx, owned)
		o.exec.post(func() { o.credentialsFetched(callID, creds, err) })
	}()
}

func (o *Orchestrator) credentialsFetched(callID uuid.UUID, creds *Credentials, err error) {
	if o.active == nil || o.active.id != callID {
		return
	}
	if err != nil {
		o.log.Warn("[Orchestrator] credential fetch failed", "error", err)
		o.failCall(failureForCredentialsError(err))
		return
	}
	o.active.creds = creds
	o.setCallState(StateInitializingCall)
	o.publish()
	o.active.roster.each(func(p *participant) {
		o.startCallerLink(p)
	})
}

// startCallerLink builds the connection toward one invited participant and
// ships the start message once its offer is ready.
func (o *Orchestrator) startCallerLink(p *participant) {
	peer := p.contact.Identity
	link := newPeerLink(o.active.owned, peer, o.active.role, signaling.GatherContinually, o.opts.LowBandwidth, o.eng, o)
	link.setTurnCredentials(o.active.creds)
	p.link = link
	if err := link.createPeerConnection(true, func(desc engine.SessionDescription) {
		o.sendStartCall(peer, desc)
	}); err != nil {
		o.log.Error("[Orchestrator] peer connection creation failed",
			"peer", peer.ShortString(), "error", err)
		o.peerFailedInternal(peer, FailurePeerConnectionCreation)
	}
}

func (o *Orchestrator) sendStartCall(peer identity.Identity, desc engine.SessionDescription) {
	if o.active == nil {
		return
	}
	p, ok := o.active.roster.get(peer)
	if !ok || p.link == nil {
		return
	}
	sd, err := signaling.NewSessionDescription(string(desc.Type), desc.SDP)
	if err != nil {
		o.log.Error("[Orchestrator] compressing offer failed", "error", err)
		o.failCall(FailureInternal)
		return
	}
	msg := signaling.StartCall{
		SessionDescription: sd,
		TurnCredentials:    o.active.creds.Recipient(),
		ParticipantCount:   o.active.roster.len() + 1,
		GroupID:            o.active.groupID,
		GatheringPolicy:    signaling.GatherContinually,
	}
	o.sendSignal(o.active.id, o.active.owned, peer, msg, func(error) {
		o.peerFailedInternal(peer, FailureInternal)
	})
	p.link.setState(PeerStartCallMessageSent)
	o.publish()
}

// handleDelivery is the transport handler. It re-dispatches onto the loop
// before touching any state.
func (o *Orchestrator) handleDelivery(d *signaling.Delivery) {
	o.exec.post(func() { o.dispatch(d) })
}

func (o *Orchestrator) dispatch(d *signaling.Delivery) {
	msg, err := signaling.Open(&d.Envelope)
	if err != nil {
		o.log.Warn("[Orchestrator] dropping malformed signaling payload",
			"kind", d.Kind, "error", err)
		return
	}
	switch m := msg.(type) {
	case *signaling.StartCall:
		o.receiveIncomingCall(d, m)
	case *signaling.AnsweredOrRejectedOnOtherDevice:
		o.handleAnsweredElsewhere(d, m)
	default:
		if o.active != nil && o.active.id == d.CallID && o.active.owned == d.OwnedIdentity {
			o.handleActiveMessage(d.SenderIdentity, msg)
			return
		}
		if inc := o.queuedCall(d.CallID, d.OwnedIdentity); inc != nil {
			o.handleQueuedMessage(inc, d, msg)
			return
		}
		o.handleStrayMessage(d, msg)
	}
}

// receiveIncomingCall enqueues an inbound start message. It is idempotent
// by (call id, owned identity): duplicates are dropped without touching the
// queue.
func (o *Orchestrator) receiveIncomingCall(d *signaling.Delivery, msg *signaling.StartCall) {
	callID := d.CallID
	owned := d.OwnedIdentity

	if o.active != nil && o.active.id == callID && o.active.owned == owned {
		return
	}
	if o.queuedCall(callID, owned) != nil {
		return
	}

	if answered, ok := o.answeredElsewhere.Pop(strayKey{call: callID, id: owned}); ok {
		o.logElsewhereOutcome(callID, owned, d.SenderIdentity, answered)
		return
	}

	caller, err := o.directory.Lookup(owned, d.SenderIdentity)
	if err != nil {
		o.log.Warn("[Orchestrator] incoming call from unknown identity",
			"caller", d.SenderIdentity.ShortString(), "error", err)
		return
	}
	body, err := msg.SessionDescription.Body()
	if err != nil {
		o.log.Warn("[Orchestrator] dropping start message with bad description", "error", err)
		return
	}

	inc := &incomingCall{
		id:               callID,
		owned:            owned,
		caller:           caller,
		callerDevice:     d.SenderDevice,
		groupID:          msg.GroupID,
		turn:             msg.TurnCredentials,
		participantCount: msg.ParticipantCount,
		gathering:        msg.GatheringPolicy,
		offer: engine.SessionDescription{
			Type: engine.SDPType(msg.SessionDescription.Type),
			SDP:  body,
		},
	}
	o.queue = append(o.queue, inc)
	inc.ringingTimer = o.exec.after(ringingTimeout, func() {
		o.incomingCallTimedOut(callID, owned)
	})
	o.log.Info("[Orchestrator] incoming call queued",
		"call_id", callID, "caller", caller.Identity.ShortString(),
		"queue_len", len(o.queue))

	// A busy ack still leaves the call ringing locally so the user can
	// take it over by hanging up the active one.
	var ack signaling.Message = signaling.Ringing{}
	if o.active != nil {
		ack = signaling.Busy{}
	}
	o.sendSignal(callID, owned, caller.Identity, ack, nil)

	if o.queue[0] == inc {
		o.observer.IncomingCallRinging(o.incomingSnapshot(inc))
	}
}

func (o *Orchestrator) incomingSnapshot(inc *incomingCall) IncomingCall {
	return IncomingCall{
		CallID:           inc.id,
		OwnedIdentity:    inc.owned,
		CallerIdentity:   inc.caller.Identity,
		CallerDisplay:    inc.caller.DisplayName,
		ParticipantCount: inc.participantCount,
		GroupID:          inc.groupID,
	}
}

func (o *Orchestrator) queuedCall(callID uuid.UUID, owned identity.Identity) *incomingCall {
	for _, inc := range o.queue {
		if inc.id == callID && inc.owned == owned {
			return inc
		}
	}
	return nil
}

// dequeueIncoming removes a queued call and keeps the visible notification
// pointed at the queue head.
func (o *Orchestrator) dequeueIncoming(inc *incomingCall) {
	stopTimer(&inc.ringingTimer)
	wasHead := len(o.queue) > 0 && o.queue[0] == inc
	for i, q := range o.queue {
		if q == inc {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			break
		}
	}
	if wasHead {
		o.observer.IncomingCallWithdrawn(inc.id)
		if len(o.queue) > 0 {
			o.observer.IncomingCallRinging(o.incomingSnapshot(o.queue[0]))
		}
	}
}

func (o *Orchestrator) incomingCallTimedOut(callID uuid.UUID, owned identity.Identity) {
	inc := o.queuedCall(callID, owned)
	if inc == nil {
		return
	}
	o.log.Info("[Orchestrator] incoming call timed out", "call_id", callID)
	o.dequeueIncoming(inc)
	o.insertRecord(inc, calllog.StatusMissed)
}

func (o *Orchestrator) logElsewhereOutcome(callID uuid.UUID, owned identity.Identity, caller identity.Identity, answered bool) {
	status := calllog.StatusRejectedOnOtherDevice
	if answered {
		status = calllog.StatusAnsweredOnOtherDevice
	}
	rec := &calllog.Record{
		CallID:        callID,
		OwnedIdentity: owned.Bytes(),
		PeerIdentity:  caller.Bytes(),
		Status:        status,
		StartedAt:     timeNow(),
	}
	o.persistRecord(rec)
}

func (o *Orchestrator) handleAnsweredElsewhere(d *signaling.Delivery, msg *signaling.AnsweredOrRejectedOnOtherDevice) {
	if inc := o.queuedCall(d.CallID, d.OwnedIdentity); inc != nil {
		o.log.Info("[Orchestrator] call handled on another device",
			"call_id", d.CallID, "answered", msg.Answered)
		o.dequeueIncoming(inc)
		status := calllog.StatusRejectedOnOtherDevice
		if msg.Answered {
			status = calllog.StatusAnsweredOnOtherDevice
		}
		o.insertRecord(inc, status)
		return
	}
	// Keep the notice around briefly in case the start message is still
	// in flight.
	o.answeredElsewhere.Set(strayKey{call: d.CallID, id: d.OwnedIdentity}, msg.Answered, answeredElsewhereTTL)
}

// AnswerIncomingCall promotes a queued call to the active one. A different
// active call is torn down first, with its peers notified.
func (o *Orchestrator) AnswerIncomingCall(callID uuid.UUID, waitForAudioPermission bool) error {
	var err error
	o.exec.run(func() { err = o.answerIncomingCall(callID, waitForAudioPermission) })
	return err
}

func (o *Orchestrator) answerIncomingCall(callID uuid.UUID, waitForAudioPermission bool) error {
	var inc *incomingCall
	for _, q := range o.queue {
		if q.id == callID {
			inc = q
			break
		}
	}
	if inc == nil {
		return ErrCallNotFound
	}
	if o.active != nil {
		o.log.Info("[Orchestrator] tearing down active call to answer another",
			"old", o.active.id, "new", callID)
		o.hangUpActive()
	}
	o.dequeueIncoming(inc)

	if o.directory.HasOtherOwnedDevices(inc.owned) {
		o.broadcastOwnedDevices(inc.id, inc.owned, signaling.AnsweredOrRejectedOnOtherDevice{Answered: true})
	}

	call := &activeCall{
		id:             inc.id,
		owned:          inc.owned,
		role:           RoleRecipient,
		state:          StateInitial,
		groupID:        inc.groupID,
		roster:         newRoster(),
		gathering:      inc.gathering,
		callerIdentity: inc.caller.Identity,
		creds: &Credentials{
			RecipientUsername: inc.turn.Username,
			RecipientPassword: inc.turn.Password,
			Servers:           inc.turn.Servers,
			FetchedAt:         timeNow(),
		},
		pendingAnswer:  inc,
		bufferedOffers: make(map[identity.Identity]bufferedOffer),
	}
	call.roster.add(&participant{contact: *inc.caller, role: RoleCaller})
	o.active = call
	o.publish()

	if waitForAudioPermission {
		o.setCallState(StateWaitingForAudioPermission)
		o.publish()
		return nil
	}
	o.proceedAnswer()
	return nil
}

func (o *Orchestrator) proceedAnswer() {
	inc := o.active.pendingAnswer
	if inc == nil {
		return
	}
	o.active.pendingAnswer = nil
	o.setCallState(StateInitializingCall)
	o.publish()

	caller := inc.caller.Identity
	p, _ := o.active.roster.get(caller)
	link := newPeerLink(o.active.owned, caller, o.active.role, inc.gathering, o.opts.LowBandwidth, o.eng, o)
	link.setTurnCredentials(o.active.creds)
	p.link = link

	if err := link.createPeerConnection(false, func(desc engine.SessionDescription) {
		o.sendAnswerCall(caller, desc)
	}); err != nil {
		o.log.Error("[Orchestrator] peer connection creation failed", "error", err)
		o.failCall(FailurePeerConnectionCreation)
		return
	}
	if err := link.handleRemoteDescription(inc.offer); err != nil {
		o.log.Error("[Orchestrator] applying caller offer failed", "error", err)
		o.failCall(FailurePeerConnectionCreation)
		return
	}
	o.replayStrayCandidates(p)
}

func (o *Orchestrator) replayStrayCandidates(p *participant) {
	key := strayKey{call: o.active.id, id: p.contact.Identity}
	if cands, ok := o.strayCandidates.Pop(key); ok {
		for _, c := range cands {
			p.link.addRemoteCandidate(c)
		}
	}
}

func (o *Orchestrator) sendAnswerCall(peer identity.Identity, desc engine.SessionDescription) {
	if o.active == nil {
		return
	}
	p, ok := o.active.roster.get(peer)
	if !ok || p.link == nil {
		return
	}
	sd, err := signaling.NewSessionDescription(string(desc.Type), desc.SDP)
	if err != nil {
		o.log.Error("[Orchestrator] compressing answer failed", "error", err)
		o.failCall(FailureInternal)
		return
	}
	o.sendSignal(o.active.id, o.active.owned, peer, signaling.AnswerCall{SessionDescription: sd}, func(error) {
		o.failCall(FailureInternal)
	})
	p.link.setState(PeerConnectingToPeer)
	o.setCallState(StateConnecting)
	o.publish()
}

// RejectIncomingCall declines a queued call and tells sibling devices to
// stop ringing.
func (o *Orchestrator) RejectIncomingCall(callID uuid.UUID) error {
	var err error
	o.exec.run(func() { err = o.rejectIncomingCall(callID) })
	return err
}

func (o *Orchestrator) rejectIncomingCall(callID uuid.UUID) error {
	var inc *incomingCall
	for _, q := range o.queue {
		if q.id == callID {
			inc = q
			break
		}
	}
	if inc == nil {
		return ErrCallNotFound
	}
	o.dequeueIncoming(inc)
	o.sendSignal(inc.id, inc.owned, inc.caller.Identity, signaling.RejectCall{}, nil)
	o.insertRecord(inc, calllog.StatusRejected)
	if o.directory.HasOtherOwnedDevices(inc.owned) {
		o.broadcastOwnedDevices(inc.id, inc.owned, signaling.AnsweredOrRejectedOnOtherDevice{Answered: false})
	}
	return nil
}

// HangUp ends the active call and notifies every participant.
func (o *Orchestrator) HangUp() {
	o.exec.run(func() {
		if o.active == nil {
			return
		}
		o.hangUpActive()
	})
}

func (o *Orchestrator) hangUpActive() {
	o.broadcastHangUp()
	o.endActiveCall(o.terminalStatus())
}

func (o *Orchestrator) broadcastHangUp() {
	callID := o.active.id
	owned := o.active.owned
	o.active.roster.each(func(p *participant) {
		if p.link != nil && p.link.state.IsTerminal() {
			return
		}
		o.sendSignal(callID, owned, p.contact.Identity, signaling.HangUp{}, nil)
		if p.link != nil {
			if err := p.link.sendData(DCHangedUp, nil); err != nil && !errors.Is(err, errNoDataChannel) {
				o.log.Debug("[Orchestrator] hang-up over data channel failed", "error", err)
			}
		}
	})
}

// endActiveCall is the normal terminal path. The failure path lives in
// failCall; both write exactly one call record.
func (o *Orchestrator) endActiveCall(status calllog.Status) {
	if o.active == nil || !o.setCallState(StateCallEnded) {
		return
	}
	o.writeTerminalRecord(status)
	o.publish()
	o.cleanupActive()
}

// failCall is the one-way failure transition. The first recorded reason is
// kept, the hang-up broadcast and the log entry happen exactly once.
func (o *Orchestrator) failCall(reason FailureReason) {
	if o.active == nil {
		return
	}
	if o.active.failure == FailureNone {
		o.active.failure = reason
	}
	if !o.setCallState(StateFailed) {
		return
	}
	o.log.Warn("[Orchestrator] call failed", "call_id", o.active.id, "reason", o.active.failure)
	o.broadcastHangUp()
	o.writeTerminalRecord(calllog.StatusFailed)
	o.publish()
	o.cleanupActive()
}

func (o *Orchestrator) writeTerminalRecord(status calllog.Status) {
	call := o.active
	var peerIdentity []byte
	names := make([]string, 0, call.roster.len())
	call.roster.each(func(p *participant) {
		if peerIdentity == nil || p.role == RoleCaller {
			peerIdentity = p.contact.Identity.Bytes()
		}
		names = append(names, p.contact.DisplayName)
	})
	rec := &calllog.Record{
		CallID:        call.id,
		OwnedIdentity: call.owned.Bytes(),
		PeerIdentity:  peerIdentity,
		Participants:  names,
		Outgoing:      call.role == RoleCaller,
		GroupID:       call.groupID,
		Status:        status,
		StartedAt:     timeNow(),
	}
	if call.wasConnected {
		rec.StartedAt = call.startedAt
		rec.Duration = timeNow().Sub(call.startedAt)
	}
	o.persistRecord(rec)
}

func (o *Orchestrator) insertRecord(inc *incomingCall, status calllog.Status) {
	o.persistRecord(&calllog.Record{
		CallID:        inc.id,
		OwnedIdentity: inc.owned.Bytes(),
		PeerIdentity:  inc.caller.Identity.Bytes(),
		Participants:  []string{inc.caller.DisplayName},
		GroupID:       inc.groupID,
		Status:        status,
		StartedAt:     timeNow(),
	})
}

func (o *Orchestrator) persistRecord(rec *calllog.Record) {
	go func() {
		if err := o.records.Insert(o.ctx, rec); err != nil {
			o.log.Error("[Orchestrator] writing call record failed",
				"call_id", rec.CallID, "error", err)
		}
	}()
}

func (o *Orchestrator) cleanupActive() {
	stopTimer(&o.active.audioTimer)
	o.active.roster.each(func(p *participant) {
		stopTimer(&p.removalTimer)
		if p.link != nil {
			p.link.close()
		}
	})
	o.active = nil
}

// handleQueuedMessage routes messages for calls still ringing in the
// queue, so a caller's hang-up is not lost before the user answers.
func (o *Orchestrator) handleQueuedMessage(inc *incomingCall, d *signaling.Delivery, msg signaling.Message) {
	switch m := msg.(type) {
	case *signaling.HangUp:
		o.log.Info("[Orchestrator] queued call hanged up by caller", "call_id", inc.id)
		o.dequeueIncoming(inc)
		o.insertRecord(inc, calllog.StatusMissed)
	case *signaling.NewIceCandidate:
		o.bufferStrayCandidate(d.CallID, d.SenderIdentity, m.IceCandidate)
	case *signaling.RemoveIceCandidates:
		o.pruneStrayCandidates(d.CallID, d.SenderIdentity, m.Candidates)
	default:
		o.log.Debug("[Orchestrator] ignoring message for queued call",
			"call_id", inc.id, "kind", d.Kind)
	}
}

// handleStrayMessage keeps candidates for calls that have not arrived yet;
// everything else for an unknown call is dropped.
func (o *Orchestrator) handleStrayMessage(d *signaling.Delivery, msg signaling.Message) {
	switch m := msg.(type) {
	case *signaling.NewIceCandidate:
		o.bufferStrayCandidate(d.CallID, d.SenderIdentity, m.IceCandidate)
	case *signaling.RemoveIceCandidates:
		o.pruneStrayCandidates(d.CallID, d.SenderIdentity, m.Candidates)
	default:
		o.log.Debug("[Orchestrator] dropping message for unknown call",
			"call_id", d.CallID, "kind", d.Kind)
	}
}

func (o *Orchestrator) bufferStrayCandidate(callID uuid.UUID, sender identity.Identity, c signaling.IceCandidate) {
	key := strayKey{call: callID, id: sender}
	cands, _ := o.strayCandidates.Get(key)
	cands = append(cands, engine.ICECandidate{
		SDP:           c.SDP,
		SDPMLineIndex: c.SDPMLineIndex,
		SDPMid:        c.SDPMid,
	})
	o.strayCandidates.Set(key, cands, strayTTL)
}

func (o *Orchestrator) pruneStrayCandidates(callID uuid.UUID, sender identity.Identity, removed []signaling.IceCandidate) {
	key := strayKey{call: callID, id: sender}
	cands, ok := o.strayCandidates.Get(key)
	if !ok {
		return
	}
	drop := make(map[string]struct{}, len(removed))
	for _, c := range removed {
		drop[c.SDP] = struct{}{}
	}
	kept := cands[:0]
	for _, c := range cands {
		if _, gone := drop[c.SDP]; !gone {
			kept = append(kept, c)
		}
	}
	o.strayCandidates.Set(key, kept, strayTTL)
}

// handleActiveMessage routes a message for the active call to the matching
// participant.
func (o *Orchestrator) handleActiveMessage(sender identity.Identity, msg signaling.Message) {
	p, known := o.active.roster.get(sender)

	switch m := msg.(type) {
	case *signaling.Ringing:
		if known && p.link != nil && p.link.setState(PeerRinging) {
			o.updateAggregateState()
			o.publish()
		}
	case *signaling.Busy:
		// Busy is not final: the peer can hang up its other call and
		// answer this one, so it stays in the roster.
		if known && p.link != nil && p.link.setState(PeerBusy) {
			o.updateAggregateState()
			o.publish()
		}
	case *signaling.RejectCall:
		if known && p.link != nil && p.link.setState(PeerCallRejected) {
			o.scheduleRemoval(p)
			o.updateAggregateState()
			o.maybeFinishCall()
			o.publish()
		}
	case *signaling.HangUp:
		if known {
			o.peerHangedUp(p)
		}
	case *signaling.AnswerCall:
		if known {
			o.handleCallAnswer(p, m)
		}
	case *signaling.ReconnectCall:
		if known {
			o.handleReconnect(p, m)
		}
	case *signaling.NewParticipantOffer:
		o.handleParticipantOffer(sender, m)
	case *signaling.NewParticipantAnswer:
		if known && p.link != nil {
			o.applyRemoteAnswer(p, m.SessionDescription)
		}
	case *signaling.Kick:
		if o.active.role == RoleRecipient && sender == o.active.callerIdentity {
			o.log.Info("[Orchestrator] kicked from call", "call_id", o.active.id)
			o.failCall(FailureKicked)
		}
	case *signaling.NewIceCandidate:
		if known && p.link != nil {
			p.link.addRemoteCandidate(engine.ICECandidate{
				SDP:           m.SDP,
				SDPMLineIndex: m.SDPMLineIndex,
				SDPMid:        m.SDPMid,
			})
			return
		}
		o.bufferStrayCandidate(o.active.id, sender, m.IceCandidate)
	case *signaling.RemoveIceCandidates:
		if known && p.link != nil {
			cands := make([]engine.ICECandidate, 0, len(m.Candidates))
			for _, c := range m.Candidates {
				cands = append(cands, engine.ICECandidate{SDP: c.SDP, SDPMLineIndex: c.SDPMLineIndex, SDPMid: c.SDPMid})
			}
			p.link.removeRemoteCandidates(cands)
			return
		}
		o.pruneStrayCandidates(o.active.id, sender, m.Candidates)
	default:
		o.log.Debug("[Orchestrator] unhandled message for active call", "kind", msg.Kind())
	}
}

func (o *Orchestrator) handleCallAnswer(p *participant, msg *signaling.AnswerCall) {
	if o.active.role != RoleCaller || p.link == nil {
		return
	}
	if !p.link.setState(PeerConnectingToPeer) {
		return
	}
	stopTimer(&p.removalTimer)
	o.applyRemoteAnswer(p, msg.SessionDescription)
	o.updateAggregateState()
	o.publish()
}

func (o *Orchestrator) applyRemoteAnswer(p *participant, sd signaling.SessionDescription) {
	body, err := sd.Body()
	if err != nil {
		o.log.Warn("[Orchestrator] dropping answer with bad description", "error", err)
		return
	}
	desc := engine.SessionDescription{Type: engine.SDPType(sd.Type), SDP: body}
	if err := p.link.handleRemoteDescription(desc); err != nil {
		o.log.Error("[Orchestrator] applying remote answer failed", "error", err)
		o.peerFailedInternal(p.contact.Identity, FailurePeerConnectionCreation)
	}
}

func (o *Orchestrator) handleReconnect(p *participant, msg *signaling.ReconnectCall) {
	if p.link == nil {
		return
	}
	body, err := msg.SessionDescription.Body()
	if err != nil {
		o.log.Warn("[Orchestrator] dropping reconnect with bad description", "error", err)
		return
	}
	desc := engine.SessionDescription{Type: engine.SDPType(msg.SessionDescription.Type), SDP: body}
	if desc.Type == engine.SDPTypeOffer {
		err = p.link.handleReconnectOffer(desc, msg.ReconnectCounter, msg.CounterToOverride)
	} else {
		err = p.link.handleReconnectAnswer(desc, msg.ReconnectCounter)
	}
	if err != nil {
		o.log.Error("[Orchestrator] reconnect negotiation failed", "error", err)
		o.peerFailedInternal(p.contact.Identity, FailurePeerConnectionCreation)
	}
}

// handleParticipantOffer handles a direct offer between two non-caller
// participants. An offer racing ahead of the roster update that announces
// its sender is buffered and consumed exactly once by the update.
func (o *Orchestrator) handleParticipantOffer(sender identity.Identity, msg *signaling.NewParticipantOffer) {
	body, err := msg.SessionDescription.Body()
	if err != nil {
		o.log.Warn("[Orchestrator] dropping participant offer with bad description", "error", err)
		return
	}
	desc := engine.SessionDescription{Type: engine.SDPType(msg.SessionDescription.Type), SDP: body}

	p, known := o.active.roster.get(sender)
	if !known {
		o.log.Info("[Orchestrator] buffering offer from unannounced participant",
			"peer", sender.ShortString())
		o.active.bufferedOffers[sender] = bufferedOffer{desc: desc, gathering: msg.GatheringPolicy}
		return
	}
	if p.link != nil {
		o.log.Debug("[Orchestrator] duplicate participant offer", "peer", sender.ShortString())
		return
	}
	o.attachAnsweringLink(p, desc, msg.GatheringPolicy)
}

// attachAnsweringLink connects to a participant that offered to us.
func (o *Orchestrator) attachAnsweringLink(p *participant, desc engine.SessionDescription, gathering signaling.GatheringPolicy) {
	peer := p.contact.Identity
	link := newPeerLink(o.active.owned, peer, o.active.role, gathering, o.opts.LowBandwidth, o.eng, o)
	link.setTurnCredentials(o.active.creds)
	p.link = link

	if err := link.createPeerConnection(false, func(d engine.SessionDescription) {
		o.sendParticipantAnswer(peer, d)
	}); err != nil {
		o.log.Error("[Orchestrator] peer connection creation failed", "error", err)
		o.peerFailedInternal(peer, FailurePeerConnectionCreation)
		return
	}
	if err := link.handleRemoteDescription(desc); err != nil {
		o.log.Error("[Orchestrator] applying participant offer failed", "error", err)
		o.peerFailedInternal(peer, FailurePeerConnectionCreation)
		return
	}
	link.setState(PeerConnectingToPeer)
	o.replayStrayCandidates(p)
	o.publish()
}

// attachOfferingLink connects to a participant we are the designated
// offerer for.
func (o *Orchestrator) attachOfferingLink(p *participant) {
	peer := p.contact.Identity
	link := newPeerLink(o.active.owned, peer, o.active.role, signaling.GatherContinually, o.opts.LowBandwidth, o.eng, o)
	link.setTurnCredentials(o.active.creds)
	p.link = link

	if err := link.createPeerConnection(true, func(d engine.SessionDescription) {
		o.sendParticipantOffer(peer, d)
	}); err != nil {
		o.log.Error("[Orchestrator] peer connection creation failed", "error", err)
		o.peerFailedInternal(peer, FailurePeerConnectionCreation)
		return
	}
	link.setState(PeerConnectingToPeer)
	o.replayStrayCandidates(p)
}

func (o *Orchestrator) sendParticipantOffer(peer identity.Identity, desc engine.SessionDescription) {
	if o.active == nil {
		return
	}
	sd, err := signaling.NewSessionDescription(string(desc.Type), desc.SDP)
	if err != nil {
		o.log.Error("[Orchestrator] compressing participant offer failed", "error", err)
		return
	}
	o.sendToPeer(peer, signaling.NewParticipantOffer{
		SessionDescription: sd,
		GatheringPolicy:    signaling.GatherContinually,
	})
}

func (o *Orchestrator) sendParticipantAnswer(peer identity.Identity, desc engine.SessionDescription) {
	if o.active == nil {
		return
	}
	sd, err := signaling.NewSessionDescription(string(desc.Type), desc.SDP)
	if err != nil {
		o.log.Error("[Orchestrator] compressing participant answer failed", "error", err)
		return
	}
	o.sendToPeer(peer, signaling.NewParticipantAnswer{SessionDescription: sd})
}

// sendToPeer ships an in-call message, falling back to the caller-mediated
// relay when no encrypted channel to the peer exists.
func (o *Orchestrator) sendToPeer(peer identity.Identity, msg signaling.Message) {
	if o.active == nil {
		return
	}
	p, known := o.active.roster.get(peer)
	if known && !p.contact.HasChannel && o.active.role == RoleRecipient {
		o.relayViaCaller(peer, msg)
		return
	}
	o.sendSignal(o.active.id, o.active.owned, peer, msg, nil)
}

// relayViaCaller wraps a signaling envelope in a data channel message to
// the caller, which re-delivers it to the target over its own channel.
func (o *Orchestrator) relayViaCaller(target identity.Identity, msg signaling.Message) {
	caller, ok := o.active.roster.get(o.active.callerIdentity)
	if !ok || caller.link == nil {
		o.log.Warn("[Orchestrator] no caller link for relay", "target", target.ShortString())
		return
	}
	env, err := signaling.Seal(o.active.id, msg)
	if err != nil {
		o.log.Error("[Orchestrator] sealing relayed message failed", "error", err)
		return
	}
	inner, err := json.Marshal(env)
	if err != nil {
		o.log.Error("[Orchestrator] encoding relayed message failed", "error", err)
		return
	}
	if err := caller.link.sendData(DCRelay, dcRelay{To: target.Bytes(), Inner: inner}); err != nil {
		o.log.Warn("[Orchestrator] relay via caller failed", "error", err)
	}
}

// sendSignal ships one envelope over the transport without blocking the
// loop. Seal failures and transport errors reach onErr on the loop.
func (o *Orchestrator) sendSignal(callID uuid.UUID, owned, peer identity.Identity, msg signaling.Message, onErr func(error)) {
	env, err := signaling.Seal(callID, msg)
	if err != nil {
		o.log.Error("[Orchestrator] sealing message failed", "kind", msg.Kind(), "error", err)
		if onErr != nil {
			onErr(err)
		}
		return
	}
	go func() {
		if err := o.transport.Send(o.ctx, owned, []identity.Identity{peer}, env); err != nil {
			o.log.Warn("[Orchestrator] sending message failed",
				"kind", env.Kind, "peer", peer.ShortString(), "error", err)
			if onErr != nil {
				o.exec.post(func() { onErr(err) })
			}
		}
	}()
}

func (o *Orchestrator) broadcastOwnedDevices(callID uuid.UUID, owned identity.Identity, msg signaling.Message) {
	env, err := signaling.Seal(callID, msg)
	if err != nil {
		o.log.Error("[Orchestrator] sealing device broadcast failed", "error", err)
		return
	}
	go func() {
		if err := o.transport.SendToOwnedDevices(o.ctx, owned, env); err != nil {
			o.log.Warn("[Orchestrator] device broadcast failed", "error", err)
		}
	}()
}
