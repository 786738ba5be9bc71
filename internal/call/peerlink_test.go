package call

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sebas/meshcall/internal/engine"
	"github.com/sebas/meshcall/internal/identity"
	"github.com/sebas/meshcall/internal/signaling"
)

// linkDelegate is a synchronous peerLinkDelegate: execute runs inline, so a
// single test goroutine drives the whole link.
type linkDelegate struct {
	sent         []signaling.Message
	connected    int
	reconnecting int
	exhausted    int
	timedOut     int
}

func (d *linkDelegate) sendToPeer(_ identity.Identity, msg signaling.Message) {
	d.sent = append(d.sent, msg)
}
func (d *linkDelegate) peerConnected(identity.Identity)                 { d.connected++ }
func (d *linkDelegate) peerReconnecting(identity.Identity)              { d.reconnecting++ }
func (d *linkDelegate) dataChannelOpened(identity.Identity)             {}
func (d *linkDelegate) dataChannelMessage(identity.Identity, []byte)    {}
func (d *linkDelegate) relayCandidatesExhausted(identity.Identity)      { d.exhausted++ }
func (d *linkDelegate) connectTimedOut(identity.Identity)               { d.timedOut++ }
func (d *linkDelegate) execute(fn func())                               { fn() }
func (d *linkDelegate) schedule(dur time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(dur, fn)
}

func (d *linkDelegate) reconnectMessages() []signaling.ReconnectCall {
	var out []signaling.ReconnectCall
	for _, m := range d.sent {
		if rc, ok := m.(signaling.ReconnectCall); ok {
			out = append(out, rc)
		}
	}
	return out
}

func newTestLink(t *testing.T, local, remote identity.Identity, gathering signaling.GatheringPolicy) (*peerLink, *fakeEngine, *linkDelegate) {
	t.Helper()
	eng := &fakeEngine{}
	delegate := &linkDelegate{}
	link := newPeerLink(local, remote, RoleRecipient, gathering, false, eng, delegate)
	link.setTurnCredentials(testCredentials())
	t.Cleanup(link.close)
	return link, eng, delegate
}

// stableLink builds an answering link with the remote offer already applied,
// leaving the signaling state stable.
func stableLink(t *testing.T, local, remote identity.Identity) (*peerLink, *fakePeerConnection, *linkDelegate, *[]engine.SessionDescription) {
	t.Helper()
	link, eng, delegate := newTestLink(t, local, remote, signaling.GatherContinually)
	var delivered []engine.SessionDescription
	if err := link.createPeerConnection(false, func(d engine.SessionDescription) {
		delivered = append(delivered, d)
	}); err != nil {
		t.Fatalf("createPeerConnection: %v", err)
	}
	if err := link.handleRemoteDescription(engine.SessionDescription{Type: engine.SDPTypeOffer, SDP: minimalOffer}); err != nil {
		t.Fatalf("handleRemoteDescription: %v", err)
	}
	pc := eng.connection(0)
	if pc.SignalingState() != engine.SignalingStable {
		t.Fatalf("signaling state = %v, want Stable", pc.SignalingState())
	}
	return link, pc, delegate, &delivered
}

const relayCandidate = "candidate:1 1 udp 41885439 198.51.100.7 3478 typ relay raddr 0.0.0.0 rport 0"
const hostCandidate = "candidate:2 1 udp 2122260223 192.168.1.4 50000 typ host"

func TestBatchedGatheringHoldsDescription(t *testing.T) {
	link, eng, _ := newTestLink(t, idBob, idAlice, signaling.GatherOnce)

	var delivered []engine.SessionDescription
	if err := link.createPeerConnection(true, func(d engine.SessionDescription) {
		delivered = append(delivered, d)
	}); err != nil {
		t.Fatalf("createPeerConnection: %v", err)
	}
	if eng.connection(0).cfg.ContinualGathering {
		t.Error("batching link should not configure continual gathering")
	}
	if len(delivered) != 0 {
		t.Fatal("description should be held until gathering settles")
	}

	link.onCandidate(engine.ICECandidate{SDP: relayCandidate, SDPMLineIndex: 0})
	link.gatherSettled()

	if len(delivered) != 1 {
		t.Fatalf("delivered = %d descriptions, want 1", len(delivered))
	}
	if !strings.Contains(delivered[0].SDP, "a=candidate:1 1 udp") {
		t.Errorf("candidates not embedded in the shipped description:\n%s", delivered[0].SDP)
	}

	// A second settle is a no-op.
	link.gatherSettled()
	if len(delivered) != 1 {
		t.Errorf("delivered = %d descriptions after double settle, want 1", len(delivered))
	}
}

func TestBatchedGatheringWithoutRelayFails(t *testing.T) {
	link, _, delegate := newTestLink(t, idBob, idAlice, signaling.GatherOnce)

	var delivered int
	if err := link.createPeerConnection(true, func(engine.SessionDescription) { delivered++ }); err != nil {
		t.Fatalf("createPeerConnection: %v", err)
	}
	link.onCandidate(engine.ICECandidate{SDP: hostCandidate})
	link.gatherSettled()

	if delegate.exhausted != 1 {
		t.Errorf("relay exhaustion reports = %d, want 1", delegate.exhausted)
	}
	if delivered != 0 {
		t.Error("no description should ship when the relay allocation is dead")
	}
}

func TestContinualGatheringTrickles(t *testing.T) {
	link, eng, delegate := newTestLink(t, idBob, idAlice, signaling.GatherContinually)

	var delivered int
	if err := link.createPeerConnection(true, func(engine.SessionDescription) { delivered++ }); err != nil {
		t.Fatalf("createPeerConnection: %v", err)
	}
	if !eng.connection(0).cfg.ContinualGathering {
		t.Error("trickling link should configure continual gathering")
	}
	if delivered != 1 {
		t.Fatalf("delivered = %d descriptions, want 1 immediately", delivered)
	}

	link.onCandidate(engine.ICECandidate{SDP: relayCandidate, SDPMid: "0"})
	if len(delegate.sent) != 1 {
		t.Fatalf("trickled messages = %d, want 1", len(delegate.sent))
	}
	cand, ok := delegate.sent[0].(signaling.NewIceCandidate)
	if !ok {
		t.Fatalf("trickled message is %T, want NewIceCandidate", delegate.sent[0])
	}
	if cand.SDP != relayCandidate {
		t.Errorf("trickled SDP = %q", cand.SDP)
	}
}

func TestContinualGatheringWithoutRelayFails(t *testing.T) {
	link, _, delegate := newTestLink(t, idBob, idAlice, signaling.GatherContinually)

	if err := link.createPeerConnection(true, func(engine.SessionDescription) {}); err != nil {
		t.Fatalf("createPeerConnection: %v", err)
	}
	if link.deadlineTimer == nil {
		t.Fatal("relay deadline should be armed for a trickling link")
	}

	link.onCandidate(engine.ICECandidate{SDP: hostCandidate})
	link.relayDeadlineExpired()
	if delegate.exhausted != 1 {
		t.Errorf("relay exhaustion reports = %d, want 1", delegate.exhausted)
	}
}

func TestContinualGatheringRelayDeadlineSatisfied(t *testing.T) {
	link, _, delegate := newTestLink(t, idBob, idAlice, signaling.GatherContinually)

	if err := link.createPeerConnection(true, func(engine.SessionDescription) {}); err != nil {
		t.Fatalf("createPeerConnection: %v", err)
	}

	link.onCandidate(engine.ICECandidate{SDP: relayCandidate})
	link.relayDeadlineExpired()
	if delegate.exhausted != 0 {
		t.Errorf("relay exhaustion reports = %d after a relay candidate, want 0", delegate.exhausted)
	}

	// A renegotiation on a transport that already connected gathers
	// nothing new and must not report exhaustion.
	link.setState(PeerConnectingToPeer)
	link.setState(PeerConnected)
	link.sawRelay = false
	link.relayDeadlineExpired()
	if delegate.exhausted != 0 {
		t.Errorf("relay exhaustion reports = %d on a connected link, want 0", delegate.exhausted)
	}
}

func TestStaleReconnectOfferDropped(t *testing.T) {
	link, pc, delegate, _ := stableLink(t, idBob, idAlice)

	offer := engine.SessionDescription{Type: engine.SDPTypeOffer, SDP: minimalOffer}
	if err := link.handleReconnectOffer(offer, 5, 0); err != nil {
		t.Fatalf("handleReconnectOffer: %v", err)
	}
	applied := pc.remoteCount()
	answers := delegate.reconnectMessages()
	if len(answers) != 1 || answers[0].ReconnectCounter != 5 {
		t.Fatalf("reconnect answers = %+v, want one echoing counter 5", answers)
	}

	// Counter below the highest seen is stale.
	if err := link.handleReconnectOffer(offer, 3, 0); err != nil {
		t.Fatalf("handleReconnectOffer: %v", err)
	}
	if pc.remoteCount() != applied {
		t.Error("stale reconnect offer should not touch the connection")
	}
	if len(delegate.reconnectMessages()) != 1 {
		t.Error("stale reconnect offer should not be answered")
	}
}

func TestReconnectGlareDesignatedOffererWins(t *testing.T) {
	// Local identity sorts above the remote, so this side keeps its offer.
	link, pc, delegate, _ := stableLink(t, idCharlie, idAlice)

	link.initiateReconnect(false)
	if pc.SignalingState() != engine.SignalingHaveLocalOffer {
		t.Fatalf("signaling state = %v, want HaveLocalOffer", pc.SignalingState())
	}
	offers := delegate.reconnectMessages()
	if len(offers) != 1 || offers[0].ReconnectCounter != 1 {
		t.Fatalf("reconnect offers = %+v, want one with counter 1", offers)
	}

	// A peer offer that does not override our in-flight counter is ignored.
	offer := engine.SessionDescription{Type: engine.SDPTypeOffer, SDP: minimalOffer}
	if err := link.handleReconnectOffer(offer, 1, 0); err != nil {
		t.Fatalf("handleReconnectOffer: %v", err)
	}
	if pc.rollbackCount() != 0 {
		t.Error("non-overriding glare offer should not roll back our offer")
	}

	// An offer explicitly overriding our counter wins.
	if err := link.handleReconnectOffer(offer, 2, 1); err != nil {
		t.Fatalf("handleReconnectOffer: %v", err)
	}
	if pc.rollbackCount() != 1 {
		t.Error("overriding offer should roll back the local offer")
	}
	msgs := delegate.reconnectMessages()
	last := msgs[len(msgs)-1]
	if last.ReconnectCounter != 2 {
		t.Errorf("answer counter = %d, want 2", last.ReconnectCounter)
	}
}

func TestReconnectGlareNonDesignatedRollsBack(t *testing.T) {
	// Local identity sorts below the remote, so the peer's offer wins.
	link, pc, _, _ := stableLink(t, idAlice, idCharlie)

	link.initiateReconnect(false)
	if pc.SignalingState() != engine.SignalingHaveLocalOffer {
		t.Fatalf("signaling state = %v, want HaveLocalOffer", pc.SignalingState())
	}

	offer := engine.SessionDescription{Type: engine.SDPTypeOffer, SDP: minimalOffer}
	if err := link.handleReconnectOffer(offer, 1, 0); err != nil {
		t.Fatalf("handleReconnectOffer: %v", err)
	}
	if pc.rollbackCount() != 1 {
		t.Error("the non-designated side must roll back on glare")
	}
}

func TestReconnectAnswerCounterMustMatch(t *testing.T) {
	link, pc, _, _ := stableLink(t, idCharlie, idAlice)

	link.initiateReconnect(false)
	answer := engine.SessionDescription{Type: engine.SDPTypeAnswer, SDP: minimalOffer}

	applied := pc.remoteCount()
	if err := link.handleReconnectAnswer(answer, 7); err != nil {
		t.Fatalf("handleReconnectAnswer: %v", err)
	}
	if pc.remoteCount() != applied {
		t.Error("answer echoing a foreign counter should be dropped")
	}

	if err := link.handleReconnectAnswer(answer, 1); err != nil {
		t.Fatalf("handleReconnectAnswer: %v", err)
	}
	if pc.remoteCount() != applied+1 {
		t.Error("answer echoing the in-flight counter should be applied")
	}
	if pc.SignalingState() != engine.SignalingStable {
		t.Errorf("signaling state = %v, want Stable", pc.SignalingState())
	}
}

func TestRemoteCandidatesBufferedUntilDescription(t *testing.T) {
	link, eng, _ := newTestLink(t, idBob, idAlice, signaling.GatherContinually)

	if err := link.createPeerConnection(true, func(engine.SessionDescription) {}); err != nil {
		t.Fatalf("createPeerConnection: %v", err)
	}
	pc := eng.connection(0)

	link.addRemoteCandidate(engine.ICECandidate{SDP: relayCandidate})
	link.addRemoteCandidate(engine.ICECandidate{SDP: hostCandidate})
	if n := len(pc.added); n != 0 {
		t.Fatalf("candidates applied = %d, want 0 before the remote description", n)
	}

	// A withdrawal while buffered prunes the buffer.
	link.removeRemoteCandidates([]engine.ICECandidate{{SDP: hostCandidate}})

	if err := link.handleRemoteDescription(engine.SessionDescription{Type: engine.SDPTypeAnswer, SDP: minimalOffer}); err != nil {
		t.Fatalf("handleRemoteDescription: %v", err)
	}
	if n := len(pc.added); n != 1 {
		t.Errorf("candidates applied = %d, want 1", n)
	}
	if len(pc.added) == 1 && pc.added[0].SDP != relayCandidate {
		t.Errorf("applied candidate = %q, want the relay one", pc.added[0].SDP)
	}
}

func TestIceDisconnectTriggersReconnectFromOfferer(t *testing.T) {
	link, _, delegate, _ := stableLink(t, idCharlie, idAlice)

	link.setState(PeerConnectingToPeer)
	link.onICEConnectionChange(engine.ICEConnected)
	if delegate.connected != 1 {
		t.Fatalf("connected reports = %d, want 1", delegate.connected)
	}
	if link.state != PeerConnected {
		t.Fatalf("state = %v, want Connected", link.state)
	}

	link.onICEConnectionChange(engine.ICEDisconnected)
	if delegate.reconnecting != 1 {
		t.Errorf("reconnecting reports = %d, want 1", delegate.reconnecting)
	}
	if link.state != PeerReconnecting {
		t.Errorf("state = %v, want Reconnecting", link.state)
	}
	offers := delegate.reconnectMessages()
	if len(offers) != 1 {
		t.Fatalf("reconnect offers = %d, want 1", len(offers))
	}
	if offers[0].ReconnectCounter != 1 {
		t.Errorf("reconnect counter = %d, want 1", offers[0].ReconnectCounter)
	}
}

func TestSendDataRequiresOpenChannel(t *testing.T) {
	link, _, _ := newTestLink(t, idBob, idAlice, signaling.GatherContinually)
	if err := link.createPeerConnection(true, func(engine.SessionDescription) {}); err != nil {
		t.Fatalf("createPeerConnection: %v", err)
	}
	if err := link.sendData(DCMuted, dcMuted{Muted: true}); !errors.Is(err, errNoDataChannel) {
		t.Errorf("error = %v, want errNoDataChannel", err)
	}
}
