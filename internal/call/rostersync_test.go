package call

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/sebas/meshcall/internal/identity"
	"github.com/sebas/meshcall/internal/signaling"
)

// answeredRecipient brings a harness into an active recipient-side call with
// the caller's data channel open.
func answeredRecipient(t *testing.T, h *harness, owned, caller identity.Identity) uuid.UUID {
	t.Helper()
	h.directory.addContact(caller, "Caller", true)
	callID := uuid.New()

	h.deliver(t, callID, owned, caller, startCallEnvelope(t, callID))
	waitFor(t, "queued call", func() bool { return h.queueLen() == 1 })
	if err := h.orch.AnswerIncomingCall(callID, false); err != nil {
		t.Fatalf("AnswerIncomingCall: %v", err)
	}
	waitFor(t, "answer message", func() bool { return h.transport.countOfKind(signaling.KindAnswerCall) == 1 })

	h.eng.connection(0).dc.open()
	h.barrier()
	return callID
}

func rosterUpdate(t *testing.T, caller identity.Identity, members ...identity.Identity) []byte {
	t.Helper()
	entries := []dcParticipant{{Identity: caller.Bytes(), Caller: true}}
	for _, m := range members {
		entries = append(entries, dcParticipant{Identity: m.Bytes(), Name: "member"})
	}
	data, err := encodeDC(DCUpdateParticipants, dcUpdateParticipants{Participants: entries})
	if err != nil {
		t.Fatalf("encodeDC: %v", err)
	}
	return data
}

func TestBufferedParticipantOfferConsumedOnce(t *testing.T) {
	h := newHarness(t, Options{})
	callID := answeredRecipient(t, h, idBob, idAlice)

	// Charlie's identity sorts above ours, so Charlie offers and we answer.
	// The offer races ahead of the roster update announcing Charlie.
	h.deliver(t, callID, idBob, idCharlie, &signaling.NewParticipantOffer{
		SessionDescription: wireSDP(t, "offer", minimalOffer),
		GatheringPolicy:    signaling.GatherContinually,
	})
	h.barrier()

	var buffered int
	h.orch.exec.run(func() { buffered = len(h.orch.active.bufferedOffers) })
	if buffered != 1 {
		t.Fatalf("buffered offers = %d, want 1", buffered)
	}
	if h.eng.connectionCount() != 1 {
		t.Fatalf("connections = %d, want 1 before the roster update", h.eng.connectionCount())
	}

	callerPC := h.eng.connection(0)
	callerPC.dc.receive(rosterUpdate(t, idAlice, idBob, idCharlie))
	h.barrier()

	if h.eng.connectionCount() != 2 {
		t.Fatalf("connections = %d, want 2 after admitting charlie", h.eng.connectionCount())
	}
	h.orch.exec.run(func() { buffered = len(h.orch.active.bufferedOffers) })
	if buffered != 0 {
		t.Errorf("buffered offers = %d, want 0 after consumption", buffered)
	}

	charliePC := h.eng.connection(1)
	if charliePC.remoteCount() != 1 {
		t.Errorf("charlie remote descriptions = %d, want 1", charliePC.remoteCount())
	}

	// Charlie is not a contact, so the answer goes through the caller relay.
	var sawRelay bool
	for _, raw := range callerPC.dc.sentMessages() {
		env, err := decodeDC(raw)
		if err != nil {
			t.Fatalf("decodeDC: %v", err)
		}
		if env.Kind != DCRelay {
			continue
		}
		var relay dcRelay
		if err := json.Unmarshal(env.Payload, &relay); err != nil {
			t.Fatalf("unmarshal relay: %v", err)
		}
		if identity.FromBytes(relay.To) != idCharlie {
			t.Errorf("relay target = %s, want charlie", identity.FromBytes(relay.To).ShortString())
		}
		var inner signaling.Envelope
		if err := json.Unmarshal(relay.Inner, &inner); err != nil {
			t.Fatalf("unmarshal inner envelope: %v", err)
		}
		if inner.Kind != signaling.KindNewParticipantAnswer {
			t.Errorf("relayed kind = %s, want NewParticipantAnswer", inner.Kind)
		}
		sawRelay = true
	}
	if !sawRelay {
		t.Fatal("the participant answer should be relayed through the caller")
	}

	// A re-broadcast of the same roster must not build another connection.
	callerPC.dc.receive(rosterUpdate(t, idAlice, idBob, idCharlie))
	h.barrier()
	if h.eng.connectionCount() != 2 {
		t.Errorf("connections = %d, want 2 after duplicate update", h.eng.connectionCount())
	}
}

func TestRosterUpdateMarksLeaver(t *testing.T) {
	h := newHarness(t, Options{})
	_ = answeredRecipient(t, h, idBob, idAlice)

	// Dave's identity sorts below ours, so we open the link toward Dave as
	// soon as the roster announces it.
	callerPC := h.eng.connection(0)
	callerPC.dc.receive(rosterUpdate(t, idAlice, idBob, idDave))
	h.barrier()

	snap, _ := h.orch.Snapshot()
	if len(snap.Participants) != 2 {
		t.Fatalf("participants = %d, want 2", len(snap.Participants))
	}
	if h.eng.connectionCount() != 2 {
		t.Fatalf("connections = %d, want 2", h.eng.connectionCount())
	}

	// The next broadcast no longer lists dave.
	callerPC.dc.receive(rosterUpdate(t, idAlice, idBob))
	h.barrier()

	snap, _ = h.orch.Snapshot()
	var daveState PeerState
	for _, p := range snap.Participants {
		if p.Identity == idDave {
			daveState = p.State
		}
	}
	if daveState != PeerHangedUp {
		t.Errorf("dave state = %v, want HangedUp pending removal", daveState)
	}
	davePC := h.eng.connection(1)
	davePC.mu.Lock()
	closed := davePC.closed
	davePC.mu.Unlock()
	if !closed {
		t.Error("dave's connection should be closed")
	}
}

func TestRosterUpdateIgnoredFromNonCaller(t *testing.T) {
	h := newHarness(t, Options{})
	_ = answeredRecipient(t, h, idBob, idAlice)

	// Admit dave legitimately first so a second channel exists.
	callerPC := h.eng.connection(0)
	callerPC.dc.receive(rosterUpdate(t, idAlice, idBob, idDave))
	h.barrier()
	if h.eng.connectionCount() != 2 {
		t.Fatalf("connections = %d, want 2", h.eng.connectionCount())
	}

	// A roster update arriving over dave's channel must not be honored.
	davePC := h.eng.connection(1)
	davePC.dc.open()
	h.barrier()
	davePC.dc.receive(rosterUpdate(t, idDave))
	h.barrier()

	snap, _ := h.orch.Snapshot()
	if len(snap.Participants) != 2 {
		t.Errorf("participants = %d, want 2 after rogue update", len(snap.Participants))
	}
}

func TestCallerRelaysBetweenParticipants(t *testing.T) {
	h := newHarness(t, Options{})
	h.directory.addContact(idBob, "Bob", true)
	h.directory.addContact(idCarol, "Carol", true)

	callID, err := h.orch.StartOutgoingCall(idAlice, []identity.Identity{idBob, idCarol}, nil, false)
	if err != nil {
		t.Fatalf("StartOutgoingCall: %v", err)
	}
	waitFor(t, "start messages", func() bool { return h.transport.countOfKind(signaling.KindStartCall) == 2 })

	bobPC := h.eng.connection(0)
	carolPC := h.eng.connection(1)
	bobPC.dc.open()
	carolPC.dc.open()
	h.barrier()

	inner, err := signaling.Seal(callID, &signaling.NewParticipantAnswer{
		SessionDescription: wireSDP(t, "answer", minimalOffer),
	})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	innerRaw, err := json.Marshal(inner)
	if err != nil {
		t.Fatalf("marshal inner: %v", err)
	}
	relayRaw, err := encodeDC(DCRelay, dcRelay{To: idCarol.Bytes(), Inner: innerRaw})
	if err != nil {
		t.Fatalf("encodeDC: %v", err)
	}

	bobPC.dc.receive(relayRaw)
	h.barrier()

	var sawRelayed bool
	for _, raw := range carolPC.dc.sentMessages() {
		env, err := decodeDC(raw)
		if err != nil {
			t.Fatalf("decodeDC: %v", err)
		}
		if env.Kind != DCRelayed {
			continue
		}
		var relayed dcRelayed
		if err := json.Unmarshal(env.Payload, &relayed); err != nil {
			t.Fatalf("unmarshal relayed: %v", err)
		}
		if identity.FromBytes(relayed.From) != idBob {
			t.Errorf("relayed sender = %s, want bob", identity.FromBytes(relayed.From).ShortString())
		}
		sawRelayed = true
	}
	if !sawRelayed {
		t.Fatal("the caller should forward the relay to carol")
	}
}

func TestRelayForAbsentTargetDropped(t *testing.T) {
	h := newHarness(t, Options{})
	h.directory.addContact(idBob, "Bob", true)

	if _, err := h.orch.StartOutgoingCall(idAlice, []identity.Identity{idBob}, nil, false); err != nil {
		t.Fatalf("StartOutgoingCall: %v", err)
	}
	waitFor(t, "start message", func() bool { return h.transport.countOfKind(signaling.KindStartCall) == 1 })

	bobPC := h.eng.connection(0)
	bobPC.dc.open()
	h.barrier()

	relayRaw, err := encodeDC(DCRelay, dcRelay{To: idCarol.Bytes(), Inner: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("encodeDC: %v", err)
	}
	bobPC.dc.receive(relayRaw)
	h.barrier()

	// Nothing crashed and nothing was forwarded anywhere.
	if n := h.eng.connectionCount(); n != 1 {
		t.Errorf("connections = %d, want 1", n)
	}
}

func TestRemoteMuteFlagReachesSnapshot(t *testing.T) {
	h := newHarness(t, Options{})
	_ = answeredRecipient(t, h, idBob, idAlice)

	callerPC := h.eng.connection(0)
	raw, err := encodeDC(DCMuted, dcMuted{Muted: true})
	if err != nil {
		t.Fatalf("encodeDC: %v", err)
	}
	callerPC.dc.receive(raw)
	h.barrier()

	snap, ok := h.orch.Snapshot()
	if !ok {
		t.Fatal("expected an active call")
	}
	if len(snap.Participants) != 1 || !snap.Participants[0].Muted {
		t.Error("the caller's mute flag should show up in the snapshot")
	}
}

func TestDataChannelHangUpEndsPeer(t *testing.T) {
	h := newHarness(t, Options{})
	_ = answeredRecipient(t, h, idBob, idAlice)

	callerPC := h.eng.connection(0)
	raw, err := encodeDC(DCHangedUp, nil)
	if err != nil {
		t.Fatalf("encodeDC: %v", err)
	}
	callerPC.dc.receive(raw)
	h.barrier()

	// The caller was the only participant, so the call ends.
	waitFor(t, "call ended", func() bool {
		_, ok := h.orch.Snapshot()
		return !ok
	})
}
