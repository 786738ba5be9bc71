package call

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sebas/meshcall/internal/engine"
	"github.com/sebas/meshcall/internal/identity"
	"github.com/sebas/meshcall/internal/signaling"
)

const (
	// gatherSettle is how long a batching link waits after the last
	// candidate before treating gathering as done.
	gatherSettle = 2 * time.Second
	// gatherDeadline bounds candidate collection under either policy.
	// Reaching it with zero relay candidates means the TURN allocation
	// is unusable.
	gatherDeadline = 5 * time.Second
)

// connectTimeout bounds the wait for the first ICE connection. A variable
// so tests can shorten it.
var connectTimeout = 30 * time.Second

var errNoDataChannel = errors.New("data channel not open")

// peerLinkDelegate is the orchestrator surface a link reports into. Every
// method is invoked on the shared execution loop.
type peerLinkDelegate interface {
	sendToPeer(peer identity.Identity, msg signaling.Message)
	peerConnected(peer identity.Identity)
	peerReconnecting(peer identity.Identity)
	dataChannelOpened(peer identity.Identity)
	dataChannelMessage(peer identity.Identity, data []byte)
	relayCandidatesExhausted(peer identity.Identity)
	connectTimedOut(peer identity.Identity)
	execute(fn func())
	schedule(d time.Duration, fn func()) *time.Timer
}

// peerLink owns the connection to one remote participant: description
// exchange, candidate handling, the reconnect counter protocol and the
// data channel. All fields are confined to the execution loop; engine
// callbacks re-dispatch through the delegate before touching them.
type peerLink struct {
	remote   identity.Identity
	local    identity.Identity
	role     Role
	delegate peerLinkDelegate
	log      *slog.Logger

	state        PeerState
	gathering    signaling.GatheringPolicy
	lowBandwidth bool

	creds   *Credentials
	eng     engine.Engine
	conn    engine.PeerConnection
	channel engine.DataChannel

	channelOpen   bool
	remoteApplied bool

	// A description arriving before the connection exists is parked here
	// and replayed once createPeerConnection runs.
	pendingRemote *engine.SessionDescription
	// Remote candidates arriving before the remote description.
	bufferedRemote []engine.ICECandidate

	// Batched gathering: the local description is held back until the
	// candidates settle, then shipped with them embedded.
	pendingLocal *engine.SessionDescription
	deliverLocal func(desc engine.SessionDescription)
	gathered     []engine.ICECandidate
	sawRelay     bool
	gatherDone   bool

	settleTimer   *time.Timer
	deadlineTimer *time.Timer
	connectTimer  *time.Timer

	// Restart ordering. Outgoing offers stamp reconnectOfferCounter,
	// answers echo it back, and incoming offers below
	// reconnectAnswerCounter are stale.
	reconnectOfferCounter  int64
	reconnectAnswerCounter int64

	// Flags the peer announced over the data channel.
	remoteMuted          bool
	remoteVideoSupported bool
	remoteVideoSharing   bool
	remoteScreenSharing  bool

	audioTrack  engine.Track
	videoTrack  engine.Track
	screenTrack engine.Track

	closed bool
}

func newPeerLink(local, remote identity.Identity, role Role, gathering signaling.GatheringPolicy, lowBandwidth bool, eng engine.Engine, delegate peerLinkDelegate) *peerLink {
	return &peerLink{
		remote:       remote,
		local:        local,
		role:         role,
		delegate:     delegate,
		log:          slog.With("peer", remote.ShortString()),
		state:        PeerInitial,
		gathering:    gathering,
		lowBandwidth: lowBandwidth,
		eng:          eng,
	}
}

// shouldOffer reports whether this side creates offers on this link when
// negotiation starts outside the caller/recipient handshake.
func (p *peerLink) shouldOffer() bool {
	return identity.ShouldOffer(p.local, p.remote)
}

func (p *peerLink) batching() bool {
	return p.gathering != signaling.GatherContinually
}

func (p *peerLink) setState(next PeerState) bool {
	if p.state == next {
		return true
	}
	if !p.state.CanTransitionTo(next) {
		p.log.Warn("[PeerLink] rejected peer state transition", "from", p.state, "to", next)
		return false
	}
	p.log.Info("[PeerLink] peer state change", "from", p.state, "to", next)
	p.state = next
	return true
}

func (p *peerLink) setTurnCredentials(creds *Credentials) {
	p.creds = creds
}

// createPeerConnection builds the underlying connection, the pre-negotiated
// data channel and the audio track. deliver receives the first local
// description once it is ready to ship; when offer is true that description
// is an offer, otherwise it answers the parked or upcoming remote offer.
func (p *peerLink) createPeerConnection(offer bool, deliver func(desc engine.SessionDescription)) error {
	if p.creds == nil {
		return errors.New("no turn credentials")
	}
	if p.conn != nil {
		return errors.New("peer connection already created")
	}

	cfg := engine.Config{
		TurnServers:        p.creds.Servers,
		ContinualGathering: !p.batching(),
	}
	if p.role == RoleCaller {
		cfg.TurnUsername = p.creds.CallerUsername
		cfg.TurnPassword = p.creds.CallerPassword
	} else {
		cfg.TurnUsername = p.creds.RecipientUsername
		cfg.TurnPassword = p.creds.RecipientPassword
	}

	conn, err := p.eng.NewPeerConnection(cfg, engine.Callbacks{
		OnICECandidate: func(c engine.ICECandidate) {
			p.delegate.execute(func() { p.onCandidate(c) })
		},
		OnICECandidatesRemoved: func(cs []engine.ICECandidate) {
			p.delegate.execute(func() { p.onCandidatesRemoved(cs) })
		},
		OnICEGatheringComplete: func() {
			p.delegate.execute(p.gatherSettled)
		},
		OnICEConnectionChange: func(s engine.ICEConnectionState) {
			p.delegate.execute(func() { p.onICEConnectionChange(s) })
		},
		OnNegotiationNeeded: func() {
			p.delegate.execute(p.onNegotiationNeeded)
		},
	})
	if err != nil {
		return fmt.Errorf("creating peer connection: %w", err)
	}
	p.conn = conn

	// Both sides pre-declare the channel so neither waits on an in-band
	// open handshake.
	channel, err := conn.CreateDataChannel("data", true, 1)
	if err != nil {
		p.close()
		return fmt.Errorf("creating data channel: %w", err)
	}
	p.channel = channel
	channel.OnOpen(func() {
		p.delegate.execute(func() {
			if p.closed {
				return
			}
			p.channelOpen = true
			p.delegate.dataChannelOpened(p.remote)
		})
	})
	channel.OnMessage(func(data []byte) {
		p.delegate.execute(func() {
			if p.closed {
				return
			}
			p.delegate.dataChannelMessage(p.remote, data)
		})
	})

	track, _, err := conn.AddTrack(engine.TrackAudio, true)
	if err != nil {
		p.close()
		return fmt.Errorf("adding audio track: %w", err)
	}
	p.audioTrack = track

	p.deliverLocal = deliver
	p.connectTimer = p.delegate.schedule(connectTimeout, func() {
		if p.closed || p.state == PeerConnected {
			return
		}
		p.delegate.connectTimedOut(p.remote)
	})

	if offer {
		return p.sendOffer(false)
	}
	if p.pendingRemote != nil {
		desc := *p.pendingRemote
		p.pendingRemote = nil
		return p.applyRemote(desc)
	}
	return nil
}

func (p *peerLink) resetGathering() {
	p.gathered = nil
	p.sawRelay = false
	p.gatherDone = false
	stopTimer(&p.settleTimer)
	stopTimer(&p.deadlineTimer)
	if p.batching() {
		p.deadlineTimer = p.delegate.schedule(gatherDeadline, p.gatherSettled)
		return
	}
	p.deadlineTimer = p.delegate.schedule(gatherDeadline, p.relayDeadlineExpired)
}

// relayDeadlineExpired checks that a trickling link produced at least one
// relay candidate within the deadline. Renegotiations on a transport that
// already connected gather nothing new and are exempt.
func (p *peerLink) relayDeadlineExpired() {
	if p.closed || p.sawRelay {
		return
	}
	if p.state == PeerConnected || p.state == PeerReconnecting {
		return
	}
	p.log.Warn("[PeerLink] no relay candidate within deadline")
	p.delegate.relayCandidatesExhausted(p.remote)
}

func (p *peerLink) sendOffer(iceRestart bool) error {
	desc, err := p.conn.CreateOffer(iceRestart)
	if err != nil {
		return fmt.Errorf("creating offer: %w", err)
	}
	return p.applyAndShipLocal(desc)
}

func (p *peerLink) sendAnswer() error {
	desc, err := p.conn.CreateAnswer()
	if err != nil {
		return fmt.Errorf("creating answer: %w", err)
	}
	return p.applyAndShipLocal(desc)
}

func (p *peerLink) applyAndShipLocal(desc engine.SessionDescription) error {
	filtered, err := filterAudioCodecs(desc.SDP, p.lowBandwidth)
	if err != nil {
		return err
	}
	desc.SDP = filtered
	if err := p.conn.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("applying local description: %w", err)
	}
	p.resetGathering()
	if p.batching() {
		p.pendingLocal = &desc
		return nil
	}
	p.shipLocal(desc)
	return nil
}

func (p *peerLink) shipLocal(desc engine.SessionDescription) {
	if p.deliverLocal == nil {
		p.log.Warn("[PeerLink] local description ready with no consumer", "type", desc.Type)
		return
	}
	deliver := p.deliverLocal
	p.deliverLocal = nil
	deliver(desc)
}

func (p *peerLink) onCandidate(c engine.ICECandidate) {
	if p.closed {
		return
	}
	if c.IsRelay() {
		p.sawRelay = true
	}
	if p.batching() {
		if p.gatherDone {
			return
		}
		p.gathered = append(p.gathered, c)
		stopTimer(&p.settleTimer)
		p.settleTimer = p.delegate.schedule(gatherSettle, p.gatherSettled)
		return
	}
	p.delegate.sendToPeer(p.remote, signaling.NewIceCandidate{IceCandidate: signaling.IceCandidate{
		SDP:           c.SDP,
		SDPMLineIndex: c.SDPMLineIndex,
		SDPMid:        c.SDPMid,
	}})
}

func (p *peerLink) onCandidatesRemoved(cs []engine.ICECandidate) {
	if p.closed || p.batching() || len(cs) == 0 {
		return
	}
	removed := make([]signaling.IceCandidate, 0, len(cs))
	for _, c := range cs {
		removed = append(removed, signaling.IceCandidate{
			SDP:           c.SDP,
			SDPMLineIndex: c.SDPMLineIndex,
			SDPMid:        c.SDPMid,
		})
	}
	p.delegate.sendToPeer(p.remote, signaling.RemoveIceCandidates{Candidates: removed})
}

// gatherSettled finishes a batched gathering pass. Zero relay candidates
// means the relay allocation is dead and the whole call has to fail.
func (p *peerLink) gatherSettled() {
	if p.closed || !p.batching() || p.gatherDone {
		return
	}
	p.gatherDone = true
	stopTimer(&p.settleTimer)
	stopTimer(&p.deadlineTimer)

	if !p.sawRelay {
		p.log.Warn("[PeerLink] gathering finished without relay candidates")
		p.delegate.relayCandidatesExhausted(p.remote)
		return
	}
	if p.pendingLocal == nil {
		return
	}
	desc := *p.pendingLocal
	p.pendingLocal = nil
	withCandidates, err := injectCandidates(desc.SDP, p.gathered)
	if err != nil {
		p.log.Error("[PeerLink] embedding candidates failed", "error", err)
	} else {
		desc.SDP = withCandidates
	}
	p.shipLocal(desc)
}

// handleRemoteDescription applies an offer or answer received over
// signaling. Descriptions arriving before the connection exists are parked
// and replayed by createPeerConnection.
func (p *peerLink) handleRemoteDescription(desc engine.SessionDescription) error {
	if p.closed {
		return nil
	}
	if p.conn == nil {
		p.pendingRemote = &desc
		return nil
	}
	return p.applyRemote(desc)
}

func (p *peerLink) applyRemote(desc engine.SessionDescription) error {
	if err := p.conn.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("applying remote %s: %w", desc.Type, err)
	}
	p.remoteApplied = true
	p.drainBufferedRemote()
	if desc.Type == engine.SDPTypeOffer {
		return p.sendAnswer()
	}
	return nil
}

func (p *peerLink) drainBufferedRemote() {
	for _, c := range p.bufferedRemote {
		if err := p.conn.AddICECandidate(c); err != nil {
			p.log.Warn("[PeerLink] buffered candidate rejected", "error", err)
		}
	}
	p.bufferedRemote = nil
}

// handleReconnectOffer runs the restart ordering protocol. Stale offers are
// dropped; glare against our own in-flight offer is resolved by rolling it
// back unless we are the designated offerer and the peer is not explicitly
// overriding our current counter.
func (p *peerLink) handleReconnectOffer(desc engine.SessionDescription, counter, counterToOverride int64) error {
	if p.closed || p.conn == nil {
		return nil
	}
	if counter < p.reconnectAnswerCounter {
		p.log.Info("[PeerLink] dropping stale reconnect offer",
			"counter", counter, "seen", p.reconnectAnswerCounter)
		return nil
	}
	p.reconnectAnswerCounter = counter

	if p.conn.SignalingState() == engine.SignalingHaveLocalOffer {
		if p.shouldOffer() && counterToOverride != p.reconnectOfferCounter {
			p.log.Info("[PeerLink] ignoring reconnect offer glare",
				"counter_to_override", counterToOverride, "offer_counter", p.reconnectOfferCounter)
			return nil
		}
		if err := p.conn.SetLocalDescription(engine.SessionDescription{Type: engine.SDPTypeRollback}); err != nil {
			return fmt.Errorf("rolling back local offer: %w", err)
		}
		p.pendingLocal = nil
		p.deliverLocal = nil
	}

	answeredCounter := counter
	p.deliverLocal = func(d engine.SessionDescription) {
		sd, err := signaling.NewSessionDescription(string(d.Type), d.SDP)
		if err != nil {
			p.log.Error("[PeerLink] compressing reconnect answer failed", "error", err)
			return
		}
		p.delegate.sendToPeer(p.remote, signaling.ReconnectCall{
			SessionDescription: sd,
			ReconnectCounter:   answeredCounter,
		})
	}
	return p.applyRemote(desc)
}

// handleReconnectAnswer applies an answer to our own reconnect offer. The
// echoed counter has to match the offer still in flight.
func (p *peerLink) handleReconnectAnswer(desc engine.SessionDescription, counter int64) error {
	if p.closed || p.conn == nil {
		return nil
	}
	if counter != p.reconnectOfferCounter {
		p.log.Info("[PeerLink] dropping stale reconnect answer",
			"counter", counter, "offer_counter", p.reconnectOfferCounter)
		return nil
	}
	if p.conn.SignalingState() != engine.SignalingHaveLocalOffer {
		p.log.Info("[PeerLink] reconnect answer in unexpected state",
			"state", p.conn.SignalingState())
		return nil
	}
	if err := p.conn.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("applying reconnect answer: %w", err)
	}
	p.remoteApplied = true
	p.drainBufferedRemote()
	return nil
}

// initiateReconnect starts a renegotiation, with an ICE restart when the
// transport itself failed.
func (p *peerLink) initiateReconnect(iceRestart bool) {
	if p.closed || p.conn == nil {
		return
	}
	if p.conn.SignalingState() != engine.SignalingStable {
		return
	}
	p.reconnectOfferCounter++
	offerCounter := p.reconnectOfferCounter
	override := p.reconnectAnswerCounter
	p.deliverLocal = func(d engine.SessionDescription) {
		sd, err := signaling.NewSessionDescription(string(d.Type), d.SDP)
		if err != nil {
			p.log.Error("[PeerLink] compressing reconnect offer failed", "error", err)
			return
		}
		p.delegate.sendToPeer(p.remote, signaling.ReconnectCall{
			SessionDescription: sd,
			ReconnectCounter:   offerCounter,
			CounterToOverride:  override,
		})
	}
	if err := p.sendOffer(iceRestart); err != nil {
		p.log.Error("[PeerLink] reconnect offer failed", "error", err)
	}
}

func (p *peerLink) addRemoteCandidate(c engine.ICECandidate) {
	if p.closed {
		return
	}
	if p.conn == nil || !p.remoteApplied {
		p.bufferedRemote = append(p.bufferedRemote, c)
		return
	}
	if err := p.conn.AddICECandidate(c); err != nil {
		p.log.Warn("[PeerLink] remote candidate rejected", "error", err)
	}
}

// removeRemoteCandidates withdraws candidates still waiting in the buffer.
// Candidates already handed to the engine stay; the transport prunes dead
// pairs on its own.
func (p *peerLink) removeRemoteCandidates(cs []engine.ICECandidate) {
	if p.closed || len(cs) == 0 {
		return
	}
	drop := make(map[string]struct{}, len(cs))
	for _, c := range cs {
		drop[c.SDP] = struct{}{}
	}
	kept := p.bufferedRemote[:0]
	for _, c := range p.bufferedRemote {
		if _, gone := drop[c.SDP]; !gone {
			kept = append(kept, c)
		}
	}
	p.bufferedRemote = kept
}

func (p *peerLink) onICEConnectionChange(s engine.ICEConnectionState) {
	if p.closed {
		return
	}
	p.log.Debug("[PeerLink] ice connection state", "state", s)
	switch s {
	case engine.ICEConnected, engine.ICECompleted:
		stopTimer(&p.connectTimer)
		stopTimer(&p.deadlineTimer)
		if p.state != PeerConnected && p.setState(PeerConnected) {
			p.delegate.peerConnected(p.remote)
		}
	case engine.ICEDisconnected:
		if p.state == PeerConnected && p.setState(PeerReconnecting) {
			p.delegate.peerReconnecting(p.remote)
			if p.shouldOffer() {
				p.initiateReconnect(false)
			}
		}
	case engine.ICEFailed:
		if p.state == PeerConnected {
			if p.setState(PeerReconnecting) {
				p.delegate.peerReconnecting(p.remote)
			}
		}
		if p.shouldOffer() {
			p.initiateReconnect(true)
		}
	}
}

// onNegotiationNeeded fires when a track was added mid-call. The initial
// handshake drives its own offers, so only established links react.
func (p *peerLink) onNegotiationNeeded() {
	if p.closed || p.state != PeerConnected {
		return
	}
	p.initiateReconnect(false)
}

func (p *peerLink) sendData(kind DCKind, payload any) error {
	if p.channel == nil || !p.channelOpen {
		return errNoDataChannel
	}
	data, err := encodeDC(kind, payload)
	if err != nil {
		return err
	}
	return p.channel.Send(data)
}

func (p *peerLink) setAudioEnabled(enabled bool) {
	if p.audioTrack != nil {
		p.audioTrack.SetEnabled(enabled)
	}
}

// enableVideo turns the outgoing camera track on or off. The returned flag
// reports that a new sender was attached and the link needs renegotiation.
func (p *peerLink) enableVideo(enabled bool) (bool, error) {
	return p.enableTrack(&p.videoTrack, engine.TrackVideo, enabled)
}

// enableScreen turns the outgoing screen share track on or off.
func (p *peerLink) enableScreen(enabled bool) (bool, error) {
	return p.enableTrack(&p.screenTrack, engine.TrackScreen, enabled)
}

func (p *peerLink) enableTrack(slot *engine.Track, kind engine.TrackKind, enabled bool) (bool, error) {
	if p.closed || p.conn == nil {
		return false, nil
	}
	if !enabled {
		if *slot != nil {
			(*slot).SetEnabled(false)
		}
		return false, nil
	}
	track, added, err := p.conn.AddTrack(kind, true)
	if err != nil {
		return false, fmt.Errorf("adding %v track: %w", kind, err)
	}
	*slot = track
	return added, nil
}

func (p *peerLink) audioLevel() (float64, bool) {
	if p.closed || p.conn == nil {
		return 0, false
	}
	return p.conn.AudioLevel()
}

func (p *peerLink) close() {
	if p.closed {
		return
	}
	p.closed = true
	stopTimer(&p.settleTimer)
	stopTimer(&p.deadlineTimer)
	stopTimer(&p.connectTimer)
	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	p.channelOpen = false
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
