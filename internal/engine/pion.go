package engine

import (
	"fmt"
	"sync"

	pion "github.com/pion/webrtc/v4"
)

// PionEngine implements Engine on pion/webrtc.
type PionEngine struct {
	api *pion.API
}

// NewPionEngine builds an engine with the default codec set registered.
func NewPionEngine() (*PionEngine, error) {
	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	return &PionEngine{api: pion.NewAPI(pion.WithMediaEngine(m))}, nil
}

// NewPeerConnection implements Engine. Connections use relay-only transport
// policy: candidates never expose the device address, and a call without
// working TURN credentials fails fast instead of half-connecting.
func (e *PionEngine) NewPeerConnection(cfg Config, cb Callbacks) (PeerConnection, error) {
	servers := make([]pion.ICEServer, 0, len(cfg.TurnServers))
	for _, url := range cfg.TurnServers {
		servers = append(servers, pion.ICEServer{
			URLs:       []string{url},
			Username:   cfg.TurnUsername,
			Credential: cfg.TurnPassword,
		})
	}

	pc, err := e.api.NewPeerConnection(pion.Configuration{
		ICEServers:         servers,
		ICETransportPolicy: pion.ICETransportPolicyRelay,
		SDPSemantics:       pion.SDPSemanticsUnifiedPlan,
		BundlePolicy:       pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &pionConn{pc: pc, tracks: make(map[TrackKind]*pionTrack)}

	// pion always trickles; gather-once batching is imposed by the caller,
	// which waits for the completion event before sending its description.
	pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			if cb.OnICEGatheringComplete != nil {
				cb.OnICEGatheringComplete()
			}
			return
		}
		if cb.OnICECandidate == nil {
			return
		}
		j := c.ToJSON()
		cand := ICECandidate{SDP: j.Candidate}
		if j.SDPMid != nil {
			cand.SDPMid = *j.SDPMid
		}
		if j.SDPMLineIndex != nil {
			cand.SDPMLineIndex = int(*j.SDPMLineIndex)
		}
		cb.OnICECandidate(cand)
	})

	pc.OnICEConnectionStateChange(func(s pion.ICEConnectionState) {
		if cb.OnICEConnectionChange != nil {
			cb.OnICEConnectionChange(iceStateFromPion(s))
		}
	})

	pc.OnNegotiationNeeded(func() {
		if cb.OnNegotiationNeeded != nil {
			cb.OnNegotiationNeeded()
		}
	})

	return p, nil
}

type pionConn struct {
	pc *pion.PeerConnection

	mu     sync.Mutex
	tracks map[TrackKind]*pionTrack
}

func (p *pionConn) CreateOffer(iceRestart bool) (SessionDescription, error) {
	var opts *pion.OfferOptions
	if iceRestart {
		opts = &pion.OfferOptions{ICERestart: true}
	}
	offer, err := p.pc.CreateOffer(opts)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return SessionDescription{Type: SDPTypeOffer, SDP: offer.SDP}, nil
}

func (p *pionConn) CreateAnswer() (SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return SessionDescription{Type: SDPTypeAnswer, SDP: answer.SDP}, nil
}

func (p *pionConn) SetLocalDescription(sd SessionDescription) error {
	if err := p.pc.SetLocalDescription(toPionSD(sd)); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return nil
}

func (p *pionConn) SetRemoteDescription(sd SessionDescription) error {
	if err := p.pc.SetRemoteDescription(toPionSD(sd)); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (p *pionConn) SignalingState() SignalingState {
	switch p.pc.SignalingState() {
	case pion.SignalingStateStable:
		return SignalingStable
	case pion.SignalingStateHaveLocalOffer:
		return SignalingHaveLocalOffer
	case pion.SignalingStateHaveRemoteOffer:
		return SignalingHaveRemoteOffer
	case pion.SignalingStateHaveLocalPranswer:
		return SignalingHaveLocalPranswer
	case pion.SignalingStateHaveRemotePranswer:
		return SignalingHaveRemotePranswer
	default:
		return SignalingClosed
	}
}

func (p *pionConn) AddICECandidate(c ICECandidate) error {
	mLineIndex := uint16(c.SDPMLineIndex)
	init := pion.ICECandidateInit{
		Candidate:     c.SDP,
		SDPMLineIndex: &mLineIndex,
	}
	if c.SDPMid != "" {
		mid := c.SDPMid
		init.SDPMid = &mid
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (p *pionConn) CreateDataChannel(label string, negotiated bool, id uint16) (DataChannel, error) {
	var init *pion.DataChannelInit
	if negotiated {
		neg := true
		chanID := id
		init = &pion.DataChannelInit{Negotiated: &neg, ID: &chanID}
	}
	dc, err := p.pc.CreateDataChannel(label, init)
	if err != nil {
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	return &pionDataChannel{dc: dc}, nil
}

func (p *pionConn) AddTrack(kind TrackKind, enabled bool) (Track, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.tracks[kind]; ok {
		t.SetEnabled(enabled)
		return t, false, nil
	}

	var capability pion.RTPCodecCapability
	var trackID string
	switch kind {
	case TrackAudio:
		capability = pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2}
		trackID = "audio0"
	case TrackVideo:
		capability = pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8, ClockRate: 90000}
		trackID = "video0"
	case TrackScreen:
		capability = pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8, ClockRate: 90000}
		trackID = "screen0"
	default:
		return nil, false, fmt.Errorf("unknown track kind %d", kind)
	}

	local, err := pion.NewTrackLocalStaticSample(capability, trackID, "meshcall")
	if err != nil {
		return nil, false, fmt.Errorf("create %s track: %w", trackID, err)
	}
	if _, err := p.pc.AddTrack(local); err != nil {
		return nil, false, fmt.Errorf("add %s track: %w", trackID, err)
	}

	t := &pionTrack{kind: kind, local: local, enabled: enabled}
	p.tracks[kind] = t
	return t, true, nil
}

func (p *pionConn) AudioLevel() (float64, bool) {
	stats := p.pc.GetStats()
	for _, s := range stats {
		if src, ok := s.(pion.AudioSourceStats); ok {
			return src.AudioLevel, true
		}
	}
	return 0, false
}

func (p *pionConn) Close() error {
	return p.pc.Close()
}

type pionDataChannel struct {
	dc *pion.DataChannel
}

func (d *pionDataChannel) Send(data []byte) error { return d.dc.Send(data) }
func (d *pionDataChannel) OnOpen(fn func())       { d.dc.OnOpen(fn) }
func (d *pionDataChannel) OnClose(fn func())      { d.dc.OnClose(fn) }
func (d *pionDataChannel) Close() error           { return d.dc.Close() }

func (d *pionDataChannel) OnMessage(fn func(data []byte)) {
	d.dc.OnMessage(func(msg pion.DataChannelMessage) {
		fn(msg.Data)
	})
}

// pionTrack wraps a sample track. The engine has no per-track enable switch
// for locally sourced samples; muting means the capture loop checks Enabled
// and stops feeding the track.
type pionTrack struct {
	kind  TrackKind
	local *pion.TrackLocalStaticSample

	mu      sync.Mutex
	enabled bool
}

func (t *pionTrack) Kind() TrackKind { return t.kind }

func (t *pionTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *pionTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func toPionSD(sd SessionDescription) pion.SessionDescription {
	return pion.SessionDescription{
		Type: pion.NewSDPType(string(sd.Type)),
		SDP:  sd.SDP,
	}
}

func iceStateFromPion(s pion.ICEConnectionState) ICEConnectionState {
	switch s {
	case pion.ICEConnectionStateNew:
		return ICENew
	case pion.ICEConnectionStateChecking:
		return ICEChecking
	case pion.ICEConnectionStateConnected:
		return ICEConnected
	case pion.ICEConnectionStateCompleted:
		return ICECompleted
	case pion.ICEConnectionStateDisconnected:
		return ICEDisconnected
	case pion.ICEConnectionStateFailed:
		return ICEFailed
	default:
		return ICEClosed
	}
}
