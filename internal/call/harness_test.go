package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/meshcall/internal/calllog"
	"github.com/sebas/meshcall/internal/engine"
	"github.com/sebas/meshcall/internal/identity"
	"github.com/sebas/meshcall/internal/signaling"
)

// Shared fakes for the orchestrator and peer link tests. The engine fake is
// scripted: tests drive connectivity and data channel events by invoking the
// callbacks a real engine would fire.

const minimalOffer = "v=0\r\n" +
	"o=- 1 1 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=fmtp:111 minptime=10;useinbandfec=1\r\n"

type fakeTrack struct {
	kind    engine.TrackKind
	enabled bool
}

func (t *fakeTrack) Kind() engine.TrackKind { return t.kind }
func (t *fakeTrack) SetEnabled(e bool)      { t.enabled = e }
func (t *fakeTrack) Enabled() bool          { return t.enabled }

type fakeDataChannel struct {
	mu        sync.Mutex
	sent      [][]byte
	onOpen    func()
	onMessage func(data []byte)
	closed    bool
}

func (d *fakeDataChannel) Send(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, data)
	return nil
}

func (d *fakeDataChannel) OnOpen(fn func())             { d.mu.Lock(); d.onOpen = fn; d.mu.Unlock() }
func (d *fakeDataChannel) OnMessage(fn func(b []byte))  { d.mu.Lock(); d.onMessage = fn; d.mu.Unlock() }
func (d *fakeDataChannel) OnClose(func())               {}
func (d *fakeDataChannel) Close() error                 { d.mu.Lock(); d.closed = true; d.mu.Unlock(); return nil }

// open simulates the channel handshake completing.
func (d *fakeDataChannel) open() {
	d.mu.Lock()
	fn := d.onOpen
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// receive simulates an inbound message from the peer.
func (d *fakeDataChannel) receive(data []byte) {
	d.mu.Lock()
	fn := d.onMessage
	d.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

func (d *fakeDataChannel) sentMessages() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.sent))
	copy(out, d.sent)
	return out
}

type fakePeerConnection struct {
	mu sync.Mutex

	cfg engine.Config
	cb  engine.Callbacks

	sigState  engine.SignalingState
	locals    []engine.SessionDescription
	remotes   []engine.SessionDescription
	rollbacks int
	added     []engine.ICECandidate
	dc        *fakeDataChannel
	tracks    map[engine.TrackKind]*fakeTrack
	closed    bool
}

func (pc *fakePeerConnection) CreateOffer(bool) (engine.SessionDescription, error) {
	return engine.SessionDescription{Type: engine.SDPTypeOffer, SDP: minimalOffer}, nil
}

func (pc *fakePeerConnection) CreateAnswer() (engine.SessionDescription, error) {
	return engine.SessionDescription{Type: engine.SDPTypeAnswer, SDP: minimalOffer}, nil
}

func (pc *fakePeerConnection) SetLocalDescription(sd engine.SessionDescription) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	switch sd.Type {
	case engine.SDPTypeOffer:
		pc.sigState = engine.SignalingHaveLocalOffer
	case engine.SDPTypeAnswer:
		pc.sigState = engine.SignalingStable
	case engine.SDPTypeRollback:
		pc.rollbacks++
		pc.sigState = engine.SignalingStable
		return nil
	}
	pc.locals = append(pc.locals, sd)
	return nil
}

func (pc *fakePeerConnection) SetRemoteDescription(sd engine.SessionDescription) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	switch sd.Type {
	case engine.SDPTypeOffer:
		pc.sigState = engine.SignalingHaveRemoteOffer
	case engine.SDPTypeAnswer:
		pc.sigState = engine.SignalingStable
	}
	pc.remotes = append(pc.remotes, sd)
	return nil
}

func (pc *fakePeerConnection) SignalingState() engine.SignalingState {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.sigState
}

func (pc *fakePeerConnection) AddICECandidate(c engine.ICECandidate) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.added = append(pc.added, c)
	return nil
}

func (pc *fakePeerConnection) CreateDataChannel(string, bool, uint16) (engine.DataChannel, error) {
	return pc.dc, nil
}

func (pc *fakePeerConnection) AddTrack(kind engine.TrackKind, enabled bool) (engine.Track, bool, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if track, ok := pc.tracks[kind]; ok {
		track.enabled = enabled
		return track, false, nil
	}
	track := &fakeTrack{kind: kind, enabled: enabled}
	pc.tracks[kind] = track
	return track, true, nil
}

func (pc *fakePeerConnection) AudioLevel() (float64, bool) { return 0.5, true }

func (pc *fakePeerConnection) Close() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.closed = true
	return nil
}

func (pc *fakePeerConnection) localCount() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return len(pc.locals)
}

func (pc *fakePeerConnection) remoteCount() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return len(pc.remotes)
}

func (pc *fakePeerConnection) rollbackCount() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.rollbacks
}

type fakeEngine struct {
	mu  sync.Mutex
	pcs []*fakePeerConnection
}

func (e *fakeEngine) NewPeerConnection(cfg engine.Config, cb engine.Callbacks) (engine.PeerConnection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pc := &fakePeerConnection{
		cfg:    cfg,
		cb:     cb,
		dc:     &fakeDataChannel{},
		tracks: make(map[engine.TrackKind]*fakeTrack),
	}
	e.pcs = append(e.pcs, pc)
	return pc, nil
}

func (e *fakeEngine) connection(i int) *fakePeerConnection {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i >= len(e.pcs) {
		return nil
	}
	return e.pcs[i]
}

func (e *fakeEngine) connectionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pcs)
}

type sentEnvelope struct {
	owned      identity.Identity
	recipients []identity.Identity
	env        *signaling.Envelope
}

type fakeTransport struct {
	mu      sync.Mutex
	handler signaling.Handler
	sent    []sentEnvelope
	devices []*signaling.Envelope
}

func (t *fakeTransport) Send(_ context.Context, owned identity.Identity, recipients []identity.Identity, env *signaling.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, sentEnvelope{owned: owned, recipients: recipients, env: env})
	return nil
}

func (t *fakeTransport) SendToOwnedDevices(_ context.Context, _ identity.Identity, env *signaling.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.devices = append(t.devices, env)
	return nil
}

func (t *fakeTransport) SetHandler(h signaling.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *fakeTransport) Close() error { return nil }

// sentKinds returns the kinds shipped so far, in order.
func (t *fakeTransport) sentKinds() []signaling.Kind {
	t.mu.Lock()
	defer t.mu.Unlock()
	kinds := make([]signaling.Kind, 0, len(t.sent))
	for _, s := range t.sent {
		kinds = append(kinds, s.env.Kind)
	}
	return kinds
}

func (t *fakeTransport) lastOfKind(kind signaling.Kind) (*signaling.Envelope, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.sent) - 1; i >= 0; i-- {
		if t.sent[i].env.Kind == kind {
			return t.sent[i].env, true
		}
	}
	return nil, false
}

func (t *fakeTransport) countOfKind(kind signaling.Kind) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.sent {
		if s.env.Kind == kind {
			n++
		}
	}
	return n
}

type fakeDirectory struct {
	mu           sync.Mutex
	contacts     map[identity.Identity]identity.Contact
	otherDevices bool
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{contacts: make(map[identity.Identity]identity.Contact)}
}

func (d *fakeDirectory) addContact(id identity.Identity, name string, hasChannel bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.contacts[id] = identity.Contact{Identity: id, DisplayName: name, HasChannel: hasChannel, OneToOne: true}
}

func (d *fakeDirectory) Lookup(owned, contact identity.Identity) (*identity.Contact, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.contacts[contact]
	if !ok {
		return nil, identity.ErrContactNotFound
	}
	c.OwnedIdentity = owned
	return &c, nil
}

func (d *fakeDirectory) HasOtherOwnedDevices(identity.Identity) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.otherDevices
}

type fakeCredentialsService struct {
	mu    sync.Mutex
	calls int
	creds *Credentials
	err   error
}

func (s *fakeCredentialsService) GetTurnCredentials(context.Context, identity.Identity) (*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.creds, nil
}

func (s *fakeCredentialsService) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testCredentials() *Credentials {
	return &Credentials{
		CallerUsername:    "caller-user",
		CallerPassword:    "caller-pass",
		RecipientUsername: "recipient-user",
		RecipientPassword: "recipient-pass",
		Servers:           []string{"turn:relay.example.com:3478"},
		FetchedAt:         time.Now(),
	}
}

type recordingObserver struct {
	mu        sync.Mutex
	snapshots []CallSnapshot
	incoming  []IncomingCall
	withdrawn []uuid.UUID
}

func (o *recordingObserver) CallUpdated(s CallSnapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.snapshots = append(o.snapshots, s)
}

func (o *recordingObserver) IncomingCallRinging(c IncomingCall) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.incoming = append(o.incoming, c)
}

func (o *recordingObserver) IncomingCallWithdrawn(id uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.withdrawn = append(o.withdrawn, id)
}

func (o *recordingObserver) AudioLevelUpdated(uuid.UUID, identity.Identity, float64) {}

func (o *recordingObserver) states() []State {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []State
	for _, s := range o.snapshots {
		if len(out) == 0 || out[len(out)-1] != s.State {
			out = append(out, s.State)
		}
	}
	return out
}

func (o *recordingObserver) incomingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.incoming)
}

// harness bundles an orchestrator with all its fakes.
type harness struct {
	orch      *Orchestrator
	eng       *fakeEngine
	transport *fakeTransport
	directory *fakeDirectory
	creds     *fakeCredentialsService
	records   *calllog.MemoryRepository
	observer  *recordingObserver
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		eng:       &fakeEngine{},
		transport: &fakeTransport{},
		directory: newFakeDirectory(),
		creds:     &fakeCredentialsService{creds: testCredentials()},
		records:   calllog.NewMemoryRepository(),
		observer:  &recordingObserver{},
	}
	h.orch = New(h.directory, h.transport, h.eng, h.creds, h.records, h.observer, opts)
	t.Cleanup(h.orch.Close)
	return h
}

// deliver injects an inbound signaling message the way the transport would.
func (h *harness) deliver(t *testing.T, callID uuid.UUID, owned, sender identity.Identity, msg signaling.Message) {
	t.Helper()
	env, err := signaling.Seal(callID, msg)
	if err != nil {
		t.Fatalf("sealing %s: %v", msg.Kind(), err)
	}
	h.transport.mu.Lock()
	handler := h.transport.handler
	h.transport.mu.Unlock()
	handler(&signaling.Delivery{
		Envelope:       *env,
		OwnedIdentity:  owned,
		SenderIdentity: sender,
		SenderDevice:   "device-1",
	})
}

// barrier waits until every task already queued on the loop has run.
func (h *harness) barrier() {
	h.orch.exec.run(func() {})
}

// queueLen reads the incoming call queue length on the loop.
func (h *harness) queueLen() int {
	var n int
	h.orch.exec.run(func() { n = len(h.orch.queue) })
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// wireSDP compresses an SDP body into its wire form.
func wireSDP(t *testing.T, sdType, body string) signaling.SessionDescription {
	t.Helper()
	sd, err := signaling.NewSessionDescription(sdType, body)
	if err != nil {
		t.Fatalf("NewSessionDescription: %v", err)
	}
	return sd
}
