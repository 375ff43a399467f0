package app

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/varkas/meshroom/internal/core"
	"github.com/varkas/meshroom/internal/domain"
)

// fakeSignal records published events and lets tests inject inbound ones.
type fakeSignal struct {
	mu       sync.Mutex
	handlers map[string]func(json.RawMessage)
	events   []publishedEvent
	pubErr   error
}

type publishedEvent struct {
	event   string
	payload []byte
}

func newFakeSignal() *fakeSignal {
	return &fakeSignal{handlers: make(map[string]func(json.RawMessage))}
}

func (f *fakeSignal) Publish(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pubErr != nil {
		return f.pubErr
	}
	f.events = append(f.events, publishedEvent{event: event, payload: data})
	return nil
}

func (f *fakeSignal) Subscribe(event string, handler func(json.RawMessage)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = handler
}

func (f *fakeSignal) Close() {}

// emit delivers one inbound event the way the websocket adapter would.
func (f *fakeSignal) emit(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", event, err)
	}
	f.emitRaw(t, event, data)
}

func (f *fakeSignal) emitRaw(t *testing.T, event string, data []byte) {
	t.Helper()
	f.mu.Lock()
	handler := f.handlers[event]
	f.mu.Unlock()
	if handler == nil {
		t.Fatalf("no handler subscribed for %s", event)
	}
	handler(data)
}

func (f *fakeSignal) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.event == event {
			n++
		}
	}
	return n
}

// published returns decoded payloads of every occurrence of event.
func (f *fakeSignal) published(t *testing.T, event string) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, e := range f.events {
		if e.event != event {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(e.payload, &m); err != nil {
			t.Fatalf("decode %s payload: %v", event, err)
		}
		out = append(out, m)
	}
	return out
}

// fakeTransport is an in-memory MediaTransport with settable states and
// optional blocking on ApplyOfferCreateAnswer.
type fakeTransport struct {
	mu   sync.Mutex
	peer domain.PeerID

	connState webrtc.PeerConnectionState
	iceState  webrtc.ICEConnectionState
	closed    bool

	offerErr      error
	applyOfferErr error
	answerErr     error

	offersCreated    int
	restartOffers    int
	applyOfferCalls  int
	appliedAnswers   int
	candidates       []webrtc.ICECandidateInit
	applyOfferEnter  chan struct{}
	applyOfferResume chan struct{}

	onCandidate func(webrtc.ICECandidateInit)
	onICEState  func(webrtc.ICEConnectionState)
	onTrack     func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

func newFakeTransport(peer domain.PeerID) *fakeTransport {
	return &fakeTransport{
		peer:      peer,
		connState: webrtc.PeerConnectionStateNew,
		iceState:  webrtc.ICEConnectionStateNew,
	}
}

func (ft *fakeTransport) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.offerErr != nil {
		return webrtc.SessionDescription{}, ft.offerErr
	}
	ft.offersCreated++
	if iceRestart {
		ft.restartOffers++
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 test offer"}, nil
}

func (ft *fakeTransport) ApplyOfferCreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	ft.mu.Lock()
	ft.applyOfferCalls++
	enter, resume := ft.applyOfferEnter, ft.applyOfferResume
	err := ft.applyOfferErr
	ft.mu.Unlock()

	if enter != nil {
		close(enter)
		ft.mu.Lock()
		ft.applyOfferEnter = nil
		ft.mu.Unlock()
	}
	if resume != nil {
		<-resume
	}
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 test answer"}, nil
}

func (ft *fakeTransport) ApplyAnswer(answer webrtc.SessionDescription) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.answerErr != nil {
		return ft.answerErr
	}
	ft.appliedAnswers++
	return nil
}

func (ft *fakeTransport) AddICECandidate(ci webrtc.ICECandidateInit) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.candidates = append(ft.candidates, ci)
	return nil
}

func (ft *fakeTransport) AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return nil, nil
}

func (ft *fakeTransport) ConnectionState() webrtc.PeerConnectionState {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.connState
}

func (ft *fakeTransport) ICEConnectionState() webrtc.ICEConnectionState {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.iceState
}

func (ft *fakeTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.onCandidate = fn
}

func (ft *fakeTransport) OnICEStateChange(fn func(webrtc.ICEConnectionState)) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.onICEState = fn
}

func (ft *fakeTransport) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.onTrack = fn
}

func (ft *fakeTransport) Close() {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.closed = true
	ft.connState = webrtc.PeerConnectionStateClosed
	ft.iceState = webrtc.ICEConnectionStateClosed
}

func (ft *fakeTransport) IsClosed() bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.closed
}

// setStates overrides both health signals without firing the callback.
func (ft *fakeTransport) setStates(cs webrtc.PeerConnectionState, is webrtc.ICEConnectionState) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.connState = cs
	ft.iceState = is
}

// fireICE transitions the ICE state and invokes the registered callback, the
// way pion delivers state changes.
func (ft *fakeTransport) fireICE(state webrtc.ICEConnectionState) {
	ft.mu.Lock()
	ft.iceState = state
	fn := ft.onICEState
	ft.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (ft *fakeTransport) candidateCount() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.candidates)
}

func (ft *fakeTransport) stats() (offers, restarts, applyOffers, answers int) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.offersCreated, ft.restartOffers, ft.applyOfferCalls, ft.appliedAnswers
}

// fakeFactory creates fakeTransports and remembers every one per peer.
type fakeFactory struct {
	mu        sync.Mutex
	created   map[domain.PeerID][]*fakeTransport
	err       error
	configure func(*fakeTransport)
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{created: make(map[domain.PeerID][]*fakeTransport)}
}

func (f *fakeFactory) make(peer domain.PeerID) (core.MediaTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	ft := newFakeTransport(peer)
	if f.configure != nil {
		f.configure(ft)
	}
	f.created[peer] = append(f.created[peer], ft)
	return ft, nil
}

// transport returns the most recent transport created for peer.
func (f *fakeFactory) transport(t *testing.T, peer domain.PeerID) *fakeTransport {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.created[peer]
	if len(list) == 0 {
		t.Fatalf("no transport created for %s", peer)
	}
	return list[len(list)-1]
}

func (f *fakeFactory) createdFor(peer domain.PeerID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created[peer])
}

func (f *fakeFactory) totalCreated() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, list := range f.created {
		n += len(list)
	}
	return n
}

// fakeBridge counts per-peer release notifications.
type fakeBridge struct {
	mu     sync.Mutex
	closed map[domain.PeerID]int
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{closed: make(map[domain.PeerID]int)}
}

func (b *fakeBridge) LocalTracks() []webrtc.TrackLocal { return nil }
func (b *fakeBridge) ScreenSharing() bool              { return false }
func (b *fakeBridge) OnRemoteTrack(domain.PeerID, *webrtc.TrackRemote, *webrtc.RTPReceiver) {
}

func (b *fakeBridge) OnPeerClosed(peer domain.PeerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed[peer]++
}

func (b *fakeBridge) closedCount(peer domain.PeerID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed[peer]
}

// fakeNotifier counts terminal failures per peer and records join rejections.
type fakeNotifier struct {
	mu          sync.Mutex
	unreachable map[domain.PeerID]int
	rejections  []string
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{unreachable: make(map[domain.PeerID]int)}
}

func (n *fakeNotifier) PeerUnreachable(p domain.Participant) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unreachable[p.ID]++
}

func (n *fakeNotifier) JoinRejected(code, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rejections = append(n.rejections, code)
}

func (n *fakeNotifier) unreachableCount(peer domain.PeerID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.unreachable[peer]
}

func (n *fakeNotifier) rejectionCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.rejections)
}

// testOptions are tight timings so asynchronous paths settle fast.
func testOptions() Options {
	return Options{
		StaggerDelay:         time.Millisecond,
		ReconcileInterval:    time.Hour, // tests drive Reconcile directly
		ConfirmInterval:      20 * time.Millisecond,
		PendingOfferTTL:      40 * time.Millisecond,
		DisconnectRetryDelay: 5 * time.Millisecond,
		BackoffBase:          5 * time.Millisecond,
		MaxRetries:           2,
	}
}

func newTestOrchestrator(t *testing.T, opts Options) (*Orchestrator, *fakeSignal, *fakeFactory, *fakeNotifier) {
	t.Helper()
	sig := newFakeSignal()
	factory := newFakeFactory()
	notify := newFakeNotifier()
	o := New(sig, nil, notify, factory.make, opts)
	t.Cleanup(o.Close)
	return o, sig, factory, notify
}

func joinTestRoom(t *testing.T, o *Orchestrator) {
	t.Helper()
	err := o.JoinRoom(JoinParams{
		RoomID:      "room-1",
		SelfID:      "self",
		DisplayName: "tester",
	})
	if err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// sessionState reads one session's DTO, failing if the peer has none.
func sessionState(t *testing.T, o *Orchestrator, peer domain.PeerID) core.SessionDTO {
	t.Helper()
	for _, dto := range o.SessionsSnapshot() {
		if dto.Peer == peer {
			return dto
		}
	}
	t.Fatalf("no session registered for %s", peer)
	return core.SessionDTO{}
}

func hasSession(o *Orchestrator, peer domain.PeerID) bool {
	for _, dto := range o.SessionsSnapshot() {
		if dto.Peer == peer {
			return true
		}
	}
	return false
}
