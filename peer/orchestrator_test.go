package peer

import (
	"context"
	"sync"
	"testing"

	"github.com/StanleyLabs/meshcall/media"
	"github.com/StanleyLabs/meshcall/model"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSignaler struct {
	mu           sync.Mutex
	candidates   []model.ICECandidate
	descriptions map[string][]model.SessionDescription
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{descriptions: make(map[string][]model.SessionDescription)}
}

func (f *fakeSignaler) SendICECandidate(_ string, candidate model.ICECandidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, candidate)
	return nil
}

func (f *fakeSignaler) SendSessionDescription(peerID string, sdp model.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.descriptions[peerID] = append(f.descriptions[peerID], sdp)
	return nil
}

func (f *fakeSignaler) descriptionsFor(peerID string) []model.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.SessionDescription(nil), f.descriptions[peerID]...)
}

func (f *fakeSignaler) totalDescriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, d := range f.descriptions {
		n += len(d)
	}
	return n
}

type fakeEvents struct {
	mu      sync.Mutex
	removed []string
	names   map[string]string
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{names: make(map[string]string)}
}

func (f *fakeEvents) PeerTrack(string, *webrtc.TrackRemote) {}

func (f *fakeEvents) PeerRemoved(peerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, peerID)
}

func (f *fakeEvents) PeerName(peerID, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names[peerID] = name
}

func (f *fakeEvents) removedPeers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeSignaler, *fakeEvents) {
	t.Helper()
	logger := zerolog.Nop()
	source, err := media.Acquire(context.Background(), media.Constraints{Audio: true, Video: true}, &logger)
	require.NoError(t, err)
	t.Cleanup(source.Close)

	signaler := newFakeSignaler()
	events := newFakeEvents()
	o := NewOrchestrator(Config{
		Logger:   &logger,
		Signaler: signaler,
		Events:   events,
		Source:   source,
	})
	t.Cleanup(o.Close)
	return o, signaler, events
}

// remoteOffer builds a real offer the way a remote mesh member would.
func remoteOffer(t *testing.T) model.SessionDescription {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio)
	require.NoError(t, err)
	_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo)
	require.NoError(t, err)

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalDescription(offer))
	return model.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}
}

func hostCandidate() model.ICECandidate {
	mid := "0"
	idx := uint16(0)
	return model.ICECandidate{
		Candidate:     "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}

func TestOrchestrator_OffererSendsOffer(t *testing.T) {
	o, signaler, _ := newTestOrchestrator(t)

	o.HandleAddPeer("remote", true)

	conn := o.Connection("remote")
	require.NotNil(t, conn)
	assert.Equal(t, RoleOfferer, conn.Role())
	assert.Equal(t, PhaseAwaitingRemote, conn.Phase())

	descs := signaler.descriptionsFor("remote")
	require.Len(t, descs, 1)
	assert.Equal(t, "offer", descs[0].Type)
	assert.NotEmpty(t, descs[0].SDP)
}

func TestOrchestrator_DuplicateAnnouncementIgnored(t *testing.T) {
	o, signaler, _ := newTestOrchestrator(t)

	o.HandleAddPeer("remote", true)
	first := o.Connection("remote")
	o.HandleAddPeer("remote", true)

	assert.Equal(t, 1, o.Connections())
	assert.Same(t, first, o.Connection("remote"), "existing connection must survive a duplicate announcement")
	assert.Len(t, signaler.descriptionsFor("remote"), 1)
}

func TestOrchestrator_AnswererRespondsToOffer(t *testing.T) {
	o, signaler, _ := newTestOrchestrator(t)

	o.HandleAddPeer("remote", false)
	conn := o.Connection("remote")
	require.NotNil(t, conn)
	assert.Equal(t, RoleAnswerer, conn.Role())
	assert.Empty(t, signaler.descriptionsFor("remote"), "answerer never offers")

	o.HandleSessionDescription("remote", remoteOffer(t))

	descs := signaler.descriptionsFor("remote")
	require.Len(t, descs, 1)
	assert.Equal(t, "answer", descs[0].Type)
	assert.Equal(t, PhaseStable, conn.Phase())
}

func TestOrchestrator_CandidatesQueuedUntilRemoteDescription(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)

	o.HandleAddPeer("remote", false)
	conn := o.Connection("remote")
	require.NotNil(t, conn)

	o.HandleICECandidate("remote", hostCandidate())
	o.HandleICECandidate("remote", hostCandidate())

	conn.mu.Lock()
	queued := len(conn.pending)
	conn.mu.Unlock()
	assert.Equal(t, 2, queued, "candidates before the remote description are parked")

	o.HandleSessionDescription("remote", remoteOffer(t))

	conn.mu.Lock()
	queued = len(conn.pending)
	remoteSet := conn.remoteSet
	conn.mu.Unlock()
	assert.Zero(t, queued, "queue is flushed once the description lands")
	assert.True(t, remoteSet)

	// Candidates after the description apply directly, nothing re-queues.
	o.HandleICECandidate("remote", hostCandidate())
	conn.mu.Lock()
	queued = len(conn.pending)
	conn.mu.Unlock()
	assert.Zero(t, queued)
}

func TestOrchestrator_MessagesForUnknownPeerDropped(t *testing.T) {
	o, signaler, _ := newTestOrchestrator(t)

	o.HandleICECandidate("ghost", hostCandidate())
	o.HandleSessionDescription("ghost", model.SessionDescription{Type: "offer", SDP: "v=0"})

	assert.Zero(t, o.Connections(), "no dangling connection object is created")
	assert.Zero(t, signaler.totalDescriptions())
}

func TestOrchestrator_RemovePeer(t *testing.T) {
	o, _, events := newTestOrchestrator(t)

	o.HandleAddPeer("remote", true)
	require.Equal(t, 1, o.Connections())

	o.HandleRemovePeer("remote")
	assert.Zero(t, o.Connections())
	assert.Equal(t, []string{"remote"}, events.removedPeers())

	// Removing again is a no-op, no double notification.
	o.HandleRemovePeer("remote")
	assert.Equal(t, []string{"remote"}, events.removedPeers())
}

func TestOrchestrator_LateBindingNames(t *testing.T) {
	o, _, events := newTestOrchestrator(t)

	// Name arrives before any connection exists for the peer.
	o.HandlePeerName("remote", "carol")
	assert.Equal(t, "carol", o.Name("remote"))
	assert.Equal(t, "carol", events.names["remote"])

	o.HandleAddPeer("remote", true)
	assert.Equal(t, "carol", o.Name("remote"), "name recorded before the connection is still available")
}

func TestOrchestrator_ReplaceTrackDoesNotRenegotiate(t *testing.T) {
	o, signaler, _ := newTestOrchestrator(t)

	o.HandleAddPeer("r1", true)
	o.HandleAddPeer("r2", true)
	require.Equal(t, 2, o.Connections())
	sdpBefore := signaler.totalDescriptions()

	replacement, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", "switched-camera")
	require.NoError(t, err)

	require.NoError(t, o.ReplaceTrack(media.KindVideo, replacement))

	assert.Equal(t, 2, o.Connections(), "swap must not change the number of connections")
	assert.Equal(t, sdpBefore, signaler.totalDescriptions(), "swap must not trigger a new offer/answer round")
}

func TestOrchestrator_CloseDiscardsEverything(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)

	o.HandleAddPeer("r1", true)
	o.HandleAddPeer("r2", false)
	require.Equal(t, 2, o.Connections())

	o.Close()
	assert.Zero(t, o.Connections())

	// Late events against a closed orchestrator are no-ops.
	o.HandleAddPeer("r3", true)
	assert.Zero(t, o.Connections())
	o.HandlePeerName("r3", "dave")
	assert.Empty(t, o.Name("r3"))
}
