package call

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/StanleyLabs/meshcall/hub"
	"github.com/StanleyLabs/meshcall/media"
	"github.com/StanleyLabs/meshcall/model"
	"github.com/StanleyLabs/meshcall/peer"
	websocketServer "github.com/StanleyLabs/meshcall/server/websocket"
	"github.com/StanleyLabs/meshcall/storage/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startSignalingHub(t *testing.T) string {
	t.Helper()
	logger := zerolog.Nop()
	h := hub.NewHub(memory.NewStore(), &logger)
	srv := websocketServer.NewServer(websocketServer.Config{
		Logger:     &logger,
		Hub:        h,
		ListenAddr: ":0",
	})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal"
}

func startSession(ctx context.Context, t *testing.T, url, name string) (*Session, chan error) {
	t.Helper()
	logger := zerolog.Nop()
	s := NewSession(Config{
		Logger:      &logger,
		HubURL:      url,
		Channel:     "demo",
		DisplayName: name,
		Constraints: media.Constraints{Audio: true, Video: true},
	})
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return s, done
}

func waitPeers(t *testing.T, s *Session, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(s.Snapshot().Peers) == n
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSession_TwoPartyCallLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	url := startSignalingHub(t)

	alice, aliceDone := startSession(ctx, t, url, "alice")
	require.Eventually(t, func() bool {
		return alice.State() == StateConnected
	}, 5*time.Second, 20*time.Millisecond)

	bob, bobDone := startSession(ctx, t, url, "bob")
	waitPeers(t, alice, 1)
	waitPeers(t, bob, 1)

	// Late joiner catch-up: bob sees alice's name without alice resending.
	require.Eventually(t, func() bool {
		for _, p := range bob.Snapshot().Peers {
			if p.Name == "alice" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	bob.Leave()
	require.NoError(t, <-bobDone)
	assert.Equal(t, StateLeft, bob.State())

	waitPeers(t, alice, 0)
	assert.Equal(t, StateConnected, alice.State(), "one peer leaving never ends the call for the others")

	alice.Leave()
	require.NoError(t, <-aliceDone)
	assert.Equal(t, StateLeft, alice.State())
}

func TestSession_TogglesDriveLocalSource(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	url := startSignalingHub(t)

	s, done := startSession(ctx, t, url, "")
	require.Eventually(t, func() bool {
		return s.State() == StateConnected
	}, 5*time.Second, 20*time.Millisecond)

	s.ToggleAudio()
	assert.True(t, s.Snapshot().AudioMuted)
	s.ToggleAudio()
	assert.False(t, s.Snapshot().AudioMuted)

	s.Leave()
	require.NoError(t, <-done)
}

type nopSignaler struct{}

func (nopSignaler) SendICECandidate(string, model.ICECandidate) error { return nil }

func (nopSignaler) SendSessionDescription(string, model.SessionDescription) error { return nil }

func TestSession_FailedConnectionNeverBecomesAPeer(t *testing.T) {
	logger := zerolog.Nop()
	s := NewSession(Config{
		Logger:      &logger,
		HubURL:      "ws://localhost:1/signal",
		Channel:     "demo",
		Constraints: media.Constraints{Audio: true},
	})
	require.NoError(t, s.machine.Fire(Event{Kind: EventMediaAcquired}))
	require.NoError(t, s.machine.Fire(Event{Kind: EventHubConnected}))

	// A closed orchestrator cannot create connections, the same outcome as
	// a connection setup failure for the announced peer.
	orch := peer.NewOrchestrator(peer.Config{
		Logger:   &logger,
		Signaler: nopSignaler{},
		Events:   s,
	})
	orch.Close()
	s.mx.Lock()
	s.orch = orch
	s.mx.Unlock()

	s.HandleAddPeer("ghost", true)
	assert.Empty(t, s.Snapshot().Peers,
		"a peer without a connection must not appear in the call context")
	assert.Equal(t, StateConnected, s.State())
}

func TestSession_MediaFailureIsFatal(t *testing.T) {
	logger := zerolog.Nop()
	s := NewSession(Config{
		Logger:      &logger,
		HubURL:      "ws://localhost:1/signal",
		Channel:     "demo",
		Constraints: media.Constraints{}, // neither audio nor video
	})

	err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrMediaAcquisition)
	assert.Equal(t, StateError, s.State())
}
