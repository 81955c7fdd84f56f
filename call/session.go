package call

import (
	"context"
	"errors"
	"sync"

	"github.com/StanleyLabs/meshcall/client"
	"github.com/StanleyLabs/meshcall/media"
	"github.com/StanleyLabs/meshcall/model"
	"github.com/StanleyLabs/meshcall/peer"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var (
	ErrMediaAcquisition = errors.New("unable to acquire local media")
	ErrNotInCall        = errors.New("no active call")
)

type Config struct {
	Logger      *zerolog.Logger
	HubURL      string
	Channel     string
	DisplayName string
	Constraints media.Constraints
	ICEServers  []webrtc.ICEServer
	Observer    Observer
}

// Session is one call attempt: it drives the lifecycle machine, owns the
// signaling client, the orchestrator and the local media source, and routes
// events between them. The UI talks only to Session and the machine's
// observer callback.
type Session struct {
	logger  zerolog.Logger
	machine *Machine

	hubURL      string
	channel     string
	displayName string
	constraints media.Constraints
	iceServers  []webrtc.ICEServer

	mx      sync.Mutex
	source  *media.Source
	cl      *client.Client
	orch    *peer.Orchestrator
	leaving bool

	teardownOnce sync.Once
}

func NewSession(cfg Config) *Session {
	return &Session{
		logger:      cfg.Logger.With().Str("component", "session").Logger(),
		machine:     NewMachine(cfg.Logger, cfg.Observer),
		hubURL:      cfg.HubURL,
		channel:     cfg.Channel,
		displayName: cfg.DisplayName,
		constraints: cfg.Constraints,
		iceServers:  cfg.ICEServers,
	}
}

// Run executes the call until the hub connection ends or Leave is called.
// Media acquisition failure is fatal to the attempt: no retry loop, the
// caller must start a fresh session.
func (s *Session) Run(ctx context.Context) error {
	source, err := media.Acquire(ctx, s.constraints, &s.logger)
	if err != nil {
		_ = s.machine.Fire(Event{Kind: EventMediaError, Err: err})
		return errors.Join(ErrMediaAcquisition, err)
	}
	s.setSource(source)
	_ = s.machine.Fire(Event{Kind: EventMediaAcquired})

	cl, err := client.Dial(ctx, s.hubURL, &s.logger)
	if err != nil {
		_ = s.machine.Fire(Event{Kind: EventHubDisconnected})
		source.Close()
		return err
	}

	orch := peer.NewOrchestrator(peer.Config{
		Logger:     &s.logger,
		Signaler:   cl,
		Events:     s,
		Source:     source,
		ICEServers: s.iceServers,
	})

	s.mx.Lock()
	s.cl = cl
	s.orch = orch
	s.mx.Unlock()

	_ = s.machine.Fire(Event{Kind: EventHubConnected})

	if err = cl.Join(s.channel); err != nil {
		s.teardown()
		_ = s.machine.Fire(Event{Kind: EventHubDisconnected})
		return err
	}
	if s.displayName != "" {
		if err = cl.SendName(s.displayName); err != nil {
			s.logger.Debug().Err(err).Msg("initial name broadcast failed")
		}
	}

	runErr := cl.Run(ctx, s)
	s.teardown()

	s.mx.Lock()
	left := s.leaving
	s.mx.Unlock()
	if !left {
		// Transport loss is an implicit full leave; callers reconnect
		// and rejoin from scratch.
		_ = s.machine.Fire(Event{Kind: EventHubDisconnected})
	}
	return runErr
}

// Leave ends the call from any state. Local tracks stop and every peer
// connection closes before Leave returns; the hub handles the part cascade
// for the remaining members once the socket drops.
func (s *Session) Leave() {
	s.mx.Lock()
	s.leaving = true
	s.mx.Unlock()
	_ = s.machine.Fire(Event{Kind: EventLeave})
	s.teardown()
}

func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.mx.Lock()
		orch, cl, source := s.orch, s.cl, s.source
		s.mx.Unlock()

		if orch != nil {
			orch.Close()
		}
		if source != nil {
			source.Close()
		}
		if cl != nil {
			cl.Close()
		}
		s.logger.Debug().Msg("session torn down")
	})
}

func (s *Session) State() State {
	return s.machine.State()
}

func (s *Session) Snapshot() Context {
	return s.machine.Snapshot()
}

// ToggleAudio flips the local audio mute flag. The track keeps flowing.
func (s *Session) ToggleAudio() {
	if s.machine.Fire(Event{Kind: EventToggleAudio}) != nil {
		return
	}
	if source := s.getSource(); source != nil {
		source.SetEnabled(media.KindAudio, !s.machine.Snapshot().AudioMuted)
	}
}

// ToggleVideo flips the local video mute flag.
func (s *Session) ToggleVideo() {
	if s.machine.Fire(Event{Kind: EventToggleVideo}) != nil {
		return
	}
	if source := s.getSource(); source != nil {
		source.SetEnabled(media.KindVideo, !s.machine.Snapshot().VideoMuted)
	}
}

// SetSpotlight magnifies one peer in the UI. Pure state, no network effect.
func (s *Session) SetSpotlight(peerID string) {
	_ = s.machine.Fire(Event{Kind: EventSpotlightChanged, PeerID: peerID})
}

// SetName broadcasts a new display name to every channel member.
func (s *Session) SetName(name string) error {
	s.mx.Lock()
	cl := s.cl
	s.mx.Unlock()
	if cl == nil {
		return ErrNotInCall
	}
	return cl.SendName(name)
}

// ReplaceTrack swaps a local track on the source and on every live
// connection without renegotiation, for mid-call device switching.
func (s *Session) ReplaceTrack(kind media.Kind, track *webrtc.TrackLocalStaticSample) error {
	s.mx.Lock()
	orch, source := s.orch, s.source
	s.mx.Unlock()
	if orch == nil || source == nil {
		return ErrNotInCall
	}
	if err := orch.ReplaceTrack(kind, track); err != nil {
		return err
	}
	source.Replace(kind, track)
	return nil
}

// client.Handler: hub events feed the orchestrator; the orchestrator's
// Events callbacks below feed the machine.

func (s *Session) HandleAddPeer(peerID string, shouldCreateOffer bool) {
	orch := s.getOrch()
	if orch == nil {
		return
	}
	orch.HandleAddPeer(peerID, shouldCreateOffer)
	if orch.Connection(peerID) == nil {
		// Connection setup failed (or the orchestrator is already closed);
		// a peer with no connection must not show up in the call context.
		return
	}
	_ = s.machine.Fire(Event{Kind: EventPeerAdded, PeerID: peerID, Name: orch.Name(peerID)})
}

func (s *Session) HandleRemovePeer(peerID string) {
	if orch := s.getOrch(); orch != nil {
		orch.HandleRemovePeer(peerID)
	}
}

func (s *Session) HandleICECandidate(peerID string, candidate model.ICECandidate) {
	if orch := s.getOrch(); orch != nil {
		orch.HandleICECandidate(peerID, candidate)
	}
}

func (s *Session) HandleSessionDescription(peerID string, sdp model.SessionDescription) {
	if orch := s.getOrch(); orch != nil {
		orch.HandleSessionDescription(peerID, sdp)
	}
}

func (s *Session) HandlePeerName(peerID, name string) {
	if orch := s.getOrch(); orch != nil {
		orch.HandlePeerName(peerID, name)
	}
}

// peer.Events

func (s *Session) PeerTrack(peerID string, track *webrtc.TrackRemote) {
	_ = s.machine.Fire(Event{Kind: EventPeerTrack, PeerID: peerID, Track: track})
}

func (s *Session) PeerRemoved(peerID string) {
	_ = s.machine.Fire(Event{Kind: EventPeerRemoved, PeerID: peerID})
}

func (s *Session) PeerName(peerID, name string) {
	_ = s.machine.Fire(Event{Kind: EventPeerNameChanged, PeerID: peerID, Name: name})
}

func (s *Session) setSource(source *media.Source) {
	s.mx.Lock()
	s.source = source
	s.mx.Unlock()
}

func (s *Session) getSource() *media.Source {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.source
}

func (s *Session) getOrch() *peer.Orchestrator {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.orch
}
