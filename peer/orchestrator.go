package peer

import (
	"errors"
	"sync"

	"github.com/StanleyLabs/meshcall/media"
	"github.com/StanleyLabs/meshcall/model"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var (
	ErrCreateConnection = errors.New("unable to create peer connection")
	ErrNegotiation      = errors.New("negotiation failed")
	ErrNoSender         = errors.New("connection has no sender of this kind")
)

type (
	// Signaler sends negotiation payloads to a remote peer through the hub.
	Signaler interface {
		SendICECandidate(peerID string, candidate model.ICECandidate) error
		SendSessionDescription(peerID string, sdp model.SessionDescription) error
	}

	// Events surfaces orchestrator output to the lifecycle layer.
	Events interface {
		PeerTrack(peerID string, track *webrtc.TrackRemote)
		PeerRemoved(peerID string)
		PeerName(peerID string, name string)
	}

	Config struct {
		Logger     *zerolog.Logger
		Signaler   Signaler
		Events     Events
		Source     *media.Source
		ICEServers []webrtc.ICEServer
	}

	// Orchestrator owns one Connection per remote peer and drives each of
	// them through negotiation based on hub events. One peer's negotiation
	// failure never affects the other connections.
	Orchestrator struct {
		logger   zerolog.Logger
		signaler Signaler
		events   Events
		source   *media.Source
		rtcCfg   webrtc.Configuration

		mx     sync.Mutex
		closed bool
		peers  map[string]*Connection
		names  map[string]string
	}
)

func NewOrchestrator(cfg Config) *Orchestrator {
	return &Orchestrator{
		logger:   cfg.Logger.With().Str("component", "orchestrator").Logger(),
		signaler: cfg.Signaler,
		events:   cfg.Events,
		source:   cfg.Source,
		rtcCfg:   webrtc.Configuration{ICEServers: cfg.ICEServers},
		peers:    make(map[string]*Connection),
		names:    make(map[string]string),
	}
}

// HandleAddPeer creates the connection for a newly announced peer and, when
// this side is designated offerer, starts negotiation. A duplicate
// announcement is ignored.
func (o *Orchestrator) HandleAddPeer(peerID string, shouldCreateOffer bool) {
	o.mx.Lock()
	if o.closed {
		o.mx.Unlock()
		return
	}
	if _, ok := o.peers[peerID]; ok {
		o.mx.Unlock()
		o.logger.Debug().Str("peerID", peerID).Msg("duplicate peer announcement ignored")
		return
	}

	conn, err := o.newConnection(peerID, shouldCreateOffer)
	if err != nil {
		o.mx.Unlock()
		o.logger.Error().Err(err).Str("peerID", peerID).Msg("failed to create connection")
		return
	}
	o.peers[peerID] = conn
	o.mx.Unlock()

	o.logger.Debug().
		Str("peerID", peerID).
		Str("role", conn.role.String()).
		Msg("peer connection created")

	if shouldCreateOffer {
		if err = o.sendOffer(conn); err != nil {
			o.logger.Error().Err(err).Str("peerID", peerID).Msg("offer failed")
		}
	}
}

// HandleSessionDescription applies a remote offer or answer. A description
// for an unknown peer means the peer already departed and is dropped.
func (o *Orchestrator) HandleSessionDescription(peerID string, sdp model.SessionDescription) {
	conn := o.connection(peerID)
	if conn == nil {
		o.logger.Debug().Str("peerID", peerID).Msg("description for unknown peer dropped")
		return
	}

	desc := webrtc.SessionDescription{
		Type: webrtc.NewSDPType(sdp.Type),
		SDP:  sdp.SDP,
	}
	if err := conn.pc.SetRemoteDescription(desc); err != nil {
		o.logger.Error().Err(err).Str("peerID", peerID).Msg("failed to set remote description")
		return
	}
	for _, err := range conn.setRemoteApplied() {
		o.logger.Error().Err(err).Str("peerID", peerID).Msg("queued candidate rejected")
	}

	if desc.Type == webrtc.SDPTypeOffer {
		if err := o.sendAnswer(conn); err != nil {
			o.logger.Error().Err(err).Str("peerID", peerID).Msg("answer failed")
			return
		}
	}
	conn.setPhase(PhaseStable)
	o.logger.Debug().
		Str("peerID", peerID).
		Str("type", sdp.Type).
		Msg("remote description applied")
}

// HandleICECandidate applies or queues a relayed candidate. Candidates for
// unknown peers are an expected race with departure and are dropped.
func (o *Orchestrator) HandleICECandidate(peerID string, candidate model.ICECandidate) {
	conn := o.connection(peerID)
	if conn == nil {
		o.logger.Debug().Str("peerID", peerID).Msg("candidate for unknown peer dropped")
		return
	}
	err := conn.queueOrApply(webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	})
	if err != nil {
		o.logger.Error().Err(err).Str("peerID", peerID).Msg("failed to add candidate")
	}
}

// HandleRemovePeer closes and discards the connection for a departed peer.
func (o *Orchestrator) HandleRemovePeer(peerID string) {
	o.mx.Lock()
	conn, ok := o.peers[peerID]
	delete(o.peers, peerID)
	delete(o.names, peerID)
	o.mx.Unlock()

	if !ok {
		return
	}
	if err := conn.close(); err != nil {
		o.logger.Debug().Err(err).Str("peerID", peerID).Msg("connection close")
	}
	o.events.PeerRemoved(peerID)
	o.logger.Debug().Str("peerID", peerID).Msg("peer connection removed")
}

// HandlePeerName records a display name. The name is kept even when no
// connection exists yet, so late-binding names from the join catch-up list
// are available once the connection is created.
func (o *Orchestrator) HandlePeerName(peerID, name string) {
	o.mx.Lock()
	if o.closed {
		o.mx.Unlock()
		return
	}
	o.names[peerID] = name
	o.mx.Unlock()
	o.events.PeerName(peerID, name)
}

// Name returns the last known display name for a peer.
func (o *Orchestrator) Name(peerID string) string {
	o.mx.Lock()
	defer o.mx.Unlock()
	return o.names[peerID]
}

// ReplaceTrack swaps the outgoing track of a kind on every connection in
// place. This is a transport-level substitution: no new offer/answer round
// happens, which is what makes mid-call device switching cheap.
func (o *Orchestrator) ReplaceTrack(kind media.Kind, track webrtc.TrackLocal) error {
	o.mx.Lock()
	conns := make([]*Connection, 0, len(o.peers))
	for _, conn := range o.peers {
		conns = append(conns, conn)
	}
	o.mx.Unlock()

	var errs []error
	for _, conn := range conns {
		sender, ok := conn.sender(kind)
		if !ok {
			errs = append(errs, errors.Join(ErrNoSender, errors.New(conn.id)))
			continue
		}
		if err := sender.ReplaceTrack(track); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Connections reports the number of live peer connections.
func (o *Orchestrator) Connections() int {
	o.mx.Lock()
	defer o.mx.Unlock()
	return len(o.peers)
}

// Connection returns the live connection for a peer, or nil.
func (o *Orchestrator) Connection(peerID string) *Connection {
	return o.connection(peerID)
}

// Close tears down every connection and drops all peer state. Negotiation
// callbacks that resolve afterwards find their connection discarded and
// turn into no-ops.
func (o *Orchestrator) Close() {
	o.mx.Lock()
	if o.closed {
		o.mx.Unlock()
		return
	}
	o.closed = true
	conns := o.peers
	o.peers = make(map[string]*Connection)
	o.names = make(map[string]string)
	o.mx.Unlock()

	for id, conn := range conns {
		if err := conn.close(); err != nil {
			o.logger.Debug().Err(err).Str("peerID", id).Msg("connection close")
		}
	}
	o.logger.Debug().Int("closed", len(conns)).Msg("orchestrator closed")
}

func (o *Orchestrator) connection(peerID string) *Connection {
	o.mx.Lock()
	defer o.mx.Unlock()
	return o.peers[peerID]
}

// current reports whether conn is still the registered connection for its
// peer. Async pion callbacks use it to avoid acting on a stale connection
// after removal or teardown.
func (o *Orchestrator) current(conn *Connection) bool {
	o.mx.Lock()
	defer o.mx.Unlock()
	return o.peers[conn.id] == conn
}

func (o *Orchestrator) newConnection(peerID string, shouldCreateOffer bool) (*Connection, error) {
	pc, err := webrtc.NewPeerConnection(o.rtcCfg)
	if err != nil {
		return nil, errors.Join(ErrCreateConnection, err)
	}

	conn := &Connection{
		id:      peerID,
		role:    RoleAnswerer,
		pc:      pc,
		senders: make(map[media.Kind]*webrtc.RTPSender),
	}
	if shouldCreateOffer {
		conn.role = RoleOfferer
	}

	// Local tracks are shared by reference across all connections.
	for kind, track := range o.source.Tracks() {
		sender, tErr := pc.AddTrack(track)
		if tErr != nil {
			_ = pc.Close()
			return nil, errors.Join(ErrCreateConnection, tErr)
		}
		conn.senders[kind] = sender
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil || !o.current(conn) {
			return
		}
		init := candidate.ToJSON()
		err := o.signaler.SendICECandidate(peerID, model.ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
		if err != nil {
			o.logger.Debug().Err(err).Str("peerID", peerID).Msg("candidate send failed")
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if !o.current(conn) {
			return
		}
		o.logger.Debug().
			Str("peerID", peerID).
			Str("kind", track.Kind().String()).
			Msg("remote track arrived")
		o.events.PeerTrack(peerID, track)
	})

	return conn, nil
}

func (o *Orchestrator) sendOffer(conn *Connection) error {
	offer, err := conn.pc.CreateOffer(nil)
	if err != nil {
		return errors.Join(ErrNegotiation, err)
	}
	if err = conn.pc.SetLocalDescription(offer); err != nil {
		return errors.Join(ErrNegotiation, err)
	}
	conn.setPhase(PhaseAwaitingRemote)
	return o.signaler.SendSessionDescription(conn.id, model.SessionDescription{
		Type: offer.Type.String(),
		SDP:  offer.SDP,
	})
}

func (o *Orchestrator) sendAnswer(conn *Connection) error {
	answer, err := conn.pc.CreateAnswer(nil)
	if err != nil {
		return errors.Join(ErrNegotiation, err)
	}
	if err = conn.pc.SetLocalDescription(answer); err != nil {
		return errors.Join(ErrNegotiation, err)
	}
	return o.signaler.SendSessionDescription(conn.id, model.SessionDescription{
		Type: answer.Type.String(),
		SDP:  answer.SDP,
	})
}
