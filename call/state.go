package call

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidTransition = errors.New("event not valid in current state")
)

// State of one call attempt, from acquiring local media to a terminal end.
type State int

const (
	StateRequestingMedia State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateError
	StateLeft
)

func (s State) String() string {
	switch s {
	case StateRequestingMedia:
		return "requestingMedia"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	case StateLeft:
		return "left"
	}
	return "unknown"
}

func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateError || s == StateLeft
}

type EventKind int

const (
	EventMediaAcquired EventKind = iota
	EventMediaError
	EventHubConnected
	EventHubDisconnected
	EventLeave
	EventPeerAdded
	EventPeerTrack
	EventPeerRemoved
	EventPeerNameChanged
	EventSpotlightChanged
	EventToggleAudio
	EventToggleVideo
)

// Event is fed into the machine; payload fields are meaningful per kind.
type Event struct {
	Kind   EventKind
	PeerID string
	Name   string
	Track  *webrtc.TrackRemote
	Err    error
}

// Peer is a remote participant as the UI sees it.
type Peer struct {
	ID     string
	Name   string
	Tracks []*webrtc.TrackRemote
}

// Context is the typed payload the machine carries through its states. The
// UI layer observes snapshots of it, nothing here touches rendering.
type Context struct {
	Peers      map[string]*Peer
	AudioMuted bool
	VideoMuted bool
	Spotlight  string
	Err        error
}

// transitions is the full table. Events mapping a state onto itself are
// in-place context updates.
var transitions = map[State]map[EventKind]State{
	StateRequestingMedia: {
		EventMediaAcquired: StateConnecting,
		EventMediaError:    StateError,
		EventLeave:         StateLeft,
	},
	StateConnecting: {
		EventHubConnected:    StateConnected,
		EventHubDisconnected: StateDisconnected,
		EventLeave:           StateLeft,
	},
	StateConnected: {
		EventPeerAdded:        StateConnected,
		EventPeerTrack:        StateConnected,
		EventPeerRemoved:      StateConnected,
		EventPeerNameChanged:  StateConnected,
		EventSpotlightChanged: StateConnected,
		EventToggleAudio:      StateConnected,
		EventToggleVideo:      StateConnected,
		EventHubDisconnected:  StateDisconnected,
		EventLeave:            StateLeft,
	},
}

// Observer is called after every accepted event with the new state and a
// snapshot of the context. Calls arrive in the order events were applied.
// The callback must not call back into the machine.
type Observer func(State, Context)

// Machine is the room lifecycle state machine.
type Machine struct {
	logger   zerolog.Logger
	observer Observer

	mu    sync.Mutex
	state State
	ctx   Context

	// obsMu serializes observer calls. It is acquired while mu is still
	// held, so two concurrent Fires cannot deliver snapshots out of order.
	obsMu sync.Mutex
}

func NewMachine(logger *zerolog.Logger, observer Observer) *Machine {
	return &Machine{
		logger:   logger.With().Str("component", "call-state").Logger(),
		observer: observer,
		state:    StateRequestingMedia,
		ctx: Context{
			Peers: make(map[string]*Peer),
		},
	}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns a copy of the current context safe to hand to the UI.
func (m *Machine) Snapshot() Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Context {
	out := m.ctx
	out.Peers = make(map[string]*Peer, len(m.ctx.Peers))
	for id, p := range m.ctx.Peers {
		cp := *p
		cp.Tracks = append([]*webrtc.TrackRemote(nil), p.Tracks...)
		out.Peers[id] = &cp
	}
	return out
}

// Fire applies an event. Undefined state/event combinations return
// ErrInvalidTransition and change nothing.
func (m *Machine) Fire(ev Event) error {
	m.mu.Lock()

	next, ok := transitions[m.state][ev.Kind]
	if !ok {
		state := m.state
		m.mu.Unlock()
		m.logger.Debug().
			Str("state", state.String()).
			Int("event", int(ev.Kind)).
			Msg("event rejected")
		return ErrInvalidTransition
	}

	prev := m.state
	m.state = next
	m.apply(ev)
	snapshot := m.snapshotLocked()
	m.obsMu.Lock()
	m.mu.Unlock()

	if prev != next {
		m.logger.Debug().
			Str("from", prev.String()).
			Str("to", next.String()).
			Msg("state changed")
	}
	if m.observer != nil {
		m.observer(next, snapshot)
	}
	m.obsMu.Unlock()
	return nil
}

func (m *Machine) apply(ev Event) {
	switch ev.Kind {
	case EventMediaError:
		m.ctx.Err = ev.Err
	case EventPeerAdded:
		if _, ok := m.ctx.Peers[ev.PeerID]; !ok {
			m.ctx.Peers[ev.PeerID] = &Peer{ID: ev.PeerID, Name: ev.Name}
		}
	case EventPeerTrack:
		if p, ok := m.ctx.Peers[ev.PeerID]; ok {
			p.Tracks = append(p.Tracks, ev.Track)
		}
	case EventPeerRemoved:
		delete(m.ctx.Peers, ev.PeerID)
		if m.ctx.Spotlight == ev.PeerID {
			m.ctx.Spotlight = ""
		}
	case EventPeerNameChanged:
		// A name arriving before the peer's connection is kept by the
		// orchestrator and lands here via EventPeerAdded instead.
		if p, ok := m.ctx.Peers[ev.PeerID]; ok {
			p.Name = ev.Name
		}
	case EventSpotlightChanged:
		m.ctx.Spotlight = ev.PeerID
	case EventToggleAudio:
		m.ctx.AudioMuted = !m.ctx.AudioMuted
	case EventToggleVideo:
		m.ctx.VideoMuted = !m.ctx.VideoMuted
	}
}
