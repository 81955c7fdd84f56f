package peer

import (
	"sync"

	"github.com/StanleyLabs/meshcall/media"
	"github.com/pion/webrtc/v4"
)

// Role of this side in the SDP exchange for one peer pair. Assigned once at
// connection creation and never changed: the newcomer to a channel always
// offers to the members that were already there.
type Role int

const (
	RoleAnswerer Role = iota
	RoleOfferer
)

func (r Role) String() string {
	if r == RoleOfferer {
		return "offerer"
	}
	return "answerer"
}

// Phase is the explicit negotiation state of one connection. Inbound ICE
// candidates that arrive before the remote description are queued and
// flushed when the description lands, since the relay guarantees nothing
// about description-before-candidates ordering.
type Phase int

const (
	PhaseNew Phase = iota
	PhaseAwaitingRemote
	PhaseStable
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitingRemote:
		return "awaiting-remote"
	case PhaseStable:
		return "stable"
	}
	return "new"
}

// Connection is one direct media link to a remote peer.
type Connection struct {
	id   string
	role Role
	pc   *webrtc.PeerConnection

	mu        sync.Mutex
	phase     Phase
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	senders   map[media.Kind]*webrtc.RTPSender
}

func (c *Connection) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Connection) Role() Role {
	return c.role
}

func (c *Connection) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

// queueOrApply applies the candidate immediately when the remote description
// is already set, otherwise parks it until setRemoteApplied flushes.
func (c *Connection) queueOrApply(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	if !c.remoteSet {
		c.pending = append(c.pending, candidate)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.pc.AddICECandidate(candidate)
}

// setRemoteApplied marks the remote description as set and flushes the
// queued candidates in arrival order.
func (c *Connection) setRemoteApplied() []error {
	c.mu.Lock()
	c.remoteSet = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	var errs []error
	for _, candidate := range pending {
		if err := c.pc.AddICECandidate(candidate); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (c *Connection) sender(kind media.Kind) (*webrtc.RTPSender, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.senders[kind]
	return s, ok
}

func (c *Connection) close() error {
	return c.pc.Close()
}
