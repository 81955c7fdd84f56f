package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/StanleyLabs/meshcall/model"
	"github.com/StanleyLabs/meshcall/storage/memory"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimeout = time.Second
)

var (
	ErrSocketExists = errors.New("socket id is already connected")
)

type socket struct {
	id   string
	name string
	tx   chan<- model.Message
}

// Hub tracks connected sockets and channel membership and fans signaling
// messages out between members of the same channel. It never inspects SDP
// or ICE payloads beyond routing.
type Hub struct {
	logger  zerolog.Logger
	store   *memory.Store
	mx      *sync.RWMutex
	sockets map[string]*socket

	// Coarse per-channel locks, held across a membership change and its
	// whole fan-out, so a concurrent join and part on the same channel
	// cannot announce a departure before the matching arrival. Entries
	// live for the process lifetime.
	cmx       *sync.Mutex
	chanLocks map[string]*sync.Mutex
}

func NewHub(store *memory.Store, logger *zerolog.Logger) *Hub {
	return &Hub{
		logger:    logger.With().Str("component", "hub").Logger(),
		store:     store,
		mx:        &sync.RWMutex{},
		sockets:   make(map[string]*socket),
		cmx:       &sync.Mutex{},
		chanLocks: make(map[string]*sync.Mutex),
	}
}

func (h *Hub) channelLock(channel string) *sync.Mutex {
	h.cmx.Lock()
	defer h.cmx.Unlock()
	lock, ok := h.chanLocks[channel]
	if !ok {
		lock = &sync.Mutex{}
		h.chanLocks[channel] = lock
	}
	return lock
}

// Connect registers a socket and starts dispatching its inbound messages.
// The dispatch loop runs until ctx is canceled; the transport layer must
// call Disconnect afterwards to run the part-from-every-channel cascade.
func (h *Hub) Connect(ctx context.Context, id string, wire model.Wire) error {
	h.mx.Lock()
	if _, ok := h.sockets[id]; ok {
		h.mx.Unlock()
		return ErrSocketExists
	}
	h.sockets[id] = &socket{id: id, tx: wire.TX}
	h.mx.Unlock()

	h.logger.Debug().Str("socketID", id).Msg("socket connected")
	go h.dispatch(ctx, id, wire.RX)
	return nil
}

// Disconnect parts the socket from every channel it joined, notifying the
// remaining members, and discards the socket record.
func (h *Hub) Disconnect(ctx context.Context, id string) {
	for _, channel := range h.store.Channels(id) {
		lock := h.channelLock(channel)
		lock.Lock()
		remaining, err := h.store.Part(channel, id)
		if err == nil {
			for _, member := range remaining {
				h.sendTo(ctx, member, model.Message{
					Type:   model.KindRemovePeer,
					PeerID: id,
				})
			}
		}
		lock.Unlock()
		h.logger.Debug().
			Str("socketID", id).
			Str("channel", channel).
			Msg("parted on disconnect")
	}

	h.mx.Lock()
	delete(h.sockets, id)
	h.mx.Unlock()
	h.logger.Debug().Str("socketID", id).Msg("socket disconnected")
}

// Occupancy reports current channel sizes.
func (h *Hub) Occupancy() map[string]int {
	return h.store.Occupancy()
}

func (h *Hub) dispatch(ctx context.Context, id string, rx <-chan model.Message) {
	logger := h.logger.With().Str("socketID", id).Logger()
DispatchLoop:
	for {
		select {
		case <-ctx.Done():
			break DispatchLoop
		case msg := <-rx:
			switch msg.Type {
			case model.KindJoin:
				h.join(ctx, id, msg.Channel)
			case model.KindPart:
				h.part(ctx, id, msg.Channel)
			case model.KindRelayICECandidate:
				h.relay(ctx, id, msg.PeerID, model.Message{
					Type:         model.KindICECandidate,
					ICECandidate: msg.ICECandidate,
				})
			case model.KindRelaySessionDescription:
				h.relay(ctx, id, msg.PeerID, model.Message{
					Type:               model.KindSessionDescription,
					SessionDescription: msg.SessionDescription,
				})
			case model.KindRelayName:
				h.setName(ctx, id, msg.Name)
			default:
				// One client's garbage must not affect the channel.
				logger.Debug().Str("type", msg.Type).Msg("unknown message kind dropped")
			}
		}
	}
}

// join adds the socket to a channel. Existing members learn about the
// newcomer with should_create_offer=false, while the newcomer is told to
// offer to each of them. The newcomer always being the offerer is what
// rules out a simultaneous double-offer between any pair.
func (h *Hub) join(ctx context.Context, id, channel string) {
	lock := h.channelLock(channel)
	lock.Lock()
	defer lock.Unlock()

	existing, err := h.store.Join(channel, id)
	if err != nil {
		h.logger.Debug().
			Str("socketID", id).
			Str("channel", channel).
			Err(err).
			Msg("join ignored")
		return
	}

	for _, member := range existing {
		h.sendTo(ctx, member, model.Message{
			Type:              model.KindAddPeer,
			PeerID:            id,
			ShouldCreateOffer: false,
		})
		h.sendTo(ctx, id, model.Message{
			Type:              model.KindAddPeer,
			PeerID:            member,
			ShouldCreateOffer: true,
		})
		// Late joiners see existing names immediately. The reverse is
		// deliberately not done: the newcomer stays nameless to the
		// channel until it broadcasts a name itself.
		if name := h.nameOf(member); name != "" {
			h.sendTo(ctx, id, model.Message{
				Type:   model.KindPeerName,
				PeerID: member,
				Name:   name,
			})
		}
	}

	h.logger.Debug().
		Str("socketID", id).
		Str("channel", channel).
		Int("existingMembers", len(existing)).
		Msg("socket joined channel")
}

// part removes the socket from a channel. Notification is symmetric: every
// remaining member learns the leaver is gone, and the leaver learns about
// every remaining member so it can tear down its own connection state.
func (h *Hub) part(ctx context.Context, id, channel string) {
	lock := h.channelLock(channel)
	lock.Lock()
	defer lock.Unlock()

	remaining, err := h.store.Part(channel, id)
	if err != nil {
		h.logger.Debug().
			Str("socketID", id).
			Str("channel", channel).
			Err(err).
			Msg("part ignored")
		return
	}

	for _, member := range remaining {
		h.sendTo(ctx, member, model.Message{
			Type:   model.KindRemovePeer,
			PeerID: id,
		})
		h.sendTo(ctx, id, model.Message{
			Type:   model.KindRemovePeer,
			PeerID: member,
		})
	}

	h.logger.Debug().
		Str("socketID", id).
		Str("channel", channel).
		Msg("socket parted channel")
}

// relay forwards a negotiation payload to a single peer, tagged with the
// sender's id. A missing target is routine: the peer may have disconnected
// between send and receipt.
func (h *Hub) relay(ctx context.Context, from, to string, msg model.Message) {
	h.mx.RLock()
	_, ok := h.sockets[to]
	h.mx.RUnlock()
	if !ok {
		h.logger.Debug().
			Str("from", from).
			Str("to", to).
			Str("type", msg.Type).
			Msg("relay target not connected, dropped")
		return
	}
	msg.PeerID = from
	h.sendTo(ctx, to, msg)
}

// setName stores the socket's display name (empty means unset) and fans the
// change out to every other member of every channel the socket is in, at
// most once per member.
func (h *Hub) setName(ctx context.Context, id, name string) {
	h.mx.Lock()
	sock, ok := h.sockets[id]
	if ok {
		sock.name = name
	}
	h.mx.Unlock()
	if !ok {
		return
	}

	notified := make(map[string]struct{})
	for _, channel := range h.store.Channels(id) {
		members, ok := h.store.Members(channel)
		if !ok {
			continue
		}
		for _, member := range members {
			if member == id {
				continue
			}
			if _, seen := notified[member]; seen {
				continue
			}
			notified[member] = struct{}{}
			h.sendTo(ctx, member, model.Message{
				Type:   model.KindPeerName,
				PeerID: id,
				Name:   name,
			})
		}
	}

	h.logger.Debug().
		Str("socketID", id).
		Str("name", name).
		Int("notified", len(notified)).
		Msg("display name updated")
}

func (h *Hub) nameOf(id string) string {
	h.mx.RLock()
	defer h.mx.RUnlock()
	if sock, ok := h.sockets[id]; ok {
		return sock.name
	}
	return ""
}

func (h *Hub) sendTo(ctx context.Context, id string, msg model.Message) {
	h.mx.RLock()
	sock, ok := h.sockets[id]
	h.mx.RUnlock()
	if !ok {
		h.logger.Debug().
			Str("dst", id).
			Str("type", msg.Type).
			Msg("cannot forward, dst not found")
		return
	}

	tCh := time.NewTimer(defaultFwdTimeout)
	select {
	case <-ctx.Done():
	case <-tCh.C:
		h.logger.Error().Str("dst", id).Msg("dead endpoint")
	case sock.tx <- msg:
	}
	tCh.Stop()
}
