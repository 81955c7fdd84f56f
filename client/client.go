package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/StanleyLabs/meshcall/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultHandshakeTimeout = 3 * time.Second
	defaultWriteDeadline    = 5 * time.Second
	defaultCloseDeadline    = 2 * time.Second
)

var (
	ErrDial   = errors.New("unable to connect to signaling hub")
	ErrClosed = errors.New("signaling connection is closed")
)

// Handler consumes hub-originated signaling events. All methods are invoked
// sequentially from the client's read loop.
type Handler interface {
	HandleAddPeer(peerID string, shouldCreateOffer bool)
	HandleRemovePeer(peerID string)
	HandleICECandidate(peerID string, candidate model.ICECandidate)
	HandleSessionDescription(peerID string, sdp model.SessionDescription)
	HandlePeerName(peerID string, name string)
}

// Client is one persistent signaling connection to the hub. A lost
// connection is equivalent to having left every channel: there is no
// resumption, callers must dial and join again.
type Client struct {
	logger zerolog.Logger
	conn   *websocket.Conn
	wmx    sync.Mutex
	closed atomic.Bool
}

func Dial(ctx context.Context, hubURL string, logger *zerolog.Logger) (*Client, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: defaultHandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, hubURL, nil)
	if err != nil {
		return nil, errors.Join(ErrDial, err)
	}
	if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
		_ = conn.Close()
		return nil, ErrDial
	}
	return &Client{
		logger: logger.With().Str("component", "signaling-client").Logger(),
		conn:   conn,
	}, nil
}

// Run reads hub messages and dispatches them to the handler until the
// connection drops, Close is called, or ctx is canceled. Cancellation closes
// the connection, which is what unblocks the pending read. The returned
// error is nil on any locally initiated end.
func (c *Client) Run(ctx context.Context, handler Handler) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-done:
		}
	}()

	for {
		var msg model.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if c.closed.Load() || ctx.Err() != nil ||
				websocket.IsCloseError(err,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
				return nil
			}
			return errors.Join(ErrClosed, err)
		}
		c.dispatch(msg, handler)
	}
}

func (c *Client) dispatch(msg model.Message, handler Handler) {
	switch msg.Type {
	case model.KindAddPeer:
		handler.HandleAddPeer(msg.PeerID, msg.ShouldCreateOffer)
	case model.KindRemovePeer:
		handler.HandleRemovePeer(msg.PeerID)
	case model.KindICECandidate:
		if msg.ICECandidate == nil {
			c.logger.Debug().Str("peerID", msg.PeerID).Msg("candidate message without payload dropped")
			return
		}
		handler.HandleICECandidate(msg.PeerID, *msg.ICECandidate)
	case model.KindSessionDescription:
		if msg.SessionDescription == nil {
			c.logger.Debug().Str("peerID", msg.PeerID).Msg("description message without payload dropped")
			return
		}
		handler.HandleSessionDescription(msg.PeerID, *msg.SessionDescription)
	case model.KindPeerName:
		handler.HandlePeerName(msg.PeerID, msg.Name)
	default:
		c.logger.Debug().Str("type", msg.Type).Msg("unknown message kind dropped")
	}
}

func (c *Client) Join(channel string) error {
	return c.send(model.Message{Type: model.KindJoin, Channel: channel})
}

func (c *Client) Part(channel string) error {
	return c.send(model.Message{Type: model.KindPart, Channel: channel})
}

func (c *Client) SendName(name string) error {
	return c.send(model.Message{Type: model.KindRelayName, Name: name})
}

func (c *Client) SendICECandidate(peerID string, candidate model.ICECandidate) error {
	return c.send(model.Message{
		Type:         model.KindRelayICECandidate,
		PeerID:       peerID,
		ICECandidate: &candidate,
	})
}

func (c *Client) SendSessionDescription(peerID string, sdp model.SessionDescription) error {
	return c.send(model.Message{
		Type:               model.KindRelaySessionDescription,
		PeerID:             peerID,
		SessionDescription: &sdp,
	})
}

func (c *Client) send(msg model.Message) error {
	c.wmx.Lock()
	defer c.wmx.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
		return errors.Join(ErrClosed, err)
	}
	return c.conn.WriteJSON(&msg)
}

// Close performs a best-effort close handshake and closes the connection.
func (c *Client) Close() {
	c.closed.Store(true)
	c.wmx.Lock()
	defer c.wmx.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(defaultCloseDeadline)); err == nil {
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	if err := c.conn.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("connection close")
	}
}
