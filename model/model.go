package model

// Message kinds sent by clients.
const (
	KindJoin                    = "join"
	KindPart                    = "part"
	KindRelayICECandidate       = "relayICECandidate"
	KindRelaySessionDescription = "relaySessionDescription"
	KindRelayName               = "relayName"
)

// Message kinds sent by the hub.
const (
	KindAddPeer            = "addPeer"
	KindRemovePeer         = "removePeer"
	KindICECandidate       = "iceCandidate"
	KindSessionDescription = "sessionDescription"
	KindPeerName           = "peerName"
)

// ICECandidate is a discovered network path proposed by one peer to another.
// Field names follow the browser's RTCIceCandidateInit shape.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// SessionDescription carries an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Message is the single envelope exchanged between clients and the hub.
// Type selects which payload fields are meaningful; SRC is assigned by the
// hub based on the websocket session and must never be trusted from clients.
type Message struct {
	Type string `json:"type"`
	SRC  string `json:"src,omitempty"`

	Channel            string              `json:"channel,omitempty"`
	PeerID             string              `json:"peer_id,omitempty"`
	ShouldCreateOffer  bool                `json:"should_create_offer,omitempty"`
	ICECandidate       *ICECandidate       `json:"ice_candidate,omitempty"`
	SessionDescription *SessionDescription `json:"session_description,omitempty"`
	Name               string              `json:"name,omitempty"`
}

// Wire is a per-socket channel pair. RX carries messages received from the
// client into the hub, TX carries hub messages out to the client.
type Wire struct {
	RX chan Message
	TX chan Message
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Message),
		TX: make(chan Message),
	}
}
