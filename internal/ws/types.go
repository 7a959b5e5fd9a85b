package ws

import "encoding/json"

const (
	// client - server
	MsgPing       = "ping"
	MsgClaim      = "claim"
	MsgFlush      = "flush"
	MsgVisibility = "visibility"

	// server - client
	MsgReady       = "ready"
	MsgPong        = "pong"
	MsgPending     = "pending"
	MsgClaimResult = "claim_result"
	MsgFlushed     = "flushed"
	MsgError       = "error"
)

// Envelope is every frame on the wire.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type incoming struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
