package bidstream

import "encoding/json"

// Frame types exchanged with the relay
const (
	FrameJoin      = "join"
	FrameLeave     = "leave"
	FrameBid       = "bid"
	FrameJoined    = "joined"
	FrameLeft      = "left"
	FrameConnected = "connected"
	FrameError     = "error"
)

// Frame is the envelope of every message on the stream socket. Clients
// send join/leave; the relay sends bid frames carrying a BidEvent in Data.
type Frame struct {
	Type     string          `json:"type"`
	Room     string          `json:"room,omitempty"`
	ClientID string          `json:"client_id,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
}
