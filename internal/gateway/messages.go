package gateway

import (
	"errors"

	"hls-livestream/internal/hls"
	"hls-livestream/internal/livestream"
	"hls-livestream/internal/session"
)

// Inbound message types.
const (
	MsgStartStream = "start-stream"
	MsgStreamData  = "stream-data"
	MsgEndStream   = "end-stream"
	MsgJoinStream  = "join-stream"
	MsgLeaveStream = "leave-stream"
)

// Inbound is a JSON text frame from a client. Chunk carries base64 in JSON.
type Inbound struct {
	Type      string `json:"type"`
	StreamKey string `json:"streamKey,omitempty"`
	UserID    string `json:"userId,omitempty"`
	Chunk     []byte `json:"chunk,omitempty"`
}

var (
	errKeyMismatch = errors.New("stream key does not match connection")
	errNoKey       = errors.New("stream key required")
	errUnknownType = errors.New("unknown message type")
	errMalformed   = errors.New("malformed message")
)

// errorText maps service errors to what a client is told.
func errorText(err error) string {
	switch {
	case errors.Is(err, session.ErrConflict):
		return "stream key is already live"
	case errors.Is(err, session.ErrDraining):
		return "previous broadcast is still shutting down, try again"
	case errors.Is(err, session.ErrNotBroadcaster):
		return "only the broadcaster can end the stream"
	case errors.Is(err, hls.ErrInvalidKey):
		return "invalid stream key"
	case errors.Is(err, livestream.ErrTranscoder):
		return "transcoder unavailable"
	case errors.Is(err, livestream.ErrStorage):
		return "stream storage unavailable"
	default:
		return err.Error()
	}
}
