package livestream

// Outbound message types sent to connections.
const (
	MsgStreamStarted     = "stream-started"
	MsgStreamEnded       = "stream-ended"
	MsgStreamError       = "stream-error"
	MsgViewerCountUpdate = "viewer-count-update"
	MsgPlaybackURL       = "playback-url"
)

// Outbound is a message for one connection.
type Outbound struct {
	Type        string `json:"type"`
	StreamKey   string `json:"streamKey,omitempty"`
	PlaybackURL string `json:"playbackUrl,omitempty"`
	Error       string `json:"error,omitempty"`
	Count       *int   `json:"count,omitempty"`
}

// EventSink delivers outbound messages to connections by id. Deliver must not
// block; messages for unknown connections are dropped.
type EventSink interface {
	Deliver(connID string, msg Outbound)
}

type nopSink struct{}

func (nopSink) Deliver(string, Outbound) {}
