package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"hls-livestream/internal/livestream"
	"hls-livestream/internal/platform/logger"
	"hls-livestream/internal/session"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	op     string
	connID string
	key    string
	data   []byte
}

// fakeStreams records calls and answers start-stream like the service does.
type fakeStreams struct {
	gw *Gateway

	mu       sync.Mutex
	calls    []call
	startErr error
}

func (f *fakeStreams) record(c call) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakeStreams) find(op string) (call, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c.op == op {
			return c, true
		}
	}
	return call{}, false
}

func (f *fakeStreams) StartStream(ctx context.Context, connID, key, userID string) error {
	f.record(call{op: "start", connID: connID, key: key})
	if f.startErr != nil {
		return f.startErr
	}
	f.gw.Deliver(connID, livestream.Outbound{Type: livestream.MsgStreamStarted, StreamKey: key, PlaybackURL: "/livestream/" + key + "/stream.m3u8"})
	return nil
}

func (f *fakeStreams) WriteChunk(ctx context.Context, connID, key string, chunk []byte) error {
	f.record(call{op: "chunk", connID: connID, key: key, data: append([]byte(nil), chunk...)})
	return nil
}

func (f *fakeStreams) EndStream(ctx context.Context, connID, key string) error {
	f.record(call{op: "end", connID: connID, key: key})
	return nil
}

func (f *fakeStreams) Join(ctx context.Context, connID, key string) error {
	f.record(call{op: "join", connID: connID, key: key})
	return nil
}

func (f *fakeStreams) Leave(ctx context.Context, connID, key string) error {
	f.record(call{op: "leave", connID: connID, key: key})
	return nil
}

func (f *fakeStreams) Disconnect(connID, key string) {
	f.record(call{op: "disconnect", connID: connID, key: key})
}

func newTestGateway(t *testing.T, opts Options) (*fakeStreams, *Gateway, *httptest.Server) {
	t.Helper()
	streams := &fakeStreams{}
	gw := New(streams, opts, logger.Discard())
	streams.gw = gw
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return streams, gw, srv
}

func dial(t *testing.T, srv *httptest.Server, key string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?streamKey=" + key
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readOutbound(t *testing.T, conn *websocket.Conn) livestream.Outbound {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg livestream.Outbound
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestGateway_start_stream(t *testing.T) {
	streams, _, srv := newTestGateway(t, Options{})
	conn := dial(t, srv, "s1")

	require.NoError(t, conn.WriteJSON(Inbound{Type: MsgStartStream, StreamKey: "s1", UserID: "u1"}))
	msg := readOutbound(t, conn)
	assert.Equal(t, livestream.MsgStreamStarted, msg.Type)
	assert.Equal(t, "s1", msg.StreamKey)
	assert.Equal(t, "/livestream/s1/stream.m3u8", msg.PlaybackURL)

	c, ok := streams.find("start")
	require.True(t, ok)
	assert.NotEmpty(t, c.connID)
}

func TestGateway_stream_data(t *testing.T) {
	streams, _, srv := newTestGateway(t, Options{})
	conn := dial(t, srv, "s1")

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x1a, 0x45, 0xdf, 0xa3}))
	require.NoError(t, conn.WriteJSON(Inbound{Type: MsgStreamData, Chunk: []byte("json-chunk")}))

	require.Eventually(t, func() bool {
		streams.mu.Lock()
		defer streams.mu.Unlock()
		return len(streams.calls) == 2
	}, 2*time.Second, 10*time.Millisecond)

	streams.mu.Lock()
	defer streams.mu.Unlock()
	assert.Equal(t, []byte{0x1a, 0x45, 0xdf, 0xa3}, streams.calls[0].data)
	assert.Equal(t, []byte("json-chunk"), streams.calls[1].data)
	assert.Equal(t, "s1", streams.calls[1].key)
}

func TestGateway_protocol_errors(t *testing.T) {
	tests := []struct {
		name string
		send func(conn *websocket.Conn) error
		want string
	}{
		{"malformed_json", func(conn *websocket.Conn) error {
			return conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
		}, "malformed message"},
		{"unknown_type", func(conn *websocket.Conn) error {
			return conn.WriteJSON(Inbound{Type: "dance"})
		}, "unknown message type"},
		{"key_mismatch", func(conn *websocket.Conn) error {
			return conn.WriteJSON(Inbound{Type: MsgEndStream, StreamKey: "other"})
		}, "stream key does not match connection"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			streams, _, srv := newTestGateway(t, Options{})
			conn := dial(t, srv, "s1")

			require.NoError(t, tt.send(conn))
			msg := readOutbound(t, conn)
			assert.Equal(t, livestream.MsgStreamError, msg.Type)
			assert.Equal(t, tt.want, msg.Error)

			_, ended := streams.find("end")
			assert.False(t, ended)
		})
	}
}

func TestGateway_start_conflict(t *testing.T) {
	streams, _, srv := newTestGateway(t, Options{})
	streams.startErr = session.ErrConflict
	conn := dial(t, srv, "s1")

	require.NoError(t, conn.WriteJSON(Inbound{Type: MsgStartStream}))
	msg := readOutbound(t, conn)
	assert.Equal(t, livestream.MsgStreamError, msg.Type)
	assert.Equal(t, "stream key is already live", msg.Error)
}

func TestGateway_start_while_previous_broadcast_drains(t *testing.T) {
	streams, _, srv := newTestGateway(t, Options{})
	streams.startErr = session.ErrDraining
	conn := dial(t, srv, "s1")

	require.NoError(t, conn.WriteJSON(Inbound{Type: MsgStartStream}))
	msg := readOutbound(t, conn)
	assert.Equal(t, livestream.MsgStreamError, msg.Type)
	assert.Equal(t, "previous broadcast is still shutting down, try again", msg.Error)
}

func TestGateway_key_adopted_from_first_message(t *testing.T) {
	streams, _, srv := newTestGateway(t, Options{})
	conn := dial(t, srv, "")

	require.NoError(t, conn.WriteJSON(Inbound{Type: MsgJoinStream, StreamKey: "s9"}))
	require.NoError(t, conn.WriteJSON(Inbound{Type: MsgLeaveStream}))

	require.Eventually(t, func() bool {
		_, ok := streams.find("leave")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	c, _ := streams.find("leave")
	assert.Equal(t, "s9", c.key)
}

func TestGateway_disconnect_cleans_up(t *testing.T) {
	streams, gw, srv := newTestGateway(t, Options{})
	conn := dial(t, srv, "s1")

	require.NoError(t, conn.WriteJSON(Inbound{Type: MsgStartStream}))
	started := readOutbound(t, conn)
	require.Equal(t, livestream.MsgStreamStarted, started.Type)
	require.Equal(t, 1, gw.Connections())

	conn.Close()
	require.Eventually(t, func() bool {
		_, ok := streams.find("disconnect")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	start, _ := streams.find("start")
	gone, _ := streams.find("disconnect")
	assert.Equal(t, start.connID, gone.connID)
	assert.Equal(t, "s1", gone.key)
	assert.Eventually(t, func() bool { return gw.Connections() == 0 }, time.Second, 10*time.Millisecond)
}

func TestGateway_deliver_unknown_connection(t *testing.T) {
	_, gw, _ := newTestGateway(t, Options{})
	gw.Deliver("nobody", livestream.Outbound{Type: livestream.MsgStreamEnded})
}

func TestGateway_rejects_origin(t *testing.T) {
	_, _, srv := newTestGateway(t, Options{AllowedOrigins: []string{"https://studio.example.com"}})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?streamKey=s1"

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://studio.example.com")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	conn.Close()
}

func TestGateway_close_sends_going_away(t *testing.T) {
	_, gw, srv := newTestGateway(t, Options{})
	conn := dial(t, srv, "s1")
	require.Eventually(t, func() bool { return gw.Connections() == 1 }, time.Second, 10*time.Millisecond)

	gw.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestInbound_chunk_is_base64(t *testing.T) {
	var msg Inbound
	require.NoError(t, json.Unmarshal([]byte(`{"type":"stream-data","chunk":"aGVsbG8="}`), &msg))
	assert.Equal(t, []byte("hello"), msg.Chunk)
}
