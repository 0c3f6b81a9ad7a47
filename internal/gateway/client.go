package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"hls-livestream/internal/livestream"

	"github.com/gorilla/websocket"
)

type client struct {
	gw   *Gateway
	conn *websocket.Conn
	id   string
	log  *slog.Logger

	keyMu sync.Mutex
	key   string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(g *Gateway, conn *websocket.Conn, id, key string) *client {
	return &client{
		gw:   g,
		conn: conn,
		id:   id,
		key:  key,
		log:  g.log.With(slog.String("connection_id", id)),
		send: make(chan []byte, g.opts.SendQueue),
		done: make(chan struct{}),
	}
}

func (c *client) streamKey() string {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	return c.key
}

// resolveKey returns the key a message applies to. A connection opened
// without a key adopts the first one it names.
func (c *client) resolveKey(msgKey string) (string, error) {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	switch {
	case msgKey == "" && c.key == "":
		return "", errNoKey
	case msgKey == "":
		return c.key, nil
	case c.key == "":
		c.key = msgKey
		return msgKey, nil
	case msgKey != c.key:
		return "", errKeyMismatch
	}
	return c.key, nil
}

func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) sendError(key string, err error) {
	c.gw.Deliver(c.id, livestream.Outbound{Type: livestream.MsgStreamError, StreamKey: key, Error: errorText(err)})
}

func (c *client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// goAway makes the write loop flush what is queued and send a going-away
// close frame. The read loop then exits and cleans up.
func (c *client) goAway() {
	c.shutdown()
}

func (c *client) readLoop() {
	defer func() {
		c.shutdown()
		c.gw.unregister(c)
		c.gw.streams.Disconnect(c.id, c.streamKey())
		c.conn.Close()
		c.log.Info("client disconnected", slog.String("stream_key", c.streamKey()))
	}()

	pongWait := 2 * c.gw.opts.HeartbeatInterval
	c.conn.SetReadLimit(c.gw.opts.MaxMessageBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("read failed", slog.String("error", err.Error()))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch kind {
		case websocket.BinaryMessage:
			c.handle(Inbound{Type: MsgStreamData, Chunk: data})
		case websocket.TextMessage:
			var msg Inbound
			if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
				c.sendError(c.streamKey(), errMalformed)
				continue
			}
			c.handle(msg)
		}
	}
}

func (c *client) handle(msg Inbound) {
	switch msg.Type {
	case MsgStartStream, MsgStreamData, MsgEndStream, MsgJoinStream, MsgLeaveStream:
	default:
		c.log.Debug("unknown message type", slog.String("type", msg.Type))
		c.sendError(msg.StreamKey, errUnknownType)
		return
	}

	key, err := c.resolveKey(msg.StreamKey)
	if err != nil {
		c.sendError(msg.StreamKey, err)
		return
	}

	ctx := context.Background()
	switch msg.Type {
	case MsgStartStream:
		err = c.gw.streams.StartStream(ctx, c.id, key, msg.UserID)
	case MsgStreamData:
		err = c.gw.streams.WriteChunk(ctx, c.id, key, msg.Chunk)
	case MsgEndStream:
		err = c.gw.streams.EndStream(ctx, c.id, key)
	case MsgJoinStream:
		err = c.gw.streams.Join(ctx, c.id, key)
	case MsgLeaveStream:
		err = c.gw.streams.Leave(ctx, c.id, key)
	}
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, livestream.ErrStorage) || errors.Is(err, livestream.ErrTranscoder) {
			level = slog.LevelError
		}
		c.log.Log(ctx, level, "message failed",
			slog.String("type", msg.Type),
			slog.String("stream_key", key),
			slog.String("error", err.Error()))
		c.sendError(key, err)
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(c.gw.opts.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.flush()
			return
		case data := <-c.send:
			if err := c.write(data); err != nil {
				c.log.Debug("write failed", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.gw.opts.WriteTimeout)); err != nil {
				c.log.Debug("ping failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (c *client) write(data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.gw.opts.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// flush writes whatever is still queued, then the close frame.
func (c *client) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				return
			}
		default:
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
			c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.gw.opts.WriteTimeout))
			return
		}
	}
}
