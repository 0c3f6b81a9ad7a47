package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"hls-livestream/internal/livestream"
	"hls-livestream/internal/platform/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Streams is the part of livestream.Service the gateway drives.
type Streams interface {
	StartStream(ctx context.Context, connID, key, userID string) error
	WriteChunk(ctx context.Context, connID, key string, chunk []byte) error
	EndStream(ctx context.Context, connID, key string) error
	Join(ctx context.Context, connID, key string) error
	Leave(ctx context.Context, connID, key string) error
	Disconnect(connID, key string)
}

// Options tunes connection handling.
type Options struct {
	// AllowedOrigins lists permitted Origin headers. Empty allows any origin.
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	MaxMessageBytes   int64
	WriteTimeout      time.Duration
	SendQueue         int
}

// Gateway upgrades HTTP requests to WebSocket connections and routes their
// messages to the stream service. It implements livestream.EventSink.
type Gateway struct {
	streams  Streams
	opts     Options
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
}

// New returns a Gateway.
func New(streams Streams, opts Options, log *slog.Logger) *Gateway {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 25 * time.Second
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 8 << 20
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = 32
	}
	g := &Gateway{
		streams: streams,
		opts:    opts,
		log:     logger.Component(log, "gateway"),
		clients: make(map[string]*client),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  64 << 10,
		WriteBufferSize: 16 << 10,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range g.opts.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// ServeHTTP handles GET /livestream/socket?streamKey=<key>.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.RLock()
	closed := g.closed
	g.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		g.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := newClient(g, conn, uuid.NewString(), r.URL.Query().Get("streamKey"))
	if !g.register(c) {
		conn.Close()
		return
	}
	g.log.Info("client connected",
		slog.String("connection_id", c.id),
		slog.String("stream_key", c.key),
		slog.String("remote_addr", r.RemoteAddr))

	go c.writeLoop()
	c.readLoop()
}

func (g *Gateway) register(c *client) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.clients[c.id] = c
	return true
}

func (g *Gateway) unregister(c *client) {
	g.mu.Lock()
	delete(g.clients, c.id)
	g.mu.Unlock()
}

// Deliver queues msg for connID without blocking. A full queue drops the
// message.
func (g *Gateway) Deliver(connID string, msg livestream.Outbound) {
	g.mu.RLock()
	c, ok := g.clients[connID]
	g.mu.RUnlock()
	if !ok {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		g.log.Error("encode message", slog.String("type", msg.Type), slog.String("error", err.Error()))
		return
	}
	if !c.enqueue(data) {
		g.log.Warn("send queue full, dropping message",
			slog.String("connection_id", connID),
			slog.String("type", msg.Type))
	}
}

// Connections returns the number of open connections.
func (g *Gateway) Connections() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// Close refuses new connections and closes the open ones with a going-away
// close frame. Each connection's cleanup runs as its read loop exits.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	clients := make([]*client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		c.goAway()
	}
}
