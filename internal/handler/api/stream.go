package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"QuantLab/internal/domain/models"
	domrepo "QuantLab/internal/domain/repository"
	"QuantLab/internal/eventbus"
	"QuantLab/internal/middleware"
	"QuantLab/internal/usecase"
	applogger "QuantLab/pkg/logger"
	"QuantLab/pkg/util"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 256
)

var errHubClosed = errors.New("stream hub closed")

type streamClient struct {
	conn  *websocket.Conn
	send  chan []byte
	runID string
	fold  int // -1 for every fold
}

func (c *streamClient) wants(msg middleware.StreamMessage) bool {
	if c.runID != "" && c.runID != msg.RunID {
		return false
	}
	return c.fold < 0 || c.fold == msg.Fold
}

// StreamHub pushes fold events to websocket clients. A client may filter on
// one run with ?run_id= and on one fold with ?fold=. Slow clients are disconnected rather than allowed
// to block a fold.
type StreamHub struct {
	mu       sync.Mutex
	clients  map[*streamClient]struct{}
	closed   bool
	relay    *middleware.StreamRelay
	upgrader websocket.Upgrader
	l        *applogger.Logger
	metrics  domrepo.Metrics
}

func NewStreamHub(l *applogger.Logger, metrics domrepo.Metrics, opts ...middleware.RelayOption) *StreamHub {
	if l == nil {
		l = applogger.Nop()
	}
	if metrics == nil {
		metrics = domrepo.NopMetrics{}
	}
	h := &StreamHub{
		clients: make(map[*streamClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		l:       l.With(applogger.String("component", "stream")),
		metrics: metrics,
	}
	h.relay = middleware.NewStreamRelay(h, metrics, opts...)
	return h
}

// Start runs the relay's retry loop.
func (h *StreamHub) Start(ctx context.Context) { h.relay.Start(ctx) }

// Attach forwards a fold's outward events through the relay.
func (h *StreamHub) Attach(bus *eventbus.Bus, runID string, fold int) {
	fn := func(ctx context.Context, ev models.Event) error {
		if h.ClientCount() == 0 {
			return nil
		}
		if err := h.relay.Process(ctx, middleware.StreamMessage{RunID: runID, Fold: fold, Event: ev}); err != nil {
			h.l.Debug("stream relay", applogger.String("run_id", runID), applogger.Error(err))
		}
		return nil
	}
	for _, kind := range usecase.ForwardedKinds {
		bus.Subscribe(kind, fn)
	}
}

// Deliver fans msg out to every matching client without blocking.
func (h *StreamHub) Deliver(_ context.Context, msg middleware.StreamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errHubClosed
	}
	for c := range h.clients {
		if !c.wants(msg) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.metrics.RecordError("stream_slow_client")
			h.dropLocked(c)
		}
	}
	return nil
}

func (h *StreamHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Serve upgrades the request and streams until the client goes away.
func (h *StreamHub) Serve(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.l.Warn("websocket upgrade failed", applogger.Error(err))
		return nil
	}
	client := &streamClient{
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
		runID: c.QueryParam("run_id"),
		fold:  util.ParseIntDefault(c.QueryParam("fold"), -1),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.l.Debug("stream client connected", applogger.String("remote", c.RealIP()), applogger.String("run_id", client.runID))

	go h.writePump(client)
	h.readPump(client)
	return nil
}

// readPump only consumes control frames; it returns when the peer closes.
func (h *StreamHub) readPump(c *streamClient) {
	defer h.drop(c)
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *StreamHub) writePump(c *streamClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *StreamHub) drop(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

func (h *StreamHub) dropLocked(c *streamClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// Close disconnects every client and stops the relay.
func (h *StreamHub) Close() {
	h.relay.Stop()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.dropLocked(c)
	}
}

var (
	_ usecase.EventTap = (*StreamHub)(nil)
	_ middleware.Sink  = (*StreamHub)(nil)
)
