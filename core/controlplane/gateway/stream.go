package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cordum/mpk/core/infra/bus"
	"github.com/cordum/mpk/core/infra/logging"
	infraMetrics "github.com/cordum/mpk/core/infra/metrics"
)

const (
	clientBuffer = 100
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin:  isAllowedOrigin,
	Subprotocols: []string{wsAPIKeyProtocol},
}

// Hub fans operation events out to connected stream clients. It implements
// bus.Publisher so the installer can publish to it directly.
type Hub struct {
	mu      sync.Mutex
	clients map[*streamClient]struct{}
	metrics infraMetrics.GatewayMetrics
}

type streamClient struct {
	ch    chan []byte
	pkgID string
	opID  string
}

// NewHub returns an empty hub.
func NewHub(m infraMetrics.GatewayMetrics) *Hub {
	if m == nil {
		m = infraMetrics.Noop{}
	}
	return &Hub{clients: make(map[*streamClient]struct{}), metrics: m}
}

// PublishEvent queues ev for every matching client. Clients whose buffer is
// full are disconnected rather than blocking the publisher.
func (h *Hub) PublishEvent(_ context.Context, ev bus.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	var slow []*streamClient
	for c := range h.clients {
		if !c.matches(ev) {
			continue
		}
		select {
		case c.ch <- data:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		logging.Warn("gateway", "dropping slow stream client", "package", c.pkgID)
		h.removeLocked(c)
	}
	return nil
}

// Clients reports the number of connected stream clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) subscribe(pkgID, opID string) *streamClient {
	c := &streamClient{ch: make(chan []byte, clientBuffer), pkgID: pkgID, opID: opID}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.metrics.SetStreamClients(len(h.clients))
	h.mu.Unlock()
	return c
}

func (h *Hub) unsubscribe(c *streamClient) {
	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
}

func (h *Hub) removeLocked(c *streamClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.ch)
	h.metrics.SetStreamClients(len(h.clients))
}

func (c *streamClient) matches(ev bus.Event) bool {
	if c.pkgID != "" && !strings.EqualFold(c.pkgID, ev.PackageID) {
		return false
	}
	return c.opID == "" || c.opID == ev.OperationID
}

// handleStream upgrades to a websocket and forwards events. The optional
// package and operation query parameters filter the stream.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("gateway", "ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	logging.Info("gateway", "ws connected", "remote", r.RemoteAddr)

	q := r.URL.Query()
	client := s.hub.subscribe(strings.TrimSpace(q.Get("package")), strings.TrimSpace(q.Get("operation")))
	defer s.hub.unsubscribe(client)

	// Reading is needed to observe close frames from the peer.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case msg, ok := <-client.ch:
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "slow consumer"),
					time.Now().Add(writeTimeout))
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}
