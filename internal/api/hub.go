package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/technosupport/ts-sentinel/internal/alerts"
	"github.com/technosupport/ts-sentinel/internal/vision"
)

const (
	StreamLiveFeed = "live_feed"
	StreamAlerts   = "alerts"
	StreamAnalysis = "analysis"
	StreamSystem   = "system"

	clientSendBuffer = 32
	writeWait        = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans server events out over four WebSocket streams. A slow
// client loses its own oldest queued messages; it cannot stall the
// workers or other clients.
type Hub struct {
	mu      sync.Mutex
	streams map[string]map[*wsClient]bool

	dispatcher *alerts.Dispatcher
	subID      string
	quit       chan struct{}
	wg         sync.WaitGroup
}

func NewHub(dispatcher *alerts.Dispatcher) *Hub {
	h := &Hub{
		streams: map[string]map[*wsClient]bool{
			StreamLiveFeed: {},
			StreamAlerts:   {},
			StreamAnalysis: {},
			StreamSystem:   {},
		},
		dispatcher: dispatcher,
		quit:       make(chan struct{}),
	}
	h.startAlertPump()
	return h
}

// startAlertPump bridges the dispatcher onto the alerts stream, and
// mirrors system-kind alerts onto the system stream.
func (h *Hub) startAlertPump() {
	sub := h.dispatcher.Subscribe()
	h.subID = sub.ID
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-h.quit:
				return
			case a, ok := <-sub.C:
				if !ok {
					return
				}
				h.Broadcast(StreamAlerts, a)
				if a.Kind == alerts.KindSystem {
					h.Broadcast(StreamSystem, a)
				}
			}
		}
	}()
}

func (h *Hub) Close() {
	close(h.quit)
	h.dispatcher.Unsubscribe(h.subID)
	h.wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, clients := range h.streams {
		for c := range clients {
			c.conn.Close()
			delete(clients, c)
		}
	}
}

// ServeStream returns the upgrade handler for one stream name.
func (h *Hub) ServeStream(stream string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[ERROR] Hub: upgrade %s: %v", stream, err)
			return
		}
		c := &wsClient{conn: conn, send: make(chan []byte, clientSendBuffer)}

		h.mu.Lock()
		h.streams[stream][c] = true
		h.mu.Unlock()

		go h.writeLoop(stream, c)
		h.readLoop(stream, c)
	}
}

func (h *Hub) writeLoop(stream string, c *wsClient) {
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.drop(stream, c)
			return
		}
	}
	c.conn.Close()
}

// readLoop only exists to detect the client going away.
func (h *Hub) readLoop(stream string, c *wsClient) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.drop(stream, c)
			return
		}
	}
}

func (h *Hub) drop(stream string, c *wsClient) {
	h.mu.Lock()
	if _, ok := h.streams[stream][c]; ok {
		delete(h.streams[stream], c)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
}

// Broadcast sends a typed envelope to every client on the stream,
// evicting the oldest queued message of any client whose buffer is
// full.
func (h *Hub) Broadcast(stream string, data any) {
	msg, err := json.Marshal(map[string]any{
		"type":      stream,
		"data":      data,
		"timestamp": time.Now().Format(time.RFC3339),
	})
	if err != nil {
		log.Printf("[ERROR] Hub: marshal %s payload: %v", stream, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.streams[stream] {
		select {
		case c.send <- msg:
		default:
			select {
			case <-c.send:
			default:
			}
			select {
			case c.send <- msg:
			default:
			}
		}
	}
}

// ConnectionCounts reports active clients per stream.
func (h *Hub) ConnectionCounts() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.streams))
	for name, clients := range h.streams {
		out[name] = len(clients)
	}
	return out
}

// LiveFeed implements the worker-facing stream publisher.
func (h *Hub) LiveFeed(cameraID int, capturedAt time.Time, frameBase64, summary string) {
	h.Broadcast(StreamLiveFeed, map[string]any{
		"camera_id":   cameraID,
		"captured_at": capturedAt.Format(time.RFC3339),
		"frame":       frameBase64,
		"summary":     summary,
	})
}

// Analysis publishes the structured observation stream.
func (h *Hub) Analysis(obs *vision.Observation) {
	h.Broadcast(StreamAnalysis, obs)
}
