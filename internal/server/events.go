package server

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"lightwatch/internal/models"
)

const (
	eventsWriteTimeout = 5 * time.Second
	eventsBuffer       = 16
	defaultHistorySize = 360
)

var eventsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		host := strings.ToLower(strings.TrimSpace(r.Host))
		originHost := strings.ToLower(strings.TrimSpace(u.Host))
		return host == originHost
	},
}

// Hub keeps the latest monitor states in memory and fans them out to
// websocket clients.
type Hub struct {
	mu         sync.RWMutex
	latest     *models.LightState
	history    []models.LightState
	maxHistory int
	clients    map[chan models.LightState]struct{}
}

// NewHub creates a hub remembering up to maxHistory states.
func NewHub(maxHistory int) *Hub {
	if maxHistory <= 0 {
		maxHistory = defaultHistorySize
	}
	return &Hub{
		maxHistory: maxHistory,
		clients:    make(map[chan models.LightState]struct{}),
	}
}

// Publish stores state and forwards it to every client. Slow clients miss
// states rather than blocking the monitor.
func (h *Hub) Publish(state models.LightState) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.latest = &state
	h.history = append(h.history, state)
	if len(h.history) > h.maxHistory {
		h.history = h.history[len(h.history)-h.maxHistory:]
	}
	for ch := range h.clients {
		select {
		case ch <- state:
		default:
		}
	}
}

// Latest returns the most recent state.
func (h *Hub) Latest() (models.LightState, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.latest == nil {
		return models.LightState{}, false
	}
	return *h.latest, true
}

// History returns up to limit of the newest states, oldest first.
func (h *Hub) History(limit int) []models.LightState {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.history) == 0 {
		return nil
	}
	start := 0
	if limit > 0 && limit < len(h.history) {
		start = len(h.history) - limit
	}
	out := make([]models.LightState, len(h.history)-start)
	copy(out, h.history[start:])
	return out
}

func (h *Hub) subscribe() (<-chan models.LightState, *models.LightState, func()) {
	ch := make(chan models.LightState, eventsBuffer)

	h.mu.Lock()
	h.clients[ch] = struct{}{}
	var latest *models.LightState
	if h.latest != nil {
		copied := *h.latest
		latest = &copied
	}
	h.mu.Unlock()

	return ch, latest, func() {
		h.mu.Lock()
		delete(h.clients, ch)
		h.mu.Unlock()
	}
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := eventsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.serveEvents(conn)
}

func (s *Server) serveEvents(conn *websocket.Conn) {
	defer conn.Close()

	updates, latest, cancel := s.hub.subscribe()
	defer cancel()

	if latest != nil {
		if err := writeEvent(conn, *latest); err != nil {
			return
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case state := <-updates:
			if err := writeEvent(conn, state); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, state models.LightState) error {
	_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteTimeout))
	return conn.WriteJSON(state)
}
