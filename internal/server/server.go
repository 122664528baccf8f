package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lightwatch/internal/metrics"
	"lightwatch/internal/models"
	"lightwatch/internal/snapshot"
	"lightwatch/internal/storage"
)

// Checker runs an on-demand connectivity check.
type Checker interface {
	ForceCheck() models.LightState
}

// Ledger serves the durable outage history.
type Ledger interface {
	LastOnline() (time.Time, bool)
	RecentEntries(limit int) ([]string, error)
}

// Fetcher retrieves camera snapshots.
type Fetcher interface {
	Fetch(ctx context.Context, command string) []byte
}

// Deps are the collaborators the HTTP API reads from.
type Deps struct {
	Hub          *Hub
	Ledger       Ledger
	Checker      Checker
	Fetcher      Fetcher
	Recorder     *metrics.Recorder
	Gatherer     prometheus.Gatherer
	HistoryLimit int
	// OutagesLimit is the default /api/outages window, capped at
	// storage.MaxRecentEntries.
	OutagesLimit int
}

// Server wraps HTTP serving of the status API and event stream.
type Server struct {
	httpServer   *http.Server
	hub          *Hub
	ledger       Ledger
	checker      Checker
	fetcher      Fetcher
	recorder     *metrics.Recorder
	gatherer     prometheus.Gatherer
	historyLimit int
	outagesLimit int
}

type statusResponse struct {
	State       *models.LightState `json:"state"`
	LastOnline  *time.Time         `json:"last_online"`
	GeneratedAt time.Time          `json:"generated_at"`
}

type historyResponse struct {
	States       []models.LightState  `json:"states"`
	Availability metrics.Availability `json:"availability"`
}

type outagesResponse struct {
	Entries []string `json:"entries"`
	Message string   `json:"message,omitempty"`
}

// New creates a configured HTTP server.
func New(addr string, deps Deps) *Server {
	if deps.HistoryLimit <= 0 {
		deps.HistoryLimit = defaultHistorySize
	}
	if deps.OutagesLimit <= 0 || deps.OutagesLimit > storage.MaxRecentEntries {
		deps.OutagesLimit = storage.MaxRecentEntries
	}
	if deps.Hub == nil {
		deps.Hub = NewHub(deps.HistoryLimit)
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	s := &Server{
		httpServer:   &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		hub:          deps.Hub,
		ledger:       deps.Ledger,
		checker:      deps.Checker,
		fetcher:      deps.Fetcher,
		recorder:     deps.Recorder,
		gatherer:     deps.Gatherer,
		historyLimit: deps.HistoryLimit,
		outagesLimit: deps.OutagesLimit,
	}
	s.registerRoutes(mux)
	return s
}

// Handler exposes the routed mux.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run blocks and serves HTTP traffic.
func (s *Server) Run() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts the server down.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/outages", s.handleOutages)
	mux.HandleFunc("/api/check", s.handleCheck)
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.HandleFunc("/ws/events", s.handleEventsWS)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{GeneratedAt: time.Now().UTC()}
	if state, ok := s.hub.Latest(); ok {
		resp.State = &state
	}
	if s.ledger != nil {
		if marker, ok := s.ledger.LastOnline(); ok {
			resp.LastOnline = &marker
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	states := s.hub.History(parseLimit(r, s.historyLimit))
	if states == nil {
		states = []models.LightState{}
	}
	writeJSON(w, http.StatusOK, historyResponse{
		States:       states,
		Availability: metrics.ComputeAvailability(states),
	})
}

func (s *Server) handleOutages(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeJSON(w, http.StatusOK, outagesResponse{Entries: []string{}, Message: storage.NoData})
		return
	}
	entries, err := s.ledger.RecentEntries(parseOutagesLimit(r, s.outagesLimit))
	if errors.Is(err, storage.ErrNoData) {
		writeJSON(w, http.StatusOK, outagesResponse{Entries: []string{}, Message: storage.NoData})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, outagesResponse{Entries: entries})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.checker == nil {
		http.Error(w, "checks unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.checker.ForceCheck())
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	cam := r.URL.Query().Get("cam")
	if cam == "" {
		cam = snapshot.Cam0
	}
	if !snapshot.ValidCommand(cam) {
		http.Error(w, "unknown camera", http.StatusBadRequest)
		return
	}
	if s.fetcher == nil {
		http.Error(w, "snapshots unavailable", http.StatusServiceUnavailable)
		return
	}

	data := s.fetcher.Fetch(r.Context(), cam)
	if s.recorder != nil {
		s.recorder.SnapshotFetched(len(data) > 0)
	}
	if len(data) == 0 {
		http.Error(w, "could not retrieve snapshot", http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func parseLimit(r *http.Request, fallback int) int {
	if fallback <= 0 {
		return fallback
	}
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	if value > fallback {
		return fallback
	}
	return value
}

// parseOutagesLimit lets callers ask for more than the configured window, up
// to storage.MaxRecentEntries.
func parseOutagesLimit(r *http.Request, fallback int) int {
	if r.URL.Query().Get("limit") == "" {
		return fallback
	}
	return parseLimit(r, storage.MaxRecentEntries)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
