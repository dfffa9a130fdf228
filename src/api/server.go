package api

import (
	"encoding/json"
	"fmt"
	"log"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/ryansname/dispatchctl/src/dispatch"
)

// Settings are the runtime-adjustable parameters and manual switches
type Settings struct {
	Battery     dispatch.BatteryConfig `json:"battery"`
	Charging    bool                   `json:"charging"`
	Discharging bool                   `json:"discharging"`
	SelfUsage   bool                   `json:"self_usage"`
}

// Snapshot is the state published after every recomputation
type Snapshot struct {
	ComputedAt    time.Time         `json:"computed_at"`
	Status        string            `json:"status"`
	SoC           *float64          `json:"soc"`
	SelfUsageMode string            `json:"self_usage_mode"`
	Settings      Settings          `json:"settings"`
	Schedule      dispatch.Schedule `json:"schedule"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server serves the latest snapshot and forwards changes to the dispatch worker
type Server struct {
	mu       sync.RWMutex
	snapshot *Snapshot
	hub      *Hub
	commands chan<- Command
}

func NewServer(commands chan<- Command) *Server {
	return &Server{
		hub:      NewHub(),
		commands: commands,
	}
}

// Publish replaces the served snapshot and pushes it to WebSocket clients
func (s *Server) Publish(snap Snapshot) {
	msg, err := json.Marshal(snap)
	if err != nil {
		log.Printf("api: failed to encode snapshot: %v", err)
		return
	}

	s.mu.Lock()
	s.snapshot = &snap
	s.mu.Unlock()

	s.hub.Broadcast(msg)
}

func (s *Server) current() (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshot == nil {
		return Snapshot{}, false
	}
	return *s.snapshot, true
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler)

	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(gziphandler.GzipHandler)

		r.Get("/schedule", s.handleSchedule)
		r.Get("/windows", s.handleWindows)
		r.Get("/periods", s.handlePeriods)
		r.Get("/status", s.handleStatus)
		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handleUpdateSettings)
		r.Post("/services/{name}", s.handleService)
	})

	return r
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.requireSnapshot(w)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"computed_at": snap.ComputedAt,
		"entries":     snap.Schedule.Entries,
	})
}

func (s *Server) handleWindows(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.requireSnapshot(w)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, snap.Schedule.Summaries())
}

func (s *Server) handlePeriods(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.requireSnapshot(w)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string][]dispatch.Period{
		"charge":    snap.Schedule.Periods(dispatch.ActionCharge),
		"discharge": snap.Schedule.Periods(dispatch.ActionDischarge),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.requireSnapshot(w)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          snap.Status,
		"soc":             snap.SoC,
		"self_usage":      snap.Settings.SelfUsage,
		"self_usage_mode": snap.SelfUsageMode,
		"computed_at":     snap.ComputedAt,
	})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.requireSnapshot(w)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, snap.Settings)
}

// handleUpdateSettings accepts a flat object of switch (bool) and number
// values. Every key is validated before any command is sent, and the numbers
// are checked together against the settings currently in effect.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cmds, err := settingsCommands(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if snap, ok := s.current(); ok {
		for _, cmd := range cmds {
			if cmd.Kind != CommandSetNumbers {
				continue
			}
			if _, err := WithNumbers(snap.Settings.Battery, cmd.Values); err != nil {
				respondError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
	}

	for _, cmd := range cmds {
		if !s.send(w, r, cmd) {
			return
		}
	}
	respondJSON(w, http.StatusAccepted, map[string]int{"accepted": len(cmds)})
}

// settingsCommands returns the switches in key order followed by a single
// command carrying every number
func settingsCommands(body map[string]any) ([]Command, error) {
	var cmds []Command
	numbers := make(map[string]float64)
	for _, key := range slices.Sorted(maps.Keys(body)) {
		switch v := body[key].(type) {
		case bool:
			cmd, err := SwitchCommand(key, v)
			if err != nil {
				return nil, err
			}
			cmds = append(cmds, cmd)
		case float64:
			numbers[key] = v
		default:
			return nil, fmt.Errorf("%w: %s has unsupported value %v", ErrUnknownSetting, key, body[key])
		}
	}
	if len(numbers) > 0 {
		cmd, err := NumbersCommand(numbers)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

func (s *Server) handleService(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	cmd, ok := ServiceCommand(name)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown service "+name)
		return
	}
	if !s.send(w, r, cmd) {
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"service": name})
}

func (s *Server) send(w http.ResponseWriter, r *http.Request, cmd Command) bool {
	select {
	case s.commands <- cmd:
		return true
	case <-r.Context().Done():
		respondError(w, http.StatusServiceUnavailable, "dispatch worker busy")
		return false
	}
}

func (s *Server) requireSnapshot(w http.ResponseWriter) (Snapshot, bool) {
	snap, ok := s.current()
	if !ok {
		respondError(w, http.StatusServiceUnavailable, "no schedule computed yet")
	}
	return snap, ok
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("api: websocket upgrade error: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 16)}
	s.hub.register(c)
	go c.writePump()

	if snap, ok := s.current(); ok {
		if msg, err := json.Marshal(snap); err == nil {
			select {
			case c.send <- msg:
			default:
			}
		}
	}

	// Clients only listen; reading detects when they go away
	defer s.hub.unregister(c)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("api: websocket read error: %v", err)
			}
			return
		}
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("api: failed to write response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
