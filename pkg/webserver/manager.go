package webserver

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"f1livesession/pkg/caster"
	"f1livesession/pkg/session"
	"f1livesession/pkg/state"
)

var upgrader = websocket.Upgrader{} // use default options

// Manager exposes the reconciled session state and the producer controls over
// HTTP and a status websocket.
type Manager struct {
	r       *mux.Router
	addr    string
	store   *state.Store
	session *session.Manager
	caster  caster.ChannelCaster[session.StatusUpdate]
}

func NewManager(addr string, store *state.Store, sess *session.Manager) *Manager {
	m := &Manager{
		r:       mux.NewRouter(),
		addr:    addr,
		store:   store,
		session: sess,
		caster:  caster.JSONChannelCaster[session.StatusUpdate]{},
	}
	m.registerHandlers()
	return m
}

func (m *Manager) router() *mux.Router {
	return m.r
}

func (m *Manager) registerHandlers() {
	api := m.r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", m.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/session", m.handleSession).Methods(http.MethodGet)
	api.HandleFunc("/drivers", m.handleDrivers).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{num}", m.handleDriver).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{num}/stints", m.handleDriverStints).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{num}/laps", m.handleDriverLaps).Methods(http.MethodGet)
	api.HandleFunc("/weather", m.handleWeather).Methods(http.MethodGet)
	api.HandleFunc("/racecontrol", m.handleRaceControl).Methods(http.MethodGet)
	api.HandleFunc("/track", m.handleTrack).Methods(http.MethodGet)
	api.HandleFunc("/radio", m.handleTeamRadio).Methods(http.MethodGet)
	api.HandleFunc("/replays", m.handleReplayList).Methods(http.MethodGet)

	api.HandleFunc("/live", m.handleStartLive).Methods(http.MethodPost)
	api.HandleFunc("/replay", m.handleStartReplay).Methods(http.MethodPost)
	api.HandleFunc("/speed", m.handleSetSpeed).Methods(http.MethodPost)
	api.HandleFunc("/stop", m.handleStop).Methods(http.MethodPost)

	m.r.HandleFunc("/debug/standings", m.handleStandings).Methods(http.MethodGet)
	m.r.HandleFunc("/ws/status", m.handleStatusSocket)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("webserver: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (m *Manager) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, m.session.Status())
}

func (m *Manager) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"details":       m.store.Details(),
		"segment":       m.store.Segment(),
		"bests":         m.store.Bests(),
		"trackStatus":   m.store.TrackStatusSnapshot(),
		"yellowSectors": m.store.YellowFlagSectors(),
		"heartbeat":     m.store.Heartbeat(),
	})
}

func (m *Manager) handleDrivers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, m.store.Drivers())
}

func (m *Manager) handleDriver(w http.ResponseWriter, r *http.Request) {
	num := mux.Vars(r)["num"]
	d, ok := m.store.Driver(num)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown driver "+num)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (m *Manager) handleDriverStints(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, m.store.DriverStints(mux.Vars(r)["num"]))
}

func (m *Manager) handleDriverLaps(w http.ResponseWriter, r *http.Request) {
	num := mux.Vars(r)["num"]
	if lapStr := r.URL.Query().Get("telemetry"); lapStr != "" {
		lap, err := strconv.Atoi(lapStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad lap number")
			return
		}
		tl, ok := m.store.DriverTelemetry(num, lap)
		if !ok {
			writeError(w, http.StatusNotFound, "no telemetry for that lap")
			return
		}
		writeJSON(w, http.StatusOK, tl)
		return
	}
	writeJSON(w, http.StatusOK, m.store.DriverLaps(num))
}

func (m *Manager) handleWeather(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, m.store.WeatherSnapshot())
}

func (m *Manager) handleRaceControl(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, m.store.RaceControlLog())
}

func (m *Manager) handleTrack(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, m.store.TrackGeometrySnapshot())
}

func (m *Manager) handleTeamRadio(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, m.store.TeamRadioLog())
}

func (m *Manager) handleReplayList(w http.ResponseWriter, r *http.Request) {
	files, err := m.session.ReplayFiles()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, files)
}

func (m *Manager) handleStartLive(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Record bool `json:"record"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if err := m.session.StartLive(r.Context(), body.Record); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, m.session.Status())
}

func (m *Manager) handleStartReplay(w http.ResponseWriter, r *http.Request) {
	var body struct {
		File  string  `json:"file"`
		Speed float64 `json:"speed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.File == "" {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	if body.Speed == 0 {
		body.Speed = 1.0
	}
	if err := m.session.StartReplay(r.Context(), body.File, body.Speed); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, m.session.Status())
}

func (m *Manager) handleSetSpeed(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Speed float64 `json:"speed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "speed is required")
		return
	}
	if err := m.session.SetReplaySpeed(body.Speed); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, m.session.Status())
}

func (m *Manager) handleStop(w http.ResponseWriter, r *http.Request) {
	m.session.Stop()
	writeJSON(w, http.StatusOK, m.session.Status())
}

// handleStatusSocket streams status transitions to the client, starting with
// the current one.
func (m *Manager) handleStatusSocket(w http.ResponseWriter, r *http.Request) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("webserver: upgrade: %v", err)
		return
	}
	defer c.Close()

	updates := m.session.Updates.Subscribe(session.StatusTopic)

	send := func(u session.StatusUpdate) bool {
		data, err := m.caster.To(u)
		if err != nil {
			log.Printf("webserver: cast status: %v", err)
			return false
		}
		return c.WriteMessage(websocket.TextMessage, data) == nil
	}
	if !send(m.session.Status()) {
		return
	}

	// Drain the client so close frames are noticed.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-clientGone:
			return
		case u, ok := <-updates:
			if !ok || !send(u) {
				return
			}
		}
	}
}

// Serve runs the HTTP server until the context is cancelled.
func (m *Manager) Serve(ctx context.Context) {
	srv := &http.Server{
		Addr: m.addr,
		// Good practice to set timeouts to avoid Slowloris attacks.
		WriteTimeout: time.Second * 15,
		ReadTimeout:  time.Second * 15,
		IdleTimeout:  time.Second * 60,
		Handler:      m.router(),
	}

	go func() {
		log.Printf("webserver listening on %s\n", m.addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Println(err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Println("webserver shutting down")
}
