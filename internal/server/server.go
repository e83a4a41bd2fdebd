package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/obdsoc/internal/logger"
	"github.com/shaunagostinho/obdsoc/internal/metrics"
	"github.com/shaunagostinho/obdsoc/internal/poller"
)

// SignalSource reports the dongle's Bluetooth signal strength.
type SignalSource interface {
	SignalStrength(ctx context.Context) (rssi int, ok bool)
}

// Server exposes the poller over HTTP and pushes status to WebSocket clients.
type Server struct {
	cfg    *Config
	poller *poller.Poller
	signal SignalSource
	ring   *logger.Ring
	webFS  fs.FS

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Status *poller.Status `json:"status,omitempty"`
	SOC    *SOCData       `json:"soc,omitempty"`
	Event  string         `json:"event,omitempty"` // "closed", "error", "unsolicited"
	Detail string         `json:"detail,omitempty"`
	Stamp  int64          `json:"stamp"` // Unix ms
}

// SOCData is the last known state of charge.
type SOCData struct {
	SOC         *float64   `json:"soc"`
	LastChanged *time.Time `json:"lastChanged"`
	RangeKm     *float64   `json:"rangeKm,omitempty"`
}

// QueryResult is the answer to POST /api/query.
type QueryResult struct {
	State        string   `json:"state"`
	ErrorCounter int      `json:"errorCounter"`
	SOC          *float64 `json:"soc"`
	Error        string   `json:"error,omitempty"`
}

// New creates a new Server.
func New(cfg *Config, p *poller.Poller, signal SignalSource, ring *logger.Ring, webFS fs.FS) *Server {
	return &Server{
		cfg:     cfg,
		poller:  p,
		signal:  signal,
		ring:    ring,
		webFS:   webFS,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Serve embedded web files
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWS)

	// SOC and poller control
	mux.HandleFunc("/api/soc", s.handleSOC)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/query", s.handleQuery)
	mux.HandleFunc("/api/reset", s.handleReset)
	mux.HandleFunc("/api/signal", s.handleSignal)

	// Logs and config
	mux.HandleFunc("/api/logs", s.handleLogs)
	mux.HandleFunc("/api/config", s.handleConfig)

	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Run serves HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		s.closeClients()
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// CycleCompleted pushes the new status to WebSocket clients.
func (s *Server) CycleCompleted(out poller.Outcome) {
	st := s.poller.Status()
	s.broadcast(Frame{Status: &st, SOC: s.socData(), Stamp: out.At.UnixMilli()})
}

// OnConnectionClosed tells clients the dongle went away.
func (s *Server) OnConnectionClosed() {
	s.pushEvent("closed", "")
}

// OnConnectionError tells clients the channel failed.
func (s *Server) OnConnectionError(err error) {
	s.pushEvent("error", err.Error())
}

// OnUnsolicitedData tells clients a frame arrived with no command waiting.
func (s *Server) OnUnsolicitedData(frame string) {
	s.pushEvent("unsolicited", frame)
}

func (s *Server) pushEvent(event, detail string) {
	st := s.poller.Status()
	s.broadcast(Frame{Status: &st, Event: event, Detail: detail, Stamp: time.Now().UnixMilli()})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 16),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", n)

	// Send current status + SOC
	st := s.poller.Status()
	if data, err := json.Marshal(Frame{Status: &st, SOC: s.socData(), Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive, detects close)
	go func() {
		defer s.removeClient(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) removeClient(client *wsClient) {
	s.clientsMu.Lock()
	if _, ok := s.clients[client]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, client)
	close(client.send)
	n := len(s.clients)
	s.clientsMu.Unlock()
	log.Printf("[ws] client disconnected (%d total)", n)
}

func (s *Server) closeClients() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for client := range s.clients {
		delete(s.clients, client)
		close(client.send)
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

// socData reads the store and derives the range estimate.
func (s *Server) socData() *SOCData {
	soc, at, ok := s.poller.LastStoredSOC()
	if !ok {
		return &SOCData{}
	}
	d := &SOCData{SOC: &soc, LastChanged: &at}
	if dist := s.cfg.Distance100(); dist > 0 {
		r := math.Round(soc/100*dist*10) / 10
		d.RangeKm = &r
	}
	return d
}

func (s *Server) handleSOC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	if r.URL.Query().Get("refresh") == "1" && s.poller.NeedsRequery(time.Now()) {
		out := s.poller.RunNow()
		if out.Skipped {
			log.Printf("[server] refresh skipped, cycle already running")
		}
	}
	writeJSON(w, http.StatusOK, s.socData())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	writeJSON(w, http.StatusOK, s.poller.Status())
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	out := s.poller.RunNow()
	if out.Skipped {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "cycle already running"})
		return
	}
	res := QueryResult{State: out.State.String(), ErrorCounter: out.ErrorCounter}
	if out.SOCFound {
		soc := out.SOC
		res.SOC = &soc
	}
	if out.Err != nil {
		res.Error = out.Err.Error()
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	s.poller.ResetAll()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	res := map[string]*int{"rssi": nil}
	if s.signal != nil {
		if rssi, ok := s.signal.SignalStrength(r.Context()); ok {
			res["rssi"] = &rssi
		}
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		entries := []logger.Entry{}
		if s.ring != nil {
			entries = s.ring.Entries()
		}
		writeJSON(w, http.StatusOK, entries)

	case http.MethodDelete:
		if s.ring != nil {
			s.ring.Clear()
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] encode response: %v", err)
	}
}
