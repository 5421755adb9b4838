package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/benmeehan/ota-agent/internal/models"
)

// Updater is the part of the update service exposed over HTTP.
type Updater interface {
	Status() models.UpdateStatus
	HandleTrigger(cmd models.TriggerCommand) (bool, error)
}

// StatusServer serves health, status, metrics and manual check requests on a local address.
type StatusServer struct {
	ListenAddr string
	Updater    Updater
	Gatherer   prometheus.Gatherer
	Logger     zerolog.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// NewStatusServer creates a server. Start binds the listener.
func NewStatusServer(listenAddr string, updater Updater, gatherer prometheus.Gatherer, logger zerolog.Logger) *StatusServer {
	return &StatusServer{
		ListenAddr: listenAddr,
		Updater:    updater,
		Gatherer:   gatherer,
		Logger:     logger,
	}
}

// Router builds the route table.
func (s *StatusServer) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			s.Logger.Error().Err(err).Msg("write healthz response")
		}
	}).Methods(http.MethodGet)

	r.HandleFunc("/status", s.getStatus).Methods(http.MethodGet)
	r.HandleFunc("/check", s.postCheck).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

// Start listens on ListenAddr and serves in the background.
func (s *StatusServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.New("status server is already running")
	}

	ln, err := net.Listen("tcp", s.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	s.done = make(chan struct{})

	server, done := s.server, s.done
	go func() {
		defer close(done)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error().Err(err).Msg("Status server stopped unexpectedly")
		}
	}()

	s.Logger.Info().Str("addr", ln.Addr().String()).Msg("Status server listening")
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *StatusServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the server down, waiting up to five seconds for in-flight requests.
func (s *StatusServer) Stop() error {
	s.mu.Lock()
	server, done := s.server, s.done
	s.server, s.listener, s.done = nil, nil, nil
	s.mu.Unlock()

	if server == nil {
		return errors.New("status server is not running")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := server.Shutdown(ctx)
	<-done

	s.Logger.Info().Msg("Status server stopped")
	return err
}

func (s *StatusServer) getStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Updater.Status()); err != nil {
		s.Logger.Error().Err(err).Msg("write status response")
	}
}

type checkResponse struct {
	Triggered bool   `json:"triggered"`
	Error     string `json:"error,omitempty"`
}

func (s *StatusServer) postCheck(w http.ResponseWriter, r *http.Request) {
	var cmd models.TriggerCommand
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&cmd); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, checkResponse{Error: "invalid request body"})
		return
	}

	triggered, err := s.Updater.HandleTrigger(cmd)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, checkResponse{Error: err.Error()})
		return
	}
	if !triggered {
		writeJSON(w, http.StatusConflict, checkResponse{Error: "update already in progress"})
		return
	}
	s.Logger.Info().Str("channel", cmd.Channel).Msg("Update check requested over HTTP")
	writeJSON(w, http.StatusAccepted, checkResponse{Triggered: true})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
