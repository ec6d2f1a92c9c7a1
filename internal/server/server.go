// Package server is the operator HTTP surface: health, status, redacted
// configuration, the persistent run metadata, Prometheus metrics and a
// websocket feed of live run documents.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tes-profile-go/internal/config"
	"tes-profile-go/internal/docs"
	"tes-profile-go/internal/logger"
	"tes-profile-go/internal/metrics"
	"tes-profile-go/internal/persist"
	"tes-profile-go/internal/runengine"
)

// Metadata is the persistent run metadata as served under /md.
type Metadata interface {
	Items() map[string]any
	Get(key string) (any, error)
	Set(key string, value any) error
	Delete(key string) error
	Flush() error
}

// CountRequest starts a count plan from the API.
type CountRequest struct {
	Num int            `json:"num"`
	MD  map[string]any `json:"md"`
}

type Options struct {
	Config   config.AppConfig
	Metadata Metadata
	StatusFn func() map[string]any
	// CountFn starts a run and returns its uid once the run is over.
	CountFn func(ctx context.Context, req CountRequest) (string, error)
	Logger  *zap.Logger
}

type Server struct {
	upgrader websocket.Upgrader
	clients  map[*websocket.Conn]*sync.Mutex
	mu       sync.Mutex
	opts     Options
	logger   *zap.Logger
	messages chan any
}

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10
)

func New(opts Options) *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:  make(map[*websocket.Conn]*sync.Mutex),
		opts:     opts,
		logger:   logger.OrNop(opts.Logger),
		messages: make(chan any, 256),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /config", s.handleConfig)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /md", s.handleMDList)
	mux.HandleFunc("POST /md/flush", s.handleMDFlush)
	mux.HandleFunc("GET /md/{key}", s.handleMDGet)
	mux.HandleFunc("PUT /md/{key}", s.handleMDPut)
	mux.HandleFunc("DELETE /md/{key}", s.handleMDDelete)
	mux.HandleFunc("POST /plans/count", s.handleCount)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(s.opts.Config.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	go s.broadcast(ctx)

	s.logger.Info("http server listening", zap.Int("port", s.opts.Config.Port))
	err := httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Emit queues a document for websocket clients. Documents are dropped while
// the queue is full so a slow client never stalls a run.
func (s *Server) Emit(_ context.Context, env docs.Envelope) error {
	msg := map[string]any{"type": "document", "name": env.Name, "doc": env.Doc}
	select {
	case s.messages <- msg:
	default:
		metrics.PublishErrorsTotal.WithLabelValues("websocket").Inc()
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s.mu.Lock()
	writeMu := &sync.Mutex{}
	s.clients[conn] = writeMu
	s.mu.Unlock()

	_ = s.writeJSON(conn, writeMu, map[string]any{"type": "status", "status": s.status()})

	go func() {
		done := make(chan struct{})
		go func() {
			ticker := time.NewTicker(pingEvery)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := s.writeMessage(conn, writeMu, websocket.PingMessage, nil); err != nil {
						_ = conn.Close()
						return
					}
				}
			}
		}()
		defer close(done)
		defer s.removeClient(conn)
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			var request map[string]any
			if err := json.Unmarshal(payload, &request); err != nil {
				continue
			}
			if request["type"] == "status_request" {
				_ = s.writeJSON(conn, writeMu, map[string]any{"type": "status", "status": s.status()})
			}
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Config.Redacted())
}

func (s *Server) status() map[string]any {
	payload := map[string]any{}
	if s.opts.StatusFn != nil {
		if st := s.opts.StatusFn(); st != nil {
			payload = st
		}
	}
	payload["ws_clients"] = s.clientCount()
	return payload
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleMDList(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Metadata == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("metadata not available"))
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Metadata.Items())
}

func (s *Server) handleMDGet(w http.ResponseWriter, r *http.Request) {
	if s.opts.Metadata == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("metadata not available"))
		return
	}
	value, err := s.opts.Metadata.Get(r.PathValue("key"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, value)
}

func (s *Server) handleMDPut(w http.ResponseWriter, r *http.Request) {
	if s.opts.Metadata == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("metadata not available"))
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var value any
	if err := json.Unmarshal(body, &value); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	key := r.PathValue("key")
	if err := s.opts.Metadata.Set(key, value); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.logger.Info("metadata set", zap.String("key", key))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMDDelete(w http.ResponseWriter, r *http.Request) {
	if s.opts.Metadata == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("metadata not available"))
		return
	}
	key := r.PathValue("key")
	if err := s.opts.Metadata.Delete(key); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.logger.Info("metadata deleted", zap.String("key", key))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMDFlush(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Metadata == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("metadata not available"))
		return
	}
	if err := s.opts.Metadata.Flush(); err != nil {
		metrics.MetadataFlushesTotal.WithLabelValues("error").Inc()
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	metrics.MetadataFlushesTotal.WithLabelValues("ok").Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	if s.opts.CountFn == nil {
		writeError(w, http.StatusNotImplemented, errors.New("plans are not enabled"))
		return
	}
	req := CountRequest{Num: 1}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Num < 1 {
		writeError(w, http.StatusBadRequest, errors.New("num must be positive"))
		return
	}
	uid, err := s.opts.CountFn(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, runengine.ErrBusy) {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]any{"uid": uid, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"uid": uid})
}

func (s *Server) broadcast(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case message := <-s.messages:
			payload, err := json.Marshal(message)
			if err != nil {
				s.logger.Warn("document not JSON encodable", zap.Error(err))
				continue
			}
			var stale []*websocket.Conn
			s.mu.Lock()
			for conn, writeMu := range s.clients {
				if err := s.writeMessage(conn, writeMu, websocket.TextMessage, payload); err != nil {
					stale = append(stale, conn)
				}
			}
			s.mu.Unlock()
			for _, conn := range stale {
				s.removeClient(conn)
			}
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) writeJSON(conn *websocket.Conn, writeMu *sync.Mutex, payload any) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(payload)
}

func (s *Server) writeMessage(conn *websocket.Conn, writeMu *sync.Mutex, messageType int, payload []byte) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, persist.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, persist.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, persist.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
