package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"tlogd/pkg/tlog"
	"tlogd/pkg/types"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPAddr        = ":8080"
	defaultShutdownTimeout = time.Second * 5
)

type iLogServer interface {
	Recruit(ctx context.Context, req tlog.InitializeRequest) (tlog.Interface, error)
	Recruitment(ctx context.Context, id uuid.UUID) (tlog.Interface, error)
	Commit(ctx context.Context, req tlog.CommitRequest) (tlog.CommitReply, error)
	Peek(ctx context.Context, req tlog.PeekRequest) (tlog.PeekReply, error)
	Pop(ctx context.Context, req tlog.PopRequest) error
	Lock(ctx context.Context, logID types.LogID) ([]tlog.LockResult, error)
	ConfirmRunning(logID types.LogID) error
	QueuingMetrics() []tlog.QueuingMetrics
	DisablePop(uid string) error
	EnablePop(uid string) error
}

// LogIDRequest addresses one generation.
type LogIDRequest struct {
	LogID types.LogID `json:"logId"`
}

// PopControlRequest disables or re-enables pops on behalf of uid.
type PopControlRequest struct {
	UID string `json:"uid"`
}

// Server exposes a log server over HTTP.
type Server struct {
	logs       iLogServer
	metrics    http.Handler
	logger     *slog.Logger
	httpServer *http.Server
	URL        string
	addr       string

	ReadHeaderTimeout time.Duration
}

// NewServer creates a new server instance. metrics may be nil.
func NewServer(logs iLogServer, metrics http.Handler, addr string, logger *slog.Logger) *Server {
	if addr == "" {
		addr = defaultHTTPAddr
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logs:    logs,
		metrics: metrics,
		logger:  logger.With("component", "http"),
		URL:     "http://" + addr,
		addr:    addr,

		ReadHeaderTimeout: time.Second,
	}
}

// Run serves until ctx is done, then shuts the listener down.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.URL = "http://" + ln.Addr().String()

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()
	s.logger.Info("HTTP server started", "addr", s.URL)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server error: %w", err)
	case <-ctx.Done():
	}
	return s.Stop()
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/recruit", s.handleRecruit)
		r.Get("/recruit/{id}", s.handleRecruitment)
		r.Post("/commit", s.handleCommit)
		r.Post("/peek", s.handlePeek)
		r.Post("/pop", s.handlePop)
		r.Post("/lock", s.handleLock)
		r.Post("/confirm", s.handleConfirm)
		r.Post("/pop/disable", s.handleDisablePop)
		r.Post("/pop/enable", s.handleEnablePop)
		r.Get("/queuing-metrics", s.handleQueuingMetrics)
	})

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	s.writeJSON(w, status, NewErrorResponse(err))
}

// decode reads a JSON body into v, answering 400 itself when it cannot.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewBadRequestResponse(err))
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleRecruit(w http.ResponseWriter, r *http.Request) {
	var req tlog.InitializeRequest
	if !s.decode(w, r, &req) {
		return
	}
	iface, err := s.logs.Recruit(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(iface))
}

func (s *Server) handleRecruitment(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewBadRequestResponse(err))
		return
	}
	iface, err := s.logs.Recruitment(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(iface))
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req tlog.CommitRequest
	if !s.decode(w, r, &req) {
		return
	}
	reply, err := s.logs.Commit(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(reply))
}

func (s *Server) handlePeek(w http.ResponseWriter, r *http.Request) {
	var req tlog.PeekRequest
	if !s.decode(w, r, &req) {
		return
	}
	reply, err := s.logs.Peek(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(reply))
}

func (s *Server) handlePop(w http.ResponseWriter, r *http.Request) {
	var req tlog.PopRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.logs.Pop(r.Context(), req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	var req LogIDRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.logs.Lock(r.Context(), req.LogID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(res))
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req LogIDRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.logs.ConfirmRunning(req.LogID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleDisablePop(w http.ResponseWriter, r *http.Request) {
	var req PopControlRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.logs.DisablePop(req.UID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleEnablePop(w http.ResponseWriter, r *http.Request) {
	var req PopControlRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.logs.EnablePop(req.UID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleQueuingMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewValueResponse(s.logs.QueuingMetrics()))
}
