// Package web serves task control and live task output over HTTP and
// WebSocket.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dshills/cargoproc/internal/app"
	"github.com/dshills/cargoproc/internal/catalog"
	"github.com/dshills/cargoproc/internal/event"
	"github.com/dshills/cargoproc/internal/logging"
	"github.com/dshills/cargoproc/internal/process"
	"github.com/dshills/cargoproc/internal/runner"
	"github.com/dshills/cargoproc/internal/surface"
)

// Backend is what the server drives. *app.Application implements it.
type Backend interface {
	RunAction(action catalog.Action, p catalog.Params, vis app.Visibility) (catalog.Command, error)
	Runner() *runner.Runner
	Surfaces() *surface.Registry
	Bus() *event.Bus
}

// RunRequest is the optional JSON body of POST /api/run/{action}.
type RunRequest struct {
	Name       string   `json:"name,omitempty"`
	Bin        bool     `json:"bin,omitempty"`
	Term       string   `json:"term,omitempty"`
	Extra      []string `json:"extra,omitempty"`
	Visibility string   `json:"visibility,omitempty"`
}

// RunResponse describes a started task.
type RunResponse struct {
	Task   string   `json:"task"`
	Argv   []string `json:"argv"`
	Hidden bool     `json:"hidden"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Task  string `json:"task,omitempty"`
}

// Server is the web front end.
type Server struct {
	backend Backend
	log     *logging.Logger
	hub     *hub
	mux     *http.ServeMux

	upgrader websocket.Upgrader
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the diagnostics logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// WithCheckOrigin replaces the WebSocket origin check. The default
// accepts same-host origins only.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(s *Server) {
		s.upgrader.CheckOrigin = fn
	}
}

// New creates a server for b and subscribes it to surface and task
// events. Close releases the subscriptions.
func New(b Backend, opts ...Option) *Server {
	s := &Server{
		backend: b,
		mux:     http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logging.OrDefault(s.log).WithComponent("web")
	s.hub = newHub(s.log)
	s.hub.attach(b.Surfaces(), b.Bus())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/tasks", s.handleTasks)
	s.mux.HandleFunc("POST /api/run/{action}", s.handleRun)
	s.mux.HandleFunc("POST /api/stop/{task}", s.handleStop)
	s.mux.HandleFunc("GET /api/surface/{task}", s.handleSurface)
	s.mux.HandleFunc("GET /ws", s.handleWS)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Close disconnects every WebSocket client and unsubscribes the server.
func (s *Server) Close() {
	s.hub.close()
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleTasks(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.backend.Runner().Tasks())
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	action, err := catalog.Parse(r.PathValue("action"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err, "")
		return
	}

	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, err, "")
		return
	}
	vis, err := parseVisibility(req.Visibility)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err, "")
		return
	}

	cmd, err := s.backend.RunAction(action, catalog.Params{
		Name:  req.Name,
		Bin:   req.Bin,
		Term:  req.Term,
		Extra: req.Extra,
	}, vis)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusAccepted, RunResponse{Task: cmd.TaskName, Argv: cmd.Argv, Hidden: cmd.Hidden})
	case errors.Is(err, catalog.ErrMissingName), errors.Is(err, catalog.ErrMissingTerm):
		s.writeError(w, http.StatusBadRequest, err, "")
	case process.IsSpawnError(err):
		s.writeError(w, http.StatusUnprocessableEntity, err, cmd.TaskName)
	case errors.Is(err, app.ErrClosed), errors.Is(err, runner.ErrShutdown):
		s.writeError(w, http.StatusServiceUnavailable, err, cmd.TaskName)
	default:
		s.writeError(w, http.StatusInternalServerError, err, cmd.TaskName)
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	task := r.PathValue("task")
	err := s.backend.Runner().Stop(task)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, runner.ErrNotRunning):
		s.writeError(w, http.StatusConflict, err, task)
	default:
		s.writeError(w, http.StatusInternalServerError, err, task)
	}
}

func (s *Server) handleSurface(w http.ResponseWriter, r *http.Request) {
	task := r.PathValue("task")
	surf, ok := s.backend.Surfaces().Get(task)
	if !ok {
		s.writeError(w, http.StatusNotFound, errors.New("no such surface"), task)
		return
	}
	s.writeJSON(w, http.StatusOK, surf.Snapshot())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("ws upgrade failed: %v", err)
		return
	}
	c := s.hub.register(conn)
	if c == nil {
		return
	}

	reg := s.backend.Surfaces()
	for _, name := range reg.Names() {
		if surf, ok := reg.Get(name); ok {
			snap := surf.Snapshot()
			c.enqueue(Message{Type: MessageSnapshot, Surface: &snap})
		}
	}
}

func parseVisibility(s string) (app.Visibility, error) {
	switch s {
	case "", "default":
		return app.VisibilityDefault, nil
	case "show":
		return app.VisibilityShow, nil
	case "hide", "hidden":
		return app.VisibilityHide, nil
	}
	return app.VisibilityDefault, errors.New("visibility must be default, show or hide")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("failed to write response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error, task string) {
	s.writeJSON(w, status, ErrorResponse{Error: err.Error(), Task: task})
}
