// Package server exposes the coordinator over HTTP.
//
// Commands are JSON POSTs under /api/. A command that the coordinator
// rejects answers 200 with {ok:false,error}; a request that cannot be
// decoded answers 400. Push notifications are streamed over a websocket at
// /api/events.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"nodevalidator/internal/analysis"
	"nodevalidator/internal/coordinator"
	"nodevalidator/internal/logging"
	"nodevalidator/internal/notify"
	"nodevalidator/internal/store"
	"nodevalidator/internal/types"
)

const maxBodySize = 8 << 20

// Commands is the coordinator surface the server drives.
type Commands interface {
	Load(ctx context.Context, items []types.Item) error
	Start(ctx context.Context, req coordinator.StartRequest) error
	Stop(ctx context.Context) error
	Resume(ctx context.Context, automated *bool) error
	RecordVerdict(ctx context.Context, index int, status types.Status, comments string) error
	Advance(ctx context.Context) (bool, error)
	ToggleMode(ctx context.Context, automated bool) (types.Mode, error)
	Reset(ctx context.Context) error
	GetState(ctx context.Context) (coordinator.Snapshot, error)
	Heartbeat() time.Time
	LastLocate() (coordinator.LocateRecord, bool)
	Idle() (time.Duration, bool)
}

// ReportStore persists saved reports.
type ReportStore interface {
	Save(ctx context.Context, rep store.Report) error
	List(ctx context.Context) ([]store.Report, error)
	Get(ctx context.Context, id string) (store.Report, error)
	Delete(ctx context.Context, id string) error
}

// Options configure a Server. Reports and Analyzer are optional.
type Options struct {
	Commands Commands
	Hub      *notify.Hub
	Reports  ReportStore
	Analyzer *analysis.Analyzer
	Rules    []analysis.Rule
}

// Server serves the command protocol.
type Server struct {
	cmds     Commands
	hub      *notify.Hub
	reports  ReportStore
	analyzer *analysis.Analyzer
	rules    []analysis.Rule

	upgrader websocket.Upgrader
	mux      *http.ServeMux
	closing  chan struct{}
	now      func() time.Time
}

// New creates a Server.
func New(opts Options) *Server {
	s := &Server{
		cmds:     opts.Commands,
		hub:      opts.Hub,
		reports:  opts.Reports,
		analyzer: opts.Analyzer,
		rules:    opts.Rules,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     localOrigin,
		},
		mux:     http.NewServeMux(),
		closing: make(chan struct{}),
		now:     time.Now,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/load", s.handleLoad)
	s.mux.HandleFunc("POST /api/start", s.handleStart)
	s.mux.HandleFunc("POST /api/stop", s.handleStop)
	s.mux.HandleFunc("POST /api/resume", s.handleResume)
	s.mux.HandleFunc("POST /api/verdict", s.handleVerdict)
	s.mux.HandleFunc("POST /api/advance", s.handleAdvance)
	s.mux.HandleFunc("GET /api/state", s.handleState)
	s.mux.HandleFunc("POST /api/mode", s.handleMode)
	s.mux.HandleFunc("POST /api/reset", s.handleReset)
	s.mux.HandleFunc("GET /api/heartbeat", s.handleHeartbeat)
	s.mux.HandleFunc("GET /api/element", s.handleElement)
	s.mux.HandleFunc("GET /api/export", s.handleExport)
	s.mux.HandleFunc("GET /api/reports", s.handleListReports)
	s.mux.HandleFunc("POST /api/reports", s.handleSaveReport)
	s.mux.HandleFunc("GET /api/reports/{id}", s.handleGetReport)
	s.mux.HandleFunc("DELETE /api/reports/{id}", s.handleDeleteReport)
	s.mux.HandleFunc("GET /api/rules", s.handleRules)
	s.mux.HandleFunc("POST /api/analyze", s.handleAnalyze)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// Serve accepts connections on ln until ctx is done, then shuts down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Server("Listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		close(s.closing)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	close(s.closing)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
		return fmt.Errorf("shutdown: %w", err)
	}
	logging.Server("Server stopped")
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if r.URL.Path != "/api/heartbeat" {
			logging.ServerDebug("%s %s (%v)", r.Method, r.URL.Path, time.Since(start))
		}
	})
}

// localOrigin accepts requests without an Origin header (CLI clients) and
// browser pages served from a loopback host.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, prefix := range []string{"http://127.0.0.1", "http://localhost", "chrome-extension://"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}
