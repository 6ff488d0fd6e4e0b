// Package control exposes the local HTTP surface the CLI talks to: health,
// cached pipeline status, and command submission.
package control

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tidemill/weir/errs"
	"github.com/tidemill/weir/internal/bus"
	"github.com/tidemill/weir/internal/clock"
	"github.com/tidemill/weir/internal/schema"
)

const shutdownGrace = 3 * time.Second

// Config configures the listener.
type Config struct {
	Listen string
}

// StatusResponse is the GET /v1/status body.
type StatusResponse struct {
	Control schema.ControlState      `json:"control"`
	Market  *schema.MarketDataStatus `json:"market,omitempty"`
}

// CommandRequest is the POST /v1/command body.
type CommandRequest struct {
	Action string `json:"action"`
	Mode   string `json:"mode,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// CommandResponse acknowledges an accepted command.
type CommandResponse struct {
	CommandID string `json:"commandId"`
}

// Server caches the latest control and market status off the bus and serves
// them over HTTP. Handlers run on net/http goroutines; commands reach the
// bus through the dispatcher.
type Server struct {
	cfg  Config
	log  zerolog.Logger
	disp *bus.Dispatcher
	now  clock.Now

	mu      sync.RWMutex
	control schema.ControlState
	market  *schema.MarketDataStatus

	subs    []bus.Subscription
	httpSrv *http.Server
	started bool
	runCtx  context.Context
}

// NewServer builds the control server.
func NewServer(cfg Config, disp *bus.Dispatcher, now clock.Now, log zerolog.Logger) *Server {
	if now == nil {
		now = clock.System()
	}
	return &Server{
		cfg:  cfg,
		log:  log.With().Str("component", "control").Logger(),
		disp: disp,
		now:  now,
	}
}

// Start binds the listener and begins serving. Calling Start twice is an
// error.
func (s *Server) Start(ctx context.Context) error {
	if s.started {
		return errs.New("control", errs.CodeLifecycle, errs.WithMessage("already started"))
	}
	s.started = true
	s.runCtx = ctx

	b := s.disp.Bus()
	s.subs = append(s.subs,
		bus.Subscribe(b, schema.TopicControlState, s.onControlState),
		bus.Subscribe(b, schema.TopicMarketDataStatus, s.onMarketStatus),
	)

	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return errs.New("control", errs.CodeTransport, errs.WithMessage("listen "+s.cfg.Listen), errs.WithCause(err))
	}
	s.httpSrv = &http.Server{Handler: s.router()}
	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn().Err(err).Msg("control server stopped")
		}
	}()
	s.log.Info().Str("listen", listener.Addr().String()).Msg("control server up")
	return nil
}

// Addr returns the bound address, for tests using port 0.
func (s *Server) Addr() string {
	if s.httpSrv == nil {
		return ""
	}
	return s.cfg.Listen
}

// Stop drains the HTTP server and unsubscribes.
func (s *Server) Stop() {
	if !s.started {
		return
	}
	for _, sub := range s.subs {
		sub.Cancel()
	}
	s.subs = nil
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = s.httpSrv.Shutdown(ctx)
	}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/status", s.handleStatus)
	r.Post("/v1/command", s.handleCommand)
	return r
}

func (s *Server) onControlState(state schema.ControlState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.control = state
}

func (s *Server) onMarketStatus(status schema.MarketDataStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.market = &status
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	resp := StatusResponse{Control: s.control, Market: s.market}
	s.mu.RUnlock()
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	switch req.Action {
	case schema.CommandPause, schema.CommandResume, schema.CommandStatus, schema.CommandShutdown:
	case schema.CommandSetMode:
		if !schema.Mode(req.Mode).Valid() {
			s.writeError(w, http.StatusBadRequest, "mode must be LIVE|PAPER|BACKTEST")
			return
		}
	default:
		s.writeError(w, http.StatusBadRequest, "unknown action "+req.Action)
		return
	}

	cmd := schema.ControlCommand{
		Meta:      schema.NewMeta("control", schema.WithTsIngest(schema.TimeFromStd(s.now()))),
		CommandID: uuid.NewString(),
		Action:    req.Action,
		Mode:      schema.Mode(req.Mode),
		Reason:    req.Reason,
	}
	if err := s.disp.Enqueue(r.Context(), func() {
		bus.Publish(s.disp.Bus(), schema.TopicControlCommand, cmd)
	}); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "dispatcher unavailable")
		return
	}
	s.writeJSON(w, http.StatusAccepted, CommandResponse{CommandID: cmd.CommandID})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
