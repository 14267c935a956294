package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/homesync/internal/command"
	"github.com/nerrad567/homesync/internal/entity"
	"github.com/nerrad567/homesync/internal/infrastructure/config"
	"github.com/nerrad567/homesync/internal/infrastructure/logging"
	"github.com/nerrad567/homesync/internal/permission"
	"github.com/nerrad567/homesync/internal/session"
)

// gracefulShutdownTimeout bounds how long Close waits for in-flight requests.
const gracefulShutdownTimeout = 10 * time.Second

// Session is the part of *session.Session the API drives.
type Session interface {
	Status() session.Status
	SwitchHome(ctx context.Context, homeID string) error
	Homes(ctx context.Context) ([]entity.Home, error)
	Issue(ctx context.Context, cmd command.Command) (command.Command, error)
	CanAccessDevice(action, deviceID string) bool
}

// HealthChecker is a dependency whose health the metrics endpoint reports.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the server's collaborators. Health is optional.
type Deps struct {
	Config      config.APIConfig
	WS          config.WebSocketConfig
	Logger      *logging.Logger
	Store       *entity.Store
	Permissions permission.Checker
	Session     Session
	Health      map[string]HealthChecker
	Version     string
}

// Server is the local HTTP API server.
type Server struct {
	cfg         config.APIConfig
	wsCfg       config.WebSocketConfig
	logger      *logging.Logger
	store       *entity.Store
	permissions permission.Checker
	session     Session
	health      map[string]HealthChecker
	version     string
	startTime   time.Time

	hub    *Hub
	server *http.Server

	mu          sync.Mutex
	cancel      context.CancelFunc
	unsubscribe func()
}

// New checks deps and creates a server. Nothing listens until Start.
func New(deps Deps) (*Server, error) {
	switch {
	case deps.Logger == nil:
		return nil, fmt.Errorf("logger is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("store is required")
	case deps.Permissions == nil:
		return nil, fmt.Errorf("permission checker is required")
	case deps.Session == nil:
		return nil, fmt.Errorf("session is required")
	}
	return &Server{
		cfg:         deps.Config,
		wsCfg:       deps.WS,
		logger:      deps.Logger,
		store:       deps.Store,
		permissions: deps.Permissions,
		session:     deps.Session,
		health:      deps.Health,
		version:     deps.Version,
		startTime:   time.Now(),
		hub:         NewHub(deps.WS, deps.Logger),
	}, nil
}

// Start starts the hub relay and listens in the background. A listen
// error such as a port in use is returned.
func (s *Server) Start(ctx context.Context) error {
	srvCtx := s.startRelay(ctx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
		BaseContext:       func(net.Listener) context.Context { return srvCtx },
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.stopRelay()
		return fmt.Errorf("api listen on %s: %w", s.server.Addr, err)
	}
	s.logger.Info("API server listening", "address", ln.Addr().String())

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// startRelay runs the hub and feeds it store changes.
func (s *Server) startRelay(ctx context.Context) context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)
	s.unsubscribe = s.store.Subscribe(s.relayChange)
	return srvCtx
}

func (s *Server) stopRelay() {
	s.mu.Lock()
	cancel, unsub := s.cancel, s.unsubscribe
	s.cancel, s.unsubscribe = nil, nil
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
}

// Close stops the relay, disconnects WebSocket clients and shuts the
// listener down, waiting for in-flight requests.
func (s *Server) Close() error {
	s.stopRelay()
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck reports whether the server has been started.
func (s *Server) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("api health check: %w", err)
	}
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
