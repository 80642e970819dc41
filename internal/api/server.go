package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-driverhost/internal/driver"
	"github.com/nerrad567/gray-logic-driverhost/internal/field"
	"github.com/nerrad567/gray-logic-driverhost/internal/host"
	"github.com/nerrad567/gray-logic-driverhost/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-driverhost/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-driverhost/internal/poll"
	"github.com/nerrad567/gray-logic-driverhost/internal/roster"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// DriverHost is the subset of *host.Host the API serves.
type DriverHost interface {
	Load(ctx context.Context, spec driver.Spec) error
	Unload(ctx context.Context, moniker string) error
	Reload(ctx context.Context, moniker string) error
	Reconfigure(ctx context.Context, moniker string) error
	Drivers() []host.Summary
	Describe(moniker string) (host.Summary, error)
	DriverListID() uint32

	ReadField(ctx context.Context, moniker, name string) (field.Snapshot, error)
	WriteField(ctx context.Context, moniker, name string, value any, wait driver.WaitPolicy, timeout time.Duration) (field.Snapshot, error)
	QueryFields(ctx context.Context, moniker string) (driver.FieldList, error)
	SendBackdoor(ctx context.Context, moniker, op string, payload []byte) ([]byte, error)
	SetVerbosity(moniker string, v driver.Verbosity) error
}

// PollStats reports polling engine counters for /metrics.
type PollStats interface {
	Stats() poll.Stats
	Subscriptions() int
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Host     DriverHost

	// Roster persists drivers loaded or unloaded through the API.
	// Optional: without it roster changes last until restart.
	Roster roster.Repository

	// Subscriber backs WebSocket channels. Usually the *poll.Engine.
	Subscriber Subscriber

	// Poll is optional and only feeds /metrics.
	Poll PollStats

	Version string
}

// Server is the HTTP API server for the driver host.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	secCfg    config.SecurityConfig
	logger    *logging.Logger
	host      DriverHost
	roster    roster.Repository
	poll      PollStats
	version   string
	server    *http.Server
	hub       *Hub
	tickets   *ticketStore
	startTime time.Time
	cancel    context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The hub exists from construction so callers can wire the polling engine's
// OnChange to Hub().PublishChange before Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Host == nil {
		return nil, fmt.Errorf("driver host is required")
	}

	return &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		logger:    deps.Logger,
		host:      deps.Host,
		roster:    deps.Roster,
		poll:      deps.Poll,
		version:   deps.Version,
		hub:       NewHub(deps.WS, deps.Subscriber, deps.Logger),
		tickets:   newTicketStore(),
		startTime: time.Now(),
	}, nil
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub and ticket cleanup, then launches the HTTP
// listener in a background goroutine. The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	go s.cleanTicketsLoop(srvCtx)

	if s.secCfg.JWT.Secret == "" {
		s.logger.Warn("API authentication disabled: no JWT secret configured")
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
