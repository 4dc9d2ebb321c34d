// Package server exposes the DID service over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"didmovement/crypto"
	"didmovement/ledger"
	"didmovement/services/didmovement/custody"
	"didmovement/services/didmovement/records"
	"didmovement/services/didmovement/registry"
	"didmovement/services/didmovement/server/middleware"
	"didmovement/services/didmovement/tasks"
)

const (
	defaultServiceName        = "corr.ai"
	defaultServiceDescription = "AI task solver"
	defaultShutdownTimeout    = 10 * time.Second
	maxFormBytes              = 1 << 20
)

// Config defines the HTTP surface.
type Config struct {
	ListenAddress   string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// ExplorerAccountURL is a format string with one %s for the address.
	ExplorerAccountURL string
	// ServiceName and ServiceDescription are the metadata registered by
	// did_register_service when the caller supplies none.
	ServiceName        string
	ServiceDescription string
	LogRequests        bool
	Auth               middleware.AuthConfig
	CORS               middleware.CORSConfig
	RateLimits         map[string]middleware.RateLimit
	// TrustProxyHeaders keys rate limits on X-Real-IP / X-Forwarded-For.
	TrustProxyHeaders bool
}

// Accounts is the custody surface used by the handlers.
type Accounts interface {
	GenerateAccount(ctx context.Context) (crypto.Address, error)
	AccountInfo(ctx context.Context, addr crypto.Address) (custody.AccountView, error)
}

// Balances reads coin balances from the ledger.
type Balances interface {
	CoinBalance(ctx context.Context, addr crypto.Address) (*ledger.Balance, error)
}

// TaskSolver answers the callback advertised by a registered service.
type TaskSolver interface {
	SolveTask(ctx context.Context, addr crypto.Address, name, taskID string) (tasks.Result, error)
}

// Deps are the components behind the endpoints. Balances may be nil when the
// service runs without a ledger, Tasks when no solver is configured.
type Deps struct {
	Accounts Accounts
	DIDs     *registry.DIDRegistry
	Services *registry.ServiceRegistry
	Records  *records.Log
	Balances Balances
	Tasks    TaskSolver
	Logger   *slog.Logger
}

// Server hosts the DID endpoints.
type Server struct {
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	handler http.Handler
}

// New validates deps and builds the router.
func New(cfg Config, deps Deps) (*Server, error) {
	switch {
	case deps.Accounts == nil:
		return nil, errors.New("server: accounts required")
	case deps.DIDs == nil:
		return nil, errors.New("server: did registry required")
	case deps.Services == nil:
		return nil, errors.New("server: service registry required")
	case deps.Records == nil:
		return nil, errors.New("server: record log required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		cfg.ServiceName = defaultServiceName
	}
	if strings.TrimSpace(cfg.ServiceDescription) == "" {
		cfg.ServiceDescription = defaultServiceDescription
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	srv := &Server{cfg: cfg, deps: deps, logger: deps.Logger.With("component", "server")}
	srv.handler = otelhttp.NewHandler(srv.buildRouter(), "did-movement")
	return srv, nil
}

// Handler exposes the instrumented router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) buildRouter() http.Handler {
	obs := middleware.NewObservability(middleware.ObservabilityConfig{Enabled: true, LogRequests: s.cfg.LogRequests}, s.logger)
	limiter := middleware.NewRateLimiter(s.cfg.RateLimits, s.cfg.TrustProxyHeaders, s.logger)
	auth := middleware.NewAuthenticator(s.cfg.Auth, s.logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(s.cfg.CORS))

	r.Get("/", s.handleIndex)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	read := func(route string, h http.HandlerFunc) {
		r.With(obs.Middleware(route)).Get("/"+route, h)
	}
	write := func(route string, h http.HandlerFunc) {
		chain := r.With(obs.Middleware(route), limiter.Middleware(route), auth.Middleware(middleware.ScopeWrite))
		chain.Get("/"+route, h)
		chain.Post("/"+route, h)
	}

	read("acct_info", s.handleAccountInfo)
	read("records", s.handleRecords)
	read("balance", s.handleBalance)
	read("did_onchain", s.handleOnChain)
	write("acct_gen", s.handleAccountGenerate)
	write("did_init", s.handleDidInit)
	write("did_register_service", s.handleRegisterService)
	write("record_insert", s.handleRecordInsert)

	// The task board calls back without a bearer token.
	callback := r.With(obs.Middleware("callback"), limiter.Middleware("callback"))
	callback.Get("/callback/{addr}/{name}", s.handleCallback)
	callback.Post("/callback/{addr}/{name}", s.handleCallback)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, http.StatusNotFound, "NotFound", "no route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", r.Method+" is not allowed")
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	srv := &http.Server{
		Addr:         s.cfg.ListenAddress,
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	shutdownErr := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		shutdownErr <- srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", "address", s.cfg.ListenAddress)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	if err := <-shutdownErr; err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}
