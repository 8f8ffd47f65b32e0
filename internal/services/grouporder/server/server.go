// Package server composes the group order service: store, notifier, menu
// client, HTTP API, expiry supervisor and gRPC health endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	platformgrpc "github.com/louisbranch/grouporder/internal/platform/grpc"
	"github.com/louisbranch/grouporder/internal/platform/logging"
	"github.com/louisbranch/grouporder/internal/platform/timeouts"
	"github.com/louisbranch/grouporder/internal/services/grouporder/api/httpapi"
	"github.com/louisbranch/grouporder/internal/services/grouporder/app"
	"github.com/louisbranch/grouporder/internal/services/grouporder/broadcast"
	"github.com/louisbranch/grouporder/internal/services/grouporder/domain"
	"github.com/louisbranch/grouporder/internal/services/grouporder/identity"
	"github.com/louisbranch/grouporder/internal/services/grouporder/menu"
	"github.com/louisbranch/grouporder/internal/services/grouporder/metrics"
	"github.com/louisbranch/grouporder/internal/services/grouporder/notify"
	"github.com/louisbranch/grouporder/internal/services/grouporder/storage"
	"github.com/louisbranch/grouporder/internal/services/grouporder/storage/mongo"
	"github.com/louisbranch/grouporder/internal/services/grouporder/storage/sqlite"
)

// HealthService is the gRPC health service name reported by the server.
const HealthService = "grouporder.v1.SessionService"

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreMongo  = "mongo"
)

// Config holds runtime settings.
type Config struct {
	HTTPAddr   string
	HealthAddr string

	Store         string
	DBPath        string
	MongoURI      string
	MongoDatabase string

	RabbitMQURL string
	MenuBaseURL string
	JWTSecret   string

	Pricing                domain.Pricing
	SessionTTL             time.Duration
	DefaultMaxParticipants int
	OneSessionPerTable     bool
	SweepInterval          time.Duration
	SweepBatch             int

	ShutdownTimeout   time.Duration
	ReadHeaderTimeout time.Duration

	Logger   *zap.Logger
	Registry *prometheus.Registry
}

// Server owns the process-level resources of the service.
type Server struct {
	cfg        Config
	logger     *zap.Logger
	store      storage.SessionStore
	closers    []func() error
	hub        *broadcast.Hub
	service    *app.Service
	supervisor *app.Supervisor
	httpServer *http.Server
	health     *platformgrpc.HealthServer
}

// New opens the store and collaborators and builds the handlers.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		return nil, errors.New("http address is required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = timeouts.Shutdown
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	logger := logging.OrNop(cfg.Logger)
	s := &Server{cfg: cfg, logger: logger}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.store = store
	s.closers = append(s.closers, store.Close)

	collector := metrics.NewCollector()
	if err := cfg.Registry.Register(collector); err != nil {
		s.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	notifier, err := s.openNotifier(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}

	var lookup menu.Lookup
	if strings.TrimSpace(cfg.MenuBaseURL) != "" {
		client, err := menu.NewHTTPClient(cfg.MenuBaseURL, logger, menu.WithHTTPTimeout(timeouts.MenuLookup))
		if err != nil {
			s.Close()
			return nil, err
		}
		lookup = client
	}

	s.hub = broadcast.NewHub(broadcast.WithLogger(logger), broadcast.WithObserver(collector))
	s.service, err = app.NewService(app.Config{
		Pricing:                cfg.Pricing,
		SessionTTL:             cfg.SessionTTL,
		DefaultMaxParticipants: cfg.DefaultMaxParticipants,
		OneSessionPerTable:     cfg.OneSessionPerTable,
	}, app.Deps{
		Store:    store,
		Hub:      s.hub,
		Notifier: notifier,
		Menu:     lookup,
		Metrics:  collector,
		Logger:   logger,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("build service: %w", err)
	}
	s.supervisor = app.NewSupervisor(s.service, cfg.SweepInterval, cfg.SweepBatch)

	handler := httpapi.NewHandler(s.service, identity.NewResolver(cfg.JWTSecret, nil),
		httpapi.WithLogger(logger),
		httpapi.WithMetrics(cfg.Registry),
	)
	s.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(handler, "grouporder.http"),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	if strings.TrimSpace(cfg.HealthAddr) != "" {
		s.health = platformgrpc.NewHealthServer(HealthService)
	}
	return s, nil
}

func openStore(ctx context.Context, cfg Config) (storage.SessionStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Store)) {
	case "", StoreSQLite:
		store, err := sqlite.Open(ctx, cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	case StoreMongo:
		store, err := mongo.Open(ctx, mongo.Config{URI: cfg.MongoURI, Database: cfg.MongoDatabase, Timeout: timeouts.StoreConnect})
		if err != nil {
			return nil, fmt.Errorf("open mongo store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

// openNotifier always logs events and also publishes them to RabbitMQ when
// a broker URL is configured.
func (s *Server) openNotifier(cfg Config) (notify.Notifier, error) {
	notifiers := notify.Multi{notify.NewLog(s.logger.Named("events"))}
	if url := strings.TrimSpace(cfg.RabbitMQURL); url != "" {
		broker, err := notify.DialRabbitMQ(url)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, broker.Close)
		notifiers = append(notifiers, broker)
	}
	return notifiers, nil
}

// Service exposes the session service.
func (s *Server) Service() *app.Service {
	return s.service
}

// Handler exposes the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves HTTP, gRPC health and the expiry supervisor until ctx ends or
// one of them fails.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen http %s: %w", s.cfg.HTTPAddr, err)
	}
	var healthLis net.Listener
	if s.health != nil {
		healthLis, err = net.Listen("tcp", s.cfg.HealthAddr)
		if err != nil {
			_ = lis.Close()
			return fmt.Errorf("listen health %s: %w", s.cfg.HealthAddr, err)
		}
	}
	return s.serve(ctx, lis, healthLis)
}

func (s *Server) serve(ctx context.Context, lis, healthLis net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("http listening", zap.String("addr", lis.Addr().String()))
		if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return s.supervisor.Run(gctx)
	})
	if s.health != nil && healthLis != nil {
		g.Go(func() error {
			s.logger.Info("health listening", zap.String("addr", healthLis.Addr().String()))
			return s.health.Serve(gctx, healthLis)
		})
		s.health.SetServing(true)
	}
	return g.Wait()
}

// Close releases the store and broker connections.
func (s *Server) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
