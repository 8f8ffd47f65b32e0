// Package grouporder parses group order command flags and runs the service.
package grouporder

import (
	"context"
	"flag"
	"fmt"
	"time"

	"go.uber.org/zap"

	entrypoint "github.com/louisbranch/grouporder/internal/platform/cmd"
	"github.com/louisbranch/grouporder/internal/platform/logging"
	"github.com/louisbranch/grouporder/internal/services/grouporder/domain"
	"github.com/louisbranch/grouporder/internal/services/grouporder/server"
)

// Config holds group order command configuration. Environment variables are
// read with the GROUPORDER_ prefix.
type Config struct {
	HTTPAddr   string `env:"HTTP_ADDR"   envDefault:":8080"`
	HealthAddr string `env:"HEALTH_ADDR" envDefault:":8081"`

	Store         string `env:"STORE"          envDefault:"sqlite"`
	DBPath        string `env:"DB_PATH"        envDefault:"data/grouporder.db"`
	MongoURI      string `env:"MONGO_URI"      envDefault:"mongodb://localhost:27017"`
	MongoDatabase string `env:"MONGO_DATABASE" envDefault:"grouporder"`

	RabbitMQURL string `env:"RABBITMQ_URL"`
	MenuBaseURL string `env:"MENU_BASE_URL"`
	JWTSecret   string `env:"JWT_SECRET"`

	TaxRateBPS    int64 `env:"TAX_RATE_BPS"    envDefault:"0"`
	ServiceFeeBPS int64 `env:"SERVICE_FEE_BPS" envDefault:"0"`
	DeliveryFee   int64 `env:"DELIVERY_FEE"    envDefault:"0"`

	SessionTTL             time.Duration `env:"SESSION_TTL"              envDefault:"2h"`
	DefaultMaxParticipants int           `env:"DEFAULT_MAX_PARTICIPANTS" envDefault:"8"`
	OneSessionPerTable     bool          `env:"ONE_SESSION_PER_TABLE"    envDefault:"false"`
	SweepInterval          time.Duration `env:"EXPIRY_SWEEP_INTERVAL"    envDefault:"30s"`
	SweepBatch             int           `env:"EXPIRY_SWEEP_BATCH"       envDefault:"100"`

	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	entrypoint.TelemetryConfig
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address")
	fs.StringVar(&cfg.HealthAddr, "health-addr", cfg.HealthAddr, "gRPC health listen address; empty disables it")
	fs.StringVar(&cfg.Store, "store", cfg.Store, "session store backend (sqlite or mongo)")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "sqlite database path")
	fs.StringVar(&cfg.MongoURI, "mongo-uri", cfg.MongoURI, "MongoDB connection URI")
	fs.StringVar(&cfg.MongoDatabase, "mongo-database", cfg.MongoDatabase, "MongoDB database name")
	fs.StringVar(&cfg.RabbitMQURL, "rabbitmq-url", cfg.RabbitMQURL, "RabbitMQ URL for session events; empty disables publishing")
	fs.StringVar(&cfg.MenuBaseURL, "menu-base-url", cfg.MenuBaseURL, "menu service base URL; empty disables catalog items")
	fs.Int64Var(&cfg.TaxRateBPS, "tax-rate-bps", cfg.TaxRateBPS, "tax rate in basis points")
	fs.Int64Var(&cfg.ServiceFeeBPS, "service-fee-bps", cfg.ServiceFeeBPS, "service fee in basis points")
	fs.Int64Var(&cfg.DeliveryFee, "delivery-fee", cfg.DeliveryFee, "delivery fee in minor units for sessions without a table")
	fs.DurationVar(&cfg.SessionTTL, "session-ttl", cfg.SessionTTL, "session lifetime")
	fs.IntVar(&cfg.DefaultMaxParticipants, "default-max-participants", cfg.DefaultMaxParticipants, "participant cap when a session does not set one")
	fs.BoolVar(&cfg.OneSessionPerTable, "one-session-per-table", cfg.OneSessionPerTable, "reject a second open session for the same table")
	fs.DurationVar(&cfg.SweepInterval, "expiry-sweep-interval", cfg.SweepInterval, "how often overdue sessions are expired")
	fs.IntVar(&cfg.SweepBatch, "expiry-sweep-batch", cfg.SweepBatch, "sessions expired per sweep batch")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (json or console)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if cfg.SessionTTL <= 0 {
		return Config{}, fmt.Errorf("session ttl must be positive, got %s", cfg.SessionTTL)
	}
	return cfg, nil
}

// ServerConfig maps command configuration onto the server runtime.
func (c Config) ServerConfig(logger *zap.Logger) server.Config {
	return server.Config{
		HTTPAddr:      c.HTTPAddr,
		HealthAddr:    c.HealthAddr,
		Store:         c.Store,
		DBPath:        c.DBPath,
		MongoURI:      c.MongoURI,
		MongoDatabase: c.MongoDatabase,
		RabbitMQURL:   c.RabbitMQURL,
		MenuBaseURL:   c.MenuBaseURL,
		JWTSecret:     c.JWTSecret,
		Pricing: domain.Pricing{
			TaxRate:     domain.BasisPoints(c.TaxRateBPS),
			ServiceFee:  domain.BasisPoints(c.ServiceFeeBPS),
			DeliveryFee: domain.Money(c.DeliveryFee),
		},
		SessionTTL:             c.SessionTTL,
		DefaultMaxParticipants: c.DefaultMaxParticipants,
		OneSessionPerTable:     c.OneSessionPerTable,
		SweepInterval:          c.SweepInterval,
		SweepBatch:             c.SweepBatch,
		Logger:                 logger,
	}
}

// Run builds the service and serves it until ctx is done.
func Run(ctx context.Context, cfg Config, version string) error {
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("service", entrypoint.ServiceGroupOrder))

	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceGroupOrder, entrypoint.RunOptions{
		Version:   version,
		Telemetry: cfg.TelemetryConfig,
		Logger:    logger,
	}, func(ctx context.Context) error {
		srv, err := server.New(ctx, cfg.ServerConfig(logger))
		if err != nil {
			return fmt.Errorf("build server: %w", err)
		}
		defer func() {
			if err := srv.Close(); err != nil {
				logger.Warn("close server", zap.Error(err))
			}
		}()
		if err := srv.Run(ctx); err != nil {
			return fmt.Errorf("serve grouporder: %w", err)
		}
		return nil
	})
}
