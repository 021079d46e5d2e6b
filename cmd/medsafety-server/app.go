package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/ehr/medsafety/internal/config"
	"github.com/ehr/medsafety/internal/domain/dispense"
	"github.com/ehr/medsafety/internal/domain/interaction"
	"github.com/ehr/medsafety/internal/domain/inventory"
	"github.com/ehr/medsafety/internal/domain/mar"
	"github.com/ehr/medsafety/internal/domain/recall"
	"github.com/ehr/medsafety/internal/platform/allergy"
	"github.com/ehr/medsafety/internal/platform/archive"
	"github.com/ehr/medsafety/internal/platform/db"
	"github.com/ehr/medsafety/internal/platform/events"
	"github.com/ehr/medsafety/internal/platform/metrics"
	"github.com/ehr/medsafety/internal/platform/notification"
	"github.com/ehr/medsafety/internal/platform/resilience"
	"github.com/ehr/medsafety/internal/platform/tracing"
)

// app holds the wired services shared by serve and the maintenance commands.
type app struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
	tracer  *tracing.Provider
	kafka   *events.KafkaPublisher

	interactions *interaction.Service
	inventory    *inventory.Service
	dispenses    *dispense.Service
	mar          *mar.Service
	recalls      *recall.Service
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}

	a := &app{}
	if cfg.MetricsEnabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.metrics = metrics.New(reg)
	}

	a.tracer, err = tracing.Init(ctx, tracing.Config{
		ServiceName:    "medsafety-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
	})
	if err != nil {
		return nil, err
	}

	a.pool, err = db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	logger.Info().Msg("connected to database")
	tx := db.NewTransactor(a.pool)

	var publisher events.Publisher = events.NopPublisher{}
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		a.kafka, err = events.NewKafkaPublisher(events.KafkaConfig{
			Brokers:  brokers,
			Topic:    cfg.EventsTopic,
			ClientID: "medsafety-server",
		}, logger, a.metrics)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		publisher = a.kafka
		logger.Info().Strs("brokers", brokers).Str("topic", cfg.EventsTopic).Msg("publishing events to kafka")
	}

	var allergies allergy.Source
	if cfg.AllergyServiceURL != "" {
		breaker := resilience.NewBreaker(resilience.DefaultBreakerConfig("allergy"), logger, a.metrics)
		allergies = allergy.NewHTTPSource(cfg.AllergyServiceURL, breaker)
	} else {
		logger.Warn().Msg("ALLERGY_SERVICE_URL not set; allergy checks see no recorded allergies")
		allergies = allergy.NewStaticSource()
	}

	var notifier notification.Transport
	if cfg.NotifyServiceURL != "" {
		breaker := resilience.NewBreaker(resilience.DefaultBreakerConfig("notification"), logger, a.metrics)
		notifier = notification.NewHTTPTransport(cfg.NotifyServiceURL, breaker)
	} else {
		logger.Warn().Msg("NOTIFY_SERVICE_URL not set; recall notifications are only logged")
		notifier = notification.LogTransport{Logger: logger}
	}

	a.interactions = interaction.NewService(interaction.NewRepoPG(a.pool), logger)
	a.inventory = inventory.NewService(inventory.NewRepoPG(a.pool), tx, policy.Inventory, logger, a.metrics)
	a.dispenses = dispense.NewService(dispense.NewRepoPG(a.pool), dispense.NewAdmissionRepoPG(a.pool), a.inventory, tx, logger)
	a.mar = mar.NewService(mar.NewRepoPG(a.pool), a.dispenses, a.interactions, allergies, a.inventory, tx, policy.MAR, logger).
		WithEvents(publisher).
		WithMetrics(a.metrics)
	a.recalls = recall.NewService(recall.NewRepoPG(a.pool), tx, a.inventory, a.mar, a.dispenses, notifier, policy.Recall, logger).
		WithEvents(publisher).
		WithMetrics(a.metrics)

	if cfg.ArchiveS3Bucket != "" {
		store, err := archive.NewS3Store(ctx, archive.S3Config{
			Bucket:    cfg.ArchiveS3Bucket,
			Region:    cfg.ArchiveS3Region,
			Endpoint:  cfg.ArchiveS3Endpoint,
			PathStyle: cfg.ArchiveS3PathStyle,
		})
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		a.recalls.WithArchive(store)
		logger.Info().Str("bucket", cfg.ArchiveS3Bucket).Msg("archiving recall reports")
	}
	return a, nil
}

func (a *app) registerRoutes(api *echo.Group) {
	interaction.NewHandler(a.interactions).RegisterRoutes(api)
	inventory.NewHandler(a.inventory).RegisterRoutes(api)
	dispense.NewHandler(a.dispenses).RegisterRoutes(api)
	mar.NewHandler(a.mar).RegisterRoutes(api)
	recall.NewHandler(a.recalls).RegisterRoutes(api)
}

func (a *app) Close(ctx context.Context) {
	if a.kafka != nil {
		a.kafka.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	_ = a.tracer.Shutdown(ctx)
}
