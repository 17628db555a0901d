package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/clinicqueue/internal/config"
	"github.com/ehr/clinicqueue/internal/domain/consultation"
	"github.com/ehr/clinicqueue/internal/domain/queue"
	"github.com/ehr/clinicqueue/internal/domain/workflow"
	"github.com/ehr/clinicqueue/internal/platform/accesslog"
	"github.com/ehr/clinicqueue/internal/platform/auth"
	"github.com/ehr/clinicqueue/internal/platform/db"
	"github.com/ehr/clinicqueue/internal/platform/events"
	"github.com/ehr/clinicqueue/internal/platform/middleware"
	"github.com/ehr/clinicqueue/internal/platform/websocket"
)

// app is the wired server. pool and redis are nil when not configured.
type app struct {
	echo   *echo.Echo
	pool   *pgxpool.Pool
	redis  *redis.Client
	relay  *events.Relay
	logger zerolog.Logger
}

func (a *app) close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

type stores struct {
	queue    queue.Repository
	patients queue.PatientDirectory
	consults consultation.Repository
	access   accesslog.Repository
	tx       db.Transactor
}

func memoryStores(logger zerolog.Logger) stores {
	patients := queue.NewMemoryPatients()
	seedPatients(patients, logger)
	return stores{
		queue:    queue.NewMemoryRepo(),
		patients: patients,
		consults: consultation.NewMemoryRepo(),
		access:   accesslog.NewMemoryRepo(),
		tx:       db.NewLocalTransactor(),
	}
}

func postgresStores(pool *pgxpool.Pool) stores {
	return stores{
		queue:    queue.NewRepo(pool),
		patients: queue.NewPatientDirectory(pool),
		consults: consultation.NewRepo(pool),
		access:   accesslog.NewRepo(pool),
		tx:       db.NewPoolTransactor(pool),
	}
}

// seedPatients registers demo patients so the in-memory server is usable
// without an external registry.
func seedPatients(p *queue.MemoryPatients, logger zerolog.Logger) {
	birth := time.Date(1984, 5, 17, 0, 0, 0, 0, time.UTC)
	for _, pt := range []queue.Patient{
		{Name: "Maria Aparecida da Silva", CPF: "12345678909", BirthDate: &birth, Sex: "F"},
		{Name: "José Carlos Souza", CNS: "898001160660001", Sex: "M"},
		{Name: "Ana Beatriz Lima", SocialName: "Bia Lima", Sex: "F"},
	} {
		added := p.Add(pt)
		logger.Info().Str("patient_id", added.ID.String()).Str("name", added.DisplayName()).Msg("seeded demo patient")
	}
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{logger: logger}

	var st stores
	switch cfg.Storage {
	case config.StorageMemory:
		logger.Warn().Msg("using in-memory storage; data is lost on restart")
		st = memoryStores(logger)
	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBSchema)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		logger.Info().Msg("connected to database")
		st = postgresStores(pool)
	}

	// Live updates
	hub := websocket.NewHub(logger)
	var publisher websocket.EventPublisher = hub
	if cfg.RedisURL != "" {
		client, err := events.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			a.close()
			return nil, err
		}
		a.redis = client
		pub := events.NewPublisher(client, cfg.RedisChannel, hub, logger)
		a.relay = events.NewRelay(client, cfg.RedisChannel, pub.Origin(), hub, logger)
		publisher = pub
		logger.Info().Str("channel", cfg.RedisChannel).Msg("cross-replica events enabled")
	}

	// Services
	queueSvc := queue.NewService(st.queue, st.patients, st.tx)
	queueSvc.SetPublisher(publisher)
	consultSvc := consultation.NewService(st.consults, st.tx)
	engine := workflow.NewEngine(queueSvc, consultSvc, logger)
	accessSvc := accesslog.NewService(st.access, cfg.RecordGrantTTL, logger)

	a.echo = newEcho(cfg, logger)
	a.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	a.echo.GET("/health/db", db.HealthHandler(a.pool))

	apiV1 := a.echo.Group("/api/v1")
	workflow.NewHandler(engine).RegisterRoutes(apiV1)

	recordReader := func(ctx context.Context, patientID uuid.UUID) (interface{}, error) {
		return engine.PatientRecord(ctx, patientID)
	}
	grantLimit := middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	})
	accesslog.NewHandler(accessSvc, recordReader).RegisterRoutes(apiV1, grantLimit)

	websocket.NewHandler(hub, cfg.CORSOrigins, logger).RegisterRoutes(apiV1)

	return a, nil
}

func newEcho(cfg *config.Config, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.BodyLimit("1M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, accesslog.GrantHeader},
	}))

	// Auth middleware
	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		logger.Warn().Msg("DevAuthMiddleware is active: requests without credentials act as admin")
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}
	return e
}

func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("storage", cfg.Storage).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if a.relay != nil {
		g.Go(func() error { return a.relay.Run(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.echo.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
