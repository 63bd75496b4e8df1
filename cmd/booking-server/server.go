package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/clinic/booking/internal/config"
	"github.com/clinic/booking/internal/domain/directory"
	"github.com/clinic/booking/internal/domain/scheduling"
	"github.com/clinic/booking/internal/platform/cache"
	"github.com/clinic/booking/internal/platform/db"
	"github.com/clinic/booking/internal/platform/events"
	"github.com/clinic/booking/internal/platform/middleware"
	"github.com/clinic/booking/internal/platform/telemetry"
	"github.com/clinic/booking/internal/platform/websocket"
)

// server owns the echo instance and everything that must be released on
// shutdown, in reverse order of acquisition.
type server struct {
	echo    *echo.Echo
	closers []func(context.Context) error
}

// stores are the repositories for one storage backend.
type stores struct {
	windows      scheduling.WindowRepository
	reservations scheduling.ReservationRepository
	tx           scheduling.Transactor
	clinics      directory.ClinicRepository
	people       directory.PeopleRepository
	tenant       echo.MiddlewareFunc
	health       map[string]db.Pinger
}

func (s *server) onShutdown(fn func(context.Context) error) {
	s.closers = append(s.closers, fn)
}

// Shutdown stops accepting requests, then releases redis, the pool and the
// tracer provider.
func (s *server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.echo.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, s.release(ctx))
	return errors.Join(errs...)
}

func (s *server) release(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func newServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (srv *server, err error) {
	s := &server{}
	defer func() {
		if err != nil {
			_ = s.release(ctx)
		}
	}()

	shutdownTelemetry, err := telemetry.Setup(ctx, serviceName, version, cfg.OTLPEndpoint)
	if err != nil {
		return nil, fmt.Errorf("set up telemetry: %w", err)
	}
	s.onShutdown(shutdownTelemetry)

	metrics, err := telemetry.NewBookingMetrics()
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	st, err := openStores(ctx, cfg, logger, s)
	if err != nil {
		return nil, err
	}

	schedOpts := []scheduling.Option{
		scheduling.WithLogger(logger),
		scheduling.WithMetrics(metrics),
		scheduling.WithMaxRetries(cfg.BookingMaxRetries),
		scheduling.WithDefaultDurations(cfg.SlotDuration(), cfg.BreakDuration()),
	}

	// Without redis the live feed is the publisher. With redis every instance
	// publishes to the channel and relays it back into its own hub.
	hub := websocket.NewHub(logger)
	publisher := events.Publisher(hub)
	if cfg.RedisURL != "" {
		rdb, err := cache.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		s.onShutdown(func(context.Context) error { return rdb.Close() })
		st.health["redis"] = cache.Pinger{Client: rdb}
		schedOpts = append(schedOpts,
			scheduling.WithCache(cache.NewOpenSlots(rdb, cfg.OpenSlotsCacheTTL, logger)),
		)
		redisPub := events.NewRedisPublisher(rdb, logger)
		publisher = redisPub

		relayCtx, stopRelay := context.WithCancel(context.Background())
		stream, err := redisPub.Subscribe(relayCtx)
		if err != nil {
			stopRelay()
			return nil, fmt.Errorf("subscribe to slot events: %w", err)
		}
		go hub.Relay(relayCtx, stream)
		s.onShutdown(func(context.Context) error { stopRelay(); return nil })
		logger.Info().Msg("open-slot cache and slot events enabled")
	}
	schedOpts = append(schedOpts, scheduling.WithPublisher(publisher))

	// The directory answers identity checks for scheduling, and scheduling
	// clears a clinic's windows before the directory deletes it.
	var bookings *scheduling.Service
	dirSvc := directory.NewService(st.clinics, st.people,
		directory.WithLogger(logger),
		directory.WithClinicCleanup(func(ctx context.Context, clinicID uuid.UUID) error {
			_, err := bookings.DeleteClinicWindows(ctx, clinicID)
			return err
		}),
	)
	bookings = scheduling.NewService(st.windows, st.reservations, st.tx, dirSvc, schedOpts...)

	s.echo = newRouter(cfg, logger, st, bookings, dirSvc, hub)
	return s, nil
}

func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger, srv *server) (*stores, error) {
	if cfg.Store == config.StoreMemory {
		bookingStore := scheduling.NewMemoryStore()
		dirStore := directory.NewMemoryStore()
		logger.Info().Msg("using in-memory store")
		return &stores{
			windows:      bookingStore.Windows(),
			reservations: bookingStore.Reservations(),
			tx:           bookingStore,
			clinics:      dirStore.Clinics(),
			people:       dirStore.People(),
			tenant:       db.TenantResolver(cfg.DefaultTenant),
			health:       map[string]db.Pinger{"store": bookingStore},
		}, nil
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	srv.onShutdown(func(context.Context) error { pool.Close(); return nil })
	logger.Info().Msg("connected to database")

	return &stores{
		windows:      scheduling.NewWindowRepoPG(pool),
		reservations: scheduling.NewReservationRepoPG(pool),
		tx:           scheduling.NewPGTransactor(pool),
		clinics:      directory.NewClinicRepoPG(pool),
		people:       directory.NewPeopleRepoPG(pool),
		tenant:       db.TenantMiddleware(pool, cfg.DefaultTenant),
		health:       map[string]db.Pinger{"database": pool},
	}, nil
}

func newRouter(cfg *config.Config, logger zerolog.Logger, st *stores, bookings *scheduling.Service, dirSvc *directory.Service, hub *websocket.Hub) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.Sanitize(logger))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders:  []string{"Content-Type", "If-None-Match", middleware.RequestIDHeader, db.TenantHeader},
		ExposeHeaders: []string{"ETag", "Retry-After", middleware.RequestIDHeader},
	}))

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(st.health))

	// API group
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1 := e.Group("/api/v1", st.tenant, middleware.RateLimit(rateLimitCfg), middleware.ETag())

	scheduling.NewHandler(bookings).RegisterRoutes(apiV1)
	directory.NewHandler(dirSvc).RegisterRoutes(apiV1)

	// Websocket upgrades need the raw writer, so the live feed skips ETag.
	live := e.Group("/api/v1/live", st.tenant, middleware.RateLimit(rateLimitCfg))
	websocket.NewHandler(hub, cfg.CORSOrigins, logger).RegisterRoutes(live)

	return e
}

// errorHandler renders every error as {"error": message}, the same shape the
// middleware uses when it aborts a request.
func errorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		he, ok := err.(*echo.HTTPError)
		if !ok {
			he = echo.NewHTTPError(http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
			he.Internal = err
		}
		msg := he.Message
		if he.Code >= http.StatusInternalServerError {
			if he.Internal != nil {
				logger.Error().Err(he.Internal).Str("path", c.Path()).Msg("internal error")
			}
			msg = http.StatusText(he.Code)
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(he.Code)
		} else {
			err = c.JSON(he.Code, map[string]interface{}{"error": msg})
		}
		if err != nil {
			logger.Error().Err(err).Msg("write error response")
		}
	}
}
