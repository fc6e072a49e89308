package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/driftchat/drift-gateway/internal/api"
	"github.com/driftchat/drift-gateway/internal/auth"
	"github.com/driftchat/drift-gateway/internal/config"
	"github.com/driftchat/drift-gateway/internal/gateway"
	"github.com/driftchat/drift-gateway/internal/httputil"
	"github.com/driftchat/drift-gateway/internal/membership"
	"github.com/driftchat/drift-gateway/internal/postgres"
	"github.com/driftchat/drift-gateway/internal/presence"
	"github.com/driftchat/drift-gateway/internal/redisconn"
	"github.com/driftchat/drift-gateway/internal/user"
)

// Exit codes: 1 for configuration errors, 2 when the listen port cannot be bound, 3 for other runtime failures.
const (
	exitConfig  = 1
	exitBind    = 2
	exitRuntime = 3
)

var errBindFailed = errors.New("bind failed")

func exitCodeFor(err error) int {
	if errors.Is(err, errBindFailed) {
		return exitBind
	}
	return exitRuntime
}

func main() {
	// Missing .env is fine; all configuration has defaults or comes from the real environment.
	_ = godotenv.Load()

	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		os.Exit(exitConfig)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	if err := run(cfg); err != nil {
		log.Error().Err(err).Msg("Gateway stopped")
		os.Exit(exitCodeFor(err))
	}
}

func run(cfg *config.Config) error {
	log.Info().Str("env", cfg.ServerEnv).Msg("Starting Drift Gateway")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect PostgreSQL
	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	// Run migrations
	if err := postgres.Migrate(cfg.DatabaseURL, log.Logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	// Connect Redis
	rdb, err := redisconn.Connect(ctx, cfg.RedisURL, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()
	log.Info().Msg("Redis connected")

	// Wire the gateway
	manager := gateway.NewManager(log.Logger)
	publisher := gateway.NewPublisher(rdb, log.Logger)
	subscriber := gateway.NewSubscriber(rdb, log.Logger)

	hub := gateway.NewHub(
		gateway.Config{
			HeartbeatInterval: cfg.HeartbeatInterval,
			ResumeWindow:      cfg.ResumeWindow,
			ReplayCapacity:    cfg.ReplayCapacity,
			EgressQueueSize:   cfg.EgressQueueSize,
			InboundRateLimit:  cfg.InboundRateLimit,
			InboundRateWindow: cfg.InboundRateWindow,
			MaxConnections:    cfg.MaxConnections,
			OfflineDelay:      cfg.OfflineDelay,
		},
		manager,
		auth.NewService(cfg.JWTSecret, cfg.JWTIssuer),
		membershipAdapter{repo: membership.NewPGRepository(db, log.Logger)},
		userAdapter{repo: user.NewPGRepository(db, log.Logger)},
		presence.NewStore(rdb),
		publisher,
		subscriber,
		log.Logger,
	)
	subscriber.Bind(hub)

	app := newApp(cfg, hub, db, rdb)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := subscriber.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		err := hub.RunReaper(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.GatewayPort)
		log.Info().Str("addr", addr).Str("path", cfg.GatewayPath).Msg("Gateway listening")
		if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
			return fmt.Errorf("%w on %s: %v", errBindFailed, addr, err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down gateway")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		hub.Shutdown(shutdownCtx)

		return app.ShutdownWithContext(shutdownCtx)
	})

	return g.Wait()
}

func newApp(cfg *config.Config, hub *gateway.Hub, db *pgxpool.Pool, rdb *redis.Client) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName: "Drift Gateway",
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				message = e.Message
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{
				Error: httputil.ErrorBody{
					Code:    codeForStatus(status),
					Message: message,
				},
			})
		},
	})

	var skip []string
	if !cfg.LogHealthRequests {
		skip = append(skip, "/healthz")
	}
	app.Use(httputil.RequestLogger(log.Logger, skip...))

	health := &api.HealthHandler{DB: db, Redis: rdb, Hub: hub}
	app.Get("/healthz", health.Health)

	gw := api.NewGatewayHandler(hub)
	app.Get(cfg.GatewayPath, gw.Upgrade)

	return app
}

// codeForStatus maps an HTTP status from Fiber's built-in errors (404, 405, etc.) to a stable error code string.
func codeForStatus(status int) string {
	switch {
	case status == fiber.StatusNotFound:
		return "not_found"
	case status == fiber.StatusUpgradeRequired:
		return "upgrade_required"
	case status == fiber.StatusTooManyRequests:
		return "rate_limited"
	case status >= 400 && status < 500:
		return "validation_error"
	default:
		return "internal_error"
	}
}

// membershipAdapter bridges the membership repository to the shapes the hub consumes.
type membershipAdapter struct {
	repo *membership.PGRepository
}

func (a membershipAdapter) GuildsForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	return a.repo.GuildsForUser(ctx, userID)
}

func (a membershipAdapter) UserInGuild(ctx context.Context, userID, guildID uuid.UUID) (bool, error) {
	return a.repo.UserInGuild(ctx, userID, guildID)
}

func (a membershipAdapter) Guild(ctx context.Context, guildID uuid.UUID) (gateway.GuildInfo, error) {
	g, err := a.repo.Guild(ctx, guildID)
	if err != nil {
		return gateway.GuildInfo{}, err
	}
	return gateway.GuildInfo{
		ID:          g.ID,
		Name:        g.Name,
		Icon:        g.Icon,
		OwnerID:     g.OwnerID,
		MemberCount: g.MemberCount,
	}, nil
}

// userAdapter bridges the user repository to the shape the hub embeds in READY.
type userAdapter struct {
	repo *user.PGRepository
}

func (a userAdapter) GetByID(ctx context.Context, id uuid.UUID) (gateway.UserInfo, error) {
	u, err := a.repo.GetByID(ctx, id)
	if err != nil {
		return gateway.UserInfo{}, err
	}
	return gateway.UserInfo{ID: u.ID, Username: u.Username, Avatar: u.Avatar}, nil
}
