package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Admiral-haking/IEEE-website-sub001/internal/config"
	"github.com/Admiral-haking/IEEE-website-sub001/internal/database"
	"github.com/Admiral-haking/IEEE-website-sub001/internal/handler"
	"github.com/Admiral-haking/IEEE-website-sub001/internal/logging"
	"github.com/Admiral-haking/IEEE-website-sub001/internal/mfa"
	"github.com/Admiral-haking/IEEE-website-sub001/internal/middleware"
	"github.com/Admiral-haking/IEEE-website-sub001/internal/queue"
	"github.com/Admiral-haking/IEEE-website-sub001/internal/ratelimit"
	"github.com/Admiral-haking/IEEE-website-sub001/internal/repository"
	"github.com/Admiral-haking/IEEE-website-sub001/internal/router"
	"github.com/Admiral-haking/IEEE-website-sub001/internal/service"
	"github.com/Admiral-haking/IEEE-website-sub001/internal/utils"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checks := map[string]handler.Pinger{}

	users, closeStore, err := openUserStore(ctx, cfg, checks)
	if err != nil {
		logger.Fatal("open user store", zap.String("driver", cfg.DBDriver), zap.Error(err))
	}
	defer closeStore()

	var rdb *redis.Client
	if cfg.Redis.Enabled || cfg.RateLimit.Backend == config.RateLimitRedis {
		if rdb = config.NewRedisClient(cfg.Redis); rdb == nil {
			logger.Warn("redis unreachable, using in-process stores", zap.String("addr", cfg.Redis.Addr))
		} else {
			defer func() { _ = rdb.Close() }()
			checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		}
	}

	hasher, err := utils.NewPasswordHasher(cfg.BcryptCost)
	if err != nil {
		logger.Fatal("password hasher", zap.Error(err))
	}
	tokens, err := utils.NewTokenCodec(utils.TokenConfig{
		AccessSecret:  cfg.JWTSecret,
		RefreshSecret: cfg.JWTRefreshSecret,
		Issuer:        cfg.JWTIssuer,
		Audience:      cfg.JWTAudience,
		AccessTTL:     cfg.AccessTTL,
		RefreshTTL:    cfg.RefreshTTL,
		RememberTTL:   cfg.RememberTTL,
	})
	if err != nil {
		logger.Fatal("token codec", zap.Error(err))
	}

	var pending mfa.PendingStore = mfa.NewMemoryPendingStore()
	if rdb != nil {
		pending = mfa.NewRedisPendingStore(rdb, "mfa:pending")
	}
	provider := mfa.NewProvider(users, pending, hasher, mfa.Config{
		Issuer:        cfg.MFAIssuer,
		SetupTTL:      cfg.MFASetupTTL,
		BackupCodeKey: []byte(cfg.MFABackupCodeKey),
	}, logger.Named("mfa"))

	var events queue.Publisher = queue.NopPublisher{}
	if cfg.EventsEnabled {
		pub := queue.NewAMQPPublisher(queue.PublisherConfig{URL: cfg.RabbitURL}, logger.Named("events"))
		defer func() { _ = pub.Close() }()
		events = pub
		go func() {
			err := queue.StartSecurityConsumer(ctx, cfg.RabbitURL, cfg.SecurityLogPath, logger.Named("security-consumer"))
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("security consumer stopped", zap.Error(err))
			}
		}()
	}

	sessions := service.NewSessionService(users, hasher, tokens, provider, events, service.Config{
		MaxFailedLogins: cfg.MaxFailedLogins,
		LockoutDuration: cfg.LockoutDuration,
	}, logger.Named("session"))

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		var store ratelimit.Store = ratelimit.NewMemoryStore()
		if cfg.RateLimit.Backend == config.RateLimitRedis && rdb != nil {
			store = ratelimit.NewRedisStore(rdb)
		}
		limiter = ratelimit.NewLimiter(store, cfg.RateLimit.Prefix, cfg.RateLimit.Policies())
	}

	csrf := middleware.NewCSRFGuard(middleware.CSRFConfig{Secure: cfg.Production()})
	deps := router.Deps{
		Auth:    handler.NewAuthHandler(sessions, provider, csrf, cfg.Production(), logger.Named("http")),
		Health:  handler.NewHealth(checks),
		Guard:   middleware.NewAuthGuard(tokens),
		CSRF:    csrf,
		Limiter: limiter,
		Logger:  logger.Named("ratelimit"),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(logger.Named("http")))
	e.Use(middleware.CORS(cfg.CORSOrigins, cfg.Production()))
	e.Use(echomw.BodyLimit("1M"))
	router.RegisterRoutes(e, deps)
	router.RegisterAuth(e, deps)

	addr := ":" + cfg.Port
	go func() {
		logger.Info("listening", zap.String("addr", addr), zap.String("env", cfg.Env), zap.String("driver", cfg.DBDriver))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
}

// openUserStore opens the configured backend, registers its health check and
// returns a close function.
func openUserStore(ctx context.Context, cfg config.Config, checks map[string]handler.Pinger) (repository.UserStore, func(), error) {
	switch cfg.DBDriver {
	case config.DriverMySQL:
		db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
		if err != nil {
			return nil, nil, err
		}
		repo := repository.NewUserRepo(db)
		if err := repo.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		checks["mysql"] = pingSQL(db)
		return repo, func() { _ = db.Close() }, nil

	case config.DriverMongo:
		client, db, err := database.OpenMongo(cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, nil, err
		}
		repo := repository.NewMongoUserRepo(db)
		if err := repo.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, err
		}
		checks["mongo"] = func(ctx context.Context) error { return client.Ping(ctx, nil) }
		return repo, func() { _ = client.Disconnect(context.Background()) }, nil

	default:
		return repository.NewMemoryUserRepo(), func() {}, nil
	}
}

func pingSQL(db *sql.DB) handler.Pinger {
	return func(ctx context.Context) error { return db.PingContext(ctx) }
}
