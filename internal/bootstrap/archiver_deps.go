package bootstrap

import (
	"context"
	"time"

	"archiver_server/adapter/out/messaging"
	"archiver_server/adapter/out/persistence"
	"archiver_server/adapter/out/provider"
	"archiver_server/config"
	"archiver_server/core/port/out"
	"archiver_server/core/service/auth"
	"archiver_server/core/service/invoice"
	"archiver_server/infra/database"
	"archiver_server/infra/middleware"
	"archiver_server/pkg/cache"
	"archiver_server/pkg/crypto"
	"archiver_server/pkg/httputil"
	"archiver_server/pkg/logger"
	"archiver_server/pkg/metrics"
	"archiver_server/pkg/resilience"
	"archiver_server/pkg/snowflake"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

// Development fallbacks, refused in production by config.Validate.
const (
	devEncryptionKey = "invoice-archiver-development-key"
	devSessionSecret = "invoice-archiver-development-secret"
)

type Dependencies struct {
	Config *config.Config
	DB     *sqlx.DB
	Redis  *redis.Client

	// Repositories
	Users out.UserRepository

	// Runtime state (Redis when configured, in-process otherwise)
	Locker    out.Locker
	States    out.StateStore
	Statuses  out.JobStatusStore
	Blacklist out.TokenBlacklist
	Publisher out.JobPublisher
	Sessions  *middleware.SessionManager
	Registry  *metrics.Registry
	RunIDs    *snowflake.Generator

	// Providers
	Gmail *provider.GmailAdapter
	Drive *provider.DriveAdapter

	// Services
	InvoiceService *invoice.Service
	OAuthService   *auth.OAuthService
}

func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg, Registry: metrics.Global()}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Database (Postgres via pgxpool, or SQLite)
	db, err := database.NewSQL(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	deps.DB = db
	cleanups = append(cleanups, func() { db.Close() })

	if err := persistence.Migrate(ctx, db); err != nil {
		cleanup()
		return nil, nil, err
	}
	logger.Info("Database ready (driver: %s)", db.DriverName())

	// Credentials are stored encrypted
	key := cfg.EncryptionKey
	if key == "" {
		logger.Warn("ENCRYPTION_KEY not set, using the development key")
		key = devEncryptionKey
	}
	enc, err := crypto.NewEncryptor([]byte(key))
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	deps.Users = persistence.NewUserAdapter(db, enc)

	// Redis (optional)
	if cfg.RedisURL != "" {
		redisClient, err := database.NewRedis(cfg.RedisURL)
		if err != nil {
			logger.Warn("Redis connection failed, using in-process state: %v", err)
		} else {
			deps.Redis = redisClient
			cleanups = append(cleanups, func() { redisClient.Close() })
		}
	}

	if deps.Redis != nil {
		deps.Locker = persistence.NewRedisLocker(deps.Redis)
		deps.States = persistence.NewRedisOAuthStateStore(deps.Redis)
		deps.Statuses = persistence.NewRedisJobStatusStore(cache.NewRedisCache(deps.Redis, "archiver"), cfg.JobStatusTTL)
		deps.Blacklist = persistence.NewRedisTokenBlacklist(deps.Redis)
		deps.Publisher = messaging.NewRedisProducer(deps.Redis)
		logger.Info("Redis state stores and job producer initialized")
	} else {
		deps.Locker = persistence.NewMemoryLocker()
		deps.States = persistence.NewMemoryStateStore()
		deps.Statuses = persistence.NewMemoryJobStatusStore(cfg.JobStatusTTL)
		deps.Blacklist = persistence.NewMemoryTokenBlacklist()
		// Publisher is the in-process pool, attached by the worker when it runs here.
	}

	secret := cfg.JWTSecret
	if secret == "" {
		logger.Warn("JWT_SECRET not set, sessions use a development secret")
		secret = devSessionSecret
	}
	deps.Sessions = middleware.NewSessionManager(secret, cfg.SessionTTL, deps.Blacklist)

	// Snowflake run ids, one node per worker process
	ids, err := snowflake.NewGenerator(snowflake.NodeFromName(cfg.WorkerID))
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	deps.RunIDs = ids

	// Google providers
	oauthConfig := auth.NewGoogleConfig(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL, cfg.GoogleScopes)
	gmailAuth := provider.NewGoogleAuth(oauthConfig, httputil.NewClient(httputil.GmailClientConfig()))
	driveAuth := provider.NewGoogleAuth(oauthConfig, httputil.NewClient(httputil.DriveClientConfig()))
	deps.Gmail = provider.NewGmailAdapter(gmailAuth, deps.Registry)
	deps.Drive = provider.NewDriveAdapter(driveAuth, deps.Registry)
	logger.Info("Google Gmail and Drive providers initialized")

	// Services
	deps.InvoiceService = invoice.NewService(deps.Users, deps.Gmail, deps.Drive, deps.Locker, ids, invoice.Config{
		MaxResults:    cfg.ArchiveMaxResults,
		MaxPartDepth:  cfg.ArchiveMaxPartDepth,
		TempDir:       cfg.ArchiveTempDir,
		SharedDriveID: cfg.SharedDriveID,
		LockTTL:       cfg.ArchiveLockTTL,
		Retry: resilience.Policy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
			Jitter:      cfg.RetryBaseDelay / 2,
		},
	})
	deps.OAuthService = auth.NewOAuthService(oauthConfig, deps.Users, deps.Gmail)

	return deps, cleanup, nil
}
