package bootstrap

import (
	"context"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	calendarapi "google.golang.org/api/calendar/v3"
	driveapi "google.golang.org/api/drive/v3"

	"crm_server/adapter/out/persistence"
	"crm_server/adapter/out/provider"
	"crm_server/config"
	"crm_server/core/domain"
	"crm_server/core/port/out"
	"crm_server/core/service/calendarsync"
	"crm_server/core/service/channels"
	"crm_server/infra/database"
	"crm_server/pkg/logger"
)

type Dependencies struct {
	Config *config.Config
	DB     *pgxpool.Pool
	SQLDB  *sqlx.DB
	Redis  *redis.Client

	// Repositories
	ChannelRepo   domain.ChannelRepository
	SyncStateRepo domain.SyncStateRepository
	EventRepo     domain.EventRepository
	ChangeLogRepo domain.ChangeLogRepository
	SyncUoW       out.SyncUnitOfWork

	// Providers
	CalendarProvider *provider.GoogleCalendarAdapter
	DriveProvider    *provider.GoogleDriveAdapter
	ProviderFactory  *provider.ProviderFactory

	// Services
	ChannelService *channels.ChannelService
	SyncService    *calendarsync.SyncService
}

func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	// Database
	if cfg.DatabaseURL != "" {
		pool, err := database.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		deps.DB = pool
		cleanups = append(cleanups, pool.Close)

		if err := database.Migrate(cfg.DatabaseURL); err != nil {
			cleanup()
			return nil, nil, err
		}

		sqlDB, err := database.NewSqlx(cfg.DatabaseURL)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		deps.SQLDB = sqlDB
		cleanups = append(cleanups, func() { _ = sqlDB.Close() })

		logger.Info("PostgreSQL connected and migrated")
	}

	// Redis (idempotency keys and sync locks)
	if cfg.RedisURL != "" {
		rdb, err := database.NewRedis(cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, webhook dedup disabled")
		} else {
			deps.Redis = rdb
			cleanups = append(cleanups, func() { _ = rdb.Close() })
			logger.Info("Redis connected")
		}
	}

	// Repositories
	if deps.SQLDB != nil {
		deps.ChannelRepo = persistence.NewChannelAdapter(deps.SQLDB)
		deps.SyncStateRepo = persistence.NewCalendarSyncStateAdapter(deps.SQLDB)
		deps.EventRepo = persistence.NewEventAdapter(deps.SQLDB)
		deps.ChangeLogRepo = persistence.NewChangeLogAdapter(deps.SQLDB)
	}
	if deps.DB != nil {
		deps.SyncUoW = persistence.NewPgxSyncUnitOfWork(deps.DB)
	}

	// Google providers
	zlog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		With().Timestamp().Str("component", "provider").Logger()

	oauthConfig := &oauth2.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		Scopes: []string{
			calendarapi.CalendarReadonlyScope,
			calendarapi.CalendarEventsReadonlyScope,
			driveapi.DriveReadonlyScope,
		},
		Endpoint: google.Endpoint,
	}
	tokenSource := oauthConfig.TokenSource(context.Background(), &oauth2.Token{
		RefreshToken: cfg.GoogleRefreshToken,
	})

	deps.CalendarProvider = provider.NewGoogleCalendarAdapter(oauthConfig, tokenSource, zlog)
	deps.DriveProvider = provider.NewGoogleDriveAdapter(oauthConfig, tokenSource, zlog)
	deps.ProviderFactory = provider.NewProviderFactory(deps.CalendarProvider, deps.DriveProvider)

	// Services
	deps.ChannelService = channels.NewChannelService(
		deps.ChannelRepo,
		deps.SyncStateRepo,
		deps.ProviderFactory,
		channels.Config{
			WebhookAddress: cfg.WebhookAddress(),
			WebhookToken:   cfg.WebhookToken,
			ChannelTTL:     cfg.ChannelTTL,
		},
	)
	deps.SyncService = calendarsync.NewSyncService(
		deps.SyncStateRepo,
		deps.CalendarProvider,
		deps.SyncUoW,
	)

	return deps, cleanup, nil
}
