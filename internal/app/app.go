package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"elec-balance-alerts/internal/alerting"
	"elec-balance-alerts/internal/auth"
	"elec-balance-alerts/internal/config"
	"elec-balance-alerts/internal/fetcher"
	"elec-balance-alerts/internal/forecast"
	"elec-balance-alerts/internal/scheduler"
	"elec-balance-alerts/internal/service"
	"elec-balance-alerts/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newSession() (*auth.Client, error) {
	portal := a.Config.Portal
	return auth.NewClient(auth.Options{
		LoginURL:  portal.LoginURL,
		Username:  portal.Username,
		Password:  portal.Password,
		Timeout:   portal.RequestTimeout,
		UserAgent: portal.UserAgent,
		DebugDir:  portal.DebugDir,
	}, a.Logger)
}

func (a *App) newSampler(session fetcher.SessionClient) *fetcher.Portal {
	portal := a.Config.Portal
	return fetcher.NewPortal(fetcher.Options{
		BalanceURL:  portal.BalanceURL,
		SearchURL:   portal.SearchURL,
		AreaID:      portal.AreaID,
		ApartmentID: portal.ApartmentID,
		FloorID:     portal.FloorID,
		RoomNumber:  portal.RoomNumber,
	}, session, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	channels := alerting.Multi{}
	if a.Config.Alerting.SMTP.Enabled {
		smtp := a.Config.Alerting.SMTP
		channels = append(channels, alerting.NewMailNotifier(alerting.MailOptions{
			Host:       smtp.Host,
			Port:       smtp.Port,
			Username:   smtp.Username,
			Password:   smtp.Password,
			From:       smtp.From,
			Recipients: a.Config.Alerting.Recipients,
		}, a.Logger))
	}
	if a.Config.Alerting.Telegram.Enabled {
		tg := a.Config.Alerting.Telegram
		channels = append(channels, alerting.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBase, 10*time.Second, a.Logger))
	}
	if len(channels) == 0 {
		return nil
	}
	return channels
}

func (a *App) newEngine(store *storage.Store) *forecast.Engine {
	fc := a.Config.Forecast
	return forecast.New(forecast.Options{
		Method:      forecast.Method(fc.Method),
		UsePatterns: fc.UsePatterns,
		TopUpCutoff: decimal.NewFromFloat(fc.TopUpCutoff),
		MinDailyAvg: decimal.NewFromFloat(fc.MinDailyAvg),
	}, store, store, a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}

	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newService(store *storage.Store, sched *scheduler.Scheduler) (*service.Service, error) {
	session, err := a.newSession()
	if err != nil {
		return nil, err
	}

	sampler := a.newSampler(session)
	notifier := a.newNotifier()
	engine := a.newEngine(store)

	var readingStore storage.ReadingStore
	var alertStore storage.AlertStore
	if store != nil {
		readingStore = store
		alertStore = store
	}

	return service.New(a.Config, sched, sampler, readingStore, alertStore, engine, notifier, a.Logger), nil
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn 未配置，无法启动监控服务")
	}
	if closeStore != nil {
		defer closeStore()
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToInterval,
		MisfireGrace: a.Config.Scheduler.MisfireGrace,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	svc, err := a.newService(store, sched)
	if err != nil {
		return err
	}

	a.Logger.Info().Msg("电费监控系统启动中...")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// ExportOptions hold parameters for exporting historical readings.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// RoomsOptions configure the room catalog browser.
type RoomsOptions struct {
	AreaID      int
	ApartmentID string
	FloorID     string
	Search      string
}

// PurgeOptions configure the purge command.
type PurgeOptions struct {
	All bool
	ID  int64
}
