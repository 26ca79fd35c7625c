// Package app wires configuration, stores, coordinator, and the HTTP
// surface into a runnable application.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/leafybank/transactor/infra/memory"
	"github.com/leafybank/transactor/infra/repository"
	"github.com/leafybank/transactor/pkg/config"
	"github.com/leafybank/transactor/pkg/coordinator"
	"github.com/leafybank/transactor/pkg/currency"
	"github.com/leafybank/transactor/pkg/domain/account"
	"github.com/leafybank/transactor/pkg/domain/events"
	"github.com/leafybank/transactor/pkg/eventbus"
	"github.com/leafybank/transactor/pkg/idempotency"
	"github.com/leafybank/transactor/pkg/notification"
	"github.com/leafybank/transactor/pkg/retry"
	"github.com/leafybank/transactor/pkg/service/transfer"
	"github.com/leafybank/transactor/pkg/txlog"
	"github.com/leafybank/transactor/webapi"
)

// App is the assembled application.
type App struct {
	Config      *config.App
	Coordinator *coordinator.Coordinator
	Service     *transfer.Service
	Guard       idempotency.Guard
	Log         txlog.Log
	Fiber       *fiber.App
	Logger      *slog.Logger
}

// New builds the application from configuration. Without a database URL the
// in-memory stores are used and the saga commit path exercises the same
// semantics a per-document store would have in production.
func New(cfg *config.App, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	bus := eventbus.NewSimpleEventBus()

	var (
		coord      *coordinator.Coordinator
		guard      idempotency.Guard
		log        txlog.Log
		dispatcher *notification.Dispatcher
	)
	coordCfg := coordinator.Config{
		AmountLimit: cfg.Coordinator.AmountLimit,
		CommitPolicy: retry.Policy{
			MaxAttempts:     cfg.Coordinator.MaxCommitAttempts,
			InitialInterval: cfg.Coordinator.InitialBackoff,
			MaxInterval:     cfg.Coordinator.MaxBackoff,
		},
		CallTimeout:       cfg.Coordinator.CallTimeout,
		ClaimPollAttempts: cfg.Coordinator.ClaimPollAttempts,
		ClaimPollInterval: cfg.Coordinator.ClaimPollInterval,
		IntentStaleAfter:  cfg.Coordinator.IntentStaleAfter,
	}
	notifyPolicy := retry.Policy{
		MaxAttempts:     cfg.Notification.MaxAttempts,
		InitialInterval: cfg.Notification.InitialBackoff,
		MaxInterval:     cfg.Notification.MaxBackoff,
	}

	if cfg.DB.Url == "" {
		logger.Warn("no database configured, running on in-memory stores")
		ledgerStore := memory.NewLedger()
		memLog := memory.NewTxLog()
		memGuard := memory.NewGuard(cfg.Idempotency.Retention)
		intents := memory.NewIntents()
		committer := coordinator.NewSagaCommitter(ledgerStore, memLog, intents, logger)
		coord = coordinator.New(ledgerStore, memLog, memGuard, committer, intents, bus, coordCfg, logger)
		guard, log = memGuard, memLog
		dispatcher = notification.NewDispatcher(memLog, ledgerStore, memory.NewNotifications(), notification.SlogSender{Logger: logger}, notifyPolicy, logger)
		if cfg.Env == "development" {
			seedDemoAccounts(ledgerStore, logger)
		}
	} else {
		db, err := repository.NewDB(cfg.DB.Url, logger)
		if err != nil {
			return nil, err
		}
		ledgerStore := repository.NewLedgerStore(db)
		dbLog := repository.NewTxLog(db)
		dbGuard := repository.NewGuard(db, cfg.Idempotency.Retention)
		intents := repository.NewIntentStore(db)
		var committer coordinator.Committer
		if cfg.DB.ForceSaga {
			logger.Info("saga commit path forced by configuration")
			committer = coordinator.NewSagaCommitter(ledgerStore, dbLog, intents, logger)
		} else {
			committer = repository.NewNativeCommitter(db)
		}
		coord = coordinator.New(ledgerStore, dbLog, dbGuard, committer, intents, bus, coordCfg, logger)
		guard, log = dbGuard, dbLog
		dispatcher = notification.NewDispatcher(dbLog, ledgerStore, repository.NewNotificationStore(db), notification.SlogSender{Logger: logger}, notifyPolicy, logger)
	}

	bus.Subscribe(events.TransactionCommitted{}.Type(), notification.Handler(dispatcher))

	svc := transfer.NewService(coord, logger)
	return &App{
		Config:      cfg,
		Coordinator: coord,
		Service:     svc,
		Guard:       guard,
		Log:         log,
		Fiber:       webapi.SetupApp(svc, cfg.RateLimit, logger),
		Logger:      logger,
	}, nil
}

// Run starts the background loops and serves HTTP until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	go a.Coordinator.RunSweep(ctx, a.Config.Coordinator.SweepInterval)
	go a.runPrune(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Fiber.Listen(a.Config.Addr())
	}()
	a.Logger.Info("server listening", "addr", a.Config.Addr(), "env", a.Config.Env)

	select {
	case err := <-errCh:
		return fmt.Errorf("server stopped: %w", err)
	case <-ctx.Done():
		a.Logger.Info("shutting down")
		if err := a.Fiber.ShutdownWithTimeout(10 * time.Second); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

// runPrune periodically drops expired idempotency records. The transaction
// log keeps the durable history, so pruning never loses outcomes.
func (a *App) runPrune(ctx context.Context) {
	ticker := time.NewTicker(a.Config.Idempotency.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Guard.Prune(ctx, time.Now()); err != nil {
				a.Logger.Error("failed to prune idempotency records", "error", err)
			}
		}
	}
}

func seedDemoAccounts(l *memory.Ledger, logger *slog.Logger) {
	for _, balance := range []int64{100_000, 50_000} {
		acc, err := account.New().
			WithID(uuid.New()).
			WithUserID(uuid.New()).
			WithCurrency(currency.USD).
			WithBalance(balance).
			Build()
		if err != nil {
			logger.Error("failed to seed demo account", "error", err)
			continue
		}
		l.Seed(acc)
		logger.Info("seeded demo account", "account_id", acc.ID, "balance", acc.Balance)
	}
}
