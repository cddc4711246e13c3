// Command payout runs the payout worker once: it resumes any batch an
// earlier run left open, then batches and submits everything payable.
// Schedule it daily (for example from cron at 02:00).
//
// Exit codes: 0 when every item paid, 1 when some item failed, 2 when the
// run could not start or finish.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/trustwork/escrowd/internal/config"
	"github.com/trustwork/escrowd/internal/escrow"
	"github.com/trustwork/escrowd/internal/ledger"
	"github.com/trustwork/escrowd/internal/logging"
	"github.com/trustwork/escrowd/internal/payfast"
	"github.com/trustwork/escrowd/internal/payout"
	"github.com/trustwork/escrowd/internal/signature"
	"github.com/trustwork/escrowd/internal/traces"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitSetup  = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		return exitSetup
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	shutdownTracing, err := traces.Init(ctx, "escrowd-payout", cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		return exitSetup
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open ledger", "error", err)
		return exitSetup
	}
	defer closeStore()

	escrows := escrow.NewService(store, escrow.RatePolicy{Rate: cfg.PlatformFeeRate}, cfg.MaxRevisions).
		WithLogger(logger)
	client := payfast.NewPayoutClient(cfg, signature.NewSigner(cfg.Passphrase))
	worker := payout.NewWorker(store, escrows, client, cfg.PayoutInterval, cfg.PayoutMaxAttempts).
		WithLogger(logger)

	started := time.Now()
	report, err := worker.Run(ctx)
	if report != nil {
		_ = json.NewEncoder(os.Stdout).Encode(report)
	}
	if err != nil {
		logger.Error("payout run did not finish", "error", err, "elapsed", time.Since(started).String())
		return exitSetup
	}

	logger.Info("payout run finished",
		"batches", len(report.Batches),
		"elapsed", time.Since(started).String(),
	)
	if report.Failed() {
		return exitFailed
	}
	return exitOK
}

// openStore mirrors the server: Postgres when DATABASE_URL is set,
// otherwise an empty in-memory ledger (useful only for smoke runs).
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ledger.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, running against an empty in-memory ledger")
		return ledger.NewMemoryStore(), func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(5)

	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return ledger.NewPostgresStore(db), func() { _ = db.Close() }, nil
}
