// reconciler follows the escrow contract's ledger event stream and keeps the
// Postgres projection of escrows, disputes and arbiters in sync with it.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"escrowsync/config"
	"escrowsync/db"
	"escrowsync/ledger"
	"escrowsync/projection"
	"escrowsync/reconcile"
	"escrowsync/status"
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to a YAML configuration file",
	}
	storeFlag = &cli.StringFlag{
		Name:  "store",
		Usage: "Projection store backend (pg, memory)",
		Value: config.StorePostgres,
	}
	databaseURLFlag = &cli.StringFlag{
		Name:  "database-url",
		Usage: "Postgres connection string (default: $DATABASE_URL)",
	}
	ledgerRPCFlag = &cli.StringFlag{
		Name:  "ledger-rpc",
		Usage: "Ledger RPC endpoint serving the escrow event stream",
		Value: "http://localhost:8000",
	}
	streamFlag = &cli.StringFlag{
		Name:  "stream",
		Usage: "Event stream name; also names the sync cursor",
		Value: "escrow",
	}
	workersFlag = &cli.IntFlag{
		Name:  "workers",
		Usage: "Number of apply shards (events of one escrow always share a shard)",
		Value: 4,
	}
	reorderTimeoutFlag = &cli.DurationFlag{
		Name:  "reorder-timeout",
		Usage: "How long an out-of-order event waits for its predecessor before the escrow is marked failed",
		Value: 2 * time.Minute,
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "Log level (trace, debug, info, warn, error, crit)",
		Value: "info",
	}
	migrateFlag = &cli.BoolFlag{
		Name:  "migrate",
		Usage: "Apply pending migrations before starting",
		Value: true,
	}

	agreementFlag = &cli.StringFlag{Name: "agreement", Usage: "Agreement ID to report on"}
	disputeFlag   = &cli.StringFlag{Name: "dispute", Usage: "Dispute ID to report on"}
	escrowFlag    = &cli.StringFlag{Name: "escrow", Usage: "On-chain escrow ID", Required: true}
)

var commonFlags = []cli.Flag{
	configFlag,
	storeFlag,
	databaseURLFlag,
	ledgerRPCFlag,
	streamFlag,
	logLevelFlag,
}

var app = &cli.App{
	Name:  "reconciler",
	Usage: "escrow and dispute ledger reconciler",
	Flags: append(append([]cli.Flag{}, commonFlags...), workersFlag, reorderTimeoutFlag, migrateFlag),
	Commands: []*cli.Command{
		{
			Name:   "run",
			Usage:  "Follow the ledger and apply events to the projection (default)",
			Flags:  append(append([]cli.Flag{}, commonFlags...), workersFlag, reorderTimeoutFlag, migrateFlag),
			Action: runReconciler,
		},
		{
			Name:   "migrate",
			Usage:  "Apply pending database migrations",
			Flags:  commonFlags,
			Action: runMigrate,
		},
		{
			Name:   "status",
			Usage:  "Print sync health, or the projected state of one agreement or dispute",
			Flags:  append(append([]cli.Flag{}, commonFlags...), agreementFlag, disputeFlag),
			Action: runStatus,
		},
		{
			Name:   "verify",
			Usage:  "Compare one projected escrow with the contract's on-chain state",
			Flags:  append(append([]cli.Flag{}, commonFlags...), escrowFlag),
			Action: runVerify,
		},
	},
	Action: runReconciler,
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildConfigFromCLI loads --config and lets explicitly set flags override it.
func buildConfigFromCLI(ctx *cli.Context) (config.Config, error) {
	cfg, err := config.Load(ctx.String(configFlag.Name))
	if err != nil {
		return config.Config{}, err
	}
	if ctx.IsSet(storeFlag.Name) {
		cfg.Store = ctx.String(storeFlag.Name)
	}
	if ctx.IsSet(databaseURLFlag.Name) {
		cfg.DatabaseURL = ctx.String(databaseURLFlag.Name)
	}
	if ctx.IsSet(ledgerRPCFlag.Name) {
		cfg.Ledger.Endpoint = ctx.String(ledgerRPCFlag.Name)
	}
	if ctx.IsSet(streamFlag.Name) {
		cfg.Stream = ctx.String(streamFlag.Name)
	}
	if ctx.IsSet(logLevelFlag.Name) {
		cfg.LogLevel = ctx.String(logLevelFlag.Name)
	}
	if ctx.IsSet(workersFlag.Name) {
		cfg.Engine.Workers = ctx.Int(workersFlag.Name)
	}
	if ctx.IsSet(reorderTimeoutFlag.Name) {
		cfg.Engine.ReorderTimeout = ctx.Duration(reorderTimeoutFlag.Name)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func setupLogging(cfg config.Config) {
	lvl, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		lvl = log.LevelInfo
	}
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, lvl, true)))
}

// openStore returns the configured projection store and a func releasing it.
func openStore(ctx context.Context, cfg config.Config, migrate bool) (projection.Store, func(), error) {
	if cfg.Store == config.StoreMemory {
		log.Warn("Using in-memory projection store; state is lost on exit")
		return projection.NewMemoryStore(), func() {}, nil
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.PoolOptions())
	if err != nil {
		return nil, nil, err
	}
	if migrate {
		n, err := db.Migrate(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info("Database migrations applied", "count", n)
	}
	return projection.NewPGStore(pool), pool.Close, nil
}

func runReconciler(ctx *cli.Context) error {
	cfg, err := buildConfigFromCLI(ctx)
	if err != nil {
		return err
	}
	setupLogging(cfg)

	sigCtx, stop := signal.NotifyContext(ctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, release, err := openStore(sigCtx, cfg, ctx.Bool(migrateFlag.Name))
	if err != nil {
		return err
	}
	defer release()

	client := ledger.NewRPCClient(cfg.Ledger.Endpoint, cfg.Ledger.Timeout)
	defer client.Close()

	source := ledger.NewSource(client, cfg.SourceConfig())
	engine := reconcile.NewEngine(store, source, cfg.EngineConfig())
	defer engine.Close()

	resolved := make(chan reconcile.DisputeResolved, 64)
	sub := engine.SubscribeDisputeResolved(resolved)
	defer sub.Unsubscribe()
	go func() {
		for {
			select {
			case n := <-resolved:
				log.Info("Dispute resolved", "dispute", n.DisputeID, "escrow", n.EscrowID, "outcome", n.Outcome, "source", n.Source)
			case <-sub.Err():
				return
			}
		}
	}()

	log.Info("Starting reconciler", "stream", cfg.Stream, "store", cfg.Store, "ledger", cfg.Ledger.Endpoint, "workers", cfg.Engine.Workers)
	err = engine.Run(sigCtx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		log.Info("Reconciler stopped")
		return nil
	case errors.Is(err, ledger.ErrGapDetected):
		log.Error("Ledger stream has a gap; cursor held at last contiguous event", "err", err)
	}
	return err
}

func runMigrate(ctx *cli.Context) error {
	cfg, err := buildConfigFromCLI(ctx)
	if err != nil {
		return err
	}
	setupLogging(cfg)
	if cfg.Store != config.StorePostgres {
		return fmt.Errorf("migrate: store %q has no schema", cfg.Store)
	}
	_, release, err := openStore(ctx.Context, cfg, true)
	if err != nil {
		return err
	}
	release()
	return nil
}

func runStatus(ctx *cli.Context) error {
	cfg, err := buildConfigFromCLI(ctx)
	if err != nil {
		return err
	}
	setupLogging(cfg)
	store, release, err := openStore(ctx.Context, cfg, false)
	if err != nil {
		return err
	}
	defer release()

	svc := status.NewService(store, cfg.Stream, nil, nil)
	var out any
	switch {
	case ctx.IsSet(agreementFlag.Name):
		out, err = svc.GetEscrowStatus(ctx.Context, ctx.String(agreementFlag.Name))
	case ctx.IsSet(disputeFlag.Name):
		out, err = svc.GetDisputeStatus(ctx.Context, ctx.String(disputeFlag.Name))
	default:
		out, err = svc.GetSyncHealth(ctx.Context)
	}
	if err != nil {
		return err
	}
	return printJSON(out)
}

func runVerify(ctx *cli.Context) error {
	cfg, err := buildConfigFromCLI(ctx)
	if err != nil {
		return err
	}
	setupLogging(cfg)
	store, release, err := openStore(ctx.Context, cfg, false)
	if err != nil {
		return err
	}
	defer release()

	client := ledger.NewRPCClient(cfg.Ledger.Endpoint, cfg.Ledger.Timeout)
	defer client.Close()

	svc := status.NewService(store, cfg.Stream, nil, client)
	v, err := svc.VerifyEscrow(ctx.Context, ctx.String(escrowFlag.Name))
	if err != nil {
		return err
	}
	if err := printJSON(v); err != nil {
		return err
	}
	if !v.Consistent {
		return cli.Exit("projection drifted from chain state", 2)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
