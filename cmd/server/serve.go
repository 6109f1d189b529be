package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"sensororacle/internal/assets"
	"sensororacle/internal/config"
	"sensororacle/internal/datapackage"
	"sensororacle/internal/escrow"
	"sensororacle/internal/fetcher"
	"sensororacle/internal/idempotency"
	"sensororacle/internal/ledger"
	"sensororacle/internal/security"
	"sensororacle/internal/server"
)

var log = logging.Logger("cmd")

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Int("port", 3000, "HTTP port")
	serveCmd.Flags().String("generator-url", "", "base URL of the package generation service")
	serveCmd.Flags().String("pebble-dir", "", "directory of the durable asset store (empty keeps assets in memory)")
	cobra.CheckErr(v.BindPFlag("service.http_port", serveCmd.Flags().Lookup("port")))
	cobra.CheckErr(v.BindPFlag("generator.base_url", serveCmd.Flags().Lookup("generator-url")))
	cobra.CheckErr(v.BindPFlag("store.pebble_dir", serveCmd.Flags().Lookup("pebble-dir")))
}

func newSettlementService(ctx context.Context, lc config.LedgerConfig) (ledger.Service, string, error) {
	if lc.OnChain() {
		eth, err := ledger.NewEthService(ctx, ledger.EthServiceConfig{
			RPCURL:        lc.RPCURL,
			PrivateKeyHex: lc.PrivateKey,
			TokenContract: lc.TokenContract,
			WaitMined:     lc.WaitMined,
		})
		if err != nil {
			return nil, "", fmt.Errorf("settlement service: %w", err)
		}
		account := lc.ServiceAccount
		if account == "" {
			account = eth.Account()
		}
		return eth, account, nil
	}

	mem := ledger.NewMemoryService()
	for _, f := range lc.Funding {
		mem.Deposit(f.Account, f.Amount)
	}
	log.Warnw("using in-memory settlement ledger", "fundedAccounts", len(lc.Funding))
	return mem, lc.ServiceAccount, nil
}

func newIdempotencyStore(ctx context.Context, sc config.ServiceConfig) (idempotency.Store, func(), error) {
	switch sc.IdempotencyStore {
	case config.StorePostgres:
		pg, err := idempotency.NewPostgresStore(ctx, sc.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("idempotency store: %w", err)
		}
		return pg, pg.Close, nil
	case config.StoreMemory:
		return idempotency.NewMemoryStore(), func() {}, nil
	default:
		fs, err := idempotency.NewFileStore(sc.IdempotencyStorePath)
		if err != nil {
			return nil, nil, fmt.Errorf("idempotency store: %w", err)
		}
		return fs, func() {}, nil
	}
}

func newAssetStore(sc config.StoreConfig) (assets.Store, error) {
	if sc.PebbleDir == "" {
		return assets.NewMemoryStore(), nil
	}
	return assets.NewPebbleStore(sc.PebbleDir)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, serviceAccount, err := newSettlementService(ctx, cfg.Ledger)
	if err != nil {
		return err
	}
	ledgerClient := ledger.NewClient(svc, ledger.WithFee(cfg.Ledger.Fee), ledger.WithMemo(cfg.Ledger.Memo))

	assetStore, err := newAssetStore(cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := assetStore.Close(); err != nil {
			log.Errorw("asset store close failed", "error", err)
		}
	}()
	assetLedger, err := assets.Open(ctx, assetStore)
	if err != nil {
		return err
	}

	secStore, err := security.NewStore(cfg.Security)
	if err != nil {
		return err
	}

	metrics := server.NewMetrics()
	orch, err := escrow.New(
		escrow.Config{ServiceAccount: serviceAccount, Admins: cfg.Admin.Callers},
		ledgerClient,
		assetLedger,
		datapackage.NewGenerator(cfg.Generator.BaseURL, cfg.Generator.VerifyChecksum),
		secStore,
		escrow.WithObserver(metrics.ObserveState),
		escrow.WithFetcherOptions(
			fetcher.WithBackOff(cfg.Generator.RetryPolicy()),
			fetcher.WithObserver(metrics.ObserveFetch),
		),
	)
	if err != nil {
		return err
	}
	if cfg.Admin.AutoInitialize {
		if err := orch.Initialize(cfg.Admin.Callers[0], cfg.Ledger.ID, nil); err != nil {
			return fmt.Errorf("initialize: %w", err)
		}
	}

	idemStore, closeIdem, err := newIdempotencyStore(ctx, cfg.Service)
	if err != nil {
		return err
	}
	defer closeIdem()

	apiServer := server.NewServer(cfg, orch, idemStore, svc, metrics)

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Start()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Infow("shutting down", "timeout", cfg.Service.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
