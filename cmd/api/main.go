package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"taskwiser/activity"
	"taskwiser/arbitration"
	"taskwiser/auth"
	"taskwiser/config"
	"taskwiser/db"
	"taskwiser/dispute"
	"taskwiser/escrow"
	"taskwiser/reconcile"
	"taskwiser/task"
	"taskwiser/wallet"
)

func main() {
	cfg, err := config.FromEnv(os.Getenv)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatalf("apply migrations: %v", err)
	}

	var backend escrow.Backend
	if cfg.RPCURL != "" {
		rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
		if err != nil {
			log.Fatalf("dial rpc: %v", err)
		}
		defer rpc.Close()
		backend = rpc
	} else {
		log.Printf("ETH_RPC_URL not set; escrow operations will report wallet not connected")
	}
	chain := escrow.NewClient(cfg.EscrowConfig(), backend)

	keyring, err := wallet.ParseKeys(cfg.ChainIDBig(), cfg.SignerKeys)
	if err != nil {
		log.Fatalf("load signer keys: %v", err)
	}
	log.Printf("signers loaded: %d", len(keyring.Addresses()))

	events := activity.NewLog(pool)
	reconciler := reconcile.New(chain)
	policy := auth.NewAllowList(cfg.AdminAddresses...)
	if policy.Len() == 0 {
		log.Printf("ADMIN_ADDRESSES not set; disputes cannot be resolved")
	}

	taskService := task.NewService(task.NewRepository(pool), chain, reconciler, keyring, events)
	advisor := arbitration.New(arbitration.LLMConfig{
		BaseURL: cfg.LLMBaseURL,
		APIKey:  cfg.LLMAPIKey,
		Model:   cfg.LLMModel,
		Timeout: cfg.LLMTimeout,
	})
	disputeService := dispute.NewService(dispute.NewRepository(pool, events), taskService, chain, reconciler, keyring, policy, advisor).
		WithEvents(events)
	authService := auth.NewService(auth.NewRepository(pool), policy, cfg.JWTSecret)

	server := NewServer(taskService, disputeService, authService, chain)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("api listening on %s (escrow %s, chain %d)", cfg.ListenAddr, chain.ContractAddress().Hex(), cfg.ChainID)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			log.Printf("http server: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Printf("api stopped")
}
