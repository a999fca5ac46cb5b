// Command auctiond runs a single Dutch auction behind a JSON socket API,
// over TCP or, inside a Nitro enclave, vsock.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudx-io/dutchauction/store"
)

func run(ctx context.Context) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	file, err := LoadAuctionFile(cfg.AuctionFile)
	if err != nil {
		return err
	}

	deps := ServerDeps{Metrics: NewMetrics()}

	if cfg.DatabasePath != "" {
		st, err := store.Open(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer func() {
			if err := st.Close(); err != nil {
				log.Printf("ERROR: Failed to close store: %v", err)
			}
		}()
		deps.Store = st
		log.Printf("INFO: Persisting auction history to %s", cfg.DatabasePath)
	}

	if cfg.SigningKeyPath != "" {
		deps.KeyManager, err = LoadKeyManager(cfg.SigningKeyPath)
	} else {
		deps.KeyManager, err = NewKeyManager()
	}
	if err != nil {
		return fmt.Errorf("failed to initialize key manager: %w", err)
	}
	log.Printf("INFO: KeyManager initialized")

	if cfg.Attest {
		attester, err := getEnclaveAttester()
		if err != nil {
			log.Printf("ERROR: NSM initialization failed: %v (receipts will not be attested)", err)
		} else {
			deps.Attester = attester
		}
	}

	server, err := NewAuctionServer(ctx, cfg, file, deps)
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", deps.Metrics.Handler())
		metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Printf("INFO: Metrics listening on %s", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("ERROR: Metrics server failed: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	return server.Start(ctx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("ERROR: %v", err)
	}
}
