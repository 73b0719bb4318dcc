package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/reown-com/appkit-go/caip"
	"github.com/reown-com/appkit-go/config"
	"github.com/reown-com/appkit-go/connector"
	"github.com/reown-com/appkit-go/pairing"
	"github.com/reown-com/appkit-go/session"
	"github.com/reown-com/appkit-go/shared/logging"
	"github.com/reown-com/appkit-go/storage"
)

// appkit-connect is a small example host: it starts a WalletConnect
// pairing for eip155, prints the URI for the wallet to scan and waits for
// approval. On the next run it restores the session silently when the
// relay still holds it.
func main() {
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := logging.NewLogger(&logging.Config{
		Level:       logging.LogLevel(cfg.LogLevel),
		Component:   "appkit-connect",
		Environment: cfg.Environment,
	})

	backend, err := buildStorage(cfg)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	store := storage.NewConnectionStore(backend, logger)

	registry := connector.NewRegistry()
	if err := registry.Register(connector.Descriptor{
		ID:        "walletconnect",
		Name:      "WalletConnect",
		Type:      connector.TypeWalletConnect,
		Namespace: caip.NamespaceEVM,
	}); err != nil {
		log.Fatalf("Failed to register connector: %v", err)
	}

	relay, err := pairing.NewClient(cfg.RelayURL, cfg.ProjectID, logger)
	if err != nil {
		log.Fatalf("Failed to build relay client: %v", err)
	}
	defer relay.Close()

	manager, err := session.NewManager(session.Options{
		Registry:         registry,
		Store:            store,
		Relay:            relay,
		Logger:           logger,
		PairingExpiry:    cfg.PairingExpiry,
		ConnectTimeout:   cfg.ConnectTimeout,
		ReconnectTimeout: cfg.ReconnectTimeout,
	})
	if err != nil {
		log.Fatalf("Failed to build session manager: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	changes, unsubscribe := manager.Subscribe(caip.NamespaceEVM)
	defer unsubscribe()
	go func() {
		for change := range changes {
			if change.URI != "" {
				fmt.Printf("\nScan this URI with your wallet:\n\n  %s\n\n", change.URI)
			}
		}
	}()

	// Try to restore the previous session first.
	<-manager.Reconnect(ctx, []caip.Namespace{caip.NamespaceEVM})

	if manager.Status(caip.NamespaceEVM) != session.StatusConnected {
		logger.Info("starting a new pairing")
		if _, err := manager.Connect(ctx, caip.NamespaceEVM, "walletconnect"); err != nil {
			log.Fatalf("Connect failed: %v", err)
		}
	} else {
		logger.Info("previous session restored silently")
	}

	conn, ok := manager.Connection(caip.NamespaceEVM)
	if !ok {
		log.Fatal("no active connection after connect")
	}
	fmt.Printf("Connected: %s on %s via %s\n", conn.Address, conn.ChainID, conn.ConnectorID)

	fmt.Println("Press Ctrl+C to disconnect and exit.")
	<-ctx.Done()

	shutdownCtx := context.Background()
	if err := manager.Disconnect(shutdownCtx, caip.NamespaceEVM); err != nil {
		logger.WithError(err).Warn("disconnect failed")
	}
}

func buildStorage(cfg *config.Config) (storage.KeyValueStore, error) {
	switch {
	case cfg.Redis.Host != "":
		return storage.NewRedisStorage(cfg.Redis)
	case cfg.StoragePath != "":
		return storage.NewFileStorage(cfg.StoragePath)
	default:
		return storage.NewMemoryStorage(), nil
	}
}
