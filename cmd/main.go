package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"

	"relay-host/admission"
	"relay-host/domain"
	"relay-host/gateway"
	"relay-host/relay"
	"relay-host/repositories"
	"relay-host/runtime"
	"relay-host/verify"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run initializes all components, manages the host lifecycle, and centralizes
// error reporting, so every defer (database close, session drain) executes
// before the process exits.
func run() error {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	// 2. Database (BadgerDB)
	db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath).
		WithLoggingLevel(badger.INFO))
	if err != nil {
		return fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		log.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	// 3. Stores & admission
	tenants := repositories.NewTenantRepository(db, log)
	mappings := repositories.NewMappingRepository(db, log)
	admissions := repositories.NewAdmissionRepository(db, log)
	tokens := repositories.NewTokenRepository(db, log)
	settings := repositories.NewSettingsRepository(db, log)
	controller := admission.NewController(admissions, tokens, log, config.VerifierBaseURL, config.TokenTTL)

	deps := relay.Deps{
		Tenants:   tenants,
		Mappings:  mappings,
		Settings:  settings,
		Tokens:    tokens,
		Admission: controller,
		AdminChat: domain.ChatID(config.AdminChannel),
	}

	// 4. Session orchestration
	registry := runtime.NewRegistry()
	retry := gateway.RetryPolicy{MaxAttempts: config.RetryAttempts, BaseDelay: config.RetryBaseDelay}
	manager := runtime.NewSessionManager(
		tenants, admissions, tokens,
		gateway.NewConnector(), registry, deps,
		retry, config.AckTTL, config.RestartInterval, log,
	)

	// 5. Context & Signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := manager.RestoreAll(ctx); err != nil {
		return fmt.Errorf("tenant restore failed: %w", err)
	}

	// 6. Verifier callback server
	service := verify.NewService(tenants, tokens, settings, controller, registry, log)
	server := verify.NewServer(service, fmt.Sprintf("%s:%d", config.Host, config.Port), log)

	errChan := make(chan error, 1)
	go func() {
		log.Info("Starting verifier server", "host", config.Host, "port", config.Port, "at", time.Now().UTC())
		if err := server.Run(ctx); err != nil {
			errChan <- fmt.Errorf("verifier server error: %w", err)
		}
	}()

	// 7. Wait for Stop or Error
	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case err := <-errChan:
		manager.StopAll()
		return err
	}

	// 8. Final Cleanup
	manager.StopAll()
	log.Info("Program stopped cleanly")

	return nil
}
