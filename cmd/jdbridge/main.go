// jdbridge - multi-tenant order bridge between the JD platforms and
// downstream card fulfillment.
//
// It ingests signed order pushes from the game-card and general-trading
// channels, persists them per shop, auto-fetches card codes from the
// configured inventory backend, reports fulfillment back over signed
// callbacks and raises chat notifications on new orders.
//
// Usage:
//
//	jdbridge         start the HTTP server
//	jdbridge init    create the schema and the default administrator
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/jdbridge/internal/api"
	"github.com/web3guy0/jdbridge/internal/config"
	"github.com/web3guy0/jdbridge/internal/database"
	"github.com/web3guy0/jdbridge/internal/engine"
	"github.com/web3guy0/jdbridge/internal/notify"
)

const version = "1.0.0"

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	db, err := database.New(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	if len(os.Args) > 1 && os.Args[1] == "init" {
		if cfg.AdminPass == "" {
			log.Fatal().Msg("ADMIN_PASS is required for init")
		}
		if err := db.Init(cfg.AdminUser, cfg.AdminPass); err != nil {
			log.Fatal().Err(err).Msg("Initialization failed")
		}
		log.Info().Msg("Initialization complete")
		return
	}

	if err := db.AutoMigrate(); err != nil {
		log.Fatal().Err(err).Msg("Schema migration failed")
	}

	log.Info().
		Str("version", version).
		Str("addr", cfg.ListenAddr).
		Msg("🌉 JD order bridge starting...")

	notifier := notify.New(db, cfg.NotifyWorkers)
	eng := engine.New(db)
	server := api.NewServer(db, eng, notifier)

	// Drain the notification queue on shutdown.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("Shutting down...")
		notifier.Stop()
		os.Exit(0)
	}()

	if err := server.Start(cfg.ListenAddr); err != nil {
		log.Fatal().Err(err).Msg("HTTP server stopped")
	}
}
