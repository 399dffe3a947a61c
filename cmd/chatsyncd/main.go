package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"chatsync/internal/app"
	"chatsync/pkg/config"
	"chatsync/pkg/logger"
)

// build metadata - set via ldflags during build/release
var (
	version = "dev"
)

func main() {
	_ = godotenv.Load(".env")
	addrVal, dbVal, cfgVal, setFlags := config.ParseCommandFlags()

	cfgPath := config.ResolveConfigPath(cfgVal, setFlags["config"])
	cfg, envUsed, err := config.LoadEffective(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// flags win over config/env when explicitly provided
	addr := cfg.Addr()
	if setFlags["addr"] {
		addr = addrVal
	}
	dbPath := dbVal
	if !setFlags["db"] && cfg.Server.DBPath != "" {
		dbPath = cfg.Server.DBPath
	}

	logger.InitWithLevel(cfg.Logging.Level)

	sources := "flags"
	if envUsed {
		sources += ",env"
	}
	if _, err := os.Stat(cfgPath); err == nil {
		sources += ",config"
	}

	a, err := app.New(cfg, addr, dbPath, sources, version)
	if err != nil {
		logger.Error("startup_failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		logger.Error("server_exited", "error", err)
		os.Exit(1)
	}
	logger.Info("server_stopped")
}
