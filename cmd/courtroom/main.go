// Package main runs the courtroom session coordinator server.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/amicus-app/courtroom/internal/app/runtime"
	"github.com/amicus-app/courtroom/internal/config"
)

// resolveConfigPath loads the optional env file, then resolves the config
// path: an explicit flag wins over COURTROOM_CONFIG. The env file must be
// loaded before the variable is read so an entry in it takes effect.
func resolveConfigPath(envFile, flagPath string) (string, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return "", err
		}
	} else {
		// Best effort; a missing .env is not an error.
		_ = godotenv.Load()
	}
	if flagPath != "" {
		return flagPath, nil
	}
	return os.Getenv("COURTROOM_CONFIG"), nil
}

func main() {
	configPath := flag.String("config", "", "path to YAML configuration")
	envFile := flag.String("env", "", "path to an optional .env file")
	flag.Parse()

	path, err := resolveConfigPath(*envFile, *configPath)
	if err != nil {
		log.Fatalf("load env file: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := runtime.New(ctx, cfg)
	if err != nil {
		log.Fatalf("assemble server: %v", err)
	}

	if err := server.Run(ctx); err != nil {
		log.Fatalf("server: %v", err)
	}
}
