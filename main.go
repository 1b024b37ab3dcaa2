package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/hbomb79/Scribe/internal"
	"github.com/hbomb79/Scribe/pkg/logger"
)

var log = logger.Get("Main")

// main loads the user configuration (a .env file, the environment, and an
// optional YAML file), then starts the Scribe server. The server runs until
// SIGINT/SIGTERM, at which point in-flight jobs are requeued and the store
// is synced before exit.
func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file (optional)")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Failed to load .env file: %s\n", err)
		os.Exit(1)
	}

	config := internal.ScribeConfig{}
	var err error
	if *configPath != "" {
		err = config.LoadFromFile(*configPath)
	} else {
		err = config.LoadFromEnv()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %s\n", err)
		os.Exit(1)
	}

	logger.SetVerbosityFromString(config.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := internal.New(config).Run(ctx); err != nil {
		log.Emit(logger.FATAL, "Scribe exited with error: %s\n", err)
		os.Exit(1)
	}
}
