package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"visionbatch/internal/infra"
)

func main() {
	_ = godotenv.Load()

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [up|down|reset|status|version]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	command := "up"
	if flag.NArg() > 0 {
		command = strings.ToLower(strings.TrimSpace(flag.Arg(0)))
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := infra.NewLogger("cli").With().Str("cmd", "migrate").Logger()
	if err := infra.Migrate(ctx, dbURL, command, logger); err != nil {
		logger.Error().Err(err).Msg("migration failed")
		stop()
		os.Exit(1)
	}
	logger.Info().Str("command", command).Msg("migration finished")
}
