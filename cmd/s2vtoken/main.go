package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"visionbatch/internal/infra"
	"visionbatch/internal/infra/credentials"
)

func main() {
	_ = godotenv.Load()

	var (
		tokenFlag string
		byFlag    string
	)
	flag.StringVar(&tokenFlag, "token", "", "LightX2V access token (fallbacks to LIGHTX2V_ACCESS_TOKEN)")
	flag.StringVar(&byFlag, "by", "cli", "recorded as the operator that rotated the token")
	flag.Parse()

	token := strings.TrimSpace(tokenFlag)
	if token == "" {
		token = strings.TrimSpace(os.Getenv("LIGHTX2V_ACCESS_TOKEN"))
	}
	if token == "" {
		fmt.Fprintln(os.Stderr, "access token is required via -token or LIGHTX2V_ACCESS_TOKEN")
		os.Exit(1)
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create pool: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "s2vtoken").Logger()
	store := credentials.NewStore(infra.NewSQLRunner(pool, logger))

	if err := store.SetLightX2VToken(ctx, token, byFlag); err != nil {
		fmt.Fprintf(os.Stderr, "failed to persist lightx2v token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("LightX2V access token stored; running API servers pick it up on restart or via PUT /v1/admin/lightx2v/token")
}
