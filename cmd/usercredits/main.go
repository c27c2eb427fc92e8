package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"visionbatch/internal/adapter/repo"
	"visionbatch/internal/domain"
	"visionbatch/internal/infra"
	"visionbatch/internal/middleware"
)

func main() {
	_ = godotenv.Load()

	var (
		usernameFlag string
		roleFlag     string
		creditsFlag  int
		tokenTTLFlag time.Duration
	)

	flag.StringVar(&usernameFlag, "username", "", "account to create or update")
	flag.StringVar(&roleFlag, "role", string(domain.UserRoleUser), "role to assign (user, admin)")
	flag.IntVar(&creditsFlag, "credits", -1, "balance to set (negative keeps the current balance)")
	flag.DurationVar(&tokenTTLFlag, "token-ttl", 0, "issue an API token valid for this long (requires JWT_SECRET)")
	flag.Parse()

	username := strings.TrimSpace(usernameFlag)
	if username == "" {
		exitWithError(errors.New("-username is required"))
	}
	role := domain.UserRole(strings.TrimSpace(strings.ToLower(roleFlag)))
	if !role.Valid() {
		exitWithError(fmt.Errorf("unsupported role %q", roleFlag))
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		exitWithError(errors.New("DATABASE_URL is required"))
	}
	secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if tokenTTLFlag > 0 && secret == "" {
		exitWithError(errors.New("JWT_SECRET is required to issue a token"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		exitWithError(fmt.Errorf("failed to connect database: %w", err))
	}
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "usercredits").Logger()
	users := repo.NewUserRepository(infra.NewSQLRunner(pool, logger))

	initial := creditsFlag
	if initial < 0 {
		initial = 0
	}
	user, err := users.UpsertUser(ctx, username, role, initial)
	if err != nil {
		exitWithError(fmt.Errorf("failed to upsert user: %w", err))
	}
	if creditsFlag >= 0 && user.Credits != creditsFlag {
		if user, err = users.SetCredits(ctx, user.ID, creditsFlag); err != nil {
			exitWithError(fmt.Errorf("failed to set credits: %w", err))
		}
	}

	fmt.Printf("User %s (%s) role=%s credits=%d\n", user.Username, user.ID, user.Role, user.Credits)

	if tokenTTLFlag > 0 {
		token, err := middleware.SignJWT(secret, middleware.NewTokenClaims(user.ID, user.Username, user.Role, tokenTTLFlag))
		if err != nil {
			exitWithError(fmt.Errorf("failed to sign token: %w", err))
		}
		fmt.Printf("token=%s\n", token)
		fmt.Printf("expires_at=%s\n", time.Now().Add(tokenTTLFlag).UTC().Format(time.RFC3339))
	}
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
