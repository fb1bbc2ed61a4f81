// issue-token creates a focus-guardian user and prints its bearer token.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashureev/focus-guardian/internal/config"
	"github.com/ashureev/focus-guardian/internal/identity"
	"github.com/ashureev/focus-guardian/internal/store"
)

func main() {
	username := flag.String("username", "", "username for the new user")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if *username == "" {
		fmt.Fprintln(os.Stderr, "usage: issue-token -username <name>")
		os.Exit(2)
	}

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dsn := cfg.Store.DBPath
	if cfg.Store.Driver == store.DriverPostgres {
		dsn = cfg.Store.DatabaseURL
	}
	repo, err := store.Open(ctx, cfg.Store.Driver, dsn)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = repo.Close() }()

	token, user, err := identity.IssueToken(ctx, repo, *username)
	if err != nil {
		slog.Error("Failed to issue token", "username", *username, "error", err)
		os.Exit(1)
	}

	slog.Info("User created", "user_id", user.UserID, "username", user.Username)
	fmt.Println(token)
}
