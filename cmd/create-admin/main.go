package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"labelflow/internal/auth"
	"labelflow/internal/config"
	"labelflow/internal/db"
	"labelflow/internal/logging"
	"labelflow/internal/models"
	"labelflow/internal/repository"
)

// create-admin bootstraps an admin account and prints a bearer token for it.
// Run it against the same DB_* and SECRET_KEY settings as the server.
func main() {
	username := flag.String("username", "admin", "admin username")
	password := flag.String("password", "admin", "admin password")
	email := flag.String("email", "admin@labelflow.com", "admin email")
	flag.Parse()

	if err := run(*username, *password, *email); err != nil {
		fmt.Fprintf(os.Stderr, "create-admin: %v\n", err)
		os.Exit(1)
	}
}

func run(username, password, email string) error {
	logger := logging.New("warn", "text", os.Stderr)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	database, err := db.NewGorm(cfg, logger)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer database.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	users := repository.NewUserRepository(database.DB)
	tokens := auth.NewTokenService(cfg.SecretKey, users)

	admin, token, err := createAdmin(ctx, users, tokens, username, password, email, cfg.TokenTTL)
	if err != nil {
		return err
	}

	fmt.Println("Admin user created")
	fmt.Printf("  id:       %s\n", admin.ID)
	fmt.Printf("  username: %s\n", admin.Username)
	fmt.Printf("  email:    %s\n", admin.Email)
	fmt.Printf("  token:    %s\n", token)
	fmt.Println("Change the password after first login.")
	return nil
}

var errUserExists = errors.New("user already exists")

// createAdmin stores a new admin account and issues a token for it. An
// existing username is never overwritten.
func createAdmin(ctx context.Context, users *repository.UserRepositoryImpl, tokens *auth.TokenService, username, password, email string, ttl time.Duration) (*models.User, string, error) {
	existing, err := users.GetByUsername(ctx, username)
	switch {
	case err == nil:
		return nil, "", fmt.Errorf("%w: %q (email: %s, admin: %t)", errUserExists, existing.Username, existing.Email, existing.IsAdmin)
	case !errors.Is(err, repository.ErrNotFound):
		return nil, "", fmt.Errorf("lookup: %w", err)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, "", err
	}

	admin := &models.User{
		Username:       username,
		Email:          email,
		HashedPassword: hash,
		IsActive:       true,
		IsAdmin:        true,
	}
	if err := users.Create(ctx, admin); err != nil {
		return nil, "", fmt.Errorf("create: %w", err)
	}

	token, err := tokens.IssueToken(admin.ID, ttl)
	if err != nil {
		return nil, "", fmt.Errorf("token: %w", err)
	}
	return admin, token, nil
}
