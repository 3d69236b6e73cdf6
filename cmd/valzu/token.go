package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/valzu-ai/valzu-chat/internal/adapter/jwtauth"
	"github.com/valzu-ai/valzu-chat/internal/config"
	"github.com/valzu-ai/valzu-chat/internal/domain/identity"
	"github.com/valzu-ai/valzu-chat/internal/secrets"
)

// runToken mints a session token for local development and scripted clients.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	user := fs.String("user", "", "user id (required)")
	email := fs.String("email", "", "user email")
	name := fs.String("name", "", "display name")
	ttl := fs.Duration("ttl", 0, "token lifetime (configured default when 0)")
	secret := fs.String("secret", "", "signing secret (read from config when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" {
		return fmt.Errorf("--user is required")
	}

	auth, err := tokenAuthConfig(*secret)
	if err != nil {
		return err
	}
	vault, err := secrets.NewVault(sessionSecrets(auth))
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	if vault.Get(jwtSecretName) == "" {
		return fmt.Errorf("no signing secret: set VALZU_JWT_SECRET or pass --secret")
	}

	tok, err := jwtauth.NewRotating(auth, vault, jwtSecretName).Mint(identity.Identity{UserID: *user, Email: *email, Name: *name}, *ttl)
	if err != nil {
		return fmt.Errorf("mint token: %w", err)
	}
	fmt.Println(tok)

	lifetime := *ttl
	if lifetime <= 0 {
		lifetime = auth.TokenTTL
	}
	fmt.Fprintf(os.Stderr, "Token for %s valid until %s\n", *user, time.Now().Add(lifetime).Format(time.RFC3339))
	return nil
}

// tokenAuthConfig uses defaults plus an explicit secret when one is given, so
// minting does not need a fully valid server configuration.
func tokenAuthConfig(secret string) (config.Auth, error) {
	if secret != "" {
		auth := config.Defaults().Auth
		auth.JWTSecret = secret
		return auth, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Auth{}, fmt.Errorf("load config: %w", err)
	}
	return cfg.Auth, nil
}
