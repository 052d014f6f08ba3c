package main

import (
	"context"
	"fmt"
	"os"

	supprt "github.com/supprt-io/supprt-go"
)

// getClient creates a widget client from the stored configuration.
func getClient() *supprt.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.PublicKey == "" {
		fmt.Fprintln(os.Stderr, "No public key. Run 'supprt config set default.public_key pk_...' first.")
		os.Exit(1)
	}

	var opts []supprt.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, supprt.WithBaseURL(cfg.Default.BaseURL))
	}

	return supprt.NewClient(cfg.Default.PublicKey, opts...)
}

// identityFromConfig returns the configured end-user identity, or nil for an
// anonymous fingerprint session.
func identityFromConfig() *supprt.UserIdentity {
	cfg, err := loadConfig()
	if err != nil || cfg.User.Email == "" {
		return nil
	}
	return &supprt.UserIdentity{
		Email: cfg.User.Email,
		Name:  cfg.User.Name,
		HMAC:  cfg.User.HMAC,
	}
}

// initSession performs the init handshake so subsequent calls carry a
// session token.
func initSession(ctx context.Context, client *supprt.Client) (*supprt.InitResponse, error) {
	resp, err := client.Init(ctx, identityFromConfig())
	if err != nil {
		return nil, fmt.Errorf("init failed: %w", err)
	}
	return resp, nil
}
