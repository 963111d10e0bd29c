package commands

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/pochtmanr/dopplerland-sub001/internal/api"
)

func Token(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	subject := fs.String("subject", "", "operator name recorded in the token (required)")
	role := fs.String("role", api.RoleOperator, `token role: "operator" or "admin"`)
	ttl := fs.Duration("ttl", 0, "token lifetime (default from auth.token_ttl)")
	fs.Parse(args)

	if *subject == "" {
		fmt.Fprintln(os.Stderr, "error: -subject is required")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(*configPath, logger)
	lifetime := *ttl
	if lifetime <= 0 {
		lifetime = cfg.Auth.TTL()
	}

	tok, err := api.MintToken([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, *subject, *role, lifetime, time.Now())
	if err != nil {
		logger.Error("failed to mint token", "err", err)
		os.Exit(1)
	}
	fmt.Println(tok)
}
