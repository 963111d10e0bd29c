package commands

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/pochtmanr/dopplerland-sub001/internal/fleet"
	"github.com/pochtmanr/dopplerland-sub001/internal/store"
)

func Servers(args []string, logger *slog.Logger) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: fleetd servers <list|add|remove> [options]")
		os.Exit(1)
	}
	switch args[0] {
	case "list":
		listServers(args[1:], logger)
	case "add":
		addServer(args[1:], logger)
	case "remove":
		removeServer(args[1:], logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown servers command: %s\n", args[0])
		os.Exit(1)
	}
}

func listServers(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("servers list", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath, logger)
	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		logger.Error("failed to open database", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	servers, err := st.ListServers(context.Background(), false)
	if err != nil {
		logger.Error("failed to list servers", "err", err)
		os.Exit(1)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "POS\tID\tEXTERNAL\tNAME\tFAMILY\tCOUNTRY\tACTIVE\tCONFIG")
	for _, s := range servers {
		state := "ok"
		if _, err := fleet.ParseBackendConfig(s); err != nil {
			state = "misconfigured"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			s.Position, s.ID, s.ExternalID, s.Name, s.Family, s.CountryCode, s.IsActive, state)
	}
	tw.Flush()
}

func addServer(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("servers add", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	name := fs.String("name", "", "server display name (required)")
	family := fs.String("family", "", `protocol family: "peer" or "account" (required)`)
	apiURL := fs.String("api-url", "", "backend control-plane URL (required)")
	apiKey := fs.String("api-key", "", "backend API key (required)")
	adminUser := fs.String("admin-user", "", "panel admin username (account family)")
	adminPass := fs.String("admin-password", "", "panel admin password (account family)")
	clientKeys := fs.Bool("client-keys", false, "generate peer keys locally (peer family)")
	dns := fs.String("dns", "", "DNS servers for rendered peer configs")
	externalID := fs.String("external-id", "", "external id used by clients to select the server")
	country := fs.String("country", "", "country name")
	countryCode := fs.String("country-code", "", "ISO country code; looked up via geoip when empty")
	city := fs.String("city", "", "city")
	ip := fs.String("ip", "", "public IP address")
	position := fs.Int("position", 0, "sort position")
	inactive := fs.Bool("inactive", false, "add the server disabled")
	fs.Parse(args)

	if *name == "" || *family == "" || *apiURL == "" || *apiKey == "" {
		fmt.Fprintln(os.Stderr, "error: -name, -family, -api-url and -api-key are required")
		fs.Usage()
		os.Exit(1)
	}

	cfgData, err := json.Marshal(fleet.BackendConfig{
		EndpointURL:   *apiURL,
		Credential:    *apiKey,
		AdminUser:     *adminUser,
		AdminPassword: *adminPass,
		ClientKeys:    *clientKeys,
		DNS:           *dns,
	})
	if err != nil {
		logger.Error("failed to encode server config", "err", err)
		os.Exit(1)
	}
	srv := fleet.BackendServer{
		ExternalID:  *externalID,
		Name:        *name,
		Family:      fleet.Family(*family),
		Country:     *country,
		CountryCode: *countryCode,
		City:        *city,
		IPAddress:   *ip,
		ConfigData:  cfgData,
		IsActive:    !*inactive,
		Position:    *position,
	}
	if !srv.Family.Valid() {
		fmt.Fprintf(os.Stderr, "error: unknown family %q\n", *family)
		os.Exit(1)
	}
	if _, err := fleet.ParseBackendConfig(srv); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	cfg := loadConfig(*configPath, logger)
	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		logger.Error("failed to open database", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.UpsertServer(context.Background(), &srv); err != nil {
		logger.Error("failed to add server", "err", err)
		os.Exit(1)
	}

	fmt.Println("=== Server added ===")
	fmt.Printf("ID:     %s\n", srv.ID)
	fmt.Printf("Name:   %s\n", srv.Name)
	fmt.Printf("Family: %s\n", srv.Family)
	fmt.Printf("Active: %t\n", srv.IsActive)
}

func removeServer(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("servers remove", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	id := fs.String("id", "", "server id (required)")
	fs.Parse(args)

	if *id == "" {
		fmt.Fprintln(os.Stderr, "error: -id is required")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(*configPath, logger)
	ctx := context.Background()
	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open app", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := a.registry.Remove(ctx, *id); err != nil {
		if errors.Is(err, fleet.ErrConflict) {
			fmt.Fprintln(os.Stderr, "error: server still has identities; delete or migrate them first")
		}
		logger.Error("failed to remove server", "id", *id, "err", err)
		os.Exit(1)
	}
	fmt.Printf("Server %s removed\n", *id)
}
