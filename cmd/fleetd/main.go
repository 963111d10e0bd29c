package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/pochtmanr/dopplerland-sub001/cmd/fleetd/commands"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	dirty   = "false"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		commands.Run(os.Args[2:], logger, version, dirty == "true")
	case "migrate":
		commands.Migrate(os.Args[2:], logger)
	case "servers":
		commands.Servers(os.Args[2:], logger)
	case "sync":
		commands.Sync(os.Args[2:], logger)
	case "showconf":
		commands.ShowConf(os.Args[2:], logger)
	case "token":
		commands.Token(os.Args[2:], logger)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: fleetd <command> [options]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  run        Start the API, health monitor and usage sync")
	fmt.Fprintln(os.Stderr, "  migrate    Apply database migrations and print the schema version")
	fmt.Fprintln(os.Stderr, "  servers    List, add or remove backend servers")
	fmt.Fprintln(os.Stderr, "  sync       Pull usage from every active server once")
	fmt.Fprintln(os.Stderr, "  showconf   Print the effective config with secrets redacted")
	fmt.Fprintln(os.Stderr, "  token      Mint an operator API token")
	fmt.Fprintln(os.Stderr, "  version    Print the version")
}
