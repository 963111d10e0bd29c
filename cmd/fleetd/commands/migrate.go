package commands

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/pochtmanr/dopplerland-sub001/internal/store"
)

func Migrate(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath, logger)

	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		logger.Error("failed to migrate database", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	v, err := st.SchemaVersion()
	if err != nil {
		logger.Error("failed to read schema version", "err", err)
		os.Exit(1)
	}
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	fmt.Printf("Schema:   version %d\n", v)
}
