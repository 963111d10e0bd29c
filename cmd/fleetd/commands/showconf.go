package commands

import (
	"flag"
	"log/slog"
	"os"
)

func ShowConf(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("showconf", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	reveal := fs.Bool("reveal", false, "print secrets unredacted")
	fs.Parse(args)

	cfg := loadConfig(*configPath, logger)
	if !*reveal {
		cfg = cfg.Redacted()
	}
	data, err := cfg.Marshal()
	if err != nil {
		logger.Error("failed to render config", "err", err)
		os.Exit(1)
	}
	os.Stdout.Write(data)
}
