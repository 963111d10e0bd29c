package commands

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
)

func Sync(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	showUntracked := fs.Bool("untracked", false, "print backend handles with no local identity")
	fs.Parse(args)

	cfg := loadConfig(*configPath, logger)
	ctx := context.Background()

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialise", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	results, err := a.syncer.SyncAll(ctx)
	if err != nil {
		logger.Error("sync failed", "err", err)
		os.Exit(1)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVER\tSYNCED\tUNTRACKED\tERRORS\tERROR")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", r.Server, r.Synced, r.Untracked, r.Errors, r.Error)
	}
	tw.Flush()

	if *showUntracked {
		for _, r := range results {
			for _, h := range r.Handles {
				fmt.Printf("%s\t%s\n", r.Server, h)
			}
		}
	}
}
