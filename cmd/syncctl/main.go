package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/umsync/syncctl/internal/engine"
	"github.com/umsync/syncctl/internal/logging"
	"github.com/umsync/syncctl/internal/monitor"
	"github.com/umsync/syncctl/internal/observability"
	"github.com/umsync/syncctl/internal/offline"
)

func main() {
	configPath := flag.String("config", "syncctl.toml", "path to the sync configuration file")
	flag.Parse()

	logging.ConfigureRuntime()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "syncctl: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadRunConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var mon *monitor.Server
	if cfg.MonitorAddr != "" {
		mon = monitor.NewServer(cfg.MonitorAddr)
		go func() {
			if err := mon.Start(ctx); err != nil {
				log.Error().Err(err).Msg("monitor server failed")
			}
		}()
	}

	if cfg.Every <= 0 {
		return runOnce(ctx, cfg, mon)
	}

	log.Info().Dur("every", cfg.Every).Msg("running on a schedule")
	ticker := time.NewTicker(cfg.Every)
	defer ticker.Stop()
	for {
		if err := runOnce(ctx, cfg, mon); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			// Scheduled mode keeps going; the next run may find the
			// directory healthy again.
			log.Error().Err(err).Msg("sync run failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func runOnce(ctx context.Context, cfg runConfig, mon *monitor.Server) error {
	directory := &offline.CSVDirectory{Path: cfg.DirectoryFile}
	targets := make([]engine.Target, 0, len(cfg.Targets))
	for _, t := range cfg.Targets {
		targets = append(targets, engine.Target{
			Name:    t.Name,
			Primary: t.Primary,
			Service: offline.NewFileTarget(t.Name, t.AccountsFile, t.JournalFile),
		})
	}

	eng, err := engine.New(cfg.Engine, directory, targets)
	if err != nil {
		return err
	}

	start := time.Now()
	summary, runErr := eng.Run(ctx)
	observability.RecordRun(summary, runErr)
	if mon != nil {
		mon.SetSummary(summary)
	}
	log.Info().Dur("elapsed", time.Since(start)).Msg("sync run complete")

	if err := printSummary(summary); err != nil {
		return err
	}
	return runErr
}

func printSummary(s engine.Summary) error {
	out, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
