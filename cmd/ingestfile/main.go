// Command ingestfile loads a scraper export into the church store as one
// ingestion session.
//
//	ingestfile -config config.yaml -file export.json -batch 50 -linkcheck
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/app"
	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/config"
	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/linkcheck"
	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/logging"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	file := flag.String("file", "", "Path to the scraper JSON export (- for stdin)")
	batch := flag.Int("batch", 50, "Records per SaveBatch call")
	check := flag.Bool("linkcheck", false, "Check websites after saving, even when linkcheck.enabled is false")
	flag.Parse()

	if *file == "" {
		fmt.Fprintln(os.Stderr, "-file is required")
		os.Exit(2)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, logger, *file, *batch, *check); err != nil {
		logger.Error("ingestfile failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger, file string, batch int, forceCheck bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	in := os.Stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return fmt.Errorf("open export: %w", err)
		}
		defer f.Close()
		in = f
	}
	exp, err := decodeExport(in)
	if err != nil {
		return err
	}
	if exp.Config == nil {
		exp.Config = map[string]any{}
	}
	exp.Config["source_file"] = file
	exp.Config["batch_size"] = batch

	services, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init services: %w", err)
	}
	defer services.Close()

	var checker websiteChecker
	switch {
	case services.Checker != nil:
		checker = services.Checker
	case forceCheck:
		checker = linkcheck.New(linkcheck.Config{
			UserAgent:   cfg.LinkCheck.UserAgent,
			Timeout:     cfg.LinkCheckTimeout(),
			Parallelism: cfg.LinkCheck.Parallelism,
		}, logger)
	}

	sum, ingestErr := ingest(ctx, services.Engine, checker, exp, batch, logger.Named("ingestfile"))
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sum); err != nil {
		logger.Warn("write summary failed", zap.Error(err))
	}
	return ingestErr
}
