// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

// Package main is the entry point of the alert watcher: a supervisor
// over per-topic ingestion workers, plus an optional companion HTTP
// surface for status, metrics and filter administration.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ztf-alerts/alertwatcher/pkg/api"
	"github.com/ztf-alerts/alertwatcher/pkg/config"
	"github.com/ztf-alerts/alertwatcher/pkg/ingest"
	"github.com/ztf-alerts/alertwatcher/pkg/util/log"
)

var (
	configPath string
	obsDate    string
	noIO       bool
	testMode   bool
	logLevel   string
)

func main() {
	cmd := &cobra.Command{
		Use:   "alertwatcher",
		Short: "Watch nightly alert topics and ingest them into the catalog",
		RunE: func(_ *cobra.Command, _ []string) error {
			return run()
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the configuration file")
	cmd.Flags().StringVar(&obsDate, "obsdate", "", "observing date as YYYYMMDD, defaults to today UTC")
	cmd.Flags().BoolVar(&noIO, "noio", false, "do not save raw packets to disk")
	cmd.Flags().BoolVar(&testMode, "test", false, "run a single pass against the test brokers")
	cmd.Flags().StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	if err := log.Setup(logLevel); err != nil {
		return err
	}
	defer log.Flush()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// fail at startup rather than on the first alert
	if _, err := cfg.Xmatch.RadiusRadians(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := ingest.NewSupervisor(cfg, obsDate, !noIO, testMode)

	if cfg.API.Enabled {
		srv := api.New(cfg.API, sup, sup)
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Stop(shutdownCtx); err != nil {
				log.Errorf("api: shutdown: %v", err)
			}
		}()
	}

	log.Infof("alertwatcher starting (test=%v, obsdate=%q)", testMode, obsDate)
	if err := sup.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}
