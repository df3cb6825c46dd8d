// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

// Package main is the entry point for the spindle service supervisor.
//
// spindled loads its operational settings, opens its SQLite-backed
// definition store, builds the initial set of dependency groups, launches
// every group, and then waits for a shutdown signal. On SIGINT/SIGTERM it
// stops every running service and closes its database handle.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/spindle/internal/config"
	"github.com/tomtom215/spindle/internal/logging"
	"github.com/tomtom215/spindle/internal/servicemanager"
	"github.com/tomtom215/spindle/internal/storage"
)

func main() {
	settings, err := config.Load()
	if err != nil {
		logging.Error().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	logging.Init(logging.Config{Level: settings.LogLevel, Format: settings.LogFormat, Output: os.Stderr})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if settings.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: settings.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Warn().Err(err).Msg("metrics server stopped")
			}
		}()
		go func() {
			<-ctx.Done()
			_ = metricsSrv.Close()
		}()
		logging.Info().Str("addr", settings.MetricsAddr).Msg("metrics server listening")
	}

	store, err := storage.Open(ctx, settings.DatabasePath)
	if err != nil {
		logging.Error().Err(err).Msg("failed to open service definition store")
		os.Exit(1)
	}
	defer store.Close()

	cmds, err := servicemanager.NewCommands(ctx, store, settings.EventChannelCapacity, settings.LaunchTimeout)
	if err != nil {
		logging.Error().Err(err).Msg("failed to build initial service manager")
		os.Exit(1)
	}

	logging.Info().Int("groups", cmds.GroupCount()).Msg("spindle started")
	for _, item := range cmds.DeadLetterQueue() {
		logging.Warn().Str("service", item.Key.String()).Str("reason", item.Reason).Msg("service dead-lettered at startup")
	}

	for idx := 0; idx < cmds.GroupCount(); idx++ {
		if err := cmds.LaunchGroup(ctx, idx); err != nil {
			logging.Warn().Int("group", idx).Err(err).Msg("failed to launch group")
		}
	}

	<-ctx.Done()
	logging.Info().Msg("shutdown signal received, stopping all services")
	cmds.Close()
}
