// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/sift/pkg/logging"
	"github.com/AleutianAI/sift/pkg/retry"
	"github.com/AleutianAI/sift/services/taint/config"
	"github.com/AleutianAI/sift/services/taint/graph"
	"github.com/AleutianAI/sift/services/taint/pipeline"
	"github.com/AleutianAI/sift/services/taint/storage"
	"github.com/AleutianAI/sift/services/taint/storage/badger"
)

var (
	configPath string
	runID      string

	rootCmd = &cobra.Command{
		Use:           "sift",
		Short:         "Post-process taint analysis output",
		Long:          "sift loads taint analysis output into a trace graph, trims it to the files you care about, and stores the result locally.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	trimCmd = &cobra.Command{
		Use:   "trim",
		Short: "Load, trim, and persist one analysis run",
		RunE:  runTrim,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show per-kind record counts of a persisted run",
		RunE:  runStats,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "sift.yaml", "configuration file")
	statsCmd.Flags().StringVar(&runID, "run", "", "run id to inspect")
	rootCmd.AddCommand(trimCmd)
	rootCmd.AddCommand(statsCmd)
}

func loadConfig() (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, retry.NewUserError("load config %s: %v", configPath, err)
	}
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		Service: "sift",
	})
	return cfg, logger, nil
}

func openStore(cfg *config.Config, logger *logging.Logger) (*badger.DB, error) {
	storeCfg := badger.DefaultConfig()
	storeCfg.Path = cfg.Storage.Path
	storeCfg.InMemory = cfg.Storage.InMemory
	storeCfg.Logger = logger.Slog()
	db, err := badger.OpenDB(storeCfg)
	if err != nil {
		return nil, retry.NewUserError("open store at %s: %v", cfg.Storage.Path, err)
	}
	return db, nil
}

func runTrim(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	parser := pipeline.NewParallelParser(pipeline.JSONLinesParser{}, cfg.Analysis.Workers, logger.Slog())
	var records []pipeline.Record
	err = retry.Timed(logger.Slog(), "Parsing", func() error {
		var err error
		records, err = parser.ParseFiles(ctx, cfg.Analysis.Paths)
		return err
	})
	if err != nil {
		return retry.NewUserError("parse analysis output: %v", err)
	}
	if len(cfg.Analysis.WarningCodes) > 0 {
		records = pipeline.NewWarningCodeFilter(cfg.Analysis.WarningCodes...).Apply(records)
	}

	loader := pipeline.NewLoader(logger.Slog())
	var full *graph.TraceGraph
	err = retry.Timed(logger.Slog(), "Loading", func() error {
		var err error
		full, err = loader.Load(records)
		return err
	})
	if err != nil {
		return retry.NewUserError("load trace graph: %v", err)
	}

	trimmed := graph.NewTrimmedGraph(graph.TrimConfig{
		AffectedFiles:      cfg.Trim.AffectedFiles,
		AffectedIssuesOnly: cfg.Trim.AffectedIssuesOnly,
	})
	err = retry.Timed(logger.Slog(), "Trimming", func() error {
		return trimmed.PopulateFromGraph(ctx, full)
	})
	if err != nil {
		return fmt.Errorf("trim trace graph: %w", err)
	}
	logger.Info("trim complete",
		"issues", trimmed.NumIssues(),
		"instances", trimmed.NumIssueInstances(),
		"frames", trimmed.NumTraceFrames(),
	)

	db, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	saver := storage.NewBulkSaver(db, storage.WithLogger(logger.Slog()))
	saver.Add(trimmed.TraceGraph)

	id := loader.RunID().String()
	var stats storage.Stats
	err = retry.Timed(logger.Slog(), "Saving", func() error {
		var err error
		stats, err = saver.SaveAll(ctx, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("save run %s: %w", id, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "run %s saved\n", id)
	printStats(cmd, stats)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	if runID == "" {
		return retry.NewUserError("--run is required")
	}
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Close()

	db, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := storage.RunStats(context.Background(), db, runID)
	if err != nil {
		return fmt.Errorf("read run %s: %w", runID, err)
	}
	if len(stats) == 0 {
		return retry.NewUserError("no records found for run %s", runID)
	}
	printStats(cmd, stats)
	return nil
}

func printStats(cmd *cobra.Command, stats storage.Stats) {
	for _, kind := range storage.AllEntityKinds() {
		if count, ok := stats[kind]; ok {
			fmt.Fprintf(cmd.OutOrStdout(), "  %-42s %d\n", kind, count)
		}
	}
}
