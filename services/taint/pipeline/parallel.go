// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// progressInterval is how many parsed files pass between progress log lines.
const progressInterval = 10

// ParallelParser fans a set of analysis output files across a bounded
// worker pool, delegating each file to an inner Parser.
type ParallelParser struct {
	parser  Parser
	workers int
	logger  *slog.Logger
}

// NewParallelParser creates a parallel parser around the given file parser.
// workers <= 0 means one worker per CPU.
func NewParallelParser(parser Parser, workers int, logger *slog.Logger) *ParallelParser {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ParallelParser{parser: parser, workers: workers, logger: logger}
}

// ParseFiles parses every path and returns the concatenated records in the
// order the paths were given.
//
// Description:
//
//	Each file is opened and parsed on one of the pool's workers. The first
//	failure cancels the remaining work and is returned with its path.
//	Progress is logged every few files so long runs stay observable.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	paths - Analysis output files to parse.
//
// Outputs:
//
//	[]Record - All records, in file order.
//	error - Non-nil if any file cannot be opened or parsed.
//
// Thread Safety: Safe for concurrent use.
func (p *ParallelParser) ParseFiles(ctx context.Context, paths []string) ([]Record, error) {
	p.logger.Info("parsing analysis output", slog.Int("files", len(paths)), slog.Int("workers", p.workers))

	perFile := make([][]Record, len(paths))
	var parsed atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			records, err := p.parseFile(ctx, path)
			if err != nil {
				return fmt.Errorf("parse %s: %w", path, err)
			}
			perFile[i] = records

			done := parsed.Add(1)
			if done%progressInterval == 0 || done == int64(len(paths)) {
				pct := float64(done) / float64(len(paths)) * 100
				p.logger.Info("files parsed",
					slog.Int64("done", done),
					slog.Int("total", len(paths)),
					slog.String("pct", fmt.Sprintf("%.1f%%", pct)),
				)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []Record
	for _, records := range perFile {
		all = append(all, records...)
	}
	return all, nil
}

func (p *ParallelParser) parseFile(ctx context.Context, path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return p.parser.Parse(ctx, f)
}
