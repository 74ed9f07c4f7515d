// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config provides configuration loading for the taint
// post-processing pipeline.
//
// Configuration is a single YAML file naming the analysis output to load,
// the trim filter to apply, and the storage destination.
//
// Thread Safety:
//
//	All exported functions and types are safe for concurrent use.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	// MaxYAMLFileSize is the maximum allowed YAML file size (1MB).
	// Prevents memory issues from large files.
	MaxYAMLFileSize = 1024 * 1024

	// MaxAnalysisFiles is the maximum analysis output files per run.
	MaxAnalysisFiles = 10000
)

// AnalysisConfig names the analysis output to parse.
type AnalysisConfig struct {
	// Paths are the analysis output files, in load order.
	Paths []string `yaml:"paths"`

	// Workers bounds the parse pool. 0 means one worker per CPU.
	Workers int `yaml:"workers"`

	// WarningCodes restricts loading to the listed issue codes.
	// Empty keeps every issue.
	WarningCodes []int `yaml:"warning_codes"`
}

// TrimConfig selects what the trimmed graph keeps.
type TrimConfig struct {
	// AffectedFiles are path prefixes; see the graph package for the
	// matching rules.
	AffectedFiles []string `yaml:"affected_files"`

	// AffectedIssuesOnly skips the trace-frame seeded search.
	AffectedIssuesOnly bool `yaml:"affected_issues_only"`
}

// StorageConfig names where trimmed runs are persisted.
type StorageConfig struct {
	// Path is the BadgerDB directory. Required unless InMemory is set.
	Path string `yaml:"path"`

	// InMemory stores the run in a throwaway in-memory database.
	InMemory bool `yaml:"in_memory"`
}

// Config is the root configuration.
type Config struct {
	Analysis AnalysisConfig `yaml:"analysis"`
	Trim     TrimConfig     `yaml:"trim"`
	Storage  StorageConfig  `yaml:"storage"`

	// LogLevel is one of debug, info, warn, error. Default: info.
	LogLevel string `yaml:"log_level"`
}

// Load reads and validates a configuration file.
//
// Description:
//
//	Resolves the path, enforces the file size cap, parses the YAML, and
//	validates the result.
//
// Inputs:
//
//	path - Configuration file path.
//
// Outputs:
//
//	*Config - The validated configuration.
//	error - Non-nil on I/O, size, parse, or validation failure.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > MaxYAMLFileSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFileTooLarge, info.Size(), MaxYAMLFileSize)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates raw YAML configuration.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if len(c.Analysis.Paths) == 0 {
		return fmt.Errorf("%w: analysis.paths is empty", ErrInvalidConfig)
	}
	if len(c.Analysis.Paths) > MaxAnalysisFiles {
		return fmt.Errorf("%w: %d analysis files (max %d)", ErrInvalidConfig, len(c.Analysis.Paths), MaxAnalysisFiles)
	}
	if c.Analysis.Workers < 0 {
		return fmt.Errorf("%w: analysis.workers must be >= 0", ErrInvalidConfig)
	}
	if !c.Storage.InMemory && c.Storage.Path == "" {
		return fmt.Errorf("%w: storage.path is required unless storage.in_memory is set", ErrInvalidConfig)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log_level %q", ErrInvalidConfig, c.LogLevel)
	}
	return nil
}
