// Copyright (C) 2025 Kestrel Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for Kestrel components.
//
// Built on slog. The service binary logs JSON to stdout for container
// collectors; the CLI logs text to stderr following Unix conventions. An
// optional log directory adds a per-service dated JSON file alongside
// either.
//
// This package does NOT redact sensitive data; callers must keep tokens
// and PII out of log attributes.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config controls logger construction.
type Config struct {
	// Level is the minimum severity: "debug", "info", "warn", "error"
	// (default "info").
	Level string

	// Service names the component; used in the log file name and attached
	// to every record.
	Service string

	// LogDir, when set, adds a {service}_{date}.log JSON file. The
	// directory is created if missing.
	LogDir string

	// JSON switches the primary stream to JSON (stdout). Text to stderr
	// otherwise.
	JSON bool
}

// Logger wraps slog with an optional file destination.
type Logger struct {
	*slog.Logger
	file *os.File
}

// New builds a logger. Construction never fails: a bad log directory is
// reported on the primary stream and file logging is skipped.
func New(cfg Config) *Logger {
	level := parseLevel(cfg.Level)

	var primary slog.Handler
	if cfg.JSON {
		primary = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		primary = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	l := &Logger{}
	handlers := []slog.Handler{primary}

	if cfg.LogDir != "" {
		if file, err := openLogFile(cfg.LogDir, cfg.Service); err != nil {
			slog.New(primary).Warn("file logging disabled", "error", err)
		} else {
			l.file = file
			handlers = append(handlers,
				slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level}))
		}
	}

	var handler slog.Handler = handlers[0]
	if len(handlers) > 1 {
		handler = &teeHandler{handlers: handlers}
	}

	logger := slog.New(handler)
	if cfg.Service != "" {
		logger = logger.With("service", cfg.Service)
	}
	l.Logger = logger
	return l
}

// Default returns a text logger at info level, suitable for the CLI.
func Default() *Logger {
	return New(Config{})
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func openLogFile(dir, service string) (*os.File, error) {
	if strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("logging: cannot expand ~: %w", err)
		}
		dir = filepath.Join(home, dir[2:])
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: cannot create %s: %w", dir, err)
	}
	if service == "" {
		service = "kestrel"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	file, err := os.OpenFile(filepath.Join(dir, name),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: cannot open log file: %w", err)
	}
	return file, nil
}
