// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/autobrr/coverscout/internal/domain"
)

const (
	defaultMaxSizeMB  = 50
	defaultMaxBackups = 3
)

// Manager owns the global zerolog logger and its rotated file sink.
type Manager struct {
	mu      sync.Mutex
	console io.Writer
	file    *lumberjack.Logger
}

func NewManager() *Manager {
	return &Manager{
		console: zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime},
	}
}

// Apply (re)configures the global logger from cfg. It is safe to call again after a config
// reload; the file sink is only reopened when its path or rotation settings change.
func (m *Manager) Apply(cfg *domain.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	zerolog.SetGlobalLevel(ParseLevel(cfg.LogLevel))

	if err := m.configureFile(cfg); err != nil {
		return err
	}

	writers := []io.Writer{m.console}
	if m.file != nil {
		writers = append(writers, m.file)
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	return nil
}

func (m *Manager) configureFile(cfg *domain.Config) error {
	path := strings.TrimSpace(cfg.LogPath)
	if path == "" {
		m.closeFile()
		return nil
	}

	maxSize := cfg.LogMaxSize
	if maxSize <= 0 {
		maxSize = defaultMaxSizeMB
	}
	backups := cfg.LogMaxBackups
	if backups < 0 {
		backups = defaultMaxBackups
	}

	if m.file != nil && m.file.Filename == path && m.file.MaxSize == maxSize && m.file.MaxBackups == backups {
		return nil
	}
	m.closeFile()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	m.file = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: backups,
		Compress:   false,
	}
	return nil
}

func (m *Manager) closeFile() {
	if m.file != nil {
		_ = m.file.Close()
		m.file = nil
	}
}

// Close flushes and closes the file sink.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeFile()
	return nil
}

// ParseLevel maps a config level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
