package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/svctl/internal/config"
	"github.com/loykin/svctl/internal/controller"
	"github.com/loykin/svctl/internal/history"
	"github.com/loykin/svctl/internal/history/factory"
	"github.com/loykin/svctl/internal/logger"
	"github.com/loykin/svctl/internal/metrics"
)

var (
	registry     = prometheus.NewRegistry()
	registerOnce sync.Once
	registerErr  error
)

// session is everything one CLI invocation needs: the resolved config, a
// controller bound to it and the optional history store.
type session struct {
	cfg     *config.Config
	ctrl    *controller.Controller
	hist    history.Store
	histErr error
	closers []io.Closer
}

func openSession(g GlobalFlags, stderr io.Writer, tweak func(*controller.Options)) (*session, error) {
	cfg, err := config.Load(g.RepoRoot, g.ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	lc := cfg.Logger()
	lc.Console = stderr
	lc.Verbose = g.Verbose
	log, logCloser, err := logger.New(lc)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(log)
	s := &session{cfg: cfg, closers: []io.Closer{logCloser}}

	registerOnce.Do(func() { registerErr = metrics.Register(registry) })
	if registerErr != nil {
		slog.Warn("Metrics registration failed", "error", registerErr)
	}

	opts, err := controller.OptionsFromConfig(cfg)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	if cfg.History.DSN != "" {
		store, err := factory.NewStoreFromDSN(cfg.History.DSN)
		if err != nil {
			// history is best effort for lifecycle commands
			slog.Warn("History store unavailable", "error", err)
			s.histErr = err
		} else {
			s.hist = store
			s.closers = append(s.closers, store)
			opts.History = store
		}
	}
	if tweak != nil {
		tweak(&opts)
	}
	s.ctrl = controller.New(opts)
	slog.Debug("Session opened", "root", cfg.Root, "config", cfg.File, "app", cfg.AppName)
	return s, nil
}

// Close flushes the metrics textfile and releases the history store and
// the log file.
func (s *session) Close() error {
	var errs []error
	if p := s.cfg.Metrics.Textfile; p != "" {
		if err := metrics.WriteTextfile(p, registry); err != nil {
			slog.Warn("Failed to write metrics textfile", "path", p, "error", err)
		}
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
