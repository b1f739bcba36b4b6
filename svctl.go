package svctl

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/svctl/internal/binary"
	cfg "github.com/loykin/svctl/internal/config"
	"github.com/loykin/svctl/internal/controller"
	"github.com/loykin/svctl/internal/history"
	"github.com/loykin/svctl/internal/history/factory"
	"github.com/loykin/svctl/internal/metrics"
	iapi "github.com/loykin/svctl/internal/server"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Options = controller.Options

type State = controller.State

type StartResult = controller.StartResult

type StopResult = controller.StopResult

type RestartResult = controller.RestartResult

type UpdateResult = binary.Result

type Backup = binary.Backup

type Config = cfg.Config

type HistoryEvent = history.Event

type HistoryStore = history.Store

var (
	ErrAlreadyRunning    = controller.ErrAlreadyRunning
	ErrPreflightRejected = controller.ErrPreflightRejected
	ErrUpdateConflict    = controller.ErrUpdateConflict
	ErrNotReady          = controller.ErrNotReady
	ErrLocked            = controller.ErrLocked
	ErrNoBackup          = controller.ErrNoBackup
)

// Supervisor is a thin facade over internal/controller.
// It provides a stable public API for embedding.
type Supervisor struct{ inner *controller.Controller }

// New builds a Supervisor from explicit options.
func New(o Options) *Supervisor { return &Supervisor{inner: controller.New(o)} }

// Open loads the configuration of the deployment at root (see LoadConfig)
// and builds a Supervisor for it.
func Open(root, configFile string) (*Supervisor, error) {
	c, err := LoadConfig(root, configFile)
	if err != nil {
		return nil, err
	}
	o, err := controller.OptionsFromConfig(c)
	if err != nil {
		return nil, err
	}
	return New(o), nil
}

func (s *Supervisor) Options() Options                 { return s.inner.Options() }
func (s *Supervisor) Status(ctx context.Context) State { return s.inner.Status(ctx) }
func (s *Supervisor) Backups() ([]Backup, error)       { return s.inner.Backups() }
func (s *Supervisor) Start(ctx context.Context) (StartResult, error) {
	return s.inner.Start(ctx)
}
func (s *Supervisor) Stop(ctx context.Context) (StopResult, error) { return s.inner.Stop(ctx) }
func (s *Supervisor) Restart(ctx context.Context) (RestartResult, error) {
	return s.inner.Restart(ctx)
}
func (s *Supervisor) UpdateBinary(ctx context.Context, newPath string) (UpdateResult, error) {
	return s.inner.UpdateBinary(ctx, newPath)
}
func (s *Supervisor) Rollback(ctx context.Context) (UpdateResult, error) {
	return s.inner.Rollback(ctx)
}

// LoadConfig reads and validates the configuration of the deployment at root.
func LoadConfig(root, configFile string) (*Config, error) {
	c, err := cfg.Load(root, configFile)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// OpenHistory opens a history store from a DSN (sqlite path, postgres:// or clickhouse://).
func OpenHistory(dsn string) (HistoryStore, error) { return factory.NewStoreFromDSN(dsn) }

// NewHTTPServer returns a read-only status server for s. hist and g may be nil.
func NewHTTPServer(addr, basePath string, s *Supervisor, hist history.Reader, g prometheus.Gatherer) *http.Server {
	app := s.Options().AppName
	return iapi.NewServer(addr, iapi.NewRouter(app, s.inner, hist, g, basePath))
}

// RegisterMetrics adds the svctl collectors to r. The collectors are shared
// process-wide: registering with a second registry exposes the same series
// there too, and a repeat call with the same registry is a no-op.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

func RegisterMetricsDefault() error { return metrics.Register(prometheus.DefaultRegisterer) }
