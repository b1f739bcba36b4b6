package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const Namespace = "svctl"

// Package-level Prometheus collectors. They are registered via Register.
// Every control command is a short-lived process, so all series are gauges
// describing the latest observation rather than running totals.
var (
	regOK atomic.Bool

	serviceUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "service",
			Name:      "up",
			Help:      "1 when the supervised service was identified as running.",
		}, []string{"app"},
	)
	servicePID = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "service",
			Name:      "pid",
			Help:      "PID of the running service, 0 when stopped.",
		}, []string{"app"},
	)
	commandTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "command",
			Name:      "last_timestamp_seconds",
			Help:      "Unix time the command last completed, by outcome.",
		}, []string{"app", "command", "outcome"},
	)
	commandDuration = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "command",
			Name:      "last_duration_seconds",
			Help:      "Wall time of the last run of the command.",
		}, []string{"app", "command"},
	)
	binaryBackups = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "binary",
			Name:      "backups",
			Help:      "Number of binary backups on disk.",
		}, []string{"app"},
	)
	serviceCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "service",
			Name:      "cpu_percent",
			Help:      "CPU usage of the service since it started.",
		}, []string{"app"},
	)
	serviceRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "service",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the service.",
		}, []string{"app"},
	)
	serviceThreads = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "service",
			Name:      "threads",
			Help:      "Thread count of the service.",
		}, []string{"app"},
	)
)

// Register registers all metrics with r. Every registerer gets the same
// collectors, so one process can expose them on several registries. Calling
// it again with a registerer that already holds them is a no-op.
func Register(r prometheus.Registerer) error {
	cs := []prometheus.Collector{serviceUp, servicePID, commandTimestamp, commandDuration, binaryBackups, serviceCPU, serviceRSS, serviceThreads}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the metrics of g. A nil g serves the DefaultGatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// WriteTextfile dumps g in the node_exporter textfile format. The write goes
// through a temp file and a rename so scrapers never see a partial file.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func SetServiceState(app string, pid int, running bool) {
	if !regOK.Load() {
		return
	}
	if running {
		serviceUp.WithLabelValues(app).Set(1)
		servicePID.WithLabelValues(app).Set(float64(pid))
		return
	}
	serviceUp.WithLabelValues(app).Set(0)
	servicePID.WithLabelValues(app).Set(0)
}

func ObserveCommand(app, command, outcome string, took time.Duration, at time.Time) {
	if regOK.Load() {
		commandTimestamp.WithLabelValues(app, command, outcome).Set(float64(at.Unix()))
		commandDuration.WithLabelValues(app, command).Set(took.Seconds())
	}
}

func SetBackups(app string, n int) {
	if regOK.Load() {
		binaryBackups.WithLabelValues(app).Set(float64(n))
	}
}

func SetUsage(app string, u Usage) {
	if regOK.Load() {
		serviceCPU.WithLabelValues(app).Set(u.CPUPercent)
		serviceRSS.WithLabelValues(app).Set(float64(u.MemoryRSS))
		serviceThreads.WithLabelValues(app).Set(float64(u.NumThreads))
	}
}
