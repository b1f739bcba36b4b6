package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/svctl/internal/binary"
	"github.com/loykin/svctl/internal/controller"
	"github.com/loykin/svctl/internal/history"
	"github.com/loykin/svctl/internal/metrics"
)

// Service is the read-only part of the controller the router needs.
type Service interface {
	Status(ctx context.Context) controller.State
	Backups() ([]binary.Backup, error)
}

// Router provides embeddable, read-only HTTP handlers for one service.
// Endpoints:
//
//	GET {basePath}/healthz
//	GET {basePath}/status
//	GET {basePath}/backups
//	GET {basePath}/history    query: limit=N (optional)
//	GET {basePath}/metrics
//
// Nothing here starts, stops or replaces anything; mutating commands stay
// on the CLI where they take the command lock.
type Router struct {
	app      string
	svc      Service
	hist     history.Reader     // optional
	gatherer prometheus.Gatherer // nil serves the default registry
	basePath string
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(app string, svc Service, hist history.Reader, g prometheus.Gatherer, basePath string) *Router {
	return &Router{app: app, svc: svc, hist: hist, gatherer: g, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealth)
	group.GET("/status", r.handleStatus)
	group.GET("/backups", r.handleBackups)
	group.GET("/history", r.handleHistory)
	group.GET("/metrics", gin.WrapH(metrics.Handler(r.gatherer)))
	return g
}

// NewServer wraps the router in an http.Server with conservative timeouts.
// The caller runs ListenAndServe and Shutdown.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type statusResp struct {
	App       string         `json:"app"`
	Running   bool           `json:"running"`
	State     string         `json:"state"`
	PID       int            `json:"pid,omitempty"`
	Command   string         `json:"command,omitempty"`
	Exe       string         `json:"exe,omitempty"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	Usage     *metrics.Usage `json:"usage,omitempty"`
}

type backupResp struct {
	Name  string    `json:"name"`
	Path  string    `json:"path"`
	Taken time.Time `json:"taken"`
	Size  int64     `json:"size"`
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	ctx := c.Request.Context()
	st := r.svc.Status(ctx)
	resp := statusResp{App: r.app, Running: st.Running, State: st.String()}
	if st.Running {
		resp.PID = st.PID
		resp.Command = st.Identity.Command
		resp.Exe = st.Identity.Exe
		if st.Identity.StartUnix > 0 {
			t := time.Unix(st.Identity.StartUnix, 0).UTC()
			resp.StartedAt = &t
		}
		if u, err := metrics.SampleUsage(ctx, st.PID); err == nil {
			metrics.SetUsage(r.app, u)
			resp.Usage = &u
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleBackups(c *gin.Context) {
	list, err := r.svc.Backups()
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	out := make([]backupResp, 0, len(list))
	for _, b := range list {
		out = append(out, backupResp{Name: b.Name, Path: b.Path, Taken: b.Taken, Size: b.Size})
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleHistory(c *gin.Context) {
	if r.hist == nil {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: "history is not configured"})
		return
	}
	limit, err := parseLimit(c.Query("limit"), history.DefaultLimit)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	events, err := r.hist.Recent(c.Request.Context(), limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}
