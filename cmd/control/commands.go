package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/loykin/svctl/internal/controller"
	"github.com/loykin/svctl/internal/history"
	"github.com/loykin/svctl/internal/server"
	svctltls "github.com/loykin/svctl/internal/tls"
	"github.com/loykin/svctl/pkg/client"
)

const shutdownTimeout = 5 * time.Second

type command struct {
	global *GlobalFlags
	stdout io.Writer
	stderr io.Writer
}

func (c *command) open(tweak func(*controller.Options)) (*session, error) {
	return openSession(*c.global, c.stderr, tweak)
}

func (c *command) println(a ...any) { _, _ = fmt.Fprintln(c.stdout, a...) }

func (c *command) Start(ctx context.Context, f StartFlags) error {
	s, err := c.open(func(o *controller.Options) {
		if f.WaitSet {
			o.StartWait = f.Wait
		}
	})
	if err != nil {
		return err
	}
	defer closeSession(s)

	res, err := s.ctrl.Start(ctx)
	if err != nil {
		if errors.Is(err, controller.ErrNotReady) {
			c.println(res)
		}
		return err
	}
	c.println(res)
	return nil
}

func (c *command) Stop(ctx context.Context, f StopFlags) error {
	s, err := c.open(func(o *controller.Options) {
		if f.TicksSet {
			o.Stop.TimeoutTicks = f.TimeoutTicks
		}
		if f.IntervalSet {
			o.Stop.Interval = f.Interval
		}
	})
	if err != nil {
		return err
	}
	defer closeSession(s)

	if err := s.ctrl.Options().Stop.Validate(); err != nil {
		return err
	}
	res, err := s.ctrl.Stop(ctx)
	if err != nil {
		return err
	}
	c.println(res)
	return nil
}

func (c *command) Restart(ctx context.Context) error {
	s, err := c.open(nil)
	if err != nil {
		return err
	}
	defer closeSession(s)

	res, err := s.ctrl.Restart(ctx)
	if err != nil {
		return err
	}
	c.println(res.Stop)
	c.println(res.Start)
	return nil
}

func (c *command) Status(ctx context.Context, f StatusFlags) error {
	if f.APIUrl != "" {
		return c.statusViaAPI(ctx, f)
	}
	s, err := c.open(nil)
	if err != nil {
		return err
	}
	defer closeSession(s)

	c.println(s.ctrl.Status(ctx))
	return nil
}

// statusViaAPI asks a running serve-status instance instead of probing locally.
func (c *command) statusViaAPI(ctx context.Context, f StatusFlags) error {
	cc := client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout}
	if f.APICACert != "" {
		cc.TLS = &client.TLSClientConfig{Enabled: true, CACert: f.APICACert}
	}
	cl := client.New(cc)
	st, err := cl.Status(ctx)
	if err != nil {
		return fmt.Errorf("query %s: %w", f.APIUrl, err)
	}
	c.println(st.State)
	return nil
}

func (c *command) UpdateBinary(ctx context.Context, f UpdateFlags) error {
	s, err := c.open(nil)
	if err != nil {
		return err
	}
	defer closeSession(s)

	res, err := s.ctrl.UpdateBinary(ctx, f.Path)
	if err != nil {
		return err
	}
	if res.Backup != "" {
		c.println("backup:", res.Backup)
	} else {
		c.println("backup: none")
	}
	c.println("updated:", res.Binary)
	c.println("version:", res.Version)
	return nil
}

func (c *command) Rollback(ctx context.Context) error {
	s, err := c.open(nil)
	if err != nil {
		return err
	}
	defer closeSession(s)

	res, err := s.ctrl.Rollback(ctx)
	if err != nil {
		return err
	}
	c.println("restored:", res.Restored)
	c.println("version:", res.Version)
	return nil
}

func (c *command) Backups() error {
	s, err := c.open(nil)
	if err != nil {
		return err
	}
	defer closeSession(s)

	list, err := s.ctrl.Backups()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		c.println("no backups")
		return nil
	}
	tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	for _, b := range list {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\n", b.Name, b.Size, b.ModTime.Format(time.RFC3339))
	}
	return tw.Flush()
}

func (c *command) History(ctx context.Context, f HistoryFlags) error {
	s, err := c.open(nil)
	if err != nil {
		return err
	}
	defer closeSession(s)

	if s.cfg.History.DSN == "" {
		return errors.New("history is not configured, set history.dsn")
	}
	if s.hist == nil {
		return fmt.Errorf("open history store: %w", s.histErr)
	}
	events, err := s.hist.Recent(ctx, history.NormalizeLimit(f.Limit))
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tTYPE\tPID\tOUTCOME\tDETAIL")
	for _, e := range events {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			e.OccurredAt.Local().Format(time.RFC3339), e.Type, e.PID, e.Outcome, e.Detail)
	}
	return tw.Flush()
}

// Serve runs the read-only status server until ctx is cancelled.
func (c *command) Serve(ctx context.Context, f ServeFlags) error {
	s, err := c.open(nil)
	if err != nil {
		return err
	}
	defer closeSession(s)

	addr := f.Listen
	if addr == "" {
		addr = s.cfg.Server.Listen
	}
	var reader history.Reader
	if s.hist != nil {
		reader = s.hist
	}
	srv := server.NewServer(addr, server.NewRouter(s.cfg.AppName, s.ctrl, reader, registry, ""))
	tlsCfg, err := svctltls.Setup(s.cfg.Server.TLS)
	if err != nil {
		return fmt.Errorf("status server TLS: %w", err)
	}
	srv.TLSConfig = tlsCfg

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Status server listening", "addr", addr, "tls", tlsCfg != nil)
		var err error
		if tlsCfg != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		return fmt.Errorf("shutdown status server: %w", err)
	}
	slog.Info("Status server stopped")
	return nil
}

func closeSession(s *session) {
	if err := s.Close(); err != nil {
		slog.Warn("Failed to close session", "error", err)
	}
}
