package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := buildRoot(stdout, stderr)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

// buildRoot creates the root command and wires every subcommand.
func buildRoot(stdout, stderr io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := command{global: globalFlags, stdout: stdout, stderr: stderr}

	root := createRootCommand(globalFlags)
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.AddCommand(
		createStartCommand(c, &StartFlags{}),
		createStopCommand(c, &StopFlags{}),
		createRestartCommand(c),
		createStatusCommand(c, &StatusFlags{}),
		createUpdateBinaryCommand(c, &UpdateFlags{}),
		createRollbackCommand(c),
		createBackupsCommand(c),
		createHistoryCommand(c, &HistoryFlags{}),
		createServeStatusCommand(c, &ServeFlags{}),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "control",
		Short: "Supervise a single service instance through its PID file",
		Long: `control starts, stops and inspects one service deployed under a
repository root, and replaces its binary while it is stopped.

Examples:
  control --repo-root /srv/app start
  control status
  control stop --timeout-ticks 20 --interval 500ms
  control update-binary ./build/app`,
		SilenceUsage:  true,
		SilenceErrors: true,
		// a bare or unknown subcommand is a usage error
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				_, _ = fmt.Fprint(cmd.ErrOrStderr(), cmd.UsageString())
				return fmt.Errorf("unknown command %q for %q", args[0], cmd.CommandPath())
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _ = fmt.Fprint(cmd.ErrOrStderr(), cmd.UsageString())
			return fmt.Errorf("missing command")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.PersistentFlags().StringVar(&flags.RepoRoot, "repo-root", "", "deployment root (default $CONTROL_REPO_ROOT or the working directory)")
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (default <repo-root>/control.toml when present)")
	root.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "log to stderr at the configured level")
	return root
}

func createStartCommand(c command, f *StartFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Check the service config and launch it detached",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.WaitSet = cmd.Flags().Changed("wait")
			return c.Start(cmd.Context(), *f)
		},
	}
	cmd.Flags().DurationVar(&f.Wait, "wait", 0, "wait until the service writes its PID file (0 returns right after launch)")
	return cmd
}

func createStopCommand(c command, f *StopFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Terminate the service, escalating to a kill after the timeout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.TicksSet = cmd.Flags().Changed("timeout-ticks")
			f.IntervalSet = cmd.Flags().Changed("interval")
			return c.Stop(cmd.Context(), *f)
		},
	}
	cmd.Flags().IntVar(&f.TimeoutTicks, "timeout-ticks", 0, "liveness polls before the forced kill (default from config)")
	cmd.Flags().DurationVar(&f.Interval, "interval", 0, "delay between liveness polls (default from config)")
	return cmd
}

func createRestartCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Stop then start the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Restart(cmd.Context())
		},
	}
}

func createStatusCommand(c command, f *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether the service is running",
		Long: `Report whether the service is running. The PID file is never modified.

Examples:
  control status
  control status --api-url=http://host:9110   # ask a remote serve-status`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "status server URL (e.g. http://host:9110)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().StringVar(&f.APICACert, "api-ca", "", "CA certificate to trust for an https status server")
	return cmd
}

func createUpdateBinaryCommand(c command, f *UpdateFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "update-binary <path>",
		Short: "Back up the current binary and install a new one",
		Long: `Back up the current binary to the backup directory and install the
given file in its place. Refused while the service is running.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Path = args[0]
			return c.UpdateBinary(cmd.Context(), *f)
		},
	}
}

func createRollbackCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback",
		Short: "Restore the newest binary backup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Rollback(cmd.Context())
		},
	}
}

func createBackupsCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "backups",
		Short: "List binary backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Backups()
		},
	}
}

func createHistoryCommand(c command, f *HistoryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent lifecycle events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.History(cmd.Context(), *f)
		},
	}
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "number of events to show")
	return cmd
}

func createServeStatusCommand(c command, f *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-status",
		Short: "Serve read-only status, backups, history and metrics over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.Serve(ctx, *f)
		},
	}
	cmd.Flags().StringVar(&f.Listen, "listen", "", "listen address (default server.listen)")
	return cmd
}
