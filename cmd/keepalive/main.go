package main

import (
	"fmt"
	"os"

	"github.com/loykin/keepalive/internal/control"
	"github.com/loykin/keepalive/internal/logger"
	"github.com/loykin/keepalive/pkg/client"
	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command with every subcommand attached.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	cmd := &command{global: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createLifecycleCommand(cmd, control.IntentStart, "Start a process and keep it supervised"),
		createLifecycleCommand(cmd, control.IntentStop, "Stop a process; supervision leaves it down until started again"),
		createLifecycleCommand(cmd, control.IntentRestart, "Restart a process"),
		createStatusCommand(cmd),
		createLogsCommand(cmd),
	)
	return root
}

// createRootCommand creates the root command with the persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "keepalive",
		Short: "Keep child processes alive and responsive",
		Long: `Keepalive supervises a fixed set of child processes, restarting them
when they die or stop answering their health checks.

Examples:
  keepalive serve config.toml        # Start daemon
  keepalive status                   # Status of every process
  keepalive restart --name=web
  keepalive logs --name=bot --stream=stderr --lines=100`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	apiURL := os.Getenv("KEEPALIVE_API_URL")
	if apiURL == "" {
		apiURL = client.DefaultBaseURL
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", apiURL, "daemon API URL (env KEEPALIVE_API_URL)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", client.DefaultTimeout, "request timeout")
	root.PersistentFlags().StringVar(&flags.CACert, "ca-cert", "", "CA certificate for an HTTPS control API")
	root.PersistentFlags().BoolVar(&flags.Insecure, "insecure", false, "skip TLS certificate verification")
	root.PersistentFlags().StringVar(&flags.Token, "token", os.Getenv("KEEPALIVE_TOKEN"), "API bearer token (env KEEPALIVE_TOKEN)")
	return root
}

// createServeCommand creates the serve subcommand
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the keepalive daemon",
		Long: `Start the supervisor daemon. Every configured process gets its own
supervision loop; the control API and metrics listeners are started when
enabled in the config.

Examples:
  keepalive serve config.toml
  keepalive serve --config=config.toml --daemonize --pidfile=/run/keepalive.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			return runServeCommand(serveFlags, args)
		},
	}

	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PIDFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon logs to file")
	return cmd
}

// createLifecycleCommand creates start, stop or restart
func createLifecycleCommand(c *command, intent control.Intent, short string) *cobra.Command {
	flags := &LifecycleFlags{}
	cmd := &cobra.Command{
		Use:   string(intent),
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Lifecycle(cmd.Context(), cmd.OutOrStdout(), intent, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Name, "name", "", "process name (required)")
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	return cmd
}

// createStatusCommand creates the status subcommand
func createStatusCommand(c *command) *cobra.Command {
	flags := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show process status",
		Long: `Show status as JSON. Without --name every process is listed; the name
may contain '*' wildcards.

Examples:
  keepalive status
  keepalive status --name=web
  keepalive status --name='bot*'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Name, "name", "", "process name or pattern")
	return cmd
}

// createLogsCommand creates the logs subcommand
func createLogsCommand(c *command) *cobra.Command {
	flags := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the tail of a process log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Logs(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Name, "name", "", "process name (required)")
	cmd.Flags().StringVar(&flags.Stream, "stream", control.StreamStdout, "stdout or stderr")
	cmd.Flags().IntVar(&flags.Lines, "lines", logger.DefaultTailLines, "number of lines")
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	return cmd
}
