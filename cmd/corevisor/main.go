package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/corevisor"
)

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	apiFlags := &APIFlags{}
	c := command{out: out}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createServeCommand(globalFlags),
		createClientCommand("status", "Print the core service's status payload", globalFlags, apiFlags, c.Status),
		createClientCommand("start", "Launch the core service", globalFlags, apiFlags, c.Start),
		createClientCommand("stop", "Stop the core service", globalFlags, apiFlags, c.Stop),
		createClientCommand("running", "Report whether the core service is considered running", globalFlags, apiFlags, c.Running),
		createClientCommand("state", "Print the supervisor state snapshot", globalFlags, apiFlags, c.State),
		createClientCommand("install", "Install the core service's dependencies", globalFlags, apiFlags, c.Install),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "corevisor",
		Short: "Supervisor for a desktop shell's core service",
		Long: `Corevisor launches, verifies, queries and stops a single core service
process on behalf of a desktop shell, and exposes those commands over HTTP.

Examples:
  corevisor serve                       # Start the host daemon with defaults
  corevisor serve corevisor.toml        # Start with a config file
  corevisor start                       # Ask the daemon to launch the service
  corevisor status --api-url=http://127.0.0.1:8787/api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

// createClientCommand builds a subcommand that calls the daemon's API.
func createClientCommand(use, short string, global *GlobalFlags, flags *APIFlags, run func(context.Context, APIFlags) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := *flags
			f.ConfigPath = global.ConfigPath
			return run(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "", "daemon API URL (default: derived from --config, else http://127.0.0.1:8787/api)")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Minute, "request timeout")
	cmd.Flags().StringVar(&flags.Token, "token", os.Getenv("COREVISOR_TOKEN"), "API bearer token (default: $COREVISOR_TOKEN, else from --config)")
	cmd.Flags().StringVar(&flags.CACert, "ca-cert", "", "CA certificate for an HTTPS daemon")
	cmd.Flags().BoolVar(&flags.Insecure, "insecure", false, "skip TLS certificate verification")
	return cmd
}

func createServeCommand(global *GlobalFlags) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the host daemon",
		Long: `Run the host daemon: supervise the core service, auto-launch it when
configured, and serve the HTTP API until SIGINT or SIGTERM. The core service
is stopped before the daemon exits.

Examples:
  corevisor serve
  corevisor serve corevisor.toml
  COREVISOR_HEALTH_BASE_URL=http://127.0.0.1:9000 corevisor serve`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.ConfigPath = global.ConfigPath
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, flags, args)
		},
	}
	return cmd
}

// runServe blocks until ctx is done, then shuts the API server and the
// supervisor down.
func runServe(ctx context.Context, flags *ServeFlags, args []string) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}
	cfg, err := corevisor.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	host, err := corevisor.New(cfg, corevisor.Options{})
	if err != nil {
		return err
	}
	log := host.Logger()

	var srv *http.Server
	if cfg.Server.Enabled {
		srv, err = host.Serve()
		if err != nil {
			shutdownHost(host, cfg.Core.StopGrace)
			return fmt.Errorf("failed to start API server: %w", err)
		}
		log.Info("api server listening",
			"addr", srv.Addr,
			"base_path", cfg.Server.BasePath,
			"tls", cfg.Server.TLS.Enabled)
	}

	go func() { _ = host.AutoLaunch(ctx) }()

	<-ctx.Done()
	log.Info("shutting down")
	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(sctx); err != nil {
			_ = srv.Close()
		}
		cancel()
	}
	return shutdownHost(host, cfg.Core.StopGrace)
}

func shutdownHost(host *corevisor.Host, grace time.Duration) error {
	// stop grace plus the kill and reap allowance
	ctx, cancel := context.WithTimeout(context.Background(), grace+10*time.Second)
	defer cancel()
	return host.Shutdown(ctx)
}
