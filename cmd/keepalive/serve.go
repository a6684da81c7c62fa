package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/keepalive"
	"github.com/loykin/keepalive/internal/config"
	"github.com/loykin/keepalive/internal/server"
	ktls "github.com/loykin/keepalive/internal/tls"
)

// shutdownTimeout bounds stopping listeners, loops and children on exit.
const shutdownTimeout = 30 * time.Second

func runServeCommand(flags *ServeFlags, args []string) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}
	if configPath == "" {
		return fmt.Errorf("config file required for serve command. Use --config=config.toml or provide as argument")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if flags.Daemonize {
		return daemonize(flags.PIDFile, flags.LogFile)
	}
	if flags.PIDFile != "" {
		if err := writePidFile(flags.PIDFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(flags.PIDFile) }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, os.Stderr, nil)
}

// daemon is one running supervisor instance with its listeners.
type daemon struct {
	log     *slog.Logger
	mgr     *keepalive.Manager
	api     *server.Server
	metrics *server.Server
}

// serve runs the daemon until ctx is done, then shuts it down. ready, when
// set, is called once everything is listening.
func serve(ctx context.Context, cfg *config.Config, logOut io.Writer, ready func(*daemon)) error {
	d, err := startDaemon(ctx, cfg, logOut)
	if err != nil {
		return err
	}
	if ready != nil {
		ready(d)
	}
	<-ctx.Done()
	d.log.Info("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return d.shutdown(sctx)
}

func startDaemon(ctx context.Context, cfg *config.Config, logOut io.Writer) (*daemon, error) {
	log := cfg.Logging.NewSlogger(logOut)
	slog.SetDefault(log)

	mgr, err := keepalive.NewFromConfig(cfg, log)
	if err != nil {
		return nil, err
	}
	d := &daemon{log: log, mgr: mgr}
	fail := func(err error) (*daemon, error) {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = d.shutdown(sctx)
		return nil, err
	}

	if cfg.Metrics.Enabled {
		if err := keepalive.RegisterMetricsDefault(); err != nil {
			return fail(fmt.Errorf("register metrics: %w", err))
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", keepalive.MetricsHandler())
		if d.metrics, err = server.Listen(cfg.Metrics.Listen, mux, nil, log); err != nil {
			return fail(fmt.Errorf("metrics listener: %w", err))
		}
		log.Info("metrics listening", "addr", d.metrics.Addr().String())
	}

	if cfg.Server.Enabled {
		tlsCfg, err := ktls.Setup(cfg.Server.TLS)
		if err != nil {
			return fail(fmt.Errorf("control api tls: %w", err))
		}
		gin.SetMode(gin.ReleaseMode)
		h := mgr.Handler(cfg.Server.BasePath, cfg.Server.Token, log.With("component", "api"))
		if d.api, err = server.Listen(cfg.Server.Listen, h, tlsCfg, log); err != nil {
			return fail(fmt.Errorf("control api listener: %w", err))
		}
		log.Info("control api listening", "addr", d.api.Addr().String(), "base_path", cfg.Server.BasePath, "tls", tlsCfg != nil)
	}

	mgr.Run(ctx)
	log.Info("supervising", "processes", mgr.Names())
	return d, nil
}

// shutdown closes the listeners first so no operator request races the
// manager shutdown.
func (d *daemon) shutdown(ctx context.Context) error {
	var errs []error
	for _, s := range []*server.Server{d.api, d.metrics} {
		if s == nil {
			continue
		}
		if err := s.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.mgr.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
