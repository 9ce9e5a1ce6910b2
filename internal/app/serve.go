package app

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nuetzliches/sbinspect/internal/admin"
	"github.com/nuetzliches/sbinspect/internal/config"
	"github.com/nuetzliches/sbinspect/internal/health"
	"github.com/nuetzliches/sbinspect/internal/inspect"
	"github.com/nuetzliches/sbinspect/internal/queue"
)

const shutdownTimeout = 5 * time.Second

func serveCmd(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return runServe(ctx, args, os.Stderr)
}

func runServe(parent context.Context, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	bf := addBackendFlags(fs)
	pidFile := fs.String("pid-file", "", "write process PID to file")
	watch := fs.Bool("watch", false, "watch config file for reload")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, "serve: unexpected positional arguments")
		return 2
	}

	bootLogger, err := newLogger(*bf.logLevel)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	}

	releasePIDFile, err := claimPIDFile(*pidFile)
	if err != nil {
		bootLogger.Error("pid_file_failed", slog.Any("err", err))
		return 1
	}
	defer releasePIDFile()

	compiled, warnings, err := bf.loadConfig()
	if err != nil {
		bootLogger.Error("load_config_failed", slog.Any("err", err))
		return 1
	}
	logger, releaseLogger, err := bf.logger(compiled)
	if err != nil {
		bootLogger.Error("log_sink_failed", slog.Any("err", err))
		return 1
	}
	defer releaseLogger()
	slog.SetDefault(logger)
	for _, w := range warnings {
		logger.Warn("config_warning", slog.String("warning", w))
	}
	logger.Info("config_ok", slog.String("path", *bf.configPath))

	appMetrics := newRuntimeMetrics()

	if compiled.Observability.TracingEnabled {
		shutdownTracing, err := initTracing(parent, compiled.Observability, func(err error) {
			appMetrics.tracingExportErrors.Inc()
			logger.Error("tracing_export_failed", slog.Any("err", err))
		})
		if err != nil {
			logger.Error("tracing_init_failed", slog.Any("err", err))
			return 1
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = shutdownTracing(ctx)
		}()
		logger.Info("tracing_enabled")
	}

	store, err := openStore(compiled.Backend)
	if err != nil {
		logger.Error("open_queue_failed", slog.Any("err", err))
		return 1
	}
	defer func() { _ = store.Close() }()
	logger.Info("queue_backend_selected", slog.String("backend", compiled.Backend.Kind))

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	if err := provisionEntities(ctx, store, compiled.Entities, logger); err != nil {
		logger.Error("provision_failed", slog.Any("err", err))
		return 1
	}

	d, err := newDaemon(compiled, store, logger, appMetrics)
	if err != nil {
		logger.Error("load_auth_failed", slog.Any("err", err))
		return 1
	}

	running := compiled
	var reloadMu sync.Mutex
	reloadNow := func(trigger string) {
		reloadMu.Lock()
		defer reloadMu.Unlock()
		updated, ok := reloadConfig(bf.loadConfig, running, d.state, d.svc, logger, trigger)
		appMetrics.observeReload(ok)
		if ok {
			running = updated
		}
	}

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hupCh:
				reloadNow("signal_sighup")
			}
		}
	}()

	if err := d.start(ctx, cancel); err != nil {
		logger.Error("start_servers_failed", slog.Any("err", err))
		return 1
	}
	if *watch {
		go watchConfig(ctx, *bf.configPath, logger, func() {
			reloadNow("watch")
		})
	}

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	d.shutdown(shutdownCtx)
	logger.Info("shutdown_complete")
	return 0
}

// daemon is the long-running inspector: the admin API, the optional
// metrics endpoint and the optional gRPC health service over one store.
type daemon struct {
	compiled config.Compiled
	store    queue.Store
	svc      *inspect.Service
	state    *runtimeState
	admin    *admin.Server
	metrics  *runtimeMetrics
	logger   *slog.Logger

	servers []*http.Server
	health  *health.Server
}

func newDaemon(compiled config.Compiled, store queue.Store, logger *slog.Logger, m *runtimeMetrics) (*daemon, error) {
	state := newRuntimeState(compiled)
	if err := state.loadAuth(compiled.AdminAPI); err != nil {
		return nil, err
	}

	svc := inspect.NewService(store, compiled.Inspect)
	svc.Logger = logger
	svc.Observe = m.observe

	adminSrv := admin.NewServer(svc)
	adminSrv.Authorize = state.authorizeAdmin
	adminSrv.FilterSets = state.currentFilterSets
	adminSrv.Logger = logger
	if compiled.Observability.AccessLog {
		adminSrv.Middleware = append(adminSrv.Middleware, accessLog(logger.With(slog.String("component", "admin_api"))))
	}
	m.trackOperations(adminSrv.Operations.Running)

	return &daemon{
		compiled: compiled,
		store:    store,
		svc:      svc,
		state:    state,
		admin:    adminSrv,
		metrics:  m,
		logger:   logger,
	}, nil
}

func (d *daemon) adminHandler() http.Handler {
	h := mountPrefix(d.compiled.AdminAPI.Prefix, d.admin)
	return wrapTracingHandler(d.compiled.Observability.TracingEnabled, "admin_api", h)
}

func (d *daemon) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(d.compiled.Observability.MetricsPath, d.metrics.handler())
	var h http.Handler = mux
	if d.compiled.Observability.AccessLog {
		h = accessLog(d.logger.With(slog.String("component", "metrics")))(h)
	}
	return h
}

// start binds every listener before serving on any of them so a port
// conflict fails startup cleanly.
func (d *daemon) start(ctx context.Context, cancel context.CancelFunc) error {
	c := d.compiled
	adminLn, err := net.Listen("tcp", c.AdminAPI.Listen)
	if err != nil {
		return fmt.Errorf("admin_api listen %q: %w", c.AdminAPI.Listen, err)
	}
	var metricsLn, healthLn net.Listener
	closeAll := func() {
		for _, ln := range []net.Listener{adminLn, metricsLn, healthLn} {
			if ln != nil {
				_ = ln.Close()
			}
		}
	}
	if c.Observability.MetricsEnabled {
		if metricsLn, err = net.Listen("tcp", c.Observability.MetricsListen); err != nil {
			closeAll()
			return fmt.Errorf("metrics listen %q: %w", c.Observability.MetricsListen, err)
		}
	}
	if c.Health.Enabled {
		if healthLn, err = net.Listen("tcp", c.Health.Listen); err != nil {
			closeAll()
			return fmt.Errorf("health listen %q: %w", c.Health.Listen, err)
		}
	}

	adminSrv := &http.Server{Addr: c.AdminAPI.Listen, Handler: d.adminHandler(), ReadHeaderTimeout: 10 * time.Second}
	d.servers = append(d.servers, adminSrv)
	serveOnListener(d.logger, "admin_api", adminSrv, adminLn, cancel)
	d.logger.Info("admin_api_listening", slog.String("addr", adminLn.Addr().String()), slog.String("prefix", c.AdminAPI.Prefix))

	if metricsLn != nil {
		metricsSrv := &http.Server{Addr: c.Observability.MetricsListen, Handler: d.metricsHandler(), ReadHeaderTimeout: 10 * time.Second}
		d.servers = append(d.servers, metricsSrv)
		serveOnListener(d.logger, "metrics", metricsSrv, metricsLn, cancel)
		d.logger.Info("metrics_listening", slog.String("addr", metricsLn.Addr().String()), slog.String("path", c.Observability.MetricsPath))
	}

	if healthLn != nil {
		d.health = health.NewServer(d.store.Ping)
		d.health.Logger = d.logger
		go d.health.Run(ctx)
		go func() {
			if err := d.health.Serve(healthLn); err != nil {
				d.logger.Error("health_server_error", slog.Any("err", err))
				cancel()
			}
		}()
		d.logger.Info("health_listening", slog.String("addr", healthLn.Addr().String()))
	}
	return nil
}

// shutdown stops background operations first so their receivers release
// leases before the store closes.
func (d *daemon) shutdown(ctx context.Context) {
	if err := d.admin.Operations.Shutdown(ctx); err != nil {
		d.logger.Warn("operations_shutdown_timeout", slog.Any("err", err))
	}
	if d.health != nil {
		d.health.Shutdown(ctx)
	}
	for _, s := range d.servers {
		_ = s.Shutdown(ctx)
	}
}

func mountPrefix(prefix string, next http.Handler) http.Handler {
	if prefix == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !hasPathPrefix(r.URL.Path, prefix) {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		r2 := r.Clone(r.Context())
		r2.URL.Path = strings.TrimPrefix(r.URL.Path, prefix)
		if r2.URL.Path == "" {
			r2.URL.Path = "/"
		}
		if !strings.HasPrefix(r2.URL.Path, "/") {
			r2.URL.Path = "/" + r2.URL.Path
		}
		r2.URL.RawPath = ""
		next.ServeHTTP(w, r2)
	})
}

func hasPathPrefix(p, prefix string) bool {
	if prefix == "" {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}
