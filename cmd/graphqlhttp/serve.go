package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hanpama/graphqlhttp/internal/config"
	"github.com/hanpama/graphqlhttp/internal/eventbus"
	"github.com/hanpama/graphqlhttp/internal/fixture"
	"github.com/hanpama/graphqlhttp/internal/kvcache"
	"github.com/hanpama/graphqlhttp/internal/language"
	"github.com/hanpama/graphqlhttp/internal/metrics"
	"github.com/hanpama/graphqlhttp/internal/otel"
	"github.com/hanpama/graphqlhttp/internal/pipeline"
	"github.com/hanpama/graphqlhttp/internal/server"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	d := config.Default()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP GraphQL server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := c.Log.Logger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, c, logger)
		},
	}
	f := cmd.Flags()
	f.String("server.addr", d.Server.Addr, "HTTP listen address")
	f.Duration("server.timeout", d.Server.Timeout, "Per-request timeout")
	f.Int64("server.max_body_bytes", d.Server.MaxBodyBytes, "Maximum request body size, 0 for unlimited")
	f.StringSlice("server.cors_origins", nil, "Allowed CORS origins; * allows any")
	f.StringSlice("server.metadata_headers", nil, "HTTP headers forwarded to gRPC metadata")
	f.String("graphql.fixtures", "", "YAML fixture data served by the executor")
	f.Bool("graphql.batching", d.GraphQL.Batching, "Accept batched requests")
	f.Bool("graphql.debug", d.GraphQL.Debug, "Include stack traces in errors")
	f.Bool("graphql.response_cache", d.GraphQL.ResponseCache, "Cache public query responses")
	f.Duration("graphql.default_max_age", d.GraphQL.DefaultMaxAge, "Default Cache-Control max-age for queries")
	f.String("log.level", d.Log.Level, "Log level")
	f.String("log.format", d.Log.Format, "Log format: console or json")
	f.String("otel.endpoint", "", "OTLP collector endpoint")
	f.String("otel.service", d.OTel.Service, "OpenTelemetry service name")
	f.Bool("metrics.enabled", d.Metrics.Enabled, "Expose Prometheus metrics")
	return cmd
}

// app is the wired server: the HTTP mux plus what must be released on exit.
type app struct {
	mux      *http.ServeMux
	closers  []func()
	shutdown func(context.Context) error
}

func (a *app) Close(ctx context.Context) error {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	if a.shutdown != nil {
		return a.shutdown(ctx)
	}
	return nil
}

func newApp(c *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{mux: http.NewServeMux()}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	sch, err := loadSchema(c.GraphQL.Schema)
	if err != nil {
		return nil, err
	}
	exec, err := loadExecutor(c.GraphQL.Fixtures)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	eventbus.Use(bus)
	a.closers = append(a.closers, func() { eventbus.Use(nil) })

	if a.shutdown, err = otel.Setup(bus, c.OTel.Endpoint, c.OTel.Service); err != nil {
		return nil, errors.Wrap(err, "otel setup")
	}

	if c.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		mc, err := metrics.New(reg)
		if err != nil {
			return nil, errors.Wrap(err, "metrics")
		}
		a.closers = append(a.closers, mc.Subscribe(bus))
		a.mux.Handle(c.Metrics.Path, metrics.Handler(reg))
	}

	cfg := pipeline.Config{
		Schema:        sch,
		Executor:      exec,
		Plugins:       []pipeline.Plugin{pipeline.CacheControlPlugin{DefaultMaxAge: c.GraphQL.DefaultMaxAge}},
		ResponseCache: c.GraphQL.ResponseCache,
	}
	if c.GraphQL.DocumentCacheSize > 0 {
		docs, err := pipeline.NewDocumentStore(c.GraphQL.DocumentCacheSize)
		if err != nil {
			return nil, errors.Wrap(err, "document store")
		}
		a.closers = append(a.closers, docs.Close)
		cfg.Documents = docs
	}

	opts := []server.Option{
		server.WithTimeout(c.Server.Timeout),
		server.WithMaxBodyBytes(c.Server.MaxBodyBytes),
		server.WithLogger(logger),
		server.WithDebug(c.GraphQL.Debug),
		server.WithBatching(c.GraphQL.Batching),
	}
	if len(c.Server.CORSOrigins) > 0 {
		opts = append(opts, server.WithCORS(c.Server.CORSOrigins...))
	}
	if len(c.Server.MetadataHeaders) > 0 {
		opts = append(opts, server.WithMetadataHeaders(c.Server.MetadataHeaders...))
	}
	if c.GraphQL.ResponseCache {
		cache, err := kvcache.NewInMemory(c.GraphQL.CacheMaxBytes)
		if err != nil {
			return nil, errors.Wrap(err, "response cache")
		}
		a.closers = append(a.closers, cache.Close)
		opts = append(opts, server.WithCache(cache))
	}

	h, err := server.New(cfg, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "server init")
	}
	a.mux.Handle("/graphql", h)
	return a, nil
}

func serve(ctx context.Context, c *config.Config, logger *zap.Logger) error {
	a, err := newApp(c, logger)
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: c.Server.Addr, Handler: a.mux, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() {
		logger.Info("GraphQL server listening", zap.String("addr", c.Server.Addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err = <-errc:
	case <-ctx.Done():
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = srv.Shutdown(sctx)
		if cerr := a.Close(sctx); err == nil {
			err = cerr
		}
		return err
	}
	_ = a.Close(context.Background())
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func loadSchema(path string) (*language.Schema, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read schema")
	}
	sch, err := language.LoadSchema(path, string(src))
	if err != nil {
		return nil, errors.Wrapf(err, "load schema %s", path)
	}
	return sch, nil
}

func loadExecutor(path string) (*fixture.Executor, error) {
	if path == "" {
		return fixture.Load(strings.NewReader(""))
	}
	return fixture.LoadFile(path)
}
