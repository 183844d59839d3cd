// Demo of call tracing on an in-process service broker.
// Runs a blog backend whose services call each other, traces every call with
// callz and exports the spans via OpenTelemetry.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/zoobzio/callz"
	"github.com/zoobzio/callz/internal/broker"
	"github.com/zoobzio/callz/internal/demo"
	"github.com/zoobzio/callz/otelexport"
	"github.com/zoobzio/callz/promexport"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "callz-demo",
		Short:        "Traced service broker demo",
		SilenceUsage: true,
	}

	root.AddCommand(runCmd())
	root.AddCommand(versionCmd())

	return root
}

func runCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Serve demo requests and export their traces",
		Long: "Serve demo requests and export their traces.\n\n" +
			"Each iteration calls api.rest, which routes to posts.find; posts.find\n" +
			"fans out to users.get and votes.count, and users.get calls friends.count.\n" +
			"Every call becomes a span linked to the call that made it.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.analyticsSet = cmd.Flags().Changed("analytics-rate")
			return runDemo(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.configPath, "config", "", "tracing configuration file (YAML)")
	cmd.Flags().BoolVar(&opts.stdout, "stdout", false, "export spans to stdout as JSON")
	cmd.Flags().StringVar(&opts.endpoint, "endpoint", "", "OTLP endpoint (e.g. localhost:4318)")
	cmd.Flags().StringVar(&opts.protocol, "protocol", "http/protobuf", "OTLP protocol (http/protobuf or grpc)")
	cmd.Flags().BoolVar(&opts.throw, "throw", false, "make friends.count fail for user 1")
	cmd.Flags().IntVar(&opts.iterations, "iterations", 1, "number of requests to serve")
	cmd.Flags().DurationVar(&opts.interval, "interval", 0, "pause between requests")
	cmd.Flags().DurationVar(&opts.maxDelay, "max-delay", 30*time.Millisecond, "maximum simulated latency of leaf actions")
	cmd.Flags().Float64Var(&opts.analyticsRate, "analytics-rate", 1, "share of calls counted in metrics, overrides the config")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running (e.g. :9090)")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "callz-demo %s (commit: %s, built: %s)\n", version, commit, buildTime)
		},
	}
}

type runOptions struct {
	configPath    string
	endpoint      string
	protocol      string
	logLevel      string
	metricsAddr   string
	iterations    int
	interval      time.Duration
	maxDelay      time.Duration
	analyticsRate float64
	analyticsSet  bool
	stdout        bool
	throw         bool
}

func runDemo(ctx context.Context, opts runOptions, out io.Writer) error {
	if opts.iterations < 1 {
		return fmt.Errorf("--iterations must be at least 1, got %d", opts.iterations)
	}
	if err := validateProtocol(opts.protocol); err != nil {
		return err
	}

	logger, err := newLogger(opts.logLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := callz.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.analyticsSet {
		cfg.Analytics = callz.AnalyticsRate(opts.analyticsRate)
		if _, _, err := cfg.Analytics.SampleRate(); err != nil {
			return fmt.Errorf("--analytics-rate: %w", err)
		}
	}

	tracer := callz.New().WithLogger(logger.Named("callz"))
	if err := tracer.EnableWorkerPool(4, 1024); err != nil {
		return err
	}

	var spanExporter *otelexport.Exporter
	if opts.stdout || opts.endpoint != "" {
		next, err := createTraceExporter(ctx, opts)
		if err != nil {
			tracer.Close()
			return fmt.Errorf("creating trace exporter: %w", err)
		}
		spanExporter = otelexport.New(next,
			otelexport.WithServiceName("callz-demo"),
			otelexport.WithLogger(logger.Named("export")),
		)
		tracer.AddExporter(spanExporter)
	}

	reg := prometheus.NewRegistry()
	metrics := promexport.NewMetrics(reg)
	tracer.AddExporter(metrics)

	stopMetrics, err := serveMetrics(opts.metricsAddr, reg, logger)
	if err != nil {
		tracer.Close()
		return err
	}

	b := broker.New(broker.WithLogger(logger.Named("broker")))
	if err := demo.Register(b, demo.Options{Throw: opts.throw, MaxDelay: opts.maxDelay}); err != nil {
		tracer.Close()
		return err
	}
	if err := broker.Instrument(b, tracer, cfg); err != nil {
		tracer.Close()
		return err
	}

	failures := serve(ctx, b, opts, out, logger)

	// Closing the tracer drains async exporters before the span exporter flushes.
	tracer.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if spanExporter != nil {
		if err := spanExporter.Shutdown(shutdownCtx); err != nil {
			logger.Warn("span exporter shutdown", zap.Error(err))
		}
	}
	stopMetrics(shutdownCtx)

	if err := writeSummary(out, reg); err != nil {
		return err
	}
	if failures == opts.iterations {
		return errors.New("every request failed")
	}
	return nil
}

// serve runs the requests and returns how many failed.
func serve(ctx context.Context, b *broker.Broker, opts runOptions, out io.Writer, logger *zap.Logger) int {
	failures := 0
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	for i := 0; i < opts.iterations; i++ {
		if ctx.Err() != nil {
			break
		}
		posts, err := demo.Request(ctx, b, "Adam")
		if err != nil {
			failures++
			logger.Error("request failed", zap.Int("iteration", i), zap.Error(err))
			_, _ = fmt.Fprintf(out, "request %d failed: %v\n", i+1, err)
		} else if err := enc.Encode(posts); err != nil {
			logger.Warn("writing response", zap.Error(err))
		}

		if opts.interval > 0 && i < opts.iterations-1 {
			select {
			case <-ctx.Done():
			case <-time.After(opts.interval):
			}
		}
	}
	return failures
}

func validateProtocol(protocol string) error {
	switch protocol {
	case "http/protobuf", "grpc":
		return nil
	default:
		return fmt.Errorf("unsupported protocol %q, supported: http/protobuf, grpc", protocol)
	}
}

func createTraceExporter(ctx context.Context, opts runOptions) (sdktrace.SpanExporter, error) {
	if opts.stdout {
		return stdouttrace.New(stdouttrace.WithWriter(os.Stdout))
	}
	switch opts.protocol {
	case "grpc":
		return otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(opts.endpoint), otlptracegrpc.WithInsecure())
	default:
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(opts.endpoint), otlptracehttp.WithInsecure())
	}
}

func newLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("--log-level: %w", err)
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = true
	return cfg.Build()
}

// serveMetrics exposes reg over HTTP when addr is set. The returned function
// stops the server.
func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) (func(context.Context), error) {
	if addr == "" {
		return func(context.Context) {}, nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))

	return func(ctx context.Context) {
		_ = srv.Shutdown(ctx)
	}, nil
}

// writeSummary prints the call counters gathered from reg.
func writeSummary(out io.Writer, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}

	var lines []string
	for _, f := range families {
		if f.GetName() != promexport.Namespace+"_calls_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			labels := make([]string, 0, len(m.GetLabel()))
			for _, l := range m.GetLabel() {
				labels = append(labels, l.GetName()+"="+l.GetValue())
			}
			lines = append(lines, fmt.Sprintf("  %-50s %v", strings.Join(labels, " "), m.GetCounter().GetValue()))
		}
	}
	sort.Strings(lines)

	_, _ = fmt.Fprintln(out, "Sampled calls:")
	for _, l := range lines {
		_, _ = fmt.Fprintln(out, l)
	}
	return nil
}
