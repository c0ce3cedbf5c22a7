package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aluiziolira/go-catalog-harvester/backend"
	"github.com/aluiziolira/go-catalog-harvester/config"
	"github.com/aluiziolira/go-catalog-harvester/models"
	"github.com/aluiziolira/go-catalog-harvester/pipeline"
	"github.com/aluiziolira/go-catalog-harvester/scraper"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

type options struct {
	configFile  string
	sources     string
	detailURL   string
	backendName string
	poolSize    int
	fanOut      int
	delay       time.Duration
	randomDelay time.Duration
	timeout     time.Duration
	maxRetries  int
	backoff     time.Duration
	backoffMax  time.Duration
	output      string
	format      string
	userAgent   string
	headless    bool
	browserBin  string
	metricsAddr string
	verbose     bool
}

func main() {
	if err := newRootCmd(&options{}).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(o *options) *cobra.Command {
	defaults := config.DefaultConfig()

	root := &cobra.Command{
		Use:           "harvester",
		Short:         "Harvest product records from paginated catalog listings",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, o)
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
				return err
			}
			return run(cfg)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&o.configFile, "config", "", "TOML configuration file (env HARVEST_CONFIG)")
	flags.StringVar(&o.sources, "sources", defaults.SourcesFile, "Listing sources file, one locator per line")
	flags.StringVar(&o.detailURL, "detail-url", defaults.DetailURLTemplate, "Detail page URL template; %s receives the SKU")
	flags.StringVar(&o.backendName, "backend", defaults.Backend, "Page backend: http or browser")
	flags.IntVar(&o.poolSize, "pool-size", defaults.PoolSize, "Number of pooled fetch sessions")
	flags.IntVar(&o.fanOut, "fan-out", defaults.FanOut, "Maximum concurrent item fetches per page")
	flags.DurationVar(&o.delay, "delay", defaults.Delay, "Delay between requests (http backend)")
	flags.DurationVar(&o.randomDelay, "random-delay", defaults.RandomDelay, "Random jitter added to delay")
	flags.DurationVar(&o.timeout, "timeout", defaults.Timeout, "Navigation timeout per fetch attempt")
	flags.IntVar(&o.maxRetries, "max-retries", defaults.MaxRetries, "Maximum fetch attempts per item")
	flags.DurationVar(&o.backoff, "retry-backoff", defaults.RetryBackoff, "Retry backoff step")
	flags.DurationVar(&o.backoffMax, "retry-backoff-max", defaults.RetryBackoffMax, "Maximum retry backoff")
	flags.StringVar(&o.output, "output", defaults.OutputFile, "Output file path")
	flags.StringVar(&o.format, "format", defaults.OutputFormat, "Output format: csv, json, dual, or sqlite")
	flags.StringVar(&o.userAgent, "user-agent", defaults.UserAgent, "User agent sent by both backends")
	flags.BoolVar(&o.headless, "headless", defaults.Headless, "Run the browser backend headless")
	flags.StringVar(&o.browserBin, "browser-bin", defaults.BrowserBin, "Browser binary for the browser backend")
	flags.StringVar(&o.metricsAddr, "metrics-addr", defaults.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)")
	flags.BoolVarP(&o.verbose, "verbose", "v", false, "Enable verbose logging")

	root.AddCommand(newSourcesCmd(o))
	return root
}

func newSourcesCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List the parsed listing sources without harvesting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, o)
			if err != nil {
				cmd.PrintErrf("invalid configuration: %v\n", err)
				return err
			}
			sources, err := config.LoadSources(cfg.SourcesFile, cfg.LabelParam)
			if err != nil {
				cmd.PrintErrln(err)
				return err
			}
			for i, source := range sources {
				cmd.Printf("%3d  %-30s  %s\n", i+1, source.Label, source.Locator)
			}
			return nil
		},
	}
}

// loadConfig layers defaults, the TOML file, HARVEST_* env vars and explicit
// flags, in that order.
func loadConfig(cmd *cobra.Command, o *options) (*config.Config, error) {
	cfg := config.DefaultConfig()
	path := o.configFile
	if path == "" {
		if value, ok := config.EnvString("HARVEST_CONFIG"); ok {
			path = value
		}
	}
	if path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	applyFlags(cmd, o, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *config.Config) error {
	strs := []struct {
		key string
		dst *string
	}{
		{"HARVEST_SOURCES", &cfg.SourcesFile},
		{"HARVEST_DETAIL_URL", &cfg.DetailURLTemplate},
		{"HARVEST_BACKEND", &cfg.Backend},
		{"HARVEST_OUTPUT", &cfg.OutputFile},
		{"HARVEST_FORMAT", &cfg.OutputFormat},
		{"HARVEST_USER_AGENT", &cfg.UserAgent},
		{"HARVEST_BROWSER_BIN", &cfg.BrowserBin},
		{"HARVEST_METRICS_ADDR", &cfg.MetricsAddr},
	}
	for _, s := range strs {
		if value, ok := config.EnvString(s.key); ok {
			*s.dst = value
		}
	}
	cfg.OutputFormat = strings.ToLower(cfg.OutputFormat)

	ints := []struct {
		key string
		dst *int
	}{
		{"HARVEST_POOL_SIZE", &cfg.PoolSize},
		{"HARVEST_FAN_OUT", &cfg.FanOut},
		{"HARVEST_MAX_RETRIES", &cfg.MaxRetries},
	}
	for _, i := range ints {
		value, ok, err := config.EnvInt(i.key)
		if err != nil {
			return err
		}
		if ok {
			*i.dst = value
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"HARVEST_DELAY", &cfg.Delay},
		{"HARVEST_RANDOM_DELAY", &cfg.RandomDelay},
		{"HARVEST_TIMEOUT", &cfg.Timeout},
		{"HARVEST_RETRY_BACKOFF", &cfg.RetryBackoff},
		{"HARVEST_RETRY_BACKOFF_MAX", &cfg.RetryBackoffMax},
	}
	for _, d := range durations {
		value, ok, err := config.EnvDuration(d.key)
		if err != nil {
			return err
		}
		if ok {
			*d.dst = value
		}
	}
	return nil
}

func applyFlags(cmd *cobra.Command, o *options, cfg *config.Config) {
	flags := cmd.Flags()
	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	set("sources", func() { cfg.SourcesFile = o.sources })
	set("detail-url", func() { cfg.DetailURLTemplate = o.detailURL })
	set("backend", func() { cfg.Backend = o.backendName })
	set("pool-size", func() { cfg.PoolSize = o.poolSize })
	set("fan-out", func() { cfg.FanOut = o.fanOut })
	set("delay", func() { cfg.Delay = o.delay })
	set("random-delay", func() { cfg.RandomDelay = o.randomDelay })
	set("timeout", func() { cfg.Timeout = o.timeout })
	set("max-retries", func() { cfg.MaxRetries = o.maxRetries })
	set("retry-backoff", func() { cfg.RetryBackoff = o.backoff })
	set("retry-backoff-max", func() { cfg.RetryBackoffMax = o.backoffMax })
	set("output", func() { cfg.OutputFile = o.output })
	set("format", func() { cfg.OutputFormat = strings.ToLower(o.format) })
	set("user-agent", func() { cfg.UserAgent = o.userAgent })
	set("headless", func() { cfg.Headless = o.headless })
	set("browser-bin", func() { cfg.BrowserBin = o.browserBin })
	set("metrics-addr", func() { cfg.MetricsAddr = o.metricsAddr })
	set("verbose", func() { cfg.Verbose = o.verbose })
}

func run(cfg *config.Config) error {
	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	sources, err := config.LoadSources(cfg.SourcesFile, cfg.LabelParam)
	if err != nil {
		slog.Error("loading sources", slog.Any("error", err))
		return err
	}
	if len(sources) == 0 {
		err := fmt.Errorf("no listing sources in %s", cfg.SourcesFile)
		slog.Error("loading sources", slog.Any("error", err))
		return err
	}

	runID := uuid.NewString()
	slog.Info("starting harvest",
		slog.String("run_id", runID),
		slog.Int("sources", len(sources)),
		slog.String("backend", cfg.Backend),
		slog.Int("pool_size", cfg.PoolSize),
	)

	b, err := newBackend(cfg)
	if err != nil {
		slog.Error("initialising backend", slog.Any("error", err))
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			slog.Error("close backend", slog.Any("error", err))
		}
	}()

	writer, err := createWriter(cfg.OutputFormat, cfg.OutputFile, runID)
	if err != nil {
		slog.Error("creating writer", slog.Any("error", err))
		return err
	}

	p, err := pipeline.NewPipeline(writer, cfg.DedupeMaxSize, logger)
	if err != nil {
		writer.Close()
		slog.Error("creating pipeline", slog.Any("error", err))
		return err
	}
	if cfg.Verbose {
		p.StartMetricsReporting(10 * time.Second)
	}

	h, err := scraper.NewHarvester(cfg, b, p, logger, scraper.WithRunID(runID))
	if err != nil {
		p.Close()
		slog.Error("initialising harvester", slog.Any("error", err))
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, finishing the current page")
	}()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(h.Metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	result, runErr := h.Run(ctx, sources)
	if runErr != nil {
		slog.Error("harvest failed", slog.Any("error", runErr))
	}

	if err := p.Close(); err != nil && runErr == nil {
		slog.Error("pipeline shutdown failed", slog.Any("error", err))
		runErr = err
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	if result == nil {
		return runErr
	}
	if runErr == nil {
		if err := writer.Validate(); err != nil {
			slog.Warn("output validation failed", slog.Any("error", err))
		}
	}
	printSummary(result, cfg.OutputFile, p.GetMetrics())
	return runErr
}

func newBackend(cfg *config.Config) (backend.Backend, error) {
	switch cfg.Backend {
	case "browser":
		b, err := backend.NewBrowserBackend(backend.BrowserOptions{
			Headless:  cfg.Headless,
			BinPath:   cfg.BrowserBin,
			UserAgent: cfg.UserAgent,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	case "http":
		b, err := backend.NewHTTPBackend(backend.HTTPOptions{
			UserAgent:   cfg.UserAgent,
			Timeout:     cfg.Timeout,
			Parallelism: cfg.PoolSize,
			Delay:       cfg.Delay,
			RandomDelay: cfg.RandomDelay,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Backend)
	}
}

func createWriter(format, filename, runID string) (pipeline.OutputWriter, error) {
	switch format {
	case "json":
		return pipeline.NewJSONWriter(filename)
	case "csv":
		return pipeline.NewCSVWriter(filename)
	case "dual":
		jsonFilename := strings.TrimSuffix(filename, ".csv") + ".jsonl"
		return pipeline.NewDualWriter(filename, jsonFilename)
	case "sqlite":
		return pipeline.NewSQLiteWriter(filename, runID)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

func printSummary(result *models.RunResult, outputFile string, metrics map[string]interface{}) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Harvest complete")

	duration := result.EndTime.Sub(result.StartTime)
	itemsPerSec := 0.0
	if duration.Seconds() > 0 {
		itemsPerSec = float64(result.TotalCount) / duration.Seconds()
	}

	fmt.Printf("  Run ID:        %s\n", result.RunID)
	fmt.Printf("  Sources:       %d\n", len(result.Sources))
	fmt.Printf("  Pages:         %d\n", result.PageCount)
	fmt.Printf("  Total items:   %d\n", result.TotalCount)
	fmt.Printf("  Skipped items: %d\n", result.SkippedCount)
	successRate := 0.0
	if result.AttemptCount > 0 {
		successRate = float64(result.AttemptCount-result.ErrorCount) / float64(result.AttemptCount) * 100
	}
	fmt.Printf("  Success rate:  %.2f%%\n", successRate)
	fmt.Printf("  Errors:        %d\n", result.ErrorCount)
	fmt.Printf("  Retries:       %d\n", result.RetryCount)
	if len(result.ErrorsByType) > 0 {
		fmt.Printf("  Error types:   %v\n", result.ErrorsByType)
	}
	if valErrors, ok := metrics["validation_errors"].(map[string]int); ok && len(valErrors) > 0 {
		fmt.Printf("  Validation:    %v\n", valErrors)
	}
	for _, source := range result.Sources {
		fmt.Printf("  - %-28s pages=%d written=%d skipped=%d (%s)\n",
			source.Source.Label, source.Pages, source.Written, source.Skipped, source.Reason)
	}
	fmt.Printf("  Duration:      %v\n", duration.Round(time.Millisecond))
	fmt.Printf("  Items/sec:     %.2f\n", itemsPerSec)
	fmt.Printf("  Output file:   %s\n", outputFile)
	fmt.Println(separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
