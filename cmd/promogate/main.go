// Command promogate runs the promotion validation service: multi-source
// consensus over live game data, workflow orchestration, and an
// evidence-backed audit trail.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/promogate/promogate/pkg/audit"
	"github.com/promogate/promogate/pkg/bridge"
	"github.com/promogate/promogate/pkg/config"
	"github.com/promogate/promogate/pkg/consensus"
	"github.com/promogate/promogate/pkg/evidence"
	"github.com/promogate/promogate/pkg/monitor"
	"github.com/promogate/promogate/pkg/promo"
	"github.com/promogate/promogate/pkg/provider"
	"github.com/promogate/promogate/pkg/workflow"

	_ "github.com/lib/pq" // Postgres driver
)

const version = "1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(stderr)
	case "export":
		return runExport(args[2:], stdout, stderr)
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "promogate %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: promogate <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Commands:")
	_, _ = fmt.Fprintln(w, "  serve     Run the validation service (default)")
	_, _ = fmt.Fprintln(w, "  export    Export an evidence pack (--from, --to, --out)")
	_, _ = fmt.Fprintln(w, "  verify    Re-verify a stored evidence record (--hash)")
	_, _ = fmt.Fprintln(w, "  version   Show version information")
	_, _ = fmt.Fprintln(w, "  help      Show this help")
}

func runServe(stderr io.Writer) int {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	logger := slog.Default().With("component", "main")
	ctx := context.Background()

	store, cleanup, err := buildEvidenceStore(ctx, cfg)
	if err != nil {
		logger.Error("evidence store init failed", "error", err)
		return 1
	}
	defer cleanup()

	promoDB, err := sql.Open("sqlite", cfg.PromoDSN)
	if err != nil {
		logger.Error("promo database open failed", "error", err)
		return 1
	}
	defer func() { _ = promoDB.Close() }()
	promoStore, err := promo.NewSQLiteStore(promoDB)
	if err != nil {
		logger.Error("promo store init failed", "error", err)
		return 1
	}

	telemetry, err := monitor.NewTelemetry(ctx, &monitor.TelemetryConfig{
		ServiceName:    "promogate",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		ExportInterval: 15 * time.Second,
		Enabled:        cfg.TelemetryEnabled,
		Insecure:       true,
	})
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		return 1
	}
	defer func() { _ = telemetry.Shutdown(ctx) }()
	perf, err := monitor.NewPerfMonitor(telemetry)
	if err != nil {
		logger.Error("perf monitor init failed", "error", err)
		return 1
	}

	fetcher, profile, err := buildFetcher(cfg, perf)
	if err != nil {
		logger.Error("provider client init failed", "error", err)
		return 1
	}

	engine := consensus.NewEngine(profile, fetcher, store)

	triggers, err := promo.NewTriggerEvaluator()
	if err != nil {
		logger.Error("trigger evaluator init failed", "error", err)
		return 1
	}

	var registry bridge.IdempotencyRegistry
	if cfg.RedisAddr != "" {
		registry = bridge.NewRedisRegistry(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), 24*time.Hour)
	} else {
		registry = bridge.NewLocalRegistry()
	}
	integrations := bridge.New(promoStore, registry, bridge.NewLogNotifier())

	orchestrator := workflow.New(workflow.Config{
		MaxConcurrent:    cfg.MaxConcurrent,
		TickInterval:     cfg.TickInterval,
		ExecutionTimeout: cfg.ExecutionTimeout,
		RollbackEnabled:  cfg.RollbackEnabled,
	}, engine, triggers, promoStore, store, integrations,
		workflow.WithLatencyRecorder(perf))

	health := monitor.NewHealthMonitor()
	health.Register("evidence", func(ctx context.Context) error {
		report := store.CheckHealth(ctx)
		if len(report.Issues) > 0 {
			return fmt.Errorf("%d integrity issues, first: %s", len(report.Issues), report.Issues[0])
		}
		return nil
	})
	health.Register("database", func(ctx context.Context) error {
		return promoDB.PingContext(ctx)
	})

	auditLog := audit.NewLogger("main")
	_ = auditLog.Record(ctx, audit.EventSystem, "service_started", "promogate", map[string]any{
		"version":        version,
		"max_concurrent": cfg.MaxConcurrent,
	})

	if err := orchestrator.Start(); err != nil {
		logger.Error("orchestrator start failed", "error", err)
		return 1
	}
	logger.Info("promogate running", "version", version)

	// Drain the error channel so background failures reach the log even
	// when nobody else consumes them.
	go func() {
		for execErr := range orchestrator.Errors() {
			logger.Error("execution error",
				"execution_id", execErr.ExecutionID,
				"game_id", execErr.GameID,
				"error", execErr.Err.Error())
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	drainCtx, cancel := context.WithTimeout(ctx, cfg.DrainTimeout)
	defer cancel()
	if err := orchestrator.Stop(drainCtx); err != nil {
		logger.Warn("drain incomplete", "error", err)
	}
	_ = auditLog.Record(ctx, audit.EventSystem, "service_stopped", "promogate", nil)
	return 0
}

// buildEvidenceStore wires the configured backend and index.
func buildEvidenceStore(ctx context.Context, cfg *config.Config) (*evidence.Store, func(), error) {
	var (
		backend evidence.Backend
		err     error
	)
	if cfg.S3Bucket != "" {
		backend, err = evidence.NewS3Backend(ctx, evidence.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
	} else {
		backend, err = evidence.NewFilesystemBackend(cfg.EvidenceDir)
	}
	if err != nil {
		return nil, nil, err
	}

	var (
		db    *sql.DB
		index evidence.Index
	)
	switch cfg.EvidenceDriver {
	case "postgres":
		db, err = sql.Open("postgres", cfg.EvidenceDSN)
		if err != nil {
			return nil, nil, err
		}
		index, err = evidence.NewPostgresIndex(db)
	default:
		db, err = sql.Open("sqlite", cfg.EvidenceDSN)
		if err != nil {
			return nil, nil, err
		}
		index, err = evidence.NewSQLiteIndex(db)
	}
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return evidence.NewStore(backend, index), func() { _ = db.Close() }, nil
}

// buildFetcher creates the multi-source client from the source profile,
// falling back to the default trust model when no profile file exists.
func buildFetcher(cfg *config.Config, perf *monitor.PerfMonitor) (*provider.Client, consensus.Profile, error) {
	profile, err := config.LoadSourceProfile(cfg.SourceProfilePath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, consensus.Profile{}, err
		}
		slog.Default().Warn("source profile not found, using defaults",
			"path", cfg.SourceProfilePath)
		profile = &config.SourceProfile{
			Authoritative: "mlb",
			Sources: []config.SourceConfig{
				{ID: "espn", BaseURL: "https://site.api.espn.com/apis/v2", Weight: 0.6},
				{ID: "mlb", BaseURL: "https://statsapi.mlb.com/api/v1", Weight: 0.4},
			},
		}
	}

	sources := make([]provider.Source, 0, len(profile.Sources))
	for _, src := range profile.Sources {
		sources = append(sources, provider.NewHTTPSource(src.ID, src.BaseURL))
	}
	client, err := provider.NewClient(sources, provider.ClientConfig{
		CallTimeout:   cfg.CallTimeout,
		RatePerSecond: cfg.RatePerSecond,
		Burst:         cfg.RateBurst,
	}, perf)
	if err != nil {
		return nil, consensus.Profile{}, err
	}
	return client, profile.ConsensusProfile(), nil
}

func runExport(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		from string
		to   string
		out  string
	)
	cmd.StringVar(&from, "from", "", "Start date, RFC 3339 or yyyy-mm-dd")
	cmd.StringVar(&to, "to", "", "End date, RFC 3339 or yyyy-mm-dd")
	cmd.StringVar(&out, "out", "evidence-pack.zip", "Output path for the zip")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	fromTime, err := parseDate(from)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: bad --from: %v\n", err)
		return 2
	}
	toTime, err := parseDate(to)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: bad --to: %v\n", err)
		return 2
	}

	cfg := config.Load()
	store, cleanup, err := buildEvidenceStore(context.Background(), cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer cleanup()

	pack, checksum, err := audit.NewExporter(store).GeneratePack(context.Background(), audit.ExportRequest{
		From: fromTime,
		To:   toTime,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := os.WriteFile(out, pack, 0o600); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "Wrote %s (%d bytes, sha256 %s)\n", out, len(pack), checksum)
	return 0
}

func runVerify(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var hash string
	cmd.StringVar(&hash, "hash", "", "Evidence hash to verify (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if hash == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --hash is required")
		cmd.Usage()
		return 2
	}

	cfg := config.Load()
	store, cleanup, err := buildEvidenceStore(context.Background(), cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer cleanup()

	record, err := store.GetByHash(context.Background(), hash)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	result := store.Verify(context.Background(), record.StorageURI, record.Hash)
	if !result.IsValid {
		_, _ = fmt.Fprintf(stderr, "TAMPERED: stored %s, actual %s (%s)\n",
			record.Hash, result.ActualHash, result.Error)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "OK: %s (%d bytes, stored %s)\n",
		record.Hash, record.SizeBytes, record.StoredAt.Format(time.RFC3339))
	return 0
}

func parseDate(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", value)
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
