// spectyra-eval runs a scenario suite through both arms — verbatim baseline
// and optimized — scores both with the same quality checks, records run
// history and measured savings pairs, and gates the suite on pass rate,
// median savings and clarify/stop rate.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spectyra/spectyra-core/internal/config"
	"github.com/spectyra/spectyra-core/internal/embed"
	"github.com/spectyra/spectyra-core/internal/ledger"
	"github.com/spectyra/spectyra-core/internal/ledgerstore"
	"github.com/spectyra/spectyra-core/internal/monitor"
	"github.com/spectyra/spectyra-core/internal/nli"
	"github.com/spectyra/spectyra-core/internal/optimizer"
	"github.com/spectyra/spectyra-core/internal/provider"
	"github.com/spectyra/spectyra-core/internal/scenario"
	"github.com/spectyra/spectyra-core/internal/semantic"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

type cliOptions struct {
	configPath  string
	suiteDir    string
	reportDir   string
	ledgerDB    string
	noLedger    bool
	shadow      bool
	gateEnabled bool
	thresholds  gateThresholds
	logLevel    string
}

func main() {
	fs := flag.NewFlagSet("spectyra-eval", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultConfigPath(), "config file path")
	suiteDir := fs.String("scenarios", "", "scenario suite directory (required)")
	reportDir := fs.String("report-dir", "", "report output directory (default ~/.spectyra/evals/<timestamp>)")
	ledgerDB := fs.String("ledger-db", "", "sqlite ledger path (default from config)")
	noLedger := fs.Bool("no-ledger", false, "skip ledger and run-history writes")
	shadow := fs.Bool("shadow", true, "record savings pairs as shadow-verified")
	gateEnabled := fs.Bool("gate", true, "evaluate the acceptance gate")
	minPassRate := fs.Float64("min-pass-rate", 0.90, "gate: minimum optimized quality pass rate")
	minMedianSaved := fs.Float64("min-median-saved", 0.20, "gate: minimum median fraction of tokens saved")
	maxClarifyStop := fs.Float64("max-clarify-stop-rate", 0.30, "gate: maximum ASK_CLARIFY/STOP_EARLY fraction")
	logLevel := fs.String("log-level", "", "log level override (debug|info|warn|error)")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("spectyra-eval %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		return
	}
	if strings.TrimSpace(*suiteDir) == "" {
		fatalf("missing -scenarios")
	}

	opts := cliOptions{
		configPath:  *configPath,
		suiteDir:    *suiteDir,
		reportDir:   *reportDir,
		ledgerDB:    *ledgerDB,
		noLedger:    *noLedger,
		shadow:      *shadow,
		gateEnabled: *gateEnabled,
		thresholds: gateThresholds{
			MinPassRate:        *minPassRate,
			MinMedianPctSaved:  *minMedianSaved,
			MaxClarifyStopRate: *maxClarifyStop,
		},
		logLevel: *logLevel,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	report, err := run(ctx, opts)
	if err != nil && ctx.Err() == nil {
		fatalf("%v", err)
	}
	if ctx.Err() != nil {
		return
	}
	if report.Gate.Status == "reject" {
		os.Exit(1)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "[spectyra-eval] "+format+"\n", args...)
	os.Exit(1)
}

func run(ctx context.Context, opts cliOptions) (evalReport, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return evalReport{}, err
	}
	logger, err := newLogger(cfg, opts.logLevel)
	if err != nil {
		return evalReport{}, err
	}

	suite, err := scenario.LoadSuite(opts.suiteDir)
	if err != nil {
		return evalReport{}, err
	}
	fmt.Printf("[spectyra-eval] suite=%s scenarios=%d shadow=%t\n", opts.suiteDir, len(suite), opts.shadow)

	deps := suiteDeps{
		Config:     cfg,
		Logger:     logger,
		Embedder:   buildEmbedder(cfg, logger),
		Classifier: buildClassifier(cfg, logger),
		NewProvider: func(name string) (optimizer.ChatProvider, error) {
			return provider.New(name, provider.Options{})
		},
		Shadow:   opts.shadow,
		Progress: os.Stdout,
	}

	if !opts.noLedger {
		path := strings.TrimSpace(opts.ledgerDB)
		if path == "" {
			path = cfg.EffectiveLedgerDBPath()
		}
		store, err := ledgerstore.Open(path)
		if err != nil {
			return evalReport{}, fmt.Errorf("open ledger db: %w", err)
		}
		defer store.Close()
		sampler := ledger.NewSampler(ledger.SamplerOptions{Store: store, Logger: logger})
		deps.Ledger = ledger.NewWriter(ledger.WriterOptions{Rows: store, Sampler: sampler, Logger: logger})
		deps.Runs = store
	}

	mon, err := monitor.Start(monitor.Options{Logger: logger})
	if err != nil {
		logger.Warn("process monitor unavailable", "error", err)
	}

	results, runErr := runSuite(ctx, suite, deps)
	mon.Stop()
	if runErr != nil {
		return evalReport{}, runErr
	}

	metrics := aggregateSuiteMetrics(results)
	report := evalReport{
		GeneratedAtMs: time.Now().UnixMilli(),
		SuiteDir:      opts.suiteDir,
		Shadow:        opts.shadow,
		Scenarios:     results,
		Metrics:       metrics,
		Gate:          evaluateGate(metrics, opts.thresholds, opts.gateEnabled),
		Process:       mon.Summary(),
	}

	outDir := strings.TrimSpace(opts.reportDir)
	if outDir == "" {
		home, _ := os.UserHomeDir()
		outDir = filepath.Join(home, ".spectyra", "evals", time.Now().Format("20060102-150405"))
	}
	if err := os.MkdirAll(outDir, 0o700); err != nil {
		return report, fmt.Errorf("create report dir: %w", err)
	}
	jsonPath := filepath.Join(outDir, "report.json")
	if err := writeJSON(jsonPath, report); err != nil {
		return report, fmt.Errorf("write report: %w", err)
	}
	if err := writeMarkdown(filepath.Join(outDir, "report.md"), report); err != nil {
		return report, fmt.Errorf("write report: %w", err)
	}

	fmt.Printf("[spectyra-eval] turns=%d pass_rate=%.3f median_pct_saved=%.3f clarify_stop_rate=%.3f\n",
		metrics.Turns, metrics.PassRate, metrics.MedianPctSaved, metrics.ClarifyStopRate)
	if report.Gate.Status == "reject" {
		fmt.Printf("[spectyra-eval] gate=reject: %s\n", strings.Join(report.Gate.FailReasons, "; "))
	} else {
		fmt.Printf("[spectyra-eval] gate=%s\n", report.Gate.Status)
	}
	fmt.Printf("[spectyra-eval] report written to %s\n", jsonPath)
	return report, nil
}

// buildEmbedder prefers the local sidecar, then OpenAI via OPENAI_API_KEY.
// With neither configured the unitizer degrades to zero vectors.
func buildEmbedder(cfg *config.Config, logger *slog.Logger) semantic.Embedder {
	if url := strings.TrimSpace(cfg.EmbedBaseURL); url != "" {
		sidecar, err := embed.NewSidecar(url)
		if err != nil {
			logger.Warn("embedding sidecar unavailable", "error", err)
			return nil
		}
		return embed.NewCache(sidecar, "sidecar", 0)
	}
	oa, err := embed.NewOpenAI(embed.OpenAIOptions{})
	if err != nil {
		logger.Warn("embeddings disabled", "error", err)
		return nil
	}
	return embed.NewCache(oa, oa.Model(), 0)
}

// buildClassifier returns the NLI sidecar client, or nil when no sidecar is
// configured (edges then stay polarity-neutral).
func buildClassifier(cfg *config.Config, logger *slog.Logger) semantic.NLIClassifier {
	url := strings.TrimSpace(cfg.NLIBaseURL)
	if url == "" {
		return nil
	}
	client, err := nli.New(url, nli.Options{Logger: logger})
	if err != nil {
		logger.Warn("nli sidecar unavailable", "error", err)
		return nil
	}
	return client
}

// newLogger builds the process logger. Output goes to stderr so progress and
// reports own stdout.
func newLogger(cfg *config.Config, levelOverride string) (*slog.Logger, error) {
	level := cfg.EffectiveLogLevel()
	if strings.TrimSpace(levelOverride) != "" {
		level = levelOverride
	}

	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if cfg.EffectiveLogFormat() == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}
