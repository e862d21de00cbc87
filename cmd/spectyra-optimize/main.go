// spectyra-optimize runs one scripted scenario through the per-turn
// optimizer and reports, per user turn, what the compiler would send and what
// the transcript would have cost verbatim. Dry by default; -live calls the
// provider and records estimated savings.
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

	"github.com/fsnotify/fsnotify"
	"golang.org/x/term"

	"github.com/spectyra/spectyra-core/internal/config"
	"github.com/spectyra/spectyra-core/internal/embed"
	"github.com/spectyra/spectyra-core/internal/ledger"
	"github.com/spectyra/spectyra-core/internal/ledgerstore"
	"github.com/spectyra/spectyra-core/internal/nli"
	"github.com/spectyra/spectyra-core/internal/optimizer"
	"github.com/spectyra/spectyra-core/internal/provider"
	"github.com/spectyra/spectyra-core/internal/replay"
	"github.com/spectyra/spectyra-core/internal/scenario"
	"github.com/spectyra/spectyra-core/internal/semantic"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const watchDebounce = 200 * time.Millisecond

type cliOptions struct {
	configPath   string
	scenarioPath string
	live         bool
	watch        bool
	archivePath  string
	level        int
	logLevel     string
	forceJSON    bool
}

func main() {
	fs := flag.NewFlagSet("spectyra-optimize", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultConfigPath(), "config file path")
	scenarioPath := fs.String("scenario", "", "scenario YAML file (required)")
	dryRun := fs.Bool("dry-run", true, "stop before any provider call")
	live := fs.Bool("live", false, "call the provider and record estimated savings (overrides -dry-run)")
	watch := fs.Bool("watch", false, "re-run whenever the scenario or config file changes")
	archivePath := fs.String("archive", "", "write turn snapshots to this replay archive")
	level := fs.Int("level", -1, "optimization level override, 0..4 (-1 keeps the scenario/config value)")
	logLevel := fs.String("log-level", "", "log level override (debug|info|warn|error)")
	forceJSON := fs.Bool("json", false, "emit JSONL even on a terminal")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("spectyra-optimize %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		return
	}
	if strings.TrimSpace(*scenarioPath) == "" {
		fatalf("missing -scenario")
	}
	if *level < -1 || *level > 4 {
		fatalf("invalid -level %d (must be 0..4)", *level)
	}

	opts := cliOptions{
		configPath:   *configPath,
		scenarioPath: *scenarioPath,
		live:         *live || !*dryRun,
		watch:        *watch,
		archivePath:  *archivePath,
		level:        *level,
		logLevel:     *logLevel,
		forceJSON:    *forceJSON,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	if err := run(ctx, opts); err != nil && ctx.Err() == nil {
		fatalf("%v", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "[spectyra-optimize] "+format+"\n", args...)
	os.Exit(1)
}

func run(ctx context.Context, opts cliOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, opts.logLevel)
	if err != nil {
		return err
	}

	if opts.watch {
		return watchAndRun(ctx, opts, cfg, logger)
	}
	return runOnce(ctx, cfg, opts, logger)
}

// runOnce loads the scenario, drives the optimizer over its scripted user
// turns and prints one report to stdout.
func runOnce(ctx context.Context, cfg *config.Config, opts cliOptions, logger *slog.Logger) error {
	sc, err := scenario.Load(opts.scenarioPath)
	if err != nil {
		return err
	}

	execOpts := executeOptions{Live: opts.live, Logger: logger}
	if opts.level >= 0 {
		lvl := opts.level
		execOpts.Level = &lvl
	}

	var prov optimizer.ChatProvider
	if opts.live {
		prov, err = provider.New(sc.Provider, provider.Options{})
		if err != nil {
			return err
		}

		store, err := ledgerstore.Open(cfg.EffectiveLedgerDBPath())
		if err != nil {
			return fmt.Errorf("open ledger db: %w", err)
		}
		defer store.Close()
		sampler := ledger.NewSampler(ledger.SamplerOptions{Store: store, Logger: logger})
		execOpts.Ledger = ledger.NewWriter(ledger.WriterOptions{Rows: store, Sampler: sampler, Logger: logger})
	}

	if strings.TrimSpace(opts.archivePath) != "" {
		archive, err := replay.NewWriter(opts.archivePath)
		if err != nil {
			return err
		}
		defer func() {
			if err := archive.Close(); err != nil {
				logger.Warn("archive close failed", "path", opts.archivePath, "error", err)
			}
		}()
		execOpts.Archive = archive
	}

	opt := optimizer.New(cfg, optimizer.Options{
		Provider:   prov,
		Embedder:   buildEmbedder(cfg, logger),
		Classifier: buildClassifier(cfg, logger),
		Logger:     logger,
	})

	report, err := executeScenario(ctx, opt, sc, execOpts)
	if err != nil {
		return err
	}
	if !opts.forceJSON && term.IsTerminal(int(os.Stdout.Fd())) {
		printTable(os.Stdout, report)
		return nil
	}
	return printJSONL(os.Stdout, report)
}

// watchAndRun reruns the scenario whenever the scenario or config file
// changes. Parent directories are watched rather than the files themselves so
// editors that replace a file (write temp + rename) do not drop the watch.
func watchAndRun(ctx context.Context, opts cliOptions, cfg *config.Config, logger *slog.Logger) error {
	scenarioAbs, err := filepath.Abs(opts.scenarioPath)
	if err != nil {
		return err
	}
	configAbs, err := filepath.Abs(opts.configPath)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dirs := map[string]struct{}{
		filepath.Dir(scenarioAbs): {},
		filepath.Dir(configAbs):   {},
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	if err := runOnce(ctx, cfg, opts, logger); err != nil {
		logger.Error("run failed", "scenario", opts.scenarioPath, "error", err)
	}

	// Debounce timer, initialized stopped. Editors fire several events per
	// save and we only want one rerun.
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != scenarioAbs && ev.Name != configAbs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(watchDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", "error", err)
		case <-timer.C:
			next, err := config.Load(configAbs)
			if err != nil {
				logger.Warn("config reload skipped", "path", configAbs, "error", err)
			} else {
				cfg = next
			}
			if err := runOnce(ctx, cfg, opts, logger); err != nil {
				logger.Error("run failed", "scenario", opts.scenarioPath, "error", err)
			}
		}
	}
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

// newLogger builds the process logger. Output goes to stderr so the report
// owns stdout.
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
