package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/arkfield/shuttle/internal/config"
	"github.com/arkfield/shuttle/internal/dataverse"
	"github.com/arkfield/shuttle/internal/logging"
	"github.com/arkfield/shuttle/internal/pool"
	"github.com/arkfield/shuttle/internal/progress"
	"github.com/arkfield/shuttle/internal/telemetry"
)

var (
	cfgFile     string
	jsonOutput  bool
	quietFlag   bool
	verboseFlag bool

	// runCfg is resolved once per invocation: shuttle.yaml, then SHUTTLE_*
	// environment overrides, then command flags.
	runCfg config.Run

	// exitCode is what main exits with when Execute itself succeeds.
	// Partial success (the run finished but records failed) sets 2.
	exitCode int
)

var rootCmd = &cobra.Command{
	Use:   "shuttle",
	Short: "shuttle - organization-to-organization record migration",
	Long: `Shuttle moves entity records between organizations through zip archives:
export scans records out along with their many-to-many links, import writes
them back in dependency order while the rate controller probes for the
fastest sustainable parallelism.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		cfg, err := resolveConfig()
		if err != nil {
			return err
		}
		runCfg = cfg
		if err := logging.Init(logging.Options{
			Level:      runCfg.Log.Level,
			File:       runCfg.Log.File,
			MaxSizeMB:  runCfg.Log.MaxSizeMB,
			MaxBackups: runCfg.Log.MaxBackups,
			Console:    verboseFlag,
		}); err != nil {
			return err
		}
		if err := telemetry.Init(cmd.Context(), "shuttle", Version); err != nil {
			slog.Warn("telemetry disabled", "error", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		telemetry.Shutdown(ctx)
	},
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Configuration file (default: shuttle.yaml in . or ~/.config/shuttle)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Emit progress and results as JSON lines")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress progress output")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Log to stderr as well as the log file")
}

// resolveConfig loads shuttle.yaml and applies SHUTTLE_* environment
// overrides. Sources are file-only; secrets travel through token_env
// indirection rather than the configuration itself.
func resolveConfig() (config.Run, error) {
	cfg := config.Default()

	path := cfgFile
	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Run{}, err
		}
		cfg = loaded
	}

	v := viper.New()
	v.SetEnvPrefix("SHUTTLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	overlayEnv(v, &cfg)

	if err := cfg.Validate(); err != nil {
		return config.Run{}, err
	}
	return cfg, nil
}

// findConfigFile looks for shuttle.yaml next to the invocation, then under
// the user's config directory. Missing is fine; defaults apply.
func findConfigFile() string {
	if _, err := os.Stat("shuttle.yaml"); err == nil {
		return "shuttle.yaml"
	}
	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, ".config", "shuttle", "shuttle.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// overlayEnv applies environment overrides key by key. Only scalar keys
// are overridable this way; the source list stays in the file.
func overlayEnv(v *viper.Viper, cfg *config.Run) {
	overrides := []struct {
		key   string
		apply func()
	}{
		{"pool.strategy", func() { cfg.Pool.Strategy = v.GetString("pool.strategy") }},
		{"pool.acquire_timeout", func() { cfg.Pool.AcquireTimeout = config.Duration(v.GetDuration("pool.acquire_timeout")) }},
		{"pool.max_idle_time", func() { cfg.Pool.MaxIdleTime = config.Duration(v.GetDuration("pool.max_idle_time")) }},
		{"pool.max_lifetime", func() { cfg.Pool.MaxLifetime = config.Duration(v.GetDuration("pool.max_lifetime")) }},
		{"rate.preset", func() { cfg.Rate.Preset = v.GetString("rate.preset") }},
		{"rate.max_retry_after_tolerance", func() {
			cfg.Rate.MaxRetryAfterTolerance = config.Duration(v.GetDuration("rate.max_retry_after_tolerance"))
		}},
		{"bulk.batch_size", func() { cfg.Bulk.BatchSize = v.GetInt("bulk.batch_size") }},
		{"bulk.continue_on_error", func() { cfg.Bulk.ContinueOnError = v.GetBool("bulk.continue_on_error") }},
		{"bulk.bypass", func() { cfg.Bulk.Bypass = v.GetString("bulk.bypass") }},
		{"bulk.bypass_flows", func() { cfg.Bulk.BypassFlows = v.GetBool("bulk.bypass_flows") }},
		{"bulk.suppress_duplicate_detection", func() {
			cfg.Bulk.SuppressDuplicateDetection = v.GetBool("bulk.suppress_duplicate_detection")
		}},
		{"bulk.tag", func() { cfg.Bulk.Tag = v.GetString("bulk.tag") }},
		{"bulk.max_parallel_batches", func() { cfg.Bulk.MaxParallelBatches = v.GetInt("bulk.max_parallel_batches") }},
		{"export.page_size", func() { cfg.Export.PageSize = v.GetInt("export.page_size") }},
		{"export.max_parallel_entities", func() { cfg.Export.MaxParallelEntities = v.GetInt("export.max_parallel_entities") }},
		{"export.attachment_dir", func() { cfg.Export.AttachmentDir = v.GetString("export.attachment_dir") }},
		{"import.mode", func() { cfg.Import.Mode = v.GetString("import.mode") }},
		{"import.skip_missing_columns", func() { cfg.Import.SkipMissingColumns = v.GetBool("import.skip_missing_columns") }},
		{"import.max_parallel_entities", func() { cfg.Import.MaxParallelEntities = v.GetInt("import.max_parallel_entities") }},
		{"log.level", func() { cfg.Log.Level = v.GetString("log.level") }},
		{"log.file", func() { cfg.Log.File = v.GetString("log.file") }},
	}
	for _, o := range overrides {
		if v.IsSet(o.key) {
			o.apply()
		}
	}
}

// buildSources resolves tokens and turns config entries into lazily
// authenticating pool sources.
func buildSources(cfgs []config.Source) ([]pool.Source, error) {
	if len(cfgs) == 0 {
		return nil, errors.New("no sources configured; add one to shuttle.yaml")
	}
	sources := make([]pool.Source, 0, len(cfgs))
	for _, sc := range cfgs {
		token := sc.Token
		if sc.TokenEnv != "" {
			token = os.Getenv(sc.TokenEnv)
		}
		if token == "" {
			return nil, fmt.Errorf("source %s: no token; set %s or a token in shuttle.yaml", sc.Name, sc.TokenEnv)
		}
		max := sc.MaxPoolSize
		if max == 0 {
			max = 4
		}
		src, err := pool.NewConfigSource(dataverse.Config{
			Name:    sc.Name,
			BaseURL: sc.URL,
			Token:   dataverse.StaticToken(token),
		}, max)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, nil
}

// buildReporter picks the progress surface: JSON lines on stdout, the
// console renderer, or nothing under --quiet.
func buildReporter() *progress.Reporter {
	if jsonOutput {
		return progress.NewReporter(progress.NewJSONLines(os.Stdout), 0)
	}
	if quietFlag {
		return nil
	}
	return progress.NewReporter(progress.NewConsole(os.Stdout), 0)
}

// runContext cancels on SIGINT and SIGTERM so pooled handles drain
// instead of being killed mid-batch.
func runContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func formatElapsed(d time.Duration) string {
	return d.Round(10 * time.Millisecond).String()
}
