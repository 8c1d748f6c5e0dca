// Package cmd provides the command-line interface for ItemTadoru.
// It handles command parsing, configuration loading, and run execution.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/masahif/itemtadoru/internal/adapter"
	"github.com/masahif/itemtadoru/internal/config"
	"github.com/masahif/itemtadoru/internal/crawler"
	"github.com/masahif/itemtadoru/internal/logging"
	"github.com/masahif/itemtadoru/internal/statusserver"
)

// ErrInvalidSourceFlag is returned for a --catalog value not in name=url form
var ErrInvalidSourceFlag = errors.New("catalog must be in name=url form")

var (
	cfgFile   string
	version   string
	buildTime string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "itemtadoru",
	Short: "An incremental e-commerce catalog crawler",
	Long: `ItemTadoru crawls e-commerce catalogs incrementally.

It keeps per-source item and review collections up to date, skipping
anything fetched within the freshness window, and mirrors product media
with transcoding and thumbnail mosaics.`,
	Args:          cobra.NoArgs,
	RunE:          runCrawler,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets version information for the CLI
func SetVersionInfo(v, bt string) {
	version = v
	buildTime = bt
	rootCmd.Version = fmt.Sprintf("%s (built %s)", version, buildTime)
}

func init() {
	cobra.OnInitialize(initConfig)

	// Configuration file flag
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./itemtadoru.yml)")

	// Configuration management flags
	rootCmd.Flags().Bool("show-config", false, "Display current configuration in YAML format and exit")

	// Job flags
	addJobFlags(rootCmd.Flags())
	rootCmd.Flags().StringSlice("catalog", []string{}, "Declare a catalog source as name=base_url (use multiple times)")

	// Scheduling flags
	rootCmd.Flags().IntP("concurrency", "c", 8, "Concurrency ceiling of the task pool")
	rootCmd.Flags().DurationP("timeout", "t", 10*time.Minute, "Per-task timeout")
	rootCmd.Flags().Bool("review-mode", false, "Finish in-flight media before new page discovery")

	// HTTP flags
	rootCmd.Flags().Duration("request-timeout", 60*time.Second, "HTTP request timeout")
	rootCmd.Flags().DurationP("delay", "r", 200*time.Millisecond, "Minimum delay between requests per host")
	rootCmd.Flags().StringP("user-agent", "u", "ItemTadoru/1.0", "HTTP User-Agent header")
	rootCmd.Flags().StringSliceP("header", "H", []string{}, "Custom HTTP headers in 'Name: Value' format (use multiple times for multiple headers)")

	// Freshness flags
	rootCmd.Flags().Float64("ttl", 24, "Re-fetch entities older than this many hours")
	rootCmd.Flags().BoolP("force", "f", false, "Ignore freshness and re-fetch everything")

	// Storage flags
	rootCmd.Flags().String("root", ".", "Root of download/, thumbnails/ and temp/")
	rootCmd.Flags().String("backend", config.BackendJSON, "Collection backend: json or sqlite")
	rootCmd.Flags().StringP("database", "d", "./itemtadoru.db", "Path to SQLite database file")

	// Media flags
	rootCmd.Flags().String("encoder", "cwebp", "Still-image encoder binary")
	rootCmd.Flags().String("remuxer", "ffmpeg", "Stream remux binary")
	rootCmd.Flags().Int("max-inflight", 0, "Backpressure limit on in-flight downloads (0=unlimited)")

	// Status and logging flags
	rootCmd.Flags().String("status-addr", "", "Listen address of the status server (empty disables)")
	rootCmd.Flags().String("log-level", "info", "Log level: debug, info, warn or error")
	rootCmd.Flags().String("log-format", logging.FormatJSON, "Log format: json or text")
	rootCmd.Flags().String("log-file", "", "Also write logs to this file, rotated by size")

	bindConfigFlags()
}

// addJobFlags defines the flags buildJob reads
func addJobFlags(flags *pflag.FlagSet) {
	flags.StringP("mode", "m", string(adapter.CapItems), "Run mode: query, items, reviews, id, brand or tags")
	flags.StringP("query", "q", "", "Search term for query mode")
	flags.String("brand", "", "Brand for brand mode")
	flags.String("id", "", "Item ID for id mode")
	flags.StringSliceP("source", "s", []string{}, "Sources to run (default all)")
}

// bindConfigFlags binds the configuration flags of rootCmd to viper
func bindConfigFlags() {
	bindFlags := []struct {
		viperKey string
		flagName string
	}{
		{"concurrency", "concurrency"},
		{"task_timeout", "timeout"},
		{"review_mode", "review-mode"},
		{"request_timeout", "request-timeout"},
		{"request_delay", "delay"},
		{"user_agent", "user-agent"},
		{"headers", "header"},
		{"ttl_hours", "ttl"},
		{"force", "force"},
		{"root_dir", "root"},
		{"store.backend", "backend"},
		{"store.database_path", "database"},
		{"media.encoder_path", "encoder"},
		{"media.remux_path", "remuxer"},
		{"media.max_inflight", "max-inflight"},
		{"status_addr", "status-addr"},
		{"log.level", "log-level"},
		{"log.format", "log-format"},
		{"log.file", "log-file"},
	}

	for _, bind := range bindFlags {
		if err := viper.BindPFlag(bind.viperKey, rootCmd.Flags().Lookup(bind.flagName)); err != nil {
			// Log the error but continue - non-critical for operation
			fmt.Fprintf(os.Stderr, "Warning: failed to bind flag %s: %v\n", bind.flagName, err)
		}
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in current directory
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("itemtadoru")
	}

	viper.AutomaticEnv() // read in environment variables that match
	viper.SetEnvPrefix("IT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

func generateUserAgent() string {
	if version != "" && version != "dev" {
		return fmt.Sprintf("ItemTadoru/%s", version)
	}
	return "ItemTadoru/dev"
}

// parseSourceFlags turns name=url entries into source declarations
func parseSourceFlags(entries []string) ([]config.SourceConfig, error) {
	sources := make([]config.SourceConfig, 0, len(entries))
	for _, entry := range entries {
		name, baseURL, ok := strings.Cut(entry, "=")
		name, baseURL = strings.TrimSpace(name), strings.TrimSpace(baseURL)
		if !ok || name == "" || baseURL == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSourceFlag, entry)
		}
		sources = append(sources, config.SourceConfig{Name: name, BaseURL: baseURL})
	}
	return sources, nil
}

// loadConfig merges defaults, config file, environment and flags
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Update User-Agent with dynamic version if not explicitly set
	if !cmd.Flags().Changed("user-agent") && cfg.UserAgent == "ItemTadoru/1.0" {
		cfg.UserAgent = generateUserAgent()
	}

	entries, _ := cmd.Flags().GetStringSlice("catalog")
	extra, err := parseSourceFlags(entries)
	if err != nil {
		return nil, err
	}
	cfg.Sources = append(cfg.Sources, extra...)

	return cfg, nil
}

// buildJob reads the job flags
func buildJob(cmd *cobra.Command) (crawler.Job, error) {
	modeName, _ := cmd.Flags().GetString("mode")
	mode, err := adapter.ParseCapability(modeName)
	if err != nil {
		return crawler.Job{}, err
	}

	job := crawler.Job{Mode: mode}
	job.Query, _ = cmd.Flags().GetString("query")
	job.Brand, _ = cmd.Flags().GetString("brand")
	job.ID, _ = cmd.Flags().GetString("id")
	job.Sources, _ = cmd.Flags().GetStringSlice("source")
	return job, nil
}

func showCurrentConfig(w io.Writer, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	// Validate configuration before showing it
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Configuration validation failed: %v\n", err)
		fmt.Fprintf(os.Stderr, "Displaying configuration anyway...\n\n")
	}

	yamlData, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration to YAML: %w", err)
	}

	// Add header comment to the output
	fmt.Fprintf(w, "# Current ItemTadoru Configuration\n")
	fmt.Fprintf(w, "# Generated at: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(w, "# Configuration file search paths: ./itemtadoru.yml\n")
	fmt.Fprintf(w, "# Environment variables prefix: IT_\n\n")

	fmt.Fprint(w, string(yamlData))

	// Add footer with additional information
	fmt.Fprintf(w, "\n# Configuration source priority:\n")
	fmt.Fprintf(w, "# 1. Command-line arguments (highest priority)\n")
	fmt.Fprintf(w, "# 2. Environment variables (IT_ prefix)\n")
	fmt.Fprintf(w, "# 3. Configuration file (itemtadoru.yml)\n")
	fmt.Fprintf(w, "# 4. Default values (lowest priority)\n")

	return nil
}

func newLogger(cfg *config.Config) (*slog.Logger, io.Closer, error) {
	return logging.NewLogger(logging.Config{
		Level:      logging.ParseLevel(cfg.Log.Level),
		Format:     cfg.Log.Format,
		FilePath:   cfg.Log.FilePath,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		Console:    true,
	})
}

func runCrawler(cmd *cobra.Command, args []string) error {
	// Handle --show-config flag first
	showConfig, _ := cmd.Flags().GetBool("show-config")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Handle --show-config: display current configuration and exit
	if showConfig {
		return showCurrentConfig(cmd.OutOrStdout(), cfg)
	}

	// Validate configuration and job before anything is scheduled
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	job, err := buildJob(cmd)
	if err != nil {
		return err
	}

	logger, closer, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(logger)

	runner, err := initializeRunner(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize runner: %w", err)
	}
	defer func() { _ = runner.Close() }()

	if cfg.StatusAddr != "" {
		srv := statusserver.New(cfg.StatusAddr, statusserver.Deps{
			Queue:  runner.Scheduler(),
			Media:  runner.Pipeline().Inflight(),
			Store:  runner.Store(),
			Logger: logger,
		})
		go func() {
			if err := srv.ListenAndStart(); err != nil {
				logger.Error("Status server failed", "error", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Stop(ctx)
		}()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stats, err := runner.Run(ctx, job)
	if stats.Mode == "" {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Run %s finished in %s: %d invoked, %d skipped, %d failed, %d tasks (%d failed)\n",
		stats.Mode, stats.Duration.Round(time.Millisecond), len(stats.Invoked), len(stats.Skipped),
		len(stats.Failed), stats.Tasks, stats.TaskFails)
	return err
}

// initializeRunner creates the runtime for cfg
func initializeRunner(cfg *config.Config, logger *slog.Logger) (*crawler.Runner, error) {
	return crawler.NewRunner(cfg, crawler.Deps{Logger: logger})
}
