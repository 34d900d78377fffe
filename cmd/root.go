package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"chansync/internal"
)

var (
	configPath      string
	quiet           bool
	debug           bool
	devMode         bool
	logLevel        string
	logFile         string
	proxyURL        string
	storeBackend    string
	storePath       string
	redisAddr       string
	credentialsFile string
	sitesFile       string
	batchSize       int
	requestRate     string
	config          *internal.Config
)

var rootCmd = &cobra.Command{
	Use:     "chansync",
	Short:   "Keep a local copy of imageboard threads and catalogs in sync",
	Version: "v1.0.0",
	Long: `chansync keeps a local view of boards, catalogs and threads synchronized with
the site API. Cached snapshots are reused while fresh, refreshed in bounded
batches, and kept available when the site is unreachable. Anti-bot challenge
pages are detected and reported so a clearance credential can be supplied.

Examples:
  chansync load https://boards.4chan.org/g/thread/123456
  chansync load --policy stale:5m https://boards.4chan.org/g/catalog
  chansync bookmarks https://boards.4chan.org/g/thread/1 https://boards.4chan.org/a/thread/2
  chansync credential set boards.4chan.org <cf_clearance value>
  chansync serve --addr 127.0.0.1:8089

Environment Variables:
  CHANSYNC_BATCH_SIZE        Concurrent fetches per batch (1-64)
  CHANSYNC_TIMEOUT           HTTP timeout in seconds
  CHANSYNC_MAX_AGE           Default max age of cached snapshots (e.g. 1m)
  CHANSYNC_REQUEST_RATE      Request pacing (e.g. 5/s, 120/m)
  CHANSYNC_PROXY             Proxy URL
  CHANSYNC_STORE             Snapshot store (memory, leveldb, postgres)
  CHANSYNC_STORE_PATH        LevelDB directory
  CHANSYNC_POSTGRES_URL      Postgres connection URL
  CHANSYNC_REDIS_ADDR        Redis address for shared credentials
  CHANSYNC_CREDENTIALS_FILE  YAML file holding credentials
  CHANSYNC_SITES_FILE        YAML file describing sites`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Load and initialize configuration first
		if err := loadConfiguration(cmd); err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}

		// Initialize logging system
		if err := internal.InitLogger(config); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		internal.LogDebug("Configuration loaded: store=%s, batch=%d, timeout=%d, max_age=%s, debug=%v, quiet=%v",
			config.StoreBackend, config.BatchSize, config.DefaultTimeout, config.DefaultMaxAge, config.EnableDebug, config.QuietMode)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		internal.CloseLogger()
	},
}

// loadConfiguration layers defaults, the config file, the environment and explicit flags
func loadConfiguration(cmd *cobra.Command) error {
	config = internal.DefaultConfig()

	if configPath == "" {
		configPath = os.Getenv("CHANSYNC_CONFIG")
	}
	if configPath != "" {
		if err := config.LoadFile(configPath); err != nil {
			return err
		}
	}

	config.LoadFromEnv()

	flags := cmd.Flags()
	if flags.Changed("proxy") {
		config.ProxyURL = proxyURL
	}
	if flags.Changed("store") {
		config.StoreBackend = storeBackend
	}
	if flags.Changed("store-path") {
		config.StorePath = storePath
	}
	if flags.Changed("redis") {
		config.RedisAddr = redisAddr
	}
	if flags.Changed("credentials-file") {
		config.CredentialsFile = credentialsFile
	}
	if flags.Changed("sites") {
		config.SitesFile = sitesFile
	}
	if flags.Changed("batch-size") {
		config.BatchSize = batchSize
	}
	if flags.Changed("rate") {
		config.RequestRate = requestRate
	}
	if devMode {
		config.DevMode = true
	}

	// Update logging configuration based on CLI flags
	if debug {
		config.EnableDebug = true
		config.LogLevel = "debug"
	}
	if quiet {
		config.QuietMode = true
	}
	if logLevel != "" {
		config.LogLevel = logLevel
	}
	if logFile != "" {
		config.LogFile = logFile
	}

	return config.ValidateConfig()
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			internal.LogInfo("Received signal %v, initiating graceful shutdown...", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

func init() {
	config = internal.DefaultConfig()

	rootCmd.AddCommand(loadCmd, bookmarksCmd, serveCmd, credentialCmd)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "YAML configuration file (env: CHANSYNC_CONFIG)")
	flags.BoolVarP(&quiet, "quiet", "q", false, "Suppress progress output (env: CHANSYNC_QUIET)")
	flags.BoolVar(&devMode, "dev", false, "Assert post ordering of fetched threads (env: CHANSYNC_DEV)")
	flags.StringVar(&proxyURL, "proxy", "", "HTTP/SOCKS proxy URL (env: CHANSYNC_PROXY)")
	flags.StringVar(&storeBackend, "store", config.StoreBackend, "Snapshot store: memory, leveldb or postgres (env: CHANSYNC_STORE)")
	flags.StringVar(&storePath, "store-path", config.StorePath, "LevelDB directory (env: CHANSYNC_STORE_PATH)")
	flags.StringVar(&redisAddr, "redis", "", "Redis address for shared credentials and load tracking (env: CHANSYNC_REDIS_ADDR)")
	flags.StringVar(&credentialsFile, "credentials-file", "", "YAML credentials file, reloaded on change (env: CHANSYNC_CREDENTIALS_FILE)")
	flags.StringVar(&sitesFile, "sites", "", "YAML site definitions (env: CHANSYNC_SITES_FILE)")
	flags.IntVarP(&batchSize, "batch-size", "b", config.BatchSize, "Concurrent fetches per batch (1-64) (env: CHANSYNC_BATCH_SIZE)")
	flags.StringVarP(&requestRate, "rate", "r", "", "Request pacing, e.g. 5/s or 120/m (env: CHANSYNC_REQUEST_RATE)")

	// Logging flags
	flags.BoolVarP(&debug, "debug", "d", false, "Enable debug logging with file and line information (env: CHANSYNC_DEBUG)")
	flags.StringVar(&logLevel, "log-level", "", "Set log level (debug, info, warn, error) (env: CHANSYNC_LOG_LEVEL)")
	flags.StringVar(&logFile, "log-file", "", "Write logs to a rotating file instead of stderr (env: CHANSYNC_LOG_FILE)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
