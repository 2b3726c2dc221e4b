package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/karasz/chainlog"
)

var (
	// Global flags
	configFile string
	dir        string
	backend    string
	dsn        string
	secretEnv  string
	fileLock   bool
	logLevel   string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "chainlog",
	Short: "Tamper-evident audit log",
	Long: `chainlog appends events to an HMAC-chained audit log and verifies it.

Every record carries the hash of the one before it, so any edit, deletion or
reordering is detected by "chainlog verify".

Settings come from flags, CHAINLOG_* environment variables and an optional
YAML config file, in that order of precedence.

Example workflow:
  1. Append:  chainlog append login --details '{"user":"alice"}'
  2. Verify:  chainlog verify
  3. Export:  chainlog export --out audit.pb
`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&dir, "dir", chainlog.DefaultDir, "Directory holding the log and secret file")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", chainlog.BackendFile, "Storage backend (file, sqlite)")
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", "", "SQLite DSN (default <dir>/audit.db)")
	rootCmd.PersistentFlags().StringVar(&secretEnv, "secret-env", chainlog.DefaultSecretEnv, "Environment variable holding the chain secret")
	rootCmd.PersistentFlags().BoolVar(&fileLock, "file-lock", false, "Lock the log file across processes while appending")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Diagnostic log level (debug, info, warn, error)")

	for _, name := range []string{"dir", "backend", "dsn", "secret-env", "file-lock", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
	viper.SetEnvPrefix("CHAINLOG")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// newLogger builds the diagnostic logger honoring --log-level.
func newLogger() log.Logger {
	logger := log.With(log.NewStdLogger(os.Stderr),
		"ts", log.DefaultTimestamp,
		"caller", log.DefaultCaller,
	)
	return log.NewFilter(logger, log.FilterLevel(log.ParseLevel(viper.GetString("log-level"))))
}

// loadConfig merges the config file with flag and environment overrides.
func loadConfig(logger log.Logger) (chainlog.Config, error) {
	var cfg chainlog.Config
	if configFile != "" {
		loaded, err := chainlog.LoadConfig(configFile)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	if viper.IsSet("dir") || cfg.Dir == "" {
		cfg.Dir = viper.GetString("dir")
	}
	if viper.IsSet("backend") || cfg.Backend == "" {
		cfg.Backend = viper.GetString("backend")
	}
	if viper.IsSet("dsn") {
		cfg.DSN = viper.GetString("dsn")
	}
	if viper.IsSet("secret-env") || cfg.SecretEnv == "" {
		cfg.SecretEnv = viper.GetString("secret-env")
	}
	if viper.IsSet("file-lock") {
		cfg.FileLock = viper.GetBool("file-lock")
	}
	if viper.IsSet("addr") {
		cfg.Server.Addr = viper.GetString("addr")
	}
	if viper.IsSet("password-hash") {
		cfg.Server.PasswordHash = viper.GetString("password-hash")
	}
	cfg.Logger = logger
	return cfg, nil
}

// openLogger loads the config and opens the audit logger it describes.
func openLogger() (*chainlog.Logger, chainlog.Config, log.Logger, error) {
	logger := newLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, cfg, logger, err
	}
	l, err := chainlog.New(cfg)
	if err != nil {
		return nil, cfg, logger, fmt.Errorf("open audit log: %w", err)
	}
	return l, cfg, logger, nil
}
