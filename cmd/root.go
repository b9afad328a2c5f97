package cmd

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CodeMonkeyCybersecurity/wpscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/logger"
)

var (
	cfg     *config.Config
	log     *logger.Logger
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "wpscan",
	Short: "WordPress detection and security scanning",
	Long: `wpscan detects whether a site runs WordPress and produces a security
report: core, plugin and theme versions, known vulnerabilities, a hardening
checklist and a 0-100 risk score.

COMMANDS:
  wpscan detect <url>          - Is this site WordPress? With confidence
  wpscan scan <url>            - Full security report
  wpscan serve                 - HTTP API (detect, scan, saved reports)
  wpscan plan set <user> <plan> - Assign a subscription plan
  wpscan db migrate|status     - Schema management
  wpscan vulndb check          - Validate a vulnerability data file
  wpscan hash-key              - Hash an API key for security.api_key_hash

Configuration comes from flags, WPSCAN_* environment variables and an
optional YAML file (--config).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		var err error
		log, err = logger.New(cfg.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			// Sync errors on stdout/stderr are expected on Linux.
			if err := log.Sync(); err != nil && !strings.Contains(err.Error(), "invalid argument") {
				fmt.Fprintf(os.Stderr, "Warning: failed to sync logger: %v\n", err)
			}
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	defaults := config.Default()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")

	// Logging configuration
	rootCmd.PersistentFlags().String("log-level", defaults.Logger.Level, "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", defaults.Logger.Format, "log format (json, console)")
	viper.BindPFlag("logger.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("logger.format", rootCmd.PersistentFlags().Lookup("log-format"))

	// Database configuration
	rootCmd.PersistentFlags().String("db-driver", defaults.Database.Driver, "database driver (postgres, sqlite3)")
	rootCmd.PersistentFlags().String("db-dsn", defaults.Database.DSN, "database connection string")
	viper.BindPFlag("database.driver", rootCmd.PersistentFlags().Lookup("db-driver"))
	viper.BindPFlag("database.dsn", rootCmd.PersistentFlags().Lookup("db-dsn"))
	viper.BindEnv("database.dsn", "WPSCAN_DATABASE_DSN", "DATABASE_URL")

	// Redis configuration
	rootCmd.PersistentFlags().Bool("redis", defaults.Redis.Enabled, "cache results in Redis")
	rootCmd.PersistentFlags().String("redis-addr", defaults.Redis.Addr, "Redis server address")
	viper.BindPFlag("redis.enabled", rootCmd.PersistentFlags().Lookup("redis"))
	viper.BindPFlag("redis.addr", rootCmd.PersistentFlags().Lookup("redis-addr"))
	viper.BindEnv("redis.password", "WPSCAN_REDIS_PASSWORD")

	// Scanner politeness
	rootCmd.PersistentFlags().Int("workers", defaults.Scanner.Workers, "concurrent component probes per scan")
	rootCmd.PersistentFlags().Float64("rps", defaults.Scanner.RequestsPerSecond, "requests per second per target host")
	viper.BindPFlag("scanner.workers", rootCmd.PersistentFlags().Lookup("workers"))
	viper.BindPFlag("scanner.requests_per_second", rootCmd.PersistentFlags().Lookup("rps"))

	// Secrets come from the environment or the config file, never flags.
	viper.BindEnv("security.api_key_hash", "WPSCAN_API_KEY_HASH")

	setDefaults(viper.GetViper(), "", reflect.ValueOf(*defaults))
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", cfgFile, err)
		}
	}

	viper.SetEnvPrefix("WPSCAN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	cfg = config.Default()
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg.Validate()
}

// setDefaults registers every leaf of the default config with viper so that
// AutomaticEnv can resolve WPSCAN_* variables for keys no flag binds.
func setDefaults(v *viper.Viper, prefix string, val reflect.Value) {
	t := val.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		fv := val.Field(i)
		if fv.Kind() == reflect.Struct && fv.Type().PkgPath() != "time" {
			setDefaults(v, key, fv)
			continue
		}
		v.SetDefault(key, fv.Interface())
	}
}

func GetConfig() *config.Config {
	return cfg
}

func GetLogger() *logger.Logger {
	return log
}
