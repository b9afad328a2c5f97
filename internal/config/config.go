package config

import (
	"fmt"
	"time"
)

type Config struct {
	Logger    LoggerConfig          `mapstructure:"logger"`
	Database  DatabaseConfig        `mapstructure:"database"`
	Redis     RedisConfig           `mapstructure:"redis"`
	Telemetry TelemetryConfig       `mapstructure:"telemetry"`
	Security  SecurityConfig        `mapstructure:"security"`
	Server    ServerConfig          `mapstructure:"server"`
	HTTP      HTTPConfig            `mapstructure:"http"`
	Detector  DetectorConfig        `mapstructure:"detector"`
	Scanner   ScannerConfig         `mapstructure:"scanner"`
	Scoring   ScoringConfig         `mapstructure:"scoring"`
	VulnDB    VulnDBConfig          `mapstructure:"vulndb"`
	Plans     map[string]PlanConfig `mapstructure:"plans"`
	// DefaultPlan applies to users without a stored subscription.
	DefaultPlan string `mapstructure:"default_plan"`
}

type LoggerConfig struct {
	Level       string   `mapstructure:"level"`
	Format      string   `mapstructure:"format"`
	OutputPaths []string `mapstructure:"output_paths"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	ResultTTL    time.Duration `mapstructure:"result_ttl"`
}

type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	ServiceName  string  `mapstructure:"service_name"`
	ExporterType string  `mapstructure:"exporter_type"`
	Endpoint     string  `mapstructure:"endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

type SecurityConfig struct {
	RateLimit  RateLimitConfig `mapstructure:"rate_limit"`
	EnableAuth bool            `mapstructure:"enable_auth"`
	// APIKeyHash is a bcrypt hash of the bearer token accepted by the API.
	APIKeyHash     string   `mapstructure:"api_key_hash"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// UserHeader carries the caller identity asserted by the upstream auth service.
	UserHeader string `mapstructure:"user_header"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `mapstructure:"requests_per_second"`
	BurstSize         int `mapstructure:"burst_size"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	TLSCert         string        `mapstructure:"tls_cert"`
	TLSKey          string        `mapstructure:"tls_key"`
}

// HTTPConfig controls outbound requests to scanned sites.
type HTTPConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	UserAgent       string        `mapstructure:"user_agent"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	MaxRedirects    int           `mapstructure:"max_redirects"`
	EnableSSRF      bool          `mapstructure:"enable_ssrf"`
	Nameservers     []string      `mapstructure:"nameservers"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	AllowPrivateIPs bool          `mapstructure:"allow_private_ips"`
}

type DetectorConfig struct {
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
	StrongWeight      int           `mapstructure:"strong_weight"`
	WeakWeight        int           `mapstructure:"weak_weight"`
	MinWeakIndicators int           `mapstructure:"min_weak_indicators"`
}

type ScannerConfig struct {
	Workers           int           `mapstructure:"workers"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"` // per scanner GET
	ScanTimeout       time.Duration `mapstructure:"scan_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	MinDelay          time.Duration `mapstructure:"min_delay"`
	EnumerateKnown    bool          `mapstructure:"enumerate_known"`
	MaxComponents     int           `mapstructure:"max_components"`
}

// ScoringConfig mirrors risk.Policy so the weights can be tuned without a rebuild.
type ScoringConfig struct {
	CriticalPenalty     float64 `mapstructure:"critical_penalty"`
	HighPenalty         float64 `mapstructure:"high_penalty"`
	MediumPenalty       float64 `mapstructure:"medium_penalty"`
	LowPenalty          float64 `mapstructure:"low_penalty"`
	OutdatedWeight      float64 `mapstructure:"outdated_weight"`
	HardeningPenalty    float64 `mapstructure:"hardening_penalty"`
	MaxHardeningPenalty float64 `mapstructure:"max_hardening_penalty"`
	CriticalCap         float64 `mapstructure:"critical_cap"`
}

type VulnDBConfig struct {
	// Path overrides the embedded data set when set.
	Path string `mapstructure:"path"`
}

type PlanConfig struct {
	CanSave bool `mapstructure:"can_save"`
	// SiteLimit is the number of distinct URLs a user may save; 0 means unlimited.
	SiteLimit int `mapstructure:"site_limit"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:       "info",
			Format:      "console",
			OutputPaths: []string{"stdout"},
		},
		Database: DatabaseConfig{
			Driver:          "sqlite3",
			DSN:             "wpscan.db",
			MaxConnections:  25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 1 * time.Hour,
		},
		Redis: RedisConfig{
			Enabled:      false,
			Addr:         "localhost:6379",
			DB:           0,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			ResultTTL:    5 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			ServiceName:  "wpscan",
			ExporterType: "otlp",
			Endpoint:     "localhost:4318",
			SampleRate:   1.0,
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 5,
				BurstSize:         10,
			},
			EnableAuth:     false,
			AllowedOrigins: []string{"http://localhost:3000"},
			UserHeader:     "X-User-ID",
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    150 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		HTTP: HTTPConfig{
			Timeout:      15 * time.Second,
			UserAgent:    "Mozilla/5.0 (compatible; wpscan/1.0)",
			MaxBodyBytes: 2 << 20,
			MaxRedirects: 5,
			EnableSSRF:   true,
			DialTimeout:  5 * time.Second,
		},
		Detector: DetectorConfig{
			ProbeTimeout:      5 * time.Second,
			StrongWeight:      90,
			WeakWeight:        25,
			MinWeakIndicators: 2,
		},
		Scanner: ScannerConfig{
			Workers:           4,
			RequestTimeout:    10 * time.Second,
			ScanTimeout:       2 * time.Minute,
			RequestsPerSecond: 5,
			Burst:             2,
			MinDelay:          100 * time.Millisecond,
			EnumerateKnown:    false,
			MaxComponents:     50,
		},
		Scoring: ScoringConfig{
			CriticalPenalty:     35,
			HighPenalty:         15,
			MediumPenalty:       7,
			LowPenalty:          3,
			OutdatedWeight:      10,
			HardeningPenalty:    3,
			MaxHardeningPenalty: 20,
			CriticalCap:         40,
		},
		Plans: map[string]PlanConfig{
			"free":     {CanSave: false},
			"pro":      {CanSave: true, SiteLimit: 3},
			"business": {CanSave: true, SiteLimit: 10},
			"agency":   {CanSave: true, SiteLimit: 0},
		},
		DefaultPlan: "free",
	}
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("unsupported database driver %q (expected postgres or sqlite3)", c.Database.Driver)
	}
	if c.Detector.ProbeTimeout <= 0 {
		return fmt.Errorf("detector.probe_timeout must be positive")
	}
	if c.Detector.MinWeakIndicators < 1 {
		return fmt.Errorf("detector.min_weak_indicators must be at least 1")
	}
	if c.Scanner.Workers < 1 {
		return fmt.Errorf("scanner.workers must be at least 1")
	}
	if c.Scanner.RequestsPerSecond <= 0 {
		return fmt.Errorf("scanner.requests_per_second must be positive")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be positive")
	}
	if c.Security.EnableAuth && c.Security.APIKeyHash == "" {
		return fmt.Errorf("security.enable_auth requires security.api_key_hash")
	}
	if _, ok := c.Plans[c.DefaultPlan]; !ok {
		return fmt.Errorf("default_plan %q is not a configured plan", c.DefaultPlan)
	}
	for name, plan := range c.Plans {
		if plan.SiteLimit < 0 {
			return fmt.Errorf("plans.%s.site_limit must not be negative", name)
		}
	}
	return nil
}
