package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	NATS       NATSConfig       `yaml:"nats"`
	Pool       PoolConfig       `yaml:"pool"`
	Proofs     ProofsConfig     `yaml:"proofs"`
	Compliance ComplianceConfig `yaml:"compliance"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Admin      AdminConfig      `yaml:"admin"`
	CORS       CORSConfig       `yaml:"cors"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig database configuration
type DatabaseConfig struct {
	DSN    string `yaml:"dsn"`
	Driver string `yaml:"driver"`
}

// NATSConfig NATS message server configuration
type NATSConfig struct {
	URL        string `yaml:"url"`
	StreamName string `yaml:"stream_name"`
	Timeout    int    `yaml:"timeout"` // seconds
	Enabled    bool   `yaml:"enabled"`
}

// PoolConfig fixes the shielded pool parameters. Changing tree depth or
// denomination on a live pool invalidates every existing proof.
type PoolConfig struct {
	Denomination    string `yaml:"denomination"` // uint256 as decimal string
	TreeDepth       int    `yaml:"treeDepth"`
	RootHistorySize int    `yaml:"rootHistorySize"`
}

// ProofsConfig selects the proof backend
type ProofsConfig struct {
	Mode string `yaml:"mode"` // groth16 or mock
}

// ComplianceConfig compliance coordinator configuration
type ComplianceConfig struct {
	ScreeningBaseURL   string  `yaml:"screeningBaseUrl"`
	ScreeningTimeout   int     `yaml:"screeningTimeout"` // seconds
	ScreenInterval     int     `yaml:"screenInterval"`   // seconds between pending-deposit sweeps
	PublishInterval    int     `yaml:"publishInterval"`  // seconds between root publications
	BlockOnHighRisk    bool    `yaml:"blockOnHighRisk"`  // treat approved verdicts at or above the threshold as blocked
	RiskScoreThreshold float64 `yaml:"riskScoreThreshold"`
}

// SchedulerConfig withdrawal scheduler configuration
type SchedulerConfig struct {
	MinDelaySeconds int `yaml:"minDelaySeconds"` // lower jitter bound
	MaxDelaySeconds int `yaml:"maxDelaySeconds"` // upper jitter bound
	PollInterval    int `yaml:"pollInterval"`    // seconds between due-request sweeps
	MaxConcurrent   int `yaml:"maxConcurrent"`   // in-flight execution cap
	MaxRetries      int `yaml:"maxRetries"`
	BatchSize       int `yaml:"batchSize"` // due requests fetched per sweep
}

// AdminConfig admin API access configuration
type AdminConfig struct {
	JWTSecret    string   `yaml:"jwtSecret"`
	Username     string   `yaml:"username"`
	PasswordHash string   `yaml:"passwordHash"` // bcrypt hash
	AllowedIPs   []string `yaml:"allowedIPs"`   // IP addresses or CIDR ranges
}

// CORSConfig CORS configuration
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowedOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials"`
	MaxAge           int      `yaml:"maxAge"` // seconds
}

var AppConfig *Config

// LoadConfig loads the configuration file, then applies env overrides
func LoadConfig(configPath string) error {
	if configPath == "" {
		configPath = "config.yaml"
		if _, err := os.Stat("config.local.yaml"); err == nil {
			configPath = "config.local.yaml"
			log.Printf("🔧 Using local configuration file: config.local.yaml")
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	fmt.Printf("✅ [%s] Loading configuration from: %s\n", time.Now().Format("2006-01-02 15:04:05"), configPath)

	overrideFromEnv(&config)
	applyDefaults(&config)

	if err := validate(&config); err != nil {
		return err
	}

	AppConfig = &config
	return nil
}

// applyDefaults fills unset fields with the standard deployment values
func applyDefaults(config *Config) {
	if config.Server.Port == 0 {
		config.Server.Port = 8080
	}
	if config.Pool.TreeDepth == 0 {
		config.Pool.TreeDepth = 20
	}
	if config.Pool.RootHistorySize == 0 {
		config.Pool.RootHistorySize = 30
	}
	if config.Proofs.Mode == "" {
		config.Proofs.Mode = "groth16"
	}
	if config.Compliance.ScreeningTimeout == 0 {
		config.Compliance.ScreeningTimeout = 30
	}
	if config.Compliance.ScreenInterval == 0 {
		config.Compliance.ScreenInterval = 15
	}
	if config.Compliance.PublishInterval == 0 {
		config.Compliance.PublishInterval = 60
	}
	if config.Compliance.RiskScoreThreshold == 0 {
		config.Compliance.RiskScoreThreshold = 0.75
	}
	if config.Scheduler.MinDelaySeconds == 0 {
		config.Scheduler.MinDelaySeconds = 30
	}
	if config.Scheduler.MaxDelaySeconds == 0 {
		config.Scheduler.MaxDelaySeconds = 900
	}
	if config.Scheduler.PollInterval == 0 {
		config.Scheduler.PollInterval = 5
	}
	if config.Scheduler.MaxConcurrent == 0 {
		config.Scheduler.MaxConcurrent = 4
	}
	if config.Scheduler.MaxRetries == 0 {
		config.Scheduler.MaxRetries = 5
	}
	if config.Scheduler.BatchSize == 0 {
		config.Scheduler.BatchSize = 50
	}
	if config.NATS.StreamName == "" {
		config.NATS.StreamName = "SHIELDPOOL_EVENTS"
	}
}

// validate rejects configurations that cannot run
func validate(config *Config) error {
	if config.Pool.Denomination == "" {
		return fmt.Errorf("pool.denomination is required")
	}
	if config.Pool.TreeDepth < 1 || config.Pool.TreeDepth > 32 {
		return fmt.Errorf("pool.treeDepth must be between 1 and 32")
	}
	if config.Scheduler.MinDelaySeconds > config.Scheduler.MaxDelaySeconds {
		return fmt.Errorf("scheduler.minDelaySeconds exceeds maxDelaySeconds")
	}
	if config.Proofs.Mode != "groth16" && config.Proofs.Mode != "mock" {
		return fmt.Errorf("proofs.mode must be groth16 or mock")
	}
	return nil
}

// overrideFromEnv applies environment variable overrides
func overrideFromEnv(config *Config) {
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		config.Database.DSN = dsn
	}

	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		config.NATS.URL = natsURL
		config.NATS.Enabled = true
	}
	if natsTimeout := os.Getenv("NATS_TIMEOUT"); natsTimeout != "" {
		if t, err := strconv.Atoi(natsTimeout); err == nil {
			config.NATS.Timeout = t
		}
	}

	if denom := os.Getenv("POOL_DENOMINATION"); denom != "" {
		config.Pool.Denomination = denom
	}
	if depth := os.Getenv("POOL_TREE_DEPTH"); depth != "" {
		if d, err := strconv.Atoi(depth); err == nil {
			config.Pool.TreeDepth = d
		}
	}

	if mode := os.Getenv("PROOFS_MODE"); mode != "" {
		config.Proofs.Mode = mode
	}

	if screeningURL := os.Getenv("SCREENING_BASE_URL"); screeningURL != "" {
		config.Compliance.ScreeningBaseURL = screeningURL
	}

	if jwtSecret := os.Getenv("ADMIN_JWT_SECRET"); jwtSecret != "" {
		config.Admin.JWTSecret = jwtSecret
	}
	if passwordHash := os.Getenv("ADMIN_PASSWORD_HASH"); passwordHash != "" {
		config.Admin.PasswordHash = passwordHash
	}

	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		origins := strings.Split(corsOrigins, ",")
		config.CORS.AllowedOrigins = make([]string, 0, len(origins))
		for _, origin := range origins {
			trimmed := strings.TrimSpace(origin)
			if trimmed != "" {
				config.CORS.AllowedOrigins = append(config.CORS.AllowedOrigins, trimmed)
			}
		}
	}
}
