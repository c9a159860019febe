package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Server
	Port string
	Env  string

	// Remote session store
	DatabaseURL      string
	DatabaseMaxConns int

	// Redis; empty keeps session events inside this process
	RedisURL string

	// JWT
	JWTSecret string

	// Device
	LocalDBPath string
	DeviceID    string
	AppVersion  string

	// Frontend
	FrontendURL string

	Sync SyncConfig
}

// SyncConfig tunes the sync engine. It can be overridden as a block from the
// YAML file named by SYNC_CONFIG_FILE.
type SyncConfig struct {
	Tolerance         time.Duration `yaml:"tolerance"`
	MaxAttempts       int           `yaml:"max_attempts"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	BatchConcurrency  int           `yaml:"batch_concurrency"`
	UploadWorkers     int           `yaml:"upload_workers"`
	UploadQueueSize   int           `yaml:"upload_queue_size"`
	BackgroundTimeout time.Duration `yaml:"background_timeout"`
	FlushInterval     time.Duration `yaml:"flush_interval"`
}

// Load reads the server configuration and panics when a required variable
// is missing.
func Load() *Config {
	return load(true)
}

// LoadCLI is Load for command-line tools, which only need the database.
func LoadCLI() *Config {
	return load(false)
}

func load(server bool) *Config {
	// Load .env file if it exists
	godotenv.Load()

	optionalUnlessServer := getEnvOrDefault
	if server {
		optionalUnlessServer = func(key, _ string) string { return mustGetEnv(key) }
	}

	cfg := &Config{
		Port:             getEnvOrDefault("PORT", "8080"),
		Env:              getEnvOrDefault("ENV", "development"),
		DatabaseURL:      mustGetEnv("DATABASE_URL"),
		DatabaseMaxConns: getEnvAsIntOrDefault("DATABASE_MAX_CONNS", 4),
		RedisURL:         getEnvOrDefault("REDIS_URL", ""),
		JWTSecret:        optionalUnlessServer("JWT_SECRET", ""),
		LocalDBPath:      getEnvOrDefault("LOCAL_DB_PATH", "./data/casesync.db"),
		DeviceID:         getEnvOrDefault("DEVICE_ID", ""),
		AppVersion:       getEnvOrDefault("APP_VERSION", "dev"),
		FrontendURL:      getEnvOrDefault("FRONTEND_URL", "http://localhost:5173"),
		Sync: SyncConfig{
			Tolerance:         getEnvAsDurationOrDefault("SYNC_TOLERANCE", 5*time.Second),
			MaxAttempts:       getEnvAsIntOrDefault("SYNC_MAX_ATTEMPTS", 3),
			RetryDelay:        getEnvAsDurationOrDefault("SYNC_RETRY_DELAY", 2*time.Second),
			BatchConcurrency:  getEnvAsIntOrDefault("SYNC_BATCH_CONCURRENCY", 4),
			UploadWorkers:     getEnvAsIntOrDefault("SYNC_UPLOAD_WORKERS", 2),
			UploadQueueSize:   getEnvAsIntOrDefault("SYNC_UPLOAD_QUEUE_SIZE", 64),
			BackgroundTimeout: getEnvAsDurationOrDefault("SYNC_BACKGROUND_TIMEOUT", 25*time.Second),
			FlushInterval:     getEnvAsDurationOrDefault("SYNC_FLUSH_INTERVAL", 0),
		},
	}

	if path := os.Getenv("SYNC_CONFIG_FILE"); path != "" {
		if err := cfg.Sync.ApplyFile(path); err != nil {
			panic(err.Error())
		}
	}

	if err := cfg.Validate(); err != nil {
		panic(err.Error())
	}

	return cfg
}

// ApplyFile overrides the fields present under the file's top-level "sync" key.
func (s *SyncConfig) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read sync config %s: %w", path, err)
	}
	return s.ApplyYAML(data)
}

func (s *SyncConfig) ApplyYAML(data []byte) error {
	doc := struct {
		Sync *SyncConfig `yaml:"sync"`
	}{Sync: s}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse sync config: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Sync.Tolerance < 0 {
		errs = append(errs, errors.New("SYNC_TOLERANCE must not be negative"))
	}
	if c.Sync.MaxAttempts <= 0 {
		errs = append(errs, errors.New("SYNC_MAX_ATTEMPTS must be positive"))
	}
	if c.Sync.RetryDelay < 0 {
		errs = append(errs, errors.New("SYNC_RETRY_DELAY must not be negative"))
	}
	if c.Sync.BatchConcurrency <= 0 {
		errs = append(errs, errors.New("SYNC_BATCH_CONCURRENCY must be positive"))
	}
	if c.Sync.UploadWorkers <= 0 {
		errs = append(errs, errors.New("SYNC_UPLOAD_WORKERS must be positive"))
	}
	if c.Sync.UploadQueueSize <= 0 {
		errs = append(errs, errors.New("SYNC_UPLOAD_QUEUE_SIZE must be positive"))
	}
	if c.Sync.FlushInterval < 0 {
		errs = append(errs, errors.New("SYNC_FLUSH_INTERVAL must not be negative"))
	}
	if c.LocalDBPath == "" {
		errs = append(errs, errors.New("LOCAL_DB_PATH must not be empty"))
	}
	return errors.Join(errs...)
}

func mustGetEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		panic(fmt.Sprintf("required environment variable %s is not set", key))
	}
	return val
}

func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// getEnvAsDurationOrDefault accepts Go durations ("5s") or whole seconds ("5").
func getEnvAsDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if n, err := strconv.Atoi(val); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultVal
}
