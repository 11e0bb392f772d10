package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// config is the runtime configuration. Values come from, in increasing
// precedence: defaults, the optional YAML file named by COACH_CONFIG, and
// environment variables (a .env file is loaded into the environment first).
type config struct {
	Port         int         `yaml:"port"`
	StoreBackend string      `yaml:"store_backend"` // memory | postgres | sqlite | redis
	DBURL        string      `yaml:"db_url"`
	SQLitePath   string      `yaml:"sqlite_path"`
	Redis        redisConfig `yaml:"redis"`

	MessageRetention int `yaml:"message_retention"`
	HistoryLimit     int `yaml:"history_limit"`
	MaxTrackedUsers  int `yaml:"max_tracked_users"`

	OpenAIAPIKey  string        `yaml:"openai_api_key"`
	OpenAIBaseURL string        `yaml:"openai_base_url"`
	OpenAIModel   string        `yaml:"openai_model"`
	LLMTimeout    time.Duration `yaml:"llm_timeout"`
	LLMRatePerSec float64       `yaml:"llm_rate_per_sec"`

	RequireAuth bool   `yaml:"require_auth"`
	StaticDir   string `yaml:"static_dir"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // json | console
}

func defaultConfig() config {
	return config{
		Port:             8000,
		StoreBackend:     "memory",
		SQLitePath:       "data/coach.db",
		Redis:            redisConfig{Address: "localhost:6379", PoolSize: 10},
		MessageRetention: defaultMessageRetention,
		HistoryLimit:     8,
		MaxTrackedUsers:  defaultMaxTrackedUsers,
		OpenAIBaseURL:    "https://api.openai.com",
		OpenAIModel:      "gpt-4o-mini",
		LLMTimeout:       20 * time.Second,
		LLMRatePerSec:    5,
		LogLevel:         "info",
		LogFormat:        "json",
	}
}

// loadConfig builds the configuration. A missing .env or YAML file is not an
// error; a malformed one is.
func loadConfig() (config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := defaultConfig()
	if path := os.Getenv("COACH_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		// Expand ${VAR} references before parsing so secrets can stay in env.
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
			return config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return config{}, err
	}
	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

// applyEnv overrides cfg with any set environment variables.
func applyEnv(cfg *config) error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) error {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
		return nil
	}

	setString("STORE_BACKEND", &cfg.StoreBackend)
	setString("DB_URL", &cfg.DBURL)
	setString("SQLITE_PATH", &cfg.SQLitePath)
	setString("REDIS_ADDR", &cfg.Redis.Address)
	setString("REDIS_PASSWORD", &cfg.Redis.Password)
	setString("OPENAI_API_KEY", &cfg.OpenAIAPIKey)
	setString("OPENAI_BASE_URL", &cfg.OpenAIBaseURL)
	setString("OPENAI_MODEL", &cfg.OpenAIModel)
	setString("STATIC_DIR", &cfg.StaticDir)
	setString("LOG_LEVEL", &cfg.LogLevel)
	setString("LOG_FORMAT", &cfg.LogFormat)

	for key, dst := range map[string]*int{
		"PORT":              &cfg.Port,
		"REDIS_DB":          &cfg.Redis.DB,
		"MESSAGE_RETENTION": &cfg.MessageRetention,
		"HISTORY_LIMIT":     &cfg.HistoryLimit,
		"MAX_TRACKED_USERS": &cfg.MaxTrackedUsers,
	} {
		if err := setInt(key, dst); err != nil {
			return err
		}
	}

	if v, ok := os.LookupEnv("LLM_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("LLM_TIMEOUT: %w", err)
		}
		cfg.LLMTimeout = d
	}
	if v, ok := os.LookupEnv("LLM_RATE_PER_SEC"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("LLM_RATE_PER_SEC: %w", err)
		}
		cfg.LLMRatePerSec = f
	}
	if v, ok := os.LookupEnv("REQUIRE_AUTH"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("REQUIRE_AUTH: %w", err)
		}
		cfg.RequireAuth = b
	}
	return nil
}

func (c config) validate() error {
	switch c.StoreBackend {
	case "memory", "sqlite", "redis":
	case "postgres":
		if c.DBURL == "" {
			return errors.New("DB_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q (memory, postgres, sqlite, redis)", c.StoreBackend)
	}
	if c.RequireAuth && c.StoreBackend != "postgres" {
		return errors.New("REQUIRE_AUTH needs the postgres store (users table)")
	}
	if c.MessageRetention <= 0 {
		return errors.New("MESSAGE_RETENTION must be positive")
	}
	if c.LLMTimeout <= 0 {
		return errors.New("LLM_TIMEOUT must be positive")
	}
	return nil
}

// llmEnabled reports whether chat should go through the LLM.
func (c config) llmEnabled() bool {
	return c.OpenAIAPIKey != ""
}
