package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the service configuration
type Config struct {
	// Server config
	Port     int    `yaml:"port"`
	Host     string `yaml:"host"`
	LogLevel string `yaml:"log_level"`

	Server     ServerConfig     `yaml:"server"`
	OCR        OCRConfig        `yaml:"ocr"`
	AI         AIConfig         `yaml:"ai"`
	Validation ValidationConfig `yaml:"validation"`
	Database   DatabaseConfig   `yaml:"database"`
	Storage    StorageConfig    `yaml:"storage"`
	NATS       NATSConfig       `yaml:"nats"`
	Auth       AuthConfig       `yaml:"auth"`
	Tasks      TasksConfig      `yaml:"tasks"`

	// Spending categories offered to the model
	Categories []string `yaml:"categories"`
}

// ServerConfig holds HTTP limits
type ServerConfig struct {
	MaxUploadBytes     int64         `yaml:"max_upload_bytes"`
	RateLimitPerMinute int           `yaml:"rate_limit_per_minute"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	ProgressPause      time.Duration `yaml:"progress_pause"`
}

// OCRConfig represents OCR-specific configuration
type OCRConfig struct {
	TesseractPath string  `yaml:"tesseract_path"`
	MagickPath    string  `yaml:"magick_path"` // empty: try magick, then convert
	Language      string  `yaml:"language"`    // tesseract language (default: "eng")
	MaxMegapixels float64 `yaml:"max_megapixels"`
	TempDir       string  `yaml:"temp_dir"`
}

// AIConfig represents completion provider configuration
type AIConfig struct {
	DefaultProvider string        `yaml:"default_provider"` // "openai" or "gemini"
	OpenAI          OpenAIConfig  `yaml:"openai"`
	Gemini          GeminiConfig  `yaml:"gemini"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxTokens       int           `yaml:"max_tokens"`
	Temperature     float32       `yaml:"temperature"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// OpenAIConfig for OpenAI compatible endpoints
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url,omitempty"` // For custom endpoints
	Model   string `yaml:"model"`              // Default: "gpt-4"
}

// GeminiConfig for Google Gemini
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// ValidationConfig holds business rule thresholds
type ValidationConfig struct {
	MaxAmount       float64 `yaml:"max_amount"`
	TaxRateWarnPct  float64 `yaml:"tax_rate_warning_pct"`
	AmountTolerance float64 `yaml:"amount_tolerance"`
}

// DatabaseConfig for the result store. Empty URL disables persistence.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// StorageConfig for the MinIO document archive. Empty endpoint disables archiving.
type StorageConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// NATSConfig for progress notifications. Empty URL disables publishing.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// AuthConfig for bearer token verification. Empty secret disables auth.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	Issuer    string        `yaml:"issuer"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// TasksConfig for the async task registry
type TasksConfig struct {
	MaxAge          time.Duration `yaml:"max_age"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
}

// Default returns the configuration used when nothing is set
func Default() Config {
	return Config{
		Port:     8080,
		Host:     "0.0.0.0",
		LogLevel: "info",
		Server: ServerConfig{
			MaxUploadBytes:     10 * 1024 * 1024,
			RateLimitPerMinute: 60,
			ReadTimeout:        30 * time.Second,
			WriteTimeout:       5 * time.Minute,
			ProgressPause:      100 * time.Millisecond,
		},
		OCR: OCRConfig{
			TesseractPath: "tesseract",
			Language:      "eng",
			MaxMegapixels: 4,
		},
		AI: AIConfig{
			DefaultProvider: "openai",
			OpenAI:          OpenAIConfig{Model: "gpt-4"},
			Gemini:          GeminiConfig{Model: "gemini-1.5-flash"},
			Timeout:         60 * time.Second,
			MaxTokens:       3000,
			Temperature:     0.05,
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
		Validation: ValidationConfig{
			MaxAmount:       1_000_000,
			TaxRateWarnPct:  25,
			AmountTolerance: 0.02,
		},
		Storage: StorageConfig{Bucket: "invoices"},
		NATS:    NATSConfig{SubjectPrefix: "invoices.progress"},
		Auth:    AuthConfig{Issuer: "invoice-pipeline", TokenTTL: 24 * time.Hour},
		Tasks: TasksConfig{
			MaxAge:          time.Hour,
			JanitorInterval: 5 * time.Minute,
		},
		Categories: []string{"software", "services", "supplies", "utilities", "other"},
	}
}

// LoadDotEnv loads .env files when present; missing files are not an error
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads the YAML file at path over the defaults, then applies environment
// overrides. A missing file is allowed.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Addr is the listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate rejects configurations the service cannot run with
func (c *Config) Validate() error {
	var problems []string
	if c.Port <= 0 || c.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port %d out of range", c.Port))
	}
	switch c.AI.DefaultProvider {
	case "openai", "gemini":
	default:
		problems = append(problems, fmt.Sprintf("unsupported AI provider: %s", c.AI.DefaultProvider))
	}
	if c.AI.MaxTokens <= 0 {
		problems = append(problems, "ai.max_tokens must be positive")
	}
	if c.AI.Timeout <= 0 {
		problems = append(problems, "ai.timeout must be positive")
	}
	if c.Server.MaxUploadBytes <= 0 {
		problems = append(problems, "server.max_upload_bytes must be positive")
	}
	if c.Validation.AmountTolerance < 0 {
		problems = append(problems, "validation.amount_tolerance must not be negative")
	}
	if c.Tasks.MaxAge <= 0 {
		problems = append(problems, "tasks.max_age must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var errs []error
	str := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(dst *time.Duration, key string) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	flag := func(dst *bool, key string) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	num(&cfg.Port, "PORT")
	str(&cfg.Host, "HOST")
	str(&cfg.LogLevel, "LOG_LEVEL")

	str(&cfg.AI.DefaultProvider, "AI_PROVIDER")
	str(&cfg.AI.OpenAI.APIKey, "OPENAI_API_KEY")
	str(&cfg.AI.OpenAI.BaseURL, "OPENAI_BASE_URL")
	str(&cfg.AI.OpenAI.Model, "OPENAI_MODEL")
	str(&cfg.AI.Gemini.APIKey, "GEMINI_API_KEY")
	str(&cfg.AI.Gemini.Model, "GEMINI_MODEL")
	dur(&cfg.AI.Timeout, "AI_TIMEOUT")

	str(&cfg.OCR.TesseractPath, "TESSERACT_PATH")
	str(&cfg.OCR.MagickPath, "MAGICK_PATH")
	str(&cfg.OCR.Language, "OCR_LANGUAGE")

	str(&cfg.Database.URL, "DATABASE_URL")

	str(&cfg.Storage.Endpoint, "MINIO_ENDPOINT")
	str(&cfg.Storage.AccessKey, "MINIO_ACCESS_KEY")
	str(&cfg.Storage.SecretKey, "MINIO_SECRET_KEY")
	str(&cfg.Storage.Bucket, "MINIO_BUCKET")
	flag(&cfg.Storage.UseSSL, "MINIO_USE_SSL")

	str(&cfg.NATS.URL, "NATS_URL")
	str(&cfg.NATS.SubjectPrefix, "NATS_SUBJECT_PREFIX")

	str(&cfg.Auth.JWTSecret, "JWT_SECRET")

	num(&cfg.Server.RateLimitPerMinute, "RATE_LIMIT_PER_MINUTE")
	dur(&cfg.Tasks.MaxAge, "TASK_MAX_AGE")

	return errors.Join(errs...)
}
