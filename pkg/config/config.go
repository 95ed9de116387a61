// Package config loads and validates process configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Redis, Postgres, Streams, Intake, OCR, LLM, Persist, Kafka,
// Telegram, Logging, Metrics).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Streams  StreamsConfig  `yaml:"streams"`
	Intake   IntakeConfig   `yaml:"intake"`
	OCR      OCRConfig      `yaml:"ocr"`
	LLM      LLMConfig      `yaml:"llm"`
	Persist  PersistConfig  `yaml:"persist"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Telegram TelegramConfig `yaml:"telegram"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// RedisConfig holds the stream broker connection parameters.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// StreamsConfig names the pipeline streams and controls the read loop.
type StreamsConfig struct {
	OCRTasks     string        `yaml:"ocrTasks"`
	IATasks      string        `yaml:"iaTasks"`
	DBTasks      string        `yaml:"dbTasks"`
	Responses    string        `yaml:"responses"`
	DeadLetters  string        `yaml:"deadLetters"`
	CursorPrefix string        `yaml:"cursorPrefix"`
	StartID      string        `yaml:"startId"`
	BlockTimeout time.Duration `yaml:"blockTimeout"`
	Backoff      time.Duration `yaml:"backoff"`
}

// IntakeConfig controls photo accumulation in the front-end.
type IntakeConfig struct {
	Debounce   time.Duration `yaml:"debounce"`
	PhotoDir   string        `yaml:"photoDir"`
	SessionTTL time.Duration `yaml:"sessionTTL"`
}

// OCRConfig points at the Document AI processor used for text extraction.
type OCRConfig struct {
	Endpoint      string        `yaml:"endpoint"`
	ProjectID     string        `yaml:"projectId"`
	Location      string        `yaml:"location"`
	ProcessorID   string        `yaml:"processorId"`
	MIMEType      string        `yaml:"mimeType"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryAttempts int           `yaml:"retryAttempts"`
}

// ProcessorName returns the fully qualified Document AI processor resource.
func (o OCRConfig) ProcessorName() string {
	return fmt.Sprintf("projects/%s/locations/%s/processors/%s", o.ProjectID, o.Location, o.ProcessorID)
}

// LLMConfig holds the inference service endpoint and prompt settings.
type LLMConfig struct {
	BaseURL    string        `yaml:"baseUrl"`
	Model      string        `yaml:"model"`
	PromptPath string        `yaml:"promptPath"`
	Timeout    time.Duration `yaml:"timeout"`
}

// PersistConfig controls the persistence stage.
type PersistConfig struct {
	AuditDir     string `yaml:"auditDir"`
	EnsureSchema bool   `yaml:"ensureSchema"`
}

// KafkaConfig holds Kafka broker and topic settings for receipt events.
type KafkaConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Brokers       []string `yaml:"brokers"`
	ReceiptEvents string   `yaml:"receiptEvents"`
}

// TelegramConfig holds the chat front-end credentials.
type TelegramConfig struct {
	Token       string        `yaml:"token"`
	APIURL      string        `yaml:"apiUrl"`
	PollTimeout time.Duration `yaml:"pollTimeout"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics and health server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. A path that does not exist is ignored so that processes can run
// from the environment alone.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", path, err)
			}
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Redis.Addr == "" {
		problems = append(problems, "redis.addr is required")
	}
	if c.Streams.BlockTimeout <= 0 {
		problems = append(problems, "streams.blockTimeout must be positive")
	}
	if c.Intake.Debounce <= 0 {
		problems = append(problems, "intake.debounce must be positive")
	}
	names := map[string]string{
		"ocrTasks":    c.Streams.OCRTasks,
		"iaTasks":     c.Streams.IATasks,
		"dbTasks":     c.Streams.DBTasks,
		"responses":   c.Streams.Responses,
		"deadLetters": c.Streams.DeadLetters,
	}
	for key, name := range names {
		if name == "" {
			problems = append(problems, fmt.Sprintf("streams.%s is required", key))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// defaultConfig returns a Config with defaults suitable for local development.
func defaultConfig() *Config {
	return &Config{
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "monitorprecios",
			User:            "receipts",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    1,
			MaxIdleConns:    1,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Streams: StreamsConfig{
			OCRTasks:     "ocr_tasks",
			IATasks:      "ia_tasks",
			DBTasks:      "db_tasks",
			Responses:    "bot_responses",
			DeadLetters:  "dead_letters",
			CursorPrefix: "cursor",
			StartID:      "0",
			BlockTimeout: 5 * time.Second,
			Backoff:      3 * time.Second,
		},
		Intake: IntakeConfig{
			Debounce:   10 * time.Second,
			PhotoDir:   "cache/images",
			SessionTTL: time.Hour,
		},
		OCR: OCRConfig{
			Location:      "eu",
			MIMEType:      "image/jpeg",
			Timeout:       60 * time.Second,
			RetryAttempts: 3,
		},
		LLM: LLMConfig{
			BaseURL:    "http://localhost:11434",
			Model:      "llama3",
			PromptPath: "",
			Timeout:    180 * time.Second,
		},
		Persist: PersistConfig{
			AuditDir:     "cache",
			EnsureSchema: true,
		},
		Kafka: KafkaConfig{
			Enabled:       false,
			Brokers:       []string{"localhost:9092"},
			ReceiptEvents: "receipt-events",
		},
		Telegram: TelegramConfig{
			APIURL:      "https://api.telegram.org",
			PollTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads RP_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RP_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("RP_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("RP_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil && db >= 0 {
			cfg.Redis.DB = db
		}
	}
	if v := os.Getenv("RP_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("RP_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("RP_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("RP_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("RP_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("RP_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("RP_STREAMS_START_ID"); v != "" {
		cfg.Streams.StartID = v
	}
	if v := os.Getenv("RP_INTAKE_DEBOUNCE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Intake.Debounce = d
		}
	}
	if v := os.Getenv("RP_INTAKE_PHOTO_DIR"); v != "" {
		cfg.Intake.PhotoDir = v
	}
	if v := os.Getenv("RP_OCR_ENDPOINT"); v != "" {
		cfg.OCR.Endpoint = v
	}
	if v := os.Getenv("RP_OCR_PROJECT_ID"); v != "" {
		cfg.OCR.ProjectID = v
	}
	if v := os.Getenv("RP_OCR_LOCATION"); v != "" {
		cfg.OCR.Location = v
	}
	if v := os.Getenv("RP_OCR_PROCESSOR_ID"); v != "" {
		cfg.OCR.ProcessorID = v
	}
	if v := os.Getenv("RP_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("RP_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("RP_LLM_PROMPT_PATH"); v != "" {
		cfg.LLM.PromptPath = v
	}
	if v := os.Getenv("RP_PERSIST_AUDIT_DIR"); v != "" {
		cfg.Persist.AuditDir = v
	}
	if v := os.Getenv("RP_KAFKA_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Kafka.Enabled = enabled
		}
	}
	if v := os.Getenv("RP_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("RP_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("RP_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("RP_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("RP_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
}
