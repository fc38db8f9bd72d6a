package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

type Config struct {
	Host     string `mapstructure:"DB_HOST"`
	User     string `mapstructure:"DB_USER"`
	Password string `mapstructure:"DB_PASSWORD"`
	Name     string `mapstructure:"DB_NAME"`
	DBPort   string `mapstructure:"DB_PORT"`
	Storage  string `mapstructure:"STORAGE"`

	ServerPort     string   `mapstructure:"SERVER_PORT"`
	Environment    string   `mapstructure:"ENVIRONMENT"`
	LogLevel       string   `mapstructure:"LOG_LEVEL"`
	JWTKey         string   `mapstructure:"JWT_KEY"`
	AllowedOrigins []string `mapstructure:"ALLOWED_ORIGINS"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	S3Endpoint        string `mapstructure:"S3_ENDPOINT"`
	S3Region          string `mapstructure:"S3_REGION"`
	S3AccessKeyID     string `mapstructure:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `mapstructure:"S3_SECRET_ACCESS_KEY"`
	S3BucketName      string `mapstructure:"S3_BUCKET_NAME"`

	// Параметры ядра чата
	ForwardMaxDepth int           `mapstructure:"FORWARD_MAX_DEPTH"`
	GroupWindow     time.Duration `mapstructure:"GROUP_WINDOW"`
	TypingTTL       time.Duration `mapstructure:"TYPING_TTL"`
	DeliveryGrace   time.Duration `mapstructure:"DELIVERY_GRACE"`
	PresenceTTL     time.Duration `mapstructure:"PRESENCE_TTL"`
	MaxFileSizeRaw  string        `mapstructure:"MAX_FILE_SIZE"`

	MaxFileSize int64 `mapstructure:"-"`
}

var defaults = map[string]any{
	"DB_HOST":              "",
	"DB_USER":              "",
	"DB_PASSWORD":          "",
	"DB_NAME":              "",
	"DB_PORT":              "",
	"STORAGE":              StorageMemory,
	"SERVER_PORT":          "8080",
	"ENVIRONMENT":          "development",
	"LOG_LEVEL":            "info",
	"JWT_KEY":              "",
	"ALLOWED_ORIGINS":      "*",
	"REDIS_ADDR":           "",
	"REDIS_PASSWORD":       "",
	"REDIS_DB":             0,
	"S3_ENDPOINT":          "",
	"S3_REGION":            "us-east-1",
	"S3_ACCESS_KEY_ID":     "",
	"S3_SECRET_ACCESS_KEY": "",
	"S3_BUCKET_NAME":       "",
	"FORWARD_MAX_DEPTH":    5,
	"GROUP_WINDOW":         "5m",
	"TYPING_TTL":           "3s",
	"DELIVERY_GRACE":       "1s",
	"PRESENCE_TTL":         "30m",
	"MAX_FILE_SIZE":        "25MB",
}

// Load читает конфигурацию из .env и переменных окружения
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile читает конфигурацию из указанного файла; отсутствующий файл не ошибка
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	v.AutomaticEnv()

	// без значений по умолчанию viper не отдает ключи окружения в Unmarshal
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) normalize() error {
	c.Storage = strings.ToLower(strings.TrimSpace(c.Storage))

	size, err := humanize.ParseBytes(c.MaxFileSizeRaw)
	if err != nil {
		n, perr := strconv.ParseInt(strings.TrimSpace(c.MaxFileSizeRaw), 10, 64)
		if perr != nil {
			return fmt.Errorf("invalid MAX_FILE_SIZE %q: %w", c.MaxFileSizeRaw, err)
		}
		size = uint64(n)
	}
	c.MaxFileSize = int64(size)

	origins := make([]string, 0, len(c.AllowedOrigins))
	for _, raw := range c.AllowedOrigins {
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
	}
	c.AllowedOrigins = origins

	return nil
}

func (c *Config) validate() error {
	switch c.Storage {
	case StorageMemory:
	case StoragePostgres:
		if c.User == "" {
			return fmt.Errorf("DB_USER is required")
		}

		if c.Password == "" {
			return fmt.Errorf("DB_PASSWORD is required")
		}

		if c.Name == "" {
			return fmt.Errorf("DB_NAME is required")
		}

		if c.DBPort == "" {
			return fmt.Errorf("DB_PORT is required")
		}

		if c.Host == "" {
			return fmt.Errorf("DB_HOST is required")
		}
	default:
		return fmt.Errorf("unknown STORAGE %q", c.Storage)
	}

	if c.ServerPort == "" {
		return fmt.Errorf("SERVER_PORT is required")
	}

	if c.IsProduction() && c.JWTKey == "" {
		return fmt.Errorf("JWT_KEY is required in production")
	}

	if c.ForwardMaxDepth < 1 {
		return fmt.Errorf("FORWARD_MAX_DEPTH must be positive")
	}

	if c.GroupWindow <= 0 || c.TypingTTL <= 0 || c.DeliveryGrace <= 0 || c.PresenceTTL <= 0 {
		return fmt.Errorf("GROUP_WINDOW, TYPING_TTL, DELIVERY_GRACE and PRESENCE_TTL must be positive")
	}

	return nil
}

// DSN строка подключения к Postgres
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
		c.Host, c.User, c.Password, c.Name, c.DBPort)
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}
