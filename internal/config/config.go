// Package config loads HelmStream settings from defaults, a JSON config
// file, a .env file and HELMSTREAM_* environment variables, in that order.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Embedding  EmbeddingConfig
	Generation GenerationConfig
	Retrieval  RetrievalConfig
	Content    ContentConfig
	Log        LogConfig
	Secrets    Secrets
}

type ServerConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string
}

type StorageConfig struct {
	DataDir string
}

type EmbeddingConfig struct {
	Provider  string
	BaseURL   string
	Model     string
	Dimension int
	MaxChars  int
	Timeout   time.Duration
}

type GenerationConfig struct {
	Provider          string
	BaseURL           string
	Model             string
	MaxTokens         int
	EmailMaxTokens    int
	Temperature       float64
	Timeout           time.Duration
	RequestsPerSecond float64
}

type RetrievalConfig struct {
	TopK              int
	ContextRecords    int
	DocumentChars     int
	EmailChars        int
	ContextChars      int
	EmptyPolicy       string
	ParallelThreshold int
	VocabularyFile    string
}

type ContentConfig struct {
	FetchTimeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// Secrets are read from the environment only and never written to the
// config file.
type Secrets struct {
	AnthropicAPIKey string
	OpenAIAPIKey    string
	APIToken        string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8000,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Embedding: EmbeddingConfig{
			Provider:  "ollama",
			BaseURL:   "http://localhost:11434",
			Model:     "nomic-embed-text",
			Dimension: 768,
			MaxChars:  25000,
			Timeout:   30 * time.Second,
		},
		Generation: GenerationConfig{
			Provider:       "anthropic",
			Model:          "claude-3-5-sonnet-latest",
			MaxTokens:      1024,
			EmailMaxTokens: 1500,
			Temperature:    0.7,
			Timeout:        60 * time.Second,
		},
		Retrieval: RetrievalConfig{
			TopK:              5,
			ContextRecords:    3,
			DocumentChars:     2000,
			EmailChars:        1500,
			ContextChars:      8000,
			EmptyPolicy:       "short_circuit",
			ParallelThreshold: 2048,
		},
		Content: ContentConfig{
			FetchTimeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from the config file at FilePath, a .env file in
// the working directory and HELMSTREAM_* environment variables. Variables
// already set in the environment win over .env entries.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not load .env file", "error", err)
	}
	return loadWith(newFileBackend(FilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings that cannot produce a working server.
func (c Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	case c.Embedding.Dimension <= 0:
		return fmt.Errorf("embedding.dimension must be positive, got %d", c.Embedding.Dimension)
	case c.Retrieval.TopK <= 0 || c.Retrieval.TopK > 100:
		return fmt.Errorf("retrieval.top_k must be between 1 and 100, got %d", c.Retrieval.TopK)
	case c.Retrieval.EmptyPolicy != "short_circuit" && c.Retrieval.EmptyPolicy != "generate":
		return fmt.Errorf("retrieval.empty_policy must be short_circuit or generate, got %q", c.Retrieval.EmptyPolicy)
	case c.Log.Format != "text" && c.Log.Format != "json":
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// LogLevel parses Log.Level, defaulting to info.
func (c Config) LogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// DataDir returns the absolute storage directory.
func (c Config) DataDir() string {
	if abs, err := filepath.Abs(c.Storage.DataDir); err == nil {
		return abs
	}
	return c.Storage.DataDir
}
