package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
	kDuration
	kList
)

func (t keyType) String() string {
	switch t {
	case kInt:
		return "int"
	case kFloat:
		return "float"
	case kDuration:
		return "duration"
	case kList:
		return "list"
	default:
		return "string"
	}
}

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

func stringKey(key string, field func(*Config) *string) keySpec {
	return keySpec{
		key: key, typ: kString, env: envName(key),
		apply:   func(cfg *Config, v any) { *field(cfg) = v.(string) },
		extract: func(cfg Config) any { return *field(&cfg) },
	}
}

func intKey(key string, field func(*Config) *int) keySpec {
	return keySpec{
		key: key, typ: kInt, env: envName(key),
		apply:   func(cfg *Config, v any) { *field(cfg) = v.(int) },
		extract: func(cfg Config) any { return *field(&cfg) },
	}
}

func floatKey(key string, field func(*Config) *float64) keySpec {
	return keySpec{
		key: key, typ: kFloat, env: envName(key),
		apply:   func(cfg *Config, v any) { *field(cfg) = v.(float64) },
		extract: func(cfg Config) any { return *field(&cfg) },
	}
}

func durationKey(key string, field func(*Config) *time.Duration) keySpec {
	return keySpec{
		key: key, typ: kDuration, env: envName(key),
		apply:   func(cfg *Config, v any) { *field(cfg) = v.(time.Duration) },
		extract: func(cfg Config) any { return *field(&cfg) },
	}
}

func secretKey(env string, field func(*Config) *string) keySpec {
	return keySpec{
		key: strings.ToLower(strings.TrimPrefix(env, "HELMSTREAM_")), typ: kString, env: env, secret: true,
		apply:   func(cfg *Config, v any) { *field(cfg) = v.(string) },
		extract: func(cfg Config) any { return *field(&cfg) },
	}
}

// envName maps "retrieval.top_k" to "HELMSTREAM_RETRIEVAL_TOP_K".
func envName(key string) string {
	return "HELMSTREAM_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

var specs = []keySpec{
	stringKey("server.host", func(c *Config) *string { return &c.Server.Host }),
	intKey("server.port", func(c *Config) *int { return &c.Server.Port }),
	{
		key: "server.allowed_origins", typ: kList, env: envName("server.allowed_origins"),
		apply:   func(cfg *Config, v any) { cfg.Server.AllowedOrigins = v.([]string) },
		extract: func(cfg Config) any { return strings.Join(cfg.Server.AllowedOrigins, ",") },
	},
	stringKey("storage.data_dir", func(c *Config) *string { return &c.Storage.DataDir }),

	stringKey("embedding.provider", func(c *Config) *string { return &c.Embedding.Provider }),
	stringKey("embedding.base_url", func(c *Config) *string { return &c.Embedding.BaseURL }),
	stringKey("embedding.model", func(c *Config) *string { return &c.Embedding.Model }),
	intKey("embedding.dimension", func(c *Config) *int { return &c.Embedding.Dimension }),
	intKey("embedding.max_chars", func(c *Config) *int { return &c.Embedding.MaxChars }),
	durationKey("embedding.timeout", func(c *Config) *time.Duration { return &c.Embedding.Timeout }),

	stringKey("generation.provider", func(c *Config) *string { return &c.Generation.Provider }),
	stringKey("generation.base_url", func(c *Config) *string { return &c.Generation.BaseURL }),
	stringKey("generation.model", func(c *Config) *string { return &c.Generation.Model }),
	intKey("generation.max_tokens", func(c *Config) *int { return &c.Generation.MaxTokens }),
	intKey("generation.email_max_tokens", func(c *Config) *int { return &c.Generation.EmailMaxTokens }),
	floatKey("generation.temperature", func(c *Config) *float64 { return &c.Generation.Temperature }),
	durationKey("generation.timeout", func(c *Config) *time.Duration { return &c.Generation.Timeout }),
	floatKey("generation.requests_per_second", func(c *Config) *float64 { return &c.Generation.RequestsPerSecond }),

	intKey("retrieval.top_k", func(c *Config) *int { return &c.Retrieval.TopK }),
	intKey("retrieval.context_records", func(c *Config) *int { return &c.Retrieval.ContextRecords }),
	intKey("retrieval.document_chars", func(c *Config) *int { return &c.Retrieval.DocumentChars }),
	intKey("retrieval.email_chars", func(c *Config) *int { return &c.Retrieval.EmailChars }),
	intKey("retrieval.context_chars", func(c *Config) *int { return &c.Retrieval.ContextChars }),
	stringKey("retrieval.empty_policy", func(c *Config) *string { return &c.Retrieval.EmptyPolicy }),
	intKey("retrieval.parallel_threshold", func(c *Config) *int { return &c.Retrieval.ParallelThreshold }),
	stringKey("retrieval.vocabulary_file", func(c *Config) *string { return &c.Retrieval.VocabularyFile }),

	durationKey("content.fetch_timeout", func(c *Config) *time.Duration { return &c.Content.FetchTimeout }),

	stringKey("log.level", func(c *Config) *string { return &c.Log.Level }),
	stringKey("log.format", func(c *Config) *string { return &c.Log.Format }),

	secretKey("HELMSTREAM_ANTHROPIC_API_KEY", func(c *Config) *string { return &c.Secrets.AnthropicAPIKey }),
	secretKey("HELMSTREAM_OPENAI_API_KEY", func(c *Config) *string { return &c.Secrets.OpenAIAPIKey }),
	secretKey("HELMSTREAM_API_TOKEN", func(c *Config) *string { return &c.Secrets.APIToken }),
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts raw text to the Go type of a key.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(strings.TrimSpace(raw))
	case kFloat:
		return strconv.ParseFloat(strings.TrimSpace(raw), 64)
	case kDuration:
		return time.ParseDuration(strings.TrimSpace(raw))
	case kList:
		var out []string
		for part := range strings.SplitSeq(raw, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			return fmt.Errorf("invalid %s value for %s: %w", s.typ, s.key, err)
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			slog.Warn("ignoring unparsable environment variable", "env", s.env, "type", s.typ.String(), "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}
