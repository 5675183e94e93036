package engine

import "fmt"

// Provider names accepted by Build.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// DefaultOllamaURL is used when an Ollama provider has no base URL.
const DefaultOllamaURL = "http://localhost:11434"

// Settings selects and configures the embedding and generation backends.
type Settings struct {
	EmbedProvider string
	EmbedBaseURL  string
	EmbedModel    string
	Dimension     int

	GenProvider       string
	GenBaseURL        string
	GenModel          string
	Temperature       float64
	RequestsPerSecond float64

	OpenAIKey    string
	AnthropicKey string
}

// Build constructs the configured backends. The generator is wrapped in a
// rate limiter when RequestsPerSecond is positive.
func Build(s Settings) (Embedder, Generator, error) {
	var emb Embedder
	switch s.EmbedProvider {
	case ProviderOllama, "":
		emb = NewOllama(OllamaConfig{BaseURL: orDefault(s.EmbedBaseURL, DefaultOllamaURL), EmbedModel: s.EmbedModel})
	case ProviderOpenAI:
		if s.OpenAIKey == "" && s.EmbedBaseURL == "" {
			return nil, nil, fmt.Errorf("embedding provider openai requires HELMSTREAM_OPENAI_API_KEY")
		}
		emb = NewOpenAI(OpenAIConfig{APIKey: s.OpenAIKey, BaseURL: s.EmbedBaseURL, EmbedModel: s.EmbedModel, Dimensions: s.Dimension})
	default:
		return nil, nil, fmt.Errorf("unsupported embedding provider %q", s.EmbedProvider)
	}

	var gen Generator
	switch s.GenProvider {
	case ProviderOllama, "":
		gen = NewOllama(OllamaConfig{BaseURL: orDefault(s.GenBaseURL, DefaultOllamaURL), ChatModel: s.GenModel, Temperature: s.Temperature})
	case ProviderOpenAI:
		if s.OpenAIKey == "" && s.GenBaseURL == "" {
			return nil, nil, fmt.Errorf("generation provider openai requires HELMSTREAM_OPENAI_API_KEY")
		}
		gen = NewOpenAI(OpenAIConfig{APIKey: s.OpenAIKey, BaseURL: s.GenBaseURL, ChatModel: s.GenModel, Temperature: s.Temperature})
	case ProviderAnthropic:
		if s.AnthropicKey == "" {
			return nil, nil, fmt.Errorf("generation provider anthropic requires HELMSTREAM_ANTHROPIC_API_KEY")
		}
		gen = NewAnthropic(AnthropicConfig{APIKey: s.AnthropicKey, BaseURL: s.GenBaseURL, Model: s.GenModel, Temperature: s.Temperature})
	default:
		return nil, nil, fmt.Errorf("unsupported generation provider %q", s.GenProvider)
	}

	return emb, NewRateLimited(gen, s.RequestsPerSecond, 1), nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
