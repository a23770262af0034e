// Package providers implements the vision-model provider layer.
//
// DESIGN: A static registry describes every supported provider (wire dialect,
// default endpoint, auth recipe, PDF capability). The dispatcher is a single
// entry point that shapes the request in the provider's dialect, attaches
// auth, POSTs it, and extracts the textual response.
//
// To add a provider: add a Meta row here. If it speaks a new dialect, add the
// dialect cases to the dispatcher's build/parse switches.
package providers

import (
	"fmt"
	"net/url"
	"strings"
)

// Dialect identifies the wire format a provider speaks.
type Dialect string

const (
	DialectOpenAICompat Dialect = "openai_compat"
	DialectAnthropic    Dialect = "anthropic_native"
	DialectGemini       Dialect = "gemini_native"
	DialectOllama       Dialect = "ollama_native"
)

// AuthScheme identifies how credentials are attached to requests.
type AuthScheme string

const (
	AuthNone     AuthScheme = "none"
	AuthBearer   AuthScheme = "bearer"     // Authorization: Bearer <key>
	AuthXAPIKey  AuthScheme = "x-api-key"  // x-api-key + anthropic-version
	AuthQueryKey AuthScheme = "query_key"  // ?key=<key>
)

// anthropicVersion is the Anthropic API version header value.
const anthropicVersion = "2023-06-01"

// Meta describes one supported provider.
type Meta struct {
	ID               string
	Dialect          Dialect
	DefaultEndpoint  string
	RequiresKey      bool
	SupportsPDFInput bool
	Auth             AuthScheme
}

// registry is the static table of supported providers.
var registry = map[string]Meta{
	"ollama": {
		ID:              "ollama",
		Dialect:         DialectOllama,
		DefaultEndpoint: "http://localhost:11434",
		RequiresKey:     false,
		Auth:            AuthNone,
	},
	"openai": {
		ID:              "openai",
		Dialect:         DialectOpenAICompat,
		DefaultEndpoint: "https://api.openai.com/v1",
		RequiresKey:     true,
		Auth:            AuthBearer,
	},
	"anthropic": {
		ID:              "anthropic",
		Dialect:         DialectAnthropic,
		DefaultEndpoint: "https://api.anthropic.com",
		RequiresKey:     true,
		Auth:            AuthXAPIKey,
	},
	"gemini": {
		ID:               "gemini",
		Dialect:          DialectGemini,
		DefaultEndpoint:  "https://generativelanguage.googleapis.com/v1beta",
		RequiresKey:      true,
		SupportsPDFInput: true,
		Auth:             AuthQueryKey,
	},
	"openrouter": {
		ID:              "openrouter",
		Dialect:         DialectOpenAICompat,
		DefaultEndpoint: "https://openrouter.ai/api/v1",
		RequiresKey:     true,
		Auth:            AuthBearer,
	},
	"mistral": {
		ID:              "mistral",
		Dialect:         DialectOpenAICompat,
		DefaultEndpoint: "https://api.mistral.ai/v1",
		RequiresKey:     true,
		Auth:            AuthBearer,
	},
	"groq": {
		ID:              "groq",
		Dialect:         DialectOpenAICompat,
		DefaultEndpoint: "https://api.groq.com/openai/v1",
		RequiresKey:     true,
		Auth:            AuthBearer,
	},
	"ollama-cloud": {
		ID:              "ollama-cloud",
		Dialect:         DialectOpenAICompat,
		DefaultEndpoint: "https://ollama.com/v1",
		RequiresKey:     true,
		Auth:            AuthBearer,
	},
	"custom": {
		ID:          "custom",
		Dialect:     DialectOpenAICompat,
		RequiresKey: true,
		Auth:        AuthBearer,
	},
}

// GetMeta returns the registry entry for a provider.
func GetMeta(provider string) (Meta, bool) {
	m, ok := registry[provider]
	return m, ok
}

// IsSupported reports whether the provider is in the registry.
func IsSupported(provider string) bool {
	_, ok := registry[provider]
	return ok
}

// DefaultEndpoint returns the provider's default endpoint base.
// Empty for "custom", which requires a user-supplied base URL.
func DefaultEndpoint(provider string) string {
	return registry[provider].DefaultEndpoint
}

// BuildAuthHeaders returns the headers carrying credentials for a provider.
// Query-key providers (Gemini) return no headers; the key travels in the URL.
func BuildAuthHeaders(provider, key string) map[string]string {
	headers := map[string]string{}
	switch registry[provider].Auth {
	case AuthBearer:
		if key != "" {
			headers["Authorization"] = "Bearer " + key
		}
	case AuthXAPIKey:
		if key != "" {
			headers["x-api-key"] = key
		}
		headers["anthropic-version"] = anthropicVersion
	}
	return headers
}

// ChatEndpoint returns the full chat/inference URL for a provider given its
// endpoint base. Gemini is handled by the dispatcher because its URL embeds
// the model name.
func ChatEndpoint(provider, base string) string {
	base = strings.TrimRight(base, "/")
	switch registry[provider].Dialect {
	case DialectOllama:
		return base + "/api/chat"
	case DialectAnthropic:
		return base + "/v1/messages"
	default:
		return base + "/chat/completions"
	}
}

// GenerateContentEndpoint returns the Gemini generateContent URL for a model.
func GenerateContentEndpoint(base, model, key string) string {
	base = strings.TrimRight(base, "/")
	return fmt.Sprintf("%s/models/%s:generateContent?key=%s", base, url.QueryEscape(model), url.QueryEscape(key))
}

// ModelsProbeEndpoint returns the URL used by the connectivity test to list
// models. Ollama's primary probe is /api/tags; callers fall back to
// /v1/models when it 404s.
func ModelsProbeEndpoint(provider, base, key string) string {
	base = strings.TrimRight(base, "/")
	switch provider {
	case "ollama":
		return base + "/api/tags"
	case "anthropic":
		return base + "/v1/models"
	case "gemini":
		return base + "/models?key=" + url.QueryEscape(key)
	default:
		return base + "/models"
	}
}

// OllamaProbeFallback is the secondary probe path for self-hosted Ollama
// servers running in OpenAI-compat mode.
func OllamaProbeFallback(base string) string {
	return strings.TrimRight(base, "/") + "/v1/models"
}
