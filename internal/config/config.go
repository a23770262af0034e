// Package config loads and validates the smart upload runtime configuration.
//
// DESIGN: Settings live in the persistent settings store. Missing keys fall
// back to environment variables (key name uppercased), then to compiled-in
// defaults. Each job takes one frozen snapshot at start; stale reads across
// concurrent jobs are acceptable.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/stavekit/partflow/internal/providers"
	"github.com/stavekit/partflow/internal/settings"
)

// Runtime is the frozen per-job configuration.
type Runtime struct {
	Provider          string
	VisionModel       string
	VerificationModel string
	Endpoint          string
	APIKey            string

	SkipParseThreshold          int
	AutoApproveThreshold        int
	AutonomousApprovalThreshold int
	EnableFullyAutonomousMode   bool
	TwoPassEnabled              bool

	SendFullPDFToLLM bool
	MaxPagesPerPart  int
	MaxFileSizeBytes int64
	AllowedMIMETypes []string

	BudgetMaxLLMCalls    int
	BudgetMaxInputTokens int

	VisionSystemPrompt       string
	VerificationSystemPrompt string
	HeaderLabelPrompt        string
	PromptVersion            string

	VisionModelParams       map[string]any
	VerificationModelParams map[string]any
}

// Load snapshots the settings store, overlays environment variables and
// defaults, resolves the provider endpoint, and validates the result.
func Load(ctx context.Context, store settings.Store) (*Runtime, error) {
	records, err := store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	values := map[string]string{}
	for _, rec := range records {
		values[rec.Key] = rec.Value
	}
	return FromValues(values)
}

// FromValues builds a Runtime from a raw key/value snapshot. Exported for the
// admin API's strict validation of merged updates.
func FromValues(values map[string]string) (*Runtime, error) {
	// raw resolves store then environment, without the compiled-in default,
	// so callers can distinguish "unset" from "set to the default".
	raw := func(key string) string {
		if v, ok := values[key]; ok && v != "" {
			return v
		}
		return os.Getenv(strings.ToUpper(key))
	}
	get := func(key string) string {
		if v := raw(key); v != "" {
			return v
		}
		return DefaultValue(key)
	}

	cfg := &Runtime{
		Provider:                 get(KeyProvider),
		VisionModel:              get(KeyVisionModel),
		VerificationModel:        get(KeyVerificationModel),
		VisionSystemPrompt:       get(KeyVisionSystemPrompt),
		VerificationSystemPrompt: get(KeyVerificationSystemPrompt),
		HeaderLabelPrompt:        get(KeyHeaderLabelPrompt),
		PromptVersion:            get(KeyPromptVersion),
	}

	cfg.APIKey = get(APIKeySetting(cfg.Provider))
	cfg.Endpoint = ResolveEndpoint(cfg.Provider, userEndpoint(cfg.Provider, get))

	// The renamed threshold key wins; the legacy key applies only when the
	// new one is unset anywhere.
	skip := raw(KeySkipParseThreshold)
	if skip == "" {
		skip = raw(KeyLegacyConfidence)
	}
	cfg.SkipParseThreshold = atoiDefault(skip, 70)
	cfg.AutoApproveThreshold = atoiDefault(get(KeyAutoApproveThreshold), 90)
	cfg.AutonomousApprovalThreshold = atoiDefault(get(KeyAutonomousThreshold), 95)
	cfg.EnableFullyAutonomousMode = parseBool(get(KeyAutonomousMode))
	cfg.TwoPassEnabled = parseBool(get(KeyTwoPassEnabled))

	cfg.SendFullPDFToLLM = parseBool(get(KeySendFullPDF))
	cfg.MaxPagesPerPart = atoiDefault(get(KeyMaxPagesPerPart), 50)
	cfg.MaxFileSizeBytes = int64(atoiDefault(get(KeyMaxFileSizeBytes), 52428800))
	cfg.BudgetMaxLLMCalls = atoiDefault(get(KeyBudgetMaxCalls), 20)
	cfg.BudgetMaxInputTokens = atoiDefault(get(KeyBudgetMaxInputTokens), 200000)

	// Raw JSON fields surface as field errors rather than silent fallbacks.
	var errs []*FieldError
	if err := json.Unmarshal([]byte(get(KeyAllowedMIMETypes)), &cfg.AllowedMIMETypes); err != nil {
		errs = append(errs, &FieldError{Field: KeyAllowedMIMETypes, Reason: "must be a JSON array of strings"})
	}
	cfg.VisionModelParams = map[string]any{}
	if err := json.Unmarshal([]byte(get(KeyVisionModelParams)), &cfg.VisionModelParams); err != nil {
		errs = append(errs, &FieldError{Field: KeyVisionModelParams, Reason: "must be a JSON object"})
	}
	cfg.VerificationModelParams = map[string]any{}
	if err := json.Unmarshal([]byte(get(KeyVerificationModelParams)), &cfg.VerificationModelParams); err != nil {
		errs = append(errs, &FieldError{Field: KeyVerificationModelParams, Reason: "must be a JSON object"})
	}

	errs = append(errs, cfg.validate()...)
	if err := joinFieldErrors(errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

// userEndpoint returns the user-supplied endpoint for providers that accept
// one. Other providers always use the registry default.
func userEndpoint(provider string, get func(string) string) string {
	switch provider {
	case "ollama":
		return get(KeyOllamaEndpoint)
	case "custom":
		return get(KeyCustomBaseURL)
	case "gemini":
		return get(KeyGeminiEndpoint)
	case "ollama-cloud":
		return get(KeyOllamaCloudEndpoint)
	}
	return ""
}

var versionSegment = regexp.MustCompile(`/v\d+(/|$)`)

// ResolveEndpoint normalizes a provider endpoint. User-supplied endpoints are
// stripped of trailing slashes; absent ones fall back to the registry
// default. Gemini endpoints must end with /v1beta, and ollama-cloud endpoints
// must carry a version segment.
func ResolveEndpoint(provider, endpoint string) string {
	endpoint = strings.TrimRight(endpoint, "/")
	if endpoint == "" {
		endpoint = providers.DefaultEndpoint(provider)
	}
	switch provider {
	case "gemini":
		if endpoint != "" && !strings.HasSuffix(endpoint, "/v1beta") {
			endpoint += "/v1beta"
		}
	case "ollama-cloud":
		if endpoint != "" && !versionSegment.MatchString(endpoint) {
			endpoint += "/v1"
		}
	}
	return endpoint
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return n
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(s))
	return b
}
