package config

import (
	"sort"
	"strings"

	"github.com/stavekit/partflow/internal/settings"
)

// Secret write sentinels. The admin API never returns stored secrets; it
// masks them with these markers, and accepts them back to mean "keep" and
// "clear" respectively.
const (
	SentinelSet   = "__SET__"
	SentinelUnset = "__UNSET__"
)

// Setting keys. The smart_upload_ prefix marks pipeline-specific keys; the
// llm_ prefix is shared with the wider application settings.
const (
	KeyProvider          = "llm_provider"
	KeyVisionModel       = "llm_vision_model"
	KeyVerificationModel = "llm_verification_model"

	KeyOllamaEndpoint      = "llm_ollama_endpoint"
	KeyCustomBaseURL       = "llm_custom_base_url"
	KeyGeminiEndpoint      = "llm_gemini_endpoint"
	KeyOllamaCloudEndpoint = "llm_ollama_cloud_endpoint"

	KeyVisionSystemPrompt       = "llm_vision_system_prompt"
	KeyVerificationSystemPrompt = "llm_verification_system_prompt"
	KeyHeaderLabelPrompt        = "smart_upload_header_label_prompt"
	KeyPromptVersion            = "llm_prompt_version"

	// KeyLegacyConfidence is the pre-rename threshold key, honored as a
	// fallback for KeySkipParseThreshold.
	KeyLegacyConfidence   = "llm_confidence_threshold"
	KeySkipParseThreshold = "smart_upload_confidence_threshold"

	KeyAutoApproveThreshold = "smart_upload_auto_approve_threshold"
	KeyAutonomousThreshold  = "smart_upload_autonomous_approval_threshold"
	KeyAutonomousMode       = "smart_upload_enable_fully_autonomous_mode"
	KeyTwoPassEnabled       = "llm_two_pass_enabled"

	KeyAllowedMIMETypes = "smart_upload_allowed_mime_types"
	KeySendFullPDF      = "smart_upload_send_full_pdf"
	KeyMaxPagesPerPart  = "smart_upload_max_pages_per_part"
	KeyMaxFileSizeBytes = "smart_upload_max_file_size_bytes"

	KeyVisionModelParams       = "vision_model_params"
	KeyVerificationModelParams = "verification_model_params"

	KeyBudgetMaxCalls       = "smart_upload_budget_max_llm_calls_per_session"
	KeyBudgetMaxInputTokens = "smart_upload_budget_max_input_tokens_per_session"
)

// APIKeySetting is the settings key holding the API key for a provider.
func APIKeySetting(provider string) string {
	return "llm_" + strings.ReplaceAll(provider, "-", "_") + "_api_key"
}

// secretKeys enumerates the settings whose values must never be echoed back.
var secretKeys = map[string]bool{
	APIKeySetting("openai"):       true,
	APIKeySetting("anthropic"):    true,
	APIKeySetting("gemini"):       true,
	APIKeySetting("openrouter"):   true,
	APIKeySetting("mistral"):      true,
	APIKeySetting("groq"):         true,
	APIKeySetting("ollama-cloud"): true,
	APIKeySetting("custom"):       true,
}

// IsSecret reports whether a key holds credential material.
func IsSecret(key string) bool { return secretKeys[key] }

type keySpec struct {
	defaultValue string
	description  string
}

// recognized is the closed set of accepted setting keys. Updates to keys
// outside this set are skipped, never stored.
var recognized = map[string]keySpec{
	KeyProvider:          {"ollama", "LLM provider used for vision analysis"},
	KeyVisionModel:       {"qwen2.5vl", "Model for the primary vision pass"},
	KeyVerificationModel: {"qwen2.5vl", "Model for the verification pass and header labelling"},

	KeyOllamaEndpoint:      {"http://localhost:11434", "Ollama server base URL"},
	KeyCustomBaseURL:       {"", "Base URL for the custom OpenAI-compatible provider"},
	KeyGeminiEndpoint:      {"", "Override for the Gemini API base URL"},
	KeyOllamaCloudEndpoint: {"", "Override for the Ollama Cloud base URL"},

	KeyVisionSystemPrompt:       {DefaultVisionPrompt, "System prompt for the primary vision pass"},
	KeyVerificationSystemPrompt: {DefaultVerificationPrompt, "System prompt for the verification pass"},
	KeyHeaderLabelPrompt:        {DefaultHeaderLabelPrompt, "System prompt for header-crop labelling"},
	KeyPromptVersion:            {DefaultPromptVersion, "Version tag recorded with each session's provenance"},

	KeyLegacyConfidence:   {"", "Deprecated alias of smart_upload_confidence_threshold"},
	KeySkipParseThreshold: {"70", "Minimum confidence to accept parsing without a second pass"},

	KeyAutoApproveThreshold: {"90", "Minimum final confidence for auto-approval"},
	KeyAutonomousThreshold:  {"95", "Minimum final confidence for autonomous commit"},
	KeyAutonomousMode:       {"false", "Allow fully autonomous commits without human review"},
	KeyTwoPassEnabled:       {"true", "Queue a verification pass for mid-confidence sessions"},

	KeyAllowedMIMETypes: {`["application/pdf"]`, "JSON array of accepted upload MIME types"},
	KeySendFullPDF:      {"false", "Attach the original PDF instead of page renders when the provider supports it"},
	KeyMaxPagesPerPart:  {"50", "Quality gate: maximum pages a single part may span"},
	KeyMaxFileSizeBytes: {"52428800", "Maximum accepted upload size in bytes"},

	KeyVisionModelParams:       {"{}", "JSON object merged into vision call payloads"},
	KeyVerificationModelParams: {"{}", "JSON object merged into verification call payloads"},

	KeyBudgetMaxCalls:       {"20", "Per-session cap on LLM calls"},
	KeyBudgetMaxInputTokens: {"200000", "Per-session cap on estimated input tokens"},
}

// IsRecognized reports whether key is an accepted setting.
func IsRecognized(key string) bool {
	if _, ok := recognized[key]; ok {
		return true
	}
	return secretKeys[key]
}

// DefaultValue returns the compiled-in default for a key, or "".
func DefaultValue(key string) string {
	return recognized[key].defaultValue
}

// Description returns the human-readable description for a key, or "".
func Description(key string) string {
	return recognized[key].description
}

// PromptKeys are the settings restored by the reset-prompts operation.
var PromptKeys = []string{
	KeyVisionSystemPrompt,
	KeyVerificationSystemPrompt,
	KeyHeaderLabelPrompt,
	KeyPromptVersion,
}

// DefaultRecords returns seed records for every recognized non-secret key.
// Secrets are never seeded.
func DefaultRecords() []settings.Record {
	keys := make([]string, 0, len(recognized))
	for key := range recognized {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	records := make([]settings.Record, 0, len(keys))
	for _, key := range keys {
		spec := recognized[key]
		desc := spec.description
		records = append(records, settings.Record{
			Key:         key,
			Value:       spec.defaultValue,
			Description: &desc,
		})
	}
	return records
}

// MaskValue replaces secret values with sentinels for API responses.
func MaskValue(key, value string) string {
	if !IsSecret(key) {
		return value
	}
	if value == "" {
		return SentinelUnset
	}
	return SentinelSet
}
