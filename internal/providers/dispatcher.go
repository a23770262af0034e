// Dispatcher: the single entry point for vision-model inference.
//
// CallVisionModel serializes the request in the provider's wire dialect,
// attaches auth, POSTs it, and extracts the textual response plus token
// usage. Retries are NOT performed here; retry policy belongs to the job
// queue.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	// DefaultInferenceTimeout bounds a single model call.
	DefaultInferenceTimeout = 120 * time.Second

	// maxResponseSize prevents OOM on unexpectedly large API responses (10MB).
	maxResponseSize = 10 * 1024 * 1024

	// maxErrorBodyLen limits the upstream body snippet carried in errors.
	maxErrorBodyLen = 200
)

// ModelConfig identifies the provider, endpoint, credentials, and model for
// one call. The endpoint is the provider base URL, already resolved by the
// configuration loader.
type ModelConfig struct {
	Provider string
	Endpoint string
	APIKey   string
	Model    string
}

// Image is one page rendering sent to the model.
type Image struct {
	MimeType   string
	Base64Data string
	Label      string
}

// Document is a native PDF attachment. Only used when the provider meta
// advertises SupportsPDFInput and config enables it.
type Document struct {
	MimeType   string
	Base64Data string
	Name       string
}

// CallOptions tune a single call.
type CallOptions struct {
	System         string
	ResponseFormat string // "json" or "text"
	MaxTokens      int
	Temperature    float64
	// ModelParams is an opaque map merged into the provider payload after
	// dialect shaping. Keys overwrite shaped fields on collision.
	ModelParams map[string]any
	// JSONSchema is a structured-output schema. Only Ollama accepts it
	// (top-level "format"); other providers are steered via prompt and
	// response_format.
	JSONSchema json.RawMessage
	Documents  []Document
	Timeout    time.Duration
}

// Usage is the token accounting reported by the provider, when available.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Result is the dispatcher's output.
type Result struct {
	Content string
	Usage   Usage
}

// Caller is the narrow interface the processor depends on.
type Caller interface {
	CallVisionModel(ctx context.Context, cfg ModelConfig, images []Image, userPrompt string, opts CallOptions) (*Result, error)
}

// Dispatcher implements Caller over HTTP.
type Dispatcher struct {
	client *http.Client
}

// NewDispatcher creates a dispatcher. A nil client gets a default whose
// timeouts come from the per-call context.
func NewDispatcher(client *http.Client) *Dispatcher {
	if client == nil {
		client = &http.Client{} // timeout via context, not client
	}
	return &Dispatcher{client: client}
}

// CallVisionModel performs one inference call against the configured provider.
func (d *Dispatcher) CallVisionModel(ctx context.Context, cfg ModelConfig, images []Image, userPrompt string, opts CallOptions) (*Result, error) {
	meta, ok := GetMeta(cfg.Provider)
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
	if len(opts.Documents) > 0 && !meta.SupportsPDFInput {
		return nil, fmt.Errorf("provider %q does not accept native PDF input", cfg.Provider)
	}

	body, err := buildBody(meta.Dialect, cfg, images, userPrompt, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", cfg.Provider, err)
	}
	body, err = mergeModelParams(body, opts.ModelParams)
	if err != nil {
		return nil, fmt.Errorf("failed to merge model params: %w", err)
	}

	endpoint := ChatEndpoint(cfg.Provider, cfg.Endpoint)
	if meta.Dialect == DialectGemini {
		endpoint = GenerateContentEndpoint(cfg.Endpoint, cfg.Model, cfg.APIKey)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultInferenceTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", cfg.Provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range BuildAuthHeaders(cfg.Provider, cfg.APIKey) {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: %s request aborted", ErrCancelled, cfg.Provider)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, cfg.Provider, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s response: %v", ErrUnreachable, cfg.Provider, err)
	}

	if resp.StatusCode >= 400 {
		return nil, &RejectedError{
			Provider:   cfg.Provider,
			StatusCode: resp.StatusCode,
			Snippet:    scrubSnippet(respBody, cfg.APIKey),
		}
	}

	return parseBody(meta.Dialect, cfg.Provider, respBody)
}

var _ Caller = (*Dispatcher)(nil)

// mergeModelParams overlays the opaque model params onto the serialized body.
func mergeModelParams(body []byte, params map[string]any) ([]byte, error) {
	var err error
	for k, v := range params {
		body, err = sjson.SetBytes(body, k, v)
		if err != nil {
			return nil, err
		}
	}
	return body, nil
}

// scrubSnippet bounds the upstream error body and strips any credential
// material before it can reach logs or API responses.
func scrubSnippet(body []byte, key string) string {
	s := string(body)
	if key != "" {
		s = strings.ReplaceAll(s, key, "[redacted]")
	}
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > maxErrorBodyLen {
		s = s[:maxErrorBodyLen] + "... (truncated)"
	}
	return s
}

// =============================================================================
// REQUEST SHAPING
// =============================================================================

func buildBody(dialect Dialect, cfg ModelConfig, images []Image, userPrompt string, opts CallOptions) ([]byte, error) {
	switch dialect {
	case DialectAnthropic:
		return buildAnthropicBody(cfg, images, userPrompt, opts)
	case DialectGemini:
		return buildGeminiBody(images, userPrompt, opts)
	case DialectOllama:
		return buildOllamaBody(cfg, images, userPrompt, opts)
	default:
		return buildOpenAIBody(cfg, images, userPrompt, opts)
	}
}

func buildOpenAIBody(cfg ModelConfig, images []Image, userPrompt string, opts CallOptions) ([]byte, error) {
	content := make([]map[string]any, 0, len(images)+1)
	for _, img := range images {
		content = append(content, map[string]any{
			"type": "image_url",
			"image_url": map[string]any{
				"url": fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Base64Data),
			},
		})
	}
	content = append(content, map[string]any{"type": "text", "text": userPrompt})

	body := map[string]any{
		"model": cfg.Model,
		"messages": []map[string]any{
			{"role": "system", "content": opts.System},
			{"role": "user", "content": content},
		},
		"stream": false,
	}
	if opts.MaxTokens > 0 {
		body["max_tokens"] = opts.MaxTokens
	}
	if opts.Temperature > 0 {
		body["temperature"] = opts.Temperature
	}
	if opts.ResponseFormat == "json" {
		body["response_format"] = map[string]any{"type": "json_object"}
	}
	return json.Marshal(body)
}

func buildAnthropicBody(cfg ModelConfig, images []Image, userPrompt string, opts CallOptions) ([]byte, error) {
	content := make([]map[string]any, 0, len(images)+1)
	for _, img := range images {
		content = append(content, map[string]any{
			"type": "image",
			"source": map[string]any{
				"type":       "base64",
				"media_type": img.MimeType,
				"data":       img.Base64Data,
			},
		})
	}
	content = append(content, map[string]any{"type": "text", "text": userPrompt})

	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096 // the Messages API requires max_tokens
	}
	body := map[string]any{
		"model":      cfg.Model,
		"system":     opts.System,
		"max_tokens": maxTokens,
		"messages": []map[string]any{
			{"role": "user", "content": content},
		},
	}
	if opts.Temperature > 0 {
		body["temperature"] = opts.Temperature
	}
	return json.Marshal(body)
}

func buildGeminiBody(images []Image, userPrompt string, opts CallOptions) ([]byte, error) {
	parts := make([]map[string]any, 0, len(images)+len(opts.Documents)+1)
	for _, img := range images {
		parts = append(parts, map[string]any{
			"inline_data": map[string]any{
				"mime_type": img.MimeType,
				"data":      img.Base64Data,
			},
		})
	}
	for _, doc := range opts.Documents {
		parts = append(parts, map[string]any{
			"inline_data": map[string]any{
				"mime_type": doc.MimeType,
				"data":      doc.Base64Data,
			},
		})
	}
	parts = append(parts, map[string]any{"text": userPrompt})

	genCfg := map[string]any{
		"temperature": opts.Temperature,
	}
	if opts.MaxTokens > 0 {
		genCfg["maxOutputTokens"] = opts.MaxTokens
	}
	if opts.ResponseFormat == "json" {
		genCfg["responseMimeType"] = "application/json"
	}
	body := map[string]any{
		"contents": []map[string]any{
			{"parts": parts},
		},
		"systemInstruction": map[string]any{
			"parts": []map[string]any{{"text": opts.System}},
		},
		"generationConfig": genCfg,
	}
	return json.Marshal(body)
}

func buildOllamaBody(cfg ModelConfig, images []Image, userPrompt string, opts CallOptions) ([]byte, error) {
	imgs := make([]string, 0, len(images))
	for _, img := range images {
		imgs = append(imgs, img.Base64Data)
	}
	userMsg := map[string]any{"role": "user", "content": userPrompt}
	if len(imgs) > 0 {
		userMsg["images"] = imgs
	}

	options := map[string]any{}
	if opts.Temperature > 0 {
		options["temperature"] = opts.Temperature
	}
	if opts.MaxTokens > 0 {
		options["num_predict"] = opts.MaxTokens
	}
	body := map[string]any{
		"model": cfg.Model,
		"messages": []map[string]any{
			{"role": "system", "content": opts.System},
			userMsg,
		},
		"stream": false,
	}
	if len(options) > 0 {
		body["options"] = options
	}
	if opts.ResponseFormat == "json" {
		if len(opts.JSONSchema) > 0 {
			body["format"] = json.RawMessage(opts.JSONSchema)
		} else {
			body["format"] = "json"
		}
	}
	return json.Marshal(body)
}

// =============================================================================
// RESPONSE PARSING
// =============================================================================

func parseBody(dialect Dialect, provider string, body []byte) (*Result, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: %s returned non-JSON body", ErrMalformedResponse, provider)
	}

	result := &Result{}
	switch dialect {
	case DialectAnthropic:
		var sb strings.Builder
		for _, block := range gjson.GetBytes(body, "content").Array() {
			if block.Get("type").String() == "text" {
				sb.WriteString(block.Get("text").String())
			}
		}
		result.Content = sb.String()
		result.Usage.InputTokens = int(gjson.GetBytes(body, "usage.input_tokens").Int())
		result.Usage.OutputTokens = int(gjson.GetBytes(body, "usage.output_tokens").Int())

	case DialectGemini:
		var sb strings.Builder
		for _, part := range gjson.GetBytes(body, "candidates.0.content.parts").Array() {
			sb.WriteString(part.Get("text").String())
		}
		result.Content = sb.String()
		result.Usage.InputTokens = int(gjson.GetBytes(body, "usageMetadata.promptTokenCount").Int())
		result.Usage.OutputTokens = int(gjson.GetBytes(body, "usageMetadata.candidatesTokenCount").Int())

	case DialectOllama:
		result.Content = gjson.GetBytes(body, "message.content").String()
		result.Usage.InputTokens = int(gjson.GetBytes(body, "prompt_eval_count").Int())
		result.Usage.OutputTokens = int(gjson.GetBytes(body, "eval_count").Int())

	default:
		result.Content = gjson.GetBytes(body, "choices.0.message.content").String()
		result.Usage.InputTokens = int(gjson.GetBytes(body, "usage.prompt_tokens").Int())
		result.Usage.OutputTokens = int(gjson.GetBytes(body, "usage.completion_tokens").Int())
	}

	if result.Content == "" {
		return nil, fmt.Errorf("%w: %s response carried no content", ErrMalformedResponse, provider)
	}
	return result, nil
}
