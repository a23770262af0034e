// Package admin exposes the settings HTTP API.
//
// Four operations: list settings (secrets masked), bulk update (recognized
// keys only, secret sentinels honored, strict validation, transactional
// upsert of changed keys), reset prompts to compiled-in defaults, and a
// provider connectivity probe. Authorization is delegated to the hosting
// application through the Authorizer interface.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/stavekit/partflow/internal/audit"
	"github.com/stavekit/partflow/internal/config"
	"github.com/stavekit/partflow/internal/providers"
	"github.com/stavekit/partflow/internal/settings"
)

// probeTimeout bounds the connectivity test request.
const probeTimeout = 10 * time.Second

// maxBodySize bounds accepted request bodies (1MB covers the largest
// realistic prompt update).
const maxBodySize = 1 << 20

// Authorizer gates access to the API. The hosting application supplies the
// real implementation (session check, permission, CSRF on mutations).
type Authorizer interface {
	Authorize(r *http.Request, mutating bool) error
}

// AllowAll authorizes everything. Standalone/test use only.
type AllowAll struct{}

// Authorize always succeeds.
func (AllowAll) Authorize(*http.Request, bool) error { return nil }

var _ Authorizer = AllowAll{}

// API serves the settings endpoints.
type API struct {
	Store  settings.Store
	Audit  audit.Sink
	Auth   Authorizer
	Client *http.Client // probe client; nil gets a default
}

// Router mounts the endpoints.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(corsPreflight)
	r.Get("/settings", a.handleList)
	r.Put("/settings", a.handleUpdate)
	r.Post("/settings/reset-prompts", a.handleResetPrompts)
	r.Post("/settings/test", a.handleTest)
	return r
}

// corsPreflight answers OPTIONS requests and attaches the CORS headers the
// hosting frontend expects.
func corsPreflight(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, PUT, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Actor")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) authorize(w http.ResponseWriter, r *http.Request, mutating bool) bool {
	auth := a.Auth
	if auth == nil {
		auth = AllowAll{}
	}
	if err := auth.Authorize(r, mutating); err != nil {
		writeJSON(w, http.StatusForbidden, map[string]any{"error": err.Error()})
		return false
	}
	return true
}

// =============================================================================
// GET /settings
// =============================================================================

// maskedRecord is the wire shape of one setting. Secret values are replaced
// with sentinels; plaintext secrets never leave the store through this API.
type maskedRecord struct {
	Key         string  `json:"key"`
	Value       string  `json:"value"`
	Description *string `json:"description"`
	UpdatedAt   string  `json:"updatedAt"`
	UpdatedBy   *string `json:"updatedBy"`
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	if !a.authorize(w, r, false) {
		return
	}
	records, err := a.Store.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to read settings"})
		return
	}
	out := make([]maskedRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, maskedRecord{
			Key:         rec.Key,
			Value:       config.MaskValue(rec.Key, rec.Value),
			Description: rec.Description,
			UpdatedAt:   rec.UpdatedAt.UTC().Format(time.RFC3339),
			UpdatedBy:   rec.UpdatedBy,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": out})
}

// =============================================================================
// PUT /settings
// =============================================================================

type settingUpdate struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type updateRequest struct {
	Settings []settingUpdate `json:"settings"`
}

func (a *API) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if !a.authorize(w, r, true) {
		return
	}
	var req updateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	// Unknown keys are skipped, never stored and never an error.
	var skipped []string
	incoming := make([]settings.Record, 0, len(req.Settings))
	for _, s := range req.Settings {
		if !config.IsRecognized(s.Key) {
			skipped = append(skipped, s.Key)
			continue
		}
		incoming = append(incoming, settings.Record{Key: s.Key, Value: s.Value})
	}

	existing, err := a.Store.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to read settings"})
		return
	}

	merged, changed := config.Merge(existing, incoming)

	// Strict validation over the full merged snapshot: an update that would
	// leave the configuration unloadable is rejected wholesale.
	values := make(map[string]string, len(merged))
	for _, rec := range merged {
		values[rec.Key] = rec.Value
	}
	if _, err := config.FromValues(values); err != nil {
		fields := make([]map[string]string, 0)
		for _, fe := range config.FieldErrors(err) {
			fields = append(fields, map[string]string{"field": fe.Field, "reason": fe.Reason})
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "configuration validation failed",
			"fields": fields,
		})
		return
	}

	if len(changed) > 0 {
		changedSet := make(map[string]bool, len(changed))
		for _, key := range changed {
			changedSet[key] = true
		}
		toWrite := make([]settings.Record, 0, len(changed))
		for _, rec := range merged {
			if changedSet[rec.Key] {
				toWrite = append(toWrite, rec)
			}
		}
		actor := actorFrom(r)
		if err := a.Store.UpsertMany(r.Context(), toWrite, actor); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to persist settings"})
			return
		}
		a.record(r.Context(), "settings.updated", actor, true, map[string]any{"changed": changed})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"updated": orEmpty(changed),
		"skipped": orEmpty(skipped),
	})
}

// =============================================================================
// POST /settings/reset-prompts
// =============================================================================

func (a *API) handleResetPrompts(w http.ResponseWriter, r *http.Request) {
	if !a.authorize(w, r, true) {
		return
	}
	records := make([]settings.Record, 0, len(config.PromptKeys))
	values := make(map[string]string, len(config.PromptKeys))
	for _, key := range config.PromptKeys {
		records = append(records, settings.Record{Key: key, Value: config.DefaultValue(key)})
		values[key] = config.DefaultValue(key)
	}
	actor := actorFrom(r)
	if err := a.Store.UpsertMany(r.Context(), records, actor); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to reset prompts"})
		return
	}
	a.record(r.Context(), "settings.prompts_reset", actor, true, nil)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Prompts restored to defaults.",
		"prompts": values,
	})
}

// =============================================================================
// POST /settings/test
// =============================================================================

type testRequest struct {
	Provider string `json:"provider"`
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"apiKey"`
	Model    string `json:"model"`
}

func (a *API) handleTest(w http.ResponseWriter, r *http.Request) {
	if !a.authorize(w, r, true) {
		return
	}
	var req testRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if !providers.IsSupported(req.Provider) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": fmt.Sprintf("unknown provider %q", req.Provider)})
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "model is required"})
		return
	}

	// The sentinel (or an empty key) means "probe with the stored key".
	key := req.APIKey
	if key == "" || key == config.SentinelSet {
		if rec, ok, err := a.Store.Get(r.Context(), config.APIKeySetting(req.Provider)); err == nil && ok {
			key = rec.Value
		} else {
			key = ""
		}
	}
	meta, _ := providers.GetMeta(req.Provider)
	if meta.RequiresKey && key == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "apiKey is required for this provider"})
		return
	}

	endpoint := config.ResolveEndpoint(req.Provider, req.Endpoint)
	if req.Provider == "custom" && endpoint == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "endpoint is required for the custom provider"})
		return
	}
	ok, message, models := a.probe(r.Context(), req.Provider, endpoint, key)

	a.record(r.Context(), "settings.connection_test", actorFrom(r), ok, map[string]any{"provider": req.Provider})
	if ok {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": message, "models": orEmpty(models)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": message})
}

// probe lists the provider's models. Never persists anything; the response
// never carries request headers or the key.
func (a *API) probe(ctx context.Context, provider, endpoint, key string) (bool, string, []string) {
	status, body, err := a.probeURL(ctx, provider, providers.ModelsProbeEndpoint(provider, endpoint, key), key)
	if err != nil {
		return false, "Connection failed: " + probeErrorSummary(err), nil
	}
	// Self-hosted Ollama behind a proxy sometimes only exposes the
	// OpenAI-compat surface.
	if provider == "ollama" && status == http.StatusNotFound {
		status, body, err = a.probeURL(ctx, provider, providers.OllamaProbeFallback(endpoint), key)
		if err != nil {
			return false, "Connection failed: " + probeErrorSummary(err), nil
		}
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return false, fmt.Sprintf("Connection failed: server responded with %d — check your API key.", status), nil
	case status >= 400:
		return false, fmt.Sprintf("Connection failed: server responded with %d.", status), nil
	}

	models := modelNames(provider, body)
	return true, fmt.Sprintf("Connection successful. %d models available.", len(models)), models
}

func (a *API) probeURL(ctx context.Context, provider, url, key string) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}
	for k, v := range providers.BuildAuthHeaders(provider, key) {
		req.Header.Set(k, v)
	}

	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	return resp.StatusCode, body, nil
}

func probeErrorSummary(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "the server did not respond within 10 seconds."
	}
	return "the server could not be reached."
}

// modelNames extracts model identifiers from a models-list response.
func modelNames(provider string, body []byte) []string {
	if !gjson.ValidBytes(body) {
		return nil
	}
	var path string
	switch provider {
	case "ollama", "gemini":
		path = "models.#.name"
	default:
		path = "data.#.id"
	}
	var names []string
	for _, m := range gjson.GetBytes(body, path).Array() {
		if m.String() != "" {
			names = append(names, m.String())
		}
	}
	return names
}

// =============================================================================
// HELPERS
// =============================================================================

func (a *API) record(ctx context.Context, action, actor string, success bool, detail map[string]any) {
	if a.Audit == nil {
		return
	}
	a.Audit.Record(ctx, audit.Event{Action: action, Actor: actor, Success: success, Detail: detail})
}

func actorFrom(r *http.Request) string {
	if actor := r.Header.Get("X-Actor"); actor != "" {
		return actor
	}
	return "admin"
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warn().Err(err).Msg("failed to encode API response")
	}
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
