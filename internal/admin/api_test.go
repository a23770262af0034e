package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/stavekit/partflow/internal/config"
	"github.com/stavekit/partflow/internal/settings"
)

func newTestAPI(t *testing.T) (*API, settings.Store) {
	t.Helper()
	store, err := settings.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Seed(context.Background(), config.DefaultRecords()))
	return &API{Store: store}, store
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestListSettingsMasksSecrets(t *testing.T) {
	api, store := newTestAPI(t)
	require.NoError(t, store.UpsertMany(context.Background(), []settings.Record{
		{Key: config.APIKeySetting("openai"), Value: "sk-plaintext-secret"},
	}, "test"))

	rec := doJSON(t, api.Router(), http.MethodGet, "/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.NotContains(t, body, "sk-plaintext-secret")

	found := false
	for _, s := range gjson.Get(body, "settings").Array() {
		if s.Get("key").String() == config.APIKeySetting("openai") {
			found = true
			assert.Equal(t, config.SentinelSet, s.Get("value").String())
		}
	}
	assert.True(t, found)
}

func TestUpdateSettingsSkipsUnknownKeys(t *testing.T) {
	api, store := newTestAPI(t)

	rec := doJSON(t, api.Router(), http.MethodPut, "/settings", map[string]any{
		"settings": []map[string]string{
			{"key": "totally_bogus", "value": "x"},
			{"key": config.KeyVisionModel, "value": "llava:13b"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, gjson.Get(rec.Body.String(), "success").Bool())
	assert.Equal(t, []string{config.KeyVisionModel}, gjsonStrings(rec.Body.String(), "updated"))
	assert.Equal(t, []string{"totally_bogus"}, gjsonStrings(rec.Body.String(), "skipped"))

	saved, ok, err := store.Get(context.Background(), config.KeyVisionModel)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "llava:13b", saved.Value)
}

func TestUpdateSettingsSetSentinelPreservesSecret(t *testing.T) {
	api, store := newTestAPI(t)
	require.NoError(t, store.UpsertMany(context.Background(), []settings.Record{
		{Key: config.APIKeySetting("openai"), Value: "sk-stored"},
	}, "test"))

	rec := doJSON(t, api.Router(), http.MethodPut, "/settings", map[string]any{
		"settings": []map[string]string{
			{"key": config.APIKeySetting("openai"), "value": config.SentinelSet},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, gjsonStrings(rec.Body.String(), "updated"))

	saved, ok, err := store.Get(context.Background(), config.APIKeySetting("openai"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sk-stored", saved.Value)
}

func TestUpdateSettingsRejectsInvalidConfiguration(t *testing.T) {
	api, store := newTestAPI(t)

	rec := doJSON(t, api.Router(), http.MethodPut, "/settings", map[string]any{
		"settings": []map[string]string{
			{"key": config.KeyProvider, "value": "acme"},
		},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, config.KeyProvider, gjson.Get(rec.Body.String(), "fields.0.field").String())

	// nothing was written
	saved, ok, err := store.Get(context.Background(), config.KeyProvider)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ollama", saved.Value)
}

func TestResetPromptsRestoresDefaults(t *testing.T) {
	api, store := newTestAPI(t)
	require.NoError(t, store.UpsertMany(context.Background(), []settings.Record{
		{Key: config.KeyVisionSystemPrompt, Value: "customized prompt"},
	}, "test"))

	rec := doJSON(t, api.Router(), http.MethodPost, "/settings/reset-prompts", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, gjson.Get(body, "success").Bool())
	assert.NotEmpty(t, gjson.Get(body, "message").String())
	assert.Equal(t,
		config.DefaultValue(config.KeyVisionSystemPrompt),
		gjson.Get(body, "prompts").Get(config.KeyVisionSystemPrompt).String())

	saved, ok, err := store.Get(context.Background(), config.KeyVisionSystemPrompt)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, config.DefaultValue(config.KeyVisionSystemPrompt), saved.Value)
}

func TestConnectionTestUnauthorized(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer upstream.Close()

	api, _ := newTestAPI(t)
	api.Client = upstream.Client()

	rec := doJSON(t, api.Router(), http.MethodPost, "/settings/test", map[string]string{
		"provider": "openai",
		"endpoint": upstream.URL,
		"apiKey":   "sk-bad",
		"model":    "gpt-4o",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, gjson.Get(rec.Body.String(), "ok").Bool())
	assert.Equal(t,
		"Connection failed: server responded with 401 — check your API key.",
		gjson.Get(rec.Body.String(), "error").String())
}

func TestConnectionTestListsModels(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"data":[{"id":"gpt-4o"},{"id":"gpt-4.1"}]}`))
	}))
	defer upstream.Close()

	api, _ := newTestAPI(t)
	api.Client = upstream.Client()

	rec := doJSON(t, api.Router(), http.MethodPost, "/settings/test", map[string]string{
		"provider": "openai",
		"endpoint": upstream.URL,
		"apiKey":   "sk-probe",
		"model":    "gpt-4o",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, gjson.Get(rec.Body.String(), "ok").Bool())
	assert.Equal(t, "Connection successful. 2 models available.", gjson.Get(rec.Body.String(), "message").String())
	assert.Equal(t, []string{"gpt-4o", "gpt-4.1"}, gjsonStrings(rec.Body.String(), "models"))
	assert.Equal(t, "Bearer sk-probe", gotAuth)
}

func TestConnectionTestUnknownProvider(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := doJSON(t, api.Router(), http.MethodPost, "/settings/test", map[string]string{
		"provider": "acme",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConnectionTestRequiresModel(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := doJSON(t, api.Router(), http.MethodPost, "/settings/test", map[string]string{
		"provider": "ollama",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "model")
}

func TestConnectionTestRequiresKeyForCloudProvider(t *testing.T) {
	api, store := newTestAPI(t)

	rec := doJSON(t, api.Router(), http.MethodPost, "/settings/test", map[string]string{
		"provider": "openai",
		"model":    "gpt-4o",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "apiKey")

	// a stored key satisfies the requirement
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"id":"gpt-4o"}]}`))
	}))
	defer upstream.Close()
	api.Client = upstream.Client()
	require.NoError(t, store.UpsertMany(context.Background(), []settings.Record{
		{Key: config.APIKeySetting("openai"), Value: "sk-stored"},
	}, "test"))

	rec = doJSON(t, api.Router(), http.MethodPost, "/settings/test", map[string]string{
		"provider": "openai",
		"endpoint": upstream.URL,
		"model":    "gpt-4o",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, gjson.Get(rec.Body.String(), "ok").Bool())
}

func TestConnectionTestRequiresEndpointForCustomProvider(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := doJSON(t, api.Router(), http.MethodPost, "/settings/test", map[string]string{
		"provider": "custom",
		"apiKey":   "sk-anything",
		"model":    "my-model",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "endpoint")
}

func TestCORSPreflight(t *testing.T) {
	api, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodOptions, "/settings", nil)
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "PUT")
}

type denyMutations struct{}

func (denyMutations) Authorize(_ *http.Request, mutating bool) error {
	if mutating {
		return errors.New("mutations require an admin session")
	}
	return nil
}

func TestAuthorizerGatesMutations(t *testing.T) {
	api, _ := newTestAPI(t)
	api.Auth = denyMutations{}

	rec := doJSON(t, api.Router(), http.MethodGet, "/settings", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, api.Router(), http.MethodPut, "/settings", map[string]any{"settings": []map[string]string{}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "admin session")
}

func gjsonStrings(body, path string) []string {
	var out []string
	for _, v := range gjson.Get(body, path).Array() {
		out = append(out, v.String())
	}
	return out
}
