package gemini_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"luraaya/apps/backend/internal/adapter/gemini"
)

func candidates(text string) map[string]interface{} {
	return map[string]interface{}{
		"candidates": []map[string]interface{}{
			{
				"content": map[string]interface{}{
					"role":  "model",
					"parts": []map[string]interface{}{{"text": text}},
				},
				"finishReason": "STOP",
			},
		},
	}
}

func TestGenerator_Generate(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(candidates("  Dein Tag wird leuchten.  "))
	}))
	defer ts.Close()

	gen, err := gemini.NewGenerator(context.Background(), "test-key", "", option.WithEndpoint(ts.URL))
	require.NoError(t, err)
	defer gen.Close()

	text, err := gen.Generate(context.Background(), "You are Luraaya.", "Name: Ada")
	require.NoError(t, err)
	assert.Equal(t, "Dein Tag wird leuchten.", text)
	assert.True(t, strings.Contains(gotPath, gemini.DefaultModel), gotPath)
	assert.Contains(t, gotBody, "systemInstruction")
}

func TestGenerator_EmptyResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(candidates("   "))
	}))
	defer ts.Close()

	gen, err := gemini.NewGenerator(context.Background(), "test-key", "gemini-test", option.WithEndpoint(ts.URL))
	require.NoError(t, err)
	defer gen.Close()

	_, err = gen.Generate(context.Background(), "", "hello")
	assert.ErrorIs(t, err, gemini.ErrEmptyResponse)
}

func TestGenerator_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{"code": 429, "message": "quota", "status": "RESOURCE_EXHAUSTED"},
		})
	}))
	defer ts.Close()

	gen, err := gemini.NewGenerator(context.Background(), "test-key", "", option.WithEndpoint(ts.URL))
	require.NoError(t, err)
	defer gen.Close()

	_, err = gen.Generate(context.Background(), "", "hello")
	assert.Error(t, err)
}
