package websearch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBackendSelection(t *testing.T) {
	tests := []struct {
		backend string
		name    string
		wantErr bool
	}{
		{"", "none", false},
		{"none", "none", false},
		{"brave", "brave", false},
		{"tavily", "tavily", false},
		{"serpapi", "serpapi", false},
		{"altavista", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			s, err := New(Config{Backend: tt.backend, APIKey: "k"})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.name, s.Name())
		})
	}
}

func TestNullSearcherReturnsNothing(t *testing.T) {
	s, err := New(Config{})
	require.NoError(t, err)

	results, err := s.Search(context.Background(), "anything", 5)
	require.NoError(t, err, "no backend is not an error")
	assert.Empty(t, results)
}

func TestBraveSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Subscription-Token"))
		assert.Equal(t, "golang sqlite", r.URL.Query().Get("q"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"web": map[string]interface{}{
				"results": []map[string]string{
					{"title": "first", "url": "https://a.example", "description": "snippet a"},
					{"title": "second", "url": "https://b.example", "description": "snippet b"},
				},
			},
		})
	}))
	defer srv.Close()

	s := &braveSearcher{apiKey: "secret", client: srv.Client(), baseURL: srv.URL}
	results, err := s.Search(context.Background(), "golang sqlite", 5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "first", results[0].Title)
	assert.Equal(t, "web", results[0].SourceType)
	assert.Greater(t, results[0].Relevance, results[1].Relevance, "earlier hits rank higher")
}

func TestTavilySearchUsesBackendScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "k", body["api_key"])
		json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []map[string]interface{}{
				{"title": "hit", "url": "https://x.example", "content": "body", "score": 0.87},
			},
		})
	}))
	defer srv.Close()

	s := &tavilySearcher{apiKey: "k", client: srv.Client(), baseURL: srv.URL}
	results, err := s.Search(context.Background(), "q", 3)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 0.87, results[0].Relevance)
}

func TestSearchBackendHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := &serpSearcher{apiKey: "k", client: srv.Client(), baseURL: srv.URL}
	_, err := s.Search(context.Background(), "q", 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}
