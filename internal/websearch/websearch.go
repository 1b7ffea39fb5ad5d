// Package websearch gives the researcher agent a real search backend.
// The backend is chosen by configuration; running without one is not an
// error, searches just return nothing.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"atelier/internal/logging"
)

// Result is one normalized search hit.
type Result struct {
	Title      string  `json:"title"`
	URL        string  `json:"url"`
	Snippet    string  `json:"snippet"`
	SourceType string  `json:"source_type"`
	Relevance  float64 `json:"relevance"`
}

// Searcher runs one query against a backend.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]Result, error)
	Name() string
}

// Config selects and keys the backend.
type Config struct {
	Backend string // "brave", "tavily", "serpapi", or "" / "none"
	APIKey  string
}

// New builds the configured backend. An empty or "none" backend returns
// the null searcher.
func New(cfg Config) (Searcher, error) {
	client := &http.Client{Timeout: 15 * time.Second}
	switch strings.ToLower(cfg.Backend) {
	case "", "none":
		return &nullSearcher{}, nil
	case "brave":
		return &braveSearcher{apiKey: cfg.APIKey, client: client}, nil
	case "tavily":
		return &tavilySearcher{apiKey: cfg.APIKey, client: client}, nil
	case "serpapi":
		return &serpSearcher{apiKey: cfg.APIKey, client: client}, nil
	}
	return nil, fmt.Errorf("unknown search backend %q", cfg.Backend)
}

// nullSearcher satisfies the interface when no backend is configured.
type nullSearcher struct{}

func (n *nullSearcher) Search(context.Context, string, int) ([]Result, error) { return nil, nil }
func (n *nullSearcher) Name() string                                          { return "none" }

// =============================================================================
// BRAVE
// =============================================================================

type braveSearcher struct {
	apiKey  string
	client  *http.Client
	baseURL string // test override
}

func (b *braveSearcher) Name() string { return "brave" }

func (b *braveSearcher) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	base := b.baseURL
	if base == "" {
		base = "https://api.search.brave.com/res/v1/web/search"
	}
	reqURL := fmt.Sprintf("%s?q=%s&count=%d", base, url.QueryEscape(query), limit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Subscription-Token", b.apiKey)
	req.Header.Set("Accept", "application/json")

	var payload struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := doJSON(b.client, req, &payload); err != nil {
		return nil, err
	}

	out := make([]Result, 0, len(payload.Web.Results))
	for i, r := range payload.Web.Results {
		out = append(out, Result{
			Title: r.Title, URL: r.URL, Snippet: r.Description,
			SourceType: "web", Relevance: rankRelevance(i),
		})
	}
	logging.Search("brave: %d results for %q", len(out), query)
	return out, nil
}

// =============================================================================
// TAVILY
// =============================================================================

type tavilySearcher struct {
	apiKey  string
	client  *http.Client
	baseURL string
}

func (t *tavilySearcher) Name() string { return "tavily" }

func (t *tavilySearcher) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	base := t.baseURL
	if base == "" {
		base = "https://api.tavily.com/search"
	}
	body, err := json.Marshal(map[string]interface{}{
		"api_key":     t.apiKey,
		"query":       query,
		"max_results": limit,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var payload struct {
		Results []struct {
			Title   string  `json:"title"`
			URL     string  `json:"url"`
			Content string  `json:"content"`
			Score   float64 `json:"score"`
		} `json:"results"`
	}
	if err := doJSON(t.client, req, &payload); err != nil {
		return nil, err
	}

	out := make([]Result, 0, len(payload.Results))
	for _, r := range payload.Results {
		out = append(out, Result{
			Title: r.Title, URL: r.URL, Snippet: r.Content,
			SourceType: "web", Relevance: r.Score,
		})
	}
	logging.Search("tavily: %d results for %q", len(out), query)
	return out, nil
}

// =============================================================================
// SERPAPI
// =============================================================================

type serpSearcher struct {
	apiKey  string
	client  *http.Client
	baseURL string
}

func (s *serpSearcher) Name() string { return "serpapi" }

func (s *serpSearcher) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	base := s.baseURL
	if base == "" {
		base = "https://serpapi.com/search.json"
	}
	reqURL := fmt.Sprintf("%s?q=%s&num=%d&api_key=%s", base, url.QueryEscape(query), limit, url.QueryEscape(s.apiKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		OrganicResults []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic_results"`
	}
	if err := doJSON(s.client, req, &payload); err != nil {
		return nil, err
	}

	out := make([]Result, 0, len(payload.OrganicResults))
	for i, r := range payload.OrganicResults {
		out = append(out, Result{
			Title: r.Title, URL: r.Link, Snippet: r.Snippet,
			SourceType: "web", Relevance: rankRelevance(i),
		})
	}
	logging.Search("serpapi: %d results for %q", len(out), query)
	return out, nil
}

// doJSON runs the request and decodes a 2xx JSON body into v.
func doJSON(client *http.Client, req *http.Request, v interface{}) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("search backend returned HTTP %d: %s", resp.StatusCode, string(raw))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// rankRelevance converts list position to a descending score for
// backends that report no score of their own.
func rankRelevance(index int) float64 {
	score := 1.0 - 0.1*float64(index)
	if score < 0.1 {
		return 0.1
	}
	return score
}
