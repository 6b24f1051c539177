// Package websearch queries the Brave Search API and exposes the
// web-search capability.
package websearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SearchType modifies the query sent to the backend.
type SearchType string

const (
	TypeGeneral SearchType = "general"
	TypeNews    SearchType = "news"
	TypeLocal   SearchType = "local"
)

const (
	// DefaultEndpoint is the Brave web search endpoint.
	DefaultEndpoint = "https://api.search.brave.com/res/v1/web/search"

	// MaxResults caps the results returned per query.
	MaxResults = 5

	// maxCacheSize limits the number of cached responses.
	maxCacheSize = 500
)

// Config holds Brave credentials and query defaults.
type Config struct {
	APIKey string `yaml:"api_key"`

	// Endpoint overrides DefaultEndpoint.
	Endpoint string `yaml:"endpoint"`

	// LocalArea is appended to local searches. Defaults to "Toronto".
	LocalArea string `yaml:"local_area"`

	// CacheTTL is how long identical queries are served from memory.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// Timeout bounds a single backend request.
	Timeout time.Duration `yaml:"timeout"`
}

// Enabled reports whether an API key is configured.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.APIKey) != ""
}

// Result is one search hit.
type Result struct {
	Title   string
	URL     string
	Snippet string
}

// Response is the outcome of one query.
type Response struct {
	Query   string
	Results []Result
}

// ErrTooComplex is returned when Brave rejects a query as unprocessable.
var ErrTooComplex = errors.New("websearch: query too complex")

type cacheEntry struct {
	response  *Response
	expiresAt time.Time
}

// Searcher runs Brave queries with a small TTL cache.
type Searcher struct {
	config     Config
	httpClient *http.Client
	now        func() time.Time

	cacheMu sync.RWMutex
	cache   map[string]*cacheEntry
}

// NewSearcher creates a searcher, applying defaults to cfg.
func NewSearcher(cfg Config) *Searcher {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.LocalArea == "" {
		cfg.LocalArea = "Toronto"
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Searcher{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		now:        time.Now,
		cache:      make(map[string]*cacheEntry),
	}
}

// BuildQuery applies the search-type modifier to a raw query.
func (s *Searcher) BuildQuery(query string, typ SearchType) string {
	q := strings.TrimSpace(query)
	switch typ {
	case TypeNews:
		q += " news"
	case TypeLocal:
		if !strings.Contains(strings.ToLower(q), strings.ToLower(s.config.LocalArea)) {
			q += " " + s.config.LocalArea
		}
	}
	return q
}

// Search runs query and returns at most count results (capped at MaxResults).
func (s *Searcher) Search(ctx context.Context, query string, typ SearchType, count int) (*Response, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("websearch: query is required")
	}
	if count <= 0 || count > MaxResults {
		count = MaxResults
	}
	q := s.BuildQuery(query, typ)

	key := fmt.Sprintf("%d:%s", count, q)
	if cached := s.getFromCache(key); cached != nil {
		return cached, nil
	}

	resp, err := s.searchBrave(ctx, q, count)
	if err != nil {
		return nil, err
	}
	resp.Query = query
	s.putInCache(key, resp)
	return resp, nil
}

func (s *Searcher) searchBrave(ctx context.Context, q string, count int) (*Response, error) {
	searchURL, err := url.Parse(s.config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	params := url.Values{}
	params.Set("q", q)
	params.Set("count", strconv.Itoa(count))
	params.Set("safesearch", "moderate")
	searchURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", s.config.APIKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, ErrTooComplex
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("brave api returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var braveResp struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&braveResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	results := make([]Result, 0, count)
	for _, r := range braveResp.Web.Results {
		if len(results) == count {
			break
		}
		results = append(results, Result{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	return &Response{Results: results}, nil
}

func (s *Searcher) getFromCache(key string) *Response {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()

	entry, ok := s.cache[key]
	if !ok || s.now().After(entry.expiresAt) {
		return nil
	}
	return entry.response
}

func (s *Searcher) putInCache(key string, resp *Response) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	now := s.now()
	for k, v := range s.cache {
		if now.After(v.expiresAt) {
			delete(s.cache, k)
		}
	}
	// Evict the entry closest to expiry until there is room.
	for len(s.cache) >= maxCacheSize {
		var oldestKey string
		var oldest time.Time
		for k, v := range s.cache {
			if oldestKey == "" || v.expiresAt.Before(oldest) {
				oldestKey, oldest = k, v.expiresAt
			}
		}
		delete(s.cache, oldestKey)
	}

	s.cache[key] = &cacheEntry{response: resp, expiresAt: now.Add(s.config.CacheTTL)}
}
