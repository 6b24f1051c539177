package websearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/threadline/internal/capabilities"
)

// Name is the capability name advertised to the assistant.
const Name = "web-search"

const (
	maxTitle   = 80
	maxSnippet = 160
)

type searchArgs struct {
	Query      string     `json:"query" jsonschema:"minLength=1,description=What to search for"`
	SearchType SearchType `json:"search_type,omitempty" jsonschema:"enum=general,enum=news,enum=local,description=general by default; news and local add a modifier"`
	NumResults int        `json:"num_results,omitempty" jsonschema:"minimum=1,maximum=5,description=Number of results"`
}

// Capability exposes web search. A nil searcher yields a capability whose
// handler reports capabilities.ErrNotConfigured.
func Capability(s *Searcher) capabilities.Capability {
	return capabilities.Capability{
		Name:        Name,
		Description: "Search the web for current information, news and local results.",
		Schema:      capabilities.SchemaFor[searchArgs](),
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			if s == nil {
				return "", fmt.Errorf("web search: %w", capabilities.ErrNotConfigured)
			}
			args, err := capabilities.DecodeArgs[searchArgs](raw)
			if err != nil {
				return "", err
			}
			resp, err := s.Search(ctx, args.Query, args.SearchType, args.NumResults)
			if errors.Is(err, ErrTooComplex) {
				return "", fmt.Errorf("search query too complex, try simpler terms for %q", args.Query)
			}
			if err != nil {
				return "", err
			}
			return Format(resp), nil
		},
	}
}

// Format renders results as a numbered list.
func Format(resp *Response) string {
	if len(resp.Results) == 0 {
		return fmt.Sprintf("No results found for '%s'", resp.Query)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Search results for '%s':\n", resp.Query)
	for i, r := range resp.Results {
		fmt.Fprintf(&b, "%d. %s\n", i+1, truncate(r.Title, maxTitle))
		if r.Snippet != "" {
			fmt.Fprintf(&b, "   %s\n", truncate(r.Snippet, maxSnippet))
		}
		fmt.Fprintf(&b, "   %s\n", r.URL)
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
