// Package registry resolves agent identifiers into actionable endpoints: it
// fetches and caches capability cards, queries external discovery services,
// and decodes metadata URIs.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/agentmesh/agentmesh/pkg/a2a"
)

const cardCacheSize = 512

// Resolver fetches AgentCards with a TTL cache keyed by source URL.
type Resolver struct {
	httpClient *http.Client
	cache      *expirable.LRU[string, *a2a.AgentCard]
}

// NewResolver creates a card resolver. cardTTL bounds how long a fetched
// card is served from cache.
func NewResolver(httpClient *http.Client, cardTTL time.Duration) *Resolver {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cardTTL <= 0 {
		cardTTL = 5 * time.Minute
	}
	return &Resolver{
		httpClient: httpClient,
		cache:      expirable.NewLRU[string, *a2a.AgentCard](cardCacheSize, nil, cardTTL),
	}
}

// FetchCard resolves a URL into an AgentCard. It tries the URL directly,
// then the well-known discovery path, and returns the first parseable 200
// response. force bypasses the cache.
func (r *Resolver) FetchCard(ctx context.Context, url string, force bool) (*a2a.AgentCard, error) {
	url = strings.TrimRight(url, "/")
	if url == "" {
		return nil, fmt.Errorf("agent URL is required")
	}

	if !force {
		if card, ok := r.cache.Get(url); ok {
			return card, nil
		}
	}

	candidates := []string{url, url + a2a.WellKnownCardPath}
	var attemptErrs []string

	for _, candidate := range candidates {
		card, err := r.fetchOne(ctx, candidate)
		if err != nil {
			attemptErrs = append(attemptErrs, fmt.Sprintf("%s: %v", candidate, err))
			continue
		}
		if card.URL == "" {
			card.URL = url
		}
		r.cache.Add(url, card)
		return card, nil
	}

	return nil, fmt.Errorf("failed to fetch agent card (tried %s)", strings.Join(attemptErrs, "; "))
}

func (r *Resolver) fetchOne(ctx context.Context, url string) (*a2a.AgentCard, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s - %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var card a2a.AgentCard
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return nil, fmt.Errorf("invalid card JSON: %w", err)
	}
	if card.Name == "" {
		return nil, fmt.Errorf("card has no name")
	}
	return &card, nil
}

// Invalidate drops a cached card.
func (r *Resolver) Invalidate(url string) {
	r.cache.Remove(strings.TrimRight(url, "/"))
}
