package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/mitchellh/mapstructure"

	"github.com/agentmesh/agentmesh/pkg/a2a"
)

// Discovery queries an external agent registry and normalizes its
// heterogeneous response shapes into AgentEntry records.
type Discovery struct {
	baseURL    string
	httpClient *http.Client
	metadata   *URIResolver
	cache      *expirable.LRU[string, []a2a.AgentEntry]
}

// DiscoveryOption configures a Discovery client.
type DiscoveryOption func(*Discovery)

// WithIPFSGateways overrides the gateway chain used to resolve ipfs://
// metadata URIs found in registry records.
func WithIPFSGateways(gateways []string) DiscoveryOption {
	return func(d *Discovery) {
		d.metadata = NewURIResolver(d.httpClient, gateways)
	}
}

// NewDiscovery creates a discovery client for a registry base URL.
func NewDiscovery(baseURL string, httpClient *http.Client, listTTL time.Duration, opts ...DiscoveryOption) *Discovery {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	if listTTL <= 0 {
		listTTL = 60 * time.Second
	}
	d := &Discovery{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		cache:      expirable.NewLRU[string, []a2a.AgentEntry](16, nil, listTTL),
	}
	d.metadata = NewURIResolver(httpClient, nil)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// rawEntry accepts the union of registry response shapes. Endpoints may
// appear at the top level, nested under endpoints, or nested under services.
type rawEntry struct {
	AgentID     string   `mapstructure:"agentId"`
	ID          string   `mapstructure:"id"`
	Name        string   `mapstructure:"name"`
	Chain       string   `mapstructure:"chain"`
	Owner       string   `mapstructure:"owner"`
	Endpoint    string   `mapstructure:"endpoint"`
	EndpointURL string   `mapstructure:"endpointUrl"`
	TrustScore  float64  `mapstructure:"trustScore"`
	Skills      []any    `mapstructure:"skills"`
	Tags        []string `mapstructure:"tags"`
	Payment     bool     `mapstructure:"paymentSupported"`

	Endpoints map[string]any   `mapstructure:"endpoints"`
	Services  []map[string]any `mapstructure:"services"`

	MetadataURI string `mapstructure:"metadataUri"`
}

// ListAgents fetches the registry's agent list for a chain. Results are
// cached briefly; discovery sweeps hit the registry at most once per TTL.
func (d *Discovery) ListAgents(ctx context.Context, chain string, limit int) ([]a2a.AgentEntry, error) {
	cacheKey := chain + "/" + strconv.Itoa(limit)
	if entries, ok := d.cache.Get(cacheKey); ok {
		return entries, nil
	}

	listURL := d.baseURL + "/api/agents"
	q := url.Values{}
	if chain != "" {
		q.Set("chain", chain)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) > 0 {
		listURL += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry request: %w", err)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query registry: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("registry returned %s - %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var payload struct {
		Agents []map[string]any `json:"agents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode registry response: %w", err)
	}

	entries := make([]a2a.AgentEntry, 0, len(payload.Agents))
	for _, item := range payload.Agents {
		entry, metaURI, ok := normalizeEntry(item)
		if !ok {
			continue
		}
		if entry.EndpointURL == "" && metaURI != "" {
			d.enrich(ctx, &entry, metaURI)
		}
		entries = append(entries, entry)
	}

	d.cache.Add(cacheKey, entries)
	return entries, nil
}

// Query filters agents client side. External registries are not assumed to
// support rich server-side filtering.
type Query struct {
	Chain           string
	Skills          []string
	Tags            []string
	MinTrust        float64
	RequiresPayment bool
	Limit           int
}

// Search fetches the full list and filters it locally.
func (d *Discovery) Search(ctx context.Context, q Query) ([]a2a.AgentEntry, error) {
	entries, err := d.ListAgents(ctx, q.Chain, 0)
	if err != nil {
		return nil, err
	}

	var matched []a2a.AgentEntry
	for _, e := range entries {
		if e.TrustScore < q.MinTrust {
			continue
		}
		if q.RequiresPayment && !e.PaymentSupported {
			continue
		}
		if len(q.Skills) > 0 && !containsAny(e.Skills, q.Skills) {
			continue
		}
		if len(q.Tags) > 0 && !containsAny(e.Tags, q.Tags) {
			continue
		}
		matched = append(matched, e)
		if q.Limit > 0 && len(matched) >= q.Limit {
			break
		}
	}
	return matched, nil
}

func containsAny(haystack, needles []string) bool {
	for _, h := range haystack {
		for _, n := range needles {
			if strings.EqualFold(h, n) {
				return true
			}
		}
	}
	return false
}

// enrich fills missing entry fields from the metadata document a registry
// record points at. Resolution is best effort; an unreachable document
// leaves the entry as is.
func (d *Discovery) enrich(ctx context.Context, entry *a2a.AgentEntry, uri string) {
	doc, err := d.metadata.Resolve(ctx, uri)
	if err != nil || doc == nil {
		return
	}
	var meta rawEntry
	if err := mapstructure.WeakDecode(doc, &meta); err != nil {
		return
	}
	if entry.EndpointURL == "" {
		entry.EndpointURL = firstEndpoint(meta)
	}
	if entry.Name == "" {
		entry.Name = meta.Name
	}
	if len(entry.Skills) == 0 {
		entry.Skills = skillIDs(meta.Skills)
	}
}

// normalizeEntry maps one raw registry record to an AgentEntry, probing the
// known endpoint locations in order. The second return value is the record's
// metadata URI, when present.
func normalizeEntry(item map[string]any) (a2a.AgentEntry, string, bool) {
	var raw rawEntry
	if err := mapstructure.WeakDecode(item, &raw); err != nil {
		return a2a.AgentEntry{}, "", false
	}

	entry := a2a.AgentEntry{
		AgentID:          raw.AgentID,
		Name:             raw.Name,
		Chain:            raw.Chain,
		Owner:            raw.Owner,
		TrustScore:       raw.TrustScore,
		Tags:             raw.Tags,
		PaymentSupported: raw.Payment,
	}
	if entry.AgentID == "" {
		entry.AgentID = raw.ID
	}
	if entry.AgentID == "" && entry.Name == "" {
		return a2a.AgentEntry{}, "", false
	}

	entry.Skills = skillIDs(raw.Skills)
	entry.EndpointURL = firstEndpoint(raw)
	return entry, raw.MetadataURI, true
}

func skillIDs(raw []any) []string {
	var skills []string
	for _, s := range raw {
		switch v := s.(type) {
		case string:
			skills = append(skills, v)
		case map[string]any:
			if id, ok := v["id"].(string); ok {
				skills = append(skills, id)
			} else if name, ok := v["name"].(string); ok {
				skills = append(skills, name)
			}
		}
	}
	return skills
}

func firstEndpoint(raw rawEntry) string {
	if raw.EndpointURL != "" {
		return raw.EndpointURL
	}
	if raw.Endpoint != "" {
		return raw.Endpoint
	}
	for _, key := range []string{"a2a", "default", "api"} {
		if v, ok := raw.Endpoints[key].(string); ok && v != "" {
			return v
		}
	}
	for _, v := range raw.Endpoints {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	for _, svc := range raw.Services {
		if s, ok := svc["endpoint"].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
