package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// defaultIPFSGateways are tried in order when resolving ipfs:// URIs. Public
// gateways rate-limit aggressively, so failure of any single gateway is
// expected and non-fatal.
var defaultIPFSGateways = []string{
	"https://ipfs.io/ipfs/",
	"https://cloudflare-ipfs.com/ipfs/",
	"https://gateway.pinata.cloud/ipfs/",
}

// URIResolver fetches agent metadata documents referenced by registry
// entries. Registries store metadata as inline JSON, data: URIs, IPFS
// content hashes, or plain HTTP URLs.
type URIResolver struct {
	httpClient *http.Client
	gateways   []string
}

// NewURIResolver creates a resolver. An empty gateway list falls back to the
// default public IPFS gateway chain.
func NewURIResolver(httpClient *http.Client, gateways []string) *URIResolver {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if len(gateways) == 0 {
		gateways = defaultIPFSGateways
	}
	return &URIResolver{httpClient: httpClient, gateways: gateways}
}

// Resolve fetches the document behind a metadata URI and returns it as a
// generic map. Metadata is best-effort enrichment: when every path fails the
// resolver returns (nil, nil) so callers can proceed without it.
func (r *URIResolver) Resolve(ctx context.Context, uri string) (map[string]any, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, nil
	}

	// Inline JSON stored directly in the registry record.
	if strings.HasPrefix(uri, "{") {
		return decodeJSONMap([]byte(uri)), nil
	}

	switch {
	case strings.HasPrefix(uri, "data:"):
		return decodeJSONMap(decodeDataURI(uri)), nil
	case strings.HasPrefix(uri, "ipfs://"):
		return r.resolveIPFS(ctx, strings.TrimPrefix(uri, "ipfs://")), nil
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		return r.fetchJSON(ctx, uri), nil
	}
	return nil, nil
}

func (r *URIResolver) resolveIPFS(ctx context.Context, hash string) map[string]any {
	hash = strings.TrimPrefix(hash, "/")
	for _, gw := range r.gateways {
		if doc := r.fetchJSON(ctx, gw+hash); doc != nil {
			return doc
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

func (r *URIResolver) fetchJSON(ctx context.Context, rawURL string) map[string]any {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil
	}
	return decodeJSONMap(body)
}

// decodeDataURI handles data:application/json;base64,... and plain
// percent-encoded data: payloads.
func decodeDataURI(uri string) []byte {
	idx := strings.Index(uri, ",")
	if idx < 0 {
		return nil
	}
	meta, payload := uri[5:idx], uri[idx+1:]
	if strings.Contains(meta, "base64") {
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil
		}
		return decoded
	}
	unescaped, err := url.PathUnescape(payload)
	if err != nil {
		return []byte(payload)
	}
	return []byte(unescaped)
}

func decodeJSONMap(data []byte) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil
	}
	return doc
}
