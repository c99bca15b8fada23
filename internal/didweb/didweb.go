// Package didweb implements the did:web method: an HTTPS fetch of a
// well-known path, validating that the returned document's id matches the
// requested DID.
package didweb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/layr8/didcomm-mediator/internal/diddoc"
)

// Fetcher performs the HTTPS GET for a did:web resolution. Swappable in
// tests for an httptest server client.
type Fetcher interface {
	Get(ctx context.Context, url string) (*http.Response, error)
}

type httpFetcher struct {
	client *http.Client
}

func (f httpFetcher) Get(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return f.client.Do(req)
}

// NewHTTPFetcher returns the default Fetcher, using the given client (its
// Timeout should reflect the per-fetch deadline from config).
func NewHTTPFetcher(client *http.Client) Fetcher {
	return httpFetcher{client: client}
}

// Resolver adapts Fetcher to resolver.WebFetcher, the narrow interface the
// composed DID resolver (C1) calls for the did:web method, without that
// package depending on net/http.
type Resolver struct {
	Fetcher Fetcher
}

// ResolveWeb implements resolver.WebFetcher.
func (r Resolver) ResolveWeb(ctx context.Context, did string) (*diddoc.Document, error) {
	return Resolve(ctx, r.Fetcher, did)
}

// Resolve fetches the did:web document. did must be of the form
// "did:web:<domain>[:<path>...]"; colons beyond the domain become path
// segments, matching the did:web method spec.
func Resolve(ctx context.Context, f Fetcher, did string) (*diddoc.Document, error) {
	docURL, err := toDocumentURL(did)
	if err != nil {
		return nil, err
	}

	resp, err := f.Get(ctx, docURL)
	if err != nil {
		return nil, fmt.Errorf("didweb: fetch %s: %w", docURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("didweb: not found: %s", did)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("didweb: unexpected status %d fetching %s", resp.StatusCode, docURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("didweb: read body: %w", err)
	}

	var doc diddoc.Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("didweb: parse document: %w", err)
	}

	if doc.ID != did {
		return nil, fmt.Errorf("didweb: document id %q does not match requested did %q", doc.ID, did)
	}

	return &doc, nil
}

// toDocumentURL converts a did:web identifier into the HTTPS URL of its
// did.json document, per https://w3c-ccg.github.io/did-method-web/.
func toDocumentURL(did string) (string, error) {
	const prefix = "did:web:"
	if !strings.HasPrefix(did, prefix) {
		return "", fmt.Errorf("didweb: not a did:web identifier: %q", did)
	}
	rest := strings.TrimPrefix(did, prefix)

	parts := strings.Split(rest, ":")
	for i, p := range parts {
		decoded, err := url.PathUnescape(p)
		if err != nil {
			return "", fmt.Errorf("didweb: invalid path segment %q: %w", p, err)
		}
		parts[i] = decoded
	}

	host := parts[0]
	path := parts[1:]

	if len(path) == 0 {
		return fmt.Sprintf("https://%s/.well-known/did.json", host), nil
	}
	return fmt.Sprintf("https://%s/%s/did.json", host, strings.Join(path, "/")), nil
}
