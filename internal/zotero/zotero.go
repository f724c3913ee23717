// Package zotero talks to the Zotero Web API (v3) to list collections and the
// attachment metadata inside them.
package zotero

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
	"time"
)

// Link modes recognised by the document enumerator
const (
	LinkModeLinkedFile  = "linked_file"
	LinkModeImportedURL = "imported_url"
)

// ContentTypePDF is the content type of PDF attachments
const ContentTypePDF = "application/pdf"

// pageSize is the largest page the Zotero API serves
const pageSize = 100

// ErrCollectionNotFound is returned when no collection carries the requested name.
var ErrCollectionNotFound = errors.New("collection not found")

// Collection is a named Zotero collection
type Collection struct {
	Key  string
	Name string
}

// Item is the subset of attachment metadata the sync needs
type Item struct {
	Key         string `json:"key"`
	ContentType string `json:"contentType"`
	LinkMode    string `json:"linkMode"`
	Title       string `json:"title"`
	Filename    string `json:"filename"`
	Path        string `json:"path"`
}

// Client provides read access to a Zotero library
type Client interface {
	// Collections returns up to limit collections of the library
	Collections(ctx context.Context, limit int) ([]Collection, error)
	// CollectionItems returns every item of the given collection
	CollectionItems(ctx context.Context, collectionKey string) ([]Item, error)
}

// HTTPClient implements Client against the Zotero Web API
type HTTPClient struct {
	http    *http.Client
	baseURL string
	prefix  string
	apiKey  string
}

// NewHTTPClient creates a client for the library identified by libraryType
// ("user" or "group") and libraryID.
func NewHTTPClient(baseURL, libraryType, libraryID, apiKey string) *HTTPClient {
	return &HTTPClient{
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		prefix:  "/" + libraryType + "s/" + url.PathEscape(libraryID),
		apiKey:  apiKey,
	}
}

// WithHTTPClient replaces the underlying HTTP client
func (c *HTTPClient) WithHTTPClient(hc *http.Client) *HTTPClient {
	c.http = hc
	return c
}

type collectionEnvelope struct {
	Key  string `json:"key"`
	Data struct {
		Name string `json:"name"`
	} `json:"data"`
}

type itemEnvelope struct {
	Key  string `json:"key"`
	Data Item   `json:"data"`
}

// Collections returns up to limit collections of the library
func (c *HTTPClient) Collections(ctx context.Context, limit int) ([]Collection, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))

	var envelopes []collectionEnvelope
	if _, err := c.get(ctx, c.prefix+"/collections", q, &envelopes); err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}

	collections := make([]Collection, 0, len(envelopes))
	for _, e := range envelopes {
		collections = append(collections, Collection{Key: e.Key, Name: e.Data.Name})
	}
	return collections, nil
}

// CollectionItems pages through every item of the collection
func (c *HTTPClient) CollectionItems(ctx context.Context, collectionKey string) ([]Item, error) {
	path := c.prefix + "/collections/" + url.PathEscape(collectionKey) + "/items"

	var items []Item
	for start := 0; ; {
		q := url.Values{}
		q.Set("start", strconv.Itoa(start))
		q.Set("limit", strconv.Itoa(pageSize))

		var page []itemEnvelope
		total, err := c.get(ctx, path, q, &page)
		if err != nil {
			return nil, fmt.Errorf("failed to list items of collection %s: %w", collectionKey, err)
		}

		for _, e := range page {
			item := e.Data
			if item.Key == "" {
				item.Key = e.Key
			}
			items = append(items, item)
		}

		start += len(page)
		if len(page) == 0 || total < 0 || start >= total {
			break
		}
	}

	return items, nil
}

// get performs an authenticated GET and decodes the JSON body into out.
// It returns the Total-Results header value, or -1 when absent.
func (c *HTTPClient) get(ctx context.Context, path string, q url.Values, out any) (int, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Zotero-API-Key", c.apiKey)
	req.Header.Set("Zotero-API-Version", "3")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 32<<20)).Decode(out); err != nil {
		return 0, fmt.Errorf("json decode: %w", err)
	}

	total := -1
	if v := resp.Header.Get("Total-Results"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			total = n
		}
	}
	return total, nil
}

// FindCollection looks up a collection by its exact name among the first
// limit collections of the library.
func FindCollection(ctx context.Context, client Client, name string, limit int) (Collection, error) {
	collections, err := client.Collections(ctx, limit)
	if err != nil {
		return Collection{}, err
	}

	for _, col := range collections {
		if col.Name == name {
			return col, nil
		}
	}
	return Collection{}, fmt.Errorf("%w: %q", ErrCollectionNotFound, name)
}
