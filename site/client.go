package site

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"chansync/internal"
	"chansync/utils"
)

// apiPost is a post as served by the JSON API
type apiPost struct {
	No      int64  `json:"no"`
	Resto   int64  `json:"resto"`
	Time    int64  `json:"time"`
	Name    string `json:"name"`
	Sub     string `json:"sub"`
	Com     string `json:"com"`
	Replies int    `json:"replies"`
}

// ThreadResponse is the thread endpoint payload
type ThreadResponse struct {
	Posts []apiPost `json:"posts"`
}

// CatalogPage is one page of the catalog endpoint payload
type CatalogPage struct {
	Page    int       `json:"page"`
	Threads []apiPost `json:"threads"`
}

// Client fetches threads and catalogs of one site. It implements internal.Backend.
type Client struct {
	site       *Site
	httpClient *utils.HTTPClient
	now        func() time.Time
}

// NewClient creates a client for site
func NewClient(site *Site, httpClient *utils.HTTPClient) *Client {
	return &Client{
		site:       site,
		httpClient: httpClient,
		now:        time.Now,
	}
}

// Site returns the site definition
func (c *Client) Site() *Site {
	return c.site
}

// FetchThread downloads a full thread. Posts missing from the response are kept by the merge.
func (c *Client) FetchThread(ctx context.Context, key internal.ResourceKey, since string) (internal.Delta, error) {
	endpoint := c.site.ThreadURL(key.Board, key.ThreadNo)

	var payload ThreadResponse
	lastModified, modified, err := c.getJSON(ctx, key, endpoint, since, &payload)
	if err != nil {
		return internal.Delta{}, err
	}
	if !modified {
		return internal.Delta{LastModified: lastModified, FetchedAt: c.now()}, nil
	}
	if len(payload.Posts) == 0 {
		return internal.Delta{}, internal.NewParseError(endpoint, errors.New("thread has no posts")).WithKey(key)
	}

	return internal.Delta{
		Posts:        c.convertPosts(key.Board, payload.Posts),
		LastModified: lastModified,
		FetchedAt:    c.now(),
	}, nil
}

// FetchCatalog downloads the catalog. The result replaces the stored thread list.
func (c *Client) FetchCatalog(ctx context.Context, key internal.ResourceKey, since string) (internal.Delta, error) {
	endpoint := c.site.CatalogURL(key.Board)

	var pages []CatalogPage
	lastModified, modified, err := c.getJSON(ctx, key, endpoint, since, &pages)
	if err != nil {
		return internal.Delta{}, err
	}
	if !modified {
		return internal.Delta{LastModified: lastModified, FetchedAt: c.now()}, nil
	}

	var threads []apiPost
	for _, page := range pages {
		threads = append(threads, page.Threads...)
	}

	return internal.Delta{
		Posts:        c.convertPosts(key.Board, threads),
		LastModified: lastModified,
		Replace:      true,
		FetchedAt:    c.now(),
	}, nil
}

// ReparseComment implements internal.Backend
func (c *Client) ReparseComment(raw string) string {
	return ParseComment(raw)
}

// getJSON performs the request and decodes a 2xx body into v. With since set the request is
// conditional and a 304 reports modified=false.
func (c *Client) getJSON(ctx context.Context, key internal.ResourceKey, endpoint, since string, v interface{}) (lastModified string, modified bool, err error) {
	var headers map[string]string
	if since != "" {
		headers = map[string]string{"If-Modified-Since": since}
	}
	resp, err := c.httpClient.GetWithContext(ctx, endpoint, headers)
	if err != nil {
		return "", false, classifyRequestError(ctx, key, endpoint, err)
	}
	if err := utils.CheckStatus(resp, endpoint); err != nil {
		var syncErr *internal.SyncError
		if errors.As(err, &syncErr) {
			syncErr.WithKey(key)
		}
		return "", false, err
	}
	defer resp.Body.Close()

	lastModified = resp.Header.Get("Last-Modified")
	if resp.StatusCode == http.StatusNotModified {
		if lastModified == "" {
			lastModified = since
		}
		return lastModified, false, nil
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", false, internal.NewCancelledError(key, ctxErr)
		}
		return "", false, internal.NewParseError(endpoint, fmt.Errorf("failed to decode response: %w", err)).WithKey(key)
	}
	return lastModified, true, nil
}

// classifyRequestError keeps challenge and cancellation errors distinguishable from plain IO failures
func classifyRequestError(ctx context.Context, key internal.ResourceKey, endpoint string, err error) error {
	var challengeErr *internal.ChallengeRequiredError
	if errors.As(err, &challengeErr) {
		return challengeErr
	}
	var syncErr *internal.SyncError
	if errors.As(err, &syncErr) {
		return syncErr
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return internal.NewCancelledError(key, ctxErr)
	}
	return internal.NewTransportError(endpoint, err).WithKey(key)
}

func (c *Client) convertPosts(board string, in []apiPost) []internal.Post {
	posts := make([]internal.Post, 0, len(in))
	for _, p := range in {
		if p.No <= 0 {
			continue
		}
		posts = append(posts, internal.Post{
			No:         p.No,
			ReplyTo:    p.Resto,
			Board:      board,
			Time:       time.Unix(p.Time, 0).UTC(),
			Name:       p.Name,
			Subject:    p.Sub,
			RawComment: p.Com,
			Comment:    ParseComment(p.Com),
			Replies:    p.Replies,
		})
	}
	return posts
}

// Backends builds one Client per registered site on demand. It implements internal.BackendResolver.
type Backends struct {
	registry   *Registry
	httpClient *utils.HTTPClient

	mu      sync.Mutex
	clients map[string]*Client
}

// NewBackends creates a resolver sharing httpClient across sites
func NewBackends(registry *Registry, httpClient *utils.HTTPClient) *Backends {
	return &Backends{
		registry:   registry,
		httpClient: httpClient,
		clients:    make(map[string]*Client),
	}
}

// Backend implements internal.BackendResolver
func (b *Backends) Backend(name string) (internal.Backend, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.clients[name]; ok {
		return c, true
	}
	s, ok := b.registry.Site(name)
	if !ok {
		return nil, false
	}
	c := NewClient(s, b.httpClient)
	b.clients[name] = c
	return c, true
}
