package utils

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"chansync/internal"
)

// URLInfo contains parsed information from a board URL
type URLInfo struct {
	OriginalURL string
	Domain      string
	Site        string
	Key         internal.ResourceKey
	PostNo      int64 // anchored post, 0 when absent
}

// URLValidator maps board URLs of registered sites onto resource keys
type URLValidator struct {
	sites       internal.SiteResolver
	urlPatterns []urlPattern
}

type urlPattern struct {
	re   *regexp.Regexp
	kind internal.ResourceKind
}

// NewURLValidator creates a new URL validator resolving hosts through sites
func NewURLValidator(sites internal.SiteResolver) *URLValidator {
	patterns := []urlPattern{
		// Thread: /g/thread/123 or /g/thread/123/slug
		{regexp.MustCompile(`^/([a-z0-9]+)/thread/([0-9]+)(?:/[^/]*)?/?$`), internal.KindThread},

		// Legacy thread: /g/res/123.html
		{regexp.MustCompile(`^/([a-z0-9]+)/res/([0-9]+)(?:\.html)?$`), internal.KindThread},

		// Catalog: /g/catalog
		{regexp.MustCompile(`^/([a-z0-9]+)/catalog/?$`), internal.KindCatalog},

		// Board index: /g/ or /g/2
		{regexp.MustCompile(`^/([a-z0-9]+)(?:/[0-9]*)?/?$`), internal.KindCatalog},
	}

	return &URLValidator{
		sites:       sites,
		urlPatterns: patterns,
	}
}

// ValidateURL validates if the URL belongs to a registered site
func (v *URLValidator) ValidateURL(rawURL string) error {
	_, _, err := v.parseHost(rawURL)
	return err
}

func (v *URLValidator) parseHost(rawURL string) (*url.URL, string, error) {
	if rawURL == "" {
		return nil, "", internal.NewValidationError("url", "URL cannot be empty")
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", internal.NewValidationError("url", fmt.Sprintf("invalid URL format: %v", err))
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, "", internal.NewValidationError("url", "URL must use http or https protocol")
	}

	host := strings.ToLower(parsedURL.Hostname())
	if v.sites == nil {
		return nil, "", internal.NewInvalidURLError(rawURL, "no sites registered")
	}
	site, ok := v.sites.SiteForHost(host)
	if !ok {
		return nil, "", internal.NewInvalidURLError(rawURL, fmt.Sprintf("host %s is not a registered site", host))
	}
	return parsedURL, site, nil
}

// ParseURL extracts the resource key from a thread, catalog or board URL
func (v *URLValidator) ParseURL(rawURL string) (*URLInfo, error) {
	parsedURL, site, err := v.parseHost(rawURL)
	if err != nil {
		return nil, err
	}

	urlInfo := &URLInfo{
		OriginalURL: rawURL,
		Domain:      strings.ToLower(parsedURL.Hostname()),
		Site:        site,
	}

	path := strings.ToLower(parsedURL.Path)
	for _, pattern := range v.urlPatterns {
		matches := pattern.re.FindStringSubmatch(path)
		if matches == nil {
			continue
		}

		board := matches[1]
		if pattern.kind == internal.KindThread {
			no, err := strconv.ParseInt(matches[2], 10, 64)
			if err != nil || no <= 0 {
				return nil, internal.NewInvalidURLError(rawURL, "invalid thread number")
			}
			urlInfo.Key = internal.ThreadKey(site, board, no)
			urlInfo.PostNo = postAnchor(parsedURL.Fragment)
		} else {
			urlInfo.Key = internal.CatalogKey(site, board)
		}
		return urlInfo, nil
	}

	return nil, internal.NewInvalidURLError(rawURL, "unable to extract board or thread from URL")
}

// postAnchor reads fragments such as "p123" or "q123"
func postAnchor(fragment string) int64 {
	if len(fragment) < 2 || (fragment[0] != 'p' && fragment[0] != 'q') {
		return 0
	}
	no, err := strconv.ParseInt(fragment[1:], 10, 64)
	if err != nil {
		return 0
	}
	return no
}

// GetIdentifier returns the canonical key string
func (urlInfo *URLInfo) GetIdentifier() string {
	return urlInfo.Key.String()
}

// String returns a string representation of the URLInfo
func (urlInfo *URLInfo) String() string {
	return fmt.Sprintf("URLInfo{Domain: %s, Site: %s, Key: %s, PostNo: %d}",
		urlInfo.Domain, urlInfo.Site, urlInfo.Key, urlInfo.PostNo)
}
