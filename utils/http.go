package utils

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"chansync/internal"
)

// HTTPClientConfig contains configuration for the HTTP client
type HTTPClientConfig struct {
	Timeout   time.Duration
	ProxyURL  string
	UserAgent string

	// Transport replaces the default base transport, mainly for tests
	Transport http.RoundTripper

	// Challenge enables the challenge interceptor when set
	Challenge *ChallengeInterceptorConfig
}

// HTTPClient issues site requests through the challenge interceptor and reissues a request
// once when a fresh credential appeared while it was being rejected
type HTTPClient struct {
	client      *http.Client
	userAgent   string
	mutex       sync.RWMutex
	credentials internal.CredentialStore
	interceptor *ChallengeInterceptor
}

// DefaultUserAgent is sent when no user agent is configured. It stays fixed for the
// process lifetime since clearance cookies are bound to the user agent that obtained them.
const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// NewHTTPClient creates a new HTTP client with default configuration and no interceptor
func NewHTTPClient() *HTTPClient {
	return NewHTTPClientWithConfig(&HTTPClientConfig{
		Timeout: 30 * time.Second,
	})
}

// NewHTTPClientWithConfig creates a new HTTP client with custom configuration
func NewHTTPClientWithConfig(config *HTTPClientConfig) *HTTPClient {
	transport := config.Transport
	if transport == nil {
		base, err := NewBaseTransport(config.ProxyURL)
		if err != nil {
			// Log error but continue without proxy
			internal.LogWarn("Failed to configure proxy %s: %v", config.ProxyURL, err)
		}
		transport = base
	}

	c := &HTTPClient{
		userAgent: config.UserAgent,
	}
	if c.userAgent == "" {
		c.userAgent = DefaultUserAgent
	}

	if config.Challenge != nil {
		c.interceptor = NewChallengeInterceptor(transport, *config.Challenge)
		c.credentials = config.Challenge.Credentials
		transport = c.interceptor
	}

	c.client = &http.Client{
		Transport: transport,
		Timeout:   config.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}
	return c
}

// NewBaseTransport builds the raw transport. On a proxy error the returned transport is
// still usable and connects directly.
func NewBaseTransport(proxyURL string) (*http.Transport, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}

	if proxyURL != "" {
		if err := configureProxy(transport, proxyURL); err != nil {
			return transport, err
		}
	}
	return transport, nil
}

// configureProxy sets up proxy configuration for the transport
func configureProxy(transport *http.Transport, proxyURL string) error {
	parsedURL, err := url.Parse(proxyURL)
	if err != nil {
		return fmt.Errorf("invalid proxy URL: %w", err)
	}

	switch parsedURL.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsedURL)
	case "socks5":
		var auth *proxy.Auth
		if parsedURL.User != nil {
			password, _ := parsedURL.User.Password()
			auth = &proxy.Auth{User: parsedURL.User.Username(), Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", parsedURL.Host, auth, proxy.Direct)
		if err != nil {
			return fmt.Errorf("failed to create SOCKS5 proxy: %w", err)
		}
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	default:
		return fmt.Errorf("unsupported proxy scheme: %s", parsedURL.Scheme)
	}

	return nil
}

// Interceptor returns the challenge interceptor, or nil when disabled
func (c *HTTPClient) Interceptor() *ChallengeInterceptor {
	return c.interceptor
}

// GetWithContext performs a GET request with custom headers
func (c *HTTPClient) GetWithContext(ctx context.Context, rawURL string, headers map[string]string) (*http.Response, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, internal.NewInvalidURLError(rawURL, err.Error())
	}

	return c.executeWithChallengeRetry(ctx, parsed.Hostname(), func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		c.mutex.RLock()
		req.Header.Set("User-Agent", c.userAgent)
		c.mutex.RUnlock()

		for key, value := range headers {
			req.Header.Set(key, value)
		}
		req.Header.Set("Accept", "application/json, text/plain, */*")
		req.Header.Set("Accept-Language", "en-US,en;q=0.9")

		return c.do(req)
	})
}

func (c *HTTPClient) do(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := c.client.Do(req)
	internal.GetLogger().LogHTTPExchange(req, resp, time.Since(start))
	return resp, err
}

// GetCurrentUserAgent returns the current user agent string
func (c *HTTPClient) GetCurrentUserAgent() string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.userAgent
}

// SetUserAgent sets a custom user agent string
func (c *HTTPClient) SetUserAgent(userAgent string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.userAgent = userAgent
}

// executeWithChallengeRetry runs fn and reissues it exactly once when it failed with a
// challenge and the credential store now holds a different, non-empty credential
func (c *HTTPClient) executeWithChallengeRetry(ctx context.Context, host string, fn func() (*http.Response, error)) (*http.Response, error) {
	before := c.credential(ctx, host)

	resp, err := fn()
	var challengeErr *internal.ChallengeRequiredError
	if err == nil || !errors.As(err, &challengeErr) {
		return resp, err
	}

	after := c.credential(ctx, host)
	if after == "" || after == before {
		return nil, challengeErr
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	internal.LogInfo("Retrying request to %s with a refreshed credential", host)
	resp, err = fn()
	if err != nil && errors.As(err, &challengeErr) {
		return nil, challengeErr
	}
	return resp, err
}

func (c *HTTPClient) credential(ctx context.Context, host string) string {
	if c.credentials == nil {
		return ""
	}
	v, err := c.credentials.Get(ctx, host)
	if err != nil {
		return ""
	}
	return v
}

// CheckStatus maps a non-2xx response to NotFound or BadStatus. The body is closed on error.
func CheckStatus(resp *http.Response, rawURL string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotModified:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return internal.NewNotFoundError(rawURL)
	default:
		resp.Body.Close()
		return internal.NewBadStatusError(rawURL, resp.StatusCode)
	}
}
