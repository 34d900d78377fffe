package utils

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"chansync/internal"
)

const (
	// ChallengeScanBytes is the body prefix inspected for challenge markers
	ChallengeScanBytes = 24 * 1024

	// ClearanceCookie is the cookie carrying the bypass credential
	ClearanceCookie = "cf_clearance"
)

// DefaultChallengeMarkers identify a challenge interstitial on regular hosts
var DefaultChallengeMarkers = []string{
	"<title>Please Wait... | Cloudflare</title>",
	"Checking your browser before accessing",
	"<title>Just a moment...</title>",
}

// DefaultSearchHosts serve a different interstitial, matched by DefaultSearchMarkers
var DefaultSearchHosts = []string{
	"find.4chan.org",
	"find.4channel.org",
}

// DefaultSearchMarkers identify a challenge interstitial on search hosts
var DefaultSearchMarkers = []string{
	"Browser Integrity Check",
}

// ChallengeInterceptorConfig configures a ChallengeInterceptor
type ChallengeInterceptorConfig struct {
	Credentials internal.CredentialStore
	Notifier    internal.ChallengeNotifier
	Sites       internal.SiteResolver

	Markers       []string
	SearchHosts   []string
	SearchMarkers []string
}

// credentialAttempt identifies the request that carried a freshly attached credential
type credentialAttempt struct {
	id         uuid.UUID
	credential string
}

// ChallengeInterceptor is an http.RoundTripper that attaches bypass credentials and turns
// challenge pages into ChallengeRequiredError. It never retries by itself.
type ChallengeInterceptor struct {
	next          http.RoundTripper
	credentials   internal.CredentialStore
	notifier      internal.ChallengeNotifier
	sites         internal.SiteResolver
	markers       [][]byte
	searchHosts   []string
	searchMarkers [][]byte

	mu         sync.Mutex
	challenged map[string]bool
	attempts   map[string]credentialAttempt
}

// NewChallengeInterceptor wraps next. A nil next uses http.DefaultTransport.
func NewChallengeInterceptor(next http.RoundTripper, config ChallengeInterceptorConfig) *ChallengeInterceptor {
	if next == nil {
		next = http.DefaultTransport
	}
	markers := config.Markers
	if len(markers) == 0 {
		markers = DefaultChallengeMarkers
	}
	searchHosts := config.SearchHosts
	if len(searchHosts) == 0 {
		searchHosts = DefaultSearchHosts
	}
	searchMarkers := config.SearchMarkers
	if len(searchMarkers) == 0 {
		searchMarkers = DefaultSearchMarkers
	}

	lowered := make([]string, len(searchHosts))
	for i, h := range searchHosts {
		lowered[i] = strings.ToLower(h)
	}

	return &ChallengeInterceptor{
		next:          next,
		credentials:   config.Credentials,
		notifier:      config.Notifier,
		sites:         config.Sites,
		markers:       toByteSlices(markers),
		searchHosts:   lowered,
		searchMarkers: toByteSlices(searchMarkers),
		challenged:    make(map[string]bool),
		attempts:      make(map[string]credentialAttempt),
	}
}

// WrapTransport returns the challenge-aware decorator around next
func WrapTransport(next http.RoundTripper, config ChallengeInterceptorConfig) http.RoundTripper {
	return NewChallengeInterceptor(next, config)
}

func toByteSlices(in []string) [][]byte {
	out := make([][]byte, len(in))
	for i, s := range in {
		out[i] = []byte(s)
	}
	return out
}

// RoundTrip implements http.RoundTripper
func (ci *ChallengeInterceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	host := req.URL.Hostname()
	ctx := req.Context()

	var attempt *credentialAttempt
	if credential := ci.storedCredential(ctx, host); credential != "" {
		req = req.Clone(ctx)
		req.Header.Add("Cookie", ClearanceCookie+"="+credential)
		attempt = &credentialAttempt{id: uuid.New(), credential: credential}

		ci.mu.Lock()
		if current, ok := ci.attempts[host]; !ok || current.credential != credential {
			ci.attempts[host] = *attempt
		}
		ci.mu.Unlock()
	}

	resp, err := ci.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusForbidden && resp.StatusCode != http.StatusServiceUnavailable {
		if attempt != nil {
			ci.mu.Lock()
			if current, ok := ci.attempts[host]; ok && current.credential == attempt.credential {
				delete(ci.attempts, host)
			}
			ci.mu.Unlock()
		}
		return resp, nil
	}

	challenged, err := ci.detectChallenge(host, resp)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}
	if !challenged {
		return resp, nil
	}
	resp.Body.Close()

	internal.LogDebug("Challenge page detected for %s (status %d)", host, resp.StatusCode)
	ci.onChallenge(ctx, req, host, attempt)

	return nil, &internal.ChallengeRequiredError{
		Kind: internal.ChallengeCloudflare,
		Host: host,
		URL:  req.URL.String(),
	}
}

// onChallenge marks the host, clears a rejected credential and notifies the bypass flow
func (ci *ChallengeInterceptor) onChallenge(ctx context.Context, req *http.Request, host string, attempt *credentialAttempt) {
	ci.mu.Lock()
	ci.challenged[host] = true
	rejected := false
	if attempt != nil {
		// Only the request that attached the current credential may blame it
		if current, ok := ci.attempts[host]; ok && current.id == attempt.id {
			delete(ci.attempts, host)
			rejected = true
		}
	}
	ci.mu.Unlock()

	if rejected {
		internal.LogWarn("Credential for %s was rejected, clearing it", host)
		ci.clearCredential(ctx, host, attempt.credential)
	}

	if ci.notifier == nil || req.Method != http.MethodGet {
		return
	}

	resolveURL := req.URL.String()
	if ci.sites != nil {
		if _, ok := ci.sites.SiteForHost(host); !ok {
			return
		}
		if endpoint := ci.sites.ChallengeEndpoint(host); endpoint != "" {
			resolveURL = endpoint
		}
	}
	ci.notifier.OnChallengeDetected(internal.ChallengeCloudflare, host, resolveURL)
}

// detectChallenge scans a bounded body prefix for markers. When no marker matches the
// body is restored so the caller reads the full response.
func (ci *ChallengeInterceptor) detectChallenge(host string, resp *http.Response) (bool, error) {
	if resp.Body == nil || resp.Body == http.NoBody {
		return false, nil
	}

	prefix, err := io.ReadAll(io.LimitReader(resp.Body, ChallengeScanBytes))
	if err != nil && len(prefix) == 0 {
		return false, err
	}

	if ci.containsMarker(host, prefix) {
		return true, nil
	}

	resp.Body = &replayBody{
		Reader: io.MultiReader(bytes.NewReader(prefix), resp.Body),
		Closer: resp.Body,
	}
	return false, nil
}

func (ci *ChallengeInterceptor) containsMarker(host string, prefix []byte) bool {
	markers := ci.markers
	lowerHost := strings.ToLower(host)
	for _, h := range ci.searchHosts {
		if strings.Contains(lowerHost, h) {
			markers = ci.searchMarkers
			break
		}
	}
	for _, m := range markers {
		if bytes.Contains(prefix, m) {
			return true
		}
	}
	return false
}

func (ci *ChallengeInterceptor) storedCredential(ctx context.Context, host string) string {
	if ci.credentials == nil {
		return ""
	}
	credential, err := ci.credentials.Get(ctx, host)
	if err != nil {
		internal.LogWarn("Failed to read credential for %s: %v", host, err)
		return ""
	}
	return credential
}

// clearCredential removes the rejected value, leaving a concurrently replaced one in place
func (ci *ChallengeInterceptor) clearCredential(ctx context.Context, host, rejected string) {
	if ci.credentials == nil {
		return
	}
	var err error
	if cc, ok := ci.credentials.(internal.ConditionalClearer); ok {
		_, err = cc.ClearIf(ctx, host, rejected)
	} else {
		err = ci.credentials.Clear(ctx, host)
	}
	if err != nil {
		internal.LogWarn("Failed to clear credential for %s: %v", host, err)
	}
}

// IsChallenged reports whether host has answered with a challenge page before
func (ci *ChallengeInterceptor) IsChallenged(host string) bool {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return ci.challenged[host]
}

// ChallengedHosts returns every host known to require a credential
func (ci *ChallengeInterceptor) ChallengedHosts() []string {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	hosts := make([]string, 0, len(ci.challenged))
	for h := range ci.challenged {
		hosts = append(hosts, h)
	}
	return hosts
}

// Invalidate forgets everything known about host
func (ci *ChallengeInterceptor) Invalidate(host string) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	delete(ci.challenged, host)
	delete(ci.attempts, host)
}

// replayBody serves the scanned prefix before the unread remainder
type replayBody struct {
	io.Reader
	io.Closer
}
