// Package fetch holds the HTTP side of a crawl: page and API GETs for
// adapters, HEAD probes for the media pipeline and streaming downloads into
// temporary files.
package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"os"
	"strings"
	"time"
)

// ErrInvalidHeader is returned by ParseHeaders for an entry without a colon
var ErrInvalidHeader = errors.New("invalid header, expected \"Name: value\"")

// StatusError reports a response outside the 2xx range
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.StatusCode, e.URL)
}

// NotFound reports whether the resource is gone rather than failing
func (e *StatusError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone
}

// Client performs rate-limited HTTP requests with timing metrics
type Client struct {
	client        *http.Client
	userAgent     string
	customHeaders map[string]string
	limiter       *RateLimiter
}

// Metrics contains timing for one request
type Metrics struct {
	TTFB         time.Duration // Time to First Byte
	DownloadTime time.Duration // Total transfer time
	DNSLookup    time.Duration
	TCPConnect   time.Duration
	TLSHandshake time.Duration
}

// Response is a fully read GET response
type Response struct {
	StatusCode    int
	Headers       http.Header
	Body          []byte
	ContentType   string
	ContentLength int64
	LastModified  time.Time
	Metrics       Metrics
	FinalURL      string // After following redirects
}

// Probe is the result of a HEAD request. Size is -1 when the server does
// not report a length.
type Probe struct {
	Exists bool
	Size   int64
}

// NewClient creates a client with the given user agent and request timeout
func NewClient(userAgent string, timeout time.Duration) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}

	return &Client{
		client:        client,
		userAgent:     userAgent,
		customHeaders: make(map[string]string),
	}
}

// SetRateLimiter paces every request through l. nil disables pacing.
func (c *Client) SetRateLimiter(l *RateLimiter) {
	c.limiter = l
}

// SetCustomHeaders merges headers into the set sent with every request
func (c *Client) SetCustomHeaders(headers map[string]string) {
	for k, v := range headers {
		c.customHeaders[k] = v
	}
}

// AddCustomHeader adds a single header sent with every request
func (c *Client) AddCustomHeader(name, value string) {
	c.customHeaders[name] = value
}

// ParseHeaders converts "Name: value" entries into a header map
func ParseHeaders(entries []string) (map[string]string, error) {
	headers := make(map[string]string, len(entries))
	for _, entry := range entries {
		name, value, ok := strings.Cut(entry, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidHeader, entry)
		}
		headers[name] = strings.TrimSpace(value)
	}
	return headers, nil
}

func (c *Client) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, url); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "*/*")
	for name, value := range c.customHeaders {
		req.Header.Set(name, value)
	}
	return req, nil
}

// traced attaches an httptrace hook filling m
func traced(req *http.Request, m *Metrics, firstByte *time.Time) *http.Request {
	var dnsStart, connectStart, tlsStart time.Time
	trace := &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) { dnsStart = time.Now() },
		DNSDone:  func(httptrace.DNSDoneInfo) { m.DNSLookup = time.Since(dnsStart) },
		ConnectStart: func(network, addr string) {
			connectStart = time.Now()
		},
		ConnectDone: func(network, addr string, err error) {
			m.TCPConnect = time.Since(connectStart)
		},
		TLSHandshakeStart: func() { tlsStart = time.Now() },
		TLSHandshakeDone: func(tls.ConnectionState, error) {
			m.TLSHandshake = time.Since(tlsStart)
		},
		GotFirstResponseByte: func() { *firstByte = time.Now() },
	}
	return req.WithContext(httptrace.WithClientTrace(req.Context(), trace))
}

// Get fetches url and reads the whole body. A non-2xx status returns the
// response together with a *StatusError.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	req, err := c.newRequest(ctx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}

	var metrics Metrics
	var firstByte time.Time
	req = traced(req, &metrics, &firstByte)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if !firstByte.IsZero() {
		metrics.TTFB = firstByte.Sub(start)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	metrics.DownloadTime = time.Since(start)

	var lastModified time.Time
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			lastModified = t
		}
	}

	out := &Response{
		StatusCode:    resp.StatusCode,
		Headers:       resp.Header,
		Body:          body,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
		LastModified:  lastModified,
		Metrics:       metrics,
		FinalURL:      resp.Request.URL.String(),
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return out, nil
}

// Head probes url. 404 and 410 report a missing resource without error;
// other non-2xx statuses return a *StatusError.
func (c *Client) Head(ctx context.Context, url string) (Probe, error) {
	req, err := c.newRequest(ctx, http.MethodHead, url)
	if err != nil {
		return Probe{}, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Probe{}, fmt.Errorf("request failed: %w", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{URL: url, StatusCode: resp.StatusCode}
		if statusErr.NotFound() {
			return Probe{Exists: false, Size: -1}, nil
		}
		return Probe{}, statusErr
	}
	return Probe{Exists: true, Size: resp.ContentLength}, nil
}

// Download streams url into dest, creating or truncating it. On any error
// dest is removed.
func (c *Client) Download(ctx context.Context, url, dest string) (int64, Metrics, error) {
	var metrics Metrics

	req, err := c.newRequest(ctx, http.MethodGet, url)
	if err != nil {
		return 0, metrics, err
	}
	var firstByte time.Time
	req = traced(req, &metrics, &firstByte)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, metrics, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if !firstByte.IsZero() {
		metrics.TTFB = firstByte.Sub(start)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, metrics, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	f, err := os.Create(dest)
	if err != nil {
		return 0, metrics, fmt.Errorf("create %s: %w", dest, err)
	}

	n, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	metrics.DownloadTime = time.Since(start)

	if copyErr != nil || closeErr != nil {
		_ = os.Remove(dest)
		if copyErr != nil {
			return n, metrics, fmt.Errorf("download %s: %w", url, copyErr)
		}
		return n, metrics, fmt.Errorf("close %s: %w", dest, closeErr)
	}
	return n, metrics, nil
}

// Close releases idle connections
func (c *Client) Close() {
	c.client.CloseIdleConnections()
}
