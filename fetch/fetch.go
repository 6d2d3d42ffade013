// Package fetch retrieves page assets (images, stylesheets) for the
// inliner. Every request carries the capture session's cookies, is
// throttled by a shared token bucket and bounded by a per-request timeout.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// maxBody caps a single resource at 10 MB.
const maxBody = 10 << 20

// DefaultUserAgent matches the Chrome build the capture browser reports.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36"

// ErrTooLarge is returned when a resource exceeds the body cap.
var ErrTooLarge = errors.New("fetch: resource exceeds 10 MB")

// StatusError reports a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch: %s: http %d", e.URL, e.StatusCode)
}

// Resource is one fetched blob.
type Resource struct {
	URL         string
	FinalURL    string
	ContentType string
	Body        []byte
}

// Options configures a Fetcher.
type Options struct {
	// Timeout bounds each request including the body read. Default: 20s.
	Timeout time.Duration

	// RequestsPerSecond throttles all requests; <= 0 disables throttling.
	RequestsPerSecond float64
	Burst             int

	UserAgent      string
	AcceptLanguage string

	// Transport overrides the Chrome-fingerprint transport (tests).
	Transport http.RoundTripper
}

// Fetcher is safe for concurrent use by the inliner's workers.
type Fetcher struct {
	client  *resty.Client
	jar     *cookiejar.Jar
	limiter *rate.Limiter
	timeout time.Duration
}

// New creates a Fetcher.
func New(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	transport := opts.Transport
	if transport == nil {
		transport = NewChromeTransport()
	}

	jar, _ := cookiejar.New(nil)

	client := resty.New()
	client.SetTransport(transport)
	client.SetCookieJar(jar)
	client.SetHeader("User-Agent", opts.UserAgent)
	client.SetHeader("Accept", "image/avif,image/webp,image/apng,image/*,text/css,*/*;q=0.8")
	if opts.AcceptLanguage != "" {
		client.SetHeader("Accept-Language", opts.AcceptLanguage)
	}
	client.SetRedirectPolicy(resty.FlexibleRedirectPolicy(10))

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	return &Fetcher{
		client:  client,
		jar:     jar,
		limiter: limiter,
		timeout: opts.Timeout,
	}
}

// SetCookies loads the capture session's cookies so asset requests are
// authenticated like the page. Each cookie is scoped by its own domain.
func (f *Fetcher) SetCookies(cookies []*http.Cookie) {
	for _, c := range cookies {
		domain := strings.TrimPrefix(c.Domain, ".")
		if domain == "" {
			continue
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		u := &url.URL{Scheme: "https", Host: domain, Path: path}
		f.jar.SetCookies(u, []*http.Cookie{c})
	}
}

// Fetch downloads rawURL. Non-2xx responses return a *StatusError.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Resource, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("fetch: throttle: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	start := time.Now()
	res, err := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(rawURL)
	if err != nil {
		return nil, fmt.Errorf("fetch: %s: %w", rawURL, err)
	}
	body := res.RawBody()
	defer body.Close()

	if res.StatusCode() < 200 || res.StatusCode() > 299 {
		return nil, &StatusError{URL: rawURL, StatusCode: res.StatusCode()}
	}

	data, err := io.ReadAll(io.LimitReader(body, maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("fetch: read %s: %w", rawURL, err)
	}
	if len(data) > maxBody {
		return nil, ErrTooLarge
	}

	finalURL := rawURL
	if raw := res.RawResponse; raw != nil && raw.Request != nil && raw.Request.URL != nil {
		finalURL = raw.Request.URL.String()
	}

	slog.Debug("fetch: done",
		"url", rawURL,
		"status", res.StatusCode(),
		"bytes", len(data),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &Resource{
		URL:         rawURL,
		FinalURL:    finalURL,
		ContentType: res.Header().Get("Content-Type"),
		Body:        data,
	}, nil
}
