package registration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

// Browser opens registration pages.
type Browser interface {
	Open(ctx context.Context, rawURL string) (*Page, error)
}

// BrowserConfig holds page automation settings.
type BrowserConfig struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int64
}

// HTTPBrowser is a page automation backend over plain HTTP form posts.
// Every Open starts a fresh session with its own cookie jar.
type HTTPBrowser struct {
	config    BrowserConfig
	transport http.RoundTripper
}

// NewHTTPBrowser creates a new HTTP browser.
func NewHTTPBrowser(config BrowserConfig) *HTTPBrowser {
	if config.UserAgent == "" {
		config.UserAgent = "family-event-planner/1.0"
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = 5 << 20
	}
	return &HTTPBrowser{
		config:    config,
		transport: http.DefaultTransport,
	}
}

type session struct {
	client    *http.Client
	userAgent string
	maxBody   int64
}

// Open starts a session and loads the page at rawURL.
func (b *HTTPBrowser) Open(ctx context.Context, rawURL string) (*Page, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid registration url %q", rawURL)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}
	s := &session{
		client: &http.Client{
			Jar:       jar,
			Timeout:   b.config.Timeout,
			Transport: b.transport,
		},
		userAgent: b.config.UserAgent,
		maxBody:   b.config.MaxBodySize,
	}

	req, err := s.newRequest(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return s.do(req)
}

func (s *session) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	return req, nil
}

func (s *session) submit(ctx context.Context, p *Page) (*Page, error) {
	method, target, err := p.action()
	if err != nil {
		return nil, err
	}

	values := p.Values()
	var req *http.Request
	if method == http.MethodPost {
		req, err = s.newRequest(ctx, http.MethodPost, target.String(), strings.NewReader(values.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		target.RawQuery = values.Encode()
		req, err = s.newRequest(ctx, http.MethodGet, target.String(), nil)
		if err != nil {
			return nil, err
		}
	}
	req.Header.Set("Referer", p.URL.String())
	return s.do(req)
}

func (s *session) do(req *http.Request) (*Page, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, classifyNetError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBody))
	if err != nil {
		return nil, Transient(fmt.Errorf("reading page: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, Transient(fmt.Errorf("venue returned status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("venue returned status %d", resp.StatusCode)
	}

	return newPage(s, resp.Request.URL, resp.StatusCode, string(body))
}

// classifyNetError marks timeouts and connection failures as retryable.
func classifyNetError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return Transient(fmt.Errorf("request failed: %w", err))
	}
	return fmt.Errorf("request failed: %w", err)
}
