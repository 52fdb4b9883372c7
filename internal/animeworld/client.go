// Package animeworld scrapes the source streaming site: search, episode
// listings and direct download link resolution.
package animeworld

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
)

var (
	ErrSessionBootstrap = errors.New("failed to bootstrap source-site session")
	ErrEpisodeNotFound  = errors.New("episode not found on source site")
	ErrNoDownloadLink   = errors.New("no download link on episode page")
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// The landing page sets a challenge cookie from JavaScript before serving
// real content, e.g. document.cookie="AWCookieVerify=495d5...".
var jsCookieRe = regexp.MustCompile(`document\.cookie\s*=\s*["']([^=]+)=([^;"']+)`)

// BaseURLProvider supplies the configured site base URL.
// *settings.Service satisfies it.
type BaseURLProvider interface {
	AnimeworldBaseURL(ctx context.Context) (string, error)
}

// Client is a session-bootstrapping scraper. The first request fetches the
// landing page to collect the challenge cookie and CSRF token; the cookie
// jar is reused for every request after that.
type Client struct {
	base       BaseURLProvider
	httpClient *http.Client
	jar        *cookiejar.Jar
	logger     zerolog.Logger

	mu           sync.Mutex
	csrfToken    string
	bootstrapped bool
}

// NewClient creates a source-site client.
func NewClient(base BaseURLProvider, logger zerolog.Logger) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	return &Client{
		base: base,
		jar:  jar,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Jar:     jar,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return errors.New("too many redirects")
				}
				return nil
			},
		},
		logger: logger.With().Str("component", "animeworld").Logger(),
	}, nil
}

// baseURL returns the configured base URL without a trailing slash.
func (c *Client) baseURL(ctx context.Context) (string, error) {
	base, err := c.base.AnimeworldBaseURL(ctx)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(base, "/"), nil
}

// ensureSession bootstraps cookie + CSRF token from the landing page. The
// site alternates between a JS cookie challenge and the real page, so up to
// two fetches are attempted.
func (c *Client) ensureSession(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bootstrapped {
		return nil
	}

	base, err := c.baseURL(ctx)
	if err != nil {
		return err
	}
	baseParsed, err := url.Parse(base)
	if err != nil {
		return fmt.Errorf("invalid base url %q: %w", base, err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		body, err := c.fetchPage(ctx, base, "")
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSessionBootstrap, err)
		}

		if m := jsCookieRe.FindStringSubmatch(body); m != nil {
			c.jar.SetCookies(baseParsed, []*http.Cookie{{
				Name:  strings.TrimSpace(m[1]),
				Value: strings.TrimSpace(m[2]),
				Path:  "/",
			}})
			c.logger.Debug().Str("cookie", strings.TrimSpace(m[1])).Msg("challenge cookie set")
		}

		doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSessionBootstrap, err)
		}
		if token, ok := doc.Find(`meta[name="csrf-token"]`).Attr("content"); ok && token != "" {
			c.csrfToken = token
			c.bootstrapped = true
			c.logger.Debug().Int("attempt", attempt+1).Msg("session bootstrapped")
			return nil
		}
	}

	return ErrSessionBootstrap
}

// ResetSession drops the bootstrap state so the next call re-fetches the
// cookie and CSRF token. Used when the base URL setting changes.
func (c *Client) ResetSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bootstrapped = false
	c.csrfToken = ""
}

// token returns the CSRF token of the current session, empty before
// bootstrap.
func (c *Client) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.csrfToken
}

func (c *Client) fetchPage(ctx context.Context, pageURL, csrfToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)
	if csrfToken != "" {
		req.Header.Set("csrf-token", csrfToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("source site returned %d for %s", resp.StatusCode, pageURL)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// getDocument fetches a page within the bootstrapped session and parses it.
// The CSRF token rides along on every request once the session exists.
func (c *Client) getDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}
	body, err := c.fetchPage(ctx, pageURL, c.token())
	if err != nil {
		return nil, err
	}
	return goquery.NewDocumentFromReader(strings.NewReader(body))
}

// absoluteURL resolves href against the site base.
func absoluteURL(base, href string) string {
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	if !strings.HasPrefix(href, "/") {
		href = "/" + href
	}
	return base + href
}
