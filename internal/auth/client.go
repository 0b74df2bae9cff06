package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/publicsuffix"
)

var (
	// ErrInvalidCredentials indicates the CAS login POST was rejected.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrPageStructureChanged indicates the login page no longer carries the
	// expected hidden form fields. The raw page is saved for offline diagnosis.
	ErrPageStructureChanged = errors.New("auth: login page structure changed")
)

// Markers identifying the CAS login page in a response body or URL.
var loginMarkers = []string{"CAS Login", "统一身份认证"}

const debugPageFile = "debug_login_page.html"

// Options parameterise the session client.
type Options struct {
	LoginURL  string
	Username  string
	Password  string
	Timeout   time.Duration
	UserAgent string
	DebugDir  string
}

// Client holds an authenticated portal session for the process lifetime.
// Cookies live in an in-memory jar; a restart re-authenticates from nothing.
type Client struct {
	opts   Options
	http   *http.Client
	logger zerolog.Logger

	// loginMux serialises the login handshake so concurrent requests do not
	// race a shared CAS flow token.
	loginMux sync.Mutex
}

// NewClient constructs a session client with a fresh cookie jar.
func NewClient(opts Options, logger zerolog.Logger) (*Client, error) {
	if opts.LoginURL == "" {
		return nil, errors.New("auth: login url required")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	return &Client{
		opts: opts,
		http: &http.Client{
			Timeout: timeout,
			Jar:     jar,
		},
		logger: logger.With().Str("component", "auth").Logger(),
	}, nil
}

// Get issues an authenticated GET. When the response is classified as a
// login redirect, the login handshake runs once and the request is re-issued.
func (c *Client) Get(ctx context.Context, target string) ([]byte, int, error) {
	return c.do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	})
}

// PostForm issues an authenticated form POST with the same re-login policy.
func (c *Client) PostForm(ctx context.Context, target string, form url.Values) ([]byte, int, error) {
	return c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
}

func (c *Client) do(ctx context.Context, build func() (*http.Request, error)) ([]byte, int, error) {
	body, status, finalURL, err := c.doOnce(build)
	if err != nil {
		return nil, 0, err
	}

	if !needsLogin(status, finalURL, body) {
		return body, status, nil
	}

	c.logger.Info().Str("url", finalURL.String()).Int("status", status).
		Msg("检测到需要登录，开始登录流程")

	if err := c.Login(ctx); err != nil {
		return nil, 0, err
	}

	body, status, finalURL, err = c.doOnce(build)
	if err != nil {
		return nil, 0, err
	}
	if needsLogin(status, finalURL, body) {
		return nil, status, fmt.Errorf("request still redirected to login after handshake: %w", ErrInvalidCredentials)
	}
	return body, status, nil
}

func (c *Client) doOnce(build func() (*http.Request, error)) ([]byte, int, *url.URL, error) {
	req, err := build()
	if err != nil {
		return nil, 0, nil, err
	}
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, nil, err
	}

	finalURL := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}
	return body, resp.StatusCode, finalURL, nil
}

// Login performs the CAS handshake: fetch the login page, extract the flow
// fields, POST credentials, and verify the login markers are gone.
func (c *Client) Login(ctx context.Context) error {
	c.loginMux.Lock()
	defer c.loginMux.Unlock()

	pageBody, status, _, err := c.doOnce(func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.opts.LoginURL, nil)
	})
	if err != nil {
		return fmt.Errorf("fetch login page: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("fetch login page: unexpected status %d", status)
	}

	form, err := extractLoginForm(pageBody)
	if err != nil {
		c.dumpDebugPage(pageBody)
		return err
	}

	values := url.Values{
		"username":  {c.opts.Username},
		"password":  {c.opts.Password},
		"type":      {form.Type},
		"execution": {form.Execution},
		"_eventId":  {form.EventID},
	}

	respBody, _, _, err := c.doOnce(func() (*http.Request, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.LoginURL, strings.NewReader(values.Encode()))
		if reqErr != nil {
			return nil, reqErr
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		return fmt.Errorf("submit login: %w", err)
	}

	if containsLoginMarker(respBody) {
		c.logger.Error().Msg("登录失败，请检查用户名和密码")
		return ErrInvalidCredentials
	}

	c.logger.Info().Msg("登录成功")
	return nil
}

func (c *Client) dumpDebugPage(body []byte) {
	dir := c.opts.DebugDir
	if dir == "" {
		dir = "."
	}
	path := filepath.Join(dir, debugPageFile)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		c.logger.Error().Err(err).Str("path", path).Msg("failed to save login page for diagnosis")
		return
	}
	c.logger.Info().Str("path", path).Msg("登录页面内容已保存，便于排查结构变化")
}

// needsLogin classifies a response as a login redirect using the HTTP
// status, the final URL after redirects, and the page body markers.
func needsLogin(status int, finalURL *url.URL, body []byte) bool {
	if status == http.StatusFound || status == http.StatusMovedPermanently {
		return true
	}
	if finalURL != nil {
		lowered := strings.ToLower(finalURL.String())
		if strings.Contains(lowered, "login") || strings.HasPrefix(finalURL.Host, "auth.") {
			return true
		}
	}
	return containsLoginMarker(body)
}

func containsLoginMarker(body []byte) bool {
	for _, marker := range loginMarkers {
		if bytes.Contains(body, []byte(marker)) {
			return true
		}
	}
	return false
}
