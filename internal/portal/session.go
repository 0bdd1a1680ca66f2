package portal

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jgoulah/waterscraper/internal/config"
)

const (
	defaultLoginPagePath = "/~~~QUFBQUFBV1pwbU05OHZldjhIZG5YMU1GUTVYNmp5MllUVE9Ga21wU2prWi9wTGlZZlE9PQ==ZZZ"
	defaultLoginPostPath = "/~~~QUFBQUFBVU9uVGUrWmFxM2NuN2ZDbDM5Uy93cXhpbnNuakpTTUVlck01NFA1TXhtNnc9PQ==ZZZ"
	defaultAccountPath   = "/MY_ACCOUNT_RSF.aspx"

	userAgent      = "Mozilla/5.0"
	requestTimeout = 30 * time.Second

	// ASP.NET sessions idle out server-side; treat ours as stale well
	// before the usual 20 minute default so EnsureValid re-logs-in
	// instead of a request bouncing to the login page.
	sessionTTL = 15 * time.Minute
)

// Session owns the authenticated portal connection: the login handshake,
// the session cookie jar, and re-authentication when the session expires.
// It is safe for concurrent use; re-authentication is single-flight.
type Session struct {
	client   *http.Client
	baseURL  string
	username string
	password string
	log      *zap.Logger

	loginPagePath string
	loginPostPath string
	accountPath   string

	mu         sync.Mutex
	generation uint64
	validUntil time.Time
}

// NewSession creates a session client for the configured portal account.
// Cookies previously captured by the browser login fallback are seeded
// into the jar so an existing portal session can be reused.
func NewSession(cfg *config.Config, log *zap.Logger) (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}

	s := &Session{
		client: &http.Client{
			Jar:     jar,
			Timeout: requestTimeout,
		},
		baseURL:       strings.TrimRight(cfg.GetBaseURL(), "/"),
		username:      cfg.Credentials.Username,
		password:      cfg.Credentials.Password,
		log:           log,
		loginPagePath: defaultLoginPagePath,
		loginPostPath: defaultLoginPostPath,
		accountPath:   defaultAccountPath,
	}
	if cfg.Portal.LoginPagePath != "" {
		s.loginPagePath = cfg.Portal.LoginPagePath
	}
	if cfg.Portal.LoginPostPath != "" {
		s.loginPostPath = cfg.Portal.LoginPostPath
	}
	if cfg.Portal.AccountPath != "" {
		s.accountPath = cfg.Portal.AccountPath
	}

	if len(cfg.Portal.Cookies) > 0 {
		if err := s.seedCookies(cfg.Portal.Cookies); err != nil {
			return nil, err
		}
		// Trust the captured session so it can carry a process whose
		// login handshake is broken. If the cookies turn out stale, the
		// first request bounces to the login page and the fetcher's
		// re-authentication path takes over.
		s.validUntil = time.Now().Add(sessionTTL)
	}

	return s, nil
}

// seedCookies loads captured browser cookies into the jar
func (s *Session) seedCookies(cookies []config.Cookie) error {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return fmt.Errorf("parsing base URL: %w", err)
	}
	hc := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		cookie := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HttpOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		// Browser session cookies report a non-positive expiry; leaving
		// Expires zero keeps them as session cookies instead of the jar
		// discarding them as already expired.
		if c.Expires > 0 {
			cookie.Expires = time.Unix(int64(c.Expires), 0)
		}
		hc = append(hc, cookie)
	}
	s.client.Jar.SetCookies(u, hc)
	return nil
}

// Generation returns the current session generation. Callers record it
// before a fetch so Refresh can tell a stale expiry report from a fresh one.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// EnsureValid re-authenticates if the session is expired or near expiry.
// Callers never see a stale session after it returns nil.
func (s *Session) EnsureValid(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Now().Before(s.validUntil) {
		return nil
	}
	return s.loginLocked(ctx)
}

// Refresh re-authenticates in response to a session-expired failure seen
// at generation gen. If another caller already refreshed the session (the
// generation moved on), the handshake is skipped and the refreshed session
// is reused, so concurrent expiry reports produce a single login.
func (s *Session) Refresh(ctx context.Context, gen uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		// Someone else already logged in since gen was observed.
		return nil
	}
	return s.loginLocked(ctx)
}

// Login performs the portal's login handshake unconditionally. Used by
// the host's interactive credential validation.
func (s *Session) Login(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loginLocked(ctx)
}

// loginLocked runs the WebForms handshake: fetch the login page for its
// hidden state fields, POST the credentials, then load the account page
// and check for the signed-in marker. Must be called with s.mu held.
func (s *Session) loginLocked(ctx context.Context) error {
	if s.username == "" || s.password == "" {
		return &AuthError{
			Kind:    AuthInvalidCredentials,
			Message: "no username/password configured",
		}
	}

	s.log.Debug("logging in to portal", zap.String("username", s.username))

	pageHTML, status, err := s.get(ctx, s.loginPagePath)
	if err != nil {
		return &AuthError{Kind: AuthPortalUnavailable, Message: fmt.Sprintf("fetching login page: %v", err)}
	}
	if status != http.StatusOK {
		return &AuthError{Kind: AuthPortalUnavailable, StatusCode: status, Message: fmt.Sprintf("login page returned status %d", status)}
	}

	fields, err := hiddenFields(pageHTML)
	if err != nil {
		return &AuthError{Kind: AuthPortalUnavailable, Message: fmt.Sprintf("login page: %v", err)}
	}

	form := url.Values{}
	for name, value := range fields {
		form.Set(name, value)
	}
	form.Set("tb_USER_ID", s.username)
	form.Set("tb_USER_PSWD", s.password)
	form.Set("btn_SIGN_IN_BUTTON", "Sign in")

	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+s.loginPostPath, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Origin", s.baseURL)

	resp, err := s.client.Do(req)
	if err != nil {
		return &AuthError{Kind: AuthPortalUnavailable, Message: fmt.Sprintf("posting login form: %v", err)}
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return &AuthError{Kind: AuthPortalUnavailable, StatusCode: resp.StatusCode, Message: fmt.Sprintf("login post returned status %d", resp.StatusCode)}
	}

	// The portal answers the same way for good and bad credentials; only
	// the account landing page tells them apart.
	accountHTML, status, err := s.get(ctx, s.accountPath)
	if err != nil {
		return &AuthError{Kind: AuthPortalUnavailable, Message: fmt.Sprintf("fetching account page: %v", err)}
	}
	if status >= http.StatusInternalServerError {
		return &AuthError{Kind: AuthPortalUnavailable, StatusCode: status, Message: fmt.Sprintf("account page returned status %d", status)}
	}
	if status != http.StatusOK || !strings.Contains(accountHTML, "Welcome") {
		return &AuthError{
			Kind:       AuthInvalidCredentials,
			StatusCode: status,
			Message:    "portal rejected login",
		}
	}

	s.generation++
	s.validUntil = time.Now().Add(sessionTTL)
	s.log.Info("logged in to portal", zap.Uint64("generation", s.generation))
	return nil
}

// get fetches a portal path with the session cookies and returns the body
func (s *Session) get(ctx context.Context, path string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", s.baseURL+path, nil)
	if err != nil {
		return "", 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resp.StatusCode, fmt.Errorf("reading response body: %w", err)
	}
	return string(body), resp.StatusCode, nil
}

// invalidate marks the session stale so the next EnsureValid logs in again
func (s *Session) invalidate() {
	s.mu.Lock()
	s.validUntil = time.Time{}
	s.mu.Unlock()
}
