package portal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/jgoulah/waterscraper/internal/config"
)

// BrowserLogin drives a headless browser through the portal's sign-in
// form and returns the captured session cookies. It is the fallback for
// when the direct WebForms handshake stops working after a portal change:
// the captured cookies are saved to config and seeded into the HTTP
// session on the next run.
func BrowserLogin(ctx context.Context, cfg *config.Config, visible bool) ([]config.Cookie, error) {
	if cfg.Credentials.Username == "" || cfg.Credentials.Password == "" {
		return nil, fmt.Errorf("no username/password configured")
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", !visible),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-features", "IsolateOrigins,site-per-process"),
		chromedp.UserAgent("Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"),
	)

	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	defer cancel()

	browserCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	browserCtx, cancel = context.WithTimeout(browserCtx, 60*time.Second)
	defer cancel()

	loginURL := strings.TrimRight(cfg.GetBaseURL(), "/") + defaultLoginPagePath
	if cfg.Portal.LoginPagePath != "" {
		loginURL = strings.TrimRight(cfg.GetBaseURL(), "/") + cfg.Portal.LoginPagePath
	}

	if err := chromedp.Run(browserCtx,
		network.Enable(),
		chromedp.Navigate(loginURL),
		chromedp.WaitVisible(`input#tb_USER_ID`, chromedp.ByQuery),
		chromedp.SendKeys(`input#tb_USER_ID`, cfg.Credentials.Username, chromedp.ByQuery),
		chromedp.SendKeys(`input#tb_USER_PSWD`, cfg.Credentials.Password, chromedp.ByQuery),
		chromedp.Sleep(500*time.Millisecond),
		chromedp.Click(`input#btn_SIGN_IN_BUTTON`, chromedp.ByQuery),
		chromedp.Sleep(5*time.Second), // Wait for redirect to the account page
	); err != nil {
		return nil, fmt.Errorf("browser login failed: %w", err)
	}

	// Confirm we landed on the signed-in account page
	var accountHTML string
	accountURL := strings.TrimRight(cfg.GetBaseURL(), "/") + defaultAccountPath
	if cfg.Portal.AccountPath != "" {
		accountURL = strings.TrimRight(cfg.GetBaseURL(), "/") + cfg.Portal.AccountPath
	}
	if err := chromedp.Run(browserCtx,
		chromedp.Navigate(accountURL),
		chromedp.OuterHTML("html", &accountHTML, chromedp.ByQuery),
	); err != nil {
		return nil, fmt.Errorf("navigating to account page: %w", err)
	}
	if !strings.Contains(accountHTML, "Welcome") {
		return nil, &AuthError{Kind: AuthInvalidCredentials, Message: "portal rejected browser login"}
	}

	cookies, err := extractCookies(browserCtx)
	if err != nil {
		return nil, fmt.Errorf("extracting cookies: %w", err)
	}
	return cookies, nil
}

// extractCookies extracts all cookies from the current browser context
func extractCookies(ctx context.Context) ([]config.Cookie, error) {
	var cookies []*network.Cookie

	if err := chromedp.Run(ctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = network.GetCookies().Do(ctx)
			return err
		}),
	); err != nil {
		return nil, fmt.Errorf("getting cookies: %w", err)
	}

	result := make([]config.Cookie, 0, len(cookies))
	for _, c := range cookies {
		result = append(result, config.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: c.SameSite.String(),
		})
	}

	return result, nil
}
