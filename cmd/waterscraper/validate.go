package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jgoulah/waterscraper/internal/portal"
)

var (
	validateBrowser bool
	validateVisible bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configured portal credentials",
	Long: `Attempts a login against the SFPUC portal with the credentials in the
config file. Intended to be run interactively before the configuration is
persisted, so bad credentials are caught without repeated automated login
attempts locking out the account.

With --browser the login is driven through a headless browser instead of
the direct form handshake, and the captured session cookies are saved to
the config file for later runs.`,
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateBrowser, "browser", false, "Use browser-based login and save captured cookies")
	validateCmd.Flags().BoolVar(&validateVisible, "visible", false, "Show browser window (for debugging, implies --browser)")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if cfg.Credentials.Username == "" || cfg.Credentials.Password == "" {
		return fmt.Errorf("no credentials configured. Add username/password under 'credentials' in %s", getConfigPath())
	}

	log, err := newLogger()
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer log.Sync()

	ctx := context.Background()

	if validateBrowser || validateVisible {
		fmt.Println("Logging in via browser...")
		cookies, err := portal.BrowserLogin(ctx, cfg, validateVisible)
		if err != nil {
			return fmt.Errorf("browser login: %w", err)
		}

		cfg.Portal.Cookies = cookies
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("saving captured cookies: %w", err)
		}

		fmt.Printf("✓ Login successful, %d cookies saved\n", len(cookies))
		return nil
	}

	session, err := portal.NewSession(cfg, log)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	if err := session.Login(ctx); err != nil {
		if portal.IsInvalidCredentials(err) {
			return fmt.Errorf("credentials rejected by portal: %w", err)
		}
		return fmt.Errorf("portal unavailable, try again later: %w", err)
	}

	fmt.Println("✓ Credentials valid")
	return nil
}
