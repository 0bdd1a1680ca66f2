package portal

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jgoulah/waterscraper/internal/config"
	"github.com/jgoulah/waterscraper/pkg/models"
)

const defaultHourlyPath = "/USE_HOURLY.aspx"

// Fetcher retrieves hourly usage readings from the portal for a date
// range. The portal only serves one day per download request, so wider
// ranges are split per day and concatenated in chronological order.
type Fetcher struct {
	session    *Session
	log        *zap.Logger
	hourlyPath string
	unit       string
	loc        *time.Location
}

// NewFetcher creates a fetcher on top of an authenticated session
func NewFetcher(session *Session, cfg *config.Config, log *zap.Logger) (*Fetcher, error) {
	loc, err := time.LoadLocation(cfg.GetTimezone())
	if err != nil {
		return nil, fmt.Errorf("loading portal time zone: %w", err)
	}

	hourlyPath := defaultHourlyPath
	if cfg.Portal.HourlyPath != "" {
		hourlyPath = cfg.Portal.HourlyPath
	}

	return &Fetcher{
		session:    session,
		log:        log,
		hourlyPath: hourlyPath,
		unit:       cfg.GetUnit(),
		loc:        loc,
	}, nil
}

// Location returns the provider's local time zone
func (f *Fetcher) Location() *time.Location {
	return f.loc
}

// FetchRange downloads hourly readings with timestamps in [start, end].
// The range is clamped to what the portal advertises as available; an
// empty range after clamping returns no readings and no error.
//
// On a mid-range failure the readings collected so far are returned
// alongside the error. They are a contiguous prefix of the range, so the
// caller can still import them without creating a gap.
func (f *Fetcher) FetchRange(ctx context.Context, start, end time.Time) ([]models.UsageReading, error) {
	if start.After(end) {
		return nil, fmt.Errorf("invalid range: start %s after end %s", start, end)
	}

	if err := f.session.EnsureValid(ctx); err != nil {
		return nil, err
	}

	reauthed := false

	gen := f.session.Generation()
	availStart, availEnd, err := f.fetchAvailableRange(ctx)
	if IsSessionExpired(err) && !reauthed {
		// Seeded or long-lived cookies can be stale before the first
		// request; re-login once and retry.
		f.log.Info("session expired before fetch, re-authenticating")
		f.session.invalidate()
		if rerr := f.session.Refresh(ctx, gen); rerr != nil {
			return nil, rerr
		}
		reauthed = true
		availStart, availEnd, err = f.fetchAvailableRange(ctx)
	}
	if err != nil {
		return nil, err
	}

	if start.Before(availStart) {
		f.log.Debug("clamping range start to portal retention",
			zap.Time("requested", start), zap.Time("available", availStart))
		start = availStart
	}
	if end.After(availEnd) {
		f.log.Debug("clamping range end to portal availability",
			zap.Time("requested", end), zap.Time("available", availEnd))
		end = availEnd
	}
	if start.After(end) {
		// Nothing published for this range yet; not a failure.
		return nil, nil
	}

	var all []models.UsageReading

	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, f.loc)
	endDay := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, f.loc)
	for !day.After(endDay) {
		gen := f.session.Generation()
		readings, skipped, err := f.fetchDay(ctx, day)
		if IsSessionExpired(err) && !reauthed {
			// One transparent re-login, then retry only this day.
			f.log.Info("session expired mid-fetch, re-authenticating",
				zap.String("day", day.Format("2006-01-02")))
			f.session.invalidate()
			if rerr := f.session.Refresh(ctx, gen); rerr != nil {
				return all, rerr
			}
			reauthed = true
			readings, skipped, err = f.fetchDay(ctx, day)
		}
		if err != nil {
			return all, err
		}
		if skipped > 0 {
			f.log.Warn("skipped unparseable rows",
				zap.String("day", day.Format("2006-01-02")), zap.Int("skipped", skipped))
		}

		for _, r := range readings {
			if r.Timestamp.Before(start) || r.Timestamp.After(end) {
				continue
			}
			all = append(all, r)
		}

		day = day.AddDate(0, 0, 1)
	}

	return all, nil
}

// fetchAvailableRange scrapes the queryable date range from the hourly
// usage page
func (f *Fetcher) fetchAvailableRange(ctx context.Context) (time.Time, time.Time, error) {
	pageHTML, err := f.getHourlyPage(ctx)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	start, end, err := availableRange(pageHTML)
	if err != nil {
		return time.Time{}, time.Time{}, &FetchError{Kind: FetchMalformedResponse, Message: "hourly usage page", Err: err}
	}

	// The page reports the range as bare dates; widen the end to cover
	// the whole final day.
	start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, f.loc)
	end = time.Date(end.Year(), end.Month(), end.Day(), 23, 0, 0, 0, f.loc)
	return start, end, nil
}

// fetchDay downloads and parses a single day of hourly readings
func (f *Fetcher) fetchDay(ctx context.Context, day time.Time) ([]models.UsageReading, int, error) {
	pageHTML, err := f.getHourlyPage(ctx)
	if err != nil {
		return nil, 0, err
	}

	fields, err := hiddenFields(pageHTML)
	if err != nil {
		return nil, 0, &FetchError{Kind: FetchMalformedResponse, Message: "hourly usage page", Err: err}
	}

	form := url.Values{}
	for name, value := range fields {
		form.Set(name, value)
	}
	form.Set("SD", day.Format("01/02/2006"))
	form.Set("dl_UOM", f.unit)
	// Coordinates of the click on the download image button; the values
	// are arbitrary but the fields must be present.
	form.Set("img_EXCEL_DOWNLOAD_IMAGE.x", "13")
	form.Set("img_EXCEL_DOWNLOAD_IMAGE.y", "9")

	req, err := http.NewRequestWithContext(ctx, "POST", f.session.baseURL+f.hourlyPath, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, fmt.Errorf("creating download request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", f.session.baseURL+f.hourlyPath)

	resp, err := f.session.client.Do(req)
	if err != nil {
		return nil, 0, &FetchError{Kind: FetchPortalUnavailable, Message: "downloading hourly usage", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, 0, &FetchError{Kind: FetchSessionExpired, Message: fmt.Sprintf("download returned status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, 0, &FetchError{Kind: FetchPortalUnavailable, Message: fmt.Sprintf("download returned status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, &FetchError{Kind: FetchMalformedResponse, Message: fmt.Sprintf("download returned status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, &FetchError{Kind: FetchPortalUnavailable, Message: "reading download body", Err: err}
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "application/vnd.ms-excel") {
		if isLoginPage(string(body)) {
			return nil, 0, &FetchError{Kind: FetchSessionExpired, Message: "download redirected to login page"}
		}
		return nil, 0, &FetchError{Kind: FetchMalformedResponse, Message: fmt.Sprintf("unexpected download content type %q", contentType)}
	}

	return parseHourlyPayload(body, day, f.loc)
}

// getHourlyPage fetches the hourly usage page, translating a bounce back
// to the login page into a session-expired failure
func (f *Fetcher) getHourlyPage(ctx context.Context) (string, error) {
	pageHTML, status, err := f.session.get(ctx, f.hourlyPath)
	if err != nil {
		return "", &FetchError{Kind: FetchPortalUnavailable, Message: "fetching hourly usage page", Err: err}
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return "", &FetchError{Kind: FetchSessionExpired, Message: fmt.Sprintf("hourly usage page returned status %d", status)}
	}
	if status >= http.StatusInternalServerError {
		return "", &FetchError{Kind: FetchPortalUnavailable, Message: fmt.Sprintf("hourly usage page returned status %d", status)}
	}
	if status != http.StatusOK {
		return "", &FetchError{Kind: FetchMalformedResponse, Message: fmt.Sprintf("hourly usage page returned status %d", status)}
	}
	if isLoginPage(pageHTML) {
		return "", &FetchError{Kind: FetchSessionExpired, Message: "hourly usage page redirected to login"}
	}
	return pageHTML, nil
}

// isLoginPage recognizes the portal's sign-in form, which is where
// requests land once the server-side session has idled out
func isLoginPage(pageHTML string) bool {
	return strings.Contains(pageHTML, "tb_USER_ID") || strings.Contains(pageHTML, "btn_SIGN_IN_BUTTON")
}
