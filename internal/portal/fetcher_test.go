package portal

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jgoulah/waterscraper/internal/config"
	"github.com/jgoulah/waterscraper/pkg/models"
)

func newTestFetcher(t *testing.T, p *fakePortal) *Fetcher {
	sess, err := NewSession(p.cfg(), testLogger(t))
	require.NoError(t, err)
	f, err := NewFetcher(sess, p.cfg(), testLogger(t))
	require.NoError(t, err)
	return f
}

// dayPayload renders a download body with one row per entry starting at
// midnight
func dayPayload(values ...float64) string {
	var b strings.Builder
	b.WriteString("Hour\tConsumption\n")
	for i, v := range values {
		hour := time.Date(2024, 1, 1, i, 0, 0, 0, time.UTC).Format("3 PM")
		fmt.Fprintf(&b, "%s\t%.2f\n", hour, v)
	}
	return b.String()
}

func localDay(t *testing.T, f *Fetcher, year int, month time.Month, day, hour int) time.Time {
	t.Helper()
	return time.Date(year, month, day, hour, 0, 0, 0, f.Location())
}

func TestFetchRange(t *testing.T) {
	t.Run("SingleDay", func(t *testing.T) {
		p := newFakePortal(t)
		p.data["01/15/2024"] = dayPayload(5, 6.5, 7)

		f := newTestFetcher(t, p)
		start := localDay(t, f, 2024, time.January, 15, 0)
		end := localDay(t, f, 2024, time.January, 15, 23)

		readings, err := f.FetchRange(context.Background(), start, end)
		require.NoError(t, err)
		require.Len(t, readings, 3)
		assert.Equal(t, start, readings[0].Timestamp)
		assert.Equal(t, 5.0, readings[0].Gallons)
		assert.Equal(t, 7.0, readings[2].Gallons)
		assert.Equal(t, 1, p.downloads("01/15/2024"))
		assert.Equal(t, 1, p.logins())
	})

	t.Run("MultiDaySplitAndOrdered", func(t *testing.T) {
		p := newFakePortal(t)
		p.data["01/15/2024"] = dayPayload(1, 2)
		p.data["01/16/2024"] = dayPayload(3, 4)
		p.data["01/17/2024"] = dayPayload(5)

		f := newTestFetcher(t, p)
		start := localDay(t, f, 2024, time.January, 15, 0)
		end := localDay(t, f, 2024, time.January, 17, 23)

		readings, err := f.FetchRange(context.Background(), start, end)
		require.NoError(t, err)
		require.Len(t, readings, 5)
		for i := 1; i < len(readings); i++ {
			assert.True(t, readings[i-1].Timestamp.Before(readings[i].Timestamp),
				"readings out of order at %d", i)
		}
		assert.Equal(t, []float64{1, 2, 3, 4, 5}, gallonsOf(readings))
		assert.Equal(t, 1, p.downloads("01/15/2024"))
		assert.Equal(t, 1, p.downloads("01/16/2024"))
		assert.Equal(t, 1, p.downloads("01/17/2024"))
	})

	t.Run("PartialDayBounds", func(t *testing.T) {
		p := newFakePortal(t)
		p.data["01/15/2024"] = dayPayload(1, 2, 3, 4)

		f := newTestFetcher(t, p)
		start := localDay(t, f, 2024, time.January, 15, 1)
		end := localDay(t, f, 2024, time.January, 15, 2)

		readings, err := f.FetchRange(context.Background(), start, end)
		require.NoError(t, err)
		assert.Equal(t, []float64{2, 3}, gallonsOf(readings))
	})

	t.Run("ClampsToAvailableRange", func(t *testing.T) {
		p := newFakePortal(t)
		p.availStart = "Mon, 15 Jan 2024 00:00:00 GMT"
		p.availEnd = "Tue, 16 Jan 2024 00:00:00 GMT"
		p.data["01/15/2024"] = dayPayload(1)
		p.data["01/16/2024"] = dayPayload(2)

		f := newTestFetcher(t, p)
		start := localDay(t, f, 2024, time.January, 1, 0)
		end := localDay(t, f, 2024, time.January, 31, 23)

		readings, err := f.FetchRange(context.Background(), start, end)
		require.NoError(t, err)
		assert.Equal(t, []float64{1, 2}, gallonsOf(readings))
		assert.Equal(t, 0, p.downloads("01/14/2024"))
		assert.Equal(t, 0, p.downloads("01/17/2024"))
	})

	t.Run("EmptyAfterClampIsSuccess", func(t *testing.T) {
		p := newFakePortal(t)
		p.availStart = "Mon, 01 Jan 2024 00:00:00 GMT"
		p.availEnd = "Wed, 10 Jan 2024 00:00:00 GMT"

		f := newTestFetcher(t, p)
		start := localDay(t, f, 2024, time.January, 20, 0)
		end := localDay(t, f, 2024, time.January, 21, 23)

		readings, err := f.FetchRange(context.Background(), start, end)
		require.NoError(t, err)
		assert.Empty(t, readings)
		assert.Equal(t, 0, p.downloads("01/20/2024"))
	})

	t.Run("InvalidRange", func(t *testing.T) {
		p := newFakePortal(t)
		f := newTestFetcher(t, p)

		start := localDay(t, f, 2024, time.January, 16, 0)
		end := localDay(t, f, 2024, time.January, 15, 0)

		_, err := f.FetchRange(context.Background(), start, end)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid range")
		assert.Equal(t, 0, p.logins())
	})

	t.Run("SessionExpiryMidFetchRetriesOnlyFailedDay", func(t *testing.T) {
		p := newFakePortal(t)
		p.data["01/15/2024"] = dayPayload(1, 2)
		p.data["01/16/2024"] = dayPayload(3, 4)
		p.expireAfter = 1

		f := newTestFetcher(t, p)
		start := localDay(t, f, 2024, time.January, 15, 0)
		end := localDay(t, f, 2024, time.January, 16, 23)

		readings, err := f.FetchRange(context.Background(), start, end)
		require.NoError(t, err)
		assert.Equal(t, []float64{1, 2, 3, 4}, gallonsOf(readings))
		assert.Equal(t, 2, p.logins(), "expected exactly one re-authentication")
		assert.Equal(t, 1, p.downloads("01/15/2024"))
		assert.Equal(t, 1, p.downloads("01/16/2024"))
	})

	t.Run("SeededCookiesSkipHandshake", func(t *testing.T) {
		p := newFakePortal(t)
		p.data["01/15/2024"] = dayPayload(1, 2)
		// The handshake being down is the situation captured cookies
		// exist to carry.
		p.failLogins = true

		cfg := p.cfg()
		cfg.Portal.Cookies = []config.Cookie{p.seedSession()}
		sess, err := NewSession(cfg, testLogger(t))
		require.NoError(t, err)
		f, err := NewFetcher(sess, cfg, testLogger(t))
		require.NoError(t, err)

		start := localDay(t, f, 2024, time.January, 15, 0)
		end := localDay(t, f, 2024, time.January, 15, 23)

		readings, err := f.FetchRange(context.Background(), start, end)
		require.NoError(t, err)
		assert.Equal(t, []float64{1, 2}, gallonsOf(readings))
		assert.Equal(t, 0, p.logins())
	})

	t.Run("StaleSeededCookiesReauthOnce", func(t *testing.T) {
		p := newFakePortal(t)
		p.data["01/15/2024"] = dayPayload(3)

		cfg := p.cfg()
		// A cookie from a dead portal session: the server no longer
		// recognizes it, so the first request bounces to the login page.
		cfg.Portal.Cookies = []config.Cookie{{Name: "session", Value: "ok", Path: "/"}}
		sess, err := NewSession(cfg, testLogger(t))
		require.NoError(t, err)
		f, err := NewFetcher(sess, cfg, testLogger(t))
		require.NoError(t, err)

		start := localDay(t, f, 2024, time.January, 15, 0)
		end := localDay(t, f, 2024, time.January, 15, 23)

		readings, err := f.FetchRange(context.Background(), start, end)
		require.NoError(t, err)
		assert.Equal(t, []float64{3}, gallonsOf(readings))
		assert.Equal(t, 1, p.logins())
	})

	t.Run("MalformedDayReturnsPrefix", func(t *testing.T) {
		p := newFakePortal(t)
		p.data["01/15/2024"] = dayPayload(1, 2)
		p.malformedDays["01/16/2024"] = true

		f := newTestFetcher(t, p)
		start := localDay(t, f, 2024, time.January, 15, 0)
		end := localDay(t, f, 2024, time.January, 16, 23)

		readings, err := f.FetchRange(context.Background(), start, end)
		require.Error(t, err)
		var ferr *FetchError
		require.ErrorAs(t, err, &ferr)
		assert.Equal(t, FetchMalformedResponse, ferr.Kind)
		assert.Equal(t, []float64{1, 2}, gallonsOf(readings))
	})

	t.Run("ServerErrorIsPortalUnavailable", func(t *testing.T) {
		p := newFakePortal(t)
		p.data["01/15/2024"] = dayPayload(1)
		p.failDownloads = 1

		f := newTestFetcher(t, p)
		start := localDay(t, f, 2024, time.January, 15, 0)
		end := localDay(t, f, 2024, time.January, 15, 23)

		readings, err := f.FetchRange(context.Background(), start, end)
		require.Error(t, err)
		assert.True(t, IsPortalUnavailable(err))
		assert.Empty(t, readings)
	})
}

func gallonsOf(readings []models.UsageReading) []float64 {
	out := make([]float64, 0, len(readings))
	for _, r := range readings {
		out = append(out, r.Gallons)
	}
	return out
}
