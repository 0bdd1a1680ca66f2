package portal

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jgoulah/waterscraper/pkg/models"
)

// The portal is classic ASP.NET WebForms: every POST has to echo back the
// hidden state fields from the page it was rendered on.
var hiddenFieldNames = []string{"__VIEWSTATE", "__VIEWSTATEGENERATOR", "__EVENTVALIDATION"}

var (
	startDateRe = regexp.MustCompile(`"startDate":"([^"]+)"`)
	endDateRe   = regexp.MustCompile(`"endDate":"([^"]+)"`)
)

// availableRangeLayout is how the hourly page embeds its date range in
// inline JavaScript, e.g. "Mon, 02 Jan 2006 15:04:05 GMT".
const availableRangeLayout = "Mon, 02 Jan 2006 15:04:05 MST"

// hiddenFields extracts the WebForms hidden state inputs from a page
func hiddenFields(pageHTML string) (map[string]string, error) {
	fields := make(map[string]string, len(hiddenFieldNames))
	for _, name := range hiddenFieldNames {
		re := regexp.MustCompile(`id="` + name + `"\s+value="([^"]*)"`)
		m := re.FindStringSubmatch(pageHTML)
		if m == nil {
			return nil, fmt.Errorf("hidden field %s not found in page", name)
		}
		fields[name] = m[1]
	}
	return fields, nil
}

// availableRange extracts the queryable date range the hourly usage page
// advertises in its embedded JavaScript
func availableRange(pageHTML string) (time.Time, time.Time, error) {
	sm := startDateRe.FindStringSubmatch(pageHTML)
	em := endDateRe.FindStringSubmatch(pageHTML)
	if sm == nil || em == nil {
		return time.Time{}, time.Time{}, fmt.Errorf("available date range not found in page")
	}

	start, err := time.Parse(availableRangeLayout, sm[1])
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parsing available start date %q: %w", sm[1], err)
	}
	end, err := time.Parse(availableRangeLayout, em[1])
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parsing available end date %q: %w", em[1], err)
	}
	return start, end, nil
}

// parseHourlyPayload parses one day's download. The payload is a header
// line followed by tab-separated rows of "<hour> <AM/PM>\t<consumption>".
// Rows that fail to parse as an hour plus a non-negative quantity are
// skipped and counted, never fatal; the whole payload is only rejected
// when no row parses at all.
func parseHourlyPayload(content []byte, day time.Time, loc *time.Location) ([]models.UsageReading, int, error) {
	text := strings.ReplaceAll(string(content), "\r\n", "\n")
	lines := strings.Split(text, "\n")

	var readings []models.UsageReading
	seen := make(map[time.Time]bool)
	skipped := 0
	dataLines := 0

	// Skip the header line
	for _, line := range lines[1:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		dataLines++

		sep := "\t"
		if !strings.Contains(line, "\t") {
			sep = ","
		}
		parts := strings.SplitN(line, sep, 2)
		if len(parts) != 2 {
			skipped++
			continue
		}

		hour, err := time.Parse("3 PM", strings.TrimSpace(parts[0]))
		if err != nil {
			skipped++
			continue
		}

		quantity, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil || quantity < 0 {
			skipped++
			continue
		}

		ts := time.Date(day.Year(), day.Month(), day.Day(), hour.Hour(), 0, 0, 0, loc)
		if seen[ts] {
			skipped++
			continue
		}
		seen[ts] = true

		readings = append(readings, models.UsageReading{
			Timestamp: ts,
			Gallons:   quantity,
		})
	}

	if dataLines > 0 && len(readings) == 0 {
		return nil, skipped, &FetchError{
			Kind:    FetchMalformedResponse,
			Message: fmt.Sprintf("no parseable rows in %d-line payload for %s", dataLines, day.Format("2006-01-02")),
		}
	}

	// The portal occasionally emits rows out of order
	sort.Slice(readings, func(i, j int) bool {
		return readings[i].Timestamp.Before(readings[j].Timestamp)
	})

	return readings, skipped, nil
}
