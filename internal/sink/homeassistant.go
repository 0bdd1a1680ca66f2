package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jgoulah/waterscraper/internal/config"
	"github.com/jgoulah/waterscraper/pkg/models"
)

// HomeAssistant writes cumulative statistics batches to Home Assistant's
// external statistics store over its HTTP API.
type HomeAssistant struct {
	client      *http.Client
	url         string
	token       string
	statisticID string
}

// NewHomeAssistant creates the statistics sink from config
func NewHomeAssistant(cfg config.HAConfig) (*HomeAssistant, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("Home Assistant URL is required when enabled")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("Home Assistant token is required when enabled")
	}
	if cfg.StatisticID == "" {
		return nil, fmt.Errorf("Home Assistant statistic_id is required when enabled")
	}

	return &HomeAssistant{
		client:      &http.Client{Timeout: 30 * time.Second},
		url:         cfg.URL,
		token:       cfg.Token,
		statisticID: cfg.StatisticID,
	}, nil
}

// statisticsPayload matches the external statistics import service call
type statisticsPayload struct {
	StatisticID string           `json:"statistic_id"`
	Unit        string           `json:"unit_of_measurement"`
	HasSum      bool             `json:"has_sum"`
	Stats       []statisticEntry `json:"stats"`
}

type statisticEntry struct {
	Start string  `json:"start"`
	State float64 `json:"state"`
	Sum   float64 `json:"sum"`
}

// WriteBatch sends the whole batch in one request so the import is
// all-or-nothing for the cycle.
func (h *HomeAssistant) WriteBatch(ctx context.Context, points []models.StatisticPoint) error {
	if len(points) == 0 {
		return nil
	}

	payload := statisticsPayload{
		StatisticID: h.statisticID,
		Unit:        "gal",
		HasSum:      true,
		Stats:       make([]statisticEntry, 0, len(points)),
	}
	for _, p := range points {
		payload.Stats = append(payload.Stats, statisticEntry{
			Start: p.Start.Format(time.RFC3339),
			State: p.Delta,
			Sum:   p.Sum,
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	apiURL := fmt.Sprintf("%s/api/appdaemon/import_statistics", h.url)
	req, err := http.NewRequestWithContext(ctx, "POST", apiURL, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+h.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("request error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("HTTP error: status %d, response: %s", resp.StatusCode, string(respBody))
	}

	return nil
}
