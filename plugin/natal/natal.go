// Package natal fetches natal chart summaries from an external astrology
// API and exposes them as profile context for response generation.
package natal

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// timeout is the per-fetch deadline. Profile context is optional, so a
// slow natal backend must never hold a regeneration hostage.
const timeout = 5 * time.Second

// Provider fetches natal chart summaries over HTTP. It satisfies
// chat.ProfileProvider.
type Provider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewProvider creates a natal chart provider. Returns nil when no base URL
// is configured; a nil Provider is valid and the orchestrator treats it as
// "no profile context".
func NewProvider(baseURL, apiKey string) *Provider {
	if baseURL == "" {
		return nil
	}
	return &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type chartResponse struct {
	Summary string `json:"summary"`
	Sun     string `json:"sun,omitempty"`
	Moon    string `json:"moon,omitempty"`
	Rising  string `json:"rising,omitempty"`
}

// Fetch returns the natal chart summary for the user, formatted as prompt
// context.
func (p *Provider) Fetch(ctx context.Context, userID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/charts/"+userID, nil)
	if err != nil {
		return "", errors.Wrapf(err, "failed to construct natal chart request for %s", userID)
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "failed to fetch natal chart for %s", userID)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// No chart on file is not an error; the reading proceeds without it.
		return "", nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", errors.Errorf("natal chart request for %s failed, status code: %d", userID, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.Wrapf(err, "failed to read natal chart response for %s", userID)
	}

	var chart chartResponse
	if err := json.Unmarshal(body, &chart); err != nil {
		return "", errors.Wrapf(err, "failed to unmarshal natal chart response for %s", userID)
	}
	return formatChart(&chart), nil
}

func formatChart(chart *chartResponse) string {
	var b strings.Builder
	if chart.Summary != "" {
		b.WriteString(chart.Summary)
	}
	placements := [][2]string{
		{"Sun", chart.Sun},
		{"Moon", chart.Moon},
		{"Rising", chart.Rising},
	}
	for _, p := range placements {
		if p[1] == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(p[0])
		b.WriteString(": ")
		b.WriteString(p[1])
	}
	return b.String()
}
