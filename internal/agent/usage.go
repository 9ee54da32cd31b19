package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rvbbit/windlass/internal/unilog"
)

// HTTPUsageFetcher polls the provider's usage endpoint for the deferred
// cost of a completed request. Providers report usage only some time
// after the completion returns, so 404/202 map to ErrUsageNotReady and
// the reconciler keeps polling within its wall budget.
type HTTPUsageFetcher struct {
	BaseURL  string
	APIKey   string
	Provider string
	Client   *http.Client
}

// FetchUsage implements unilog.UsageFetcher.
func (f *HTTPUsageFetcher) FetchUsage(ctx context.Context, providerRequestID string) (*unilog.CostUpdate, error) {
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	url := strings.TrimRight(f.BaseURL, "/") + "/v1/usage/" + providerRequestID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build usage request: %w", err)
	}
	if f.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.APIKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("usage request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusAccepted:
		return nil, unilog.ErrUsageNotReady
	default:
		return nil, fmt.Errorf("usage request: status %d", resp.StatusCode)
	}

	var payload struct {
		Cost            *float64 `json:"cost"`
		TokensIn        *int     `json:"tokens_in"`
		TokensOut       *int     `json:"tokens_out"`
		ReasoningTokens *int     `json:"reasoning_tokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode usage response: %w", err)
	}
	if payload.Cost == nil {
		return nil, unilog.ErrUsageNotReady
	}

	return &unilog.CostUpdate{
		ProviderRequestID: providerRequestID,
		Cost:              payload.Cost,
		TokensIn:          payload.TokensIn,
		TokensOut:         payload.TokensOut,
		ReasoningTokens:   payload.ReasoningTokens,
		Provider:          f.Provider,
	}, nil
}
