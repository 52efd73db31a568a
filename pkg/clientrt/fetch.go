package clientrt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// fetchPolicy calls GET /config/{service}/{endpoint} and decodes the
// response into a PolicyConfig. Authentication uses X-API-Key, matching
// internal/auth/middleware.go's API-key path rather than spec §6's literal
// "Authorization: Bearer <api_key>" wording — see DESIGN.md's Open Question
// decisions for why.
func (c *Client) fetchPolicy(ctx context.Context, endpoint string) (PolicyConfig, error) {
	url := fmt.Sprintf("%s/config/%s%s", c.baseURL, c.service, endpoint)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return PolicyConfig{}, err
	}
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return PolicyConfig{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return PolicyConfig{}, fmt.Errorf("config fetch for %s%s: unexpected status %d", c.service, endpoint, resp.StatusCode)
	}

	var cfg PolicyConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return PolicyConfig{}, fmt.Errorf("decode config response: %w", err)
	}
	return cfg, nil
}
