package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ScreeningClient calls the external address screening provider that decides
// whether a deposit origin may enter the compliance set
type ScreeningClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewScreeningClient creates a new screening provider client
func NewScreeningClient(baseURL string, timeout time.Duration) *ScreeningClient {
	if baseURL == "" {
		baseURL = "http://localhost:8090"
	}
	if timeout <= 0 {
		// provider may consult upstream chain-analysis APIs, give it room
		timeout = 30 * time.Second
	}
	return &ScreeningClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ScreeningRequest is the screening query for one deposit
type ScreeningRequest struct {
	Address    string `json:"address"`
	Commitment string `json:"commitment"`
}

// ScreeningVerdict is the provider's decision for one address
type ScreeningVerdict struct {
	Approved  bool     `json:"approved"`
	RiskScore float64  `json:"risk_score"`
	Flags     []string `json:"flags,omitempty"`
	Provider  string   `json:"provider,omitempty"`
}

type screeningResponse struct {
	Success bool             `json:"success"`
	Data    ScreeningVerdict `json:"data"`
	Error   string           `json:"error,omitempty"`
}

// Screen submits a deposit origin for screening. A transport or provider
// error means "no verdict", not "blocked"; callers keep the deposit pending.
func (c *ScreeningClient) Screen(ctx context.Context, address, commitment string) (*ScreeningVerdict, error) {
	reqBody := ScreeningRequest{Address: address, Commitment: commitment}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/screenings", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("screening provider returned status %d: %s", resp.StatusCode, string(body))
	}

	var result screeningResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if !result.Success {
		return nil, fmt.Errorf("screening provider returned error: %s", result.Error)
	}

	return &result.Data, nil
}

// TestConnection tests the connection to the screening provider
func (c *ScreeningClient) TestConnection(ctx context.Context) error {
	url := fmt.Sprintf("%s/health", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create test request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to screening provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("screening provider health check returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
