package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client talks to the marketplace HTTP API for price data and trade execution.
type Client struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
}

// NewClient creates a new marketplace API client
func NewClient(baseURL, apiToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		apiToken:   apiToken,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// MarketToken is one row of the batched marketplace price feed
type MarketToken struct {
	Denom  string  `json:"denom"`
	Price  float64 `json:"price"`
	Volume float64 `json:"volume_24h"`
}

// TradeResult is the marketplace response for a buy or sell
type TradeResult struct {
	Status        string `json:"status"` // PENDING, SUCCESS, FAILED
	TxHash        string `json:"tx_hash"`
	TokensOut     string `json:"tokens_out,omitempty"`
	PaymentOut    string `json:"payment_out,omitempty"`
	PricePaid     string `json:"price_paid,omitempty"`
	PriceReceived string `json:"price_received,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Accepted reports whether the marketplace accepted the transaction
func (r *TradeResult) Accepted() bool {
	return r.Status == "PENDING" || r.Status == "SUCCESS"
}

// GetMarketplaceTokens fetches price and volume for up to limit tokens in one call
func (c *Client) GetMarketplaceTokens(ctx context.Context, limit int) ([]MarketToken, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))

	endpoint := fmt.Sprintf("%s/marketplace/tokens?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("error building marketplace request: %w", err)
	}
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching marketplace tokens: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading marketplace response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("marketplace returned status %d: %s", resp.StatusCode, string(body))
	}

	var payload struct {
		Tokens []MarketToken `json:"tokens"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("error parsing marketplace response: %w", err)
	}

	return payload.Tokens, nil
}

// Buy spends paymentAmount (micro-units) to purchase the given token
func (c *Client) Buy(ctx context.Context, denom string, paymentAmount string) (*TradeResult, error) {
	return c.trade(ctx, "/trade/buy", map[string]string{
		"denom":          denom,
		"payment_amount": paymentAmount,
	})
}

// Sell sells tokenAmount (micro-units) of the given token. minPaymentOut bounds
// acceptable slippage; empty means no bound.
func (c *Client) Sell(ctx context.Context, denom string, tokenAmount, minPaymentOut string) (*TradeResult, error) {
	body := map[string]string{
		"denom":        denom,
		"token_amount": tokenAmount,
	}
	if minPaymentOut != "" {
		body["min_payment_out"] = minPaymentOut
	}
	return c.trade(ctx, "/trade/sell", body)
}

func (c *Client) trade(ctx context.Context, path string, payload map[string]string) (*TradeResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("error encoding trade request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("error building trade request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error executing trade: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading trade response: %w", err)
	}

	var result TradeResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("error parsing trade response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 400 && result.Error == "" {
		result.Status = "FAILED"
		result.Error = fmt.Sprintf("trade endpoint returned status %d", resp.StatusCode)
	}

	return &result, nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}
}

// ToMicroUnits converts a decimal amount to the marketplace micro-unit string
func ToMicroUnits(amount float64) string {
	return strconv.FormatInt(int64(amount*1_000_000), 10)
}
