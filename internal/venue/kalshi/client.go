// Package kalshi adapts the Kalshi exchange REST API to the quote-source
// and order-executor capabilities.
package kalshi

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/arborlabs/arbd/internal/domain"
)

// VenueName is the identifier this adapter registers under.
const VenueName = "kalshi"

// Client is the REST client for the Kalshi exchange API. It implements both
// domain.QuoteSource and domain.OrderExecutor: events map 1:1 to Kalshi
// market tickers.
type Client struct {
	baseURL    string
	apiKeyID   string
	privateKey *rsa.PrivateKey
	httpClient *http.Client
}

// NewClient creates a new Kalshi client.
//
// baseURL is the API root, e.g. "https://api.elections.kalshi.com/trade-api/v2".
// apiKeyID is the Kalshi API key identifier.
func NewClient(baseURL, apiKeyID string) *Client {
	return &Client{
		baseURL:  baseURL,
		apiKeyID: apiKeyID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

var (
	_ domain.QuoteSource   = (*Client)(nil)
	_ domain.OrderExecutor = (*Client)(nil)
)

// Name returns the venue identifier.
func (c *Client) Name() string { return VenueName }

// SetRSAPrivateKey loads an RSA private key from PEM-encoded bytes and
// configures the client for RSA-signed authentication.
func (c *Client) SetRSAPrivateKey(pemBytes []byte) error {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return fmt.Errorf("kalshi: no PEM block found in private key")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		// Try PKCS1 as fallback.
		pkcs1Key, pkcs1Err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if pkcs1Err != nil {
			return fmt.Errorf("kalshi: parse private key: %w (pkcs1: %v)", err, pkcs1Err)
		}
		c.privateKey = pkcs1Key
		return nil
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("kalshi: expected RSA private key, got %T", key)
	}
	c.privateKey = rsaKey
	return nil
}

// market is the subset of the Kalshi market object the adapter reads. Prices
// are integer cents.
type market struct {
	Ticker    string `json:"ticker"`
	Status    string `json:"status"`
	YesAsk    int    `json:"yes_ask"`
	NoAsk     int    `json:"no_ask"`
	Liquidity int64  `json:"liquidity"`
}

// GetQuote returns the current ask for one side of a market. The event ID is
// the Kalshi market ticker.
func (c *Client) GetQuote(ctx context.Context, eventID string, side domain.Side) (domain.Quote, error) {
	path := fmt.Sprintf("/markets/%s", url.PathEscape(eventID))

	body, err := c.doSignedRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("kalshi: get market %s: %w", eventID, err)
	}

	var resp struct {
		Market market `json:"market"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Quote{}, fmt.Errorf("kalshi: decode market: %w", err)
	}
	m := resp.Market
	if m.Status != "" && m.Status != "active" {
		return domain.Quote{}, fmt.Errorf("kalshi: market %s is %s: %w", eventID, m.Status, domain.ErrNotFound)
	}

	ask := m.YesAsk
	if side == domain.SideNo {
		ask = m.NoAsk
	}
	if ask <= 0 || ask >= 100 {
		return domain.Quote{}, fmt.Errorf("kalshi: market %s has no %s ask", eventID, side)
	}

	return domain.Quote{
		Venue:   VenueName,
		EventID: eventID,
		Side:    side,
		Price:   float64(ask) / 100,
		Size:    sizeFromLiquidity(m.Liquidity, ask),
		AsOf:    time.Now().UTC(),
	}, nil
}

// sizeFromLiquidity estimates the fillable contract count at the quoted ask
// from the market's liquidity figure (reported in cents).
func sizeFromLiquidity(liquidityCents int64, askCents int) float64 {
	if liquidityCents <= 0 || askCents <= 0 {
		return 0
	}
	return float64(liquidityCents) / float64(askCents)
}

// orderRequest is the Kalshi order placement payload.
type orderRequest struct {
	Ticker        string `json:"ticker"`
	ClientOrderID string `json:"client_order_id"`
	Action        string `json:"action"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Count         int64  `json:"count"`
	YesPrice      int    `json:"yes_price,omitempty"`
	NoPrice       int    `json:"no_price,omitempty"`
}

type orderResponse struct {
	Order struct {
		OrderID   string `json:"order_id"`
		Status    string `json:"status"`
		YesPrice  int    `json:"yes_price"`
		NoPrice   int    `json:"no_price"`
		FillCount int64  `json:"fill_count"`
	} `json:"order"`
}

// PlaceOrder submits a limit buy at the given price and reports the fill.
func (c *Client) PlaceOrder(ctx context.Context, eventID string, side domain.Side, price, size float64) (domain.OrderResult, error) {
	req := orderRequest{
		Ticker:        eventID,
		ClientOrderID: uuid.NewString(),
		Action:        "buy",
		Side:          string(side),
		Type:          "limit",
		Count:         int64(size),
	}
	cents := int(price * 100)
	if side == domain.SideYes {
		req.YesPrice = cents
	} else {
		req.NoPrice = cents
	}

	body, err := c.doSignedRequest(ctx, http.MethodPost, "/portfolio/orders", req)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("kalshi: place order: %w", err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.OrderResult{}, fmt.Errorf("kalshi: decode order response: %w", err)
	}

	res := domain.OrderResult{
		ExternalOrderID: resp.Order.OrderID,
		FilledSize:      float64(resp.Order.FillCount),
		FilledPrice:     price,
	}
	switch resp.Order.Status {
	case "executed":
		res.Status = domain.LegFilled
		if res.FilledSize == 0 {
			res.FilledSize = size
		}
	case "canceled":
		res.Status = domain.LegFailed
		return res, fmt.Errorf("kalshi: order %s was immediately cancelled", resp.Order.OrderID)
	default:
		res.Status = domain.LegPlaced
	}
	return res, nil
}

// CancelOrUnwind cancels a resting order. Kalshi refunds the reserved
// capital on cancellation, so recovered proceeds are reported as zero (the
// leg's cost never left the account for unfilled orders).
func (c *Client) CancelOrUnwind(ctx context.Context, externalOrderID string) (float64, error) {
	path := fmt.Sprintf("/portfolio/orders/%s", url.PathEscape(externalOrderID))

	if _, err := c.doSignedRequest(ctx, http.MethodDelete, path, nil); err != nil {
		return 0, fmt.Errorf("kalshi: cancel order %s: %w", externalOrderID, err)
	}
	return 0, nil
}

// Balance returns the account's available balance in USD.
func (c *Client) Balance(ctx context.Context) (float64, error) {
	body, err := c.doSignedRequest(ctx, http.MethodGet, "/portfolio/balance", nil)
	if err != nil {
		return 0, fmt.Errorf("kalshi: get balance: %w", err)
	}

	var resp struct {
		Balance int64 `json:"balance"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("kalshi: decode balance: %w", err)
	}
	return float64(resp.Balance) / 100, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doSignedRequest builds, signs (RSA), sends, and reads an HTTP request
// against the Kalshi API.
func (c *Client) doSignedRequest(ctx context.Context, method, path string, reqBody any) ([]byte, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	fullURL := c.baseURL + path

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	// Sign the request with RSA.
	if err := c.signRequest(req, method, path); err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := c.checkStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	return respBody, nil
}

// signRequest adds RSA authentication headers to the HTTP request.
// Kalshi uses RSA-PSS-SHA256 signatures over the timestamp + method + path
// message string.
func (c *Client) signRequest(req *http.Request, method, path string) error {
	if c.privateKey == nil {
		// If no RSA key is set, we cannot sign. This is a configuration error.
		return fmt.Errorf("kalshi: RSA private key not configured")
	}

	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)

	// The message to sign is: timestamp + method + path
	message := ts + method + path

	hash := sha256.Sum256([]byte(message))
	signature, err := rsa.SignPSS(rand.Reader, c.privateKey, crypto.SHA256, hash[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return fmt.Errorf("RSA sign: %w", err)
	}

	encodedSig := base64.StdEncoding.EncodeToString(signature)

	req.Header.Set("KALSHI-ACCESS-KEY", c.apiKeyID)
	req.Header.Set("KALSHI-ACCESS-SIGNATURE", encodedSig)
	req.Header.Set("KALSHI-ACCESS-TIMESTAMP", ts)

	return nil
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// checkStatus maps non-2xx HTTP status codes to appropriate errors.
func (c *Client) checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr errorResponse
	_ = json.Unmarshal(body, &apiErr)

	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("kalshi: %s (%s): %w", apiErr.Message, apiErr.Code, domain.ErrNotFound)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("kalshi: %s (%s): %w", apiErr.Message, apiErr.Code, domain.ErrUnauthorized)
	case http.StatusTooManyRequests:
		return fmt.Errorf("kalshi: %s (%s): %w", apiErr.Message, apiErr.Code, domain.ErrRateLimited)
	case http.StatusBadRequest:
		return fmt.Errorf("kalshi: bad request: %s (%s)", apiErr.Message, apiErr.Code)
	case http.StatusConflict:
		return fmt.Errorf("kalshi: conflict: %s (%s)", apiErr.Message, apiErr.Code)
	default:
		return fmt.Errorf("kalshi: HTTP %d: %s (%s)", statusCode, apiErr.Message, apiErr.Code)
	}
}
