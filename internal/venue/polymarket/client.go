// Package polymarket adapts the Polymarket CLOB and Gamma APIs to the
// quote-source and order-executor capabilities. Events map to Gamma market
// slugs; each slug resolves to a yes/no pair of CLOB token IDs.
package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/arborlabs/arbd/internal/domain"
)

// VenueName is the identifier this adapter registers under.
const VenueName = "polymarket"

// polygonChainID is the chain the CLOB exchange contract lives on.
const polygonChainID = 137

// priceFixedPoint converts display prices/sizes to the CLOB's 6-decimal
// fixed-point integer amounts.
const priceFixedPoint = 1e6

const zeroAddress = "0x0000000000000000000000000000000000000000"

// Client is the REST client for the Polymarket CLOB and Gamma APIs.
type Client struct {
	clobHost   string
	gammaHost  string
	httpClient *http.Client
	signer     *signer
	auth       *hmacAuth

	mu     sync.RWMutex
	tokens map[string]tokenPair // event slug -> CLOB token IDs
}

// tokenPair is the yes/no CLOB token IDs for one binary market.
type tokenPair struct {
	Yes string
	No  string
}

// NewClient creates a new Polymarket client. privateKeyHex may be empty for
// a quote-only client; order placement then fails with ErrUnauthorized.
func NewClient(clobHost, gammaHost, privateKeyHex string) (*Client, error) {
	c := &Client{
		clobHost:  clobHost,
		gammaHost: gammaHost,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		tokens: make(map[string]tokenPair),
	}

	if privateKeyHex != "" {
		s, err := newSigner(privateKeyHex, polygonChainID)
		if err != nil {
			return nil, err
		}
		c.signer = s
	}

	return c, nil
}

var (
	_ domain.QuoteSource   = (*Client)(nil)
	_ domain.OrderExecutor = (*Client)(nil)
)

// Name returns the venue identifier.
func (c *Client) Name() string { return VenueName }

// DeriveAPIKey performs the CLOB auth flow to obtain an HMAC API key. It
// signs a ClobAuth EIP-712 message and sends it with L1 headers to the
// derive-api-key endpoint. On success it populates the client's auth field.
func (c *Client) DeriveAPIKey(ctx context.Context) error {
	if c.signer == nil {
		return fmt.Errorf("polymarket: derive api key: no signing key configured: %w", domain.ErrUnauthorized)
	}

	address := c.signer.Address().Hex()
	timestamp := time.Now().Unix()
	nonce := int64(0)

	sig, err := c.signer.signAuthMessage(address, timestamp, nonce)
	if err != nil {
		return fmt.Errorf("polymarket: sign auth message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.clobHost+"/auth/derive-api-key", nil)
	if err != nil {
		return fmt.Errorf("polymarket: create auth request: %w", err)
	}
	req.Header.Set("POLY_ADDRESS", address)
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("POLY_NONCE", strconv.FormatInt(nonce, 10))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("polymarket: auth request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("polymarket: read auth response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("polymarket: auth failed (HTTP %d): %s", resp.StatusCode, string(respBody))
	}

	var authResp struct {
		APIKey     string `json:"apiKey"`
		Secret     string `json:"secret"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.Unmarshal(respBody, &authResp); err != nil {
		return fmt.Errorf("polymarket: decode auth response: %w", err)
	}

	c.auth = &hmacAuth{
		Key:        authResp.APIKey,
		Secret:     authResp.Secret,
		Passphrase: authResp.Passphrase,
	}

	return nil
}

// SetCredentials installs a pre-derived HMAC credential set, skipping the
// derive-api-key round trip.
func (c *Client) SetCredentials(key, secret, passphrase string) {
	c.auth = &hmacAuth{Key: key, Secret: secret, Passphrase: passphrase}
}

// GetQuote returns the best ask for one side of a market. The event ID is
// the Gamma market slug.
func (c *Client) GetQuote(ctx context.Context, eventID string, side domain.Side) (domain.Quote, error) {
	pair, err := c.resolveTokens(ctx, eventID)
	if err != nil {
		return domain.Quote{}, err
	}

	tokenID := pair.Yes
	if side == domain.SideNo {
		tokenID = pair.No
	}

	book, err := c.getBook(ctx, tokenID)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("polymarket: get book for %s: %w", eventID, err)
	}

	price, size, ok := book.bestAsk()
	if !ok {
		return domain.Quote{}, fmt.Errorf("polymarket: no asks for %s %s side", eventID, side)
	}

	return domain.Quote{
		Venue:   VenueName,
		EventID: eventID,
		Side:    side,
		Price:   price,
		Size:    size,
		AsOf:    time.Now().UTC(),
	}, nil
}

// PlaceOrder submits a signed fill-or-kill buy order to the CLOB. A FOK
// order either fills completely or is killed, so the result is always
// LegFilled or LegFailed.
func (c *Client) PlaceOrder(ctx context.Context, eventID string, side domain.Side, price, size float64) (domain.OrderResult, error) {
	if c.signer == nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket: place order: no signing key configured: %w", domain.ErrUnauthorized)
	}

	pair, err := c.resolveTokens(ctx, eventID)
	if err != nil {
		return domain.OrderResult{}, err
	}
	tokenID := pair.Yes
	if side == domain.SideNo {
		tokenID = pair.No
	}

	result, err := c.submitOrder(ctx, tokenID, clobBuy, price, size)
	if err != nil {
		return domain.OrderResult{}, err
	}
	return result, nil
}

// CancelOrUnwind cancels a resting order, or sells back the position if the
// order already matched. Proceeds are the USDC realized by the sell (zero
// for a plain cancel).
func (c *Client) CancelOrUnwind(ctx context.Context, externalOrderID string) (float64, error) {
	order, err := c.getOrder(ctx, externalOrderID)
	if err != nil {
		return 0, fmt.Errorf("polymarket: look up order %s: %w", externalOrderID, err)
	}

	matched, _ := strconv.ParseFloat(order.SizeMatched, 64)
	if matched == 0 {
		if err := c.cancelOrder(ctx, externalOrderID); err != nil {
			return 0, err
		}
		return 0, nil
	}

	// The order filled; unwind by selling the position at the current bid.
	book, err := c.getBook(ctx, order.AssetID)
	if err != nil {
		return 0, fmt.Errorf("polymarket: get book for unwind: %w", err)
	}
	bid, _, ok := book.bestBid()
	if !ok {
		return 0, fmt.Errorf("polymarket: no bids to unwind order %s", externalOrderID)
	}

	result, err := c.submitOrder(ctx, order.AssetID, clobSell, bid, matched)
	if err != nil {
		return 0, fmt.Errorf("polymarket: unwind order %s: %w", externalOrderID, err)
	}
	return result.FilledPrice * result.FilledSize, nil
}

// --------------------------------------------------------------------------
// CLOB order plumbing
// --------------------------------------------------------------------------

const (
	clobBuy  = 0
	clobSell = 1
)

// submitOrder builds, signs, and posts a FOK order for tokenID.
func (c *Client) submitOrder(ctx context.Context, tokenID string, side int, price, size float64) (domain.OrderResult, error) {
	maker := c.signer.Address().Hex()

	// For a BUY the maker gives USDC and takes shares; a SELL is the
	// reverse. Both amounts are 6-decimal fixed-point integers.
	shares := new(big.Int).SetInt64(int64(size * priceFixedPoint))
	usdc := new(big.Int).SetInt64(int64(price * size * priceFixedPoint))

	payload := orderPayload{
		Salt:          strconv.FormatInt(time.Now().UnixNano(), 10),
		Maker:         maker,
		Signer:        maker,
		Taker:         zeroAddress,
		TokenID:       tokenID,
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          side,
		SignatureType: 0,
	}
	if side == clobBuy {
		payload.MakerAmount = usdc.String()
		payload.TakerAmount = shares.String()
	} else {
		payload.MakerAmount = shares.String()
		payload.TakerAmount = usdc.String()
	}

	sig, err := c.signer.signOrder(payload)
	if err != nil {
		return domain.OrderResult{}, err
	}

	sideStr := "BUY"
	if side == clobSell {
		sideStr = "SELL"
	}
	body := map[string]any{
		"order": map[string]any{
			"salt":          payload.Salt,
			"tokenID":       payload.TokenID,
			"makerAmount":   payload.MakerAmount,
			"takerAmount":   payload.TakerAmount,
			"side":          sideStr,
			"feeRateBps":    payload.FeeRateBps,
			"nonce":         payload.Nonce,
			"expiration":    payload.Expiration,
			"signatureType": payload.SignatureType,
			"signature":     sig,
			"maker":         payload.Maker,
			"signer":        payload.Signer,
			"taker":         payload.Taker,
		},
		"owner":     payload.Maker,
		"orderType": "FOK",
	}

	respBody, err := c.doClobRequest(ctx, http.MethodPost, "/order", body)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket: post order: %w", err)
	}

	var apiResult struct {
		Success  bool   `json:"success"`
		ErrorMsg string `json:"errorMsg"`
		OrderID  string `json:"orderID"`
		Status   string `json:"status"`
	}
	if err := json.Unmarshal(respBody, &apiResult); err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket: decode order result: %w", err)
	}

	result := domain.OrderResult{ExternalOrderID: apiResult.OrderID}
	if !apiResult.Success || apiResult.Status == "unmatched" {
		result.Status = domain.LegFailed
		return result, fmt.Errorf("polymarket: order rejected: %s", apiResult.ErrorMsg)
	}

	result.Status = domain.LegFilled
	result.FilledSize = size
	result.FilledPrice = price
	return result, nil
}

// clobOrder is the subset of the CLOB order object the adapter reads.
type clobOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	AssetID      string `json:"asset_id"`
	SizeMatched  string `json:"size_matched"`
	OriginalSize string `json:"original_size"`
	Price        string `json:"price"`
}

func (c *Client) getOrder(ctx context.Context, orderID string) (clobOrder, error) {
	respBody, err := c.doClobRequest(ctx, http.MethodGet, "/order/"+url.PathEscape(orderID), nil)
	if err != nil {
		return clobOrder{}, err
	}

	var order clobOrder
	if err := json.Unmarshal(respBody, &order); err != nil {
		return clobOrder{}, fmt.Errorf("polymarket: decode order: %w", err)
	}
	return order, nil
}

func (c *Client) cancelOrder(ctx context.Context, orderID string) error {
	body := map[string]any{"orderID": orderID}

	respBody, err := c.doClobRequest(ctx, http.MethodDelete, "/order", body)
	if err != nil {
		return fmt.Errorf("polymarket: cancel order %s: %w", orderID, err)
	}

	var result struct {
		Success  bool   `json:"success"`
		ErrorMsg string `json:"errorMsg"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("polymarket: decode cancel response: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("polymarket: cancel failed: %s", result.ErrorMsg)
	}
	return nil
}

// --------------------------------------------------------------------------
// Order book
// --------------------------------------------------------------------------

// bookLevel is one price level; the CLOB reports prices and sizes as
// decimal strings.
type bookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type bookResponse struct {
	Bids []bookLevel `json:"bids"`
	Asks []bookLevel `json:"asks"`
}

// bestAsk returns the lowest ask. The CLOB sorts asks descending, so the
// best is the last entry; scan anyway rather than trusting the order.
func (b bookResponse) bestAsk() (price, size float64, ok bool) {
	return bestLevel(b.Asks, func(p, best float64) bool { return p < best })
}

func (b bookResponse) bestBid() (price, size float64, ok bool) {
	return bestLevel(b.Bids, func(p, best float64) bool { return p > best })
}

func bestLevel(levels []bookLevel, better func(p, best float64) bool) (float64, float64, bool) {
	var bestPrice, bestSize float64
	found := false
	for _, lvl := range levels {
		p, err := strconv.ParseFloat(lvl.Price, 64)
		if err != nil || p <= 0 {
			continue
		}
		s, err := strconv.ParseFloat(lvl.Size, 64)
		if err != nil || s <= 0 {
			continue
		}
		if !found || better(p, bestPrice) {
			bestPrice, bestSize = p, s
			found = true
		}
	}
	return bestPrice, bestSize, found
}

func (c *Client) getBook(ctx context.Context, tokenID string) (bookResponse, error) {
	params := url.Values{}
	params.Set("token_id", tokenID)

	respBody, err := c.doClobRequest(ctx, http.MethodGet, "/book?"+params.Encode(), nil)
	if err != nil {
		return bookResponse{}, err
	}

	var book bookResponse
	if err := json.Unmarshal(respBody, &book); err != nil {
		return bookResponse{}, fmt.Errorf("polymarket: decode book: %w", err)
	}
	return book, nil
}

// --------------------------------------------------------------------------
// Gamma market resolution
// --------------------------------------------------------------------------

// resolveTokens maps an event slug to its yes/no CLOB token IDs, caching
// the result. Token IDs are immutable for a market, so the cache never
// expires.
func (c *Client) resolveTokens(ctx context.Context, slug string) (tokenPair, error) {
	c.mu.RLock()
	pair, ok := c.tokens[slug]
	c.mu.RUnlock()
	if ok {
		return pair, nil
	}

	params := url.Values{}
	params.Set("slug", slug)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.gammaHost+"/markets?"+params.Encode(), nil)
	if err != nil {
		return tokenPair{}, fmt.Errorf("polymarket: create gamma request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return tokenPair{}, fmt.Errorf("polymarket: gamma request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return tokenPair{}, fmt.Errorf("polymarket: read gamma response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return tokenPair{}, fmt.Errorf("polymarket: resolve market %s: %w", slug, err)
	}

	var markets []struct {
		Slug         string `json:"slug"`
		Closed       bool   `json:"closed"`
		ClobTokenIDs string `json:"clobTokenIds"` // JSON-encoded: e.g. "[\"123\",\"456\"]"
	}
	if err := json.Unmarshal(respBody, &markets); err != nil {
		return tokenPair{}, fmt.Errorf("polymarket: decode gamma markets: %w", err)
	}

	for _, m := range markets {
		if m.Slug != slug || m.Closed {
			continue
		}
		var ids []string
		if err := json.Unmarshal([]byte(m.ClobTokenIDs), &ids); err != nil || len(ids) < 2 {
			continue
		}
		pair = tokenPair{Yes: ids[0], No: ids[1]}

		c.mu.Lock()
		c.tokens[slug] = pair
		c.mu.Unlock()
		return pair, nil
	}

	return tokenPair{}, fmt.Errorf("polymarket: market %s: %w", slug, domain.ErrNotFound)
}

// --------------------------------------------------------------------------
// HTTP plumbing
// --------------------------------------------------------------------------

// doClobRequest builds, signs (HMAC, when credentials are present), sends,
// and reads an HTTP request against the CLOB API.
func (c *Client) doClobRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	var bodyReader io.Reader
	var bodyStr string

	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.clobHost+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.auth != nil && c.signer != nil {
		headers := c.auth.l2Headers(c.signer.Address().Hex(), method, path, bodyStr)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
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

	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	return respBody, nil
}

// checkHTTPStatus maps non-2xx status codes to appropriate errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}
