package kalshi

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/arborlabs/arbd/internal/domain"
)

func testKeyPEM(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, "key-id")
	if err := c.SetRSAPrivateKey(testKeyPEM(t)); err != nil {
		t.Fatalf("set key: %v", err)
	}
	return c, srv
}

func TestGetQuoteMapsCentsAndSigns(t *testing.T) {
	var gotPath, gotKey, gotSig, gotTS string

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("KALSHI-ACCESS-KEY")
		gotSig = r.Header.Get("KALSHI-ACCESS-SIGNATURE")
		gotTS = r.Header.Get("KALSHI-ACCESS-TIMESTAMP")
		w.Write([]byte(`{"market":{"ticker":"FED-25DEC","status":"active","yes_ask":40,"no_ask":62,"liquidity":200000}}`))
	}))

	q, err := c.GetQuote(context.Background(), "FED-25DEC", domain.SideYes)
	if err != nil {
		t.Fatalf("GetQuote: %v", err)
	}
	if q.Price != 0.40 {
		t.Errorf("yes price = %v, want 0.40", q.Price)
	}
	if q.Venue != VenueName || q.EventID != "FED-25DEC" {
		t.Errorf("quote identity = %s/%s", q.Venue, q.EventID)
	}
	if q.Size != 5000 {
		t.Errorf("size = %v, want 5000 (liquidity/ask)", q.Size)
	}
	if gotPath != "/markets/FED-25DEC" {
		t.Errorf("path = %s", gotPath)
	}
	if gotKey != "key-id" || gotSig == "" || gotTS == "" {
		t.Errorf("missing auth headers: key=%q sig present=%v ts=%q", gotKey, gotSig != "", gotTS)
	}

	q, err = c.GetQuote(context.Background(), "FED-25DEC", domain.SideNo)
	if err != nil {
		t.Fatalf("GetQuote no side: %v", err)
	}
	if q.Price != 0.62 {
		t.Errorf("no price = %v, want 0.62", q.Price)
	}
}

func TestGetQuoteInactiveMarket(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"market":{"ticker":"X","status":"settled","yes_ask":40,"no_ask":62}}`))
	}))

	if _, err := c.GetQuote(context.Background(), "X", domain.SideYes); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGetQuoteRequiresKey(t *testing.T) {
	c := NewClient("http://localhost:1", "key-id")
	if _, err := c.GetQuote(context.Background(), "X", domain.SideYes); err == nil {
		t.Fatal("expected error without RSA key")
	}
}

func TestPlaceOrderExecuted(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/portfolio/orders" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Write([]byte(`{"order":{"order_id":"ord-1","status":"executed","fill_count":100}}`))
	}))

	res, err := c.PlaceOrder(context.Background(), "FED-25DEC", domain.SideYes, 0.40, 100)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.Status != domain.LegFilled {
		t.Errorf("status = %s, want filled", res.Status)
	}
	if res.ExternalOrderID != "ord-1" || res.FilledSize != 100 || res.FilledPrice != 0.40 {
		t.Errorf("result = %+v", res)
	}
}

func TestPlaceOrderImmediatelyCancelled(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"order":{"order_id":"ord-2","status":"canceled","fill_count":0}}`))
	}))

	res, err := c.PlaceOrder(context.Background(), "FED-25DEC", domain.SideNo, 0.58, 50)
	if err == nil {
		t.Fatal("expected error for cancelled order")
	}
	if res.Status != domain.LegFailed {
		t.Errorf("status = %s, want failed", res.Status)
	}
}

func TestCancelOrUnwind(t *testing.T) {
	var gotMethod, gotPath string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.Write([]byte(`{}`))
	}))

	proceeds, err := c.CancelOrUnwind(context.Background(), "ord-1")
	if err != nil {
		t.Fatalf("CancelOrUnwind: %v", err)
	}
	if proceeds != 0 {
		t.Errorf("proceeds = %v, want 0 for a cancel", proceeds)
	}
	if gotMethod != http.MethodDelete || gotPath != "/portfolio/orders/ord-1" {
		t.Errorf("request = %s %s", gotMethod, gotPath)
	}
}

func TestCheckStatusMapping(t *testing.T) {
	c := NewClient("", "")

	cases := []struct {
		code int
		want error
	}{
		{http.StatusNotFound, domain.ErrNotFound},
		{http.StatusUnauthorized, domain.ErrUnauthorized},
		{http.StatusForbidden, domain.ErrUnauthorized},
		{http.StatusTooManyRequests, domain.ErrRateLimited},
	}
	for _, tc := range cases {
		err := c.checkStatus(tc.code, []byte(`{"code":"x","message":"y"}`))
		if !errors.Is(err, tc.want) {
			t.Errorf("status %d: err = %v, want %v", tc.code, err, tc.want)
		}
	}
	if err := c.checkStatus(http.StatusOK, nil); err != nil {
		t.Errorf("200: err = %v", err)
	}
}

func TestSizeFromLiquidity(t *testing.T) {
	if got := sizeFromLiquidity(200000, 40); got != 5000 {
		t.Errorf("sizeFromLiquidity = %v, want 5000", got)
	}
	if got := sizeFromLiquidity(0, 40); got != 0 {
		t.Errorf("zero liquidity = %v, want 0", got)
	}
}
