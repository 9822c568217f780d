package kalshi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"prediction-arb/internal/config"
	"prediction-arb/pkg/types"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := config.KalshiConfig{BaseURL: srv.URL, Email: "a@b.c", Password: "pw"}
	session := NewSession(cfg, time.Minute, quietLogger())
	return NewClient(cfg, session, false, quietLogger())
}

// loginThen wraps a handler with the /login endpoint every client call needs.
func loginThen(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login" {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"token":"tok","expires_in":900}`)
			return
		}
		next(w, r)
	})
}

func TestClientRetriesOnceOn401(t *testing.T) {
	t.Parallel()

	var calls, logins int
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/login" {
			logins++
			fmt.Fprintf(w, `{"token":"tok-%d","expires_in":900}`, logins)
			return
		}
		calls++
		if r.Header.Get("Authorization") != "Bearer tok-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"markets":[],"cursor":""}`)
	}))

	if _, err := client.ListMarkets(context.Background()); err != nil {
		t.Fatalf("ListMarkets: %v", err)
	}
	if calls != 2 {
		t.Errorf("api calls = %d, want 2 (401 then success)", calls)
	}
	if logins != 2 {
		t.Errorf("logins = %d, want 2 (initial + forced refresh)", logins)
	}
}

func TestClientSurfacesAuthExpiredAfterSecond401(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, loginThen(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := client.ListMarkets(context.Background())
	if !errors.Is(err, types.ErrAuthExpired) {
		t.Fatalf("error = %v, want ErrAuthExpired", err)
	}
}

func TestListMarketsPaginatesAndFilters(t *testing.T) {
	t.Parallel()

	page1 := `{"markets":[
		{"ticker":"CPI-SEP-T3.0","event_ticker":"CPI-SEP","market_type":"binary","title":"CPI above 3.0%",
		 "category":"economics","open_time":"2026-08-01T00:00:00Z","close_time":"2026-09-30T00:00:00Z","status":"active"},
		{"ticker":"SCALAR-1","event_ticker":"X","market_type":"scalar","title":"Scalar market",
		 "open_time":"2026-08-01T00:00:00Z","close_time":"2026-09-30T00:00:00Z","status":"active"}
	],"cursor":"next1"}`
	page2 := `{"markets":[
		{"ticker":"FED-DEC","event_ticker":"FED","market_type":"binary","title":"Fed cuts in December",
		 "category":"economics","open_time":"2026-08-01T00:00:00Z","close_time":"2026-12-15T00:00:00Z","status":"open"}
	],"cursor":""}`

	client := newTestClient(t, loginThen(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("cursor") == "next1" {
			fmt.Fprint(w, page2)
			return
		}
		fmt.Fprint(w, page1)
	}))

	markets, err := client.ListMarkets(context.Background())
	if err != nil {
		t.Fatalf("ListMarkets: %v", err)
	}
	if len(markets) != 2 {
		t.Fatalf("markets = %d, want 2 (scalar filtered out)", len(markets))
	}
	if markets[0].Ticker != "CPI-SEP-T3.0" || markets[0].Venue != types.VenueKalshi {
		t.Errorf("first market = %+v", markets[0])
	}
	if markets[1].Ticker != "FED-DEC" {
		t.Errorf("second market = %+v", markets[1])
	}
}

func TestGetBookSplitsSides(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, loginThen(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/markets/CPI-SEP-T3.0/orderbook" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"orderbook":{"yes":[[42,100],[41,50]],"no":[[45,120],[46,180]]}}`)
	}))

	yes, no, err := client.GetBook(context.Background(), "CPI-SEP-T3.0")
	if err != nil {
		t.Fatalf("GetBook: %v", err)
	}
	if len(yes.Bids) != 2 || yes.Bids[0].Price != 42 || yes.Bids[0].Size != 100 {
		t.Errorf("yes bids = %+v", yes.Bids)
	}
	if len(no.Bids) != 2 || no.Bids[1].Price != 46 {
		t.Errorf("no bids = %+v", no.Bids)
	}
}

func TestPlaceOrderDryRun(t *testing.T) {
	t.Parallel()

	cfg := config.KalshiConfig{}
	client := NewClient(cfg, NewSession(cfg, time.Minute, quietLogger()), true, quietLogger())

	resp, err := client.PlaceOrder(context.Background(), orderRequest{
		Ticker: "CPI-SEP-T3.0", Action: "buy", Count: 100, YesPrice: 46,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if resp.Order.Status != "executed" || resp.Order.TakerFillCnt != 100 {
		t.Errorf("dry-run order = %+v", resp.Order)
	}
	if resp.Order.TakerFillCost != 4600 {
		t.Errorf("fill cost = %d, want 4600 cents", resp.Order.TakerFillCost)
	}
}

func TestPlaceOrderRejectionWrapsSentinel(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, loginThen(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"code":"insufficient_balance","message":"not enough funds"}}`)
	}))

	_, err := client.PlaceOrder(context.Background(), orderRequest{Ticker: "X", Count: 1, YesPrice: 50})
	if !errors.Is(err, types.ErrRejected) {
		t.Fatalf("error = %v, want ErrRejected", err)
	}
}

func TestCancelOrderToleratesGone(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, loginThen(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	if err := client.CancelOrder(context.Background(), "already-gone"); err != nil {
		t.Fatalf("CancelOrder on missing order: %v", err)
	}
}
