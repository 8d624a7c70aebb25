package broker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestAPIError_Error(t *testing.T) {
	err := &APIError{Status: 429, Body: "too many requests"}
	want := "API error 429: too many requests"
	if got := err.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestNewTradierAPIWithBaseURL_DefaultsAndNormalization(t *testing.T) {
	tests := []struct {
		name        string
		sandbox     bool
		baseURL     string
		wantBaseURL string
		wantLimits  RateLimits
	}{
		{
			name:        "sandbox default baseURL and limits",
			sandbox:     true,
			wantBaseURL: "https://sandbox.tradier.com/v1",
			wantLimits:  RateLimits{MarketData: 120},
		},
		{
			name:        "production default baseURL and limits",
			wantBaseURL: "https://api.tradier.com/v1",
			wantLimits:  RateLimits{MarketData: 500},
		},
		{
			name:        "custom baseURL preserved and trimmed",
			baseURL:     "https://example.test/api/",
			wantBaseURL: "https://example.test/api",
			wantLimits:  RateLimits{MarketData: 500},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := NewTradierAPIWithBaseURL("k", tt.sandbox, tt.baseURL)
			if api.baseURL != tt.wantBaseURL {
				t.Fatalf("baseURL = %q, want %q", api.baseURL, tt.wantBaseURL)
			}
			if api.RateLimits() != tt.wantLimits {
				t.Fatalf("rateLimits = %+v, want %+v", api.RateLimits(), tt.wantLimits)
			}
		})
	}
}

func TestNewTradierAPIWithBaseURL_CustomLimitsOverride(t *testing.T) {
	custom := RateLimits{MarketData: 60}
	api := NewTradierAPIWithBaseURL("k", false, "", custom)
	if api.RateLimits() != custom {
		t.Fatalf("rateLimits = %+v, want %+v", api.RateLimits(), custom)
	}
	if got := api.limiter.Burst(); got != 1 {
		t.Fatalf("burst = %d, want 1", got)
	}
}

func newTestAPI(t *testing.T, handler http.HandlerFunc) *TradierAPI {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewTradierAPIWithBaseURL("test-key", false, srv.URL, RateLimits{MarketData: 60_000}).
		WithHTTPClient(srv.Client())
}

func TestGetQuoteCtx(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/markets/quotes" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("symbols"); got != "XYZ" {
			t.Errorf("symbols = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		_, _ = w.Write([]byte(`{"quotes":{"quote":{"symbol":"XYZ","last":101.25,"average_volume":4200000}}}`))
	})

	q, err := api.GetQuoteCtx(context.Background(), "XYZ")
	if err != nil {
		t.Fatalf("GetQuoteCtx: %v", err)
	}
	if q.Last != 101.25 || q.AverageVolume != 4200000 {
		t.Fatalf("unexpected quote %+v", q)
	}
}

func TestGetQuoteCtx_UnknownSymbol(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"quotes":{"unmatched_symbols":{"symbol":"NOPE"}}}`))
	})
	if _, err := api.GetQuoteCtx(context.Background(), "NOPE"); err == nil {
		t.Fatal("expected error for unmatched symbol")
	}
}

func TestGetExpirationsCtx_SingleAndNull(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{"array", `{"expirations":{"date":["2026-10-23","2026-10-30"]}}`, []string{"2026-10-23", "2026-10-30"}},
		{"single string", `{"expirations":{"date":"2026-10-23"}}`, []string{"2026-10-23"}},
		{"null", `{"expirations":null}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
				if got := r.URL.Query().Get("includeAllRoots"); got != "true" {
					t.Errorf("includeAllRoots = %q", got)
				}
				_, _ = w.Write([]byte(tt.body))
			})
			got, err := api.GetExpirationsCtx(context.Background(), "XYZ")
			if err != nil {
				t.Fatalf("GetExpirationsCtx: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestGetOptionChainCtx(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("greeks"); got != "true" {
			t.Errorf("greeks = %q", got)
		}
		_, _ = w.Write([]byte(`{"options":{"option":[
			{"symbol":"XYZ261120P00095000","option_type":"put","strike":95,"bid":1.5,"ask":1.6,
			 "volume":10,"open_interest":200,"expiration_date":"2026-11-20","greeks":{"delta":-0.24,"mid_iv":0.3}},
			{"symbol":"XYZ261120P00090000","option_type":"put","strike":90,"bid":null,"ask":0.9,
			 "volume":0,"open_interest":0,"expiration_date":"2026-11-20"}
		]}}`))
	})

	chain, err := api.GetOptionChainCtx(context.Background(), "XYZ", "2026-11-20", true)
	if err != nil {
		t.Fatalf("GetOptionChainCtx: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("len(chain) = %d, want 2", len(chain))
	}
	if chain[0].Bid == nil || *chain[0].Bid != 1.5 || chain[0].ImpliedVolatility() != 0.3 {
		t.Errorf("unexpected first option %+v", chain[0])
	}
	if chain[1].Bid != nil {
		t.Errorf("null bid must decode as absent, got %v", *chain[1].Bid)
	}
}

func TestGetOptionChainCtx_SingleObjectAndNull(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("expiration") == "2026-11-20" {
			_, _ = w.Write([]byte(`{"options":{"option":{"symbol":"ONE","option_type":"put","strike":50,"bid":0.4}}}`))
			return
		}
		_, _ = w.Write([]byte(`{"options":null}`))
	})

	chain, err := api.GetOptionChainCtx(context.Background(), "XYZ", "2026-11-20", true)
	if err != nil || len(chain) != 1 || chain[0].Symbol != "ONE" {
		t.Fatalf("single object chain = %+v, %v", chain, err)
	}
	chain, err = api.GetOptionChainCtx(context.Background(), "XYZ", "2026-12-18", true)
	if err != nil || len(chain) != 0 {
		t.Fatalf("null chain = %+v, %v", chain, err)
	}
}

func TestGetHistoricalDataCtx(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("interval") != "daily" || q.Get("start") != "2024-10-17" || q.Get("end") != "2026-10-17" {
			t.Errorf("unexpected query %v", q)
		}
		_, _ = w.Write([]byte(`{"history":{"day":[
			{"date":"2026-10-15","open":1,"high":2,"low":0.5,"close":1.5,"volume":100},
			{"date":"2026-10-16","open":1.5,"high":2.5,"low":1,"close":2,"volume":200}
		]}}`))
	})

	end := time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)
	bars, err := api.GetHistoricalDataCtx(context.Background(), "XYZ", "", end.AddDate(-2, 0, 0), end)
	if err != nil {
		t.Fatalf("GetHistoricalDataCtx: %v", err)
	}
	if len(bars) != 2 || bars[1].Close != 2 || bars[1].Date.Day() != 16 {
		t.Fatalf("unexpected bars %+v", bars)
	}
}

func TestGetHistoricalDataCtx_BadDate(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"history":{"day":{"date":"16/10/2026","close":2}}}`))
	})
	_, err := api.GetHistoricalDataCtx(context.Background(), "XYZ", "daily", time.Now(), time.Now())
	if err == nil || !strings.Contains(err.Error(), "failed to parse date") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestMakeRequestCtx_APIError(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	})

	_, err := api.GetExpirationsCtx(context.Background(), "XYZ")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusTooManyRequests {
		t.Errorf("Status = %d", apiErr.Status)
	}
	if !strings.Contains(apiErr.Body, "slow down") || !strings.Contains(apiErr.Body, "retry-after: 2") {
		t.Errorf("Body = %q", apiErr.Body)
	}
}

func TestMakeRequestCtx_RateLimiterHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"expirations":{"date":["2026-10-23"]}}`))
	}))
	defer srv.Close()
	// One request per minute: the first consumes the burst, the second must wait.
	api := NewTradierAPIWithBaseURL("k", false, srv.URL, RateLimits{MarketData: 1}).WithHTTPClient(srv.Client())

	if _, err := api.GetExpirationsCtx(context.Background(), "XYZ"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := api.GetExpirationsCtx(ctx, "XYZ")
	if err == nil || !strings.Contains(err.Error(), "rate limiter") {
		t.Fatalf("expected rate limiter error, got %v", err)
	}
}
