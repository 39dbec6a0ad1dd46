package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"bfx-impact/internal/bitfinex"
	"bfx-impact/internal/bitfinex/bfxtest"
	"bfx-impact/internal/config"
	"bfx-impact/internal/metrics"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer wires the HTTP layer to a real feed client talking to an
// in-process venue.
func newTestServer(t *testing.T, v *bfxtest.Venue, snapshotTimeout time.Duration) *httptest.Server {
	t.Helper()
	v.Start()
	t.Cleanup(v.Close)
	logger := quietLogger()
	client := bitfinex.NewClient(bitfinex.Options{URL: v.URL(), SnapshotTimeout: snapshotTimeout}, logger)
	srv := NewHTTPServer(config.Defaults(), client, metrics.Init(logger), logger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func sampleVenue() *bfxtest.Venue {
	return &bfxtest.Venue{ChanID: 9, Snapshot: `[[100,1,-5],[101,2,-10],[99,1,3],[98,1,7]]`}
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("content type %q", ct)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, sampleVenue(), time.Second)
	var body map[string]any
	if code := getJSON(t, ts.URL+"/api/health", &body); code != http.StatusOK || body["ok"] != true {
		t.Fatalf("health got %d %v", code, body)
	}
}

func TestTips(t *testing.T) {
	v := sampleVenue()
	ts := newTestServer(t, v, 2*time.Second)

	var body struct {
		Symbol string `json:"symbol"`
		BidTip struct {
			Price string `json:"price"`
			Count int64  `json:"count"`
			Size  string `json:"size"`
		} `json:"bidTip"`
		AskTip struct {
			Price string `json:"price"`
			Size  string `json:"size"`
		} `json:"askTip"`
	}
	if code := getJSON(t, ts.URL+"/api/tips?symbol=tBTCUSD", &body); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if body.Symbol != "tBTCUSD" || body.BidTip.Price != "99" || body.BidTip.Size != "3" || body.AskTip.Price != "100" || body.AskTip.Size != "5" {
		t.Fatalf("unexpected tips %+v", body)
	}
	if !v.WaitIdle(2 * time.Second) {
		t.Fatal("feed session outlived the request")
	}
	if !strings.Contains(string(v.Requests()[0]), `"len":"25"`) {
		t.Fatalf("default subscription not used: %s", v.Requests()[0])
	}
}

func TestBook(t *testing.T) {
	ts := newTestServer(t, sampleVenue(), 2*time.Second)
	var body struct {
		Bids []struct {
			Rank  int    `json:"rank"`
			Price string `json:"price"`
		} `json:"bids"`
		Asks []struct {
			Rank  int    `json:"rank"`
			Price string `json:"price"`
		} `json:"asks"`
	}
	if code := getJSON(t, ts.URL+"/api/book?symbol=tBTCUSD", &body); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if len(body.Bids) != 2 || body.Bids[0].Price != "99" || body.Bids[1].Rank != 1 {
		t.Fatalf("bids %+v", body.Bids)
	}
	if len(body.Asks) != 2 || body.Asks[0].Price != "100" || body.Asks[1].Price != "101" {
		t.Fatalf("asks %+v", body.Asks)
	}
}

func TestEffectivePriceGet(t *testing.T) {
	ts := newTestServer(t, sampleVenue(), 2*time.Second)
	var body map[string]any
	code := getJSON(t, ts.URL+"/api/effective-price?symbol=tBTCUSD&type=market&operation=buy&amount=8", &body)
	if code != http.StatusOK {
		t.Fatalf("status %d body %v", code, body)
	}
	if body["effectivePrice"] != "100.375" || body["filledAmount"] != "8" || body["totalBookVolume"] != "15" {
		t.Fatalf("unexpected result %v", body)
	}
	if fills := body["fills"].([]any); len(fills) != 2 {
		t.Fatalf("fills %v", fills)
	}
}

func TestEffectivePricePost(t *testing.T) {
	ts := newTestServer(t, sampleVenue(), 2*time.Second)
	payload := `{"symbol":"tBTCUSD","type":"MARKET","operation":"SELL","amount":"12","limitPrice":"98.5"}`
	resp, err := http.Post(ts.URL+"/api/effective-price", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d body %v", resp.StatusCode, body)
	}
	if body["filledAmount"] != "3" || body["effectivePrice"] != "99" {
		t.Fatalf("limit should stop the walk at 99: %v", body)
	}
}

func TestEffectivePriceRejections(t *testing.T) {
	v := sampleVenue()
	ts := newTestServer(t, v, 2*time.Second)

	cases := []struct {
		name  string
		query string
		want  int
	}{
		{"missing symbol", "type=MARKET&operation=BUY&amount=1", http.StatusBadRequest},
		{"bad symbol", "symbol=btc&type=MARKET&operation=BUY&amount=1", http.StatusBadRequest},
		{"raw book precision", "symbol=tBTCUSD&prec=R0&type=MARKET&operation=BUY&amount=1", http.StatusBadRequest},
		{"bad frequency", "symbol=tBTCUSD&freq=F9&type=MARKET&operation=BUY&amount=1", http.StatusBadRequest},
		{"missing amount", "symbol=tBTCUSD&type=MARKET&operation=BUY", http.StatusBadRequest},
		{"bad amount", "symbol=tBTCUSD&type=MARKET&operation=BUY&amount=abc", http.StatusBadRequest},
		{"limit order", "symbol=tBTCUSD&type=LIMIT&operation=BUY&amount=1", http.StatusBadRequest},
		{"bad operation", "symbol=tBTCUSD&type=MARKET&operation=HOLD&amount=1", http.StatusBadRequest},
		{"zero amount", "symbol=tBTCUSD&type=MARKET&operation=BUY&amount=0", http.StatusBadRequest},
		{"limit unreachable", "symbol=tBTCUSD&type=MARKET&operation=BUY&amount=1&limitPrice=99.5", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var body map[string]any
			code := getJSON(t, ts.URL+"/api/effective-price?"+tc.query, &body)
			if code != tc.want {
				t.Fatalf("status got %d want %d (%v)", code, tc.want, body)
			}
			if int(body["status"].(float64)) != tc.want || body["message"] == "" {
				t.Fatalf("error body %v", body)
			}
		})
	}
	if !v.WaitIdle(2 * time.Second) {
		t.Fatal("rejected request left a feed session open")
	}
}

func TestSnapshotTimeoutIsGatewayTimeout(t *testing.T) {
	v := &bfxtest.Venue{ChanID: 1, Silent: true}
	ts := newTestServer(t, v, 150*time.Millisecond)
	var body map[string]any
	if code := getJSON(t, ts.URL+"/api/tips?symbol=tBTCUSD", &body); code != http.StatusGatewayTimeout {
		t.Fatalf("status got %d want 504 (%v)", code, body)
	}
}

func TestRejectedSubscriptionIsBadGateway(t *testing.T) {
	v := &bfxtest.Venue{ChanID: 1, Reject: "symbol: invalid"}
	ts := newTestServer(t, v, time.Second)
	var body map[string]any
	if code := getJSON(t, ts.URL+"/api/tips?symbol=tNOPE", &body); code != http.StatusBadGateway {
		t.Fatalf("status got %d want 502 (%v)", code, body)
	}
}

func TestNotFoundAndCORS(t *testing.T) {
	ts := newTestServer(t, sampleVenue(), time.Second)

	var body map[string]any
	if code := getJSON(t, ts.URL+"/api/nope", &body); code != http.StatusNotFound || body["message"] != "Service not found" {
		t.Fatalf("not found got %d %v", code, body)
	}

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/tips", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "GET")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("preflight got %d %q", resp.StatusCode, resp.Header.Get("Access-Control-Allow-Origin"))
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("missing request id")
	}
}

func TestMetricsAndVersion(t *testing.T) {
	ts := newTestServer(t, sampleVenue(), 2*time.Second)
	var tips map[string]any
	getJSON(t, ts.URL+"/api/tips?symbol=tBTCUSD", &tips)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(b), "book_queries_total") || !strings.Contains(string(b), "feed_sessions_opened_total") {
		t.Fatal("metrics missing feed counters")
	}

	var ver map[string]string
	if code := getJSON(t, ts.URL+"/version", &ver); code != http.StatusOK || ver["version"] == "" {
		t.Fatalf("version got %d %v", code, ver)
	}
}

func TestTipsStream(t *testing.T) {
	v := sampleVenue()
	ts := newTestServer(t, v, 2*time.Second)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/tips?symbol=tBTCUSD"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}

	type tipsMsg struct {
		Type string `json:"type"`
		Data struct {
			BidTip *struct {
				Price string `json:"price"`
			} `json:"bidTip"`
		} `json:"data"`
	}
	read := func() tipsMsg {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var m tipsMsg
		if err := conn.ReadJSON(&m); err != nil {
			t.Fatal(err)
		}
		return m
	}

	first := read()
	if first.Type != "tips" || first.Data.BidTip == nil || first.Data.BidTip.Price != "99" {
		t.Fatalf("first message %+v", first)
	}

	v.Push(`[99.5,1,2]`)
	for i := 0; ; i++ {
		m := read()
		if m.Data.BidTip != nil && m.Data.BidTip.Price == "99.5" {
			break
		}
		if i > 5 {
			t.Fatal("bid tip never moved to 99.5")
		}
	}

	conn.Close()
	if !v.WaitIdle(2 * time.Second) {
		t.Fatal("feed session outlived the websocket client")
	}
}
