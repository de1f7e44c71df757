package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func klineRow(openMs int64, close float64) string {
	c := strconv.FormatFloat(close, 'f', 8, 64)
	return fmt.Sprintf(`[%d,"%s","%s","%s","%s","12.5",%d,"1000.0",42,"6.0","500.0","0"]`,
		openMs, c, c, c, c, openMs+3599999)
}

func TestFetchKLinesPaginates(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	total := 5
	var calls int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Path != "/api/v3/klines" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("X-MBX-APIKEY"); got != "key" {
			t.Errorf("expected api key header, got %q", got)
		}
		from, _ := strconv.ParseInt(r.URL.Query().Get("startTime"), 10, 64)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		rows := make([]string, 0, limit)
		for i := 0; i < total && len(rows) < limit; i++ {
			openMs := start.Add(time.Duration(i) * time.Hour).UnixMilli()
			if openMs < from {
				continue
			}
			rows = append(rows, klineRow(openMs, 100+float64(i)))
		}
		fmt.Fprintf(w, "[%s]", strings.Join(rows, ","))
	}))
	defer server.Close()

	client := NewBinanceClient(ClientConfig{BaseURL: server.URL, APIKey: "key", PageSize: 2}, nil)
	klines, err := client.FetchKLines(context.Background(), "BTCUSDT", "1h", start, start.Add(10*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(klines) != total {
		t.Fatalf("expected %d klines, got %d", total, len(klines))
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 page requests, got %d", calls)
	}
	for i, k := range klines {
		if k.Close != 100+float64(i) {
			t.Fatalf("kline %d: expected close %v, got %v", i, 100+float64(i), k.Close)
		}
		if !k.OpenTime.Equal(start.Add(time.Duration(i) * time.Hour)) {
			t.Fatalf("kline %d: unexpected open time %s", i, k.OpenTime)
		}
		if k.Trades != 42 || k.Volume != 12.5 || k.Symbol != "BTCUSDT" || k.Interval != "1h" {
			t.Fatalf("kline %d not fully decoded: %+v", i, k)
		}
	}
}

func TestFetchKLinesExcludesEnd(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(3 * time.Hour)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		from, _ := strconv.ParseInt(r.URL.Query().Get("startTime"), 10, 64)
		to, _ := strconv.ParseInt(r.URL.Query().Get("endTime"), 10, 64)
		if to != end.UnixMilli()-1 {
			t.Errorf("expected endTime just before %v, got %d", end, to)
		}
		var rows []string
		for i := 0; i < 6; i++ {
			openMs := start.Add(time.Duration(i) * time.Hour).UnixMilli()
			if openMs >= from && openMs <= to {
				rows = append(rows, klineRow(openMs, 100+float64(i)))
			}
		}
		fmt.Fprintf(w, "[%s]", strings.Join(rows, ","))
	}))
	defer server.Close()

	client := NewBinanceClient(ClientConfig{BaseURL: server.URL}, nil)
	klines, err := client.FetchKLines(context.Background(), "BTCUSDT", "1h", start, end)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(klines) != 3 || !klines[2].OpenTime.Equal(end.Add(-time.Hour)) {
		t.Fatalf("expected 3 klines before %v, got %d", end, len(klines))
	}
}

func TestFetchKLinesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-1121,"msg":"Invalid symbol."}`)
	}))
	defer server.Close()

	client := NewBinanceClient(ClientConfig{BaseURL: server.URL}, nil)
	now := time.Now()
	_, err := client.FetchKLines(context.Background(), "NOPE", "1h", now.Add(-time.Hour), now)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != -1121 || apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestFetchKLinesRejectsBadInput(t *testing.T) {
	client := NewBinanceClient(ClientConfig{BaseURL: "http://127.0.0.1:0"}, nil)
	now := time.Now()
	if _, err := client.FetchKLines(context.Background(), "", "1h", now, now); err == nil {
		t.Fatal("expected error for empty symbol")
	}
	if _, err := client.FetchKLines(context.Background(), "BTCUSDT", "7h", now, now); err == nil {
		t.Fatal("expected error for unsupported interval")
	}
	if _, err := client.FetchKLines(context.Background(), "BTCUSDT", "1h", now, now.Add(-time.Hour)); err == nil {
		t.Fatal("expected error for inverted range")
	}
}

func TestParseKLineRowFieldCount(t *testing.T) {
	var full []json.RawMessage
	if err := json.Unmarshal([]byte(klineRow(1704067200000, 42000)), &full); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(full) != 12 {
		t.Fatalf("fixture has %d fields", len(full))
	}
	k, err := parseKLineRow(full)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if k.Close != 42000 || k.Trades != 42 {
		t.Fatalf("unexpected kline %+v", k)
	}
	if _, err := parseKLineRow(full[:11]); err == nil {
		t.Fatal("expected error for an 11 field row")
	}
}

func TestParseDate(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Time
	}{
		{"now", now},
		{"", now},
		{"1 Jan, 2020", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"2020-01-01", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"Jan 2, 2021", time.Date(2021, 1, 2, 0, 0, 0, 0, time.UTC)},
		{"3 days ago", now.Add(-72 * time.Hour)},
		{"1 hour ago", now.Add(-time.Hour)},
	}
	for _, tt := range tests {
		got, err := ParseDate(tt.in, now)
		if err != nil {
			t.Fatalf("ParseDate(%q): unexpected error: %v", tt.in, err)
		}
		if !got.Equal(tt.want) {
			t.Fatalf("ParseDate(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
	if _, err := ParseDate("yesterday-ish", now); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestParseInterval(t *testing.T) {
	d, err := ParseInterval("1h")
	if err != nil || d != time.Hour {
		t.Fatalf("expected 1h, got %v (%v)", d, err)
	}
	if _, err := ParseInterval("90s"); err == nil {
		t.Fatal("expected error for unsupported interval")
	}
}

func TestNewPriceSeriesRequiresIncreasingTime(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ok := []KLine{{OpenTime: t0, Close: 1}, {OpenTime: t0.Add(time.Hour), Close: 2}}
	series, err := NewPriceSeries("BTCUSDT", "1h", ok)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if series.Len() != 2 || series.Closes()[1] != 2 {
		t.Fatalf("unexpected series: %+v", series.Closes())
	}
	if ts := series.Timestamps(); !ts[1].Equal(t0.Add(time.Hour)) {
		t.Fatalf("unexpected timestamps %v", ts)
	}

	dup := []KLine{{OpenTime: t0, Close: 1}, {OpenTime: t0, Close: 2}}
	if _, err := NewPriceSeries("BTCUSDT", "1h", dup); !errors.Is(err, ErrNotIncreasing) {
		t.Fatalf("expected ErrNotIncreasing, got %v", err)
	}
}
