package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://api.binance.com"
	klinesPath     = "/api/v3/klines"
	maxPageSize    = 1000
)

// APIError is a non-2xx answer from the exchange.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("binance api error: status=%d code=%d msg=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("binance api error: status=%d msg=%s", e.StatusCode, e.Message)
}

type ClientConfig struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Timeout   time.Duration
	PageSize  int
}

// BinanceClient reads public kline history. The secret is kept for parity
// with the exchange credentials pair; kline endpoints never sign requests.
type BinanceClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	apiSecret  string
	pageSize   int
	logger     *zap.Logger
}

func NewBinanceClient(cfg ClientConfig, logger *zap.Logger) *BinanceClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.PageSize <= 0 || cfg.PageSize > maxPageSize {
		cfg.PageSize = maxPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BinanceClient{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		pageSize:   cfg.PageSize,
		logger:     logger,
	}
}

// FetchKLines returns every candle whose open time falls in [start, end),
// walking the range one page at a time.
func (c *BinanceClient) FetchKLines(ctx context.Context, symbol, interval string, start, end time.Time) ([]KLine, error) {
	if symbol == "" {
		return nil, errors.New("symbol is required")
	}
	if _, err := ParseInterval(interval); err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, fmt.Errorf("end %s before start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}

	cursor := start.UnixMilli()
	// endTime is inclusive on the exchange side
	endMs := end.UnixMilli() - 1
	var klines []KLine
	for cursor <= endMs {
		page, err := c.fetchPage(ctx, symbol, interval, cursor, endMs)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		klines = append(klines, page...)
		c.logger.Debug("fetched kline page",
			zap.String("symbol", symbol),
			zap.Int("rows", len(page)),
			zap.Time("last_open", page[len(page)-1].OpenTime))

		if len(page) < c.pageSize {
			break
		}
		cursor = page[len(page)-1].OpenTime.UnixMilli() + 1
	}
	return klines, nil
}

// FetchLatest returns the most recent closed candles, oldest first.
func (c *BinanceClient) FetchLatest(ctx context.Context, symbol, interval string, n int, now time.Time) ([]KLine, error) {
	step, err := ParseInterval(interval)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, errors.New("n must be positive")
	}
	// one extra interval covers the still-open candle, which is dropped below
	start := now.Add(-time.Duration(n+1) * step)
	klines, err := c.FetchKLines(ctx, symbol, interval, start, now)
	if err != nil {
		return nil, err
	}
	closed := klines[:0]
	for _, k := range klines {
		if !k.CloseTime.After(now) {
			closed = append(closed, k)
		}
	}
	if len(closed) > n {
		closed = closed[len(closed)-n:]
	}
	return closed, nil
}

func (c *BinanceClient) fetchPage(ctx context.Context, symbol, interval string, startMs, endMs int64) ([]KLine, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("startTime", strconv.FormatInt(startMs, 10))
	params.Set("endTime", strconv.FormatInt(endMs, 10))
	params.Set("limit", strconv.Itoa(c.pageSize))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+klinesPath+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request klines: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read klines response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(body)}
		var payload struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.Msg != "" {
			apiErr.Code = payload.Code
			apiErr.Message = payload.Msg
		}
		return nil, apiErr
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}
	klines := make([]KLine, 0, len(rows))
	for i, row := range rows {
		k, err := parseKLineRow(row)
		if err != nil {
			return nil, fmt.Errorf("kline row %d: %w", i, err)
		}
		k.Symbol = symbol
		k.Interval = interval
		klines = append(klines, k)
	}
	return klines, nil
}

// parseKLineRow decodes the fixed 12-field array:
// open time, O, H, L, C, V, close time, quote volume, trades,
// taker buy base, taker buy quote, ignore.
func parseKLineRow(row []json.RawMessage) (KLine, error) {
	if len(row) < 12 {
		return KLine{}, fmt.Errorf("expected 12 fields, got %d", len(row))
	}

	var openMs, closeMs, trades int64
	if err := json.Unmarshal(row[0], &openMs); err != nil {
		return KLine{}, fmt.Errorf("open time: %w", err)
	}
	if err := json.Unmarshal(row[6], &closeMs); err != nil {
		return KLine{}, fmt.Errorf("close time: %w", err)
	}
	if err := json.Unmarshal(row[8], &trades); err != nil {
		return KLine{}, fmt.Errorf("trades: %w", err)
	}

	numbers := make([]float64, 0, 8)
	for _, idx := range []int{1, 2, 3, 4, 5, 7, 9, 10} {
		v, err := parseDecimal(row[idx])
		if err != nil {
			return KLine{}, fmt.Errorf("field %d: %w", idx, err)
		}
		numbers = append(numbers, v)
	}

	return KLine{
		OpenTime:      time.UnixMilli(openMs).UTC(),
		CloseTime:     time.UnixMilli(closeMs).UTC(),
		Open:          numbers[0],
		High:          numbers[1],
		Low:           numbers[2],
		Close:         numbers[3],
		Volume:        numbers[4],
		QuoteVolume:   numbers[5],
		Trades:        trades,
		TakerBuyBase:  numbers[6],
		TakerBuyQuote: numbers[7],
	}, nil
}

func parseDecimal(raw json.RawMessage) (float64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		// some mirrors send bare numbers
		s = string(raw)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	f, _ := d.Float64()
	return f, nil
}
