package market

import (
	"errors"
	"fmt"
	"time"
)

type KLine struct {
	Symbol        string    `json:"symbol"`
	Interval      string    `json:"interval"`
	OpenTime      time.Time `json:"open_time"`
	CloseTime     time.Time `json:"close_time"`
	Open          float64   `json:"open"`
	High          float64   `json:"high"`
	Low           float64   `json:"low"`
	Close         float64   `json:"close"`
	Volume        float64   `json:"volume"`
	QuoteVolume   float64   `json:"quote_volume"`
	Trades        int64     `json:"trades"`
	TakerBuyBase  float64   `json:"taker_buy_base"`
	TakerBuyQuote float64   `json:"taker_buy_quote"`
}

type PricePoint struct {
	Timestamp time.Time `json:"timestamp"`
	Close     float64   `json:"close"`
}

// PriceSeries is an ordered, immutable run of closing prices, one per interval.
type PriceSeries struct {
	Symbol   string
	Interval string
	points   []PricePoint
}

var ErrNotIncreasing = errors.New("price series timestamps must be strictly increasing")

// NewPriceSeries builds a series from klines already sorted by open time.
func NewPriceSeries(symbol, interval string, klines []KLine) (*PriceSeries, error) {
	points := make([]PricePoint, len(klines))
	for i, k := range klines {
		if i > 0 && !k.OpenTime.After(klines[i-1].OpenTime) {
			return nil, fmt.Errorf("%w: %s after %s", ErrNotIncreasing,
				k.OpenTime.Format(time.RFC3339), klines[i-1].OpenTime.Format(time.RFC3339))
		}
		points[i] = PricePoint{Timestamp: k.OpenTime, Close: k.Close}
	}
	return &PriceSeries{Symbol: symbol, Interval: interval, points: points}, nil
}

func (s *PriceSeries) Len() int {
	return len(s.points)
}

func (s *PriceSeries) Closes() []float64 {
	closes := make([]float64, len(s.points))
	for i, p := range s.points {
		closes[i] = p.Close
	}
	return closes
}

func (s *PriceSeries) Timestamps() []time.Time {
	ts := make([]time.Time, len(s.points))
	for i, p := range s.points {
		ts[i] = p.Timestamp
	}
	return ts
}
