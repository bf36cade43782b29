package finnhub

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is a real-time price snapshot.
type Quote struct {
	Symbol        string          `json:"symbol"`
	Current       decimal.Decimal `json:"c"`
	Change        decimal.Decimal `json:"d"`
	PercentChange decimal.Decimal `json:"dp"`
	High          decimal.Decimal `json:"h"`
	Low           decimal.Decimal `json:"l"`
	Open          decimal.Decimal `json:"o"`
	PreviousClose decimal.Decimal `json:"pc"`
	Timestamp     int64           `json:"t"`
}

// Time returns the quote timestamp.
func (q *Quote) Time() time.Time {
	return time.Unix(q.Timestamp, 0).UTC()
}

// Profile is a company profile.
type Profile struct {
	Symbol            string  `json:"ticker"`
	Name              string  `json:"name"`
	Country           string  `json:"country"`
	Currency          string  `json:"currency"`
	Exchange          string  `json:"exchange"`
	Industry          string  `json:"finnhubIndustry"`
	IPO               string  `json:"ipo"`
	Logo              string  `json:"logo"`
	WebURL            string  `json:"weburl"`
	MarketCap         float64 `json:"marketCapitalization"`
	SharesOutstanding float64 `json:"shareOutstanding"`
}

// Candles holds OHLCV series, oldest first.
type Candles struct {
	Symbol     string            `json:"symbol"`
	Resolution string            `json:"resolution"`
	Close      []decimal.Decimal `json:"c"`
	High       []decimal.Decimal `json:"h"`
	Low        []decimal.Decimal `json:"l"`
	Open       []decimal.Decimal `json:"o"`
	Volume     []float64         `json:"v"`
	Timestamps []int64           `json:"t"`
	Status     string            `json:"s"`
}

// Len returns the number of bars.
func (c *Candles) Len() int {
	return len(c.Timestamps)
}
