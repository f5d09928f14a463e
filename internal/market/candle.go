// Package market holds the broker's market-data state: candles, the
// incremental order book, and the shared ticker table.
package market

import "strconv"

// Interval is a chart interval accepted by the exchange.
type Interval string

var validIntervals = map[Interval]struct{}{
	"1m": {}, "3m": {}, "5m": {}, "15m": {}, "30m": {},
	"1h": {}, "2h": {}, "4h": {}, "6h": {}, "8h": {}, "12h": {},
	"1d": {}, "3d": {}, "1w": {}, "1M": {},
}

// ValidInterval reports whether itv belongs to the exchange's fixed set.
func ValidInterval(itv string) bool {
	_, ok := validIntervals[Interval(itv)]
	return ok
}

// Candle is a normalized OHLCV bar. Time is in epoch seconds; within a
// series times are non-decreasing, duplicates replace and greater append.
type Candle struct {
	Time    int64   `json:"time"`
	Open    float64 `json:"open"`
	High    float64 `json:"high"`
	Low     float64 `json:"low"`
	Close   float64 `json:"close"`
	Volume  float64 `json:"volume"`
	IsFinal bool    `json:"isFinal"`
}

// CandleFromStrings builds a candle from the exchange's string-encoded
// fields. openTimeMs is the bar's open time in milliseconds.
func CandleFromStrings(openTimeMs int64, open, high, low, closePrice, volume string, isFinal bool) Candle {
	return Candle{
		Time:    openTimeMs / 1000,
		Open:    parseFloat(open),
		High:    parseFloat(high),
		Low:     parseFloat(low),
		Close:   parseFloat(closePrice),
		Volume:  parseFloat(volume),
		IsFinal: isFinal,
	}
}

// MergeCandle applies the series invariant: a bar with the same time
// replaces the tail, a strictly greater time appends, older bars are
// dropped. Returns the updated series.
func MergeCandle(series []Candle, next Candle) []Candle {
	if len(series) == 0 {
		return append(series, next)
	}
	last := series[len(series)-1]
	switch {
	case next.Time == last.Time:
		series[len(series)-1] = next
		return series
	case next.Time > last.Time:
		return append(series, next)
	default:
		return series
	}
}

func parseFloat(value string) float64 {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return f
}
