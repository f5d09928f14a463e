package exchange

import "strings"

// Stream name constructors for the combined market socket. Stream names are
// always lower-case on the wire.

// KlineStream returns "<symbol>@kline_<interval>".
func KlineStream(symbol, interval string) string {
	return strings.ToLower(symbol) + "@kline_" + interval
}

// TradeStream returns "<symbol>@trade".
func TradeStream(symbol string) string {
	return strings.ToLower(symbol) + "@trade"
}

// DepthStream returns "<symbol>@depth@100ms".
func DepthStream(symbol string) string {
	return strings.ToLower(symbol) + "@depth@100ms"
}

// AllTickersStream is the market-wide rolling statistics stream.
const AllTickersStream = "!ticker@arr"

// CombinedStreamURL builds the combined-socket URL for the given streams.
func CombinedStreamURL(base string, streams []string) string {
	return strings.TrimRight(base, "/") + "/stream?streams=" + strings.Join(streams, "/")
}

// UserStreamURL builds the single-stream URL for a listen key.
func UserStreamURL(base, listenKey string) string {
	return strings.TrimRight(base, "/") + "/ws/" + listenKey
}
