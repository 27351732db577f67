// Package symbol handles trading pair ticker parsing and validation.
// A ticker concatenates a base asset and a quote asset, e.g. "BTCUSDT".
package symbol

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidSymbol is returned for tickers that do not parse.
var ErrInvalidSymbol = errors.New("symbol: invalid ticker format")

// tickerRegex matches uppercase alphanumeric tickers, e.g. BTCUSDT, 1INCHUSDT.
var tickerRegex = regexp.MustCompile(`^[A-Z0-9]{5,20}$`)

// knownQuotes lists quote assets in match-priority order. Longer quotes are
// tried first so "BTCUSDT" resolves to BTC/USDT rather than BTCUSD/T.
var knownQuotes = []string{"USDT", "USDC", "FDUSD", "BUSD", "TUSD", "USD", "BTC", "ETH", "BNB", "EUR"}

// Pair is a parsed trading pair.
type Pair struct {
	Ticker string `json:"ticker"`
	Base   string `json:"base"`
	Quote  string `json:"quote"`
}

// Parse parses and validates a ticker string into its base and quote assets.
func Parse(ticker string) (*Pair, error) {
	if !tickerRegex.MatchString(ticker) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSymbol, ticker)
	}

	for _, quote := range knownQuotes {
		if len(ticker) > len(quote) && ticker[len(ticker)-len(quote):] == quote {
			return &Pair{
				Ticker: ticker,
				Base:   ticker[:len(ticker)-len(quote)],
				Quote:  quote,
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: %q has no recognized quote asset", ErrInvalidSymbol, ticker)
}

// BaseAsset returns the base asset of a ticker, e.g. "BTC" for "BTCUSDT".
func BaseAsset(ticker string) (string, error) {
	p, err := Parse(ticker)
	if err != nil {
		return "", err
	}
	return p.Base, nil
}
