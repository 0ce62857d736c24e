// Package symbol handles equity ticker normalisation and validation.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// tickerRegex matches exchange tickers: a leading letter followed by up to
// nine letters, digits, dots or dashes. Examples: AAPL, BRK.B, RDS-A.
var tickerRegex = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,9}$`)

var ErrInvalidTicker = errors.New("symbol: invalid ticker format")

// Normalize trims and upper-cases a ticker, then validates it.
func Normalize(ticker string) (string, error) {
	t := strings.ToUpper(strings.TrimSpace(ticker))
	if !tickerRegex.MatchString(t) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTicker, ticker)
	}
	return t, nil
}

// NormalizeAll normalises a ticker list, dropping invalid entries and
// duplicates while keeping first-seen order. The rejected inputs are
// returned alongside.
func NormalizeAll(tickers []string) (valid []string, rejected []string) {
	seen := make(map[string]bool, len(tickers))
	for _, raw := range tickers {
		t, err := Normalize(raw)
		if err != nil {
			rejected = append(rejected, raw)
			continue
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		valid = append(valid, t)
	}
	return valid, rejected
}
