package broker

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"broker-gateway/pkg/utils"
)

// Each broker publishes contract expiries in its own format. The parsers
// below return the expiry date at midnight in exchange time. An empty
// input means the instrument does not expire and yields the zero time.

// ParseZerodhaExpiry parses Kite's ISO date ("2025-06-26").
func ParseZerodhaExpiry(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, utils.IndiaLocation)
	if err != nil {
		return time.Time{}, fmt.Errorf("zerodha expiry %q: %w", s, err)
	}
	return t, nil
}

// ParseAngelExpiry parses the scrip master's "26JUN2025". Two-digit years
// ("26JUN25") are read as 20YY.
func ParseAngelExpiry(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	layout := "02Jan2006"
	if len(s) == 7 {
		layout = "02Jan06"
	}
	t, err := time.ParseInLocation(layout, s, utils.IndiaLocation)
	if err != nil {
		return time.Time{}, fmt.Errorf("angelone expiry %q: %w", s, err)
	}
	return t, nil
}

// ParseFyersExpiry parses the symbol master's epoch seconds. The epoch
// points at the close of the expiry session; only the date is kept.
func ParseFyersExpiry(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return time.Time{}, nil
	}
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("fyers expiry %q: %w", s, err)
	}
	local := time.Unix(sec, 0).In(utils.IndiaLocation)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, utils.IndiaLocation), nil
}
