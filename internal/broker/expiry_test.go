package broker

import (
	"testing"
	"time"

	"broker-gateway/pkg/utils"
)

func TestExpiryParsers(t *testing.T) {
	want := time.Date(2025, 6, 26, 0, 0, 0, 0, utils.IndiaLocation)
	cases := []struct {
		name  string
		parse func(string) (time.Time, error)
		in    string
	}{
		{"zerodha", ParseZerodhaExpiry, "2025-06-26"},
		{"angel", ParseAngelExpiry, "26JUN2025"},
		{"angel two digit year", ParseAngelExpiry, "26JUN25"},
		{"fyers close of session", ParseFyersExpiry, "1750932000"},
		{"fyers late evening utc", ParseFyersExpiry, "1750961700"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.parse(tc.in)
			if err != nil {
				t.Fatal(err)
			}
			if !got.Equal(want) {
				t.Errorf("got %v, want %v", got, want)
			}
		})
	}
}

func TestExpiryParsers_EmptyAndInvalid(t *testing.T) {
	for _, parse := range []func(string) (time.Time, error){ParseZerodhaExpiry, ParseAngelExpiry, ParseFyersExpiry} {
		got, err := parse("  ")
		if err != nil || !got.IsZero() {
			t.Errorf("empty input: %v %v", got, err)
		}
	}
	if _, err := ParseZerodhaExpiry("26-06-2025"); err == nil {
		t.Error("zerodha accepted wrong layout")
	}
	if _, err := ParseAngelExpiry("2025-06-26"); err == nil {
		t.Error("angel accepted wrong layout")
	}
	if _, err := ParseFyersExpiry("soon"); err == nil {
		t.Error("fyers accepted non-numeric epoch")
	}
}
