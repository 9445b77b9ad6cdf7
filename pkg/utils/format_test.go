package utils

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var indianGrouping = regexp.MustCompile(`^(\d{1,2},)*\d{1,3}$`)

// For any amount, FormatIndianCurrency carries the rupee sign, two decimals,
// lakh/crore digit grouping, and round-trips to the rounded value.
func TestProperty_IndianCurrencyFormatting(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("grouping and decimals", prop.ForAll(
		func(amount float64) bool {
			formatted := FormatIndianCurrency(amount)
			prefix := "₹"
			if amount < 0 && formatted != "₹0.00" {
				prefix = "-₹"
			}
			if !strings.HasPrefix(formatted, prefix) {
				t.Logf("missing %s prefix: %s", prefix, formatted)
				return false
			}
			intPart, decPart, ok := strings.Cut(strings.TrimPrefix(formatted, prefix), ".")
			if !ok || len(decPart) != 2 {
				t.Logf("bad decimals: %s", formatted)
				return false
			}
			return indianGrouping.MatchString(intPart)
		},
		gen.Float64Range(-1e12, 1e12),
	))

	properties.Property("value survives formatting", prop.ForAll(
		func(amount float64) bool {
			formatted := FormatIndianCurrency(amount)
			negative := strings.HasPrefix(formatted, "-")
			digits := strings.ReplaceAll(strings.TrimLeft(formatted, "-₹"), ",", "")
			parsed, err := strconv.ParseFloat(digits, 64)
			if err != nil {
				return false
			}
			if negative {
				parsed = -parsed
			}
			return math.Abs(parsed-math.Round(amount*100)/100) <= 0.01
		},
		gen.Float64Range(-1e9, 1e9),
	))

	properties.Property("compact units follow magnitude", prop.ForAll(
		func(amount float64) bool {
			formatted := FormatCompact(amount)
			switch abs := math.Abs(amount); {
			case abs >= 1e7:
				return strings.HasSuffix(formatted, " Cr")
			case abs >= 1e5:
				return strings.HasSuffix(formatted, " L")
			default:
				return strings.Contains(formatted, "₹")
			}
		},
		gen.Float64Range(-1e10, 1e10),
	))

	properties.TestingRun(t)
}

func TestFormatIndianCurrencyExamples(t *testing.T) {
	tests := []struct {
		amount float64
		want   string
	}{
		{0, "₹0.00"},
		{999, "₹999.00"},
		{1000, "₹1,000.00"},
		{100000, "₹1,00,000.00"},
		{10000000, "₹1,00,00,000.00"},
		{-1234.56, "-₹1,234.56"},
		{12345678.90, "₹1,23,45,678.90"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := FormatIndianCurrency(tt.amount); got != tt.want {
				t.Errorf("FormatIndianCurrency(%v) = %s, want %s", tt.amount, got, tt.want)
			}
		})
	}
}

func TestFormatPercentAndPnL(t *testing.T) {
	if got := FormatPercent(1.5); got != "+1.50%" {
		t.Errorf("FormatPercent(1.5) = %s", got)
	}
	if got := FormatPercent(-2.5); got != "-2.50%" {
		t.Errorf("FormatPercent(-2.5) = %s", got)
	}
	if got := FormatPercent(0); got != "0.00%" {
		t.Errorf("FormatPercent(0) = %s", got)
	}
	if got := FormatPnL(2500); got != "+₹2,500.00" {
		t.Errorf("FormatPnL(2500) = %s", got)
	}
	if got := FormatPnL(-75); got != "-₹75.00" {
		t.Errorf("FormatPnL(-75) = %s", got)
	}
	if got := FormatQuantity(1234567); got != "12,34,567" {
		t.Errorf("FormatQuantity = %s", got)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{45 * time.Second, "45s"},
		{90 * time.Second, "1m 30s"},
		{2*time.Hour + 5*time.Minute, "2h 5m"},
		{50 * time.Hour, "2d 2h"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%s) = %s, want %s", tt.d, got, tt.want)
		}
	}
}
