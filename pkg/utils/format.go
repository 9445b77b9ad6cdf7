// Package utils holds display formatting, retry and market-clock helpers
// shared by the CLI and broker adapters.
package utils

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

const (
	lakh  = 1e5
	crore = 1e7
)

// groupIndian inserts separators the Indian way: the last three digits,
// then pairs (12,34,567).
func groupIndian(digits string) string {
	if len(digits) <= 3 {
		return digits
	}
	head, tail := digits[:len(digits)-3], digits[len(digits)-3:]
	out := make([]byte, 0, len(digits)+len(digits)/2)
	for i := 0; i < len(head); i++ {
		if i > 0 && (len(head)-i)%2 == 0 {
			out = append(out, ',')
		}
		out = append(out, head[i])
	}
	out = append(out, ',')
	return string(append(out, tail...))
}

// FormatIndianCurrency renders a rupee amount with two decimals and
// lakh/crore grouping, e.g. -₹1,23,456.70.
func FormatIndianCurrency(amount float64) string {
	paise := int64(math.Round(math.Abs(amount) * 100))
	s := fmt.Sprintf("₹%s.%02d", groupIndian(strconv.FormatInt(paise/100, 10)), paise%100)
	if amount < 0 && paise > 0 {
		return "-" + s
	}
	return s
}

// FormatPnL is FormatIndianCurrency with a leading + for gains.
func FormatPnL(pnl float64) string {
	if pnl > 0 {
		return "+" + FormatIndianCurrency(pnl)
	}
	return FormatIndianCurrency(pnl)
}

// FormatPercent renders a signed percentage.
func FormatPercent(value float64) string {
	if value > 0 {
		return fmt.Sprintf("+%.2f%%", value)
	}
	return fmt.Sprintf("%.2f%%", value)
}

// FormatQuantity groups an integer quantity.
func FormatQuantity(qty int64) string {
	if qty < 0 {
		return "-" + groupIndian(strconv.FormatInt(-qty, 10))
	}
	return groupIndian(strconv.FormatInt(qty, 10))
}

// FormatCompact switches to lakh or crore units for large turnover figures.
func FormatCompact(amount float64) string {
	switch abs := math.Abs(amount); {
	case abs >= crore:
		return fmt.Sprintf("%.2f Cr", amount/crore)
	case abs >= lakh:
		return fmt.Sprintf("%.2f L", amount/lakh)
	default:
		return FormatIndianCurrency(amount)
	}
}

// FormatDuration shows the two most significant units of d.
func FormatDuration(d time.Duration) string {
	secs := int64(d / time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", secs)
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", secs/60, secs%60)
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh %dm", secs/3600, secs%3600/60)
	}
	return fmt.Sprintf("%dd %dh", secs/86400, secs%86400/3600)
}
