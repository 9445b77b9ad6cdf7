package security

import (
	"fmt"
	"regexp"
	"strings"

	gwerrors "broker-gateway/internal/errors"
)

var (
	// Canonical symbols: uppercase letters, digits, and & or -.
	symbolPattern = regexp.MustCompile(`^[A-Z0-9&-]{1,40}$`)

	// Broker order IDs are numeric for Zerodha and Angel One and
	// alphanumeric for Fyers.
	orderIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

	userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.@-]{1,64}$`)
)

const (
	maxQuantity = 10000000   // 1 crore
	maxPrice    = 1000000000 // 100 crore
)

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s: %s", e.Field, e.Message)
}

// badRequest wraps a validation failure in the gateway taxonomy.
func badRequest(field, value, msg string) error {
	return &gwerrors.GatewayError{
		Kind: gwerrors.KindBadRequest,
		Err:  &ValidationError{Field: field, Value: value, Message: msg},
	}
}

// ValidateSymbol checks a canonical symbol with an optional exchange
// prefix, such as "SBIN" or "NFO:NIFTY26JUN25FUT".
func ValidateSymbol(symbol string) error {
	symbol = strings.TrimSpace(strings.ToUpper(symbol))
	if symbol == "" {
		return badRequest("symbol", symbol, "symbol cannot be empty")
	}
	if i := strings.IndexByte(symbol, ':'); i >= 0 {
		if i == 0 {
			return badRequest("symbol", symbol, "missing exchange before ':'")
		}
		symbol = symbol[i+1:]
	}
	if !symbolPattern.MatchString(symbol) {
		return badRequest("symbol", symbol, "invalid symbol format")
	}
	return nil
}

// ValidateOrderID validates a broker order ID.
func ValidateOrderID(orderID string) error {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return badRequest("order_id", orderID, "order ID cannot be empty")
	}
	if !orderIDPattern.MatchString(orderID) {
		return badRequest("order_id", orderID, "invalid order ID format")
	}
	return nil
}

// ValidateUserID validates a gateway user ID taken from a token subject.
func ValidateUserID(userID string) error {
	if !userIDPattern.MatchString(userID) {
		return badRequest("user_id", userID, "invalid user ID")
	}
	return nil
}

// ValidateQuantity validates an order quantity.
func ValidateQuantity(qty int) error {
	if qty <= 0 {
		return badRequest("quantity", fmt.Sprintf("%d", qty), "quantity must be positive")
	}
	if qty > maxQuantity {
		return badRequest("quantity", fmt.Sprintf("%d", qty), "quantity exceeds maximum allowed")
	}
	return nil
}

// ValidatePrice validates a limit or trigger price. Zero means unset.
func ValidatePrice(field string, price float64) error {
	if price < 0 {
		return badRequest(field, fmt.Sprintf("%.2f", price), "price cannot be negative")
	}
	if price > maxPrice {
		return badRequest(field, fmt.Sprintf("%.2f", price), "price exceeds maximum allowed")
	}
	return nil
}
