package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestSentinelsMatchByKind(t *testing.T) {
	err := fmt.Errorf("placing order: %w", Reauth("zerodha", "token expired", nil))

	if !errors.Is(err, ErrReauthRequired) {
		t.Error("wrapped reauth error does not match ErrReauthRequired")
	}
	if errors.Is(err, ErrBrokerUnreachable) {
		t.Error("reauth error matches ErrBrokerUnreachable")
	}
	if KindOf(err) != KindReauthRequired {
		t.Errorf("KindOf = %v", KindOf(err))
	}
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Error("plain error has a kind")
	}

	// Two concrete errors of the same kind are not sentinels for each other.
	if errors.Is(New(KindBadRequest, "a"), New(KindBadRequest, "b")) {
		t.Error("non-sentinel target matched")
	}
}

func TestUnreachableOutcome(t *testing.T) {
	cause := context.DeadlineExceeded

	read := Unreachable("fyers", "positions", cause, false)
	if read.OutcomeUnknown || IsOutcomeUnknown(read) {
		t.Error("read marked outcome unknown")
	}
	if !IsRetryable(read) {
		t.Error("unreachable read not retryable")
	}
	if !errors.Is(read, context.DeadlineExceeded) {
		t.Error("cause lost")
	}

	write := Unreachable("fyers", "place_order", cause, true)
	if !IsOutcomeUnknown(fmt.Errorf("wrapped: %w", write)) {
		t.Error("write not marked outcome unknown")
	}
	if !strings.Contains(write.Error(), "order book") {
		t.Errorf("message does not point at the order book: %s", write.Error())
	}

	if IsRetryable(Rejected("fyers", "positions", "-50", "bad")) {
		t.Error("rejection retryable")
	}
	if IsRetryable(fmt.Errorf("x: %w", context.Canceled)) {
		t.Error("cancellation retryable")
	}
}

func TestErrorString(t *testing.T) {
	err := Rejected("angelone", "place_order", "AB1008", "Invalid quantity")
	want := "BrokerRejected [angelone place_order] (AB1008): Invalid quantity"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	m := Mapping("zerodha", "order type", "ICEBERG")
	if m.Kind != KindInternalMapping || !strings.Contains(m.Error(), "ICEBERG") {
		t.Errorf("mapping error = %v", m)
	}
	if Wrap(KindNotConfigured, nil, "x") != nil {
		t.Error("Wrap(nil) not nil")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := map[Kind]int{
		KindInvalidCredentials: http.StatusUnauthorized,
		KindReauthRequired:     http.StatusUnauthorized,
		KindBrokerUnreachable:  http.StatusBadGateway,
		KindBrokerRejected:     http.StatusUnprocessableEntity,
		KindSymbolNotFound:     http.StatusNotFound,
		KindNotConfigured:      http.StatusPreconditionFailed,
		KindBadRequest:         http.StatusBadRequest,
		KindInternalMapping:    http.StatusInternalServerError,
		KindUnknown:            http.StatusInternalServerError,
	}
	for kind, want := range tests {
		if got := HTTPStatus(kind); got != want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", kind, got, want)
		}
	}
}

// TestProperty_KindSurvivesWrapping checks that the kind is found through
// any depth of fmt.Errorf wrapping.
func TestProperty_KindSurvivesWrapping(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("KindOf sees through wrapping", prop.ForAll(
		func(k int, depth int) bool {
			kind := Kind(k)
			var err error = New(kind, "boom")
			for i := 0; i < depth; i++ {
				err = fmt.Errorf("layer %d: %w", i, err)
			}
			return KindOf(err) == kind && IsRetryable(err) == (kind == KindBrokerUnreachable)
		},
		gen.IntRange(int(KindInvalidCredentials), int(KindBadRequest)),
		gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}
