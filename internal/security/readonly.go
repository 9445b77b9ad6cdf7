package security

import (
	"context"
	"sync/atomic"

	gwerrors "broker-gateway/internal/errors"
)

// OperationType classifies a gateway command for the read-only check.
type OperationType string

const (
	OpRead        OperationType = "READ"
	OpPlaceOrder  OperationType = "PLACE_ORDER"
	OpModifyOrder OperationType = "MODIFY_ORDER"
	OpCancelOrder OperationType = "CANCEL_ORDER"
)

// writeOps maps each state-changing operation to the phrase used in the
// rejection message.
var writeOps = map[OperationType]string{
	OpPlaceOrder:  "order placement",
	OpModifyOrder: "order modification",
	OpCancelOrder: "order cancellation",
}

// AccessController rejects order writes while the gateway runs read-only.
// A nil controller allows everything.
type AccessController struct {
	readOnly atomic.Bool
	audit    *AuditLogger
}

func NewAccessController(readOnly bool, audit *AuditLogger) *AccessController {
	ac := &AccessController{audit: audit}
	ac.readOnly.Store(readOnly)
	return ac
}

// SetReadOnly toggles read-only mode at runtime.
func (ac *AccessController) SetReadOnly(on bool) { ac.readOnly.Store(on) }

// CheckPermission audits and rejects a write in read-only mode before any
// broker is contacted.
func (ac *AccessController) CheckPermission(ctx context.Context, userID string, op OperationType) error {
	if ac == nil || !ac.readOnly.Load() {
		return nil
	}
	what, isWrite := writeOps[op]
	if !isWrite {
		return nil
	}
	ac.audit.LogReadOnlyViolation(ctx, userID, string(op))
	return gwerrors.Newf(gwerrors.KindBadRequest, "%s blocked: gateway is in read-only mode", what)
}
