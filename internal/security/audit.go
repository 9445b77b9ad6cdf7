// Package security provides credential encryption, log masking, the audit
// trail, and write guards.
package security

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	"broker-gateway/internal/logging"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

const (
	// Session events
	AuditLogin              AuditEventType = "LOGIN"
	AuditAuthFailed         AuditEventType = "AUTH_FAILED"
	AuditLogout             AuditEventType = "LOGOUT"
	AuditSessionExpired     AuditEventType = "SESSION_EXPIRED"
	AuditCredentialsSaved   AuditEventType = "CREDENTIALS_SAVED"
	AuditCredentialsDeleted AuditEventType = "CREDENTIALS_DELETED"

	// Order events
	AuditOrderPlaced    AuditEventType = "ORDER_PLACED"
	AuditOrderModified  AuditEventType = "ORDER_MODIFIED"
	AuditOrderCancelled AuditEventType = "ORDER_CANCELLED"

	AuditReadOnlyViolation AuditEventType = "READ_ONLY_VIOLATION"
)

// AuditEvent represents a single audit log entry.
type AuditEvent struct {
	Timestamp      time.Time              `json:"timestamp"`
	EventType      AuditEventType         `json:"event_type"`
	UserID         string                 `json:"user_id,omitempty"`
	Broker         string                 `json:"broker,omitempty"`
	Symbol         string                 `json:"symbol,omitempty"`
	OrderID        string                 `json:"order_id,omitempty"`
	Action         string                 `json:"action,omitempty"`
	Details        map[string]interface{} `json:"details,omitempty"`
	Success        bool                   `json:"success"`
	OutcomeUnknown bool                   `json:"outcome_unknown,omitempty"`
	ErrorMsg       string                 `json:"error,omitempty"`
	InstanceID     string                 `json:"instance_id"`
	RequestID      string                 `json:"request_id,omitempty"`
}

// AuditLogger appends audit events as JSON lines. A nil *AuditLogger
// discards everything.
type AuditLogger struct {
	writer     io.Writer
	closer     io.Closer
	mu         sync.Mutex
	instanceID string
	now        func() time.Time
}

// NewAuditLogger writes to a rotated file at path.
func NewAuditLogger(path string) (*AuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	writer := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50,
		MaxBackups: 30,
		MaxAge:     365,
		Compress:   true,
	}
	al := NewAuditWriter(writer)
	al.closer = writer
	return al, nil
}

// NewAuditWriter writes to w.
func NewAuditWriter(w io.Writer) *AuditLogger {
	return &AuditLogger{
		writer:     w,
		instanceID: uuid.NewString(),
		now:        time.Now,
	}
}

// Log logs an audit event.
func (al *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if al == nil {
		return nil
	}
	al.mu.Lock()
	defer al.mu.Unlock()

	event.Timestamp = al.now().UTC()
	event.InstanceID = al.instanceID
	if event.RequestID == "" {
		event.RequestID = logging.RequestID(ctx)
	}
	event.ErrorMsg = MaskString(event.ErrorMsg)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("serializing audit event: %w", err)
	}
	if _, err := al.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}
	return nil
}

// LogSession records a login, logout, or credential change.
func (al *AuditLogger) LogSession(ctx context.Context, eventType AuditEventType, userID, broker string, err error) error {
	ev := AuditEvent{
		EventType: eventType,
		UserID:    userID,
		Broker:    broker,
		Success:   err == nil,
	}
	if err != nil {
		ev.ErrorMsg = err.Error()
	}
	return al.Log(ctx, ev)
}

// OrderAudit describes one order write.
type OrderAudit struct {
	UserID         string
	Broker         string
	OrderID        string
	Symbol         string
	Side           string
	Quantity       int
	Price          float64
	OrderType      string
	Product        string
	OutcomeUnknown bool
	Err            error
}

// LogOrder records an order placement, modification, or cancellation.
func (al *AuditLogger) LogOrder(ctx context.Context, eventType AuditEventType, o OrderAudit) error {
	ev := AuditEvent{
		EventType:      eventType,
		UserID:         o.UserID,
		Broker:         o.Broker,
		OrderID:        o.OrderID,
		Symbol:         o.Symbol,
		Action:         o.Side,
		Success:        o.Err == nil,
		OutcomeUnknown: o.OutcomeUnknown,
	}
	if o.Quantity > 0 || o.Price > 0 || o.OrderType != "" {
		ev.Details = map[string]interface{}{
			"quantity":   o.Quantity,
			"price":      o.Price,
			"order_type": o.OrderType,
			"product":    o.Product,
		}
	}
	if o.Err != nil {
		ev.ErrorMsg = o.Err.Error()
	}
	return al.Log(ctx, ev)
}

// LogReadOnlyViolation logs an attempt to perform a write operation in read-only mode.
func (al *AuditLogger) LogReadOnlyViolation(ctx context.Context, userID, operation string) error {
	return al.Log(ctx, AuditEvent{
		EventType: AuditReadOnlyViolation,
		UserID:    userID,
		Action:    operation,
		Success:   false,
		ErrorMsg:  "operation blocked: read-only mode enabled",
	})
}

// Close closes the underlying file, if any.
func (al *AuditLogger) Close() error {
	if al == nil || al.closer == nil {
		return nil
	}
	return al.closer.Close()
}
