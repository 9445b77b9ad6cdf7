// Package gateway is the single entry point for broker commands. It picks
// the broker, obtains a valid token, and runs the call under a timeout and
// a per-broker circuit breaker.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"broker-gateway/internal/broker"
	gwerrors "broker-gateway/internal/errors"
	"broker-gateway/internal/logging"
	"broker-gateway/internal/metrics"
	"broker-gateway/internal/models"
	"broker-gateway/internal/resilience"
	"broker-gateway/internal/security"
)

// CommandKind names a canonical broker operation.
type CommandKind string

const (
	CmdPlaceOrder  CommandKind = "place_order"
	CmdModifyOrder CommandKind = "modify_order"
	CmdCancelOrder CommandKind = "cancel_order"
	CmdOrderBook   CommandKind = "order_book"
	CmdPositions   CommandKind = "positions"
	CmdQuote       CommandKind = "quote"
)

// IsWrite reports whether the command changes broker-side state.
func (k CommandKind) IsWrite() bool {
	switch k {
	case CmdPlaceOrder, CmdModifyOrder, CmdCancelOrder:
		return true
	}
	return false
}

func (k CommandKind) operation() security.OperationType {
	switch k {
	case CmdPlaceOrder:
		return security.OpPlaceOrder
	case CmdModifyOrder:
		return security.OpModifyOrder
	case CmdCancelOrder:
		return security.OpCancelOrder
	}
	return security.OpRead
}

// Command is one broker-neutral request. Broker is optional when the user
// has exactly one usable broker.
type Command struct {
	Kind    CommandKind
	Broker  models.BrokerID
	Order   models.Order // place and modify
	OrderID string       // modify and cancel
	Symbol  string       // quote, "EXCHANGE:SYMBOL" or a bare NSE symbol
}

// Result holds the payload matching the command kind.
type Result struct {
	Broker    models.BrokerID     `json:"broker"`
	Order     *models.OrderResult `json:"order,omitempty"`
	Orders    []models.Order      `json:"orders,omitempty"`
	Positions []models.Position   `json:"positions,omitempty"`
	Quote     *models.Quote       `json:"quote,omitempty"`
}

// Sessions supplies tokens and the user's broker configuration.
type Sessions interface {
	EnsureValidToken(ctx context.Context, userID string, id models.BrokerID) (models.AccessToken, error)
	ConfiguredBrokers(ctx context.Context, userID string) (configured, active []models.BrokerID, err error)
	MarkInactive(ctx context.Context, userID string, id models.BrokerID, reason string)
}

// Symbols resolves canonical symbols to broker instruments.
type Symbols interface {
	Resolve(id models.BrokerID, exchange models.Exchange, symbol string) (models.Instrument, error)
}

// Config holds dispatcher settings.
type Config struct {
	BrokerTimeout    time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Dispatcher executes commands against the user's broker.
type Dispatcher struct {
	registry *broker.Registry
	sessions Sessions
	symbols  Symbols
	breakers *resilience.Set
	access   *security.AccessController
	audit    *security.AuditLogger
	timeout  time.Duration
	now      func() time.Time
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics records broker calls to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithAccessController applies read-only mode to write commands.
func WithAccessController(ac *security.AccessController) Option {
	return func(d *Dispatcher) { d.access = ac }
}

// WithAuditLogger records every write command.
func WithAuditLogger(al *security.AuditLogger) Option {
	return func(d *Dispatcher) { d.audit = al }
}

// WithClock overrides the time source used for call durations.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a dispatcher.
func New(reg *broker.Registry, sessions Sessions, symbols Symbols, cfg Config, opts ...Option) *Dispatcher {
	if cfg.BrokerTimeout <= 0 {
		cfg.BrokerTimeout = 10 * time.Second
	}
	d := &Dispatcher{
		registry: reg,
		sessions: sessions,
		symbols:  symbols,
		timeout:  cfg.BrokerTimeout,
		now:      time.Now,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.breakers = resilience.NewSet(resilience.Config{
		Threshold: cfg.BreakerThreshold,
		Cooldown:  cfg.BreakerCooldown,
		IsFailure: func(err error) bool {
			return gwerrors.KindOf(err) == gwerrors.KindBrokerUnreachable
		},
		OnTransition: func(name string, from, to resilience.State) {
			ev := d.logger.Info()
			if to == resilience.StateOpen {
				ev = d.logger.Warn()
			}
			ev.Str("broker", name).Str("from", string(from)).Str("to", string(to)).Msg("circuit breaker transition")
		},
	})
	return d
}

// ResolveBroker picks the broker for a request. An explicit broker wins.
// Otherwise the user's only configured broker is used, or the only one
// with an active session. Anything else is ambiguous.
func (d *Dispatcher) ResolveBroker(ctx context.Context, userID string, explicit models.BrokerID) (models.BrokerID, error) {
	if explicit != "" {
		id, ok := models.ParseBrokerID(string(explicit))
		if !ok {
			return "", gwerrors.Newf(gwerrors.KindBadRequest, "unknown broker %q", explicit)
		}
		if _, err := d.registry.Adapter(id); err != nil {
			return "", err
		}
		return id, nil
	}

	configured, active, err := d.sessions.ConfiguredBrokers(ctx, userID)
	if err != nil {
		return "", err
	}
	configured = d.enabled(configured)
	active = d.enabled(active)

	switch {
	case len(configured) == 0:
		return "", gwerrors.NotConfigured("", "no broker credentials saved")
	case len(configured) == 1:
		return configured[0], nil
	case len(active) == 1:
		return active[0], nil
	}
	names := make([]string, len(configured))
	for i, id := range configured {
		names[i] = string(id)
	}
	return "", gwerrors.Newf(gwerrors.KindBadRequest,
		"multiple brokers configured (%s); specify one", strings.Join(names, ", "))
}

func (d *Dispatcher) enabled(ids []models.BrokerID) []models.BrokerID {
	out := ids[:0:0]
	for _, id := range ids {
		if _, err := d.registry.Adapter(id); err == nil {
			out = append(out, id)
		}
	}
	return out
}

// Execute runs cmd for the user.
func (d *Dispatcher) Execute(ctx context.Context, userID string, cmd Command) (*Result, error) {
	if err := validate(cmd); err != nil {
		return nil, err
	}
	if err := d.access.CheckPermission(ctx, userID, cmd.Kind.operation()); err != nil {
		return nil, err
	}

	id, err := d.ResolveBroker(ctx, userID, cmd.Broker)
	if err != nil {
		return nil, err
	}
	adapter, err := d.registry.Adapter(id)
	if err != nil {
		return nil, err
	}

	var inst models.Instrument
	switch cmd.Kind {
	case CmdPlaceOrder, CmdModifyOrder:
		if inst, err = d.symbols.Resolve(id, cmd.Order.Exchange, cmd.Order.Symbol); err != nil {
			return nil, err
		}
	case CmdQuote:
		ex, sym, _ := models.SplitSymbol(cmd.Symbol)
		if inst, err = d.symbols.Resolve(id, ex, sym); err != nil {
			return nil, err
		}
	}

	tok, err := d.sessions.EnsureValidToken(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	res := &Result{Broker: id}
	req := broker.OrderRequest{Order: cmd.Order, Instrument: inst}
	err = d.call(ctx, userID, id, cmd.Kind, func(ctx context.Context) error {
		var err error
		switch cmd.Kind {
		case CmdPlaceOrder:
			res.Order, err = adapter.PlaceOrder(ctx, tok, req)
		case CmdModifyOrder:
			res.Order, err = adapter.ModifyOrder(ctx, tok, cmd.OrderID, req)
		case CmdCancelOrder:
			res.Order, err = adapter.CancelOrder(ctx, tok, cmd.OrderID)
		case CmdOrderBook:
			res.Orders, err = adapter.GetOrderBook(ctx, tok)
		case CmdPositions:
			res.Positions, err = adapter.GetPositions(ctx, tok)
		case CmdQuote:
			res.Quote, err = adapter.GetQuote(ctx, tok, inst)
		}
		return err
	})
	d.auditWrite(ctx, userID, id, cmd, res, err)
	if err != nil {
		return nil, err
	}
	if res.Order != nil && res.Order.BrokerID == "" {
		res.Order.BrokerID = id
	}
	return res, nil
}

// call runs fn under the broker timeout and circuit breaker and maps any
// failure into the gateway taxonomy.
func (d *Dispatcher) call(ctx context.Context, userID string, id models.BrokerID, kind CommandKind, fn func(context.Context) error) error {
	op := string(kind)
	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := d.now()
	err := d.breakers.For(string(id)).Execute(cctx, func(ctx context.Context) error {
		return normalize(id, op, kind.IsWrite(), fn(ctx))
	})
	if errors.Is(err, resilience.ErrOpen) {
		// Nothing reached the broker, so the outcome is known.
		err = gwerrors.Unreachable(string(id), op, err, false)
	}
	elapsed := d.now().Sub(start)

	label := "ok"
	if err != nil {
		label = gwerrors.KindOf(err).String()
	}
	d.metrics.BrokerCall(string(id), op, label, elapsed)
	callLogger := d.logger.With().Str("user", userID).Logger()
	if reqID := logging.RequestID(ctx); reqID != "" {
		callLogger = callLogger.With().Str("request_id", reqID).Logger()
	}
	logging.LogBrokerCall(callLogger, string(id), op, elapsed, err)

	if errors.Is(err, gwerrors.ErrReauthRequired) {
		d.sessions.MarkInactive(ctx, userID, id, "broker rejected the access token")
	}
	return err
}

// normalize guarantees a *GatewayError. Adapters already return one; this
// covers context errors that can bypass them.
func normalize(id models.BrokerID, op string, write bool, err error) error {
	if err == nil {
		return nil
	}
	var ge *gwerrors.GatewayError
	if errors.As(err, &ge) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return gwerrors.Unreachable(string(id), op, err, write)
	}
	return &gwerrors.GatewayError{Kind: gwerrors.KindUnknown, Broker: string(id), Op: op, Err: err}
}

func validate(cmd Command) error {
	switch cmd.Kind {
	case CmdPlaceOrder:
		return validateOrder(cmd.Order)
	case CmdModifyOrder:
		if err := security.ValidateOrderID(cmd.OrderID); err != nil {
			return err
		}
		return validateOrder(cmd.Order)
	case CmdCancelOrder:
		return security.ValidateOrderID(cmd.OrderID)
	case CmdQuote:
		if _, _, ok := models.SplitSymbol(cmd.Symbol); !ok {
			return gwerrors.Newf(gwerrors.KindBadRequest, "invalid symbol %q", cmd.Symbol)
		}
		return security.ValidateSymbol(cmd.Symbol)
	case CmdOrderBook, CmdPositions:
		return nil
	}
	return gwerrors.Newf(gwerrors.KindBadRequest, "unknown command %q", cmd.Kind)
}

func validateOrder(o models.Order) error {
	if err := security.ValidateSymbol(o.Symbol); err != nil {
		return err
	}
	if _, ok := models.ParseExchange(string(o.Exchange)); !ok {
		return gwerrors.Newf(gwerrors.KindBadRequest, "unknown exchange %q", o.Exchange)
	}
	if err := security.ValidateQuantity(o.Quantity); err != nil {
		return err
	}
	if err := security.ValidatePrice("price", o.Price); err != nil {
		return err
	}
	if err := security.ValidatePrice("trigger_price", o.TriggerPrice); err != nil {
		return err
	}
	if o.DisclosedQuantity < 0 || o.DisclosedQuantity > o.Quantity {
		return gwerrors.New(gwerrors.KindBadRequest, "disclosed quantity must be between 0 and quantity")
	}
	return nil
}

// NormalizeOrder fills the exchange from an "EXCHANGE:SYMBOL" symbol and
// upper-cases enum fields.
func NormalizeOrder(o *models.Order) error {
	if o.Exchange == "" {
		ex, sym, ok := models.SplitSymbol(o.Symbol)
		if !ok {
			return gwerrors.Newf(gwerrors.KindBadRequest, "invalid symbol %q", o.Symbol)
		}
		o.Exchange, o.Symbol = ex, sym
	} else {
		o.Exchange = models.Exchange(strings.ToUpper(string(o.Exchange)))
		o.Symbol = strings.ToUpper(strings.TrimSpace(o.Symbol))
	}
	o.Side = models.OrderSide(strings.ToUpper(string(o.Side)))
	o.Type = models.OrderType(strings.ToUpper(string(o.Type)))
	o.Product = models.ProductType(strings.ToUpper(string(o.Product)))
	return nil
}

func (d *Dispatcher) auditWrite(ctx context.Context, userID string, id models.BrokerID, cmd Command, res *Result, err error) {
	if !cmd.Kind.IsWrite() {
		return
	}
	var event security.AuditEventType
	switch cmd.Kind {
	case CmdPlaceOrder:
		event = security.AuditOrderPlaced
	case CmdModifyOrder:
		event = security.AuditOrderModified
	default:
		event = security.AuditOrderCancelled
	}
	entry := security.OrderAudit{
		UserID:         userID,
		Broker:         string(id),
		OrderID:        cmd.OrderID,
		Side:           string(cmd.Order.Side),
		Quantity:       cmd.Order.Quantity,
		Price:          cmd.Order.Price,
		OrderType:      string(cmd.Order.Type),
		Product:        string(cmd.Order.Product),
		OutcomeUnknown: gwerrors.IsOutcomeUnknown(err),
		Err:            err,
	}
	if cmd.Order.Symbol != "" {
		entry.Symbol = fmt.Sprintf("%s:%s", cmd.Order.Exchange, cmd.Order.Symbol)
	}
	if res != nil && res.Order != nil {
		entry.OrderID = res.Order.OrderID
	}
	if aerr := d.audit.LogOrder(ctx, event, entry); aerr != nil {
		d.logger.Error().Err(aerr).Msg("Failed to write audit event")
	}
	if err == nil && res != nil && res.Order != nil {
		logging.LogOrder(d.logger, string(id), res.Order.OrderID, entry.Symbol, entry.Side, res.Order.RawStatus)
	}
}

// BreakerStats reports every broker's circuit breaker.
func (d *Dispatcher) BreakerStats() []resilience.Snapshot {
	return d.breakers.Snapshots()
}
