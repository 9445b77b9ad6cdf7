// Package brokertest provides in-memory broker adapters and market data
// connections for tests.
package brokertest

import (
	"context"
	"sort"
	"sync"

	"broker-gateway/internal/broker"
	"broker-gateway/internal/models"
)

// Fake implements every broker interface. Unset hooks return canned
// successes. Calls are counted per operation name.
type Fake struct {
	BrokerID models.BrokerID

	PlaceFunc       func(ctx context.Context, tok models.AccessToken, req broker.OrderRequest) (*models.OrderResult, error)
	ModifyFunc      func(ctx context.Context, tok models.AccessToken, orderID string, req broker.OrderRequest) (*models.OrderResult, error)
	CancelFunc      func(ctx context.Context, tok models.AccessToken, orderID string) (*models.OrderResult, error)
	OrderBookFunc   func(ctx context.Context, tok models.AccessToken) ([]models.Order, error)
	PositionsFunc   func(ctx context.Context, tok models.AccessToken) ([]models.Position, error)
	QuoteFunc       func(ctx context.Context, tok models.AccessToken, inst models.Instrument) (*models.Quote, error)
	AuthFunc        func(ctx context.Context, cred *models.Credential, req models.AuthRequest) (*models.AuthResult, error)
	RefreshFunc     func(ctx context.Context, cred *models.Credential) (*models.AuthResult, error)
	InstrumentsFunc func(ctx context.Context) ([]models.Instrument, error)
	DialFunc        func(ctx context.Context, tok models.AccessToken) (broker.StreamConn, error)

	mu     sync.Mutex
	calls  map[string]int
	tokens []models.AccessToken
}

// NewFake creates a fake adapter for id.
func NewFake(id models.BrokerID) *Fake {
	return &Fake{BrokerID: id, calls: make(map[string]int)}
}

func (f *Fake) record(op string, tok *models.AccessToken) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[op]++
	if tok != nil {
		f.tokens = append(f.tokens, *tok)
	}
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// LastToken returns the token passed to the most recent authenticated call.
func (f *Fake) LastToken() models.AccessToken {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tokens) == 0 {
		return models.AccessToken{}
	}
	return f.tokens[len(f.tokens)-1]
}

func (f *Fake) ID() models.BrokerID { return f.BrokerID }

func (f *Fake) PlaceOrder(ctx context.Context, tok models.AccessToken, req broker.OrderRequest) (*models.OrderResult, error) {
	f.record("place_order", &tok)
	if f.PlaceFunc != nil {
		return f.PlaceFunc(ctx, tok, req)
	}
	return &models.OrderResult{OrderID: "ord-1", BrokerID: f.BrokerID, RawStatus: "success"}, nil
}

func (f *Fake) ModifyOrder(ctx context.Context, tok models.AccessToken, orderID string, req broker.OrderRequest) (*models.OrderResult, error) {
	f.record("modify_order", &tok)
	if f.ModifyFunc != nil {
		return f.ModifyFunc(ctx, tok, orderID, req)
	}
	return &models.OrderResult{OrderID: orderID, BrokerID: f.BrokerID, RawStatus: "success"}, nil
}

func (f *Fake) CancelOrder(ctx context.Context, tok models.AccessToken, orderID string) (*models.OrderResult, error) {
	f.record("cancel_order", &tok)
	if f.CancelFunc != nil {
		return f.CancelFunc(ctx, tok, orderID)
	}
	return &models.OrderResult{OrderID: orderID, BrokerID: f.BrokerID, RawStatus: "success"}, nil
}

func (f *Fake) GetOrderBook(ctx context.Context, tok models.AccessToken) ([]models.Order, error) {
	f.record("order_book", &tok)
	if f.OrderBookFunc != nil {
		return f.OrderBookFunc(ctx, tok)
	}
	return []models.Order{}, nil
}

func (f *Fake) GetPositions(ctx context.Context, tok models.AccessToken) ([]models.Position, error) {
	f.record("positions", &tok)
	if f.PositionsFunc != nil {
		return f.PositionsFunc(ctx, tok)
	}
	return []models.Position{}, nil
}

func (f *Fake) GetQuote(ctx context.Context, tok models.AccessToken, inst models.Instrument) (*models.Quote, error) {
	f.record("quote", &tok)
	if f.QuoteFunc != nil {
		return f.QuoteFunc(ctx, tok, inst)
	}
	return &models.Quote{Symbol: inst.Symbol, Exchange: inst.Exchange}, nil
}

func (f *Fake) Authenticate(ctx context.Context, cred *models.Credential, req models.AuthRequest) (*models.AuthResult, error) {
	f.record("login", nil)
	if f.AuthFunc != nil {
		return f.AuthFunc(ctx, cred, req)
	}
	return &models.AuthResult{AccessToken: "access-" + req.Code, RefreshToken: "refresh"}, nil
}

func (f *Fake) Refresh(ctx context.Context, cred *models.Credential) (*models.AuthResult, error) {
	f.record("refresh", nil)
	if f.RefreshFunc != nil {
		return f.RefreshFunc(ctx, cred)
	}
	return &models.AuthResult{AccessToken: "refreshed", RefreshToken: cred.RefreshToken}, nil
}

func (f *Fake) Instruments(ctx context.Context) ([]models.Instrument, error) {
	f.record("instruments", nil)
	if f.InstrumentsFunc != nil {
		return f.InstrumentsFunc(ctx)
	}
	return nil, nil
}

func (f *Fake) DialStream(ctx context.Context, tok models.AccessToken) (broker.StreamConn, error) {
	f.record("dial", &tok)
	if f.DialFunc != nil {
		return f.DialFunc(ctx, tok)
	}
	return NewConn(), nil
}

var (
	_ broker.Adapter          = (*Fake)(nil)
	_ broker.Authenticator    = (*Fake)(nil)
	_ broker.Refresher        = (*Fake)(nil)
	_ broker.InstrumentSource = (*Fake)(nil)
	_ broker.StreamDialer     = (*Fake)(nil)
)

// Conn is an in-memory market data connection. Tests push ticks with Emit
// and end it with Drop.
type Conn struct {
	events chan broker.StreamEvent

	mu         sync.Mutex
	closed     bool
	subscribed map[string]bool
	subCalls   [][]string
	unsubCalls [][]string
}

// NewConn creates an open connection.
func NewConn() *Conn {
	return &Conn{
		events:     make(chan broker.StreamEvent, 1024),
		subscribed: make(map[string]bool),
	}
}

func (c *Conn) Subscribe(tokens []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subCalls = append(c.subCalls, append([]string(nil), tokens...))
	for _, t := range tokens {
		c.subscribed[t] = true
	}
	return nil
}

func (c *Conn) Unsubscribe(tokens []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubCalls = append(c.unsubCalls, append([]string(nil), tokens...))
	for _, t := range tokens {
		delete(c.subscribed, t)
	}
	return nil
}

func (c *Conn) Events() <-chan broker.StreamEvent { return c.events }

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

// Emit delivers a tick unless the connection has ended.
func (c *Conn) Emit(tick models.Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.events <- broker.StreamEvent{Tick: &tick}
	}
}

// Drop ends the connection with err, as a broker disconnect would.
func (c *Conn) Drop(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- broker.StreamEvent{Err: err}
	c.closed = true
	close(c.events)
}

// Closed reports whether the connection has ended.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Subscribed returns the currently subscribed tokens, sorted.
func (c *Conn) Subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscribed))
	for t := range c.subscribed {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// SubscribeCalls returns the token batches of every Subscribe call.
func (c *Conn) SubscribeCalls() [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]string(nil), c.subCalls...)
}

// UnsubscribeCalls returns the token batches of every Unsubscribe call.
func (c *Conn) UnsubscribeCalls() [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]string(nil), c.unsubCalls...)
}
