// Package broker provides the broker adapters: one dialect translator per
// supported broker behind a common set of interfaces.
package broker

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"broker-gateway/internal/config"
	gwerrors "broker-gateway/internal/errors"
	"broker-gateway/internal/models"
)

// OrderRequest pairs a canonical order with the instrument it resolved to.
type OrderRequest struct {
	Order      models.Order
	Instrument models.Instrument
}

// Adapter translates canonical operations into one broker's wire dialect.
// Every error it returns is a *gwerrors.GatewayError.
type Adapter interface {
	ID() models.BrokerID

	PlaceOrder(ctx context.Context, tok models.AccessToken, req OrderRequest) (*models.OrderResult, error)
	ModifyOrder(ctx context.Context, tok models.AccessToken, orderID string, req OrderRequest) (*models.OrderResult, error)
	CancelOrder(ctx context.Context, tok models.AccessToken, orderID string) (*models.OrderResult, error)

	GetOrderBook(ctx context.Context, tok models.AccessToken) ([]models.Order, error)
	GetPositions(ctx context.Context, tok models.AccessToken) ([]models.Position, error)
	GetQuote(ctx context.Context, tok models.AccessToken, inst models.Instrument) (*models.Quote, error)
}

// Authenticator exchanges user-supplied material for a broker session.
type Authenticator interface {
	Authenticate(ctx context.Context, cred *models.Credential, req models.AuthRequest) (*models.AuthResult, error)
}

// Refresher renews an access token without user interaction.
type Refresher interface {
	Refresh(ctx context.Context, cred *models.Credential) (*models.AuthResult, error)
}

// InstrumentSource downloads a broker's symbol master.
type InstrumentSource interface {
	Instruments(ctx context.Context) ([]models.Instrument, error)
}

// StreamDialer opens a market data socket for one session.
type StreamDialer interface {
	DialStream(ctx context.Context, tok models.AccessToken) (StreamConn, error)
}

// StreamConn is one live market data connection. Events is closed when the
// connection ends; a terminal error, if any, is delivered just before.
type StreamConn interface {
	Subscribe(tokens []string) error
	Unsubscribe(tokens []string) error
	Events() <-chan StreamEvent
	Close() error
}

// StreamEvent carries either a tick or a connection error.
type StreamEvent struct {
	Tick *models.Tick
	Err  error
}

// Registry holds the adapters of the enabled brokers.
type Registry struct {
	adapters map[models.BrokerID]Adapter
	order    []models.BrokerID
}

// NewRegistry creates a registry from explicit adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.BrokerID]Adapter)}
	for _, a := range adapters {
		if _, dup := r.adapters[a.ID()]; !dup {
			r.order = append(r.order, a.ID())
		}
		r.adapters[a.ID()] = a
	}
	return r
}

// NewRegistryFromConfig builds an adapter for every enabled broker.
func NewRegistryFromConfig(cfg *config.Config, httpClient *http.Client, logger zerolog.Logger) (*Registry, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Gateway.BrokerTimeout}
	}
	var adapters []Adapter
	for _, id := range cfg.EnabledBrokers() {
		bc, _ := cfg.Broker(id)
		l := logger.With().Str("broker", string(id)).Logger()
		switch id {
		case models.BrokerZerodha:
			adapters = append(adapters, NewZerodha(bc, httpClient, l))
		case models.BrokerAngelOne:
			adapters = append(adapters, NewAngelOne(bc, httpClient, l))
		case models.BrokerFyers:
			adapters = append(adapters, NewFyers(bc, httpClient, l))
		default:
			return nil, fmt.Errorf("no adapter for broker %s", id)
		}
	}
	return NewRegistry(adapters...), nil
}

// Adapter returns the adapter for id.
func (r *Registry) Adapter(id models.BrokerID) (Adapter, error) {
	a, ok := r.adapters[id]
	if !ok {
		return nil, gwerrors.NotConfigured(string(id), "broker is not enabled")
	}
	return a, nil
}

// IDs returns the registered broker IDs in registration order.
func (r *Registry) IDs() []models.BrokerID {
	out := make([]models.BrokerID, len(r.order))
	copy(out, r.order)
	return out
}

// Authenticator returns the login flow of id, if it has one.
func (r *Registry) Authenticator(id models.BrokerID) (Authenticator, bool) {
	a, ok := r.adapters[id].(Authenticator)
	return a, ok
}

// Refresher returns the token renewal flow of id, if it has one.
func (r *Registry) Refresher(id models.BrokerID) (Refresher, bool) {
	a, ok := r.adapters[id].(Refresher)
	return a, ok
}

// InstrumentSource returns the symbol master loader of id, if it has one.
func (r *Registry) InstrumentSource(id models.BrokerID) (InstrumentSource, bool) {
	a, ok := r.adapters[id].(InstrumentSource)
	return a, ok
}

// StreamDialer returns the market data dialer of id, if it has one.
func (r *Registry) StreamDialer(id models.BrokerID) (StreamDialer, bool) {
	a, ok := r.adapters[id].(StreamDialer)
	return a, ok
}

// canonicalSymbol strips broker decorations from an inbound symbol:
// an exchange prefix ("NSE:SBIN-EQ") and the cash segment suffix ("-EQ").
func canonicalSymbol(s string) string {
	if _, after, found := strings.Cut(s, ":"); found {
		s = after
	}
	s = strings.TrimSuffix(s, "-EQ")
	return strings.ToUpper(strings.TrimSpace(s))
}

// invert builds the inbound table from an outbound one.
func invert[K comparable, V comparable](m map[K]V) map[V]K {
	out := make(map[V]K, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}
