// Package stream turns one upstream market data connection per (user,
// broker) into many downstream subscriber channels.
package stream

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"broker-gateway/internal/broker"
	"broker-gateway/internal/config"
	gwerrors "broker-gateway/internal/errors"
	"broker-gateway/internal/metrics"
	"broker-gateway/internal/models"
)

// HubConfig holds configuration for the Hub.
type HubConfig struct {
	// SubscriberBuffer is the size of each subscriber's channel. When it is
	// full the oldest event is dropped.
	SubscriberBuffer int
	Ingestor         IngestorConfig
}

// DefaultHubConfig returns the default hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		SubscriberBuffer: 256,
		Ingestor: IngestorConfig{
			BackoffInitial: time.Second,
			BackoffMax:     30 * time.Second,
			IdleGrace:      30 * time.Second,
			DialTimeout:    10 * time.Second,
		},
	}
}

// HubConfigFrom builds a HubConfig from the stream section.
func HubConfigFrom(cfg *config.Config) HubConfig {
	hc := DefaultHubConfig()
	s := cfg.Stream
	if s.SubscriberBuffer > 0 {
		hc.SubscriberBuffer = s.SubscriberBuffer
	}
	if s.BackoffInitial > 0 {
		hc.Ingestor.BackoffInitial = s.BackoffInitial
	}
	if s.BackoffMax > 0 {
		hc.Ingestor.BackoffMax = s.BackoffMax
	}
	if s.IdleGrace > 0 {
		hc.Ingestor.IdleGrace = s.IdleGrace
	}
	if s.DialTimeout > 0 {
		hc.Ingestor.DialTimeout = s.DialTimeout
	}
	return hc
}

// BrokerResolver picks the broker for a user when the caller names none.
type BrokerResolver interface {
	ResolveBroker(ctx context.Context, userID string, explicit models.BrokerID) (models.BrokerID, error)
}

// Symbols maps canonical symbols to broker instruments.
type Symbols interface {
	Resolve(id models.BrokerID, exchange models.Exchange, symbol string) (models.Instrument, error)
}

// EventType tags subscriber events.
type EventType string

const (
	EventTick   EventType = "tick"
	EventCandle EventType = "candle"
	EventError  EventType = "error"
)

// Event is one message on a subscriber channel. An error event is always
// the last one before the channel closes.
type Event struct {
	Type   EventType
	Symbol string
	Tick   *models.Tick
	Candle *models.Candle
	Err    error
}

// SubscribeOptions tunes a subscription.
type SubscribeOptions struct {
	Broker       models.BrokerID
	CandlePeriod time.Duration // zero disables candles
}

// Subscription is a live stream handle.
type Subscription struct {
	ID         uuid.UUID
	Symbol     string
	Broker     models.BrokerID
	Instrument models.Instrument
	C          <-chan Event

	sub *Subscriber
}

// Dropped returns how many events this subscriber lost to overflow.
func (s *Subscription) Dropped() uint64 {
	return s.sub.dropped.Load()
}

// Subscriber is one downstream consumer of a symbol.
type Subscriber struct {
	ID        uuid.UUID
	Symbol    string
	CreatedAt time.Time

	stream *userStream
	token  string

	mu      sync.Mutex
	ch      chan Event
	closed  bool
	candles *CandleAggregator
	dropped atomic.Uint64
}

// offer enqueues ev, evicting the oldest queued event when full. It
// reports whether an event was dropped.
func (s *Subscriber) offer(ev Event) bool {
	select {
	case s.ch <- ev:
		return false
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- ev:
	default:
	}
	s.dropped.Add(1)
	return true
}

// deliver pushes a tick and, when it closes a candle, the finished candle.
func (s *Subscriber) deliver(tick models.Tick, m *metrics.Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	t := tick
	if s.offer(Event{Type: EventTick, Symbol: s.Symbol, Tick: &t}) {
		m.TickDropped()
	} else {
		m.TickDelivered()
	}
	if s.candles == nil {
		return
	}
	if c := s.candles.Add(tick); c != nil {
		if s.offer(Event{Type: EventCandle, Symbol: s.Symbol, Candle: c}) {
			m.TickDropped()
		}
	}
}

// close ends the channel, sending err first when non-nil.
func (s *Subscriber) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if err != nil {
		s.offer(Event{Type: EventError, Symbol: s.Symbol, Err: err})
	}
	s.closed = true
	close(s.ch)
}

// topic is the subscriber set of one instrument.
type topic struct {
	inst models.Instrument
	subs []*Subscriber
}

// userStream owns the topics and ingestor of one (user, broker) pair.
type userStream struct {
	userID string
	broker models.BrokerID

	mu       sync.Mutex
	topics   map[string]*topic // by stream token
	ingestor *Ingestor
	dead     bool
}

// Hub manages market data distribution. Ticks from a single upstream
// connection are broadcast to every subscriber of the instrument.
type Hub struct {
	config   HubConfig
	registry *broker.Registry
	tokens   Tokens
	brokers  BrokerResolver
	symbols  Symbols
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	streams     sync.Map // userID|broker -> *userStream
	subscribers sync.Map // uuid.UUID -> *Subscriber
	closed      atomic.Bool
	// lifecycle is held shared while a subscriber registers and exclusively
	// while Close flips closed, so no registration straddles shutdown.
	lifecycle sync.RWMutex

	ticksReceived atomic.Uint64
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(l zerolog.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// NewHub creates a hub. Close releases every upstream connection.
func NewHub(reg *broker.Registry, tokens Tokens, brokers BrokerResolver, symbols Symbols, cfg HubConfig, opts ...HubOption) *Hub {
	def := DefaultHubConfig()
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = def.SubscriberBuffer
	}
	if cfg.Ingestor.BackoffInitial <= 0 {
		cfg.Ingestor.BackoffInitial = def.Ingestor.BackoffInitial
	}
	if cfg.Ingestor.BackoffMax <= 0 {
		cfg.Ingestor.BackoffMax = def.Ingestor.BackoffMax
	}
	if cfg.Ingestor.IdleGrace <= 0 {
		cfg.Ingestor.IdleGrace = def.Ingestor.IdleGrace
	}
	if cfg.Ingestor.DialTimeout <= 0 {
		cfg.Ingestor.DialTimeout = def.Ingestor.DialTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		config:   cfg,
		registry: reg,
		tokens:   tokens,
		brokers:  brokers,
		symbols:  symbols,
		logger:   zerolog.Nop(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With().Str("component", "stream").Logger()
	return h
}

func streamKey(userID string, id models.BrokerID) string {
	return userID + "|" + string(id)
}

// Subscribe attaches a new subscriber to symbol ("EXCHANGE:SYMBOL" or a
// bare NSE symbol). The first subscriber of an instrument adds its token
// to the upstream connection.
func (h *Hub) Subscribe(ctx context.Context, userID, symbol string, opts SubscribeOptions) (*Subscription, error) {
	if h.closed.Load() {
		return nil, gwerrors.New(gwerrors.KindBrokerUnreachable, "stream hub is closed")
	}
	exchange, sym, ok := models.SplitSymbol(symbol)
	if !ok {
		return nil, gwerrors.Newf(gwerrors.KindBadRequest, "invalid symbol %q", symbol)
	}
	if opts.CandlePeriod < 0 {
		return nil, gwerrors.New(gwerrors.KindBadRequest, "candle period must be positive")
	}

	id, err := h.brokers.ResolveBroker(ctx, userID, opts.Broker)
	if err != nil {
		return nil, err
	}
	dialer, ok := h.registry.StreamDialer(id)
	if !ok {
		return nil, gwerrors.NotConfigured(string(id), "broker does not support market data streaming")
	}
	inst, err := h.symbols.Resolve(id, exchange, sym)
	if err != nil {
		return nil, err
	}
	// Fail fast on a dead session rather than via an error event.
	if _, err := h.tokens.EnsureValidToken(ctx, userID, id); err != nil {
		return nil, err
	}

	sub := &Subscriber{
		ID:        uuid.New(),
		Symbol:    inst.Key(),
		CreatedAt: time.Now(),
		token:     inst.StreamToken,
		ch:        make(chan Event, h.config.SubscriberBuffer),
	}
	if opts.CandlePeriod > 0 {
		sub.candles = NewCandleAggregator(opts.CandlePeriod)
	}

	h.lifecycle.RLock()
	defer h.lifecycle.RUnlock()
	if h.closed.Load() {
		return nil, gwerrors.New(gwerrors.KindBrokerUnreachable, "stream hub is closed")
	}
	for {
		v, _ := h.streams.LoadOrStore(streamKey(userID, id), &userStream{
			userID: userID,
			broker: id,
			topics: make(map[string]*topic),
		})
		us := v.(*userStream)
		us.mu.Lock()
		if us.dead {
			us.mu.Unlock()
			continue
		}
		sub.stream = us
		t := us.topics[inst.StreamToken]
		if t == nil {
			t = &topic{inst: inst}
			us.topics[inst.StreamToken] = t
		}
		t.subs = append(t.subs, sub)
		if len(t.subs) == 1 {
			h.addToken(us, dialer, inst.StreamToken)
		}
		us.mu.Unlock()
		break
	}

	h.subscribers.Store(sub.ID, sub)
	h.metrics.SubscriptionAdded()
	h.logger.Debug().
		Str("user", userID).
		Str("broker", string(id)).
		Str("symbol", sub.Symbol).
		Str("subscription", sub.ID.String()).
		Msg("Subscriber added")

	return &Subscription{
		ID:         sub.ID,
		Symbol:     sub.Symbol,
		Broker:     id,
		Instrument: inst,
		C:          sub.ch,
		sub:        sub,
	}, nil
}

// addToken puts token on the pair's ingestor, starting a fresh one when
// there is none or the previous one has stopped. Callers hold us.mu.
func (h *Hub) addToken(us *userStream, dialer broker.StreamDialer, token string) {
	if us.ingestor != nil && us.ingestor.Add(token) {
		return
	}
	var ing *Ingestor
	ing = newIngestor(us.userID, us.broker, dialer, h.tokens, h.config.Ingestor,
		func(tick models.Tick) { h.broadcast(us, tick) },
		func(err error) { h.ingestorStopped(us, ing, err) },
		h.logger, h.metrics)
	// Carry tokens of topics that outlived a stopped ingestor.
	for tok := range us.topics {
		ing.Add(tok)
	}
	ing.Add(token)
	us.ingestor = ing

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ing.Run(h.ctx)
	}()
}

// ingestorStopped detaches a stopped ingestor. A terminal error closes
// every subscriber of the pair with an error event.
func (h *Hub) ingestorStopped(us *userStream, ing *Ingestor, err error) {
	us.mu.Lock()
	if us.ingestor != ing {
		us.mu.Unlock()
		return
	}
	us.ingestor = nil
	var orphans []*Subscriber
	if err != nil {
		for tok, t := range us.topics {
			orphans = append(orphans, t.subs...)
			delete(us.topics, tok)
		}
	}
	if len(us.topics) == 0 {
		us.dead = true
		h.streams.CompareAndDelete(streamKey(us.userID, us.broker), us)
	}
	us.mu.Unlock()

	for _, sub := range orphans {
		h.subscribers.Delete(sub.ID)
		sub.close(err)
		h.metrics.SubscriptionRemoved()
	}
	if len(orphans) > 0 {
		h.logger.Warn().Err(err).
			Str("user", us.userID).
			Str("broker", string(us.broker)).
			Int("subscribers", len(orphans)).
			Msg("Market data stream ended, subscribers closed")
	}
}

// Unsubscribe detaches a subscriber and closes its channel. The last
// subscriber of an instrument removes its token upstream asynchronously.
func (h *Hub) Unsubscribe(id uuid.UUID) bool {
	v, ok := h.subscribers.LoadAndDelete(id)
	if !ok {
		return false
	}
	sub := v.(*Subscriber)
	us := sub.stream

	us.mu.Lock()
	if t := us.topics[sub.token]; t != nil {
		for i, s := range t.subs {
			if s == sub {
				t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
				break
			}
		}
		if len(t.subs) == 0 {
			delete(us.topics, sub.token)
			if us.ingestor != nil {
				us.ingestor.Remove(sub.token)
			}
		}
	}
	us.mu.Unlock()

	sub.close(nil)
	h.metrics.SubscriptionRemoved()
	return true
}

// broadcast sends a tick to all subscribers of its instrument. Delivery
// runs on a copy of the subscriber list, outside the lock.
func (h *Hub) broadcast(us *userStream, tick models.Tick) {
	h.ticksReceived.Add(1)
	us.mu.Lock()
	t := us.topics[tick.InstrumentToken]
	var subs []*Subscriber
	if t != nil {
		subs = make([]*Subscriber, len(t.subs))
		copy(subs, t.subs)
	}
	us.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(tick, h.metrics)
	}
}

// Close stops every ingestor and closes every subscriber channel.
func (h *Hub) Close() {
	h.lifecycle.Lock()
	first := h.closed.CompareAndSwap(false, true)
	h.lifecycle.Unlock()
	if !first {
		return
	}
	h.cancel()
	h.wg.Wait()
	h.subscribers.Range(func(k, v any) bool {
		h.subscribers.Delete(k)
		v.(*Subscriber).close(nil)
		h.metrics.SubscriptionRemoved()
		return true
	})
}

// StreamStats describes one (user, broker) upstream connection.
type StreamStats struct {
	UserID      string          `json:"user_id"`
	Broker      models.BrokerID `json:"broker"`
	State       string          `json:"state"`
	Tokens      []string        `json:"tokens"`
	Subscribers int             `json:"subscribers"`
}

// HubMetrics contains hub counters and per-connection state.
type HubMetrics struct {
	TicksReceived uint64        `json:"ticks_received"`
	Subscribers   int           `json:"subscribers"`
	Streams       []StreamStats `json:"streams"`
}

// GetMetrics returns a snapshot of the hub.
func (h *Hub) GetMetrics() HubMetrics {
	out := HubMetrics{TicksReceived: h.ticksReceived.Load()}
	h.subscribers.Range(func(_, _ any) bool {
		out.Subscribers++
		return true
	})
	h.streams.Range(func(_, v any) bool {
		us := v.(*userStream)
		us.mu.Lock()
		st := StreamStats{UserID: us.userID, Broker: us.broker, State: StateStopped.String()}
		for _, t := range us.topics {
			st.Subscribers += len(t.subs)
		}
		ing := us.ingestor
		us.mu.Unlock()
		if ing != nil {
			st.State = ing.State().String()
			st.Tokens = ing.Tokens()
		}
		out.Streams = append(out.Streams, st)
		return true
	})
	sort.Slice(out.Streams, func(i, j int) bool {
		if out.Streams[i].UserID != out.Streams[j].UserID {
			return out.Streams[i].UserID < out.Streams[j].UserID
		}
		return out.Streams[i].Broker < out.Streams[j].Broker
	})
	return out
}

// ingestor returns the pair's current ingestor, for tests.
func (h *Hub) ingestor(userID string, id models.BrokerID) *Ingestor {
	v, ok := h.streams.Load(streamKey(userID, id))
	if !ok {
		return nil
	}
	us := v.(*userStream)
	us.mu.Lock()
	defer us.mu.Unlock()
	return us.ingestor
}
