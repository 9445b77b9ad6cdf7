package stream

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"broker-gateway/internal/broker"
	gwerrors "broker-gateway/internal/errors"
	"broker-gateway/internal/logging"
	"broker-gateway/internal/metrics"
	"broker-gateway/internal/models"
	"broker-gateway/pkg/utils"
)

// State is an ingestor's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStopped:
		return "stopped"
	default:
		return "disconnected"
	}
}

// IngestorConfig controls reconnects and idle teardown.
type IngestorConfig struct {
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	IdleGrace      time.Duration
	DialTimeout    time.Duration
}

// Tokens supplies access tokens for dialing and learns about rejected ones.
type Tokens interface {
	EnsureValidToken(ctx context.Context, userID string, id models.BrokerID) (models.AccessToken, error)
	MarkInactive(ctx context.Context, userID string, id models.BrokerID, reason string)
}

// Ingestor keeps one upstream market data connection for a (user, broker)
// pair. Its token set is the source of truth: every connection, including
// each reconnect, is brought to exactly that set.
type Ingestor struct {
	userID string
	broker models.BrokerID
	dialer broker.StreamDialer
	tokens Tokens
	cfg    IngestorConfig

	onTick   func(models.Tick)
	onStop   func(err error)
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	wakeCh   chan struct{}
	finished chan struct{}

	mu      sync.Mutex
	set     map[string]struct{}
	state   State
	stopped bool
}

func newIngestor(userID string, id models.BrokerID, dialer broker.StreamDialer, tokens Tokens, cfg IngestorConfig,
	onTick func(models.Tick), onStop func(error), logger zerolog.Logger, m *metrics.Metrics) *Ingestor {
	return &Ingestor{
		userID:   userID,
		broker:   id,
		dialer:   dialer,
		tokens:   tokens,
		cfg:      cfg,
		onTick:   onTick,
		onStop:   onStop,
		logger:   logging.WithBroker(logger, userID, string(id)),
		metrics:  m,
		wakeCh:   make(chan struct{}, 1),
		finished: make(chan struct{}),
		set:      make(map[string]struct{}),
	}
}

// Add puts a token in the set. It returns false once the ingestor has
// stopped; the caller must start a new one.
func (i *Ingestor) Add(token string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stopped {
		return false
	}
	i.set[token] = struct{}{}
	i.wake()
	return true
}

// Remove drops a token from the set. The upstream unsubscribe happens on
// the ingestor's goroutine.
func (i *Ingestor) Remove(token string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.set, token)
	i.wake()
}

func (i *Ingestor) wake() {
	select {
	case i.wakeCh <- struct{}{}:
	default:
	}
}

// Tokens returns the current set, sorted.
func (i *Ingestor) Tokens() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.snapshot()
}

func (i *Ingestor) snapshot() []string {
	out := make([]string, 0, len(i.set))
	for t := range i.set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// State returns the connection state.
func (i *Ingestor) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *Ingestor) setState(s State) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
}

// Done is closed when the ingestor has stopped.
func (i *Ingestor) Done() <-chan struct{} { return i.finished }

// tryRetire stops the ingestor if its set is still empty.
func (i *Ingestor) tryRetire() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.set) > 0 {
		return false
	}
	i.stopped = true
	i.state = StateStopped
	return true
}

// halt stops the ingestor regardless of its set.
func (i *Ingestor) halt() {
	i.mu.Lock()
	i.stopped = true
	i.state = StateStopped
	i.mu.Unlock()
}

func (i *Ingestor) empty() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.set) == 0
}

// isTerminal reports errors that reconnecting cannot fix.
func isTerminal(err error) bool {
	switch gwerrors.KindOf(err) {
	case gwerrors.KindReauthRequired, gwerrors.KindNotConfigured, gwerrors.KindInvalidCredentials:
		return true
	}
	return false
}

// Run drives the state machine until the ingestor retires, hits a terminal
// error, or ctx ends. onStop is called exactly once with the terminal
// error, or nil.
func (i *Ingestor) Run(ctx context.Context) {
	var stopErr error
	defer func() {
		i.halt()
		close(i.finished)
		if i.onStop != nil {
			i.onStop(stopErr)
		}
	}()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if i.empty() {
			if i.waitIdle(ctx) {
				i.logger.Debug().Msg("Ingestor retired after idle grace")
				return
			}
			continue
		}

		i.setState(StateConnecting)
		conn, err := i.dial(ctx)
		if err != nil {
			if isTerminal(err) {
				i.logger.Warn().Err(err).Msg("Market data stream stopped")
				stopErr = err
				return
			}
			if ctx.Err() != nil {
				return
			}
			i.setState(StateDisconnected)
			delay := utils.CalculateBackoff(attempt, i.cfg.BackoffInitial, i.cfg.BackoffMax, 2)
			attempt++
			i.metrics.Reconnect(string(i.broker))
			i.logger.Warn().Err(err).Dur("retry_in", delay).Int("attempt", attempt).Msg("Market data dial failed")
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}

		attempt = 0
		i.setState(StateConnected)
		i.metrics.UpstreamConnected(string(i.broker))
		i.logger.Info().Msg("Market data stream connected")

		retired, err := i.serve(ctx, conn)
		conn.Close()
		i.metrics.UpstreamDisconnected(string(i.broker))
		if retired || ctx.Err() != nil {
			return
		}
		if isTerminal(err) {
			i.logger.Warn().Err(err).Msg("Market data stream stopped")
			stopErr = err
			return
		}

		i.setState(StateDisconnected)
		delay := utils.CalculateBackoff(attempt, i.cfg.BackoffInitial, i.cfg.BackoffMax, 2)
		attempt++
		i.metrics.Reconnect(string(i.broker))
		i.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Market data stream disconnected, reconnecting")
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

func (i *Ingestor) dial(ctx context.Context) (broker.StreamConn, error) {
	tok, err := i.tokens.EnsureValidToken(ctx, i.userID, i.broker)
	if err != nil {
		return nil, err
	}
	dctx, cancel := context.WithTimeout(ctx, i.cfg.DialTimeout)
	defer cancel()
	conn, err := i.dialer.DialStream(dctx, tok)
	if err != nil && gwerrors.KindOf(err) == gwerrors.KindReauthRequired {
		i.tokens.MarkInactive(ctx, i.userID, i.broker, "market data handshake rejected the access token")
	}
	return conn, err
}

// waitIdle waits for the grace period with an empty set. It returns true
// if the ingestor retired.
func (i *Ingestor) waitIdle(ctx context.Context) bool {
	timer := time.NewTimer(i.cfg.IdleGrace)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-i.wakeCh:
		return false
	case <-timer.C:
		return i.tryRetire()
	}
}

// serve pumps one connection. It returns retired=true when the ingestor
// retired while connected, or the error that ended the connection.
func (i *Ingestor) serve(ctx context.Context, conn broker.StreamConn) (retired bool, err error) {
	subscribed := make(map[string]struct{})
	var idle *time.Timer
	var idleC <-chan time.Time
	defer func() {
		if idle != nil {
			idle.Stop()
		}
	}()

	// reconcile brings the connection to the current set. A fresh connection
	// gets the whole set in one call.
	reconcile := func() error {
		want := i.Tokens()
		var add, remove []string
		wantSet := make(map[string]struct{}, len(want))
		for _, t := range want {
			wantSet[t] = struct{}{}
			if _, ok := subscribed[t]; !ok {
				add = append(add, t)
			}
		}
		for t := range subscribed {
			if _, ok := wantSet[t]; !ok {
				remove = append(remove, t)
			}
		}
		sort.Strings(remove)
		if len(remove) > 0 {
			if err := conn.Unsubscribe(remove); err != nil {
				return err
			}
			for _, t := range remove {
				delete(subscribed, t)
			}
		}
		if len(add) > 0 {
			if err := conn.Subscribe(add); err != nil {
				return err
			}
			for _, t := range add {
				subscribed[t] = struct{}{}
			}
		}

		if len(want) == 0 && idleC == nil {
			idle = time.NewTimer(i.cfg.IdleGrace)
			idleC = idle.C
		} else if len(want) > 0 && idleC != nil {
			idle.Stop()
			idle, idleC = nil, nil
		}
		return nil
	}

	if err := reconcile(); err != nil {
		return false, err
	}

	var lastErr error
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()

		case ev, ok := <-conn.Events():
			if !ok {
				if lastErr == nil {
					lastErr = errors.New("market data connection closed")
				}
				return false, lastErr
			}
			if ev.Err != nil {
				lastErr = ev.Err
				if isTerminal(ev.Err) {
					if gwerrors.KindOf(ev.Err) == gwerrors.KindReauthRequired {
						i.tokens.MarkInactive(ctx, i.userID, i.broker, "market data stream rejected the access token")
					}
					return false, ev.Err
				}
				continue
			}
			if ev.Tick != nil {
				i.onTick(*ev.Tick)
			}

		case <-i.wakeCh:
			if err := reconcile(); err != nil {
				return false, err
			}

		case <-idleC:
			idle, idleC = nil, nil
			if i.tryRetire() {
				i.logger.Debug().Msg("Ingestor retired after idle grace")
				return true, nil
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
