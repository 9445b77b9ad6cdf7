// Package symbols maps canonical trading symbols to each broker's instrument
// identifiers and back.
package symbols

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"broker-gateway/internal/broker"
	gwerrors "broker-gateway/internal/errors"
	"broker-gateway/internal/metrics"
	"broker-gateway/internal/models"
	"broker-gateway/internal/store"
)

// table is one broker's immutable index. A refresh builds a new table and
// swaps it in whole.
type table struct {
	bySymbol map[string]models.Instrument // "EXCHANGE:SYMBOL"
	byToken  map[string]models.Instrument // stream token
	loadedAt time.Time
}

func newTable(instruments []models.Instrument, loadedAt time.Time) *table {
	t := &table{
		bySymbol: make(map[string]models.Instrument, len(instruments)),
		byToken:  make(map[string]models.Instrument, len(instruments)),
		loadedAt: loadedAt,
	}
	for _, inst := range instruments {
		key := inst.Key()
		if _, dup := t.bySymbol[key]; !dup {
			t.bySymbol[key] = inst
		}
		if inst.StreamToken != "" {
			if _, dup := t.byToken[inst.StreamToken]; !dup {
				t.byToken[inst.StreamToken] = inst
			}
		}
	}
	return t
}

// Resolver holds one index per broker.
type Resolver struct {
	sources   map[models.BrokerID]broker.InstrumentSource
	tables    map[models.BrokerID]*atomic.Pointer[table]
	snapshots store.InstrumentStore
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithSnapshots persists every successful load to s and lets WarmStart
// read it back.
func WithSnapshots(s store.InstrumentStore) Option {
	return func(r *Resolver) { r.snapshots = s }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// WithMetrics records loads to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// New creates a resolver for every broker in reg. Brokers without an
// instrument source still get an (empty) index that can be filled by Set.
func New(reg *broker.Registry, opts ...Option) *Resolver {
	r := &Resolver{
		sources: make(map[models.BrokerID]broker.InstrumentSource),
		tables:  make(map[models.BrokerID]*atomic.Pointer[table]),
		logger:  zerolog.Nop(),
		now:     time.Now,
	}
	for _, id := range reg.IDs() {
		r.tables[id] = &atomic.Pointer[table]{}
		if src, ok := reg.InstrumentSource(id); ok {
			r.sources[id] = src
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) current(id models.BrokerID) (*table, error) {
	p, ok := r.tables[id]
	if !ok {
		return nil, gwerrors.NotConfigured(string(id), "broker is not enabled")
	}
	t := p.Load()
	if t == nil {
		return nil, gwerrors.Newf(gwerrors.KindSymbolNotFound, "instrument master for %s is not loaded", id)
	}
	return t, nil
}

// Resolve returns the instrument for a canonical symbol on one broker.
func (r *Resolver) Resolve(id models.BrokerID, exchange models.Exchange, symbol string) (models.Instrument, error) {
	t, err := r.current(id)
	if err != nil {
		return models.Instrument{}, err
	}
	key := string(exchange) + ":" + strings.ToUpper(strings.TrimSpace(symbol))
	inst, ok := t.bySymbol[key]
	if !ok {
		return models.Instrument{}, &gwerrors.GatewayError{
			Kind:    gwerrors.KindSymbolNotFound,
			Broker:  string(id),
			Message: key + " is not in the instrument master",
		}
	}
	return inst, nil
}

// ByToken maps a stream token carried by a tick back to its instrument.
func (r *Resolver) ByToken(id models.BrokerID, streamToken string) (models.Instrument, bool) {
	t, err := r.current(id)
	if err != nil {
		return models.Instrument{}, false
	}
	inst, ok := t.byToken[streamToken]
	return inst, ok
}

// Search returns up to limit instruments on one broker whose symbol starts
// with prefix, sorted by key.
func (r *Resolver) Search(id models.BrokerID, prefix string, limit int) []models.Instrument {
	t, err := r.current(id)
	if err != nil {
		return nil
	}
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	var out []models.Instrument
	for _, inst := range t.bySymbol {
		if strings.HasPrefix(inst.Symbol, prefix) {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Set replaces one broker's index.
func (r *Resolver) Set(id models.BrokerID, instruments []models.Instrument) error {
	p, ok := r.tables[id]
	if !ok {
		return gwerrors.NotConfigured(string(id), "broker is not enabled")
	}
	p.Store(newTable(instruments, r.now()))
	return nil
}

// Load downloads one broker's master and swaps it in. On failure the
// previous table stays in place.
func (r *Resolver) Load(ctx context.Context, id models.BrokerID) (int, error) {
	src, ok := r.sources[id]
	if !ok {
		return 0, gwerrors.NotConfigured(string(id), "broker has no instrument source")
	}

	start := r.now()
	instruments, err := src.Instruments(ctx)
	r.metrics.InstrumentLoad(string(id), len(instruments), err)
	if err != nil {
		r.logger.Warn().Err(err).Str("broker", string(id)).Msg("Instrument master load failed, keeping previous table")
		return 0, fmt.Errorf("loading %s instruments: %w", id, err)
	}
	if err := r.Set(id, instruments); err != nil {
		return 0, err
	}
	r.logger.Info().
		Str("broker", string(id)).
		Int("instruments", len(instruments)).
		Dur("took", r.now().Sub(start)).
		Msg("Instrument master loaded")

	if r.snapshots != nil {
		if err := r.snapshots.SaveInstruments(ctx, id, instruments); err != nil {
			r.logger.Warn().Err(err).Str("broker", string(id)).Msg("Failed to save instrument snapshot")
		}
	}
	return len(instruments), nil
}

// RefreshAll loads every broker's master in parallel. Every load runs to
// completion; the first error is returned.
func (r *Resolver) RefreshAll(ctx context.Context) error {
	var g errgroup.Group
	for id := range r.sources {
		id := id
		g.Go(func() error {
			_, err := r.Load(ctx, id)
			return err
		})
	}
	return g.Wait()
}

// WarmStart fills empty indexes from the last saved snapshots.
func (r *Resolver) WarmStart(ctx context.Context) {
	if r.snapshots == nil {
		return
	}
	for id, p := range r.tables {
		if p.Load() != nil {
			continue
		}
		instruments, savedAt, err := r.snapshots.LoadInstruments(ctx, id)
		if err != nil || len(instruments) == 0 {
			continue
		}
		p.Store(newTable(instruments, savedAt))
		r.logger.Info().
			Str("broker", string(id)).
			Int("instruments", len(instruments)).
			Time("saved_at", savedAt).
			Msg("Instrument index restored from snapshot")
	}
}

// Run refreshes every interval until ctx is done. The first refresh runs
// immediately.
func (r *Resolver) Run(ctx context.Context, interval time.Duration) {
	if err := r.RefreshAll(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("Initial instrument refresh incomplete")
	}
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RefreshAll(ctx); err != nil {
				r.logger.Warn().Err(err).Msg("Scheduled instrument refresh incomplete")
			}
		}
	}
}

// TableStats describes one broker's index.
type TableStats struct {
	Broker      models.BrokerID `json:"broker"`
	Instruments int             `json:"instruments"`
	LoadedAt    time.Time       `json:"loaded_at,omitempty"`
}

// Stats reports every index in broker order.
func (r *Resolver) Stats() []TableStats {
	var out []TableStats
	for _, id := range models.AllBrokers {
		p, ok := r.tables[id]
		if !ok {
			continue
		}
		s := TableStats{Broker: id}
		if t := p.Load(); t != nil {
			s.Instruments = len(t.bySymbol)
			s.LoadedAt = t.loadedAt
		}
		out = append(out, s)
	}
	return out
}
