package stream

import (
	"time"

	"broker-gateway/internal/models"
)

// PeriodStart returns floor(t / period) * period, measured from the Unix
// epoch.
func PeriodStart(t time.Time, period time.Duration) time.Time {
	p := int64(period)
	ns := t.UnixNano()
	start := ns - ns%p
	if ns%p < 0 {
		start -= p
	}
	return time.Unix(0, start).In(t.Location())
}

// CandleAggregator buckets one instrument's ticks into fixed-period OHLC
// candles. A candle is finalized only when a tick of a later period
// arrives. It is not safe for concurrent use.
type CandleAggregator struct {
	period  time.Duration
	current *models.Candle

	// lastVolume is the previous tick's cumulative day volume.
	lastVolume int64
}

// NewCandleAggregator creates an aggregator for period, which must be positive.
func NewCandleAggregator(period time.Duration) *CandleAggregator {
	return &CandleAggregator{period: period}
}

// Period returns the candle length.
func (a *CandleAggregator) Period() time.Duration { return a.period }

// Add folds tick into the in-progress candle. When tick opens a new period
// the previous candle is returned, finalized.
func (a *CandleAggregator) Add(tick models.Tick) *models.Candle {
	start := PeriodStart(tick.Timestamp, a.period)
	price := tick.LastPrice
	vol := a.volumeDelta(tick)

	if a.current != nil && a.current.PeriodStart.Equal(start) {
		c := a.current
		if price > c.High {
			c.High = price
		}
		if price < c.Low {
			c.Low = price
		}
		c.Close = price
		c.Volume += vol
		return nil
	}
	if a.current != nil && start.Before(a.current.PeriodStart) {
		// Late tick for a closed period.
		return nil
	}

	finished := a.current
	a.current = &models.Candle{
		PeriodStart: start,
		Open:        price,
		High:        price,
		Low:         price,
		Close:       price,
		Volume:      vol,
	}
	return finished
}

// volumeDelta returns the quantity traded since the previous tick. Feeds
// without volume count each tick as one.
func (a *CandleAggregator) volumeDelta(tick models.Tick) int64 {
	if tick.Volume <= 0 {
		return 1
	}
	prev := a.lastVolume
	a.lastVolume = tick.Volume
	if prev == 0 || tick.Volume < prev {
		return 0
	}
	return tick.Volume - prev
}

// Current returns the in-progress candle.
func (a *CandleAggregator) Current() (models.Candle, bool) {
	if a.current == nil {
		return models.Candle{}, false
	}
	return *a.current, true
}
