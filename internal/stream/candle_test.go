package stream

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"broker-gateway/internal/models"
)

var epoch = time.Date(2025, 6, 12, 4, 0, 0, 0, time.UTC)

func tickAt(sec int, price float64) models.Tick {
	return models.Tick{InstrumentToken: "738561", LastPrice: price, Timestamp: epoch.Add(time.Duration(sec) * time.Second)}
}

func TestCandleAggregator_FinalizesOnNextPeriod(t *testing.T) {
	a := NewCandleAggregator(time.Minute)

	if c := a.Add(tickAt(0, 100)); c != nil {
		t.Fatalf("first tick finalized %+v", c)
	}
	if c := a.Add(tickAt(30, 105)); c != nil {
		t.Fatalf("same period finalized %+v", c)
	}
	c := a.Add(tickAt(61, 102))
	if c == nil {
		t.Fatal("expected finalized candle")
	}
	want := models.Candle{PeriodStart: epoch, Open: 100, High: 105, Low: 100, Close: 105, Volume: 2}
	if !c.PeriodStart.Equal(want.PeriodStart) || c.Open != want.Open || c.High != want.High ||
		c.Low != want.Low || c.Close != want.Close || c.Volume != want.Volume {
		t.Errorf("candle = %+v, want %+v", *c, want)
	}

	cur, ok := a.Current()
	if !ok {
		t.Fatal("no in-progress candle")
	}
	if !cur.PeriodStart.Equal(epoch.Add(time.Minute)) || cur.Open != 102 || cur.Close != 102 {
		t.Errorf("current = %+v", cur)
	}
}

func TestCandleAggregator_LateTickIgnored(t *testing.T) {
	a := NewCandleAggregator(time.Minute)
	a.Add(tickAt(0, 100))
	a.Add(tickAt(70, 110))
	if c := a.Add(tickAt(50, 1)); c != nil {
		t.Fatalf("late tick finalized %+v", c)
	}
	cur, _ := a.Current()
	if cur.Low != 110 {
		t.Errorf("late tick changed current candle: %+v", cur)
	}
}

func TestCandleAggregator_VolumeFromCumulative(t *testing.T) {
	a := NewCandleAggregator(time.Minute)
	for i, vol := range []int64{1000, 1200, 1500} {
		tk := tickAt(i*10, 100)
		tk.Volume = vol
		a.Add(tk)
	}
	cur, _ := a.Current()
	if cur.Volume != 500 {
		t.Errorf("volume = %d, want 500", cur.Volume)
	}
}

func TestPeriodStart(t *testing.T) {
	ts := time.Date(2025, 6, 12, 9, 17, 42, 0, time.UTC)
	if got := PeriodStart(ts, 5*time.Minute); !got.Equal(time.Date(2025, 6, 12, 9, 15, 0, 0, time.UTC)) {
		t.Errorf("PeriodStart = %v", got)
	}
	neg := time.Unix(-90, 0)
	if got := PeriodStart(neg, time.Minute); got.Unix() != -120 {
		t.Errorf("PeriodStart(negative) = %d", got.Unix())
	}
}

func TestProperty_CandleBoundsContainEveryPrice(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("open/close are first/last and high/low bound every price", prop.ForAll(
		func(prices []float64) bool {
			if len(prices) == 0 {
				return true
			}
			a := NewCandleAggregator(time.Hour)
			for i, p := range prices {
				a.Add(tickAt(i, p))
			}
			c, ok := a.Current()
			if !ok {
				return false
			}
			if c.Open != prices[0] || c.Close != prices[len(prices)-1] {
				return false
			}
			for _, p := range prices {
				if p > c.High || p < c.Low {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Float64Range(1, 10000)),
	))

	properties.TestingRun(t)
}
