package api

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	gwerrors "broker-gateway/internal/errors"
	"broker-gateway/internal/stream"
)

const maxStreamSymbols = 50

func tickPayload(ev stream.Event) gin.H {
	t := ev.Tick
	return gin.H{
		"type":      "tick",
		"symbol":    ev.Symbol,
		"ltp":       t.LastPrice,
		"volume":    t.Volume,
		"open":      t.OHLC.Open,
		"high":      t.OHLC.High,
		"low":       t.OHLC.Low,
		"close":     t.OHLC.Close,
		"timestamp": t.Timestamp,
	}
}

func eventPayload(ev stream.Event) (string, gin.H) {
	switch ev.Type {
	case stream.EventTick:
		return "tick", tickPayload(ev)
	case stream.EventCandle:
		return "candle", gin.H{"type": "candle", "symbol": ev.Symbol, "candle": ev.Candle}
	default:
		kind := gwerrors.KindOf(ev.Err)
		return "error", gin.H{"type": "error", "symbol": ev.Symbol, "code": kind.String(), "error": ev.Err.Error()}
	}
}

func parseSymbols(raw string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// stream serves live ticks as server-sent events. A client disconnect
// unsubscribes every handle.
func (s *Server) stream(c *gin.Context) {
	symbols := parseSymbols(c.Query("symbols"))
	if len(symbols) == 0 || len(symbols) > maxStreamSymbols {
		s.writeError(c, gwerrors.Newf(gwerrors.KindBadRequest, "symbols must list 1 to %d instruments", maxStreamSymbols))
		return
	}
	opts := stream.SubscribeOptions{}
	if raw := c.Query("interval"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < time.Second {
			s.writeError(c, gwerrors.Newf(gwerrors.KindBadRequest, "invalid interval %q", raw))
			return
		}
		opts.CandlePeriod = d
	}
	id, err := brokerQuery(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	opts.Broker = id

	ctx := c.Request.Context()
	userID := CurrentUserID(c)
	subs := make([]*stream.Subscription, 0, len(symbols))
	defer func() {
		for _, sub := range subs {
			s.streams.Unsubscribe(sub.ID)
		}
	}()
	for _, sym := range symbols {
		sub, err := s.streams.Subscribe(ctx, userID, sym, opts)
		if err != nil {
			s.writeError(c, err)
			return
		}
		subs = append(subs, sub)
	}

	done := make(chan struct{})
	defer close(done)
	events := make(chan stream.Event, 64)
	for _, sub := range subs {
		go func(ch <-chan stream.Event) {
			for ev := range ch {
				select {
				case events <- ev:
				case <-done:
					return
				}
			}
		}(sub.C)
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	ids := make([]string, len(subs))
	resolved := make([]string, len(subs))
	for i, sub := range subs {
		ids[i] = sub.ID.String()
		resolved[i] = sub.Symbol
	}
	c.SSEvent("connected", gin.H{"type": "connected", "symbols": resolved, "subscription": ids})
	c.Writer.Flush()

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-s.closing:
			return false
		case ev := <-events:
			name, payload := eventPayload(ev)
			c.SSEvent(name, payload)
			// An error event is the last one for its subscription.
			return ev.Type != stream.EventError
		case t := <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"type": "heartbeat", "timestamp": t.UTC()})
			return true
		}
	})
}
