package broker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	kitemodels "github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	gwerrors "broker-gateway/internal/errors"
	"broker-gateway/internal/models"
)

const streamEventBuffer = 1024

// zerodhaStream wraps the Kite ticker. Auto-reconnect is disabled: the
// ingestor owns reconnection, so one zerodhaStream is one socket.
type zerodhaStream struct {
	ticker *kiteticker.Ticker
	events chan StreamEvent
	done   chan struct{}

	writeMu sync.Mutex

	mu        sync.Mutex
	connected bool
	lastErr   error
	closeOnce sync.Once
}

// DialStream implements StreamDialer.
func (z *Zerodha) DialStream(ctx context.Context, tok models.AccessToken) (StreamConn, error) {
	broker := string(models.BrokerZerodha)
	t := kiteticker.New(tok.APIKey, tok.Token)
	t.SetAutoReconnect(false)
	if z.cfg.StreamURL != "" {
		u, err := url.Parse(z.cfg.StreamURL)
		if err != nil {
			return nil, gwerrors.Wrap(gwerrors.KindNotConfigured, err, "invalid zerodha stream_url")
		}
		t.SetRootURL(*u)
	}

	s := &zerodhaStream{
		ticker: t,
		events: make(chan StreamEvent, streamEventBuffer),
		done:   make(chan struct{}),
	}
	connected := make(chan struct{})
	dialErr := make(chan error, 1)

	t.OnConnect(func() {
		s.mu.Lock()
		first := !s.connected
		s.connected = true
		s.mu.Unlock()
		if first {
			close(connected)
		}
	})
	t.OnError(func(err error) {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
	})
	t.OnClose(func(code int, reason string) {
		s.mu.Lock()
		if s.lastErr == nil {
			s.lastErr = fmt.Errorf("closed by server: %d %s", code, reason)
		}
		s.mu.Unlock()
	})
	t.OnTick(func(tick kitemodels.Tick) {
		ev := StreamEvent{Tick: convertKiteTick(tick)}
		select {
		case s.events <- ev:
		case <-s.done:
		}
	})

	go func() {
		t.Serve()

		s.mu.Lock()
		wasConnected := s.connected
		err := s.lastErr
		s.mu.Unlock()

		if !wasConnected {
			if err == nil {
				err = errors.New("connection closed before handshake")
			}
			dialErr <- err
			close(s.events)
			return
		}
		select {
		case <-s.done:
		default:
			if err == nil {
				err = errors.New("stream closed")
			}
			select {
			case s.events <- StreamEvent{Err: gwerrors.Unreachable(broker, "stream", err, false)}:
			case <-s.done:
			}
		}
		close(s.events)
	}()

	select {
	case <-connected:
		return s, nil
	case err := <-dialErr:
		return nil, classifyDialError(broker, err)
	case <-ctx.Done():
		s.Close()
		return nil, gwerrors.Unreachable(broker, "stream_dial", ctx.Err(), false)
	}
}

// classifyDialError maps a failed WebSocket handshake. Brokers answer an
// invalid or expired token with 401/403, which the dialer reports as a
// bad handshake.
func classifyDialError(broker string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "bad handshake") || strings.Contains(msg, "403") || strings.Contains(msg, "401") {
		return gwerrors.Reauth(broker, "stream handshake rejected", err)
	}
	return gwerrors.Unreachable(broker, "stream_dial", err, false)
}

func convertKiteTick(tick kitemodels.Tick) *models.Tick {
	ts := tick.Timestamp.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return &models.Tick{
		InstrumentToken: strconv.FormatUint(uint64(tick.InstrumentToken), 10),
		LastPrice:       tick.LastPrice,
		Volume:          int64(tick.VolumeTraded),
		OHLC: models.OHLC{
			Open:  tick.OHLC.Open,
			High:  tick.OHLC.High,
			Low:   tick.OHLC.Low,
			Close: tick.OHLC.Close,
		},
		Timestamp: ts,
	}
}

func parseKiteTokens(tokens []string) ([]uint32, error) {
	out := make([]uint32, 0, len(tokens))
	for _, t := range tokens {
		v, err := strconv.ParseUint(t, 10, 32)
		if err != nil {
			return nil, gwerrors.Mapping(string(models.BrokerZerodha), "instrument_token", t)
		}
		out = append(out, uint32(v))
	}
	return out, nil
}

func (s *zerodhaStream) Subscribe(tokens []string) error {
	ids, err := parseKiteTokens(tokens)
	if err != nil || len(ids) == 0 {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.ticker.Subscribe(ids); err != nil {
		return gwerrors.Unreachable(string(models.BrokerZerodha), "subscribe", err, false)
	}
	if err := s.ticker.SetMode(kiteticker.ModeQuote, ids); err != nil {
		return gwerrors.Unreachable(string(models.BrokerZerodha), "set_mode", err, false)
	}
	return nil
}

func (s *zerodhaStream) Unsubscribe(tokens []string) error {
	ids, err := parseKiteTokens(tokens)
	if err != nil || len(ids) == 0 {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.ticker.Unsubscribe(ids); err != nil {
		return gwerrors.Unreachable(string(models.BrokerZerodha), "unsubscribe", err, false)
	}
	return nil
}

func (s *zerodhaStream) Events() <-chan StreamEvent { return s.events }

func (s *zerodhaStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		connected := s.connected
		s.mu.Unlock()
		s.writeMu.Lock()
		if connected {
			s.ticker.Close()
		}
		s.ticker.Stop()
		s.writeMu.Unlock()
	})
	return nil
}
