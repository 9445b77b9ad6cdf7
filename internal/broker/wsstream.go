package broker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	gwerrors "broker-gateway/internal/errors"
	"broker-gateway/internal/models"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// frameDecoder turns one WebSocket frame into zero or more ticks. Frames
// it does not recognise yield no ticks and no error.
type frameDecoder func(messageType int, data []byte) ([]models.Tick, error)

// subscriptionEncoder builds the control messages for a (un)subscribe.
type subscriptionEncoder func(tokens []string, subscribe bool) ([]interface{}, error)

// wsStream is a market data socket for the JSON-controlled dialects. One
// goroutine reads frames and one sends the text heartbeat.
type wsStream struct {
	broker string
	conn   *websocket.Conn
	decode frameDecoder
	encode subscriptionEncoder
	logger zerolog.Logger

	events chan StreamEvent
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// dialWebSocket opens the socket. A 401/403 handshake means the session
// token was refused.
func dialWebSocket(ctx context.Context, broker, rawURL string, header http.Header, timeout time.Duration) (*websocket.Conn, error) {
	if rawURL == "" {
		return nil, gwerrors.NotConfigured(broker, "stream_url is not set")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, gwerrors.Reauth(broker, "stream handshake rejected", err)
		}
		return nil, gwerrors.Unreachable(broker, "stream_dial", err, false)
	}
	return conn, nil
}

func newWSStream(broker string, conn *websocket.Conn, decode frameDecoder, encode subscriptionEncoder, pingInterval time.Duration, logger zerolog.Logger) *wsStream {
	s := &wsStream{
		broker: broker,
		conn:   conn,
		decode: decode,
		encode: encode,
		logger: logger,
		events: make(chan StreamEvent, streamEventBuffer),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.readLoop()
	if pingInterval > 0 {
		s.wg.Add(1)
		go s.pingLoop(pingInterval)
	}
	return s
}

func (s *wsStream) readLoop() {
	defer s.wg.Done()
	defer close(s.events)

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.send(StreamEvent{Err: gwerrors.Unreachable(s.broker, "stream", err, false)})
			}
			return
		}
		ticks, err := s.decode(mt, data)
		if err != nil {
			s.logger.Debug().Err(err).Int("bytes", len(data)).Msg("Skipping undecodable frame")
			continue
		}
		for i := range ticks {
			if !s.send(StreamEvent{Tick: &ticks[i]}) {
				return
			}
		}
	}
}

func (s *wsStream) send(ev StreamEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *wsStream) pingLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.write(websocket.TextMessage, []byte("ping")); err != nil {
				s.logger.Debug().Err(err).Msg("Heartbeat write failed")
				return
			}
		}
	}
}

func (s *wsStream) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteMessage(messageType, data)
}

func (s *wsStream) control(tokens []string, subscribe bool) error {
	if len(tokens) == 0 {
		return nil
	}
	msgs, err := s.encode(tokens, subscribe)
	if err != nil {
		return err
	}
	op := "unsubscribe"
	if subscribe {
		op = "subscribe"
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for _, m := range msgs {
		s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := s.conn.WriteJSON(m); err != nil {
			return gwerrors.Unreachable(s.broker, op, err, false)
		}
	}
	return nil
}

func (s *wsStream) Subscribe(tokens []string) error   { return s.control(tokens, true) }
func (s *wsStream) Unsubscribe(tokens []string) error { return s.control(tokens, false) }
func (s *wsStream) Events() <-chan StreamEvent        { return s.events }

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
		if errors.Is(err, websocket.ErrCloseSent) {
			err = nil
		}
		s.wg.Wait()
	})
	return err
}
