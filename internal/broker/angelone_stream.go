package broker

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	gwerrors "broker-gateway/internal/errors"
	"broker-gateway/internal/models"
)

// SmartStream subscription modes.
const (
	smartModeLTP   = 1
	smartModeQuote = 2
)

// SmartStream exchange type codes.
var (
	angelExchangeTypes = map[models.Exchange]int{
		models.NSE: 1,
		models.NFO: 2,
		models.BSE: 3,
		models.BFO: 4,
		models.MCX: 5,
		models.CDS: 13,
	}
	angelExchangeByType = invert(angelExchangeTypes)
)

// Binary frame layout, little-endian.
const (
	smartOffMode     = 0
	smartOffExchange = 1
	smartOffToken    = 2
	smartOffSequence = 27
	smartOffExchTime = 35
	smartOffLTP      = 43
	smartOffVolume   = 67
	smartOffOpen     = 91
	smartOffHigh     = 99
	smartOffLow      = 107
	smartOffClose    = 115

	smartLTPFrameLen   = 51
	smartQuoteFrameLen = 123
)

// DialStream implements StreamDialer.
func (a *AngelOne) DialStream(ctx context.Context, tok models.AccessToken) (StreamConn, error) {
	broker := string(models.BrokerAngelOne)
	if tok.FeedToken == "" || tok.ClientCode == "" {
		return nil, gwerrors.Reauth(broker, "session has no feed token", nil)
	}
	header := http.Header{}
	header.Set("Authorization", strings.TrimPrefix(tok.Token, "Bearer "))
	header.Set("x-api-key", tok.APIKey)
	header.Set("x-client-code", tok.ClientCode)
	header.Set("x-feed-token", tok.FeedToken)

	conn, err := dialWebSocket(ctx, broker, a.cfg.StreamURL, header, 0)
	if err != nil {
		return nil, err
	}
	return newWSStream(broker, conn, decodeSmartStreamFrame, encodeSmartStreamSubscription, wsPingInterval, a.logger), nil
}

type smartTokenList struct {
	ExchangeType int      `json:"exchangeType"`
	Tokens       []string `json:"tokens"`
}

type smartRequest struct {
	CorrelationID string `json:"correlationID"`
	Action        int    `json:"action"`
	Params        struct {
		Mode      int              `json:"mode"`
		TokenList []smartTokenList `json:"tokenList"`
	} `json:"params"`
}

// encodeSmartStreamSubscription groups "EXCHANGE:token" stream tokens by
// exchange type into one request.
func encodeSmartStreamSubscription(tokens []string, subscribe bool) ([]interface{}, error) {
	groups := make(map[int][]string)
	for _, t := range tokens {
		ex, token, ok := strings.Cut(t, ":")
		if !ok {
			return nil, gwerrors.Mapping(string(models.BrokerAngelOne), "stream_token", t)
		}
		code, ok := angelExchangeTypes[models.Exchange(ex)]
		if !ok {
			return nil, gwerrors.Mapping(string(models.BrokerAngelOne), "exchange", ex)
		}
		groups[code] = append(groups[code], token)
	}

	req := smartRequest{CorrelationID: strings.ReplaceAll(uuid.NewString(), "-", "")[:10]}
	if subscribe {
		req.Action = 1
	}
	req.Params.Mode = smartModeQuote
	codes := make([]int, 0, len(groups))
	for code := range groups {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		req.Params.TokenList = append(req.Params.TokenList, smartTokenList{ExchangeType: code, Tokens: groups[code]})
	}
	return []interface{}{req}, nil
}

// decodeSmartStreamFrame parses one binary tick. Text frames ("pong") carry
// no data.
func decodeSmartStreamFrame(messageType int, data []byte) ([]models.Tick, error) {
	if messageType != websocket.BinaryMessage {
		return nil, nil
	}
	tick, err := ParseSmartStreamTick(data)
	if err != nil {
		return nil, err
	}
	return []models.Tick{tick}, nil
}

// ParseSmartStreamTick decodes an LTP or quote mode frame. Prices arrive
// in paise, except currency derivatives which use 1e-7 units.
func ParseSmartStreamTick(b []byte) (models.Tick, error) {
	if len(b) < smartLTPFrameLen {
		return models.Tick{}, fmt.Errorf("smartstream frame too short: %d bytes", len(b))
	}
	mode := b[smartOffMode]
	exchange, ok := angelExchangeByType[int(b[smartOffExchange])]
	if !ok {
		return models.Tick{}, fmt.Errorf("smartstream: unknown exchange type %d", b[smartOffExchange])
	}
	token := strings.TrimRight(string(b[smartOffToken:smartOffSequence]), "\x00")

	divisor := 100.0
	if exchange == models.CDS {
		divisor = 1e7
	}
	price := func(off int) float64 {
		return float64(int64(binary.LittleEndian.Uint64(b[off:off+8]))) / divisor
	}

	tick := models.Tick{
		InstrumentToken: string(exchange) + ":" + token,
		LastPrice:       price(smartOffLTP),
		Timestamp:       time.UnixMilli(int64(binary.LittleEndian.Uint64(b[smartOffExchTime:]))),
	}
	if mode >= smartModeQuote && len(b) >= smartQuoteFrameLen {
		tick.Volume = int64(binary.LittleEndian.Uint64(b[smartOffVolume:]))
		tick.OHLC = models.OHLC{
			Open:  price(smartOffOpen),
			High:  price(smartOffHigh),
			Low:   price(smartOffLow),
			Close: price(smartOffClose),
		}
	}
	return tick, nil
}
