package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"broker-gateway/internal/models"
)

// DialStream implements StreamDialer.
func (f *Fyers) DialStream(ctx context.Context, tok models.AccessToken) (StreamConn, error) {
	broker := string(models.BrokerFyers)
	header := http.Header{}
	header.Set("Authorization", tok.APIKey+":"+tok.Token)

	conn, err := dialWebSocket(ctx, broker, f.cfg.StreamURL, header, 0)
	if err != nil {
		return nil, err
	}
	return newWSStream(broker, conn, decodeFyersFrame, encodeFyersSubscription, wsPingInterval, f.logger), nil
}

type fyersSubscribe struct {
	T     string   `json:"T"`
	SList []string `json:"SLIST"`
	SubT  int      `json:"SUB_T"`
}

func encodeFyersSubscription(tokens []string, subscribe bool) ([]interface{}, error) {
	msg := fyersSubscribe{T: "SUB_L2", SList: tokens}
	if subscribe {
		msg.SubT = 1
	}
	return []interface{}{msg}, nil
}

type fyersTickMessage struct {
	Type           string  `json:"type"`
	Symbol         string  `json:"symbol"`
	LTP            float64 `json:"ltp"`
	VolTradedToday int64   `json:"vol_traded_today"`
	Open           float64 `json:"open_price"`
	High           float64 `json:"high_price"`
	Low            float64 `json:"low_price"`
	PrevClose      float64 `json:"prev_close_price"`
	ExchFeedTime   int64   `json:"exch_feed_time"`
}

// decodeFyersFrame accepts a single tick object or an array of them. Only
// symbol feed ("sf") messages carry prices.
func decodeFyersFrame(messageType int, data []byte) ([]models.Tick, error) {
	if messageType != websocket.TextMessage {
		return nil, nil
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || (data[0] != '{' && data[0] != '[') {
		return nil, nil
	}

	var msgs []fyersTickMessage
	if data[0] == '[' {
		if err := json.Unmarshal(data, &msgs); err != nil {
			return nil, err
		}
	} else {
		var m fyersTickMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}

	ticks := make([]models.Tick, 0, len(msgs))
	for _, m := range msgs {
		if m.Type != "sf" || m.Symbol == "" {
			continue
		}
		ts := time.Now()
		if m.ExchFeedTime > 0 {
			ts = time.Unix(m.ExchFeedTime, 0)
		}
		ticks = append(ticks, models.Tick{
			InstrumentToken: m.Symbol,
			LastPrice:       m.LTP,
			Volume:          m.VolTradedToday,
			OHLC:            models.OHLC{Open: m.Open, High: m.High, Low: m.Low, Close: m.PrevClose},
			Timestamp:       ts,
		})
	}
	return ticks, nil
}
