// Package models provides the broker-neutral domain model of the gateway.
package models

import (
	"strings"
	"time"
)

// BrokerID identifies a broker dialect.
type BrokerID string

const (
	BrokerZerodha  BrokerID = "zerodha"
	BrokerAngelOne BrokerID = "angelone"
	BrokerFyers    BrokerID = "fyers"
)

// AllBrokers lists every supported broker in a stable order.
var AllBrokers = []BrokerID{BrokerZerodha, BrokerAngelOne, BrokerFyers}

// ParseBrokerID normalises a broker name. Unknown names return false.
func ParseBrokerID(s string) (BrokerID, bool) {
	id := BrokerID(strings.ToLower(strings.TrimSpace(s)))
	for _, b := range AllBrokers {
		if b == id {
			return id, true
		}
	}
	return "", false
}

// Exchange represents a stock exchange.
type Exchange string

const (
	NSE Exchange = "NSE"
	BSE Exchange = "BSE"
	NFO Exchange = "NFO" // NSE F&O
	BFO Exchange = "BFO" // BSE F&O
	CDS Exchange = "CDS" // Currency
	MCX Exchange = "MCX" // Commodity
)

// ParseExchange normalises an exchange code. Unknown codes return false.
func ParseExchange(s string) (Exchange, bool) {
	switch e := Exchange(strings.ToUpper(strings.TrimSpace(s))); e {
	case NSE, BSE, NFO, BFO, CDS, MCX:
		return e, true
	}
	return "", false
}

// SplitSymbol parses "NSE:SBIN" into exchange and symbol. A bare symbol
// defaults to NSE.
func SplitSymbol(s string) (Exchange, string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", "", false
	}
	ex, sym, found := strings.Cut(s, ":")
	if !found {
		return NSE, strings.ToUpper(s), true
	}
	exchange, ok := ParseExchange(ex)
	if !ok || sym == "" {
		return "", "", false
	}
	return exchange, strings.ToUpper(sym), true
}

// OHLC holds session open/high/low/close prices.
type OHLC struct {
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// Tick is a single real-time price update for one instrument.
// InstrumentToken is the broker's streaming identifier.
type Tick struct {
	InstrumentToken string    `json:"token"`
	LastPrice       float64   `json:"ltp"`
	Volume          int64     `json:"volume"`
	OHLC            OHLC      `json:"ohlc"`
	Timestamp       time.Time `json:"timestamp"`
}

// Candle is an OHLCV aggregate over a fixed period.
type Candle struct {
	PeriodStart time.Time `json:"period_start"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	Volume      int64     `json:"volume"`
}

// Quote is a point-in-time snapshot for one instrument.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Exchange  Exchange  `json:"exchange"`
	LastPrice float64   `json:"ltp"`
	OHLC      OHLC      `json:"ohlc"`
	Volume    int64     `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// Instrument maps a canonical symbol to one broker's identifiers. Token is
// what the broker's order API expects; StreamToken is what its market data
// socket subscribes with and what ticks carry.
type Instrument struct {
	Symbol         string    `json:"symbol"`
	BrokerID       BrokerID  `json:"broker"`
	Exchange       Exchange  `json:"exchange"`
	Token          string    `json:"token"`
	StreamToken    string    `json:"stream_token"`
	BrokerSymbol   string    `json:"broker_symbol"`
	Name           string    `json:"name,omitempty"`
	InstrumentType string    `json:"instrument_type,omitempty"`
	LotSize        int       `json:"lot_size"`
	TickSize       float64   `json:"tick_size,omitempty"`
	Expiry         time.Time `json:"expiry,omitempty"`
}

// Key returns the canonical lookup key "EXCHANGE:SYMBOL".
func (i Instrument) Key() string {
	return string(i.Exchange) + ":" + i.Symbol
}
