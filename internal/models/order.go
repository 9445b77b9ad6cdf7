package models

import "time"

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy     OrderSide = "BUY"
	OrderSideSell    OrderSide = "SELL"
	OrderSideUnknown OrderSide = "UNKNOWN" // inbound only
)

// OrderType represents the canonical order type.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"       // stop-loss market
	OrderTypeStopLimit OrderType = "STOP_LIMIT" // stop-loss limit
	OrderTypeUnknown   OrderType = "UNKNOWN"    // inbound only
)

// ProductType represents the canonical product type.
type ProductType string

const (
	ProductIntraday     ProductType = "INTRADAY"
	ProductDelivery     ProductType = "DELIVERY"
	ProductCarryForward ProductType = "CARRYFORWARD"
	ProductUnknown      ProductType = "UNKNOWN" // inbound only
)

// OrderStatus is the normalised lifecycle state reported by a broker.
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "OPEN"
	OrderStatusComplete  OrderStatus = "COMPLETE"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusUnknown   OrderStatus = "UNKNOWN"
)

// Order is the canonical, broker-neutral order.
type Order struct {
	ID                string      `json:"id,omitempty"`
	Symbol            string      `json:"symbol"`
	Exchange          Exchange    `json:"exchange"`
	Side              OrderSide   `json:"side"`
	Type              OrderType   `json:"order_type"`
	Product           ProductType `json:"product"`
	Quantity          int         `json:"quantity"`
	Price             float64     `json:"price,omitempty"`
	TriggerPrice      float64     `json:"trigger_price,omitempty"`
	DisclosedQuantity int         `json:"disclosed_quantity,omitempty"`

	// Populated on orders read back from a broker.
	Status       OrderStatus `json:"status,omitempty"`
	RawStatus    string      `json:"raw_status,omitempty"`
	RawOrderType string      `json:"raw_order_type,omitempty"`
	RawSide      string      `json:"raw_side,omitempty"`
	FilledQty    int         `json:"filled_quantity,omitempty"`
	AveragePrice float64     `json:"average_price,omitempty"`
	Message      string      `json:"message,omitempty"`
	PlacedAt     time.Time   `json:"placed_at,omitempty"`
}

// OrderResult is returned by write operations. OrderID is opaque and only
// meaningful to the issuing broker.
type OrderResult struct {
	OrderID   string   `json:"order_id"`
	BrokerID  BrokerID `json:"broker"`
	RawStatus string   `json:"raw_status"`
}

// Position represents an open position as reported by a broker.
type Position struct {
	Symbol       string      `json:"symbol"`
	Exchange     Exchange    `json:"exchange"`
	Product      ProductType `json:"product"`
	Quantity     int         `json:"quantity"`
	AveragePrice float64     `json:"average_price"`
	LastPrice    float64     `json:"ltp"`
	PnL          float64     `json:"pnl"`
}
