package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"reflect"
	"strconv"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"broker-gateway/internal/models"
)

// echoBook plays a broker that accepts one order and then lists it back in
// its own order-book shape.
type echoBook struct {
	mu  sync.Mutex
	row map[string]interface{}
}

func (e *echoBook) set(row map[string]interface{}) {
	e.mu.Lock()
	e.row = row
	e.mu.Unlock()
}

func (e *echoBook) rows() []map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.row == nil {
		return []map[string]interface{}{}
	}
	return []map[string]interface{}{e.row}
}

func echoOrderGen() gopter.Gen {
	return gen.Struct(reflect.TypeOf(models.Order{}), map[string]gopter.Gen{
		"Symbol":   gen.OneConstOf("SBIN", "INFY", "RELIANCE", "M&M"),
		"Exchange": gen.Const(models.NSE),
		"Side":     gen.OneConstOf(models.OrderSideBuy, models.OrderSideSell),
		"Type": gen.OneConstOf(models.OrderTypeMarket, models.OrderTypeLimit,
			models.OrderTypeStop, models.OrderTypeStopLimit),
		"Product": gen.OneConstOf(models.ProductIntraday, models.ProductDelivery,
			models.ProductCarryForward),
		"Quantity":     gen.IntRange(1, 100000),
		"Price":        gen.Float64Range(1, 50000),
		"TriggerPrice": gen.Float64Range(1, 50000),
	})
}

func echoInstrument(broker models.BrokerID, symbol string) models.Instrument {
	inst := testInstrument(broker)
	inst.Symbol = symbol
	switch broker {
	case models.BrokerZerodha:
		inst.BrokerSymbol = symbol
	case models.BrokerAngelOne:
		inst.BrokerSymbol = symbol + "-EQ"
	case models.BrokerFyers:
		inst.BrokerSymbol = "NSE:" + symbol + "-EQ"
	}
	return inst
}

// placeAndRead sends o through the adapter and reads the single order back.
func placeAndRead(a Adapter, tok models.AccessToken, o models.Order) (models.Order, bool) {
	ctx := context.Background()
	if _, err := a.PlaceOrder(ctx, tok, OrderRequest{Order: o, Instrument: echoInstrument(a.ID(), o.Symbol)}); err != nil {
		return models.Order{}, false
	}
	book, err := a.GetOrderBook(ctx, tok)
	if err != nil || len(book) != 1 {
		return models.Order{}, false
	}
	return book[0], true
}

func sameOrder(sent, got models.Order) bool {
	return got.Symbol == sent.Symbol &&
		got.Side == sent.Side &&
		got.Quantity == sent.Quantity &&
		got.Type == sent.Type &&
		got.Product == sent.Product
}

func runEchoProperty(t *testing.T, a Adapter, tok models.AccessToken) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("placed order reads back unchanged", prop.ForAll(
		func(o models.Order) bool {
			got, ok := placeAndRead(a, tok, o)
			if !ok || !sameOrder(o, got) {
				t.Logf("sent %+v\ngot  %+v", o, got)
				return false
			}
			return true
		},
		echoOrderGen(),
	))

	properties.TestingRun(t)
}

func TestProperty_ZerodhaOrderEcho(t *testing.T) {
	book := &echoBook{}
	z := newTestZerodha(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			writeJSON(w, 200, map[string]interface{}{"status": "success", "data": book.rows()})
			return
		}
		r.ParseForm()
		qty, _ := strconv.Atoi(r.PostForm.Get("quantity"))
		book.set(map[string]interface{}{
			"order_id":         "250612000001",
			"exchange":         r.PostForm.Get("exchange"),
			"tradingsymbol":    r.PostForm.Get("tradingsymbol"),
			"transaction_type": r.PostForm.Get("transaction_type"),
			"order_type":       r.PostForm.Get("order_type"),
			"product":          r.PostForm.Get("product"),
			"quantity":         qty,
			"status":           "OPEN",
		})
		writeJSON(w, 200, map[string]interface{}{"status": "success", "data": map[string]string{"order_id": "250612000001"}})
	})
	runEchoProperty(t, z, zerodhaToken)
}

// Angel One sends numbers as strings and may list them back either way.
func TestProperty_AngelOneOrderEcho(t *testing.T) {
	book := &echoBook{}
	a, _ := newTestAngel(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == angelOrderBook {
			writeJSON(w, 200, map[string]interface{}{"status": true, "message": "SUCCESS", "errorcode": "", "data": book.rows()})
			return
		}
		var placed map[string]interface{}
		json.NewDecoder(r.Body).Decode(&placed)
		placed["orderid"] = "250606000000123"
		placed["status"] = "open"
		book.set(placed)
		writeJSON(w, 200, map[string]interface{}{
			"status": true, "message": "SUCCESS", "errorcode": "",
			"data": map[string]string{"orderid": "250606000000123"},
		})
	})
	runEchoProperty(t, a, angelToken)
}

// Fyers encodes side and order type as numbers.
func TestProperty_FyersOrderEcho(t *testing.T) {
	book := &echoBook{}
	f := newTestFyers(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			writeJSON(w, 200, map[string]interface{}{"s": "ok", "code": 200, "orderBook": book.rows()})
			return
		}
		var placed map[string]interface{}
		json.NewDecoder(r.Body).Decode(&placed)
		placed["id"] = "25060600001"
		placed["status"] = 6
		book.set(placed)
		writeJSON(w, 200, map[string]interface{}{"s": "ok", "code": 1101, "id": "25060600001"})
	})
	runEchoProperty(t, f, fyersToken)
}
