package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"

	gwerrors "broker-gateway/internal/errors"
	"broker-gateway/internal/models"
)

func newTestAngel(t *testing.T, handler http.HandlerFunc) (*AngelOne, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := testBrokerConfig(srv.URL)
	cfg.MasterURL = srv.URL + "/master.json"
	a := NewAngelOne(cfg, srv.Client(), zerolog.Nop())
	a.rest.retry.InitialDelay = time.Millisecond
	return a, srv
}

var angelToken = models.AccessToken{
	BrokerID:   models.BrokerAngelOne,
	APIKey:     "smart-key",
	ClientCode: "A123",
	Token:      "jwt-abc",
	FeedToken:  "feed-1",
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestAngelOne_PlaceOrderWireFormat(t *testing.T) {
	var body map[string]interface{}
	var header http.Header
	a, _ := newTestAngel(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != angelPlacePath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		header = r.Header.Clone()
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &body)
		writeJSON(w, 200, map[string]interface{}{
			"status": true, "message": "SUCCESS", "errorcode": "",
			"data": map[string]string{"orderid": "250606000000123", "uniqueorderid": "u-1"},
		})
	})

	res, err := a.PlaceOrder(context.Background(), angelToken, OrderRequest{
		Order: models.Order{
			Symbol: "SBIN", Exchange: models.NSE, Side: models.OrderSideBuy,
			Type: models.OrderTypeStopLimit, Product: models.ProductIntraday,
			Quantity: 10, Price: 801.5, TriggerPrice: 800,
		},
		Instrument: testInstrument(models.BrokerAngelOne),
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.OrderID != "250606000000123" || res.BrokerID != models.BrokerAngelOne {
		t.Errorf("unexpected result %+v", res)
	}

	want := map[string]string{
		"variety":         "STOPLOSS",
		"tradingsymbol":   "SBIN-EQ",
		"symboltoken":     "3045",
		"transactiontype": "BUY",
		"exchange":        "NSE",
		"ordertype":       "STOPLOSS_LIMIT",
		"producttype":     "INTRADAY",
		"quantity":        "10",
		"price":           "801.5",
		"triggerprice":    "800",
	}
	for k, v := range want {
		if got, ok := body[k].(string); !ok || got != v {
			t.Errorf("body[%s] = %#v, want string %q", k, body[k], v)
		}
	}
	if got := header.Get("Authorization"); got != "Bearer jwt-abc" {
		t.Errorf("Authorization = %q", got)
	}
	for _, h := range []string{"X-PrivateKey", "X-UserType", "X-SourceID", "X-ClientLocalIP", "X-ClientPublicIP", "X-MACAddress"} {
		if header.Get(h) == "" {
			t.Errorf("missing header %s", h)
		}
	}
}

func TestAngelOne_ErrorEnvelope(t *testing.T) {
	cases := []struct {
		name string
		code string
		want gwerrors.Kind
	}{
		{"expired token", "AG8002", gwerrors.KindReauthRequired},
		{"invalid token", "AG8001", gwerrors.KindReauthRequired},
		{"business rejection", "AB1012", gwerrors.KindBrokerRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, _ := newTestAngel(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, 200, map[string]interface{}{
					"status": false, "message": "Something failed", "errorcode": tc.code, "data": nil,
				})
			})
			_, err := a.GetOrderBook(context.Background(), angelToken)
			if got := gwerrors.KindOf(err); got != tc.want {
				t.Fatalf("kind = %v, want %v (%v)", got, tc.want, err)
			}
			var ge *gwerrors.GatewayError
			if tc.want == gwerrors.KindBrokerRejected && (!errors.As(err, &ge) || ge.BrokerCode != tc.code || ge.Message != "Something failed") {
				t.Errorf("broker code/message not preserved: %v", err)
			}
		})
	}
}

func TestAngelOne_WriteNotRetriedAndOutcomeUnknown(t *testing.T) {
	var calls atomic.Int32
	a, _ := newTestAngel(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := a.PlaceOrder(context.Background(), angelToken, OrderRequest{
		Order: models.Order{Side: models.OrderSideBuy, Type: models.OrderTypeMarket,
			Product: models.ProductDelivery, Quantity: 1},
		Instrument: testInstrument(models.BrokerAngelOne),
	})
	if !errors.Is(err, gwerrors.ErrBrokerUnreachable) {
		t.Fatalf("expected BrokerUnreachable, got %v", err)
	}
	if !gwerrors.IsOutcomeUnknown(err) {
		t.Errorf("write failure must be flagged outcome-unknown")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("write attempted %d times", got)
	}
}

func TestAngelOne_ReadRetriedOnUnreachable(t *testing.T) {
	var calls atomic.Int32
	a, _ := newTestAngel(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, 200, map[string]interface{}{"status": true, "data": []interface{}{}})
	})
	if _, err := a.GetPositions(context.Background(), angelToken); err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("read attempted %d times, want 3", got)
	}
}

func TestAngelOne_OrderBookNormalisesMixedNumbers(t *testing.T) {
	a, _ := newTestAngel(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"status":true,"message":"SUCCESS","errorcode":"","data":[
			{"orderid":"1","tradingsymbol":"SBIN-EQ","exchange":"NSE","transactiontype":"BUY",
			 "ordertype":"LIMIT","producttype":"DELIVERY","quantity":"10","price":801.5,
			 "triggerprice":"0","status":"complete","filledshares":10,"averageprice":"801.25",
			 "updatetime":"06-Jun-2025 10:15:00"},
			{"orderid":"2","tradingsymbol":"SBIN-EQ","exchange":"NSE","transactiontype":"SQUAREOFF",
			 "ordertype":"ROBO","producttype":"BO","quantity":5,"price":"0","status":"after-hours",
			 "filledshares":"0","averageprice":0}
		]}`)
	})
	orders, err := a.GetOrderBook(context.Background(), angelToken)
	if err != nil {
		t.Fatalf("GetOrderBook: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("got %d orders", len(orders))
	}
	o := orders[0]
	if o.Symbol != "SBIN" || o.Quantity != 10 || o.Price != 801.5 || o.AveragePrice != 801.25 ||
		o.Status != models.OrderStatusComplete || o.Type != models.OrderTypeLimit || o.Product != models.ProductDelivery ||
		o.Side != models.OrderSideBuy {
		t.Errorf("unexpected first order %+v", o)
	}
	if o.PlacedAt.IsZero() {
		t.Errorf("update time not parsed")
	}
	u := orders[1]
	if u.Type != models.OrderTypeUnknown || u.RawOrderType != "ROBO" || u.Product != models.ProductUnknown ||
		u.Status != models.OrderStatusUnknown || u.RawStatus != "after-hours" ||
		u.Side != models.OrderSideUnknown || u.RawSide != "SQUAREOFF" {
		t.Errorf("unknown inbound values not preserved: %+v", u)
	}
}

func TestAngelOne_AuthenticateGeneratesTOTP(t *testing.T) {
	secret := "JBSWY3DPEHPK3PXP"
	now := time.Date(2025, 6, 6, 9, 0, 0, 0, time.UTC)
	var body map[string]string
	a, _ := newTestAngel(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != angelLoginPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, 200, map[string]interface{}{
			"status": true,
			"data": map[string]string{
				"jwtToken": "Bearer new-jwt", "refreshToken": "refresh-1", "feedToken": "feed-2",
			},
		})
	})
	a.now = func() time.Time { return now }

	cred := &models.Credential{UserID: "u", BrokerID: models.BrokerAngelOne, APIKey: "k", ClientCode: "A123", PIN: "1234", TOTPSecret: secret}
	res, err := a.Authenticate(context.Background(), cred, models.AuthRequest{})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	want, _ := totp.GenerateCode(secret, now)
	if body["totp"] != want || body["clientcode"] != "A123" || body["password"] != "1234" {
		t.Errorf("unexpected login body %v", body)
	}
	if res.AccessToken != "new-jwt" || res.RefreshToken != "refresh-1" || res.FeedToken != "feed-2" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestAngelOne_LoginRejectionIsInvalidCredentials(t *testing.T) {
	a, _ := newTestAngel(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]interface{}{"status": false, "message": "Invalid totp", "errorcode": "AB1050"})
	})
	cred := &models.Credential{APIKey: "k", ClientCode: "A123", PIN: "1234"}
	_, err := a.Authenticate(context.Background(), cred, models.AuthRequest{TOTP: "000000"})
	if !errors.Is(err, gwerrors.ErrInvalidCredentials) {
		t.Fatalf("expected InvalidCredentials, got %v", err)
	}
}

func TestAngelOne_Instruments(t *testing.T) {
	a, _ := newTestAngel(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[
			{"token":"3045","symbol":"SBIN-EQ","name":"SBIN","expiry":"","strike":"-1.000000","lotsize":"1","instrumenttype":"","exch_seg":"NSE","tick_size":"5.000000"},
			{"token":"43210","symbol":"NIFTY26JUN25FUT","name":"NIFTY","expiry":"26JUN2025","strike":"-1.000000","lotsize":"75","instrumenttype":"FUTIDX","exch_seg":"NFO","tick_size":"10.000000"},
			{"token":"1","symbol":"X","name":"X","expiry":"","lotsize":"1","exch_seg":"NCDEX","tick_size":"1"}
		]`)
	})
	insts, err := a.Instruments(context.Background())
	if err != nil {
		t.Fatalf("Instruments: %v", err)
	}
	if len(insts) != 2 {
		t.Fatalf("got %d instruments, want 2", len(insts))
	}
	eq := insts[0]
	if eq.Symbol != "SBIN" || eq.Token != "3045" || eq.StreamToken != "NSE:3045" || eq.BrokerSymbol != "SBIN-EQ" || eq.TickSize != 0.05 {
		t.Errorf("unexpected equity %+v", eq)
	}
	fut := insts[1]
	if fut.Exchange != models.NFO || fut.LotSize != 75 || fut.Expiry.Day() != 26 || fut.Expiry.Month() != time.June {
		t.Errorf("unexpected future %+v", fut)
	}
}
