package broker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"broker-gateway/internal/config"
	gwerrors "broker-gateway/internal/errors"
	"broker-gateway/internal/models"
	"broker-gateway/pkg/utils"
)

const (
	fyersAuthCodePath = "/api/v3/validate-authcode"
	fyersRefreshPath  = "/api/v3/validate-refresh-token"
	fyersOrdersSync   = "/api/v3/orders/sync"
	fyersOrdersPath   = "/api/v3/orders"
	fyersPositions    = "/api/v3/positions"
	fyersQuotesPath   = "/data/quotes"
)

var (
	fyersOrderTypes = map[models.OrderType]int{
		models.OrderTypeLimit:     1,
		models.OrderTypeMarket:    2,
		models.OrderTypeStop:      3,
		models.OrderTypeStopLimit: 4,
	}
	fyersProducts = map[models.ProductType]string{
		models.ProductIntraday:     "INTRADAY",
		models.ProductDelivery:     "CNC",
		models.ProductCarryForward: "MARGIN",
	}
	fyersSides = map[models.OrderSide]int{
		models.OrderSideBuy:  1,
		models.OrderSideSell: -1,
	}
	fyersStatuses = map[int]models.OrderStatus{
		1: models.OrderStatusCancelled,
		2: models.OrderStatusComplete,
		4: models.OrderStatusPending,
		5: models.OrderStatusRejected,
		6: models.OrderStatusOpen,
	}

	fyersOrderTypesIn = invert(fyersOrderTypes)
	fyersProductsIn   = invert(fyersProducts)
	fyersSidesIn      = invert(fyersSides)

	// Token invalid, expired or not valid for this app.
	fyersTokenErrors = map[int]bool{-8: true, -15: true, -16: true, -17: true}
)

// Fyers is the Fyers API v3 adapter.
type Fyers struct {
	cfg    config.BrokerConfig
	rest   *restClient
	logger zerolog.Logger
}

// NewFyers creates the Fyers adapter.
func NewFyers(cfg config.BrokerConfig, httpClient *http.Client, logger zerolog.Logger) *Fyers {
	return &Fyers{
		cfg:    cfg,
		rest:   newRESTClient(models.BrokerFyers, cfg, httpClient, logger),
		logger: logger,
	}
}

// ID implements Adapter.
func (f *Fyers) ID() models.BrokerID { return models.BrokerFyers }

func fyersAuthHeader(appID, token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", appID+":"+token)
	return h
}

// fyersStatus is the part of every Fyers reply that reports success.
type fyersStatus struct {
	S       string `json:"s"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (f *Fyers) decode(op string, write bool, out interface{}) func(*response) error {
	broker := string(models.BrokerFyers)
	return func(resp *response) error {
		var st fyersStatus
		if err := json.Unmarshal(resp.body, &st); err != nil {
			if resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden {
				return gwerrors.Reauth(broker, snippet(resp.body), nil)
			}
			return f.rest.malformed(op, resp, err, write)
		}
		if st.S != "ok" {
			if fyersTokenErrors[st.Code] || resp.status == http.StatusUnauthorized {
				return gwerrors.Reauth(broker, st.Message, nil)
			}
			return gwerrors.Rejected(broker, op, strconv.Itoa(st.Code), st.Message)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(resp.body, out); err != nil {
			return f.rest.malformed(op, resp, err, write)
		}
		return nil
	}
}

type fyersOrderParams struct {
	ID           string  `json:"id,omitempty"`
	Symbol       string  `json:"symbol,omitempty"`
	Qty          int     `json:"qty"`
	Type         int     `json:"type"`
	Side         int     `json:"side,omitempty"`
	ProductType  string  `json:"productType,omitempty"`
	LimitPrice   float64 `json:"limitPrice"`
	StopPrice    float64 `json:"stopPrice"`
	Validity     string  `json:"validity,omitempty"`
	DisclosedQty int     `json:"disclosedQty"`
	OfflineOrder bool    `json:"offlineOrder"`
}

func (f *Fyers) orderParams(req OrderRequest) (*fyersOrderParams, error) {
	broker := string(models.BrokerFyers)
	o := req.Order
	orderType, ok := fyersOrderTypes[o.Type]
	if !ok {
		return nil, gwerrors.Mapping(broker, "order_type", o.Type)
	}
	product, ok := fyersProducts[o.Product]
	if !ok {
		return nil, gwerrors.Mapping(broker, "product", o.Product)
	}
	side, ok := fyersSides[o.Side]
	if !ok {
		return nil, gwerrors.Mapping(broker, "side", o.Side)
	}

	symbol := req.Instrument.BrokerSymbol
	if symbol == "" {
		symbol = fyersTicker(req.Instrument.Exchange, o.Symbol)
	}
	p := &fyersOrderParams{
		Symbol:       symbol,
		Qty:          o.Quantity,
		Type:         orderType,
		Side:         side,
		ProductType:  product,
		Validity:     "DAY",
		DisclosedQty: o.DisclosedQuantity,
	}
	if o.Type == models.OrderTypeLimit || o.Type == models.OrderTypeStopLimit {
		p.LimitPrice = o.Price
	}
	if o.Type == models.OrderTypeStop || o.Type == models.OrderTypeStopLimit {
		p.StopPrice = o.TriggerPrice
	}
	return p, nil
}

// fyersTicker builds the Fyers symbol ("NSE:SBIN-EQ") for a canonical one.
func fyersTicker(ex models.Exchange, symbol string) string {
	switch ex {
	case models.NFO:
		return "NSE:" + symbol
	case models.BFO:
		return "BSE:" + symbol
	case models.NSE:
		return "NSE:" + symbol + "-EQ"
	default:
		return string(ex) + ":" + symbol
	}
}

type fyersOrderResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func (f *Fyers) write(ctx context.Context, tok models.AccessToken, op, method string, body interface{}) (*models.OrderResult, error) {
	var out fyersOrderResponse
	err := f.rest.call(ctx, restRequest{
		op:     op,
		method: method,
		path:   fyersOrdersSync,
		header: fyersAuthHeader(tok.APIKey, tok.Token),
		body:   body,
		write:  true,
	}, f.decode(op, true, &out))
	if err != nil {
		return nil, err
	}
	return &models.OrderResult{OrderID: out.ID, BrokerID: models.BrokerFyers, RawStatus: "ok"}, nil
}

// PlaceOrder implements Adapter.
func (f *Fyers) PlaceOrder(ctx context.Context, tok models.AccessToken, req OrderRequest) (*models.OrderResult, error) {
	params, err := f.orderParams(req)
	if err != nil {
		return nil, err
	}
	return f.write(ctx, tok, "place_order", http.MethodPost, params)
}

// ModifyOrder implements Adapter. Fyers modifies price, quantity and type
// only; symbol, side and product are fixed at placement.
func (f *Fyers) ModifyOrder(ctx context.Context, tok models.AccessToken, orderID string, req OrderRequest) (*models.OrderResult, error) {
	params, err := f.orderParams(req)
	if err != nil {
		return nil, err
	}
	modify := &fyersOrderParams{
		ID:         orderID,
		Qty:        params.Qty,
		Type:       params.Type,
		LimitPrice: params.LimitPrice,
		StopPrice:  params.StopPrice,
	}
	res, err := f.write(ctx, tok, "modify_order", http.MethodPatch, modify)
	if err == nil && res.OrderID == "" {
		res.OrderID = orderID
	}
	return res, err
}

// CancelOrder implements Adapter.
func (f *Fyers) CancelOrder(ctx context.Context, tok models.AccessToken, orderID string) (*models.OrderResult, error) {
	res, err := f.write(ctx, tok, "cancel_order", http.MethodDelete, map[string]string{"id": orderID})
	if err == nil && res.OrderID == "" {
		res.OrderID = orderID
	}
	return res, err
}

type fyersOrder struct {
	ID            string  `json:"id"`
	Symbol        string  `json:"symbol"`
	Qty           int     `json:"qty"`
	Type          int     `json:"type"`
	Side          int     `json:"side"`
	ProductType   string  `json:"productType"`
	LimitPrice    float64 `json:"limitPrice"`
	StopPrice     float64 `json:"stopPrice"`
	Status        int     `json:"status"`
	FilledQty     int     `json:"filledQty"`
	TradedPrice   float64 `json:"tradedPrice"`
	DisclosedQty  int     `json:"disclosedQty"`
	Message       string  `json:"message"`
	OrderDateTime string  `json:"orderDateTime"`
}

// GetOrderBook implements Adapter.
func (f *Fyers) GetOrderBook(ctx context.Context, tok models.AccessToken) ([]models.Order, error) {
	var out struct {
		OrderBook []fyersOrder `json:"orderBook"`
	}
	err := f.rest.call(ctx, restRequest{
		op:     "order_book",
		method: http.MethodGet,
		path:   fyersOrdersPath,
		header: fyersAuthHeader(tok.APIKey, tok.Token),
	}, f.decode("order_book", false, &out))
	if err != nil {
		return nil, err
	}

	orders := make([]models.Order, 0, len(out.OrderBook))
	for _, r := range out.OrderBook {
		orderType, ok := fyersOrderTypesIn[r.Type]
		if !ok {
			orderType = models.OrderTypeUnknown
		}
		product, ok := fyersProductsIn[r.ProductType]
		if !ok {
			product = models.ProductUnknown
		}
		side, ok := fyersSidesIn[r.Side]
		if !ok {
			side = models.OrderSideUnknown
		}
		status, ok := fyersStatuses[r.Status]
		if !ok {
			status = models.OrderStatusUnknown
		}
		exchange, _ := fyersExchange(r.Symbol, "")
		placed, _ := time.ParseInLocation("02-Jan-2006 15:04:05", r.OrderDateTime, utils.IndiaLocation)
		orders = append(orders, models.Order{
			ID:                r.ID,
			Symbol:            canonicalSymbol(r.Symbol),
			Exchange:          exchange,
			Side:              side,
			Type:              orderType,
			Product:           product,
			Quantity:          r.Qty,
			Price:             r.LimitPrice,
			TriggerPrice:      r.StopPrice,
			DisclosedQuantity: r.DisclosedQty,
			Status:            status,
			RawStatus:         strconv.Itoa(r.Status),
			RawOrderType:      strconv.Itoa(r.Type),
			RawSide:           strconv.Itoa(r.Side),
			FilledQty:         r.FilledQty,
			AveragePrice:      r.TradedPrice,
			Message:           r.Message,
			PlacedAt:          placed,
		})
	}
	return orders, nil
}

// GetPositions implements Adapter.
func (f *Fyers) GetPositions(ctx context.Context, tok models.AccessToken) ([]models.Position, error) {
	var out struct {
		NetPositions []struct {
			Symbol      string  `json:"symbol"`
			ProductType string  `json:"productType"`
			NetQty      int     `json:"netQty"`
			NetAvg      float64 `json:"netAvg"`
			LTP         float64 `json:"ltp"`
			PL          float64 `json:"pl"`
		} `json:"netPositions"`
	}
	err := f.rest.call(ctx, restRequest{
		op:     "positions",
		method: http.MethodGet,
		path:   fyersPositions,
		header: fyersAuthHeader(tok.APIKey, tok.Token),
	}, f.decode("positions", false, &out))
	if err != nil {
		return nil, err
	}

	positions := make([]models.Position, 0, len(out.NetPositions))
	for _, p := range out.NetPositions {
		if p.NetQty == 0 {
			continue
		}
		product, ok := fyersProductsIn[p.ProductType]
		if !ok {
			product = models.ProductUnknown
		}
		exchange, _ := fyersExchange(p.Symbol, "")
		positions = append(positions, models.Position{
			Symbol:       canonicalSymbol(p.Symbol),
			Exchange:     exchange,
			Product:      product,
			Quantity:     p.NetQty,
			AveragePrice: p.NetAvg,
			LastPrice:    p.LTP,
			PnL:          p.PL,
		})
	}
	return positions, nil
}

// GetQuote implements Adapter.
func (f *Fyers) GetQuote(ctx context.Context, tok models.AccessToken, inst models.Instrument) (*models.Quote, error) {
	symbol := inst.BrokerSymbol
	if symbol == "" {
		symbol = fyersTicker(inst.Exchange, inst.Symbol)
	}
	var out struct {
		D []struct {
			N string `json:"n"`
			S string `json:"s"`
			V struct {
				LP        float64 `json:"lp"`
				Open      float64 `json:"open_price"`
				High      float64 `json:"high_price"`
				Low       float64 `json:"low_price"`
				PrevClose float64 `json:"prev_close_price"`
				Volume    int64   `json:"volume"`
				TT        int64   `json:"tt"`
			} `json:"v"`
		} `json:"d"`
	}
	err := f.rest.call(ctx, restRequest{
		op:     "quote",
		method: http.MethodGet,
		path:   fyersQuotesPath,
		query:  url.Values{"symbols": {symbol}},
		header: fyersAuthHeader(tok.APIKey, tok.Token),
	}, f.decode("quote", false, &out))
	if err != nil {
		return nil, err
	}
	if len(out.D) == 0 || out.D[0].S != "ok" {
		return nil, gwerrors.Rejected(string(models.BrokerFyers), "quote", "", "no quote returned for "+symbol)
	}
	v := out.D[0].V
	ts := time.Now()
	if v.TT > 0 {
		ts = time.Unix(v.TT, 0)
	}
	return &models.Quote{
		Symbol:    inst.Symbol,
		Exchange:  inst.Exchange,
		LastPrice: v.LP,
		OHLC:      models.OHLC{Open: v.Open, High: v.High, Low: v.Low, Close: v.PrevClose},
		Volume:    v.Volume,
		Timestamp: ts,
	}, nil
}

// appIDHash is SHA-256 of "appId:secret" in hex.
func appIDHash(appID, secret string) string {
	sum := sha256.Sum256([]byte(appID + ":" + secret))
	return hex.EncodeToString(sum[:])
}

type fyersTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Authenticate exchanges an auth_code for access and refresh tokens.
func (f *Fyers) Authenticate(ctx context.Context, cred *models.Credential, req models.AuthRequest) (*models.AuthResult, error) {
	if req.Code == "" {
		return nil, gwerrors.New(gwerrors.KindBadRequest, "fyers login requires an auth_code")
	}
	var out fyersTokenResponse
	err := f.rest.call(ctx, restRequest{
		op:     "login",
		method: http.MethodPost,
		path:   fyersAuthCodePath,
		body: map[string]string{
			"grant_type": "authorization_code",
			"appIdHash":  appIDHash(cred.APIKey, cred.APISecret),
			"code":       req.Code,
		},
		write: true,
	}, f.decode("login", true, &out))
	if err != nil {
		return nil, asInvalidCredentials(err)
	}
	return fyersAuthResult(out, cred.RefreshToken)
}

// Refresh trades the refresh token and PIN for a new access token.
func (f *Fyers) Refresh(ctx context.Context, cred *models.Credential) (*models.AuthResult, error) {
	if cred.RefreshToken == "" {
		return nil, gwerrors.Reauth(string(models.BrokerFyers), "no refresh token stored", nil)
	}
	var out fyersTokenResponse
	err := f.rest.call(ctx, restRequest{
		op:     "refresh",
		method: http.MethodPost,
		path:   fyersRefreshPath,
		body: map[string]string{
			"grant_type":    "refresh_token",
			"appIdHash":     appIDHash(cred.APIKey, cred.APISecret),
			"refresh_token": cred.RefreshToken,
			"pin":           cred.PIN,
		},
		write: true,
	}, f.decode("refresh", true, &out))
	if err != nil {
		return nil, err
	}
	return fyersAuthResult(out, cred.RefreshToken)
}

func fyersAuthResult(out fyersTokenResponse, previousRefresh string) (*models.AuthResult, error) {
	if out.AccessToken == "" {
		return nil, gwerrors.Rejected(string(models.BrokerFyers), "login", "", "no access_token in response")
	}
	res := &models.AuthResult{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken}
	if res.RefreshToken == "" {
		res.RefreshToken = previousRefresh
	}
	if exp, err := TokenExpiry(out.AccessToken); err == nil {
		res.ExpiresAt = &exp
	}
	return res, nil
}

// TokenExpiry reads the exp claim of a broker-issued JWT without verifying
// its signature; the gateway does not hold the broker's key.
func TokenExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("parsing access token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Time{}, errors.New("access token has no exp claim")
	}
	return exp.Time, nil
}

// Instruments downloads every configured symbol master CSV. master_url may
// list several files separated by commas.
func (f *Fyers) Instruments(ctx context.Context) ([]models.Instrument, error) {
	if f.cfg.MasterURL == "" {
		return nil, gwerrors.NotConfigured(string(models.BrokerFyers), "master_url is not set")
	}
	var result []models.Instrument
	for _, u := range strings.Split(f.cfg.MasterURL, ",") {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		var batch []models.Instrument
		err := f.rest.call(ctx, restRequest{
			op:     "instruments",
			method: http.MethodGet,
			path:   u,
		}, func(resp *response) error {
			if resp.status != http.StatusOK {
				return gwerrors.Rejected(string(models.BrokerFyers), "instruments", strconv.Itoa(resp.status), snippet(resp.body))
			}
			var err error
			batch, err = ParseFyersSymbolMaster(bytes.NewReader(resp.body))
			if err != nil {
				return f.rest.malformed("instruments", resp, err, false)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		result = append(result, batch...)
	}
	return result, nil
}

// Symbol master CSV columns.
const (
	fyersColName       = 1
	fyersColInstType   = 2
	fyersColLotSize    = 3
	fyersColTickSize   = 4
	fyersColExpiry     = 8
	fyersColTicker     = 9
	fyersColSegment    = 11
	fyersMinMasterCols = 12
)

// ParseFyersSymbolMaster reads a headerless Fyers symbol master.
func ParseFyersSymbolMaster(r io.Reader) ([]models.Instrument, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	var result []models.Instrument
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(rec) < fyersMinMasterCols {
			continue
		}
		ticker := strings.TrimSpace(rec[fyersColTicker])
		exchange, ok := fyersExchange(ticker, strings.TrimSpace(rec[fyersColSegment]))
		if !ok {
			continue
		}
		expiry, err := ParseFyersExpiry(rec[fyersColExpiry])
		if err != nil {
			continue
		}
		lot, _ := strconv.Atoi(strings.TrimSpace(rec[fyersColLotSize]))
		tick, _ := strconv.ParseFloat(strings.TrimSpace(rec[fyersColTickSize]), 64)
		result = append(result, models.Instrument{
			Symbol:         canonicalSymbol(ticker),
			BrokerID:       models.BrokerFyers,
			Exchange:       exchange,
			Token:          ticker,
			StreamToken:    ticker,
			BrokerSymbol:   ticker,
			Name:           rec[fyersColName],
			InstrumentType: rec[fyersColInstType],
			LotSize:        lot,
			TickSize:       tick,
			Expiry:         expiry,
		})
	}
	return result, nil
}

// fyersExchange derives the canonical exchange from a ticker prefix and,
// when known, the master's segment code (10 cash, 11 F&O, 12 currency,
// 20 commodity). Without a segment, a "-EQ"/"-BE" style suffix means cash.
func fyersExchange(ticker, segment string) (models.Exchange, bool) {
	prefix, rest, ok := strings.Cut(ticker, ":")
	if !ok {
		return "", false
	}
	if segment == "" {
		switch {
		case prefix == "MCX":
			segment = "20"
		case strings.Contains(rest, "-"):
			segment = "10"
		case strings.HasSuffix(rest, "FUT") || strings.HasSuffix(rest, "CE") || strings.HasSuffix(rest, "PE"):
			segment = "11"
		default:
			segment = "10"
		}
	}
	switch {
	case prefix == "NSE" && segment == "10":
		return models.NSE, true
	case prefix == "BSE" && segment == "10":
		return models.BSE, true
	case prefix == "NSE" && segment == "11":
		return models.NFO, true
	case prefix == "BSE" && segment == "11":
		return models.BFO, true
	case prefix == "NSE" && segment == "12":
		return models.CDS, true
	case prefix == "MCX":
		return models.MCX, true
	}
	return "", false
}

var (
	_ Adapter          = (*Fyers)(nil)
	_ Authenticator    = (*Fyers)(nil)
	_ Refresher        = (*Fyers)(nil)
	_ InstrumentSource = (*Fyers)(nil)
	_ StreamDialer     = (*Fyers)(nil)
)
