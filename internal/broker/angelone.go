package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"

	"broker-gateway/internal/config"
	gwerrors "broker-gateway/internal/errors"
	"broker-gateway/internal/models"
	"broker-gateway/pkg/utils"
)

const (
	angelLoginPath    = "/rest/auth/angelbroking/user/v1/loginByPassword"
	angelTokensPath   = "/rest/auth/angelbroking/jwt/v1/generateTokens"
	angelPlacePath    = "/rest/secure/angelbroking/order/v1/placeOrder"
	angelModifyPath   = "/rest/secure/angelbroking/order/v1/modifyOrder"
	angelCancelPath   = "/rest/secure/angelbroking/order/v1/cancelOrder"
	angelOrderBook    = "/rest/secure/angelbroking/order/v1/getOrderBook"
	angelPositionPath = "/rest/secure/angelbroking/order/v1/getPosition"
	angelQuotePath    = "/rest/secure/angelbroking/market/v1/quote"
)

var (
	angelOrderTypes = map[models.OrderType]string{
		models.OrderTypeMarket:    "MARKET",
		models.OrderTypeLimit:     "LIMIT",
		models.OrderTypeStop:      "STOPLOSS_MARKET",
		models.OrderTypeStopLimit: "STOPLOSS_LIMIT",
	}
	angelProducts = map[models.ProductType]string{
		models.ProductIntraday:     "INTRADAY",
		models.ProductDelivery:     "DELIVERY",
		models.ProductCarryForward: "CARRYFORWARD",
	}
	angelSides = map[models.OrderSide]string{
		models.OrderSideBuy:  "BUY",
		models.OrderSideSell: "SELL",
	}
	angelStatuses = map[string]models.OrderStatus{
		"open":                            models.OrderStatusOpen,
		"trigger pending":                 models.OrderStatusOpen,
		"complete":                        models.OrderStatusComplete,
		"cancelled":                       models.OrderStatusCancelled,
		"rejected":                        models.OrderStatusRejected,
		"open pending":                    models.OrderStatusPending,
		"validation pending":              models.OrderStatusPending,
		"put order req received":          models.OrderStatusPending,
		"modify pending":                  models.OrderStatusPending,
		"cancel pending":                  models.OrderStatusPending,
		"after market order req received": models.OrderStatusPending,
	}

	angelOrderTypesIn = invert(angelOrderTypes)
	angelProductsIn   = invert(angelProducts)
	angelSidesIn      = invert(angelSides)

	// Invalid, expired or missing session token.
	angelTokenErrors = map[string]bool{"AG8001": true, "AG8002": true, "AG8003": true}
)

// AngelOne is the SmartAPI adapter.
type AngelOne struct {
	cfg    config.BrokerConfig
	rest   *restClient
	logger zerolog.Logger
	now    func() time.Time

	// Client identity headers SmartAPI requires on every call.
	LocalIP  string
	PublicIP string
	MAC      string
}

// NewAngelOne creates the Angel One adapter.
func NewAngelOne(cfg config.BrokerConfig, httpClient *http.Client, logger zerolog.Logger) *AngelOne {
	return &AngelOne{
		cfg:      cfg,
		rest:     newRESTClient(models.BrokerAngelOne, cfg, httpClient, logger),
		logger:   logger,
		now:      time.Now,
		LocalIP:  "127.0.0.1",
		PublicIP: "127.0.0.1",
		MAC:      "00:00:00:00:00:00",
	}
}

// ID implements Adapter.
func (a *AngelOne) ID() models.BrokerID { return models.BrokerAngelOne }

type angelEnvelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	Data      json.RawMessage `json:"data"`
}

func (a *AngelOne) headers(apiKey, token string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("X-UserType", "USER")
	h.Set("X-SourceID", "WEB")
	h.Set("X-ClientLocalIP", a.LocalIP)
	h.Set("X-ClientPublicIP", a.PublicIP)
	h.Set("X-MACAddress", a.MAC)
	h.Set("X-PrivateKey", apiKey)
	if token != "" {
		h.Set("Authorization", "Bearer "+strings.TrimPrefix(token, "Bearer "))
	}
	return h
}

// decode unwraps the SmartAPI envelope into out.
func (a *AngelOne) decode(op string, write bool, out interface{}) func(*response) error {
	broker := string(models.BrokerAngelOne)
	return func(resp *response) error {
		var env angelEnvelope
		if err := json.Unmarshal(resp.body, &env); err != nil {
			if resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden {
				return gwerrors.Reauth(broker, snippet(resp.body), nil)
			}
			return a.rest.malformed(op, resp, err, write)
		}
		if !env.Status || resp.status >= 400 {
			if angelTokenErrors[env.ErrorCode] || resp.status == http.StatusUnauthorized {
				return gwerrors.Reauth(broker, env.Message, nil)
			}
			return gwerrors.Rejected(broker, op, env.ErrorCode, env.Message)
		}
		if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
			return nil
		}
		if err := json.Unmarshal(env.Data, out); err != nil {
			return a.rest.malformed(op, resp, err, write)
		}
		return nil
	}
}

type angelOrderParams struct {
	Variety           string `json:"variety"`
	OrderID           string `json:"orderid,omitempty"`
	TradingSymbol     string `json:"tradingsymbol"`
	SymbolToken       string `json:"symboltoken"`
	TransactionType   string `json:"transactiontype"`
	Exchange          string `json:"exchange"`
	OrderType         string `json:"ordertype"`
	ProductType       string `json:"producttype"`
	Duration          string `json:"duration"`
	Price             string `json:"price"`
	TriggerPrice      string `json:"triggerprice,omitempty"`
	Quantity          string `json:"quantity"`
	DisclosedQuantity string `json:"disclosedquantity,omitempty"`
}

func (a *AngelOne) orderParams(req OrderRequest) (*angelOrderParams, error) {
	broker := string(models.BrokerAngelOne)
	o := req.Order
	orderType, ok := angelOrderTypes[o.Type]
	if !ok {
		return nil, gwerrors.Mapping(broker, "order_type", o.Type)
	}
	product, ok := angelProducts[o.Product]
	if !ok {
		return nil, gwerrors.Mapping(broker, "product", o.Product)
	}
	side, ok := angelSides[o.Side]
	if !ok {
		return nil, gwerrors.Mapping(broker, "side", o.Side)
	}
	if req.Instrument.Token == "" {
		return nil, &gwerrors.GatewayError{
			Kind:    gwerrors.KindSymbolNotFound,
			Broker:  broker,
			Message: "no symbol token for " + req.Instrument.Key(),
		}
	}

	variety := "NORMAL"
	if o.Type == models.OrderTypeStop || o.Type == models.OrderTypeStopLimit {
		variety = "STOPLOSS"
	}
	p := &angelOrderParams{
		Variety:         variety,
		TradingSymbol:   req.Instrument.BrokerSymbol,
		SymbolToken:     req.Instrument.Token,
		TransactionType: side,
		Exchange:        string(req.Instrument.Exchange),
		OrderType:       orderType,
		ProductType:     product,
		Duration:        "DAY",
		Price:           "0",
		Quantity:        strconv.Itoa(o.Quantity),
	}
	if o.Type == models.OrderTypeLimit || o.Type == models.OrderTypeStopLimit {
		p.Price = formatPrice(o.Price)
	}
	if o.Type == models.OrderTypeStop || o.Type == models.OrderTypeStopLimit {
		p.TriggerPrice = formatPrice(o.TriggerPrice)
	}
	if o.DisclosedQuantity > 0 {
		p.DisclosedQuantity = strconv.Itoa(o.DisclosedQuantity)
	}
	return p, nil
}

type angelOrderResponse struct {
	OrderID       string `json:"orderid"`
	UniqueOrderID string `json:"uniqueorderid"`
}

func (a *AngelOne) write(ctx context.Context, tok models.AccessToken, op, path string, body interface{}) (*models.OrderResult, error) {
	var out angelOrderResponse
	err := a.rest.call(ctx, restRequest{
		op:     op,
		method: http.MethodPost,
		path:   path,
		header: a.headers(tok.APIKey, tok.Token),
		body:   body,
		write:  true,
	}, a.decode(op, true, &out))
	if err != nil {
		return nil, err
	}
	return &models.OrderResult{OrderID: out.OrderID, BrokerID: models.BrokerAngelOne, RawStatus: "success"}, nil
}

// PlaceOrder implements Adapter.
func (a *AngelOne) PlaceOrder(ctx context.Context, tok models.AccessToken, req OrderRequest) (*models.OrderResult, error) {
	params, err := a.orderParams(req)
	if err != nil {
		return nil, err
	}
	return a.write(ctx, tok, "place_order", angelPlacePath, params)
}

// ModifyOrder implements Adapter.
func (a *AngelOne) ModifyOrder(ctx context.Context, tok models.AccessToken, orderID string, req OrderRequest) (*models.OrderResult, error) {
	params, err := a.orderParams(req)
	if err != nil {
		return nil, err
	}
	params.OrderID = orderID
	res, err := a.write(ctx, tok, "modify_order", angelModifyPath, params)
	if err == nil && res.OrderID == "" {
		res.OrderID = orderID
	}
	return res, err
}

// CancelOrder implements Adapter. Orders are cancelled under the NORMAL
// variety.
func (a *AngelOne) CancelOrder(ctx context.Context, tok models.AccessToken, orderID string) (*models.OrderResult, error) {
	res, err := a.write(ctx, tok, "cancel_order", angelCancelPath, map[string]string{
		"variety": "NORMAL",
		"orderid": orderID,
	})
	if err == nil && res.OrderID == "" {
		res.OrderID = orderID
	}
	return res, err
}

type angelOrder struct {
	OrderID           string    `json:"orderid"`
	TradingSymbol     string    `json:"tradingsymbol"`
	Exchange          string    `json:"exchange"`
	TransactionType   string    `json:"transactiontype"`
	OrderType         string    `json:"ordertype"`
	ProductType       string    `json:"producttype"`
	Quantity          flexInt   `json:"quantity"`
	DisclosedQuantity flexInt   `json:"disclosedquantity"`
	Price             flexFloat `json:"price"`
	TriggerPrice      flexFloat `json:"triggerprice"`
	Status            string    `json:"status"`
	Text              string    `json:"text"`
	FilledShares      flexInt   `json:"filledshares"`
	AveragePrice      flexFloat `json:"averageprice"`
	UpdateTime        string    `json:"updatetime"`
}

// GetOrderBook implements Adapter.
func (a *AngelOne) GetOrderBook(ctx context.Context, tok models.AccessToken) ([]models.Order, error) {
	var rows []angelOrder
	err := a.rest.call(ctx, restRequest{
		op:     "order_book",
		method: http.MethodGet,
		path:   angelOrderBook,
		header: a.headers(tok.APIKey, tok.Token),
	}, a.decode("order_book", false, &rows))
	if err != nil {
		return nil, err
	}

	orders := make([]models.Order, 0, len(rows))
	for _, r := range rows {
		orderType, ok := angelOrderTypesIn[r.OrderType]
		if !ok {
			orderType = models.OrderTypeUnknown
		}
		product, ok := angelProductsIn[r.ProductType]
		if !ok {
			product = models.ProductUnknown
		}
		side, ok := angelSidesIn[r.TransactionType]
		if !ok {
			side = models.OrderSideUnknown
		}
		status, ok := angelStatuses[strings.ToLower(r.Status)]
		if !ok {
			status = models.OrderStatusUnknown
		}
		exchange, _ := models.ParseExchange(r.Exchange)
		placed, _ := time.ParseInLocation("02-Jan-2006 15:04:05", r.UpdateTime, utils.IndiaLocation)
		orders = append(orders, models.Order{
			ID:                r.OrderID,
			Symbol:            canonicalSymbol(r.TradingSymbol),
			Exchange:          exchange,
			Side:              side,
			Type:              orderType,
			Product:           product,
			Quantity:          int(r.Quantity),
			Price:             float64(r.Price),
			TriggerPrice:      float64(r.TriggerPrice),
			DisclosedQuantity: int(r.DisclosedQuantity),
			Status:            status,
			RawStatus:         r.Status,
			RawOrderType:      r.OrderType,
			RawSide:           r.TransactionType,
			FilledQty:         int(r.FilledShares),
			AveragePrice:      float64(r.AveragePrice),
			Message:           r.Text,
			PlacedAt:          placed,
		})
	}
	return orders, nil
}

type angelPosition struct {
	TradingSymbol string    `json:"tradingsymbol"`
	Exchange      string    `json:"exchange"`
	ProductType   string    `json:"producttype"`
	NetQty        flexInt   `json:"netqty"`
	AvgNetPrice   flexFloat `json:"avgnetprice"`
	LTP           flexFloat `json:"ltp"`
	PnL           flexFloat `json:"pnl"`
}

// GetPositions implements Adapter.
func (a *AngelOne) GetPositions(ctx context.Context, tok models.AccessToken) ([]models.Position, error) {
	var rows []angelPosition
	err := a.rest.call(ctx, restRequest{
		op:     "positions",
		method: http.MethodGet,
		path:   angelPositionPath,
		header: a.headers(tok.APIKey, tok.Token),
	}, a.decode("positions", false, &rows))
	if err != nil {
		return nil, err
	}

	positions := make([]models.Position, 0, len(rows))
	for _, r := range rows {
		if r.NetQty == 0 {
			continue
		}
		product, ok := angelProductsIn[r.ProductType]
		if !ok {
			product = models.ProductUnknown
		}
		exchange, _ := models.ParseExchange(r.Exchange)
		positions = append(positions, models.Position{
			Symbol:       canonicalSymbol(r.TradingSymbol),
			Exchange:     exchange,
			Product:      product,
			Quantity:     int(r.NetQty),
			AveragePrice: float64(r.AvgNetPrice),
			LastPrice:    float64(r.LTP),
			PnL:          float64(r.PnL),
		})
	}
	return positions, nil
}

type angelQuoteData struct {
	Fetched []struct {
		Exchange     string    `json:"exchange"`
		SymbolToken  string    `json:"symbolToken"`
		LTP          flexFloat `json:"ltp"`
		Open         flexFloat `json:"open"`
		High         flexFloat `json:"high"`
		Low          flexFloat `json:"low"`
		Close        flexFloat `json:"close"`
		TradeVolume  flexInt   `json:"tradeVolume"`
		ExchFeedTime string    `json:"exchFeedTime"`
	} `json:"fetched"`
}

// GetQuote implements Adapter.
func (a *AngelOne) GetQuote(ctx context.Context, tok models.AccessToken, inst models.Instrument) (*models.Quote, error) {
	var data angelQuoteData
	body := map[string]interface{}{
		"mode": "FULL",
		"exchangeTokens": map[string][]string{
			string(inst.Exchange): {inst.Token},
		},
	}
	// The quote endpoint is a POST but does not change state.
	err := a.rest.call(ctx, restRequest{
		op:     "quote",
		method: http.MethodPost,
		path:   angelQuotePath,
		header: a.headers(tok.APIKey, tok.Token),
		body:   body,
	}, a.decode("quote", false, &data))
	if err != nil {
		return nil, err
	}
	if len(data.Fetched) == 0 {
		return nil, gwerrors.Rejected(string(models.BrokerAngelOne), "quote", "", "no quote returned for "+inst.Key())
	}
	q := data.Fetched[0]
	ts, err := time.ParseInLocation("02-Jan-2006 15:04:05", q.ExchFeedTime, utils.IndiaLocation)
	if err != nil {
		ts = a.now()
	}
	return &models.Quote{
		Symbol:    inst.Symbol,
		Exchange:  inst.Exchange,
		LastPrice: float64(q.LTP),
		OHLC: models.OHLC{
			Open:  float64(q.Open),
			High:  float64(q.High),
			Low:   float64(q.Low),
			Close: float64(q.Close),
		},
		Volume:    int64(q.TradeVolume),
		Timestamp: ts,
	}, nil
}

type angelSession struct {
	JWTToken     string `json:"jwtToken"`
	RefreshToken string `json:"refreshToken"`
	FeedToken    string `json:"feedToken"`
}

// Authenticate logs in with client code, PIN and TOTP. A TOTP missing
// from the request is generated from the stored secret.
func (a *AngelOne) Authenticate(ctx context.Context, cred *models.Credential, req models.AuthRequest) (*models.AuthResult, error) {
	pin := req.PIN
	if pin == "" {
		pin = cred.PIN
	}
	code := req.TOTP
	if code == "" && cred.TOTPSecret != "" {
		generated, err := totp.GenerateCode(cred.TOTPSecret, a.now())
		if err != nil {
			return nil, gwerrors.Wrap(gwerrors.KindInvalidCredentials, err, "generating TOTP from stored secret")
		}
		code = generated
	}
	if cred.ClientCode == "" || pin == "" || code == "" {
		return nil, gwerrors.New(gwerrors.KindBadRequest, "angelone login requires client code, PIN and TOTP")
	}

	var session angelSession
	err := a.rest.call(ctx, restRequest{
		op:     "login",
		method: http.MethodPost,
		path:   angelLoginPath,
		header: a.headers(cred.APIKey, ""),
		body: map[string]string{
			"clientcode": cred.ClientCode,
			"password":   pin,
			"totp":       code,
		},
		write: true,
	}, a.decode("login", true, &session))
	if err != nil {
		return nil, asInvalidCredentials(err)
	}
	return a.authResult(session, cred)
}

// Refresh exchanges the refresh token for a new session.
func (a *AngelOne) Refresh(ctx context.Context, cred *models.Credential) (*models.AuthResult, error) {
	if cred.RefreshToken == "" {
		return nil, gwerrors.Reauth(string(models.BrokerAngelOne), "no refresh token stored", nil)
	}
	var session angelSession
	err := a.rest.call(ctx, restRequest{
		op:     "refresh",
		method: http.MethodPost,
		path:   angelTokensPath,
		header: a.headers(cred.APIKey, cred.AccessToken),
		body:   map[string]string{"refreshToken": cred.RefreshToken},
		write:  true,
	}, a.decode("refresh", true, &session))
	if err != nil {
		return nil, err
	}
	return a.authResult(session, cred)
}

func (a *AngelOne) authResult(s angelSession, cred *models.Credential) (*models.AuthResult, error) {
	if s.JWTToken == "" {
		return nil, gwerrors.Rejected(string(models.BrokerAngelOne), "login", "", "no jwtToken in response")
	}
	res := &models.AuthResult{
		AccessToken:  strings.TrimPrefix(s.JWTToken, "Bearer "),
		RefreshToken: s.RefreshToken,
		FeedToken:    s.FeedToken,
	}
	if res.RefreshToken == "" {
		res.RefreshToken = cred.RefreshToken
	}
	if res.FeedToken == "" {
		res.FeedToken = cred.FeedToken
	}
	return res, nil
}

type angelScrip struct {
	Token          string    `json:"token"`
	Symbol         string    `json:"symbol"`
	Name           string    `json:"name"`
	Expiry         string    `json:"expiry"`
	LotSize        flexInt   `json:"lotsize"`
	InstrumentType string    `json:"instrumenttype"`
	ExchSeg        string    `json:"exch_seg"`
	TickSize       flexFloat `json:"tick_size"`
}

// Instruments downloads the OpenAPI scrip master.
func (a *AngelOne) Instruments(ctx context.Context) ([]models.Instrument, error) {
	if a.cfg.MasterURL == "" {
		return nil, gwerrors.NotConfigured(string(models.BrokerAngelOne), "master_url is not set")
	}
	var scrips []angelScrip
	err := a.rest.call(ctx, restRequest{
		op:     "instruments",
		method: http.MethodGet,
		path:   a.cfg.MasterURL,
	}, func(resp *response) error {
		if resp.status != http.StatusOK {
			return gwerrors.Rejected(string(models.BrokerAngelOne), "instruments", strconv.Itoa(resp.status), snippet(resp.body))
		}
		if err := json.Unmarshal(resp.body, &scrips); err != nil {
			return a.rest.malformed("instruments", resp, err, false)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return convertAngelScrips(scrips, a.logger), nil
}

func convertAngelScrips(scrips []angelScrip, logger zerolog.Logger) []models.Instrument {
	result := make([]models.Instrument, 0, len(scrips))
	skipped := 0
	for _, s := range scrips {
		exchange, ok := models.ParseExchange(s.ExchSeg)
		if !ok || s.Token == "" {
			skipped++
			continue
		}
		expiry, err := ParseAngelExpiry(s.Expiry)
		if err != nil {
			skipped++
			continue
		}
		result = append(result, models.Instrument{
			Symbol:         canonicalSymbol(s.Symbol),
			BrokerID:       models.BrokerAngelOne,
			Exchange:       exchange,
			Token:          s.Token,
			StreamToken:    string(exchange) + ":" + s.Token,
			BrokerSymbol:   s.Symbol,
			Name:           s.Name,
			InstrumentType: s.InstrumentType,
			LotSize:        int(s.LotSize),
			TickSize:       float64(s.TickSize) / 100,
			Expiry:         expiry,
		})
	}
	if skipped > 0 {
		logger.Debug().Int("skipped", skipped).Msg("Skipped scrip master rows")
	}
	return result
}

var (
	_ Adapter          = (*AngelOne)(nil)
	_ Authenticator    = (*AngelOne)(nil)
	_ Refresher        = (*AngelOne)(nil)
	_ InstrumentSource = (*AngelOne)(nil)
	_ StreamDialer     = (*AngelOne)(nil)
)
