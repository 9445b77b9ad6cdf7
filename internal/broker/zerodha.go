package broker

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	"golang.org/x/time/rate"

	"broker-gateway/internal/config"
	gwerrors "broker-gateway/internal/errors"
	"broker-gateway/internal/models"
	"broker-gateway/pkg/utils"
)

// Kite error types as sent in the "error_type" field.
const (
	kiteNetworkException = "NetworkException"
	kiteTokenException   = "TokenException"
)

var (
	zerodhaOrderTypes = map[models.OrderType]string{
		models.OrderTypeMarket:    "MARKET",
		models.OrderTypeLimit:     "LIMIT",
		models.OrderTypeStop:      "SL-M",
		models.OrderTypeStopLimit: "SL",
	}
	zerodhaProducts = map[models.ProductType]string{
		models.ProductIntraday:     "MIS",
		models.ProductDelivery:     "CNC",
		models.ProductCarryForward: "NRML",
	}
	zerodhaSides = map[models.OrderSide]string{
		models.OrderSideBuy:  "BUY",
		models.OrderSideSell: "SELL",
	}
	zerodhaStatuses = map[string]models.OrderStatus{
		"OPEN":                      models.OrderStatusOpen,
		"TRIGGER PENDING":           models.OrderStatusOpen,
		"COMPLETE":                  models.OrderStatusComplete,
		"CANCELLED":                 models.OrderStatusCancelled,
		"REJECTED":                  models.OrderStatusRejected,
		"PUT ORDER REQ RECEIVED":    models.OrderStatusPending,
		"VALIDATION PENDING":        models.OrderStatusPending,
		"OPEN PENDING":              models.OrderStatusPending,
		"MODIFY PENDING":            models.OrderStatusPending,
		"CANCEL PENDING":            models.OrderStatusPending,
		"AMO REQ RECEIVED":          models.OrderStatusPending,
		"MODIFY VALIDATION PENDING": models.OrderStatusPending,
	}

	zerodhaOrderTypesIn = invert(zerodhaOrderTypes)
	zerodhaProductsIn   = invert(zerodhaProducts)
	zerodhaSidesIn      = invert(zerodhaSides)
)

// Zerodha is the Kite Connect adapter. A Kite client carries one session,
// so a fresh client is built per call from the caller's token.
type Zerodha struct {
	cfg     config.BrokerConfig
	http    *http.Client
	limiter *rate.Limiter
	retry   utils.RetryConfig
	logger  zerolog.Logger
}

// NewZerodha creates the Zerodha adapter.
func NewZerodha(cfg config.BrokerConfig, httpClient *http.Client, logger zerolog.Logger) *Zerodha {
	rc := newRESTClient(models.BrokerZerodha, cfg, httpClient, logger)
	return &Zerodha{
		cfg:     cfg,
		http:    httpClient,
		limiter: rc.limiter,
		retry:   rc.retry,
		logger:  logger,
	}
}

// ID implements Adapter.
func (z *Zerodha) ID() models.BrokerID { return models.BrokerZerodha }

func (z *Zerodha) client(apiKey, accessToken string) *kiteconnect.Client {
	c := kiteconnect.New(apiKey)
	if z.http != nil {
		c.SetHTTPClient(z.http)
	}
	if z.cfg.BaseURL != "" {
		c.SetBaseURI(strings.TrimRight(z.cfg.BaseURL, "/"))
	}
	if accessToken != "" {
		c.SetAccessToken(accessToken)
	}
	return c
}

// LoginURL returns the Kite login page that issues a request_token.
func (z *Zerodha) LoginURL(apiKey string) string {
	return z.client(apiKey, "").GetLoginURL()
}

// kiteCall runs a blocking SDK call under ctx. The SDK has no context
// support, so a cancelled call is abandoned rather than interrupted.
func kiteCall[T any](ctx context.Context, z *Zerodha, op string, write bool, fn func() (T, error)) (T, error) {
	var zero T
	if err := z.limiter.Wait(ctx); err != nil {
		return zero, gwerrors.Unreachable(string(models.BrokerZerodha), op, err, false)
	}

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		return zero, gwerrors.Unreachable(string(models.BrokerZerodha), op, ctx.Err(), write)
	case r := <-ch:
		if r.err != nil {
			return zero, mapKiteError(op, r.err, write)
		}
		return r.v, nil
	}
}

// kiteRead is kiteCall with the read retry policy.
func kiteRead[T any](ctx context.Context, z *Zerodha, op string, fn func() (T, error)) (T, error) {
	return utils.RetryWithResult(ctx, z.retry, func() (T, error) {
		return kiteCall(ctx, z, op, false, fn)
	})
}

func mapKiteError(op string, err error, write bool) error {
	broker := string(models.BrokerZerodha)
	var kerr kiteconnect.Error
	if !errors.As(err, &kerr) {
		var pk *kiteconnect.Error
		if !errors.As(err, &pk) {
			return gwerrors.Unreachable(broker, op, err, write)
		}
		kerr = *pk
	}
	switch {
	case kerr.ErrorType == kiteNetworkException:
		return gwerrors.Unreachable(broker, op, errors.New(kerr.Message), write)
	case kerr.ErrorType == kiteTokenException:
		return gwerrors.Reauth(broker, kerr.Message, nil)
	default:
		return gwerrors.Rejected(broker, op, kerr.ErrorType, kerr.Message)
	}
}

func (z *Zerodha) orderParams(req OrderRequest) (kiteconnect.OrderParams, error) {
	broker := string(models.BrokerZerodha)
	o := req.Order
	orderType, ok := zerodhaOrderTypes[o.Type]
	if !ok {
		return kiteconnect.OrderParams{}, gwerrors.Mapping(broker, "order_type", o.Type)
	}
	product, ok := zerodhaProducts[o.Product]
	if !ok {
		return kiteconnect.OrderParams{}, gwerrors.Mapping(broker, "product", o.Product)
	}
	side, ok := zerodhaSides[o.Side]
	if !ok {
		return kiteconnect.OrderParams{}, gwerrors.Mapping(broker, "side", o.Side)
	}

	symbol := req.Instrument.BrokerSymbol
	if symbol == "" {
		symbol = o.Symbol
	}
	params := kiteconnect.OrderParams{
		Exchange:          string(req.Instrument.Exchange),
		Tradingsymbol:     symbol,
		TransactionType:   side,
		OrderType:         orderType,
		Product:           product,
		Quantity:          o.Quantity,
		DisclosedQuantity: o.DisclosedQuantity,
		Validity:          "DAY",
	}
	if o.Type == models.OrderTypeLimit || o.Type == models.OrderTypeStopLimit {
		params.Price = o.Price
	}
	if o.Type == models.OrderTypeStop || o.Type == models.OrderTypeStopLimit {
		params.TriggerPrice = o.TriggerPrice
	}
	return params, nil
}

// PlaceOrder implements Adapter.
func (z *Zerodha) PlaceOrder(ctx context.Context, tok models.AccessToken, req OrderRequest) (*models.OrderResult, error) {
	params, err := z.orderParams(req)
	if err != nil {
		return nil, err
	}
	c := z.client(tok.APIKey, tok.Token)
	resp, err := kiteCall(ctx, z, "place_order", true, func() (kiteconnect.OrderResponse, error) {
		return c.PlaceOrder(kiteconnect.VarietyRegular, params)
	})
	if err != nil {
		return nil, err
	}
	return &models.OrderResult{OrderID: resp.OrderID, BrokerID: models.BrokerZerodha, RawStatus: "success"}, nil
}

// ModifyOrder implements Adapter.
func (z *Zerodha) ModifyOrder(ctx context.Context, tok models.AccessToken, orderID string, req OrderRequest) (*models.OrderResult, error) {
	params, err := z.orderParams(req)
	if err != nil {
		return nil, err
	}
	c := z.client(tok.APIKey, tok.Token)
	resp, err := kiteCall(ctx, z, "modify_order", true, func() (kiteconnect.OrderResponse, error) {
		return c.ModifyOrder(kiteconnect.VarietyRegular, orderID, params)
	})
	if err != nil {
		return nil, err
	}
	return &models.OrderResult{OrderID: resp.OrderID, BrokerID: models.BrokerZerodha, RawStatus: "success"}, nil
}

// CancelOrder implements Adapter.
func (z *Zerodha) CancelOrder(ctx context.Context, tok models.AccessToken, orderID string) (*models.OrderResult, error) {
	c := z.client(tok.APIKey, tok.Token)
	resp, err := kiteCall(ctx, z, "cancel_order", true, func() (kiteconnect.OrderResponse, error) {
		return c.CancelOrder(kiteconnect.VarietyRegular, orderID, nil)
	})
	if err != nil {
		return nil, err
	}
	return &models.OrderResult{OrderID: resp.OrderID, BrokerID: models.BrokerZerodha, RawStatus: "success"}, nil
}

// GetOrderBook implements Adapter.
func (z *Zerodha) GetOrderBook(ctx context.Context, tok models.AccessToken) ([]models.Order, error) {
	c := z.client(tok.APIKey, tok.Token)
	orders, err := kiteRead(ctx, z, "order_book", func() (kiteconnect.Orders, error) {
		return c.GetOrders()
	})
	if err != nil {
		return nil, err
	}

	result := make([]models.Order, 0, len(orders))
	for _, o := range orders {
		orderType, ok := zerodhaOrderTypesIn[o.OrderType]
		if !ok {
			orderType = models.OrderTypeUnknown
		}
		product, ok := zerodhaProductsIn[o.Product]
		if !ok {
			product = models.ProductUnknown
		}
		side, ok := zerodhaSidesIn[o.TransactionType]
		if !ok {
			side = models.OrderSideUnknown
		}
		status, ok := zerodhaStatuses[strings.ToUpper(o.Status)]
		if !ok {
			status = models.OrderStatusUnknown
		}
		exchange, _ := models.ParseExchange(o.Exchange)
		result = append(result, models.Order{
			ID:                o.OrderID,
			Symbol:            canonicalSymbol(o.TradingSymbol),
			Exchange:          exchange,
			Side:              side,
			Type:              orderType,
			Product:           product,
			Quantity:          int(o.Quantity),
			Price:             o.Price,
			TriggerPrice:      o.TriggerPrice,
			DisclosedQuantity: int(o.DisclosedQuantity),
			Status:            status,
			RawStatus:         o.Status,
			RawOrderType:      o.OrderType,
			RawSide:           o.TransactionType,
			FilledQty:         int(o.FilledQuantity),
			AveragePrice:      o.AveragePrice,
			Message:           o.StatusMessage,
			PlacedAt:          o.OrderTimestamp.Time,
		})
	}
	return result, nil
}

// GetPositions implements Adapter.
func (z *Zerodha) GetPositions(ctx context.Context, tok models.AccessToken) ([]models.Position, error) {
	c := z.client(tok.APIKey, tok.Token)
	positions, err := kiteRead(ctx, z, "positions", func() (kiteconnect.Positions, error) {
		return c.GetPositions()
	})
	if err != nil {
		return nil, err
	}

	result := make([]models.Position, 0, len(positions.Net))
	for _, p := range positions.Net {
		if p.Quantity == 0 {
			continue
		}
		product, ok := zerodhaProductsIn[p.Product]
		if !ok {
			product = models.ProductUnknown
		}
		exchange, _ := models.ParseExchange(p.Exchange)
		multiplier := float64(p.Multiplier)
		if multiplier == 0 {
			multiplier = 1
		}
		result = append(result, models.Position{
			Symbol:       canonicalSymbol(p.Tradingsymbol),
			Exchange:     exchange,
			Product:      product,
			Quantity:     int(p.Quantity),
			AveragePrice: p.AveragePrice,
			LastPrice:    p.LastPrice,
			PnL:          (p.LastPrice - p.AveragePrice) * float64(p.Quantity) * multiplier,
		})
	}
	return result, nil
}

// GetQuote implements Adapter.
func (z *Zerodha) GetQuote(ctx context.Context, tok models.AccessToken, inst models.Instrument) (*models.Quote, error) {
	key := string(inst.Exchange) + ":" + inst.BrokerSymbol
	c := z.client(tok.APIKey, tok.Token)
	quotes, err := kiteRead(ctx, z, "quote", func() (kiteconnect.Quote, error) {
		return c.GetQuote(key)
	})
	if err != nil {
		return nil, err
	}
	q, ok := quotes[key]
	if !ok {
		return nil, gwerrors.Rejected(string(models.BrokerZerodha), "quote", "", "no quote returned for "+key)
	}
	return &models.Quote{
		Symbol:    inst.Symbol,
		Exchange:  inst.Exchange,
		LastPrice: q.LastPrice,
		OHLC: models.OHLC{
			Open:  q.OHLC.Open,
			High:  q.OHLC.High,
			Low:   q.OHLC.Low,
			Close: q.OHLC.Close,
		},
		Volume:    int64(q.Volume),
		Timestamp: q.LastTradeTime.Time,
	}, nil
}

// Authenticate exchanges a request_token for an access token.
func (z *Zerodha) Authenticate(ctx context.Context, cred *models.Credential, req models.AuthRequest) (*models.AuthResult, error) {
	if req.Code == "" {
		return nil, gwerrors.New(gwerrors.KindBadRequest, "zerodha login requires a request_token")
	}
	c := z.client(cred.APIKey, "")
	session, err := kiteCall(ctx, z, "login", false, func() (kiteconnect.UserSession, error) {
		return c.GenerateSession(req.Code, cred.APISecret)
	})
	if err != nil {
		return nil, asInvalidCredentials(err)
	}
	return &models.AuthResult{
		AccessToken:  session.AccessToken,
		RefreshToken: session.RefreshToken,
	}, nil
}

// Refresh renews the session with the stored refresh token.
func (z *Zerodha) Refresh(ctx context.Context, cred *models.Credential) (*models.AuthResult, error) {
	if cred.RefreshToken == "" {
		return nil, gwerrors.Reauth(string(models.BrokerZerodha), "no refresh token stored", nil)
	}
	c := z.client(cred.APIKey, cred.AccessToken)
	tokens, err := kiteCall(ctx, z, "refresh", false, func() (kiteconnect.UserSessionTokens, error) {
		return c.RenewAccessToken(cred.RefreshToken, cred.APISecret)
	})
	if err != nil {
		return nil, err
	}
	refresh := tokens.RefreshToken
	if refresh == "" {
		refresh = cred.RefreshToken
	}
	return &models.AuthResult{AccessToken: tokens.AccessToken, RefreshToken: refresh}, nil
}

// Instruments downloads the full Kite instrument dump.
func (z *Zerodha) Instruments(ctx context.Context) ([]models.Instrument, error) {
	c := z.client("", "")
	instruments, err := kiteRead(ctx, z, "instruments", func() (kiteconnect.Instruments, error) {
		return c.GetInstruments()
	})
	if err != nil {
		return nil, err
	}

	result := make([]models.Instrument, 0, len(instruments))
	for _, inst := range instruments {
		exchange, ok := models.ParseExchange(inst.Exchange)
		if !ok {
			continue
		}
		var expiry time.Time
		if !inst.Expiry.Time.IsZero() {
			expiry, _ = ParseZerodhaExpiry(inst.Expiry.Time.Format("2006-01-02"))
		}
		token := strconv.FormatUint(uint64(inst.InstrumentToken), 10)
		result = append(result, models.Instrument{
			Symbol:         canonicalSymbol(inst.Tradingsymbol),
			BrokerID:       models.BrokerZerodha,
			Exchange:       exchange,
			Token:          token,
			StreamToken:    token,
			BrokerSymbol:   inst.Tradingsymbol,
			Name:           inst.Name,
			InstrumentType: inst.InstrumentType,
			LotSize:        int(inst.LotSize),
			TickSize:       inst.TickSize,
			Expiry:         expiry,
		})
	}
	return result, nil
}

// asInvalidCredentials turns a broker rejection during login into
// InvalidCredentials. Transport failures pass through.
func asInvalidCredentials(err error) error {
	var ge *gwerrors.GatewayError
	if !errors.As(err, &ge) {
		return err
	}
	switch ge.Kind {
	case gwerrors.KindBrokerRejected, gwerrors.KindReauthRequired:
		return &gwerrors.GatewayError{
			Kind:       gwerrors.KindInvalidCredentials,
			Broker:     ge.Broker,
			Op:         "login",
			BrokerCode: ge.BrokerCode,
			Message:    ge.Message,
			Err:        ge.Err,
		}
	}
	return err
}

var (
	_ Adapter          = (*Zerodha)(nil)
	_ Authenticator    = (*Zerodha)(nil)
	_ Refresher        = (*Zerodha)(nil)
	_ InstrumentSource = (*Zerodha)(nil)
	_ StreamDialer     = (*Zerodha)(nil)
)
