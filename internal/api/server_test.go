package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"broker-gateway/internal/broker"
	"broker-gateway/internal/broker/brokertest"
	"broker-gateway/internal/credcache"
	gwerrors "broker-gateway/internal/errors"
	"broker-gateway/internal/gateway"
	"broker-gateway/internal/models"
	"broker-gateway/internal/security"
	"broker-gateway/internal/session"
	"broker-gateway/internal/store"
	"broker-gateway/internal/stream"
	"broker-gateway/internal/symbols"
)

const testSecret = "test-secret"

type testServer struct {
	srv   *Server
	fake  *brokertest.Fake
	hub   *stream.Hub
	conns chan *brokertest.Conn
	audit *bytes.Buffer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fake := brokertest.NewFake(models.BrokerZerodha)
	conns := make(chan *brokertest.Conn, 4)
	fake.DialFunc = func(ctx context.Context, tok models.AccessToken) (broker.StreamConn, error) {
		c := brokertest.NewConn()
		conns <- c
		return c, nil
	}
	reg := broker.NewRegistry(fake)

	res := symbols.New(reg)
	if err := res.Set(models.BrokerZerodha, []models.Instrument{
		{Symbol: "SBIN", BrokerID: models.BrokerZerodha, Exchange: models.NSE, Token: "779521", StreamToken: "779521", BrokerSymbol: "SBIN", LotSize: 1},
	}); err != nil {
		t.Fatal(err)
	}

	cache := credcache.New(store.NewMemoryStore(), credcache.Config{TTL: 5 * time.Minute})
	mgr := session.NewManager(cache, reg, session.Config{
		RefreshMargin:  time.Minute,
		RefreshTimeout: time.Second,
		Strategies:     map[models.BrokerID]session.Strategy{models.BrokerZerodha: session.FixedDuration{Duration: 8 * time.Hour}},
	})

	var buf bytes.Buffer
	audit := security.NewAuditWriter(&buf)
	d := gateway.New(reg, mgr, res, gateway.Config{BrokerTimeout: time.Second, BreakerThreshold: 5, BreakerCooldown: time.Minute},
		gateway.WithAuditLogger(audit))
	hub := stream.NewHub(reg, mgr, d, res, stream.HubConfig{SubscriberBuffer: 16})
	t.Cleanup(hub.Close)

	srv := NewServer(d, mgr, hub, Config{JWTSecret: testSecret, HeartbeatInterval: time.Hour}, WithAuditLogger(audit))
	return &testServer{srv: srv, fake: fake, hub: hub, conns: conns, audit: &buf}
}

func bearer(t *testing.T, userID string) string {
	t.Helper()
	tok, err := IssueToken(userID, testSecret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return "Bearer " + tok
}

func (ts *testServer) do(t *testing.T, method, path, userID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", bearer(t, userID))
	}
	w := httptest.NewRecorder()
	ts.srv.Router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

// link saves credentials and logs in for userID.
func (ts *testServer) link(t *testing.T, userID string) {
	t.Helper()
	w := ts.do(t, http.MethodPut, "/api/v1/credentials/zerodha", userID, map[string]string{
		"api_key": "kiteapikey123", "api_secret": "kitesecret",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("save credentials: %d %s", w.Code, w.Body.String())
	}
	w = ts.do(t, http.MethodPost, "/api/v1/brokers/zerodha/session", userID, map[string]string{"code": "req-token"})
	if w.Code != http.StatusOK {
		t.Fatalf("login: %d %s", w.Code, w.Body.String())
	}
}

func TestHealthAndMetricsNeedNoAuth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("/healthz = %d", w.Code)
	}
	var health struct {
		Status   string            `json:"status"`
		Breakers []json.RawMessage `json:"breakers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil || health.Status != "ok" {
		t.Errorf("health = %s (%v)", w.Body.String(), err)
	}
	if w := ts.do(t, http.MethodGet, "/metrics", "", nil); w.Code != http.StatusOK {
		t.Errorf("/metrics = %d", w.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	ts := newTestServer(t)

	if w := ts.do(t, http.MethodGet, "/api/v1/orders", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	other, _ := IssueToken("alice", "another-secret", time.Hour)
	req.Header.Set("Authorization", "Bearer "+other)
	w := httptest.NewRecorder()
	ts.srv.Router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized || decode(t, w)["code"] != "INVALID_TOKEN" {
		t.Errorf("wrong secret = %d %s", w.Code, w.Body.String())
	}

	expired, _ := IssueToken("alice", testSecret, -time.Minute)
	req = httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	w = httptest.NewRecorder()
	ts.srv.Router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expired token = %d", w.Code)
	}
}

func TestCredentialLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ts.link(t, "alice")

	w := ts.do(t, http.MethodGet, "/api/v1/credentials", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "kiteapikey123") || strings.Contains(w.Body.String(), "kitesecret") {
		t.Errorf("status leaks secrets: %s", w.Body.String())
	}
	list := decode(t, w)["credentials"].([]interface{})
	if len(list) != 1 || list[0].(map[string]interface{})["status"] != "active" {
		t.Errorf("credentials = %v", list)
	}

	if w := ts.do(t, http.MethodDelete, "/api/v1/brokers/zerodha/session", "alice", nil); w.Code != http.StatusNoContent {
		t.Errorf("logout = %d", w.Code)
	}
	w = ts.do(t, http.MethodGet, "/api/v1/orders", "alice", nil)
	if w.Code != http.StatusUnauthorized || decode(t, w)["code"] != gwerrors.KindReauthRequired.String() {
		t.Errorf("orders after logout = %d %s", w.Code, w.Body.String())
	}

	audit := ts.audit.String()
	for _, ev := range []string{"CREDENTIALS_SAVED", "LOGIN", "LOGOUT"} {
		if !strings.Contains(audit, ev) {
			t.Errorf("audit trail missing %s", ev)
		}
	}
}

func TestPlaceOrder(t *testing.T) {
	ts := newTestServer(t)
	ts.link(t, "alice")

	w := ts.do(t, http.MethodPost, "/api/v1/orders", "alice", map[string]interface{}{
		"symbol": "SBIN", "exchange": "NSE", "side": "BUY", "order_type": "LIMIT",
		"product": "DELIVERY", "quantity": 5, "price": 810.0,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("place: %d %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["broker"] != "zerodha" || body["order"].(map[string]interface{})["order_id"] != "ord-1" {
		t.Errorf("response = %v", body)
	}
	if ts.fake.LastToken().Token != "access-req-token" {
		t.Errorf("adapter token = %+v", ts.fake.LastToken())
	}
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/v1/positions", "bob", nil)
	if w.Code != http.StatusPreconditionFailed || decode(t, w)["code"] != "NotConfigured" {
		t.Errorf("no credentials = %d %s", w.Code, w.Body.String())
	}

	ts.link(t, "bob")
	w = ts.do(t, http.MethodGet, "/api/v1/quote?symbol=NSE:NOPE", "bob", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown symbol = %d %s", w.Code, w.Body.String())
	}
	w = ts.do(t, http.MethodPost, "/api/v1/orders", "bob", map[string]interface{}{"symbol": "SBIN", "quantity": -1})
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid order = %d %s", w.Code, w.Body.String())
	}
	w = ts.do(t, http.MethodGet, "/api/v1/orders?broker=robinhood", "bob", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown broker = %d", w.Code)
	}

	ts.fake.PositionsFunc = func(context.Context, models.AccessToken) ([]models.Position, error) {
		return nil, gwerrors.Rejected("zerodha", "positions", "InputException", "bad segment")
	}
	w = ts.do(t, http.MethodGet, "/api/v1/positions", "bob", nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("rejected = %d %s", w.Code, w.Body.String())
	}
}

type sseEvent struct {
	name string
	data map[string]interface{}
}

func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.name != "" {
				return ev
			}
		case strings.HasPrefix(line, "event:"):
			ev.name = strings.TrimPrefix(line, "event:")
		case strings.HasPrefix(line, "data:"):
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &ev.data); err != nil {
				t.Fatalf("bad data line %q: %v", line, err)
			}
		}
	}
}

func TestStreamDeliversTicksAndUnsubscribesOnDisconnect(t *testing.T) {
	ts := newTestServer(t)
	ts.link(t, "alice")
	hs := httptest.NewServer(ts.srv.Router)
	defer hs.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, hs.URL+"/api/v1/stream?symbols=SBIN", nil)
	req.Header.Set("Authorization", bearer(t, "alice"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("stream = %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	r := bufio.NewReader(resp.Body)
	if ev := readEvent(t, r); ev.name != "connected" || ev.data["type"] != "connected" {
		t.Fatalf("first event = %+v", ev)
	}

	var conn *brokertest.Conn
	select {
	case conn = <-ts.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("no upstream dial")
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(conn.Subscribed()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	conn.Emit(models.Tick{InstrumentToken: "779521", LastPrice: 815.25, Volume: 1200, Timestamp: time.Now()})

	ev := readEvent(t, r)
	if ev.name != "tick" || ev.data["symbol"] != "NSE:SBIN" || ev.data["ltp"] != 815.25 {
		t.Errorf("tick event = %+v", ev)
	}

	cancel()
	deadline = time.Now().Add(2 * time.Second)
	for ts.hub.GetMetrics().Subscribers != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := ts.hub.GetMetrics().Subscribers; n != 0 {
		t.Errorf("subscribers after disconnect = %d", n)
	}
}

func TestStreamRejectsBadParameters(t *testing.T) {
	ts := newTestServer(t)
	ts.link(t, "alice")
	if w := ts.do(t, http.MethodGet, "/api/v1/stream", "alice", nil); w.Code != http.StatusBadRequest {
		t.Errorf("no symbols = %d", w.Code)
	}
	if w := ts.do(t, http.MethodGet, "/api/v1/stream?symbols=SBIN&interval=soon", "alice", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad interval = %d", w.Code)
	}
}
