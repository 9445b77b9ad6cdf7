package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"broker-gateway/internal/broker"
	"broker-gateway/internal/broker/brokertest"
	"broker-gateway/internal/config"
	"broker-gateway/internal/credcache"
	gwerrors "broker-gateway/internal/errors"
	"broker-gateway/internal/models"
	"broker-gateway/internal/store"
	"broker-gateway/pkg/utils"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// 10:00 IST on a trading day.
var loginAt = time.Date(2025, 6, 12, 4, 30, 0, 0, time.UTC)

type harness struct {
	mgr   *Manager
	store *store.MemoryStore
	clock *fakeClock
	fake  *brokertest.Fake
}

func newHarness(t *testing.T, id models.BrokerID, strat Strategy) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	clock := &fakeClock{now: loginAt}
	cache := credcache.New(st, credcache.Config{TTL: 5 * time.Minute}, credcache.WithClock(clock.Now))
	fake := brokertest.NewFake(id)
	mgr := NewManager(cache, broker.NewRegistry(fake), Config{
		RefreshMargin:  2 * time.Minute,
		RefreshTimeout: time.Second,
		Strategies:     map[models.BrokerID]Strategy{id: strat},
	}, WithClock(clock.Now))
	return &harness{mgr: mgr, store: st, clock: clock, fake: fake}
}

func (h *harness) seed(t *testing.T, cred *models.Credential) {
	t.Helper()
	if err := h.store.Put(context.Background(), cred); err != nil {
		t.Fatal(err)
	}
}

func activeCred(id models.BrokerID) *models.Credential {
	return &models.Credential{
		UserID:              "alice",
		BrokerID:            id,
		APIKey:              "api-key-123",
		APISecret:           "secret",
		AccessToken:         "tok-1",
		RefreshToken:        "rt-1",
		Status:              models.StatusActive,
		LastAuthenticatedAt: loginAt,
	}
}

func TestEnsureValidToken_FixedDuration(t *testing.T) {
	h := newHarness(t, models.BrokerAngelOne, FixedDuration{Duration: 6 * time.Hour})
	h.seed(t, activeCred(models.BrokerAngelOne))
	ctx := context.Background()

	h.clock.Set(loginAt.Add(5*time.Hour + 59*time.Minute))
	tok, err := h.mgr.EnsureValidToken(ctx, "alice", models.BrokerAngelOne)
	if err != nil {
		t.Fatalf("token inside the window: %v", err)
	}
	if tok.Token != "tok-1" || !tok.ExpiresAt.Equal(loginAt.Add(6*time.Hour)) {
		t.Errorf("token = %+v", tok)
	}

	h.clock.Set(loginAt.Add(6*time.Hour + time.Second))
	if _, err := h.mgr.EnsureValidToken(ctx, "alice", models.BrokerAngelOne); !errors.Is(err, gwerrors.ErrReauthRequired) {
		t.Fatalf("expired token: got %v", err)
	}
	if h.fake.Calls("refresh") != 0 {
		t.Error("fixed-duration session was refreshed")
	}
	stored, _ := h.store.Get(ctx, "alice", models.BrokerAngelOne)
	if stored.Status != models.StatusInactive {
		t.Errorf("expired session still %s", stored.Status)
	}
}

func TestEnsureValidToken_EndOfDay(t *testing.T) {
	h := newHarness(t, models.BrokerZerodha, EndOfDay{Location: utils.IndiaLocation})
	h.seed(t, activeCred(models.BrokerZerodha))
	ctx := context.Background()

	// 23:59 IST the same day.
	h.clock.Set(time.Date(2025, 6, 12, 18, 29, 0, 0, time.UTC))
	tok, err := h.mgr.EnsureValidToken(ctx, "alice", models.BrokerZerodha)
	if err != nil {
		t.Fatalf("before midnight: %v", err)
	}
	midnight := time.Date(2025, 6, 13, 0, 0, 0, 0, utils.IndiaLocation)
	if !tok.ExpiresAt.Equal(midnight) {
		t.Errorf("expires at %v, want %v", tok.ExpiresAt, midnight)
	}

	h.clock.Set(midnight.Add(time.Minute))
	if _, err := h.mgr.EnsureValidToken(ctx, "alice", models.BrokerZerodha); !errors.Is(err, gwerrors.ErrReauthRequired) {
		t.Errorf("after midnight: got %v", err)
	}
}

func TestEnsureValidToken_ConcurrentCallersShareOneRefresh(t *testing.T) {
	h := newHarness(t, models.BrokerFyers, RefreshToken{})
	cred := activeCred(models.BrokerFyers)
	exp := loginAt.Add(time.Hour)
	cred.AccessTokenExpiresAt = &exp
	h.seed(t, cred)

	release := make(chan struct{})
	h.fake.RefreshFunc = func(ctx context.Context, c *models.Credential) (*models.AuthResult, error) {
		<-release
		next := exp.Add(24 * time.Hour)
		return &models.AuthResult{AccessToken: "tok-2", RefreshToken: "rt-2", ExpiresAt: &next}, nil
	}

	// Inside the two minute margin.
	h.clock.Set(exp.Add(-time.Minute))

	const callers = 20
	var wg sync.WaitGroup
	tokens := make([]models.AccessToken, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = h.mgr.EnsureValidToken(context.Background(), "alice", models.BrokerFyers)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := h.fake.Calls("refresh"); n != 1 {
		t.Errorf("refresh called %d times, want 1", n)
	}
	for i := range tokens {
		if errs[i] != nil || tokens[i].Token != "tok-2" {
			t.Errorf("caller %d got %+v, %v", i, tokens[i], errs[i])
		}
	}
	stored, _ := h.store.Get(context.Background(), "alice", models.BrokerFyers)
	if stored.AccessToken != "tok-2" || stored.RefreshToken != "rt-2" || !stored.LastAuthenticatedAt.Equal(exp.Add(-time.Minute)) {
		t.Errorf("refresh not persisted: %+v", stored)
	}
}

func TestEnsureValidToken_RefreshFailureRequiresReauth(t *testing.T) {
	h := newHarness(t, models.BrokerFyers, RefreshToken{})
	cred := activeCred(models.BrokerFyers)
	exp := loginAt.Add(time.Hour)
	cred.AccessTokenExpiresAt = &exp
	h.seed(t, cred)

	h.fake.RefreshFunc = func(context.Context, *models.Credential) (*models.AuthResult, error) {
		return nil, gwerrors.Rejected("fyers", "refresh", "-501", "invalid refresh token")
	}
	h.clock.Set(exp.Add(time.Second))

	ctx := context.Background()
	tok, err := h.mgr.EnsureValidToken(ctx, "alice", models.BrokerFyers)
	if !errors.Is(err, gwerrors.ErrReauthRequired) {
		t.Fatalf("got %v", err)
	}
	if tok.Token != "" {
		t.Error("known-bad token returned alongside the error")
	}
	stored, _ := h.store.Get(ctx, "alice", models.BrokerFyers)
	if stored.Status != models.StatusInactive {
		t.Errorf("status = %s, want inactive", stored.Status)
	}

	// Inactive sessions fail fast without another upstream attempt.
	if _, err := h.mgr.EnsureValidToken(ctx, "alice", models.BrokerFyers); !errors.Is(err, gwerrors.ErrReauthRequired) {
		t.Errorf("second call: %v", err)
	}
	if n := h.fake.Calls("refresh"); n != 1 {
		t.Errorf("refresh called %d times", n)
	}
}

func TestEnsureValidToken_RefreshOutlivesCallerCancel(t *testing.T) {
	h := newHarness(t, models.BrokerFyers, RefreshToken{})
	cred := activeCred(models.BrokerFyers)
	exp := loginAt.Add(time.Minute)
	cred.AccessTokenExpiresAt = &exp
	h.seed(t, cred)

	started := make(chan struct{})
	release := make(chan struct{})
	h.fake.RefreshFunc = func(ctx context.Context, c *models.Credential) (*models.AuthResult, error) {
		close(started)
		<-release
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		next := exp.Add(time.Hour)
		return &models.AuthResult{AccessToken: "tok-2", ExpiresAt: &next}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := h.mgr.EnsureValidToken(ctx, "alice", models.BrokerFyers)
		first <- err
	}()
	<-started
	cancel()
	if err := <-first; err == nil {
		t.Error("cancelled caller got a token")
	}

	second := make(chan models.AccessToken, 1)
	go func() {
		tok, _ := h.mgr.EnsureValidToken(context.Background(), "alice", models.BrokerFyers)
		second <- tok
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	if tok := <-second; tok.Token != "tok-2" {
		t.Errorf("waiting caller got %+v", tok)
	}
	if n := h.fake.Calls("refresh"); n != 1 {
		t.Errorf("refresh called %d times", n)
	}
}

func TestEnsureValidToken_MissingAndInactive(t *testing.T) {
	h := newHarness(t, models.BrokerZerodha, EndOfDay{})
	ctx := context.Background()
	if _, err := h.mgr.EnsureValidToken(ctx, "alice", models.BrokerZerodha); !errors.Is(err, gwerrors.ErrNotConfigured) {
		t.Errorf("missing credential: got %v", err)
	}

	cred := activeCred(models.BrokerZerodha)
	cred.Status = models.StatusInactive
	h.seed(t, cred)
	h.mgr.cache.Invalidate("alice", models.BrokerZerodha)
	if _, err := h.mgr.EnsureValidToken(ctx, "alice", models.BrokerZerodha); !errors.Is(err, gwerrors.ErrReauthRequired) {
		t.Errorf("inactive credential: got %v", err)
	}
}

func TestAuthenticateAndLogout(t *testing.T) {
	h := newHarness(t, models.BrokerZerodha, EndOfDay{Location: utils.IndiaLocation})
	ctx := context.Background()

	err := h.mgr.SaveCredentials(ctx, &models.Credential{UserID: "alice", BrokerID: models.BrokerZerodha, APIKey: "kite-key-0001", APISecret: "s"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.mgr.EnsureValidToken(ctx, "alice", models.BrokerZerodha); !errors.Is(err, gwerrors.ErrReauthRequired) {
		t.Fatalf("fresh credentials usable before login: %v", err)
	}

	summary, err := h.mgr.Authenticate(ctx, "alice", models.BrokerZerodha, models.AuthRequest{Code: "req-tok"})
	if err != nil {
		t.Fatal(err)
	}
	if summary.Status != models.StatusActive || summary.APIKey == "kite-key-0001" || summary.ExpiresAt == nil {
		t.Errorf("summary = %+v", summary)
	}

	// The cache must not serve the pre-login record.
	tok, err := h.mgr.EnsureValidToken(ctx, "alice", models.BrokerZerodha)
	if err != nil || tok.Token != "access-req-tok" {
		t.Fatalf("after login: %+v, %v", tok, err)
	}

	if err := h.mgr.Logout(ctx, "alice", models.BrokerZerodha); err != nil {
		t.Fatal(err)
	}
	if _, err := h.mgr.EnsureValidToken(ctx, "alice", models.BrokerZerodha); !errors.Is(err, gwerrors.ErrReauthRequired) {
		t.Errorf("after logout: %v", err)
	}
	stored, _ := h.store.Get(ctx, "alice", models.BrokerZerodha)
	if stored.AccessToken != "" || stored.RefreshToken != "" {
		t.Error("logout kept tokens")
	}
}

func TestAuthenticate_RejectedLoginLeavesCredentialInactive(t *testing.T) {
	h := newHarness(t, models.BrokerAngelOne, FixedDuration{Duration: 6 * time.Hour})
	ctx := context.Background()
	h.mgr.SaveCredentials(ctx, &models.Credential{UserID: "alice", BrokerID: models.BrokerAngelOne, APIKey: "k", ClientCode: "A1"})
	h.fake.AuthFunc = func(context.Context, *models.Credential, models.AuthRequest) (*models.AuthResult, error) {
		return nil, gwerrors.New(gwerrors.KindInvalidCredentials, "invalid totp")
	}

	if _, err := h.mgr.Authenticate(ctx, "alice", models.BrokerAngelOne, models.AuthRequest{PIN: "1234"}); !errors.Is(err, gwerrors.ErrInvalidCredentials) {
		t.Fatalf("got %v", err)
	}
	stored, _ := h.store.Get(ctx, "alice", models.BrokerAngelOne)
	if stored.Status != models.StatusInactive || stored.PIN != "" {
		t.Errorf("failed login changed the credential: %+v", stored)
	}
}

func TestSaveCredentials_Validation(t *testing.T) {
	h := newHarness(t, models.BrokerZerodha, EndOfDay{})
	ctx := context.Background()
	bad := []*models.Credential{
		{BrokerID: models.BrokerZerodha, APIKey: "k"},
		{UserID: "alice", BrokerID: "upstox", APIKey: "k"},
		{UserID: "alice", BrokerID: models.BrokerZerodha},
	}
	for i, c := range bad {
		if err := h.mgr.SaveCredentials(ctx, c); !errors.Is(err, gwerrors.ErrBadRequest) {
			t.Errorf("case %d: got %v", i, err)
		}
	}
}

func TestStatusAndConfiguredBrokers(t *testing.T) {
	h := newHarness(t, models.BrokerZerodha, EndOfDay{Location: utils.IndiaLocation})
	ctx := context.Background()
	h.seed(t, activeCred(models.BrokerZerodha))
	inactive := activeCred(models.BrokerFyers)
	inactive.Status = models.StatusInactive
	h.seed(t, inactive)

	list, err := h.mgr.Status(ctx, "alice")
	if err != nil || len(list) != 2 {
		t.Fatalf("Status = %+v, %v", list, err)
	}
	for _, s := range list {
		if s.APIKey == "api-key-123" {
			t.Error("api key not masked")
		}
	}

	configured, active, err := h.mgr.ConfiguredBrokers(ctx, "alice")
	if err != nil || len(configured) != 2 || len(active) != 1 || active[0] != models.BrokerZerodha {
		t.Errorf("ConfiguredBrokers = %v %v %v", configured, active, err)
	}
}

func TestStrategyFor(t *testing.T) {
	loc := utils.IndiaLocation
	if _, err := StrategyFor(config.BrokerConfig{ExpiryModel: config.ExpiryFixedDuration}, loc); err == nil {
		t.Error("fixed duration without a duration accepted")
	}
	if _, err := StrategyFor(config.BrokerConfig{ExpiryModel: "weekly"}, loc); err == nil {
		t.Error("unknown model accepted")
	}
	s, err := StrategyFor(config.BrokerConfig{ExpiryModel: config.ExpiryRefreshToken}, loc)
	if err != nil || !s.Refreshable() {
		t.Errorf("refresh_token strategy = %v, %v", s, err)
	}

	// Without a recorded expiry a refresh-token session ends at midnight.
	cred := activeCred(models.BrokerFyers)
	if got := s.ExpiresAt(cred); !got.Equal(time.Date(2025, 6, 13, 0, 0, 0, 0, loc)) {
		t.Errorf("fallback expiry = %v", got)
	}
}
