package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"broker-gateway/internal/broker"
	"broker-gateway/internal/config"
	"broker-gateway/internal/credcache"
	gwerrors "broker-gateway/internal/errors"
	"broker-gateway/internal/logging"
	"broker-gateway/internal/metrics"
	"broker-gateway/internal/models"
	"broker-gateway/internal/security"
	"broker-gateway/pkg/utils"
)

// Config holds token lifecycle settings.
type Config struct {
	// RefreshMargin renews refreshable tokens this long before they expire.
	RefreshMargin time.Duration
	// RefreshTimeout bounds one upstream refresh call.
	RefreshTimeout time.Duration
	Location       *time.Location
	Strategies     map[models.BrokerID]Strategy
}

// ConfigFrom builds the session configuration from the application config.
func ConfigFrom(cfg *config.Config) (Config, error) {
	loc := utils.LoadLocation(cfg.Session.Timezone)
	out := Config{
		RefreshMargin:  cfg.Session.RefreshMargin,
		RefreshTimeout: cfg.Session.RefreshTimeout,
		Location:       loc,
		Strategies:     make(map[models.BrokerID]Strategy),
	}
	for _, id := range cfg.EnabledBrokers() {
		bc, _ := cfg.Broker(id)
		s, err := StrategyFor(bc, loc)
		if err != nil {
			return Config{}, fmt.Errorf("broker %s: %w", id, err)
		}
		out.Strategies[id] = s
	}
	return out, nil
}

// Manager hands out access tokens that are valid at the time of the call.
type Manager struct {
	cache    *credcache.Cache
	registry *broker.Registry
	cfg      Config
	now      func() time.Time
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	refreshes singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics records refreshes to mt.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates a token lifecycle manager.
func NewManager(cache *credcache.Cache, reg *broker.Registry, cfg Config, opts ...Option) *Manager {
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 15 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = utils.IndiaLocation
	}
	m := &Manager{
		cache:    cache,
		registry: reg,
		cfg:      cfg,
		now:      time.Now,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) strategy(id models.BrokerID) Strategy {
	if s, ok := m.cfg.Strategies[id]; ok {
		return s
	}
	return EndOfDay{Location: m.cfg.Location}
}

// EnsureValidToken returns a token that is valid now. Refreshable tokens
// inside the refresh margin are renewed first; everything else that has
// expired yields ReauthRequired.
func (m *Manager) EnsureValidToken(ctx context.Context, userID string, id models.BrokerID) (models.AccessToken, error) {
	cred, err := m.cache.Get(ctx, userID, id)
	if err != nil {
		return models.AccessToken{}, err
	}
	if !cred.Active() {
		return models.AccessToken{}, gwerrors.Reauth(string(id), "no active session, log in again", nil)
	}

	strat := m.strategy(id)
	expiresAt := strat.ExpiresAt(cred)
	now := m.now()

	if strat.Refreshable() {
		if now.Before(expiresAt.Add(-m.cfg.RefreshMargin)) {
			return models.TokenFrom(cred, expiresAt), nil
		}
		return m.refresh(ctx, userID, id)
	}

	if now.Before(expiresAt) {
		return models.TokenFrom(cred, expiresAt), nil
	}
	m.MarkInactive(ctx, userID, id, "session expired")
	return models.AccessToken{}, gwerrors.Reauth(string(id),
		fmt.Sprintf("%s session expired at %s", strat.Name(), expiresAt.Format(time.RFC3339)), nil)
}

// refresh renews one key's token. Concurrent callers share one upstream
// call. The flight is detached from the first caller's cancellation so
// that the others are not failed by it.
func (m *Manager) refresh(ctx context.Context, userID string, id models.BrokerID) (models.AccessToken, error) {
	key := userID + "|" + string(id)
	ch := m.refreshes.DoChan(key, func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.RefreshTimeout)
		defer cancel()
		return m.doRefresh(rctx, userID, id)
	})

	select {
	case <-ctx.Done():
		return models.AccessToken{}, gwerrors.Unreachable(string(id), "refresh", ctx.Err(), false)
	case res := <-ch:
		if res.Err != nil {
			return models.AccessToken{}, res.Err
		}
		return res.Val.(models.AccessToken), nil
	}
}

func (m *Manager) doRefresh(ctx context.Context, userID string, id models.BrokerID) (models.AccessToken, error) {
	logger := logging.WithBroker(m.logger, userID, string(id))

	// A flight that finished just before this one may already have
	// renewed the token.
	cred, err := m.cache.Get(ctx, userID, id)
	if err != nil {
		return models.AccessToken{}, err
	}
	strat := m.strategy(id)
	if exp := strat.ExpiresAt(cred); cred.Active() && m.now().Before(exp.Add(-m.cfg.RefreshMargin)) {
		return models.TokenFrom(cred, exp), nil
	}

	refresher, ok := m.registry.Refresher(id)
	if !ok || cred.RefreshToken == "" {
		m.MarkInactive(ctx, userID, id, "token expired and cannot be refreshed")
		return models.AccessToken{}, gwerrors.Reauth(string(id), "token expired and cannot be refreshed", nil)
	}

	start := m.now()
	res, err := refresher.Refresh(ctx, cred)
	if err != nil {
		m.metrics.TokenRefresh(string(id), "failed")
		logger.Warn().Err(err).Msg("Token refresh failed, session marked inactive")
		m.MarkInactive(ctx, userID, id, "token refresh failed")
		return models.AccessToken{}, gwerrors.Reauth(string(id), "token refresh failed, log in again", err)
	}
	m.metrics.TokenRefresh(string(id), "ok")

	m.apply(cred, res)
	if err := m.cache.Save(ctx, cred); err != nil {
		logger.Error().Err(err).Msg("Failed to persist refreshed token")
	}
	exp := strat.ExpiresAt(cred)
	logger.Info().
		Dur("took", m.now().Sub(start)).
		Time("expires_at", exp).
		Str("token", security.MaskCredential(cred.AccessToken)).
		Msg("Access token refreshed")
	return models.TokenFrom(cred, exp), nil
}

// apply copies a login or refresh result onto cred and activates it.
func (m *Manager) apply(cred *models.Credential, res *models.AuthResult) {
	cred.AccessToken = res.AccessToken
	if res.RefreshToken != "" {
		cred.RefreshToken = res.RefreshToken
	}
	if res.FeedToken != "" {
		cred.FeedToken = res.FeedToken
	}
	cred.AccessTokenExpiresAt = res.ExpiresAt
	cred.LastAuthenticatedAt = m.now().UTC()
	cred.Status = models.StatusActive
}

// SaveCredentials stores new API credentials. Any existing session is
// discarded; the user must log in again.
func (m *Manager) SaveCredentials(ctx context.Context, cred *models.Credential) error {
	if cred.UserID == "" {
		return gwerrors.New(gwerrors.KindBadRequest, "user id is required")
	}
	if _, ok := models.ParseBrokerID(string(cred.BrokerID)); !ok {
		return gwerrors.Newf(gwerrors.KindBadRequest, "unknown broker %q", cred.BrokerID)
	}
	if cred.APIKey == "" {
		return gwerrors.New(gwerrors.KindBadRequest, "api key is required")
	}

	cred.AccessToken = ""
	cred.RefreshToken = ""
	cred.FeedToken = ""
	cred.AccessTokenExpiresAt = nil
	cred.LastAuthenticatedAt = time.Time{}
	cred.Status = models.StatusInactive
	if err := m.cache.Save(ctx, cred); err != nil {
		return err
	}
	m.logger.Info().
		Str("user", cred.UserID).
		Str("broker", string(cred.BrokerID)).
		Str("api_key", security.MaskCredential(cred.APIKey)).
		Msg("Broker credentials saved")
	return nil
}

// Authenticate completes a broker login and activates the credential.
func (m *Manager) Authenticate(ctx context.Context, userID string, id models.BrokerID, req models.AuthRequest) (*models.CredentialSummary, error) {
	cred, err := m.cache.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	auth, ok := m.registry.Authenticator(id)
	if !ok {
		return nil, gwerrors.NotConfigured(string(id), "broker is not enabled")
	}

	res, err := auth.Authenticate(ctx, cred, req)
	if err != nil {
		m.logger.Warn().Err(err).Str("user", userID).Str("broker", string(id)).Msg("Broker login failed")
		return nil, err
	}
	if req.PIN != "" {
		cred.PIN = req.PIN
	}
	m.apply(cred, res)
	if err := m.cache.Save(ctx, cred); err != nil {
		return nil, err
	}
	m.logger.Info().Str("user", userID).Str("broker", string(id)).Msg("Broker session established")
	s := m.summary(cred)
	return &s, nil
}

// Logout ends the broker session and clears its tokens.
func (m *Manager) Logout(ctx context.Context, userID string, id models.BrokerID) error {
	cred, err := m.cache.Get(ctx, userID, id)
	if err != nil {
		return err
	}
	cred.AccessToken = ""
	cred.RefreshToken = ""
	cred.FeedToken = ""
	cred.AccessTokenExpiresAt = nil
	cred.Status = models.StatusInactive
	return m.cache.Save(ctx, cred)
}

// MarkInactive records that the broker no longer accepts the session. It
// is best effort; failures are logged.
func (m *Manager) MarkInactive(ctx context.Context, userID string, id models.BrokerID, reason string) {
	cred, err := m.cache.Get(ctx, userID, id)
	if err != nil || cred.Status == models.StatusInactive {
		return
	}
	cred.Status = models.StatusInactive
	if err := m.cache.Save(ctx, cred); err != nil {
		m.logger.Error().Err(err).Str("user", userID).Str("broker", string(id)).Msg("Failed to mark session inactive")
		return
	}
	m.logger.Info().Str("user", userID).Str("broker", string(id)).Str("reason", reason).Msg("Session marked inactive")
}

// DeleteCredentials removes the stored credential.
func (m *Manager) DeleteCredentials(ctx context.Context, userID string, id models.BrokerID) error {
	return m.cache.Delete(ctx, userID, id)
}

// Status lists the user's credentials without secrets.
func (m *Manager) Status(ctx context.Context, userID string) ([]models.CredentialSummary, error) {
	creds, err := m.cache.List(ctx, userID)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindNotConfigured, err, "credential store unavailable")
	}
	out := make([]models.CredentialSummary, 0, len(creds))
	for i := range creds {
		out = append(out, m.summary(&creds[i]))
	}
	return out, nil
}

// ConfiguredBrokers returns the brokers the user has credentials for and
// which of them hold an active session.
func (m *Manager) ConfiguredBrokers(ctx context.Context, userID string) (configured, active []models.BrokerID, err error) {
	creds, err := m.cache.List(ctx, userID)
	if err != nil {
		return nil, nil, gwerrors.Wrap(gwerrors.KindNotConfigured, err, "credential store unavailable")
	}
	for i := range creds {
		configured = append(configured, creds[i].BrokerID)
		if creds[i].Active() {
			active = append(active, creds[i].BrokerID)
		}
	}
	return configured, active, nil
}

func (m *Manager) summary(cred *models.Credential) models.CredentialSummary {
	s := models.CredentialSummary{
		BrokerID:            cred.BrokerID,
		Status:              cred.Status,
		APIKey:              security.MaskCredential(cred.APIKey),
		LastAuthenticatedAt: cred.LastAuthenticatedAt,
		HasRefreshToken:     cred.RefreshToken != "",
	}
	if cred.Active() {
		exp := m.strategy(cred.BrokerID).ExpiresAt(cred)
		s.ExpiresAt = &exp
		if !m.now().Before(exp) && !m.strategy(cred.BrokerID).Refreshable() {
			s.Status = models.StatusInactive
		}
	}
	return s
}

// IsReauth reports whether err requires the user to log in again.
func IsReauth(err error) bool {
	return errors.Is(err, gwerrors.ErrReauthRequired)
}
