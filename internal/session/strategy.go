// Package session decides whether a broker access token is still usable
// and renews it when the broker allows.
package session

import (
	"fmt"
	"time"

	"broker-gateway/internal/config"
	"broker-gateway/internal/models"
	"broker-gateway/pkg/utils"
)

// Strategy is a broker's access token expiry model.
type Strategy interface {
	// ExpiresAt returns when the credential's access token stops working.
	ExpiresAt(cred *models.Credential) time.Time
	// Refreshable reports whether an expiring token can be renewed without
	// the user.
	Refreshable() bool
	Name() string
}

// FixedDuration sessions last a fixed time from the last login.
type FixedDuration struct {
	Duration time.Duration
}

func (s FixedDuration) ExpiresAt(cred *models.Credential) time.Time {
	return cred.LastAuthenticatedAt.Add(s.Duration)
}

func (FixedDuration) Refreshable() bool { return false }
func (FixedDuration) Name() string      { return config.ExpiryFixedDuration }

// EndOfDay sessions end at the first midnight, exchange time, after the
// last login.
type EndOfDay struct {
	Location *time.Location
}

func (s EndOfDay) ExpiresAt(cred *models.Credential) time.Time {
	return utils.NextMidnight(cred.LastAuthenticatedAt, s.loc())
}

func (s EndOfDay) loc() *time.Location {
	if s.Location == nil {
		return utils.IndiaLocation
	}
	return s.Location
}

func (EndOfDay) Refreshable() bool { return false }
func (EndOfDay) Name() string      { return config.ExpiryEndOfDay }

// RefreshToken sessions carry an explicit expiry and a refresh token. A
// credential with no recorded expiry is treated as an end-of-day session.
type RefreshToken struct {
	Location *time.Location
}

func (s RefreshToken) ExpiresAt(cred *models.Credential) time.Time {
	if cred.AccessTokenExpiresAt != nil {
		return *cred.AccessTokenExpiresAt
	}
	return EndOfDay{Location: s.Location}.ExpiresAt(cred)
}

func (RefreshToken) Refreshable() bool { return true }
func (RefreshToken) Name() string      { return config.ExpiryRefreshToken }

// StrategyFor builds the strategy named by a broker's expiry_model.
func StrategyFor(bc config.BrokerConfig, loc *time.Location) (Strategy, error) {
	switch bc.ExpiryModel {
	case config.ExpiryFixedDuration:
		if bc.SessionDuration <= 0 {
			return nil, fmt.Errorf("%s requires a positive session_duration", config.ExpiryFixedDuration)
		}
		return FixedDuration{Duration: bc.SessionDuration}, nil
	case config.ExpiryEndOfDay, "":
		return EndOfDay{Location: loc}, nil
	case config.ExpiryRefreshToken:
		return RefreshToken{Location: loc}, nil
	default:
		return nil, fmt.Errorf("unknown expiry model %q", bc.ExpiryModel)
	}
}
