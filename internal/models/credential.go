package models

import "time"

// CredentialStatus tells whether a broker session may be used.
type CredentialStatus string

const (
	StatusInactive CredentialStatus = "inactive"
	StatusActive   CredentialStatus = "active"
)

// Credential is the per-user, per-broker record held by the credential store.
type Credential struct {
	UserID               string           `json:"user_id"`
	BrokerID             BrokerID         `json:"broker_id"`
	APIKey               string           `json:"api_key"`
	APISecret            string           `json:"api_secret"`
	ClientCode           string           `json:"client_code,omitempty"`
	AccessToken          string           `json:"access_token,omitempty"`
	RefreshToken         string           `json:"refresh_token,omitempty"`
	FeedToken            string           `json:"feed_token,omitempty"`
	PIN                  string           `json:"pin,omitempty"`
	TOTPSecret           string           `json:"totp_secret,omitempty"`
	Status               CredentialStatus `json:"status"`
	LastAuthenticatedAt  time.Time        `json:"last_authenticated_at"`
	AccessTokenExpiresAt *time.Time       `json:"access_token_expires_at,omitempty"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// Active reports whether the credential carries a usable session.
func (c *Credential) Active() bool {
	return c.Status == StatusActive && c.AccessToken != ""
}

// AccessToken is what adapters need to make an authenticated call.
type AccessToken struct {
	BrokerID   BrokerID
	UserID     string
	APIKey     string
	ClientCode string
	Token      string
	FeedToken  string
	ExpiresAt  time.Time
}

// TokenFrom builds an AccessToken from a credential.
func TokenFrom(c *Credential, expiresAt time.Time) AccessToken {
	return AccessToken{
		BrokerID:   c.BrokerID,
		UserID:     c.UserID,
		APIKey:     c.APIKey,
		ClientCode: c.ClientCode,
		Token:      c.AccessToken,
		FeedToken:  c.FeedToken,
		ExpiresAt:  expiresAt,
	}
}

// AuthRequest carries user-supplied material for an authentication flow.
type AuthRequest struct {
	Code string `json:"code,omitempty"` // request_token / auth_code
	PIN  string `json:"pin,omitempty"`
	TOTP string `json:"totp,omitempty"`
}

// AuthResult is returned by a successful login or refresh.
type AuthResult struct {
	AccessToken  string
	RefreshToken string
	FeedToken    string
	ExpiresAt    *time.Time
}

// CredentialSummary is a secret-free view of a credential.
type CredentialSummary struct {
	BrokerID            BrokerID         `json:"broker"`
	Status              CredentialStatus `json:"status"`
	APIKey              string           `json:"api_key"`
	LastAuthenticatedAt time.Time        `json:"last_authenticated_at,omitempty"`
	ExpiresAt           *time.Time       `json:"expires_at,omitempty"`
	HasRefreshToken     bool             `json:"has_refresh_token"`
}
