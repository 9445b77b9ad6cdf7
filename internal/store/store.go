// Package store provides credential and instrument persistence.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"broker-gateway/internal/models"
	"broker-gateway/internal/security"
)

// ErrNotFound is returned when no record exists for a key.
var ErrNotFound = errors.New("record not found")

// CredentialStore persists per-user, per-broker credentials. Implementations
// encrypt records at rest and provide read-your-writes after Put.
type CredentialStore interface {
	Get(ctx context.Context, userID string, broker models.BrokerID) (*models.Credential, error)
	Put(ctx context.Context, cred *models.Credential) error
	Delete(ctx context.Context, userID string, broker models.BrokerID) error
	List(ctx context.Context, userID string) ([]models.Credential, error)
	Close() error
}

// InstrumentStore persists symbol master snapshots for warm starts.
type InstrumentStore interface {
	SaveInstruments(ctx context.Context, broker models.BrokerID, instruments []models.Instrument) error
	LoadInstruments(ctx context.Context, broker models.BrokerID) ([]models.Instrument, time.Time, error)
}

func recordAAD(userID string, broker models.BrokerID) string {
	return userID + "|" + string(broker)
}

func sealCredential(c *security.Cipher, cred *models.Credential) (string, error) {
	data, err := json.Marshal(cred)
	if err != nil {
		return "", fmt.Errorf("marshaling credential: %w", err)
	}
	return c.Encrypt(data, recordAAD(cred.UserID, cred.BrokerID))
}

func openCredential(c *security.Cipher, userID string, broker models.BrokerID, payload string) (*models.Credential, error) {
	data, err := c.Decrypt(payload, recordAAD(userID, broker))
	if err != nil {
		return nil, err
	}
	var cred models.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("unmarshaling credential: %w", err)
	}
	return &cred, nil
}

func validateKey(cred *models.Credential) error {
	if cred == nil || cred.UserID == "" || cred.BrokerID == "" {
		return errors.New("credential requires user and broker")
	}
	return nil
}
