package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"broker-gateway/internal/models"
)

// MemoryStore is an unencrypted in-process store for tests and local runs.
type MemoryStore struct {
	mu          sync.RWMutex
	creds       map[string]models.Credential
	instruments map[models.BrokerID][]models.Instrument
	loadedAt    map[models.BrokerID]time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		creds:       make(map[string]models.Credential),
		instruments: make(map[models.BrokerID][]models.Instrument),
		loadedAt:    make(map[models.BrokerID]time.Time),
	}
}

func (s *MemoryStore) Get(_ context.Context, userID string, broker models.BrokerID) (*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[recordAAD(userID, broker)]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *MemoryStore) Put(_ context.Context, cred *models.Credential) error {
	if err := validateKey(cred); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[recordAAD(cred.UserID, cred.BrokerID)] = *cred
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, userID string, broker models.BrokerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, recordAAD(userID, broker))
	return nil
}

func (s *MemoryStore) List(_ context.Context, userID string) ([]models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Credential
	for _, c := range s.creds {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BrokerID < out[j].BrokerID })
	return out, nil
}

func (s *MemoryStore) SaveInstruments(_ context.Context, broker models.BrokerID, instruments []models.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instruments[broker] = append([]models.Instrument(nil), instruments...)
	s.loadedAt[broker] = time.Now()
	return nil
}

func (s *MemoryStore) LoadInstruments(_ context.Context, broker models.BrokerID) ([]models.Instrument, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	insts, ok := s.instruments[broker]
	if !ok {
		return nil, time.Time{}, ErrNotFound
	}
	return append([]models.Instrument(nil), insts...), s.loadedAt[broker], nil
}

func (s *MemoryStore) Close() error { return nil }

var (
	_ CredentialStore = (*MemoryStore)(nil)
	_ InstrumentStore = (*MemoryStore)(nil)
)
