package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"broker-gateway/internal/models"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "gateway.db"), "test-master-key")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// Property: a credential written with Put is read back unchanged by Get.
func TestProperty_CredentialRoundTrip(t *testing.T) {
	s := newTestSQLite(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	brokerGen := gen.OneConstOf(models.BrokerZerodha, models.BrokerAngelOne, models.BrokerFyers)

	properties.Property("put then get returns the same credential", prop.ForAll(
		func(user string, broker models.BrokerID, apiKey, token string, active bool) bool {
			ctx := context.Background()
			status := models.StatusInactive
			if active {
				status = models.StatusActive
			}
			exp := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
			in := &models.Credential{
				UserID:               "u-" + user,
				BrokerID:             broker,
				APIKey:               apiKey,
				APISecret:            "secret-" + apiKey,
				AccessToken:          token,
				Status:               status,
				LastAuthenticatedAt:  exp.Add(-time.Hour),
				AccessTokenExpiresAt: &exp,
			}
			if err := s.Put(ctx, in); err != nil {
				t.Logf("put: %v", err)
				return false
			}
			out, err := s.Get(ctx, in.UserID, broker)
			if err != nil {
				t.Logf("get: %v", err)
				return false
			}
			return out.APIKey == in.APIKey &&
				out.APISecret == in.APISecret &&
				out.AccessToken == in.AccessToken &&
				out.Status == in.Status &&
				out.AccessTokenExpiresAt != nil &&
				out.AccessTokenExpiresAt.Equal(exp) &&
				out.LastAuthenticatedAt.Equal(in.LastAuthenticatedAt)
		},
		gen.Identifier(),
		brokerGen,
		gen.AlphaString(),
		gen.AlphaString(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestSQLiteStore_EncryptsAtRest(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	cred := &models.Credential{
		UserID:    "alice",
		BrokerID:  models.BrokerFyers,
		APIKey:    "APPID-100",
		APISecret: "very-secret-value",
		Status:    models.StatusActive,
	}
	if err := s.Put(ctx, cred); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var payload string
	if err := s.db.QueryRow(`SELECT payload FROM credentials WHERE user_id = 'alice'`).Scan(&payload); err != nil {
		t.Fatalf("raw select: %v", err)
	}
	if !strings.HasPrefix(payload, "ENC[v1]:") {
		t.Errorf("payload not in envelope: %q", payload[:12])
	}
	if strings.Contains(payload, "very-secret-value") {
		t.Error("secret stored in plaintext")
	}
}

func TestSQLiteStore_DeleteAndList(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	for _, b := range models.AllBrokers {
		if err := s.Put(ctx, &models.Credential{UserID: "bob", BrokerID: b, APIKey: "k"}); err != nil {
			t.Fatalf("Put %s: %v", b, err)
		}
	}
	if err := s.Delete(ctx, "bob", models.BrokerAngelOne); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := s.Get(ctx, "bob", models.BrokerAngelOne); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	creds, err := s.List(ctx, "bob")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(creds) != 2 {
		t.Fatalf("expected 2 credentials, got %d", len(creds))
	}
	if creds[0].BrokerID != models.BrokerFyers || creds[1].BrokerID != models.BrokerZerodha {
		t.Errorf("unexpected order: %s, %s", creds[0].BrokerID, creds[1].BrokerID)
	}
}

func TestSQLiteStore_WrongMasterKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.db")
	s, err := NewSQLiteStore(path, "key-one")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Put(context.Background(), &models.Credential{UserID: "u", BrokerID: models.BrokerZerodha, APIKey: "k"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	s.Close()

	other, err := NewSQLiteStore(path, "key-two")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer other.Close()

	if _, err := other.Get(context.Background(), "u", models.BrokerZerodha); err == nil {
		t.Error("expected decryption failure with a different master key")
	}
}

func TestSQLiteStore_InstrumentSnapshot(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	if _, _, err := s.LoadInstruments(ctx, models.BrokerAngelOne); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before first save, got %v", err)
	}

	insts := []models.Instrument{
		{Symbol: "SBIN", BrokerID: models.BrokerAngelOne, Exchange: models.NSE, Token: "3045", BrokerSymbol: "SBIN-EQ", LotSize: 1},
		{Symbol: "INFY", BrokerID: models.BrokerAngelOne, Exchange: models.NSE, Token: "1594", BrokerSymbol: "INFY-EQ", LotSize: 1},
	}
	if err := s.SaveInstruments(ctx, models.BrokerAngelOne, insts); err != nil {
		t.Fatalf("SaveInstruments: %v", err)
	}
	// A second save replaces the table.
	if err := s.SaveInstruments(ctx, models.BrokerAngelOne, insts[:1]); err != nil {
		t.Fatalf("SaveInstruments: %v", err)
	}

	got, loadedAt, err := s.LoadInstruments(ctx, models.BrokerAngelOne)
	if err != nil {
		t.Fatalf("LoadInstruments: %v", err)
	}
	if len(got) != 1 || got[0].Token != "3045" || got[0].BrokerSymbol != "SBIN-EQ" {
		t.Errorf("unexpected snapshot: %+v", got)
	}
	if loadedAt.IsZero() {
		t.Error("loadedAt not recorded")
	}
}
