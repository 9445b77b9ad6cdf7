package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"broker-gateway/internal/models"
	"broker-gateway/internal/security"
)

// SQLiteStore implements CredentialStore and InstrumentStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	cipher *security.Cipher
}

// NewSQLiteStore opens (or creates) the database and derives the record key.
func NewSQLiteStore(dbPath, masterKey string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	s := &SQLiteStore{db: db}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	salt, err := s.loadSalt(context.Background())
	if err != nil {
		db.Close()
		return nil, err
	}
	s.cipher, err = security.NewCipher(masterKey, salt)
	if err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS credentials (
		user_id TEXT NOT NULL,
		broker_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (user_id, broker_id)
	);

	CREATE TABLE IF NOT EXISTS instruments (
		broker_id TEXT NOT NULL,
		exchange TEXT NOT NULL,
		symbol TEXT NOT NULL,
		token TEXT NOT NULL,
		data TEXT NOT NULL,
		PRIMARY KEY (broker_id, exchange, symbol)
	);

	CREATE INDEX IF NOT EXISTS idx_instruments_token ON instruments(broker_id, token);

	CREATE TABLE IF NOT EXISTS instrument_loads (
		broker_id TEXT PRIMARY KEY,
		loaded_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) loadSalt(ctx context.Context) ([]byte, error) {
	var salt []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'salt'`).Scan(&salt)
	if err == nil {
		return salt, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read salt: %w", err)
	}

	salt, err = security.NewSalt()
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO meta (key, value) VALUES ('salt', ?)`, salt); err != nil {
		return nil, fmt.Errorf("failed to store salt: %w", err)
	}
	// Another process may have won the insert.
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'salt'`).Scan(&salt); err != nil {
		return nil, fmt.Errorf("failed to read salt: %w", err)
	}
	return salt, nil
}

// Get returns the credential for (userID, broker) or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, userID string, broker models.BrokerID) (*models.Credential, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM credentials WHERE user_id = ? AND broker_id = ?`,
		userID, string(broker),
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query credential: %w", err)
	}
	return openCredential(s.cipher, userID, broker, payload)
}

// Put inserts or replaces a credential.
func (s *SQLiteStore) Put(ctx context.Context, cred *models.Credential) error {
	if err := validateKey(cred); err != nil {
		return err
	}
	payload, err := sealCredential(s.cipher, cred)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials (user_id, broker_id, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, broker_id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		cred.UserID, string(cred.BrokerID), payload, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// Delete removes a credential. Deleting a missing record is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, userID string, broker models.BrokerID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE user_id = ? AND broker_id = ?`,
		userID, string(broker),
	)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// List returns every credential stored for a user.
func (s *SQLiteStore) List(ctx context.Context, userID string) ([]models.Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT broker_id, payload FROM credentials WHERE user_id = ? ORDER BY broker_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	defer rows.Close()

	var creds []models.Credential
	for rows.Next() {
		var broker, payload string
		if err := rows.Scan(&broker, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		cred, err := openCredential(s.cipher, userID, models.BrokerID(broker), payload)
		if err != nil {
			return nil, err
		}
		creds = append(creds, *cred)
	}
	return creds, rows.Err()
}

// SaveInstruments replaces the snapshot for a broker in one transaction.
func (s *SQLiteStore) SaveInstruments(ctx context.Context, broker models.BrokerID, instruments []models.Instrument) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM instruments WHERE broker_id = ?`, string(broker)); err != nil {
		return fmt.Errorf("failed to clear instruments: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO instruments (broker_id, exchange, symbol, token, data)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, inst := range instruments {
		data, err := json.Marshal(inst)
		if err != nil {
			return fmt.Errorf("failed to marshal instrument: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, string(broker), string(inst.Exchange), inst.Symbol, inst.Token, string(data)); err != nil {
			return fmt.Errorf("failed to insert instrument %s: %w", inst.Key(), err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO instrument_loads (broker_id, loaded_at) VALUES (?, ?)
		ON CONFLICT(broker_id) DO UPDATE SET loaded_at = excluded.loaded_at`,
		string(broker), time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("failed to record load time: %w", err)
	}

	return tx.Commit()
}

// LoadInstruments returns the stored snapshot and when it was saved.
func (s *SQLiteStore) LoadInstruments(ctx context.Context, broker models.BrokerID) ([]models.Instrument, time.Time, error) {
	var loadedAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT loaded_at FROM instrument_loads WHERE broker_id = ?`, string(broker),
	).Scan(&loadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, ErrNotFound
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to query load time: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT data FROM instruments WHERE broker_id = ?`, string(broker))
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to query instruments: %w", err)
	}
	defer rows.Close()

	var instruments []models.Instrument
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, time.Time{}, fmt.Errorf("failed to scan instrument: %w", err)
		}
		var inst models.Instrument
		if err := json.Unmarshal([]byte(data), &inst); err != nil {
			return nil, time.Time{}, fmt.Errorf("failed to unmarshal instrument: %w", err)
		}
		instruments = append(instruments, inst)
	}
	return instruments, loadedAt, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var (
	_ CredentialStore = (*SQLiteStore)(nil)
	_ InstrumentStore = (*SQLiteStore)(nil)
)
