package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"broker-gateway/internal/models"
	"broker-gateway/internal/security"
)

const (
	redisKeyPrefix = "gateway:cred:"
	redisSaltKey   = "gateway:cred:salt"
)

// RedisStore implements CredentialStore on Redis, for deployments where
// several gateway processes share credentials.
type RedisStore struct {
	client *redis.Client
	cipher *security.Cipher
}

// NewRedisStore connects to Redis and derives the record key.
func NewRedisStore(ctx context.Context, opts *redis.Options, masterKey string) (*RedisStore, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s, err := newRedisStore(ctx, client, masterKey)
	if err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

func newRedisStore(ctx context.Context, client *redis.Client, masterKey string) (*RedisStore, error) {
	salt, err := security.NewSalt()
	if err != nil {
		return nil, err
	}
	// First writer wins; everyone then reads the same salt.
	if err := client.SetNX(ctx, redisSaltKey, salt, 0).Err(); err != nil {
		return nil, fmt.Errorf("failed to store salt: %w", err)
	}
	stored, err := client.Get(ctx, redisSaltKey).Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to read salt: %w", err)
	}

	c, err := security.NewCipher(masterKey, stored)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: client, cipher: c}, nil
}

func credKey(userID string, broker models.BrokerID) string {
	return redisKeyPrefix + userID + ":" + string(broker)
}

func indexKey(userID string) string {
	return redisKeyPrefix + "index:" + userID
}

// Get returns the credential for (userID, broker) or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, userID string, broker models.BrokerID) (*models.Credential, error) {
	payload, err := s.client.Get(ctx, credKey(userID, broker)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return openCredential(s.cipher, userID, broker, payload)
}

// Put stores a credential and indexes it under the user.
func (s *RedisStore) Put(ctx context.Context, cred *models.Credential) error {
	if err := validateKey(cred); err != nil {
		return err
	}
	payload, err := sealCredential(s.cipher, cred)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, credKey(cred.UserID, cred.BrokerID), payload, 0)
		p.SAdd(ctx, indexKey(cred.UserID), string(cred.BrokerID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// Delete removes a credential.
func (s *RedisStore) Delete(ctx context.Context, userID string, broker models.BrokerID) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, credKey(userID, broker))
		p.SRem(ctx, indexKey(userID), string(broker))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// List returns every credential stored for a user.
func (s *RedisStore) List(ctx context.Context, userID string) ([]models.Credential, error) {
	brokers, err := s.client.SMembers(ctx, indexKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	sort.Strings(brokers)

	var creds []models.Credential
	for _, b := range brokers {
		cred, err := s.Get(ctx, userID, models.BrokerID(b))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		creds = append(creds, *cred)
	}
	return creds, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ CredentialStore = (*RedisStore)(nil)
