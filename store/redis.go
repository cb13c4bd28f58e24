// Package store keeps the latest reading of each session in Redis.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"obd-relay/common"
)

// ErrNotFound is returned by Latest when no reading is stored for the session.
var ErrNotFound = errors.New("reading not found")

// Config holds the Redis settings.
type Config struct {
	Enabled   bool          `mapstructure:"enabled"`
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"` // zero keeps readings forever
	Timeout   time.Duration `mapstructure:"timeout"`
}

// DefaultConfig returns the default Redis configuration
func DefaultConfig() Config {
	return Config{
		Addr:      "localhost:6379",
		KeyPrefix: "obd:reading:",
		TTL:       5 * time.Minute,
		Timeout:   2 * time.Second,
	}
}

// Record is the stored value.
type Record struct {
	Session   string         `json:"session"`
	Reading   common.Reading `json:"reading"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ReadingStore writes and reads latest readings.
type ReadingStore struct {
	client *redis.Client
	cfg    Config
}

// New creates a store with its own Redis client.
func New(cfg Config) *ReadingStore {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
	return NewWithClient(client, cfg)
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, cfg Config) *ReadingStore {
	return &ReadingStore{client: client, cfg: cfg}
}

// Key returns the Redis key for sessionID.
func (s *ReadingStore) Key(sessionID string) string {
	return s.cfg.KeyPrefix + sessionID
}

// Ping checks the connection.
func (s *ReadingStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping %s: %w", s.cfg.Addr, err)
	}
	return nil
}

// Save stores r as the latest reading of sessionID.
func (s *ReadingStore) Save(ctx context.Context, sessionID string, r common.Reading) error {
	data, err := json.Marshal(Record{Session: sessionID, Reading: r, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}

	if err := s.client.Set(ctx, s.Key(sessionID), data, s.cfg.TTL).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

// Latest returns the stored record for sessionID.
func (s *ReadingStore) Latest(ctx context.Context, sessionID string) (Record, error) {
	val, err := s.client.Get(ctx, s.Key(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return Record{}, fmt.Errorf("redis get error: %w", err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return Record{}, fmt.Errorf("failed to unmarshal stored reading: %w", err)
	}
	return rec, nil
}

// Close releases the client.
func (s *ReadingStore) Close() error {
	return s.client.Close()
}
