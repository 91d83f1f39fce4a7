package session

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

// DefaultKeyPrefix prefixes every session key in shared backends.
const DefaultKeyPrefix = "jmapgate:session:"

// ValkeyConfig configures ValkeyStore.
type ValkeyConfig struct {
	// Addr is the server address, e.g. "valkey.namespace.svc:6379".
	Addr       string
	Password   string
	DB         int
	TLSEnabled bool
	KeyPrefix  string
}

func (c ValkeyConfig) clientOption() valkey.ClientOption {
	opt := valkey.ClientOption{
		InitAddress: []string{c.Addr},
		Password:    c.Password,
		SelectDB:    c.DB,
	}
	if c.TLSEnabled {
		opt.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opt
}

// ValkeyStore keeps sessions in Valkey with native key expiry.
type ValkeyStore struct {
	client valkey.Client
	prefix string
}

// NewValkeyStore connects to Valkey.
func NewValkeyStore(cfg ValkeyConfig) (*ValkeyStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("session: valkey address is required")
	}
	client, err := valkey.NewClient(cfg.clientOption())
	if err != nil {
		return nil, fmt.Errorf("session: failed to connect to valkey: %w", err)
	}
	return NewValkeyStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewValkeyStoreWithClient wraps an existing client.
func NewValkeyStoreWithClient(client valkey.Client, prefix string) *ValkeyStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &ValkeyStore{client: client, prefix: prefix}
}

func (s *ValkeyStore) key(token string) string {
	return s.prefix + token
}

func (s *ValkeyStore) Name() string { return "valkey" }

func (s *ValkeyStore) Load(ctx context.Context, token string) (*Record, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.key(token)).Build()).AsBytes()
	if valkey.IsValkeyNil(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: valkey get: %w", err)
	}

	rec, err := decodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("session: failed to decode record: %w", err)
	}
	return rec, nil
}

func (s *ValkeyStore) Save(ctx context.Context, rec *Record, ttl time.Duration) error {
	if rec.Token == "" {
		return fmt.Errorf("session: missing token")
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("session: failed to encode record: %w", err)
	}

	cmd := s.client.B().Set().Key(s.key(rec.Token)).Value(valkey.BinaryString(data)).ExSeconds(ttlSeconds(ttl)).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("session: valkey set: %w", err)
	}
	return nil
}

func (s *ValkeyStore) Delete(ctx context.Context, token string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.key(token)).Build()).Error(); err != nil {
		return fmt.Errorf("session: valkey del: %w", err)
	}
	return nil
}

// GC is a no-op; Valkey expires keys itself.
func (s *ValkeyStore) GC(context.Context, time.Duration) (int, error) { return 0, nil }

func (s *ValkeyStore) Close() error {
	s.client.Close()
	return nil
}

// ttlSeconds rounds ttl up to whole seconds, minimum one.
func ttlSeconds(ttl time.Duration) int64 {
	secs := int64((ttl + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
