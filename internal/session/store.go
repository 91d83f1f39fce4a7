package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/teemow/jmapgate/internal/provider"
)

// ErrNotFound is returned by Store.Load for unknown or expired tokens.
var ErrNotFound = errors.New("session not found")

// Record is the persisted state of one session.
type Record struct {
	Token           string             `json:"token"`
	Username        string             `json:"username,omitempty"`
	Identity        *provider.Identity `json:"identity,omitempty"`
	Accounts        []provider.Account `json:"accounts,omitempty"`
	AuthenticatedAt time.Time          `json:"authenticatedAt,omitzero"`
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
	// Values holds namespaced plugin state, e.g. "nfactor:pending".
	Values map[string]json.RawMessage `json:"values,omitempty"`
}

func (r *Record) clone() *Record {
	c := *r
	c.Identity = r.Identity.Clone()
	c.Accounts = slices.Clone(r.Accounts)
	c.Values = maps.Clone(r.Values)
	return &c
}

// Store persists session records. Implementations must be safe for
// concurrent use.
type Store interface {
	// Name identifies the backend in logs and metrics.
	Name() string
	// Load returns the record for token or ErrNotFound.
	Load(ctx context.Context, token string) (*Record, error)
	// Save writes rec, replacing any record with the same token. The
	// record expires after ttl.
	Save(ctx context.Context, rec *Record, ttl time.Duration) error
	// Delete removes a record. Deleting an unknown token is not an error.
	Delete(ctx context.Context, token string) error
	// GC removes records idle for longer than maxLifetime and returns
	// how many were removed. Backends with native expiry may return 0.
	GC(ctx context.Context, maxLifetime time.Duration) (int, error)
	Close() error
}

// GenerateToken returns a new random session token: 32 bytes from
// crypto/rand, base64url encoded without padding.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func encodeRecord(rec *Record) ([]byte, error) {
	return json.Marshal(rec)
}

func decodeRecord(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
