package session

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/teemow/jmapgate/internal/logging"
	"github.com/teemow/jmapgate/internal/provider"
)

// Session is a request-scoped handle on one session record. Changes are
// buffered until Save. A Session is not safe for concurrent use.
type Session struct {
	m         *Manager
	rec       *Record
	isNew     bool
	dirty     bool
	destroyed bool
}

// Key returns the session token.
func (s *Session) Key() string { return s.rec.Token }

// IsNew reports whether Start minted this session.
func (s *Session) IsNew() bool { return s.isNew }

// Username returns the login name recorded when the attempt started.
func (s *Session) Username() string { return s.rec.Username }

// SetUsername records the login name of the attempt.
func (s *Session) SetUsername(username string) {
	s.rec.Username = username
	s.dirty = true
}

// Identity returns the identity established so far, or nil.
func (s *Session) Identity() *provider.Identity { return s.rec.Identity.Clone() }

// Accounts returns the accounts recorded at promotion.
func (s *Session) Accounts() []provider.Account { return slices.Clone(s.rec.Accounts) }

// Authenticated reports whether the session completed login.
func (s *Session) Authenticated() bool { return !s.rec.AuthenticatedAt.IsZero() }

// AuthenticatedAt returns when login completed, or the zero time.
func (s *Session) AuthenticatedAt() time.Time { return s.rec.AuthenticatedAt }

// Get decodes the value stored under key into dst. It reports false if
// the key is absent.
func (s *Session) Get(key string, dst any) (bool, error) {
	raw, ok := s.rec.Values[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("session: decode %q: %w", key, err)
	}
	return true, nil
}

// Has reports whether key is set.
func (s *Session) Has(key string) bool {
	_, ok := s.rec.Values[key]
	return ok
}

// Set stores v under key.
func (s *Session) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("session: encode %q: %w", key, err)
	}
	if s.rec.Values == nil {
		s.rec.Values = make(map[string]json.RawMessage)
	}
	s.rec.Values[key] = raw
	s.dirty = true
	return nil
}

// Remove deletes key.
func (s *Session) Remove(key string) {
	if _, ok := s.rec.Values[key]; !ok {
		return
	}
	delete(s.rec.Values, key)
	s.dirty = true
}

// Save persists pending changes. It is a no-op when nothing changed.
func (s *Session) Save(ctx context.Context) error {
	if s.destroyed || !s.dirty {
		return nil
	}
	s.rec.UpdatedAt = s.m.now()
	if err := s.m.store.Save(ctx, s.rec, s.m.lifetime); err != nil {
		return err
	}
	s.dirty = false
	s.isNew = false
	return nil
}

// Regenerate moves the session to a fresh token and persists it. With
// deleteOld the record under the previous token is removed.
func (s *Session) Regenerate(ctx context.Context, deleteOld bool) error {
	token, err := GenerateToken()
	if err != nil {
		return fmt.Errorf("session: failed to generate token: %w", err)
	}

	old := s.rec.Token
	next := s.rec.clone()
	next.Token = token
	next.UpdatedAt = s.m.now()
	if err := s.m.store.Save(ctx, next, s.m.lifetime); err != nil {
		return err
	}

	s.rec = next
	s.dirty = false
	s.isNew = false
	if deleteOld {
		s.deleteQuietly(ctx, old)
	}
	return nil
}

// Promotion describes the state written by Promote.
type Promotion struct {
	// Token is the new session token. Empty means generate one.
	Token    string
	Identity *provider.Identity
	Accounts []provider.Account
	// Authenticated marks login as complete. Without it the session
	// carries the identity but does not grant access.
	Authenticated bool
}

// Promote regenerates the token and records the identity and accounts in
// a single write. On error the session is left exactly as it was.
func (s *Session) Promote(ctx context.Context, p Promotion) error {
	token := p.Token
	if token == "" {
		var err error
		if token, err = GenerateToken(); err != nil {
			return fmt.Errorf("session: failed to generate token: %w", err)
		}
	}

	now := s.m.now()
	next := s.rec.clone()
	next.Token = token
	next.Identity = p.Identity.Clone()
	next.Accounts = slices.Clone(p.Accounts)
	next.UpdatedAt = now
	next.AuthenticatedAt = time.Time{}
	if p.Authenticated {
		next.AuthenticatedAt = now
	}

	if err := s.m.store.Save(ctx, next, s.m.lifetime); err != nil {
		return err
	}

	old := s.rec.Token
	s.rec = next
	s.dirty = false
	s.isNew = false
	if old != token {
		s.deleteQuietly(ctx, old)
	}
	if p.Authenticated {
		s.m.metrics.SessionAuthenticated(ctx)
	}
	return nil
}

// Destroy removes the session from the store.
func (s *Session) Destroy(ctx context.Context) error {
	if s.destroyed {
		return nil
	}
	if err := s.m.store.Delete(ctx, s.rec.Token); err != nil {
		return err
	}
	s.destroyed = true
	return nil
}

func (s *Session) deleteQuietly(ctx context.Context, token string) {
	if err := s.m.store.Delete(ctx, token); err != nil {
		s.m.logger.WarnContext(ctx, "failed to delete superseded session",
			logging.LoginID(token), logging.Err(err))
	}
}
