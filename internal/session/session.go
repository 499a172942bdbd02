package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/BearBump/CourierBox/internal/models"
	"github.com/BearBump/CourierBox/internal/storage/localstore"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

const storageKey = "courierbox.session"

type Session struct {
	Role         models.Role     `json:"role"`
	SubjectID    string          `json:"subjectId"`
	AccessToken  string          `json:"accessToken"`
	RefreshToken string          `json:"refreshToken"`
	Profile      json.RawMessage `json:"profile,omitempty"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// AccessExpiry reads exp from the access token without verifying the signature.
func (s Session) AccessExpiry() (time.Time, bool) {
	return TokenExpiry(s.AccessToken)
}

func TokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Store holds the current session in memory and mirrors it into the local store.
type Store struct {
	kv localstore.KV

	mu      sync.RWMutex
	cur     *Session
	onClear []func()
}

func NewStore(kv localstore.KV) *Store {
	return &Store{kv: kv}
}

// Load restores a previously persisted session, if any.
func (s *Store) Load(ctx context.Context) (Session, bool, error) {
	b, ok, err := s.kv.Get(ctx, storageKey)
	if err != nil {
		return Session{}, false, errors.Wrap(err, "load session")
	}
	if !ok {
		return Session{}, false, nil
	}
	var sess Session
	if err := json.Unmarshal(b, &sess); err != nil {
		// битая запись = нет сессии
		_ = s.kv.Delete(ctx, storageKey)
		return Session{}, false, nil
	}

	s.mu.Lock()
	s.cur = &sess
	s.mu.Unlock()
	return sess, true, nil
}

func (s *Store) Current() (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cur == nil {
		return Session{}, false
	}
	return *s.cur, true
}

func (s *Store) Set(ctx context.Context, sess Session) error {
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(sess)
	if err != nil {
		return errors.Wrap(err, "marshal session")
	}

	s.mu.Lock()
	s.cur = &sess
	s.mu.Unlock()

	if err := s.kv.Set(ctx, storageKey, b); err != nil {
		return errors.Wrap(err, "persist session")
	}
	return nil
}

// UpdateTokens swaps the token pair keeping role, subject and profile.
func (s *Store) UpdateTokens(ctx context.Context, access, refresh string) error {
	cur, ok := s.Current()
	if !ok {
		return errors.New("no session")
	}
	cur.AccessToken = access
	if refresh != "" {
		cur.RefreshToken = refresh
	}
	cur.UpdatedAt = time.Now().UTC()
	return s.Set(ctx, cur)
}

// Clear drops the session everywhere and runs the OnClear hooks.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	had := s.cur != nil
	s.cur = nil
	hooks := append([]func(){}, s.onClear...)
	s.mu.Unlock()

	err := s.kv.Delete(ctx, storageKey)
	if had {
		for _, fn := range hooks {
			fn()
		}
	}
	if err != nil {
		return errors.Wrap(err, "clear session")
	}
	return nil
}

// OnClear registers a hook fired when an existing session is cleared.
func (s *Store) OnClear(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClear = append(s.onClear, fn)
}
