package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/deepgram/stagehand/internal/auth"
	"github.com/deepgram/stagehand/internal/config"
	"github.com/deepgram/stagehand/internal/infrastructure/redis"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrSessionNotFound is returned when the cookie is missing, invalid, or the
// record has expired from the store
var ErrSessionNotFound = errors.New("session not found")

// Record is the server-side mirror of a logged-in browser
type Record struct {
	SessionID    string         `json:"session_id"`
	User         *auth.User     `json:"user"`
	Tokens       auth.TokenPair `json:"tokens"`
	CreatedAt    time.Time      `json:"created_at"`
	LastAccessed time.Time      `json:"last_accessed"`
}

type SessionClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
}

type SessionStore interface {
	Set(ctx context.Context, record *Record, ttl time.Duration) error
	// Get returns nil, nil when the record does not exist. A hit extends the TTL.
	Get(ctx context.Context, sessionID string, ttl time.Duration) (*Record, error)
	Delete(ctx context.Context, sessionID string) error
}

type RedisStore struct {
	redisService *redis.Service
	prefix       string
}

type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]memoryEntry
	now      func() time.Time
}

type memoryEntry struct {
	record    Record
	expiresAt time.Time
}

type Service struct {
	store   SessionStore
	cfg     config.SessionConfig
	secure  bool
	now     func() time.Time
	backend string
}

// NewService picks Redis when it is configured and reachable, memory otherwise.
// clientID namespaces the Redis keys.
func NewService(redisService *redis.Service, cfg config.SessionConfig, clientID string, secure bool) *Service {
	var store SessionStore
	backend := "memory"
	if redisService != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := redisService.Ping(ctx); err != nil {
			log.Error().Err(err).Msg("Redis connection failed, falling back to in-memory session storage")
			store = NewMemoryStore()
		} else {
			store = NewRedisStore(redisService, clientID)
			backend = "redis"
		}
	} else {
		store = NewMemoryStore()
	}

	log.Info().Str("store", backend).Bool("enabled", cfg.Enabled).Dur("ttl", cfg.TTL).Msg("Session service initialized")

	return &Service{store: store, cfg: cfg, secure: secure, now: time.Now, backend: backend}
}

// NewServiceWithStore is used by tests and callers that bring their own store
func NewServiceWithStore(store SessionStore, cfg config.SessionConfig, secure bool) *Service {
	return &Service{store: store, cfg: cfg, secure: secure, now: time.Now, backend: "custom"}
}

func NewRedisStore(redisService *redis.Service, clientID string) *RedisStore {
	return &RedisStore{redisService: redisService, prefix: clientID + "_session:"}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]memoryEntry),
		now:      time.Now,
	}
}

// Redis Store implementation
func (rs *RedisStore) key(sessionID string) string {
	return rs.prefix + sessionID
}

func (rs *RedisStore) Set(ctx context.Context, record *Record, ttl time.Duration) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}

	return rs.redisService.Set(ctx, rs.key(record.SessionID), string(data), ttl)
}

func (rs *RedisStore) Get(ctx context.Context, sessionID string, ttl time.Duration) (*Record, error) {
	data, err := rs.redisService.GetEx(ctx, rs.key(sessionID), ttl)
	if errors.Is(err, redis.ErrNil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var record Record
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("corrupt session record: %w", err)
	}

	return &record, nil
}

func (rs *RedisStore) Delete(ctx context.Context, sessionID string) error {
	return rs.redisService.Delete(ctx, rs.key(sessionID))
}

// Memory Store implementation
func (ms *MemoryStore) Set(ctx context.Context, record *Record, ttl time.Duration) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.sessions[record.SessionID] = memoryEntry{record: *record, expiresAt: ms.now().Add(ttl)}
	return nil
}

func (ms *MemoryStore) Get(ctx context.Context, sessionID string, ttl time.Duration) (*Record, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	entry, exists := ms.sessions[sessionID]
	if !exists {
		return nil, nil
	}

	now := ms.now()
	if !now.Before(entry.expiresAt) {
		delete(ms.sessions, sessionID)
		return nil, nil
	}

	entry.expiresAt = now.Add(ttl)
	ms.sessions[sessionID] = entry

	record := entry.record
	return &record, nil
}

func (ms *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.sessions, sessionID)
	return nil
}

// Enabled reports whether tokens are mirrored into server-side sessions
func (s *Service) Enabled() bool {
	return s.cfg.Enabled
}

// Backend names the store in use, for health reporting
func (s *Service) Backend() string {
	return s.backend
}

// NewSessionID returns 32 url-safe random characters
func NewSessionID() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Create stores a new record and sets the session cookie
func (s *Service) Create(ctx context.Context, w http.ResponseWriter, user *auth.User, tokens auth.TokenPair) (*Record, error) {
	sessionID, err := NewSessionID()
	if err != nil {
		return nil, err
	}

	now := s.now()
	record := &Record{
		SessionID:    sessionID,
		User:         user,
		Tokens:       tokens,
		CreatedAt:    now,
		LastAccessed: now,
	}

	if err := s.store.Set(ctx, record, s.cfg.TTL); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	if err := s.setCookie(w, sessionID); err != nil {
		return nil, err
	}

	log.Info().Str("user_id", user.ID.String()).Msg("Session created")
	return record, nil
}

// Load validates the session cookie, fetches the record and slides both the
// record TTL and the cookie expiry
func (s *Service) Load(ctx context.Context, w http.ResponseWriter, r *http.Request) (*Record, error) {
	sessionID, err := s.sessionIDFromCookie(r)
	if err != nil {
		return nil, err
	}

	record, err := s.store.Get(ctx, sessionID, s.cfg.TTL)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrSessionNotFound
	}

	record.LastAccessed = s.now()
	if w != nil {
		if err := s.setCookie(w, sessionID); err != nil {
			log.Warn().Err(err).Msg("Failed to slide session cookie")
		}
	}

	return record, nil
}

// Update replaces the stored record, typically after a token refresh
func (s *Service) Update(ctx context.Context, record *Record) error {
	record.LastAccessed = s.now()
	return s.store.Set(ctx, record, s.cfg.TTL)
}

// Destroy removes the session cookie and from storage
func (s *Service) Destroy(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if sessionID, err := s.sessionIDFromCookie(r); err == nil {
		if err := s.store.Delete(ctx, sessionID); err != nil {
			log.Warn().Err(err).Msg("Failed to delete session record")
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

func (s *Service) setCookie(w http.ResponseWriter, sessionID string) error {
	now := s.now()
	claims := &SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
			ID:       uuid.New().String(),
		},
		SessionID: sessionID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString(config.GetSessionSecret())
	if err != nil {
		return fmt.Errorf("failed to sign session cookie: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.CookieName,
		Value:    signedToken,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteStrictMode,
		Expires:  now.Add(s.cfg.TTL),
	})
	return nil
}

func (s *Service) sessionIDFromCookie(r *http.Request) (string, error) {
	cookie, err := r.Cookie(s.cfg.CookieName)
	if err != nil {
		return "", ErrSessionNotFound
	}

	token, err := jwt.ParseWithClaims(cookie.Value, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		return config.GetSessionSecret(), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSessionNotFound, err)
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid || claims.SessionID == "" {
		return "", ErrSessionNotFound
	}

	return claims.SessionID, nil
}
