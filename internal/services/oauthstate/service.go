package oauthstate

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/deepgram/stagehand/internal/infrastructure/redis"
	"github.com/rs/zerolog/log"
)

const (
	StateLifetime = 10 * time.Minute
)

type StateInfo struct {
	Redirect  string    `json:"redirect"`
	ExpiresAt time.Time `json:"expires_at"`
}

type StateStore interface {
	Set(ctx context.Context, state string, info *StateInfo) error
	// Take returns and removes the state. Missing states return nil, nil.
	Take(ctx context.Context, state string) (*StateInfo, error)
}

type RedisStore struct {
	redisService *redis.Service
}

type MemoryStore struct {
	mu     sync.Mutex
	states map[string]*StateInfo
}

type Service struct {
	store StateStore
	now   func() time.Time
}

func NewService(redisService *redis.Service) *Service {
	var store StateStore
	if redisService != nil {
		log.Info().Msg("Using Redis for OAuth state storage")
		store = &RedisStore{redisService: redisService}
	} else {
		log.Info().Msg("Using in-memory OAuth state storage")
		store = newMemoryStore()
	}

	return &Service{store: store, now: time.Now}
}

func newMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string]*StateInfo),
	}
}

// Redis Store implementation
func (rs *RedisStore) Set(ctx context.Context, state string, info *StateInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}

	return rs.redisService.Set(ctx, "oauthstate:"+state, string(data), StateLifetime)
}

func (rs *RedisStore) Take(ctx context.Context, state string) (*StateInfo, error) {
	data, err := rs.redisService.GetDel(ctx, "oauthstate:"+state)
	if errors.Is(err, redis.ErrNil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var info StateInfo
	if err := json.Unmarshal([]byte(data), &info); err != nil {
		return nil, err
	}

	return &info, nil
}

// Memory Store implementation
func (ms *MemoryStore) Set(ctx context.Context, state string, info *StateInfo) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.states[state] = info
	return nil
}

func (ms *MemoryStore) Take(ctx context.Context, state string) (*StateInfo, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	info, exists := ms.states[state]
	if !exists {
		return nil, nil
	}
	delete(ms.states, state)

	// Opportunistically drop abandoned logins
	now := time.Now()
	for k, v := range ms.states {
		if now.After(v.ExpiresAt) {
			delete(ms.states, k)
		}
	}

	return info, nil
}

// Issue creates a new state remembering where to send the user after login
func (s *Service) Issue(ctx context.Context, redirect string) (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	state := base64.RawURLEncoding.EncodeToString(buf)

	info := &StateInfo{
		Redirect:  redirect,
		ExpiresAt: s.now().Add(StateLifetime),
	}
	if err := s.store.Set(ctx, state, info); err != nil {
		return "", err
	}

	return state, nil
}

// Consume validates a state exactly once. Unknown or expired states return nil.
func (s *Service) Consume(ctx context.Context, state string) (*StateInfo, error) {
	if state == "" {
		return nil, nil
	}

	info, err := s.store.Take(ctx, state)
	if err != nil || info == nil {
		return nil, err
	}

	if s.now().After(info.ExpiresAt) {
		log.Debug().Msg("Expired OAuth state presented")
		return nil, nil
	}

	return info, nil
}
