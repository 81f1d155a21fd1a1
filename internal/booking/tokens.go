// Package booking holds the calendar collaborators behind followup.Scheduler:
// Google Calendar with per-doctor OAuth tokens and a manual hand-off.
package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
)

// ErrNoToken is returned when a doctor has not authorized calendar access.
var ErrNoToken = errors.New("booking: no calendar token for doctor")

// TokenStore keeps one OAuth token per doctor.
type TokenStore interface {
	Get(ctx context.Context, doctorID string) (*oauth2.Token, error)
	Save(ctx context.Context, doctorID string, tok *oauth2.Token) error
	Delete(ctx context.Context, doctorID string) error
}

const tokenKeyPrefix = "booking:gcal:token:"

// RedisTokenStore keeps tokens as JSON strings without expiry; refresh tokens
// stay valid until the doctor revokes access.
type RedisTokenStore struct {
	client *redis.Client
}

func NewRedisTokenStore(client *redis.Client) *RedisTokenStore {
	if client == nil {
		panic("booking: redis client cannot be nil")
	}
	return &RedisTokenStore{client: client}
}

func (s *RedisTokenStore) Get(ctx context.Context, doctorID string) (*oauth2.Token, error) {
	raw, err := s.client.Get(ctx, tokenKeyPrefix+doctorID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("booking: load token: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("booking: decode token: %w", err)
	}
	return &tok, nil
}

func (s *RedisTokenStore) Save(ctx context.Context, doctorID string, tok *oauth2.Token) error {
	raw, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("booking: encode token: %w", err)
	}
	if err := s.client.Set(ctx, tokenKeyPrefix+doctorID, raw, 0).Err(); err != nil {
		return fmt.Errorf("booking: save token: %w", err)
	}
	return nil
}

func (s *RedisTokenStore) Delete(ctx context.Context, doctorID string) error {
	if err := s.client.Del(ctx, tokenKeyPrefix+doctorID).Err(); err != nil {
		return fmt.Errorf("booking: delete token: %w", err)
	}
	return nil
}

// MemoryTokenStore is an in-process TokenStore for local runs and tests.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]oauth2.Token
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]oauth2.Token)}
}

func (s *MemoryTokenStore) Get(_ context.Context, doctorID string) (*oauth2.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[doctorID]
	if !ok {
		return nil, ErrNoToken
	}
	return &tok, nil
}

func (s *MemoryTokenStore) Save(_ context.Context, doctorID string, tok *oauth2.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[doctorID] = *tok
	return nil
}

func (s *MemoryTokenStore) Delete(_ context.Context, doctorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, doctorID)
	return nil
}

// persistingTokenSource saves refreshed tokens back to the store.
type persistingTokenSource struct {
	base     oauth2.TokenSource
	store    TokenStore
	doctorID string

	mu   sync.Mutex
	last string
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.AccessToken != p.last {
		p.last = tok.AccessToken
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		// A failed save only costs another refresh next time.
		_ = p.store.Save(ctx, p.doctorID, tok)
	}
	return tok, nil
}
