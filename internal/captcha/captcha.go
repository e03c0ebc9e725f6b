// Package captcha issues single-use question challenges. Answers live in the
// shared cache so any instance can verify them.
package captcha

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/freedom13/abuseguard/internal/config"
	"github.com/freedom13/abuseguard/internal/store"
)

const (
	KindMath  = "math"
	KindLogic = "logic"

	keyPrefix = "captcha:"
)

var (
	// ErrInvalid is returned for unknown, expired or already used tokens.
	ErrInvalid = errors.New("captcha: invalid or expired challenge")
	// ErrWrongAnswer is returned when the token was valid but the answer was not.
	ErrWrongAnswer = errors.New("captcha: wrong answer")
)

type Challenge struct {
	Token     string `json:"token"`
	Question  string `json:"question"`
	Kind      string `json:"type"`
	ExpiresIn int    `json:"expires_in"`
}

type Store struct {
	cache store.Cache
	ttl   time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

func New(cache store.Cache, cfg *config.CaptchaConfig) *Store {
	return &Store{
		cache: cache,
		ttl:   cfg.TTL,
		rnd:   rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

func normalize(answer string) string {
	return strings.ToLower(strings.TrimSpace(answer))
}

func (s *Store) Issue(ctx context.Context) (*Challenge, error) {
	s.mu.Lock()
	q, kind := pickQuestion(s.rnd)
	s.mu.Unlock()

	token := uuid.NewString()
	if err := s.cache.Set(ctx, keyPrefix+token, normalize(q.answer), s.ttl); err != nil {
		return nil, fmt.Errorf("failed to store captcha: %w", err)
	}
	return &Challenge{
		Token:     token,
		Question:  q.text,
		Kind:      kind,
		ExpiresIn: int(s.ttl / time.Second),
	}, nil
}

// Verify consumes the challenge whether or not the answer matches, so every
// token gets exactly one attempt.
func (s *Store) Verify(ctx context.Context, token, answer string) error {
	if token == "" || strings.TrimSpace(answer) == "" {
		return ErrInvalid
	}
	if _, err := uuid.Parse(token); err != nil {
		return ErrInvalid
	}

	expected, ok, err := s.cache.Take(ctx, keyPrefix+token)
	if err != nil {
		return fmt.Errorf("failed to read captcha: %w", err)
	}
	if !ok {
		return ErrInvalid
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(normalize(answer))) != 1 {
		return ErrWrongAnswer
	}
	return nil
}
