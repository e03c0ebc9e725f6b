package testutils

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/freedom13/abuseguard/internal/config"
	"github.com/freedom13/abuseguard/internal/model"
	"github.com/freedom13/abuseguard/internal/store"
)

// NewSQLStore opens a throwaway SQLite database bound to clock.
func NewSQLStore(t *testing.T, clock *Clock) *store.SQLStore {
	t.Helper()
	cfg := &config.DBConfig{
		Driver: config.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "guard.db"),
	}
	s, err := store.OpenSQL(context.Background(), cfg, store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// MockCounter counts in memory and can be told to fail.
type MockCounter struct {
	mu          sync.Mutex
	counts      map[string]int64
	calls       int
	errToReturn error
}

func NewMockCounter() *MockCounter {
	return &MockCounter{counts: make(map[string]int64)}
}

func (c *MockCounter) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errToReturn = err
}

func (c *MockCounter) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *MockCounter) Increment(_ context.Context, key string, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.errToReturn != nil {
		return 0, c.errToReturn
	}
	c.counts[key]++
	return c.counts[key], nil
}

// FlakyBanRegistry wraps a registry and fails selected operations.
type FlakyBanRegistry struct {
	store.BanRegistry

	mu        sync.Mutex
	BanErr    error
	LookupErr error
	BanCalls  int
}

func (r *FlakyBanRegistry) Ban(ctx context.Context, req store.BanRequest) (*model.BanRecord, error) {
	r.mu.Lock()
	r.BanCalls++
	err := r.BanErr
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return r.BanRegistry.Ban(ctx, req)
}

func (r *FlakyBanRegistry) ActiveBan(ctx context.Context, ip string) (*model.BanRecord, error) {
	r.mu.Lock()
	err := r.LookupErr
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return r.BanRegistry.ActiveBan(ctx, ip)
}

func (r *FlakyBanRegistry) IsBanned(ctx context.Context, ip string) (bool, error) {
	b, err := r.ActiveBan(ctx, ip)
	return b != nil, err
}
