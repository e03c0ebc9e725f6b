package store

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/freedom13/abuseguard/internal/model"
)

const (
	defaultBanCacheSize = 8192
	defaultBanCacheTTL  = 30 * time.Second
)

// CachedBanRegistry fronts a BanRegistry with a short-lived LRU so hot
// addresses do not hit the database on every request. Writes through this
// instance update the cache immediately; writes from other processes become
// visible after the TTL.
type CachedBanRegistry struct {
	BanRegistry
	cache *lru.LRU[string, *model.BanRecord]
	sf    singleflight.Group
	now   func() time.Time
}

func NewCachedBanRegistry(inner BanRegistry, size int, ttl time.Duration, now func() time.Time) *CachedBanRegistry {
	if size <= 0 {
		size = defaultBanCacheSize
	}
	if ttl <= 0 {
		ttl = defaultBanCacheTTL
	}
	if now == nil {
		now = time.Now
	}
	return &CachedBanRegistry{
		BanRegistry: inner,
		cache:       lru.NewLRU[string, *model.BanRecord](size, nil, ttl),
		now:         now,
	}
}

func (r *CachedBanRegistry) ActiveBan(ctx context.Context, ip string) (*model.BanRecord, error) {
	if b, ok := r.cache.Get(ip); ok {
		return r.stillInEffect(ip, b), nil
	}

	v, err, _ := r.sf.Do(ip, func() (any, error) {
		if b, ok := r.cache.Get(ip); ok {
			return b, nil
		}
		b, err := r.BanRegistry.ActiveBan(ctx, ip)
		if err != nil {
			return nil, err
		}
		r.cache.Add(ip, b)
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return r.stillInEffect(ip, v.(*model.BanRecord)), nil
}

// stillInEffect re-checks expiry on cached records so a ban that lapsed while
// cached is never reported.
func (r *CachedBanRegistry) stillInEffect(ip string, b *model.BanRecord) *model.BanRecord {
	if b == nil {
		return nil
	}
	if !b.InEffect(r.now()) {
		r.cache.Remove(ip)
		return nil
	}
	return b
}

func (r *CachedBanRegistry) IsBanned(ctx context.Context, ip string) (bool, error) {
	b, err := r.ActiveBan(ctx, ip)
	return b != nil, err
}

func (r *CachedBanRegistry) Ban(ctx context.Context, req BanRequest) (*model.BanRecord, error) {
	b, err := r.BanRegistry.Ban(ctx, req)
	if err != nil {
		r.cache.Remove(req.IP)
		return nil, err
	}
	r.cache.Add(req.IP, b)
	return b, nil
}

func (r *CachedBanRegistry) Unban(ctx context.Context, ip string) error {
	r.cache.Remove(ip)
	return r.BanRegistry.Unban(ctx, ip)
}
