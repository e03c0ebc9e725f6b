package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/freedom13/abuseguard/internal/config"
)

const (
	badgerCounterPrefix = "ctr:"
	badgerValuePrefix   = "val:"
	badgerMaxRetries    = 128
)

// BadgerStore is an embedded fast store for single-node deployments that want
// counters and CAPTCHA state to survive restarts without running Redis.
type BadgerStore struct {
	db *badger.DB
}

// badgerLogger adapts slog.Logger to be used as a logger for BadgerDB.
type badgerLogger struct {
	*slog.Logger
}

func (l *badgerLogger) Warningf(f string, v ...any) { l.Warn(fmt.Sprintf(f, v...)) }
func (l *badgerLogger) Errorf(f string, v ...any)   { l.Error(fmt.Sprintf(f, v...)) }
func (l *badgerLogger) Infof(f string, v ...any)    {}
func (l *badgerLogger) Debugf(f string, v ...any)   {}

func NewBadgerStore(cfg *config.BadgerConfig) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.ValueThreshold = 1024
	opts.Logger = &badgerLogger{slog.Default()}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// Increment runs a read-modify-write transaction. Badger aborts conflicting
// writers with ErrConflict, so the loop retries until the update lands.
func (s *BadgerStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	k := []byte(badgerCounterPrefix + key)
	var count int64

	for attempt := 0; attempt < badgerMaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		err := s.db.Update(func(txn *badger.Txn) error {
			ttl := window
			count = 1

			item, err := txn.Get(k)
			switch {
			case err == nil:
				if err := item.Value(func(val []byte) error {
					if len(val) != 8 {
						return fmt.Errorf("corrupt counter value for %s", key)
					}
					count = int64(binary.BigEndian.Uint64(val)) + 1
					return nil
				}); err != nil {
					return err
				}
				if exp := item.ExpiresAt(); exp > 0 {
					ttl = time.Until(time.Unix(int64(exp), 0))
				}
			case errors.Is(err, badger.ErrKeyNotFound):
			default:
				return err
			}

			if ttl < time.Second {
				ttl = time.Second
			}
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, uint64(count))
			return txn.SetEntry(badger.NewEntry(k, buf).WithTTL(ttl))
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("badger increment %s: %w", key, err)
		}
		return count, nil
	}
	return 0, fmt.Errorf("badger increment %s: %w", key, badger.ErrConflict)
}

func (s *BadgerStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(badgerValuePrefix+key), []byte(value)).WithTTL(ttl))
	})
}

func (s *BadgerStore) Take(ctx context.Context, key string) (string, bool, error) {
	k := []byte(badgerValuePrefix + key)
	var (
		value string
		found bool
	)
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		value, found = string(raw), true
		return txn.Delete(k)
	})
	if err != nil {
		// A conflicting Take already consumed the value.
		if errors.Is(err, badger.ErrConflict) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("badger take %s: %w", key, err)
	}
	return value, found, nil
}

func (s *BadgerStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	var remaining time.Duration
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerValuePrefix + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if exp := item.ExpiresAt(); exp > 0 {
			remaining = time.Until(time.Unix(int64(exp), 0))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("badger ttl %s: %w", key, err)
	}
	return max(remaining, 0), nil
}
