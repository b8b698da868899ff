// Package lock provides per-pool mutual exclusion keyed by a stable integer
// derived from the pool address.
package lock

import (
	"context"
	"encoding/binary"
	"sync"

	"golang.org/x/crypto/sha3"
)

// Locker blocks until the key is held or ctx is done. The returned unlock
// must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key int64) (unlock func() error, err error)
}

// KeyFor maps an address to the first eight bytes of its Keccak-256 digest.
func KeyFor(address string) int64 {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(address))
	sum := h.Sum(nil)
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// ── In-process ───────────────────────────────────────

// Local serializes holders of the same key within one process.
type Local struct {
	mu    sync.Mutex
	slots map[int64]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{slots: make(map[int64]*slot)}
}

func (l *Local) Lock(ctx context.Context, key int64) (func() error, error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() error {
		once.Do(func() {
			<-s.ch
			l.release(key, s)
		})
		return nil
	}, nil
}

func (l *Local) release(key int64, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}
