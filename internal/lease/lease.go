// Package lease serialises work on a single room across the reconciliation
// pass and the relay's publish callbacks.
package lease

import (
	"context"
	"errors"
	"strconv"
	"sync"
)

// ErrNotHeld is returned when releasing a lease that was lost or already released.
var ErrNotHeld = errors.New("lease not held")

// Lease is a held lock. Release is safe to call more than once.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker grants exclusive leases by key, blocking until the key is free or
// ctx is done.
type Locker interface {
	Acquire(ctx context.Context, key string) (Lease, error)
}

// RoomKey is the lease key guarding one room's live sessions.
func RoomKey(roomID int64) string {
	return "room:" + strconv.FormatInt(roomID, 10)
}

// WithRoom runs fn while holding the room's lease.
func WithRoom(ctx context.Context, locker Locker, roomID int64, fn func(context.Context) error) error {
	held, err := locker.Acquire(ctx, RoomKey(roomID))
	if err != nil {
		return err
	}
	defer held.Release(context.WithoutCancel(ctx))
	return fn(ctx)
}

// Memory is a process-local Locker.
type Memory struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewMemory() *Memory {
	return &Memory{slots: make(map[string]*slot)}
}

func (m *Memory) Acquire(ctx context.Context, key string) (Lease, error) {
	m.mu.Lock()
	s := m.slots[key]
	if s == nil {
		s = &slot{ch: make(chan struct{}, 1)}
		m.slots[key] = s
	}
	s.refs++
	m.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		return &memoryLease{owner: m, key: key, slot: s}, nil
	case <-ctx.Done():
		m.unref(key, s)
		return nil, ctx.Err()
	}
}

func (m *Memory) unref(key string, s *slot) {
	m.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(m.slots, key)
	}
	m.mu.Unlock()
}

type memoryLease struct {
	owner *Memory
	key   string
	slot  *slot
	once  sync.Once
}

func (l *memoryLease) Release(context.Context) error {
	released := false
	l.once.Do(func() {
		<-l.slot.ch
		l.owner.unref(l.key, l.slot)
		released = true
	})
	if !released {
		return ErrNotHeld
	}
	return nil
}
