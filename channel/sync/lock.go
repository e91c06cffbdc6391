package sync

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/statechan/core/channel"
)

// LockValue identifies one successful lock acquisition, returned by
// AcquireLock and required by the matching ReleaseLock.
type LockValue int64

// LockService serializes state-changing operations on one channel,
// spec.md §6. isAlice/counterpartyIdentifier are accepted for parity with
// spec.md's signature (an implementation backed by a remote lock service
// may need them to route the request); MemoryLockService ignores both.
type LockService interface {
	AcquireLock(ctx context.Context, channelAddress channel.Address, isAlice bool, counterpartyIdentifier channel.PublicIdentifier) (LockValue, error)
	ReleaseLock(ctx context.Context, channelAddress channel.Address, lockValue LockValue, isAlice bool, counterpartyIdentifier channel.PublicIdentifier) error
}

// MemoryLockService is a per-process LockService: one weight-1 semaphore
// per channel address, giving Acquire-with-timeout semantics via
// ctx rather than a hand-rolled mutex+channel.
type MemoryLockService struct {
	mu   sync.Mutex
	sems map[channel.Address]*semaphore.Weighted
	next int64
}

// NewMemoryLockService returns an empty MemoryLockService.
func NewMemoryLockService() *MemoryLockService {
	return &MemoryLockService{sems: make(map[channel.Address]*semaphore.Weighted)}
}

func (s *MemoryLockService) semFor(addr channel.Address) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.sems[addr]
	if !ok {
		sem = semaphore.NewWeighted(1)
		s.sems[addr] = sem
	}
	return sem
}

// AcquireLock implements LockService. ctx's deadline bounds the wait;
// callers surface a timed-out acquisition as channel.AcquireLockFailed.
func (s *MemoryLockService) AcquireLock(ctx context.Context, channelAddress channel.Address, _ bool, _ channel.PublicIdentifier) (LockValue, error) {
	if err := s.semFor(channelAddress).Acquire(ctx, 1); err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.next++
	token := s.next
	s.mu.Unlock()
	return LockValue(token), nil
}

// ReleaseLock implements LockService.
func (s *MemoryLockService) ReleaseLock(_ context.Context, channelAddress channel.Address, _ LockValue, _ bool, _ channel.PublicIdentifier) error {
	s.semFor(channelAddress).Release(1)
	return nil
}
