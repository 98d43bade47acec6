// Package runlock implements the per-run advisory execution lock. The lock
// value is "<pid>:<requestId>" so a stale holder is attributable to a process;
// stale locks (older than the contract's staleAfterSeconds) may be preempted.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/deeprun/deeprun/internal/model"
	"github.com/deeprun/deeprun/internal/store"
)

// Locker acquires and maintains run locks through the store.
type Locker struct {
	store store.Store
}

func New(s store.Store) *Locker {
	return &Locker{store: s}
}

// NewOwner mints a lock owner token for this process.
func NewOwner() string {
	id := ulid.MustNew(ulid.Timestamp(time.Now().UTC()), ulid.DefaultEntropy())
	return fmt.Sprintf("%d:%s", os.Getpid(), id)
}

// Handle is a held lock. Refresh must be called between step executions; a
// refresh failure means another worker preempted the lock and the holder must
// abort with execution_lock_lost.
type Handle struct {
	store store.Store
	runID string
	owner string
}

func (h *Handle) Owner() string { return h.owner }

// Acquire takes the lock, preempting a stale holder if staleAfter has passed.
func (l *Locker) Acquire(ctx context.Context, runID, owner string, staleAfter time.Duration) (*Handle, error) {
	if err := l.store.AcquireRunLock(ctx, runID, owner, staleAfter); err != nil {
		if errors.Is(err, store.ErrLockHeld) {
			return nil, &model.RunError{
				Category: model.CategoryExecutionLockLost,
				Message:  fmt.Sprintf("run %s is locked by another worker", runID),
				Cause:    err,
			}
		}
		return nil, err
	}
	return &Handle{store: l.store, runID: runID, owner: owner}, nil
}

// Refresh re-stamps the lock's acquisition time. Loss is terminal for the
// holder: the run is now owned elsewhere.
func (h *Handle) Refresh(ctx context.Context) error {
	err := h.store.RefreshRunLock(ctx, h.runID, h.owner)
	if errors.Is(err, store.ErrLockLost) {
		return &model.RunError{
			Category: model.CategoryExecutionLockLost,
			Message:  fmt.Sprintf("run %s execution lock lost by %s", h.runID, h.owner),
			Cause:    model.ErrExecutionLockLost,
		}
	}
	return err
}

// Release drops the lock. Losing a release race is not an error: the lock is
// already owned elsewhere and nothing is left to clean up.
func (h *Handle) Release(ctx context.Context) error {
	err := h.store.ReleaseRunLock(ctx, h.runID, h.owner)
	if errors.Is(err, store.ErrLockLost) {
		return nil
	}
	return err
}

// Jitter spaces contended retry and poll attempts: returns a duration in
// [base, 2*base).
func Jitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	return base + time.Duration(rand.Int63n(int64(base)))
}
