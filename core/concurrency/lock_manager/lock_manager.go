// Package lockmanager implements strict two-phase locking at page granularity.
package lockmanager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/sushant-115/gojostore/core/transaction"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
)

// LockMode is the strength of a page lock.
type LockMode int

const (
	Shared LockMode = iota
	Exclusive
)

func (m LockMode) String() string {
	if m == Exclusive {
		return "EXCLUSIVE"
	}
	return "SHARED"
}

// Config controls how blocked requests are resolved.
type Config struct {
	// DeadlockDetection refuses a request with ErrDeadlock when waiting for it
	// would close a cycle in the wait-for graph.
	DeadlockDetection bool `yaml:"deadlock_detection"`
	// WaitTimeout bounds how long a request may block. Zero waits forever.
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

// pageLock is the lock state of one page. changed is closed and replaced on
// every state transition so waiters can block on it.
type pageLock struct {
	shared    map[transaction.TransactionID]struct{}
	exclusive transaction.TransactionID
	hasOwner  bool
	changed   chan struct{}
}

func newPageLock() *pageLock {
	return &pageLock{
		shared:  make(map[transaction.TransactionID]struct{}),
		changed: make(chan struct{}),
	}
}

func (pl *pageLock) free() bool {
	return !pl.hasOwner && len(pl.shared) == 0
}

func (pl *pageLock) notify() {
	close(pl.changed)
	pl.changed = make(chan struct{})
}

// satisfied reports whether txn already holds a lock at least as strong as mode.
func (pl *pageLock) satisfied(txn transaction.TransactionID, mode LockMode) bool {
	if pl.hasOwner && pl.exclusive == txn {
		return true
	}
	if mode == Shared {
		_, ok := pl.shared[txn]
		return ok
	}
	return false
}

// blockers returns the transactions that prevent txn from taking mode.
// An empty result means the request can be granted now.
func (pl *pageLock) blockers(txn transaction.TransactionID, mode LockMode) []transaction.TransactionID {
	var out []transaction.TransactionID
	if pl.hasOwner && pl.exclusive != txn {
		out = append(out, pl.exclusive)
	}
	if mode == Exclusive {
		for holder := range pl.shared {
			if holder != txn {
				out = append(out, holder)
			}
		}
	}
	return out
}

func (pl *pageLock) grant(txn transaction.TransactionID, mode LockMode) {
	if mode == Exclusive {
		delete(pl.shared, txn)
		pl.exclusive = txn
		pl.hasOwner = true
	} else if !(pl.hasOwner && pl.exclusive == txn) {
		pl.shared[txn] = struct{}{}
	}
	pl.notify()
}

type waitFor struct {
	pageID pagemanager.PageID
	mode   LockMode
}

// LockManager tracks shared and exclusive page locks per page and per
// transaction. All lock state is guarded by a single mutex; waiters sleep on
// the per-page change channel outside of it.
type LockManager struct {
	cfg     Config
	logger  *zap.Logger
	metrics *internaltelemetry.LockMetrics

	mu      sync.Mutex
	pages   map[pagemanager.PageID]*pageLock
	held    map[transaction.TransactionID]map[pagemanager.PageID]struct{}
	waiting map[transaction.TransactionID]waitFor
}

// NewLockManager creates an empty lock table. A nil meter disables metrics.
func NewLockManager(cfg Config, logger *zap.Logger, meter metric.Meter) (*LockManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics, err := internaltelemetry.NewLockMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock metrics: %w", err)
	}
	return &LockManager{
		cfg:     cfg,
		logger:  logger.Named("lock_manager"),
		metrics: metrics,
		pages:   make(map[pagemanager.PageID]*pageLock),
		held:    make(map[transaction.TransactionID]map[pagemanager.PageID]struct{}),
		waiting: make(map[transaction.TransactionID]waitFor),
	}, nil
}

// lockFor returns the state for pid, creating it if needed.
// This method MUST be called with lm.mu locked.
func (lm *LockManager) lockFor(pid pagemanager.PageID) *pageLock {
	pl, ok := lm.pages[pid]
	if !ok {
		pl = newPageLock()
		lm.pages[pid] = pl
	}
	return pl
}

// Acquire blocks until txn holds pid in at least the requested mode. A shared
// holder that is the only holder is upgraded in place. The wait ends early
// with ErrDeadlock, ErrLockTimeout or the context's error; in every such case
// no lock is granted.
func (lm *LockManager) Acquire(ctx context.Context, txn transaction.TransactionID, pid pagemanager.PageID, mode LockMode) error {
	lm.mu.Lock()

	var (
		waitStart time.Time
		timeout   <-chan time.Time
	)
	defer func() {
		if !waitStart.IsZero() {
			lm.metrics.WaitLatencyHistogram.Record(ctx, time.Since(waitStart).Milliseconds())
		}
	}()

	for {
		pl := lm.lockFor(pid)
		if pl.satisfied(txn, mode) {
			lm.recordHeldLocked(txn, pid)
			delete(lm.waiting, txn)
			lm.mu.Unlock()
			return nil
		}

		blockers := pl.blockers(txn, mode)
		if len(blockers) == 0 {
			pl.grant(txn, mode)
			lm.recordHeldLocked(txn, pid)
			delete(lm.waiting, txn)
			lm.mu.Unlock()
			lm.metrics.GrantedCounter.Add(ctx, 1)
			lm.logger.Debug("Lock granted", zap.Stringer("txn", txn), zap.Stringer("page", pid), zap.Stringer("mode", mode))
			return nil
		}

		lm.waiting[txn] = waitFor{pageID: pid, mode: mode}
		if lm.cfg.DeadlockDetection && lm.closesCycleLocked(txn) {
			delete(lm.waiting, txn)
			lm.mu.Unlock()
			lm.metrics.DeadlockCounter.Add(ctx, 1)
			lm.logger.Info("Deadlock detected, refusing lock request",
				zap.Stringer("txn", txn), zap.Stringer("page", pid), zap.Stringer("mode", mode))
			return fmt.Errorf("%w: txn %s waiting for %s lock on page %s", flushmanager.ErrDeadlock, txn, mode, pid)
		}

		if waitStart.IsZero() {
			waitStart = time.Now()
			lm.metrics.WaitCounter.Add(ctx, 1)
			if lm.cfg.WaitTimeout > 0 {
				timer := time.NewTimer(lm.cfg.WaitTimeout)
				defer timer.Stop()
				timeout = timer.C
			}
			lm.logger.Debug("Lock request waiting",
				zap.Stringer("txn", txn), zap.Stringer("page", pid), zap.Stringer("mode", mode), zap.Int("blockers", len(blockers)))
		}
		changed := pl.changed
		lm.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			lm.stopWaiting(txn)
			return ctx.Err()
		case <-timeout:
			lm.stopWaiting(txn)
			lm.metrics.TimeoutCounter.Add(ctx, 1)
			return fmt.Errorf("%w: txn %s waited %s for %s lock on page %s", flushmanager.ErrLockTimeout, txn, lm.cfg.WaitTimeout, mode, pid)
		}
		lm.mu.Lock()
	}
}

func (lm *LockManager) stopWaiting(txn transaction.TransactionID) {
	lm.mu.Lock()
	delete(lm.waiting, txn)
	lm.mu.Unlock()
}

// recordHeldLocked adds pid to txn's held set.
// This method MUST be called with lm.mu locked.
func (lm *LockManager) recordHeldLocked(txn transaction.TransactionID, pid pagemanager.PageID) {
	set, ok := lm.held[txn]
	if !ok {
		set = make(map[pagemanager.PageID]struct{})
		lm.held[txn] = set
	}
	set[pid] = struct{}{}
}

// closesCycleLocked walks the wait-for graph from start. Edges are computed
// from the current lock state so a waiter that is about to be granted never
// contributes a stale edge.
// This method MUST be called with lm.mu locked.
func (lm *LockManager) closesCycleLocked(start transaction.TransactionID) bool {
	visited := make(map[transaction.TransactionID]struct{})
	stack := []transaction.TransactionID{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		w, ok := lm.waiting[cur]
		if !ok {
			continue
		}
		pl, ok := lm.pages[w.pageID]
		if !ok {
			continue
		}
		for _, next := range pl.blockers(cur, w.mode) {
			if next == start {
				return true
			}
			if _, seen := visited[next]; seen {
				continue
			}
			visited[next] = struct{}{}
			stack = append(stack, next)
		}
	}
	return false
}

// Release drops txn's lock on pid, whatever its mode.
func (lm *LockManager) Release(txn transaction.TransactionID, pid pagemanager.PageID) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.releaseLocked(txn, pid)
	if set, ok := lm.held[txn]; ok {
		delete(set, pid)
		if len(set) == 0 {
			delete(lm.held, txn)
		}
	}
}

// releaseLocked clears txn's participation in pid's lock state.
// This method MUST be called with lm.mu locked.
func (lm *LockManager) releaseLocked(txn transaction.TransactionID, pid pagemanager.PageID) {
	pl, ok := lm.pages[pid]
	if !ok {
		return
	}
	_, wasShared := pl.shared[txn]
	wasOwner := pl.hasOwner && pl.exclusive == txn
	if !wasShared && !wasOwner {
		return
	}
	delete(pl.shared, txn)
	if wasOwner {
		pl.hasOwner = false
		pl.exclusive = transaction.NilTransactionID
	}
	pl.notify()
	if pl.free() {
		delete(lm.pages, pid)
	}
}

// ReleaseAll drops every lock txn holds. It is called once per transaction at
// commit or abort.
func (lm *LockManager) ReleaseAll(txn transaction.TransactionID) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	set := lm.held[txn]
	for pid := range set {
		lm.releaseLocked(txn, pid)
	}
	delete(lm.held, txn)
	delete(lm.waiting, txn)
	lm.logger.Debug("Released all locks", zap.Stringer("txn", txn), zap.Int("pages", len(set)))
}

// Holds reports whether txn holds any lock on pid.
func (lm *LockManager) Holds(txn transaction.TransactionID, pid pagemanager.PageID) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	_, ok := lm.held[txn][pid]
	return ok
}

// Waiting reports whether txn is blocked in Acquire.
func (lm *LockManager) Waiting(txn transaction.TransactionID) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	_, ok := lm.waiting[txn]
	return ok
}

// LockMode returns the mode txn holds on pid.
func (lm *LockManager) LockMode(txn transaction.TransactionID, pid pagemanager.PageID) (LockMode, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	pl, ok := lm.pages[pid]
	if !ok {
		return Shared, false
	}
	if pl.hasOwner && pl.exclusive == txn {
		return Exclusive, true
	}
	if _, ok := pl.shared[txn]; ok {
		return Shared, true
	}
	return Shared, false
}

// HeldPages returns the pages txn holds, ordered by table then page number.
func (lm *LockManager) HeldPages(txn transaction.TransactionID) []pagemanager.PageID {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	out := make([]pagemanager.PageID, 0, len(lm.held[txn]))
	for pid := range lm.held[txn] {
		out = append(out, pid)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TableID != out[j].TableID {
			return out[i].TableID < out[j].TableID
		}
		return out[i].PageNumber < out[j].PageNumber
	})
	return out
}
