package memtable

import (
	"container/list" // For LRU
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	lockmanager "github.com/sushant-115/gojostore/core/concurrency/lock_manager"
	"github.com/sushant-115/gojostore/core/transaction"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojostore/internal/telemetry"
)

// PageStore is the physical page I/O of one table.
type PageStore interface {
	ReadPage(pageNumber uint32) (pagemanager.Page, error)
	WritePage(page pagemanager.Page) error
	InsertRecord(ctx context.Context, fetcher flushmanager.PageFetcher, txn transaction.TransactionID, rec *pagemanager.Record) ([]pagemanager.Page, error)
	DeleteRecord(ctx context.Context, fetcher flushmanager.PageFetcher, txn transaction.TransactionID, rec *pagemanager.Record) (pagemanager.Page, error)
}

// TableResolver finds the page store of a table.
type TableResolver interface {
	Store(tableID uint32) (PageStore, error)
}

// TableResolverFunc adapts a function to TableResolver.
type TableResolverFunc func(tableID uint32) (PageStore, error)

func (f TableResolverFunc) Store(tableID uint32) (PageStore, error) { return f(tableID) }

// LockTable grants page locks to transactions.
type LockTable interface {
	Acquire(ctx context.Context, txn transaction.TransactionID, pid pagemanager.PageID, mode lockmanager.LockMode) error
	Release(txn transaction.TransactionID, pid pagemanager.PageID)
	ReleaseAll(txn transaction.TransactionID)
	Holds(txn transaction.TransactionID, pid pagemanager.PageID) bool
}

// WriteAheadLog receives the before and after image of every page a
// committing transaction changed, ahead of the page write.
type WriteAheadLog interface {
	Append(txn transaction.TransactionID, before, after pagemanager.Page) error
	Force() error
}

// outcomeLogger is implemented by logs that also record transaction outcomes.
type outcomeLogger interface {
	AppendCommit(txn transaction.TransactionID) error
	AppendAbort(txn transaction.TransactionID) error
}

// Options configures a BufferPoolManager. Resolver and Locks are required.
type Options struct {
	Capacity int
	Resolver TableResolver
	Locks    LockTable
	Log      WriteAheadLog
	Logger   *zap.Logger
	Meter    metric.Meter
	Tracer   trace.Tracer
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Capacity  int
	Cached    int
	Dirty     int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// BufferPoolManager caches pages in memory on behalf of transactions.
// It takes page locks through the lock table before serving a page, keeps at
// most Capacity pages, never evicts a dirty page (no steal) and writes a
// transaction's pages only when it commits (force at commit).
type BufferPoolManager struct {
	capacity   int
	resolver   TableResolver
	locks      LockTable
	logManager WriteAheadLog
	logger     *zap.Logger
	metrics    *internaltelemetry.BufferPoolMetrics
	tracer     trace.Tracer

	mu        sync.Mutex
	pageTable map[pagemanager.PageID]*list.Element // PageID to LRU element holding the Page
	lruList   *list.List                           // front is most recently used
	// flushed remembers pages written before their transaction finished.
	flushed   map[transaction.TransactionID]map[pagemanager.PageID]struct{}
	hits      uint64
	misses    uint64
	evictions uint64
}

var _ flushmanager.PageFetcher = (*BufferPoolManager)(nil)

// NewBufferPoolManager creates and initializes a new BufferPoolManager.
func NewBufferPoolManager(opts Options) (*BufferPoolManager, error) {
	if opts.Capacity <= 0 {
		return nil, fmt.Errorf("buffer pool capacity must be positive, got %d", opts.Capacity)
	}
	if opts.Resolver == nil || opts.Locks == nil {
		return nil, fmt.Errorf("buffer pool needs a table resolver and a lock table")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	metrics, err := internaltelemetry.NewBufferPoolMetrics(opts.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create buffer pool metrics: %w", err)
	}

	bpm := &BufferPoolManager{
		capacity:   opts.Capacity,
		resolver:   opts.Resolver,
		locks:      opts.Locks,
		logManager: opts.Log,
		logger:     opts.Logger.Named("buffer_pool"),
		metrics:    metrics,
		tracer:     opts.Tracer,
		pageTable:  make(map[pagemanager.PageID]*list.Element),
		lruList:    list.New(),
		flushed:    make(map[transaction.TransactionID]map[pagemanager.PageID]struct{}),
	}
	bpm.logger.Info("BufferPoolManager initialized", zap.Int("capacity", opts.Capacity))
	return bpm, nil
}

func lockModeFor(perm transaction.Permission) lockmanager.LockMode {
	if perm == transaction.ReadWrite {
		return lockmanager.Exclusive
	}
	return lockmanager.Shared
}

// FetchPage returns the cached page pid after txn has been granted perm on
// it, blocking while another transaction holds a conflicting lock.
func (bpm *BufferPoolManager) FetchPage(ctx context.Context, txn transaction.TransactionID, pid pagemanager.PageID, perm transaction.Permission) (pagemanager.Page, error) {
	// 1. Take the page lock; this is the only place a fetch blocks.
	if err := bpm.locks.Acquire(ctx, txn, pid, lockModeFor(perm)); err != nil {
		return nil, err
	}

	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	return bpm.fetchLocked(ctx, pid)
}

// fetchLocked serves pid from the cache, loading it on a miss.
// This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManager) fetchLocked(ctx context.Context, pid pagemanager.PageID) (pagemanager.Page, error) {
	// 2. Cache hit: mark as recently used.
	if elem, ok := bpm.pageTable[pid]; ok {
		bpm.lruList.MoveToFront(elem)
		bpm.hits++
		bpm.metrics.HitCounter.Add(ctx, 1)
		return elem.Value.(pagemanager.Page), nil
	}

	// 3. Miss: resolve the table before touching the cache.
	bpm.misses++
	bpm.metrics.MissCounter.Add(ctx, 1)
	store, err := bpm.resolver.Store(pid.TableID)
	if err != nil {
		return nil, err
	}

	// 4. Make room if the cache is full.
	if len(bpm.pageTable) >= bpm.capacity {
		if err := bpm.evictLocked(ctx); err != nil {
			return nil, err
		}
	}

	// 5. Load from the page store and track it.
	page, err := store.ReadPage(pid.PageNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to read page %s: %w", pid, err)
	}
	bpm.pageTable[pid] = bpm.lruList.PushFront(page)
	bpm.metrics.CachedPagesUpDownCounter.Add(ctx, 1)
	bpm.logger.Debug("Page loaded", zap.Stringer("page", pid), zap.Stringer("kind", page.Kind()), zap.Int("cached", len(bpm.pageTable)))
	return page, nil
}

// WithPage fetches pid and lends it to fn. The page must not be retained after
// fn returns; it stays valid only while txn holds its lock. Under ReadWrite
// the borrow is a ModifyPage: fn runs under the pool mutex and a nil return
// leaves the page dirty for txn, so fn must not call back into the pool.
func (bpm *BufferPoolManager) WithPage(ctx context.Context, txn transaction.TransactionID, pid pagemanager.PageID, perm transaction.Permission, fn func(pagemanager.Page) error) error {
	if perm == transaction.ReadWrite {
		_, err := bpm.ModifyPage(ctx, txn, pid, fn)
		return err
	}
	page, err := bpm.FetchPage(ctx, txn, pid, perm)
	if err != nil {
		return err
	}
	return fn(page)
}

// ModifyPage takes txn's exclusive lock on pid, then runs fn against the
// cached page while holding the pool mutex, so no flush or checkpoint can
// serialize the page halfway through the change. When fn succeeds the page is
// marked dirty by txn and returned.
func (bpm *BufferPoolManager) ModifyPage(ctx context.Context, txn transaction.TransactionID, pid pagemanager.PageID, fn func(pagemanager.Page) error) (pagemanager.Page, error) {
	if err := bpm.locks.Acquire(ctx, txn, pid, lockmanager.Exclusive); err != nil {
		return nil, err
	}

	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	page, err := bpm.fetchLocked(ctx, pid)
	if err != nil {
		return nil, err
	}
	if err := fn(page); err != nil {
		return nil, err
	}
	page.MarkDirty(true, txn)
	return page, nil
}

// evictLocked removes the least recently used clean page.
// This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManager) evictLocked(ctx context.Context) error {
	for e := bpm.lruList.Back(); e != nil; e = e.Prev() {
		page := e.Value.(pagemanager.Page)
		if page.IsDirty() || bpm.awaitingOutcomeLocked(page.ID()) {
			continue
		}
		// A clean page has nothing pending; the flush is a safety net only.
		if err := bpm.flushPageLocked(ctx, page); err != nil {
			bpm.logger.Warn("Flush of eviction victim failed", zap.Stringer("page", page.ID()), zap.Error(err))
		}
		bpm.removeLocked(ctx, e)
		bpm.evictions++
		bpm.metrics.EvictionCounter.Add(ctx, 1)
		bpm.logger.Debug("Evicted page", zap.Stringer("page", page.ID()))
		return nil
	}
	bpm.logger.Warn("Buffer pool is full and no page can be evicted", zap.Int("capacity", bpm.capacity))
	return fmt.Errorf("%w: %d pages cached", flushmanager.ErrBufferPoolFull, len(bpm.pageTable))
}

// removeLocked drops a cache entry.
// This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManager) removeLocked(ctx context.Context, e *list.Element) {
	page := bpm.lruList.Remove(e).(pagemanager.Page)
	delete(bpm.pageTable, page.ID())
	bpm.metrics.CachedPagesUpDownCounter.Add(ctx, -1)
}

// awaitingOutcomeLocked reports whether pid was written early by a
// transaction that has not finished yet. Such a page is clean but its
// before-image is the only way to undo the write, so it stays cached.
// This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManager) awaitingOutcomeLocked(pid pagemanager.PageID) bool {
	for _, set := range bpm.flushed {
		if _, ok := set[pid]; ok {
			return true
		}
	}
	return false
}

// InsertRecord adds rec to table tableID on behalf of txn. The store places
// the record through ModifyPage, which leaves the page dirty.
func (bpm *BufferPoolManager) InsertRecord(ctx context.Context, txn transaction.TransactionID, tableID uint32, rec *pagemanager.Record) error {
	store, err := bpm.resolver.Store(tableID)
	if err != nil {
		return err
	}
	_, err = store.InsertRecord(ctx, bpm, txn, rec)
	return err
}

// DeleteRecord removes rec from the table its location names.
func (bpm *BufferPoolManager) DeleteRecord(ctx context.Context, txn transaction.TransactionID, rec *pagemanager.Record) error {
	if rec == nil || rec.Location == nil {
		return fmt.Errorf("%w: record has no location", flushmanager.ErrIntegrity)
	}
	store, err := bpm.resolver.Store(rec.Location.PageID.TableID)
	if err != nil {
		return err
	}
	_, err = store.DeleteRecord(ctx, bpm, txn, rec)
	return err
}

// flushPageLocked writes page to its store if it is dirty: the page images go
// to the log first and the log is forced before the page write. The
// before-image is left untouched; commit refreshes it.
// This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManager) flushPageLocked(ctx context.Context, page pagemanager.Page) error {
	txn, dirty := page.DirtiedBy()
	if !dirty {
		return nil
	}
	pid := page.ID()

	if bpm.logManager != nil {
		before, err := page.BeforeImage()
		if err != nil {
			return fmt.Errorf("failed to build before-image of page %s: %w", pid, err)
		}
		if err := bpm.logManager.Append(txn, before, page); err != nil {
			return fmt.Errorf("failed to log page %s: %w", pid, err)
		}
		if err := bpm.logManager.Force(); err != nil {
			return fmt.Errorf("failed to force log for page %s: %w", pid, err)
		}
	}

	store, err := bpm.resolver.Store(pid.TableID)
	if err != nil {
		return err
	}
	if err := store.WritePage(page); err != nil {
		return fmt.Errorf("failed to write page %s: %w", pid, err)
	}
	page.MarkDirty(false, transaction.NilTransactionID)
	bpm.metrics.FlushCounter.Add(ctx, 1)
	bpm.logger.Debug("Flushed page", zap.Stringer("page", pid), zap.Stringer("txn", txn))
	return nil
}

// dirtyPagesLocked returns the cached pages dirtied by txn in page id order.
// This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManager) dirtyPagesLocked(txn transaction.TransactionID) []*list.Element {
	var out []*list.Element
	for _, elem := range bpm.pageTable {
		if by, dirty := elem.Value.(pagemanager.Page).DirtiedBy(); dirty && by == txn {
			out = append(out, elem)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Value.(pagemanager.Page).ID(), out[j].Value.(pagemanager.Page).ID()
		if a.TableID != b.TableID {
			return a.TableID < b.TableID
		}
		return a.PageNumber < b.PageNumber
	})
	return out
}

func (bpm *BufferPoolManager) markFlushedLocked(txn transaction.TransactionID, pid pagemanager.PageID) {
	set, ok := bpm.flushed[txn]
	if !ok {
		set = make(map[pagemanager.PageID]struct{})
		bpm.flushed[txn] = set
	}
	set[pid] = struct{}{}
}

// Commit makes txn's changes durable: every page it dirtied is logged and
// written, its before-image becomes the committed content, and all of txn's
// locks are released. A failed write leaves the remaining pages dirty and the
// locks held; the caller is expected to abort.
func (bpm *BufferPoolManager) Commit(ctx context.Context, txn transaction.TransactionID) error {
	ctx, span := bpm.tracer.Start(ctx, "BufferPool.Commit", trace.WithAttributes(attribute.String("txn", txn.String())))
	defer span.End()
	start := time.Now()

	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	dirty := bpm.dirtyPagesLocked(txn)
	for _, elem := range dirty {
		page := elem.Value.(pagemanager.Page)
		if err := bpm.flushPageLocked(ctx, page); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "flush failed")
			bpm.logger.Error("Commit failed to flush page", zap.Stringer("txn", txn), zap.Stringer("page", page.ID()), zap.Error(err))
			return err
		}
		page.RefreshBeforeImage()
	}
	for pid := range bpm.flushed[txn] {
		if elem, ok := bpm.pageTable[pid]; ok {
			elem.Value.(pagemanager.Page).RefreshBeforeImage()
		}
	}
	delete(bpm.flushed, txn)

	if ol, ok := bpm.logManager.(outcomeLogger); ok {
		if err := ol.AppendCommit(txn); err != nil {
			bpm.logger.Warn("Failed to log commit record", zap.Stringer("txn", txn), zap.Error(err))
		}
	}
	bpm.locks.ReleaseAll(txn)

	span.SetAttributes(attribute.Int("pages", len(dirty)))
	bpm.metrics.CommitLatencyHistogram.Record(ctx, time.Since(start).Milliseconds())
	bpm.logger.Debug("Transaction committed", zap.Stringer("txn", txn), zap.Int("pages", len(dirty)))
	return nil
}

// Abort rolls back txn: every cached page it dirtied is replaced by its
// before-image and all of txn's locks are released. Pages written early
// through FlushPages or FlushAllPages are also written back from their
// before-image.
func (bpm *BufferPoolManager) Abort(ctx context.Context, txn transaction.TransactionID) error {
	ctx, span := bpm.tracer.Start(ctx, "BufferPool.Abort", trace.WithAttributes(attribute.String("txn", txn.String())))
	defer span.End()

	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	var firstErr error
	dirty := bpm.dirtyPagesLocked(txn)
	for _, elem := range dirty {
		page := elem.Value.(pagemanager.Page)
		restored, err := page.BeforeImage()
		if err != nil {
			// Keep going so the other pages still roll back.
			bpm.logger.Error("Failed to restore before-image", zap.Stringer("page", page.ID()), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		elem.Value = restored
	}

	for pid := range bpm.flushed[txn] {
		if err := bpm.undoFlushLocked(ctx, pid); err != nil {
			bpm.logger.Error("Failed to undo early flush", zap.Stringer("txn", txn), zap.Stringer("page", pid), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	delete(bpm.flushed, txn)

	if ol, ok := bpm.logManager.(outcomeLogger); ok {
		if err := ol.AppendAbort(txn); err != nil {
			bpm.logger.Warn("Failed to log abort record", zap.Stringer("txn", txn), zap.Error(err))
		}
	}
	bpm.locks.ReleaseAll(txn)

	if firstErr != nil {
		span.RecordError(firstErr)
		span.SetStatus(codes.Error, "rollback incomplete")
	}
	bpm.logger.Debug("Transaction aborted", zap.Stringer("txn", txn), zap.Int("pages", len(dirty)))
	return firstErr
}

// undoFlushLocked writes the before-image of a page that was flushed before
// its transaction aborted. Eviction keeps such pages cached; one dropped
// through DiscardPage has lost its before-image and is reported.
// This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManager) undoFlushLocked(ctx context.Context, pid pagemanager.PageID) error {
	elem, ok := bpm.pageTable[pid]
	if !ok {
		return fmt.Errorf("%w: page %s was flushed and discarded, its before-image is gone", flushmanager.ErrIntegrity, pid)
	}
	restored, err := elem.Value.(pagemanager.Page).BeforeImage()
	if err != nil {
		return err
	}
	store, err := bpm.resolver.Store(pid.TableID)
	if err != nil {
		return err
	}
	if err := store.WritePage(restored); err != nil {
		return err
	}
	elem.Value = restored
	bpm.metrics.FlushCounter.Add(ctx, 1)
	return nil
}

// FlushAllPages writes every dirty cached page. Used for checkpoints; the
// pages stay attributed to their transactions for rollback purposes.
func (bpm *BufferPoolManager) FlushAllPages(ctx context.Context) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	var firstErr error
	for pid, elem := range bpm.pageTable {
		page := elem.Value.(pagemanager.Page)
		txn, dirty := page.DirtiedBy()
		if !dirty {
			continue
		}
		if err := bpm.flushPageLocked(ctx, page); err != nil {
			bpm.logger.Error("Error flushing page", zap.Stringer("page", pid), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		bpm.markFlushedLocked(txn, pid)
	}
	return firstErr
}

// FlushPages writes the pages dirtied by txn without ending it.
func (bpm *BufferPoolManager) FlushPages(ctx context.Context, txn transaction.TransactionID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	for _, elem := range bpm.dirtyPagesLocked(txn) {
		page := elem.Value.(pagemanager.Page)
		if err := bpm.flushPageLocked(ctx, page); err != nil {
			return err
		}
		bpm.markFlushedLocked(txn, page.ID())
	}
	return nil
}

// DiscardPage drops pid from the cache without writing it.
func (bpm *BufferPoolManager) DiscardPage(pid pagemanager.PageID) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	if elem, ok := bpm.pageTable[pid]; ok {
		bpm.removeLocked(context.Background(), elem)
		bpm.logger.Debug("Discarded page", zap.Stringer("page", pid))
	}
}

// ReleasePage gives up txn's lock on pid before the transaction ends. Only
// safe for pages txn has not modified.
func (bpm *BufferPoolManager) ReleasePage(txn transaction.TransactionID, pid pagemanager.PageID) {
	bpm.locks.Release(txn, pid)
}

// HoldsLock reports whether txn holds a lock on pid.
func (bpm *BufferPoolManager) HoldsLock(txn transaction.TransactionID, pid pagemanager.PageID) bool {
	return bpm.locks.Holds(txn, pid)
}

// IsCached reports whether pid is currently in the cache.
func (bpm *BufferPoolManager) IsCached(pid pagemanager.PageID) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	_, ok := bpm.pageTable[pid]
	return ok
}

// Stats returns cache counters.
func (bpm *BufferPoolManager) Stats() Stats {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	dirty := 0
	for _, elem := range bpm.pageTable {
		if elem.Value.(pagemanager.Page).IsDirty() {
			dirty++
		}
	}
	return Stats{
		Capacity:  bpm.capacity,
		Cached:    len(bpm.pageTable),
		Dirty:     dirty,
		Hits:      bpm.hits,
		Misses:    bpm.misses,
		Evictions: bpm.evictions,
	}
}
