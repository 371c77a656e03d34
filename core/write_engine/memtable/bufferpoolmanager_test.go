package memtable

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	lockmanager "github.com/sushant-115/gojostore/core/concurrency/lock_manager"
	"github.com/sushant-115/gojostore/core/transaction"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
)

const (
	testPageSize = 4096
	// 4096*8/(400*8+1) = 10 slots per page.
	testRecordSize = 400
	testTableID    = 21
)

// --- Test Helpers ---

type testEnv struct {
	pool  *BufferPoolManager
	store *flushmanager.DiskManager
	locks *lockmanager.LockManager
	log   *wal.LogManager
}

func setupPool(t *testing.T, capacity int) *testEnv {
	t.Helper()
	dir := t.TempDir()
	logger := zaptest.NewLogger(t)

	store, err := flushmanager.NewDiskManager(filepath.Join(dir, "t.tbl"), testTableID, testPageSize,
		pagemanager.FixedWidthCodec{Size: testRecordSize}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	locks, err := lockmanager.NewLockManager(lockmanager.Config{DeadlockDetection: true}, logger, nil)
	require.NoError(t, err)

	logManager, err := wal.NewLogManager(wal.Config{Dir: filepath.Join(dir, "wal"), BufferSize: 1 << 16}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = logManager.Close() })

	resolver := TableResolverFunc(func(tableID uint32) (PageStore, error) {
		if tableID != testTableID {
			return nil, fmt.Errorf("%w: %d", flushmanager.ErrTableNotFound, tableID)
		}
		return store, nil
	})
	pool, err := NewBufferPoolManager(Options{
		Capacity: capacity,
		Resolver: resolver,
		Locks:    locks,
		Log:      logManager,
		Logger:   logger,
	})
	require.NoError(t, err)
	return &testEnv{pool: pool, store: store, locks: locks, log: logManager}
}

func pid(n uint32) pagemanager.PageID {
	return pagemanager.PageID{TableID: testTableID, PageNumber: n}
}

func testRecord(v uint32) *pagemanager.Record {
	data := make([]byte, testRecordSize)
	binary.LittleEndian.PutUint32(data, v)
	return pagemanager.NewRecord(data)
}

func values(recs []*pagemanager.Record) []uint32 {
	out := make([]uint32, 0, len(recs))
	for _, r := range recs {
		out = append(out, binary.LittleEndian.Uint32(r.Data))
	}
	return out
}

func appendPages(t *testing.T, store *flushmanager.DiskManager, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := store.AppendEmptyPage()
		require.NoError(t, err)
	}
}

// --- Test Cases ---

func TestFetchEvictsCleanPageAtCapacity(t *testing.T) {
	env := setupPool(t, 2)
	appendPages(t, env.store, 3)
	ctx := context.Background()
	txn := transaction.NewTransactionID()

	_, err := env.pool.FetchPage(ctx, txn, pid(0), transaction.ReadOnly)
	require.NoError(t, err)
	_, err = env.pool.FetchPage(ctx, txn, pid(1), transaction.ReadOnly)
	require.NoError(t, err)
	require.Equal(t, 2, env.pool.Stats().Cached)

	c, err := env.pool.FetchPage(ctx, txn, pid(2), transaction.ReadOnly)
	require.NoError(t, err)
	assert.Equal(t, pid(2), c.ID())

	stats := env.pool.Stats()
	assert.Equal(t, 2, stats.Cached)
	assert.Equal(t, uint64(1), stats.Evictions)
	assert.True(t, env.pool.IsCached(pid(2)))
	assert.NotEqual(t, env.pool.IsCached(pid(0)), env.pool.IsCached(pid(1)), "exactly one of the first two pages is evicted")
	assert.False(t, env.pool.IsCached(pid(0)), "the least recently used page goes first")
}

func TestCapacityInvariant(t *testing.T) {
	env := setupPool(t, 3)
	appendPages(t, env.store, 10)
	ctx := context.Background()
	txn := transaction.NewTransactionID()

	for i := 0; i < 200; i++ {
		n := uint32((i * 7) % 10)
		_, err := env.pool.FetchPage(ctx, txn, pid(n), transaction.ReadOnly)
		require.NoError(t, err)
		require.LessOrEqual(t, env.pool.Stats().Cached, 3)
	}
	stats := env.pool.Stats()
	assert.Equal(t, uint64(200), stats.Hits+stats.Misses)
}

func TestFetchReturnsSingleInstance(t *testing.T) {
	env := setupPool(t, 4)
	appendPages(t, env.store, 1)
	ctx := context.Background()

	a, err := env.pool.FetchPage(ctx, transaction.NewTransactionID(), pid(0), transaction.ReadOnly)
	require.NoError(t, err)
	b, err := env.pool.FetchPage(ctx, transaction.NewTransactionID(), pid(0), transaction.ReadOnly)
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestInsertIntoEmptyTable(t *testing.T) {
	env := setupPool(t, 4)
	ctx := context.Background()
	txn := transaction.NewTransactionID()

	rec := testRecord(1)
	require.NoError(t, env.pool.InsertRecord(ctx, txn, testTableID, rec))

	require.Equal(t, uint32(1), env.store.NumPages())
	require.NotNil(t, rec.Location)
	assert.Equal(t, pagemanager.RecordLocation{PageID: pid(0), Slot: 0}, *rec.Location)

	page, err := env.pool.FetchPage(ctx, txn, pid(0), transaction.ReadOnly)
	require.NoError(t, err)
	by, dirty := page.DirtiedBy()
	assert.True(t, dirty)
	assert.Equal(t, txn, by)
	assert.True(t, env.pool.HoldsLock(txn, pid(0)))
}

func TestInsertionPlacement(t *testing.T) {
	env := setupPool(t, 4)
	ctx := context.Background()
	txn := transaction.NewTransactionID()

	for i := 0; i < 10; i++ {
		require.NoError(t, env.pool.InsertRecord(ctx, txn, testTableID, testRecord(uint32(i))))
	}
	assert.Equal(t, uint32(1), env.store.NumPages(), "ten records fill exactly one page")

	rec := testRecord(10)
	require.NoError(t, env.pool.InsertRecord(ctx, txn, testTableID, rec))
	assert.Equal(t, uint32(2), env.store.NumPages())
	assert.Equal(t, pagemanager.RecordLocation{PageID: pid(1), Slot: 0}, *rec.Location)
}

func TestCommitWritesPages(t *testing.T) {
	env := setupPool(t, 4)
	ctx := context.Background()
	txn := transaction.NewTransactionID()

	for i := 0; i < 3; i++ {
		require.NoError(t, env.pool.InsertRecord(ctx, txn, testTableID, testRecord(uint32(i))))
	}
	cached, err := env.pool.FetchPage(ctx, txn, pid(0), transaction.ReadOnly)
	require.NoError(t, err)
	inMemory := cached.Serialize()

	require.NoError(t, env.pool.Commit(ctx, txn))
	assert.False(t, cached.IsDirty())
	assert.False(t, env.pool.HoldsLock(txn, pid(0)))

	onDisk, err := env.store.ReadPage(0)
	require.NoError(t, err)
	assert.Equal(t, inMemory, onDisk.Serialize())

	image, err := cached.BeforeImage()
	require.NoError(t, err)
	assert.Equal(t, inMemory, image.Serialize(), "the committed content is the new rollback point")

	reader, err := env.log.NewReader()
	require.NoError(t, err)
	defer reader.Close()
	update, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, wal.LogRecordTypeUpdate, update.Type)
	assert.Equal(t, inMemory, update.NewData)
	assert.Equal(t, pagemanager.NewEmptyPageData(testPageSize), update.OldData)
}

func TestAbortRestoresDeletedRecord(t *testing.T) {
	env := setupPool(t, 4)
	ctx := context.Background()

	setup := transaction.NewTransactionID()
	var recs []*pagemanager.Record
	for i := 0; i < 5; i++ {
		rec := testRecord(uint32(100 + i))
		require.NoError(t, env.pool.InsertRecord(ctx, setup, testTableID, rec))
		recs = append(recs, rec)
	}
	require.NoError(t, env.pool.Commit(ctx, setup))
	committed, err := env.store.ReadPage(0)
	require.NoError(t, err)

	txn := transaction.NewTransactionID()
	victim := recs[3]
	require.Equal(t, 3, victim.Location.Slot)
	require.NoError(t, env.pool.DeleteRecord(ctx, txn, victim))
	require.Nil(t, victim.Location)
	require.NoError(t, env.pool.Abort(ctx, txn))

	reader := transaction.NewTransactionID()
	page, err := env.pool.FetchPage(ctx, reader, pid(0), transaction.ReadOnly)
	require.NoError(t, err)
	assert.Equal(t, committed.Serialize(), page.Serialize())
	assert.Equal(t, []uint32{100, 101, 102, 103, 104}, values(page.Records()))
	assert.False(t, page.IsDirty())
}

func TestAbortRollsBackNewPage(t *testing.T) {
	env := setupPool(t, 4)
	ctx := context.Background()
	txn := transaction.NewTransactionID()

	require.NoError(t, env.pool.InsertRecord(ctx, txn, testTableID, testRecord(9)))
	require.NoError(t, env.pool.Abort(ctx, txn))

	assert.Equal(t, uint32(1), env.store.NumPages(), "the page allocation is permanent")
	page, err := env.pool.FetchPage(ctx, transaction.NewTransactionID(), pid(0), transaction.ReadOnly)
	require.NoError(t, err)
	assert.Empty(t, page.Records())

	onDisk, err := env.store.ReadPage(0)
	require.NoError(t, err)
	assert.Empty(t, onDisk.Records())
}

func TestAllDirtyPagesCannotBeEvicted(t *testing.T) {
	env := setupPool(t, 1)
	appendPages(t, env.store, 2)
	ctx := context.Background()
	txn := transaction.NewTransactionID()

	require.NoError(t, env.pool.InsertRecord(ctx, txn, testTableID, testRecord(1)))
	_, err := env.pool.FetchPage(ctx, txn, pid(1), transaction.ReadOnly)
	require.ErrorIs(t, err, flushmanager.ErrBufferPoolFull)
	assert.Equal(t, 1, env.pool.Stats().Cached)
	assert.Equal(t, 1, env.pool.Stats().Dirty)

	// Once the dirty page is committed it can make room again.
	require.NoError(t, env.pool.Commit(ctx, txn))
	_, err = env.pool.FetchPage(ctx, transaction.NewTransactionID(), pid(1), transaction.ReadOnly)
	require.NoError(t, err)
}

func TestFlushPagesThenAbortWritesBeforeImageBack(t *testing.T) {
	env := setupPool(t, 4)
	ctx := context.Background()
	txn := transaction.NewTransactionID()

	require.NoError(t, env.pool.InsertRecord(ctx, txn, testTableID, testRecord(5)))
	require.NoError(t, env.pool.FlushPages(ctx, txn))

	onDisk, err := env.store.ReadPage(0)
	require.NoError(t, err)
	require.Len(t, onDisk.Records(), 1, "flushed before the transaction finished")

	require.NoError(t, env.pool.Abort(ctx, txn))
	onDisk, err = env.store.ReadPage(0)
	require.NoError(t, err)
	assert.Empty(t, onDisk.Records())
}

func TestEarlyFlushedPageStaysCachedUntilAbort(t *testing.T) {
	env := setupPool(t, 2)
	appendPages(t, env.store, 3)
	ctx := context.Background()
	writer := transaction.NewTransactionID()

	require.NoError(t, env.pool.InsertRecord(ctx, writer, testTableID, testRecord(8)))
	require.NoError(t, env.pool.FlushAllPages(ctx))

	reader := transaction.NewTransactionID()
	for _, n := range []uint32{1, 2} {
		_, err := env.pool.FetchPage(ctx, reader, pid(n), transaction.ReadOnly)
		require.NoError(t, err)
	}
	assert.True(t, env.pool.IsCached(pid(0)), "a page written early keeps its before-image in the cache")
	assert.False(t, env.pool.IsCached(pid(1)))

	require.NoError(t, env.pool.Abort(ctx, writer))
	onDisk, err := env.store.ReadPage(0)
	require.NoError(t, err)
	assert.Empty(t, onDisk.Records())
}

func TestEarlyFlushedPagesCountAgainstCapacity(t *testing.T) {
	env := setupPool(t, 1)
	appendPages(t, env.store, 2)
	ctx := context.Background()
	writer := transaction.NewTransactionID()

	require.NoError(t, env.pool.InsertRecord(ctx, writer, testTableID, testRecord(3)))
	require.NoError(t, env.pool.FlushPages(ctx, writer))
	require.Zero(t, env.pool.Stats().Dirty)

	_, err := env.pool.FetchPage(ctx, transaction.NewTransactionID(), pid(1), transaction.ReadOnly)
	require.ErrorIs(t, err, flushmanager.ErrBufferPoolFull)

	require.NoError(t, env.pool.Commit(ctx, writer))
	_, err = env.pool.FetchPage(ctx, transaction.NewTransactionID(), pid(1), transaction.ReadOnly)
	require.NoError(t, err)
}

func TestFlushAllPagesThenCommitRefreshesBeforeImage(t *testing.T) {
	env := setupPool(t, 4)
	ctx := context.Background()
	txn := transaction.NewTransactionID()

	require.NoError(t, env.pool.InsertRecord(ctx, txn, testTableID, testRecord(6)))
	require.NoError(t, env.pool.FlushAllPages(ctx))
	assert.Zero(t, env.pool.Stats().Dirty)
	require.NoError(t, env.pool.Commit(ctx, txn))

	page, err := env.pool.FetchPage(ctx, transaction.NewTransactionID(), pid(0), transaction.ReadOnly)
	require.NoError(t, err)
	image, err := page.BeforeImage()
	require.NoError(t, err)
	assert.Equal(t, []uint32{6}, values(image.Records()))
}

func TestDiscardPage(t *testing.T) {
	env := setupPool(t, 4)
	appendPages(t, env.store, 1)
	ctx := context.Background()

	_, err := env.pool.FetchPage(ctx, transaction.NewTransactionID(), pid(0), transaction.ReadOnly)
	require.NoError(t, err)
	require.True(t, env.pool.IsCached(pid(0)))
	env.pool.DiscardPage(pid(0))
	assert.False(t, env.pool.IsCached(pid(0)))
	env.pool.DiscardPage(pid(0))
}

func TestWithPage(t *testing.T) {
	env := setupPool(t, 4)
	appendPages(t, env.store, 1)
	ctx := context.Background()
	txn := transaction.NewTransactionID()

	err := env.pool.WithPage(ctx, txn, pid(0), transaction.ReadOnly, func(p pagemanager.Page) error {
		assert.Equal(t, pid(0), p.ID())
		return nil
	})
	require.NoError(t, err)

	sentinel := errors.New("stop")
	err = env.pool.WithPage(ctx, txn, pid(0), transaction.ReadOnly, func(pagemanager.Page) error { return sentinel })
	require.ErrorIs(t, err, sentinel)
}

func TestWithPageWriteIsCommitted(t *testing.T) {
	env := setupPool(t, 4)
	appendPages(t, env.store, 1)
	ctx := context.Background()
	txn := transaction.NewTransactionID()

	err := env.pool.WithPage(ctx, txn, pid(0), transaction.ReadWrite, func(p pagemanager.Page) error {
		return p.InsertRecord(testRecord(7))
	})
	require.NoError(t, err)
	assert.Equal(t, 1, env.pool.Stats().Dirty)
	assert.True(t, env.pool.HoldsLock(txn, pid(0)))

	require.NoError(t, env.pool.Commit(ctx, txn))
	onDisk, err := env.store.ReadPage(0)
	require.NoError(t, err)
	assert.Equal(t, []uint32{7}, values(onDisk.Records()))
}

func TestWithPageFailedWriteLeavesPageClean(t *testing.T) {
	env := setupPool(t, 4)
	appendPages(t, env.store, 1)
	ctx := context.Background()
	txn := transaction.NewTransactionID()

	err := env.pool.WithPage(ctx, txn, pid(0), transaction.ReadWrite, func(p pagemanager.Page) error {
		return p.InsertRecord(pagemanager.NewRecord(make([]byte, testRecordSize-1)))
	})
	require.ErrorIs(t, err, flushmanager.ErrSchemaMismatch)
	assert.Zero(t, env.pool.Stats().Dirty)
	require.NoError(t, env.pool.Abort(ctx, txn))
}

func TestExclusiveFetchBlocksReaders(t *testing.T) {
	env := setupPool(t, 4)
	appendPages(t, env.store, 1)
	ctx := context.Background()

	writer := transaction.NewTransactionID()
	_, err := env.pool.FetchPage(ctx, writer, pid(0), transaction.ReadWrite)
	require.NoError(t, err)

	var granted atomic.Bool
	done := make(chan error, 1)
	go func() {
		_, err := env.pool.FetchPage(ctx, transaction.NewTransactionID(), pid(0), transaction.ReadOnly)
		granted.Store(true)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, granted.Load(), "a reader must wait for the exclusive holder")

	require.NoError(t, env.pool.Commit(ctx, writer))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reader was not granted the page after commit")
	}
}

func TestUpgradeDeadlockIsReported(t *testing.T) {
	env := setupPool(t, 4)
	appendPages(t, env.store, 1)
	ctx := context.Background()
	t1, t2 := transaction.NewTransactionID(), transaction.NewTransactionID()

	_, err := env.pool.FetchPage(ctx, t1, pid(0), transaction.ReadOnly)
	require.NoError(t, err)
	_, err = env.pool.FetchPage(ctx, t2, pid(0), transaction.ReadOnly)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := env.pool.FetchPage(ctx, t1, pid(0), transaction.ReadWrite)
		done <- err
	}()
	require.Eventually(t, func() bool { return env.locks.Waiting(t1) }, 2*time.Second, 5*time.Millisecond)

	_, err = env.pool.FetchPage(ctx, t2, pid(0), transaction.ReadWrite)
	require.ErrorIs(t, err, flushmanager.ErrDeadlock)
	require.True(t, flushmanager.IsAbortSignal(err))
	require.NoError(t, env.pool.Abort(ctx, t2))

	require.NoError(t, <-done)
	require.NoError(t, env.pool.Commit(ctx, t1))
}

func TestConcurrentInsertsAllLand(t *testing.T) {
	env := setupPool(t, 16)
	ctx := context.Background()

	const workers, perWorker = 6, 10
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < perWorker; i++ {
				for {
					txn := transaction.NewTransactionID()
					err := env.pool.InsertRecord(ctx, txn, testTableID, testRecord(uint32(w*perWorker+i)))
					if err == nil {
						err = env.pool.Commit(ctx, txn)
					}
					if err == nil {
						break
					}
					if abortErr := env.pool.Abort(ctx, txn); abortErr != nil {
						return abortErr
					}
					if !flushmanager.IsAbortSignal(err) {
						return err
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	reader := transaction.NewTransactionID()
	it := env.store.Iterator(env.pool, reader)
	require.NoError(t, it.Open(ctx))
	seen := make(map[uint32]bool)
	for it.Next(ctx) {
		seen[binary.LittleEndian.Uint32(it.Record().Data)] = true
	}
	require.NoError(t, it.Err())
	assert.Len(t, seen, workers*perWorker)
}

func TestCheckpointDuringInserts(t *testing.T) {
	env := setupPool(t, 16)
	ctx := context.Background()

	const workers, perWorker = 4, 10
	stop := make(chan struct{})
	checkpoints := make(chan error, 1)
	go func() {
		for {
			select {
			case <-stop:
				checkpoints <- nil
				return
			default:
			}
			if err := env.pool.FlushAllPages(ctx); err != nil {
				checkpoints <- err
				return
			}
		}
	}()

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < perWorker; i++ {
				for {
					txn := transaction.NewTransactionID()
					err := env.pool.InsertRecord(ctx, txn, testTableID, testRecord(uint32(w*perWorker+i)))
					if err == nil {
						err = env.pool.Commit(ctx, txn)
					}
					if err == nil {
						break
					}
					if abortErr := env.pool.Abort(ctx, txn); abortErr != nil {
						return abortErr
					}
					if !flushmanager.IsAbortSignal(err) {
						return err
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	close(stop)
	require.NoError(t, <-checkpoints)

	seen := make(map[uint32]bool)
	for n := uint32(0); n < env.store.NumPages(); n++ {
		page, err := env.store.ReadPage(n)
		require.NoError(t, err)
		for _, v := range values(page.Records()) {
			seen[v] = true
		}
	}
	assert.Len(t, seen, workers*perWorker)
}
