package flushmanager

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/sushant-115/gojostore/core/transaction"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

const (
	testPageSize   = 4096
	testRecordSize = 512 // 7 slots per page
	testTableID    = 11
)

// --- Test Helpers ---

// fakeFetcher caches pages like the buffer pool and records lock requests,
// without ever blocking.
type fakeFetcher struct {
	store    *DiskManager
	mu       sync.Mutex
	pages    map[pagemanager.PageID]pagemanager.Page
	locks    map[pagemanager.PageID]transaction.Permission
	released []pagemanager.PageID
	fetches  int
}

func newFakeFetcher(store *DiskManager) *fakeFetcher {
	return &fakeFetcher{
		store: store,
		pages: make(map[pagemanager.PageID]pagemanager.Page),
		locks: make(map[pagemanager.PageID]transaction.Permission),
	}
}

func (f *fakeFetcher) FetchPage(_ context.Context, _ transaction.TransactionID, pid pagemanager.PageID, perm transaction.Permission) (pagemanager.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if cur, ok := f.locks[pid]; !ok || perm > cur {
		f.locks[pid] = perm
	}
	if p, ok := f.pages[pid]; ok {
		return p, nil
	}
	p, err := f.store.ReadPage(pid.PageNumber)
	if err != nil {
		return nil, err
	}
	f.pages[pid] = p
	return p, nil
}

func (f *fakeFetcher) ModifyPage(ctx context.Context, txn transaction.TransactionID, pid pagemanager.PageID, fn func(pagemanager.Page) error) (pagemanager.Page, error) {
	p, err := f.FetchPage(ctx, txn, pid, transaction.ReadWrite)
	if err != nil {
		return nil, err
	}
	if err := fn(p); err != nil {
		return nil, err
	}
	p.MarkDirty(true, txn)
	return p, nil
}

func (f *fakeFetcher) HoldsLock(_ transaction.TransactionID, pid pagemanager.PageID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.locks[pid]
	return ok
}

func (f *fakeFetcher) ReleasePage(_ transaction.TransactionID, pid pagemanager.PageID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.locks, pid)
	f.released = append(f.released, pid)
}

// setupDiskManager opens a table file in a temporary directory.
func setupDiskManager(t *testing.T) *DiskManager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "table.tbl")
	dm, err := NewDiskManager(path, testTableID, testPageSize, pagemanager.FixedWidthCodec{Size: testRecordSize}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = dm.Close() })
	return dm
}

func testRecord(v uint32) *pagemanager.Record {
	data := make([]byte, testRecordSize)
	binary.LittleEndian.PutUint32(data, v)
	return pagemanager.NewRecord(data)
}

func pid(n uint32) pagemanager.PageID {
	return pagemanager.PageID{TableID: testTableID, PageNumber: n}
}

// fillPage writes a page with every slot occupied.
func fillPage(t *testing.T, dm *DiskManager, n uint32) {
	t.Helper()
	p, err := pagemanager.ParseHeapPage(pid(n), pagemanager.NewEmptyPageData(testPageSize), dm.Codec())
	require.NoError(t, err)
	for p.NumEmptySlots() > 0 {
		require.NoError(t, p.InsertRecord(testRecord(n)))
	}
	require.NoError(t, dm.WritePage(p))
}

// --- Test Cases ---

func TestAppendEmptyPageGrowsFile(t *testing.T) {
	dm := setupDiskManager(t)
	require.Equal(t, uint32(0), dm.NumPages())

	for i := uint32(0); i < 3; i++ {
		id, err := dm.AppendEmptyPage()
		require.NoError(t, err)
		assert.Equal(t, pid(i), id)
	}
	assert.Equal(t, uint32(3), dm.NumPages())

	fi, err := os.Stat(dm.Path())
	require.NoError(t, err)
	assert.Equal(t, int64(3*testPageSize), fi.Size())

	p, err := dm.ReadPage(2)
	require.NoError(t, err)
	assert.Equal(t, pagemanager.NewEmptyPageData(testPageSize), p.Serialize())
}

func TestAppendEmptyPageConcurrentCallersGetDistinctPages(t *testing.T) {
	dm := setupDiskManager(t)

	const callers = 32
	ids := make([]uint32, callers)
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			id, err := dm.AppendEmptyPage()
			ids[i] = id.PageNumber
			return err
		})
	}
	require.NoError(t, g.Wait())

	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	for i, n := range ids {
		require.Equal(t, uint32(i), n)
	}
	assert.Equal(t, uint32(callers), dm.NumPages())
}

func TestWriteThenReadPage(t *testing.T) {
	dm := setupDiskManager(t)
	_, err := dm.AppendEmptyPage()
	require.NoError(t, err)

	p, err := dm.ReadPage(0)
	require.NoError(t, err)
	require.NoError(t, p.InsertRecord(testRecord(77)))
	require.NoError(t, dm.WritePage(p))

	reread, err := dm.ReadPage(0)
	require.NoError(t, err)
	assert.Equal(t, p.Serialize(), reread.Serialize())
	require.Len(t, reread.Records(), 1)
	assert.Equal(t, uint32(77), binary.LittleEndian.Uint32(reread.Records()[0].Data))
}

func TestWritePageExtendsOnlyAtTheEnd(t *testing.T) {
	dm := setupDiskManager(t)

	fillPage(t, dm, 0)
	assert.Equal(t, uint32(1), dm.NumPages())

	gap, err := pagemanager.ParseHeapPage(pid(5), pagemanager.NewEmptyPageData(testPageSize), dm.Codec())
	require.NoError(t, err)
	require.ErrorIs(t, dm.WritePage(gap), ErrIntegrity)

	other, err := pagemanager.ParseHeapPage(pagemanager.PageID{TableID: testTableID + 1}, pagemanager.NewEmptyPageData(testPageSize), dm.Codec())
	require.NoError(t, err)
	require.ErrorIs(t, dm.WritePage(other), ErrTableMismatch)
}

func TestReadPageShortRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "torn.tbl")
	require.NoError(t, os.WriteFile(path, make([]byte, testPageSize+100), 0666))

	dm, err := NewDiskManager(path, testTableID, testPageSize, pagemanager.FixedWidthCodec{Size: testRecordSize}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer dm.Close()

	assert.Equal(t, uint32(2), dm.NumPages())
	_, err = dm.ReadPage(0)
	require.NoError(t, err)

	_, err = dm.ReadPage(1)
	require.ErrorIs(t, err, ErrIO)
	require.ErrorIs(t, err, ErrShortRead)
}

func TestInsertRecordIntoEmptyTable(t *testing.T) {
	dm := setupDiskManager(t)
	fetcher := newFakeFetcher(dm)
	txn := transaction.NewTransactionID()

	rec := testRecord(1)
	pages, err := dm.InsertRecord(context.Background(), fetcher, txn, rec)
	require.NoError(t, err)
	require.Len(t, pages, 1)

	assert.Equal(t, pid(0), pages[0].ID())
	assert.Equal(t, uint32(1), dm.NumPages())
	require.NotNil(t, rec.Location)
	assert.Equal(t, pagemanager.RecordLocation{PageID: pid(0), Slot: 0}, *rec.Location)
	assert.Equal(t, transaction.ReadWrite, fetcher.locks[pid(0)])

	// The allocation is on disk, the record waits for commit.
	fi, err := os.Stat(dm.Path())
	require.NoError(t, err)
	assert.Equal(t, int64(testPageSize), fi.Size())
	onDisk, err := dm.ReadPage(0)
	require.NoError(t, err)
	assert.Empty(t, onDisk.Records())
}

func TestInsertRecordPrefersExistingFreeSlot(t *testing.T) {
	dm := setupDiskManager(t)
	fillPage(t, dm, 0)
	_, err := dm.AppendEmptyPage()
	require.NoError(t, err)

	fetcher := newFakeFetcher(dm)
	txn := transaction.NewTransactionID()

	rec := testRecord(2)
	pages, err := dm.InsertRecord(context.Background(), fetcher, txn, rec)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, pid(1), pages[0].ID())
	assert.Equal(t, 0, rec.Location.Slot)
	assert.Equal(t, uint32(2), dm.NumPages(), "no page may be allocated while one has room")

	// The probe of the full page released its shared lock.
	assert.Equal(t, []pagemanager.PageID{pid(0)}, fetcher.released)
	assert.False(t, fetcher.HoldsLock(txn, pid(0)))
	assert.Equal(t, transaction.ReadWrite, fetcher.locks[pid(1)])
}

func TestInsertRecordKeepsLocksHeldBeforeTheScan(t *testing.T) {
	dm := setupDiskManager(t)
	fillPage(t, dm, 0)

	fetcher := newFakeFetcher(dm)
	txn := transaction.NewTransactionID()
	_, err := fetcher.FetchPage(context.Background(), txn, pid(0), transaction.ReadOnly)
	require.NoError(t, err)

	_, err = dm.InsertRecord(context.Background(), fetcher, txn, testRecord(3))
	require.NoError(t, err)
	assert.Empty(t, fetcher.released)
	assert.True(t, fetcher.HoldsLock(txn, pid(0)))
}

func TestInsertRecordAppendsWhenAllPagesFull(t *testing.T) {
	dm := setupDiskManager(t)
	fillPage(t, dm, 0)
	fillPage(t, dm, 1)

	fetcher := newFakeFetcher(dm)
	rec := testRecord(4)
	pages, err := dm.InsertRecord(context.Background(), fetcher, transaction.NewTransactionID(), rec)
	require.NoError(t, err)

	assert.Equal(t, uint32(3), dm.NumPages(), "exactly one page is appended")
	assert.Equal(t, pid(2), pages[0].ID())
	assert.Equal(t, 0, rec.Location.Slot)
}

func TestInsertRecordSchemaMismatch(t *testing.T) {
	dm := setupDiskManager(t)
	fetcher := newFakeFetcher(dm)

	_, err := dm.InsertRecord(context.Background(), fetcher, transaction.NewTransactionID(), pagemanager.NewRecord([]byte{1}))
	require.ErrorIs(t, err, ErrSchemaMismatch)
	assert.Equal(t, uint32(0), dm.NumPages())
	assert.Zero(t, fetcher.fetches)
}

func TestDeleteRecord(t *testing.T) {
	dm := setupDiskManager(t)
	fetcher := newFakeFetcher(dm)
	txn := transaction.NewTransactionID()
	ctx := context.Background()

	rec := testRecord(5)
	_, err := dm.InsertRecord(ctx, fetcher, txn, rec)
	require.NoError(t, err)

	page, err := dm.DeleteRecord(ctx, fetcher, txn, rec)
	require.NoError(t, err)
	assert.Nil(t, rec.Location)
	assert.Equal(t, pid(0), page.ID())
	assert.Empty(t, page.Records())

	_, err = dm.DeleteRecord(ctx, fetcher, txn, rec)
	require.ErrorIs(t, err, ErrIntegrity)

	foreign := testRecord(5)
	foreign.Location = &pagemanager.RecordLocation{PageID: pagemanager.PageID{TableID: testTableID + 1}, Slot: 0}
	_, err = dm.DeleteRecord(ctx, fetcher, txn, foreign)
	require.ErrorIs(t, err, ErrIntegrity)

	beyond := testRecord(5)
	beyond.Location = &pagemanager.RecordLocation{PageID: pid(9), Slot: 0}
	_, err = dm.DeleteRecord(ctx, fetcher, txn, beyond)
	require.ErrorIs(t, err, ErrIntegrity)

	freed := testRecord(5)
	freed.Location = &pagemanager.RecordLocation{PageID: pid(0), Slot: 0}
	_, err = dm.DeleteRecord(ctx, fetcher, txn, freed)
	require.ErrorIs(t, err, ErrIntegrity)
}

func TestTableIterator(t *testing.T) {
	dm := setupDiskManager(t)
	fillPage(t, dm, 0)
	_, err := dm.AppendEmptyPage()
	require.NoError(t, err)
	fillPage(t, dm, 2)

	fetcher := newFakeFetcher(dm)
	it := dm.Iterator(fetcher, transaction.NewTransactionID())
	ctx := context.Background()

	require.False(t, it.Next(ctx))
	require.ErrorIs(t, it.Err(), ErrIteratorInvalid)

	require.NoError(t, it.Open(ctx))
	var seen []pagemanager.RecordLocation
	for it.Next(ctx) {
		seen = append(seen, *it.Record().Location)
	}
	require.NoError(t, it.Err())
	require.Len(t, seen, 14)
	assert.Equal(t, pid(0), seen[0].PageID)
	assert.Equal(t, pid(2), seen[13].PageID)
	assert.Equal(t, 6, seen[13].Slot)

	require.NoError(t, it.Rewind(ctx))
	count := 0
	for it.Next(ctx) {
		count++
	}
	assert.Equal(t, 14, count)

	it.Close()
	assert.False(t, it.Next(ctx))
	assert.ErrorIs(t, it.Err(), ErrIteratorInvalid)
	assert.ErrorIs(t, it.Rewind(ctx), ErrIteratorInvalid)
}

func TestTableIDForPathIsStable(t *testing.T) {
	dir := t.TempDir()
	a, err := TableIDForPath(filepath.Join(dir, "a.tbl"))
	require.NoError(t, err)
	again, err := TableIDForPath(filepath.Join(dir, ".", "a.tbl"))
	require.NoError(t, err)
	b, err := TableIDForPath(filepath.Join(dir, "b.tbl"))
	require.NoError(t, err)

	assert.Equal(t, a, again)
	assert.NotEqual(t, a, b)
}
