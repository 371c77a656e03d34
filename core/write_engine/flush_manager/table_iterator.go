package flushmanager

import (
	"context"

	"github.com/sushant-115/gojostore/core/transaction"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// TableIterator walks a table's records in page-number then slot order,
// fetching each page read-only through the buffer pool.
//
//	it := store.Iterator(pool, txn)
//	if err := it.Open(ctx); err != nil { ... }
//	for it.Next(ctx) {
//		rec := it.Record()
//	}
//	if err := it.Err(); err != nil { ... }
type TableIterator struct {
	store   *DiskManager
	fetcher PageFetcher
	txn     transaction.TransactionID

	open     bool
	nextPage uint32
	buffered []*pagemanager.Record
	current  *pagemanager.Record
	err      error
}

func newTableIterator(store *DiskManager, fetcher PageFetcher, txn transaction.TransactionID) *TableIterator {
	return &TableIterator{store: store, fetcher: fetcher, txn: txn}
}

// Open positions the iterator before the first record.
func (it *TableIterator) Open(ctx context.Context) error {
	it.open = true
	it.nextPage = 0
	it.buffered = nil
	it.current = nil
	it.err = ctx.Err()
	return it.err
}

// Next advances to the next record. It returns false at the end of the table
// or on error; Err distinguishes the two.
func (it *TableIterator) Next(ctx context.Context) bool {
	if !it.open {
		it.err = ErrIteratorInvalid
		return false
	}
	if it.err != nil {
		return false
	}
	for len(it.buffered) == 0 {
		if it.nextPage >= it.store.NumPages() {
			it.current = nil
			return false
		}
		pid := pagemanager.PageID{TableID: it.store.TableID(), PageNumber: it.nextPage}
		page, err := it.fetcher.FetchPage(ctx, it.txn, pid, transaction.ReadOnly)
		if err != nil {
			it.err = err
			it.current = nil
			return false
		}
		it.buffered = page.Records()
		it.nextPage++
	}
	it.current = it.buffered[0]
	it.buffered = it.buffered[1:]
	return true
}

// Record returns the record Next stopped at.
func (it *TableIterator) Record() *pagemanager.Record { return it.current }

// Err returns the error that ended iteration, if any.
func (it *TableIterator) Err() error { return it.err }

// Rewind restarts iteration from the first page.
func (it *TableIterator) Rewind(ctx context.Context) error {
	if !it.open {
		return ErrIteratorInvalid
	}
	return it.Open(ctx)
}

// Close invalidates the iterator. Page locks stay with the transaction.
func (it *TableIterator) Close() {
	it.open = false
	it.buffered = nil
	it.current = nil
}
