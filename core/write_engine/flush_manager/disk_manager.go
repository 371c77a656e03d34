package flushmanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/sushant-115/gojostore/core/transaction"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// --- DiskManager ---

// PageFetcher is the buffer pool surface the page store needs to place and
// remove records under the caller's transaction.
type PageFetcher interface {
	FetchPage(ctx context.Context, txn transaction.TransactionID, pid pagemanager.PageID, perm transaction.Permission) (pagemanager.Page, error)
	// ModifyPage applies fn to pid under an exclusive lock and leaves the
	// page dirty for txn when fn succeeds.
	ModifyPage(ctx context.Context, txn transaction.TransactionID, pid pagemanager.PageID, fn func(pagemanager.Page) error) (pagemanager.Page, error)
	HoldsLock(txn transaction.TransactionID, pid pagemanager.PageID) bool
	ReleasePage(txn transaction.TransactionID, pid pagemanager.PageID)
}

// TableIDForPath derives a stable table id from the absolute path of the
// table's backing file.
func TableIDForPath(path string) (uint32, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return 0, fmt.Errorf("resolving table path %s: %w", path, err)
	}
	return uint32(xxhash.Sum64String(abs)), nil
}

// DiskManager is the page store of one table: a flat file of fixed-size heap
// pages where page n lives at [n*pageSize, (n+1)*pageSize). The file only grows.
type DiskManager struct {
	filePath string
	tableID  uint32
	pageSize int
	codec    pagemanager.RecordCodec
	logger   *zap.Logger

	mu       sync.Mutex
	file     *os.File
	numPages uint32
}

// NewDiskManager opens (creating if necessary) the table file at filePath.
func NewDiskManager(filePath string, tableID uint32, pageSize int, codec pagemanager.RecordCodec, logger *zap.Logger) (*DiskManager, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("page size must be positive, got %d", pageSize)
	}
	if pagemanager.NumSlots(pageSize, codec.RecordSize()) == 0 {
		return nil, fmt.Errorf("%w: %d byte records do not fit in a %d byte page", ErrSchemaMismatch, codec.RecordSize(), pageSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("%w: opening file %s: %v", ErrIO, filePath, err)
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: getting file info for %s: %v", ErrIO, filePath, err)
	}

	// A trailing partial page still counts, so reading it reports the short read.
	numPages := (fi.Size() + int64(pageSize) - 1) / int64(pageSize)

	dm := &DiskManager{
		filePath: filePath,
		tableID:  tableID,
		pageSize: pageSize,
		codec:    codec,
		logger:   logger.Named("disk_manager").With(zap.Uint32("table", tableID)),
		file:     file,
		numPages: uint32(numPages),
	}
	if fi.Size()%int64(pageSize) != 0 {
		dm.logger.Warn("Table file length is not a multiple of the page size",
			zap.String("path", filePath), zap.Int64("size", fi.Size()), zap.Int("page_size", pageSize))
	}
	return dm, nil
}

func (dm *DiskManager) TableID() uint32                { return dm.tableID }
func (dm *DiskManager) PageSize() int                  { return dm.pageSize }
func (dm *DiskManager) Codec() pagemanager.RecordCodec { return dm.codec }
func (dm *DiskManager) Path() string                   { return dm.filePath }

// NumPages returns the number of pages in the file. It never decreases.
func (dm *DiskManager) NumPages() uint32 {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.numPages
}

// ReadPage reads and parses page pageNumber.
func (dm *DiskManager) ReadPage(pageNumber uint32) (pagemanager.Page, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil, ErrStoreClosed
	}
	data := make([]byte, dm.pageSize)
	offset := int64(pageNumber) * int64(dm.pageSize)
	bytesRead, err := dm.file.ReadAt(data, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: reading page %d at offset %d: %v", ErrIO, pageNumber, offset, err)
	}
	if bytesRead != dm.pageSize {
		return nil, fmt.Errorf("%w: %w: page %d, expected %d bytes, got %d", ErrIO, ErrShortRead, pageNumber, dm.pageSize, bytesRead)
	}
	page, err := pagemanager.ParseHeapPage(pagemanager.PageID{TableID: dm.tableID, PageNumber: pageNumber}, data, dm.codec)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing page %d: %w", ErrIO, pageNumber, err)
	}
	return page, nil
}

// WritePage writes the page's bytes at its offset. Writing the page directly
// after the current last page extends the file by one page.
func (dm *DiskManager) WritePage(page pagemanager.Page) error {
	pid := page.ID()
	if pid.TableID != dm.tableID {
		return fmt.Errorf("%w: page %s written to table %d", ErrTableMismatch, pid, dm.tableID)
	}
	data := page.Serialize()
	if len(data) != dm.pageSize {
		return fmt.Errorf("page data size (%d) != disk manager page size (%d)", len(data), dm.pageSize)
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrStoreClosed
	}
	if pid.PageNumber > dm.numPages {
		return fmt.Errorf("%w: page %d is past the end of a %d page file", ErrIntegrity, pid.PageNumber, dm.numPages)
	}
	offset := int64(pid.PageNumber) * int64(dm.pageSize)
	if _, err := dm.file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("%w: writing page %d at offset %d: %v", ErrIO, pid.PageNumber, offset, err)
	}
	if pid.PageNumber == dm.numPages {
		dm.numPages++
	}
	return nil
}

// AppendEmptyPage reserves the next page number and writes an all-zero page there.
func (dm *DiskManager) AppendEmptyPage() (pagemanager.PageID, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return pagemanager.PageID{}, ErrStoreClosed
	}
	pid := pagemanager.PageID{TableID: dm.tableID, PageNumber: dm.numPages}
	offset := int64(pid.PageNumber) * int64(dm.pageSize)
	if _, err := dm.file.WriteAt(pagemanager.NewEmptyPageData(dm.pageSize), offset); err != nil {
		return pagemanager.PageID{}, fmt.Errorf("%w: extending file for new page %d: %v", ErrIO, pid.PageNumber, err)
	}
	dm.numPages++
	dm.logger.Debug("Appended empty page", zap.Uint32("page", pid.PageNumber))
	return pid, nil
}

// InsertRecord places rec on the first page with a free slot. Pages are
// probed under a shared lock and only the chosen page is locked exclusively;
// a shared lock taken just for the probe is dropped again when the page turns
// out to be full. When no page has room a new empty page is appended and the
// record goes into its slot 0. The appended page reaches the file as zeros;
// the record itself is written when the transaction commits.
func (dm *DiskManager) InsertRecord(ctx context.Context, fetcher PageFetcher, txn transaction.TransactionID, rec *pagemanager.Record) ([]pagemanager.Page, error) {
	if rec == nil || len(rec.Data) != dm.codec.RecordSize() {
		got := 0
		if rec != nil {
			got = len(rec.Data)
		}
		return nil, fmt.Errorf("%w: record is %d bytes, table %d stores %d", ErrSchemaMismatch, got, dm.tableID, dm.codec.RecordSize())
	}

	numPages := dm.NumPages()
	for n := uint32(0); n < numPages; n++ {
		pid := pagemanager.PageID{TableID: dm.tableID, PageNumber: n}
		heldBefore := fetcher.HoldsLock(txn, pid)

		page, err := fetcher.FetchPage(ctx, txn, pid, transaction.ReadOnly)
		if err != nil {
			return nil, err
		}
		if page.NumEmptySlots() == 0 {
			if !heldBefore {
				fetcher.ReleasePage(txn, pid)
			}
			continue
		}

		page, err = fetcher.ModifyPage(ctx, txn, pid, func(p pagemanager.Page) error { return p.InsertRecord(rec) })
		if err != nil {
			return nil, err
		}
		return []pagemanager.Page{page}, nil
	}

	pid, err := dm.AppendEmptyPage()
	if err != nil {
		return nil, err
	}
	page, err := fetcher.ModifyPage(ctx, txn, pid, func(p pagemanager.Page) error { return p.InsertRecord(rec) })
	if err != nil {
		return nil, err
	}
	return []pagemanager.Page{page}, nil
}

// DeleteRecord removes rec from the page its location names.
func (dm *DiskManager) DeleteRecord(ctx context.Context, fetcher PageFetcher, txn transaction.TransactionID, rec *pagemanager.Record) (pagemanager.Page, error) {
	if rec == nil || rec.Location == nil {
		return nil, fmt.Errorf("%w: record has no location", ErrIntegrity)
	}
	pid := rec.Location.PageID
	if pid.TableID != dm.tableID {
		return nil, fmt.Errorf("%w: record on table %d deleted through table %d", ErrIntegrity, pid.TableID, dm.tableID)
	}
	if pid.PageNumber >= dm.NumPages() {
		return nil, fmt.Errorf("%w: page %d does not exist", ErrIntegrity, pid.PageNumber)
	}
	return fetcher.ModifyPage(ctx, txn, pid, func(p pagemanager.Page) error { return p.DeleteRecord(rec) })
}

// Iterator returns a forward-only iterator over the table's records as seen
// by txn.
func (dm *DiskManager) Iterator(fetcher PageFetcher, txn transaction.TransactionID) *TableIterator {
	return newTableIterator(dm, fetcher, txn)
}

// Sync flushes all buffered data to disk.
func (dm *DiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file != nil {
		if err := dm.file.Sync(); err != nil {
			return fmt.Errorf("%w: syncing %s: %v", ErrIO, dm.filePath, err)
		}
	}
	return nil
}

// Close syncs and closes the underlying file handle.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	if err := dm.file.Sync(); err != nil {
		dm.logger.Error("Error syncing file on close", zap.String("path", dm.filePath), zap.Error(err))
	}
	err := dm.file.Close()
	dm.file = nil
	return err
}
