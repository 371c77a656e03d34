// Package database ties the storage components together behind one handle.
// A Database owns its catalog, lock manager, write-ahead log and buffer pool;
// nothing is process global.
package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/gojostore/core/catalog"
	lockmanager "github.com/sushant-115/gojostore/core/concurrency/lock_manager"
	"github.com/sushant-115/gojostore/core/storage_engine/common"
	"github.com/sushant-115/gojostore/core/transaction"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	"github.com/sushant-115/gojostore/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/sushant-115/gojostore/core/write_engine/wal"
	"github.com/sushant-115/gojostore/pkg/config"
	"github.com/sushant-115/gojostore/pkg/telemetry"
)

// Row is one decoded record and where it lives.
type Row struct {
	Location pagemanager.RecordLocation
	Values   []any
}

// Database is an open storage engine instance.
type Database struct {
	cfg    config.Config
	logger *zap.Logger
	tracer trace.Tracer

	catalog *catalog.Catalog
	locks   *lockmanager.LockManager
	log     *wal.LogManager
	pool    *memtable.BufferPoolManager

	mu     sync.Mutex
	active map[transaction.TransactionID]*transaction.Transaction
	closed bool
}

// Open validates cfg and opens (or creates) the database it describes. A nil
// logger or telemetry disables them.
func Open(cfg config.Config, logger *zap.Logger, tel *telemetry.Telemetry) (*Database, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if tel == nil {
		tel = telemetry.Noop()
	}

	cat, err := catalog.Open(cfg.Storage.DataDir, cfg.Storage.PageSize, logger)
	if err != nil {
		return nil, err
	}
	locks, err := lockmanager.NewLockManager(cfg.Lock, logger, tel.Meter)
	if err != nil {
		return nil, multierr.Append(err, cat.Close())
	}
	walCfg := cfg.WAL
	walCfg.Dir = cfg.WALDir()
	logManager, err := wal.NewLogManager(walCfg, logger)
	if err != nil {
		return nil, multierr.Append(err, cat.Close())
	}
	pool, err := memtable.NewBufferPoolManager(memtable.Options{
		Capacity: cfg.Storage.BufferPoolPages,
		Resolver: cat,
		Locks:    locks,
		Log:      logManager,
		Logger:   logger,
		Meter:    tel.Meter,
		Tracer:   tel.Tracer,
	})
	if err != nil {
		return nil, multierr.Combine(err, logManager.Close(), cat.Close())
	}

	db := &Database{
		cfg:     cfg,
		logger:  logger.Named("database"),
		tracer:  tel.Tracer,
		catalog: cat,
		locks:   locks,
		log:     logManager,
		pool:    pool,
		active:  make(map[transaction.TransactionID]*transaction.Transaction),
	}
	db.logger.Info("Database opened",
		zap.String("data_dir", cfg.Storage.DataDir),
		zap.Int("page_size", cfg.Storage.PageSize),
		zap.Int("buffer_pool_pages", cfg.Storage.BufferPoolPages),
		zap.Int("tables", len(cat.Tables())))
	return db, nil
}

// Config returns the configuration the database was opened with.
func (db *Database) Config() config.Config { return db.cfg }

// Catalog exposes the table directory.
func (db *Database) Catalog() *catalog.Catalog { return db.catalog }

// BufferPool exposes the page cache.
func (db *Database) BufferPool() *memtable.BufferPoolManager { return db.pool }

// Begin starts a transaction.
func (db *Database) Begin() (*transaction.Transaction, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, flushmanager.ErrStoreClosed
	}
	txn := transaction.New()
	db.active[txn.ID()] = txn
	db.logger.Debug("Transaction started", zap.Stringer("txn", txn.ID()))
	return txn, nil
}

// ActiveTransactions returns the number of transactions not yet finished.
func (db *Database) ActiveTransactions() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.active)
}

func checkRunning(txn *transaction.Transaction) error {
	if txn == nil {
		return fmt.Errorf("%w: nil transaction", flushmanager.ErrTxnInvalidState)
	}
	if st := txn.State(); st != transaction.TxnStateRunning {
		return fmt.Errorf("%w: txn %s is %s", flushmanager.ErrTxnInvalidState, txn.ID(), st)
	}
	return nil
}

func (db *Database) forget(txn *transaction.Transaction) {
	db.mu.Lock()
	delete(db.active, txn.ID())
	db.mu.Unlock()
}

// Commit makes txn's changes durable and releases its locks. If the commit
// fails the transaction stays running and must be aborted.
func (db *Database) Commit(ctx context.Context, txn *transaction.Transaction) error {
	if err := checkRunning(txn); err != nil {
		return err
	}
	if err := db.pool.Commit(ctx, txn.ID()); err != nil {
		return err
	}
	if !txn.Finish(transaction.TxnStateCommitted) {
		return fmt.Errorf("%w: txn %s finished concurrently", flushmanager.ErrTxnInvalidState, txn.ID())
	}
	db.forget(txn)
	db.logger.Debug("Transaction committed", zap.Stringer("txn", txn.ID()), zap.Duration("elapsed", time.Since(txn.StartedAt())))
	return nil
}

// Abort rolls txn back and releases its locks.
func (db *Database) Abort(ctx context.Context, txn *transaction.Transaction) error {
	if err := checkRunning(txn); err != nil {
		return err
	}
	err := db.pool.Abort(ctx, txn.ID())
	txn.Finish(transaction.TxnStateAborted)
	db.forget(txn)
	return err
}

// CreateTable adds an empty table.
func (db *Database) CreateTable(name string, schema *catalog.Schema) (*catalog.Table, error) {
	return db.catalog.CreateTable(name, schema)
}

// Insert encodes values with the table's schema and inserts the row.
func (db *Database) Insert(ctx context.Context, txn *transaction.Transaction, table string, values ...any) (pagemanager.RecordLocation, error) {
	if err := checkRunning(txn); err != nil {
		return pagemanager.RecordLocation{}, err
	}
	t, err := db.catalog.TableByName(table)
	if err != nil {
		return pagemanager.RecordLocation{}, err
	}
	data, err := t.Schema.EncodeValues(values...)
	if err != nil {
		return pagemanager.RecordLocation{}, err
	}

	ctx, span := db.tracer.Start(ctx, "Database.Insert", trace.WithAttributes(attribute.String("table", table)))
	defer span.End()
	rec := pagemanager.NewRecord(data)
	if err := db.pool.InsertRecord(ctx, txn.ID(), t.ID, rec); err != nil {
		span.RecordError(err)
		return pagemanager.RecordLocation{}, err
	}
	return *rec.Location, nil
}

// Delete removes the row at loc.
func (db *Database) Delete(ctx context.Context, txn *transaction.Transaction, loc pagemanager.RecordLocation) error {
	if err := checkRunning(txn); err != nil {
		return err
	}
	ctx, span := db.tracer.Start(ctx, "Database.Delete", trace.WithAttributes(attribute.Stringer("page", loc.PageID)))
	defer span.End()
	return db.pool.DeleteRecord(ctx, txn.ID(), &pagemanager.Record{Location: &loc})
}

// Scan calls fn for every row of table in page and slot order, holding a
// shared lock on each page it visits until txn ends. Returning an error from
// fn stops the scan.
func (db *Database) Scan(ctx context.Context, txn *transaction.Transaction, table string, fn func(Row) error) error {
	if err := checkRunning(txn); err != nil {
		return err
	}
	t, err := db.catalog.TableByName(table)
	if err != nil {
		return err
	}
	it := t.Store.Iterator(db.pool, txn.ID())
	defer it.Close()
	if err := it.Open(ctx); err != nil {
		return err
	}
	for it.Next(ctx) {
		rec := it.Record()
		values, err := t.Schema.DecodeValues(rec.Data)
		if err != nil {
			return err
		}
		if err := fn(Row{Location: *rec.Location, Values: values}); err != nil {
			return err
		}
	}
	return it.Err()
}

// Checkpoint writes every dirty page, forces the log and syncs table files.
// Pages of running transactions are written too; they are put back from
// their before-image if the transaction aborts.
func (db *Database) Checkpoint(ctx context.Context) error {
	ctx, span := db.tracer.Start(ctx, "Database.Checkpoint")
	defer span.End()
	if err := db.pool.FlushAllPages(ctx); err != nil {
		return err
	}
	if err := db.log.Force(); err != nil {
		return err
	}
	if err := db.catalog.Sync(); err != nil {
		return err
	}
	db.logger.Info("Checkpoint complete", zap.Uint64("lsn", uint64(db.log.CurrentLSN())))
	return nil
}

// Backup copies the catalog and every table file into dir, throttled to
// rateBytesPerSec (unlimited when zero), and returns the sha256 of each copied
// file keyed by file name. The database must have no running transactions;
// Begin blocks until the copy finishes.
func (db *Database) Backup(ctx context.Context, dir string, rateBytesPerSec int64) (map[string]string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, flushmanager.ErrStoreClosed
	}
	if n := len(db.active); n > 0 {
		return nil, fmt.Errorf("%w: backup needs an idle database, %d transactions running", flushmanager.ErrTxnInvalidState, n)
	}
	if err := db.catalog.Sync(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory %s: %w", dir, err)
	}

	sources := []string{filepath.Join(db.cfg.Storage.DataDir, catalog.FileName)}
	for _, t := range db.catalog.Tables() {
		sources = append(sources, t.Path)
	}
	sums := make(map[string]string, len(sources))
	for _, src := range sources {
		if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
			continue
		}
		name := filepath.Base(src)
		sum, err := common.CopyThrottled(ctx, src, filepath.Join(dir, name), rateBytesPerSec)
		if err != nil {
			return nil, fmt.Errorf("failed to back up %s: %w", name, err)
		}
		sums[name] = sum
	}
	db.logger.Info("Backup complete", zap.String("dir", dir), zap.Int("files", len(sums)))
	return sums, nil
}

// Close aborts every running transaction and closes the log and the table
// files.
func (db *Database) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	running := make([]*transaction.Transaction, 0, len(db.active))
	for _, txn := range db.active {
		running = append(running, txn)
	}
	db.mu.Unlock()

	var err error
	for _, txn := range running {
		db.logger.Warn("Aborting transaction still running at close", zap.Stringer("txn", txn.ID()))
		if abortErr := db.Abort(context.Background(), txn); abortErr != nil && !errors.Is(abortErr, flushmanager.ErrTxnInvalidState) {
			err = multierr.Append(err, abortErr)
		}
	}
	err = multierr.Append(err, db.log.Close())
	err = multierr.Append(err, db.catalog.Close())
	db.logger.Info("Database closed")
	return err
}
