package flushmanager

import (
	"errors"

	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// --- Error Definitions ---

var (
	// Storage faults.
	ErrIO          = errors.New("i/o error")
	ErrShortRead   = errors.New("short read, page store file is truncated or corrupt")
	ErrCorruptPage = pagemanager.ErrCorruptPage
	ErrStoreClosed = errors.New("page store is closed")

	// Capacity faults.
	ErrBufferPoolFull = errors.New("buffer pool is full and every cached page is dirty")

	// Schema and integrity faults, rejected before any mutation.
	ErrSchemaMismatch = pagemanager.ErrSchemaMismatch
	ErrIntegrity      = pagemanager.ErrIntegrity
	ErrPageFull       = pagemanager.ErrPageFull
	ErrTableMismatch  = errors.New("page belongs to a different table")
	ErrTableNotFound  = errors.New("table not found")
	ErrTableExists    = errors.New("table already exists")

	// Abort signals. The transaction must be rolled back by its owner.
	ErrDeadlock        = errors.New("deadlock detected, transaction must abort")
	ErrLockTimeout     = errors.New("timed out waiting for page lock, transaction must abort")
	ErrTxnInvalidState = errors.New("transaction is in an invalid state for this operation")

	ErrIteratorInvalid  = errors.New("iterator is invalid or exhausted")
	ErrLogFile          = errors.New("log file operation error")
	ErrChecksumMismatch = errors.New("log record checksum mismatch, data corruption suspected")
)

// IsAbortSignal reports whether err requires the caller to abort its transaction.
func IsAbortSignal(err error) bool {
	return errors.Is(err, ErrDeadlock) || errors.Is(err, ErrLockTimeout)
}
