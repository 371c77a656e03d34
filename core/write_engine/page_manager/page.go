package pagemanager

import (
	"errors"
	"fmt"

	"github.com/sushant-115/gojostore/core/transaction"
)

// --- Page Management ---

var (
	ErrSchemaMismatch = errors.New("record layout does not match the page record width")
	ErrIntegrity      = errors.New("record location does not reference an occupied slot on this page")
	ErrPageFull       = errors.New("page has no free slot")
	ErrCorruptPage    = errors.New("page bytes do not match the expected layout")
)

// PageID represents a unique identifier for a page on disk: the owning table
// and the page number inside that table's file.
type PageID struct {
	TableID    uint32
	PageNumber uint32
}

func (id PageID) String() string {
	return fmt.Sprintf("%d:%d", id.TableID, id.PageNumber)
}

// RecordLocation is the position of a placed record.
type RecordLocation struct {
	PageID PageID
	Slot   int
}

// Record is one fixed-width row. Location is set once the record is placed on
// a page and cleared when it is deleted.
type Record struct {
	Data     []byte
	Location *RecordLocation
}

// NewRecord wraps data in an unplaced record.
func NewRecord(data []byte) *Record {
	return &Record{Data: data}
}

// PageKind enumerates the page layouts the engine knows how to parse.
type PageKind int

const (
	KindHeap PageKind = iota
)

func (k PageKind) String() string {
	switch k {
	case KindHeap:
		return "heap"
	default:
		return "unknown"
	}
}

// Page is the capability set every page kind exposes to the storage layers.
// The buffer pool owns the live instance; callers only use it while they hold
// the page lock.
type Page interface {
	ID() PageID
	Kind() PageKind
	Serialize() []byte

	IsDirty() bool
	// DirtiedBy returns the transaction that dirtied the page, if any.
	DirtiedBy() (transaction.TransactionID, bool)
	MarkDirty(dirty bool, txn transaction.TransactionID)

	BeforeImage() (Page, error)
	RefreshBeforeImage()

	InsertRecord(rec *Record) error
	DeleteRecord(rec *Record) error
	NumEmptySlots() int
	Records() []*Record
}
