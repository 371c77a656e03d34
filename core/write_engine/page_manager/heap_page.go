package pagemanager

import (
	"fmt"
	"sync"

	"github.com/sushant-115/gojostore/core/transaction"
)

// NumSlots returns how many records of recordSize bytes fit in a page of
// pageSize bytes once every slot is charged one bitmap bit.
func NumSlots(pageSize, recordSize int) int {
	if recordSize <= 0 || pageSize <= 0 {
		return 0
	}
	return (pageSize * 8) / (recordSize*8 + 1)
}

// HeaderSize returns the size in bytes of the occupancy bitmap for numSlots slots.
func HeaderSize(numSlots int) int {
	return (numSlots + 7) / 8
}

// NewEmptyPageData returns the bytes of a page with no occupied slot.
func NewEmptyPageData(pageSize int) []byte {
	return make([]byte, pageSize)
}

// HeapPage is an unordered page of fixed-width records. The layout is an
// occupancy bitmap (bit i%8 of byte i/8 marks slot i) followed by the slots,
// padded with zeros to the page size.
type HeapPage struct {
	id         PageID
	codec      RecordCodec
	pageSize   int
	recordSize int
	numSlots   int
	headerSize int
	data       []byte

	isDirty bool
	dirtier transaction.TransactionID

	imageMu     sync.Mutex
	beforeImage []byte
}

var _ Page = (*HeapPage)(nil)

// ParseHeapPage decodes a page from its on-disk bytes. The page size is the
// length of data. Unoccupied slots are read past and come back zero-filled.
func ParseHeapPage(id PageID, data []byte, codec RecordCodec) (*HeapPage, error) {
	recordSize := codec.RecordSize()
	numSlots := NumSlots(len(data), recordSize)
	if numSlots == 0 {
		return nil, fmt.Errorf("%w: %d byte records do not fit in a %d byte page", ErrSchemaMismatch, recordSize, len(data))
	}
	p := &HeapPage{
		id:         id,
		codec:      codec,
		pageSize:   len(data),
		recordSize: recordSize,
		numSlots:   numSlots,
		headerSize: HeaderSize(numSlots),
		data:       make([]byte, len(data)),
	}
	copy(p.data[:p.headerSize], data[:p.headerSize])
	// Bits past the last slot carry no meaning.
	if rem := numSlots % 8; rem != 0 {
		p.data[p.headerSize-1] &= byte(1<<rem) - 1
	}

	for i := 0; i < numSlots; i++ {
		if !p.IsSlotUsed(i) {
			continue
		}
		off := p.slotOffset(i)
		slot := data[off : off+recordSize]
		if _, err := codec.Decode(slot); err != nil {
			return nil, fmt.Errorf("%w: page %s slot %d: %v", ErrCorruptPage, id, i, err)
		}
		copy(p.data[off:off+recordSize], slot)
	}
	p.beforeImage = p.Serialize()
	return p, nil
}

func (p *HeapPage) ID() PageID      { return p.id }
func (p *HeapPage) Kind() PageKind  { return KindHeap }
func (p *HeapPage) NumSlots() int   { return p.numSlots }
func (p *HeapPage) PageSize() int   { return p.pageSize }
func (p *HeapPage) RecordSize() int { return p.recordSize }

// Serialize returns a copy of the page bytes, exactly PageSize long.
func (p *HeapPage) Serialize() []byte {
	out := make([]byte, len(p.data))
	copy(out, p.data)
	return out
}

func (p *HeapPage) slotOffset(slot int) int {
	return p.headerSize + slot*p.recordSize
}

// IsSlotUsed reports whether slot holds a record.
func (p *HeapPage) IsSlotUsed(slot int) bool {
	if slot < 0 || slot >= p.numSlots {
		return false
	}
	return p.data[slot/8]&(1<<(slot%8)) != 0
}

func (p *HeapPage) setSlotUsed(slot int, used bool) {
	if used {
		p.data[slot/8] |= 1 << (slot % 8)
	} else {
		p.data[slot/8] &^= 1 << (slot % 8)
	}
}

// FirstFreeSlot returns the lowest unoccupied slot, or -1 when the page is full.
func (p *HeapPage) FirstFreeSlot() int {
	for i := 0; i < p.numSlots; i++ {
		if !p.IsSlotUsed(i) {
			return i
		}
	}
	return -1
}

// NextOccupiedSlot returns the first occupied slot at or after start, or -1.
func (p *HeapPage) NextOccupiedSlot(start int) int {
	if start < 0 {
		start = 0
	}
	for i := start; i < p.numSlots; i++ {
		if p.IsSlotUsed(i) {
			return i
		}
	}
	return -1
}

func (p *HeapPage) NumEmptySlots() int {
	empty := 0
	for i := 0; i < p.numSlots; i++ {
		if !p.IsSlotUsed(i) {
			empty++
		}
	}
	return empty
}

func (p *HeapPage) encode(rec *Record) ([]byte, error) {
	buf := make([]byte, p.recordSize)
	if err := p.codec.Encode(rec, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (p *HeapPage) place(slot int, encoded []byte, rec *Record) {
	off := p.slotOffset(slot)
	copy(p.data[off:off+p.recordSize], encoded)
	p.setSlotUsed(slot, true)
	rec.Location = &RecordLocation{PageID: p.id, Slot: slot}
}

// InsertAt writes rec into slot and records its location.
func (p *HeapPage) InsertAt(slot int, rec *Record) error {
	if slot < 0 || slot >= p.numSlots {
		return fmt.Errorf("%w: slot %d out of range [0,%d) on page %s", ErrIntegrity, slot, p.numSlots, p.id)
	}
	encoded, err := p.encode(rec)
	if err != nil {
		return err
	}
	if p.IsSlotUsed(slot) {
		return fmt.Errorf("%w: slot %d on page %s is already occupied", ErrIntegrity, slot, p.id)
	}
	p.place(slot, encoded, rec)
	return nil
}

// DeleteAt clears slot. The slot bytes are zeroed.
func (p *HeapPage) DeleteAt(slot int) error {
	if !p.IsSlotUsed(slot) {
		return fmt.Errorf("%w: slot %d on page %s is empty", ErrIntegrity, slot, p.id)
	}
	off := p.slotOffset(slot)
	clear(p.data[off : off+p.recordSize])
	p.setSlotUsed(slot, false)
	return nil
}

// InsertRecord places rec in the lowest free slot.
func (p *HeapPage) InsertRecord(rec *Record) error {
	encoded, err := p.encode(rec)
	if err != nil {
		return err
	}
	slot := p.FirstFreeSlot()
	if slot < 0 {
		return fmt.Errorf("%w: %s", ErrPageFull, p.id)
	}
	p.place(slot, encoded, rec)
	return nil
}

// DeleteRecord removes rec from the slot its location names and clears the location.
func (p *HeapPage) DeleteRecord(rec *Record) error {
	if rec == nil || rec.Location == nil {
		return fmt.Errorf("%w: record has no location", ErrIntegrity)
	}
	if rec.Location.PageID != p.id {
		return fmt.Errorf("%w: record is on page %s, not %s", ErrIntegrity, rec.Location.PageID, p.id)
	}
	if err := p.DeleteAt(rec.Location.Slot); err != nil {
		return err
	}
	rec.Location = nil
	return nil
}

// Record decodes the record stored in slot.
func (p *HeapPage) Record(slot int) (*Record, error) {
	if !p.IsSlotUsed(slot) {
		return nil, fmt.Errorf("%w: slot %d on page %s is empty", ErrIntegrity, slot, p.id)
	}
	off := p.slotOffset(slot)
	rec, err := p.codec.Decode(p.data[off : off+p.recordSize])
	if err != nil {
		return nil, err
	}
	rec.Location = &RecordLocation{PageID: p.id, Slot: slot}
	return rec, nil
}

// Records returns every stored record in slot order.
func (p *HeapPage) Records() []*Record {
	var out []*Record
	for slot := p.NextOccupiedSlot(0); slot >= 0; slot = p.NextOccupiedSlot(slot + 1) {
		rec, err := p.Record(slot)
		if err != nil {
			// Slots were validated at parse or insert time.
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (p *HeapPage) IsDirty() bool { return p.isDirty }

func (p *HeapPage) DirtiedBy() (transaction.TransactionID, bool) {
	return p.dirtier, p.isDirty
}

// MarkDirty sets the dirty flag. A clean page has no dirtying transaction.
func (p *HeapPage) MarkDirty(dirty bool, txn transaction.TransactionID) {
	p.isDirty = dirty
	if dirty {
		p.dirtier = txn
	} else {
		p.dirtier = transaction.NilTransactionID
	}
}

// BeforeImage returns a fresh page parsed from the last snapshot.
func (p *HeapPage) BeforeImage() (Page, error) {
	p.imageMu.Lock()
	image := make([]byte, len(p.beforeImage))
	copy(image, p.beforeImage)
	p.imageMu.Unlock()
	return ParseHeapPage(p.id, image, p.codec)
}

// RefreshBeforeImage snapshots the current bytes as the rollback point.
func (p *HeapPage) RefreshBeforeImage() {
	p.imageMu.Lock()
	defer p.imageMu.Unlock()
	p.beforeImage = p.Serialize()
}
