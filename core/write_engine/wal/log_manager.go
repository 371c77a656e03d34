package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/sushant-115/gojostore/core/transaction"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// --- Write-Ahead Logging (WAL) Constants and Types ---

// LSN is the byte offset of a record in the log file.
type LSN uint64

const InvalidLSN LSN = ^LSN(0)

// LogFileName is the name of the log inside the WAL directory.
const LogFileName = "wal.log"

// LogRecordType defines the type of operation logged.
type LogRecordType byte

const (
	LogRecordTypeUpdate    LogRecordType = iota + 1 // Full before and after image of a page
	LogRecordTypeCommitTxn                          // Transaction committed
	LogRecordTypeAbortTxn                           // Transaction rolled back
)

func (t LogRecordType) String() string {
	switch t {
	case LogRecordTypeUpdate:
		return "UPDATE"
	case LogRecordTypeCommitTxn:
		return "COMMIT"
	case LogRecordTypeAbortTxn:
		return "ABORT"
	default:
		return fmt.Sprintf("LogRecordType(%d)", byte(t))
	}
}

// LogRecord represents a single entry in the Write-Ahead Log.
type LogRecord struct {
	LSN     LSN
	PrevLSN LSN // previous record of the same transaction, InvalidLSN for the first
	TxnID   transaction.TransactionID
	Type    LogRecordType
	PageID  pagemanager.PageID
	OldData []byte // before-image, for undo
	NewData []byte // after-image, for redo
}

// Config holds the WAL settings.
type Config struct {
	Dir string `yaml:"dir"`
	// BufferSize is the in-memory buffer in bytes; a full buffer is written out.
	BufferSize int `yaml:"buffer_size"`
	// SyncOnForce fsyncs the log file on every Force.
	SyncOnForce bool `yaml:"sync_on_force"`
	// FlushInterval writes the buffer out in the background. Zero disables it.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// LogManager appends page images to a single log file. Append only buffers;
// Force makes everything appended so far durable.
type LogManager struct {
	path        string
	syncOnForce bool
	bufferSize  int
	logger      *zap.Logger

	mu         sync.Mutex
	logFile    *os.File
	buffer     *bytes.Buffer
	currentLSN LSN // offset the next record will be written at
	lastLSN    map[transaction.TransactionID]LSN

	stopChan  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewLogManager opens the log in cfg.Dir, creating the directory and file if
// needed. Appends continue after the last record already on disk.
func NewLogManager(cfg Config, logger *zap.Logger) (*LogManager, error) {
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("log buffer size must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", cfg.Dir, err)
	}

	path := filepath.Join(cfg.Dir, LogFileName)
	logFile, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open log file %s: %v", flushmanager.ErrLogFile, path, err)
	}
	fi, err := logFile.Stat()
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", flushmanager.ErrLogFile, path, err)
	}

	lm := &LogManager{
		path:        path,
		syncOnForce: cfg.SyncOnForce,
		bufferSize:  cfg.BufferSize,
		logger:      logger.Named("wal"),
		logFile:     logFile,
		buffer:      bytes.NewBuffer(make([]byte, 0, cfg.BufferSize)),
		currentLSN:  LSN(fi.Size()),
		lastLSN:     make(map[transaction.TransactionID]LSN),
		stopChan:    make(chan struct{}),
	}

	if cfg.FlushInterval > 0 {
		lm.wg.Add(1)
		go lm.flusher(cfg.FlushInterval)
	}

	lm.logger.Info("LogManager initialized", zap.String("path", path), zap.Uint64("next_lsn", uint64(lm.currentLSN)))
	return lm, nil
}

// Path returns the log file path.
func (lm *LogManager) Path() string { return lm.path }

// CurrentLSN returns the LSN the next record will receive.
func (lm *LogManager) CurrentLSN() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.currentLSN
}

// AppendRecord assigns an LSN to record and buffers it.
// The record is not guaranteed to be on disk until Force returns.
func (lm *LogManager) AppendRecord(record *LogRecord) (LSN, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.logFile == nil {
		return InvalidLSN, fmt.Errorf("%w: log manager is closed", flushmanager.ErrLogFile)
	}

	record.LSN = lm.currentLSN
	if prev, ok := lm.lastLSN[record.TxnID]; ok {
		record.PrevLSN = prev
	} else {
		record.PrevLSN = InvalidLSN
	}

	serialized, err := record.Serialize()
	if err != nil {
		return InvalidLSN, fmt.Errorf("failed to serialize log record: %w", err)
	}

	if lm.buffer.Len()+len(serialized) > lm.bufferSize {
		if err := lm.flushInternal(); err != nil {
			return InvalidLSN, fmt.Errorf("failed to flush log buffer before append: %w", err)
		}
	}
	if len(serialized) > lm.bufferSize {
		// Larger than the whole buffer: write it straight through.
		if _, err := lm.logFile.Write(serialized); err != nil {
			return InvalidLSN, fmt.Errorf("%w: writing oversized record: %v", flushmanager.ErrLogFile, err)
		}
	} else {
		lm.buffer.Write(serialized)
	}

	lm.currentLSN += LSN(len(serialized))
	switch record.Type {
	case LogRecordTypeCommitTxn, LogRecordTypeAbortTxn:
		delete(lm.lastLSN, record.TxnID)
	default:
		lm.lastLSN[record.TxnID] = record.LSN
	}

	lm.logger.Debug("Appended log record",
		zap.Uint64("lsn", uint64(record.LSN)), zap.Stringer("type", record.Type),
		zap.Stringer("page", record.PageID), zap.Int("size", len(serialized)))
	return record.LSN, nil
}

// Append logs the before and after image of a page changed by txn.
func (lm *LogManager) Append(txn transaction.TransactionID, before, after pagemanager.Page) error {
	if before.ID() != after.ID() {
		return fmt.Errorf("before-image of %s logged with after-image of %s", before.ID(), after.ID())
	}
	_, err := lm.AppendRecord(&LogRecord{
		TxnID:   txn,
		Type:    LogRecordTypeUpdate,
		PageID:  after.ID(),
		OldData: before.Serialize(),
		NewData: after.Serialize(),
	})
	return err
}

// AppendCommit logs the end of a committed transaction.
func (lm *LogManager) AppendCommit(txn transaction.TransactionID) error {
	_, err := lm.AppendRecord(&LogRecord{TxnID: txn, Type: LogRecordTypeCommitTxn})
	return err
}

// AppendAbort logs the end of an aborted transaction.
func (lm *LogManager) AppendAbort(txn transaction.TransactionID) error {
	_, err := lm.AppendRecord(&LogRecord{TxnID: txn, Type: LogRecordTypeAbortTxn})
	return err
}

// Force writes every buffered record to the log file, and fsyncs it when
// SyncOnForce is set.
func (lm *LogManager) Force() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.logFile == nil {
		return fmt.Errorf("%w: log manager is closed", flushmanager.ErrLogFile)
	}
	if err := lm.flushInternal(); err != nil {
		return err
	}
	if lm.syncOnForce {
		if err := lm.logFile.Sync(); err != nil {
			return fmt.Errorf("%w: syncing log: %v", flushmanager.ErrLogFile, err)
		}
	}
	return nil
}

// flushInternal writes the buffer to the file.
// This method MUST be called with lm.mu locked.
func (lm *LogManager) flushInternal() error {
	if lm.buffer.Len() == 0 {
		return nil
	}
	if _, err := lm.logFile.Write(lm.buffer.Bytes()); err != nil {
		return fmt.Errorf("%w: writing log buffer: %v", flushmanager.ErrLogFile, err)
	}
	lm.buffer.Reset()
	return nil
}

// flusher periodically writes the buffer out so an idle log does not keep
// records in memory indefinitely.
func (lm *LogManager) flusher(interval time.Duration) {
	defer lm.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			lm.mu.Lock()
			if lm.logFile != nil {
				if err := lm.flushInternal(); err != nil {
					lm.logger.Error("Background log flush failed", zap.Error(err))
				}
			}
			lm.mu.Unlock()
		case <-lm.stopChan:
			return
		}
	}
}

// NewReader opens an independent reader positioned at the first record.
// Records still in the buffer are not visible until Force.
func (lm *LogManager) NewReader() (*LogReader, error) {
	return OpenLogReader(lm.path)
}

// Close forces the log, stops the flusher and closes the file.
func (lm *LogManager) Close() error {
	lm.closeOnce.Do(func() { close(lm.stopChan) })
	lm.wg.Wait()

	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.logFile == nil {
		return nil
	}
	var firstErr error
	if err := lm.flushInternal(); err != nil {
		firstErr = err
	}
	if err := lm.logFile.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := lm.logFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	lm.logFile = nil
	lm.logger.Info("LogManager closed", zap.Uint64("end_lsn", uint64(lm.currentLSN)))
	return firstErr
}

// --- Record encoding ---
//
// Each record is framed as: body length (uint32), body, xxhash64 of body.
// The body holds LSN, PrevLSN, TxnID (16 bytes), Type, table id, page number,
// then length-prefixed OldData and NewData. All integers are little endian.

const frameOverhead = 4 + 8

// Serialize converts a LogRecord into its framed byte form.
func (lr *LogRecord) Serialize() ([]byte, error) {
	body := new(bytes.Buffer)

	if err := binary.Write(body, binary.LittleEndian, lr.LSN); err != nil {
		return nil, fmt.Errorf("failed to serialize LSN: %w", err)
	}
	if err := binary.Write(body, binary.LittleEndian, lr.PrevLSN); err != nil {
		return nil, fmt.Errorf("failed to serialize PrevLSN: %w", err)
	}
	body.Write(lr.TxnID.Bytes())
	if err := binary.Write(body, binary.LittleEndian, lr.Type); err != nil {
		return nil, fmt.Errorf("failed to serialize Type: %w", err)
	}
	if err := binary.Write(body, binary.LittleEndian, lr.PageID.TableID); err != nil {
		return nil, fmt.Errorf("failed to serialize table id: %w", err)
	}
	if err := binary.Write(body, binary.LittleEndian, lr.PageID.PageNumber); err != nil {
		return nil, fmt.Errorf("failed to serialize page number: %w", err)
	}
	for _, data := range [][]byte{lr.OldData, lr.NewData} {
		if err := binary.Write(body, binary.LittleEndian, uint32(len(data))); err != nil {
			return nil, fmt.Errorf("failed to serialize data length: %w", err)
		}
		body.Write(data)
	}

	out := make([]byte, 0, body.Len()+frameOverhead)
	out = binary.LittleEndian.AppendUint32(out, uint32(body.Len()))
	out = append(out, body.Bytes()...)
	out = binary.LittleEndian.AppendUint64(out, xxhash.Sum64(body.Bytes()))
	return out, nil
}

// Deserialize reads a record body (without its frame) into lr.
func (lr *LogRecord) Deserialize(body []byte) error {
	buf := bytes.NewReader(body)

	if err := binary.Read(buf, binary.LittleEndian, &lr.LSN); err != nil {
		return fmt.Errorf("failed to deserialize LSN: %w", err)
	}
	if err := binary.Read(buf, binary.LittleEndian, &lr.PrevLSN); err != nil {
		return fmt.Errorf("failed to deserialize PrevLSN: %w", err)
	}
	txn := make([]byte, 16)
	if _, err := buf.Read(txn); err != nil {
		return fmt.Errorf("failed to deserialize TxnID: %w", err)
	}
	id, err := transaction.TransactionIDFromBytes(txn)
	if err != nil {
		return fmt.Errorf("failed to deserialize TxnID: %w", err)
	}
	lr.TxnID = id
	if err := binary.Read(buf, binary.LittleEndian, &lr.Type); err != nil {
		return fmt.Errorf("failed to deserialize Type: %w", err)
	}
	if err := binary.Read(buf, binary.LittleEndian, &lr.PageID.TableID); err != nil {
		return fmt.Errorf("failed to deserialize table id: %w", err)
	}
	if err := binary.Read(buf, binary.LittleEndian, &lr.PageID.PageNumber); err != nil {
		return fmt.Errorf("failed to deserialize page number: %w", err)
	}
	for _, dst := range []*[]byte{&lr.OldData, &lr.NewData} {
		var n uint32
		if err := binary.Read(buf, binary.LittleEndian, &n); err != nil {
			return fmt.Errorf("failed to deserialize data length: %w", err)
		}
		if int(n) > buf.Len() {
			return fmt.Errorf("data length %d exceeds remaining %d bytes", n, buf.Len())
		}
		data := make([]byte, n)
		if _, err := buf.Read(data); err != nil && n > 0 {
			return fmt.Errorf("failed to deserialize data: %w", err)
		}
		*dst = data
	}
	return nil
}
