package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"

	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
)

// LogReader scans a log file from the beginning.
type LogReader struct {
	file   *os.File
	reader *bufio.Reader
	offset int64
}

// OpenLogReader opens the log file at path for sequential reading.
func OpenLogReader(path string) (*LogReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", flushmanager.ErrLogFile, path, err)
	}
	return &LogReader{file: file, reader: bufio.NewReader(file)}, nil
}

// Next returns the next record. It returns io.EOF at the end of the log,
// including when the last record was only partly written.
func (r *LogReader) Next() (*LogRecord, error) {
	var header [4]byte
	if _, err := io.ReadFull(r.reader, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	bodyLen := binary.LittleEndian.Uint32(header[:])

	frame := make([]byte, int(bodyLen)+8)
	if _, err := io.ReadFull(r.reader, frame); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: reading record at offset %d: %v", flushmanager.ErrLogFile, r.offset, err)
	}
	body := frame[:bodyLen]
	if sum := binary.LittleEndian.Uint64(frame[bodyLen:]); sum != xxhash.Sum64(body) {
		return nil, fmt.Errorf("%w: record at offset %d", flushmanager.ErrChecksumMismatch, r.offset)
	}

	var lr LogRecord
	if err := lr.Deserialize(body); err != nil {
		return nil, fmt.Errorf("%w: record at offset %d: %v", flushmanager.ErrLogFile, r.offset, err)
	}
	r.offset += int64(len(header) + len(frame))
	return &lr, nil
}

// Close releases the underlying file.
func (r *LogReader) Close() error {
	return r.file.Close()
}
