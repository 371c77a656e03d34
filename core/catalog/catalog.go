// Package catalog keeps the table directory: the name, schema and page store
// of every table, persisted next to the table files.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	"github.com/sushant-115/gojostore/core/write_engine/memtable"
)

// FileName is the catalog file inside the data directory.
const FileName = "catalog.mpk"

const tableFileExt = ".tbl"

// Table is one catalog entry.
type Table struct {
	ID     uint32
	Name   string
	Path   string
	Schema *Schema
	Store  *flushmanager.DiskManager
}

type tableEntry struct {
	Name   string  `msgpack:"name"`
	File   string  `msgpack:"file"`
	Schema *Schema `msgpack:"schema"`
}

type catalogFile struct {
	Version  int          `msgpack:"version"`
	PageSize int          `msgpack:"page_size"`
	Tables   []tableEntry `msgpack:"tables"`
}

// Catalog maps table ids and names to open tables.
type Catalog struct {
	dataDir  string
	pageSize int
	logger   *zap.Logger

	mu     sync.RWMutex
	byID   map[uint32]*Table
	byName map[string]*Table
}

var _ memtable.TableResolver = (*Catalog)(nil)

// Open loads the catalog in dataDir, creating the directory if needed, and
// opens the page store of every recorded table.
func Open(dataDir string, pageSize int, logger *zap.Logger) (*Catalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	c := &Catalog{
		dataDir:  dataDir,
		pageSize: pageSize,
		logger:   logger.Named("catalog"),
		byID:     make(map[uint32]*Table),
		byName:   make(map[string]*Table),
	}
	if err := c.Load(); err != nil {
		return nil, multierr.Append(err, c.Close())
	}
	return c, nil
}

func (c *Catalog) path() string { return filepath.Join(c.dataDir, FileName) }

// Load opens every table recorded in the catalog file that is not open yet.
// A missing file is an empty catalog.
func (c *Catalog) Load() error {
	data, err := os.ReadFile(c.path())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read catalog: %w", err)
	}
	var cf catalogFile
	if err := msgpack.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("failed to decode catalog %s: %w", c.path(), err)
	}
	if cf.PageSize != 0 && cf.PageSize != c.pageSize {
		return fmt.Errorf("catalog was written with %d byte pages, configured page size is %d", cf.PageSize, c.pageSize)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range cf.Tables {
		if _, ok := c.byName[entry.Name]; ok {
			continue
		}
		if entry.Schema == nil {
			return fmt.Errorf("table %s has no schema in %s", entry.Name, c.path())
		}
		schema, err := NewSchema(entry.Schema.Fields...)
		if err != nil {
			return fmt.Errorf("table %s has an invalid schema: %w", entry.Name, err)
		}
		if _, err := c.openLocked(entry.Name, filepath.Join(c.dataDir, entry.File), schema); err != nil {
			return err
		}
	}
	c.logger.Info("Catalog loaded", zap.Int("tables", len(c.byID)))
	return nil
}

// openLocked opens the page store of one table and registers it.
// This method MUST be called with c.mu locked.
func (c *Catalog) openLocked(name, path string, schema *Schema) (*Table, error) {
	id, err := flushmanager.TableIDForPath(path)
	if err != nil {
		return nil, err
	}
	if other, ok := c.byID[id]; ok {
		return nil, fmt.Errorf("%w: table id %d of %s collides with %s", flushmanager.ErrTableExists, id, name, other.Name)
	}
	store, err := flushmanager.NewDiskManager(path, id, c.pageSize, schema, c.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open table %s: %w", name, err)
	}
	t := &Table{ID: id, Name: name, Path: path, Schema: schema, Store: store}
	c.byID[id] = t
	c.byName[name] = t
	return t, nil
}

// Save writes the catalog file atomically.
func (c *Catalog) Save() error {
	c.mu.RLock()
	cf := catalogFile{Version: 1, PageSize: c.pageSize}
	for _, t := range c.sortedLocked() {
		cf.Tables = append(cf.Tables, tableEntry{Name: t.Name, File: filepath.Base(t.Path), Schema: t.Schema})
	}
	c.mu.RUnlock()

	data, err := msgpack.Marshal(&cf)
	if err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}
	tmp := c.path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write catalog: %w", err)
	}
	if err := os.Rename(tmp, c.path()); err != nil {
		return fmt.Errorf("failed to install catalog: %w", err)
	}
	return nil
}

// CreateTable creates an empty table file for name and records it.
func (c *Catalog) CreateTable(name string, schema *Schema) (*Table, error) {
	if name == "" || strings.ContainsAny(name, `/\.`) {
		return nil, fmt.Errorf("invalid table name %q", name)
	}
	if schema == nil {
		return nil, fmt.Errorf("table %s needs a schema", name)
	}

	c.mu.Lock()
	if _, ok := c.byName[name]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", flushmanager.ErrTableExists, name)
	}
	t, err := c.openLocked(name, filepath.Join(c.dataDir, name+tableFileExt), schema)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := c.Save(); err != nil {
		return nil, err
	}
	c.logger.Info("Table created", zap.String("table", name), zap.Uint32("id", t.ID), zap.Stringer("schema", schema))
	return t, nil
}

// Table returns the table with the given id.
func (c *Catalog) Table(id uint32) (*Table, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", flushmanager.ErrTableNotFound, id)
	}
	return t, nil
}

// TableByName returns the named table.
func (c *Catalog) TableByName(name string) (*Table, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", flushmanager.ErrTableNotFound, name)
	}
	return t, nil
}

// Store resolves a table id to its page store for the buffer pool.
func (c *Catalog) Store(id uint32) (memtable.PageStore, error) {
	t, err := c.Table(id)
	if err != nil {
		return nil, err
	}
	return t.Store, nil
}

// Tables returns every table ordered by name.
func (c *Catalog) Tables() []*Table {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sortedLocked()
}

func (c *Catalog) sortedLocked() []*Table {
	out := make([]*Table, 0, len(c.byName))
	for _, t := range c.byName {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Sync flushes every table file.
func (c *Catalog) Sync() error {
	var err error
	for _, t := range c.Tables() {
		err = multierr.Append(err, t.Store.Sync())
	}
	return err
}

// Close closes every page store.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	for _, t := range c.byID {
		err = multierr.Append(err, t.Store.Close())
	}
	return err
}
