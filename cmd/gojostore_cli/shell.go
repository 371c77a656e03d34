package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/sushant-115/gojostore/core/catalog"
	"github.com/sushant-115/gojostore/core/database"
	"github.com/sushant-115/gojostore/core/transaction"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

var errExit = errors.New("exit")

var commandNames = []string{
	"create", "tables", "begin", "commit", "abort", "insert", "delete",
	"scan", "checkpoint", "stats", "help", "exit", "quit",
}

// shell runs one command per line against an open database. Statements
// outside begin/commit run in their own transaction.
type shell struct {
	db  *database.Database
	out io.Writer
	txn *transaction.Transaction
}

func newShell(db *database.Database, out io.Writer) *shell {
	return &shell{db: db, out: out}
}

func (s *shell) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}

// execute runs one input line. It returns errExit when the user asks to leave.
func (s *shell) execute(ctx context.Context, line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}

	switch strings.ToLower(args[0]) {
	case "create":
		return s.create(args[1:])
	case "tables":
		for _, t := range s.db.Catalog().Tables() {
			s.printf("%-16s id=%-10d pages=%-6d (%s)\n", t.Name, t.ID, t.Store.NumPages(), t.Schema)
		}
		return nil
	case "begin":
		if s.txn != nil {
			return fmt.Errorf("transaction %s is already open", s.txn.ID())
		}
		txn, err := s.db.Begin()
		if err != nil {
			return err
		}
		s.txn = txn
		s.printf("BEGIN %s\n", txn.ID())
		return nil
	case "commit":
		if s.txn == nil {
			return fmt.Errorf("no open transaction")
		}
		err := s.db.Commit(ctx, s.txn)
		if err != nil {
			return s.rollback(ctx, err)
		}
		s.txn = nil
		s.printf("COMMIT\n")
		return nil
	case "abort", "rollback":
		if s.txn == nil {
			return fmt.Errorf("no open transaction")
		}
		err := s.db.Abort(ctx, s.txn)
		s.txn = nil
		if err != nil {
			return err
		}
		s.printf("ABORT\n")
		return nil
	case "insert":
		if len(args) < 3 {
			return fmt.Errorf("usage: insert <table> <value>...")
		}
		return s.inTxn(ctx, func(txn *transaction.Transaction) error {
			t, err := s.db.Catalog().TableByName(args[1])
			if err != nil {
				return err
			}
			values, err := parseValues(t.Schema, args[2:])
			if err != nil {
				return err
			}
			loc, err := s.db.Insert(ctx, txn, args[1], values...)
			if err != nil {
				return err
			}
			s.printf("INSERT %s slot %d\n", loc.PageID, loc.Slot)
			return nil
		})
	case "delete":
		if len(args) != 4 {
			return fmt.Errorf("usage: delete <table> <page> <slot>")
		}
		t, err := s.db.Catalog().TableByName(args[1])
		if err != nil {
			return err
		}
		pageNumber, err := strconv.ParseUint(args[2], 10, 32)
		if err != nil {
			return fmt.Errorf("bad page number %q", args[2])
		}
		slot, err := strconv.Atoi(args[3])
		if err != nil {
			return fmt.Errorf("bad slot %q", args[3])
		}
		loc := pagemanager.RecordLocation{PageID: pagemanager.PageID{TableID: t.ID, PageNumber: uint32(pageNumber)}, Slot: slot}
		return s.inTxn(ctx, func(txn *transaction.Transaction) error {
			if err := s.db.Delete(ctx, txn, loc); err != nil {
				return err
			}
			s.printf("DELETE %s slot %d\n", loc.PageID, loc.Slot)
			return nil
		})
	case "scan":
		if len(args) != 2 {
			return fmt.Errorf("usage: scan <table>")
		}
		return s.inTxn(ctx, func(txn *transaction.Transaction) error {
			n := 0
			err := s.db.Scan(ctx, txn, args[1], func(r database.Row) error {
				n++
				s.printf("%s/%d\t%s\n", r.Location.PageID, r.Location.Slot, formatValues(r.Values))
				return nil
			})
			if err != nil {
				return err
			}
			s.printf("(%d rows)\n", n)
			return nil
		})
	case "checkpoint":
		if err := s.db.Checkpoint(ctx); err != nil {
			return err
		}
		s.printf("CHECKPOINT\n")
		return nil
	case "stats":
		st := s.db.BufferPool().Stats()
		s.printf("buffer pool: %d/%d pages cached, %d dirty, %d hits, %d misses, %d evictions\n",
			st.Cached, st.Capacity, st.Dirty, st.Hits, st.Misses, st.Evictions)
		s.printf("active transactions: %d\n", s.db.ActiveTransactions())
		return nil
	case "help":
		fmt.Fprint(s.out, helpText)
		return nil
	case "exit", "quit":
		return errExit
	default:
		return fmt.Errorf("unknown command %q, type 'help' for a list of commands", args[0])
	}
}

// inTxn runs fn in the open transaction, or in a transaction of its own that
// is committed on success and aborted on failure.
func (s *shell) inTxn(ctx context.Context, fn func(*transaction.Transaction) error) error {
	if s.txn != nil {
		if err := fn(s.txn); err != nil {
			return s.rollback(ctx, err)
		}
		return nil
	}
	txn, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(txn); err != nil {
		return errors.Join(err, s.db.Abort(ctx, txn))
	}
	return s.db.Commit(ctx, txn)
}

// rollback aborts the open transaction when err requires it.
func (s *shell) rollback(ctx context.Context, err error) error {
	if s.txn == nil {
		return err
	}
	abortErr := s.db.Abort(ctx, s.txn)
	s.printf("transaction %s rolled back\n", s.txn.ID())
	s.txn = nil
	return errors.Join(err, abortErr)
}

// close aborts a transaction left open at exit.
func (s *shell) close(ctx context.Context) error {
	if s.txn == nil {
		return nil
	}
	err := s.db.Abort(ctx, s.txn)
	s.txn = nil
	return err
}

var columnPattern = regexp.MustCompile(`^(\w+):(\w+)(?:\((\d+)\))?$`)

// create parses "create <table> <name>:<type>[(<length>)]...".
func (s *shell) create(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: create <table> <column>:<int|string[(length)]>...")
	}
	fields := make([]catalog.Field, 0, len(args)-1)
	for _, col := range args[1:] {
		m := columnPattern.FindStringSubmatch(col)
		if m == nil {
			return fmt.Errorf("bad column definition %q", col)
		}
		ft, err := catalog.ParseFieldType(m[2])
		if err != nil {
			return err
		}
		f := catalog.Field{Name: m[1], Type: ft}
		if m[3] != "" {
			f.Length, _ = strconv.Atoi(m[3])
		}
		fields = append(fields, f)
	}
	schema, err := catalog.NewSchema(fields...)
	if err != nil {
		return err
	}
	t, err := s.db.CreateTable(args[0], schema)
	if err != nil {
		return err
	}
	s.printf("CREATE %s id=%d (%s)\n", t.Name, t.ID, t.Schema)
	return nil
}

func parseValues(schema *catalog.Schema, raw []string) ([]any, error) {
	if len(raw) != len(schema.Fields) {
		return nil, fmt.Errorf("table has %d columns, got %d values", len(schema.Fields), len(raw))
	}
	out := make([]any, len(raw))
	for i, f := range schema.Fields {
		if f.Type == catalog.FieldInt64 {
			v, err := strconv.ParseInt(raw[i], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("column %s wants an integer, got %q", f.Name, raw[i])
			}
			out[i] = v
			continue
		}
		out[i] = raw[i]
	}
	return out, nil
}

func formatValues(values []any) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, "\t")
}

const helpText = `Commands:
  create <table> <column>:<int|string[(length)]>...
  tables
  begin | commit | abort
  insert <table> <value>...
  delete <table> <page> <slot>
  scan <table>
  checkpoint
  stats
  help
  exit / quit
`
