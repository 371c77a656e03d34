// Command gojostore_bench drives a mixed insert/scan/delete workload against a
// local database and reports throughput and abort counts.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sushant-115/gojostore/core/catalog"
	"github.com/sushant-115/gojostore/core/database"
	"github.com/sushant-115/gojostore/core/transaction"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/sushant-115/gojostore/pkg/config"
	"github.com/sushant-115/gojostore/pkg/logger"
	"github.com/sushant-115/gojostore/pkg/telemetry"
)

var (
	configPath  = flag.String("config", "", "Path to a YAML config file")
	dataDir     = flag.String("data_dir", "", "Overrides storage.data_dir (a temporary directory when both are empty)")
	workers     = flag.Int("workers", 8, "Concurrent client goroutines")
	opsPerWkr   = flag.Int("ops", 500, "Transactions per worker")
	opsPerSec   = flag.Float64("rate", 0, "Overall transaction rate limit per second (0 = unlimited)")
	scanRatio   = flag.Float64("scan_ratio", 0.1, "Fraction of transactions that scan the table")
	deleteRatio = flag.Float64("delete_ratio", 0.1, "Fraction of transactions that delete a row they inserted")
	maxRetries  = flag.Int("max_retries", 20, "Retries for a transaction refused by the lock manager")
)

type counters struct {
	committed atomic.Int64
	aborted   atomic.Int64
	retried   atomic.Int64
	scanned   atomic.Int64
}

type worker struct {
	id      int
	db      *database.Database
	limiter *rate.Limiter
	rng     *rand.Rand
	stats   *counters
	logger  *zap.Logger
	mine    []pagemanager.RecordLocation
}

// runTxn executes fn in a fresh transaction, retrying it while the lock
// manager refuses it with an abort signal.
func (w *worker) runTxn(ctx context.Context, fn func(*transaction.Transaction) error) error {
	for attempt := 0; ; attempt++ {
		txn, err := w.db.Begin()
		if err != nil {
			return err
		}
		err = fn(txn)
		if err == nil {
			err = w.db.Commit(ctx, txn)
		}
		if err == nil {
			w.stats.committed.Add(1)
			return nil
		}
		if abortErr := w.db.Abort(ctx, txn); abortErr != nil {
			return fmt.Errorf("abort after %v: %w", err, abortErr)
		}
		w.stats.aborted.Add(1)
		if !flushmanager.IsAbortSignal(err) || attempt >= *maxRetries {
			return err
		}
		w.stats.retried.Add(1)
		w.logger.Debug("Retrying transaction", zap.Int("worker", w.id), zap.Int("attempt", attempt+1), zap.Error(err))
	}
}

func (w *worker) run(ctx context.Context) error {
	for i := 0; i < *opsPerWkr; i++ {
		if err := w.limiter.Wait(ctx); err != nil {
			return err
		}
		p := w.rng.Float64()
		var err error
		switch {
		case p < *scanRatio:
			err = w.runTxn(ctx, func(txn *transaction.Transaction) error {
				return w.db.Scan(ctx, txn, "bench", func(database.Row) error {
					w.stats.scanned.Add(1)
					return nil
				})
			})
		case p < *scanRatio+*deleteRatio && len(w.mine) > 0:
			idx := w.rng.Intn(len(w.mine))
			loc := w.mine[idx]
			err = w.runTxn(ctx, func(txn *transaction.Transaction) error {
				return w.db.Delete(ctx, txn, loc)
			})
			if err == nil {
				w.mine = append(w.mine[:idx], w.mine[idx+1:]...)
			}
		default:
			key := int64(w.id)<<32 | int64(i)
			var loc pagemanager.RecordLocation
			err = w.runTxn(ctx, func(txn *transaction.Transaction) error {
				var insertErr error
				loc, insertErr = w.db.Insert(ctx, txn, "bench", key, fmt.Sprintf("worker-%d-op-%d", w.id, i))
				return insertErr
			})
			if err == nil {
				w.mine = append(w.mine, loc)
			}
		}
		if err != nil {
			return fmt.Errorf("worker %d op %d: %w", w.id, i, err)
		}
	}
	return nil
}

func main() {
	log.SetFlags(0)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("Invalid configuration: %v", err)
		}
	}
	switch {
	case *dataDir != "":
		cfg.Storage.DataDir = *dataDir
	case *configPath == "":
		dir, err := os.MkdirTemp("", "gojostore-bench-")
		if err != nil {
			log.Fatalf("Failed to create data directory: %v", err)
		}
		defer os.RemoveAll(dir)
		cfg.Storage.DataDir = dir
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zlogger.Sync()

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlogger.Fatal("Failed to set up telemetry", zap.Error(err))
	}
	defer shutdown(context.Background())

	db, err := database.Open(cfg, zlogger, tel)
	if err != nil {
		zlogger.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()

	if _, err := db.Catalog().TableByName("bench"); err != nil {
		schema, err := catalog.NewSchema(
			catalog.Field{Name: "key", Type: catalog.FieldInt64},
			catalog.Field{Name: "payload", Type: catalog.FieldString, Length: 32},
		)
		if err != nil {
			zlogger.Fatal("Invalid schema", zap.Error(err))
		}
		if _, err := db.CreateTable("bench", schema); err != nil {
			zlogger.Fatal("Failed to create table", zap.Error(err))
		}
	}

	limit := rate.Inf
	if *opsPerSec > 0 {
		limit = rate.Limit(*opsPerSec)
	}
	limiter := rate.NewLimiter(limit, *workers)

	stats := &counters{}
	ctx := context.Background()
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *workers; i++ {
		w := &worker{
			id:      i,
			db:      db,
			limiter: limiter,
			rng:     rand.New(rand.NewSource(time.Now().UnixNano() + int64(i))),
			stats:   stats,
			logger:  zlogger.Named("bench"),
		}
		g.Go(func() error { return w.run(gctx) })
	}
	err = g.Wait()
	elapsed := time.Since(start)

	st := db.BufferPool().Stats()
	fmt.Printf("workers=%d elapsed=%s committed=%d (%.0f txn/s) aborted=%d retried=%d rows_scanned=%d\n",
		*workers, elapsed.Round(time.Millisecond), stats.committed.Load(),
		float64(stats.committed.Load())/elapsed.Seconds(), stats.aborted.Load(), stats.retried.Load(), stats.scanned.Load())
	fmt.Printf("buffer pool: %d/%d cached, %d hits, %d misses, %d evictions\n",
		st.Cached, st.Capacity, st.Hits, st.Misses, st.Evictions)
	if err != nil {
		zlogger.Error("Benchmark stopped early", zap.Error(err))
		os.Exit(1)
	}
}
