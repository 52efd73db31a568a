package signalstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pulsegate/controlplane/internal/telemetry"
)

// ArchiveWriter is an async, bounded-channel batched writer that flushes
// ArchiveEntry rollups to the signals_archive table. Adapted directly from
// internal/audit.Writer's buffer/flush-loop shape, generalised with the
// exponential-backoff retry (100ms -> 30s, cap 6 attempts) spec §4.1
// requires for archive write failures — the in-memory ring remains
// authoritative for live queries regardless of archive outcome.
type ArchiveWriter struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	entries chan ArchiveEntry
	wg      sync.WaitGroup
}

const (
	bufferSize    = 1024
	flushInterval = 5 * time.Second
	flushBatch    = 64

	retryBaseDelay = 100 * time.Millisecond
	retryMaxDelay  = 30 * time.Second
	retryMaxTries  = 6
)

// NewArchiveWriter creates an ArchiveWriter. Call Start to begin processing.
func NewArchiveWriter(pool *pgxpool.Pool, logger *slog.Logger) *ArchiveWriter {
	return &ArchiveWriter{
		pool:    pool,
		logger:  logger,
		entries: make(chan ArchiveEntry, bufferSize),
	}
}

// Start begins the background flush loop. It returns once ctx is cancelled
// and all pending entries have been flushed or exhausted their retries.
func (w *ArchiveWriter) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for all pending entries to drain.
func (w *ArchiveWriter) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Enqueue submits an entry for async writing. It never blocks the caller;
// if the buffer is full the entry is dropped and a warning logged.
func (w *ArchiveWriter) Enqueue(entry ArchiveEntry) {
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("archive writer buffer full, dropping rollup",
			"service", entry.Key.ServiceName, "endpoint", entry.Key.Endpoint)
		telemetry.SignalsDroppedTotal.WithLabelValues("archive_buffer_full").Inc()
	}
}

func (w *ArchiveWriter) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]ArchiveEntry, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flushWithRetry(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

// flushWithRetry attempts to write entries, retrying the whole batch with
// exponential backoff on failure. After retryMaxTries the batch is logged
// and dropped — the recent ring stays authoritative for live reads, so a
// lost archive rollup only degrades historical analytics, never ingestion.
func (w *ArchiveWriter) flushWithRetry(entries []ArchiveEntry) {
	delay := retryBaseDelay
	var lastErr error

	for attempt := 1; attempt <= retryMaxTries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := w.flush(ctx, entries)
		cancel()
		if err == nil {
			return
		}
		lastErr = err

		w.logger.Warn("archive flush failed, retrying",
			"attempt", attempt, "error", err, "delay", delay)

		time.Sleep(delay)
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}

	w.logger.Error("archive flush exhausted retries, dropping batch",
		"count", len(entries), "error", lastErr)
	telemetry.SignalsDroppedTotal.WithLabelValues("archive_write_failed").Add(float64(len(entries)))
}

func (w *ArchiveWriter) flush(ctx context.Context, entries []ArchiveEntry) error {
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(upsertArchiveSQL,
			e.HourBucket, e.Key.TenantID, e.Key.ServiceName, e.Key.Endpoint,
			e.NSuccess, e.NError, e.LatencyReservoir, e.RPMTotal)
	}

	br := w.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range entries {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

const upsertArchiveSQL = `
INSERT INTO signals_archive (hour_bucket, tenant_id, service_name, endpoint, n_success, n_error, latency_reservoir_blob, rpm_total)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (hour_bucket, tenant_id, service_name, endpoint) DO UPDATE SET
  n_success = signals_archive.n_success + EXCLUDED.n_success,
  n_error = signals_archive.n_error + EXCLUDED.n_error,
  latency_reservoir_blob = EXCLUDED.latency_reservoir_blob,
  rpm_total = signals_archive.rpm_total + EXCLUDED.rpm_total
`
