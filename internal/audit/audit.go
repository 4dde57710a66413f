// Package audit mirrors finalized deposits and usage records into Postgres.
// The mirror is best effort: the Redis ledger stays authoritative and a slow
// or unavailable database never blocks a request.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/zorgspace/slashbot-web/internal/logging"
	"github.com/zorgspace/slashbot-web/internal/models"
	"github.com/zorgspace/slashbot-web/internal/monitoring"
)

// Sink receives records worth keeping beyond the store's retention.
type Sink interface {
	RecordDeposit(ctx context.Context, d models.Deposit)
	RecordUsage(ctx context.Context, r models.UsageRecord)
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordDeposit(context.Context, models.Deposit)   {}
func (Nop) RecordUsage(context.Context, models.UsageRecord) {}

// Execer is the part of a pgx pool the writer needs.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const (
	insertDepositSQL = `
		INSERT INTO deposits (signature, wallet_address, amount, token_type, credits_awarded, finalized_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (signature) DO NOTHING`

	insertUsageSQL = `
		INSERT INTO usage_records (
			id, wallet_address, created_at, model, endpoint, streaming,
			input_tokens, output_tokens, total_tokens, cached_tokens, reasoning_tokens,
			cost_usd, credits, processing_time_ms, success, error_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NULLIF($16, ''))
		ON CONFLICT (id) DO NOTHING`
)

const (
	DefaultQueueSize = 1024
	defaultWorkers   = 2
	writeTimeout     = 5 * time.Second
)

type job struct {
	kind string
	sql  string
	args []any
}

// Writer queues inserts and applies them from a small worker pool.
type Writer struct {
	db     Execer
	queue  chan job
	wg     sync.WaitGroup
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewWriter starts workers writing to db.
func NewWriter(db Execer, queueSize int) *Writer {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	w := &Writer{
		db:     db,
		queue:  make(chan job, queueSize),
		logger: logging.NewLogger("audit"),
	}
	for i := 0; i < defaultWorkers; i++ {
		w.wg.Add(1)
		go w.work()
	}
	return w
}

var _ Sink = (*Writer)(nil)

func (w *Writer) RecordDeposit(_ context.Context, d models.Deposit) {
	w.enqueue(job{
		kind: "deposit",
		sql:  insertDepositSQL,
		args: []any{
			d.Signature, d.WalletAddress, d.Amount, string(d.TokenType), d.CreditsAwarded,
			time.UnixMilli(d.Timestamp).UTC(),
		},
	})
}

func (w *Writer) RecordUsage(_ context.Context, r models.UsageRecord) {
	w.enqueue(job{
		kind: "usage",
		sql:  insertUsageSQL,
		args: []any{
			r.ID, r.WalletAddress, time.UnixMilli(r.Timestamp).UTC(), r.Model, r.Endpoint, r.Streaming,
			r.Tokens.Input, r.Tokens.Output, r.Tokens.Total, r.Tokens.Cached, r.Tokens.Reasoning,
			r.Cost.USD, r.Cost.Credits, r.ProcessingTimeMs, r.Success, r.ErrorCode,
		},
	})
}

func (w *Writer) enqueue(j job) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		monitoring.RecordAuditWrite(j.kind, "dropped")
		return
	}
	select {
	case w.queue <- j:
	default:
		monitoring.RecordAuditWrite(j.kind, "dropped")
		w.logger.Warn().Str("kind", j.kind).Msg("Audit queue full, dropping record")
	}
}

func (w *Writer) work() {
	defer w.wg.Done()
	for j := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		_, err := w.db.Exec(ctx, j.sql, j.args...)
		cancel()
		if err != nil {
			monitoring.RecordAuditWrite(j.kind, "error")
			w.logger.Error().Err(err).Str("kind", j.kind).Msg("Audit write failed")
			continue
		}
		monitoring.RecordAuditWrite(j.kind, "ok")
	}
}

// Close stops accepting records and waits for queued ones to be written.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()
	w.wg.Wait()
}
