// Package accesslog records every inbound request without slowing it down.
// Records are queued on a bounded channel; a single consumer writes them to
// the database in batches and to the audit stream. A full queue drops the
// record and counts it.
package accesslog

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2/log"
	_ "github.com/jsternberg/zap-logfmt"
	"go.uber.org/zap"

	"github.com/ManuelReschke/PayGate/app/models"
	"github.com/ManuelReschke/PayGate/app/repository"
)

const (
	DefaultQueueSize     = 1024
	DefaultBatchSize     = 100
	DefaultFlushInterval = time.Second
)

// NewAuditLogger builds the logfmt audit logger. path is "stdout", "stderr"
// or a file path.
func NewAuditLogger(path, service string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "logfmt"
	cfg.Sampling = nil
	cfg.InitialFields = map[string]any{"service": service, "stream": "access"}
	if host, err := os.Hostname(); err == nil {
		cfg.InitialFields["host"] = host
	}
	if path == "" {
		path = "stdout"
	}
	cfg.OutputPaths = []string{path}
	return cfg.Build()
}

// Logger is safe for concurrent use.
type Logger struct {
	repo          repository.AccessLogRepository
	audit         *zap.Logger
	queue         chan models.AccessLog
	batchSize     int
	flushInterval time.Duration

	dropped   atomic.Int64
	written   atomic.Int64
	closeOnce sync.Once
	done      chan struct{}
}

// New starts the consumer goroutine. audit may be nil.
func New(repo repository.AccessLogRepository, audit *zap.Logger, queueSize int) *Logger {
	return newLogger(repo, audit, queueSize, DefaultBatchSize)
}

func newLogger(repo repository.AccessLogRepository, audit *zap.Logger, queueSize, batchSize int) *Logger {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if audit == nil {
		audit = zap.NewNop()
	}
	l := &Logger{
		repo:          repo,
		audit:         audit,
		queue:         make(chan models.AccessLog, queueSize),
		batchSize:     batchSize,
		flushInterval: DefaultFlushInterval,
		done:          make(chan struct{}),
	}
	go l.run()
	return l
}

// Record queues rec and never blocks. It reports whether rec was accepted.
func (l *Logger) Record(rec models.AccessLog) (accepted bool) {
	defer func() {
		// Record after Close.
		if recover() != nil {
			l.dropped.Add(1)
			accepted = false
		}
	}()
	select {
	case l.queue <- rec:
		return true
	default:
		if l.dropped.Add(1)%100 == 1 {
			log.Warnf("[AccessLog] Queue full, dropping records (%d dropped so far)", l.dropped.Load())
		}
		return false
	}
}

// Dropped is the number of records lost to a full queue.
func (l *Logger) Dropped() int64 { return l.dropped.Load() }

// Written is the number of records persisted.
func (l *Logger) Written() int64 { return l.written.Load() }

// QueueLen is the number of records waiting.
func (l *Logger) QueueLen() int { return len(l.queue) }

// Close stops accepting records and waits until the queue is drained or ctx
// is done.
func (l *Logger) Close(ctx context.Context) error {
	l.closeOnce.Do(func() { close(l.queue) })
	select {
	case <-l.done:
		_ = l.audit.Sync()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Logger) run() {
	defer close(l.done)

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	batch := make([]models.AccessLog, 0, l.batchSize)
	for {
		select {
		case rec, ok := <-l.queue:
			if !ok {
				l.flush(batch)
				return
			}
			l.writeAudit(rec)
			batch = append(batch, rec)
			if len(batch) >= l.batchSize {
				l.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (l *Logger) flush(batch []models.AccessLog) {
	if len(batch) == 0 || l.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rows := make([]models.AccessLog, len(batch))
	copy(rows, batch)
	if err := l.repo.CreateBatch(ctx, rows); err != nil {
		log.Errorf("[AccessLog] Failed to persist %d records: %v", len(rows), err)
		return
	}
	l.written.Add(int64(len(rows)))
}

func (l *Logger) writeAudit(rec models.AccessLog) {
	l.audit.Info("request",
		zap.String("request_id", rec.RequestID),
		zap.String("client_id", rec.ClientID),
		zap.String("ip", rec.IP),
		zap.String("method", rec.Method),
		zap.String("endpoint", rec.Endpoint),
		zap.Int("status", rec.ResponseStatus),
		zap.Int64("duration_ms", rec.ResponseTimeMs),
		zap.Bool("rate_limited", rec.RateLimited),
		zap.Bool("success", rec.Success),
		zap.Time("ts", rec.Timestamp),
	)
}
