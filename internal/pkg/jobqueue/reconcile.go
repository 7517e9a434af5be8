package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayGate/app/models"
	"github.com/ManuelReschke/PayGate/app/repository"
	"github.com/ManuelReschke/PayGate/internal/pkg/webhook"
)

const abandonReason = "no provider acknowledgement, abandoned by reconciliation"

// WebhookReprocessor is the part of webhook.Processor the retry job needs.
type WebhookReprocessor interface {
	Reprocess(ctx context.Context, event *models.WebhookEvent) (*webhook.Result, error)
	MaxRetries() int
}

// TransactionPoller is the part of payment.Service the poll job needs.
type TransactionPoller interface {
	PollStatus(ctx context.Context, transactionID string) (*models.Transaction, error)
	Abandon(ctx context.Context, transactionID, reason string) (*models.Transaction, error)
}

// ReconcileSettings bound what a sweep picks up.
type ReconcileSettings struct {
	PollAfter  time.Duration // live transactions untouched this long get polled
	StuckAfter time.Duration // pending without provider id this long get failed
	BatchSize  int
}

// ReconcileResult counts what one synchronous pass did.
type ReconcileResult struct {
	WebhooksRetried int `json:"webhooks_retried"`
	WebhooksFailed  int `json:"webhooks_failed"`
	Polled          int `json:"polled"`
	Abandoned       int `json:"abandoned"`
	Skipped         int `json:"skipped"`
	PollFailed      int `json:"poll_failed"`
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomePolled
	outcomeAbandoned
)

// Reconciler finds stored work that never finished and either runs it
// directly or hands it to the queue.
type Reconciler struct {
	events       repository.WebhookEventRepository
	transactions repository.TransactionRepository
	processor    WebhookReprocessor
	poller       TransactionPoller
	settings     ReconcileSettings
	now          func() time.Time
}

func NewReconciler(repos *repository.Repositories, processor WebhookReprocessor, poller TransactionPoller, settings ReconcileSettings) *Reconciler {
	if settings.PollAfter <= 0 {
		settings.PollAfter = 2 * time.Minute
	}
	if settings.StuckAfter <= 0 {
		settings.StuckAfter = 30 * time.Minute
	}
	if settings.BatchSize <= 0 {
		settings.BatchSize = 100
	}
	return &Reconciler{
		events:       repos.WebhookEvent,
		transactions: repos.Transaction,
		processor:    processor,
		poller:       poller,
		settings:     settings,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Register binds the reconciliation handlers to q.
func (r *Reconciler) Register(q *Queue) {
	q.Register(JobTypeWebhookRetry, r.handleWebhookRetry)
	q.Register(JobTypeTransactionPoll, r.handleTransactionPoll)
}

// Sweep enqueues one job per due webhook event and per idle live
// transaction. Work already queued is not queued twice.
func (r *Reconciler) Sweep(ctx context.Context, q *Queue) (int, error) {
	events, txs, err := r.due(ctx)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, e := range events {
		payload := WebhookRetryJobPayload{EventID: e.ID, TransactionID: e.TransactionID}
		_, ok, err := q.EnqueueUnique(ctx, JobTypeWebhookRetry, strconv.FormatUint(uint64(e.ID), 10), payload.ToMap())
		if err != nil {
			return enqueued, err
		}
		if ok {
			enqueued++
		}
	}
	for _, tx := range txs {
		payload := TransactionPollJobPayload{TransactionID: tx.TransactionID}
		_, ok, err := q.EnqueueUnique(ctx, JobTypeTransactionPoll, tx.TransactionID, payload.ToMap())
		if err != nil {
			return enqueued, err
		}
		if ok {
			enqueued++
		}
	}
	if enqueued > 0 {
		log.Infof("[Reconciler] Enqueued %d reconciliation jobs", enqueued)
	}
	return enqueued, nil
}

// RunOnce reconciles synchronously without a queue. Failures of single items
// are counted and logged, not returned.
func (r *Reconciler) RunOnce(ctx context.Context) (*ReconcileResult, error) {
	events, txs, err := r.due(ctx)
	if err != nil {
		return nil, err
	}

	res := &ReconcileResult{}
	for i := range events {
		if _, err := r.processor.Reprocess(ctx, &events[i]); err != nil {
			log.Warnf("[Reconciler] Webhook event %d still failing: %v", events[i].ID, err)
			res.WebhooksFailed++
			continue
		}
		res.WebhooksRetried++
	}
	for i := range txs {
		out, err := r.reconcileTransaction(ctx, &txs[i])
		switch {
		case err != nil:
			log.Warnf("[Reconciler] Poll of %s failed: %v", txs[i].TransactionID, err)
			res.PollFailed++
		case out == outcomeAbandoned:
			res.Abandoned++
		case out == outcomePolled:
			res.Polled++
		default:
			res.Skipped++
		}
	}
	return res, nil
}

func (r *Reconciler) due(ctx context.Context) ([]models.WebhookEvent, []models.Transaction, error) {
	now := r.now()
	events, err := r.events.ListDueForRetry(ctx, now, r.processor.MaxRetries(), r.settings.BatchSize)
	if err != nil {
		return nil, nil, fmt.Errorf("list webhook retries: %w", err)
	}
	txs, err := r.transactions.ListByStatusBefore(ctx,
		[]models.TransactionStatus{models.TransactionStatusPending, models.TransactionStatusProcessing},
		now.Add(-r.settings.PollAfter), r.settings.BatchSize)
	if err != nil {
		return nil, nil, fmt.Errorf("list idle transactions: %w", err)
	}
	return events, txs, nil
}

func (r *Reconciler) handleWebhookRetry(ctx context.Context, job *Job) error {
	payload, err := WebhookRetryJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid webhook retry payload: %w", err)
	}
	event, err := r.events.GetByID(ctx, payload.EventID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// purged in the meantime
		return nil
	}
	if err != nil {
		return err
	}
	_, err = r.processor.Reprocess(ctx, event)
	return err
}

func (r *Reconciler) handleTransactionPoll(ctx context.Context, job *Job) error {
	payload, err := TransactionPollJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid transaction poll payload: %w", err)
	}
	tx, err := r.transactions.GetByTransactionID(ctx, payload.TransactionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = r.reconcileTransaction(ctx, tx)
	return err
}

// reconcileTransaction polls a transaction the provider knows about and fails
// one the provider never acknowledged once it is older than StuckAfter.
func (r *Reconciler) reconcileTransaction(ctx context.Context, tx *models.Transaction) (outcome, error) {
	if tx.Status.IsTerminal() {
		return outcomeSkipped, nil
	}
	if tx.ExternalTxID == "" {
		if tx.Status != models.TransactionStatusPending || r.now().Sub(tx.CreatedAt) < r.settings.StuckAfter {
			return outcomeSkipped, nil
		}
		log.Warnf("[Reconciler] Abandoning %s: pending since %s without provider id", tx.TransactionID, tx.CreatedAt.Format(time.RFC3339))
		_, err := r.poller.Abandon(ctx, tx.TransactionID, abandonReason)
		return outcomeAbandoned, err
	}
	_, err := r.poller.PollStatus(ctx, tx.TransactionID)
	return outcomePolled, err
}
