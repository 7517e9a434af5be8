package webhook

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayGate/app/models"
	"github.com/ManuelReschke/PayGate/app/repository"
	"github.com/ManuelReschke/PayGate/internal/pkg/apperrors"
	"github.com/ManuelReschke/PayGate/internal/pkg/config"
	"github.com/ManuelReschke/PayGate/internal/pkg/events"
	"github.com/ManuelReschke/PayGate/internal/pkg/gateway"
	"github.com/ManuelReschke/PayGate/internal/pkg/limits"
	"github.com/ManuelReschke/PayGate/internal/pkg/payment"
	"github.com/ManuelReschke/PayGate/internal/pkg/signature"
	"github.com/ManuelReschke/PayGate/internal/pkg/testutil"
	"github.com/ManuelReschke/PayGate/internal/pkg/txstate"
)

const testSecret = "webhook-secret"

var fixedNow = time.Unix(1760000000, 0).UTC()

type recordingPublisher struct {
	mu      sync.Mutex
	changes []events.StatusChange
}

func (r *recordingPublisher) Publish(_ context.Context, c events.StatusChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
	return nil
}

func (r *recordingPublisher) Close() {}

func (r *recordingPublisher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

type fixture struct {
	db    *gorm.DB
	repos *repository.Repositories
	pub   *recordingPublisher
	proc  *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	repos := repository.NewRepositories(db)
	pub := &recordingPublisher{}
	proc := NewProcessor(config.Webhook{Secret: testSecret}, repos.WebhookEvent, repos.Transaction,
		txstate.MustDefaultStatusMap(), pub, nil)
	proc.SetClock(func() time.Time { return fixedNow })
	return &fixture{db: db, repos: repos, pub: pub, proc: proc}
}

func signedDelivery(t *testing.T, eventType, body string) Delivery {
	t.Helper()
	ts := signature.Timestamp(fixedNow)
	sig, err := signature.NewCodec(0).Sign([]byte(body), testSecret, ts)
	require.NoError(t, err)
	return Delivery{EventType: eventType, Body: []byte(body), Signature: sig, Timestamp: ts}
}

func (f *fixture) storedEvents(t *testing.T) []models.WebhookEvent {
	t.Helper()
	var out []models.WebhookEvent
	require.NoError(t, f.db.Order("id ASC").Find(&out).Error)
	return out
}

func TestHavaleDepositEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/deposits", r.URL.Path)
		_, _ = w.Write([]byte(`{"external_tx_id":"EXT123","status":"processing"}`))
	}))
	defer srv.Close()

	client := gateway.NewClient(config.Gateway{BaseURL: srv.URL, APIKey: "k", Secret: "s", Timeout: time.Second}, nil)
	table, err := limits.Load("")
	require.NoError(t, err)
	svc := payment.NewService(f.repos.Transaction, f.repos.Account, client, table, txstate.MustDefaultStatusMap(), f.pub)

	tx, err := svc.CreateDeposit(ctx, payment.CreateRequest{
		TransactionID: "HAV-1000",
		UserID:        42,
		Amount:        decimal.NewFromInt(1000),
		Currency:      "TRY",
		PaymentMethod: "havale",
	})
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusProcessing, tx.Status)
	assert.Equal(t, "EXT123", tx.ExternalTxID)

	body := `{"transaction_id":"HAV-1000","status":"success","amount":1000,"currency":"TRY","payment_method":"havale","user_id":42}`
	res, err := f.proc.Handle(ctx, signedDelivery(t, models.WebhookEventDeposit, body))
	require.NoError(t, err)
	assert.True(t, res.Processed)
	assert.False(t, res.Duplicate)
	assert.Equal(t, models.TransactionStatusCompleted, res.Status)

	stored, err := f.repos.Transaction.GetByTransactionID(ctx, "HAV-1000")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusCompleted, stored.Status)
	assert.Equal(t, "success", stored.ProviderStatus)
	assert.NotNil(t, stored.CompletedAt)
	assert.Equal(t, 2, f.pub.count())

	// Redelivery is acknowledged without another transition.
	res, err = f.proc.Handle(ctx, signedDelivery(t, models.WebhookEventDeposit, body))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, 2, f.pub.count())

	evts := f.storedEvents(t)
	require.Len(t, evts, 2)
	assert.True(t, evts[0].Applied)
	assert.False(t, evts[1].Applied)
	assert.True(t, evts[1].Processed)
	assert.Equal(t, "HAV-1000:completed", evts[1].DedupeKey)
}

func TestInvalidSignatureIsStoredAndRejected(t *testing.T) {
	f := newFixture(t)
	testutil.SeedTransaction(t, f.db, "TX-1", models.TransactionStatusProcessing)

	d := signedDelivery(t, models.WebhookEventDeposit, `{"transaction_id":"TX-1","status":"success"}`)
	d.Body = []byte(`{"transaction_id":"TX-1","status":"failed"}`)

	_, err := f.proc.Handle(context.Background(), d)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeSignature))

	evts := f.storedEvents(t)
	require.Len(t, evts, 1)
	assert.False(t, evts[0].SignatureValid)
	assert.False(t, evts[0].Processed)
	assert.Equal(t, "TX-1", evts[0].TransactionID)

	stored, err := f.repos.Transaction.GetByTransactionID(context.Background(), "TX-1")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusProcessing, stored.Status)
}

func TestStaleTimestampIsRejected(t *testing.T) {
	f := newFixture(t)
	testutil.SeedTransaction(t, f.db, "TX-2", models.TransactionStatusProcessing)

	d := signedDelivery(t, models.WebhookEventDeposit, `{"transaction_id":"TX-2","status":"success"}`)
	f.proc.SetClock(func() time.Time { return fixedNow.Add(301 * time.Second) })

	_, err := f.proc.Handle(context.Background(), d)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeSignature))
}

func TestMissingFieldsAreValidationErrors(t *testing.T) {
	f := newFixture(t)

	_, err := f.proc.Handle(context.Background(), signedDelivery(t, models.WebhookEventDeposit, `{"status":"success"}`))
	assert.True(t, apperrors.HasCode(err, apperrors.CodeValidation))

	evts := f.storedEvents(t)
	require.Len(t, evts, 1)
	assert.True(t, evts[0].SignatureValid)
	assert.NotEmpty(t, evts[0].ProcessingError)
}

func TestUnknownTransactionIsKeptForReconciliation(t *testing.T) {
	f := newFixture(t)

	_, err := f.proc.Handle(context.Background(), signedDelivery(t, models.WebhookEventWithdrawal, `{"transaction_id":"NOPE","status":"success"}`))
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))

	evts := f.storedEvents(t)
	require.Len(t, evts, 1)
	assert.Equal(t, ErrMsgUnknownTx, evts[0].ProcessingError)
	assert.False(t, evts[0].Processed)
}

func TestUnmappedStatusNeedsManualReconciliation(t *testing.T) {
	f := newFixture(t)
	testutil.SeedTransaction(t, f.db, "TX-3", models.TransactionStatusProcessing)

	res, err := f.proc.Handle(context.Background(), signedDelivery(t, models.WebhookEventDeposit, `{"transaction_id":"TX-3","status":"on_hold"}`))
	require.NoError(t, err)
	assert.False(t, res.Processed)

	evts := f.storedEvents(t)
	require.Len(t, evts, 1)
	assert.Equal(t, ErrMsgUnmappedStatus, evts[0].ProcessingError)
	assert.False(t, evts[0].Processed)
	assert.Equal(t, 0, f.pub.count())
}

func TestTerminalTransactionIsNotOverwritten(t *testing.T) {
	f := newFixture(t)
	testutil.SeedTransaction(t, f.db, "TX-4", models.TransactionStatusCompleted)

	res, err := f.proc.Handle(context.Background(), signedDelivery(t, models.WebhookEventDeposit, `{"transaction_id":"TX-4","status":"failed","error_message":"late"}`))
	require.NoError(t, err)
	assert.False(t, res.Processed)
	assert.Equal(t, models.TransactionStatusCompleted, res.Status)

	evts := f.storedEvents(t)
	require.Len(t, evts, 1)
	assert.True(t, evts[0].Processed)
	assert.False(t, evts[0].Applied)

	stored, err := f.repos.Transaction.GetByTransactionID(context.Background(), "TX-4")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusCompleted, stored.Status)
	assert.Empty(t, stored.ErrorMessage)
}

func TestConcurrentDuplicateDeliveriesApplyOnce(t *testing.T) {
	f := newFixture(t)
	testutil.SeedTransaction(t, f.db, "TX-5", models.TransactionStatusProcessing)
	d := signedDelivery(t, models.WebhookEventDeposit, `{"transaction_id":"TX-5","status":"approved"}`)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.proc.Handle(context.Background(), d)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.pub.count())
	applied := 0
	for _, e := range f.storedEvents(t) {
		if e.Applied {
			applied++
		}
	}
	assert.Equal(t, 1, applied)
}

type flakyTransactions struct {
	repository.TransactionRepository
	fail bool
}

func (f *flakyTransactions) Transition(ctx context.Context, id string, target models.TransactionStatus, patch repository.TransitionPatch) (*repository.TransitionResult, error) {
	if f.fail {
		return nil, errors.New("deadlock found when trying to get lock")
	}
	return f.TransactionRepository.Transition(ctx, id, target, patch)
}

func TestPersistenceFailureSchedulesRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.SeedTransaction(t, f.db, "TX-6", models.TransactionStatusProcessing)

	flaky := &flakyTransactions{TransactionRepository: f.repos.Transaction, fail: true}
	proc := NewProcessor(config.Webhook{Secret: testSecret}, f.repos.WebhookEvent, flaky, txstate.MustDefaultStatusMap(), f.pub, nil)
	proc.SetClock(func() time.Time { return fixedNow })

	_, err := proc.Handle(ctx, signedDelivery(t, models.WebhookEventDeposit, `{"transaction_id":"TX-6","status":"success"}`))
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodePersistence))

	evts := f.storedEvents(t)
	require.Len(t, evts, 1)
	event := evts[0]
	assert.Equal(t, 1, event.RetryCount)
	assert.False(t, event.Processed)
	require.NotNil(t, event.NextRetryAt)
	assert.WithinDuration(t, fixedNow.Add(5*time.Minute), *event.NextRetryAt, time.Second)

	flaky.fail = false
	res, err := proc.Reprocess(ctx, &event)
	require.NoError(t, err)
	assert.True(t, res.Processed)
	assert.Equal(t, models.TransactionStatusCompleted, res.Status)

	again, err := f.repos.WebhookEvent.GetByID(ctx, event.ID)
	require.NoError(t, err)
	assert.True(t, again.Applied)
	assert.Nil(t, again.NextRetryAt)
}

func TestReprocessAbandonsAfterMaxRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.SeedTransaction(t, f.db, "TX-7", models.TransactionStatusProcessing)

	next := fixedNow.Add(-time.Minute)
	event := &models.WebhookEvent{
		TransactionID:   "TX-7",
		EventType:       models.WebhookEventDeposit,
		RawPayload:      `{"transaction_id":"TX-7","status":"success"}`,
		SignatureValid:  true,
		RetryCount:      f.proc.MaxRetries(),
		ProcessingError: "deadlock",
		NextRetryAt:     &next,
	}
	require.NoError(t, f.repos.WebhookEvent.Create(ctx, event))

	_, err := f.proc.Reprocess(ctx, event)
	require.NoError(t, err)

	stored, err := f.repos.WebhookEvent.GetByID(ctx, event.ID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)
	assert.False(t, stored.Applied)
	assert.Contains(t, stored.ProcessingError, "abandoned after 5 retries")

	tx, err := f.repos.Transaction.GetByTransactionID(ctx, "TX-7")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusProcessing, tx.Status)
}

func TestCallbackOvertakesGatewayAcknowledgement(t *testing.T) {
	for _, tc := range []struct {
		providerStatus string
		want           models.TransactionStatus
	}{
		{providerStatus: "processing", want: models.TransactionStatusProcessing},
		{providerStatus: "success", want: models.TransactionStatusCompleted},
	} {
		t.Run(tc.providerStatus, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			body := `{"transaction_id":"HAV-2000","status":"` + tc.providerStatus + `","amount":"1000.00","currency":"TRY"}`
			callback := signedDelivery(t, models.WebhookEventDeposit, body)

			// The provider calls back before it answers the create request.
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				res, err := f.proc.Handle(ctx, callback)
				if assert.NoError(t, err) {
					assert.True(t, res.Processed)
				}
				_, _ = w.Write([]byte(`{"external_tx_id":"EXT200","status":"processing"}`))
			}))
			defer srv.Close()

			client := gateway.NewClient(config.Gateway{BaseURL: srv.URL, APIKey: "k", Secret: "s", Timeout: time.Second}, nil)
			table, err := limits.Load("")
			require.NoError(t, err)
			svc := payment.NewService(f.repos.Transaction, f.repos.Account, client, table, txstate.MustDefaultStatusMap(), f.pub)

			tx, err := svc.CreateDeposit(ctx, payment.CreateRequest{
				TransactionID: "HAV-2000",
				UserID:        42,
				Amount:        decimal.NewFromInt(1000),
				Currency:      "TRY",
				PaymentMethod: "havale",
			})
			require.NoError(t, err)
			assert.Equal(t, tc.want, tx.Status)
			assert.Equal(t, "EXT200", tx.ExternalTxID)
			assert.Equal(t, tc.providerStatus, tx.ProviderStatus)

			require.Equal(t, 1, f.pub.count())
			assert.Equal(t, models.TransactionStatusPending, f.pub.changes[0].From)
			assert.Equal(t, tc.want, f.pub.changes[0].To)
			assert.Equal(t, events.SourceWebhook, f.pub.changes[0].Source)
		})
	}
}

func TestMismatchedCallbackIsNotApplied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.SeedTransaction(t, f.db, "TX-8", models.TransactionStatusProcessing)

	for _, d := range []Delivery{
		signedDelivery(t, models.WebhookEventWithdrawal, `{"transaction_id":"TX-8","status":"success"}`),
		signedDelivery(t, models.WebhookEventDeposit, `{"transaction_id":"TX-8","status":"success","amount":"999.00"}`),
		signedDelivery(t, models.WebhookEventDeposit, `{"transaction_id":"TX-8","status":"success","currency":"USD"}`),
	} {
		res, err := f.proc.Handle(ctx, d)
		require.NoError(t, err)
		assert.False(t, res.Processed)
		assert.Contains(t, res.Message, ErrMsgMismatch)
		assert.Equal(t, models.TransactionStatusProcessing, res.Status)
	}
	assert.Equal(t, 0, f.pub.count())

	for _, e := range f.storedEvents(t) {
		assert.True(t, e.Processed)
		assert.False(t, e.Applied)
		assert.Contains(t, e.ProcessingError, ErrMsgMismatch)
	}

	res, err := f.proc.Handle(ctx, signedDelivery(t, models.WebhookEventDeposit, `{"transaction_id":"TX-8","status":"success","amount":1000,"currency":"try"}`))
	require.NoError(t, err)
	assert.True(t, res.Processed)
	assert.Equal(t, models.TransactionStatusCompleted, res.Status)
}
