package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PayGate/app/models"
	"github.com/ManuelReschke/PayGate/app/repository"
	"github.com/ManuelReschke/PayGate/internal/pkg/apperrors"
	"github.com/ManuelReschke/PayGate/internal/pkg/events"
	"github.com/ManuelReschke/PayGate/internal/pkg/gateway"
	"github.com/ManuelReschke/PayGate/internal/pkg/limits"
	"github.com/ManuelReschke/PayGate/internal/pkg/testutil"
	"github.com/ManuelReschke/PayGate/internal/pkg/txstate"
)

type fakeGateway struct {
	mu       sync.Mutex
	calls    int
	polls    int
	createFn func(req gateway.PaymentRequest) (*gateway.Result, error)
	pollFn   func(externalTxID string) (*gateway.Result, error)
}

func (f *fakeGateway) CreateDeposit(_ context.Context, req gateway.PaymentRequest) (*gateway.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.createFn(req)
}

func (f *fakeGateway) CreateWithdrawal(ctx context.Context, req gateway.PaymentRequest) (*gateway.Result, error) {
	return f.CreateDeposit(ctx, req)
}

func (f *fakeGateway) GetTransaction(_ context.Context, externalTxID, _, _ string) (*gateway.Result, error) {
	f.mu.Lock()
	f.polls++
	f.mu.Unlock()
	return f.pollFn(externalTxID)
}

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

func acked(status string) func(req gateway.PaymentRequest) (*gateway.Result, error) {
	return func(req gateway.PaymentRequest) (*gateway.Result, error) {
		return &gateway.Result{
			Transaction: gateway.ProviderTransaction{ExternalTxID: "EXT123", TransactionID: req.TransactionID, Status: status},
			Raw:         []byte(`{"external_tx_id":"EXT123","status":"` + status + `"}`),
			Attempts:    1,
		}, nil
	}
}

type fixture struct {
	svc  *Service
	gw   *fakeGateway
	pub  *recordingPublisher
	repo repository.TransactionRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	testutil.SeedAccount(t, db, 42, "500.00", "TRY")

	table, err := limits.Load("")
	require.NoError(t, err)

	repos := repository.NewRepositories(db)
	gw := &fakeGateway{createFn: acked("processing")}
	pub := &recordingPublisher{}
	svc := NewService(repos.Transaction, repos.Account, gw, table, txstate.MustDefaultStatusMap(), pub)
	return &fixture{svc: svc, gw: gw, pub: pub, repo: repos.Transaction}
}

func request(id string, amount int64) CreateRequest {
	return CreateRequest{
		TransactionID: id,
		UserID:        42,
		Amount:        decimal.NewFromInt(amount),
		Currency:      "try",
		PaymentMethod: "Havale",
	}
}

func TestCreateDepositMovesToProcessing(t *testing.T) {
	f := newFixture(t)

	tx, err := f.svc.CreateDeposit(context.Background(), request("DEP-1", 1000))
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusProcessing, tx.Status)
	assert.Equal(t, "EXT123", tx.ExternalTxID)
	assert.Equal(t, "TRY", tx.Currency)
	assert.Equal(t, "havale", tx.PaymentMethod)
	assert.Equal(t, 1, f.gw.calls)

	require.Len(t, f.pub.changes, 1)
	assert.Equal(t, models.TransactionStatusPending, f.pub.changes[0].From)
	assert.Equal(t, models.TransactionStatusProcessing, f.pub.changes[0].To)
}

func TestWithdrawalAboveBalanceIsRejectedBeforeAnyCall(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateWithdrawal(context.Background(), request("WD-1", 600))
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeValidation))
	assert.Equal(t, 0, f.gw.calls)

	_, err = f.repo.GetByTransactionID(context.Background(), "WD-1")
	assert.Error(t, err, "nothing is stored for a rejected withdrawal")
}

func TestWithdrawalWithinBalance(t *testing.T) {
	f := newFixture(t)

	tx, err := f.svc.CreateWithdrawal(context.Background(), request("WD-2", 400))
	require.NoError(t, err)
	assert.Equal(t, models.TransactionTypeWithdraw, tx.Type)
	assert.Equal(t, 1, f.gw.calls)
}

func TestGatewayFailureMarksTransactionFailed(t *testing.T) {
	f := newFixture(t)
	f.gw.createFn = func(gateway.PaymentRequest) (*gateway.Result, error) {
		return nil, apperrors.Gateway(errors.New("503"), "gateway POST /deposits failed after 4 attempts", 503, true)
	}

	_, err := f.svc.CreateDeposit(context.Background(), request("DEP-2", 1000))
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeGateway))

	stored, err := f.repo.GetByTransactionID(context.Background(), "DEP-2")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "after 4 attempts")
	assert.NotNil(t, stored.CompletedAt)
}

func TestResubmissionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreateDeposit(ctx, request("DEP-3", 1000))
	require.NoError(t, err)

	again, err := f.svc.CreateDeposit(ctx, request("DEP-3", 1000))
	require.NoError(t, err)
	assert.Equal(t, first.TransactionID, again.TransactionID)
	assert.Equal(t, first.Status, again.Status)
	assert.Equal(t, 1, f.gw.calls, "replay does not call the gateway again")

	_, err = f.svc.CreateDeposit(ctx, request("DEP-3", 2000))
	assert.True(t, apperrors.HasCode(err, apperrors.CodeValidation))
	assert.Equal(t, 1, f.gw.calls)
}

func TestLimitsAreEnforced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateDeposit(ctx, request("LIM-1", 10))
	assert.True(t, apperrors.HasCode(err, apperrors.CodeValidation), "below havale minimum")

	_, err = f.svc.CreateDeposit(ctx, request("LIM-2", 100001))
	assert.True(t, apperrors.HasCode(err, apperrors.CodeValidation), "above havale maximum")

	req := request("LIM-3", 100)
	req.PaymentMethod = "carrier-pigeon"
	_, err = f.svc.CreateDeposit(ctx, req)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeValidation))

	for i, id := range []string{"CAP-1", "CAP-2"} {
		_, err = f.svc.CreateDeposit(ctx, request(id, 100000))
		require.NoError(t, err, "deposit %d", i)
	}
	_, err = f.svc.CreateDeposit(ctx, request("CAP-3", 60000))
	assert.True(t, apperrors.HasCode(err, apperrors.CodeValidation), "daily cap of 250000")
	assert.Equal(t, 2, f.gw.calls)
}

func TestInvalidRequestFields(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateDeposit(context.Background(), CreateRequest{Amount: decimal.NewFromInt(100)})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeValidation))

	req := request("NEG-1", 0)
	_, err = f.svc.CreateDeposit(context.Background(), req)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeValidation))

	req = request("FRAC-1", 100)
	req.Amount = decimal.RequireFromString("100.001")
	_, err = f.svc.CreateDeposit(context.Background(), req)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeValidation))
	assert.Equal(t, 0, f.gw.calls)
}

func TestPollStatusAppliesProviderResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateDeposit(ctx, request("POLL-1", 1000))
	require.NoError(t, err)

	f.gw.pollFn = func(string) (*gateway.Result, error) {
		return &gateway.Result{Transaction: gateway.ProviderTransaction{ID: "EXT123", Status: "success"}, Raw: []byte(`{"status":"success"}`)}, nil
	}
	tx, err := f.svc.PollStatus(ctx, "POLL-1")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusCompleted, tx.Status)
	assert.Equal(t, "success", tx.ProviderStatus)
	assert.NotNil(t, tx.CompletedAt)

	// Terminal transactions are not polled again.
	_, err = f.svc.PollStatus(ctx, "POLL-1")
	require.NoError(t, err)
	assert.Equal(t, 1, f.gw.polls)
}

func TestPollStatusIgnoresUnmappedStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateDeposit(ctx, request("POLL-2", 1000))
	require.NoError(t, err)

	f.gw.pollFn = func(string) (*gateway.Result, error) {
		return &gateway.Result{Transaction: gateway.ProviderTransaction{Status: "on_hold"}}, nil
	}
	tx, err := f.svc.PollStatus(ctx, "POLL-2")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusProcessing, tx.Status)
}

func TestSynchronousSettlement(t *testing.T) {
	f := newFixture(t)
	f.gw.createFn = acked("approved")

	tx, err := f.svc.CreateDeposit(context.Background(), request("SYNC-1", 1000))
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusCompleted, tx.Status)
	assert.Len(t, f.pub.changes, 2)
}

func TestGetUnknownTransaction(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Get(context.Background(), "missing")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))
}

func TestAbandonUnacknowledged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.repo.CreateIfNotExists(ctx, &models.Transaction{
		TransactionID: "LOST-1",
		UserID:        42,
		Type:          models.TransactionTypeDeposit,
		Amount:        decimal.NewFromInt(100),
		Currency:      "TRY",
		PaymentMethod: "havale",
		CreatedAt:     time.Now().UTC().Add(-time.Hour),
	})
	require.NoError(t, err)

	tx, err := f.svc.Abandon(ctx, "LOST-1", "never acknowledged by gateway")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusFailed, tx.Status)
	assert.Equal(t, "never acknowledged by gateway", tx.ErrorMessage)
}

func TestTransactionsAreScopedToTheirClient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gw.pollFn = func(string) (*gateway.Result, error) {
		return &gateway.Result{Transaction: gateway.ProviderTransaction{Status: "success"}}, nil
	}

	req := request("OWN-1", 1000)
	req.ClientID = "merchant-1"
	_, err := f.svc.CreateDeposit(ctx, req)
	require.NoError(t, err)

	tx, err := f.svc.GetForClient(ctx, "merchant-1", "OWN-1")
	require.NoError(t, err)
	assert.Equal(t, "merchant-1", tx.ClientID)

	_, err = f.svc.GetForClient(ctx, "merchant-2", "OWN-1")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))
	_, err = f.svc.PollForClient(ctx, "merchant-2", "OWN-1")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))
	assert.Equal(t, 0, f.gw.polls)

	// The same transaction_id from another client is not a replay.
	req.ClientID = "merchant-2"
	_, err = f.svc.CreateDeposit(ctx, req)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeValidation))
	assert.Equal(t, 1, f.gw.calls)

	tx, err = f.svc.PollForClient(ctx, "merchant-1", "OWN-1")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusCompleted, tx.Status)
}

func TestCallbackBeforeAcknowledgementKeepsExternalID(t *testing.T) {
	for _, tc := range []struct {
		name   string
		target models.TransactionStatus
	}{
		{name: "processing", target: models.TransactionStatusProcessing},
		{name: "completed", target: models.TransactionStatusCompleted},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			ack := acked("processing")
			f.gw.createFn = func(req gateway.PaymentRequest) (*gateway.Result, error) {
				_, err := f.repo.Transition(ctx, req.TransactionID, tc.target, repository.TransitionPatch{ProviderStatus: tc.name})
				require.NoError(t, err)
				return ack(req)
			}

			tx, err := f.svc.CreateDeposit(ctx, request("RACE-1", 1000))
			require.NoError(t, err)
			assert.Equal(t, tc.target, tx.Status)
			assert.Equal(t, "EXT123", tx.ExternalTxID)
			assert.Empty(t, f.pub.changes, "the callback owns the status change")

			stored, err := f.repo.GetByTransactionID(ctx, "RACE-1")
			require.NoError(t, err)
			assert.NotEmpty(t, stored.ResponsePayload)

			// The id is what the poll sweep needs to reach the provider.
			f.gw.pollFn = func(externalTxID string) (*gateway.Result, error) {
				assert.Equal(t, "EXT123", externalTxID)
				return &gateway.Result{Transaction: gateway.ProviderTransaction{Status: "success"}}, nil
			}
			polled, err := f.svc.PollStatus(ctx, "RACE-1")
			require.NoError(t, err)
			assert.Equal(t, models.TransactionStatusCompleted, polled.Status)
			if tc.target.IsTerminal() {
				assert.Equal(t, 0, f.gw.polls)
			} else {
				assert.Equal(t, 1, f.gw.polls)
			}
		})
	}
}
