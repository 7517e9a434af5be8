package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/ManuelReschke/PayGate/app/models"
	"github.com/ManuelReschke/PayGate/internal/pkg/testutil"
	"github.com/ManuelReschke/PayGate/internal/pkg/txstate"
)

func TestCreateIfNotExistsIsIdempotent(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	tx := &models.Transaction{
		TransactionID: "TX-1",
		UserID:        7,
		Type:          models.TransactionTypeDeposit,
		Amount:        decimal.NewFromInt(1000),
		Currency:      "TRY",
		PaymentMethod: "havale",
	}
	created, stored, err := repo.CreateIfNotExists(ctx, tx)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.TransactionStatusPending, stored.Status)

	again := &models.Transaction{
		TransactionID: "TX-1",
		UserID:        7,
		Type:          models.TransactionTypeDeposit,
		Amount:        decimal.NewFromInt(5),
		Currency:      "TRY",
		PaymentMethod: "havale",
	}
	created, stored, err = repo.CreateIfNotExists(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, stored.Amount.Equal(decimal.NewFromInt(1000)), "existing row is returned untouched")
}

func TestMarkProcessingThenComplete(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()
	testutil.SeedTransaction(t, db, "TX-2", models.TransactionStatusPending)

	res, err := repo.MarkProcessing(ctx, "TX-2", "EXT123", "processing", datatypes.JSON(`{"id":"EXT123"}`))
	require.NoError(t, err)
	assert.True(t, res.Changed())
	assert.Equal(t, models.TransactionStatusProcessing, res.Transaction.Status)
	assert.Equal(t, "EXT123", res.Transaction.ExternalTxID)
	assert.Nil(t, res.Transaction.CompletedAt)

	res, err = repo.Transition(ctx, "TX-2", models.TransactionStatusCompleted, TransitionPatch{ProviderStatus: "success"})
	require.NoError(t, err)
	assert.True(t, res.Changed())
	assert.Equal(t, models.TransactionStatusCompleted, res.Transaction.Status)
	assert.NotNil(t, res.Transaction.CompletedAt)
	assert.Equal(t, "EXT123", res.Transaction.ExternalTxID)
}

func TestMarkProcessingAfterCallbackKeepsExternalID(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()
	testutil.SeedTransaction(t, db, "TX-6", models.TransactionStatusPending)

	_, err := repo.Transition(ctx, "TX-6", models.TransactionStatusProcessing, TransitionPatch{ProviderStatus: "processing"})
	require.NoError(t, err)

	res, err := repo.MarkProcessing(ctx, "TX-6", "EXT123", "processing", datatypes.JSON(`{"id":"EXT123"}`))
	require.NoError(t, err)
	assert.False(t, res.Changed())
	assert.Equal(t, "EXT123", res.Transaction.ExternalTxID)

	stored, err := repo.GetByTransactionID(ctx, "TX-6")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusProcessing, stored.Status)
	assert.Equal(t, "EXT123", stored.ExternalTxID)
	assert.JSONEq(t, `{"id":"EXT123"}`, string(stored.ResponsePayload))
}

func TestMarkProcessingAfterTerminalCallbackKeepsStatus(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()
	testutil.SeedTransaction(t, db, "TX-7", models.TransactionStatusPending)

	_, err := repo.Transition(ctx, "TX-7", models.TransactionStatusCompleted, TransitionPatch{ProviderStatus: "success"})
	require.NoError(t, err)

	res, err := repo.MarkProcessing(ctx, "TX-7", "EXT777", "processing", datatypes.JSON(`{"id":"EXT777"}`))
	assert.ErrorIs(t, err, txstate.ErrTerminalState)
	require.NotNil(t, res)
	assert.False(t, res.Changed())

	stored, err := repo.GetByTransactionID(ctx, "TX-7")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusCompleted, stored.Status)
	assert.Equal(t, "success", stored.ProviderStatus)
	assert.Equal(t, "EXT777", stored.ExternalTxID)

	// An id that is already stored is never replaced.
	_, _ = repo.MarkProcessing(ctx, "TX-7", "EXT999", "processing", nil)
	stored, err = repo.GetByTransactionID(ctx, "TX-7")
	require.NoError(t, err)
	assert.Equal(t, "EXT777", stored.ExternalTxID)
}

func TestTransitionRejectsTerminalChanges(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()
	testutil.SeedTransaction(t, db, "TX-3", models.TransactionStatusCompleted)

	res, err := repo.Transition(ctx, "TX-3", models.TransactionStatusFailed, TransitionPatch{ErrorMessage: "late failure"})
	assert.ErrorIs(t, err, txstate.ErrTerminalState)
	require.NotNil(t, res)
	assert.False(t, res.Changed())

	stored, err := repo.GetByTransactionID(ctx, "TX-3")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusCompleted, stored.Status)
	assert.Empty(t, stored.ErrorMessage)
}

func TestTransitionIgnoresStaleStatus(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()
	testutil.SeedTransaction(t, db, "TX-4", models.TransactionStatusProcessing)

	res, err := repo.Transition(ctx, "TX-4", models.TransactionStatusPending, TransitionPatch{})
	require.NoError(t, err)
	assert.Equal(t, txstate.Stale, res.Decision.Outcome)
	assert.Equal(t, models.TransactionStatusProcessing, res.Transaction.Status)
}

func TestConcurrentTransitionsApplyExactlyOnce(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()
	testutil.SeedTransaction(t, db, "TX-5", models.TransactionStatusProcessing)

	targets := []models.TransactionStatus{
		models.TransactionStatusCompleted,
		models.TransactionStatusFailed,
		models.TransactionStatusCancelled,
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []models.TransactionStatus
	)
	for i := 0; i < 24; i++ {
		wg.Add(1)
		go func(target models.TransactionStatus) {
			defer wg.Done()
			res, err := repo.Transition(ctx, "TX-5", target, TransitionPatch{})
			if err == nil && res.Changed() {
				mu.Lock()
				winners = append(winners, target)
				mu.Unlock()
			}
		}(targets[i%len(targets)])
	}
	wg.Wait()

	require.Len(t, winners, 1)
	stored, err := repo.GetByTransactionID(ctx, "TX-5")
	require.NoError(t, err)
	assert.Equal(t, winners[0], stored.Status)
}

func TestSumAmountSinceSkipsFailed(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	for i, status := range []models.TransactionStatus{
		models.TransactionStatusCompleted,
		models.TransactionStatusPending,
		models.TransactionStatusFailed,
	} {
		require.NoError(t, db.Create(&models.Transaction{
			TransactionID: "SUM-" + string(rune('A'+i)),
			UserID:        9,
			Type:          models.TransactionTypeWithdraw,
			Amount:        decimal.NewFromInt(100),
			Currency:      "TRY",
			PaymentMethod: "havale",
			Status:        status,
		}).Error)
	}

	total, err := repo.SumAmountSince(ctx, 9, models.TransactionTypeWithdraw, "havale", time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.NewFromInt(200)), "got %s", total)

	none, err := repo.SumAmountSince(ctx, 10, models.TransactionTypeWithdraw, "havale", time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, none.IsZero())
}

func TestFindTerminalBeforeNeverReturnsLiveTransactions(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	old := time.Now().UTC().Add(-200 * 24 * time.Hour)
	for _, status := range []models.TransactionStatus{
		models.TransactionStatusPending,
		models.TransactionStatusProcessing,
		models.TransactionStatusCompleted,
		models.TransactionStatusFailed,
	} {
		tx := testutil.SeedTransaction(t, db, "OLD-"+string(status), status)
		require.NoError(t, db.Model(tx).UpdateColumns(map[string]interface{}{"created_at": old, "updated_at": old}).Error)
	}

	rows, err := repo.FindTerminalBefore(ctx, time.Now().UTC().Add(-90*24*time.Hour), 100)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	ids := []uint{}
	for _, r := range rows {
		assert.True(t, r.Status.IsTerminal())
		ids = append(ids, r.ID)
	}

	var all []models.Transaction
	require.NoError(t, db.Find(&all).Error)
	for _, r := range all {
		ids = append(ids, r.ID)
	}
	deleted, err := repo.DeleteByIDs(ctx, ids)
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted, "live transactions survive even when their ids are passed")
}

func TestOutcomeAndMethodStats(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	testutil.SeedTransaction(t, db, "S-1", models.TransactionStatusCompleted)
	testutil.SeedTransaction(t, db, "S-2", models.TransactionStatusCompleted)
	testutil.SeedTransaction(t, db, "S-3", models.TransactionStatusFailed)
	testutil.SeedTransaction(t, db, "S-4", models.TransactionStatusPending)

	from := time.Now().UTC().Add(-time.Hour)
	to := time.Now().UTC().Add(time.Minute)

	stats, err := repo.OutcomeStats(ctx, from, to)
	require.NoError(t, err)
	assert.EqualValues(t, 4, stats.Total)
	assert.EqualValues(t, 2, stats.Completed)
	assert.EqualValues(t, 1, stats.Failed)
	assert.EqualValues(t, 1, stats.Pending)
	assert.EqualValues(t, 3, stats.Finished())

	byMethod, err := repo.StatsByMethod(ctx, from, to)
	require.NoError(t, err)
	require.Len(t, byMethod, 1)
	assert.Equal(t, "havale", byMethod[0].PaymentMethod)
	assert.True(t, byMethod[0].Volume.Equal(decimal.NewFromInt(2000)))
}
