package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/ManuelReschke/PayGate/app/models"
)

type fakeProducer struct {
	records []*kgo.Record
	err     error
	closed  bool
}

func (f *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	results := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		f.records = append(f.records, r)
		results = append(results, kgo.ProduceResult{Record: r, Err: f.err})
	}
	return results
}

func (f *fakeProducer) Close() { f.closed = true }

func sampleChange() StatusChange {
	tx := &models.Transaction{
		TransactionID: "TX-1",
		ExternalTxID:  "EXT123",
		UserID:        42,
		Type:          models.TransactionTypeDeposit,
		Amount:        decimal.NewFromInt(1000),
		Currency:      "TRY",
		Status:        models.TransactionStatusCompleted,
		UpdatedAt:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	return NewStatusChange(tx, models.TransactionStatusProcessing, SourceWebhook)
}

func TestKafkaPublisherKeysByTransaction(t *testing.T) {
	fake := &fakeProducer{}
	p := newKafkaPublisher(fake, "payment.status")

	require.NoError(t, p.Publish(context.Background(), sampleChange()))
	require.Len(t, fake.records, 1)

	rec := fake.records[0]
	assert.Equal(t, "payment.status", rec.Topic)
	assert.Equal(t, []byte("TX-1"), rec.Key)

	var decoded StatusChange
	require.NoError(t, json.Unmarshal(rec.Value, &decoded))
	assert.Equal(t, models.TransactionStatusProcessing, decoded.From)
	assert.Equal(t, models.TransactionStatusCompleted, decoded.To)
	assert.Equal(t, "1000.00", decoded.Amount)

	p.Close()
	assert.True(t, fake.closed)
}

func TestKafkaPublisherReturnsProduceError(t *testing.T) {
	fake := &fakeProducer{err: errors.New("broker down")}
	p := newKafkaPublisher(fake, "payment.status")

	err := p.Publish(context.Background(), sampleChange())
	assert.ErrorContains(t, err, "broker down")

	// Notify swallows the failure.
	Notify(context.Background(), p, sampleChange())
}
