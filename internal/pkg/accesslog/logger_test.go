package accesslog

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PayGate/app/models"
	"github.com/ManuelReschke/PayGate/app/repository"
	"github.com/ManuelReschke/PayGate/internal/pkg/clientcontext"
	"github.com/ManuelReschke/PayGate/internal/pkg/testutil"
)

type blockingRepo struct {
	repository.AccessLogRepository
	release chan struct{}
	mu      sync.Mutex
	rows    int
}

func (b *blockingRepo) CreateBatch(_ context.Context, records []models.AccessLog) error {
	<-b.release
	b.mu.Lock()
	b.rows += len(records)
	b.mu.Unlock()
	return nil
}

type failingRepo struct {
	repository.AccessLogRepository
}

func (failingRepo) CreateBatch(context.Context, []models.AccessLog) error {
	return errors.New("table is locked")
}

func sample(i int) models.AccessLog {
	return models.AccessLog{
		ClientID:       "merchant-1",
		IP:             "10.0.0.1",
		Endpoint:       "/api/v1/deposits",
		Method:         "POST",
		Timestamp:      time.Now().UTC(),
		ResponseStatus: 200 + i%2,
		Success:        true,
	}
}

func TestRecordNeverBlocks(t *testing.T) {
	repo := &blockingRepo{release: make(chan struct{})}
	l := newLogger(repo, nil, 4, 1)

	started := time.Now()
	accepted := 0
	for i := 0; i < 200; i++ {
		if l.Record(sample(i)) {
			accepted++
		}
	}
	assert.Less(t, time.Since(started), time.Second)
	assert.Positive(t, l.Dropped())
	assert.EqualValues(t, 200, int64(accepted)+l.Dropped())

	close(repo.release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Close(ctx))

	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Equal(t, accepted, repo.rows)
}

func TestCloseDrainsIntoDatabase(t *testing.T) {
	db := testutil.NewDB(t)
	l := New(repository.NewAccessLogRepository(db), nil, 64)

	for i := 0; i < 10; i++ {
		require.True(t, l.Record(sample(i)))
	}
	require.NoError(t, l.Close(context.Background()))

	var count int64
	require.NoError(t, db.Model(&models.AccessLog{}).Count(&count).Error)
	assert.EqualValues(t, 10, count)
	assert.EqualValues(t, 10, l.Written())

	assert.False(t, l.Record(sample(0)), "records after close are dropped")
}

func TestPersistenceFailureDoesNotStopConsumer(t *testing.T) {
	l := New(failingRepo{}, nil, 8)
	for i := 0; i < 3; i++ {
		l.Record(sample(i))
	}
	require.NoError(t, l.Close(context.Background()))
	assert.Zero(t, l.Written())
}

func TestMiddlewareRecordsStatusAndClient(t *testing.T) {
	db := testutil.NewDB(t)
	l := New(repository.NewAccessLogRepository(db), nil, 64)

	app := fiber.New()
	app.Use(Middleware(l))
	app.Use(func(c *fiber.Ctx) error {
		clientcontext.Set(c, clientcontext.ClientContext{ClientID: "merchant-9", Authenticated: true})
		return c.Next()
	})
	app.Get("/ok", func(c *fiber.Ctx) error { return c.SendString("ok") })
	app.Get("/boom", func(c *fiber.Ctx) error { return fiber.NewError(fiber.StatusBadGateway, "upstream") })

	resp, err := app.Test(httptest.NewRequest("GET", "/ok", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/boom", nil))
	require.NoError(t, err)
	assert.Equal(t, 502, resp.StatusCode)

	require.NoError(t, l.Close(context.Background()))

	var rows []models.AccessLog
	require.NoError(t, db.Order("id ASC").Find(&rows).Error)
	require.Len(t, rows, 2)
	assert.Equal(t, "merchant-9", rows[0].ClientID)
	assert.True(t, rows[0].Success)
	assert.Equal(t, 502, rows[1].ResponseStatus)
	assert.False(t, rows[1].Success)
}
