package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeTaxonomy(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"auth", Auth("missing api key"), http.StatusUnauthorized, CodeAuth},
		{"signature", Signature("bad signature"), http.StatusBadRequest, CodeSignature},
		{"validation", Validation("amount too small", nil), http.StatusBadRequest, CodeValidation},
		{"not found", NotFound("transaction not found"), http.StatusNotFound, CodeNotFound},
		{"rate limited", RateLimited("slow down", 30*time.Second), http.StatusTooManyRequests, CodeRateLimited},
		{"gateway", Gateway(errors.New("boom"), "upstream failed", 503, true), http.StatusBadGateway, CodeGateway},
		{"persistence", Persistence(errors.New("db down"), "save failed"), http.StatusInternalServerError, CodePersistence},
		{"plain", errors.New("plain"), http.StatusInternalServerError, CodeInternal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, code, _ := Normalize(tc.err)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.code, code)
		})
	}
}

func TestPersistenceMessageIsHidden(t *testing.T) {
	_, _, msg := Normalize(Persistence(errors.New("dial tcp 10.0.0.1:3306"), "save failed"))
	assert.NotContains(t, msg, "10.0.0.1")
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
	rich, ok := As(RateLimited("slow down", 1500*time.Millisecond))
	require.True(t, ok)
	assert.EqualValues(t, 2, rich.Metadata["retry_after"])
}

func TestIsRetryableThroughWrapping(t *testing.T) {
	err := fmt.Errorf("create deposit: %w", Gateway(nil, "upstream 503", 503, true))
	assert.True(t, IsRetryable(err))
	assert.True(t, HasCode(err, CodeGateway))

	assert.False(t, IsRetryable(Gateway(nil, "upstream 400", 400, false)))
	assert.False(t, IsRetryable(Validation("bad", nil)))
}
