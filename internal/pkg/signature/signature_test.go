package signature

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test_secret"

func fixedCodec(now time.Time) *Codec {
	c := NewCodec(300 * time.Second)
	c.Now = func() time.Time { return now }
	return c
}

func samplePayload() []byte {
	return []byte(`{"amount":"1000.00","currency":"TRY","payment_method":"havale","status":"completed","transaction_id":"TX-1001","user_id":42}`)
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	now := time.Unix(1760000000, 0)
	c := fixedCodec(now)
	ts := Timestamp(now)

	sig, err := c.Sign(samplePayload(), testSecret, ts)
	require.NoError(t, err)
	assert.Len(t, sig, 64)
	assert.True(t, c.Verify(samplePayload(), sig, testSecret, ts))
}

func TestSignatureIgnoresKeyOrderAndWhitespace(t *testing.T) {
	now := time.Unix(1760000000, 0)
	c := fixedCodec(now)
	ts := Timestamp(now)

	sig, err := c.Sign(map[string]any{"b": 2, "a": "x"}, testSecret, ts)
	require.NoError(t, err)

	wire := []byte("{\n  \"a\": \"x\",\n  \"b\": 2\n}")
	assert.True(t, c.Verify(wire, sig, testSecret, ts))
}

func TestCanonicalJSONKeepsNumberLiterals(t *testing.T) {
	out, err := CanonicalJSON([]byte(`{"z":1000.00,"a":12345678901234567890}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":12345678901234567890,"z":1000.00}`, string(out))
}

func TestAnySinglePayloadBitFlipFails(t *testing.T) {
	now := time.Unix(1760000000, 0)
	c := fixedCodec(now)
	ts := Timestamp(now)
	payload := samplePayload()

	sig, err := c.Sign(payload, testSecret, ts)
	require.NoError(t, err)

	for i := range payload {
		for bit := 0; bit < 8; bit++ {
			mutated := append([]byte(nil), payload...)
			mutated[i] ^= 1 << bit
			assert.False(t, c.Verify(mutated, sig, testSecret, ts), "byte %d bit %d", i, bit)
		}
	}
}

func TestAnySingleSignatureBitFlipFails(t *testing.T) {
	now := time.Unix(1760000000, 0)
	c := fixedCodec(now)
	ts := Timestamp(now)

	sig, err := c.Sign(samplePayload(), testSecret, ts)
	require.NoError(t, err)
	raw, err := hex.DecodeString(sig)
	require.NoError(t, err)

	for i := range raw {
		for bit := 0; bit < 8; bit++ {
			mutated := append([]byte(nil), raw...)
			mutated[i] ^= 1 << bit
			assert.False(t, c.Verify(samplePayload(), hex.EncodeToString(mutated), testSecret, ts))
		}
	}
}

func TestTimestampOutsideToleranceFails(t *testing.T) {
	signedAt := time.Unix(1760000000, 0)
	ts := Timestamp(signedAt)

	sig, err := fixedCodec(signedAt).Sign(samplePayload(), testSecret, ts)
	require.NoError(t, err)

	assert.NoError(t, fixedCodec(signedAt.Add(300*time.Second)).Check(samplePayload(), sig, testSecret, ts))
	assert.ErrorIs(t, fixedCodec(signedAt.Add(301*time.Second)).Check(samplePayload(), sig, testSecret, ts), ErrStaleTimestamp)
	assert.ErrorIs(t, fixedCodec(signedAt.Add(-301*time.Second)).Check(samplePayload(), sig, testSecret, ts), ErrStaleTimestamp)
}

func TestExtremeTimestampsAreStale(t *testing.T) {
	now := time.Unix(1760000000, 0)
	c := fixedCodec(now)

	for _, ts := range []string{"9223372036854775807", "-9223372036854775808", "0"} {
		sig, err := c.Sign(samplePayload(), testSecret, ts)
		require.NoError(t, err)
		assert.ErrorIs(t, c.Check(samplePayload(), sig, testSecret, ts), ErrStaleTimestamp, ts)
	}
}

func TestCheckReasons(t *testing.T) {
	now := time.Unix(1760000000, 0)
	c := fixedCodec(now)
	ts := Timestamp(now)

	sig, err := c.Sign(samplePayload(), testSecret, ts)
	require.NoError(t, err)

	assert.ErrorIs(t, c.Check(samplePayload(), sig, testSecret, "yesterday"), ErrMalformedTimestamp)
	assert.ErrorIs(t, c.Check(samplePayload(), sig, "other-secret", ts), ErrInvalidSignature)
	assert.ErrorIs(t, c.Check(samplePayload(), "not-hex", testSecret, ts), ErrInvalidSignature)
	assert.ErrorIs(t, c.Check(samplePayload(), "", testSecret, ts), ErrInvalidSignature)
}
