package signature

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultTolerance is the accepted clock skew between signer and verifier.
const DefaultTolerance = 300 * time.Second

var (
	ErrInvalidSignature   = errors.New("signature mismatch")
	ErrStaleTimestamp     = errors.New("timestamp outside tolerance")
	ErrMalformedTimestamp = errors.New("malformed timestamp")
)

// Codec signs and verifies payloads with HMAC-SHA256 over the canonical JSON
// form of the payload followed by the unix timestamp string.
type Codec struct {
	Tolerance time.Duration
	Now       func() time.Time
}

func NewCodec(tolerance time.Duration) *Codec {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Codec{
		Tolerance: tolerance,
		Now:       time.Now,
	}
}

// Timestamp formats t the way X-Timestamp carries it.
func Timestamp(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// Sign returns the hex signature for payload at timestamp.
func (c *Codec) Sign(payload any, secret, timestamp string) (string, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(mac(canonical, secret, timestamp)), nil
}

// Verify is Check reduced to a bool.
func (c *Codec) Verify(payload any, signature, secret, timestamp string) bool {
	return c.Check(payload, signature, secret, timestamp) == nil
}

// Check verifies signature and reports why it failed. A correct signature with
// a timestamp outside the tolerance window is still rejected.
func (c *Codec) Check(payload any, signature, secret, timestamp string) error {
	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return ErrMalformedTimestamp
	}

	// Bounds are compared in seconds so extreme timestamps cannot overflow.
	now := c.now().Unix()
	window := int64(c.tolerance() / time.Second)
	if ts < now-window || ts > now+window {
		return ErrStaleTimestamp
	}

	provided, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(signature)))
	if err != nil || len(provided) == 0 {
		return ErrInvalidSignature
	}

	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(mac(canonical, secret, strings.TrimSpace(timestamp)), provided) {
		return ErrInvalidSignature
	}
	return nil
}

func (c *Codec) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

func (c *Codec) tolerance() time.Duration {
	if c.Tolerance <= 0 {
		return DefaultTolerance
	}
	return c.Tolerance
}

func mac(canonical []byte, secret, timestamp string) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(canonical)
	h.Write([]byte(timestamp))
	return h.Sum(nil)
}

// CanonicalJSON renders payload as compact JSON with sorted object keys.
// Raw bytes are parsed and re-rendered so whitespace and key order on the
// wire do not change the signature. Numbers keep their literal form.
func CanonicalJSON(payload any) ([]byte, error) {
	var raw []byte
	switch p := payload.(type) {
	case nil:
		return []byte("null"), nil
	case []byte:
		raw = p
	case json.RawMessage:
		raw = p
	case string:
		raw = []byte(p)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		raw = b
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if dec.More() {
		return nil, errors.New("decode payload: trailing data")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
