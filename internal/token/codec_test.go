package token

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var issuedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec("test-secret")
	require.NoError(t, err)
	return c
}

// forge signs an arbitrary payload with the codec's key.
func forge(t *testing.T, c *Codec, payload string) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	body := base64.RawURLEncoding.EncodeToString([]byte(payload))
	sig, err := c.sign(header + "." + body)
	require.NoError(t, err)
	return header + "." + body + "." + sig
}

func TestNewCodecRequiresSecret(t *testing.T) {
	_, err := NewCodec("")
	require.Error(t, err)
}

func TestIssueRoundTrip(t *testing.T) {
	c := newCodec(t)

	tok, err := c.Issue(42, "alice", issuedAt, 24*time.Hour)
	require.NoError(t, err)

	parts := strings.Split(tok, ".")
	require.Len(t, parts, 3)
	for _, p := range parts {
		assert.NotContains(t, p, "=")
		assert.NotContains(t, p, "+")
		assert.NotContains(t, p, "/")
	}

	header, err := base64.RawURLEncoding.DecodeString(parts[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"alg":"HS256","typ":"JWT"}`, string(header))

	claims, err := c.Verify(tok, issuedAt)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, issuedAt.Unix(), claims.IssuedAt)
	assert.Equal(t, issuedAt.Unix()+int64(24*time.Hour/time.Second), claims.ExpiresAt)
}

func TestPayloadWireKeys(t *testing.T) {
	c := newCodec(t)
	tok, err := c.Issue(7, "bob", issuedAt, time.Minute)
	require.NoError(t, err)

	payload, err := base64.RawURLEncoding.DecodeString(strings.Split(tok, ".")[1])
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(payload, &fields))
	jti, ok := fields["jti"].(string)
	require.True(t, ok, "payload carries a token id")
	_, err = uuid.Parse(jti)
	assert.NoError(t, err)

	delete(fields, "jti")
	assert.Equal(t, map[string]any{
		"user_id":  float64(7),
		"username": "bob",
		"iat":      float64(1772366400),
		"exp":      float64(1772366460),
	}, fields)
}

func TestIssueSameSecondTokensDiffer(t *testing.T) {
	c := newCodec(t)

	first, err := c.Issue(7, "bob", issuedAt, time.Minute)
	require.NoError(t, err)
	second, err := c.Issue(7, "bob", issuedAt, time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	a, err := c.Verify(first, issuedAt)
	require.NoError(t, err)
	b, err := c.Verify(second, issuedAt)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestVerifyRejectsWrongSegmentCount(t *testing.T) {
	c := newCodec(t)
	for _, tok := range []string{"", "not.a", "not.a.token.really", "abc"} {
		_, err := c.Verify(tok, issuedAt)
		assert.ErrorIs(t, err, ErrMalformed, tok)
		assert.ErrorIs(t, err, ErrInvalid, tok)
	}
}

func TestVerifyRejectsUnsignedGarbage(t *testing.T) {
	_, err := newCodec(t).Verify("not.a.token", issuedAt)
	assert.ErrorIs(t, err, ErrSignature)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	other, err := NewCodec("another-secret")
	require.NoError(t, err)
	tok, err := other.Issue(1, "alice", issuedAt, time.Hour)
	require.NoError(t, err)

	_, err = newCodec(t).Verify(tok, issuedAt)
	assert.ErrorIs(t, err, ErrSignature)
}

func TestVerifyDetectsTampering(t *testing.T) {
	c := newCodec(t)
	tok, err := c.Issue(42, "alice", issuedAt, time.Hour)
	require.NoError(t, err)

	headerEnd := strings.Index(tok, ".")
	for i := headerEnd + 1; i < len(tok); i++ {
		if tok[i] == '.' {
			continue
		}
		flipped := byte('A')
		if tok[i] == 'A' {
			flipped = 'B'
		}
		tampered := tok[:i] + string(flipped) + tok[i+1:]
		_, err := c.Verify(tampered, issuedAt)
		assert.ErrorIs(t, err, ErrInvalid, "position %d", i)
	}
}

func TestVerifyRejectsPaddedSignature(t *testing.T) {
	c := newCodec(t)
	tok, err := c.Issue(42, "alice", issuedAt, time.Hour)
	require.NoError(t, err)

	_, err = c.Verify(tok+"=", issuedAt)
	assert.ErrorIs(t, err, ErrSignature)
}

func TestVerifyExpiryBoundary(t *testing.T) {
	c := newCodec(t)
	tok, err := c.Issue(42, "alice", issuedAt, time.Hour)
	require.NoError(t, err)
	exp := issuedAt.Add(time.Hour)

	_, err = c.Verify(tok, exp)
	assert.NoError(t, err, "expiry is exclusive")

	_, err = c.Verify(tok, exp.Add(time.Second))
	assert.ErrorIs(t, err, ErrExpired)
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = c.Parse(tok)
	assert.NoError(t, err, "Parse ignores expiry")
}

func TestVerifyMissingFieldsDefaultToZero(t *testing.T) {
	c := newCodec(t)
	tok := forge(t, c, `{"username":"ghost","exp":`+itoa(issuedAt.Add(time.Hour).Unix())+`}`)

	claims, err := c.Verify(tok, issuedAt)
	require.NoError(t, err)
	assert.Zero(t, claims.UserID)
	assert.Zero(t, claims.IssuedAt)
	assert.Equal(t, "ghost", claims.Username)
}

func TestVerifyMissingExpiryIsExpired(t *testing.T) {
	c := newCodec(t)
	tok := forge(t, c, `{"user_id":1}`)

	_, err := c.Verify(tok, issuedAt)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerifyRejectsSignedNonJSON(t *testing.T) {
	c := newCodec(t)
	_, err := c.Verify(forge(t, c, `not json`), issuedAt)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestVerifyToleratesPaddedPayload(t *testing.T) {
	c := newCodec(t)
	payload := `{"user_id":5,"exp":` + itoa(issuedAt.Add(time.Hour).Unix()) + `}`
	for len(payload)%3 == 0 {
		payload += " "
	}
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	body := base64.URLEncoding.EncodeToString([]byte(payload))
	require.True(t, strings.HasSuffix(body, "="))
	sig, err := c.sign(header + "." + body)
	require.NoError(t, err)

	claims, err := c.Verify(header+"."+body+"."+sig, issuedAt)
	require.NoError(t, err)
	assert.Equal(t, int64(5), claims.UserID)
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
