// Package token issues and verifies the service's signed bearer tokens.
//
// A token is three '.'-joined base64url segments: a fixed HS256 header, the
// JSON claims, and an HMAC-SHA256 over "header.payload" keyed with the server
// secret. Padding is stripped on output and tolerated when decoding.
package token

import (
	"crypto/hmac"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalid   = errors.New("invalid token")
	ErrMalformed = fmt.Errorf("%w: malformed", ErrInvalid)
	ErrSignature = fmt.Errorf("%w: signature mismatch", ErrInvalid)
	ErrExpired   = fmt.Errorf("%w: expired", ErrInvalid)
)

// Claims is the token payload. Fields missing from a decoded payload keep
// their zero value.
type Claims struct {
	UserID    int64  `json:"user_id"`
	Username  string `json:"username"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	// ID is unique per issued token, so two tokens minted for the same user
	// within one second still differ.
	ID string `json:"jti,omitempty"`
}

func (c Claims) GetExpirationTime() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.ExpiresAt, 0)), nil
}

func (c Claims) GetIssuedAt() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.IssuedAt, 0)), nil
}

func (c Claims) GetNotBefore() (*jwt.NumericDate, error) { return nil, nil }
func (c Claims) GetIssuer() (string, error)              { return "", nil }
func (c Claims) GetAudience() (jwt.ClaimStrings, error)  { return nil, nil }

func (c Claims) GetSubject() (string, error) {
	return strconv.FormatInt(c.UserID, 10), nil
}

type Codec struct {
	key    []byte
	parser *jwt.Parser
}

func NewCodec(secret string) (*Codec, error) {
	if secret == "" {
		return nil, fmt.Errorf("token secret is required")
	}
	return &Codec{
		key:    []byte(secret),
		parser: jwt.NewParser(jwt.WithPaddingAllowed()),
	}, nil
}

// Issue mints a token for the user valid from now for lifetime, truncated to
// whole seconds so that exp == iat + lifetime holds exactly.
func (c *Codec) Issue(userID int64, username string, now time.Time, lifetime time.Duration) (string, error) {
	iat := now.Unix()
	claims := Claims{
		UserID:    userID,
		Username:  username,
		IssuedAt:  iat,
		ExpiresAt: iat + int64(lifetime/time.Second),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks structure, signature and expiry, in that order. A token
// whose exp equals now is still valid.
func (c *Codec) Verify(tokenString string, now time.Time) (Claims, error) {
	claims, err := c.Parse(tokenString)
	if err != nil {
		return Claims{}, err
	}
	if now.After(time.Unix(claims.ExpiresAt, 0)) {
		return Claims{}, ErrExpired
	}
	return claims, nil
}

// Parse is Verify without the expiry check.
func (c *Codec) Parse(tokenString string) (Claims, error) {
	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return Claims{}, ErrMalformed
	}

	expected, err := c.sign(parts[0] + "." + parts[1])
	if err != nil {
		return Claims{}, err
	}
	if !hmac.Equal([]byte(expected), []byte(parts[2])) {
		return Claims{}, ErrSignature
	}

	payload, err := c.parser.DecodeSegment(parts[1])
	if err != nil {
		return Claims{}, ErrMalformed
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, ErrMalformed
	}
	return claims, nil
}

func (c *Codec) sign(signingString string) (string, error) {
	sig, err := jwt.SigningMethodHS256.Sign(signingString, c.key)
	if err != nil {
		return "", fmt.Errorf("compute signature: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sig), nil
}
