package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	issued := mustIssue(t, secret, Claims{
		Sub: 7,
		JTI: "jti-1",
		Exp: time.Now().Add(time.Hour).Unix(),
	})
	claims, err := ParseToken(secret, issued)
	require.NoError(t, err)
	assert.Equal(t, int64(7), claims.Sub)
	assert.Equal(t, "jti-1", claims.JTI)
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	issued := mustIssue(t, secret, Claims{
		Sub: 7,
		JTI: "jti-1",
		Exp: time.Now().Add(-time.Minute).Unix(),
	})
	_, err := ParseToken(secret, issued)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestParseTokenRejectsExactExpiryBoundary(t *testing.T) {
	secret := []byte("secret")
	exp := time.Unix(1_900_000_000, 0)
	issued := mustIssue(t, secret, Claims{Sub: 1, JTI: "j", Exp: exp.Unix()})

	_, err := ParseTokenAt(secret, issued, exp.Add(-time.Second))
	require.NoError(t, err, "one second before expiry")
	_, err = ParseTokenAt(secret, issued, exp)
	assert.ErrorIs(t, err, ErrExpiredToken, "at expiry")
}

func TestParseTokenRejectsTampered(t *testing.T) {
	secret := []byte("secret")
	issued := mustIssue(t, secret, Claims{Sub: 1, JTI: "j", Exp: time.Now().Add(time.Hour).Unix()})
	cases := map[string]string{
		"flipped signature": issued[:len(issued)-1] + flip(issued[len(issued)-1:]),
		"other secret":      mustIssue(t, []byte("other"), Claims{Sub: 1, JTI: "j", Exp: time.Now().Add(time.Hour).Unix()}),
		"no separator":      strings.ReplaceAll(issued, ".", ""),
		"empty":             "",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseToken(secret, token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("pw1")
	require.NoError(t, err)
	assert.NotEqual(t, "pw1", hash)
	assert.NoError(t, CheckPassword(hash, "pw1"))
	assert.ErrorIs(t, CheckPassword(hash, "pw2"), ErrPasswordMismatch)
}

func mustIssue(t *testing.T, secret []byte, claims Claims) string {
	t.Helper()
	token, err := IssueToken(secret, claims)
	require.NoError(t, err)
	return token
}

func flip(s string) string {
	if s == "A" {
		return "B"
	}
	return "A"
}
