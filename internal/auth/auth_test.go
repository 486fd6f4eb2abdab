package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
)

const testSecret = "test-secret"

func TestVerifier_RoundTrip(t *testing.T) {
	token, exp, err := NewAccessToken(testSecret, "user-42", time.Hour)
	assert.NoError(t, err)

	claims, err := NewVerifier(testSecret).Verify(token)
	assert.NoError(t, err)

	check.Equal(t, "user-42", claims.Subject)
	check.Equal(t, exp.Unix(), claims.ExpiresAt.Unix())
}

func TestVerifier_Rejects(t *testing.T) {
	good, _, err := NewAccessToken(testSecret, "user-42", time.Hour)
	assert.NoError(t, err)
	expired, _, err := NewAccessToken(testSecret, "user-42", -time.Minute)
	assert.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	assert.NoError(t, err)

	v := NewVerifier(testSecret)
	for name, raw := range map[string]string{
		"wrong secret": mustSign(t, "other-secret"),
		"expired":      expired,
		"alg none":     none,
		"garbage":      "not-a-token",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(raw)
			check.True(t, errors.Is(err, ErrInvalidToken))
		})
	}

	_, err = v.Verify(good)
	check.NoError(t, err)
}

func mustSign(t *testing.T, secret string) string {
	t.Helper()
	tok, _, err := NewAccessToken(secret, "user-42", time.Hour)
	assert.NoError(t, err)
	return tok
}

func TestTokenSession(t *testing.T) {
	token, _, err := NewAccessToken(testSecret, "user-7", time.Hour)
	assert.NoError(t, err)

	s := NewTokenSession(token)
	u, ok := s.CurrentUser()
	check.True(t, ok)
	check.Equal(t, "user-7", u.ID)
	check.Equal(t, token, s.Token())

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, ok = s.CurrentUser()
	check.False(t, ok)
	check.Equal(t, "", s.Token())

	s.Logout()
	_, ok = s.CurrentUser()
	check.False(t, ok)

	s.SetToken("garbage")
	_, ok = s.CurrentUser()
	check.False(t, ok)
}

func TestEnsureAuthenticated(t *testing.T) {
	session := NewTokenSession("")
	var resume func()
	prompts := 0
	gate := NewGate(session, func(r func()) {
		prompts++
		resume = r
	})

	runs := 0
	action := func(u User) string {
		runs++
		return u.ID
	}

	id, ok := EnsureAuthenticated(gate, action)
	check.False(t, ok)
	check.Equal(t, "", id)
	check.Equal(t, 0, runs)
	check.Equal(t, 1, prompts)

	token, _, err := NewAccessToken(testSecret, "user-9", time.Hour)
	assert.NoError(t, err)
	session.SetToken(token)
	resume()
	check.Equal(t, 1, runs)

	id, ok = EnsureAuthenticated(gate, action)
	check.True(t, ok)
	check.Equal(t, "user-9", id)
	check.Equal(t, 1, prompts)
}

func TestEnsureAuthenticated_NilGate(t *testing.T) {
	_, ok := EnsureAuthenticated(nil, func(User) int { return 1 })
	check.False(t, ok)
}
