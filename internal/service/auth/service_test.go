package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator_RoundTrip(t *testing.T) {
	v := NewValidator("secret", "chatbet")

	token, err := v.Issue("user-1", time.Hour)
	require.NoError(t, err)

	claims, err := v.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
}

func TestValidator_Rejects(t *testing.T) {
	v := NewValidator("secret", "chatbet")

	expired, err := v.Issue("user-1", -time.Minute)
	require.NoError(t, err)

	otherIssuer, err := NewValidator("secret", "someone-else").Issue("user-1", time.Hour)
	require.NoError(t, err)

	otherKey, err := NewValidator("other", "chatbet").Issue("user-1", time.Hour)
	require.NoError(t, err)

	noUser, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "chatbet",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{
		"user_id": "user-1",
		"iss":     "chatbet",
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"expired", expired},
		{"wrong issuer", otherIssuer},
		{"wrong key", otherKey},
		{"missing user", noUser},
		{"wrong algorithm", hs512},
		{"garbage", "not-a-jwt"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestValidator_SubjectFallbackAndNoIssuer(t *testing.T) {
	v := NewValidator("secret", "")
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-9",
		"iss": "anyone",
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	claims, err := v.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "user-9", claims.UserID)
}

func TestValidator_Disabled(t *testing.T) {
	v := NewValidator("  ", "")
	assert.False(t, v.Enabled())

	_, err := v.Validate("anything")
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = v.Issue("u", time.Hour)
	assert.ErrorIs(t, err, ErrNotConfigured)

	var nilValidator *Validator
	assert.False(t, nilValidator.Enabled())
}
