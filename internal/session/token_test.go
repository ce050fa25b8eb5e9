package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueVerify_RoundTrip(t *testing.T) {
	v := NewVerifier([]byte("test-secret"), time.Hour)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	token, err := v.Issue(42, "alice@example.com", now)
	require.NoError(t, err)

	claims, err := v.Verify(token, now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, uint64(42), claims.UserID)
}

func TestVerify_Expired(t *testing.T) {
	v := NewVerifier([]byte("test-secret"), time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	token, err := v.Issue(7, "bob@example.com", now)
	require.NoError(t, err)

	_, err = v.Verify(token, now.Add(2*time.Minute))
	require.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerify_BadSignature(t *testing.T) {
	v := NewVerifier([]byte("secret-a"), time.Hour)
	other := NewVerifier([]byte("secret-b"), time.Hour)
	now := time.Now()

	token, err := v.Issue(1, "carol@example.com", now)
	require.NoError(t, err)

	_, err = other.Verify(token, now)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestVerify_Malformed(t *testing.T) {
	v := NewVerifier([]byte("secret"), time.Hour)
	now := time.Now()

	cases := []string{"", "no-dot-here", "too.many.dots", ".emptyfirst", "emptylast."}
	for _, c := range cases {
		_, err := v.Verify(c, now)
		require.ErrorIs(t, err, ErrMalformedToken, "input %q", c)
	}
}

func TestVerify_TamperedPayload(t *testing.T) {
	v := NewVerifier([]byte("secret"), time.Hour)
	now := time.Now()

	token, err := v.Issue(1, "carol@example.com", now)
	require.NoError(t, err)

	tampered := "x" + token[1:]
	_, err = v.Verify(tampered, now)
	require.Error(t, err)
}
