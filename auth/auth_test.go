package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/codetesla51/epoll-http/store"
)

func newService(t *testing.T) *Service {
	t.Helper()
	st, err := store.Open(store.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, WithCost(bcrypt.MinCost), WithSessionTTL(time.Hour))
}

func TestRegisterAndLogin(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	id, err := svc.Register(ctx, "alice", "s3cret")
	require.NoError(t, err)
	assert.NotZero(t, id)

	_, err = svc.Register(ctx, "alice", "again")
	assert.ErrorIs(t, err, store.ErrUserExists)

	token, uid, err := svc.Login(ctx, "alice", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, id, uid)
	assert.NotEmpty(t, token)

	got, err := svc.Authenticate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestLoginFailures(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	_, err := svc.Register(ctx, "bob", "right")
	require.NoError(t, err)

	_, _, err = svc.Login(ctx, "bob", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = svc.Login(ctx, "nobody", "right")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = svc.Login(ctx, "", "right")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRegisterRejectsBadInput(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	tests := []struct {
		name, user, pass string
	}{
		{"empty user", "  ", "pw"},
		{"empty password", "eve", ""},
		{"long password", "eve", string(make([]byte, 73))},
	}
	for _, tt := range tests {
		_, err := svc.Register(ctx, tt.user, tt.pass)
		assert.ErrorIs(t, err, ErrInvalidInput, tt.name)
	}
}

func TestLogout(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	_, err := svc.Register(ctx, "carol", "pw")
	require.NoError(t, err)
	token, _, err := svc.Login(ctx, "carol", "pw")
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, token))
	_, err = svc.Authenticate(ctx, token)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestAuthenticateRejectsGarbage(t *testing.T) {
	svc := newService(t)

	_, err := svc.Authenticate(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, ErrNoSession)

	_, err = svc.Authenticate(context.Background(), "6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	assert.ErrorIs(t, err, ErrNoSession)
}
