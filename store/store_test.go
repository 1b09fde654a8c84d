package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, s.Close()) })
	return s
}

func TestUsers(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	alice, err := s.CreateUser(ctx, "alice", []byte("hash-a"))
	require.NoError(t, err)
	bob, err := s.CreateUser(ctx, "bob", []byte("hash-b"))
	require.NoError(t, err)
	assert.NotEqual(t, alice.ID, bob.ID)
	assert.NotZero(t, alice.ID)

	_, err = s.CreateUser(ctx, "alice", []byte("other"))
	assert.ErrorIs(t, err, ErrUserExists)

	got, err := s.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, got.ID)
	assert.Equal(t, []byte("hash-a"), got.PasswordHash)

	_, err = s.GetUser(ctx, "carol")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessions(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	require.NoError(t, s.PutSession(ctx, "tok", 42, time.Hour))
	uid, err := s.GetSession(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), uid)

	require.NoError(t, s.DeleteSession(ctx, "tok"))
	_, err = s.GetSession(ctx, "tok")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, s.DeleteSession(ctx, "never-existed"))
}

func TestSessionExpires(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	// badger TTLs have one second resolution
	require.NoError(t, s.PutSession(ctx, "short", 1, time.Second))
	require.Eventually(t, func() bool {
		_, err := s.GetSession(ctx, "short")
		return err == ErrNotFound
	}, 5*time.Second, 100*time.Millisecond)
}

func TestFiles(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	for _, name := range []string{"b.png", "a.png"} {
		require.NoError(t, s.PutFile(ctx, FileRecord{Owner: 1, Name: name, Size: 3}))
	}
	require.NoError(t, s.PutFile(ctx, FileRecord{Owner: 11, Name: "other.png"}))

	files, err := s.ListFiles(ctx, 1)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a.png", files[0].Name)
	assert.Equal(t, "b.png", files[1].Name)

	require.NoError(t, s.DeleteFile(ctx, 1, "a.png"))
	assert.ErrorIs(t, s.DeleteFile(ctx, 1, "a.png"), ErrNotFound)

	files, err = s.ListFiles(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, files, 1)

	files, err = s.ListFiles(ctx, 99)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestOpenOnDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	_, err = s.CreateUser(ctx, "dave", []byte("h"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(Config{Dir: dir})
	require.NoError(t, err)
	defer s.Close()
	u, err := s.GetUser(ctx, "dave")
	require.NoError(t, err)
	assert.Equal(t, "dave", u.Name)

	_, err = Open(Config{})
	assert.Error(t, err)
}
