package session

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreAddAndGet(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	sess := New("ubuntu:22.04")
	sess.ContainerID = "ctr-1"
	sess.State = "running"

	require.NoError(t, store.Add(context.Background(), sess))

	got, err := store.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, "ctr-1", got.ContainerID)
	assert.Equal(t, "ubuntu:22.04", got.Image)
	assert.Equal(t, "running", got.State)
}

func TestStoreGetUnknown(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Get(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyID)
}

func TestStoreUpdate(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	sess := New("ubuntu:22.04")
	require.NoError(t, store.Add(context.Background(), sess))

	sess.ContainerID = "ctr-9"
	sess.State = "closed"
	require.NoError(t, store.Update(context.Background(), sess))

	got, err := store.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "ctr-9", got.ContainerID)
	assert.Equal(t, "closed", got.State)
	assert.False(t, got.UpdatedAt.Before(got.CreatedAt))
}

func TestStoreUpdateUnknown(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	sess := New("ubuntu:22.04")
	assert.ErrorIs(t, store.Update(context.Background(), sess), ErrNotFound)
}

func TestStoreListNewestFirst(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	first := New("ubuntu:22.04")
	second := New("python:3.11")
	second.CreatedAt = second.CreatedAt.Add(1)
	require.NoError(t, store.Add(context.Background(), first))
	require.NoError(t, store.Add(context.Background(), second))

	sessions, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, second.ID, sessions[0].ID)
	assert.Equal(t, first.ID, sessions[1].ID)
}

func TestStoreDelete(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	sess := New("ubuntu:22.04")
	require.NoError(t, store.Add(context.Background(), sess))

	require.NoError(t, store.Delete(context.Background(), sess.ID))
	_, err := store.Get(context.Background(), sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, store.Delete(context.Background(), sess.ID), ErrNotFound)
}
