package storage

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalReadWriteRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewLocalStorage(dir)
	require.NoError(t, err)
	require.Equal(t, dir, s.BasePath())

	require.NoError(t, s.Write(ctx, "status.yaml", []byte("tasks: []\n")))
	data, err := s.Read(ctx, "status.yaml")
	require.NoError(t, err)
	require.Equal(t, "tasks: []\n", string(data))
}

func TestLocalWriteCreatesParentDirs(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Write(ctx, "timelines/01ABC.jsonl", []byte("{}")))
	ok, err := s.Exists(ctx, "timelines/01ABC.jsonl")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLocalOverwriteLeavesNoScratchFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewLocalStorage(dir)
	require.NoError(t, err)

	require.NoError(t, s.Write(ctx, "status.yaml", []byte("v1")))
	require.NoError(t, s.Write(ctx, "status.yaml", []byte("v2")))

	data, err := s.Read(ctx, "status.yaml")
	require.NoError(t, err)
	require.Equal(t, "v2", string(data))

	// The temp+rename write must never leave its scratch file behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "status.yaml", entries[0].Name())
}

func TestLocalReadMissingIsNotFound(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	_, err = s.Read(ctx, "absent.yaml")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLocalDeleteAndList(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Write(ctx, "timelines/a.jsonl", []byte("{}")))
	require.NoError(t, s.Write(ctx, "timelines/b.jsonl", []byte("{}")))

	paths, err := s.List(ctx, "timelines")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"timelines/a.jsonl", "timelines/b.jsonl"}, paths)

	require.NoError(t, s.Delete(ctx, "timelines/a.jsonl"))
	require.ErrorIs(t, s.Delete(ctx, "timelines/a.jsonl"), ErrNotFound)

	paths, err = s.List(ctx, "timelines")
	require.NoError(t, err)
	require.Equal(t, []string{"timelines/b.jsonl"}, paths)
}
