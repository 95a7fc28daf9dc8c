package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put("app.txt", 1, []byte("hello")))
	require.NoError(t, s.Put("app.txt", 2, []byte("hello world")))

	content, ok, err := s.Get("app.txt", 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("hello world"), content)

	_, ok, err = s.Get("app.txt", 3)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = s.Get("other.txt", 1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVersionsOrdered(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put("f", 3, []byte("c")))
	require.NoError(t, s.Put("f", 1, []byte("a")))
	require.NoError(t, s.Put("f", 2, []byte("b")))

	versions, err := s.Versions("f")
	require.NoError(t, err)
	require.Equal(t, []uint32{1, 2, 3}, versions)
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put("f", 1, []byte("persisted")))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()
	content, ok, err := s.Get("f", 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("persisted"), content)
}
