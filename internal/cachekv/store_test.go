package cachekv_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opal-lang/pipeflow/internal/cachekv"
)

func TestSetGetRoundTrip(t *testing.T) {
	s := cachekv.Open(t.TempDir(), "output")
	require.NoError(t, s.Set("inst1", []byte("value1")))

	v, ok, err := s.Get("inst1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("value1"), v)
}

func TestGetMissingKey(t *testing.T) {
	s := cachekv.Open(t.TempDir(), "output")
	_, ok, err := s.Get("nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInsertionOrderPreserved(t *testing.T) {
	s := cachekv.Open(t.TempDir(), "output")
	require.NoError(t, s.Set("c", []byte("1")))
	require.NoError(t, s.Set("a", []byte("2")))
	require.NoError(t, s.Set("b", []byte("3")))

	keys, err := s.Keys()
	require.NoError(t, err)
	require.Equal(t, []string{"c", "a", "b"}, keys)
}

func TestReassigningKeyKeepsItsPosition(t *testing.T) {
	s := cachekv.Open(t.TempDir(), "output")
	require.NoError(t, s.Set("a", []byte("1")))
	require.NoError(t, s.Set("b", []byte("2")))
	require.NoError(t, s.Set("a", []byte("updated")))

	keys, err := s.Keys()
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, keys)

	v, ok, err := s.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("updated"), v)
}

func TestDeleteRemovesFromOrderAndData(t *testing.T) {
	s := cachekv.Open(t.TempDir(), "output")
	require.NoError(t, s.Set("a", []byte("1")))
	require.NoError(t, s.Set("b", []byte("2")))
	require.NoError(t, s.Delete("a"))

	keys, err := s.Keys()
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, keys)

	_, ok, err := s.Get("a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClearRemovesBackingFiles(t *testing.T) {
	dir := t.TempDir()
	s := cachekv.Open(dir, "output")
	require.NoError(t, s.Set("a", []byte("1")))
	require.True(t, s.Exists())

	require.NoError(t, s.Clear())
	require.False(t, s.Exists())

	_, ok, err := s.Get("a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPersistsAcrossStoreInstances(t *testing.T) {
	dir := t.TempDir()
	s1 := cachekv.Open(dir, "output")
	require.NoError(t, s1.Set("a", []byte("1")))

	s2 := cachekv.Open(dir, "output")
	v, ok, err := s2.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)
}
