package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileStateStore_RoundTrip(t *testing.T) {
	s, err := NewFileStateStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Write("engine/state", []byte(`{"cycle_no":42}`)))

	data, err := s.Read("engine/state")
	require.NoError(t, err)
	require.JSONEq(t, `{"cycle_no":42}`, string(data))

	// Overwrite replaces.
	require.NoError(t, s.Write("engine/state", []byte(`{"cycle_no":43}`)))
	data, err = s.Read("engine/state")
	require.NoError(t, err)
	require.JSONEq(t, `{"cycle_no":43}`, string(data))
}

func TestFileStateStore_MissingKeyIsNilNil(t *testing.T) {
	s, err := NewFileStateStore(t.TempDir())
	require.NoError(t, err)

	data, err := s.Read("budget/state")
	require.NoError(t, err)
	require.Nil(t, data)
}

func TestFileStateStore_RejectsBadKeys(t *testing.T) {
	s, err := NewFileStateStore(t.TempDir())
	require.NoError(t, err)

	require.Error(t, s.Write("", []byte("x")))
	require.Error(t, s.Write("../escape", []byte("x")))
	_, err = s.Read("../../etc/passwd")
	require.Error(t, err)
}
