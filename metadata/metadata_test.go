package metadata

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCloneIndependent(t *testing.T) {
	m := Metadata{"a": "1", "b": "2"}
	c := m.Clone()
	require.True(t, m.Equal(c))

	c["a"] = "changed"
	require.Equal(t, "1", m["a"])
	require.False(t, m.Equal(c))

	require.Nil(t, Metadata(nil).Clone())
}

func TestEqual(t *testing.T) {
	require.True(t, Metadata{}.Equal(Metadata{}))
	require.True(t, Metadata(nil).Equal(Metadata{}))
	require.False(t, Metadata{"a": "1"}.Equal(Metadata{"a": "2"}))
	require.False(t, Metadata{"a": "1"}.Equal(Metadata{"b": "1"}))
}

func TestBinaryRoundTrip(t *testing.T) {
	m := Metadata{"genre": "jazz", "year": "1959", "": "empty-key"}
	data, err := m.MarshalBinary()
	require.NoError(t, err)

	var got Metadata
	require.NoError(t, got.UnmarshalBinary(data))
	require.True(t, m.Equal(got))
}

func TestBinaryEmpty(t *testing.T) {
	data, err := Metadata(nil).MarshalBinary()
	require.NoError(t, err)

	var got Metadata
	require.NoError(t, got.UnmarshalBinary(data))
	require.Empty(t, got)
}

func TestBinaryTruncated(t *testing.T) {
	m := Metadata{"key": "value"}
	data, err := m.MarshalBinary()
	require.NoError(t, err)

	var got Metadata
	require.Error(t, got.UnmarshalBinary(data[:len(data)-2]))
	require.Error(t, got.UnmarshalBinary([]byte{1, 0}))
}
