package codec

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drewcsillag/notecove/pkg/types"
)

func TestSnapshotRoundTrip(t *testing.T) {
	clock := types.VectorClock{
		testInstance: {Sequence: 499, Offset: 1024, File: testInstance + "_0.crdtlog"},
		"peer":       {Sequence: 12, Offset: 0, File: "peer_0.crdtlog"},
	}
	state := []byte(`{"metadata":{"title":{"value":"\"hello\""}}}`)

	data, err := EncodeSnapshot(state, clock, 1700000000000, 512)
	require.NoError(t, err)

	snap, err := DecodeSnapshot(data)
	require.NoError(t, err)

	assert.Equal(t, int64(1700000000000), snap.CreatedAt)
	assert.Equal(t, uint64(512), snap.TotalChanges)
	assert.Equal(t, state, snap.State)
	assert.Equal(t, clock, snap.Clock)
}

func TestSnapshotRoundTripEmptyClock(t *testing.T) {
	data, err := EncodeSnapshot([]byte("{}"), types.VectorClock{}, 1, 0)
	require.NoError(t, err)

	snap, err := DecodeSnapshot(data)
	require.NoError(t, err)
	assert.Empty(t, snap.Clock)
}

func TestDecodeSnapshotCorrupt(t *testing.T) {
	data, err := EncodeSnapshot([]byte("{}"), types.VectorClock{testInstance: {Sequence: 1}}, 2, 3)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"bad magic", func(d []byte) []byte { d[0] = 'X'; return d }},
		{"bad version", func(d []byte) []byte { d[4] = 99; return d }},
		{"truncated clock", func(d []byte) []byte { return d[:24] }},
		{"truncated state", func(d []byte) []byte { return d[:len(d)-1] }},
		{"empty", func(d []byte) []byte { return nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeSnapshot(tt.mutate(append([]byte{}, data...)))
			assert.True(t, errors.Is(err, types.ErrDecode))
		})
	}
}

func TestSnapshotFileNames(t *testing.T) {
	name := SnapshotFileName(1700000000000, 512)
	assert.Equal(t, "1700000000000-512.snapshot", name)

	ts, tc, ok := ParseSnapshotFileName(name)
	require.True(t, ok)
	assert.Equal(t, int64(1700000000000), ts)
	assert.Equal(t, uint64(512), tc)

	_, _, ok = ParseSnapshotFileName("x.snapshot")
	assert.False(t, ok)
	_, _, ok = ParseSnapshotFileName("170-1.pack")
	assert.False(t, ok)
}
