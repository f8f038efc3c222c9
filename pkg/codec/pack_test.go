package codec

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drewcsillag/notecove/pkg/types"
)

func contiguousRecords(start uint64, n int) []types.UpdateRecord {
	recs := make([]types.UpdateRecord, 0, n)
	for i := 0; i < n; i++ {
		recs = append(recs, testRecord(start+uint64(i), fmt.Sprintf("payload-%d", i)))
	}
	return recs
}

func TestPackRoundTrip(t *testing.T) {
	for _, compressed := range []bool{false, true} {
		name := "plain"
		if compressed {
			name = "zstd"
		}
		t.Run(name, func(t *testing.T) {
			recs := contiguousRecords(10, 25)
			data, err := EncodePack(testInstance, recs, compressed)
			require.NoError(t, err)

			pack, err := DecodePack(data, compressed)
			require.NoError(t, err)

			assert.Equal(t, testInstance, pack.InstanceID)
			assert.Equal(t, uint64(10), pack.StartSeq)
			assert.Equal(t, uint64(34), pack.EndSeq)
			require.Len(t, pack.Records, 25)
			for i, r := range pack.Records {
				assert.Equal(t, recs[i].Sequence, r.Sequence)
				assert.Equal(t, recs[i].Timestamp, r.Timestamp)
				assert.Equal(t, recs[i].Payload, r.Payload)
			}
		})
	}
}

func TestEncodePackRejectsGaps(t *testing.T) {
	recs := contiguousRecords(0, 5)
	recs[3].Sequence = 9

	_, err := EncodePack(testInstance, recs, false)
	assert.True(t, errors.Is(err, types.ErrInvariant))

	_, err = EncodePack(testInstance, nil, false)
	assert.True(t, errors.Is(err, types.ErrInvariant))
}

func TestDecodePackCorrupt(t *testing.T) {
	data, err := EncodePack(testInstance, contiguousRecords(0, 12), false)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"bad magic", func(d []byte) []byte { d[0] = 'X'; return d }},
		{"truncated", func(d []byte) []byte { return d[:len(d)/2] }},
		{"not zstd", func(d []byte) []byte { return d }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mutated := tt.mutate(append([]byte{}, data...))
			compressed := tt.name == "not zstd"
			_, err := DecodePack(mutated, compressed)
			assert.True(t, errors.Is(err, types.ErrDecode))
		})
	}
}

func TestPackFileNames(t *testing.T) {
	tests := []struct {
		name       string
		compressed bool
		want       string
	}{
		{"plain", false, testInstance + "_5-30.yjson"},
		{"compressed", true, testInstance + "_5-30.yjson.zst"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PackFileName(testInstance, 5, 30, tt.compressed)
			assert.Equal(t, tt.want, got)

			inst, start, end, zst, ok := ParsePackFileName(got)
			require.True(t, ok)
			assert.Equal(t, testInstance, inst)
			assert.Equal(t, uint64(5), start)
			assert.Equal(t, uint64(30), end)
			assert.Equal(t, tt.compressed, zst)
		})
	}

	_, _, _, _, ok := ParsePackFileName(testInstance + "_30-5.yjson")
	assert.False(t, ok, "inverted range must not parse")
	_, _, _, _, ok = ParsePackFileName("junk")
	assert.False(t, ok)
}
