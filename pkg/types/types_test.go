package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "hyphenated lowercase",
			input: "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
			want:  "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		},
		{
			name:  "hyphenated uppercase",
			input: "6BA7B810-9DAD-11D1-80B4-00C04FD430C8",
			want:  "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		},
		{
			name:  "bare hex",
			input: "6ba7b8109dad11d180b400c04fd430c8",
			want:  "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		},
		{
			name:    "not a uuid",
			input:   "hello",
			wantErr: true,
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeID(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeImageID(t *testing.T) {
	// Content-hash form is accepted as-is.
	got, err := NormalizeImageID("d41d8cd98f00b204e9800998ecf8427e")
	require.NoError(t, err)
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", got)

	// Regular UUIDs still normalize. A bare-hex UUID is
	// indistinguishable from a content hash, so it stays bare.
	got, err = NormalizeImageID("6BA7B810-9DAD-11D1-80B4-00C04FD430C8")
	require.NoError(t, err)
	assert.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", got)

	_, err = NormalizeImageID("nope")
	assert.Error(t, err)
}

func TestVectorClockAbsorb(t *testing.T) {
	vc := make(VectorClock)

	_, known := vc.MaxSeq("a")
	assert.False(t, known)

	vc.Absorb("a", 5, 100, "a_0.crdtlog")
	seq, known := vc.MaxSeq("a")
	assert.True(t, known)
	assert.Equal(t, uint64(5), seq)

	// Lower sequences never regress the entry.
	vc.Absorb("a", 3, 50, "a_0.crdtlog")
	seq, _ = vc.MaxSeq("a")
	assert.Equal(t, uint64(5), seq)

	assert.True(t, vc.HasApplied("a", 0))
	assert.True(t, vc.HasApplied("a", 5))
	assert.False(t, vc.HasApplied("a", 6))
	assert.False(t, vc.HasApplied("b", 0))
}

func TestVectorClockDominates(t *testing.T) {
	a := VectorClock{"i1": {Sequence: 10}, "i2": {Sequence: 3}}
	b := VectorClock{"i1": {Sequence: 7}}
	c := VectorClock{"i1": {Sequence: 7}, "i3": {Sequence: 0}}

	assert.True(t, a.Dominates(b))
	assert.False(t, b.Dominates(a))
	assert.False(t, a.Dominates(c)) // i3 unknown to a
	assert.True(t, a.Dominates(VectorClock{}))
}

func TestVectorClockMergeClone(t *testing.T) {
	a := VectorClock{"i1": {Sequence: 10}}
	b := VectorClock{"i1": {Sequence: 12}, "i2": {Sequence: 1}}

	clone := a.Clone()
	a.Merge(b)

	assert.Equal(t, uint64(12), a["i1"].Sequence)
	assert.Equal(t, uint64(1), a["i2"].Sequence)
	assert.Equal(t, uint64(10), clone["i1"].Sequence)
	_, ok := clone["i2"]
	assert.False(t, ok)
}

func TestOriginString(t *testing.T) {
	assert.Equal(t, "local", OriginLocal.String())
	assert.Equal(t, "ipc", OriginIPC.String())
	assert.Equal(t, "reload", OriginReload.String())
	assert.Equal(t, "load", OriginLoad.String())
}
