package activity

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drewcsillag/notecove/pkg/fsadapter"
	"github.com/drewcsillag/notecove/pkg/log"
)

const (
	testInstance = "aaaaaaaa-0000-0000-0000-000000000001"
	testNote     = "cccccccc-0000-0000-0000-000000000003"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func TestRecordNoteActivity(t *testing.T) {
	fs := fsadapter.New()
	root := t.TempDir()

	l, err := NewLogger(fs, root, "sd1", testInstance)
	require.NoError(t, err)

	require.NoError(t, l.RecordNoteActivity(testNote, 0))
	require.NoError(t, l.RecordNoteActivity(testNote, 1))

	data, err := fs.Read(filepath.Join(root, DirName, testInstance+".log"))
	require.NoError(t, err)

	entries, consumed, malformed := ParseEntries(data)
	assert.Equal(t, int64(len(data)), consumed)
	assert.Zero(t, malformed)
	require.Len(t, entries, 2)
	assert.Equal(t, Entry{NoteID: testNote, InstanceID: testInstance, Sequence: 0}, entries[0])
	assert.Equal(t, Entry{NoteID: testNote, InstanceID: testInstance, Sequence: 1}, entries[1])
}

func TestParseEntries(t *testing.T) {
	tests := []struct {
		name          string
		input         string
		wantEntries   int
		wantConsumed  int64
		wantMalformed int
	}{
		{
			name:         "two complete lines",
			input:        "n1|i_0\nn2|i_5\n",
			wantEntries:  2,
			wantConsumed: 14,
		},
		{
			name:         "partial trailing line not consumed",
			input:        "n1|i_0\nn2|i_",
			wantEntries:  1,
			wantConsumed: 7,
		},
		{
			name:          "malformed complete line skipped but consumed",
			input:         "garbage\nn1|i_3\n",
			wantEntries:   1,
			wantConsumed:  15,
			wantMalformed: 1,
		},
		{
			name:         "blank lines ignored",
			input:        "\nn1|i_3\n",
			wantEntries:  1,
			wantConsumed: 8,
		},
		{
			name:         "empty",
			input:        "",
			wantEntries:  0,
			wantConsumed: 0,
		},
		{
			name:          "non-numeric sequence",
			input:         "n1|i_x\n",
			wantEntries:   0,
			wantConsumed:  7,
			wantMalformed: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, consumed, malformed := ParseEntries([]byte(tt.input))
			assert.Len(t, entries, tt.wantEntries)
			assert.Equal(t, tt.wantConsumed, consumed)
			assert.Equal(t, tt.wantMalformed, malformed)
		})
	}
}

func TestParseInstanceWithUnderscore(t *testing.T) {
	// Instance IDs are UUIDs (no underscores), but the parser splits on
	// the LAST underscore so a hostile name cannot shift the sequence.
	entries, _, _ := ParseEntries([]byte("note|a_b_7\n"))
	require.Len(t, entries, 1)
	assert.Equal(t, "a_b", entries[0].InstanceID)
	assert.Equal(t, uint64(7), entries[0].Sequence)
}

func TestFormatEntryRoundTrip(t *testing.T) {
	line := FormatEntry(Entry{NoteID: "n", InstanceID: "i", Sequence: 42})
	assert.Equal(t, "n|i_42\n", line)

	entries, consumed, malformed := ParseEntries([]byte(line))
	require.Len(t, entries, 1)
	assert.Equal(t, int64(len(line)), consumed)
	assert.Zero(t, malformed)
	assert.Equal(t, uint64(42), entries[0].Sequence)
}
