package appendlog

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drewcsillag/notecove/pkg/codec"
	"github.com/drewcsillag/notecove/pkg/crdt"
	"github.com/drewcsillag/notecove/pkg/fsadapter"
	"github.com/drewcsillag/notecove/pkg/log"
	"github.com/drewcsillag/notecove/pkg/types"
)

const (
	instA    = "aaaaaaaa-0000-0000-0000-000000000001"
	instB    = "bbbbbbbb-0000-0000-0000-000000000002"
	testNote = "cccccccc-0000-0000-0000-000000000003"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func newTestManager(t *testing.T, root, instanceID string) *Manager {
	t.Helper()
	m, err := NewManager(fsadapter.New(), root, "sd-test", instanceID, false)
	require.NoError(t, err)
	return m
}

// metaUpdate builds a valid CRDT update payload setting one key.
func metaUpdate(t *testing.T, builder *crdt.Doc, inst, key string, value any) []byte {
	t.Helper()
	payload, err := builder.BuildUpdate(inst, []crdt.Op{{Kind: crdt.KindMeta, Key: key, Value: value}})
	require.NoError(t, err)
	return payload
}

// seedUpdateFile writes a raw .crdtlog file with the given records.
func seedUpdateFile(t *testing.T, root, noteID, instanceID string, fileIndex uint64, recs []types.UpdateRecord) {
	t.Helper()
	dir := noteDirs(root, noteID).updates
	require.NoError(t, os.MkdirAll(dir, 0o755))
	var data []byte
	for _, r := range recs {
		data = append(data, codec.EncodeRecord(r, types.StatusReady)...)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, codec.UpdateFileName(instanceID, fileIndex)), data, 0o644))
}

// oldRecords builds records old enough to be pack-eligible, with valid
// CRDT payloads setting distinct keys.
func oldRecords(t *testing.T, builder *crdt.Doc, inst string, start uint64, n int) []types.UpdateRecord {
	t.Helper()
	oldTS := types.NowMillis() - types.PackMinAge.Milliseconds()*10
	recs := make([]types.UpdateRecord, 0, n)
	for i := 0; i < n; i++ {
		seq := start + uint64(i)
		recs = append(recs, types.UpdateRecord{
			InstanceID: inst,
			Sequence:   seq,
			Timestamp:  oldTS + int64(i),
			Payload:    metaUpdate(t, builder, inst, fmt.Sprintf("k%d", seq), int64(seq)),
		})
	}
	return recs
}

// TestWriteThenRead: immediately after WriteNoteUpdate resolves, a
// fresh LoadNote includes the update.
func TestWriteThenRead(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t, root, instA)

	builder := crdt.NewDoc()
	payload := metaUpdate(t, builder, instA, "title", "hello")

	coords, err := m.WriteNoteUpdate(testNote, payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), coords.Sequence)
	assert.Equal(t, int64(0), coords.Offset)

	doc, clock, err := newTestManager(t, root, instB).LoadNote(testNote)
	require.NoError(t, err)
	assert.Equal(t, "hello", doc.MetaString("title"))
	seq, known := clock.MaxSeq(instA)
	assert.True(t, known)
	assert.Equal(t, uint64(0), seq)
}

func TestSequencesContiguousAcrossRestart(t *testing.T) {
	root := t.TempDir()
	builder := crdt.NewDoc()

	m1 := newTestManager(t, root, instA)
	for i := 0; i < 3; i++ {
		coords, err := m1.WriteNoteUpdate(testNote, metaUpdate(t, builder, instA, fmt.Sprintf("k%d", i), int64(i)))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), coords.Sequence)
	}

	// A new manager over the same directory continues the stream.
	m2 := newTestManager(t, root, instA)
	for i := 3; i < 5; i++ {
		coords, err := m2.WriteNoteUpdate(testNote, metaUpdate(t, builder, instA, fmt.Sprintf("k%d", i), int64(i)))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), coords.Sequence)
	}

	files, err := m2.ListUpdateFiles(testNote)
	require.NoError(t, err)
	require.Len(t, files, 1)

	data, err := os.ReadFile(filepath.Join(noteDirs(root, testNote).updates, files[0].Name))
	require.NoError(t, err)
	recs, err := codec.DecodeRecords(instA, data)
	require.NoError(t, err)
	require.Len(t, recs, 5)
	for i, r := range recs {
		assert.Equal(t, uint64(i), r.Sequence)
	}
}

// TestColdLoadSnapshotPlusTail is the snapshot-and-tail scenario: the
// load must apply the snapshot, then only the records above its clock.
func TestColdLoadSnapshotPlusTail(t *testing.T) {
	root := t.TempDir()
	builder := crdt.NewDoc()

	m := newTestManager(t, root, instA)
	for i := 0; i < 3; i++ {
		_, err := m.WriteNoteUpdate(testNote, metaUpdate(t, builder, instA, fmt.Sprintf("k%d", i), int64(i)))
		require.NoError(t, err)
	}

	doc, clock, err := m.LoadNote(testNote)
	require.NoError(t, err)
	require.NoError(t, m.SaveNoteSnapshot(testNote, doc, clock, 3))

	for i := 3; i < 5; i++ {
		_, err := m.WriteNoteUpdate(testNote, metaUpdate(t, builder, instA, fmt.Sprintf("k%d", i), int64(i)))
		require.NoError(t, err)
	}

	loaded, loadedClock, err := newTestManager(t, root, instB).LoadNote(testNote)
	require.NoError(t, err)

	seq, known := loadedClock.MaxSeq(instA)
	require.True(t, known)
	assert.Equal(t, uint64(4), seq)
	for i := 0; i < 5; i++ {
		assert.Equal(t, int64(i), loaded.MetaInt64(fmt.Sprintf("k%d", i)), "k%d", i)
	}
}

// TestSnapshotDecodeFallback corrupts the only snapshot; with no other
// candidate the load must fall back to full log replay and still
// produce the full document.
func TestSnapshotDecodeFallback(t *testing.T) {
	root := t.TempDir()
	builder := crdt.NewDoc()
	m := newTestManager(t, root, instA)

	for i := 0; i < 4; i++ {
		_, err := m.WriteNoteUpdate(testNote, metaUpdate(t, builder, instA, fmt.Sprintf("k%d", i), int64(i)))
		require.NoError(t, err)
	}
	doc, clock, err := m.LoadNote(testNote)
	require.NoError(t, err)
	require.NoError(t, m.SaveNoteSnapshot(testNote, doc, clock, 4))

	// Corrupt the snapshot file in place.
	snapDir := noteDirs(root, testNote).snapshots
	snaps, err := os.ReadDir(snapDir)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.NoError(t, os.WriteFile(filepath.Join(snapDir, snaps[0].Name()), []byte("not a snapshot"), 0o644))

	loaded, loadedClock, err := newTestManager(t, root, instB).LoadNote(testNote)
	require.NoError(t, err)

	seq, known := loadedClock.MaxSeq(instA)
	require.True(t, known)
	assert.Equal(t, uint64(3), seq)
	for i := 0; i < 4; i++ {
		assert.Equal(t, int64(i), loaded.MetaInt64(fmt.Sprintf("k%d", i)))
	}
}

// TestLoadDefersTailAfterGap: a missing sequence stops that instance's
// stream; the clock must not claim coverage past the gap.
func TestLoadDefersTailAfterGap(t *testing.T) {
	root := t.TempDir()
	builder := crdt.NewDoc()

	recs := []types.UpdateRecord{
		{InstanceID: instA, Sequence: 0, Timestamp: 1, Payload: metaUpdate(t, builder, instA, "k0", int64(0))},
		{InstanceID: instA, Sequence: 1, Timestamp: 2, Payload: metaUpdate(t, builder, instA, "k1", int64(1))},
		{InstanceID: instA, Sequence: 3, Timestamp: 3, Payload: metaUpdate(t, builder, instA, "k3", int64(3))},
	}
	seedUpdateFile(t, root, testNote, instA, 0, recs)

	doc, clock, err := newTestManager(t, root, instB).LoadNote(testNote)
	require.NoError(t, err)

	seq, known := clock.MaxSeq(instA)
	require.True(t, known)
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, int64(1), doc.MetaInt64("k1"))
	_, ok := doc.GetMeta("k3")
	assert.False(t, ok, "record past the gap must not apply")
}

func TestPackOnce(t *testing.T) {
	root := t.TempDir()
	builder := crdt.NewDoc()

	// 70 settled records: eligible = all but the 50 most recent, so a
	// pack covering [0,19] should appear.
	seedUpdateFile(t, root, testNote, instA, 0, oldRecords(t, builder, instA, 0, 70))

	m := newTestManager(t, root, instB)
	require.NoError(t, m.PackOnce())

	packs, err := m.ListPackFiles(testNote)
	require.NoError(t, err)
	require.Len(t, packs, 1)

	inst, start, end, compressed, ok := codec.ParsePackFileName(packs[0].Name)
	require.True(t, ok)
	assert.Equal(t, instA, inst)
	assert.Equal(t, uint64(0), start)
	assert.Equal(t, uint64(19), end)
	assert.False(t, compressed)

	// Source update files stay; GC removes them later.
	updates, err := m.ListUpdateFiles(testNote)
	require.NoError(t, err)
	assert.Len(t, updates, 1)

	// A second cycle must not re-pack the same range.
	require.NoError(t, m.PackOnce())
	packs, err = m.ListPackFiles(testNote)
	require.NoError(t, err)
	assert.Len(t, packs, 1)
}

func TestPackSkipsShortRuns(t *testing.T) {
	root := t.TempDir()
	builder := crdt.NewDoc()

	// 55 records: only 5 eligible, below the minimum run.
	seedUpdateFile(t, root, testNote, instA, 0, oldRecords(t, builder, instA, 0, 55))

	m := newTestManager(t, root, instB)
	require.NoError(t, m.PackOnce())

	packs, err := m.ListPackFiles(testNote)
	require.NoError(t, err)
	assert.Empty(t, packs)
}

// TestGCSafety: after snapshot + pack + GC, a fresh load produces a
// doc with identical CRDT state, files dominated-and-packed are gone,
// and the live tail survives.
func TestGCSafety(t *testing.T) {
	root := t.TempDir()
	builder := crdt.NewDoc()

	seedUpdateFile(t, root, testNote, instA, 0, oldRecords(t, builder, instA, 0, 10))
	seedUpdateFile(t, root, testNote, instA, 1, oldRecords(t, builder, instA, 10, 60))

	m := newTestManager(t, root, instB)
	preDoc, clock, err := m.LoadNote(testNote)
	require.NoError(t, err)
	require.NoError(t, m.SaveNoteSnapshot(testNote, preDoc, clock, 70))
	require.NoError(t, m.PackOnce())

	stats, err := m.GCOnce()
	require.NoError(t, err)
	// File index 0 (fully packed and dominated) and the pack (fully
	// dominated by the snapshot) are both reclaimed.
	assert.Equal(t, 2, stats.FilesDeleted)
	assert.Positive(t, stats.BytesFreed)
	assert.Zero(t, stats.Errors)

	updates, err := m.ListUpdateFiles(testNote)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, codec.UpdateFileName(instA, 1), updates[0].Name)

	packs, err := m.ListPackFiles(testNote)
	require.NoError(t, err)
	assert.Empty(t, packs)

	postDoc, _, err := newTestManager(t, root, instB).LoadNote(testNote)
	require.NoError(t, err)
	assert.True(t, preDoc.Equal(postDoc), "GC must not change document state")
}

func TestGCRetainsTwoSnapshots(t *testing.T) {
	root := t.TempDir()
	builder := crdt.NewDoc()
	m := newTestManager(t, root, instA)

	_, err := m.WriteNoteUpdate(testNote, metaUpdate(t, builder, instA, "k", int64(1)))
	require.NoError(t, err)
	doc, clock, err := m.LoadNote(testNote)
	require.NoError(t, err)

	// Snapshot names key on (createdAt, totalChanges); distinct change
	// counts keep them distinct files.
	for i := uint64(1); i <= 4; i++ {
		require.NoError(t, m.SaveNoteSnapshot(testNote, doc, clock, i))
	}

	_, err = m.GCOnce()
	require.NoError(t, err)

	snaps, err := m.ListSnapshotFiles(testNote)
	require.NoError(t, err)
	assert.Len(t, snaps, types.SnapshotsRetained)
}

func TestHasSequence(t *testing.T) {
	root := t.TempDir()
	builder := crdt.NewDoc()
	m := newTestManager(t, root, instA)

	_, err := m.WriteNoteUpdate(testNote, metaUpdate(t, builder, instA, "k", int64(1)))
	require.NoError(t, err)

	assert.True(t, m.HasSequence(testNote, instA, 0))
	assert.False(t, m.HasSequence(testNote, instA, 1))
	assert.False(t, m.HasSequence(testNote, instB, 0))
	assert.False(t, m.HasSequence("no-such-note", instA, 0))
}

func TestFolderStreamRoundTrip(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t, root, instA)

	builder := crdt.NewDoc()
	payload, err := builder.BuildUpdate(instA, []crdt.Op{
		{Kind: crdt.KindFolder, Key: "f1", Value: types.Folder{Name: "Work", Order: 1}},
	})
	require.NoError(t, err)

	coords, err := m.WriteFolderUpdate(payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), coords.Sequence)

	doc, clock, err := newTestManager(t, root, instB).LoadFolderTree()
	require.NoError(t, err)
	assert.Equal(t, "Work", doc.Folders()["f1"].Name)
	seq, known := clock.MaxSeq(instA)
	assert.True(t, known)
	assert.Equal(t, uint64(0), seq)
}

func TestLegacyYjsonRead(t *testing.T) {
	root := t.TempDir()
	builder := crdt.NewDoc()

	dir := noteDirs(root, testNote).updates
	require.NoError(t, os.MkdirAll(dir, 0o755))
	payload := metaUpdate(t, builder, instA, "legacy", "yes")
	name := fmt.Sprintf("%s_0-abc123.yjson", instA)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), payload, 0o644))

	doc, clock, err := newTestManager(t, root, instB).LoadNote(testNote)
	require.NoError(t, err)
	assert.Equal(t, "yes", doc.MetaString("legacy"))
	seq, known := clock.MaxSeq(instA)
	assert.True(t, known)
	assert.Equal(t, uint64(0), seq)
}
