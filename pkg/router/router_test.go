package router

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drewcsillag/notecove/pkg/activity"
	"github.com/drewcsillag/notecove/pkg/appendlog"
	"github.com/drewcsillag/notecove/pkg/crdt"
	"github.com/drewcsillag/notecove/pkg/fsadapter"
	"github.com/drewcsillag/notecove/pkg/log"
	"github.com/drewcsillag/notecove/pkg/manager"
	"github.com/drewcsillag/notecove/pkg/metacache"
	"github.com/drewcsillag/notecove/pkg/types"
)

// mustALM returns the append-log manager of an open SD.
func mustALM(t *testing.T, f *routerFixture, sdID string) *appendlog.Manager {
	t.Helper()
	sd, err := f.router.sd(sdID)
	require.NoError(t, err)
	return sd.alm
}

const instA = "aaaaaaaa-0000-0000-0000-000000000001"

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

type routerFixture struct {
	fs     fsadapter.FS
	cache  *metacache.Cache
	mgr    *manager.Manager
	router *Router
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	fs := fsadapter.New()

	cache, err := metacache.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	mgr := manager.New(instA, cache)
	t.Cleanup(mgr.Destroy)

	r := New(fs, mgr, cache, nil, nil, instA, false)
	t.Cleanup(r.Close)

	return &routerFixture{fs: fs, cache: cache, mgr: mgr, router: r}
}

func TestAddSDMintsIdentity(t *testing.T) {
	f := newRouterFixture(t)
	root := t.TempDir()

	sdID, err := f.router.AddSD(root, "primary")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root, types.SDIDFileName))
	require.NoError(t, err)
	assert.Equal(t, sdID, string(data))

	// Reopening the same path returns the same identity.
	again, err := f.router.AddSD(root, "primary")
	require.NoError(t, err)
	assert.Equal(t, sdID, again)

	// Layout exists.
	for _, dir := range []string{"notes", "folders", "media", activity.DirName} {
		info, err := os.Stat(filepath.Join(root, dir))
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir())
	}

	// First SD becomes active.
	assert.Equal(t, sdID, f.router.ActiveSD())
}

func TestLegacySDIDWins(t *testing.T) {
	f := newRouterFixture(t)
	root := t.TempDir()

	legacy := types.NewID()
	current := types.NewID()
	require.NoError(t, os.WriteFile(filepath.Join(root, types.LegacySDIDFileName), []byte(legacy+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, types.SDIDFileName), []byte(current), 0o644))

	sdID, err := f.router.AddSD(root, "migrated")
	require.NoError(t, err)
	assert.Equal(t, legacy, sdID)

	data, err := os.ReadFile(filepath.Join(root, types.SDIDFileName))
	require.NoError(t, err)
	assert.Equal(t, legacy, string(data), "SD_ID must be overwritten with the legacy value")
}

func TestCreateAndDeleteNote(t *testing.T) {
	f := newRouterFixture(t)
	sdID, err := f.router.AddSD(t.TempDir(), "primary")
	require.NoError(t, err)

	noteID, err := f.router.CreateNote("", "")
	require.NoError(t, err)

	md, err := f.cache.GetNote(noteID)
	require.NoError(t, err)
	assert.Equal(t, sdID, md.SDID)
	assert.False(t, md.Deleted)

	require.NoError(t, f.router.DeleteNote(noteID))
	h, err := f.mgr.LoadNote(noteID, sdID)
	require.NoError(t, err)
	assert.Positive(t, h.Doc().MetaInt64("deletedAt"))
	h.Close()

	require.NoError(t, f.router.RestoreNote(noteID))
	h, err = f.mgr.LoadNote(noteID, sdID)
	require.NoError(t, err)
	assert.Zero(t, h.Doc().MetaInt64("deletedAt"))
	h.Close()
}

// TestCrossSDIsolation: edits to a note in SD1 never write under SD2.
func TestCrossSDIsolation(t *testing.T) {
	f := newRouterFixture(t)
	root1 := t.TempDir()
	root2 := t.TempDir()

	sd1, err := f.router.AddSD(root1, "one")
	require.NoError(t, err)
	_, err = f.router.AddSD(root2, "two")
	require.NoError(t, err)

	noteID, err := f.router.CreateNote(sd1, "")
	require.NoError(t, err)
	require.NoError(t, f.router.SetPinned(noteID, true))

	entries, err := os.ReadDir(filepath.Join(root2, "notes"))
	require.NoError(t, err)
	assert.Empty(t, entries, "SD2 must hold no note data")

	entries, err = os.ReadDir(filepath.Join(root1, "notes"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// TestMoveNoteToSD covers the cross-SD move: target gets the content
// under a fresh stream, source gets a tombstone, both activity logs
// carry an entry.
func TestMoveNoteToSD(t *testing.T) {
	f := newRouterFixture(t)
	root1 := t.TempDir()
	root2 := t.TempDir()

	sd1, err := f.router.AddSD(root1, "one")
	require.NoError(t, err)
	sd2, err := f.router.AddSD(root2, "two")
	require.NoError(t, err)

	noteID, err := f.router.CreateNote(sd1, "")
	require.NoError(t, err)

	h, err := f.mgr.LoadNote(noteID, sd1)
	require.NoError(t, err)
	payload, err := h.Doc().BuildUpdate(instA, []crdt.Op{
		{Kind: crdt.KindMeta, Key: "title", Value: "moving note"},
	})
	require.NoError(t, err)
	require.NoError(t, f.mgr.ApplyUpdate(noteID, payload, manager.ApplyOptions{SkipTimestampUpdate: true}))
	h.Close()

	targetID, err := f.router.MoveNoteToSD(noteID, sd2, types.ConflictKeepBoth)
	require.NoError(t, err)
	assert.Equal(t, noteID, targetID, "no conflict, so the ID travels")

	// Target has the content.
	h2, err := f.mgr.LoadNote(targetID, sd2)
	require.NoError(t, err)
	assert.Equal(t, "moving note", h2.Doc().MetaString("title"))
	assert.Equal(t, sd2, h2.Doc().MetaString("sdId"))
	h2.Close()
	f.mgr.ForceUnloadNote(targetID)

	// Source is tombstoned.
	src, _, err := mustALM(t, f, sd1).LoadNote(noteID)
	require.NoError(t, err)
	assert.Positive(t, src.MetaInt64("deletedAt"))
	assert.Equal(t, targetID, src.MetaString("movedTo"))

	// Both SDs' activity logs carry an entry for this instance.
	for _, root := range []string{root1, root2} {
		data, err := os.ReadFile(filepath.Join(root, activity.DirName, instA+".log"))
		require.NoError(t, err, root)
		entries, _, _ := activity.ParseEntries(data)
		assert.NotEmpty(t, entries, root)
	}
}

func TestMoveNoteToSDConflict(t *testing.T) {
	f := newRouterFixture(t)
	sd1, err := f.router.AddSD(t.TempDir(), "one")
	require.NoError(t, err)
	sd2, err := f.router.AddSD(t.TempDir(), "two")
	require.NoError(t, err)

	noteID, err := f.router.CreateNote(sd1, "")
	require.NoError(t, err)

	// Plant a same-ID note in the target.
	builder := mustALM(t, f, sd2)
	_, err = builder.WriteNoteUpdate(noteID, []byte(`{"ops":[]}`))
	require.NoError(t, err)

	// Cancel surfaces the conflict.
	_, err = f.router.MoveNoteToSD(noteID, sd2, types.ConflictCancel)
	assert.ErrorIs(t, err, types.ErrMoveConflict)

	// keepBoth lands under a fresh ID.
	targetID, err := f.router.MoveNoteToSD(noteID, sd2, types.ConflictKeepBoth)
	require.NoError(t, err)
	assert.NotEqual(t, noteID, targetID)
}

func TestFolderLifecycle(t *testing.T) {
	f := newRouterFixture(t)
	sdID, err := f.router.AddSD(t.TempDir(), "primary")
	require.NoError(t, err)

	workID, err := f.router.CreateFolder(sdID, "Work", "")
	require.NoError(t, err)
	subID, err := f.router.CreateFolder(sdID, "Projects", workID)
	require.NoError(t, err)

	folders, err := f.router.ListFolders(sdID)
	require.NoError(t, err)
	require.Len(t, folders, 2)

	require.NoError(t, f.router.RenameFolder(sdID, subID, "Active Projects"))
	got, err := f.router.GetFolder(sdID, subID)
	require.NoError(t, err)
	assert.Equal(t, "Active Projects", got.Name)
	assert.Equal(t, workID, got.ParentID)

	require.NoError(t, f.router.ReorderFolder(sdID, subID, 0.5))
	got, err = f.router.GetFolder(sdID, subID)
	require.NoError(t, err)
	assert.Equal(t, 0.5, got.Order)

	require.NoError(t, f.router.DeleteFolder(sdID, subID))
	_, err = f.router.GetFolder(sdID, subID)
	assert.ErrorIs(t, err, types.ErrNotFound)

	folders, err = f.router.ListFolders(sdID)
	require.NoError(t, err)
	assert.Len(t, folders, 1)
}

func TestRemoveSDForceUnloadsNotes(t *testing.T) {
	f := newRouterFixture(t)
	sdID, err := f.router.AddSD(t.TempDir(), "primary")
	require.NoError(t, err)

	noteID, err := f.router.CreateNote(sdID, "")
	require.NoError(t, err)
	_, err = f.mgr.LoadNote(noteID, sdID)
	require.NoError(t, err)

	require.NoError(t, f.router.RemoveSD(sdID))
	assert.Nil(t, f.mgr.GetDocument(noteID))
	assert.Empty(t, f.router.ListSDs())
}
