package fsadapter

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drewcsillag/notecove/pkg/types"
)

func TestWriteAtomic(t *testing.T) {
	fs := New()
	dir := t.TempDir()
	path := filepath.Join(dir, "file.bin")

	require.NoError(t, fs.WriteAtomic(path, []byte("hello")))

	data, err := fs.Read(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	// Overwrite replaces the content whole.
	require.NoError(t, fs.WriteAtomic(path, []byte("replaced")))
	data, err = fs.Read(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("replaced"), data)

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.Contains(e.Name(), ".tmp-"), "leftover temp file %s", e.Name())
	}
}

func TestAppend(t *testing.T) {
	fs := New()
	path := filepath.Join(t.TempDir(), "log")

	require.NoError(t, fs.Append(path, []byte("one\n")))
	require.NoError(t, fs.Append(path, []byte("two\n")))

	data, err := fs.Read(path)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(data))
}

func TestRewriteByteAt(t *testing.T) {
	fs := New()
	path := filepath.Join(t.TempDir(), "log")

	require.NoError(t, fs.Append(path, []byte{0x00, 'a', 'b', 'c'}))
	require.NoError(t, fs.RewriteByteAt(path, 0, 0x01))

	data, err := fs.Read(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 'a', 'b', 'c'}, data)
}

func TestReadNotFound(t *testing.T) {
	fs := New()
	_, err := fs.Read(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrNotFound))

	var ioErr *types.IOError
	assert.True(t, errors.As(err, &ioErr))
	assert.Equal(t, "read", ioErr.Op)
}

func TestListAndStat(t *testing.T) {
	fs := New()
	dir := t.TempDir()
	require.NoError(t, fs.MkdirAll(filepath.Join(dir, "sub")))
	require.NoError(t, fs.WriteAtomic(filepath.Join(dir, "a.txt"), []byte("aa")))

	entries, err := fs.List(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name] = e.IsDir
	}
	assert.False(t, names["a.txt"])
	assert.True(t, names["sub"])

	info, err := fs.Stat(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Size)

	_, err = fs.List(filepath.Join(dir, "missing"))
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestRemoveIdempotent(t *testing.T) {
	fs := New()
	path := filepath.Join(t.TempDir(), "x")
	require.NoError(t, fs.WriteAtomic(path, []byte("x")))
	require.NoError(t, fs.Remove(path))
	require.NoError(t, fs.Remove(path))
}

func TestWatchCoalescesAndDelivers(t *testing.T) {
	fs := New()
	dir := t.TempDir()

	w, err := fs.Watch(dir, false, 0)
	require.NoError(t, err)
	defer w.Close()

	path := filepath.Join(dir, "file")
	require.NoError(t, fs.Append(path, []byte("a")))
	require.NoError(t, fs.Append(path, []byte("b")))

	select {
	case ev := <-w.Events():
		assert.Equal(t, path, ev.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("no watcher event delivered")
	}
}

func TestWatchGraceBuffers(t *testing.T) {
	fs := New()
	dir := t.TempDir()

	grace := 300 * time.Millisecond
	w, err := fs.Watch(dir, false, grace)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, fs.WriteAtomic(filepath.Join(dir, "early"), []byte("x")))

	// Nothing may arrive while grace is running.
	select {
	case ev := <-w.Events():
		t.Fatalf("event %v delivered during grace", ev)
	case <-time.After(150 * time.Millisecond):
	}

	// After grace the buffered event flushes.
	select {
	case ev := <-w.Events():
		assert.Contains(t, ev.Path, "early")
	case <-time.After(2 * time.Second):
		t.Fatal("buffered event never delivered")
	}
}
