package fsadapter

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/drewcsillag/notecove/pkg/types"
)

// FileInfo is the subset of stat data the engine needs.
type FileInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// FS is the single surface all disk I/O goes through, so retry policy
// and test doubles live in one place.
type FS interface {
	Read(path string) ([]byte, error)
	WriteAtomic(path string, data []byte) error
	Append(path string, data []byte) error
	RewriteByteAt(path string, offset int64, b byte) error
	MkdirAll(path string) error
	List(dir string) ([]FileInfo, error)
	Stat(path string) (FileInfo, error)
	Remove(path string) error
	Watch(dir string, recursive bool, grace time.Duration) (*Watcher, error)
}

// OSAdapter implements FS against the host filesystem. Transient
// failures are retried with exponential backoff, capped at
// types.IoRetryAttempts attempts total.
type OSAdapter struct{}

// New returns the host filesystem adapter.
func New() *OSAdapter {
	return &OSAdapter{}
}

func (a *OSAdapter) Read(path string) ([]byte, error) {
	var data []byte
	err := withRetry(func() error {
		var err error
		data, err = os.ReadFile(path)
		return classify("read", path, err)
	})
	return data, err
}

// WriteAtomic writes to a temp file in the target directory, fsyncs,
// renames into place and fsyncs the parent. The destination is never
// visible in a partial state.
func (a *OSAdapter) WriteAtomic(path string, data []byte) error {
	return withRetry(func() error {
		tmp := path + ".tmp-" + randSuffix()
		f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return classify("write", tmp, err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(tmp)
			return classify("write", tmp, err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			os.Remove(tmp)
			return classify("fsync", tmp, err)
		}
		if err := f.Close(); err != nil {
			os.Remove(tmp)
			return classify("close", tmp, err)
		}
		if err := os.Rename(tmp, path); err != nil {
			os.Remove(tmp)
			return classify("rename", path, err)
		}
		return syncDir(filepath.Dir(path))
	})
}

// Append opens in append mode, writes, fsyncs and closes. Safe across
// instances on filesystems honouring POSIX append semantics.
func (a *OSAdapter) Append(path string, data []byte) error {
	return withRetry(func() error {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return classify("append", path, err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return classify("append", path, err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return classify("fsync", path, err)
		}
		return classify("close", path, f.Close())
	})
}

// RewriteByteAt rewrites a single byte in place. Used to flip an
// update record's status byte after its payload has been fsync'd.
func (a *OSAdapter) RewriteByteAt(path string, offset int64, b byte) error {
	return withRetry(func() error {
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err != nil {
			return classify("rewrite", path, err)
		}
		if _, err := f.WriteAt([]byte{b}, offset); err != nil {
			f.Close()
			return classify("rewrite", path, err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return classify("fsync", path, err)
		}
		return classify("close", path, f.Close())
	})
}

func (a *OSAdapter) MkdirAll(path string) error {
	return withRetry(func() error {
		return classify("mkdir", path, os.MkdirAll(path, 0o755))
	})
}

func (a *OSAdapter) List(dir string) ([]FileInfo, error) {
	var out []FileInfo
	err := withRetry(func() error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return classify("list", dir, err)
		}
		out = out[:0]
		for _, e := range entries {
			info, err := e.Info()
			if err != nil {
				// Entry vanished between readdir and stat; races with
				// peers and GC are normal here.
				continue
			}
			out = append(out, FileInfo{
				Name:    e.Name(),
				Size:    info.Size(),
				ModTime: info.ModTime(),
				IsDir:   e.IsDir(),
			})
		}
		return nil
	})
	return out, err
}

func (a *OSAdapter) Stat(path string) (FileInfo, error) {
	var out FileInfo
	err := withRetry(func() error {
		info, err := os.Stat(path)
		if err != nil {
			return classify("stat", path, err)
		}
		out = FileInfo{Name: info.Name(), Size: info.Size(), ModTime: info.ModTime(), IsDir: info.IsDir()}
		return nil
	})
	return out, err
}

func (a *OSAdapter) Remove(path string) error {
	return withRetry(func() error {
		err := os.Remove(path)
		if err != nil && os.IsNotExist(err) {
			return nil
		}
		return classify("remove", path, err)
	})
}

// classify maps an OS error onto the engine error kinds. nil passes
// through untouched.
func classify(op, path string, err error) error {
	if err == nil {
		return nil
	}
	kind := types.ErrIoFatal
	switch {
	case errors.Is(err, fs.ErrNotExist):
		kind = types.ErrNotFound
	case errors.Is(err, fs.ErrExist):
		kind = types.ErrConflict
	case isTransient(err):
		kind = types.ErrIoTransient
	}
	return &types.IOError{Kind: kind, Op: op, Path: path, Err: err}
}

func isTransient(err error) bool {
	for _, errno := range []syscall.Errno{
		syscall.EAGAIN, syscall.EINTR, syscall.EBUSY,
		syscall.ENFILE, syscall.EMFILE, syscall.ETIMEDOUT,
		syscall.ESTALE,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

// withRetry retries transient failures with exponential backoff; any
// other failure is permanent and returned as-is.
func withRetry(op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, types.ErrIoTransient) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithMaxRetries(bo, types.IoRetryAttempts-1))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return classify("opendir", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		// Some filesystems (and most cloud sync overlays) reject
		// directory fsync; the rename itself is still durable enough.
		return nil
	}
	return nil
}

func randSuffix() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}
