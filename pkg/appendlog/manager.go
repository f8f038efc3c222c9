package appendlog

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/drewcsillag/notecove/pkg/fsadapter"
	"github.com/drewcsillag/notecove/pkg/log"
	"github.com/drewcsillag/notecove/pkg/types"
)

// Manager owns the on-disk lifecycle of one storage directory: update
// writes, snapshot and pack creation, GC, and load-from-disk
// resolution. One Manager exists per open SD; the SD router creates
// and owns them.
type Manager struct {
	fs         fsadapter.FS
	root       string
	sdID       string
	instanceID string
	logger     zerolog.Logger

	// compressPacks selects zstd framing for newly written packs.
	compressPacks bool

	mu      sync.Mutex
	streams map[string]*writeState

	// snapshotsInFlight gates the maintenance loops: pack and GC yield
	// while a snapshot write is pending so a long sweep can never
	// starve a snapshot that shutdown is waiting on.
	snapshotsInFlight atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// writeState is this instance's append cursor for one stream.
type writeState struct {
	next      uint64 // next sequence to assign
	fileIndex uint64
	fileSize  int64
	scanned   bool
}

// NewManager opens a storage directory for writing. The directory
// skeleton is created if absent.
func NewManager(fs fsadapter.FS, root, sdID, instanceID string, compressPacks bool) (*Manager, error) {
	m := &Manager{
		fs:            fs,
		root:          root,
		sdID:          sdID,
		instanceID:    instanceID,
		compressPacks: compressPacks,
		streams:       make(map[string]*writeState),
		stopCh:        make(chan struct{}),
		logger:        log.WithComponent("appendlog").With().Str("sd_id", sdID).Logger(),
	}

	fd := folderDirs(root)
	for _, dir := range []string{
		filepath.Join(root, NotesDirName),
		fd.updates, fd.packs, fd.snapshots,
		filepath.Join(root, MediaDirName),
	} {
		if err := fs.MkdirAll(dir); err != nil {
			return nil, fmt.Errorf("create sd layout: %w", err)
		}
	}
	return m, nil
}

// SDID returns the storage directory's stable ID.
func (m *Manager) SDID() string {
	return m.sdID
}

// Root returns the SD root path.
func (m *Manager) Root() string {
	return m.root
}

// InstanceID returns the writing instance's ID.
func (m *Manager) InstanceID() string {
	return m.instanceID
}

// Start launches the packing and GC loops.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.maintenanceLoop()
}

// Stop cancels the maintenance loops and waits for them to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

func (m *Manager) maintenanceLoop() {
	defer m.wg.Done()

	packTicker := time.NewTicker(types.PackInterval)
	defer packTicker.Stop()
	gcTicker := time.NewTicker(types.GCInterval)
	defer gcTicker.Stop()

	m.logger.Info().Msg("Maintenance loop started")

	for {
		select {
		case <-packTicker.C:
			if err := m.PackOnce(); err != nil {
				m.logger.Error().Err(err).Msg("Packing cycle failed")
			}
		case <-gcTicker.C:
			stats, err := m.GCOnce()
			if err != nil {
				m.logger.Error().Err(err).Msg("GC cycle failed")
			}
			m.logger.Info().
				Int("files_deleted", stats.FilesDeleted).
				Int64("bytes_freed", stats.BytesFreed).
				Int("errors", stats.Errors).
				Msg("GC cycle complete")
		case <-m.stopCh:
			m.logger.Info().Msg("Maintenance loop stopped")
			return
		}
	}
}

// yieldToSnapshots blocks while snapshot writes are pending, and
// reports whether the manager is shutting down. Maintenance sweeps
// call it between documents.
func (m *Manager) yieldToSnapshots() (stopped bool) {
	for m.snapshotsInFlight.Load() > 0 {
		select {
		case <-m.stopCh:
			return true
		case <-time.After(10 * time.Millisecond):
		}
	}
	select {
	case <-m.stopCh:
		return true
	default:
		return false
	}
}

// ListNotes returns the IDs of all notes present in this SD.
func (m *Manager) ListNotes() ([]string, error) {
	entries, err := m.fs.List(filepath.Join(m.root, NotesDirName))
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir {
			out = append(out, e.Name)
		}
	}
	return out, nil
}

// ListUpdateFiles lists a note's update directory.
func (m *Manager) ListUpdateFiles(noteID string) ([]fsadapter.FileInfo, error) {
	return m.listDir(noteDirs(m.root, noteID).updates)
}

// ListPackFiles lists a note's pack directory.
func (m *Manager) ListPackFiles(noteID string) ([]fsadapter.FileInfo, error) {
	return m.listDir(noteDirs(m.root, noteID).packs)
}

// ListSnapshotFiles lists a note's snapshot directory.
func (m *Manager) ListSnapshotFiles(noteID string) ([]fsadapter.FileInfo, error) {
	return m.listDir(noteDirs(m.root, noteID).snapshots)
}

func (m *Manager) listDir(dir string) ([]fsadapter.FileInfo, error) {
	entries, err := m.fs.List(dir)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return entries, nil
}
