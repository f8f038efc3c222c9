package syncer

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/drewcsillag/notecove/pkg/activity"
	"github.com/drewcsillag/notecove/pkg/codec"
	"github.com/drewcsillag/notecove/pkg/events"
	"github.com/drewcsillag/notecove/pkg/fsadapter"
	"github.com/drewcsillag/notecove/pkg/log"
	"github.com/drewcsillag/notecove/pkg/manager"
	"github.com/drewcsillag/notecove/pkg/metacache"
	"github.com/drewcsillag/notecove/pkg/metrics"
	"github.com/drewcsillag/notecove/pkg/types"
)

// rescanInterval is the safety net under the watchers: cloud
// filesystems drop and batch events, so every peer log is re-read from
// its persisted offset on a timer regardless.
const rescanInterval = 30 * time.Second

// StaleEntry is a peer activity entry whose underlying update data
// never became visible within the retry budget.
type StaleEntry struct {
	SDID       string
	NoteID     string
	InstanceID string
	Sequence   uint64
	FirstSeen  time.Time
	Attempts   int
}

type entryKey struct {
	instanceID string
	noteID     string
}

// pendingEntry is an activity entry awaiting its on-disk data.
type pendingEntry struct {
	seq       uint64
	firstSeen time.Time
	attempts  int
	stale     bool
}

// peerState tracks one peer's log within one SD.
type peerState struct {
	offset     int64 // applied-through, persisted in the metadata cache
	batchEnd   int64 // offset the current unresolved batch reaches to
	unresolved map[entryKey]*pendingEntry
	retryTimer *time.Timer
}

type sdSync struct {
	sdID       string
	root       string
	instanceID string
	watcher    *fsadapter.Watcher
	peers      map[string]*peerState
}

// Syncer watches every SD's activity directory, computes new entries
// per peer since the last sync, verifies the underlying data arrived,
// and triggers reloads on the CRDT manager.
type Syncer struct {
	fs     fsadapter.FS
	mgr    *manager.Manager
	cache  *metacache.Cache
	broker *events.Broker
	logger zerolog.Logger

	mu  sync.Mutex
	sds map[string]*sdSync

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a syncer. The broker may be nil in tests.
func New(fs fsadapter.FS, mgr *manager.Manager, cache *metacache.Cache, broker *events.Broker) *Syncer {
	return &Syncer{
		fs:     fs,
		mgr:    mgr,
		cache:  cache,
		broker: broker,
		sds:    make(map[string]*sdSync),
		stopCh: make(chan struct{}),
		logger: log.WithComponent("activity-sync"),
	}
}

// AddSD starts syncing an SD's activity directory. Watcher events
// observed during the startup grace period are buffered by the
// adapter; once grace ends a one-shot sync reads every peer log from
// its persisted offset.
func (s *Syncer) AddSD(sdID, root, ownInstanceID string) error {
	activityDir := filepath.Join(root, activity.DirName)
	if err := s.fs.MkdirAll(activityDir); err != nil {
		return fmt.Errorf("create activity dir: %w", err)
	}
	watcher, err := s.fs.Watch(activityDir, false, types.StartupGracePeriod)
	if err != nil {
		return fmt.Errorf("watch activity dir: %w", err)
	}

	sd := &sdSync{
		sdID:       sdID,
		root:       root,
		instanceID: ownInstanceID,
		watcher:    watcher,
		peers:      make(map[string]*peerState),
	}

	s.mu.Lock()
	s.sds[sdID] = sd
	s.mu.Unlock()

	s.wg.Add(1)
	go s.watchLoop(sd)

	// One-shot post-grace sync; the watcher's buffered flood follows
	// right behind and coalesces into the same reads.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-time.After(types.StartupGracePeriod):
			s.SyncSD(sdID)
		case <-s.stopCh:
		}
	}()

	return nil
}

// RemoveSD stops syncing an SD.
func (s *Syncer) RemoveSD(sdID string) {
	s.mu.Lock()
	sd, ok := s.sds[sdID]
	if ok {
		delete(s.sds, sdID)
		for _, p := range sd.peers {
			if p.retryTimer != nil {
				p.retryTimer.Stop()
			}
		}
	}
	s.mu.Unlock()
	if ok {
		sd.watcher.Close()
	}
}

// Stop shuts the syncer down.
func (s *Syncer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.mu.Lock()
	for _, sd := range s.sds {
		sd.watcher.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Start launches the periodic rescan loop.
func (s *Syncer) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(rescanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.mu.Lock()
				ids := make([]string, 0, len(s.sds))
				for id := range s.sds {
					ids = append(ids, id)
				}
				s.mu.Unlock()
				for _, id := range ids {
					s.SyncSD(id)
				}
			case <-s.stopCh:
				return
			}
		}
	}()
}

func (s *Syncer) watchLoop(sd *sdSync) {
	defer s.wg.Done()
	for {
		select {
		case ev, ok := <-sd.watcher.Events():
			if !ok {
				return
			}
			metrics.WatcherEvents.WithLabelValues(ev.Op.String()).Inc()
			// Any change in the activity dir is reason to re-read the
			// peer logs; the per-peer offsets make re-reads cheap.
			s.SyncSD(sd.sdID)
		case <-s.stopCh:
			return
		}
	}
}

// SyncSD reads every peer log of an SD from its persisted offset and
// processes new entries.
func (s *Syncer) SyncSD(sdID string) {
	s.mu.Lock()
	sd, ok := s.sds[sdID]
	s.mu.Unlock()
	if !ok {
		return
	}

	activityDir := filepath.Join(sd.root, activity.DirName)
	entries, err := s.fs.List(activityDir)
	if err != nil {
		s.logger.Error().Err(err).Str("sd_id", sdID).Msg("Failed to list activity dir")
		return
	}

	for _, e := range entries {
		instanceID, ok := codec.ParseActivityLogName(e.Name)
		if !ok || instanceID == sd.instanceID {
			continue
		}
		s.syncPeer(sd, instanceID)
	}
}

// syncPeer processes one peer's log tail: parse new entries, verify
// the announced data is on disk, reload affected loaded notes, and
// advance the persisted offset once the whole batch has resolved.
func (s *Syncer) syncPeer(sd *sdSync, instanceID string) {
	s.mu.Lock()
	p, ok := sd.peers[instanceID]
	if !ok {
		offset, err := s.cache.GetSyncOffset(sd.sdID, instanceID)
		if err != nil {
			s.mu.Unlock()
			s.logger.Error().Err(err).Str("instance_id", instanceID).Msg("Failed to read sync offset")
			return
		}
		p = &peerState{offset: offset, batchEnd: offset, unresolved: make(map[entryKey]*pendingEntry)}
		sd.peers[instanceID] = p
	}
	s.mu.Unlock()

	path := filepath.Join(sd.root, activity.DirName, codec.ActivityLogName(instanceID))
	data, err := s.fs.Read(path)
	if err != nil {
		s.logger.Error().Err(err).Str("file", path).Msg("Failed to read peer log")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if int64(len(data)) > p.batchEnd {
		parsed, consumed, malformed := activity.ParseEntries(data[p.batchEnd:])
		if malformed > 0 {
			s.logger.Warn().Int("count", malformed).Str("file", path).Msg("Skipped malformed activity entries")
		}
		now := time.Now()
		for _, e := range parsed {
			key := entryKey{instanceID: e.InstanceID, noteID: e.NoteID}
			if pe, ok := p.unresolved[key]; ok {
				if e.Sequence > pe.seq {
					pe.seq = e.Sequence
				}
			} else {
				p.unresolved[key] = &pendingEntry{seq: e.Sequence, firstSeen: now}
			}
		}
		p.batchEnd += consumed
	}

	s.resolveBatch(sd, instanceID, p)
}

// resolveBatch is called with s.mu held.
func (s *Syncer) resolveBatch(sd *sdSync, instanceID string, p *peerState) {
	var recovered []entryKey
	for key, pe := range p.unresolved {
		if !s.mgr.CheckCRDTLogExists(key.noteID, sd.sdID, key.instanceID, pe.seq) {
			continue
		}
		if s.mgr.GetDocument(key.noteID) != nil {
			noteID := key.noteID
			go func() {
				if err := s.mgr.ReloadNote(noteID); err != nil {
					s.logger.Error().Err(err).Str("note_id", noteID).Msg("Reload failed")
				}
			}()
		}
		if pe.stale {
			recovered = append(recovered, key)
		}
		delete(p.unresolved, key)
	}

	for _, key := range recovered {
		s.publish(&events.Event{Type: events.EventSyncRecovered, SDID: sd.sdID, NoteID: key.noteID})
	}

	if len(p.unresolved) == 0 {
		if p.batchEnd > p.offset {
			p.offset = p.batchEnd
			if err := s.cache.SetSyncOffset(sd.sdID, instanceID, p.offset); err != nil {
				s.logger.Error().Err(err).Str("instance_id", instanceID).Msg("Failed to persist sync offset")
			}
		}
		if p.retryTimer != nil {
			p.retryTimer.Stop()
			p.retryTimer = nil
		}
		s.updateStaleGauge()
		return
	}

	// Something announced has not landed. Retry with backoff; past the
	// budget the entries turn stale and wait for the UI (or a rescan
	// that finally sees the file).
	scheduleRetry := false
	for key, pe := range p.unresolved {
		if pe.stale {
			continue
		}
		pe.attempts++
		metrics.SyncRetries.Inc()
		if pe.attempts >= types.SyncRetryBudget {
			pe.stale = true
			s.logger.Warn().
				Str("sd_id", sd.sdID).
				Str("note_id", key.noteID).
				Str("instance_id", key.instanceID).
				Uint64("sequence", pe.seq).
				Msg("Activity entry went stale, update data never appeared")
			s.publish(&events.Event{Type: events.EventSyncStale, SDID: sd.sdID, NoteID: key.noteID})
		} else {
			scheduleRetry = true
		}
	}
	s.updateStaleGauge()

	if scheduleRetry && p.retryTimer == nil {
		attempts := 1
		for _, pe := range p.unresolved {
			if pe.attempts > attempts {
				attempts = pe.attempts
			}
		}
		delay := retryDelay(attempts)
		p.retryTimer = time.AfterFunc(delay, func() {
			s.mu.Lock()
			p.retryTimer = nil
			s.mu.Unlock()
			s.syncPeer(sd, instanceID)
		})
	}
}

func retryDelay(attempt int) time.Duration {
	d := 500 * time.Millisecond << uint(attempt)
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

func (s *Syncer) publish(ev *events.Event) {
	if s.broker != nil {
		s.broker.Publish(ev)
	}
}

// updateStaleGauge is called with s.mu held.
func (s *Syncer) updateStaleGauge() {
	count := 0
	for _, sd := range s.sds {
		for _, p := range sd.peers {
			for _, pe := range p.unresolved {
				if pe.stale {
					count++
				}
			}
		}
	}
	metrics.StaleSyncEntries.Set(float64(count))
}

// GetStaleSyncs returns every stale entry across SDs.
func (s *Syncer) GetStaleSyncs() []StaleEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []StaleEntry
	for _, sd := range s.sds {
		for instanceID, p := range sd.peers {
			for key, pe := range p.unresolved {
				if !pe.stale {
					continue
				}
				out = append(out, StaleEntry{
					SDID:       sd.sdID,
					NoteID:     key.noteID,
					InstanceID: instanceID,
					Sequence:   pe.seq,
					FirstSeen:  pe.firstSeen,
					Attempts:   pe.attempts,
				})
			}
		}
	}
	return out
}

// RetryStaleEntry resets a stale entry's budget and re-checks
// immediately. If the data has since become visible the entry clears
// and the peer's offset advances.
func (s *Syncer) RetryStaleEntry(sdID, noteID, instanceID string) error {
	s.mu.Lock()
	sd, ok := s.sds[sdID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("sd %s: %w", sdID, types.ErrNotFound)
	}
	p, ok := sd.peers[instanceID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("peer %s: %w", instanceID, types.ErrNotFound)
	}
	key := entryKey{instanceID: instanceID, noteID: noteID}
	if pe, ok := p.unresolved[key]; ok {
		pe.stale = false
		pe.attempts = 0
	}
	s.mu.Unlock()

	s.syncPeer(sd, instanceID)
	return nil
}

// SkipStaleEntry abandons a stale entry: the announced data is given
// up on and the peer's offset moves past the batch that contained it.
func (s *Syncer) SkipStaleEntry(sdID, noteID, instanceID string) error {
	s.mu.Lock()
	sd, ok := s.sds[sdID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("sd %s: %w", sdID, types.ErrNotFound)
	}
	p, ok := sd.peers[instanceID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("peer %s: %w", instanceID, types.ErrNotFound)
	}
	delete(p.unresolved, entryKey{instanceID: instanceID, noteID: noteID})
	s.resolveBatch(sd, instanceID, p)
	s.mu.Unlock()
	return nil
}
