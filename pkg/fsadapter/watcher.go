package fsadapter

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/drewcsillag/notecove/pkg/log"
	"github.com/drewcsillag/notecove/pkg/types"
)

// EventOp is the kind of filesystem change a watcher observed.
type EventOp int

const (
	OpCreate EventOp = iota
	OpWrite
	OpRemove
	OpRename
)

func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	case OpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// Event is one coalesced filesystem change.
type Event struct {
	Op   EventOp
	Path string
}

// Watcher wraps fsnotify with the two behaviors cloud-storage
// filesystems force on us: rapid duplicate events are coalesced within
// a short window, and everything observed during the startup grace
// period is buffered and delivered in one batch after grace ends, so a
// cold SD open does not trigger a reload storm.
type Watcher struct {
	fsw       *fsnotify.Watcher
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	recursive bool
	logger    zerolog.Logger
}

// Watch starts watching dir. With recursive set, subdirectories
// (existing and later-created) are watched too. A non-zero grace
// buffers events for that duration before delivery begins.
func (a *OSAdapter) Watch(dir string, recursive bool, grace time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, classify("watch", dir, err)
	}

	w := &Watcher{
		fsw:       fsw,
		events:    make(chan Event, 256),
		done:      make(chan struct{}),
		recursive: recursive,
		logger:    log.WithComponent("fswatch"),
	}

	if err := w.addTree(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.run(grace)
	return w, nil
}

// Events returns the delivery channel. It is closed when the watcher
// closes.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Close stops the watcher and closes the event channel.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()
	})
	return err
}

func (w *Watcher) addTree(dir string) error {
	if err := w.fsw.Add(dir); err != nil {
		return classify("watch", dir, err)
	}
	if !w.recursive {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return classify("watch", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := w.addTree(filepath.Join(dir, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Watcher) run(grace time.Duration) {
	defer close(w.events)

	var (
		pending = make(map[Event]struct{})
		order   []Event
	)

	flush := func() {
		for _, ev := range order {
			select {
			case w.events <- ev:
			default:
				// Receiver is behind; the periodic rescan is the
				// safety net for anything dropped here.
				w.logger.Warn().Str("path", ev.Path).Msg("Dropping watcher event, receiver full")
			}
		}
		pending = make(map[Event]struct{})
		order = order[:0]
	}

	flushTimer := time.NewTimer(types.WatchCoalesceWin)
	flushTimer.Stop()
	defer flushTimer.Stop()

	inGrace := grace > 0
	graceTimer := time.NewTimer(grace)
	if !inGrace {
		graceTimer.Stop()
	}
	defer graceTimer.Stop()

	for {
		select {
		case <-w.done:
			return

		case raw, ok := <-w.fsw.Events:
			if !ok {
				flush()
				return
			}
			ev, relevant := translate(raw)
			if !relevant {
				continue
			}
			if w.recursive && raw.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(raw.Name); err == nil && info.IsDir() {
					if err := w.addTree(raw.Name); err != nil {
						w.logger.Error().Err(err).Str("path", raw.Name).Msg("Failed to watch new directory")
					}
				}
			}
			if _, dup := pending[ev]; !dup {
				pending[ev] = struct{}{}
				order = append(order, ev)
			}
			if !inGrace {
				flushTimer.Reset(types.WatchCoalesceWin)
			}

		case <-graceTimer.C:
			inGrace = false
			flush()

		case <-flushTimer.C:
			if !inGrace {
				flush()
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				flush()
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func translate(raw fsnotify.Event) (Event, bool) {
	switch {
	case raw.Op.Has(fsnotify.Create):
		return Event{Op: OpCreate, Path: raw.Name}, true
	case raw.Op.Has(fsnotify.Write):
		return Event{Op: OpWrite, Path: raw.Name}, true
	case raw.Op.Has(fsnotify.Remove):
		return Event{Op: OpRemove, Path: raw.Name}, true
	case raw.Op.Has(fsnotify.Rename):
		return Event{Op: OpRename, Path: raw.Name}, true
	default:
		return Event{}, false
	}
}
