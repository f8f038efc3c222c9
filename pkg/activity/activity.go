package activity

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/drewcsillag/notecove/pkg/codec"
	"github.com/drewcsillag/notecove/pkg/fsadapter"
	"github.com/drewcsillag/notecove/pkg/log"
)

// DirName is the activity directory at an SD's root. This instance's
// log lives there alongside the logs of every peer sharing the SD.
const DirName = ".activity"

// Entry is one parsed activity line: "<noteId>|<instanceId>_<sequence>".
type Entry struct {
	NoteID     string
	InstanceID string
	Sequence   uint64
}

// Logger appends this instance's activity entries for one SD. The log
// is append-only and fsync'd on every entry, before the write that
// produced the entry is announced to anyone.
type Logger struct {
	fs         fsadapter.FS
	path       string
	instanceID string
	mu         sync.Mutex
	logger     zerolog.Logger
}

// NewLogger creates (or reopens) the activity log for this instance
// under sdRoot.
func NewLogger(fs fsadapter.FS, sdRoot, sdID, instanceID string) (*Logger, error) {
	dir := filepath.Join(sdRoot, DirName)
	if err := fs.MkdirAll(dir); err != nil {
		return nil, fmt.Errorf("create activity dir: %w", err)
	}
	return &Logger{
		fs:         fs,
		path:       filepath.Join(dir, codec.ActivityLogName(instanceID)),
		instanceID: instanceID,
		logger:     log.WithComponent("activity").With().Str("sd_id", sdID).Logger(),
	}, nil
}

// InstanceID returns the instance this logger writes for.
func (l *Logger) InstanceID() string {
	return l.instanceID
}

// Path returns the log file path.
func (l *Logger) Path() string {
	return l.path
}

// RecordNoteActivity appends one entry announcing that this instance
// wrote sequence seq on noteID. The entry may legitimately become
// visible to peers before the underlying update file does; the sync
// layer retries.
func (l *Logger) RecordNoteActivity(noteID string, seq uint64) error {
	line := FormatEntry(Entry{NoteID: noteID, InstanceID: l.instanceID, Sequence: seq})

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fs.Append(l.path, []byte(line)); err != nil {
		return fmt.Errorf("append activity entry: %w", err)
	}
	l.logger.Debug().Str("note_id", noteID).Uint64("sequence", seq).Msg("Recorded activity")
	return nil
}

// FormatEntry renders one activity line including the trailing newline.
func FormatEntry(e Entry) string {
	return fmt.Sprintf("%s|%s_%d\n", e.NoteID, e.InstanceID, e.Sequence)
}

// ParseEntries parses activity entries from data, which is a byte
// range of a peer's log starting at a known offset. It returns the
// parsed entries and the number of bytes consumed; a partial trailing
// line is not consumed, so the caller's persisted offset only ever
// advances past complete lines. Malformed complete lines are counted,
// consumed and skipped; a peer's bug must not wedge the sync cursor.
func ParseEntries(data []byte) (entries []Entry, consumed int64, malformed int) {
	for {
		nl := -1
		for i := int(consumed); i < len(data); i++ {
			if data[i] == '\n' {
				nl = i
				break
			}
		}
		if nl < 0 {
			return entries, consumed, malformed
		}
		line := string(data[consumed:nl])
		consumed = int64(nl + 1)

		e, ok := parseLine(line)
		if !ok {
			if strings.TrimSpace(line) != "" {
				malformed++
			}
			continue
		}
		entries = append(entries, e)
	}
}

func parseLine(line string) (Entry, bool) {
	pipe := strings.IndexByte(line, '|')
	if pipe <= 0 {
		return Entry{}, false
	}
	noteID := line[:pipe]
	rest := line[pipe+1:]
	u := strings.LastIndexByte(rest, '_')
	if u <= 0 {
		return Entry{}, false
	}
	seq, err := strconv.ParseUint(rest[u+1:], 10, 64)
	if err != nil {
		return Entry{}, false
	}
	return Entry{NoteID: noteID, InstanceID: rest[:u], Sequence: seq}, true
}
