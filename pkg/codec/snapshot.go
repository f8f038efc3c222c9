package codec

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/drewcsillag/notecove/pkg/types"
)

// Snapshot layout:
//
//	magic(4) | version(1) | createdAt(8, LE) | totalChanges(8, LE)
//	| vectorClockLen(4, LE) | vectorClock(JSON)
//	| documentStateLen(4, LE) | documentState
//
// Snapshot files are written atomically; a half-written snapshot can
// only exist as an orphaned temp file, never under the snapshot name.
const snapshotHeaderSize = 4 + 1 + 8 + 8

// Snapshot is a decoded full-state snapshot.
type Snapshot struct {
	CreatedAt    int64
	TotalChanges uint64
	Clock        types.VectorClock
	State        []byte
}

// EncodeSnapshot serializes a document's full state with its vector
// clock.
func EncodeSnapshot(state []byte, clock types.VectorClock, createdAt int64, totalChanges uint64) ([]byte, error) {
	vcJSON, err := json.Marshal(clock)
	if err != nil {
		return nil, fmt.Errorf("marshal vector clock: %w", err)
	}

	buf := make([]byte, snapshotHeaderSize+4+len(vcJSON)+4+len(state))
	copy(buf[0:4], types.SnapshotMagic)
	buf[4] = types.FormatVersion
	binary.LittleEndian.PutUint64(buf[5:13], uint64(createdAt))
	binary.LittleEndian.PutUint64(buf[13:21], totalChanges)

	p := snapshotHeaderSize
	binary.LittleEndian.PutUint32(buf[p:], uint32(len(vcJSON)))
	copy(buf[p+4:], vcJSON)
	p += 4 + len(vcJSON)
	binary.LittleEndian.PutUint32(buf[p:], uint32(len(state)))
	copy(buf[p+4:], state)

	return buf, nil
}

// DecodeSnapshot parses a snapshot file.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	if len(data) < snapshotHeaderSize+4 {
		return nil, decodeErrf("snapshot too short")
	}
	if string(data[0:4]) != types.SnapshotMagic {
		return nil, decodeErrf("bad snapshot magic")
	}
	if data[4] != types.FormatVersion {
		return nil, decodeErrf("unsupported snapshot version %d", data[4])
	}
	createdAt := int64(binary.LittleEndian.Uint64(data[5:13]))
	totalChanges := binary.LittleEndian.Uint64(data[13:21])

	p := snapshotHeaderSize
	vcLen := int(binary.LittleEndian.Uint32(data[p : p+4]))
	if len(data) < p+4+vcLen+4 {
		return nil, decodeErrf("truncated snapshot vector clock")
	}
	clock := make(types.VectorClock)
	if err := json.Unmarshal(data[p+4:p+4+vcLen], &clock); err != nil {
		return nil, decodeErrf("vector clock json: %v", err)
	}

	p += 4 + vcLen
	stateLen := int(binary.LittleEndian.Uint32(data[p : p+4]))
	if len(data) < p+4+stateLen {
		return nil, decodeErrf("truncated snapshot state")
	}
	state := make([]byte, stateLen)
	copy(state, data[p+4:p+4+stateLen])

	return &Snapshot{
		CreatedAt:    createdAt,
		TotalChanges: totalChanges,
		Clock:        clock,
		State:        state,
	}, nil
}
