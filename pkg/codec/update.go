package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/drewcsillag/notecove/pkg/types"
)

// Update record layout:
//
//	statusByte(1) | magic(4) | version(1) | timestamp(8, LE)
//	| sequence(8, LE) | payloadLen(4, LE) | payload
//
// The status byte is appended as StatusInProgress and rewritten to
// StatusReady in place after the payload fsync; readers stop at the
// first StatusInProgress byte they see.
const recordHeaderSize = 1 + 4 + 1 + 8 + 8 + 4

// MaxPayloadSize bounds a single record; anything larger is a decode
// error rather than an allocation request.
const MaxPayloadSize = 64 << 20

// RecordAt is a decoded record plus its offset inside the file.
type RecordAt struct {
	types.UpdateRecord
	Offset int64
}

// EncodeRecord serializes one record with the given status byte.
func EncodeRecord(rec types.UpdateRecord, status byte) []byte {
	buf := make([]byte, recordHeaderSize+len(rec.Payload))
	buf[0] = status
	copy(buf[1:5], types.UpdateMagic)
	buf[5] = types.FormatVersion
	binary.LittleEndian.PutUint64(buf[6:14], uint64(rec.Timestamp))
	binary.LittleEndian.PutUint64(buf[14:22], rec.Sequence)
	binary.LittleEndian.PutUint32(buf[22:26], uint32(len(rec.Payload)))
	copy(buf[recordHeaderSize:], rec.Payload)
	return buf
}

// DecodeRecords scans a .crdtlog file sequentially and returns every
// ready record. The visible tail ends at the first in-progress status
// byte or at end of data. A malformed region terminates the scan: the
// records decoded before it are returned together with a Decode error
// so the caller can apply what was readable and log the rest.
func DecodeRecords(instanceID string, data []byte) ([]RecordAt, error) {
	var out []RecordAt
	off := int64(0)

	for off < int64(len(data)) {
		rest := data[off:]
		if rest[0] == types.StatusInProgress {
			// Writer is mid-append (or died mid-append); everything
			// from here on is invisible.
			return out, nil
		}
		if len(rest) < recordHeaderSize {
			return out, decodeErrf("truncated record header at offset %d", off)
		}
		if rest[0] != types.StatusReady {
			return out, decodeErrf("bad status byte 0x%02x at offset %d", rest[0], off)
		}
		if string(rest[1:5]) != types.UpdateMagic {
			return out, decodeErrf("bad magic at offset %d", off)
		}
		if rest[5] != types.FormatVersion {
			return out, decodeErrf("unsupported version %d at offset %d", rest[5], off)
		}
		payloadLen := binary.LittleEndian.Uint32(rest[22:26])
		if payloadLen > MaxPayloadSize {
			return out, decodeErrf("payload length %d exceeds limit at offset %d", payloadLen, off)
		}
		total := int64(recordHeaderSize) + int64(payloadLen)
		if int64(len(rest)) < total {
			return out, decodeErrf("truncated payload at offset %d", off)
		}

		payload := make([]byte, payloadLen)
		copy(payload, rest[recordHeaderSize:total])
		out = append(out, RecordAt{
			UpdateRecord: types.UpdateRecord{
				InstanceID: instanceID,
				Sequence:   binary.LittleEndian.Uint64(rest[14:22]),
				Timestamp:  int64(binary.LittleEndian.Uint64(rest[6:14])),
				Payload:    payload,
			},
			Offset: off,
		})
		off += total
	}
	return out, nil
}

func decodeErrf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{types.ErrDecode}, args...)...)
}
