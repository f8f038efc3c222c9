package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/drewcsillag/notecove/pkg/types"
)

// Pack layout:
//
//	magic(4) | version(1) | instanceIDLen(2, LE) | instanceID
//	| startSeq(8, LE) | endSeq(8, LE) | count(4, LE)
//	| index[count]{seq(8) offset(8) length(4) timestamp(8)}   (all LE)
//	| payloads
//
// Index offsets are relative to the start of the payload section. The
// whole encoding may additionally be zstd-framed; the file name's .zst
// suffix says which.
const packIndexEntrySize = 8 + 8 + 4 + 8

// Pack is a decoded pack file: a contiguous run of updates for one
// instance.
type Pack struct {
	InstanceID string
	StartSeq   uint64
	EndSeq     uint64
	Records    []types.UpdateRecord
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// EncodePack serializes a contiguous ascending run of records for one
// instance. A gap or ordering violation in the input is an invariant
// error: packs must cover exactly [startSeq, endSeq].
func EncodePack(instanceID string, recs []types.UpdateRecord, compress bool) ([]byte, error) {
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: empty pack", types.ErrInvariant)
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].Sequence != recs[i-1].Sequence+1 {
			return nil, fmt.Errorf("%w: non-contiguous pack input %d -> %d",
				types.ErrInvariant, recs[i-1].Sequence, recs[i].Sequence)
		}
	}

	headerSize := 4 + 1 + 2 + len(instanceID) + 8 + 8 + 4
	payloadSize := 0
	for _, r := range recs {
		payloadSize += len(r.Payload)
	}
	buf := make([]byte, headerSize+len(recs)*packIndexEntrySize+payloadSize)

	copy(buf[0:4], types.PackMagic)
	buf[4] = types.FormatVersion
	binary.LittleEndian.PutUint16(buf[5:7], uint16(len(instanceID)))
	copy(buf[7:], instanceID)
	p := 7 + len(instanceID)
	binary.LittleEndian.PutUint64(buf[p:], recs[0].Sequence)
	binary.LittleEndian.PutUint64(buf[p+8:], recs[len(recs)-1].Sequence)
	binary.LittleEndian.PutUint32(buf[p+16:], uint32(len(recs)))

	idx := headerSize
	payloads := headerSize + len(recs)*packIndexEntrySize
	off := uint64(0)
	for _, r := range recs {
		binary.LittleEndian.PutUint64(buf[idx:], r.Sequence)
		binary.LittleEndian.PutUint64(buf[idx+8:], off)
		binary.LittleEndian.PutUint32(buf[idx+16:], uint32(len(r.Payload)))
		binary.LittleEndian.PutUint64(buf[idx+20:], uint64(r.Timestamp))
		copy(buf[payloads+int(off):], r.Payload)
		off += uint64(len(r.Payload))
		idx += packIndexEntrySize
	}

	if compress {
		return zstdEncoder.EncodeAll(buf, nil), nil
	}
	return buf, nil
}

// DecodePack parses a pack file, decompressing first when the caller
// says the file was zstd-framed.
func DecodePack(data []byte, compressed bool) (*Pack, error) {
	if compressed {
		raw, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd frame: %v", types.ErrDecode, err)
		}
		data = raw
	}

	if len(data) < 7 {
		return nil, decodeErrf("pack too short")
	}
	if string(data[0:4]) != types.PackMagic {
		return nil, decodeErrf("bad pack magic")
	}
	if data[4] != types.FormatVersion {
		return nil, decodeErrf("unsupported pack version %d", data[4])
	}
	idLen := int(binary.LittleEndian.Uint16(data[5:7]))
	headerSize := 7 + idLen + 8 + 8 + 4
	if len(data) < headerSize {
		return nil, decodeErrf("truncated pack header")
	}
	instanceID := string(data[7 : 7+idLen])
	p := 7 + idLen
	startSeq := binary.LittleEndian.Uint64(data[p:])
	endSeq := binary.LittleEndian.Uint64(data[p+8:])
	count := int(binary.LittleEndian.Uint32(data[p+16:]))

	if endSeq < startSeq || count != int(endSeq-startSeq+1) {
		return nil, decodeErrf("inconsistent pack range [%d,%d] count %d", startSeq, endSeq, count)
	}
	indexEnd := headerSize + count*packIndexEntrySize
	if len(data) < indexEnd {
		return nil, decodeErrf("truncated pack index")
	}

	payloads := data[indexEnd:]
	recs := make([]types.UpdateRecord, 0, count)
	for i := 0; i < count; i++ {
		e := data[headerSize+i*packIndexEntrySize:]
		seq := binary.LittleEndian.Uint64(e[0:8])
		off := binary.LittleEndian.Uint64(e[8:16])
		length := binary.LittleEndian.Uint32(e[16:20])
		ts := int64(binary.LittleEndian.Uint64(e[20:28]))

		if seq != startSeq+uint64(i) {
			return nil, decodeErrf("pack index out of order at entry %d", i)
		}
		if off+uint64(length) > uint64(len(payloads)) {
			return nil, decodeErrf("pack payload out of bounds at entry %d", i)
		}
		payload := make([]byte, length)
		copy(payload, payloads[off:off+uint64(length)])
		recs = append(recs, types.UpdateRecord{
			InstanceID: instanceID,
			Sequence:   seq,
			Timestamp:  ts,
			Payload:    payload,
		})
	}

	return &Pack{InstanceID: instanceID, StartSeq: startSeq, EndSeq: endSeq, Records: recs}, nil
}
