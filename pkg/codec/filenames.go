package codec

import (
	"fmt"
	"strconv"
	"strings"
)

// On-disk file name formats:
//
//	updates/<instanceId>_<fileIndex>.crdtlog
//	updates/<instanceId>_<sequence>-<rand>.yjson   (legacy, read-only)
//	packs/<instanceId>_<startSeq>-<endSeq>.yjson[.zst]
//	snapshots/<timestamp>-<totalChanges>.snapshot
//	.activity/<instanceId>.log
const (
	UpdateFileExt   = ".crdtlog"
	LegacyFileExt   = ".yjson"
	PackFileExt     = ".yjson"
	PackZstExt      = ".yjson.zst"
	SnapshotFileExt = ".snapshot"
	ActivityLogExt  = ".log"
)

// UpdateFileName formats a batched update log file name.
func UpdateFileName(instanceID string, fileIndex uint64) string {
	return fmt.Sprintf("%s_%d%s", instanceID, fileIndex, UpdateFileExt)
}

// ParseUpdateFileName parses "<instanceId>_<fileIndex>.crdtlog".
func ParseUpdateFileName(name string) (instanceID string, fileIndex uint64, ok bool) {
	base, found := strings.CutSuffix(name, UpdateFileExt)
	if !found {
		return "", 0, false
	}
	i := strings.LastIndexByte(base, '_')
	if i <= 0 {
		return "", 0, false
	}
	idx, err := strconv.ParseUint(base[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return base[:i], idx, true
}

// ParseLegacyUpdateFileName parses the one-update-per-file legacy name
// "<instanceId>_<sequence>-<rand>.yjson". The random suffix exists to
// avoid same-millisecond collisions in the legacy writer.
func ParseLegacyUpdateFileName(name string) (instanceID string, sequence uint64, ok bool) {
	base, found := strings.CutSuffix(name, LegacyFileExt)
	if !found {
		return "", 0, false
	}
	u := strings.LastIndexByte(base, '_')
	if u <= 0 {
		return "", 0, false
	}
	seqAndRand := base[u+1:]
	d := strings.IndexByte(seqAndRand, '-')
	if d <= 0 {
		return "", 0, false
	}
	seq, err := strconv.ParseUint(seqAndRand[:d], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return base[:u], seq, true
}

// PackFileName formats a pack file name, with the .zst suffix when the
// pack body is zstd-framed.
func PackFileName(instanceID string, startSeq, endSeq uint64, compressed bool) string {
	ext := PackFileExt
	if compressed {
		ext = PackZstExt
	}
	return fmt.Sprintf("%s_%d-%d%s", instanceID, startSeq, endSeq, ext)
}

// ParsePackFileName parses "<instanceId>_<startSeq>-<endSeq>.yjson[.zst]".
func ParsePackFileName(name string) (instanceID string, startSeq, endSeq uint64, compressed, ok bool) {
	base := name
	if b, found := strings.CutSuffix(name, PackZstExt); found {
		base, compressed = b, true
	} else if b, found := strings.CutSuffix(name, PackFileExt); found {
		base = b
	} else {
		return "", 0, 0, false, false
	}
	u := strings.LastIndexByte(base, '_')
	if u <= 0 {
		return "", 0, 0, false, false
	}
	rng := base[u+1:]
	d := strings.IndexByte(rng, '-')
	if d <= 0 {
		return "", 0, 0, false, false
	}
	start, err1 := strconv.ParseUint(rng[:d], 10, 64)
	end, err2 := strconv.ParseUint(rng[d+1:], 10, 64)
	if err1 != nil || err2 != nil || end < start {
		return "", 0, 0, false, false
	}
	return base[:u], start, end, compressed, true
}

// SnapshotFileName formats "<timestamp>-<totalChanges>.snapshot".
func SnapshotFileName(createdAt int64, totalChanges uint64) string {
	return fmt.Sprintf("%d-%d%s", createdAt, totalChanges, SnapshotFileExt)
}

// ParseSnapshotFileName parses "<timestamp>-<totalChanges>.snapshot".
func ParseSnapshotFileName(name string) (createdAt int64, totalChanges uint64, ok bool) {
	base, found := strings.CutSuffix(name, SnapshotFileExt)
	if !found {
		return 0, 0, false
	}
	d := strings.IndexByte(base, '-')
	if d <= 0 {
		return 0, 0, false
	}
	ts, err1 := strconv.ParseInt(base[:d], 10, 64)
	tc, err2 := strconv.ParseUint(base[d+1:], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return ts, tc, true
}

// ActivityLogName formats "<instanceId>.log".
func ActivityLogName(instanceID string) string {
	return instanceID + ActivityLogExt
}

// ParseActivityLogName parses "<instanceId>.log".
func ParseActivityLogName(name string) (instanceID string, ok bool) {
	base, found := strings.CutSuffix(name, ActivityLogExt)
	if !found || base == "" {
		return "", false
	}
	return base, true
}
