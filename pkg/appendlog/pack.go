package appendlog

import (
	"fmt"
	"path/filepath"

	"github.com/hashicorp/go-multierror"

	"github.com/drewcsillag/notecove/pkg/codec"
	"github.com/drewcsillag/notecove/pkg/metrics"
	"github.com/drewcsillag/notecove/pkg/types"
)

// PackOnce runs one packing cycle over every note stream and the
// folder stream. Source update files are left in place; GC removes
// them once a snapshot dominates them.
func (m *Manager) PackOnce() error {
	metrics.PackCyclesTotal.Inc()

	notes, err := m.ListNotes()
	if err != nil {
		return fmt.Errorf("list notes: %w", err)
	}

	var result *multierror.Error
	for _, noteID := range notes {
		if m.yieldToSnapshots() {
			return result.ErrorOrNil()
		}
		if err := m.packStream(noteDirs(m.root, noteID)); err != nil {
			result = multierror.Append(result, fmt.Errorf("pack note %s: %w", noteID, err))
		}
	}
	if m.yieldToSnapshots() {
		return result.ErrorOrNil()
	}
	if err := m.packStream(folderDirs(m.root)); err != nil {
		result = multierror.Append(result, fmt.Errorf("pack folders: %w", err))
	}
	return result.ErrorOrNil()
}

// packStream builds at most one pack per instance per cycle: the
// longest contiguous run of eligible records above what packs already
// cover. Eligible means at least PackMinAge old, leaving the most
// recent PackKeepRecent records unpacked; a run shorter than
// PackMinRun is not worth a file.
func (m *Manager) packStream(dirs dirset) error {
	perInstance, err := m.collectUpdates(dirs)
	if err != nil {
		return err
	}
	if len(perInstance) == 0 {
		return nil
	}

	packedThrough := make(map[string]uint64)
	havePack := make(map[string]bool)
	if entries, err := m.listDir(dirs.packs); err == nil {
		for _, e := range entries {
			if inst, _, end, _, ok := codec.ParsePackFileName(e.Name); ok {
				if !havePack[inst] || end > packedThrough[inst] {
					packedThrough[inst] = end
					havePack[inst] = true
				}
			}
		}
	}

	cutoff := types.NowMillis() - types.PackMinAge.Milliseconds()

	var result *multierror.Error
	for instanceID, recs := range perInstance {
		if len(recs) <= types.PackKeepRecent {
			continue
		}
		eligible := recs[:len(recs)-types.PackKeepRecent]

		var run []types.UpdateRecord
		for _, lr := range eligible {
			if havePack[instanceID] && lr.rec.Sequence <= packedThrough[instanceID] {
				continue
			}
			if lr.rec.Timestamp > cutoff {
				break
			}
			if len(run) > 0 && lr.rec.Sequence != run[len(run)-1].Sequence+1 {
				// Packing stops at the first gap in the sequence.
				break
			}
			run = append(run, lr.rec)
		}
		if len(run) < types.PackMinRun {
			continue
		}

		data, err := codec.EncodePack(instanceID, run, m.compressPacks)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if err := m.fs.MkdirAll(dirs.packs); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		name := codec.PackFileName(instanceID, run[0].Sequence, run[len(run)-1].Sequence, m.compressPacks)
		if err := m.fs.WriteAtomic(filepath.Join(dirs.packs, name), data); err != nil {
			result = multierror.Append(result, fmt.Errorf("write pack %s: %w", name, err))
			continue
		}
		metrics.PacksCreated.Inc()
		m.logger.Debug().
			Str("instance_id", instanceID).
			Uint64("start_seq", run[0].Sequence).
			Uint64("end_seq", run[len(run)-1].Sequence).
			Msg("Pack written")
	}
	return result.ErrorOrNil()
}
