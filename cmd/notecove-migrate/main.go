package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/drewcsillag/notecove/pkg/codec"
	"github.com/drewcsillag/notecove/pkg/types"
)

var (
	sdPath = flag.String("sd", "", "Storage directory to migrate")
	dryRun = flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	keep   = flag.Bool("keep-legacy", false, "Keep legacy .yjson files after migration (default: remove)")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("NoteCove Storage Migration Tool - .yjson → .crdtlog, .sd-id → SD_ID")
	log.Println("===================================================================")

	if *sdPath == "" {
		log.Fatal("--sd is required")
	}
	if _, err := os.Stat(*sdPath); err != nil {
		log.Fatalf("Storage directory not accessible: %v", err)
	}

	log.Printf("Storage directory: %s", *sdPath)
	log.Printf("Dry run: %v", *dryRun)

	if err := migrateSDID(*sdPath, *dryRun); err != nil {
		log.Fatalf("SD_ID migration failed: %v", err)
	}

	migrated, err := migrateLegacyUpdates(*sdPath, *dryRun, *keep)
	if err != nil {
		log.Fatalf("Update migration failed: %v", err)
	}

	if *dryRun {
		log.Println("\nDry run completed. No changes made.")
		log.Println("Run without --dry-run to perform the migration.")
	} else {
		log.Printf("\n✓ Migration completed: %d legacy update files converted", migrated)
	}
}

// migrateSDID moves the legacy .sd-id identity file into SD_ID. The
// legacy value wins when both exist and disagree, matching what the
// engine does on SD open.
func migrateSDID(root string, dryRun bool) error {
	legacyPath := filepath.Join(root, types.LegacySDIDFileName)
	idPath := filepath.Join(root, types.SDIDFileName)

	legacy, err := os.ReadFile(legacyPath)
	if os.IsNotExist(err) {
		log.Println("✓ No legacy .sd-id file found")
		return nil
	}
	if err != nil {
		return err
	}

	id := strings.TrimSpace(string(legacy))
	current, err := os.ReadFile(idPath)
	if err == nil && strings.TrimSpace(string(current)) == id {
		log.Println("✓ SD_ID already matches .sd-id")
		return nil
	}

	log.Printf("Migrating .sd-id → SD_ID (%s)", id)
	if dryRun {
		return nil
	}
	if err := writeAtomic(idPath, []byte(id)); err != nil {
		return err
	}
	return nil
}

// migrateLegacyUpdates rewrites one-record-per-file .yjson updates
// into batched .crdtlog files, one per (note, instance), preserving
// sequence order.
func migrateLegacyUpdates(root string, dryRun, keepLegacy bool) (int, error) {
	notesDir := filepath.Join(root, "notes")
	noteEntries, err := os.ReadDir(notesDir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	total := 0
	for _, ne := range noteEntries {
		if !ne.IsDir() {
			continue
		}
		n, err := migrateNoteUpdates(filepath.Join(notesDir, ne.Name(), "updates"), dryRun, keepLegacy)
		if err != nil {
			return total, fmt.Errorf("note %s: %w", ne.Name(), err)
		}
		total += n
	}
	return total, nil
}

type legacyFile struct {
	name     string
	instance string
	seq      uint64
}

func migrateNoteUpdates(updatesDir string, dryRun, keepLegacy bool) (int, error) {
	entries, err := os.ReadDir(updatesDir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	perInstance := make(map[string][]legacyFile)
	for _, e := range entries {
		if inst, seq, ok := codec.ParseLegacyUpdateFileName(e.Name()); ok {
			perInstance[inst] = append(perInstance[inst], legacyFile{name: e.Name(), instance: inst, seq: seq})
		}
	}
	if len(perInstance) == 0 {
		return 0, nil
	}

	migrated := 0
	for inst, files := range perInstance {
		sort.Slice(files, func(i, j int) bool { return files[i].seq < files[j].seq })

		// The batch lands in a file index above any existing one so it
		// cannot collide with a live writer's current file.
		nextIndex := uint64(0)
		for _, e := range entries {
			if i2, idx, ok := codec.ParseUpdateFileName(e.Name()); ok && i2 == inst && idx >= nextIndex {
				nextIndex = idx + 1
			}
		}

		target := filepath.Join(updatesDir, codec.UpdateFileName(inst, nextIndex))
		log.Printf("  %s: %d legacy files → %s", inst, len(files), filepath.Base(target))
		if dryRun {
			migrated += len(files)
			continue
		}

		var batch []byte
		for _, lf := range files {
			path := filepath.Join(updatesDir, lf.name)
			payload, err := os.ReadFile(path)
			if err != nil {
				return migrated, err
			}
			info, err := os.Stat(path)
			if err != nil {
				return migrated, err
			}
			rec := types.UpdateRecord{
				InstanceID: inst,
				Sequence:   lf.seq,
				Timestamp:  info.ModTime().UnixMilli(),
				Payload:    payload,
			}
			batch = append(batch, codec.EncodeRecord(rec, types.StatusReady)...)
		}
		if err := writeAtomic(target, batch); err != nil {
			return migrated, err
		}
		if !keepLegacy {
			for _, lf := range files {
				if err := os.Remove(filepath.Join(updatesDir, lf.name)); err != nil {
					log.Printf("  warning: could not remove %s: %v", lf.name, err)
				}
			}
		}
		migrated += len(files)
	}
	return migrated, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
