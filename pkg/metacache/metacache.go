package metacache

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/drewcsillag/notecove/pkg/types"
)

var (
	// Bucket names
	bucketNotes       = []byte("notes")
	bucketTags        = []byte("tags")
	bucketNoteTags    = []byte("note_tags")
	bucketMedia       = []byte("media")
	bucketSDs         = []byte("sds")
	bucketSyncOffsets = []byte("sync_offsets")
)

// SDRecord describes a registered storage directory.
type SDRecord struct {
	ID     string `json:"id"`
	Path   string `json:"path"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// MediaRecord describes a registered media blob.
type MediaRecord struct {
	ID           string `json:"id"`
	SDID         string `json:"sdId"`
	Ext          string `json:"ext"`
	Size         int64  `json:"size"`
	RegisteredAt int64  `json:"registeredAt"`
}

// Cache is the BoltDB-backed metadata cache. The CRDT documents are
// authoritative; the cache is a queryable projection for listing and
// search, plus small engine state that must survive restarts (sync
// offsets, SD registry, media registry).
type Cache struct {
	db *bolt.DB
}

// Open opens (creating if needed) the cache database at dbPath.
func Open(dbPath string) (*Cache, error) {
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata cache: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketNotes,
			bucketTags,
			bucketNoteTags,
			bucketMedia,
			bucketSDs,
			bucketSyncOffsets,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Cache{db: db}, nil
}

// Close closes the database
func (c *Cache) Close() error {
	return c.db.Close()
}

// Note operations

// UpsertNote creates or replaces a note's cached metadata.
func (c *Cache) UpsertNote(md *types.NoteMetadata) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNotes)
		data, err := json.Marshal(md)
		if err != nil {
			return err
		}
		return b.Put([]byte(md.ID), data)
	})
}

// GetNote returns a note's cached metadata.
func (c *Cache) GetNote(id string) (*types.NoteMetadata, error) {
	var md types.NoteMetadata
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNotes).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("note %s: %w", id, types.ErrNotFound)
		}
		return json.Unmarshal(data, &md)
	})
	if err != nil {
		return nil, err
	}
	return &md, nil
}

// ListNotes returns all cached notes.
func (c *Cache) ListNotes() ([]*types.NoteMetadata, error) {
	var notes []*types.NoteMetadata
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNotes).ForEach(func(k, v []byte) error {
			var md types.NoteMetadata
			if err := json.Unmarshal(v, &md); err != nil {
				return err
			}
			notes = append(notes, &md)
			return nil
		})
	})
	return notes, err
}

// ListNotesBySD returns cached notes belonging to one SD.
func (c *Cache) ListNotesBySD(sdID string) ([]*types.NoteMetadata, error) {
	all, err := c.ListNotes()
	if err != nil {
		return nil, err
	}
	var out []*types.NoteMetadata
	for _, md := range all {
		if md.SDID == sdID {
			out = append(out, md)
		}
	}
	return out, nil
}

// SearchNotes returns notes whose title or preview contains the query,
// case-insensitively. Deleted notes are excluded.
func (c *Cache) SearchNotes(query string) ([]*types.NoteMetadata, error) {
	all, err := c.ListNotes()
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	var out []*types.NoteMetadata
	for _, md := range all {
		if md.Deleted {
			continue
		}
		if strings.Contains(strings.ToLower(md.TitleText), q) ||
			strings.Contains(strings.ToLower(md.ContentPreview), q) {
			out = append(out, md)
		}
	}
	return out, nil
}

// DeleteNote removes a note from the cache.
func (c *Cache) DeleteNote(id string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNotes).Delete([]byte(id))
	})
}

// Tag operations

// AddTag relates a tag to a note.
func (c *Cache) AddTag(noteID, tag string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketTags).Put(tagKey(tag, noteID), nil); err != nil {
			return err
		}
		return tx.Bucket(bucketNoteTags).Put(tagKey(noteID, tag), nil)
	})
}

// RemoveTag removes a tag relation.
func (c *Cache) RemoveTag(noteID, tag string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketTags).Delete(tagKey(tag, noteID)); err != nil {
			return err
		}
		return tx.Bucket(bucketNoteTags).Delete(tagKey(noteID, tag))
	})
}

// ListTags returns the tags on one note.
func (c *Cache) ListTags(noteID string) ([]string, error) {
	return c.scanPrefix(bucketNoteTags, noteID)
}

// ListNotesByTag returns the note IDs carrying a tag.
func (c *Cache) ListNotesByTag(tag string) ([]string, error) {
	return c.scanPrefix(bucketTags, tag)
}

func tagKey(a, b string) []byte {
	return []byte(a + "\x00" + b)
}

func (c *Cache) scanPrefix(bucket []byte, prefix string) ([]string, error) {
	var out []string
	p := []byte(prefix + "\x00")
	err := c.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(bucket).Cursor()
		for k, _ := cur.Seek(p); k != nil && strings.HasPrefix(string(k), string(p)); k, _ = cur.Next() {
			out = append(out, string(k[len(p):]))
		}
		return nil
	})
	return out, err
}

// Media operations

// RegisterMedia upserts a media blob record. Discovery scans call this
// for any file a peer delivered before this instance had a record.
func (c *Cache) RegisterMedia(m *MediaRecord) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMedia).Put([]byte(m.ID), data)
	})
}

// GetMedia returns a media record.
func (c *Cache) GetMedia(id string) (*MediaRecord, error) {
	var m MediaRecord
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMedia).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("media %s: %w", id, types.ErrNotFound)
		}
		return json.Unmarshal(data, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// SD registry operations

// UpsertSD creates or replaces an SD record.
func (c *Cache) UpsertSD(sd *SDRecord) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(sd)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSDs).Put([]byte(sd.ID), data)
	})
}

// GetSD returns an SD record.
func (c *Cache) GetSD(id string) (*SDRecord, error) {
	var sd SDRecord
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSDs).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("sd %s: %w", id, types.ErrNotFound)
		}
		return json.Unmarshal(data, &sd)
	})
	if err != nil {
		return nil, err
	}
	return &sd, nil
}

// ListSDs returns all registered SDs.
func (c *Cache) ListSDs() ([]*SDRecord, error) {
	var sds []*SDRecord
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSDs).ForEach(func(k, v []byte) error {
			var sd SDRecord
			if err := json.Unmarshal(v, &sd); err != nil {
				return err
			}
			sds = append(sds, &sd)
			return nil
		})
	})
	return sds, err
}

// DeleteSD removes an SD record.
func (c *Cache) DeleteSD(id string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSDs).Delete([]byte(id))
	})
}

// Sync offset operations

// GetSyncOffset returns the persisted applied-through offset for a
// peer's activity log, or 0 when the peer has never been synced.
func (c *Cache) GetSyncOffset(sdID, instanceID string) (int64, error) {
	var offset int64
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSyncOffsets).Get(offsetKey(sdID, instanceID))
		if data != nil && len(data) == 8 {
			offset = int64(binary.LittleEndian.Uint64(data))
		}
		return nil
	})
	return offset, err
}

// SetSyncOffset persists the applied-through offset for a peer log.
func (c *Cache) SetSyncOffset(sdID, instanceID string, offset int64) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(offset))
		return tx.Bucket(bucketSyncOffsets).Put(offsetKey(sdID, instanceID), buf[:])
	})
}

func offsetKey(sdID, instanceID string) []byte {
	return []byte(sdID + "\x00" + instanceID)
}
