package media

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/drewcsillag/notecove/pkg/appendlog"
	"github.com/drewcsillag/notecove/pkg/fsadapter"
	"github.com/drewcsillag/notecove/pkg/log"
	"github.com/drewcsillag/notecove/pkg/metacache"
	"github.com/drewcsillag/notecove/pkg/types"
)

// ScanSD walks an SD's media directory and registers any blob the
// metadata cache has no record of. Peers deliver media files on their
// own schedule, so a file can exist well before any local registration;
// discovery scans close the gap lazily.
func ScanSD(fs fsadapter.FS, cache *metacache.Cache, sdID, root string) (registered int, err error) {
	dir := filepath.Join(root, appendlog.MediaDirName)
	entries, err := fs.List(dir)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}

	logger := log.WithComponent("media").With().Str("sd_id", sdID).Logger()
	for _, e := range entries {
		if e.IsDir {
			continue
		}
		ext := filepath.Ext(e.Name)
		id, idErr := types.NormalizeImageID(strings.TrimSuffix(e.Name, ext))
		if idErr != nil {
			logger.Debug().Str("file", e.Name).Msg("Skipping non-media file")
			continue
		}
		if _, getErr := cache.GetMedia(id); getErr == nil {
			continue
		}
		rec := &metacache.MediaRecord{
			ID:           id,
			SDID:         sdID,
			Ext:          strings.TrimPrefix(ext, "."),
			Size:         e.Size,
			RegisteredAt: types.NowMillis(),
		}
		if regErr := cache.RegisterMedia(rec); regErr != nil {
			logger.Error().Err(regErr).Str("file", e.Name).Msg("Failed to register media blob")
			continue
		}
		registered++
	}
	if registered > 0 {
		logger.Info().Int("registered", registered).Msg("Media scan registered new blobs")
	}
	return registered, nil
}

// BlobPath returns the on-disk path of a media blob.
func BlobPath(root, imageID, ext string) string {
	return filepath.Join(root, appendlog.MediaDirName, imageID+"."+ext)
}
