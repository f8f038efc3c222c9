package health

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/drewcsillag/notecove/pkg/fsadapter"
	"github.com/drewcsillag/notecove/pkg/types"
)

// SDProbe checks a storage directory by writing, reading back and
// removing a probe file at its root. A cloud-storage mount that has
// gone away (or read-only) fails the round trip.
type SDProbe struct {
	fs   fsadapter.FS
	root string
}

// NewSDProbe creates a probe for the SD rooted at root.
func NewSDProbe(fs fsadapter.FS, root string) *SDProbe {
	return &SDProbe{fs: fs, root: root}
}

// Type returns the check type.
func (p *SDProbe) Type() CheckType {
	return CheckTypeSDProbe
}

// Check performs one write/read/remove round trip.
func (p *SDProbe) Check(ctx context.Context) Result {
	start := time.Now()
	res := Result{CheckedAt: start}

	done := make(chan error, 1)
	go func() {
		done <- p.roundTrip()
	}()

	select {
	case err := <-done:
		res.Duration = time.Since(start)
		if err != nil {
			res.Message = err.Error()
			return res
		}
		res.Healthy = true
		return res
	case <-ctx.Done():
		res.Duration = time.Since(start)
		res.Message = "probe timed out"
		return res
	}
}

func (p *SDProbe) roundTrip() error {
	path := filepath.Join(p.root, ".health-probe")
	payload := []byte(fmt.Sprintf("%d", time.Now().UnixNano()))

	if err := p.fs.WriteAtomic(path, payload); err != nil {
		return fmt.Errorf("probe write: %w", err)
	}
	data, err := p.fs.Read(path)
	if err != nil {
		return fmt.Errorf("probe read: %w", err)
	}
	if string(data) != string(payload) {
		return errors.New("probe read back different content")
	}
	if err := p.fs.Remove(path); err != nil && !errors.Is(err, types.ErrNotFound) {
		return fmt.Errorf("probe remove: %w", err)
	}
	return nil
}
