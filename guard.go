package smithy

import (
	"fmt"
	"io"
	"os"
)

// GuardedFile wraps an *os.File with the mtime it was observed to have when
// opened (or last reconciled), so a long-lived mount can detect another
// process having rewritten the region file out from under it.
//
// The chosen reconciliation policy (see SPEC_FULL.md's Open Question
// resolutions) is "refuse": Get never silently reloads, it reports the
// change and lets the caller decide, and Serialize via Flush refuses to
// overwrite a file it no longer recognizes.
type GuardedFile struct {
	path  string
	file  *os.File
	mtime int64
}

// OpenGuardedFile opens path with read access and, if writable is true,
// write access too. It never creates the file — the region file must
// already exist.
func OpenGuardedFile(path string, writable bool) (*GuardedFile, error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("smithy: opening backing file: %w", err)
	}
	g := &GuardedFile{path: path, file: f}
	if err := g.refreshMtime(); err != nil {
		f.Close()
		return nil, err
	}
	return g, nil
}

func (g *GuardedFile) refreshMtime() error {
	info, err := g.file.Stat()
	if err != nil {
		return fmt.Errorf("smithy: stat backing file: %w", err)
	}
	g.mtime = info.ModTime().UnixNano()
	return nil
}

// Changed reports whether the backing file's mtime differs from the value
// last recorded by this guard, without updating that value.
func (g *GuardedFile) Changed() (bool, error) {
	info, err := g.file.Stat()
	if err != nil {
		return false, fmt.Errorf("smithy: stat backing file: %w", err)
	}
	return info.ModTime().UnixNano() != g.mtime, nil
}

// Get returns (changed, file): whether the file was modified since the
// guard last recorded its mtime, and the underlying *os.File regardless.
// The caller decides what to do with a changed file; Get itself never
// reloads or resets the recorded mtime.
func (g *GuardedFile) Get() (bool, *os.File) {
	changed, err := g.Changed()
	if err != nil {
		// treat a failed stat as "changed" so callers don't proceed as if
		// nothing happened
		return true, g.file
	}
	return changed, g.file
}

// Flush refuses to write if the file changed since it was opened, per the
// "refuse" reconciliation policy; otherwise it hands the file to fn (which
// is expected to Truncate/WriteAt/Sync it) and re-records the resulting
// mtime.
func (g *GuardedFile) Flush(fn func(*os.File) error) error {
	if changed, err := g.Changed(); err != nil {
		return err
	} else if changed {
		return ErrBackingFileChanged
	}

	if err := fn(g.file); err != nil {
		return err
	}
	return g.refreshMtime()
}

// ReadAll reads the entire backing file from the start.
func (g *GuardedFile) ReadAll() ([]byte, error) {
	info, err := g.file.Stat()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, info.Size())
	if _, err := g.file.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

// Close closes the underlying file.
func (g *GuardedFile) Close() error {
	return g.file.Close()
}
