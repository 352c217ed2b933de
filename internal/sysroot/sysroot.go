// Package sysroot owns the on-disk storage root shared by the boot-time
// generator and interactive commands. One mount, two content-addressed
// namespaces: the commit store (root filesystem trees keyed by content
// hash) and the image store (an OCI image layout keyed by digest). Object
// liveness accounting lives here; deployment records live in index.json
// and are owned by the deploy package.
package sysroot

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	// DefaultRoot is where the storage root lives on a real system.
	DefaultRoot = "/sysroot/bootkit"

	lockFile  = "lock"
	indexFile = "index.json"

	commitsDir = "commits"
	imagesDir  = "images"
	runDir     = "run"

	rebootMarker = "reboot-requested"
)

type Sysroot struct {
	root string
	log  *slog.Logger

	commits *CommitStore
	images  *ImageStore
}

// Open opens the storage root at path, creating the layout on first use.
// Layout creation is tmpdir-then-rename so a crash mid-initialization never
// leaves a half-built root under the final name.
func Open(path string, log *slog.Logger) (*Sysroot, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := ensureLayout(path); err != nil {
		return nil, fmt.Errorf("initializing storage root %s: %w", path, err)
	}

	images, err := openImageStore(filepath.Join(path, imagesDir), log)
	if err != nil {
		return nil, err
	}

	s := &Sysroot{
		root:    path,
		log:     log,
		commits: openCommitStore(filepath.Join(path, commitsDir), log),
		images:  images,
	}
	return s, nil
}

func ensureLayout(root string) error {
	if _, err := os.Stat(filepath.Join(root, commitsDir)); err == nil {
		for _, d := range []string{runDir, originsDir} {
			if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
				return err
			}
		}
		return nil
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	tmp := filepath.Join(root, commitsDir+".tmp")
	if err := os.RemoveAll(tmp); err != nil {
		return err
	}
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(root, commitsDir)); err != nil {
		return err
	}
	for _, d := range []string{imagesDir, runDir, originsDir} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sysroot) Root() string          { return s.root }
func (s *Sysroot) Commits() *CommitStore { return s.commits }
func (s *Sysroot) Images() *ImageStore   { return s.images }

func (s *Sysroot) path(elem ...string) string {
	return filepath.Join(append([]string{s.root}, elem...)...)
}

// RequestReboot records that a reboot is wanted. The caller (or an external
// supervisor) performs the actual reboot; this subsystem never does.
func (s *Sysroot) RequestReboot(reason string) error {
	return writeFileAtomic(s.path(runDir, rebootMarker), []byte(reason+"\n"), 0o644)
}

func (s *Sysroot) RebootRequested() bool {
	_, err := os.Stat(s.path(runDir, rebootMarker))
	return err == nil
}

func (s *Sysroot) ClearRebootRequest() error {
	err := os.Remove(s.path(runDir, rebootMarker))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
