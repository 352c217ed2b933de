package sysroot

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/bootkit-org/bootkit/models"
)

// CommitStore keeps immutable root filesystem trees keyed by content hash.
// Identical trees always produce identical commit ids, so a re-created
// commit is deduplicated for free. Reference counts are tracked per commit;
// GC only ever removes commits with zero references that are not in the
// caller-supplied live set.
type CommitStore struct {
	dir string
	log *slog.Logger
}

const commitRefsFile = "refs.json"

func openCommitStore(dir string, log *slog.Logger) *CommitStore {
	return &CommitStore{dir: dir, log: log}
}

// CreateCommit hashes the tree rooted at srcDir and commits it under its
// content hash. The tree is copied into a scratch directory and renamed
// into place, so a crash never exposes a partial tree under a final name.
func (c *CommitStore) CreateCommit(srcDir string) (string, error) {
	id, err := HashTree(srcDir)
	if err != nil {
		return "", fmt.Errorf("hashing tree %s: %w", srcDir, err)
	}

	final := filepath.Join(c.dir, id)
	if _, err := os.Stat(final); err == nil {
		c.log.Debug("commit already present", slog.String("commit", id))
		return id, nil
	}

	scratch := filepath.Join(c.dir, ".tmp-"+uuid.NewString())
	if err := copyTree(srcDir, scratch); err != nil {
		os.RemoveAll(scratch)
		return "", err
	}
	if err := os.Rename(scratch, final); err != nil {
		os.RemoveAll(scratch)
		return "", err
	}
	c.log.Debug("created commit", slog.String("commit", id))
	return id, nil
}

// ReadCommit returns the path of the committed tree.
func (c *CommitStore) ReadCommit(id string) (string, error) {
	if !validCommitID(id) {
		return "", models.Userf("malformed commit id %q", id)
	}
	p := filepath.Join(c.dir, id)
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("commit %s not present: %w", id, err)
		}
		return "", err
	}
	return p, nil
}

func (c *CommitStore) Has(id string) bool {
	_, err := os.Stat(filepath.Join(c.dir, id))
	return err == nil
}

// List enumerates every commit in the store, scratch dirs excluded.
func (c *CommitStore) List() ([]string, error) {
	ents, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range ents {
		if e.IsDir() && validCommitID(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (c *CommitStore) Pin(id string) error   { return c.bumpRef(id, 1) }
func (c *CommitStore) Unpin(id string) error { return c.bumpRef(id, -1) }

func (c *CommitStore) bumpRef(id string, delta int) error {
	refs, err := c.loadRefs()
	if err != nil {
		return err
	}
	n := refs[id] + delta
	if n < 0 {
		n = 0
	}
	if n == 0 {
		delete(refs, id)
	} else {
		refs[id] = n
	}
	return c.saveRefs(refs)
}

func (c *CommitStore) RefCount(id string) (int, error) {
	refs, err := c.loadRefs()
	if err != nil {
		return 0, err
	}
	return refs[id], nil
}

// GC removes commits that are unreferenced and outside the live set.
// Returns the reclaimed commit ids.
func (c *CommitStore) GC(live map[string]bool) ([]string, error) {
	refs, err := c.loadRefs()
	if err != nil {
		return nil, err
	}
	ids, err := c.List()
	if err != nil {
		return nil, err
	}
	var reclaimed []string
	for _, id := range ids {
		if refs[id] > 0 || live[id] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.dir, id)); err != nil {
			return reclaimed, err
		}
		reclaimed = append(reclaimed, id)
		c.log.Info("reclaimed commit", slog.String("commit", id))
	}
	// Also sweep scratch dirs left behind by an interrupted CreateCommit.
	ents, err := os.ReadDir(c.dir)
	if err != nil {
		return reclaimed, err
	}
	for _, e := range ents {
		if e.IsDir() && strings.HasPrefix(e.Name(), ".tmp-") {
			os.RemoveAll(filepath.Join(c.dir, e.Name()))
		}
	}
	return reclaimed, nil
}

func (c *CommitStore) loadRefs() (map[string]int, error) {
	data, err := os.ReadFile(filepath.Join(c.dir, commitRefsFile))
	if os.IsNotExist(err) {
		return map[string]int{}, nil
	}
	if err != nil {
		return nil, err
	}
	refs := map[string]int{}
	if err := json.Unmarshal(data, &refs); err != nil {
		return nil, models.Corruptf("unreadable commit refcounts: %s", err)
	}
	return refs, nil
}

func (c *CommitStore) saveRefs(refs map[string]int) error {
	data, err := json.MarshalIndent(refs, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(c.dir, commitRefsFile), append(data, '\n'), 0o644)
}

func validCommitID(id string) bool {
	if len(id) != 64 {
		return false
	}
	for _, r := range id {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// HashTree computes the content hash of a directory tree. The hash covers
// relative paths, file modes, symlink targets and file contents in sorted
// path order, so it is independent of filesystem enumeration order.
func HashTree(root string) (string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p != root {
			paths = append(paths, p)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(paths)

	digester := digest.Canonical.Digester()
	h := digester.Hash()
	for _, p := range paths {
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return "", err
		}
		info, err := os.Lstat(p)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s\x00%o\x00", filepath.ToSlash(rel), info.Mode())
		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return "", err
			}
			fmt.Fprintf(h, "%s\x00", target)
		case info.Mode().IsRegular():
			f, err := os.Open(p)
			if err != nil {
				return "", err
			}
			if _, err := io.Copy(h, f); err != nil {
				f.Close()
				return "", err
			}
			f.Close()
			fmt.Fprint(h, "\x00")
		}
	}
	return digester.Digest().Encoded(), nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			in, err := os.Open(p)
			if err != nil {
				return err
			}
			defer in.Close()
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, in); err != nil {
				out.Close()
				return err
			}
			return out.Close()
		default:
			// Device nodes and the like are not expected in image trees.
			return nil
		}
	})
}
