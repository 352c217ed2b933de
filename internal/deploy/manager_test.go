package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/carlmjohnson/be"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/bootkit-org/bootkit/internal/bound"
	"github.com/bootkit-org/bootkit/internal/kargs"
	"github.com/bootkit-org/bootkit/internal/sysroot"
	"github.com/bootkit-org/bootkit/internal/sysroot/storetest"
	"github.com/bootkit-org/bootkit/models"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePuller satisfies bound.Puller by pushing a synthetic image into
// the real store.
type fakePuller struct {
	t     *testing.T
	store *sysroot.ImageStore

	mu    sync.Mutex
	calls map[string]int
	fail  map[string]bool
}

func newFakePuller(t *testing.T, store *sysroot.ImageStore) *fakePuller {
	return &fakePuller{t: t, store: store, calls: map[string]int{}, fail: map[string]bool{}}
}

func (p *fakePuller) Pull(ctx context.Context, ref string) (v1.Descriptor, error) {
	p.mu.Lock()
	p.calls[ref]++
	failing := p.fail[ref]
	p.mu.Unlock()
	if failing {
		return v1.Descriptor{}, fmt.Errorf("registry unavailable for %s", ref)
	}
	return storetest.PushImage(p.t, ctx, p.store.Target(), ref, map[string]string{"ref": ref}), nil
}

func testManager(t *testing.T) (*Manager, *fakePuller) {
	t.Helper()
	sys, err := sysroot.Open(t.TempDir(), discard())
	be.NilErr(t, err)
	puller := newFakePuller(t, sys.Images())
	recon := bound.NewReconciler(sys.Images(), puller, discard())
	return NewManager(sys, recon, discard()), puller
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		p := filepath.Join(dir, name)
		be.NilErr(t, os.MkdirAll(filepath.Dir(p), 0o755))
		be.NilErr(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return dir
}

// stage pushes ref as the origin image and stages a deployment whose
// tree contains files.
func stage(t *testing.T, m *Manager, ref string, files map[string]string, specs ...models.BoundImageSpec) *models.Deployment {
	t.Helper()
	ctx := context.Background()
	storetest.PushImage(t, ctx, m.Sysroot().Images().Target(), ref, files)
	d, err := m.Stage(ctx, StageRequest{
		ImageRef:    ref,
		TreeDir:     writeTree(t, files),
		BoundImages: specs,
	})
	be.NilErr(t, err)
	return d
}

func TestStage(t *testing.T) {
	t.Run("CreatesStagedDeployment", func(t *testing.T) {
		t.Parallel()
		m, _ := testManager(t)

		d := stage(t, m, "quay.io/acme/os:41", map[string]string{"etc/os-release": "41\n"})
		be.Equal(t, models.StateStaged, d.State)
		be.Equal(t, uint64(1), d.Serial)
		be.True(t, m.Sysroot().Commits().Has(d.Commit))

		// The tree identity rides on the kernel command line.
		be.Equal(t, fmt.Sprintf("%s=%s", CommitKarg, d.Commit), d.Kargs[len(d.Kargs)-1])

		// The commit and the origin image are pinned against collection.
		n, err := m.Sysroot().Commits().RefCount(d.Commit)
		be.NilErr(t, err)
		be.Equal(t, 1, n)
		n, err = m.Sysroot().Images().RefCount(d.PinnedImages[0])
		be.NilErr(t, err)
		be.Equal(t, 1, n)
	})

	t.Run("MergesKargFragments", func(t *testing.T) {
		t.Parallel()
		m, _ := testManager(t)
		ctx := context.Background()

		ref := "quay.io/acme/os:41"
		files := map[string]string{"etc/os-release": "41\n"}
		storetest.PushImage(t, ctx, m.Sysroot().Images().Target(), ref, files)

		lowDir := t.TempDir()
		highDir := t.TempDir()
		be.NilErr(t, os.WriteFile(filepath.Join(lowDir, "10-base.conf"), []byte("console=ttyS0\nquiet\n"), 0o644))
		be.NilErr(t, os.WriteFile(filepath.Join(highDir, "10-site.conf"), []byte("console=tty0\n"), 0o644))
		frags, err := kargs.LoadTiers([]string{lowDir, highDir}, discard())
		be.NilErr(t, err)

		d, err := m.Stage(ctx, StageRequest{ImageRef: ref, TreeDir: writeTree(t, files), KargFragments: frags})
		be.NilErr(t, err)
		be.DeepEqual(t, []string{"console=tty0", "quiet", fmt.Sprintf("%s=%s", CommitKarg, d.Commit)}, d.Kargs)
	})

	t.Run("PullsAndPinsBoundImages", func(t *testing.T) {
		t.Parallel()
		m, puller := testManager(t)

		d := stage(t, m, "quay.io/acme/os:41", map[string]string{"f": "1"},
			models.BoundImageSpec{Image: "quay.io/acme/agent:v3", Pull: models.PullIfNotPresent})

		be.Equal(t, 1, puller.calls["quay.io/acme/agent:v3"])
		be.Equal(t, 2, len(d.PinnedImages)) // origin plus one bound image

		state, _, err := m.Sysroot().Images().Present(context.Background(), "quay.io/acme/agent:v3")
		be.NilErr(t, err)
		be.Equal(t, models.ImagePresent, state)
	})

	t.Run("BoundImageFailureAbortsStage", func(t *testing.T) {
		t.Parallel()
		m, puller := testManager(t)
		ctx := context.Background()

		ref := "quay.io/acme/os:41"
		files := map[string]string{"f": "1"}
		storetest.PushImage(t, ctx, m.Sysroot().Images().Target(), ref, files)
		puller.fail["quay.io/acme/broken:v1"] = true

		_, err := m.Stage(ctx, StageRequest{
			ImageRef:    ref,
			TreeDir:     writeTree(t, files),
			BoundImages: []models.BoundImageSpec{{Image: "quay.io/acme/broken:v1", Pull: models.PullIfNotPresent}},
		})
		be.Nonzero(t, err)
		be.True(t, errors.Is(err, models.ErrNetworkTransient))

		// No record was created.
		idx, lerr := m.Sysroot().LoadIndex()
		be.NilErr(t, lerr)
		be.Zero(t, len(idx.Deployments))
	})

	t.Run("DigestMismatchIsUserError", func(t *testing.T) {
		t.Parallel()
		m, _ := testManager(t)
		ctx := context.Background()

		ref := "quay.io/acme/os:41"
		files := map[string]string{"f": "1"}
		storetest.PushImage(t, ctx, m.Sysroot().Images().Target(), ref, files)

		_, err := m.Stage(ctx, StageRequest{
			ImageRef:    ref,
			ImageDigest: digest.Digest("sha256:" + strings.Repeat("0", 64)),
			TreeDir:     writeTree(t, files),
		})
		be.Nonzero(t, err)
		be.True(t, errors.Is(err, models.ErrUser))

		idx, lerr := m.Sysroot().LoadIndex()
		be.NilErr(t, lerr)
		be.Zero(t, len(idx.Deployments))
	})

	t.Run("SupersedesPreviousStaged", func(t *testing.T) {
		t.Parallel()
		m, _ := testManager(t)

		first := stage(t, m, "quay.io/acme/os:41", map[string]string{"f": "41"})
		second := stage(t, m, "quay.io/acme/os:42", map[string]string{"f": "42"})

		idx, err := m.Sysroot().LoadIndex()
		be.NilErr(t, err)
		be.Equal(t, 2, len(idx.Deployments))
		be.Equal(t, second.Serial, idx.Staged().Serial)

		for _, d := range idx.Deployments {
			if d.Serial == first.Serial {
				be.Equal(t, models.StatePendingGC, d.State)
			}
		}
		// The superseded record no longer anchors its commit.
		n, err := m.Sysroot().Commits().RefCount(first.Commit)
		be.NilErr(t, err)
		be.Zero(t, n)
	})

	t.Run("MissingOriginImage", func(t *testing.T) {
		t.Parallel()
		m, _ := testManager(t)

		_, err := m.Stage(context.Background(), StageRequest{
			ImageRef: "quay.io/acme/absent:v1",
			TreeDir:  writeTree(t, map[string]string{"f": "1"}),
		})
		be.Nonzero(t, err)
	})

	t.Run("KargConflictAbortsBeforeAnyWork", func(t *testing.T) {
		t.Parallel()
		m, _ := testManager(t)

		frags := []kargs.Fragment{
			{Path: "/etc/a.conf", Tier: 1, Directives: []kargs.Directive{{Kind: kargs.Set, Key: "root", Value: "/dev/sda1", HasValue: true}}},
			{Path: "/etc/b.conf", Tier: 1, Directives: []kargs.Directive{{Kind: kargs.Set, Key: "root", Value: "/dev/sda2", HasValue: true}}},
		}
		_, err := m.Stage(context.Background(), StageRequest{
			ImageRef:      "quay.io/acme/os:41",
			TreeDir:       writeTree(t, map[string]string{"f": "1"}),
			KargFragments: frags,
		})
		be.Nonzero(t, err)
		be.True(t, errors.Is(err, models.ErrUser))
	})
}

func TestFinalizeBoot(t *testing.T) {
	t.Run("PromotesMatchingStaged", func(t *testing.T) {
		t.Parallel()
		m, _ := testManager(t)
		ctx := context.Background()

		d := stage(t, m, "quay.io/acme/os:41", map[string]string{"f": "41"})
		promoted, err := m.FinalizeBoot(ctx, d.Commit)
		be.NilErr(t, err)
		be.True(t, promoted)

		idx, err := m.Sysroot().LoadIndex()
		be.NilErr(t, err)
		be.Equal(t, d.Serial, idx.Booted().Serial)
		be.Zero(t, idx.Staged())
	})

	t.Run("DemotesPreviousBooted", func(t *testing.T) {
		t.Parallel()
		m, _ := testManager(t)
		ctx := context.Background()

		first := stage(t, m, "quay.io/acme/os:41", map[string]string{"f": "41"})
		_, err := m.FinalizeBoot(ctx, first.Commit)
		be.NilErr(t, err)

		second := stage(t, m, "quay.io/acme/os:42", map[string]string{"f": "42"})
		promoted, err := m.FinalizeBoot(ctx, second.Commit)
		be.NilErr(t, err)
		be.True(t, promoted)

		idx, err := m.Sysroot().LoadIndex()
		be.NilErr(t, err)
		be.Equal(t, second.Serial, idx.Booted().Serial)
		be.Equal(t, first.Serial, idx.DesignatedRollback().Serial)
	})

	t.Run("NoOpWithoutMatch", func(t *testing.T) {
		t.Parallel()
		m, _ := testManager(t)
		ctx := context.Background()

		d := stage(t, m, "quay.io/acme/os:41", map[string]string{"f": "41"})

		promoted, err := m.FinalizeBoot(ctx, "")
		be.NilErr(t, err)
		be.False(t, promoted)

		promoted, err = m.FinalizeBoot(ctx, strings.Repeat("0", 64))
		be.NilErr(t, err)
		be.False(t, promoted)

		// Repeating with the right commit still works afterwards.
		promoted, err = m.FinalizeBoot(ctx, d.Commit)
		be.NilErr(t, err)
		be.True(t, promoted)

		// And once promoted, finalizing again is harmless.
		promoted, err = m.FinalizeBoot(ctx, d.Commit)
		be.NilErr(t, err)
		be.False(t, promoted)
	})

	t.Run("ClearsRebootRequestAfterRollbackBoot", func(t *testing.T) {
		t.Parallel()
		m, _ := testManager(t)
		ctx := context.Background()

		first := stage(t, m, "quay.io/acme/os:41", map[string]string{"f": "41"})
		_, err := m.FinalizeBoot(ctx, first.Commit)
		be.NilErr(t, err)
		second := stage(t, m, "quay.io/acme/os:42", map[string]string{"f": "42"})
		_, err = m.FinalizeBoot(ctx, second.Commit)
		be.NilErr(t, err)

		target, err := m.Rollback(ctx)
		be.NilErr(t, err)
		be.True(t, m.Sysroot().RebootRequested())

		// The next boot lands on the rollback target; no staged record
		// matches, but the pending reboot is now done.
		promoted, err := m.FinalizeBoot(ctx, target.Commit)
		be.NilErr(t, err)
		be.False(t, promoted)
		be.False(t, m.Sysroot().RebootRequested())
	})
}

func TestRollback(t *testing.T) {
	t.Parallel()
	m, _ := testManager(t)
	ctx := context.Background()

	first := stage(t, m, "quay.io/acme/os:41", map[string]string{"f": "41"})
	_, err := m.FinalizeBoot(ctx, first.Commit)
	be.NilErr(t, err)
	second := stage(t, m, "quay.io/acme/os:42", map[string]string{"f": "42"})
	_, err = m.FinalizeBoot(ctx, second.Commit)
	be.NilErr(t, err)

	target, err := m.Rollback(ctx)
	be.NilErr(t, err)
	be.Equal(t, first.Serial, target.Serial)

	idx, err := m.Sysroot().LoadIndex()
	be.NilErr(t, err)
	be.Equal(t, first.Serial, idx.Booted().Serial)
	be.Equal(t, second.Serial, idx.DesignatedRollback().Serial)
	be.True(t, m.Sysroot().RebootRequested())

	// Rolling back again swaps back.
	target, err = m.Rollback(ctx)
	be.NilErr(t, err)
	be.Equal(t, second.Serial, target.Serial)
}

func TestRollbackWithoutTarget(t *testing.T) {
	t.Parallel()
	m, _ := testManager(t)
	ctx := context.Background()

	d := stage(t, m, "quay.io/acme/os:41", map[string]string{"f": "41"})
	_, err := m.FinalizeBoot(ctx, d.Commit)
	be.NilErr(t, err)

	_, err = m.Rollback(ctx)
	be.Nonzero(t, err)
	be.True(t, errors.Is(err, models.ErrUser))
}

func TestPrune(t *testing.T) {
	t.Parallel()
	m, _ := testManager(t)
	ctx := context.Background()

	// Three boot cycles leave two rollback records plus the booted one.
	var deployments []*models.Deployment
	for i := 41; i <= 43; i++ {
		d := stage(t, m, fmt.Sprintf("quay.io/acme/os:%d", i), map[string]string{"f": fmt.Sprint(i)})
		_, err := m.FinalizeBoot(ctx, d.Commit)
		be.NilErr(t, err)
		deployments = append(deployments, d)
	}

	res, err := m.Prune(ctx, 0)
	be.NilErr(t, err)

	// The booted and the designated rollback records survive; the oldest
	// rollback entry is collected along with its commit and origin image.
	be.DeepEqual(t, []string{deployments[0].ID()}, res.Marked)
	be.DeepEqual(t, []string{deployments[0].Commit}, res.ReclaimedCommits)
	be.DeepEqual(t, []string{"quay.io/acme/os:41"}, res.ReclaimedImages)

	idx, err := m.Sysroot().LoadIndex()
	be.NilErr(t, err)
	be.Equal(t, 2, len(idx.Deployments))
	be.False(t, m.Sysroot().Commits().Has(deployments[0].Commit))
	be.True(t, m.Sysroot().Commits().Has(deployments[1].Commit))
	be.True(t, m.Sysroot().Commits().Has(deployments[2].Commit))

	// A second pass finds nothing left to do.
	res, err = m.Prune(ctx, 0)
	be.NilErr(t, err)
	be.Zero(t, len(res.Marked))
	be.Zero(t, len(res.ReclaimedCommits))
}

func TestPruneRetention(t *testing.T) {
	t.Parallel()
	m, _ := testManager(t)
	ctx := context.Background()

	var deployments []*models.Deployment
	for i := 41; i <= 43; i++ {
		d := stage(t, m, fmt.Sprintf("quay.io/acme/os:%d", i), map[string]string{"f": fmt.Sprint(i)})
		_, err := m.FinalizeBoot(ctx, d.Commit)
		be.NilErr(t, err)
		deployments = append(deployments, d)
	}
	stage(t, m, "quay.io/acme/os:44", map[string]string{"f": "44"})

	// Records newest first: staged, booted, designated rollback, old
	// rollback. The three protected records count toward the window, so
	// at retention 1 the old rollback entry falls beyond the horizon.
	res, err := m.Prune(ctx, 1)
	be.NilErr(t, err)
	be.DeepEqual(t, []string{deployments[0].ID()}, res.Marked)

	idx, err := m.Sysroot().LoadIndex()
	be.NilErr(t, err)
	be.Equal(t, 3, len(idx.Deployments))

	// Only protected records remain; the same horizon is now a no-op.
	res, err = m.Prune(ctx, 1)
	be.NilErr(t, err)
	be.Zero(t, len(res.Marked))

	_, err = m.Prune(ctx, -1)
	be.Nonzero(t, err)
	be.True(t, errors.Is(err, models.ErrUser))
}

func TestGCCollectsSuperseded(t *testing.T) {
	t.Parallel()
	m, _ := testManager(t)
	ctx := context.Background()

	first := stage(t, m, "quay.io/acme/os:41", map[string]string{"f": "41"})
	stage(t, m, "quay.io/acme/os:42", map[string]string{"f": "42"})

	res, err := m.GC(ctx)
	be.NilErr(t, err)
	be.DeepEqual(t, []string{first.Commit}, res.ReclaimedCommits)

	idx, err := m.Sysroot().LoadIndex()
	be.NilErr(t, err)
	be.Equal(t, 1, len(idx.Deployments))
}

func TestStatus(t *testing.T) {
	t.Parallel()
	m, _ := testManager(t)
	ctx := context.Background()

	first := stage(t, m, "quay.io/acme/os:41", map[string]string{"f": "41"},
		models.BoundImageSpec{Image: "quay.io/acme/agent:v3", Pull: models.PullIfNotPresent})
	_, err := m.FinalizeBoot(ctx, first.Commit)
	be.NilErr(t, err)
	second := stage(t, m, "quay.io/acme/os:42", map[string]string{"f": "42"})

	st, err := m.Status(ctx)
	be.NilErr(t, err)
	be.Equal(t, models.StatusAPIVersion, st.APIVersion)
	be.Equal(t, 2, len(st.Deployments))
	be.False(t, st.RebootRequested)

	// Newest first.
	be.Equal(t, second.Serial, st.Deployments[0].Serial)
	be.Equal(t, models.StateStaged, st.Deployments[0].State)
	be.Equal(t, models.StateBooted, st.Deployments[1].State)

	be.Equal(t, 1, len(st.Deployments[1].BoundImages))
	be.Equal(t, models.ImagePresent, st.Deployments[1].BoundImages[0].State)
}

func TestFsck(t *testing.T) {
	t.Run("Healthy", func(t *testing.T) {
		t.Parallel()
		m, _ := testManager(t)
		stage(t, m, "quay.io/acme/os:41", map[string]string{"f": "41"})

		findings, err := m.Fsck(context.Background())
		be.NilErr(t, err)
		be.Zero(t, len(findings))
	})

	t.Run("MissingCommit", func(t *testing.T) {
		t.Parallel()
		m, _ := testManager(t)
		d := stage(t, m, "quay.io/acme/os:41", map[string]string{"f": "41"})

		be.NilErr(t, os.RemoveAll(filepath.Join(m.Sysroot().Root(), "commits", d.Commit)))

		findings, err := m.Fsck(context.Background())
		be.NilErr(t, err)
		be.Equal(t, 1, len(findings))
		be.Equal(t, d.ID(), findings[0].Deployment)
		be.True(t, strings.Contains(findings[0].Problem, "missing from commit store"))
	})

	t.Run("DuplicateBooted", func(t *testing.T) {
		t.Parallel()
		m, _ := testManager(t)

		idx, err := m.Sysroot().LoadIndex()
		be.NilErr(t, err)
		for serial := uint64(1); serial <= 2; serial++ {
			idx.Deployments = append(idx.Deployments, &models.Deployment{
				Serial:   serial,
				Commit:   strings.Repeat(fmt.Sprint(serial), 64),
				ImageRef: "quay.io/acme/os:41",
				State:    models.StateBooted,
			})
		}
		idx.Serial = 2
		be.NilErr(t, m.Sysroot().SaveIndex(idx))

		findings, err := m.Fsck(context.Background())
		be.NilErr(t, err)
		be.Nonzero(t, len(findings))
		be.True(t, strings.Contains(findings[0].Problem, "marked booted"))
	})

	t.Run("LiveButUnpinned", func(t *testing.T) {
		t.Parallel()
		m, _ := testManager(t)
		d := stage(t, m, "quay.io/acme/os:41", map[string]string{"f": "41"})

		be.NilErr(t, m.Sysroot().Commits().Unpin(d.Commit))

		findings, err := m.Fsck(context.Background())
		be.NilErr(t, err)
		be.Equal(t, 1, len(findings))
		be.True(t, strings.Contains(findings[0].Problem, "unpinned"))
	})
}

func TestOriginLifecycle(t *testing.T) {
	t.Parallel()
	m, _ := testManager(t)
	ctx := context.Background()

	first := stage(t, m, "quay.io/acme/os:41", map[string]string{"f": "41"},
		models.BoundImageSpec{Image: "quay.io/acme/agent:v3", Pull: models.PullIfNotPresent})

	origin, err := m.Sysroot().ReadOrigin(first.ID())
	be.NilErr(t, err)
	be.Equal(t, first.ImageRef, origin.ImageRef)
	be.Equal(t, first.ImageDigest, origin.ImageDigest)
	be.Equal(t, 1, len(origin.BoundImages))

	// Superseding and collecting the record drops its origin with it.
	stage(t, m, "quay.io/acme/os:42", map[string]string{"f": "42"})
	_, err = m.GC(ctx)
	be.NilErr(t, err)
	be.False(t, m.Sysroot().HasOrigin(first.ID()))
}

func TestParseBootedCommit(t *testing.T) {
	t.Parallel()

	commit := strings.Repeat("ab", 32)
	cmdline := fmt.Sprintf("BOOT_IMAGE=/vmlinuz root=/dev/sda1 ro quiet %s=%s console=ttyS0\n", CommitKarg, commit)
	be.Equal(t, commit, ParseBootedCommit(cmdline))

	be.Equal(t, "", ParseBootedCommit("root=/dev/sda1 ro quiet"))
	be.Equal(t, "", ParseBootedCommit(""))
}
