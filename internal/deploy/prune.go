package deploy

import (
	"context"
	"log/slog"

	"github.com/opencontainers/go-digest"

	"github.com/bootkit-org/bootkit/internal/sysroot"
	"github.com/bootkit-org/bootkit/models"
)

// PruneResult lists what a prune/gc pass reclaimed.
type PruneResult struct {
	Marked           []string `json:"marked,omitempty"`
	ReclaimedCommits []string `json:"reclaimedCommits,omitempty"`
	ReclaimedImages  []string `json:"reclaimedImages,omitempty"`
}

// Prune marks deployments beyond the retention window pending collection
// and then runs garbage collection. The window is the newest `retention`
// records of the total order; the booted, staged and designated rollback
// deployments count toward the window but are never collected regardless
// of age.
func (m *Manager) Prune(ctx context.Context, retention int) (*PruneResult, error) {
	if retention < 0 {
		return nil, models.Userf("retention must be >= 0, got %d", retention)
	}

	lock, err := m.sys.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	idx, err := m.sys.LoadIndex()
	if err != nil {
		return nil, err
	}
	if err := idx.Check(); err != nil {
		return nil, err
	}

	res := &PruneResult{}

	protected := map[uint64]bool{}
	for _, d := range []*models.Deployment{idx.Booted(), idx.Staged(), idx.DesignatedRollback()} {
		if d != nil {
			protected[d.Serial] = true
		}
	}

	seen := 0
	for _, d := range idx.Deployments { // newest first
		if d.State == models.StatePendingGC {
			continue
		}
		seen++
		if protected[d.Serial] || seen <= retention {
			continue
		}
		m.log.Info("marking deployment for collection", slog.String("deployment", d.ID()))
		d.State = models.StatePendingGC
		if err := m.unpinDeployment(d); err != nil {
			return res, err
		}
		res.Marked = append(res.Marked, d.ID())
	}
	if err := m.sys.SaveIndex(idx); err != nil {
		return res, err
	}

	gcRes, err := m.gcLocked(ctx, idx)
	if err != nil {
		return res, err
	}
	res.ReclaimedCommits = gcRes.ReclaimedCommits
	res.ReclaimedImages = gcRes.ReclaimedImages
	return res, nil
}

// GC collects everything marked pending without changing the retention
// horizon.
func (m *Manager) GC(ctx context.Context) (*PruneResult, error) {
	lock, err := m.sys.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	idx, err := m.sys.LoadIndex()
	if err != nil {
		return nil, err
	}
	if err := idx.Check(); err != nil {
		return nil, err
	}
	return m.gcLocked(ctx, idx)
}

func (m *Manager) gcLocked(ctx context.Context, idx *sysroot.Index) (*PruneResult, error) {
	res := &PruneResult{}

	liveCommits := map[string]bool{}
	liveImages := map[digest.Digest]bool{}
	var pending []*models.Deployment
	for _, d := range idx.Deployments {
		if d.State == models.StatePendingGC {
			pending = append(pending, d)
			continue
		}
		liveCommits[d.Commit] = true
		for _, dg := range d.PinnedImages {
			liveImages[dg] = true
		}
	}

	commits, err := m.sys.Commits().GC(liveCommits)
	if err != nil {
		return res, err
	}
	res.ReclaimedCommits = commits

	images, err := m.sys.Images().GC(ctx, liveImages)
	if err != nil {
		return res, err
	}
	res.ReclaimedImages = images

	for _, d := range pending {
		if err := m.sys.RemoveOrigin(d.ID()); err != nil {
			return res, err
		}
		idx.Remove(d.Serial)
	}
	if err := m.sys.SaveIndex(idx); err != nil {
		return res, err
	}
	return res, nil
}
