// Package deploy owns the deployment record set and its state machine:
// staging, boot-time promotion, rollback and pruning. Every mutation runs
// under the storage root lock and leaves the index in a state that
// satisfies the record invariants or refuses to proceed.
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/bootkit-org/bootkit/internal/bound"
	"github.com/bootkit-org/bootkit/internal/kargs"
	"github.com/bootkit-org/bootkit/internal/sysroot"
	"github.com/bootkit-org/bootkit/models"
)

// CommitKarg carries the deployment's tree identity on the kernel command
// line so the generator can match the running root against the record set.
const CommitKarg = "bootkit.commit"

type Manager struct {
	sys   *sysroot.Sysroot
	recon *bound.Reconciler
	log   *slog.Logger
}

func NewManager(sys *sysroot.Sysroot, recon *bound.Reconciler, log *slog.Logger) *Manager {
	return &Manager{sys: sys, recon: recon, log: log}
}

func (m *Manager) Sysroot() *sysroot.Sysroot { return m.sys }

// StageRequest describes a deployment to create. TreeDir is the image's
// materialized root filesystem; the origin image itself must already be
// present in the image store.
type StageRequest struct {
	ImageRef    string
	ImageDigest digest.Digest
	TreeDir     string

	KargFragments []kargs.Fragment
	BoundImages   []models.BoundImageSpec
}

// Stage creates a new staged deployment. It is atomic from the caller's
// point of view: on any error no new record exists. A previously staged
// deployment is superseded and queued for collection.
func (m *Manager) Stage(ctx context.Context, req StageRequest) (*models.Deployment, error) {
	if req.ImageRef == "" {
		return nil, models.Userf("image reference is required")
	}
	if req.ImageDigest != "" {
		if err := req.ImageDigest.Validate(); err != nil {
			return nil, models.Userf("malformed image digest %q: %s", req.ImageDigest, err)
		}
	}

	merged, err := kargs.Merge(req.KargFragments)
	if err != nil {
		return nil, err
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

	state, originDesc, err := m.sys.Images().Present(ctx, req.ImageRef)
	if err != nil {
		return nil, err
	}
	if state != models.ImagePresent {
		return nil, fmt.Errorf("origin image %s is %s in the local store", req.ImageRef, state)
	}
	if req.ImageDigest != "" && originDesc.Digest != req.ImageDigest {
		return nil, models.Userf("origin image digest mismatch: store has %s, requested %s",
			originDesc.Digest, req.ImageDigest)
	}

	commit, err := m.sys.Commits().CreateCommit(req.TreeDir)
	if err != nil {
		return nil, err
	}

	candidate := &models.Deployment{
		Commit:      commit,
		ImageRef:    req.ImageRef,
		ImageDigest: originDesc.Digest,
		Kargs:       append(merged, fmt.Sprintf("%s=%s", CommitKarg, commit)),
		BoundImages: req.BoundImages,
		State:       models.StateStaged,
		CreatedAt:   time.Now().UTC(),
	}

	// Full availability of the bound images is a hard precondition for a
	// staged deployment; nothing is best-effort here.
	if _, err := m.recon.Reconcile(ctx, candidate, bound.Options{}); err != nil {
		return nil, err
	}
	resolved, err := m.recon.Resolve(ctx, candidate)
	if err != nil {
		return nil, err
	}

	pins := []digest.Digest{originDesc.Digest}
	for _, spec := range candidate.BoundImages {
		pins = append(pins, resolved[spec.Image].Digest)
	}
	candidate.PinnedImages = pins

	if old := idx.Staged(); old != nil {
		m.log.Info("superseding staged deployment", slog.String("deployment", old.ID()))
		old.State = models.StatePendingGC
		if err := m.unpinDeployment(old); err != nil {
			return nil, err
		}
	}

	candidate.Serial = idx.NextSerial()
	if err := m.pinDeployment(candidate); err != nil {
		return nil, err
	}
	idx.Deployments = append(idx.Deployments, candidate)

	if err := m.sys.WriteOrigin(candidate); err != nil {
		if uerr := m.unpinDeployment(candidate); uerr != nil {
			m.log.Error("unpinning failed stage", slog.Any("err", uerr))
		}
		return nil, err
	}
	if err := m.sys.SaveIndex(idx); err != nil {
		// Roll the pins and the origin back so the failed record anchors
		// nothing.
		if uerr := m.unpinDeployment(candidate); uerr != nil {
			m.log.Error("unpinning failed stage", slog.Any("err", uerr))
		}
		if rerr := m.sys.RemoveOrigin(candidate.ID()); rerr != nil {
			m.log.Error("removing origin of failed stage", slog.Any("err", rerr))
		}
		return nil, err
	}

	m.log.Info("staged deployment",
		slog.String("deployment", candidate.ID()),
		slog.String("image", candidate.ImageRef),
		slog.String("commit", commit))
	return candidate, nil
}

// FinalizeBoot promotes the staged deployment matching the tree the
// machine actually booted, demoting the previous booted record to
// rollback. Booting an already-promoted or rollback entry is a no-op.
// Invoked once per boot by the generator, but harmless when repeated.
func (m *Manager) FinalizeBoot(ctx context.Context, bootedCommit string) (bool, error) {
	lock, err := m.sys.Lock(ctx)
	if err != nil {
		return false, err
	}
	defer lock.Unlock()

	idx, err := m.sys.LoadIndex()
	if err != nil {
		return false, err
	}
	if err := idx.Check(); err != nil {
		return false, err
	}

	staged := idx.Staged()
	if staged == nil || bootedCommit == "" || staged.Commit != bootedCommit {
		// A rollback boot lands here: the booted commit already matches
		// the BOOTED record, so the requested reboot has happened.
		if booted := idx.Booted(); booted != nil && booted.Commit == bootedCommit {
			if err := m.sys.ClearRebootRequest(); err != nil {
				m.log.Warn("clearing reboot request", slog.Any("err", err))
			}
		}
		return false, nil
	}

	if prev := idx.Booted(); prev != nil {
		prev.State = models.StateRollback
		m.log.Info("demoted previous deployment", slog.String("deployment", prev.ID()))
	}
	staged.State = models.StateBooted
	if err := m.sys.SaveIndex(idx); err != nil {
		return false, err
	}
	if err := m.sys.ClearRebootRequest(); err != nil {
		m.log.Warn("clearing reboot request", slog.Any("err", err))
	}
	m.log.Info("promoted deployment", slog.String("deployment", staged.ID()))
	return true, nil
}

// Rollback swaps the booted and designated rollback deployments and
// records a reboot request. It never reboots the machine itself.
func (m *Manager) Rollback(ctx context.Context) (*models.Deployment, error) {
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

	booted := idx.Booted()
	target := idx.DesignatedRollback()
	if booted == nil || target == nil {
		return nil, models.Userf("no rollback deployment available")
	}

	booted.State = models.StateRollback
	target.State = models.StateBooted
	if err := m.sys.SaveIndex(idx); err != nil {
		return nil, err
	}
	if err := m.sys.RequestReboot(fmt.Sprintf("rollback to %s", target.ID())); err != nil {
		return nil, err
	}
	m.log.Info("rollback recorded, reboot requested",
		slog.String("from", booted.ID()), slog.String("to", target.ID()))
	return target, nil
}

func (m *Manager) pinDeployment(d *models.Deployment) error {
	if err := m.sys.Commits().Pin(d.Commit); err != nil {
		return err
	}
	for _, dg := range d.PinnedImages {
		if err := m.sys.Images().Pin(dg); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) unpinDeployment(d *models.Deployment) error {
	if err := m.sys.Commits().Unpin(d.Commit); err != nil {
		return err
	}
	for _, dg := range d.PinnedImages {
		if err := m.sys.Images().Unpin(dg); err != nil {
			return err
		}
	}
	return nil
}
