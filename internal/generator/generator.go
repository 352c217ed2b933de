// Package generator implements the boot-time entry point invoked by the
// init system's unit-generation phase. It runs synchronously very early in
// boot under a hard time budget, so it does as little as possible itself:
// it promotes the deployment the machine actually booted, runs local-only
// checks, and defers all network work to a generated unit that runs later
// in boot. It must never fail the boot: every internal error is downgraded
// to a logged warning and a minimal (possibly empty) unit set.
package generator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bootkit-org/bootkit/internal/deploy"
	"github.com/bootkit-org/bootkit/models"
)

const (
	// DefaultBudget caps one generator invocation end to end.
	DefaultBudget = 5 * time.Second
	// lockWait bounds how long the generator waits on the root lock; on
	// contention it defers instead of blocking boot.
	lockWait = 500 * time.Millisecond
)

type Generator struct {
	mgr *deploy.Manager
	log *slog.Logger

	Budget time.Duration
	// BootedCommit is overridable for tests; defaults to reading the
	// kernel command line.
	BootedCommit func() (string, error)
}

func New(mgr *deploy.Manager, log *slog.Logger) *Generator {
	return &Generator{
		mgr:          mgr,
		log:          log,
		Budget:       DefaultBudget,
		BootedCommit: deploy.BootedCommit,
	}
}

// Run performs one generator invocation against the three unit output
// directories. It is idempotent: identical state produces byte-identical
// output. It always returns nil; failures only shrink the emitted set.
func (g *Generator) Run(ctx context.Context, normalDir, earlyDir, lateDir string) error {
	ctx, cancel := context.WithTimeout(ctx, g.Budget)
	defer cancel()

	commit, err := g.BootedCommit()
	if err != nil {
		g.log.Warn("cannot determine booted commit", slog.Any("err", err))
		commit = ""
	}

	fctx, fcancel := context.WithTimeout(ctx, lockWait)
	promoted, err := g.mgr.FinalizeBoot(fctx, commit)
	fcancel()
	switch {
	case errors.Is(err, models.ErrLockContended):
		// Another invocation or an interactive command holds the root;
		// promotion will happen on its watch or on the next invocation.
		g.log.Warn("storage root locked, deferring boot finalization")
	case err != nil:
		g.log.Warn("boot finalization failed", slog.Any("err", err))
	case promoted:
		g.log.Info("promoted booted deployment", slog.String("commit", commit))
	}

	pending, err := g.pendingBoundWork(ctx)
	if err != nil {
		g.log.Warn("cannot inspect bound images, deferring reconciliation", slog.Any("err", err))
		pending = true
	}

	if !pending {
		g.log.Debug("bound images complete, nothing to generate")
		return nil
	}
	if err := emitReconcileUnit(normalDir); err != nil {
		g.log.Warn("emitting reconcile unit", slog.Any("err", err))
	}
	return nil
}

// pendingBoundWork checks, without touching the network or the lock,
// whether any live deployment is missing bound images.
func (g *Generator) pendingBoundWork(ctx context.Context) (bool, error) {
	st, err := g.mgr.Status(ctx)
	if err != nil {
		return false, err
	}
	for _, d := range st.Deployments {
		if d.State == models.StatePendingGC {
			continue
		}
		for _, b := range d.BoundImages {
			if b.State != models.ImagePresent {
				return true, nil
			}
		}
	}
	return false, nil
}
