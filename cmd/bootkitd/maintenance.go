package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/bootkit-org/bootkit/models"
)

type RollbackCmd struct{}

func (c RollbackCmd) Run(ctx context.Context, g *Globals, logger *slog.Logger) error {
	if g.Check {
		return c.Table(g)
	}
	mgr, err := openManager(g, logger)
	if err != nil {
		return err
	}
	lctx, cancel := lockCtx(ctx, g)
	defer cancel()
	target, err := mgr.Rollback(lctx)
	if err != nil {
		return err
	}
	fmt.Printf("Next boot: deployment %s (%s)\n", target.ID(), target.ImageRef)
	fmt.Println("Reboot the machine to complete the rollback.")
	return nil
}

type PruneCmd struct {
	Retention int `name:"retention" default:"2" help:"Newest deployments to keep; booted, staged and rollback count toward the window but are never collected"`
}

func (c PruneCmd) Run(ctx context.Context, g *Globals, logger *slog.Logger) error {
	if g.Check {
		return c.Table(g)
	}
	mgr, err := openManager(g, logger)
	if err != nil {
		return err
	}
	lctx, cancel := lockCtx(ctx, g)
	defer cancel()
	res, err := mgr.Prune(lctx, c.Retention)
	if err != nil {
		return err
	}
	fmt.Printf("Marked %d deployments, reclaimed %d commits and %d images\n",
		len(res.Marked), len(res.ReclaimedCommits), len(res.ReclaimedImages))
	return nil
}

type GCCmd struct{}

func (c GCCmd) Run(ctx context.Context, g *Globals, logger *slog.Logger) error {
	if g.Check {
		return c.Table(g)
	}
	mgr, err := openManager(g, logger)
	if err != nil {
		return err
	}
	lctx, cancel := lockCtx(ctx, g)
	defer cancel()
	res, err := mgr.GC(lctx)
	if err != nil {
		return err
	}
	fmt.Printf("Reclaimed %d commits and %d images\n",
		len(res.ReclaimedCommits), len(res.ReclaimedImages))
	return nil
}

type ReconcileCmd struct {
	BestEffort bool `name:"best-effort" help:"Log pull failures instead of failing; used by the boot-phase unit"`
}

func (c ReconcileCmd) Run(ctx context.Context, g *Globals, logger *slog.Logger) error {
	if g.Check {
		return c.Table(g)
	}
	mgr, err := openManager(g, logger)
	if err != nil {
		return err
	}
	lctx, cancel := lockCtx(ctx, g)
	defer cancel()
	reports, err := mgr.ReconcileAll(lctx, c.BestEffort)
	if err != nil {
		return err
	}
	for _, rep := range reports {
		if len(rep.Pulled) > 0 || len(rep.Failures) > 0 {
			logger.Info("reconciled deployment",
				slog.String("deployment", rep.Deployment),
				slog.Int("pulled", len(rep.Pulled)),
				slog.Int("failures", len(rep.Failures)))
		}
	}
	return nil
}

type FsckCmd struct{}

func (c FsckCmd) Run(ctx context.Context, g *Globals, logger *slog.Logger) error {
	if g.Check {
		return c.Table(g)
	}
	mgr, err := openManager(g, logger)
	if err != nil {
		return err
	}
	findings, err := mgr.Fsck(ctx)
	if err != nil {
		return err
	}
	if g.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(findings); err != nil {
			return err
		}
	} else {
		for _, f := range findings {
			if f.Deployment != "" {
				fmt.Printf("%s: %s\n", f.Deployment, f.Problem)
			} else {
				fmt.Println(f.Problem)
			}
		}
	}
	if len(findings) > 0 {
		return models.Corruptf("%d problems found", len(findings))
	}
	fmt.Println("No problems found.")
	return nil
}
