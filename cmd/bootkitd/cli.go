package main

import (
	"context"
	"log/slog"

	"github.com/bootkit-org/bootkit/internal/bound"
	"github.com/bootkit-org/bootkit/internal/deploy"
	"github.com/bootkit-org/bootkit/internal/sysroot"
)

type BootkitCLI struct {
	Globals `embed:""`

	Deploy    DeployCmd    `cmd:"" help:"Stage a deployment from a container image" aliases:"stage"`
	Status    StatusCmd    `cmd:"" help:"Show the deployment list"`
	Rollback  RollbackCmd  `cmd:"" help:"Swap the booted and rollback deployments and request a reboot"`
	Prune     PruneCmd     `cmd:"" help:"Expire deployments beyond the retention window and collect garbage"`
	GC        GCCmd        `cmd:"" name:"gc" help:"Collect deployments already marked for removal"`
	Reconcile ReconcileCmd `cmd:"" help:"Pull missing bound images for live deployments"`
	Fsck      FsckCmd      `cmd:"" help:"Check deployment and store consistency without repairing"`
	Compat    CompatCmd    `cmd:"" hidden:"" help:"Legacy subcommand surface"`
}

// openManager wires the storage root, puller, reconciler and deployment
// manager for one command invocation.
func openManager(g *Globals, logger *slog.Logger) (*deploy.Manager, error) {
	sys, err := sysroot.Open(g.Sysroot, logger)
	if err != nil {
		return nil, err
	}
	puller := bound.NewRegistryPuller(sys.Images(), g.PlainHTTP, logger)
	recon := bound.NewReconciler(sys.Images(), puller, logger)
	return deploy.NewManager(sys, recon, logger), nil
}

// lockCtx bounds how long an interactive command may wait on the storage
// root lock. The timeout is visible to the operator via --lock-timeout.
func lockCtx(ctx context.Context, g *Globals) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.LockTimeout)
}
