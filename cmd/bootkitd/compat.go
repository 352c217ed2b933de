package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bootkit-org/bootkit/models"
)

// CompatCmd translates the prior tool's subcommand surface into the
// equivalent operations here. Exit codes follow this system's contract.
type CompatCmd struct {
	Status   CompatStatusCmd   `cmd:"" help:"Show deployments in the legacy plain-text format"`
	Upgrade  CompatUpgradeCmd  `cmd:"" help:"Fetch the booted deployment's image and stage it"`
	Rollback CompatRollbackCmd `cmd:"" help:"Swap the booted and rollback deployments"`
	Deploy   CompatDeployCmd   `cmd:"" help:"Stage a deployment from an image reference"`
	Kargs    CompatKargsCmd    `cmd:"" help:"Print the booted deployment's kernel arguments"`
}

var defaultKargsDirs = []string{"/usr/lib/bootkit/kargs.d", "/etc/bootkit/kargs.d"}
var defaultBoundDirs = []string{"/usr/lib/bootkit/bound-images.d", "/etc/bootkit/bound-images.d"}

type CompatStatusCmd struct{}

func (c CompatStatusCmd) Run(ctx context.Context, g *Globals, logger *slog.Logger) error {
	mgr, err := openManager(g, logger)
	if err != nil {
		return err
	}
	st, err := mgr.Status(ctx)
	if err != nil {
		return err
	}
	for _, d := range st.Deployments {
		marker := " "
		if d.State == models.StateBooted {
			marker = "*"
		}
		fmt.Printf("%s %s %-10s %s\n", marker, d.ID, d.State, d.ImageRef)
	}
	return nil
}

type CompatUpgradeCmd struct{}

func (c CompatUpgradeCmd) Run(ctx context.Context, g *Globals, logger *slog.Logger) error {
	mgr, err := openManager(g, logger)
	if err != nil {
		return err
	}
	st, err := mgr.Status(ctx)
	if err != nil {
		return err
	}
	var booted *models.DeploymentStatus
	for i := range st.Deployments {
		if st.Deployments[i].State == models.StateBooted {
			booted = &st.Deployments[i]
			break
		}
	}
	if booted == nil {
		return models.Userf("no booted deployment to upgrade")
	}
	return DeployCmd{
		Image:          booted.ImageRef,
		Pull:           string(models.PullAlways),
		KargsDirs:      defaultKargsDirs,
		BoundImageDirs: defaultBoundDirs,
	}.Run(ctx, g, logger)
}

type CompatRollbackCmd struct{}

func (c CompatRollbackCmd) Run(ctx context.Context, g *Globals, logger *slog.Logger) error {
	return RollbackCmd{}.Run(ctx, g, logger)
}

type CompatDeployCmd struct {
	Image string `arg:"" help:"Image reference to stage"`
}

func (c CompatDeployCmd) Run(ctx context.Context, g *Globals, logger *slog.Logger) error {
	return DeployCmd{
		Image:          c.Image,
		Pull:           string(models.PullIfNotPresent),
		KargsDirs:      defaultKargsDirs,
		BoundImageDirs: defaultBoundDirs,
	}.Run(ctx, g, logger)
}

type CompatKargsCmd struct{}

func (c CompatKargsCmd) Run(ctx context.Context, g *Globals, logger *slog.Logger) error {
	mgr, err := openManager(g, logger)
	if err != nil {
		return err
	}
	st, err := mgr.Status(ctx)
	if err != nil {
		return err
	}
	for _, d := range st.Deployments {
		if d.State == models.StateBooted {
			fmt.Println(strings.Join(d.Kargs, " "))
			return nil
		}
	}
	return models.Userf("no booted deployment")
}
