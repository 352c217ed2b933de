package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/opencontainers/go-digest"

	"github.com/bootkit-org/bootkit/internal/bound"
	"github.com/bootkit-org/bootkit/internal/deploy"
	"github.com/bootkit-org/bootkit/internal/kargs"
	"github.com/bootkit-org/bootkit/models"
)

type DeployCmd struct {
	Image  string `arg:"" help:"Origin container image reference" placeholder:"quay.io/acme/os:41"`
	Digest string `name:"digest" help:"Expected origin manifest digest" placeholder:"sha256:..."`
	Pull   string `name:"pull" default:"if-not-present" enum:"always,if-not-present" help:"When to fetch the origin image"`

	Karg           []string `name:"karg" help:"Extra kernel arguments applied above all drop-in tiers"`
	KargsDirs      []string `name:"kargs-dir" default:"/usr/lib/bootkit/kargs.d,/etc/bootkit/kargs.d" help:"Kernel-argument drop-in directories, lowest priority first"`
	BoundImageDirs []string `name:"bound-images-dir" default:"/usr/lib/bootkit/bound-images.d,/etc/bootkit/bound-images.d" help:"Bound-image drop-in directories, lowest priority first"`

	Tree string `name:"tree" help:"Use an already materialized root tree instead of unpacking the image" type:"existingdir"`
}

func (c DeployCmd) Validate() error {
	if c.Digest != "" {
		if err := digest.Digest(c.Digest).Validate(); err != nil {
			return models.Userf("malformed digest %q: %s", c.Digest, err)
		}
	}
	return nil
}

func (c DeployCmd) Run(ctx context.Context, g *Globals, logger *slog.Logger) error {
	if g.Check {
		return c.Table(g)
	}

	mgr, err := openManager(g, logger)
	if err != nil {
		return err
	}
	sys := mgr.Sysroot()

	puller := bound.NewRegistryPuller(sys.Images(), g.PlainHTTP, logger)
	state, _, err := sys.Images().Present(ctx, c.Image)
	if err != nil {
		return err
	}
	if state != models.ImagePresent || c.Pull == string(models.PullAlways) {
		if _, err := puller.Pull(ctx, c.Image); err != nil {
			return fmt.Errorf("%w: pulling %s: %s", models.ErrNetworkTransient, c.Image, err)
		}
	}

	treeDir := c.Tree
	if treeDir == "" {
		tmp, err := os.MkdirTemp("", "bootkit-tree-*")
		if err != nil {
			return err
		}
		defer os.RemoveAll(tmp)
		if err := sys.Images().Unpack(ctx, c.Image, tmp); err != nil {
			return err
		}
		treeDir = tmp
	}

	fragments, err := kargs.LoadTiers(c.KargsDirs, logger)
	if err != nil {
		return err
	}
	if len(c.Karg) > 0 {
		fragments = append(fragments, kargs.CommandLineFragment(c.Karg, len(c.KargsDirs)))
	}

	boundImages, err := bound.LoadDropins(c.BoundImageDirs, logger)
	if err != nil {
		return err
	}

	lctx, cancel := lockCtx(ctx, g)
	defer cancel()
	d, err := mgr.Stage(lctx, deploy.StageRequest{
		ImageRef:      c.Image,
		ImageDigest:   digest.Digest(c.Digest),
		TreeDir:       treeDir,
		KargFragments: fragments,
		BoundImages:   boundImages,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Staged deployment %s from %s\n", d.ID(), d.ImageRef)
	fmt.Println("The new deployment will be promoted on the next boot of its tree.")
	return nil
}
