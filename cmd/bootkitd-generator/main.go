// bootkitd-generator is invoked by systemd during the unit-generation
// phase with three unit output directories. It must be fast and it must
// never fail the boot: any problem is logged to stderr and the process
// still exits 0.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"disorder.dev/shandler"

	"github.com/bootkit-org/bootkit/internal/bound"
	"github.com/bootkit-org/bootkit/internal/deploy"
	"github.com/bootkit-org/bootkit/internal/generator"
	"github.com/bootkit-org/bootkit/internal/sysroot"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := slog.New(shandler.NewHandler(
		shandler.WithLogLevel(slog.LevelInfo),
		shandler.WithStdOut(os.Stderr),
		shandler.WithStdErr(os.Stderr),
	))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("generator panicked", slog.Any("panic", r))
		}
	}()

	if len(os.Args) != 4 {
		fmt.Fprintf(os.Stderr, "usage: %s NORMAL_DIR EARLY_DIR LATE_DIR\n", os.Args[0])
		return 0
	}
	normalDir, earlyDir, lateDir := os.Args[1], os.Args[2], os.Args[3]

	root := os.Getenv("BOOTKIT_SYSROOT")
	if root == "" {
		root = sysroot.DefaultRoot
	}

	sys, err := sysroot.Open(root, logger)
	if err != nil {
		logger.Warn("cannot open storage root, emitting nothing",
			slog.String("root", root), slog.Any("err", err))
		return 0
	}

	puller := bound.NewRegistryPuller(sys.Images(), false, logger)
	recon := bound.NewReconciler(sys.Images(), puller, logger)
	mgr := deploy.NewManager(sys, recon, logger)

	gen := generator.New(mgr, logger)
	if err := gen.Run(context.Background(), normalDir, earlyDir, lateDir); err != nil {
		logger.Warn("generator run failed", slog.Any("err", err))
	}
	return 0
}
