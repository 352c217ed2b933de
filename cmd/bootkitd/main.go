package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kong"
	kongtoml "github.com/alecthomas/kong-toml"

	"github.com/bootkit-org/bootkit/models"
)

var (
	VERSION   string = "0.0.0"
	COMMIT    string = "development"
	BUILDDATE string = time.Now().Format(time.RFC822)
)

// legacyName is the symlink name under which the prior tool's subcommand
// surface is exposed; invoking through it routes into the compat tree.
const legacyName = "ostree-deploy"

func main() {
	args := routeLegacyArgs(os.Args[0], os.Args[1:])

	cli := new(BootkitCLI)
	parser, err := kong.New(cli,
		kong.Name("bootkitd"),
		kong.Description("Transactional image-based OS deployments"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true, NoExpandSubcommands: true, FlagsLast: true}),
		kong.Configuration(kong.JSON, "/etc/bootkit/config.json"),
		kong.Configuration(kongtoml.Loader, "/etc/bootkit/config.toml"),
		kong.Vars{
			"version":        fmt.Sprintf("%s [%s] | Built: %s", VERSION, COMMIT, BUILDDATE),
			"defaultSysroot": defaultSysroot(),
		},
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := configureLogger(&cli.Globals, os.Stdout, os.Stderr)
	kctx.BindTo(context.Background(), (*context.Context)(nil))
	kctx.BindTo(&cli.Globals, (*Globals)(nil))
	kctx.BindTo(logger, (*slog.Logger)(nil))

	if err := kctx.Run(); err != nil {
		logger.Error(err.Error())
		os.Exit(models.ExitCode(err))
	}
}

// routeLegacyArgs reroutes invocations through the compatibility symlink
// into the compat subcommand tree.
func routeLegacyArgs(argv0 string, args []string) []string {
	if filepath.Base(argv0) == legacyName {
		return append([]string{"compat"}, args...)
	}
	return args
}

func defaultSysroot() string {
	if v := os.Getenv("BOOTKIT_SYSROOT"); v != "" {
		return v
	}
	return "/sysroot/bootkit"
}
