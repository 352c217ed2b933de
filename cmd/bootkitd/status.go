package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
)

type StatusCmd struct{}

func (c StatusCmd) Run(ctx context.Context, g *Globals, logger *slog.Logger) error {
	if g.Check {
		return c.Table(g)
	}

	mgr, err := openManager(g, logger)
	if err != nil {
		return err
	}
	st, err := mgr.Status(ctx)
	if err != nil {
		return err
	}

	if g.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	fmt.Println(statusTable(st))
	if st.RebootRequested {
		fmt.Println("A reboot is requested to complete a rollback.")
	}
	return nil
}
