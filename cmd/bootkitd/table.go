package main

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/bootkit-org/bootkit/models"
)

func newCheckTable(title string) table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.Style().Title.Align = text.AlignCenter
	tw.Style().Format.Header = text.FormatDefault
	tw.SetTitle(title)
	tw.AppendHeader(table.Row{"Field", "Value", "Type"})
	return tw
}

func globalRows(g *Globals) []table.Row {
	return []table.Row{
		{"Config File", g.Config, reflect.TypeOf(g.Config).String()},
		{"Sysroot", g.Sysroot, reflect.TypeOf(g.Sysroot).String()},
		{"Lock Timeout", g.LockTimeout, reflect.TypeOf(g.LockTimeout).String()},
		{"Plain HTTP", g.PlainHTTP, reflect.TypeOf(g.PlainHTTP).String()},
		{"JSON Output", g.JSON, reflect.TypeOf(g.JSON).String()},
		{"Logger Level", g.LogLevel, reflect.TypeOf(g.LogLevel).String()},
		{"Logger Time Format", g.LogTimeFormat, reflect.TypeOf(g.LogTimeFormat).String()},
		{"Logger Colorized", g.LogColor, reflect.TypeOf(g.LogColor).String()},
		{"Logger JSON", g.LogJSON, reflect.TypeOf(g.LogJSON).String()},
	}
}

func printCheckTable(title string, g *Globals, rows ...table.Row) error {
	tw := newCheckTable(title)
	tw.AppendRows(globalRows(g))
	tw.AppendRows(rows)
	fmt.Println(tw.Render())
	return nil
}

func (c DeployCmd) Table(g *Globals) error {
	return printCheckTable("Deploy Configuration", g,
		table.Row{"Image", c.Image, reflect.TypeOf(c.Image).String()},
		table.Row{"Digest", c.Digest, reflect.TypeOf(c.Digest).String()},
		table.Row{"Pull", c.Pull, reflect.TypeOf(c.Pull).String()},
		table.Row{"Extra Kargs", c.Karg, reflect.TypeOf(c.Karg).String()},
		table.Row{"Kargs Dirs", c.KargsDirs, reflect.TypeOf(c.KargsDirs).String()},
		table.Row{"Bound Image Dirs", c.BoundImageDirs, reflect.TypeOf(c.BoundImageDirs).String()},
		table.Row{"Tree", c.Tree, reflect.TypeOf(c.Tree).String()},
	)
}

func (c StatusCmd) Table(g *Globals) error {
	return printCheckTable("Status Configuration", g)
}

func (c RollbackCmd) Table(g *Globals) error {
	return printCheckTable("Rollback Configuration", g)
}

func (c PruneCmd) Table(g *Globals) error {
	return printCheckTable("Prune Configuration", g,
		table.Row{"Retention", c.Retention, reflect.TypeOf(c.Retention).String()},
	)
}

func (c GCCmd) Table(g *Globals) error {
	return printCheckTable("GC Configuration", g)
}

func (c ReconcileCmd) Table(g *Globals) error {
	return printCheckTable("Reconcile Configuration", g,
		table.Row{"Best Effort", c.BestEffort, reflect.TypeOf(c.BestEffort).String()},
	)
}

func (c FsckCmd) Table(g *Globals) error {
	return printCheckTable("Fsck Configuration", g)
}

func statusTable(st *models.Status) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.Style().Title.Align = text.AlignCenter
	tw.Style().Format.Header = text.FormatDefault
	tw.SetTitle("Deployments")
	tw.AppendHeader(table.Row{"ID", "State", "Image", "Digest", "Bound Images"})
	for _, d := range st.Deployments {
		var bound []string
		for _, b := range d.BoundImages {
			bound = append(bound, fmt.Sprintf("%s (%s)", b.Image, b.State))
		}
		short := d.ImageDigest
		if len(short) > 19 {
			short = short[:19]
		}
		tw.AppendRow(table.Row{d.ID, d.State, d.ImageRef, short, strings.Join(bound, "\n")})
	}
	return tw.Render()
}
