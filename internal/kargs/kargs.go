// Package kargs parses kernel-argument drop-in fragments and merges them
// into the final boot argument overlay for a deployment. Parsing and
// merging are split so the merge is a pure function over an already-parsed
// fragment sequence.
package kargs

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type DirectiveKind string

const (
	Set    DirectiveKind = "set"
	Append DirectiveKind = "append"
)

type Directive struct {
	Kind  DirectiveKind
	Key   string
	// Value is empty for bare flag arguments such as "quiet".
	Value string
	// HasValue distinguishes "quiet" from "root=".
	HasValue bool
}

// Fragment is one fully parsed drop-in file. Tier is derived from the
// containing directory; higher tiers outrank lower ones.
type Fragment struct {
	Path       string
	Tier       int
	Directives []Directive
}

// ParseFragment reads one drop-in. Malformed lines are skipped with a
// warning; they never fail the parse.
func ParseFragment(path string, tier int, r io.Reader, log *slog.Logger) (Fragment, error) {
	frag := Fragment{Path: path, Tier: tier}
	sc := bufio.NewScanner(r)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		kind := Set
		switch {
		case strings.HasPrefix(line, "append "):
			kind = Append
			line = strings.TrimSpace(strings.TrimPrefix(line, "append "))
		case strings.HasPrefix(line, "set "):
			line = strings.TrimSpace(strings.TrimPrefix(line, "set "))
		}

		d, ok := parseArg(line)
		if !ok {
			log.Warn("skipping malformed kernel argument line",
				slog.String("file", path), slog.Int("line", lineno), slog.String("text", line))
			continue
		}
		d.Kind = kind
		frag.Directives = append(frag.Directives, d)
	}
	if err := sc.Err(); err != nil {
		return frag, fmt.Errorf("reading %s: %w", path, err)
	}
	return frag, nil
}

func parseArg(line string) (Directive, bool) {
	if line == "" || strings.ContainsAny(line, " \t") {
		return Directive{}, false
	}
	key, value, found := strings.Cut(line, "=")
	if key == "" {
		return Directive{}, false
	}
	return Directive{Key: key, Value: value, HasValue: found}, true
}

// LoadTiers reads fragments from the given directories, lowest tier first.
// Within a directory files apply in lexical name order; missing directories
// contribute nothing. Only *.conf files are considered.
func LoadTiers(dirs []string, log *slog.Logger) ([]Fragment, error) {
	var frags []Fragment
	for tier, dir := range dirs {
		ents, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var names []string
		for _, e := range ents {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".conf") {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			p := filepath.Join(dir, name)
			f, err := os.Open(p)
			if err != nil {
				return nil, err
			}
			frag, err := ParseFragment(p, tier, f, log)
			f.Close()
			if err != nil {
				return nil, err
			}
			frags = append(frags, frag)
		}
	}
	return frags, nil
}

// CommandLineFragment wraps arguments given on the command line as a
// synthetic fragment above every directory tier.
func CommandLineFragment(args []string, aboveTier int) Fragment {
	frag := Fragment{Path: "<command line>", Tier: aboveTier + 1}
	for _, a := range args {
		if d, ok := parseArg(strings.TrimSpace(a)); ok {
			d.Kind = Set
			frag.Directives = append(frag.Directives, d)
		}
	}
	return frag
}
