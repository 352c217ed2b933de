// Package bound reconciles a deployment's declared bound images against
// the local image store, pulling only what is missing or stale.
package bound

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"oras.land/oras-go/v2/registry"

	"github.com/bootkit-org/bootkit/models"
)

// LoadDropins reads bound-image declarations from the given directories,
// lowest priority first. Within a directory files apply in lexical name
// order; a declaration for a repository already declared at a lower
// priority overrides it, regardless of tag or digest. Missing directories
// contribute nothing.
func LoadDropins(dirs []string, log *slog.Logger) ([]models.BoundImageSpec, error) {
	byRepo := map[string]models.BoundImageSpec{}
	var order []string

	for _, dir := range dirs {
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
			specs, err := parseDropin(p, f, log)
			f.Close()
			if err != nil {
				return nil, err
			}
			for _, spec := range specs {
				repo := repositoryOf(spec.Image)
				if _, known := byRepo[repo]; !known {
					order = append(order, repo)
				}
				byRepo[repo] = spec
			}
		}
	}

	out := make([]models.BoundImageSpec, 0, len(order))
	for _, repo := range order {
		out = append(out, byRepo[repo])
	}
	return out, nil
}

// repositoryOf strips the tag or digest from an image reference so that
// override resolution keys on the repository alone. Unparseable references
// key on their raw text.
func repositoryOf(ref string) string {
	r, err := registry.ParseReference(ref)
	if err != nil {
		return ref
	}
	r.Reference = ""
	return r.String()
}

func parseDropin(path string, r io.Reader, log *slog.Logger) ([]models.BoundImageSpec, error) {
	var specs []models.BoundImageSpec
	sc := bufio.NewScanner(r)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		spec, err := parseDirective(line)
		if err != nil {
			log.Warn("skipping malformed bound-image line",
				slog.String("file", path), slog.Int("line", lineno), slog.Any("err", err))
			continue
		}
		spec.Source = path
		specs = append(specs, spec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return specs, nil
}

func parseDirective(line string) (models.BoundImageSpec, error) {
	spec := models.BoundImageSpec{
		Pull:  models.PullIfNotPresent,
		Scope: models.ScopeDeployment,
	}
	for _, field := range strings.Fields(line) {
		key, value, found := strings.Cut(field, "=")
		if !found {
			return spec, fmt.Errorf("expected key=value, got %q", field)
		}
		switch key {
		case "image":
			spec.Image = value
		case "pull":
			switch models.PullPolicy(value) {
			case models.PullAlways, models.PullIfNotPresent:
				spec.Pull = models.PullPolicy(value)
			default:
				return spec, fmt.Errorf("unknown pull policy %q", value)
			}
		case "scope":
			switch models.BindScope(value) {
			case models.ScopeDeployment, models.ScopeShared:
				spec.Scope = models.BindScope(value)
			default:
				return spec, fmt.Errorf("unknown scope %q", value)
			}
		default:
			return spec, fmt.Errorf("unknown key %q", key)
		}
	}
	if spec.Image == "" {
		return spec, fmt.Errorf("missing image reference")
	}
	return spec, nil
}
