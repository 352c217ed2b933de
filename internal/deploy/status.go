package deploy

import (
	"context"
	"fmt"

	"github.com/bootkit-org/bootkit/models"
)

// Status builds the versioned machine-readable deployment description.
// It takes no lock: the index file is replaced atomically, so a plain read
// is a consistent snapshot.
func (m *Manager) Status(ctx context.Context) (*models.Status, error) {
	idx, err := m.sys.LoadIndex()
	if err != nil {
		return nil, err
	}

	st := &models.Status{
		APIVersion:      models.StatusAPIVersion,
		Deployments:     []models.DeploymentStatus{},
		RebootRequested: m.sys.RebootRequested(),
	}
	for _, d := range idx.Deployments {
		ds := models.DeploymentStatus{
			ID:          d.ID(),
			Serial:      d.Serial,
			State:       d.State,
			Commit:      d.Commit,
			ImageRef:    d.ImageRef,
			ImageDigest: d.ImageDigest.String(),
			Kargs:       d.Kargs,
		}
		for _, spec := range d.BoundImages {
			pull, _, err := m.sys.Images().Present(ctx, spec.Image)
			if err != nil {
				return nil, err
			}
			ds.BoundImages = append(ds.BoundImages, models.BoundImageStatus{
				Image: spec.Image,
				Pull:  spec.Pull,
				State: pull,
			})
		}
		st.Deployments = append(st.Deployments, ds)
	}
	return st, nil
}

// Finding is one consistency problem reported by Fsck.
type Finding struct {
	Deployment string `json:"deployment,omitempty"`
	Problem    string `json:"problem"`
}

// Fsck walks the deployment index and both stores and reports invariant
// violations without repairing anything. Read-only and lock-free.
func (m *Manager) Fsck(ctx context.Context) ([]Finding, error) {
	idx, err := m.sys.LoadIndex()
	if err != nil {
		return nil, err
	}

	var findings []Finding
	add := func(d *models.Deployment, format string, args ...any) {
		f := Finding{Problem: fmt.Sprintf(format, args...)}
		if d != nil {
			f.Deployment = d.ID()
		}
		findings = append(findings, f)
	}

	if err := idx.Check(); err != nil {
		add(nil, "%s", err)
	}

	for _, d := range idx.Deployments {
		if d.State == models.StatePendingGC {
			continue
		}
		if !m.sys.Commits().Has(d.Commit) {
			add(d, "commit %s missing from commit store", d.Commit)
		}
		for _, ref := range d.ImageRefs() {
			state, _, err := m.sys.Images().Present(ctx, ref)
			if err != nil {
				return findings, err
			}
			if state != models.ImagePresent {
				add(d, "image %s is %s", ref, state)
			}
		}
		if n, err := m.sys.Commits().RefCount(d.Commit); err != nil {
			return findings, err
		} else if n == 0 {
			add(d, "commit %s is live but unpinned", d.Commit)
		}
		if !m.sys.HasOrigin(d.ID()) {
			add(d, "origin file missing")
		}
	}
	return findings, nil
}
