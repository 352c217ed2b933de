package deploy

import (
	"context"

	"github.com/bootkit-org/bootkit/internal/bound"
	"github.com/bootkit-org/bootkit/models"
)

// ReconcileAll runs a bound-image reconciliation pass over every live
// deployment. A staged deployment always keeps the hard completeness
// guarantee; for booted and rollback deployments bestEffort downgrades
// pull failures to report entries, which is how the deferred boot-phase
// unit invokes this.
func (m *Manager) ReconcileAll(ctx context.Context, bestEffort bool) ([]*bound.Report, error) {
	lock, err := m.sys.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	idx, err := m.sys.LoadIndex()
	if err != nil {
		return nil, err
	}
	if err := idx.Check(); err != nil {
		return nil, err
	}

	var reports []*bound.Report
	for _, d := range idx.Deployments {
		if !d.Live() {
			continue
		}
		opts := bound.Options{BestEffort: bestEffort && d.State != models.StateStaged}
		rep, err := m.recon.Reconcile(ctx, d, opts)
		if err != nil {
			return reports, err
		}
		reports = append(reports, rep)
	}
	return reports, nil
}
