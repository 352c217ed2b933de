package bound

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cenkalti/backoff/v4"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"

	"github.com/bootkit-org/bootkit/internal/sysroot"
	"github.com/bootkit-org/bootkit/models"
)

// DefaultParallelism bounds concurrent pulls; network fetches are the only
// parallel work in the system.
const DefaultParallelism = 2

const pullRetries = 2

type Options struct {
	// BestEffort downgrades pull failures to report entries instead of an
	// error. Boot-time reconciliation of an already-booted deployment is
	// best-effort; staging is not.
	BestEffort bool
}

type Failure struct {
	Image  string `json:"image"`
	Reason string `json:"reason"`
}

// Report describes one reconciliation pass.
type Report struct {
	Deployment string    `json:"deployment"`
	Pulled     []string  `json:"pulled,omitempty"`
	Present    []string  `json:"present,omitempty"`
	Failures   []Failure `json:"failures,omitempty"`
}

// Reconciler computes and executes the delta between a deployment's
// declared bound images and the image store. Callers hold the storage
// root lock; passes are serialized per root.
type Reconciler struct {
	store    *sysroot.ImageStore
	puller   Puller
	parallel int
	log      *slog.Logger
}

func NewReconciler(store *sysroot.ImageStore, puller Puller, log *slog.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		puller:   puller,
		parallel: DefaultParallelism,
		log:      log,
	}
}

// Reconcile brings the store in line with d's bound image set. It is
// idempotent: when every image is already present and none demands a
// fresh pull, no network call is made.
func (r *Reconciler) Reconcile(ctx context.Context, d *models.Deployment, opts Options) (*Report, error) {
	report := &Report{Deployment: d.ID()}

	var needed []models.BoundImageSpec
	for _, spec := range d.BoundImages {
		if spec.Pull == models.PullAlways {
			needed = append(needed, spec)
			continue
		}
		state, _, err := r.store.Present(ctx, spec.Image)
		if err != nil {
			return report, err
		}
		if state == models.ImagePresent {
			report.Present = append(report.Present, spec.Image)
			continue
		}
		needed = append(needed, spec)
	}
	if len(needed) == 0 {
		return report, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallel)
	for _, spec := range needed {
		g.Go(func() error {
			_, err := r.pull(gctx, spec.Image)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failures = append(report.Failures, Failure{Image: spec.Image, Reason: err.Error()})
				if opts.BestEffort {
					r.log.Warn("bound image pull failed, continuing",
						slog.String("deployment", d.ID()),
						slog.String("image", spec.Image),
						slog.Any("err", err))
					return nil
				}
				return err
			}
			report.Pulled = append(report.Pulled, spec.Image)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, fmt.Errorf("%w: %s", models.ErrNetworkTransient, err)
	}
	return report, nil
}

// pull retries transient registry failures with bounded exponential
// backoff before giving up.
func (r *Reconciler) pull(ctx context.Context, ref string) (v1.Descriptor, error) {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), pullRetries), ctx)
	return backoff.RetryWithData(func() (v1.Descriptor, error) {
		return r.puller.Pull(ctx, ref)
	}, bo)
}

// Resolve returns the manifest descriptors of a deployment's bound images
// so the caller can pin them. It is a local-only lookup.
func (r *Reconciler) Resolve(ctx context.Context, d *models.Deployment) (map[string]v1.Descriptor, error) {
	out := map[string]v1.Descriptor{}
	for _, spec := range d.BoundImages {
		desc, err := r.store.Resolve(ctx, spec.Image)
		if err != nil {
			return nil, fmt.Errorf("bound image %s not resolvable: %w", spec.Image, err)
		}
		out[spec.Image] = desc
	}
	return out, nil
}
