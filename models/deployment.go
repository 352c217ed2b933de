package models

import (
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"
)

// DeploymentState is the lifecycle position of a deployment record.
type DeploymentState string

const (
	StateStaged    DeploymentState = "staged"
	StateBooted    DeploymentState = "booted"
	StateRollback  DeploymentState = "rollback"
	StatePendingGC DeploymentState = "pending-gc"
)

// PullPolicy controls when a bound image is fetched from its registry.
type PullPolicy string

const (
	PullAlways       PullPolicy = "always"
	PullIfNotPresent PullPolicy = "if-not-present"
)

// BindScope controls whether a bound image reference is held by a single
// deployment or shared across all deployments that declare it.
type BindScope string

const (
	ScopeDeployment BindScope = "deployment"
	ScopeShared     BindScope = "shared"
)

// BoundImageSpec declares a container image whose presence in the local
// image store is tied to a deployment's lifecycle.
type BoundImageSpec struct {
	// Image reference as written in the drop-in, e.g. quay.io/acme/agent:v3
	Image string     `json:"image"`
	Pull  PullPolicy `json:"pull"`
	Scope BindScope  `json:"scope"`
	// Path of the drop-in fragment that declared this image. Provenance
	// only; two specs differing solely in Source are the same binding.
	Source string `json:"source,omitempty"`
}

// Deployment is one staged/booted/rollback instance of an OS root
// filesystem tree derived from a container image.
type Deployment struct {
	// Serial is the monotonically increasing creation counter. Together
	// with Commit it forms the deployment identity.
	Serial uint64 `json:"serial"`
	// Commit is the content hash of the root filesystem tree.
	Commit string `json:"commit"`

	ImageRef    string        `json:"imageRef"`
	ImageDigest digest.Digest `json:"imageDigest"`

	State DeploymentState `json:"state"`

	// Kargs is the final merged kernel-argument overlay. Immutable once
	// the record leaves StateStaged for the first time.
	Kargs []string `json:"kargs,omitempty"`

	BoundImages []BoundImageSpec `json:"boundImages,omitempty"`

	// PinnedImages are the manifest digests this deployment holds
	// references on in the image store: the origin image first, then the
	// bound images as resolved at stage time.
	PinnedImages []digest.Digest `json:"pinnedImages,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// ID renders the human identity, e.g. "3f91ab2c.7".
func (d *Deployment) ID() string {
	c := d.Commit
	if len(c) > 8 {
		c = c[:8]
	}
	return fmt.Sprintf("%s.%d", c, d.Serial)
}

// Live reports whether the deployment anchors objects that garbage
// collection must never reclaim.
func (d *Deployment) Live() bool {
	switch d.State {
	case StateBooted, StateStaged, StateRollback:
		return true
	}
	return false
}

// ImageRefs returns the full set of image references the deployment holds,
// origin image first.
func (d *Deployment) ImageRefs() []string {
	refs := make([]string, 0, len(d.BoundImages)+1)
	if d.ImageRef != "" {
		refs = append(refs, d.ImageRef)
	}
	for _, b := range d.BoundImages {
		refs = append(refs, b.Image)
	}
	return refs
}
