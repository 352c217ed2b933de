package models

// StatusAPIVersion identifies the machine-readable status schema. Consumers
// must check this before interpreting the rest of the document.
const StatusAPIVersion = "bootkit.dev/v1"

// ImagePullState describes the presence of one bound image in the store.
type ImagePullState string

const (
	ImagePresent ImagePullState = "present"
	ImageMissing ImagePullState = "missing"
	ImagePartial ImagePullState = "partial"
)

type BoundImageStatus struct {
	Image string         `json:"image"`
	Pull  PullPolicy     `json:"pull"`
	State ImagePullState `json:"state"`
}

type DeploymentStatus struct {
	ID          string             `json:"id"`
	Serial      uint64             `json:"serial"`
	State       DeploymentState    `json:"state"`
	Commit      string             `json:"commit"`
	ImageRef    string             `json:"imageRef"`
	ImageDigest string             `json:"imageDigest"`
	Kargs       []string           `json:"kargs,omitempty"`
	BoundImages []BoundImageStatus `json:"boundImages,omitempty"`
}

// Status is the stable, versioned description of the deployment list,
// ordered newest first by serial. This is the external API consumed by
// fleet tooling; fields are append-only within an apiVersion.
type Status struct {
	APIVersion  string             `json:"apiVersion"`
	Deployments []DeploymentStatus `json:"deployments"`
	// RebootRequested is set when a rollback has been recorded but the
	// machine has not yet rebooted into it.
	RebootRequested bool `json:"rebootRequested,omitempty"`
}
