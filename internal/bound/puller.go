package bound

import (
	"context"
	"log/slog"

	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	oras "oras.land/oras-go/v2"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/bootkit-org/bootkit/internal/sysroot"
)

// Puller fetches one image into the local store. The registry transport
// behind it is an external collaborator; tests substitute fakes.
type Puller interface {
	Pull(ctx context.Context, ref string) (v1.Descriptor, error)
}

// RegistryPuller copies images from their registry into the image store.
type RegistryPuller struct {
	store     *sysroot.ImageStore
	plainHTTP bool
	log       *slog.Logger
}

func NewRegistryPuller(store *sysroot.ImageStore, plainHTTP bool, log *slog.Logger) *RegistryPuller {
	return &RegistryPuller{store: store, plainHTTP: plainHTTP, log: log}
}

func (p *RegistryPuller) Pull(ctx context.Context, ref string) (v1.Descriptor, error) {
	repo, err := remote.NewRepository(ref)
	if err != nil {
		return v1.Descriptor{}, err
	}
	repo.PlainHTTP = p.plainHTTP
	repo.Client = &auth.Client{
		Client: retry.DefaultClient,
		Cache:  auth.NewCache(),
	}

	tag := repo.Reference.Reference
	if tag == "" {
		tag = "latest"
	}

	p.log.Debug("pulling image", slog.String("ref", ref))
	desc, err := oras.Copy(ctx, repo, tag, p.store.Target(), ref, oras.DefaultCopyOptions)
	if err != nil {
		return v1.Descriptor{}, err
	}
	return desc, nil
}
