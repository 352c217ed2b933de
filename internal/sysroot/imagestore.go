package sysroot

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/content/oci"
	"oras.land/oras-go/v2/errdef"

	"github.com/bootkit-org/bootkit/models"
)

// ImageStore is the digest-addressed side of the storage root: a standard
// OCI image layout managed through oras. Images are stored once per digest
// no matter how many deployments reference them; deployments hold pins,
// not copies. oras stages incoming blobs in an ingest area and renames
// them into blobs/ only when complete, so an aborted pull never links a
// partial blob under its final name.
type ImageStore struct {
	dir string
	log *slog.Logger
	oci *oci.Store
}

const imageRefsFile = "refs.json"

func openImageStore(dir string, log *slog.Logger) (*ImageStore, error) {
	store, err := oci.New(dir)
	if err != nil {
		return nil, fmt.Errorf("opening image store %s: %w", dir, err)
	}
	return &ImageStore{dir: dir, log: log, oci: store}, nil
}

// Target exposes the underlying oras target for use as a pull destination.
func (s *ImageStore) Target() *oci.Store { return s.oci }

func (s *ImageStore) Resolve(ctx context.Context, ref string) (v1.Descriptor, error) {
	return s.oci.Resolve(ctx, ref)
}

func (s *ImageStore) Tag(ctx context.Context, desc v1.Descriptor, ref string) error {
	return s.oci.Tag(ctx, desc, ref)
}

// Present reports whether the image behind ref is fully present: resolved,
// and every blob its manifest references exists. A resolvable manifest with
// missing blobs reports ImagePartial, which callers treat as not present.
func (s *ImageStore) Present(ctx context.Context, ref string) (models.ImagePullState, v1.Descriptor, error) {
	desc, err := s.oci.Resolve(ctx, ref)
	if err != nil {
		if errors.Is(err, errdef.ErrNotFound) {
			return models.ImageMissing, v1.Descriptor{}, nil
		}
		return models.ImageMissing, v1.Descriptor{}, err
	}

	blobs, err := s.manifestBlobs(ctx, desc)
	if err != nil {
		return models.ImagePartial, desc, nil
	}
	for _, b := range blobs {
		ok, err := s.oci.Exists(ctx, b)
		if err != nil {
			return models.ImagePartial, desc, err
		}
		if !ok {
			return models.ImagePartial, desc, nil
		}
	}
	return models.ImagePresent, desc, nil
}

func (s *ImageStore) manifestBlobs(ctx context.Context, desc v1.Descriptor) ([]v1.Descriptor, error) {
	raw, err := content.FetchAll(ctx, s.oci, desc)
	if err != nil {
		return nil, err
	}
	switch desc.MediaType {
	case v1.MediaTypeImageIndex:
		var idx v1.Index
		if err := json.Unmarshal(raw, &idx); err != nil {
			return nil, err
		}
		return idx.Manifests, nil
	default:
		var m v1.Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return append([]v1.Descriptor{m.Config}, m.Layers...), nil
	}
}

func (s *ImageStore) Pin(d digest.Digest) error   { return s.bumpRef(d, 1) }
func (s *ImageStore) Unpin(d digest.Digest) error { return s.bumpRef(d, -1) }

func (s *ImageStore) bumpRef(d digest.Digest, delta int) error {
	refs, err := s.loadRefs()
	if err != nil {
		return err
	}
	n := refs[d.String()] + delta
	if n < 0 {
		n = 0
	}
	if n == 0 {
		delete(refs, d.String())
	} else {
		refs[d.String()] = n
	}
	return s.saveRefs(refs)
}

func (s *ImageStore) RefCount(d digest.Digest) (int, error) {
	refs, err := s.loadRefs()
	if err != nil {
		return 0, err
	}
	return refs[d.String()], nil
}

func (s *ImageStore) Tags(ctx context.Context) ([]string, error) {
	var tags []string
	err := s.oci.Tags(ctx, "", func(page []string) error {
		tags = append(tags, page...)
		return nil
	})
	return tags, err
}

// GC removes tagged images that are unpinned and outside the live set.
// Unreferenced blobs are reclaimed alongside their manifests.
func (s *ImageStore) GC(ctx context.Context, live map[digest.Digest]bool) ([]string, error) {
	refs, err := s.loadRefs()
	if err != nil {
		return nil, err
	}
	tags, err := s.Tags(ctx)
	if err != nil {
		return nil, err
	}
	var reclaimed []string
	for _, tag := range tags {
		desc, err := s.oci.Resolve(ctx, tag)
		if err != nil {
			continue
		}
		if refs[desc.Digest.String()] > 0 || live[desc.Digest] {
			continue
		}
		if err := s.oci.Delete(ctx, desc); err != nil {
			return reclaimed, fmt.Errorf("deleting %s: %w", tag, err)
		}
		reclaimed = append(reclaimed, tag)
		s.log.Info("reclaimed image", slog.String("ref", tag), slog.String("digest", desc.Digest.String()))
	}
	if len(reclaimed) > 0 {
		// Deleting a manifest leaves its layer and config blobs behind;
		// sweep them out of blobs/ as well.
		if err := s.oci.GC(ctx); err != nil {
			return reclaimed, fmt.Errorf("sweeping dangling blobs: %w", err)
		}
	}
	return reclaimed, nil
}

func (s *ImageStore) loadRefs() (map[string]int, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, imageRefsFile))
	if os.IsNotExist(err) {
		return map[string]int{}, nil
	}
	if err != nil {
		return nil, err
	}
	refs := map[string]int{}
	if err := json.Unmarshal(data, &refs); err != nil {
		return nil, models.Corruptf("unreadable image refcounts: %s", err)
	}
	return refs, nil
}

func (s *ImageStore) saveRefs(refs map[string]int) error {
	data, err := json.MarshalIndent(refs, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(s.dir, imageRefsFile), append(data, '\n'), 0o644)
}

// Unpack materializes the root filesystem of the image behind ref into
// destDir by extracting its layers in order. The caller commits the result
// into the commit store; unpacking itself performs no network access.
func (s *ImageStore) Unpack(ctx context.Context, ref, destDir string) error {
	desc, err := s.oci.Resolve(ctx, ref)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", ref, err)
	}
	raw, err := content.FetchAll(ctx, s.oci, desc)
	if err != nil {
		return err
	}

	if desc.MediaType == v1.MediaTypeImageIndex {
		var idx v1.Index
		if err := json.Unmarshal(raw, &idx); err != nil {
			return err
		}
		if len(idx.Manifests) == 0 {
			return fmt.Errorf("image index %s has no manifests", ref)
		}
		desc = idx.Manifests[0]
		if raw, err = content.FetchAll(ctx, s.oci, desc); err != nil {
			return err
		}
	}

	var m v1.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}

	for _, layer := range m.Layers {
		rc, err := s.oci.Fetch(ctx, layer)
		if err != nil {
			return fmt.Errorf("fetching layer %s: %w", layer.Digest, err)
		}
		err = extractLayer(rc, layer.MediaType, destDir)
		rc.Close()
		if err != nil {
			return fmt.Errorf("extracting layer %s: %w", layer.Digest, err)
		}
	}
	return nil
}

func extractLayer(r io.Reader, mediaType, destDir string) error {
	if strings.HasSuffix(mediaType, "+gzip") || strings.HasSuffix(mediaType, ".gzip") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return err
		}
		defer gz.Close()
		r = gz
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		name := filepath.Clean(hdr.Name)
		if name == "." || strings.HasPrefix(name, "..") {
			continue
		}
		target := filepath.Join(destDir, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode).Perm()); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode).Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			src := filepath.Join(destDir, filepath.Clean(hdr.Linkname))
			if err := os.Link(src, target); err != nil {
				return err
			}
		}
	}
}
