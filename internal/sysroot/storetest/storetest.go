// Package storetest assembles minimal OCI images for store and
// reconciler tests so they never touch a registry.
package storetest

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"sort"
	"testing"

	specs "github.com/opencontainers/image-spec/specs-go"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	oras "oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/errdef"
)

// PushImage builds a single-layer image from files and pushes it into
// target under ref. Identical file sets produce identical digests.
func PushImage(t *testing.T, ctx context.Context, target oras.Target, ref string, files map[string]string) v1.Descriptor {
	t.Helper()

	layer := tarGzLayer(t, files)
	layerDesc := content.NewDescriptorFromBytes(v1.MediaTypeImageLayerGzip, layer)
	pushBlob(t, ctx, target, layerDesc, layer)

	return pushManifest(t, ctx, target, ref, []v1.Descriptor{layerDesc})
}

// PushPartialImage pushes a manifest whose layer blob is deliberately
// absent from the store, simulating an interrupted pull.
func PushPartialImage(t *testing.T, ctx context.Context, target oras.Target, ref string) v1.Descriptor {
	t.Helper()

	layer := tarGzLayer(t, map[string]string{"missing": "never pushed"})
	layerDesc := content.NewDescriptorFromBytes(v1.MediaTypeImageLayerGzip, layer)

	return pushManifest(t, ctx, target, ref, []v1.Descriptor{layerDesc})
}

func pushManifest(t *testing.T, ctx context.Context, target oras.Target, ref string, layers []v1.Descriptor) v1.Descriptor {
	t.Helper()

	config := []byte("{}")
	configDesc := content.NewDescriptorFromBytes(v1.MediaTypeImageConfig, config)
	pushBlob(t, ctx, target, configDesc, config)

	manifest := v1.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: v1.MediaTypeImageManifest,
		Config:    configDesc,
		Layers:    layers,
	}
	raw, err := json.Marshal(manifest)
	if err != nil {
		t.Fatalf("marshaling manifest: %s", err)
	}
	desc := content.NewDescriptorFromBytes(v1.MediaTypeImageManifest, raw)
	pushBlob(t, ctx, target, desc, raw)

	if err := target.Tag(ctx, desc, ref); err != nil {
		t.Fatalf("tagging %s: %s", ref, err)
	}
	return desc
}

func pushBlob(t *testing.T, ctx context.Context, target oras.Target, desc v1.Descriptor, data []byte) {
	t.Helper()
	err := target.Push(ctx, desc, bytes.NewReader(data))
	if err != nil && !errors.Is(err, errdef.ErrAlreadyExists) {
		t.Fatalf("pushing blob %s: %s", desc.Digest, err)
	}
}

func tarGzLayer(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var names []string
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, name := range names {
		body := files[name]
		hdr := &tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(body)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("writing tar header %s: %s", name, err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatalf("writing tar body %s: %s", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("closing tar: %s", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("closing gzip: %s", err)
	}
	return buf.Bytes()
}
