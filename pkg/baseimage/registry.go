package baseimage

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/btcdash/microvm/pkg/errors"
	"github.com/btcdash/microvm/pkg/security"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// RegistrySource pulls an image for the host architecture and flattens its
// layers into a directory.
type RegistrySource struct {
	ref       string
	validator *security.Validator
	platform  v1.Platform
}

// NewRegistrySource creates a source for an image reference like "alpine:3.19".
func NewRegistrySource(ref string, validator *security.Validator) *RegistrySource {
	return &RegistrySource{
		ref:       ref,
		validator: validator,
		platform:  v1.Platform{OS: "linux", Architecture: runtime.GOARCH},
	}
}

func (s *RegistrySource) Name() string { return "registry:" + s.ref }

// Export pulls the image and applies its layers in order into destDir.
func (s *RegistrySource) Export(ctx context.Context, destDir string) error {
	ref, err := name.ParseReference(s.ref)
	if err != nil {
		return fmt.Errorf("parse image ref %q: %w", s.ref, err)
	}

	slog.Info("base_image_pull", "ref", s.ref, "platform", s.platform.OS+"/"+s.platform.Architecture)

	img, err := remote.Image(ref, remote.WithContext(ctx), remote.WithPlatform(s.platform))
	if err != nil {
		return errors.Wrap(err, "pull "+s.ref)
	}

	return s.unpack(ctx, img, destDir)
}

func (s *RegistrySource) unpack(ctx context.Context, img v1.Image, destDir string) error {
	layers, err := img.Layers()
	if err != nil {
		return fmt.Errorf("get layers: %w", err)
	}

	s.validator.Reset()
	for i, layer := range layers {
		if err := s.unpackLayer(ctx, layer, destDir); err != nil {
			return fmt.Errorf("unpack layer %d: %w", i, err)
		}
	}

	digest, _ := img.Digest()
	slog.Info("base_image_unpacked", "ref", s.ref, "digest", digest.String(), "layers", len(layers), "size_mb", s.validator.GetCurrentTotalSize()/1024/1024)
	return nil
}

func (s *RegistrySource) unpackLayer(ctx context.Context, layer v1.Layer, destDir string) error {
	// klauspost gzip is several times faster than layer.Uncompressed()
	rc, err := layer.Compressed()
	if err != nil {
		return fmt.Errorf("get compressed layer: %w", err)
	}
	defer rc.Close()

	r, err := maybeGunzip(rc)
	if err != nil {
		return err
	}

	return extractTar(ctx, r, destDir, s.validator, true)
}
