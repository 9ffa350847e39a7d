// Package baseimage exports the base OS filesystem tree the root filesystem
// is assembled on. The tree comes either from a container registry or from a
// local export tarball; both are treated as opaque inputs.
package baseimage

import (
	"context"

	"github.com/btcdash/microvm/pkg/security"
)

// Source exports a base OS tree into an empty directory.
type Source interface {
	Name() string
	Export(ctx context.Context, destDir string) error
}

// New picks the tarball source when tarball is set, the registry image otherwise.
func New(imageRef, tarball string, validator *security.Validator) Source {
	if tarball != "" {
		return NewTarballSource(tarball, validator)
	}
	return NewRegistrySource(imageRef, validator)
}
