package baseimage

import (
	"archive/tar"
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcdash/microvm/pkg/security"
	securejoin "github.com/cyphar/filepath-securejoin"
	gzip "github.com/klauspost/compress/gzip"
)

// TarballSource exports a base tree from a local `docker export` style tarball,
// plain or gzip-compressed.
type TarballSource struct {
	path      string
	validator *security.Validator
}

// NewTarballSource creates a source reading the tarball at path.
func NewTarballSource(path string, validator *security.Validator) *TarballSource {
	return &TarballSource{path: path, validator: validator}
}

func (s *TarballSource) Name() string { return "tarball:" + s.path }

// Export extracts the tarball into destDir with security validation
func (s *TarballSource) Export(ctx context.Context, destDir string) error {
	s.validator.Reset()

	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("failed to open tar: %w", err)
	}
	defer f.Close()

	r, err := maybeGunzip(f)
	if err != nil {
		return err
	}

	slog.Info("base_tarball_extract", "path", s.path, "dest", destDir)
	if err := extractTar(ctx, r, destDir, s.validator, false); err != nil {
		return err
	}

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat tar: %w", err)
	}

	return s.validator.ValidateCompressionRatio(fi.Size(), s.validator.GetCurrentTotalSize())
}

// maybeGunzip sniffs the gzip magic and wraps r in a decompressor if present.
func maybeGunzip(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read tar header: %w", err)
	}
	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		return gz, nil
	}
	return br, nil
}

// extractTar extracts a tar stream into destDir. When whiteouts is set, OCI
// whiteout entries delete the paths they name instead of being written.
func extractTar(ctx context.Context, r io.Reader, destDir string, validator *security.Validator, whiteouts bool) error {
	tarReader := tar.NewReader(r)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("tar read error: %w", err)
		}

		name := strings.TrimPrefix(header.Name, "./")
		if name == "" || name == "." {
			continue
		}

		if err := validator.CheckEntry(header); err != nil {
			return fmt.Errorf("invalid tar entry: %w", err)
		}

		if whiteouts {
			base := filepath.Base(name)
			dir := filepath.Dir(name)
			if base == ".wh..wh..opq" {
				// Opaque whiteout: drop everything lower layers put in this directory
				opqDir, err := securejoin.SecureJoin(destDir, dir)
				if err != nil {
					return fmt.Errorf("failed to resolve %s: %w", dir, err)
				}
				entries, _ := os.ReadDir(opqDir)
				for _, e := range entries {
					os.RemoveAll(filepath.Join(opqDir, e.Name()))
				}
				continue
			}
			if strings.HasPrefix(base, ".wh.") {
				hidden, err := resolveEntry(destDir, filepath.Join(dir, strings.TrimPrefix(base, ".wh.")))
				if err != nil {
					return err
				}
				os.RemoveAll(hidden)
				continue
			}
		}

		switch header.Typeflag {
		case tar.TypeDir:
			target, err := securejoin.SecureJoin(destDir, name)
			if err != nil {
				return fmt.Errorf("failed to resolve %s: %w", name, err)
			}
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			if err := os.Chmod(target, header.FileInfo().Mode()); err != nil {
				return fmt.Errorf("failed to chmod directory: %w", err)
			}

		case tar.TypeReg:
			target, err := resolveEntry(destDir, name)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("failed to create parent dir: %w", err)
			}

			// Lower layers may have left a symlink or file here
			os.Remove(target)

			outFile, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, header.FileInfo().Mode().Perm())
			if err != nil {
				return fmt.Errorf("failed to create file: %w", err)
			}

			if _, err := io.Copy(outFile, tarReader); err != nil {
				outFile.Close()
				return fmt.Errorf("failed to write file: %w", err)
			}
			outFile.Close()

			// Keep setuid/setgid bits (busybox su, ping)
			if err := os.Chmod(target, header.FileInfo().Mode()); err != nil {
				return fmt.Errorf("failed to chmod file: %w", err)
			}

		case tar.TypeSymlink:
			target, err := resolveEntry(destDir, name)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("failed to create parent dir: %w", err)
			}
			os.Remove(target)
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("failed to create symlink: %w", err)
			}

		case tar.TypeLink:
			target, err := resolveEntry(destDir, name)
			if err != nil {
				return err
			}
			source, err := securejoin.SecureJoin(destDir, strings.TrimPrefix(header.Linkname, "./"))
			if err != nil {
				return fmt.Errorf("failed to resolve %s: %w", header.Linkname, err)
			}
			os.Remove(target)
			if err := os.Link(source, target); err != nil {
				return fmt.Errorf("failed to create hardlink: %w", err)
			}

		default:
			// Device nodes and fifos are provided by devtmpfs at boot
			slog.Debug("tar_entry_skipped", "name", name, "type", string(header.Typeflag))
		}
	}

	return nil
}

// resolveEntry maps an archive name to a path under destDir. Symlinks already
// extracted into the parent path are followed the way the guest would see
// them, scoped to destDir, so an entry can never land outside it. The last
// element is not resolved so the entry replaces whatever is there.
func resolveEntry(destDir, name string) (string, error) {
	parent, err := securejoin.SecureJoin(destDir, filepath.Dir(name))
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", name, err)
	}
	return filepath.Join(parent, filepath.Base(name)), nil
}
