package rootfs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// copyFile copies a regular file, creating parent directories as needed.
func copyFile(src, dst string, perm os.FileMode) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", src)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := createFile(dst, perm)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		dstFile.Close()
		return err
	}
	if err := dstFile.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, perm)
}

// createFile creates dst exclusively, first removing whatever is there, so
// a symlink at dst is replaced rather than written through.
func createFile(dst string, perm os.FileMode) (*os.File, error) {
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
}

// writeFile is os.WriteFile through createFile.
func writeFile(dst string, data []byte, perm os.FileMode) error {
	f, err := createFile(dst, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, perm)
}

// ensureDir makes path a real directory, replacing a symlink or file left
// there by the base tree.
func ensureDir(path string, mode os.FileMode) error {
	fi, err := os.Lstat(path)
	switch {
	case err == nil && fi.IsDir():
	case err == nil:
		if err := os.Remove(path); err != nil {
			return err
		}
		if err := os.Mkdir(path, 0755); err != nil {
			return err
		}
	case os.IsNotExist(err):
		if err := os.Mkdir(path, 0755); err != nil {
			return err
		}
	default:
		return err
	}
	return os.Chmod(path, mode)
}

// copyDir recursively copies src into dst, preserving modes and symlinks.
// Directories already under dst are never followed if they are symlinks.
func copyDir(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", src)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		dstPath := filepath.Join(dst, relPath)

		if info.IsDir() {
			return ensureDir(dstPath, info.Mode())
		}

		// Preserve symlinks as symlinks
		if info.Mode()&os.ModeSymlink != 0 {
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := os.Remove(dstPath); err != nil && !os.IsNotExist(err) {
				return err
			}
			return os.Symlink(linkTarget, dstPath)
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		return copyFile(path, dstPath, info.Mode())
	})
}

// treeSize sums the sizes of the regular files under root.
func treeSize(root string) (int64, error) {
	var size int64
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}

// publishFile copies src over dst atomically: the data lands in a temp file
// next to dst and is renamed into place.
func publishFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	tmp.Close()

	if err := copyFile(src, tmpPath, 0644); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
