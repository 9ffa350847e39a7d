// Package security bounds what an untrusted base OS archive may write into a
// build workspace.
package security

import (
	"archive/tar"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
)

// Violation is returned for an archive entry that breaks a rule.
type Violation struct {
	Entry  string
	Reason string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("security: %s: %s", v.Reason, v.Entry)
}

// Validator checks archive entries one at a time and keeps a running total of
// extracted bytes across one export. Start a new export with Reset.
type Validator struct {
	maxFileSize         int64
	maxTotalSize        int64
	maxCompressionRatio float64

	mu        sync.Mutex
	extracted int64
}

// NewValidator creates a validator with per-file, per-export and
// compression-ratio limits.
func NewValidator(maxFileSize, maxTotalSize int64, maxCompressionRatio float64) *Validator {
	slog.Debug("security_validator_init",
		"max_file_size_mb", maxFileSize>>20,
		"max_total_size_mb", maxTotalSize>>20,
		"max_compression_ratio", maxCompressionRatio)

	return &Validator{
		maxFileSize:         maxFileSize,
		maxTotalSize:        maxTotalSize,
		maxCompressionRatio: maxCompressionRatio,
	}
}

// ValidatePath rejects absolute names and names that climb out of the
// extraction root. A leading "./", as docker export writes, is fine.
func (v *Validator) ValidatePath(name string) error {
	name = strings.TrimPrefix(name, "./")
	if path.IsAbs(name) {
		return v.reject(name, "absolute path")
	}
	if climbs(name) {
		return v.reject(name, "path traversal")
	}
	return nil
}

// ValidateSymlink checks the target of the symlink at link. Absolute targets
// resolve inside the guest root and are allowed (bin/sh -> /bin/busybox);
// relative ones must not climb above it once joined to the link's directory.
func (v *Validator) ValidateSymlink(link, target string) error {
	if path.IsAbs(target) {
		return nil
	}
	if climbs(path.Join(path.Dir(strings.TrimPrefix(link, "./")), target)) {
		return v.reject(link+" -> "+target, "symlink escapes root")
	}
	return nil
}

// CheckEntry validates a tar header before it is extracted: the entry name,
// the link target of symlinks and hardlinks, and the size of regular files,
// which also counts against the export total.
func (v *Validator) CheckEntry(hdr *tar.Header) error {
	if err := v.ValidatePath(hdr.Name); err != nil {
		return err
	}

	switch hdr.Typeflag {
	case tar.TypeSymlink:
		return v.ValidateSymlink(hdr.Name, hdr.Linkname)
	case tar.TypeLink:
		return v.ValidatePath(hdr.Linkname)
	case tar.TypeReg:
		if err := v.ValidateFileSize(hdr.Size); err != nil {
			return err
		}
		return v.AddExtractedSize(hdr.Size)
	}
	return nil
}

// ValidateFileSize checks a single file against the per-file limit.
func (v *Validator) ValidateFileSize(size int64) error {
	if size > v.maxFileSize {
		slog.Error("security_file_size_exceeded", "size", size, "max_file_size", v.maxFileSize)
		return fmt.Errorf("security: file size %d exceeds max %d", size, v.maxFileSize)
	}
	return nil
}

// AddExtractedSize adds size to the export total and fails once the total
// passes the limit.
func (v *Validator) AddExtractedSize(size int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.extracted += size
	if v.extracted > v.maxTotalSize {
		slog.Error("security_total_size_exceeded", "extracted", v.extracted, "max_total_size", v.maxTotalSize)
		return fmt.Errorf("security: total extracted size %d exceeds max %d", v.extracted, v.maxTotalSize)
	}
	return nil
}

// ValidateCompressionRatio rejects archives that expand by more than the
// configured ratio.
func (v *Validator) ValidateCompressionRatio(compressedSize, uncompressedSize int64) error {
	if compressedSize <= 0 {
		return fmt.Errorf("security: compressed size must be positive, got %d", compressedSize)
	}

	ratio := float64(uncompressedSize) / float64(compressedSize)
	if ratio > v.maxCompressionRatio {
		slog.Error("security_compression_bomb_detected", "ratio", ratio, "max_ratio", v.maxCompressionRatio)
		return fmt.Errorf("security: compression ratio %.2f exceeds max %.2f", ratio, v.maxCompressionRatio)
	}

	slog.Debug("security_compression_validated", "ratio", ratio)
	return nil
}

// Reset zeroes the running total before an export.
func (v *Validator) Reset() {
	v.mu.Lock()
	v.extracted = 0
	v.mu.Unlock()
}

// GetCurrentTotalSize returns the bytes counted since the last Reset.
func (v *Validator) GetCurrentTotalSize() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.extracted
}

func (v *Validator) reject(entry, reason string) error {
	slog.Error("security_entry_rejected", "entry", entry, "reason", reason)
	return &Violation{Entry: entry, Reason: reason}
}

// climbs reports whether a relative slash path ever rises above its root
// while being walked element by element.
func climbs(p string) bool {
	depth := 0
	for _, elem := range strings.Split(p, "/") {
		switch elem {
		case "", ".":
		case "..":
			depth--
			if depth < 0 {
				return true
			}
		default:
			depth++
		}
	}
	return false
}
