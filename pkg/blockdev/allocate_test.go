package blockdev

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAllocateImageExactSize(t *testing.T) {
	tests := []struct {
		sizeMB int
		want   int64
	}{
		{1, 1024 * 1024},
		{16, 16 * 1024 * 1024},
		{256, 256 * 1024 * 1024},
	}

	for _, tt := range tests {
		path := filepath.Join(t.TempDir(), "rootfs.ext4")
		info, err := AllocateImage(path, tt.sizeMB)
		if err != nil {
			t.Fatalf("AllocateImage(%d) failed: %v", tt.sizeMB, err)
		}

		fi, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat failed: %v", err)
		}
		if fi.Size() != tt.want || info.Size != tt.want {
			t.Errorf("size = %d (info %d), want %d", fi.Size(), info.Size, tt.want)
		}
	}
}

func TestAllocateImageResetsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rootfs.ext4")
	if err := os.WriteFile(path, []byte("stale contents"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := AllocateImage(path, 2); err != nil {
		t.Fatalf("AllocateImage failed: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	head := make([]byte, 5)
	if _, err := f.Read(head); err != nil {
		t.Fatal(err)
	}
	for _, b := range head {
		if b != 0 {
			t.Fatal("expected image to be zeroed after reallocation")
		}
	}
}

func TestAllocateImageRejectsNonPositive(t *testing.T) {
	if _, err := AllocateImage(filepath.Join(t.TempDir(), "x"), 0); err == nil {
		t.Error("expected error for zero size")
	}
}
