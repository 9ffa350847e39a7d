package blockdev

// Default configuration values for root filesystem images.
const (
	// DefaultSizeMB is the default image capacity in MiB
	DefaultSizeMB = 256
	// DefaultFSType is the filesystem written onto images
	DefaultFSType = "ext4"
	// DefaultLabel is the filesystem label
	DefaultLabel = "rootfs"
	// MiB is one mebibyte in bytes
	MiB = 1024 * 1024
)
