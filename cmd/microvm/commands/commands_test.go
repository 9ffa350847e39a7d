package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/btcdash/microvm/pkg/db"
	"github.com/btcdash/microvm/pkg/errors"
	"github.com/btcdash/microvm/pkg/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescribe(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&errors.BuildError{Step: "mount", Err: fmt.Errorf("permission denied")}, "build: build mount failed: permission denied"},
		{&errors.LaunchError{Reason: "missing-artifact", Which: "rootfs"}, "run: launch missing-artifact (rootfs)"},
		{errors.Wrap(&errors.FetchError{Reason: "timeout"}, "kernel"), "kernel: kernel: kernel fetch: timeout"},
		{fmt.Errorf("config invalid"), "config invalid"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, describe(tt.err))
	}
}

func TestDefaultConfigValidLink(t *testing.T) {
	cfg := defaultConfig()
	require.NoError(t, linkFromConfig(cfg).Validate())
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"prereqs", "build", "kernel", "network", "run", "clean", "all", "status"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("tap-device"))
}

func TestRecorderFinish(t *testing.T) {
	cfg := defaultConfig()
	cfg.SQLitePath = filepath.Join(t.TempDir(), "runs.db")

	rec := startRecording(cfg, "network")
	require.NotNil(t, rec.repo)
	id := rec.run.ID
	rec.finish(&errors.NetworkError{Reason: "device-exists", Device: "tap0"})

	repo, err := db.NewRepository(cfg.SQLitePath)
	require.NoError(t, err)
	defer repo.Close()

	run, err := repo.Get(id)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, db.StatusFailed, run.Status)
	assert.Equal(t, "network", run.Stage)
	assert.Contains(t, run.ErrorMessage, "device-exists")
}

func TestRecorderWithoutDatabase(t *testing.T) {
	cfg := defaultConfig()
	// A directory where the database file should be
	cfg.SQLitePath = t.TempDir()

	rec := startRecording(cfg, "kernel")
	assert.Nil(t, rec.repo)
	rec.finish(nil)
	assert.Equal(t, db.StatusCompleted, rec.run.Status)
}

func TestLazyProvisionerDefersConstruction(t *testing.T) {
	ctx := context.Background()
	calls := 0
	lp := &lazyProvisioner{build: func() (*network.Provisioner, error) {
		calls++
		return nil, &errors.NetworkError{Reason: "setup", Device: "tap0", Err: fmt.Errorf("tap networking not supported")}
	}}
	assert.Zero(t, calls)

	err := lp.SetupLink(ctx, network.DefaultLink())
	require.Error(t, err)
	assert.Equal(t, "network", errors.StageOf(err))

	assert.NotPanics(t, func() { lp.TeardownLink(ctx, network.DefaultLink()) })
	assert.Equal(t, 1, calls)
}

func TestLinkFlagDefaults(t *testing.T) {
	flags := rootCmd.PersistentFlags()
	assert.Equal(t, network.DefaultDevice, flags.Lookup("tap-device").DefValue)
	assert.Equal(t, network.DefaultHostAddress, flags.Lookup("host-address").DefValue)
	assert.Equal(t, network.DefaultGuestAddress, flags.Lookup("guest-address").DefValue)
	assert.Equal(t, fmt.Sprint(network.DefaultPrefixLen), flags.Lookup("prefix-len").DefValue)
}

func TestCleanNeverFails(t *testing.T) {
	dir := t.TempDir()

	sqlitePath := filepath.Join(dir, "runs.db")
	require.NoError(t, os.WriteFile(sqlitePath, []byte("not a database"), 0644))

	workspaceRoot := filepath.Join(dir, "workspaces")
	workspace := filepath.Join(workspaceRoot, "run-1234")
	require.NoError(t, os.MkdirAll(workspace, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "rootfs.ext4"), []byte("x"), 0644))

	socket := filepath.Join(dir, "firecracker.socket")
	vmConfig := filepath.Join(dir, "vm_config.json")
	require.NoError(t, os.WriteFile(socket, nil, 0600))
	require.NoError(t, os.WriteFile(vmConfig, []byte("{}"), 0644))

	t.Setenv("MICROVM_PREFIX_LEN", "99")
	t.Setenv("MICROVM_SQLITE_PATH", sqlitePath)
	t.Setenv("MICROVM_WORKSPACE_ROOT", workspaceRoot)
	t.Setenv("MICROVM_CONTROL_SOCKET", socket)
	t.Setenv("MICROVM_VM_CONFIG_PATH", vmConfig)
	t.Setenv("MICROVM_LOCK_PATH", filepath.Join(dir, "microvm.lock"))
	t.Setenv("MICROVM_TAP_DEVICE", "mvclean0")

	require.NoError(t, runClean(cleanCmd, nil))

	assert.NoDirExists(t, workspace)
	assert.NoFileExists(t, socket)
	assert.NoFileExists(t, vmConfig)
}

func TestFallbackConfigKeepsLoadedPaths(t *testing.T) {
	root := t.TempDir()
	t.Setenv("MICROVM_PREFIX_LEN", "0")
	t.Setenv("MICROVM_HOST_ADDRESS", "not-an-ip")
	t.Setenv("MICROVM_WORKSPACE_ROOT", root)
	t.Setenv("MICROVM_TAP_DEVICE", "mvtap1")

	cfg := fallbackConfig()
	assert.Equal(t, root, cfg.WorkspaceRoot)
	assert.Equal(t, "mvtap1", cfg.TapDevice)
	assert.Equal(t, network.DefaultHostAddress, cfg.HostAddress)
	assert.Equal(t, network.DefaultPrefixLen, cfg.PrefixLen)
	assert.NoError(t, linkFromConfig(cfg).Validate())
}

func TestPruneRuns(t *testing.T) {
	repo, err := db.NewRepository(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer repo.Close()

	old := &db.Run{Command: "run", Stage: "launch", PID: 10}
	require.NoError(t, repo.Create(old))
	_, err = repo.MarkCleaned()
	require.NoError(t, err)

	current := &db.Run{Command: "build", Stage: "build"}
	require.NoError(t, repo.Create(current))

	n, err := pruneRuns(repo)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	runs, err := repo.List()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, current.ID, runs[0].ID)

	assert.NoError(t, showRun(repo, current.ID))
	assert.Error(t, showRun(repo, old.ID))
}
