package space_test

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macvmio/smbvol/pkg/chain"
	"github.com/macvmio/smbvol/pkg/space"
	"github.com/macvmio/smbvol/pkg/vdisk"
	"github.com/macvmio/smbvol/pkg/vdisk/vdisktest"
	"github.com/macvmio/smbvol/pkg/volerr"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		mode fs.FileMode
		want space.Kind
	}{
		{"link.vhdx", fs.ModeSymlink, space.KindSymlink},
		{"vol-snapshot1.vhdx", 0, space.KindSnapshot},
		{"snapshots", fs.ModeDir, space.KindSnapshot},
		{"vol.vhd", 0, space.KindVirtualDisk},
		{"vol.VHDX", 0, space.KindVirtualDisk},
		{"vol.qcow2", 0, space.KindVirtualDisk},
		{"vol.vhdx.info", 0, space.KindPlain},
		{"disk.img", 0, space.KindPlain},
		{"volumes", fs.ModeDir, space.KindDirectory},
		{"dir.vhdx", fs.ModeDir, space.KindDirectory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, space.Classify(tt.name, tt.mode))
		})
	}
}

func newAccountant(t *testing.T) (*space.Accountant, *vdisktest.Backend, string) {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "space-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tempDir) })
	logger, _ := test.NewNullLogger()
	b := vdisktest.New()
	inspector := chain.NewInspector(b, chain.WithLogger(logger))
	return space.NewAccountant(afero.NewOsFs(), inspector, space.WithLogger(logger)), b, tempDir
}

func TestTotalAllocated_SkipsSymlinksAndSnapshots(t *testing.T) {
	a, b, tempDir := newAccountant(t)
	share := filepath.Join(tempDir, "share")
	const S, T = int64(7 << 20), int64(1234)

	parent := filepath.Join(tempDir, "elsewhere", "base.vhdx")
	require.NoError(t, b.Add(parent, vdisktest.Image{Format: vdisk.FormatVHDX, Type: vdisk.TypeDynamic, PhysicalSize: 1 << 30}))
	require.NoError(t, b.Add(filepath.Join(share, "volume-1.vhdx"), vdisktest.Image{
		Format:       vdisk.FormatVHDX,
		Type:         vdisk.TypeDifferencing,
		ParentPath:   parent,
		PhysicalSize: S,
	}))
	require.NoError(t, b.Add(filepath.Join(share, "volume-1-snapshot3.vhdx"), vdisktest.Image{
		Format:       vdisk.FormatVHDX,
		Type:         vdisk.TypeDynamic,
		PhysicalSize: 1 << 30,
	}))
	plain := filepath.Join(share, "volume-1.vhdx.info")
	require.NoError(t, os.WriteFile(plain, make([]byte, T), 0o666))
	require.NoError(t, os.Symlink(parent, filepath.Join(share, "link.vhdx")))

	total, err := a.TotalAllocated(share)
	require.NoError(t, err)
	assert.Equal(t, S+T, total)
	assert.Equal(t, 0, b.OpenHandles())
}

func TestTotalAllocated_Recurses(t *testing.T) {
	a, b, tempDir := newAccountant(t)
	require.NoError(t, os.MkdirAll(filepath.Join(tempDir, "a", "b"), 0o777))
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "a", "f1"), make([]byte, 10), 0o666))
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "a", "b", "f2"), make([]byte, 20), 0o666))
	require.NoError(t, b.Add(filepath.Join(tempDir, "a", "b", "v.vhd"), vdisktest.Image{Format: vdisk.FormatVHD, Type: vdisk.TypeDynamic, PhysicalSize: 300}))

	total, err := a.TotalAllocated(tempDir)
	require.NoError(t, err)
	assert.Equal(t, int64(330), total)
}

func TestTotalAllocated_EmptyAndMissing(t *testing.T) {
	a, _, tempDir := newAccountant(t)

	total, err := a.TotalAllocated(tempDir)
	require.NoError(t, err)
	assert.Zero(t, total)

	total, err = a.TotalAllocated(filepath.Join(tempDir, "gone"))
	require.NoError(t, err)
	assert.Zero(t, total)
}

type vanishingInspector struct {
	fs afero.Fs
}

func (v vanishingInspector) Info(path string) (vdisk.Info, error) {
	_ = v.fs.Remove(path)
	return vdisk.Info{}, &volerr.BackendAPIError{Op: "open", Path: path, Status: 2}
}

type brokenInspector struct{}

func (brokenInspector) Info(path string) (vdisk.Info, error) {
	return vdisk.Info{}, &volerr.BackendAPIError{Op: "query info", Path: path, Status: 5}
}

func TestTotalAllocated_VanishedDiskCountsZero(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/share/vol.vhdx", []byte("x"), 0o666))
	require.NoError(t, afero.WriteFile(fsys, "/share/other", make([]byte, 5), 0o666))

	total, err := space.NewAccountant(fsys, vanishingInspector{fs: fsys}).TotalAllocated("/share")
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)

	require.NoError(t, afero.WriteFile(fsys, "/share/vol.vhdx", []byte("x"), 0o666))
	_, err = space.NewAccountant(fsys, brokenInspector{}).TotalAllocated("/share")
	assert.True(t, volerr.IsCode(err, volerr.CodeBackendAPI))
}

func TestEligible(t *testing.T) {
	const gib = int64(1 << 30)
	tests := []struct {
		name string
		c    space.Capacity
		req  int64
		want bool
	}{
		{"plenty", space.Capacity{Total: 100 * gib, Available: 90 * gib, Allocated: 10 * gib}, gib, true},
		{"used above ratio", space.Capacity{Total: 100 * gib, Available: 4 * gib, Allocated: 10 * gib}, gib, false},
		{"request exceeds apparent", space.Capacity{Total: 100 * gib, Available: 90 * gib, Allocated: 95 * gib}, 5 * gib, false},
		{"reserved above oversub", space.Capacity{Total: 100 * gib, Available: 90 * gib, Allocated: 100 * gib}, 0, false},
		{"no capacity", space.Capacity{}, gib, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, _ := space.Eligible(tt.c, tt.req, 0.95, 1.0)
			assert.Equal(t, tt.want, ok)
		})
	}
}

type fixedReporter map[string][2]int64

func (f fixedReporter) Capacity(path string) (int64, int64, error) {
	c, ok := f[path]
	if !ok {
		return 0, 0, errors.New("not mounted")
	}
	return c[0], c[1], nil
}

func TestSelectShare_LeastAllocated(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/mnt/a/data", make([]byte, 300), 0o666))
	require.NoError(t, afero.WriteFile(fsys, "/mnt/b/data", make([]byte, 100), 0o666))
	require.NoError(t, afero.WriteFile(fsys, "/mnt/c/data", make([]byte, 10), 0o666))
	reporter := fixedReporter{
		"/mnt/a": {100 << 30, 90 << 30},
		"/mnt/b": {100 << 30, 90 << 30},
		"/mnt/c": {100 << 30, 1 << 30},
	}
	p := space.NewPlanner(space.NewAccountant(fsys, brokenInspector{}), reporter, 0.95, 1.0)

	share, err := p.SelectShare([]string{"/mnt/a", "/mnt/b", "/mnt/c"}, 1)
	require.NoError(t, err)
	assert.Equal(t, "/mnt/b", share)

	_, err = p.SelectShare([]string{"/mnt/c"}, 1)
	assert.True(t, volerr.IsCode(err, volerr.CodeNoSuitableShare))

	_, err = p.SelectShare(nil, 1)
	assert.True(t, volerr.IsCode(err, volerr.CodeNoSuitableShare))

	ok, err := p.Eligible("/mnt/a", 200)
	require.NoError(t, err)
	assert.False(t, ok)
}
