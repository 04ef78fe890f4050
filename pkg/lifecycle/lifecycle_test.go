package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coreos/go-semver/semver"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macvmio/smbvol/pkg/chain"
	"github.com/macvmio/smbvol/pkg/keylock"
	"github.com/macvmio/smbvol/pkg/ledger"
	"github.com/macvmio/smbvol/pkg/vdisk"
	"github.com/macvmio/smbvol/pkg/vdisk/vdisktest"
	"github.com/macvmio/smbvol/pkg/volerr"
)

type fixedVersion string

func (v fixedVersion) Version() (*semver.Version, error) {
	return semver.NewVersion(string(v))
}

type upload struct {
	meta    ImageMeta
	path    string
	format  vdisk.Format
	existed bool
}

type fakeCatalog struct {
	b         *vdisktest.Backend
	images    map[string]ImageMeta
	uploads   []upload
	fetches   []string
	uploadErr error
}

func (c *fakeCatalog) Show(ctx context.Context, imageID string) (ImageMeta, error) {
	m, ok := c.images[imageID]
	if !ok {
		return ImageMeta{}, errors.New("image not found")
	}
	return m, nil
}

func (c *fakeCatalog) FetchToFormat(ctx context.Context, imageID, destPath string, format vdisk.Format, blockSize int64) error {
	c.fetches = append(c.fetches, destPath)
	m := c.images[imageID]
	return c.b.Add(destPath, vdisktest.Image{Format: format, Type: vdisk.TypeDynamic, VirtualSize: m.Size, PhysicalSize: m.Size / 4})
}

func (c *fakeCatalog) Upload(ctx context.Context, meta ImageMeta, path string, format vdisk.Format) error {
	_, err := os.Stat(path)
	c.uploads = append(c.uploads, upload{meta: meta, path: path, format: format, existed: err == nil})
	return c.uploadErr
}

// stuckResize reports resizes as done without touching the image.
type stuckResize struct {
	*vdisktest.Backend
}

func (s stuckResize) Open(path string, access vdisk.AccessMask, rwDepth int) (vdisk.Handle, error) {
	h, err := s.Backend.Open(path, access, rwDepth)
	if err != nil {
		return nil, err
	}
	return stuckHandle{h}, nil
}

type stuckHandle struct {
	vdisk.Handle
}

func (stuckHandle) Resize(int64) error {
	return nil
}

type fixture struct {
	b      *vdisktest.Backend
	opts   []Option
	d      *Driver
	dir    string
	vol    Volume
	locker *keylock.Locker
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "lifecycle-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tempDir) })
	logger, _ := test.NewNullLogger()
	b := vdisktest.New()
	locker := keylock.New()
	all := append([]Option{
		WithLogger(logger),
		WithFs(afero.NewOsFs()),
		WithLocker(locker),
		WithDefaultFormat(vdisk.FormatVHDX),
		WithChainOptions(chain.WithCaseInsensitivePaths(true)),
	}, opts...)
	return &fixture{
		b:      b,
		opts:   all,
		d:      NewDriver(b, all...),
		dir:    tempDir,
		locker: locker,
		vol: Volume{
			ID:       "1",
			Name:     "volume-1",
			Size:     1,
			Status:   StatusAvailable,
			ShareDir: filepath.Join(tempDir, "share"),
		},
	}
}

func (f *fixture) path(name string) string {
	return filepath.Join(f.vol.ShareDir, name)
}

func (f *fixture) snapshot(t *testing.T, id string) Snapshot {
	t.Helper()
	s := Snapshot{ID: id, Status: StatusAvailable, Volume: f.vol, VolumeSize: f.vol.Size}
	require.NoError(t, f.d.CreateSnapshot(context.Background(), s))
	return s
}

func (f *fixture) ledger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Read(afero.NewOsFs(), f.path("volume-1.vhdx.info"), false)
	require.NoError(t, err)
	return l
}

func TestCreateVolume(t *testing.T) {
	f := newFixture(t)
	failuresBefore := testutil.ToFloat64(OperationsTotal.WithLabelValues("create_volume", Fail))

	require.NoError(t, f.d.CreateVolume(context.Background(), f.vol))

	img, ok := f.b.Image(f.path("volume-1.vhdx"))
	require.True(t, ok)
	assert.Equal(t, int64(1<<30), img.VirtualSize)
	assert.Equal(t, vdisk.TypeDynamic, img.Type)

	err := f.d.CreateVolume(context.Background(), f.vol)
	assert.True(t, volerr.IsCode(err, volerr.CodeInvalidVolume))
	assert.Len(t, f.b.Calls("create"), 1)
	assert.Equal(t, failuresBefore+1, testutil.ToFloat64(OperationsTotal.WithLabelValues("create_volume", Fail)))
}

func TestCreateVolume_UnsupportedFormat(t *testing.T) {
	f := newFixture(t)
	f.vol.Format = vdisk.FormatRaw

	err := f.d.CreateVolume(context.Background(), f.vol)
	assert.True(t, volerr.IsCode(err, volerr.CodeInvalidVolume))
	assert.Empty(t, f.b.Calls("create"))
}

func TestCreateVolume_OldToolRefusesVHDX(t *testing.T) {
	f := newFixture(t, WithToolVersioner(fixedVersion("1.6.0")))

	err := f.d.CreateVolume(context.Background(), f.vol)
	assert.True(t, volerr.IsCode(err, volerr.CodeInvalidVolume))
	assert.Empty(t, f.b.Calls("create"))

	f.vol.Format = vdisk.FormatVHD
	require.NoError(t, f.d.CreateVolume(context.Background(), f.vol))
}

func TestActiveImage_WithoutLedger(t *testing.T) {
	f := newFixture(t)

	active, err := f.d.ActiveImage(f.vol)
	require.NoError(t, err)
	assert.Equal(t, "volume-1.vhdx", active)
	assert.Equal(t, f.vol.ShareDir, f.d.VolumeDir(f.vol))
	assert.Equal(t, f.path("volume-1.vhdx"), f.d.LocalPath(f.vol))
}

func TestCreateSnapshot(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.d.CreateVolume(context.Background(), f.vol))

	f.snapshot(t, "a")
	f.snapshot(t, "b")

	l := f.ledger(t)
	assert.Equal(t, "volume-1-snapshotb.vhdx", l.Active)
	assert.Equal(t, map[string]string{"a": "volume-1-snapshota.vhdx", "b": "volume-1-snapshotb.vhdx"}, l.Snapshots)

	img, ok := f.b.Image(f.path("volume-1-snapshotb.vhdx"))
	require.True(t, ok)
	assert.Equal(t, f.path("volume-1-snapshota.vhdx"), img.ParentPath)
}

func TestCreateSnapshot_RequiresAvailableVolume(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.d.CreateVolume(context.Background(), f.vol))
	f.vol.Status = "in-use"

	err := f.d.CreateSnapshot(context.Background(), Snapshot{ID: "a", Volume: f.vol})
	assert.True(t, volerr.IsCode(err, volerr.CodeInvalidVolume))
	assert.Len(t, f.b.Calls("create"), 1)
}

func TestCreateSnapshot_DuplicateIDKeepsChain(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.d.CreateVolume(context.Background(), f.vol))
	f.snapshot(t, "a")
	f.snapshot(t, "b")

	err := f.d.CreateSnapshot(context.Background(), Snapshot{ID: "a", Status: StatusAvailable, Volume: f.vol})
	assert.True(t, volerr.IsCode(err, volerr.CodeInvalidVolume))
	assert.Len(t, f.b.Calls("create"), 3)

	l := f.ledger(t)
	assert.Equal(t, "volume-1-snapshotb.vhdx", l.Active)
	img, ok := f.b.Image(f.path("volume-1-snapshota.vhdx"))
	require.True(t, ok)
	assert.Equal(t, f.path("volume-1.vhdx"), img.ParentPath)
}

func TestDeleteSnapshot_Active(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.d.CreateVolume(context.Background(), f.vol))
	s := f.snapshot(t, "a")

	require.NoError(t, f.d.DeleteSnapshot(context.Background(), s))

	l := f.ledger(t)
	assert.Equal(t, "volume-1.vhdx", l.Active)
	assert.Empty(t, l.Snapshots)
	_, err := os.Stat(f.path("volume-1-snapshota.vhdx"))
	assert.True(t, os.IsNotExist(err))
	merges := f.b.Calls("merge")
	require.Len(t, merges, 1)
	assert.Equal(t, f.path("volume-1-snapshota.vhdx"), merges[0].Path)
	assert.Equal(t, 0, f.b.OpenHandles())
}

func TestDeleteSnapshot_KeepsLaterSnapshotData(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.d.CreateVolume(context.Background(), f.vol))
	a := f.snapshot(t, "a")
	f.snapshot(t, "b")
	f.snapshot(t, "c")

	require.NoError(t, f.d.DeleteSnapshot(context.Background(), a))

	l := f.ledger(t)
	assert.Equal(t, "volume-1-snapshotc.vhdx", l.Active)
	assert.Equal(t, map[string]string{"b": "volume-1-snapshotb.vhdx", "c": "volume-1-snapshotc.vhdx"}, l.Snapshots)
	_, err := os.Stat(f.path("volume-1-snapshota.vhdx"))
	assert.True(t, os.IsNotExist(err))

	img, ok := f.b.Image(f.path("volume-1-snapshotb.vhdx"))
	require.True(t, ok)
	assert.Equal(t, f.path("volume-1.vhdx"), img.ParentPath)

	chainInfos, err := f.d.Inspector().Chain(f.path("volume-1-snapshotc.vhdx"))
	require.NoError(t, err)
	assert.Len(t, chainInfos, 3)
}

func TestDeleteSnapshot_UnknownIsNoop(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.d.CreateVolume(context.Background(), f.vol))

	err := f.d.DeleteSnapshot(context.Background(), Snapshot{ID: "zzz", Volume: f.vol})
	require.NoError(t, err)
	assert.Empty(t, f.b.Calls("merge"))
}

func TestCopyVolumeToImage_FlattensChain(t *testing.T) {
	f := newFixture(t, WithToolVersioner(fixedVersion("2.0.0")))
	require.NoError(t, f.d.CreateVolume(context.Background(), f.vol))
	f.snapshot(t, "a")
	catalog := &fakeCatalog{b: f.b}

	require.NoError(t, f.d.CopyVolumeToImage(context.Background(), f.vol, catalog, ImageMeta{ID: "img"}))

	temp := f.path("1.temp_image.img.vhdx")
	require.Len(t, catalog.uploads, 1)
	assert.Equal(t, temp, catalog.uploads[0].path)
	assert.True(t, catalog.uploads[0].existed)
	assert.Equal(t, vdisk.FormatVHDX, catalog.uploads[0].format)
	_, err := os.Stat(temp)
	assert.True(t, os.IsNotExist(err))
}

func TestCopyVolumeToImage_DirectUpload(t *testing.T) {
	f := newFixture(t, WithToolVersioner(fixedVersion("2.0.0")))
	require.NoError(t, f.d.CreateVolume(context.Background(), f.vol))
	catalog := &fakeCatalog{b: f.b}

	require.NoError(t, f.d.CopyVolumeToImage(context.Background(), f.vol, catalog, ImageMeta{ID: "img"}))

	require.Len(t, catalog.uploads, 1)
	assert.Equal(t, f.path("volume-1.vhdx"), catalog.uploads[0].path)
	assert.Len(t, f.b.Calls("create"), 1)
}

func TestCopyVolumeToImage_OldToolConvertsVHDX(t *testing.T) {
	f := newFixture(t, WithToolVersioner(fixedVersion("1.6.0")))
	require.NoError(t, f.b.Add(f.path("volume-1.vhdx"), vdisktest.Image{Format: vdisk.FormatVHDX, Type: vdisk.TypeDynamic, VirtualSize: 1 << 30}))
	catalog := &fakeCatalog{b: f.b, uploadErr: errors.New("catalog down")}

	err := f.d.CopyVolumeToImage(context.Background(), f.vol, catalog, ImageMeta{ID: "img"})
	require.Error(t, err)

	temp := f.path("1.temp_image.img.vhd")
	require.Len(t, catalog.uploads, 1)
	assert.Equal(t, temp, catalog.uploads[0].path)
	assert.Equal(t, vdisk.FormatVHD, catalog.uploads[0].format)
	_, err = os.Stat(temp)
	assert.True(t, os.IsNotExist(err))
}

func TestCopyImageToVolume(t *testing.T) {
	f := newFixture(t, WithToolVersioner(fixedVersion("2.0.0")))
	f.vol.Size = 2
	catalog := &fakeCatalog{b: f.b, images: map[string]ImageMeta{
		"img": {ID: "img", DiskFormat: vdisk.FormatQCOW2, Size: 1 << 30},
	}}

	require.NoError(t, f.d.CopyImageToVolume(context.Background(), f.vol, catalog, "img"))

	assert.Equal(t, []string{f.path("volume-1.vhdx")}, catalog.fetches)
	img, ok := f.b.Image(f.path("volume-1.vhdx"))
	require.True(t, ok)
	assert.Equal(t, int64(2<<30), img.VirtualSize)
}

func TestCopyImageToVolume_OldToolFetchesThroughVHD(t *testing.T) {
	f := newFixture(t, WithToolVersioner(fixedVersion("1.6.0")))
	catalog := &fakeCatalog{b: f.b, images: map[string]ImageMeta{
		"img": {ID: "img", DiskFormat: vdisk.FormatQCOW2, Size: 1 << 30},
	}}

	require.NoError(t, f.d.CopyImageToVolume(context.Background(), f.vol, catalog, "img"))

	temp := f.path("1.temp_image.img.vhd")
	assert.Equal(t, []string{temp}, catalog.fetches)
	_, err := os.Stat(temp)
	assert.True(t, os.IsNotExist(err))
	img, ok := f.b.Image(f.path("volume-1.vhdx"))
	require.True(t, ok)
	assert.Equal(t, vdisk.FormatVHDX, img.Format)
}

func TestCopyImageToVolume_ResizeFailure(t *testing.T) {
	f := newFixture(t)
	catalog := &fakeCatalog{b: f.b, images: map[string]ImageMeta{
		"img": {ID: "img", DiskFormat: vdisk.FormatVHDX, Size: 1 << 30},
	}}
	f.b.Fail("resize", nil)

	err := f.d.CopyImageToVolume(context.Background(), f.vol, catalog, "img")
	assert.True(t, volerr.IsCode(err, volerr.CodeBackendAPI))
}

func TestCopyImageToVolume_SizeMismatch(t *testing.T) {
	f := newFixture(t)
	f.d = NewDriver(stuckResize{f.b}, f.opts...)
	f.vol.Size = 2
	catalog := &fakeCatalog{b: f.b, images: map[string]ImageMeta{
		"img": {ID: "img", DiskFormat: vdisk.FormatVHDX, Size: 1 << 30},
	}}

	err := f.d.CopyImageToVolume(context.Background(), f.vol, catalog, "img")
	assert.True(t, volerr.IsCode(err, volerr.CodeImageUnacceptable))
	var ie *volerr.ImageUnacceptableError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "img", ie.ImageID)
}

func TestExtendVolume_RefusesVHDDifferencing(t *testing.T) {
	f := newFixture(t)
	f.vol.Format = vdisk.FormatVHD
	require.NoError(t, f.d.CreateVolume(context.Background(), f.vol))
	f.snapshot(t, "a")

	err := f.d.ExtendVolume(context.Background(), f.vol, 2)
	assert.True(t, volerr.IsCode(err, volerr.CodeInvalidVolume))
	assert.Empty(t, f.b.Calls("resize"))
}

func TestExtendVolume_ResizesHead(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.d.CreateVolume(context.Background(), f.vol))
	f.snapshot(t, "a")

	require.NoError(t, f.d.ExtendVolume(context.Background(), f.vol, 3))

	resizes := f.b.Calls("resize")
	require.Len(t, resizes, 1)
	assert.Equal(t, f.path("volume-1-snapshota.vhdx"), resizes[0].Path)
	img, _ := f.b.Image(f.path("volume-1-snapshota.vhdx"))
	assert.Equal(t, int64(3<<30), img.VirtualSize)
}

func TestExtendVolume_RefusesNonGrowingSize(t *testing.T) {
	f := newFixture(t)
	f.vol.Size = 2
	require.NoError(t, f.d.CreateVolume(context.Background(), f.vol))

	for _, size := range []int64{2, 1, 0} {
		err := f.d.ExtendVolume(context.Background(), f.vol, size)
		assert.True(t, volerr.IsCode(err, volerr.CodeInvalidVolume), "size %d", size)
	}
	assert.Empty(t, f.b.Calls("resize"))
}

func TestExtendVolume_SizeNotApplied(t *testing.T) {
	f := newFixture(t)
	f.d = NewDriver(stuckResize{f.b}, f.opts...)
	require.NoError(t, f.d.CreateVolume(context.Background(), f.vol))

	err := f.d.ExtendVolume(context.Background(), f.vol, 2)
	var be *volerr.BackendAPIError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "resize", be.Op)
	assert.Contains(t, be.Detail, "virtual size")
}

func TestCopyVolumeFromSnapshot(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.d.CreateVolume(context.Background(), f.vol))
	s := f.snapshot(t, "a")
	dest := Volume{ID: "2", Name: "volume-2", Size: 1, ShareDir: f.vol.ShareDir, Format: vdisk.FormatQCOW2}

	require.NoError(t, f.d.CopyVolumeFromSnapshot(context.Background(), s, dest))

	creates := f.b.Calls("create")
	last := creates[len(creates)-1]
	assert.Equal(t, f.path("volume-2.qcow2"), last.Path)
	assert.Equal(t, vdisk.FormatQCOW2, last.Format)
	img, ok := f.b.Image(f.path("volume-2.qcow2"))
	require.True(t, ok)
	assert.Empty(t, img.ParentPath)
}

func TestCreateVolumeFromSnapshot_RequiresAvailableSnapshot(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.d.CreateVolume(context.Background(), f.vol))
	s := f.snapshot(t, "a")
	s.Status = "creating"
	dest := Volume{ID: "2", Name: "volume-2", Size: 1, ShareDir: f.vol.ShareDir}

	err := f.d.CreateVolumeFromSnapshot(context.Background(), dest, s)
	assert.True(t, volerr.IsCode(err, volerr.CodeInvalidSnapshot))

	s.Status = StatusAvailable
	dest.Size = 4
	require.NoError(t, f.d.CreateVolumeFromSnapshot(context.Background(), dest, s))
	img, ok := f.b.Image(f.path("volume-2.vhdx"))
	require.True(t, ok)
	assert.Equal(t, int64(4<<30), img.VirtualSize)
}

func TestCreateClonedVolume_RemovesTemporarySnapshot(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.d.CreateVolume(context.Background(), f.vol))
	dest := Volume{ID: "2", Name: "volume-2", Size: 1, ShareDir: f.vol.ShareDir}

	require.NoError(t, f.d.CreateClonedVolume(context.Background(), dest, f.vol))

	_, ok := f.b.Image(f.path("volume-2.vhdx"))
	assert.True(t, ok)
	_, err := os.Stat(f.path("volume-1-snapshottmp-snap-1.vhdx"))
	assert.True(t, os.IsNotExist(err))
	l := f.ledger(t)
	assert.Equal(t, "volume-1.vhdx", l.Active)
	assert.Empty(t, l.Snapshots)
}

func TestDeleteVolume(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.d.CreateVolume(context.Background(), f.vol))
	f.snapshot(t, "a")

	require.NoError(t, f.d.DeleteVolume(context.Background(), f.vol))

	_, err := os.Stat(f.path("volume-1-snapshota.vhdx"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(f.path("volume-1.vhdx.info"))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, f.d.DeleteVolume(context.Background(), Volume{ID: "x"}))
}

func TestLockScope(t *testing.T) {
	f := newFixture(t, WithLockScope(GlobalScope))
	require.NoError(t, f.d.CreateVolume(context.Background(), f.vol))
	unlock, err := f.locker.Lock(context.Background(), "smbfs")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = f.d.CreateSnapshot(ctx, Snapshot{ID: "a", Volume: f.vol})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	unlock()

	perVolume := NewDriver(f.b, WithLocker(f.locker), WithDefaultFormat(vdisk.FormatVHDX))
	unlock, err = f.locker.Lock(context.Background(), "smbfs")
	require.NoError(t, err)
	defer unlock()
	require.NoError(t, perVolume.CreateSnapshot(context.Background(), Snapshot{ID: "a", Volume: f.vol}))
}

func TestParseLockScope(t *testing.T) {
	s, ok := ParseLockScope("global")
	assert.True(t, ok)
	assert.Equal(t, GlobalScope, s)
	s, ok = ParseLockScope("")
	assert.True(t, ok)
	assert.Equal(t, VolumeScope, s)
	_, ok = ParseLockScope("cluster")
	assert.False(t, ok)
}
