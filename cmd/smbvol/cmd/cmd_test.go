package cmd

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macvmio/smbvol/pkg/appconfig"
	"github.com/macvmio/smbvol/pkg/lifecycle"
	"github.com/macvmio/smbvol/pkg/vdisk"
)

func TestInitializeCommands(t *testing.T) {
	root := InitializeCommands()

	for _, path := range [][]string{
		{"create"}, {"delete"}, {"snapshot", "create"}, {"snapshot", "delete"}, {"extend"}, {"info"},
		{"usage"}, {"push"}, {"pull"}, {"clone"}, {"from-snapshot"}, {"version"},
	} {
		c, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], c.Name())
	}

	clone, _, err := root.Find([]string{"clone"})
	require.NoError(t, err)
	assert.NotNil(t, clone.Flags().Lookup("source-id"))
	assert.NotNil(t, clone.Flags().Lookup("id"))
}

func TestVersionCommand(t *testing.T) {
	root := InitializeCommands()
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.NotEmpty(t, out.String())
}

func TestVolumeFlags(t *testing.T) {
	a := &app{cfg: &appconfig.Config{MountPointBase: "/mnt/smbvol"}}

	vf := volumeFlags{id: "7", size: 3, format: "qcow2", share: "//host/share", status: "available"}
	vol, err := vf.volume(a)
	require.NoError(t, err)
	assert.Equal(t, "volume-7", vol.Name)
	assert.Equal(t, vdisk.FormatQCOW2, vol.Format)
	assert.Equal(t, a.cfg.MountPoint("//host/share"), vol.ShareDir)

	vf.dir = filepath.FromSlash("/srv/volumes")
	vol, err = vf.volume(a)
	require.NoError(t, err)
	assert.Equal(t, vf.dir, vol.ShareDir)

	vf.format = "floppy"
	_, err = vf.volume(a)
	assert.Error(t, err)

	err = (&volumeFlags{prefix: "source"}).requireShare(lifecycle.Volume{ID: "1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--source-share")
}
