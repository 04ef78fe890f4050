// Package appconfig holds the smbvol configuration file model and the shares file parser.
package appconfig

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/macvmio/smbvol/pkg/lifecycle"
	"github.com/macvmio/smbvol/pkg/vdisk"
	"github.com/macvmio/smbvol/pkg/volerr"
)

const EnvPrefix = "SMBVOL"

type Config struct {
	SharesConfig        string  `mapstructure:"shares_config"`
	DefaultVolumeFormat string  `mapstructure:"default_volume_format"`
	UsedRatio           float64 `mapstructure:"used_ratio"`
	OversubRatio        float64 `mapstructure:"oversub_ratio"`
	MountPointBase      string  `mapstructure:"mount_point_base"`
	MountOptions        string  `mapstructure:"mount_options"`
	QemuImgPath         string  `mapstructure:"qemu_img_path"`
	LockScope           string  `mapstructure:"lock_scope"`
	Registry            string  `mapstructure:"registry"`
	VolumeDDBlocksize   string  `mapstructure:"volume_dd_blocksize"`
	Verbose             bool    `mapstructure:"verbose"`
}

func mustExpandUser(p string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p)
}

// defaultVolumeFormat is the native format on windows. qemu-img only snapshots qcow2.
func defaultVolumeFormat() string {
	if runtime.GOOS == "windows" {
		return "vhd"
	}
	return "qcow2"
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("shares_config", mustExpandUser(".smbvol/shares"))
	v.SetDefault("default_volume_format", defaultVolumeFormat())
	v.SetDefault("used_ratio", 0.95)
	v.SetDefault("oversub_ratio", 1.0)
	v.SetDefault("mount_point_base", mustExpandUser(".smbvol/mnt"))
	v.SetDefault("mount_options", "noperm,file_mode=0775,dir_mode=0775")
	v.SetDefault("qemu_img_path", "qemu-img")
	v.SetDefault("lock_scope", "volume")
	v.SetDefault("volume_dd_blocksize", "1M")
	v.SetDefault("verbose", false)
}

// Load reads configFile, or config.yaml from ~/.smbvol and the working directory when it is
// empty. A missing default config file is not an error. SMBVOL_* variables override file values.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.AddConfigPath(mustExpandUser(".smbvol"))
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading viper config '%v': %w", v.ConfigFileUsed(), err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("error unmarshalling viper config '%v': %w", v.ConfigFileUsed(), err)
	}
	return &c, nil
}

// Validate performs the checks done before the driver starts serving.
func (c *Config) Validate(fsys afero.Fs) error {
	if c.SharesConfig == "" {
		return &volerr.ConfigError{Key: "shares_config", Reason: "no shares config file configured"}
	}
	if _, err := fsys.Stat(c.SharesConfig); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &volerr.ConfigError{Key: "shares_config", Reason: fmt.Sprintf("file %s doesn't exist", c.SharesConfig)}
		}
		return fmt.Errorf("unable to stat shares config: %w", err)
	}
	if !(c.OversubRatio > 0) {
		return &volerr.ConfigError{Key: "oversub_ratio", Reason: fmt.Sprintf("must be > 0: %v", c.OversubRatio)}
	}
	if !(c.UsedRatio > 0 && c.UsedRatio <= 1) {
		return &volerr.ConfigError{Key: "used_ratio", Reason: fmt.Sprintf("must be > 0 and <= 1.0: %v", c.UsedRatio)}
	}
	if _, err := c.VolumeFormat(); err != nil {
		return err
	}
	if _, err := c.BlockSize(); err != nil {
		return err
	}
	if _, err := c.Scope(); err != nil {
		return err
	}
	return nil
}

// VolumeFormat returns the format of volumes that do not ask for one.
func (c *Config) VolumeFormat() (vdisk.Format, error) {
	f, err := vdisk.ParseFormat(c.DefaultVolumeFormat)
	if err != nil || !f.Differencing() {
		return vdisk.FormatUnknown, &volerr.ConfigError{Key: "default_volume_format", Reason: fmt.Sprintf("%q is not one of vhd, vhdx or qcow2", c.DefaultVolumeFormat)}
	}
	return f, nil
}

// BlockSize returns volume_dd_blocksize in bytes. Values such as "1M" or "64KiB" are accepted.
func (c *Config) BlockSize() (int64, error) {
	n, err := humanize.ParseBytes(c.VolumeDDBlocksize)
	if err != nil || n == 0 {
		return 0, &volerr.ConfigError{Key: "volume_dd_blocksize", Reason: fmt.Sprintf("invalid size %q", c.VolumeDDBlocksize)}
	}
	return int64(n), nil
}

func (c *Config) Scope() (lifecycle.LockScope, error) {
	s, ok := lifecycle.ParseLockScope(c.LockScope)
	if !ok {
		return 0, &volerr.ConfigError{Key: "lock_scope", Reason: fmt.Sprintf("%q is neither volume nor global", c.LockScope)}
	}
	return s, nil
}

// MountPoint returns the local directory a share is mounted at.
func (c *Config) MountPoint(share string) string {
	sum := md5.Sum([]byte(share))
	return filepath.Join(c.MountPointBase, hex.EncodeToString(sum[:]))
}
