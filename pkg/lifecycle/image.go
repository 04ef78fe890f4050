package lifecycle

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/macvmio/smbvol/pkg/vdisk"
	"github.com/macvmio/smbvol/pkg/volerr"
)

// CopyVolumeToImage uploads the current content of vol to the catalog. Chains are flattened
// into a temporary image first, which is removed whatever happens.
func (d *Driver) CopyVolumeToImage(ctx context.Context, vol Volume, catalog ImageCatalog, meta ImageMeta) (err error) {
	defer track("copy_volume_to_image")(&err)
	unlock, err := d.lock(ctx, vol)
	if err != nil {
		return err
	}
	defer unlock()

	active, err := d.ActiveImage(vol)
	if err != nil {
		return err
	}
	activePath := filepath.Join(d.VolumeDir(vol), active)
	info, err := d.inspector.Info(activePath)
	if err != nil {
		return err
	}
	rootFormat := d.volumeFormat(vol)
	tooOld, err := d.toolTooOld()
	if err != nil {
		return err
	}
	needsConversion := tooOld && rootFormat == vdisk.FormatVHDX
	uploadFormat := rootFormat
	if needsConversion {
		uploadFormat = vdisk.FormatVHD
	}

	uploadPath := activePath
	if info.HasParent() || needsConversion {
		tempPath := d.tempImagePath(vol, meta.ID, uploadFormat)
		defer func() {
			if rerr := d.removeIfExists(tempPath); rerr != nil && err == nil {
				err = rerr
			}
		}()
		if err := d.ops.Convert(activePath, tempPath, uploadFormat); err != nil {
			return err
		}
		uploadPath = tempPath
	}
	meta.DiskFormat = uploadFormat
	if meta.Size == 0 {
		meta.Size = info.VirtualSize
	}

	d.log(vol).WithFields(logrus.Fields{"image": meta.ID, "path": uploadPath, "format": uploadFormat}).Info("uploading volume")
	if err := catalog.Upload(ctx, meta, uploadPath, uploadFormat); err != nil {
		return fmt.Errorf("unable to upload volume '%v' to image '%v': %w", vol.ID, meta.ID, err)
	}
	return nil
}

// CopyImageToVolume replaces the content of vol with image imageID and sizes it to vol.Size.
func (d *Driver) CopyImageToVolume(ctx context.Context, vol Volume, catalog ImageCatalog, imageID string) (err error) {
	defer track("copy_image_to_volume")(&err)

	volumeFormat := d.volumeFormat(vol)
	meta, err := catalog.Show(ctx, imageID)
	if err != nil {
		return fmt.Errorf("unable to show image '%v': %w", imageID, err)
	}
	volumePath := d.LocalPath(vol)
	if err := d.removeIfExists(volumePath); err != nil {
		return err
	}
	tooOld, err := d.toolTooOld()
	if err != nil {
		return err
	}

	fetchFormat := volumeFormat
	fetchPath := volumePath
	needsConversion := tooOld && volumeFormat == vdisk.FormatVHDX && meta.DiskFormat != vdisk.FormatVHDX
	if needsConversion {
		fetchFormat = vdisk.FormatVHD
		fetchPath = d.tempImagePath(vol, meta.ID, fetchFormat)
		defer func() {
			if rerr := d.removeIfExists(fetchPath); rerr != nil && err == nil {
				err = rerr
			}
		}()
	}

	d.log(vol).WithFields(logrus.Fields{"image": imageID, "path": fetchPath, "format": fetchFormat}).Info("fetching image")
	if err := catalog.FetchToFormat(ctx, imageID, fetchPath, fetchFormat, d.opts.blockSize); err != nil {
		return fmt.Errorf("unable to fetch image '%v': %w", imageID, err)
	}
	if needsConversion {
		if err := d.ops.Convert(fetchPath, volumePath, volumeFormat); err != nil {
			return err
		}
	}

	size := vol.Size << 30
	if err := d.ops.Resize(volumePath, size); err != nil {
		return err
	}
	info, err := d.inspector.Info(volumePath)
	if err != nil {
		return err
	}
	if info.VirtualSize != size {
		return &volerr.ImageUnacceptableError{
			ImageID: imageID,
			Reason:  fmt.Sprintf("virtual size %d does not match volume size %d", info.VirtualSize, size),
		}
	}
	return nil
}
