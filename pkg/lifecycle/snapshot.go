package lifecycle

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/macvmio/smbvol/pkg/ledger"
	"github.com/macvmio/smbvol/pkg/volerr"
)

func (d *Driver) snapLog(snap Snapshot) logrus.FieldLogger {
	return d.opts.log.WithFields(logrus.Fields{"volume": snap.Volume.ID, "snapshot": snap.ID})
}

// CreateSnapshot freezes the current active image by stacking a new differencing image on it.
func (d *Driver) CreateSnapshot(ctx context.Context, snap Snapshot) (err error) {
	defer track("create_snapshot")(&err)
	unlock, err := d.lock(ctx, snap.Volume)
	if err != nil {
		return err
	}
	defer unlock()
	return d.createSnapshot(snap)
}

func (d *Driver) createSnapshot(snap Snapshot) error {
	vol := snap.Volume
	if vol.Status != StatusAvailable {
		return volerr.InvalidVolume("volume status must be \"%s\" for snapshot, got \"%s\"", StatusAvailable, vol.Status)
	}
	newSnapPath := snapshotPath(d.LocalPath(vol), snap.ID)
	active, err := d.ActiveImage(vol)
	if err != nil {
		return err
	}
	backingPath := filepath.Join(d.VolumeDir(vol), active)

	if err := d.ops.CreateDifferencing(newSnapPath, backingPath); err != nil {
		return err
	}

	l, err := ledger.Read(d.opts.fs, d.ledgerPath(vol), true)
	if err != nil {
		return err
	}
	newFile := filepath.Base(newSnapPath)
	l.Active = newFile
	l.Snapshots[snap.ID] = newFile
	if err := ledger.Write(d.opts.fs, d.ledgerPath(vol), l); err != nil {
		return err
	}
	d.snapLog(snap).WithField("path", newSnapPath).Info("created snapshot")
	return nil
}

// DeleteSnapshot removes a snapshot while keeping the data of every other point in time.
func (d *Driver) DeleteSnapshot(ctx context.Context, snap Snapshot) (err error) {
	defer track("delete_snapshot")(&err)
	unlock, err := d.lock(ctx, snap.Volume)
	if err != nil {
		return err
	}
	defer unlock()
	return d.deleteSnapshot(snap)
}

func (d *Driver) deleteSnapshot(snap Snapshot) error {
	vol := snap.Volume
	log := d.snapLog(snap)
	if vol.Status != StatusAvailable {
		return volerr.InvalidVolume("volume status must be \"%s\", got \"%s\"", StatusAvailable, vol.Status)
	}
	ledgerPath := d.ledgerPath(vol)
	l, err := ledger.Read(d.opts.fs, ledgerPath, true)
	if err != nil {
		return err
	}
	snapshotFile, ok := l.Snapshots[snap.ID]
	if !ok {
		log.Info("snapshot record is not present, nothing to delete")
		return nil
	}
	volDir := d.VolumeDir(vol)
	snapshotFilePath := filepath.Join(volDir, snapshotFile)
	activeFile, err := d.ActiveImage(vol)
	if err != nil {
		return err
	}

	// parent <- snapshot file (merged away) <- higher file (rebased, absent when the snapshot file is active)
	info, err := d.inspector.Info(snapshotFilePath)
	if err != nil {
		return err
	}
	parentFile := d.inspector.ParentName(info)
	if parentFile == "" {
		return &volerr.InvalidSnapshotError{Reason: fmt.Sprintf("'%v' has no backing file", snapshotFile)}
	}
	isActive := d.inspector.SamePath(snapshotFile, activeFile)
	higherFile := ""
	if !isActive {
		backingChain, err := d.inspector.Chain(filepath.Join(volDir, activeFile))
		if err != nil {
			return err
		}
		for _, ci := range backingChain {
			if d.inspector.SamePath(d.inspector.ParentName(ci), snapshotFile) {
				higherFile = filepath.Base(ci.Path)
				break
			}
		}
		if higherFile == "" {
			return &volerr.InvalidSnapshotError{Reason: fmt.Sprintf("no file found with %s as backing file", snapshotFile)}
		}
	}

	if err := d.ops.Commit(snapshotFilePath); err != nil {
		return err
	}
	if higherFile != "" {
		if err := d.ops.Rebase(filepath.Join(volDir, higherFile), parentFile); err != nil {
			return err
		}
	}

	delete(l.Snapshots, snap.ID)
	if isActive {
		l.Active = parentFile
	}
	if err := ledger.Write(d.opts.fs, ledgerPath, l); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"merged": snapshotFile, "into": parentFile, "rebased": higherFile}).Info("deleted snapshot")
	return d.removeIfExists(snapshotFilePath)
}

// CopyVolumeFromSnapshot writes the content vol had when snap was taken into dest.
func (d *Driver) CopyVolumeFromSnapshot(ctx context.Context, snap Snapshot, dest Volume) (err error) {
	defer track("copy_volume_from_snapshot")(&err)
	return d.copyVolumeFromSnapshot(snap, dest)
}

func (d *Driver) copyVolumeFromSnapshot(snap Snapshot, dest Volume) error {
	l, err := ledger.Read(d.opts.fs, d.ledgerPath(snap.Volume), false)
	if err != nil {
		return err
	}
	forwardFile, ok := l.Snapshots[snap.ID]
	if !ok {
		return &volerr.InvalidSnapshotError{Reason: fmt.Sprintf("snapshot %s is not recorded for volume %s", snap.ID, snap.Volume.ID)}
	}
	// the file recorded for a snapshot was created at snapshot time; its parent holds the frozen data
	info, err := d.inspector.Info(filepath.Join(d.VolumeDir(snap.Volume), forwardFile))
	if err != nil {
		return err
	}
	snapshotData := d.inspector.ResolveParent(info)
	if snapshotData == "" {
		return &volerr.InvalidSnapshotError{Reason: fmt.Sprintf("'%v' has no backing file", forwardFile)}
	}

	destPath := d.LocalPath(dest)
	d.snapLog(snap).WithFields(logrus.Fields{"source": snapshotData, "path": destPath}).Debug("copying from snapshot")
	if err := d.removeIfExists(destPath); err != nil {
		return err
	}
	if err := d.ops.Convert(snapshotData, destPath, d.volumeFormat(dest)); err != nil {
		return err
	}
	if dest.Size > snap.VolumeSize {
		return d.ops.Resize(destPath, dest.Size<<30)
	}
	return nil
}

// CreateVolumeFromSnapshot creates vol holding the data of snap.
func (d *Driver) CreateVolumeFromSnapshot(ctx context.Context, vol Volume, snap Snapshot) (err error) {
	defer track("create_volume_from_snapshot")(&err)
	unlock, err := d.lock(ctx, snap.Volume)
	if err != nil {
		return err
	}
	defer unlock()

	if snap.Status != StatusAvailable {
		return &volerr.InvalidSnapshotError{Reason: fmt.Sprintf("snapshot status must be \"%s\" to clone, got \"%s\"", StatusAvailable, snap.Status)}
	}
	if err := d.createVolume(vol); err != nil {
		return err
	}
	return d.copyVolumeFromSnapshot(snap, vol)
}

// CreateClonedVolume copies src into vol through a temporary snapshot of src.
func (d *Driver) CreateClonedVolume(ctx context.Context, vol Volume, src Volume) (err error) {
	defer track("create_cloned_volume")(&err)
	unlock, err := d.lock(ctx, src)
	if err != nil {
		return err
	}
	defer unlock()

	tmp := Snapshot{
		ID:         "tmp-snap-" + src.ID,
		Status:     StatusAvailable,
		Volume:     src,
		VolumeSize: src.Size,
	}
	if err := d.createSnapshot(tmp); err != nil {
		return err
	}
	defer func() {
		if derr := d.deleteSnapshot(tmp); derr != nil {
			if err == nil {
				err = derr
			} else {
				d.snapLog(tmp).WithError(derr).Error("unable to delete temporary snapshot")
			}
		}
	}()
	return d.copyVolumeFromSnapshot(tmp, vol)
}
