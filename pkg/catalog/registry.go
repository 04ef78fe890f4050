// Package catalog keeps volume images in an OCI registry. An image is a manifest of
// zstd-compressed layers, each holding one byte range of the disk file.
package catalog

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/macvmio/smbvol/pkg/filesegment"
	"github.com/macvmio/smbvol/pkg/lifecycle"
	"github.com/macvmio/smbvol/pkg/sparsefile"
	"github.com/macvmio/smbvol/pkg/vdisk"
	"github.com/macvmio/smbvol/pkg/volerr"
	"github.com/macvmio/smbvol/pkg/zstd"
)

const (
	FormatLabel      = "io.smbvol.disk-format"
	VirtualSizeLabel = "io.smbvol.virtual-size"
)

type Registry struct {
	repo name.Repository
	opts *options
}

var _ lifecycle.ImageCatalog = (*Registry)(nil)

// New returns a catalog storing images as tags of repository, e.g. "registry.local/volumes".
func New(repository string, opts ...Option) (*Registry, error) {
	o := makeOptions(opts...)
	repo, err := name.NewRepository(repository, o.nameOptions...)
	if err != nil {
		return nil, fmt.Errorf("unable to parse repository '%v': %w", repository, err)
	}
	return &Registry{repo: repo, opts: o}, nil
}

func (r *Registry) reference(imageID string) (name.Tag, error) {
	tag, err := name.NewTag(r.repo.Name()+":"+imageID, r.opts.nameOptions...)
	if err != nil {
		return name.Tag{}, fmt.Errorf("unable to use '%v' as image reference: %w", imageID, err)
	}
	return tag, nil
}

func (r *Registry) remoteOptions(ctx context.Context) []remote.Option {
	return append(slices.Clone(r.opts.remoteOptions), remote.WithContext(ctx))
}

func (r *Registry) image(ctx context.Context, imageID string) (v1.Image, lifecycle.ImageMeta, error) {
	ref, err := r.reference(imageID)
	if err != nil {
		return nil, lifecycle.ImageMeta{}, err
	}
	img, err := remote.Image(ref, r.remoteOptions(ctx)...)
	if err != nil {
		return nil, lifecycle.ImageMeta{}, fmt.Errorf("unable to get image '%v': %w", ref, err)
	}
	cf, err := img.ConfigFile()
	if err != nil {
		return nil, lifecycle.ImageMeta{}, fmt.Errorf("unable to read config of '%v': %w", ref, err)
	}
	labels := cf.Config.Labels
	format, err := vdisk.ParseFormat(labels[FormatLabel])
	if err != nil {
		return nil, lifecycle.ImageMeta{}, &volerr.ImageUnacceptableError{ImageID: imageID, Reason: err.Error()}
	}
	size, err := strconv.ParseInt(labels[VirtualSizeLabel], 10, 64)
	if err != nil {
		return nil, lifecycle.ImageMeta{}, &volerr.ImageUnacceptableError{ImageID: imageID, Reason: fmt.Sprintf("invalid virtual size label: %v", err)}
	}
	return img, lifecycle.ImageMeta{ID: imageID, DiskFormat: format, Size: size}, nil
}

// Show returns the format and virtual size an image was uploaded with.
func (r *Registry) Show(ctx context.Context, imageID string) (lifecycle.ImageMeta, error) {
	_, meta, err := r.image(ctx, imageID)
	return meta, err
}

// Upload pushes the disk file at path as image meta.ID. Layers are pushed concurrently
// before the manifest.
func (r *Registry) Upload(ctx context.Context, meta lifecycle.ImageMeta, path string, format vdisk.Format) error {
	ref, err := r.reference(meta.ID)
	if err != nil {
		return err
	}
	log := r.opts.log.WithFields(logrus.Fields{"image": meta.ID, "path": path})
	layers, err := filesegment.Split(path, r.opts.segmentSize,
		filesegment.WithLogger(log),
		filesegment.WithCompressionLevel(r.opts.compressionLevel))
	if err != nil {
		return fmt.Errorf("unable to split '%v' into layers: %w", path, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.workersCount)
	for _, l := range layers {
		l := l
		g.Go(func() error {
			log.Debugf("pushing %v", l)
			return remote.WriteLayer(ref.Context(), l, r.remoteOptions(gctx)...)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("error occurred while pushing layers concurrently: %w", err)
	}

	img := mutate.MediaType(empty.Image, types.OCIManifestSchema1)
	img = mutate.ConfigMediaType(img, types.OCIConfigJSON)
	adds := make([]mutate.Addendum, 0, len(layers))
	for _, l := range layers {
		adds = append(adds, mutate.Addendum{Layer: l, Annotations: l.Annotations(), MediaType: filesegment.MediaType})
	}
	img, err = mutate.Append(img, adds...)
	if err != nil {
		return fmt.Errorf("unable to append layers: %w", err)
	}
	img, err = mutate.Config(img, v1.Config{Labels: map[string]string{
		FormatLabel:      format.String(),
		VirtualSizeLabel: strconv.FormatInt(meta.Size, 10),
	}})
	if err != nil {
		return fmt.Errorf("unable to set image config: %w", err)
	}
	if err := remote.Write(ref, img, r.remoteOptions(ctx)...); err != nil {
		return fmt.Errorf("unable to push image to registry: %w", err)
	}
	log.Infof("uploaded %v image of %s in %d layers", format, humanize.IBytes(uint64(meta.Size)), len(layers))
	return nil
}

// FetchToFormat writes image imageID to destPath as a sparse file in the requested format.
func (r *Registry) FetchToFormat(ctx context.Context, imageID, destPath string, format vdisk.Format, blockSize int64) (err error) {
	img, meta, err := r.image(ctx, imageID)
	if err != nil {
		return err
	}
	target := destPath
	if meta.DiskFormat != format {
		if r.opts.converter == nil {
			return &volerr.ImageUnacceptableError{
				ImageID: imageID,
				Reason:  fmt.Sprintf("image is stored as %v and no converter is configured for %v", meta.DiskFormat, format),
			}
		}
		target = destPath + ".fetch" + meta.DiskFormat.Extension()
		defer func() {
			if rerr := os.Remove(target); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) && err == nil {
				err = rerr
			}
		}()
	}
	if err := r.writeSegments(ctx, imageID, img, target, blockSize); err != nil {
		return err
	}
	if target != destPath {
		r.opts.log.WithField("image", imageID).Infof("converting %v image to %v", meta.DiskFormat, format)
		return r.opts.converter.Convert(target, destPath, format)
	}
	return nil
}

func (r *Registry) writeSegments(ctx context.Context, imageID string, img v1.Image, target string, blockSize int64) error {
	m, err := img.Manifest()
	if err != nil {
		return fmt.Errorf("unable to read manifest of '%v': %w", imageID, err)
	}
	segments := make([]filesegment.Segment, 0, len(m.Layers))
	for _, d := range m.Layers {
		s, err := filesegment.ParseSegment(d)
		if err != nil {
			return &volerr.ImageUnacceptableError{ImageID: imageID, Reason: err.Error()}
		}
		segments = append(segments, s)
	}
	slices.SortFunc(segments, func(a, b filesegment.Segment) int {
		return cmp.Compare(a.Start, b.Start)
	})
	size := int64(0)
	for _, s := range segments {
		if s.Start != size {
			return &volerr.ImageUnacceptableError{ImageID: imageID, Reason: fmt.Sprintf("segments do not cover byte %d", size)}
		}
		size = s.Stop + 1
	}

	f, err := os.OpenFile(target, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("unable to create '%v': %w", target, err)
	}
	err = f.Truncate(size)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("unable to size '%v': %w", target, err)
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.workersCount)
	for _, s := range segments {
		s := s
		g.Go(func() error {
			return r.writeSegment(img, target, s, blockSize)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("unable to fetch image '%v': %w", imageID, err)
	}
	r.opts.log.WithFields(logrus.Fields{"image": imageID, "path": target}).Infof("fetched %s", humanize.IBytes(uint64(size)))
	return nil
}

func (r *Registry) writeSegment(img v1.Image, target string, s filesegment.Segment, blockSize int64) error {
	l, err := img.LayerByDigest(s.Digest)
	if err != nil {
		return err
	}
	rc, err := l.Compressed()
	if err != nil {
		return err
	}
	u, err := zstd.NewReadCloser(rc)
	if err != nil {
		return err
	}
	defer u.Close()

	f, err := os.OpenFile(target, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Seek(s.Start, io.SeekStart); err != nil {
		return fmt.Errorf("error while seeking to position '%d': %w", s.Start, err)
	}
	written, skipped, err := sparsefile.CopyBuffer(f, u, make([]byte, blockSize))
	if err != nil {
		return err
	}
	if written+skipped != s.Length() {
		return fmt.Errorf("segment %d-%d holds %d bytes", s.Start, s.Stop, written+skipped)
	}
	return f.Close()
}
