//go:build unix

package region

import (
	"math"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/filealloc/memutils"
	"golang.org/x/sys/unix"
)

// File is a Region backed by a shared read/write memory mapping of a file on disk
type File struct {
	path string
	f    *os.File
	data []byte
	size uint64
}

var _ Region = &File{}

// Open maps the file at path, creating it if it does not exist. A newly-created file has
// size 0 and no mapping until it is first grown. Errors are marked with memutils.ErrOpenFailure.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to open region file %s", path), memutils.ErrOpenFailure)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Mark(errors.Wrapf(err, "failed to stat region file %s", path), memutils.ErrOpenFailure)
	}

	r := &File{
		path: path,
		f:    f,
		size: uint64(info.Size()),
	}

	err = r.mapFile()
	if err != nil {
		_ = f.Close()
		return nil, errors.Mark(err, memutils.ErrOpenFailure)
	}

	return r, nil
}

func (r *File) mapFile() error {
	if r.size == 0 {
		r.data = nil
		return nil
	}

	if r.size > math.MaxInt {
		return errors.Newf("region file %s too large to map (%d bytes)", r.path, r.size)
	}

	data, err := unix.Mmap(int(r.f.Fd()), 0, int(r.size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return errors.Wrapf(err, "failed to map region file %s", r.path)
	}

	r.data = data
	return nil
}

func (r *File) unmapFile() error {
	if r.data == nil {
		return nil
	}

	err := unix.Munmap(r.data)
	if err != nil {
		return errors.Wrapf(err, "failed to unmap region file %s", r.path)
	}

	r.data = nil
	return nil
}

// Path returns the path of the backing file
func (r *File) Path() string { return r.path }

func (r *File) Bytes() []byte { return r.data }

func (r *File) Size() uint64 { return r.size }

func (r *File) Resize(size uint64) (uint64, error) {
	if r.f == nil {
		return 0, errors.New("attempted to resize a closed region")
	}

	if size == r.size {
		return size, nil
	}

	if size > math.MaxInt64 {
		return r.size, errors.Newf("requested region size %d is too large", size)
	}

	err := r.unmapFile()
	if err != nil {
		return r.size, err
	}

	err = r.f.Truncate(int64(size))
	if err != nil {
		// remap at the old size so the region stays usable
		remapErr := r.mapFile()
		return r.size, errors.CombineErrors(errors.Wrapf(err, "failed to resize region file %s to %d bytes", r.path, size), remapErr)
	}

	oldSize := r.size
	r.size = size
	err = r.mapFile()
	if err != nil {
		r.size = oldSize
		truncateErr := r.f.Truncate(int64(oldSize))
		remapErr := r.mapFile()
		return r.size, errors.CombineErrors(err, errors.CombineErrors(truncateErr, remapErr))
	}

	return r.size, nil
}

func (r *File) Reserve(minSize uint64) (uint64, error) {
	if minSize <= r.size {
		return r.size, nil
	}

	return r.Resize(minSize)
}

func (r *File) Sync() error {
	if r.data == nil {
		return nil
	}

	return errors.Wrapf(unix.Msync(r.data, unix.MS_SYNC), "failed to sync region file %s", r.path)
}

func (r *File) Close() error {
	if r.f == nil {
		return errors.New("attempted to close a region twice")
	}

	syncErr := r.Sync()
	unmapErr := r.unmapFile()
	closeErr := r.f.Close()
	r.f = nil

	return errors.CombineErrors(syncErr, errors.CombineErrors(unmapErr, closeErr))
}
