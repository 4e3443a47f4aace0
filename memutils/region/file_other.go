//go:build !unix

package region

import (
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/filealloc/memutils"
)

// File is a Region backed by a file on disk. Platforms without mmap support hold the file's
// contents in memory and write them back on Sync and Close.
type File struct {
	Memory
	path string
	f    *os.File
}

var _ Region = &File{}

// Open reads the file at path into memory, creating it if it does not exist. Errors are
// marked with memutils.ErrOpenFailure.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to open region file %s", path), memutils.ErrOpenFailure)
	}

	data, err := io.ReadAll(f)
	if err != nil {
		_ = f.Close()
		return nil, errors.Mark(errors.Wrapf(err, "failed to read region file %s", path), memutils.ErrOpenFailure)
	}

	return &File{
		Memory: Memory{data: data},
		path:   path,
		f:      f,
	}, nil
}

// Path returns the path of the backing file
func (r *File) Path() string { return r.path }

func (r *File) Resize(size uint64) (uint64, error) {
	if r.f == nil {
		return 0, errors.New("attempted to resize a closed region")
	}

	return r.Memory.Resize(size)
}

func (r *File) Reserve(minSize uint64) (uint64, error) {
	if minSize <= r.Size() {
		return r.Size(), nil
	}

	return r.Resize(minSize)
}

func (r *File) Sync() error {
	_, err := r.f.WriteAt(r.data, 0)
	if err != nil {
		return errors.Wrapf(err, "failed to write region file %s", r.path)
	}

	err = r.f.Truncate(int64(len(r.data)))
	if err != nil {
		return errors.Wrapf(err, "failed to truncate region file %s", r.path)
	}

	return errors.Wrapf(r.f.Sync(), "failed to sync region file %s", r.path)
}

func (r *File) Close() error {
	if r.f == nil {
		return errors.New("attempted to close a region twice")
	}

	syncErr := r.Sync()
	closeErr := r.f.Close()
	r.f = nil
	r.Memory.data = nil

	return errors.CombineErrors(syncErr, closeErr)
}
