// Package shm maps caller-owned POSIX shared memory regions read-only for
// the lifetime of a single request.
package shm

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/Tutortoise/inference-worker/models"
	"golang.org/x/sys/unix"
)

const DefaultDir = "/dev/shm"

var ErrSharedMemory = errors.New("shared memory error")

// Region is a read-only mapping of a named shared memory object. The
// worker never creates or unlinks regions; names come from the caller.
type Region struct {
	name    string
	mapping []byte
	size    int
}

// Open maps capacity bytes of the region called name found under dir and
// exposes the first size bytes.
func Open(dir, name string, size, capacity int) (*Region, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %s: capacity %d", ErrSharedMemory, name, capacity)
	}
	if size < 0 || size > capacity {
		return nil, fmt.Errorf("%w: %s: size %d outside capacity %d", ErrSharedMemory, name, size, capacity)
	}

	path, err := resolve(dir, name)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrSharedMemory, path, err)
	}
	// The mapping stays valid after the descriptor is closed.
	defer unix.Close(fd)

	// Pages past the end of the object fault on access.
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("%w: stat %s: %v", ErrSharedMemory, path, err)
	}
	if st.Size < int64(capacity) {
		return nil, fmt.Errorf("%w: %s holds %d bytes, capacity %d", ErrSharedMemory, path, st.Size, capacity)
	}

	mapping, err := unix.Mmap(fd, 0, capacity, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %s (%d bytes): %v", ErrSharedMemory, path, capacity, err)
	}

	return &Region{
		name:    name,
		mapping: mapping,
		size:    size,
	}, nil
}

func resolve(dir, name string) (string, error) {
	if dir == "" {
		dir = DefaultDir
	}
	base := strings.TrimPrefix(name, "/")
	if base == "" || strings.Contains(base, "/") || base == "." || base == ".." {
		return "", fmt.Errorf("%w: invalid region name %q", ErrSharedMemory, name)
	}
	return filepath.Join(dir, base), nil
}

func (r *Region) Name() string { return r.name }

func (r *Region) Kind() models.SourceKind { return models.SourceSharedMemory }

func (r *Region) Bytes() []byte {
	if r.mapping == nil {
		return nil
	}
	return r.mapping[:r.size:r.size]
}

// Release unmaps the region. Calling it more than once is a no-op.
func (r *Region) Release() error {
	if r.mapping == nil {
		return nil
	}
	err := unix.Munmap(r.mapping)
	r.mapping = nil
	if err != nil {
		return fmt.Errorf("%w: munmap %s: %v", ErrSharedMemory, r.name, err)
	}
	return nil
}
