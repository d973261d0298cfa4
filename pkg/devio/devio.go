// Package devio wraps raw disk devices (or backing files) behind a small
// positional-I/O interface. All offsets are byte offsets; callers deal in
// sectors and shift before calling in.
package devio

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// Sector geometry shared by every device in a snapshot store.
const (
	SectorBits = 9
	SectorSize = 1 << SectorBits
)

// ErrShortIO is returned when a read or write transfers fewer bytes than
// requested. Block devices do not short-transfer except at end of device,
// so this usually means a size mismatch between store and device.
var ErrShortIO = errors.New("short device transfer")

// Dev is an open block device or regular backing file.
type Dev struct {
	f    *os.File
	name string
}

// Open opens a device or file for read/write positional I/O.
func Open(path string) (*Dev, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open device %q: %w", path, err)
	}
	return &Dev{f: f, name: path}, nil
}

// Create opens path read/write, creating it if it does not exist.
// Used by store initialization over file-backed stores.
func Create(path string) (*Dev, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create device %q: %w", path, err)
	}
	return &Dev{f: f, name: path}, nil
}

// Name returns the path the device was opened with.
func (d *Dev) Name() string { return d.name }

// ReadAt reads len(p) bytes at byte offset off.
func (d *Dev) ReadAt(p []byte, off int64) (int, error) {
	n, err := unix.Pread(int(d.f.Fd()), p, off)
	if err != nil {
		return n, fmt.Errorf("pread %s@%d: %w", d.name, off, err)
	}
	if n != len(p) {
		return n, fmt.Errorf("pread %s@%d: %d of %d bytes: %w", d.name, off, n, len(p), ErrShortIO)
	}
	return n, nil
}

// WriteAt writes len(p) bytes at byte offset off.
func (d *Dev) WriteAt(p []byte, off int64) (int, error) {
	n, err := unix.Pwrite(int(d.f.Fd()), p, off)
	if err != nil {
		return n, fmt.Errorf("pwrite %s@%d: %w", d.name, off, err)
	}
	if n != len(p) {
		return n, fmt.Errorf("pwrite %s@%d: %d of %d bytes: %w", d.name, off, n, len(p), ErrShortIO)
	}
	return n, nil
}

// Size returns the device size in bytes. Works for both regular files and
// block devices (seek-to-end is reliable for both on Linux).
func (d *Dev) Size() (int64, error) {
	size, err := d.f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("size of %s: %w", d.name, err)
	}
	return size, nil
}

// Truncate grows a file-backed device to size bytes. It is an error on a
// real block device.
func (d *Dev) Truncate(size int64) error {
	if err := d.f.Truncate(size); err != nil {
		return fmt.Errorf("truncate %s: %w", d.name, err)
	}
	return nil
}

// Sync flushes device caches.
func (d *Dev) Sync() error {
	return d.f.Sync()
}

// Close closes the device.
func (d *Dev) Close() error {
	return d.f.Close()
}
