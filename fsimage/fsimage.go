// Package fsimage opens a regular file or block device as a
// filesystem image and exposes it as the Block I/O channel the rest
// of the driver reads and writes blocks through. It plays the role
// spec.md treats as an external collaborator (§6's "Block I/O
// channel"); this is the one concrete implementation the CLI wires up.
package fsimage

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"miren.dev/ext3ck/ext2fs"
)

// ErrReadOnly is returned by WriteBlock when the image was opened
// read-only.
var ErrReadOnly = errors.New("fsimage: image is open read-only")

// Image is an open ext2/ext3 filesystem image backed by a regular
// file or block device.
type Image struct {
	log  *slog.Logger
	path string

	f          *os.File
	readOnly   bool
	blockSize  int
	sbOffset   int64
	superblock *ext2fs.Superblock
}

// Open opens path, reads and parses its ext2 superblock, and returns
// a ready Image. readOnly governs whether WriteBlock/WriteSuperblock are
// permitted; the superblock is always read, never written, by Open.
func Open(log *slog.Logger, path string, readOnly bool) (*Image, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}

	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	img := &Image{
		log:      log.With("module", "fsimage", "device", path),
		path:     path,
		f:        f,
		readOnly: readOnly,
		sbOffset: ext2fs.SuperblockOffset,
	}

	sb, err := img.readSuperblock()
	if err != nil {
		f.Close()
		return nil, err
	}

	img.superblock = sb
	img.blockSize = sb.BlockSize()

	img.log.Debug("opened filesystem image", "block-size", img.blockSize, "read-only", readOnly)

	return img, nil
}

// Reopen closes the underlying file and opens it again at the same
// path, block size, and superblock offset, so that any in-memory
// state reflects what journal replay just wrote to disk. This mirrors
// e2fsck_run_ext3_journal's ext2fs_close/ext2fs_open pair (spec §4.6
// step 6).
func (img *Image) Reopen() error {
	if err := img.f.Close(); err != nil {
		img.log.Warn("error closing image before reopen", "error", err)
	}

	flag := os.O_RDWR
	if img.readOnly {
		flag = os.O_RDONLY
	}

	f, err := os.OpenFile(img.path, flag, 0)
	if err != nil {
		return fmt.Errorf("reopening %s: %w", img.path, err)
	}
	img.f = f

	sb, err := img.readSuperblock()
	if err != nil {
		return err
	}
	img.superblock = sb

	return nil
}

// Close releases the underlying file handle.
func (img *Image) Close() error {
	return img.f.Close()
}

// Superblock returns the most recently read ext2 superblock.
func (img *Image) Superblock() *ext2fs.Superblock { return img.superblock }

// BlockSize returns the filesystem block size in bytes.
func (img *Image) BlockSize() int { return img.blockSize }

// ReadOnly reports whether the image was opened read-only.
func (img *Image) ReadOnly() bool { return img.readOnly }

// WriteSuperblock marshals the image's in-memory superblock and
// writes it back to disk at the fixed superblock offset. Callers are
// responsible for tracking whether the superblock was actually
// mutated (ext2fs.Dirty) and calling this only when it was.
func (img *Image) WriteSuperblock() error {
	if img.readOnly {
		return ErrReadOnly
	}
	raw := make([]byte, ext2fs.SuperblockSize)
	if err := img.superblock.Marshal(raw); err != nil {
		return fmt.Errorf("encoding superblock: %w", err)
	}
	if _, err := img.f.WriteAt(raw, img.sbOffset); err != nil {
		return fmt.Errorf("writing superblock: %w", err)
	}
	return nil
}

// ReadBlock implements block.Device: reads one filesystem block at
// blockNumber into dst, which must be exactly BlockSize() bytes.
func (img *Image) ReadBlock(blockNumber uint64, dst []byte) error {
	off := int64(blockNumber) * int64(img.blockSize)
	if _, err := img.f.ReadAt(dst, off); err != nil {
		return fmt.Errorf("reading block %d at offset %d: %w", blockNumber, off, err)
	}
	return nil
}

// WriteBlock implements block.Device: writes one filesystem block at
// blockNumber from src, which must be exactly BlockSize() bytes.
func (img *Image) WriteBlock(blockNumber uint64, src []byte) error {
	if img.readOnly {
		return ErrReadOnly
	}
	off := int64(blockNumber) * int64(img.blockSize)
	if _, err := img.f.WriteAt(src, off); err != nil {
		return fmt.Errorf("writing block %d at offset %d: %w", blockNumber, off, err)
	}
	return nil
}

// ReadFSBlock implements ext2fs.Device for inode-table and indirect
// block lookups: identical addressing to ReadBlock, named separately
// because the two packages shouldn't import each other for a single
// type assertion.
func (img *Image) ReadFSBlock(blockNumber uint32, dst []byte) error {
	return img.ReadBlock(uint64(blockNumber), dst)
}

func (img *Image) readSuperblock() (*ext2fs.Superblock, error) {
	raw := make([]byte, ext2fs.SuperblockSize)
	if _, err := img.f.ReadAt(raw, img.sbOffset); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading superblock: %w", err)
	}
	return ext2fs.Parse(raw)
}
