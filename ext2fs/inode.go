package ext2fs

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// inode mode bits this package inspects (S_IFMT / S_IFREG from the
// Linux on-disk inode format).
const (
	modeFmtMask uint16 = 0xf000
	modeFmtReg  uint16 = 0x8000
)

// RawInode is the on-disk ext2 inode record, trimmed to the fields
// the journal loader needs: link count, mode, size, and the direct
// and singly/doubly/triply indirect block pointers.
type RawInode struct {
	Mode       uint16
	_          uint16 // uid
	SizeLow    uint32
	_          [3]uint32 // atime, ctime, mtime
	_          uint32    // dtime
	_          uint16    // gid
	LinksCount uint16
	_          uint32 // blocks
	_          uint32 // flags
	_          uint32 // osd1
	Block      [15]uint32
	_          uint32    // generation
	_          uint32    // file_acl
	SizeHigh   uint32    // dir_acl in the on-disk layout; reused as size high 32 bits for regular files
	_          [4]uint32 // faddr + osd2
}

// Size returns the inode's size in bytes (low+high 32 bits, as used
// for regular files).
func (in *RawInode) Size() uint64 {
	return uint64(in.SizeHigh)<<32 | uint64(in.SizeLow)
}

// IsRegular reports whether the inode names a regular file.
func (in *RawInode) IsRegular() bool {
	return in.Mode&modeFmtMask == modeFmtReg
}

// Device is the block-level collaborator inode reading/bmap needs: a
// way to read an arbitrary filesystem block (the inode table block,
// or an indirect block).
type Device interface {
	ReadFSBlock(blockNumber uint32, dst []byte) error
}

// ParseInode decodes a raw inode record from an inode-table block.
// offset is the byte offset of this inode's record within raw.
func ParseInode(raw []byte, offset, inodeSize int) (*RawInode, error) {
	if offset+inodeSize > len(raw) {
		return nil, fmt.Errorf("ext2fs: inode record at offset %d exceeds block", offset)
	}

	var in RawInode
	if err := binary.Read(bytes.NewReader(raw[offset:]), binary.LittleEndian, &in); err != nil {
		return nil, fmt.Errorf("decoding inode: %w", err)
	}
	return &in, nil
}

const (
	directBlocks = 12
	indirectIdx  = 12
	doubleIdx    = 13
	tripleIdx    = 14
)

// Bmap resolves logical block number lb of the file represented by in
// to a physical filesystem block number, walking direct and indirect
// block pointers as needed. It returns 0 (never a valid block number)
// if the mapping is sparse/unallocated at that offset.
func Bmap(dev Device, in *RawInode, lb uint32, blockSize int) (uint32, error) {
	ppb := uint32(blockSize / 4)

	if lb < directBlocks {
		return in.Block[lb], nil
	}
	lb -= directBlocks

	if lb < ppb {
		return bmapIndirect(dev, in.Block[indirectIdx], lb, blockSize)
	}
	lb -= ppb

	if lb < ppb*ppb {
		return bmapDoubleIndirect(dev, in.Block[doubleIdx], lb, ppb, blockSize)
	}
	lb -= ppb * ppb

	return bmapTripleIndirect(dev, in.Block[tripleIdx], lb, ppb, blockSize)
}

func bmapIndirect(dev Device, blk uint32, lb uint32, blockSize int) (uint32, error) {
	if blk == 0 {
		return 0, nil
	}
	pointers, err := readPointerBlock(dev, blk, blockSize)
	if err != nil {
		return 0, err
	}
	return pointers[lb], nil
}

func bmapDoubleIndirect(dev Device, blk uint32, lb, ppb uint32, blockSize int) (uint32, error) {
	if blk == 0 {
		return 0, nil
	}
	pointers, err := readPointerBlock(dev, blk, blockSize)
	if err != nil {
		return 0, err
	}
	return bmapIndirect(dev, pointers[lb/ppb], lb%ppb, blockSize)
}

func bmapTripleIndirect(dev Device, blk uint32, lb, ppb uint32, blockSize int) (uint32, error) {
	if blk == 0 {
		return 0, nil
	}
	pointers, err := readPointerBlock(dev, blk, blockSize)
	if err != nil {
		return 0, err
	}
	return bmapDoubleIndirect(dev, pointers[lb/(ppb*ppb)], lb%(ppb*ppb), ppb, blockSize)
}

func readPointerBlock(dev Device, blk uint32, blockSize int) ([]uint32, error) {
	raw := make([]byte, blockSize)
	if err := dev.ReadFSBlock(blk, raw); err != nil {
		return nil, fmt.Errorf("reading indirect block %d: %w", blk, err)
	}

	pointers := make([]uint32, blockSize/4)
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, pointers); err != nil {
		return nil, fmt.Errorf("decoding indirect block %d: %w", blk, err)
	}
	return pointers, nil
}
