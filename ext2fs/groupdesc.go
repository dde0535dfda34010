package ext2fs

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// GroupDescriptor is the on-disk block group descriptor, trimmed to
// the one field the inode loader needs: where the group's inode
// table starts.
type GroupDescriptor struct {
	_              uint32 // block_bitmap
	_              uint32 // inode_bitmap
	InodeTableLow  uint32
	_              [2]uint16 // free_blocks_count, free_inodes_count
	_              uint16    // used_dirs_count
	_              uint16    // pad
	_              [3]uint32 // reserved
}

const groupDescSize = 32

// Reader reads inodes from an ext2/ext3 image, given its superblock
// and a Device to pull filesystem blocks from.
type Reader struct {
	sb  *Superblock
	dev Device
}

// NewReader builds an inode Reader bound to sb and dev.
func NewReader(sb *Superblock, dev Device) *Reader {
	return &Reader{sb: sb, dev: dev}
}

// ReadInode reads and decodes the inode record for inum (1-based).
func (r *Reader) ReadInode(inum uint32) (*RawInode, error) {
	if inum == 0 {
		return nil, fmt.Errorf("ext2fs: inode 0 is not valid")
	}

	blockSize := r.sb.BlockSize()
	index := (inum - 1) % r.sb.InodesPerGroup
	group := (inum - 1) / r.sb.InodesPerGroup

	gd, err := r.readGroupDescriptor(group)
	if err != nil {
		return nil, err
	}

	inodeSize := int(r.sb.InodeSize)
	if inodeSize == 0 {
		inodeSize = 128
	}

	offsetInTable := uint64(index) * uint64(inodeSize)
	blockWithinTable := uint32(offsetInTable / uint64(blockSize))
	offsetInBlock := int(offsetInTable % uint64(blockSize))

	raw := make([]byte, blockSize)
	blk := gd.InodeTableLow + blockWithinTable
	if err := r.dev.ReadFSBlock(blk, raw); err != nil {
		return nil, fmt.Errorf("reading inode table block %d: %w", blk, err)
	}

	return ParseInode(raw, offsetInBlock, inodeSize)
}

// groupDescriptorTableBlock is the first block of the group
// descriptor table: one block past the block containing the
// superblock. FirstDataBlock is 1 for a 1024-byte block size and 0
// otherwise, so this holds for every block size.
func (r *Reader) groupDescriptorTableBlock() uint32 {
	return r.sb.FirstDataBlock + 1
}

func (r *Reader) readGroupDescriptor(group uint32) (*GroupDescriptor, error) {
	blockSize := r.sb.BlockSize()
	descsPerBlock := blockSize / groupDescSize

	tableBlock := r.groupDescriptorTableBlock()
	blk := tableBlock + group/uint32(descsPerBlock)
	offset := int(group%uint32(descsPerBlock)) * groupDescSize

	raw := make([]byte, blockSize)
	if err := r.dev.ReadFSBlock(blk, raw); err != nil {
		return nil, fmt.Errorf("reading group descriptor block %d: %w", blk, err)
	}

	var gd GroupDescriptor
	if err := binary.Read(bytes.NewReader(raw[offset:offset+groupDescSize]), binary.LittleEndian, &gd); err != nil {
		return nil, fmt.Errorf("decoding group descriptor %d: %w", group, err)
	}
	return &gd, nil
}

// Bmap resolves logical block lb of the inode to a physical block
// number.
func (r *Reader) Bmap(in *RawInode, lb uint32) (uint32, error) {
	return Bmap(r.dev, in, lb, r.sb.BlockSize())
}
