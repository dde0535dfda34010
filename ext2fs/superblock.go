// Package ext2fs models the slice of the ext2/ext3 on-disk format that
// the journal recovery driver needs: the filesystem superblock's
// journal-related fields, and the inode record plus block-mapping
// function used to locate the journal file's blocks.
package ext2fs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic is the fixed ext2/ext3/ext4 superblock magic number.
const Magic uint16 = 0xef53

// SuperblockOffset is the byte offset of the superblock from the
// start of the filesystem (past the boot block).
const SuperblockOffset = 1024

// SuperblockSize is the on-disk size reserved for the superblock.
const SuperblockSize = 1024

// CompatFeature, IncompatFeature and RoCompatFeature are the three
// independent feature-bit sets ext2/ext3 superblocks carry.
type (
	CompatFeature   uint32
	IncompatFeature uint32
	RoCompatFeature uint32
)

const (
	// FeatureCompatHasJournal advertises that the filesystem has an
	// ext3 journal.
	FeatureCompatHasJournal CompatFeature = 0x0004

	// FeatureIncompatRecover instructs any mounter to replay the
	// journal before the filesystem may be used.
	FeatureIncompatRecover IncompatFeature = 0x0004
)

// StateValidFS is the bit of Superblock.State this package inspects.
const (
	StateValidFS uint16 = 0x0001
)

// FirstNonReservedInode is the first inode number available for user
// files on a standard ext2/ext3 layout; inode numbers below it are
// reserved for filesystem metadata (root dir, bad-blocks, journal,
// resize, etc).
const FirstNonReservedInode = 11

// Superblock is the subset of the on-disk ext2 superblock this driver
// reads and mutates. Field layout mirrors the kernel/e2fsprogs layout
// (see lsvd/pkg/ext4/read.go's SuperBlock for the full struct this is
// trimmed from); only the journal-relevant fields are named, the rest
// are kept as raw padding so offsets stay correct for round-tripping.
type Superblock struct {
	InodesCount        uint32
	BlocksCountLow     uint32
	_                  [3]uint32 // r_blocks_count, free_blocks_count, free_inodes_count
	FirstDataBlock     uint32
	LogBlockSize       uint32
	_                  uint32 // log_cluster_size
	BlocksPerGroup     uint32
	_                  uint32 // clusters_per_group
	InodesPerGroup     uint32
	_                  [2]uint32 // mtime, wtime
	_                  [2]uint16 // mnt_count, max_mnt_count
	Magic              uint16
	State              uint16
	_                  [2]uint16 // errors, minor_rev_level
	_                  [2]uint32 // lastcheck, checkinterval
	_                  uint32    // creator_os
	_                  uint32    // rev_level
	_                  [2]uint16 // def_resuid, def_resgid
	FirstInode         uint32
	InodeSize          uint16
	_                  uint16 // block_group_nr
	FeatureCompat      CompatFeature
	FeatureIncompat    IncompatFeature
	FeatureRoCompat    RoCompatFeature
	UUID               [16]byte
	_                  [16]byte // volume_name
	_                  [64]byte // last_mounted
	_                  uint32   // algorithm_usage_bitmap
	_                  [2]byte  // prealloc_blocks, prealloc_dir_blocks
	_                  uint16   // reserved_gdt_blocks
	JournalUUID        [16]byte
	JournalInum        uint32
	JournalDev         uint32
	LastOrphan         uint32
}

// Parse decodes a raw, little-endian, 1024-byte-aligned ext2
// superblock. (ext2/ext3 superblock integers are little-endian,
// unlike the big-endian journal superblock in package journal.)
func Parse(raw []byte) (*Superblock, error) {
	var sb Superblock
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &sb); err != nil {
		return nil, fmt.Errorf("decoding ext2 superblock: %w", err)
	}
	if sb.Magic != Magic {
		return nil, errors.New("ext2fs: not an ext2/ext3 filesystem (bad magic)")
	}
	return &sb, nil
}

// Marshal re-encodes the superblock into dst, which must be at least
// SuperblockSize bytes. Only the fields this package knows about are
// written; callers that read a superblock, mutate it, and write it
// back get a byte-identical image for every field not named here.
func (sb *Superblock) Marshal(dst []byte) error {
	buf := bytes.NewBuffer(dst[:0])
	if err := binary.Write(buf, binary.LittleEndian, sb); err != nil {
		return fmt.Errorf("encoding ext2 superblock: %w", err)
	}
	copy(dst, buf.Bytes())
	return nil
}

// BlockSize returns the filesystem block size in bytes.
func (sb *Superblock) BlockSize() int {
	return 1024 << sb.LogBlockSize
}

// HasJournal reports the compat "has journal" advertisement.
func (sb *Superblock) HasJournal() bool {
	return sb.FeatureCompat&FeatureCompatHasJournal != 0
}

// SetHasJournal sets or clears the compat "has journal" bit.
func (sb *Superblock) SetHasJournal(v bool) {
	if v {
		sb.FeatureCompat |= FeatureCompatHasJournal
	} else {
		sb.FeatureCompat &^= FeatureCompatHasJournal
	}
}

// NeedsRecovery reports the incompat "recover" advertisement.
func (sb *Superblock) NeedsRecovery() bool {
	return sb.FeatureIncompat&FeatureIncompatRecover != 0
}

// SetNeedsRecovery sets or clears the incompat "recover" bit.
func (sb *Superblock) SetNeedsRecovery(v bool) {
	if v {
		sb.FeatureIncompat |= FeatureIncompatRecover
	} else {
		sb.FeatureIncompat &^= FeatureIncompatRecover
	}
}

// ValidFS reports whether the filesystem state is marked valid.
func (sb *Superblock) ValidFS() bool {
	return sb.State&StateValidFS != 0
}

// ClearValidFS forces a full filesystem check on next run by clearing
// the valid-fs state bit. There is no SetValidFS: this driver only
// ever degrades the state, matching spec §4.5/§8 (a journal-consistency
// fix always downgrades to "needs full check", never the reverse).
func (sb *Superblock) ClearValidFS() {
	sb.State &^= StateValidFS
}

// JournalUUIDIsZero reports whether the external-journal UUID field
// is unset.
func (sb *Superblock) JournalUUIDIsZero() bool {
	for _, b := range sb.JournalUUID {
		if b != 0 {
			return false
		}
	}
	return true
}

// ClearJournalUUID zeroes the external-journal UUID field.
func (sb *Superblock) ClearJournalUUID() {
	sb.JournalUUID = [16]byte{}
}

// Dirty tracks whether the superblock has been mutated in memory and
// needs writing back by the outer driver; the core only ever sets it,
// per spec §5 ("marked dirty for later write-back by the outer driver").
type Dirty struct {
	dirty bool
}

func (d *Dirty) Mark()       { d.dirty = true }
func (d *Dirty) IsDirty() bool { return d.dirty }
