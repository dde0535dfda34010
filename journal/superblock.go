// Package journal implements the ext3 journal superblock state
// machine: parsing the two on-disk format versions, gating on known
// feature bits, and loading or rewriting the committed tail/head
// pointers (spec.md §3, §4.3, §4.4).
package journal

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Magic is the fixed journal superblock magic number.
const Magic uint32 = 0xC03B3998

// Block types identifying the on-disk journal superblock format.
// Types 1 and 2 belong to descriptor and commit blocks respectively;
// superblocks start numbering at 3.
const (
	BlockTypeV1 uint32 = 3
	BlockTypeV2 uint32 = 4
)

// Block types for the journal log blocks the recovery package walks.
const (
	BlockTypeDescriptor uint32 = 1
	BlockTypeCommit     uint32 = 2
	BlockTypeRevoke     uint32 = 5
)

// Known feature bits. Anything outside these sets is an unsupported
// format the driver must refuse to touch (spec §4.3 steps 4-5).
const (
	IncompatRevoke      uint32 = 0x1
	IncompatRevokeInUse uint32 = 0x2 // superseded name kept for the 64bit bit below
	Incompat64Bit       uint32 = 0x2
	IncompatAsyncCommit uint32 = 0x4

	KnownIncompatFeatures = IncompatRevoke | Incompat64Bit | IncompatAsyncCommit
	KnownRoCompatFeatures = 0
)

// headerSize is the size in bytes of the journal_header_t prefix
// (magic, block_type, sequence) that reset_journal_superblock leaves
// untouched when it has to rewrite a superblock.
const headerSize = 12

// Superblock is the on-disk journal superblock (spec §6), decoded
// from big-endian 32-bit fields. Header is the 12-byte prefix shared
// by every journal block type (not just the superblock); the rest are
// superblock-specific fields.
type Superblock struct {
	Header

	BlockSize uint32
	MaxLen    uint32
	First     uint32
	Sequence  uint32
	Start     uint32

	FeatureCompat   uint32
	FeatureIncompat uint32
	FeatureRoCompat uint32
	UUID            [16]byte

	raw []byte // backing bytes, so writes mutate the buffer in place
}

// Header is the 12-byte prefix common to every journal block.
type Header struct {
	BlockMagic uint32
	BlockType  uint32
	Sequence   uint32
}

// onDiskLayout mirrors Superblock field-for-field for binary decode;
// Superblock itself carries a raw byte slice and isn't a fixed-size
// type binary.Read can use directly.
type onDiskLayout struct {
	Header          Header
	BlockSize       uint32
	MaxLen          uint32
	First           uint32
	Sequence        uint32
	Start           uint32
	FeatureCompat   uint32
	FeatureIncompat uint32
	FeatureRoCompat uint32
	UUID            [16]byte
}

// ParseSuperblock decodes a big-endian journal superblock from raw,
// which must be at least one filesystem block. raw is retained (not
// copied) so that field changes written back by Marshal land directly
// in the caller's buffer.
func ParseSuperblock(raw []byte) (*Superblock, error) {
	var d onDiskLayout
	if err := binary.Read(bytes.NewReader(raw), binary.BigEndian, &d); err != nil {
		return nil, fmt.Errorf("decoding journal superblock: %w", err)
	}

	return &Superblock{
		Header:          d.Header,
		BlockSize:       d.BlockSize,
		MaxLen:          d.MaxLen,
		First:           d.First,
		Sequence:        d.Sequence,
		Start:           d.Start,
		FeatureCompat:   d.FeatureCompat,
		FeatureIncompat: d.FeatureIncompat,
		FeatureRoCompat: d.FeatureRoCompat,
		UUID:            d.UUID,
		raw:             raw,
	}, nil
}

// Marshal re-encodes the superblock's fields back into its backing
// buffer (big-endian), so a Load → Marshal → ParseSuperblock
// round-trip reproduces identical live-field values (spec §8).
func (sb *Superblock) Marshal() error {
	d := onDiskLayout{
		Header:          sb.Header,
		BlockSize:       sb.BlockSize,
		MaxLen:          sb.MaxLen,
		First:           sb.First,
		Sequence:        sb.Sequence,
		Start:           sb.Start,
		FeatureCompat:   sb.FeatureCompat,
		FeatureIncompat: sb.FeatureIncompat,
		FeatureRoCompat: sb.FeatureRoCompat,
		UUID:            sb.UUID,
	}

	buf := bytes.NewBuffer(sb.raw[:0])
	if err := binary.Write(buf, binary.BigEndian, &d); err != nil {
		return fmt.Errorf("encoding journal superblock: %w", err)
	}
	copy(sb.raw, buf.Bytes())
	return nil
}

// HasValidMagic reports whether the header carries the journal magic.
func (sb *Superblock) HasValidMagic() bool {
	return sb.BlockMagic == Magic
}

// HasValidV1Signature reports whether the header is a recognisable
// V1 superblock: used by ResetSuperblock to decide whether to
// preserve it rather than promoting to V2 (spec §4.4).
func (sb *Superblock) HasValidV1Signature() bool {
	return sb.HasValidMagic() && sb.BlockType == BlockTypeV1
}

// UnknownIncompatBits returns the incompat feature bits set on the
// superblock that this driver does not understand.
func (sb *Superblock) UnknownIncompatBits() uint32 {
	return sb.FeatureIncompat &^ KnownIncompatFeatures
}

// UnknownRoCompatBits returns the ro_compat feature bits set on the
// superblock that this driver does not understand.
func (sb *Superblock) UnknownRoCompatBits() uint32 {
	return sb.FeatureRoCompat &^ KnownRoCompatFeatures
}
