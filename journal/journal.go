package journal

import (
	stderrors "errors"

	"github.com/pkg/errors"

	"miren.dev/ext3ck/block"
	"miren.dev/ext3ck/ext2fs"
)

// MinJournalBlocks is the smallest journal length this driver will
// accept as plausible; anything shorter is treated as a bad inode
// rather than a tiny-but-valid journal.
const MinJournalBlocks = 1024

// Sentinel errors returned by Load and InitFromInode. Callers (the
// consistency resolver) switch on these with errors.Is to decide which
// problem to raise and how to recover.
var (
	ErrBadInode             = stderrors.New("journal: inode is not a usable journal file")
	ErrUnrecognisedFormat   = stderrors.New("journal: superblock has an unrecognised block type")
	ErrUnsupportedFeature   = stderrors.New("journal: superblock has unsupported incompatible features")
	ErrROUnsupportedFeature = stderrors.New("journal: superblock has unsupported read-only-compatible features")
	ErrCorruptSuperblock    = stderrors.New("journal: superblock is corrupt")
)

// Device is the collaborator InitFromInode needs: a way to resolve the
// journal inode's logical block 0 to a physical block (ext2fs.Reader's
// Bmap).
type Device interface {
	Bmap(in *ext2fs.RawInode, lb uint32) (uint32, error)
}

// Handle is the in-memory journal handle (spec §3): the loaded
// superblock state plus the buffer layer and backing superblock
// buffer it was read from.
type Handle struct {
	layer *block.Layer

	inode       *ext2fs.RawInode
	inodeNumber uint32
	blockSize   int
	readOnly    bool

	maxLen uint32

	sbBuffer   *block.Buffer
	superblock *Superblock

	formatVersion int

	tailSequence        uint32
	transactionSequence uint32
	tail                uint32
	first               uint32
	last                uint32
}

// InitFromInode validates that inode is usable as a journal file and
// allocates (but does not yet load) the buffer holding its on-disk
// superblock, mirroring e2fsck_journal_init_inode. It returns
// ErrBadInode for every reason the original treats as "bad inode":
// zero link count, not a regular file, too few blocks for a journal,
// or an unmapped first block.
func InitFromInode(layer *block.Layer, dev Device, inode *ext2fs.RawInode, inodeNumber uint32, blockSize int, readOnly bool) (*Handle, error) {
	h := &Handle{
		layer:       layer,
		inode:       inode,
		inodeNumber: inodeNumber,
		blockSize:   blockSize,
		readOnly:    readOnly,
		maxLen:      uint32(inode.Size()) / uint32(blockSize),
	}

	start, err := dev.Bmap(inode, 0)
	if err != nil {
		return nil, errors.Wrap(err, "mapping journal inode block 0")
	}

	if inode.LinksCount == 0 || !inode.IsRegular() || h.maxLen < MinJournalBlocks || start == 0 {
		return nil, ErrBadInode
	}

	h.sbBuffer = layer.GetBlock(uint64(start), blockSize)
	return h, nil
}

// Load reads the journal superblock buffer, validates its magic,
// format version, and feature bits, and populates the handle's
// tail/head/sequence state from it (spec §4.3). A non-nil error is
// one of the sentinels above, except when reading the superblock
// buffer fails: that I/O error is returned wrapped.
func (h *Handle) Load() error {
	if err := h.layer.WaitOnBuffer(h.sbBuffer); err != nil {
		return errors.Wrap(err, "reading journal superblock")
	}

	sb, err := ParseSuperblock(h.sbBuffer.Data())
	if err != nil {
		return errors.Wrap(ErrCorruptSuperblock, err.Error())
	}
	h.superblock = sb

	if !sb.HasValidMagic() {
		return ErrBadInode
	}

	switch sb.BlockType {
	case BlockTypeV1:
		h.formatVersion = 1
	case BlockTypeV2:
		h.formatVersion = 2
	default:
		return ErrUnrecognisedFormat
	}

	if sb.UnknownIncompatBits() != 0 {
		return ErrUnsupportedFeature
	}
	if sb.UnknownRoCompatBits() != 0 {
		return ErrROUnsupportedFeature
	}

	// Everything past this point is a format we understand, so any
	// further inconsistency is something to recover from rather than
	// refuse to touch.
	if sb.BlockSize != uint32(h.blockSize) {
		return ErrCorruptSuperblock
	}

	if sb.MaxLen < h.maxLen {
		h.maxLen = sb.MaxLen
	} else if sb.MaxLen > h.maxLen {
		return ErrCorruptSuperblock
	}

	h.tailSequence = sb.Sequence
	h.transactionSequence = h.tailSequence
	h.tail = sb.Start
	h.first = sb.First
	h.last = h.maxLen

	return nil
}

// ResetSuperblock rewrites the journal superblock in place to an
// empty journal: a valid V1 signature is preserved, anything else is
// overwritten with a fresh V2 header, every field past the header is
// zeroed, and block size/length/first/sequence are reset to an empty
// journal's values (spec §4.4). The buffer is left dirty; the caller
// releases it (typically via Release).
func (h *Handle) ResetSuperblock() {
	sb := h.superblock

	if !sb.HasValidV1Signature() {
		sb.BlockMagic = Magic
		sb.BlockType = BlockTypeV2
	}

	sb.MaxLen = h.maxLen
	sb.FeatureCompat = 0
	sb.FeatureIncompat = 0
	sb.FeatureRoCompat = 0
	sb.UUID = [16]byte{}

	sb.BlockSize = uint32(h.blockSize)
	sb.First = 1
	sb.Sequence = 1
	sb.Start = 0

	h.transactionSequence = 1
	h.tailSequence = 1
	h.tail = 0
	h.first = 1

	for i := headerSize; i < len(sb.raw); i++ {
		sb.raw[i] = 0
	}
	_ = sb.Marshal()
	h.sbBuffer.MarkDirty()
}

// Release writes the handle's current transaction sequence back to
// the on-disk superblock (unless the handle is read-only), optionally
// zeroing the start pointer to mark the journal empty, and releases
// the superblock buffer (spec §4.6, e2fsck_journal_release). The
// write-back error, if any, is returned; the buffer is released either
// way.
func (h *Handle) Release(reset bool) error {
	if !h.readOnly && h.superblock != nil {
		h.superblock.Sequence = h.transactionSequence
		if reset {
			h.superblock.Start = 0
		}
		if err := h.superblock.Marshal(); err != nil {
			return errors.Wrap(err, "encoding journal superblock on release")
		}
		h.sbBuffer.MarkDirty()
	}

	return h.layer.ReleaseBuffer(h.sbBuffer)
}

// Superblock returns the handle's loaded on-disk superblock view.
func (h *Handle) Superblock() *Superblock { return h.superblock }

// FormatVersion returns 1 or 2 once Load has succeeded.
func (h *Handle) FormatVersion() int { return h.formatVersion }

// MaxLen returns the journal length in blocks, clamped to the
// smaller of the inode's size and the superblock's own claim.
func (h *Handle) MaxLen() uint32 { return h.maxLen }

// TailSequence returns the sequence number of the oldest transaction
// still in the journal.
func (h *Handle) TailSequence() uint32 { return h.tailSequence }

// TransactionSequence returns the sequence number that will be
// assigned to the next transaction; Release writes this back as the
// superblock's committed sequence.
func (h *Handle) TransactionSequence() uint32 { return h.transactionSequence }

// SetTransactionSequence overrides the next transaction sequence,
// used after a reset or after replaying to the end of the log.
func (h *Handle) SetTransactionSequence(seq uint32) { h.transactionSequence = seq }

// Tail returns the block number of the start of the log (s_start).
func (h *Handle) Tail() uint32 { return h.tail }

// First returns the first usable block number in the journal.
func (h *Handle) First() uint32 { return h.first }

// Last returns the block number one past the end of the journal.
func (h *Handle) Last() uint32 { return h.last }

// InodeNumber returns the inode number the journal was loaded from.
func (h *Handle) InodeNumber() uint32 { return h.inodeNumber }

// Inode returns the raw journal inode record, so the recovery engine
// can bmap further logical journal blocks beyond block 0.
func (h *Handle) Inode() *ext2fs.RawInode { return h.inode }

// BlockSize returns the filesystem block size the journal was opened
// with.
func (h *Handle) BlockSize() int { return h.blockSize }
