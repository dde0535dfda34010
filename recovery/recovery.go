// Package recovery implements the journal replay engine: walking the
// committed transactions in a loaded journal, honoring the revoke
// table, and writing replayed blocks through the buffer layer
// (spec §4.6, §6's "Recovery engine" contract). Unlike the rest of
// this driver, this package's algorithm is not grounded on
// e2fsck/journal.c (the original delegates this to the kernel's
// recovery.c, which isn't part of this corpus) — it implements the
// standard JBD two-pass revoke-then-replay algorithm from first
// principles, in the style of the rest of this driver.
package recovery

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"miren.dev/ext3ck/block"
	"miren.dev/ext3ck/ext2fs"
	"miren.dev/ext3ck/journal"
	"miren.dev/ext3ck/revoke"
)

// Tag flags on a descriptor block's per-block entries.
const (
	tagFlagEscape   uint32 = 0x1
	tagFlagSameUUID uint32 = 0x2
	tagFlagDeleted  uint32 = 0x4
	tagFlagLastTag  uint32 = 0x8
)

const tagSize = 8
const uuidSize = 16
const revokeHeaderSize = 16 // 12-byte journal header + 4-byte count

// BlockMapper resolves a logical journal block to its physical block
// number on the underlying device, the same contract journal.Device
// uses for the journal inode's block 0.
type BlockMapper interface {
	Bmap(in *ext2fs.RawInode, lb uint32) (uint32, error)
}

// Run replays every committed transaction in h honoring table,
// writing recovered data blocks through layer. It performs two passes
// over the log: the first records every revoke entry without writing
// anything, the second applies descriptor-block writes that aren't
// superseded by a revoke recorded anywhere in the log (not just
// earlier in the scan — a block revoked by a later transaction must
// still suppress an earlier transaction's write to it). On return,
// h's transaction sequence has been set to one past the last
// transaction found; the caller is responsible for calling h.Release.
func Run(h *journal.Handle, mapper BlockMapper, layer *block.Layer, table *revoke.Table) error {
	if h.Tail() == 0 {
		// An empty log (start == 0) needs no replay.
		return nil
	}

	if _, err := walk(h, mapper, layer, table, false); err != nil {
		return errors.Wrap(err, "scanning journal for revoke records")
	}

	finalSeq, err := walk(h, mapper, layer, table, true)
	if err != nil {
		return errors.Wrap(err, "replaying journal transactions")
	}

	h.SetTransactionSequence(finalSeq)
	return nil
}

// walk is shared by both passes: it follows the log from h.Tail()
// forward, advancing the expected sequence number across commit
// blocks, until it finds a block whose magic or sequence doesn't
// match what's expected (the end of the valid, committed log). When
// apply is true, descriptor-block tags not suppressed by a revoke
// record are written to their target filesystem blocks; when false,
// only revoke blocks are consulted, to populate table ahead of the
// replay pass.
func walk(h *journal.Handle, mapper BlockMapper, layer *block.Layer, table *revoke.Table, apply bool) (uint32, error) {
	blockSize := h.BlockSize()
	next := h.Tail()
	seq := h.TailSequence()

	for {
		phys, err := mapper.Bmap(h.Inode(), next)
		if err != nil {
			return 0, err
		}
		if phys == 0 {
			break
		}

		buf := layer.GetBlock(uint64(phys), blockSize)
		if err := layer.WaitOnBuffer(buf); err != nil {
			layer.ReleaseBuffer(buf)
			break
		}

		hdrMagic := binary.BigEndian.Uint32(buf.Data()[0:4])
		hdrType := binary.BigEndian.Uint32(buf.Data()[4:8])
		hdrSeq := binary.BigEndian.Uint32(buf.Data()[8:12])

		if hdrMagic != journal.Magic || hdrSeq != seq {
			layer.ReleaseBuffer(buf)
			break
		}

		switch hdrType {
		case journal.BlockTypeCommit:
			if err := layer.ReleaseBuffer(buf); err != nil {
				return 0, err
			}
			seq++
			next = wrap(h, next+1)

		case journal.BlockTypeRevoke:
			if apply {
				// Already folded into table by the first pass.
				if err := layer.ReleaseBuffer(buf); err != nil {
					return 0, err
				}
				next = wrap(h, next+1)
				continue
			}
			recordRevokes(buf.Data(), seq, table)
			if err := layer.ReleaseBuffer(buf); err != nil {
				return 0, err
			}
			next = wrap(h, next+1)

		case journal.BlockTypeDescriptor:
			tags, err := parseTags(buf.Data())
			if err := layer.ReleaseBuffer(buf); err != nil {
				return 0, err
			}
			if err != nil {
				return 0, err
			}

			next = wrap(h, next+1)
			for _, tag := range tags {
				if apply {
					dataPhys, err := mapper.Bmap(h.Inode(), next)
					if err != nil {
						return 0, err
					}
					if !tag.deleted && !table.IsRevoked(tag.blockNumber, seq) {
						if err := applyTag(layer, blockSize, dataPhys, tag); err != nil {
							return 0, err
						}
					} else {
						// Skipped: the log block is not read; the walk
						// position still advances past it below.
						logBuf := layer.GetBlock(uint64(dataPhys), blockSize)
						if err := layer.ReleaseBuffer(logBuf); err != nil {
							return 0, err
						}
					}
				}
				next = wrap(h, next+1)
			}

		default:
			if err := layer.ReleaseBuffer(buf); err != nil {
				return 0, err
			}
			return seq, nil
		}
	}

	return seq, nil
}

func applyTag(layer *block.Layer, blockSize int, logPhys uint32, tag descriptorTag) error {
	logBuf := layer.GetBlock(uint64(logPhys), blockSize)
	if err := layer.WaitOnBuffer(logBuf); err != nil {
		layer.ReleaseBuffer(logBuf)
		return err
	}

	data := make([]byte, blockSize)
	copy(data, logBuf.Data())
	if err := layer.ReleaseBuffer(logBuf); err != nil {
		return err
	}

	if tag.escaped {
		binary.BigEndian.PutUint32(data[0:4], journal.Magic)
	}

	target := layer.GetBlock(uint64(tag.blockNumber), blockSize)
	copy(target.Data(), data)
	target.MarkDirty()
	return layer.ReleaseBuffer(target)
}

func wrap(h *journal.Handle, logical uint32) uint32 {
	if logical >= h.Last() {
		return h.First()
	}
	return logical
}

type descriptorTag struct {
	blockNumber uint32
	escaped     bool
	deleted     bool
}

func parseTags(raw []byte) ([]descriptorTag, error) {
	var tags []descriptorTag
	off := 12 // past the journal_header_t

	for off+tagSize <= len(raw) {
		blockNumber := binary.BigEndian.Uint32(raw[off : off+4])
		flags := binary.BigEndian.Uint32(raw[off+4 : off+8])
		off += tagSize

		tags = append(tags, descriptorTag{
			blockNumber: blockNumber,
			escaped:     flags&tagFlagEscape != 0,
			deleted:     flags&tagFlagDeleted != 0,
		})

		if flags&tagFlagSameUUID == 0 {
			off += uuidSize
		}
		if flags&tagFlagLastTag != 0 {
			break
		}
	}

	if len(tags) == 0 {
		return nil, errors.New("recovery: descriptor block has no tags")
	}
	return tags, nil
}

func recordRevokes(raw []byte, sequence uint32, table *revoke.Table) {
	if len(raw) < revokeHeaderSize {
		return
	}
	count := int(binary.BigEndian.Uint32(raw[12:16]))
	if count > len(raw) {
		count = len(raw)
	}

	for off := revokeHeaderSize; off+4 <= count; off += 4 {
		blockNumber := binary.BigEndian.Uint32(raw[off : off+4])
		table.Revoke(blockNumber, sequence)
	}
}
