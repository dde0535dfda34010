package consistency_test

import (
	"encoding/binary"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"miren.dev/ext3ck/block"
	"miren.dev/ext3ck/consistency"
	"miren.dev/ext3ck/ext2fs"
	"miren.dev/ext3ck/journal"
	"miren.dev/ext3ck/problem"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const blockSize = 1024

type memDevice struct {
	blocks map[uint64][]byte
}

func newMemDevice() *memDevice { return &memDevice{blocks: make(map[uint64][]byte)} }

func (d *memDevice) ReadBlock(blockNumber uint64, dst []byte) error {
	src, ok := d.blocks[blockNumber]
	if !ok {
		src = make([]byte, blockSize)
	}
	copy(dst, src)
	return nil
}

func (d *memDevice) WriteBlock(blockNumber uint64, src []byte) error {
	buf := make([]byte, len(src))
	copy(buf, src)
	d.blocks[blockNumber] = buf
	return nil
}

// fakeSource maps every journal inode number to a fixed RawInode and
// places its blocks contiguously starting at offset.
type fakeSource struct {
	inodes map[uint32]*ext2fs.RawInode
	offset uint32
}

func (s *fakeSource) ReadInode(inum uint32) (*ext2fs.RawInode, error) {
	return s.inodes[inum], nil
}

func (s *fakeSource) Bmap(in *ext2fs.RawInode, lb uint32) (uint32, error) {
	return s.offset + lb, nil
}

// scripted answers a fixed response per problem code and records every
// question it was asked.
type scripted struct {
	answers map[problem.Code]bool
	asked   []problem.Code
}

func (s *scripted) Ask(code problem.Code, pctx problem.Context) bool {
	s.asked = append(s.asked, code)
	return s.answers[code]
}

func writeHeader(raw []byte, blockType, sequence uint32) {
	binary.BigEndian.PutUint32(raw[0:4], journal.Magic)
	binary.BigEndian.PutUint32(raw[4:8], blockType)
	binary.BigEndian.PutUint32(raw[8:12], sequence)
}

// writeJournalSuperblock writes a valid V2 journal superblock to phys
// on dev, with the given maxLen/first/sequence/start fields.
func writeJournalSuperblock(t *testing.T, dev *memDevice, phys uint64, maxLen, first, sequence, start uint32) {
	t.Helper()
	raw := make([]byte, blockSize)
	writeHeader(raw, journal.BlockTypeV2, sequence)
	binary.BigEndian.PutUint32(raw[12:16], blockSize)
	binary.BigEndian.PutUint32(raw[16:20], maxLen)
	binary.BigEndian.PutUint32(raw[20:24], first)
	binary.BigEndian.PutUint32(raw[24:28], sequence)
	binary.BigEndian.PutUint32(raw[28:32], start)
	require.NoError(t, dev.WriteBlock(phys, raw))
}

func validJournalInode() *ext2fs.RawInode {
	in := &ext2fs.RawInode{Mode: 0x8000, LinksCount: 1}
	in.SizeLow = uint32(journal.MinJournalBlocks) * blockSize
	return in
}

func TestCheckJournal_NoJournalFieldsIsNoop(t *testing.T) {
	sb := &ext2fs.Superblock{}
	dirty := &ext2fs.Dirty{}
	chan_ := &scripted{answers: map[problem.Code]bool{}}
	r := consistency.NewResolver(sb, dirty, chan_, false, discardLogger())

	layer := block.NewLayer(newMemDevice(), nil)
	src := &fakeSource{inodes: map[uint32]*ext2fs.RawInode{}}

	require.NoError(t, r.CheckJournal(layer, src, blockSize))
	require.Empty(t, chan_.asked)
	require.False(t, dirty.IsDirty())
}

func TestCheckJournal_CleanJournalNoPrompts(t *testing.T) {
	dev := newMemDevice()
	layer := block.NewLayer(dev, nil)
	writeJournalSuperblock(t, dev, 1000, uint32(journal.MinJournalBlocks), 1, 7, 0)

	sb := &ext2fs.Superblock{JournalInum: 8}
	sb.SetHasJournal(true)
	dirty := &ext2fs.Dirty{}
	chan_ := &scripted{answers: map[problem.Code]bool{}}
	r := consistency.NewResolver(sb, dirty, chan_, false, discardLogger())

	src := &fakeSource{
		inodes: map[uint32]*ext2fs.RawInode{8: validJournalInode()},
		offset: 1000,
	}

	require.NoError(t, r.CheckJournal(layer, src, blockSize))
	require.Empty(t, chan_.asked)
}

func TestCheckJournal_BadInodeIsFixedWhenApproved(t *testing.T) {
	sb := &ext2fs.Superblock{JournalInum: 8}
	sb.SetHasJournal(true)
	dirty := &ext2fs.Dirty{}
	chan_ := &scripted{answers: map[problem.Code]bool{problem.BadInode: true}}
	r := consistency.NewResolver(sb, dirty, chan_, false, discardLogger())

	layer := block.NewLayer(newMemDevice(), nil)
	src := &fakeSource{
		inodes: map[uint32]*ext2fs.RawInode{8: {Mode: 0x8000, LinksCount: 0}}, // zero link count: bad inode
	}

	require.NoError(t, r.CheckJournal(layer, src, blockSize))
	require.Contains(t, chan_.asked, problem.BadInode)
	require.False(t, sb.HasJournal())
	require.Equal(t, uint32(0), sb.JournalInum)
	require.True(t, dirty.IsDirty())
}

func TestCheckJournal_BadInodeRefusedReturnsError(t *testing.T) {
	sb := &ext2fs.Superblock{JournalInum: 8}
	sb.SetHasJournal(true)
	dirty := &ext2fs.Dirty{}
	chan_ := &scripted{answers: map[problem.Code]bool{problem.BadInode: false}}
	r := consistency.NewResolver(sb, dirty, chan_, false, discardLogger())

	layer := block.NewLayer(newMemDevice(), nil)
	src := &fakeSource{
		inodes: map[uint32]*ext2fs.RawInode{8: {Mode: 0x8000, LinksCount: 0}},
	}

	err := r.CheckJournal(layer, src, blockSize)
	require.ErrorIs(t, err, journal.ErrBadInode)
}

func TestCheckJournal_HasJournalMismatchForcesFullCheck(t *testing.T) {
	dev := newMemDevice()
	layer := block.NewLayer(dev, nil)
	writeJournalSuperblock(t, dev, 1000, uint32(journal.MinJournalBlocks), 1, 7, 0)

	sb := &ext2fs.Superblock{JournalInum: 8, State: ext2fs.StateValidFS} // has-journal bit NOT set, reserved inode
	dirty := &ext2fs.Dirty{}
	chan_ := &scripted{answers: map[problem.Code]bool{problem.HasJournal: true}}
	r := consistency.NewResolver(sb, dirty, chan_, false, discardLogger())

	src := &fakeSource{
		inodes: map[uint32]*ext2fs.RawInode{8: validJournalInode()},
		offset: 1000,
	}

	require.NoError(t, r.CheckJournal(layer, src, blockSize))
	require.Contains(t, chan_.asked, problem.HasJournal)
	require.Equal(t, uint32(0), sb.JournalInum)
	require.False(t, sb.NeedsRecovery())
	require.False(t, sb.ValidFS())
	require.True(t, dirty.IsDirty())
}

func TestCheckJournal_PromptsResetOnUnreplayedData(t *testing.T) {
	dev := newMemDevice()
	layer := block.NewLayer(dev, nil)
	writeJournalSuperblock(t, dev, 2000, uint32(journal.MinJournalBlocks), 1, 7, 2)

	sb := &ext2fs.Superblock{JournalInum: 8}
	sb.SetHasJournal(true)
	dirty := &ext2fs.Dirty{}
	chan_ := &scripted{answers: map[problem.Code]bool{problem.ResetJournal: true}}
	r := consistency.NewResolver(sb, dirty, chan_, false, discardLogger())

	src := &fakeSource{
		inodes: map[uint32]*ext2fs.RawInode{8: validJournalInode()},
		offset: 2000,
	}

	require.NoError(t, r.CheckJournal(layer, src, blockSize))
	require.Contains(t, chan_.asked, problem.ResetJournal)
	require.False(t, sb.State&ext2fs.StateValidFS != 0)
	require.True(t, dirty.IsDirty())
}
