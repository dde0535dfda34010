package runner_test

import (
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"miren.dev/ext3ck/ext2fs"
	"miren.dev/ext3ck/journal"
	"miren.dev/ext3ck/problem"
	"miren.dev/ext3ck/runner"
)

const blockSize = 1024

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeHeader(raw []byte, blockType, sequence uint32) {
	binary.BigEndian.PutUint32(raw[0:4], journal.Magic)
	binary.BigEndian.PutUint32(raw[4:8], blockType)
	binary.BigEndian.PutUint32(raw[8:12], sequence)
}

// buildImage lays out a complete ext2 image with a journal inode
// (reserved inode 8) whose direct blocks point at a hand-written
// journal: superblock at physical journalSBBlock, with tail fields
// start/tailSeq, and one committed descriptor/data/commit transaction
// replaying into targetBlock. needsRecovery controls the incompat bit.
func buildImage(t *testing.T, needsRecovery bool, start, tailSeq uint32) (path string, targetBlock uint32) {
	t.Helper()

	const (
		numBlocks       = 100
		journalSBBlock  = 10
		descBlock       = 12
		dataBlock       = 13
		commitBlock     = 14
		groupDescBlock  = 2 // FirstDataBlock(1) + 1
		inodeTableBlock = 3
		journalInode    = 8
		inodesPerGroup  = 32
	)
	targetBlock = 50

	buf := make([]byte, numBlocks*blockSize)

	sbRaw := make([]byte, ext2fs.SuperblockSize)
	binary.LittleEndian.PutUint16(sbRaw[56:58], ext2fs.Magic)
	binary.LittleEndian.PutUint32(sbRaw[20:24], 1) // first_data_block
	binary.LittleEndian.PutUint32(sbRaw[40:44], inodesPerGroup)
	featureCompat := uint32(0)
	featureCompat |= 0x0004 // EXT3_FEATURE_COMPAT_HAS_JOURNAL
	binary.LittleEndian.PutUint32(sbRaw[92:96], featureCompat)
	if needsRecovery {
		binary.LittleEndian.PutUint32(sbRaw[96:100], 0x0004) // EXT3_FEATURE_INCOMPAT_RECOVER
	}
	binary.LittleEndian.PutUint32(sbRaw[224:228], journalInode) // s_journal_inum
	copy(buf[ext2fs.SuperblockOffset:int(ext2fs.SuperblockOffset)+ext2fs.SuperblockSize], sbRaw)

	gdRaw := make([]byte, 32)
	binary.LittleEndian.PutUint32(gdRaw[8:12], inodeTableBlock) // bg_inode_table
	copy(buf[groupDescBlock*blockSize:groupDescBlock*blockSize+32], gdRaw)

	inRaw := make([]byte, 128)
	binary.LittleEndian.PutUint16(inRaw[0:2], 0x8000) // mode: regular file
	binary.LittleEndian.PutUint32(inRaw[4:8], uint32(journal.MinJournalBlocks)*blockSize)
	binary.LittleEndian.PutUint16(inRaw[26:28], 1) // links_count
	binary.LittleEndian.PutUint32(inRaw[40:44], journalSBBlock)     // block[0]
	binary.LittleEndian.PutUint32(inRaw[40+2*4:40+3*4], descBlock)  // block[2]
	binary.LittleEndian.PutUint32(inRaw[40+3*4:40+4*4], dataBlock)  // block[3]
	binary.LittleEndian.PutUint32(inRaw[40+4*4:40+5*4], commitBlock) // block[4]
	inodeOffset := (journalInode - 1) % inodesPerGroup * 128
	inodeTableOffset := inodeTableBlock*blockSize + inodeOffset
	copy(buf[inodeTableOffset:inodeTableOffset+128], inRaw)

	jsbRaw := make([]byte, blockSize)
	writeHeader(jsbRaw, journal.BlockTypeV2, tailSeq)
	binary.BigEndian.PutUint32(jsbRaw[12:16], blockSize)
	binary.BigEndian.PutUint32(jsbRaw[16:20], uint32(journal.MinJournalBlocks))
	binary.BigEndian.PutUint32(jsbRaw[20:24], 1)
	binary.BigEndian.PutUint32(jsbRaw[24:28], tailSeq)
	binary.BigEndian.PutUint32(jsbRaw[28:32], start)
	copy(buf[journalSBBlock*blockSize:(journalSBBlock+1)*blockSize], jsbRaw)

	if start != 0 {
		descRaw := make([]byte, blockSize)
		writeHeader(descRaw, journal.BlockTypeDescriptor, tailSeq)
		binary.BigEndian.PutUint32(descRaw[12:16], targetBlock)
		binary.BigEndian.PutUint32(descRaw[16:20], 0x2|0x8) // SAME_UUID|LAST_TAG
		copy(buf[descBlock*blockSize:(descBlock+1)*blockSize], descRaw)

		dataRaw := make([]byte, blockSize)
		copy(dataRaw, []byte("recovered metadata via full runner"))
		copy(buf[dataBlock*blockSize:(dataBlock+1)*blockSize], dataRaw)

		commitRaw := make([]byte, blockSize)
		writeHeader(commitRaw, journal.BlockTypeCommit, tailSeq)
		copy(buf[commitBlock*blockSize:(commitBlock+1)*blockSize], commitRaw)
	}

	path = filepath.Join(t.TempDir(), "image.bin")
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path, targetBlock
}

func TestCheck_NoRecoveryNeededIsNoop(t *testing.T) {
	path, _ := buildImage(t, false, 0, 1)

	c := runner.New(discardLogger())
	img, dirty, err := c.Check(path, problem.AssumeYes{}, false)
	require.NoError(t, err)
	defer img.Close()
	require.False(t, dirty)
	require.False(t, img.Superblock().NeedsRecovery())
}

func TestCheck_ReplaysJournalAndClearsRecoveryBit(t *testing.T) {
	path, targetBlock := buildImage(t, true, 2, 5)

	c := runner.New(discardLogger())
	img, dirty, err := c.Check(path, problem.AssumeYes{}, false)
	require.NoError(t, err)
	defer img.Close()

	require.True(t, dirty)
	require.False(t, img.Superblock().NeedsRecovery())

	got := make([]byte, blockSize)
	require.NoError(t, img.ReadBlock(uint64(targetBlock), got))
	require.Contains(t, string(got), "recovered metadata via full runner")
}

func TestCheck_ReadOnlyRefusesRecovery(t *testing.T) {
	path, _ := buildImage(t, true, 2, 5)

	c := runner.New(discardLogger())
	_, _, err := c.Check(path, problem.AssumeYes{}, true)
	require.ErrorIs(t, err, runner.ErrReadOnly)
}
