// Package runner sequences the top-level operations a single
// check/recover invocation performs on one filesystem image: normalize
// the journal-related superblock fields, and — when the image says it
// needs recovery — load the journal, replay it, and reopen the image
// so every later stage sees the replayed contents (spec §4.6).
package runner

import (
	"errors"
	"fmt"
	"log/slog"

	"miren.dev/ext3ck/block"
	"miren.dev/ext3ck/consistency"
	"miren.dev/ext3ck/ext2fs"
	"miren.dev/ext3ck/fsimage"
	"miren.dev/ext3ck/mountguard"
	"miren.dev/ext3ck/problem"
	"miren.dev/ext3ck/recovery"
	"miren.dev/ext3ck/revoke"
)

// ErrReadOnly is returned by RunJournal when the image was opened
// read-only: recovery requires writing replayed blocks back.
var ErrReadOnly = errors.New("runner: cannot recover journal on a read-only image")

// RevokeBuckets is the initial bucket count the revoke table is built
// with for every recovery run (spec §4.6 step 3).
const RevokeBuckets = 1024

// Coordinator drives one image through consistency checking and, if
// needed, journal recovery.
type Coordinator struct {
	log     *slog.Logger
	metrics block.Metrics
}

// New builds a Coordinator. Buffer-layer metrics are not reported
// anywhere; use NewWithMetrics to observe outstanding buffer counts.
func New(log *slog.Logger) *Coordinator {
	return &Coordinator{log: log.With("module", "runner")}
}

// NewWithMetrics builds a Coordinator whose buffer layers report
// outstanding handle counts to metrics.
func NewWithMetrics(log *slog.Logger, metrics block.Metrics) *Coordinator {
	return &Coordinator{log: log.With("module", "runner"), metrics: metrics}
}

// Check guards against a mounted device, opens the image, normalizes
// its journal superblock fields via consistency.CheckJournal, and —
// if the (possibly updated) superblock still needs recovery — runs
// RunJournal. It returns the final Image for the caller to continue
// with (e.g. a full ext2 check), and whether its in-memory superblock
// was left dirty and needs writing back.
func (c *Coordinator) Check(path string, channel problem.Channel, readOnly bool) (*fsimage.Image, bool, error) {
	if !readOnly {
		if err := mountguard.Check(path); err != nil {
			return nil, false, err
		}
	}

	img, err := fsimage.Open(c.log, path, readOnly)
	if err != nil {
		return nil, false, err
	}

	dirty := &ext2fs.Dirty{}
	resolver := consistency.NewResolver(img.Superblock(), dirty, channel, readOnly, c.log)
	layer := block.NewLayer(img, c.metrics)
	src := ext2fs.NewReader(img.Superblock(), img)

	if err := resolver.CheckJournal(layer, src, img.BlockSize()); err != nil {
		img.Close()
		return nil, false, fmt.Errorf("checking journal consistency: %w", err)
	}

	if !img.Superblock().NeedsRecovery() {
		return img, dirty.IsDirty(), nil
	}

	if readOnly {
		img.Close()
		return nil, false, ErrReadOnly
	}

	img, recoverDirty, recoverErr := c.RunJournal(img, channel, readOnly)
	return img, dirty.IsDirty() || recoverDirty, recoverErr
}

// RunJournal implements the replay coordinator (spec §4.6): it
// re-acquires the journal independently of any earlier consistency
// check (mirroring recover_ext3_journal calling e2fsck_get_journal
// again), initializes a fresh revoke table, runs the recovery engine,
// releases the journal with reset=true, reopens the image so cached
// state reflects the replay, and finally clears the recovery-needed
// bit on the freshly reopened superblock — passing whether recovery
// itself failed, so a failed replay additionally forces a full check.
// A fresh Resolver must be built after reopening, since Reopen parses
// a new Superblock object and the original one is no longer what img
// refers to.
func (c *Coordinator) RunJournal(img *fsimage.Image, channel problem.Channel, readOnly bool) (*fsimage.Image, bool, error) {
	if img.ReadOnly() {
		return img, false, ErrReadOnly
	}

	layer := block.NewLayer(img, c.metrics)
	src := ext2fs.NewReader(img.Superblock(), img)
	pctx := problem.Context{HaveIno: true, Ino: img.Superblock().JournalInum}
	preDirty := &ext2fs.Dirty{}
	resolver := consistency.NewResolver(img.Superblock(), preDirty, channel, readOnly, c.log)

	recoverErr := c.recoverOnce(layer, src, img.BlockSize(), resolver, pctx)

	if err := img.Reopen(); err != nil {
		return img, preDirty.IsDirty(), fmt.Errorf("reopening image after journal recovery: %w", err)
	}

	postDirty := &ext2fs.Dirty{}
	postResolver := consistency.NewResolver(img.Superblock(), postDirty, channel, readOnly, c.log)
	postResolver.ClearRecover(recoverErr != nil)

	dirty := preDirty.IsDirty() || postDirty.IsDirty()
	if recoverErr != nil {
		return img, dirty, fmt.Errorf("recovering journal: %w", recoverErr)
	}
	return img, dirty, nil
}

func (c *Coordinator) recoverOnce(layer *block.Layer, src consistency.InodeSource, blockSize int, resolver *consistency.Resolver, pctx problem.Context) error {
	h, err := resolver.AcquireJournal(layer, src, blockSize, pctx)
	if h == nil {
		return err
	}
	if err != nil {
		_ = h.Release(false)
		return err
	}

	table := revoke.New(RevokeBuckets)
	if err := recovery.Run(h, src, layer, table); err != nil {
		_ = h.Release(false)
		return err
	}

	return h.Release(true)
}
