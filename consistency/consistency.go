// Package consistency implements the decision table that reconciles a
// filesystem superblock's three independent journal advertisements
// (compat has-journal, incompat needs-recovery, and the journal
// inode/device/UUID fields) through the interactive problem channel
// (spec §4.5), and the force-fsck rule applied whenever a journal is
// administratively removed.
package consistency

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"miren.dev/ext3ck/block"
	"miren.dev/ext3ck/ext2fs"
	"miren.dev/ext3ck/journal"
	"miren.dev/ext3ck/problem"
)

// InodeSource reads the journal inode and maps its logical blocks to
// physical ones; ext2fs.Reader satisfies this directly.
type InodeSource interface {
	ReadInode(inum uint32) (*ext2fs.RawInode, error)
	Bmap(in *ext2fs.RawInode, lb uint32) (uint32, error)
}

// Resolver carries the filesystem superblock state and problem
// channel that every decision in this package is made against.
type Resolver struct {
	log      *slog.Logger
	sb       *ext2fs.Superblock
	dirty    *ext2fs.Dirty
	channel  problem.Channel
	readOnly bool
}

// NewResolver builds a Resolver over sb. dirty is marked every time
// the resolver mutates sb, so the outer driver knows to write the
// filesystem superblock back.
func NewResolver(sb *ext2fs.Superblock, dirty *ext2fs.Dirty, channel problem.Channel, readOnly bool, log *slog.Logger) *Resolver {
	return &Resolver{sb: sb, dirty: dirty, channel: channel, readOnly: readOnly, log: log.With("module", "consistency")}
}

// CheckJournal normalizes the filesystem superblock's journal fields,
// loading and releasing the on-disk journal as needed to do so
// (spec §4.5). It never triggers replay; RunJournal does that
// separately once CheckJournal has left the fields consistent.
func (r *Resolver) CheckJournal(layer *block.Layer, src InodeSource, blockSize int) error {
	sb := r.sb

	if !sb.HasJournal() && !sb.NeedsRecovery() && sb.JournalInum == 0 &&
		sb.JournalDev == 0 && sb.JournalUUIDIsZero() {
		return nil
	}

	pctx := problem.Context{HaveIno: sb.JournalInum != 0, Ino: sb.JournalInum}

	h, err := r.AcquireJournal(layer, src, blockSize, pctx)
	if err != nil {
		switch {
		case errors.Is(err, journal.ErrBadInode):
			releaseQuietly(h)
			return r.fixBadInode(pctx)
		case h == nil && errors.Is(err, journal.ErrUnsupportedFeature):
			// A declined external-device/UUID prompt: no journal was
			// opened, so there is no format to fix.
			return err
		case errors.Is(err, journal.ErrCorruptSuperblock):
			return r.fixCorruptSuper(h, pctx)
		case errors.Is(err, journal.ErrUnsupportedFeature),
			errors.Is(err, journal.ErrUnrecognisedFormat),
			errors.Is(err, journal.ErrROUnsupportedFeature):
			return r.fixUnsupportedSuper(h, pctx)
		default:
			releaseQuietly(h)
			return err
		}
	}

	return r.reconcileAndRelease(h, pctx)
}

// AcquireJournal resolves the journal inode referenced by sb (handling
// the unsupported-device/UUID prompts along the way) and loads it.
// The returned handle may be non-nil even on error: once
// journal.InitFromInode succeeds, its buffer must still be released
// by the caller regardless of what Load returns. Exported so the
// replay coordinator can re-acquire the journal independently, the
// same way recover_ext3_journal calls e2fsck_get_journal again rather
// than reusing the handle from the earlier consistency check.
func (r *Resolver) AcquireJournal(layer *block.Layer, src InodeSource, blockSize int, pctx problem.Context) (*journal.Handle, error) {
	sb := r.sb

	if sb.HasJournal() {
		if sb.JournalDev != 0 {
			devCtx := pctx
			devCtx.HaveNum, devCtx.Num = true, int64(sb.JournalDev)
			if r.channel.Ask(problem.UnsupportedDevice, devCtx) {
				sb.JournalDev = 0
				sb.ClearValidFS()
				r.dirty.Mark()
			} else {
				return nil, journal.ErrUnsupportedFeature
			}
		}
		if !sb.JournalUUIDIsZero() {
			uuidCtx := pctx
			uuidCtx.HaveStr, uuidCtx.Str = true, uuid.UUID(sb.JournalUUID).String()
			if r.channel.Ask(problem.UnsupportedUUID, uuidCtx) {
				sb.ClearJournalUUID()
				sb.ClearValidFS()
				r.dirty.Mark()
			} else {
				return nil, journal.ErrUnsupportedFeature
			}
		}
		if sb.JournalInum == 0 {
			return nil, journal.ErrBadInode
		}
	}

	if sb.JournalDev != 0 {
		devCtx := pctx
		devCtx.HaveNum, devCtx.Num = true, int64(sb.JournalDev)
		if r.channel.Ask(problem.BadDevice, devCtx) {
			sb.JournalDev = 0
			sb.ClearValidFS()
			r.dirty.Mark()
		} else {
			return nil, journal.ErrUnsupportedFeature
		}
	}
	if !sb.JournalUUIDIsZero() {
		uuidCtx := pctx
		uuidCtx.HaveStr, uuidCtx.Str = true, uuid.UUID(sb.JournalUUID).String()
		if r.channel.Ask(problem.BadUUID, uuidCtx) {
			sb.ClearJournalUUID()
			sb.ClearValidFS()
			r.dirty.Mark()
		} else {
			return nil, journal.ErrUnsupportedFeature
		}
	}
	if sb.JournalInum == 0 {
		return nil, journal.ErrBadInode
	}

	inode, err := src.ReadInode(sb.JournalInum)
	if err != nil {
		return nil, fmt.Errorf("reading journal inode %d: %w", sb.JournalInum, err)
	}

	h, err := journal.InitFromInode(layer, src, inode, sb.JournalInum, blockSize, r.readOnly)
	if err != nil {
		return nil, err
	}

	if err := h.Load(); err != nil {
		return h, err
	}
	return h, nil
}

// reconcileAndRelease runs the has-journal agreement loop and the
// empty-journal reset prompt, then releases h exactly once.
func (r *Resolver) reconcileAndRelease(h *journal.Handle, pctx problem.Context) error {
	sb := r.sb
	pctx.HaveStr, pctx.Str = true, "inode"

	for !sb.HasJournal() {
		recover := sb.NeedsRecovery()
		if r.channel.Ask(problem.HasJournal, pctx) {
			if recover && !r.channel.Ask(problem.RecoverSet, pctx) {
				continue
			}
			forceFsck := recover || sb.JournalInum < ext2fs.FirstNonReservedInode
			sb.JournalInum = 0
			sb.JournalDev = 0
			sb.ClearJournalUUID()
			r.ClearRecover(forceFsck)
		} else if !r.readOnly {
			sb.SetHasJournal(true)
			r.dirty.Mark()
		}
		break
	}

	reset := false
	if sb.HasJournal() && !sb.NeedsRecovery() && h.Tail() != 0 {
		if r.channel.Ask(problem.ResetJournal, pctx) {
			reset = true
			sb.ClearValidFS()
			r.dirty.Mark()
		}
		// A "no" here leaves the apparently-populated journal alone:
		// replaying unreviewed data risks being worse than skipping a
		// questionable recovery. This driver does not auto-replay.
	}

	return h.Release(reset)
}

// fixBadInode handles a journal inode that fails the structural
// invariant in spec §3: either it isn't a regular file with data, or
// the filesystem's own fields about it don't add up.
func (r *Resolver) fixBadInode(pctx problem.Context) error {
	sb := r.sb
	recover := sb.NeedsRecovery()
	hasJournal := sb.HasJournal()

	if hasJournal || sb.JournalInum != 0 {
		if r.channel.Ask(problem.BadInode, pctx) {
			sb.SetHasJournal(false)
			sb.JournalInum = 0
			r.ClearRecover(true)
			return nil
		}
		return journal.ErrBadInode
	}

	if recover {
		if r.channel.Ask(problem.RecoverSet, pctx) {
			r.ClearRecover(true)
			return nil
		}
		return journal.ErrUnsupportedFeature
	}

	return nil
}

// fixCorruptSuper handles a journal superblock that loaded far enough
// to be readable but fails a structural check (block size mismatch,
// claimed length longer than the inode). h's buffer is always
// released exactly once by this function.
func (r *Resolver) fixCorruptSuper(h *journal.Handle, pctx problem.Context) error {
	sb := r.sb
	recover := sb.NeedsRecovery()
	pctx.HaveIno, pctx.Ino = true, h.InodeNumber()

	if sb.HasJournal() {
		if r.channel.Ask(problem.BadSuperblock, pctx) {
			h.ResetSuperblock()
			h.SetTransactionSequence(1)
			r.ClearRecover(recover)
			return h.Release(false)
		}
		releaseQuietly(h)
		return journal.ErrCorruptSuperblock
	}

	releaseQuietly(h)
	return r.fixBadInode(pctx)
}

// fixUnsupportedSuper handles a journal format or feature bit this
// driver doesn't understand: the first choice offered is to abort;
// declining falls back to the bad-inode repair path, which at worst
// removes the journal and forces a full check.
func (r *Resolver) fixUnsupportedSuper(h *journal.Handle, pctx problem.Context) error {
	sb := r.sb
	if sb.HasJournal() && r.channel.Ask(problem.UnsupportedSuperblock, pctx) {
		releaseQuietly(h)
		return journal.ErrCorruptSuperblock
	}

	releaseQuietly(h)
	return r.fixBadInode(pctx)
}

// ClearRecover clears the needs-recovery bit, and additionally clears
// the valid-fs state if forceFullCheck is set — the outer driver must
// run a complete check rather than trust the filesystem's metadata.
func (r *Resolver) ClearRecover(forceFullCheck bool) {
	r.sb.SetNeedsRecovery(false)
	if forceFullCheck {
		r.sb.ClearValidFS()
	}
	r.dirty.Mark()
}

func releaseQuietly(h *journal.Handle) {
	if h == nil {
		return
	}
	_ = h.Release(false)
}
