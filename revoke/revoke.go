// Package revoke implements the revoke table consulted during journal
// replay: for each block number that has been revoked, the highest
// transaction sequence number at which the revoke applies (spec §4.6,
// §6). A block written by a transaction whose sequence is at or below
// its revoke sequence must not be replayed.
package revoke

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// DefaultBuckets is the initial bucket count a fresh table is sized
// with, matching the original's journal_init_revoke(journal, 1024).
const DefaultBuckets = 1024

// Table is a bucketed block-number to max-sequence map. Buckets are
// hashed with xxhash rather than a division-based scheme so that
// resizing (not currently needed at these table sizes, but cheap to
// add later) wouldn't require rehashing every entry's bucket index by
// a different rule.
type Table struct {
	buckets []map[uint32]uint32
}

// New builds a revoke table with bucketCount buckets. A zero or
// negative bucketCount uses DefaultBuckets.
func New(bucketCount int) *Table {
	if bucketCount <= 0 {
		bucketCount = DefaultBuckets
	}
	t := &Table{buckets: make([]map[uint32]uint32, bucketCount)}
	for i := range t.buckets {
		t.buckets[i] = make(map[uint32]uint32)
	}
	return t
}

// Revoke records that blockNumber must not be replayed by any
// transaction with a sequence number less than or equal to sequence.
// If blockNumber was already revoked at a higher sequence, the
// existing (higher) sequence is kept — a later, lower-sequence revoke
// record for the same block never un-revokes it.
func (t *Table) Revoke(blockNumber uint32, sequence uint32) {
	b := t.bucket(blockNumber)
	if existing, ok := b[blockNumber]; ok && existing >= sequence {
		return
	}
	b[blockNumber] = sequence
}

// Cancel removes any revoke record for blockNumber, used once a
// commit record for that block's transaction has been seen and
// superseded by journal_unset_revoke semantics during a full replay
// pass 2 (not called by this driver's replay, kept for API
// completeness and tested directly).
func (t *Table) Cancel(blockNumber uint32) {
	delete(t.bucket(blockNumber), blockNumber)
}

// IsRevoked reports whether blockNumber is revoked at or after
// sequence: i.e. whether a transaction with this sequence number must
// skip replaying this block.
func (t *Table) IsRevoked(blockNumber uint32, sequence uint32) bool {
	max, ok := t.bucket(blockNumber)[blockNumber]
	return ok && sequence <= max
}

// Len returns the number of distinct revoked block numbers currently
// recorded.
func (t *Table) Len() int {
	n := 0
	for _, b := range t.buckets {
		n += len(b)
	}
	return n
}

func (t *Table) bucket(blockNumber uint32) map[uint32]uint32 {
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], blockNumber)
	h := xxhash.Sum64(key[:])
	return t.buckets[h%uint64(len(t.buckets))]
}
