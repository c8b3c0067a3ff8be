// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: dedupe.go — Ring-indexed deduplication for feed events
//
// Purpose:
//   - Deduper drops repeated Sync logs keyed by (block, txIndex, logIndex)
//     plus a 128-bit fingerprint of the emitting venue.
//   - HashFilter drops pending transactions the feed already delivered.
//
// Notes:
//   - Both structures are direct-mapped rings: a colliding entry simply
//     evicts the older one, so a rare duplicate may pass. Every downstream
//     consumer is idempotent for repeated inputs.
//   - Log entries older than MaxReorg blocks are treated as stale so a
//     reorganized chain can replay the same coordinates.
//
// ⚠️ Neither type is safe for concurrent use; the feed goroutine owns both.
// ─────────────────────────────────────────────────────────────────────────────

package dedupe

import (
	"github.com/ethereum/go-ethereum/common"

	"cyclearb/constants"
	"cyclearb/types"
	"cyclearb/utils"
)

const ringMask = (1 << constants.RingBits) - 1

// Deduper is a circular buffer that tracks recent log identities.
type Deduper struct {
	buf [1 << constants.RingBits]dedupeSlot

	// Reorgs counts stale slots that were re-admitted.
	Reorgs uint64
}

// dedupeSlot represents a single deduplication entry.
type dedupeSlot struct {
	blk, tx, log uint32    // 96-bit event identity key (blk/tx/log) - packed tight
	age          uint32    // block height of slot entry
	tagHi, tagLo uint64    // 128-bit fingerprint of the emitting venue
	_            [4]uint64 // Padding for cache-line alignment (total struct size: 64 bytes)
}

// New allocates a Deduper on the heap; the ring is 4 MiB.
func New() *Deduper {
	return new(Deduper)
}

// Check tests if the given (blk, tx, log, tag) tuple is NEW and should be processed.
// If the log is either unseen or stale due to a reorg, it stores the new entry and returns true.
//
//go:inline
//go:registerparams
func (d *Deduper) Check(
	blk, tx, log uint32, // Log event identifiers (block/transaction/log index)
	tagHi, tagLo uint64, // Fingerprint of the emitting contract
	latestBlk uint32, // Current block tip for eviction judgment (reorg handling)
) bool {
	// ───── 1. Combine block, transaction and log index into one 64-bit key ─────
	key := uint64(blk)<<32 | uint64(tx)<<16 | uint64(log)

	// ───── 2. Locate the slot ─────
	slot := &d.buf[utils.Mix64(key)&ringMask]

	// ───── 3. Staleness: slot used, chain advanced past the reorg window ─────
	stale := slot.age > 0 && latestBlk > slot.age && (latestBlk-slot.age) > constants.MaxReorg

	// ───── 4. Branchless exact match ─────
	blkMatch := slot.blk ^ blk
	txMatch := slot.tx ^ tx
	logMatch := slot.log ^ log
	tagHiMatch := slot.tagHi ^ tagHi
	tagLoMatch := slot.tagLo ^ tagLo

	exactMatch := (blkMatch | txMatch | logMatch | uint32(tagHiMatch) | uint32(tagHiMatch>>32) | uint32(tagLoMatch) | uint32(tagLoMatch>>32)) == 0

	isDuplicate := exactMatch && !stale
	if exactMatch && stale {
		d.Reorgs++
	}

	// ───── 5. Replace the slot unless this was a duplicate ─────
	if !isDuplicate {
		*slot = dedupeSlot{
			blk:   blk,
			tx:    tx,
			log:   log,
			age:   latestBlk,
			tagHi: tagHi,
			tagLo: tagLo,
		}
	}
	return !isDuplicate
}

// CheckUpdate is Check keyed by a reserve update's coordinates and venue.
func (d *Deduper) CheckUpdate(u *types.ReserveUpdate, latestBlk uint32) bool {
	hi, lo := Fingerprint(u.Venue)
	return d.Check(uint32(u.Block), uint32(u.TxIndex), uint32(u.LogIndex), hi, lo, latestBlk)
}

// Fingerprint folds a 20-byte address into the 128-bit slot tag.
func Fingerprint(a common.Address) (uint64, uint64) {
	return utils.LoadBE64(a[0:8]) ^ uint64(a[16])<<24 ^ uint64(a[17])<<16 ^ uint64(a[18])<<8 ^ uint64(a[19]),
		utils.LoadBE64(a[8:16])
}

// ============================================================================
// PENDING TRANSACTION FILTER
// ============================================================================

// HashFilter remembers recently seen transaction hashes.
type HashFilter struct {
	buf [1 << constants.RingBits][4]uint64
}

// NewHashFilter allocates an empty filter.
func NewHashFilter() *HashFilter {
	return new(HashFilter)
}

// Seen reports whether h was already recorded, recording it if not.
func (f *HashFilter) Seen(h common.Hash) bool {
	w := [4]uint64{
		utils.LoadBE64(h[0:8]),
		utils.LoadBE64(h[8:16]),
		utils.LoadBE64(h[16:24]),
		utils.LoadBE64(h[24:32]),
	}
	slot := &f.buf[utils.Mix64(w[0]^w[3])&ringMask]
	if *slot == w {
		return true
	}
	*slot = w
	return false
}
