package dedupe

import (
	"crypto/rand"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cyclearb/constants"
	"cyclearb/types"
)

// ============================================================================
// CORE FUNCTIONALITY TESTS
// ============================================================================

// TestDeduper_Basic validates insert-then-check-duplicate.
func TestDeduper_Basic(t *testing.T) {
	d := New()

	if !d.Check(1000, 5, 2, 0x1234567890abcdef, 0xfedcba0987654321, 1000) {
		t.Error("First insertion should return true (new entry)")
	}
	if d.Check(1000, 5, 2, 0x1234567890abcdef, 0xfedcba0987654321, 1000) {
		t.Error("Exact duplicate should return false (duplicate detected)")
	}
}

// TestDeduper_DifferentCoordinates checks that any changed field admits the log.
func TestDeduper_DifferentCoordinates(t *testing.T) {
	d := New()
	d.Check(2000, 2, 2, 0x33, 0x44, 2000)

	cases := []struct {
		name         string
		blk, tx, log uint32
		hi, lo       uint64
	}{
		{"block", 2001, 2, 2, 0x33, 0x44},
		{"tx", 2000, 3, 2, 0x33, 0x44},
		{"log", 2000, 2, 3, 0x33, 0x44},
	}
	for _, c := range cases {
		if !d.Check(c.blk, c.tx, c.log, c.hi, c.lo, 2000) {
			t.Errorf("%s change should be accepted", c.name)
		}
	}
}

// TestDeduper_SameCoordinatesOtherVenue covers a collision on coordinates
// with a different emitting contract.
func TestDeduper_SameCoordinatesOtherVenue(t *testing.T) {
	d := New()
	d.Check(3000, 1, 1, 0xAAAA, 0xBBBB, 3000)
	if !d.Check(3000, 1, 1, 0xAAAA, 0xBBBC, 3000) {
		t.Error("different fingerprint must be accepted")
	}
}

// ============================================================================
// REORGANIZATION TESTS
// ============================================================================

// TestDeduper_EdgeCaseReorg tests the exact boundary of the reorg threshold.
func TestDeduper_EdgeCaseReorg(t *testing.T) {
	d := New()
	d.Check(1000, 5, 2, 0x1234567890abcdef, 0xfedcba0987654321, 1000)

	latestBlk := uint32(1000 + constants.MaxReorg)
	if d.Check(1000, 5, 2, 0x1234567890abcdef, 0xfedcba0987654321, latestBlk) {
		t.Error("Log at exactly reorg threshold should still be considered duplicate")
	}

	latestBlk = uint32(1000 + constants.MaxReorg + 1)
	if !d.Check(1000, 5, 2, 0x1234567890abcdef, 0xfedcba0987654321, latestBlk) {
		t.Error("Log beyond reorg threshold should be accepted as new")
	}
	if d.Reorgs != 1 {
		t.Errorf("Reorgs = %d, want 1", d.Reorgs)
	}
}

// ============================================================================
// RESERVE UPDATE KEYING
// ============================================================================

func TestDeduper_CheckUpdate(t *testing.T) {
	d := New()
	u := &types.ReserveUpdate{
		Venue:    common.HexToAddress("0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc"),
		Reserve0: uint256.NewInt(1),
		Reserve1: uint256.NewInt(2),
		Block:    19_000_000,
		TxIndex:  12,
		LogIndex: 40,
	}
	if !d.CheckUpdate(u, 19_000_000) {
		t.Fatal("first sight must be accepted")
	}
	if d.CheckUpdate(u, 19_000_001) {
		t.Fatal("replayed log must be suppressed")
	}

	other := *u
	other.Venue = common.HexToAddress("0x0d4a11d5EEaaC28EC3F61d100daF4d40471f1852")
	if !d.CheckUpdate(&other, 19_000_001) {
		t.Fatal("same coordinates on another venue must be accepted")
	}
}

func TestFingerprint_DistinguishesTail(t *testing.T) {
	a := common.HexToAddress("0x1000000000000000000000000000000000000001")
	b := common.HexToAddress("0x1000000000000000000000000000000000000002")
	ah, al := Fingerprint(a)
	bh, bl := Fingerprint(b)
	if ah == bh && al == bl {
		t.Fatal("addresses differing only in the last byte collide")
	}
}

// ============================================================================
// PENDING HASH FILTER
// ============================================================================

func TestHashFilter_Seen(t *testing.T) {
	f := NewHashFilter()
	h := common.HexToHash("0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060")

	if f.Seen(h) {
		t.Fatal("new hash reported as seen")
	}
	if !f.Seen(h) {
		t.Fatal("repeated hash not detected")
	}
}

func TestHashFilter_RandomHashes(t *testing.T) {
	f := NewHashFilter()
	hashes := make([]common.Hash, 1000)
	for i := range hashes {
		if _, err := rand.Read(hashes[i][:]); err != nil {
			t.Fatal(err)
		}
	}
	fresh := 0
	for _, h := range hashes {
		if !f.Seen(h) {
			fresh++
		}
	}
	if fresh != len(hashes) {
		t.Fatalf("random hashes reported as duplicates: %d fresh of %d", fresh, len(hashes))
	}
	repeats := 0
	for _, h := range hashes {
		if f.Seen(h) {
			repeats++
		}
	}
	// a direct-mapped ring may evict on collision; 1000 keys in 65536 slots rarely do
	if repeats < len(hashes)-60 {
		t.Fatalf("too many evictions: %d of %d recognized", repeats, len(hashes))
	}
}

// ============================================================================
// BENCHMARKS
// ============================================================================

func BenchmarkDeduper_NewEntries(b *testing.B) {
	d := New()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		blk := uint32(i >> 8)
		d.Check(blk, uint32(i&0xff), 0, uint64(i), uint64(i), blk)
	}
}

func BenchmarkHashFilter_Seen(b *testing.B) {
	f := NewHashFilter()
	var h common.Hash
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		h[0], h[1], h[31] = byte(i), byte(i>>8), byte(i>>16)
		f.Seen(h)
	}
}
