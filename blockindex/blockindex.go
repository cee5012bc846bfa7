// Package blockindex implements the fixed-size, lock-free-read
// (realm, hash) -> BlockAddress map described in spec.md §3/§4.8: a
// 2^24-slot open-addressed hash table with an explicit free list,
// writes serialized behind a single mutex, reads lock-free.
package blockindex

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Lokad/ScratchSpace/blockaddr"
	"github.com/Lokad/ScratchSpace/blockheader"
)

// Bits is the base-2 log of the production slot count (2^24 slots,
// ≈448 MiB total for the entry + prev-pointer arrays).
const Bits = 24

// noLink marks an empty first/next/prev pointer (no successor/predecessor).
const noLink int32 = -1

// entry is one 28-byte logical slot, stored as independently atomic
// fields rather than packed bytes: this is pure process memory (not an
// mmap'd region callers need a fixed byte layout for), so Go's atomic
// types give the same relaxed-load/relaxed-store guarantees the spec's
// design notes ask for without unsafe pointer casts.
type entry struct {
	hashLeft       atomic.Uint64
	hashRightRealm atomic.Uint64
	firstInBucket  atomic.Int32 // only meaningful when this slot IS a bucket anchor
	nextInBucket   atomic.Int32
	address        atomic.Uint32
}

// Index is the (realm, hash) -> blockaddr.Address map.
//
// Index must be constructed with New; the zero value is not usable.
type Index struct {
	entries []entry
	prev    []atomic.Int32 // prev_in_bucket, kept in a parallel array per spec §3

	mask uint64 // bucketCount - 1 = len(entries) - 1

	mu       sync.Mutex // serializes Add/Remove; Get is lock-free
	count    atomic.Int32
	freeHead int32 // protected by mu
	freeTail int32 // protected by mu
}

// ErrCapacityExceeded is returned by Add when the free list is empty
// (the full 2^24 live-block limit has been reached).
var ErrCapacityExceeded = fmt.Errorf("blockindex: capacity exceeded")

// New constructs the production 2^24-slot index (≈448 MiB resident,
// allocated once and never resized).
func New() *Index {
	return newWithBits(Bits)
}

// newWithBits builds an index with 2^bits slots. Exported tests use
// smaller values to keep free-list initialization fast; production
// code always goes through New, which fixes bits at spec.md's 24.
func newWithBits(bits uint) *Index {
	n := uint64(1) << bits

	idx := &Index{
		entries: make([]entry, n),
		prev:    make([]atomic.Int32, n),
		mask:    n - 1,
	}

	for i := range idx.entries {
		idx.entries[i].firstInBucket.Store(noLink)
		idx.entries[i].nextInBucket.Store(int32(i) + 1)
		idx.prev[i].Store(int32(i) - 1)
	}

	idx.entries[n-1].nextInBucket.Store(noLink)
	idx.freeHead = 0
	idx.freeTail = int32(n - 1)

	return idx
}

// Count returns the number of live (non-free) entries.
func (idx *Index) Count() int32 {
	return idx.count.Load()
}

// compressedKey packs (hash, realm) into the two 64-bit words stored
// in each in-memory entry per spec §3: the low 24 bits of hash.Right (which
// equal the bucket number and are therefore redundant) are replaced
// with the 24-bit realm.
func compressedKey(h blockheader.Hash, realm uint32) (left, rightWithRealm uint64) {
	return h.Left, (h.Right &^ 0x00FFFFFF) | uint64(realm&blockheader.RealmMask)
}

func bucketOf(h blockheader.Hash, mask uint64) uint64 {
	return h.Right & mask
}

// Add inserts or updates the address for (realm, hash).
//
// addr must not be blockaddr.None. Returns true if a new entry was
// created, false if an existing entry's address was overwritten.
func (idx *Index) Add(realm uint32, h blockheader.Hash, addr blockaddr.Address) (bool, error) {
	if addr.IsNone() {
		return false, fmt.Errorf("blockindex: Add requires a non-None address")
	}

	left, rightRealm := compressedKey(h, realm)
	bucket := bucketOf(h, idx.mask)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	// Walk the existing chain looking for an identical key (I5: never
	// coexist — insertion replaces the address) and remembering the
	// last slot walked, so a fresh insert can be appended at the tail.
	head := idx.entries[bucket].firstInBucket.Load()

	last := noLink

	for cur := head; cur != noLink; {
		e := &idx.entries[cur]
		if e.hashLeft.Load() == left && e.hashRightRealm.Load() == rightRealm {
			e.address.Store(uint32(addr))
			return false, nil
		}

		last = cur
		cur = e.nextInBucket.Load()
	}

	slot, err := idx.allocSlotLocked(bucket, head == noLink, last)
	if err != nil {
		return false, err
	}

	e := &idx.entries[slot]
	e.hashLeft.Store(left)
	e.hashRightRealm.Store(rightRealm)
	e.nextInBucket.Store(noLink)
	idx.prev[slot].Store(last)
	e.address.Store(uint32(addr)) // release: publishes the new entry to lock-free readers

	if last == noLink {
		idx.entries[bucket].firstInBucket.Store(slot)
	} else {
		idx.entries[last].nextInBucket.Store(slot)
	}

	idx.count.Add(1)

	return true, nil
}

// allocSlotLocked chooses a free slot for a new entry in bucket,
// following spec.md's "cache-friendly choice, then fallback to the
// free list head" rule. Must be called with idx.mu held.
//
// The non-empty-chain branch deliberately probes bucket+1..bucket+3
// rather than last+1..last+3: this is spec.md's literal documented
// behavior (§4.8, §9 open question), preserved as-is rather than
// "fixed", since correctness does not depend on which free slot near
// the bucket is chosen.
func (idx *Index) allocSlotLocked(bucket uint64, chainEmpty bool, last int32) (int32, error) {
	n := uint64(len(idx.entries))

	candidates := make([]uint64, 0, 4)
	if chainEmpty {
		candidates = append(candidates, bucket)
	}

	for i := uint64(1); i <= 3; i++ {
		if bucket+i < n {
			candidates = append(candidates, bucket+i)
		}
	}

	for _, c := range candidates {
		if idx.entries[c].address.Load() == uint32(blockaddr.None) && idx.onFreeList(int32(c)) {
			idx.spliceOutOfFreeList(int32(c))
			return int32(c), nil
		}
	}

	if idx.freeHead == noLink {
		return 0, ErrCapacityExceeded
	}

	slot := idx.freeHead
	idx.spliceOutOfFreeList(slot)

	return slot, nil
}

// onFreeList reports whether slot is currently linked into the free
// list (as opposed to being a live bucket-chain entry that happens to
// have a None address transiently — which cannot happen once Add/
// Remove complete, but this guards against the cache-friendly probe
// racing a slot that is mid-insertion is not possible here since we
// hold idx.mu, so this check reduces to "address == None").
func (idx *Index) onFreeList(slot int32) bool {
	return idx.entries[slot].address.Load() == uint32(blockaddr.None)
}

// spliceOutOfFreeList removes slot from the free list's doubly linked
// structure (shared next_in_bucket/prev_in_bucket fields per I1: every
// entry is on exactly one list). Must be called with idx.mu held.
func (idx *Index) spliceOutOfFreeList(slot int32) {
	p := idx.prev[slot].Load()
	nx := idx.entries[slot].nextInBucket.Load()

	if p == noLink {
		idx.freeHead = nx
	} else {
		idx.entries[p].nextInBucket.Store(nx)
	}

	if nx == noLink {
		idx.freeTail = p
	} else {
		idx.prev[nx].Store(p)
	}
}

// pushFreeTail appends slot to the tail of the free list. Recently
// freed slots are reused last (Add's fallback pops the head), so a
// racing lock-free reader that already observed the old key still
// observes address == None for a while before the slot is recycled
// with a new key.
func (idx *Index) pushFreeTail(slot int32) {
	idx.entries[slot].nextInBucket.Store(noLink)
	idx.prev[slot].Store(idx.freeTail)

	if idx.freeTail == noLink {
		idx.freeHead = slot
	} else {
		idx.entries[idx.freeTail].nextInBucket.Store(slot)
	}

	idx.freeTail = slot
}

// Remove deletes the entry for (realm, hash) iff its current address
// equals addr. A stale removal (address no longer matches, because a
// newer Add already overwrote it) is a silent no-op.
func (idx *Index) Remove(realm uint32, h blockheader.Hash, addr blockaddr.Address) {
	left, rightRealm := compressedKey(h, realm)
	bucket := bucketOf(h, idx.mask)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	cur := idx.entries[bucket].firstInBucket.Load()
	chainPrev := noLink

	for cur != noLink {
		e := &idx.entries[cur]
		if e.hashLeft.Load() == left && e.hashRightRealm.Load() == rightRealm {
			if e.address.Load() != uint32(addr) {
				return // stale removal, no-op
			}

			// Unlink from the bucket chain.
			nx := e.nextInBucket.Load()
			if chainPrev == noLink {
				idx.entries[bucket].firstInBucket.Store(nx)
			} else {
				idx.entries[chainPrev].nextInBucket.Store(nx)
			}

			// Wipe address first, then key: a racing lock-free reader
			// that already matched this key must see address == None
			// before the slot is ever recycled with a different key.
			e.address.Store(uint32(blockaddr.None))
			e.hashLeft.Store(0)
			e.hashRightRealm.Store(0)

			idx.pushFreeTail(cur)
			idx.count.Add(-1)

			return
		}

		chainPrev = cur
		cur = e.nextInBucket.Load()
	}
}

// Get looks up (realm, hash), lock-free. Returns blockaddr.None if no
// live entry matches.
func (idx *Index) Get(realm uint32, h blockheader.Hash) blockaddr.Address {
	left, rightRealm := compressedKey(h, realm)
	bucket := bucketOf(h, idx.mask)

	cur := idx.entries[bucket].firstInBucket.Load()

	for cur != noLink {
		e := &idx.entries[cur]

		curLeft := e.hashLeft.Load()
		curRight := e.hashRightRealm.Load()
		addr := e.address.Load()
		next := e.nextInBucket.Load()

		if curLeft == left && curRight == rightRealm {
			// A racing writer mid-insert may have published the key
			// before the address; treat address == None as "not
			// present" per spec's tolerated-races note.
			return blockaddr.Address(addr)
		}

		cur = next
	}

	return blockaddr.None
}

// FreeCount returns the number of slots currently on the free list —
// exposed for invariant checks (spec.md §8: "the free list has exactly
// 2^24 - count entries after any sequence of adds/removes").
func (idx *Index) FreeCount() int32 {
	return int32(len(idx.entries)) - idx.count.Load()
}

// ReconstructHash recovers the full hash from a compressed (left,
// rightWithRealm) pair given the bucket it was found under — used only
// for diagnostics, per spec.md §3.
func ReconstructHash(left, rightWithRealm uint64, bucket uint64) blockheader.Hash {
	return blockheader.Hash{
		Left:  left,
		Right: (rightWithRealm &^ 0x00FFFFFF) | bucket,
	}
}
