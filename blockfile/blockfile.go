// Package blockfile implements spec.md §4.4's "Block file (reader)":
// it wraps one file's memory and exposes pinned, verified read access
// to the blocks discovered in it, either by scanning from disk at
// startup (Recover) or by sharing an append list with a live
// FileWriter (NewShared).
package blockfile

import (
	"errors"
	"fmt"
	"iter"
	"sync/atomic"

	"github.com/Lokad/ScratchSpace/appendlist"
	"github.com/Lokad/ScratchSpace/blockaddr"
	"github.com/Lokad/ScratchSpace/blockheader"
	"github.com/Lokad/ScratchSpace/filesource"
	"github.com/Lokad/ScratchSpace/pinner"
	"github.com/Lokad/ScratchSpace/readflag"
)

// ErrInvalidAddress is an argument error: the caller asked this file
// to resolve an address whose File() doesn't match its own id.
var ErrInvalidAddress = errors.New("blockfile: address belongs to a different file")

// InvalidHashError is raised by a recovery read flag's action when the
// recomputed payload hash doesn't match the stored header hash.
type InvalidHashError struct {
	FileID   uint32
	Offset   uint64
	Expected blockheader.Hash
	Actual   blockheader.Hash
}

func (e *InvalidHashError) Error() string {
	return fmt.Sprintf("blockfile: invalid hash in file %d at offset %d: expected %+v, got %+v",
		e.FileID, e.Offset, e.Expected, e.Actual)
}

// HashFunc computes the content hash of a block's payload bytes. The
// hash/CRC primitives are external collaborators per spec.md §1; the
// caller (ultimately the scratch package) supplies the concrete
// implementation.
type HashFunc func(payload []byte) blockheader.Hash

// BlockRef identifies one block discovered in a file, as produced by
// EnumerateBlocks.
type BlockRef struct {
	Realm uint32
	Hash  blockheader.Hash
	Addr  blockaddr.Address
}

// BlockFile scans or indexes one file's blocks and exposes pinned,
// verified read access to them.
type BlockFile struct {
	fileID uint32
	mem    filesource.FileMemory
	flags  *appendlist.List[readflag.Flag]

	pin       pinner.Pinner
	removalCB atomic.Pointer[func()]
}

// Recover walks mem from offset 0, building one Pending read flag per
// well-formed block header encountered. A header is well-formed when
// rank == the number of blocks already recovered, content_length >= 0,
// and header+content_length fits within the file. Recovery stops at
// the first malformed header — remaining bytes are assumed undefined.
//
// Each recovered flag's action recomputes the payload's hash with
// hashFn and compares it to the stored header hash, raising
// *InvalidHashError on mismatch.
func Recover(fileID uint32, mem filesource.FileMemory, hashFn HashFunc) (*BlockFile, error) {
	bf := &BlockFile{
		fileID: fileID,
		mem:    mem,
		flags:  &appendlist.List[readflag.Flag]{},
	}

	data := mem.Bytes()
	length := uint64(len(data))

	var offset uint64

	for rank := 0; offset+blockheader.Size <= length; rank++ {
		hdr := blockheader.Decode(data[offset : offset+blockheader.Size])

		if int(hdr.Rank) != rank || hdr.ContentLength < 0 {
			break
		}

		payloadStart := offset + blockheader.Size
		payloadEnd := payloadStart + uint64(hdr.ContentLength)

		if payloadEnd > length {
			break
		}

		blockOffset := offset
		expected := hdr.Hash

		bf.flags.Append(readflag.Pending(func() error {
			actual := hashFn(data[payloadStart:payloadEnd])
			if actual != expected {
				return &InvalidHashError{FileID: fileID, Offset: blockOffset, Expected: expected, Actual: actual}
			}

			return nil
		}))

		offset = blockaddr.AlignUp(payloadEnd)
	}

	return bf, nil
}

// NewShared builds a BlockFile that shares its append list with the
// FileWriter constructed for the same file (spec.md §4.4 mode 2): the
// list grows as the writer appends blocks, and this reader observes
// those growths through the list's concurrency guarantees.
func NewShared(fileID uint32, mem filesource.FileMemory, flags *appendlist.List[readflag.Flag]) *BlockFile {
	return &BlockFile{fileID: fileID, mem: mem, flags: flags}
}

// FileID returns the file id this BlockFile was constructed for.
func (bf *BlockFile) FileID() uint32 {
	return bf.fileID
}

// EnumerateBlocks yields (realm, hash, address) for every block
// currently known, in file order. It reads headers directly — never
// triggering payload verification — so it is safe to call while other
// goroutines are still materializing pending payloads.
func (bf *BlockFile) EnumerateBlocks() iter.Seq[BlockRef] {
	return func(yield func(BlockRef) bool) {
		data := bf.mem.Bytes()

		n := bf.flags.Len()

		var offset uint64

		for i := 0; i < n; i++ {
			if offset+blockheader.Size > uint64(len(data)) {
				return
			}

			hdr := blockheader.Decode(data[offset : offset+blockheader.Size])

			addr, err := blockaddr.Pack(bf.fileID, offset)
			if err != nil {
				return
			}

			ref := BlockRef{Realm: hdr.Realm, Hash: hdr.Hash, Addr: addr}
			if !yield(ref) {
				return
			}

			offset = blockaddr.AlignUp(offset + blockheader.Size + uint64(hdr.ContentLength))
		}
	}
}

// TryWithBlockAtAddress attempts a pinned, verified read of the block
// at addr. It returns (false, nil) for any recoverable miss (pin
// contention, bounds, realm/hash/rank mismatch, or a failed read-flag
// wait) and (false, ErrInvalidAddress) only for the programming-bug
// case of addr.File() != this file's id. reader is invoked at most
// once, with a read-only view of exactly content_length payload bytes.
func (bf *BlockFile) TryWithBlockAtAddress(addr blockaddr.Address, realm uint32, hash blockheader.Hash, reader func([]byte)) (bool, error) {
	if addr.File() != bf.fileID {
		return false, ErrInvalidAddress
	}

	if !bf.pin.TryPin() {
		return false, nil
	}

	ok := false

	defer func() {
		if bf.pin.Unpin() {
			bf.invokeRemovalCallback()
		}
	}()

	data := bf.mem.Bytes()
	off := addr.Offset()

	if off+blockheader.Size > uint64(len(data)) {
		return false, nil
	}

	hdr := blockheader.Decode(data[off : off+blockheader.Size])

	if hdr.Realm != realm || hdr.Hash != hash || hdr.Rank < 0 || int(hdr.Rank) >= bf.flags.Len() || hdr.ContentLength < 0 {
		return false, nil
	}

	flag := bf.flags.Get(int(hdr.Rank))

	// Wait's returned flag could be stored back into the list as a
	// performance shortcut for future callers; correctness does not
	// depend on it (spec.md §4.3), so we leave it unstored here rather
	// than introduce a second writer to a single-writer structure.
	if _, err := flag.Wait(); err != nil {
		return false, nil
	}

	payloadStart := off + blockheader.Size
	payloadEnd := payloadStart + uint64(hdr.ContentLength)

	if payloadEnd > uint64(len(data)) {
		return false, nil
	}

	reader(data[payloadStart:payloadEnd])
	ok = true

	return ok, nil
}

// RequestRemoval stores callback then seals the pinner (store-before-
// seal ordering is essential, per spec.md §4.4): if the pin count was
// already zero, callback runs synchronously; otherwise the unpin that
// drops the count to zero runs it.
func (bf *BlockFile) RequestRemoval(callback func()) {
	bf.removalCB.Store(&callback)

	if bf.pin.Seal() {
		callback()
	}
}

func (bf *BlockFile) invokeRemovalCallback() {
	if cb := bf.removalCB.Load(); cb != nil {
		(*cb)()
	}
}
