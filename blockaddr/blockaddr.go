// Package blockaddr implements the 32-bit packed block address used
// throughout ScratchSpace to name a (file, offset) location without
// carrying a full 64-bit pointer.
package blockaddr

import "fmt"

// MaxFiles is F, the maximum file id (files are numbered 1..MaxFiles).
const MaxFiles = 1023

// Alignment is A, the block-alignment boundary in bytes.
const Alignment = 4096

// modulus is F+1, the packing base.
const modulus = MaxFiles + 1

// MaxFileSize is the largest file size the packing scheme can address:
// ceil(2^32 / (F+1)) * A bytes, approximately 16 GiB.
const MaxFileSize = ((uint64(1)<<32 + modulus - 1) / modulus) * Alignment

// Address is a packed (file, block-aligned offset) pair.
//
// None (the zero value) is the only invalid address; valid addresses
// are never zero.
type Address uint32

// None is the all-zeros sentinel for "no address".
const None Address = 0

// Pack encodes file (in [1, MaxFiles]) and a block-aligned offset into
// an Address.
func Pack(file uint32, offset uint64) (Address, error) {
	if file < 1 || file > MaxFiles {
		return None, fmt.Errorf("blockaddr: file %d out of range [1,%d]", file, MaxFiles)
	}

	if offset%Alignment != 0 {
		return None, fmt.Errorf("blockaddr: offset %d is not %d-byte aligned", offset, Alignment)
	}

	blockIdx := offset / Alignment

	packed := uint64(file) + blockIdx*modulus
	if packed > uint64(^uint32(0)) {
		return None, fmt.Errorf("blockaddr: offset %d in file %d overflows 32-bit address space", offset, file)
	}

	return Address(packed), nil
}

// AlignUp rounds n up to the next multiple of Alignment (the next
// block boundary).
func AlignUp(n uint64) uint64 {
	return (n + Alignment - 1) &^ (Alignment - 1)
}

// IsNone reports whether a is the all-zeros sentinel.
func (a Address) IsNone() bool {
	return a == None
}

// File returns the 1-based file id this address points into.
//
// Unspecified (but not panicking) for the None address.
func (a Address) File() uint32 {
	return uint32(a) % modulus
}

// Offset returns the block-aligned byte offset within File().
func (a Address) Offset() uint64 {
	return (uint64(a) / modulus) * Alignment
}

// String implements fmt.Stringer for diagnostics.
func (a Address) String() string {
	if a.IsNone() {
		return "Address(none)"
	}

	return fmt.Sprintf("Address(file=%d,offset=%d)", a.File(), a.Offset())
}
