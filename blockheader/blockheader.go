// Package blockheader defines the on-disk block header format shared
// by blockfile, filewriter, and blockindex: a 128-bit content hash,
// realm, rank, and content length, packed into exactly 32 bytes so the
// payload that follows starts 16-byte aligned.
package blockheader

import "encoding/binary"

// Size is the fixed on-disk size of a block header in bytes.
const Size = 32

// Hash is a 128-bit content hash, treated as two 64-bit halves.
// Equality is bitwise; no ordering is defined or required.
type Hash struct {
	Left  uint64
	Right uint64
}

// IsZero reports whether h is the all-zeros hash — the value stored in
// the header of an unused (never-written) region of a block file.
func (h Hash) IsZero() bool {
	return h.Left == 0 && h.Right == 0
}

// Bucket returns the low 24 bits of the right half, used both as the
// block index's bucket anchor and as the 24 bits elided from the
// index's in-memory compressed key (see blockindex).
func (h Hash) Bucket() uint32 {
	return uint32(h.Right & 0x00FFFFFF)
}

// Header is the 32-byte metadata record prefixed to every block.
type Header struct {
	Hash          Hash
	Realm         uint32 // only the low 24 bits are significant
	Rank          int32  // 0-based ordinal position within the file
	ContentLength int32  // non-negative
}

// RealmMask isolates the 24 significant bits of Realm.
const RealmMask = 0x00FFFFFF

// Encode serializes h into a 32-byte buffer.
func Encode(h Header) [Size]byte {
	var buf [Size]byte

	binary.LittleEndian.PutUint64(buf[0:8], h.Hash.Left)
	binary.LittleEndian.PutUint64(buf[8:16], h.Hash.Right)
	binary.LittleEndian.PutUint32(buf[16:20], h.Realm&RealmMask)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(h.Rank))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(h.ContentLength))
	// buf[28:32] is reserved/padding, left zero.

	return buf
}

// Decode parses a 32-byte buffer into a Header. The caller is
// responsible for bounds-checking buf before calling Decode.
func Decode(buf []byte) Header {
	return Header{
		Hash: Hash{
			Left:  binary.LittleEndian.Uint64(buf[0:8]),
			Right: binary.LittleEndian.Uint64(buf[8:16]),
		},
		Realm:         binary.LittleEndian.Uint32(buf[16:20]) & RealmMask,
		Rank:          int32(binary.LittleEndian.Uint32(buf[20:24])),
		ContentLength: int32(binary.LittleEndian.Uint32(buf[24:28])),
	}
}

// IsEmptySentinel reports whether a decoded header is the all-zeros
// recovery sentinel that marks an unused (never-written) region of a
// block file: zero hash, realm, rank, and content length.
func (h Header) IsEmptySentinel() bool {
	return h.Hash.IsZero() && h.Realm == 0 && h.Rank == 0 && h.ContentLength == 0
}
