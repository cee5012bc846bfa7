// Package filewriter implements spec.md §4.5's "File writer": it
// appends blocks into one file, reserving space and publishing headers
// under a mutex while deferring the payload copy to a read flag.
package filewriter

import (
	"fmt"
	"log"
	"sync"

	"github.com/Lokad/ScratchSpace/appendlist"
	"github.com/Lokad/ScratchSpace/blockaddr"
	"github.com/Lokad/ScratchSpace/blockheader"
	"github.com/Lokad/ScratchSpace/filesource"
	"github.com/Lokad/ScratchSpace/readflag"
)

// fastFlushCap bounds how much a fast flush (called from the file
// wheel's background loop between writes) copies in one call, per
// spec.md §4.5.
const fastFlushCap = 2 << 20 // 2 MiB

// Logger is the minimal logging surface flush uses to report swallowed
// I/O errors (spec.md §7: "logged but swallowed — they re-raise the
// next time the corresponding block is read").
type Logger interface {
	Printf(format string, args ...any)
}

// Writer appends blocks into one file.
type Writer struct {
	fileID uint32
	mem    filesource.FileMemory
	flags  *appendlist.List[readflag.Flag]
	logger Logger

	mu          sync.Mutex
	offset      uint64
	flushOffset uint64
}

// New constructs a Writer over a freshly allocated (all-zero) file.
// The paired BlockFile reader is built separately via
// blockfile.NewShared, sharing the same flags list.
func New(fileID uint32, mem filesource.FileMemory, logger Logger) (*Writer, *appendlist.List[readflag.Flag]) {
	if logger == nil {
		logger = log.Default()
	}

	flags := &appendlist.List[readflag.Flag]{}

	return &Writer{fileID: fileID, mem: mem, flags: flags, logger: logger}, flags
}

// FileID returns this writer's file id.
func (w *Writer) FileID() uint32 {
	return w.fileID
}

// TryScheduleWrite reserves space for one block and publishes its
// header; the payload is copied lazily by writerCB, invoked at most
// once via the block's read flag — on first read or during the next
// flush, whichever comes first. Returns blockaddr.None if the file
// doesn't have room (the caller should recycle and retry elsewhere).
func (w *Writer) TryScheduleWrite(realm uint32, hash blockheader.Hash, length int32, writerCB func([]byte)) (blockaddr.Address, error) {
	if length < 0 {
		return blockaddr.None, fmt.Errorf("filewriter: negative content length %d", length)
	}

	fileLen := uint64(len(w.mem.Bytes()))

	w.mu.Lock()

	start := w.offset
	newOffset := blockaddr.AlignUp(start + blockheader.Size + uint64(length))

	if newOffset > fileLen {
		w.offset = fileLen // file is full; stop trying further writes here
		w.mu.Unlock()

		return blockaddr.None, nil
	}

	w.offset = newOffset
	rank := w.flags.Len()

	data := w.mem.Bytes()
	payloadStart := start + blockheader.Size
	payloadEnd := payloadStart + uint64(length)

	w.flags.Append(readflag.Pending(func() error {
		writerCB(data[payloadStart:payloadEnd])
		return nil
	}))

	w.mu.Unlock()

	hdr := blockheader.Header{Hash: hash, Realm: realm, Rank: int32(rank), ContentLength: length}
	buf := blockheader.Encode(hdr)
	copy(data[start:start+blockheader.Size], buf[:])

	return blockaddr.Pack(w.fileID, start)
}

// Flush materializes any pending payloads and persists newly written
// bytes to durable storage. When fast is true (called from the
// background loop between writes), the amount copied in one call is
// capped at 2 MiB so the control thread doesn't stall on a long flush.
// Returns false if there was nothing new to flush.
func (w *Writer) Flush(fast bool) bool {
	w.mu.Lock()
	count := w.flags.Len()
	offset := w.offset
	flushOffset := w.flushOffset
	w.mu.Unlock()

	if flushOffset >= offset {
		return false
	}

	for i := 0; i < count; i++ {
		if _, err := w.flags.Get(i).Wait(); err != nil {
			w.logger.Printf("filewriter: file %d block %d: %v", w.fileID, i, err)
		}
	}

	todo := offset - flushOffset
	if fast && todo > fastFlushCap {
		todo = fastFlushCap
	}

	if err := w.mem.Flush(int(flushOffset), int(todo)); err != nil {
		w.logger.Printf("filewriter: file %d flush [%d,%d): %v", w.fileID, flushOffset, flushOffset+todo, err)
		return true
	}

	w.mu.Lock()
	w.flushOffset = flushOffset + todo
	w.mu.Unlock()

	return true
}

// FlushAndClose marks the file as full (so no further writes are
// scheduled) and performs a final, uncapped flush to persist every
// remaining block.
func (w *Writer) FlushAndClose() {
	w.mu.Lock()
	w.offset = uint64(len(w.mem.Bytes()))
	w.mu.Unlock()

	w.Flush(false)
}
