// Package filewheel implements spec.md §4.6's "File wheel": a
// round-robin ring of block files with one active writer, a background
// flush/recycle thread, and read dispatch by file id.
package filewheel

import (
	"fmt"
	"iter"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Lokad/ScratchSpace/blockaddr"
	"github.com/Lokad/ScratchSpace/blockfile"
	"github.com/Lokad/ScratchSpace/blockheader"
	"github.com/Lokad/ScratchSpace/filesource"
	"github.com/Lokad/ScratchSpace/filewriter"
)

// recycleWait bounds how long the background thread waits for a
// recycle request when nothing was just flushed.
const recycleWait = 1 * time.Second

// OnDeletion is invoked for every block in a file about to be
// destroyed, strictly before its memory is unmapped (spec.md §5).
type OnDeletion func(realm uint32, hash blockheader.Hash, addr blockaddr.Address)

// Config configures a Wheel.
type Config struct {
	Source     *filesource.Source
	OnDeletion OnDeletion
	HashFn     blockfile.HashFunc
	Logger     filewriter.Logger
}

// Wheel is the ring of block files plus background control thread.
type Wheel struct {
	source     *filesource.Source
	onDeletion OnDeletion
	hashFn     blockfile.HashFunc
	logger     filewriter.Logger

	readFiles []atomic.Pointer[blockfile.BlockFile]
	mems      []filesource.FileMemory // set by Open and replaceFile; closed by replaceFile and Dispose

	recycler *Recycler[*filewriter.Writer]

	// nextAlloc is owned exclusively by the background goroutine once
	// Start has been called; Open sets it up before that goroutine
	// exists, so no synchronization is required for it specifically.
	nextAlloc int

	cancel  <-chan struct{}
	stopped chan struct{}
}

// ErrWriteTooLarge is returned by ScheduleWrite after 3 consecutive
// failed attempts: the block is larger than one whole file.
var ErrWriteTooLarge = fmt.Errorf("filewheel: write too large for a single file")

// Open scans the file source, recovers pre-existing files into the
// ring (slots 0 and 1 are always discarded and recreated fresh), and
// returns a Wheel ready for Start. Slot 1's writer is published after
// slot 0's and replaces it, so slot 1 backs the first current writer;
// slot 0 gets a new writer when the ring next reaches it.
func Open(cfg Config) (*Wheel, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	existing, err := cfg.Source.ScanExisting()
	if err != nil {
		return nil, fmt.Errorf("filewheel: scan existing files: %w", err)
	}

	n := cfg.Source.Total()

	w := &Wheel{
		source:     cfg.Source,
		onDeletion: cfg.OnDeletion,
		hashFn:     cfg.HashFn,
		logger:     cfg.Logger,
		readFiles:  make([]atomic.Pointer[blockfile.BlockFile], n),
		mems:       make([]filesource.FileMemory, n),
		recycler:   NewRecycler[*filewriter.Writer](),
		nextAlloc:  2,
	}

	for _, ef := range existing {
		if ef.ID < 2 {
			_ = ef.Mem.Close()
			continue
		}

		bf, err := blockfile.Recover(uint32(ef.ID+1), ef.Mem, w.hashFn)
		if err != nil {
			_ = ef.Mem.Close()
			return nil, fmt.Errorf("filewheel: recover file %d: %w", ef.ID, err)
		}

		w.mems[ef.ID] = ef.Mem
		w.readFiles[ef.ID].Store(bf)
	}

	if err := w.replaceFile(0); err != nil {
		return nil, fmt.Errorf("filewheel: replace slot 0: %w", err)
	}

	if err := w.replaceFile(1); err != nil {
		return nil, fmt.Errorf("filewheel: replace slot 1: %w", err)
	}

	return w, nil
}

// EnumerateRecovered yields every block recovered from pre-existing
// files on disk, in ring order starting at the first scanned slot
// (slots 0 and 1 are always fresh and therefore empty). Used by the
// top layer to prime the block index at startup.
func (w *Wheel) EnumerateRecovered() iter.Seq[blockfile.BlockRef] {
	return func(yield func(blockfile.BlockRef) bool) {
		for i := 2; i < len(w.readFiles); i++ {
			bf := w.readFiles[i].Load()
			if bf == nil {
				continue
			}

			for ref := range bf.EnumerateBlocks() {
				if !yield(ref) {
					return
				}
			}
		}
	}
}

// Start launches the background control thread. cancel stops it.
func (w *Wheel) Start(cancel <-chan struct{}) {
	w.cancel = cancel
	w.stopped = make(chan struct{})

	go w.backgroundLoop()
}

// Stopped is closed once the background thread has exited after
// cancellation.
func (w *Wheel) Stopped() <-chan struct{} {
	return w.stopped
}

func (w *Wheel) backgroundLoop() {
	defer close(w.stopped)

	for {
		select {
		case <-w.cancel:
			return
		default:
		}

		flushedSomething := false
		if cur, ok := w.recycler.Peek(); ok {
			flushedSomething = cur.Flush(true)
		}

		wait := recycleWait
		if flushedSomething {
			wait = 0
		}

		old, got := w.recycler.TryNextToBeRecycled(wait, w.cancel)
		if !got {
			continue
		}

		go old.FlushAndClose()

		w.nextAlloc = (w.nextAlloc + 1) % len(w.readFiles)
		pos := w.nextAlloc

		if w.readFiles[pos].Load() == nil {
			if err := w.replaceFile(pos); err != nil {
				w.logger.Printf("filewheel: replace slot %d: %v", pos, err)
			}

			continue
		}

		bf := w.readFiles[pos].Load()
		bf.RequestRemoval(func() {
			if err := w.replaceFile(pos); err != nil {
				w.logger.Printf("filewheel: replace slot %d after drain: %v", pos, err)
			}
		})
	}
}

// replaceFile tears down whatever currently occupies pos (invalidating
// every block it held in the index first), obtains a fresh file from
// the source, and installs a new writer/reader pair, publishing the
// writer as the new current value.
//
// Called by Open before Start, and afterwards only for the slot the
// background loop has just advanced to (directly, or from that slot's
// removal callback once its pins drain).
func (w *Wheel) replaceFile(pos int) error {
	if old := w.readFiles[pos].Load(); old != nil {
		for ref := range old.EnumerateBlocks() {
			w.onDeletion(ref.Realm, ref.Hash, ref.Addr)
		}

		w.readFiles[pos].Store(nil)

		if mem := w.mems[pos]; mem != nil {
			_ = mem.Close()
		}
	}

	mem, err := w.source.DeleteAndCreate(pos)
	if err != nil {
		return err
	}

	fileID := uint32(pos + 1)

	writer, flags := filewriter.New(fileID, mem, w.logger)
	reader := blockfile.NewShared(fileID, mem, flags)

	w.mems[pos] = mem
	w.readFiles[pos].Store(reader)
	w.recycler.CompleteRecycle(writer)

	return nil
}

// ScheduleWrite reserves space for one block, retrying against a fresh
// writer up to 3 times if the current one has no room (spec.md §4.6).
func (w *Wheel) ScheduleWrite(realm uint32, hash blockheader.Hash, length int32, writerCB func([]byte)) (blockaddr.Address, error) {
	for attempt := 0; attempt < 3; attempt++ {
		current := w.recycler.GetCurrent()

		addr, err := current.TryScheduleWrite(realm, hash, length, writerCB)
		if err != nil {
			return blockaddr.None, err
		}

		if !addr.IsNone() {
			return addr, nil
		}

		w.recycler.RequestRecycle(current)
	}

	return blockaddr.None, ErrWriteTooLarge
}

// TryWithBlockAtAddress dispatches a pinned, verified read to the
// BlockFile that owns addr.File(), or reports a miss if that slot is
// currently empty (mid-recycle) or addr is None.
func (w *Wheel) TryWithBlockAtAddress(addr blockaddr.Address, realm uint32, hash blockheader.Hash, reader func([]byte)) (bool, error) {
	if addr.IsNone() {
		return false, nil
	}

	fid := int(addr.File()) - 1
	if fid < 0 || fid >= len(w.readFiles) {
		return false, nil
	}

	bf := w.readFiles[fid].Load()
	if bf == nil {
		return false, nil
	}

	return bf.TryWithBlockAtAddress(addr, realm, hash, reader)
}

// Dispose waits for the background thread to stop (the caller is
// responsible for having already signaled cancel) and flushes the
// current writer a final time.
func (w *Wheel) Dispose() {
	if w.stopped != nil {
		<-w.stopped
	}

	if cur, ok := w.recycler.Peek(); ok {
		cur.FlushAndClose()
	}

	var wg sync.WaitGroup

	for i := range w.mems {
		mem := w.mems[i]
		if mem == nil {
			continue
		}

		wg.Add(1)

		go func(m filesource.FileMemory) {
			defer wg.Done()
			_ = m.Close()
		}(mem)
	}

	wg.Wait()
}
