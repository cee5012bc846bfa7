// Package scratch wires blockindex, filewheel, and filesource together
// into the disk-backed content-addressed scratch cache described by
// spec.md §6: write/read/contains/remove/count/dispose over a
// (realm, hash) keyspace.
package scratch

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/Lokad/ScratchSpace/blockfile"
	"github.com/Lokad/ScratchSpace/blockheader"
	"github.com/Lokad/ScratchSpace/blockindex"
	"github.com/Lokad/ScratchSpace/filesource"
	"github.com/Lokad/ScratchSpace/filewheel"
	"github.com/Lokad/ScratchSpace/filewriter"
)

// MaxPayload is the largest block payload this cache accepts: int32's
// maximum value less the 32-byte header
// (spec.md §6 Limits: "max block payload int32.max − 32 bytes").
const MaxPayload = int64(1)<<31 - 1 - blockheader.Size

// Sentinel errors surfaced to callers (spec.md §7).
var (
	// ErrMissingBlock is returned by Read when no live entry exists, or
	// all verification attempts failed.
	ErrMissingBlock = errors.New("scratch: block missing")

	// ErrCapacityExceeded is returned by Write when the block index's
	// free list is exhausted (the 2^24 live-block limit).
	ErrCapacityExceeded = blockindex.ErrCapacityExceeded

	// ErrWriteTooLarge is returned by Write when the payload doesn't
	// fit in a single file after 3 recycle attempts.
	ErrWriteTooLarge = filewheel.ErrWriteTooLarge

	// ErrClosed is returned by Write and Read after Dispose.
	ErrClosed = errors.New("scratch: already disposed")
)

// HashFunc computes the 128-bit content hash of a payload. The hash
// primitive is an external collaborator per spec.md §1.
type HashFunc = blockfile.HashFunc

// Config configures a Scratch instance.
type Config struct {
	// Source describes the on-disk file set (spec.md §6 Configuration).
	Source filesource.Config

	// HashFn computes the content hash used to verify recovered
	// blocks. Required.
	HashFn HashFunc

	// Logger receives swallowed I/O errors from the background flush
	// thread. Defaults to log.Default().
	Logger filewriter.Logger
}

// Scratch is the top-level cache handle.
type Scratch struct {
	index  *blockindex.Index
	wheel  *filewheel.Wheel
	cancel chan struct{}
	closed bool
}

// Open validates cfg, scans the file source, recovers pre-existing
// blocks into the index, and starts the wheel's background thread.
// ctx's cancellation stops that thread; Dispose also stops it.
func Open(ctx context.Context, cfg Config) (*Scratch, error) {
	if cfg.HashFn == nil {
		return nil, fmt.Errorf("scratch: HashFn is required")
	}

	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	src, err := filesource.Open(cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("scratch: %w", err)
	}

	idx := blockindex.New()

	s := &Scratch{index: idx, cancel: make(chan struct{})}

	wheel, err := filewheel.Open(filewheel.Config{
		Source:     src,
		OnDeletion: idx.Remove,
		HashFn:     cfg.HashFn,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("scratch: %w", err)
	}

	for ref := range wheel.EnumerateRecovered() {
		if _, err := idx.Add(ref.Realm, ref.Hash, ref.Addr); err != nil {
			cfg.Logger.Printf("scratch: priming index with recovered block: %v", err)
		}
	}

	s.wheel = wheel
	s.wheel.Start(s.cancel)

	go func() {
		select {
		case <-ctx.Done():
			s.stopBackground()
		case <-s.cancel:
		}
	}()

	return s, nil
}

func (s *Scratch) stopBackground() {
	select {
	case <-s.cancel:
	default:
		close(s.cancel)
	}
}

// Write atomically reserves space for a block and registers it in the
// index. writer may be invoked on another goroutine at any point up to
// the first flush; the caller must not mutate any data writer reads
// until writer returns.
func (s *Scratch) Write(realm uint32, hash blockheader.Hash, length int32, writer func([]byte)) error {
	if s.closed {
		return ErrClosed
	}

	if int64(length) > MaxPayload || length < 0 {
		return fmt.Errorf("scratch: content length %d out of range", length)
	}

	addr, err := s.wheel.ScheduleWrite(realm, hash, length, writer)
	if err != nil {
		return err
	}

	if _, err := s.index.Add(realm, hash, addr); err != nil {
		return err
	}

	return nil
}

// Read looks up (realm, hash), verifies the block, and invokes reader
// with its payload, returning reader's result. Returns ErrMissingBlock
// if the block is absent, was recycled, or failed verification — in
// the latter cases the stale index entry is removed first.
func Read[T any](s *Scratch, realm uint32, hash blockheader.Hash, reader func([]byte) (T, error)) (T, error) {
	var zero T

	if s.closed {
		return zero, ErrClosed
	}

	addr := s.index.Get(realm, hash)
	if addr.IsNone() {
		return zero, ErrMissingBlock
	}

	var (
		result T
		rerr   error
	)

	ok, err := s.wheel.TryWithBlockAtAddress(addr, realm, hash, func(payload []byte) {
		result, rerr = reader(payload)
	})
	if err != nil {
		return zero, fmt.Errorf("scratch: %w", err)
	}

	if !ok {
		s.index.Remove(realm, hash, addr)
		return zero, ErrMissingBlock
	}

	if rerr != nil {
		return zero, rerr
	}

	return result, nil
}

// Contains reports whether a live entry exists for (realm, hash). It
// does not verify the block's payload.
func (s *Scratch) Contains(realm uint32, hash blockheader.Hash) bool {
	return !s.index.Get(realm, hash).IsNone()
}

// Remove deletes the current address for (realm, hash) if any. The
// underlying bytes remain on disk until their file is recycled.
func (s *Scratch) Remove(realm uint32, hash blockheader.Hash) {
	addr := s.index.Get(realm, hash)
	if addr.IsNone() {
		return
	}

	s.index.Remove(realm, hash, addr)
}

// Count returns the number of live entries in the index.
func (s *Scratch) Count() int32 {
	return s.index.Count()
}

// Dispose stops the background thread and releases file memory. A
// disposed Scratch must not be used again.
func (s *Scratch) Dispose() {
	if s.closed {
		return
	}

	s.closed = true
	s.stopBackground()
	s.wheel.Dispose()
}

