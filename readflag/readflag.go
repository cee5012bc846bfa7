// Package readflag implements a one-shot latch that lazily runs an
// action at most once, shared between the first reader to need the
// result and a background thread that may race it.
package readflag

import "sync"

// state identifies which of the three latch states a Flag is in.
type state int

const (
	// none means the block needs no work; reads pass through.
	none state = iota
	// pending means the action has not yet run to completion.
	pending
	// readable is terminal: wait has nothing left to do.
	readable
)

// Action is the deferred work a Flag runs at most once: recomputing and
// verifying a hash (recovery path), or copying payload bytes into a
// reserved region (write path).
type Action func() error

// Flag is a one-shot latch. The zero value is None (no work needed).
//
// Flag is small and intended to be stored inline in a per-block slot
// (e.g. inside an appendlist.List[Flag]); copying a Flag value copies
// its done channel and error by reference, so a Flag must only be
// copied, never mutated concurrently through two different copies that
// the caller expects to observe each other's Wait calls — mutate in
// place via a pointer obtained from the owning list instead.
type Flag struct {
	st state

	// once guards running action exactly once, regardless of how many
	// goroutines call Wait concurrently.
	once *sync.Once
	done chan struct{}
	err  *error // shared by every copy, so all waiters see the action's result

	action Action
}

// Pending returns a new Flag whose action runs on the first call to
// Wait, shared by every concurrent and future caller.
func Pending(action Action) Flag {
	return Flag{
		st:     pending,
		once:   new(sync.Once),
		done:   make(chan struct{}),
		err:    new(error),
		action: action,
	}
}

// None is the zero-work Flag: Wait returns immediately with a nil error.
var None = Flag{st: none}

// Readable is the terminal Flag: Wait returns immediately with a nil
// error, without ever having run an action through this value.
var Readable = Flag{st: readable}

// Wait runs the flag's action if this is the first caller to do so,
// otherwise blocks until the first caller's run completes. If the
// action returns an error, that same error is returned to every current
// and future waiter.
//
// Wait returns a possibly-updated Flag value that the caller may store
// back into the slot it came from to shortcut future calls (the flag
// transitions Pending -> Readable once its action has completed).
// Storing the returned value is optional; correctness never depends on
// it, only on the mutual exclusion already folded into the Flag via its
// internal once-guard.
func (f Flag) Wait() (Flag, error) {
	switch f.st {
	case none, readable:
		return f, nil
	}

	f.once.Do(func() {
		*f.err = f.action()
		close(f.done)
	})

	<-f.done

	if *f.err != nil {
		return f, *f.err
	}

	return Readable, nil
}

// IsPending reports whether the flag still has work to run.
func (f Flag) IsPending() bool {
	return f.st == pending
}
