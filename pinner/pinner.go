// Package pinner implements a reference-count + sealable-for-removal
// primitive used to gate destruction of a resource (a memory-mapped
// block file) until every in-flight reader has released it.
package pinner

import "sync/atomic"

// Seal is the implementation bound on simultaneous pins.
//
// Deliberately small so that a leaked pin (a caller that forgets to
// unpin) surfaces quickly as try-pin failures instead of silently
// wrapping a 32-bit counter.
const Seal = 1 << 10

// Pinner is a single 32-bit atomic word combining a pin counter (the
// low bits) and a sealed flag (added as Seal once sealing begins).
//
// The zero value is a valid, unsealed, zero-pinned Pinner.
type Pinner struct {
	state atomic.Uint32
}

// TryPin attempts to take a pin.
//
// Fails once the pinner is sealed, and fails once Seal-1 simultaneous
// pins are outstanding (a defensive cap — this count is never expected
// to be reached in practice).
func (p *Pinner) TryPin() bool {
	for {
		cur := p.state.Load()
		if cur >= Seal-1 {
			return false
		}

		if p.state.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Seal marks the pinner as sealed for removal: no further TryPin calls
// will succeed. Returns true iff the pin count was exactly zero at the
// moment sealing took effect, meaning the caller may proceed to tear
// down the resource immediately without waiting for any Unpin.
func (p *Pinner) Seal() bool {
	for {
		cur := p.state.Load()
		if cur >= Seal {
			// Already sealed.
			return false
		}

		if p.state.CompareAndSwap(cur, cur+Seal) {
			return cur == 0
		}
	}
}

// Unpin releases a pin taken by TryPin.
//
// Returns true iff the pinner is sealed and this call just dropped the
// pin count to zero — the caller must then tear down the resource.
func (p *Pinner) Unpin() bool {
	newState := p.state.Add(^uint32(0)) // atomic decrement by 1

	return newState == Seal
}
