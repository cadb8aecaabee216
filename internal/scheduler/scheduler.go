// Package scheduler gives callers outside internal/bus a way to ask how far
// execution can skip ahead before any peripheral might need attention,
// without reaching into Bus internals directly.
package scheduler

import "github.com/FabianRolfMatthiasNoll/GameBoyEmulator/internal/bus"

// NextHorizon returns the clock value of the next safe-to-stop point for b,
// the same overapproximation Bus.NextInterrupt computes. A caller stepping
// the CPU in a loop can compare its clock against this value instead of
// checking for a pending interrupt after every single instruction.
func NextHorizon(b *bus.Bus) uint64 {
	return b.NextInterrupt()
}
