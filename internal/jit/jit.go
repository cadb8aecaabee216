// Package jit implements the closure-threading fallback SPEC_FULL.md's JIT
// module scopes down to: no dynamic assembler exists in this codebase's
// dependency stack, so instead of emitting native x86_64 code this package
// compiles a run of instructions once into a slice of closures over
// *cpu.CPU and replays that slice on every later visit to the same entry
// PC, skipping the opcode-dispatch switch in internal/cpu.
//
// The only opcode currently specialized is NOP, the one instruction whose
// effect (read the opcode byte, advance PC, spend 4 cycles) is simple
// enough to replay correctly without duplicating the rest of the SM83
// decode table. Every other opcode, and any PC outside cartridge ROM, falls
// back to Cache.Step reporting ok=false so the caller runs cpu.CPU.Step
// instead.
package jit

import "github.com/FabianRolfMatthiasNoll/GameBoyEmulator/internal/cpu"

const opNOP = 0x00

// maxBlockLen bounds how many NOPs one compiled block replays, so an
// all-zero ROM region doesn't grow a block without limit.
const maxBlockLen = 64

// op is one compiled step, executing identically to the cpu.CPU.Step case
// it was compiled from and returning the T-cycles it spent.
type op func(c *cpu.CPU) int

func nopOp(c *cpu.CPU) int {
	c.Bus().Read(c.PC)
	c.PC++
	return 4
}

// Block is a compiled run of instructions starting at a fixed entry PC.
type Block struct {
	entry uint16
	ops   []op
}

// Run replays the block's compiled steps against c and returns the total
// T-cycles spent.
func (b *Block) Run(c *cpu.CPU) int {
	total := 0
	for _, o := range b.ops {
		total += o(c)
	}
	return total
}

// Cache holds compiled blocks keyed by entry PC.
type Cache struct {
	blocks map[uint16]*Block
}

// NewCache returns an empty block cache.
func NewCache() *Cache {
	return &Cache{blocks: make(map[uint16]*Block)}
}

// romPeek reads the byte cartridge ROM presents at addr without touching
// the shared clock, letting the compiler look ahead of the current PC. It
// is only meaningful for addr < 0x8000; bank switching is cartridge state
// Cartridge.Read already accounts for.
func romPeek(c *cpu.CPU, addr uint16) byte {
	return c.Bus().Cart().Read(addr)
}

func compile(c *cpu.CPU, pc uint16) *Block {
	if pc >= 0x8000 {
		return nil
	}
	n := 0
	for n < maxBlockLen && int(pc)+n < 0x8000 && romPeek(c, pc+uint16(n)) == opNOP {
		n++
	}
	if n == 0 {
		return nil
	}
	ops := make([]op, n)
	for i := range ops {
		ops[i] = nopOp
	}
	return &Block{entry: pc, ops: ops}
}

// Step runs a compiled block at c.PC, compiling and caching one first if
// none exists yet, and reports whether it did. It declines (returning
// false, 0) whenever interpreting the block directly could diverge from
// cpu.CPU.Step: while halted, stopped, mid-EI-delay, or with a serviceable
// interrupt pending, since those all short-circuit the plain fetch/execute
// path this package specializes.
func (cc *Cache) Step(c *cpu.CPU) (cycles int, ok bool) {
	if c.Halted() || c.Stopped() || c.EIPending() {
		return 0, false
	}
	if c.IME && c.InterruptPending() {
		return 0, false
	}
	pc := c.PC
	b, cached := cc.blocks[pc]
	if cached {
		// A bank switch may have mapped different bytes at these addresses.
		for i := range b.ops {
			if romPeek(c, pc+uint16(i)) != opNOP {
				cached = false
				break
			}
		}
	}
	if !cached {
		b = compile(c, pc)
		if b == nil {
			return 0, false
		}
		cc.blocks[pc] = b
	}
	return b.Run(c), true
}
