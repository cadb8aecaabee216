// Package cpu implements the SM83 instruction set used by the DMG.
//
// Every memory access goes through Bus.Read/Bus.Write, which themselves
// advance the shared clock and catch up the other peripherals; cycles an
// instruction spends with no bus address (ALU-only work, branch padding,
// interrupt dispatch overhead) are charged explicitly with Bus.InternalDelay
// so nothing is under- or over-counted.
package cpu

import (
	"bytes"
	"encoding/gob"

	"github.com/FabianRolfMatthiasNoll/GameBoyEmulator/internal/bus"
)

// CPU holds SM83 register state and the bus it executes against.
type CPU struct {
	A, F byte
	B, C byte
	D, E byte
	H, L byte

	SP uint16
	PC uint16

	IME bool

	halted  bool
	stopped bool

	// haltBug replays the byte after HALT without advancing PC, matching the
	// documented HALT-with-disabled-interrupts-pending quirk.
	haltBug bool

	// eiDelay counts instruction boundaries until IME takes effect: EI sets
	// it to 2, so IME flips true at the start of the *second* Step call
	// after EI, i.e. once the instruction following EI has completed.
	eiDelay int

	bus *bus.Bus
}

// New creates a CPU with SP/PC at their cold-boot values.
func New(b *bus.Bus) *CPU {
	return &CPU{bus: b, SP: 0xFFFE, PC: 0x0000}
}

// SetPC allows tests or a boot stub to set the program counter.
func (c *CPU) SetPC(pc uint16) { c.PC = pc }

// Bus exposes the underlying bus for tests/tools.
func (c *CPU) Bus() *bus.Bus { return c.bus }

// Halted reports whether the core is in HALT, waiting for an interrupt.
func (c *CPU) Halted() bool { return c.halted }

// Stopped reports whether the core is in STOP, waiting for any enabled
// interrupt (IE & IF) to become pending.
func (c *CPU) Stopped() bool { return c.stopped }

// EIPending reports whether a prior EI is still within its one-instruction
// delay before IME actually takes effect.
func (c *CPU) EIPending() bool { return c.eiDelay > 0 }

// InterruptPending reports whether IE&IF has a bit set that IME, if set,
// would currently be allowed to service.
func (c *CPU) InterruptPending() bool {
	return c.bus.ReadIE()&c.bus.ReadIF()&0x1F != 0
}

// ResetNoBoot sets registers to the values the DMG boot ROM leaves behind,
// for running a cartridge without the boot ROM attached.
func (c *CPU) ResetNoBoot() {
	c.A, c.F = 0x01, 0xB0
	c.B, c.C = 0x00, 0x13
	c.D, c.E = 0x00, 0xD8
	c.H, c.L = 0x01, 0x4D
	c.SP = 0xFFFE
	c.PC = 0x0100
	c.IME = false
	c.halted = false
	c.stopped = false
	c.haltBug = false
	c.eiDelay = 0
}

const (
	flagZ byte = 1 << 7
	flagN byte = 1 << 6
	flagH byte = 1 << 5
	flagC byte = 1 << 4
)

func (c *CPU) setZNHC(z, n, h, carry bool) {
	var f byte
	if z {
		f |= flagZ
	}
	if n {
		f |= flagN
	}
	if h {
		f |= flagH
	}
	if carry {
		f |= flagC
	}
	c.F = f
}

func (c *CPU) add8(a, b byte) (res byte, z, n, h, cy bool) {
	r := uint16(a) + uint16(b)
	res = byte(r)
	z = res == 0
	h = ((a & 0x0F) + (b & 0x0F)) > 0x0F
	cy = r > 0xFF
	return
}

func (c *CPU) adc8(a, b byte, carryIn bool) (res byte, z, n, h, cy bool) {
	ci := byte(0)
	if carryIn {
		ci = 1
	}
	r := uint16(a) + uint16(b) + uint16(ci)
	res = byte(r)
	z = res == 0
	h = ((a & 0x0F) + (b & 0x0F) + ci) > 0x0F
	cy = r > 0xFF
	return
}

func (c *CPU) sub8(a, b byte) (res byte, z, n, h, cy bool) {
	r := int16(a) - int16(b)
	res = byte(r)
	z = res == 0
	n = true
	h = (a & 0x0F) < (b & 0x0F)
	cy = int16(a) < int16(b)
	return
}

func (c *CPU) sbc8(a, b byte, carryIn bool) (res byte, z, n, h, cy bool) {
	ci := byte(0)
	if carryIn {
		ci = 1
	}
	r := int16(a) - int16(b) - int16(ci)
	res = byte(r)
	z = res == 0
	n = true
	h = (a & 0x0F) < ((b & 0x0F) + ci)
	cy = int16(a) < int16(b)+int16(ci)
	return
}

func (c *CPU) and8(a, b byte) (res byte, z, n, h, cy bool) {
	res = a & b
	z = res == 0
	h = true
	return
}

func (c *CPU) xor8(a, b byte) (res byte, z, n, h, cy bool) {
	res = a ^ b
	z = res == 0
	return
}

func (c *CPU) or8(a, b byte) (res byte, z, n, h, cy bool) {
	res = a | b
	z = res == 0
	return
}

func (c *CPU) cp8(a, b byte) (z, n, h, cy bool) {
	_, z, n, h, cy = c.sub8(a, b)
	return
}

func (c *CPU) read8(addr uint16) byte     { return c.bus.Read(addr) }
func (c *CPU) write8(addr uint16, v byte) { c.bus.Write(addr, v) }

// fetch8 reads the byte at PC and advances PC, except immediately after a
// HALT-bug trigger, where the same byte is replayed once.
func (c *CPU) fetch8() byte {
	b := c.read8(c.PC)
	if c.haltBug {
		c.haltBug = false
	} else {
		c.PC++
	}
	return b
}

func (c *CPU) fetch16() uint16 {
	lo := uint16(c.fetch8())
	hi := uint16(c.fetch8())
	return lo | (hi << 8)
}

func (c *CPU) read16(addr uint16) uint16 {
	lo := uint16(c.read8(addr))
	hi := uint16(c.read8(addr + 1))
	return lo | (hi << 8)
}

func (c *CPU) write16(addr uint16, v uint16) {
	c.write8(addr, byte(v&0x00FF))
	c.write8(addr+1, byte(v>>8))
}

func (c *CPU) getAF() uint16  { return uint16(c.A)<<8 | uint16(c.F&0xF0) }
func (c *CPU) setAF(v uint16) { c.A = byte(v >> 8); c.F = byte(v) & 0xF0 }
func (c *CPU) getBC() uint16  { return uint16(c.B)<<8 | uint16(c.C) }
func (c *CPU) setBC(v uint16) { c.B = byte(v >> 8); c.C = byte(v) }
func (c *CPU) getDE() uint16  { return uint16(c.D)<<8 | uint16(c.E) }
func (c *CPU) setDE(v uint16) { c.D = byte(v >> 8); c.E = byte(v) }
func (c *CPU) getHL() uint16  { return uint16(c.H)<<8 | uint16(c.L) }
func (c *CPU) setHL(v uint16) { c.H = byte(v >> 8); c.L = byte(v) }

// push16/pop16 charge one internal M-cycle before the stack-pointer decrement,
// matching the hardware's extra cycle versus a plain two-byte write/read.
func (c *CPU) push16(v uint16) {
	c.bus.InternalDelay(1)
	c.SP -= 2
	c.write16(c.SP, v)
}

func (c *CPU) pop16() uint16 {
	v := c.read16(c.SP)
	c.SP += 2
	return v
}

// regGet/regSet map the 3-bit register index used throughout the opcode
// table: 0..5 are B,C,D,E,H,L; 6 is (HL); 7 is A.
func (c *CPU) regGet(idx byte) byte {
	switch idx {
	case 0:
		return c.B
	case 1:
		return c.C
	case 2:
		return c.D
	case 3:
		return c.E
	case 4:
		return c.H
	case 5:
		return c.L
	case 6:
		return c.read8(c.getHL())
	default:
		return c.A
	}
}

func (c *CPU) regSet(idx byte, v byte) {
	switch idx {
	case 0:
		c.B = v
	case 1:
		c.C = v
	case 2:
		c.D = v
	case 3:
		c.E = v
	case 4:
		c.H = v
	case 5:
		c.L = v
	case 6:
		c.write8(c.getHL(), v)
	default:
		c.A = v
	}
}

// serviceInterrupt dispatches the highest-priority pending, enabled interrupt
// and returns the number of cycles spent, or 0 if none is pending.
func (c *CPU) serviceInterrupt() int {
	pending := c.bus.ReadIE() & c.bus.ReadIF() & 0x1F
	if pending == 0 {
		return 0
	}
	var bit uint
	for bit = 0; bit < 5; bit++ {
		if pending&(1<<bit) != 0 {
			break
		}
	}
	c.bus.ClearIF(int(bit))
	c.halted = false
	c.IME = false
	c.bus.InternalDelay(2)
	c.push16(c.PC)
	c.bus.InternalDelay(1)
	c.PC = 0x40 + uint16(bit)*8
	return 20
}

// Step executes one instruction (or one HALT-sleep tick, or an interrupt
// dispatch) and returns the number of T-cycles it took. The bus has already
// observed every cycle by the time Step returns.
func (c *CPU) Step() (cycles int) {
	if c.eiDelay > 0 {
		c.eiDelay--
		if c.eiDelay == 0 {
			c.IME = true
		}
	}

	if c.halted {
		if c.IME {
			if cyc := c.serviceInterrupt(); cyc != 0 {
				return cyc
			}
		} else if c.bus.ReadIE()&c.bus.ReadIF()&0x1F != 0 {
			c.halted = false
		} else {
			c.bus.InternalDelay(1)
			return 4
		}
	}

	if c.stopped {
		if c.bus.ReadIE()&c.bus.ReadIF()&0x1F != 0 {
			c.stopped = false
		} else {
			c.bus.InternalDelay(1)
			return 4
		}
	}

	if c.IME {
		if cyc := c.serviceInterrupt(); cyc != 0 {
			return cyc
		}
	}

	op := c.fetch8()
	switch op {
	case 0x00: // NOP
		return 4

	case 0x10: // STOP
		c.fetch8() // mandatory padding byte
		c.stopped = true
		return 4

	case 0x76: // HALT
		if !c.IME && c.bus.ReadIE()&c.bus.ReadIF()&0x1F != 0 {
			c.haltBug = true
		} else {
			c.halted = true
		}
		return 4

	// LD r,d8
	case 0x06, 0x0E, 0x16, 0x1E, 0x26, 0x2E, 0x3E:
		c.regSet((op>>3)&7, c.fetch8())
		return 8

	// LD r,r' and LD (HL),r / LD r,(HL)
	case 0x40, 0x41, 0x42, 0x43, 0x44, 0x45, 0x46, 0x47,
		0x48, 0x49, 0x4A, 0x4B, 0x4C, 0x4D, 0x4E, 0x4F,
		0x50, 0x51, 0x52, 0x53, 0x54, 0x55, 0x56, 0x57,
		0x58, 0x59, 0x5A, 0x5B, 0x5C, 0x5D, 0x5E, 0x5F,
		0x60, 0x61, 0x62, 0x63, 0x64, 0x65, 0x66, 0x67,
		0x68, 0x69, 0x6A, 0x6B, 0x6C, 0x6D, 0x6E, 0x6F,
		0x70, 0x71, 0x72, 0x73, 0x74, 0x75, 0x77,
		0x78, 0x79, 0x7A, 0x7B, 0x7C, 0x7D, 0x7E, 0x7F:
		d := (op >> 3) & 7
		s := op & 7
		c.regSet(d, c.regGet(s))
		if d == 6 || s == 6 {
			return 8
		}
		return 4

	// 16-bit loads
	case 0x01:
		c.setBC(c.fetch16())
		return 12
	case 0x11:
		c.setDE(c.fetch16())
		return 12
	case 0x21:
		c.setHL(c.fetch16())
		return 12
	case 0x31:
		c.SP = c.fetch16()
		return 12
	case 0x08: // LD (a16),SP
		addr := c.fetch16()
		c.write16(addr, c.SP)
		return 20

	case 0x36: // LD (HL),d8
		v := c.fetch8()
		c.write8(c.getHL(), v)
		return 12

	case 0x02:
		c.write8(c.getBC(), c.A)
		return 8
	case 0x12:
		c.write8(c.getDE(), c.A)
		return 8
	case 0x0A:
		c.A = c.read8(c.getBC())
		return 8
	case 0x1A:
		c.A = c.read8(c.getDE())
		return 8

	case 0x22: // LD (HL+),A
		hl := c.getHL()
		c.write8(hl, c.A)
		c.setHL(hl + 1)
		return 8
	case 0x2A: // LD A,(HL+)
		hl := c.getHL()
		c.A = c.read8(hl)
		c.setHL(hl + 1)
		return 8
	case 0x32: // LD (HL-),A
		hl := c.getHL()
		c.write8(hl, c.A)
		c.setHL(hl - 1)
		return 8
	case 0x3A: // LD A,(HL-)
		hl := c.getHL()
		c.A = c.read8(hl)
		c.setHL(hl - 1)
		return 8

	case 0xE0: // LDH (FF00+n),A
		n := uint16(c.fetch8())
		c.write8(0xFF00+n, c.A)
		return 12
	case 0xF0: // LDH A,(FF00+n)
		n := uint16(c.fetch8())
		c.A = c.read8(0xFF00 + n)
		return 12
	case 0xE2: // LD (FF00+C),A
		c.write8(0xFF00+uint16(c.C), c.A)
		return 8
	case 0xF2: // LD A,(FF00+C)
		c.A = c.read8(0xFF00 + uint16(c.C))
		return 8

	case 0x07: // RLCA
		cval := (c.A >> 7) & 1
		c.A = (c.A << 1) | cval
		c.setZNHC(false, false, false, cval == 1)
		return 4
	case 0x0F: // RRCA
		cval := c.A & 1
		c.A = (c.A >> 1) | (cval << 7)
		c.setZNHC(false, false, false, cval == 1)
		return 4
	case 0x17: // RLA
		cval := (c.A >> 7) & 1
		carry := byte(0)
		if c.F&flagC != 0 {
			carry = 1
		}
		c.A = (c.A << 1) | carry
		c.setZNHC(false, false, false, cval == 1)
		return 4
	case 0x1F: // RRA
		cval := c.A & 1
		carry := byte(0)
		if c.F&flagC != 0 {
			carry = 1
		}
		c.A = (c.A >> 1) | (carry << 7)
		c.setZNHC(false, false, false, cval == 1)
		return 4
	case 0x27: // DAA
		a := c.A
		cf := c.F&flagC != 0
		if c.F&flagN == 0 {
			if cf || a > 0x99 {
				a += 0x60
				cf = true
			}
			if c.F&flagH != 0 || (a&0x0F) > 9 {
				a += 0x06
			}
		} else {
			if cf {
				a -= 0x60
			}
			if c.F&flagH != 0 {
				a -= 0x06
			}
		}
		c.A = a
		c.setZNHC(c.A == 0, c.F&flagN != 0, false, cf)
		return 4
	case 0x2F: // CPL
		c.A = ^c.A
		c.F = (c.F & (flagZ | flagC)) | flagN | flagH
		return 4
	case 0x37: // SCF
		c.F = (c.F & flagZ) | flagC
		return 4
	case 0x3F: // CCF
		c.F = (c.F & (flagZ | flagC)) ^ flagC
		return 4

	// INC r / DEC r / INC (HL) / DEC (HL)
	case 0x04, 0x0C, 0x14, 0x1C, 0x24, 0x2C, 0x3C:
		idx := (op >> 3) & 7
		old := c.regGet(idx)
		v := old + 1
		c.regSet(idx, v)
		c.setZNHC(v == 0, false, old&0x0F == 0x0F, c.F&flagC != 0)
		return 4
	case 0x34:
		addr := c.getHL()
		old := c.read8(addr)
		v := old + 1
		c.write8(addr, v)
		c.setZNHC(v == 0, false, old&0x0F == 0x0F, c.F&flagC != 0)
		return 12
	case 0x05, 0x0D, 0x15, 0x1D, 0x25, 0x2D, 0x3D:
		idx := (op >> 3) & 7
		old := c.regGet(idx)
		v := old - 1
		c.regSet(idx, v)
		c.setZNHC(v == 0, true, old&0x0F == 0x00, c.F&flagC != 0)
		return 4
	case 0x35:
		addr := c.getHL()
		old := c.read8(addr)
		v := old - 1
		c.write8(addr, v)
		c.setZNHC(v == 0, true, old&0x0F == 0x00, c.F&flagC != 0)
		return 12

	// ALU A,r / A,(HL)
	case 0x80, 0x81, 0x82, 0x83, 0x84, 0x85, 0x86, 0x87:
		r, z, n, h, cy := c.add8(c.A, c.regGet(op&7))
		c.A = r
		c.setZNHC(z, n, h, cy)
		if op&7 == 6 {
			return 8
		}
		return 4
	case 0x88, 0x89, 0x8A, 0x8B, 0x8C, 0x8D, 0x8E, 0x8F:
		r, z, n, h, cy := c.adc8(c.A, c.regGet(op&7), c.F&flagC != 0)
		c.A = r
		c.setZNHC(z, n, h, cy)
		if op&7 == 6 {
			return 8
		}
		return 4
	case 0x90, 0x91, 0x92, 0x93, 0x94, 0x95, 0x96, 0x97:
		r, z, n, h, cy := c.sub8(c.A, c.regGet(op&7))
		c.A = r
		c.setZNHC(z, n, h, cy)
		if op&7 == 6 {
			return 8
		}
		return 4
	case 0x98, 0x99, 0x9A, 0x9B, 0x9C, 0x9D, 0x9E, 0x9F:
		r, z, n, h, cy := c.sbc8(c.A, c.regGet(op&7), c.F&flagC != 0)
		c.A = r
		c.setZNHC(z, n, h, cy)
		if op&7 == 6 {
			return 8
		}
		return 4
	case 0xA0, 0xA1, 0xA2, 0xA3, 0xA4, 0xA5, 0xA6, 0xA7:
		r, z, n, h, cy := c.and8(c.A, c.regGet(op&7))
		c.A = r
		c.setZNHC(z, n, h, cy)
		if op&7 == 6 {
			return 8
		}
		return 4
	case 0xA8, 0xA9, 0xAA, 0xAB, 0xAC, 0xAD, 0xAE, 0xAF:
		r, z, n, h, cy := c.xor8(c.A, c.regGet(op&7))
		c.A = r
		c.setZNHC(z, n, h, cy)
		if op&7 == 6 {
			return 8
		}
		return 4
	case 0xB0, 0xB1, 0xB2, 0xB3, 0xB4, 0xB5, 0xB6, 0xB7:
		r, z, n, h, cy := c.or8(c.A, c.regGet(op&7))
		c.A = r
		c.setZNHC(z, n, h, cy)
		if op&7 == 6 {
			return 8
		}
		return 4
	case 0xB8, 0xB9, 0xBA, 0xBB, 0xBC, 0xBD, 0xBE, 0xBF:
		z, n, h, cy := c.cp8(c.A, c.regGet(op&7))
		c.setZNHC(z, n, h, cy)
		if op&7 == 6 {
			return 8
		}
		return 4

	// ALU A,d8
	case 0xC6:
		r, z, n, h, cy := c.add8(c.A, c.fetch8())
		c.A = r
		c.setZNHC(z, n, h, cy)
		return 8
	case 0xCE:
		r, z, n, h, cy := c.adc8(c.A, c.fetch8(), c.F&flagC != 0)
		c.A = r
		c.setZNHC(z, n, h, cy)
		return 8
	case 0xD6:
		r, z, n, h, cy := c.sub8(c.A, c.fetch8())
		c.A = r
		c.setZNHC(z, n, h, cy)
		return 8
	case 0xDE:
		r, z, n, h, cy := c.sbc8(c.A, c.fetch8(), c.F&flagC != 0)
		c.A = r
		c.setZNHC(z, n, h, cy)
		return 8
	case 0xE6:
		r, z, n, h, cy := c.and8(c.A, c.fetch8())
		c.A = r
		c.setZNHC(z, n, h, cy)
		return 8
	case 0xEE:
		r, z, n, h, cy := c.xor8(c.A, c.fetch8())
		c.A = r
		c.setZNHC(z, n, h, cy)
		return 8
	case 0xF6:
		r, z, n, h, cy := c.or8(c.A, c.fetch8())
		c.A = r
		c.setZNHC(z, n, h, cy)
		return 8
	case 0xFE:
		z, n, h, cy := c.cp8(c.A, c.fetch8())
		c.setZNHC(z, n, h, cy)
		return 8

	case 0xEA: // LD (a16),A
		addr := c.fetch16()
		c.write8(addr, c.A)
		return 16
	case 0xFA: // LD A,(a16)
		addr := c.fetch16()
		c.A = c.read8(addr)
		return 16

	case 0xC3: // JP a16
		addr := c.fetch16()
		c.bus.InternalDelay(1)
		c.PC = addr
		return 16
	case 0xE9: // JP (HL)
		c.PC = c.getHL()
		return 4
	case 0x18: // JR r8
		off := int8(c.fetch8())
		c.bus.InternalDelay(1)
		c.PC = uint16(int32(c.PC) + int32(off))
		return 12

	case 0x20, 0x28, 0x30, 0x38: // JR cc,r8
		off := int8(c.fetch8())
		if c.condTaken(op) {
			c.bus.InternalDelay(1)
			c.PC = uint16(int32(c.PC) + int32(off))
			return 12
		}
		return 8

	case 0xCD: // CALL a16
		addr := c.fetch16()
		c.push16(c.PC)
		c.PC = addr
		return 24
	case 0xC9: // RET
		c.bus.InternalDelay(1)
		c.PC = c.pop16()
		return 16
	case 0xD9: // RETI
		c.bus.InternalDelay(1)
		c.PC = c.pop16()
		c.IME = true
		return 16

	case 0xC7, 0xCF, 0xD7, 0xDF, 0xE7, 0xEF, 0xF7, 0xFF: // RST t
		c.push16(c.PC)
		c.PC = uint16(op & 0x38)
		return 16

	case 0xC4, 0xCC, 0xD4, 0xDC: // CALL cc,a16
		addr := c.fetch16()
		if c.condTaken(op) {
			c.push16(c.PC)
			c.PC = addr
			return 24
		}
		return 12

	case 0xC0, 0xC8, 0xD0, 0xD8: // RET cc
		c.bus.InternalDelay(1)
		if c.condTaken(op) {
			c.bus.InternalDelay(1)
			c.PC = c.pop16()
			return 20
		}
		return 8

	case 0xC2, 0xCA, 0xD2, 0xDA: // JP cc,a16
		addr := c.fetch16()
		if c.condTaken(op) {
			c.bus.InternalDelay(1)
			c.PC = addr
			return 16
		}
		return 12

	case 0x03:
		c.bus.InternalDelay(1)
		c.setBC(c.getBC() + 1)
		return 8
	case 0x13:
		c.bus.InternalDelay(1)
		c.setDE(c.getDE() + 1)
		return 8
	case 0x23:
		c.bus.InternalDelay(1)
		c.setHL(c.getHL() + 1)
		return 8
	case 0x33:
		c.bus.InternalDelay(1)
		c.SP++
		return 8
	case 0x0B:
		c.bus.InternalDelay(1)
		c.setBC(c.getBC() - 1)
		return 8
	case 0x1B:
		c.bus.InternalDelay(1)
		c.setDE(c.getDE() - 1)
		return 8
	case 0x2B:
		c.bus.InternalDelay(1)
		c.setHL(c.getHL() - 1)
		return 8
	case 0x3B:
		c.bus.InternalDelay(1)
		c.SP--
		return 8

	case 0x09, 0x19, 0x29, 0x39: // ADD HL,rr
		hl := c.getHL()
		var operand uint16
		switch op {
		case 0x09:
			operand = c.getBC()
		case 0x19:
			operand = c.getDE()
		case 0x29:
			operand = hl
		case 0x39:
			operand = c.SP
		}
		c.bus.InternalDelay(1)
		r := uint32(hl) + uint32(operand)
		h := (hl&0x0FFF)+(operand&0x0FFF) > 0x0FFF
		c.setHL(uint16(r))
		c.setZNHC(c.F&flagZ != 0, false, h, r > 0xFFFF)
		return 8

	case 0xF8: // LD HL,SP+r8
		off := int8(c.fetch8())
		c.bus.InternalDelay(1)
		low := byte(c.SP & 0xFF)
		_, _, _, h, cy := c.add8(low, byte(off))
		c.setHL(uint16(int32(int16(c.SP)) + int32(off)))
		c.setZNHC(false, false, h, cy)
		return 12
	case 0xF9: // LD SP,HL
		c.bus.InternalDelay(1)
		c.SP = c.getHL()
		return 8
	case 0xE8: // ADD SP,r8
		off := int8(c.fetch8())
		low := byte(c.SP & 0xFF)
		_, _, _, h, cy := c.add8(low, byte(off))
		c.bus.InternalDelay(2)
		c.SP = uint16(int32(int16(c.SP)) + int32(off))
		c.setZNHC(false, false, h, cy)
		return 16

	case 0xF3: // DI
		c.IME = false
		c.eiDelay = 0
		return 4
	case 0xFB: // EI
		c.eiDelay = 2
		return 4

	case 0xCB:
		return c.stepCB()

	case 0xF5:
		c.push16(c.getAF())
		return 16
	case 0xC5:
		c.push16(c.getBC())
		return 16
	case 0xD5:
		c.push16(c.getDE())
		return 16
	case 0xE5:
		c.push16(c.getHL())
		return 16
	case 0xF1:
		c.setAF(c.pop16())
		return 12
	case 0xC1:
		c.setBC(c.pop16())
		return 12
	case 0xD1:
		c.setDE(c.pop16())
		return 12
	case 0xE1:
		c.setHL(c.pop16())
		return 12

	default:
		// Unassigned opcode; behaves as a NOP rather than crashing the core.
		return 4
	}
}

// condTaken evaluates the cc field shared by JR/JP/CALL/RET conditional
// opcodes: bits 4-3 select NZ, Z, NC, C in that order.
func (c *CPU) condTaken(op byte) bool {
	switch (op >> 3) & 3 {
	case 0:
		return c.F&flagZ == 0
	case 1:
		return c.F&flagZ != 0
	case 2:
		return c.F&flagC == 0
	default:
		return c.F&flagC != 0
	}
}

func (c *CPU) stepCB() int {
	cb := c.fetch8()
	reg := cb & 7
	opg := (cb >> 6) & 3
	y := (cb >> 3) & 7

	if opg == 1 { // BIT y,r: no write-back, (HL) form skips the store cycle
		v := c.regGet(reg)
		c.F = (c.F & flagC) | flagH
		if v&(1<<y) == 0 {
			c.F |= flagZ
		}
		if reg == 6 {
			return 12
		}
		return 8
	}

	v := c.regGet(reg)
	switch opg {
	case 0:
		var cflag byte
		switch y {
		case 0: // RLC
			cflag = (v >> 7) & 1
			v = (v << 1) | cflag
			c.setZNHC(v == 0, false, false, cflag == 1)
		case 1: // RRC
			cflag = v & 1
			v = (v >> 1) | (cflag << 7)
			c.setZNHC(v == 0, false, false, cflag == 1)
		case 2: // RL
			cflag = (v >> 7) & 1
			cin := byte(0)
			if c.F&flagC != 0 {
				cin = 1
			}
			v = (v << 1) | cin
			c.setZNHC(v == 0, false, false, cflag == 1)
		case 3: // RR
			cflag = v & 1
			cin := byte(0)
			if c.F&flagC != 0 {
				cin = 1
			}
			v = (v >> 1) | (cin << 7)
			c.setZNHC(v == 0, false, false, cflag == 1)
		case 4: // SLA
			cflag = (v >> 7) & 1
			v <<= 1
			c.setZNHC(v == 0, false, false, cflag == 1)
		case 5: // SRA
			cflag = v & 1
			v = (v >> 1) | (v & 0x80)
			c.setZNHC(v == 0, false, false, cflag == 1)
		case 6: // SWAP
			v = (v << 4) | (v >> 4)
			c.setZNHC(v == 0, false, false, false)
		case 7: // SRL
			cflag = v & 1
			v >>= 1
			c.setZNHC(v == 0, false, false, cflag == 1)
		}
	case 2: // RES y,r
		v &^= 1 << y
	case 3: // SET y,r
		v |= 1 << y
	}
	c.regSet(reg, v)
	if reg == 6 {
		return 16
	}
	return 8
}

// cpuSnapshot is the gob-serializable subset of register state; the bus
// pointer is never part of a save state, it is reattached by the caller.
type cpuSnapshot struct {
	A, F byte
	B, C byte
	D, E byte
	H, L byte

	SP, PC uint16

	IME     bool
	Halted  bool
	Stopped bool
	HaltBug bool
	EIDelay int
}

// SaveState serializes register and run-mode state, matching the gob
// encoding used by the other components' save states.
func (c *CPU) SaveState() []byte {
	s := cpuSnapshot{
		A: c.A, F: c.F, B: c.B, C: c.C, D: c.D, E: c.E, H: c.H, L: c.L,
		SP: c.SP, PC: c.PC,
		IME: c.IME, Halted: c.halted, Stopped: c.stopped,
		HaltBug: c.haltBug, EIDelay: c.eiDelay,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&s); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// LoadState restores register and run-mode state previously produced by
// SaveState. The bus is left untouched.
func (c *CPU) LoadState(data []byte) error {
	var s cpuSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return err
	}
	c.A, c.F, c.B, c.C, c.D, c.E, c.H, c.L = s.A, s.F, s.B, s.C, s.D, s.E, s.H, s.L
	c.SP, c.PC = s.SP, s.PC
	c.IME, c.halted, c.stopped, c.haltBug, c.eiDelay = s.IME, s.Halted, s.Stopped, s.HaltBug, s.EIDelay
	return nil
}
