package cpu

import (
	"testing"

	"github.com/FabianRolfMatthiasNoll/GameBoyEmulator/internal/bus"
)

func newCPU(t *testing.T, code []byte) *CPU {
	t.Helper()
	rom := make([]byte, 0x8000)
	copy(rom, code)
	b, err := bus.New(rom)
	if err != nil {
		t.Fatal(err)
	}
	return New(b)
}

func TestCPU_EIDelaysOneInstruction(t *testing.T) {
	// EI; NOP; NOP
	c := newCPU(t, []byte{0xFB, 0x00, 0x00})
	c.Bus().Write(0xFFFF, 0x01) // VBlank enabled
	c.Bus().Write(0xFF0F, 0x01) // VBlank pending the whole time

	c.Step() // EI
	if c.IME {
		t.Fatal("IME should not be enabled immediately after EI")
	}
	c.Step() // the instruction right after EI: still not serviced
	if c.PC != 2 {
		t.Fatalf("expected the NOP after EI to execute normally, PC=%d", c.PC)
	}
	if c.IME {
		t.Fatal("IME should still be disabled through the instruction after EI")
	}
	// The next Step flips IME true before fetching, so it services the
	// pending interrupt instead of the second NOP.
	c.Step()
	if c.PC != 0x40 {
		t.Fatalf("expected interrupt dispatch to 0x0040, PC=%#04x", c.PC)
	}
	if c.IME {
		t.Fatal("IME should be cleared by interrupt dispatch")
	}
}

func TestCPU_DICancelsPendingEI(t *testing.T) {
	c := newCPU(t, []byte{0xFB, 0xF3, 0x00}) // EI; DI; NOP
	c.Step()
	c.Step()
	c.Step()
	if c.IME {
		t.Fatal("DI right after EI should cancel the pending enable")
	}
}

func TestCPU_HaltBugReplaysNextByte(t *testing.T) {
	// HALT, with interrupts globally disabled but a pending+enabled source,
	// must not actually sleep: the instruction after HALT is fetched twice.
	c := newCPU(t, []byte{0x76, 0x3C, 0x3C}) // HALT; INC A; INC A
	c.Bus().Write(0xFFFF, 0x01)
	c.Bus().Write(0xFF0F, 0x01)

	c.Step() // HALT triggers the bug instead of sleeping
	if c.halted {
		t.Fatal("HALT bug should not actually halt the core")
	}
	c.Step() // first INC A, PC should not have advanced past it yet
	if c.PC != 1 {
		t.Fatalf("expected PC still at the byte after HALT, got %d", c.PC)
	}
	if c.A != 1 {
		t.Fatalf("expected A incremented once, got %d", c.A)
	}
	c.Step() // now PC actually advances
	if c.PC != 2 {
		t.Fatalf("expected PC to advance normally after the replay, got %d", c.PC)
	}
	if c.A != 2 {
		t.Fatalf("expected A incremented twice total, got %d", c.A)
	}
}

func TestCPU_HaltWaitsForInterruptThenServices(t *testing.T) {
	c := newCPU(t, []byte{0x76}) // HALT
	c.IME = true
	c.Bus().Write(0xFFFF, 0x01)
	c.Bus().Write(0xFF0F, 0x00) // clear the post-boot VBlank request

	cyc := c.Step()
	if !c.halted || cyc != 4 {
		t.Fatalf("expected the CPU to halt with no pending interrupt, halted=%v cyc=%d", c.halted, cyc)
	}
	c.Bus().Write(0xFF0F, 0x01)
	cyc = c.Step()
	if c.halted {
		t.Fatal("expected HALT to end once an enabled interrupt is pending")
	}
	if c.PC != 0x40 || cyc != 20 {
		t.Fatalf("expected interrupt dispatch, PC=%#04x cyc=%d", c.PC, cyc)
	}
}

func TestCPU_InterruptDispatchPushesReturnAddress(t *testing.T) {
	rom := make([]byte, 0x8000)
	rom[0] = 0x00 // NOP at 0x0000
	b, err := bus.New(rom)
	if err != nil {
		t.Fatal(err)
	}
	c := New(b)
	c.IME = true
	c.Bus().Write(0xFFFF, 0x04) // Timer
	c.Bus().Write(0xFF0F, 0x04)

	if cyc := c.Step(); cyc != 20 {
		t.Fatalf("expected a 20-cycle dispatch, got %d", cyc)
	}
	if c.PC != 0x50 {
		t.Fatalf("expected PC at the timer vector 0x0050, got %#04x", c.PC)
	}
	ret := uint16(c.Bus().Read(c.SP)) | uint16(c.Bus().Read(c.SP+1))<<8
	if ret != 0 {
		t.Fatalf("expected the pushed return address to be the interrupted PC, got %#04x", ret)
	}
}

func TestCPU_BitHLDoesNotWriteBack(t *testing.T) {
	// CB 0x46 is BIT 0,(HL): reads (HL) but must not charge a write cycle.
	c := newCPU(t, []byte{0xCB, 0x46})
	c.setHL(0xC000)
	c.Bus().Write(0xC000, 0x01)
	if cyc := c.Step(); cyc != 12 {
		t.Fatalf("BIT (HL) should take 12 cycles (no write-back), got %d", cyc)
	}
	if c.F&flagZ != 0 {
		t.Fatal("expected Z clear since bit 0 is set")
	}
}
